// Package overlaypool pre-creates writable ext4 overlay images so sandbox
// boot never blocks on filesystem creation. Entries are handed out with
// exclusive ownership; the acquiring VM deletes its overlay on teardown.
package overlaypool

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/charmbracelet/log"
)

// ErrPoolExhausted is returned when no pre-created overlay is available and
// synchronous fallback creation also failed. Callers use it to apply
// backpressure instead of treating the failure as a configuration error.
var ErrPoolExhausted = errors.New("overlay pool exhausted")

const DefaultOverlayBytes int64 = 2 << 30 // 2 GiB sparse

type Options struct {
	Dir                string
	Size               int
	ReplenishThreshold int
	OverlayBytes       int64

	// CreateFn creates one overlay image at the given path. Defaults to
	// sparse-file-plus-mkfs.ext4; injectable for tests.
	CreateFn func(context.Context, string, int64) error

	Logger *log.Logger
}

type Pool struct {
	dir          string
	size         int
	threshold    int
	overlayBytes int64
	create       func(context.Context, string, int64) error
	logger       *log.Logger

	mu           sync.Mutex
	entries      []string
	seq          uint64
	replenishing bool
	closed       bool

	replenishWG sync.WaitGroup
}

func New(opts Options) (*Pool, error) {
	if opts.Dir == "" {
		return nil, errors.New("overlay pool directory is required")
	}
	if opts.Size <= 0 {
		return nil, fmt.Errorf("overlay pool size must be positive, got %d", opts.Size)
	}
	if opts.ReplenishThreshold < 0 || opts.ReplenishThreshold >= opts.Size {
		return nil, fmt.Errorf("replenish threshold %d must be in [0, %d)", opts.ReplenishThreshold, opts.Size)
	}
	overlayBytes := opts.OverlayBytes
	if overlayBytes <= 0 {
		overlayBytes = DefaultOverlayBytes
	}
	create := opts.CreateFn
	if create == nil {
		create = CreateSparseExt4
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.New(os.Stderr)
	}
	return &Pool{
		dir:          opts.Dir,
		size:         opts.Size,
		threshold:    opts.ReplenishThreshold,
		overlayBytes: overlayBytes,
		create:       create,
		logger:       logger.With("component", "overlaypool"),
	}, nil
}

// Init creates the pool directory and fills it to capacity. Any creation
// failure is fatal: a pool that cannot create overlays at startup will not
// be able to replenish either.
func (p *Pool) Init(ctx context.Context) error {
	if err := os.MkdirAll(p.dir, 0o755); err != nil {
		return fmt.Errorf("create overlay pool directory %q: %w", p.dir, err)
	}
	for i := 0; i < p.size; i++ {
		path := p.nextPath()
		if err := p.create(ctx, path, p.overlayBytes); err != nil {
			return fmt.Errorf("pre-create overlay %q: %w", path, err)
		}
		p.mu.Lock()
		p.entries = append(p.entries, path)
		p.mu.Unlock()
	}
	p.logger.Info("overlay pool initialized", "dir", p.dir, "size", p.size, "threshold", p.threshold)
	return nil
}

// Acquire pops one overlay and transfers ownership to the caller. When the
// pop leaves the pool below the replenish threshold a background refill is
// started; the caller never waits on it. With the pool empty, one overlay is
// created synchronously as a fallback before giving up.
func (p *Pool) Acquire(ctx context.Context) (string, error) {
	p.mu.Lock()
	if len(p.entries) > 0 {
		path := p.entries[len(p.entries)-1]
		p.entries = p.entries[:len(p.entries)-1]
		p.maybeReplenishLocked()
		p.mu.Unlock()
		return path, nil
	}
	p.maybeReplenishLocked()
	p.mu.Unlock()

	// Pool drained faster than replenishment could keep up. Pay the
	// creation cost inline rather than failing the boot.
	path := p.nextPath()
	if err := p.create(ctx, path, p.overlayBytes); err != nil {
		return "", fmt.Errorf("%w: fallback creation failed: %v", ErrPoolExhausted, err)
	}
	p.logger.Warn("overlay pool drained, created overlay synchronously", "path", path)
	return path, nil
}

// maybeReplenishLocked starts a background refill when the pool is below
// threshold and none is already running. Callers must hold p.mu.
func (p *Pool) maybeReplenishLocked() {
	if p.closed || p.replenishing || len(p.entries) >= p.threshold {
		return
	}
	p.replenishing = true
	p.replenishWG.Add(1)
	go p.replenish()
}

func (p *Pool) replenish() {
	defer p.replenishWG.Done()

	for {
		p.mu.Lock()
		if p.closed || len(p.entries) >= p.size {
			p.replenishing = false
			p.mu.Unlock()
			return
		}
		p.mu.Unlock()

		path := p.nextPath()
		if err := p.create(context.Background(), path, p.overlayBytes); err != nil {
			p.logger.Error("overlay replenishment failed", "path", path, "error", err)
			p.mu.Lock()
			p.replenishing = false
			p.mu.Unlock()
			return
		}

		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			_ = os.Remove(path)
			return
		}
		p.entries = append(p.entries, path)
		p.mu.Unlock()
	}
}

// Len reports how many overlays are currently available.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

// Cleanup deletes remaining pool entries and the pool directory.
// Best-effort: overlays held by live VMs are no longer in the pool and are
// not touched; removal failures are logged, never raised.
func (p *Pool) Cleanup() {
	p.mu.Lock()
	p.closed = true
	entries := p.entries
	p.entries = nil
	p.mu.Unlock()

	p.replenishWG.Wait()

	for _, path := range entries {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			p.logger.Warn("failed to remove pooled overlay", "path", path, "error", err)
		}
	}
	if err := os.Remove(p.dir); err != nil && !errors.Is(err, os.ErrNotExist) {
		p.logger.Warn("failed to remove overlay pool directory", "dir", p.dir, "error", err)
	}
	p.logger.Debug("overlay pool cleaned up", "dir", p.dir)
}

func (p *Pool) nextPath() string {
	p.mu.Lock()
	p.seq++
	seq := p.seq
	p.mu.Unlock()
	return filepath.Join(p.dir, fmt.Sprintf("overlay-%06d.ext4", seq))
}
