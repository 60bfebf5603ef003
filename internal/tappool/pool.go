// Package tappool pre-creates TAP interfaces attached to the runner bridge
// so sandbox boot never blocks on host interface creation. Mirrors the
// overlay pool contract, specialized to network interfaces.
package tappool

import (
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/charmbracelet/log"
)

// ErrPoolExhausted is returned when no pre-created interface is available
// and synchronous fallback creation also failed.
var ErrPoolExhausted = errors.New("tap pool exhausted")

// NetOps abstracts the host-level interface operations so the pool logic is
// testable without privileges. The production implementation is netlink.
type NetOps interface {
	// CreateTap creates the named TAP device and brings it up.
	CreateTap(name string) error
	// AttachToBridge enslaves the TAP to the bridge. Must happen at
	// creation time so an acquired interface is immediately usable.
	AttachToBridge(tap, bridge string) error
	// DeleteTap detaches the TAP from its bridge and deletes it.
	// Idempotent: deleting a missing interface is not an error.
	DeleteTap(name string) error
}

type Options struct {
	Bridge             string
	Size               int
	ReplenishThreshold int

	// NamePrefix defaults to "wbtap". Interface names must stay within
	// the kernel's 15-byte limit.
	NamePrefix string

	Ops    NetOps
	Logger *log.Logger
}

type Pool struct {
	bridge    string
	size      int
	threshold int
	prefix    string
	ops       NetOps
	logger    *log.Logger

	mu           sync.Mutex
	entries      []string
	seq          uint64
	replenishing bool
	closed       bool

	replenishWG sync.WaitGroup
}

func New(opts Options) (*Pool, error) {
	if opts.Bridge == "" {
		return nil, errors.New("bridge name is required")
	}
	if opts.Size <= 0 {
		return nil, fmt.Errorf("tap pool size must be positive, got %d", opts.Size)
	}
	if opts.ReplenishThreshold < 0 || opts.ReplenishThreshold >= opts.Size {
		return nil, fmt.Errorf("replenish threshold %d must be in [0, %d)", opts.ReplenishThreshold, opts.Size)
	}
	if opts.Ops == nil {
		return nil, errors.New("net ops implementation is required")
	}
	prefix := opts.NamePrefix
	if prefix == "" {
		prefix = "wbtap"
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.New(os.Stderr)
	}
	return &Pool{
		bridge:    opts.Bridge,
		size:      opts.Size,
		threshold: opts.ReplenishThreshold,
		prefix:    prefix,
		ops:       opts.Ops,
		logger:    logger.With("component", "tappool"),
	}, nil
}

// Init fills the pool to capacity. A bridge-attach failure is fatal: it
// means the host network prerequisites are not actually met.
func (p *Pool) Init() error {
	for i := 0; i < p.size; i++ {
		name, err := p.createAttached()
		if err != nil {
			return err
		}
		p.mu.Lock()
		p.entries = append(p.entries, name)
		p.mu.Unlock()
	}
	p.logger.Info("tap pool initialized", "bridge", p.bridge, "size", p.size, "threshold", p.threshold)
	return nil
}

// Acquire pops one interface name and transfers ownership to the caller.
// Replenishment runs in the background; an empty pool falls back to one
// synchronous creation before reporting exhaustion.
func (p *Pool) Acquire() (string, error) {
	p.mu.Lock()
	if len(p.entries) > 0 {
		name := p.entries[len(p.entries)-1]
		p.entries = p.entries[:len(p.entries)-1]
		p.maybeReplenishLocked()
		p.mu.Unlock()
		return name, nil
	}
	p.maybeReplenishLocked()
	p.mu.Unlock()

	name, err := p.createAttached()
	if err != nil {
		return "", fmt.Errorf("%w: fallback creation failed: %v", ErrPoolExhausted, err)
	}
	p.logger.Warn("tap pool drained, created interface synchronously", "tap", name)
	return name, nil
}

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

		name, err := p.createAttached()
		if err != nil {
			p.logger.Error("tap replenishment failed", "error", err)
			p.mu.Lock()
			p.replenishing = false
			p.mu.Unlock()
			return
		}

		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			_ = p.ops.DeleteTap(name)
			return
		}
		p.entries = append(p.entries, name)
		p.mu.Unlock()
	}
}

func (p *Pool) createAttached() (string, error) {
	name := p.nextName()
	if err := p.ops.CreateTap(name); err != nil {
		return "", fmt.Errorf("create tap %q: %w", name, err)
	}
	if err := p.ops.AttachToBridge(name, p.bridge); err != nil {
		_ = p.ops.DeleteTap(name)
		return "", fmt.Errorf("attach tap %q to bridge %q: %w", name, p.bridge, err)
	}
	return name, nil
}

// Len reports how many interfaces are currently available.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

// Cleanup destroys remaining pooled interfaces. Interfaces owned by live
// VMs are no longer in the pool and are untouched. Best-effort.
func (p *Pool) Cleanup() {
	p.mu.Lock()
	p.closed = true
	entries := p.entries
	p.entries = nil
	p.mu.Unlock()

	p.replenishWG.Wait()

	for _, name := range entries {
		if err := p.ops.DeleteTap(name); err != nil {
			p.logger.Warn("failed to delete pooled tap", "tap", name, "error", err)
		}
	}
	p.logger.Debug("tap pool cleaned up", "bridge", p.bridge)
}

func (p *Pool) nextName() string {
	p.mu.Lock()
	p.seq++
	seq := p.seq
	p.mu.Unlock()
	return fmt.Sprintf("%s%d-%d", p.prefix, os.Getpid()%1000, seq)
}
