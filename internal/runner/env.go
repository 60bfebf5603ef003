// Package runner assembles and tears down the host environment a warmbox
// runner needs: the singleton lock, bridge networking, device and overlay
// pools, the sandbox registry, and the optional transparent proxy.
package runner

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/log"

	"github.com/pcwill068-cloud/warmbox/internal/netenv"
	"github.com/pcwill068-cloud/warmbox/internal/overlaypool"
	"github.com/pcwill068-cloud/warmbox/internal/paths"
	"github.com/pcwill068-cloud/warmbox/internal/proxy"
	"github.com/pcwill068-cloud/warmbox/internal/registry"
	"github.com/pcwill068-cloud/warmbox/internal/runtimeconfig"
	"github.com/pcwill068-cloud/warmbox/internal/tappool"
)

// runnerTag identifies this runner's iptables rules and lets a later run
// find rules a killed predecessor left behind.
const runnerTag = "runner"

const tapNamePrefix = "wbtap"

// Resources is everything SetupEnvironment built, handed to the serving
// layer and later to CleanupEnvironment.
type Resources struct {
	Config      runtimeconfig.Config
	NetMgr      *netenv.Manager
	OverlayPool *overlaypool.Pool
	TapPool     *tappool.Pool
	Registry    *registry.Registry

	// ProxyEnabled is false when the proxy failed to start and the runner
	// is serving sandboxes without egress interception.
	ProxyEnabled bool
	ProxyPort    int

	lock         *Lock
	cleanupSteps []cleanupStep
}

type cleanupStep struct {
	name string
	fn   func() error
}

// SetupEnvironment prepares the host for serving sandboxes. Prerequisite,
// lock, bridge, pool, and registry failures are fatal; a proxy failure
// degrades the runner to proxyless networking instead.
func SetupEnvironment(ctx context.Context, cfg runtimeconfig.Config, logger *log.Logger) (res *Resources, err error) {
	logger = logger.With("component", "runner")

	lockPath, err := paths.LockFilePath(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("resolve lock path: %w", err)
	}
	lock, err := AcquireLock(lockPath)
	if err != nil {
		return nil, err
	}

	res = &Resources{Config: cfg, lock: lock}
	defer func() {
		if err != nil {
			_ = CleanupEnvironment(logger, res)
		}
	}()

	if report := netenv.CheckPrerequisites(); !report.OK() {
		return nil, fmt.Errorf("host prerequisites not met:\n  - %s", strings.Join(report.Failures(), "\n  - "))
	}

	netMgr, err := netenv.New(netenv.Options{
		Bridge:      cfg.Network.Bridge,
		BridgeCIDR:  cfg.Network.BridgeCIDR,
		SandboxCIDR: cfg.Network.SandboxCIDR,
		Logger:      logger,
	})
	if err != nil {
		return nil, err
	}
	res.NetMgr = netMgr

	if err := netMgr.SetupBridge(); err != nil {
		return nil, err
	}
	if err := netMgr.FlushBridgeARPCache(); err != nil {
		return nil, err
	}
	if err := netMgr.CleanupOrphanedProxyRules(runnerTag); err != nil {
		return nil, err
	}

	dbPath, err := paths.RegistryDBPath(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("resolve registry database path: %w", err)
	}
	reg, err := registry.New(registry.Options{DBPath: dbPath})
	if err != nil {
		return nil, err
	}
	res.Registry = reg
	if err := reapStaleSandboxes(ctx, reg, netMgr, logger); err != nil {
		return nil, err
	}

	poolSize := cfg.MaxConcurrent + 2

	overlayDir, err := paths.OverlayPoolDir(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("resolve overlay pool directory: %w", err)
	}
	ovPool, err := overlaypool.New(overlaypool.Options{
		Dir:                overlayDir,
		Size:               poolSize,
		ReplenishThreshold: poolSize / 2,
		OverlayBytes:       overlaypool.DefaultOverlayBytes,
		Logger:             logger,
	})
	if err != nil {
		return nil, err
	}
	if err := ovPool.Init(ctx); err != nil {
		return nil, err
	}
	res.OverlayPool = ovPool
	res.cleanupSteps = append(res.cleanupSteps, cleanupStep{
		name: "overlay pool",
		fn:   func() error { ovPool.Cleanup(); return nil },
	})

	tPool, err := tappool.New(tappool.Options{
		Bridge:             cfg.Network.Bridge,
		Size:               poolSize,
		ReplenishThreshold: poolSize / 2,
		NamePrefix:         tapNamePrefix,
		Ops:                tappool.NetlinkOps{},
		Logger:             logger,
	})
	if err != nil {
		return nil, err
	}
	if err := tPool.Init(); err != nil {
		return nil, err
	}
	res.TapPool = tPool
	res.cleanupSteps = append(res.cleanupSteps, cleanupStep{
		name: "tap pool",
		fn:   func() error { tPool.Cleanup(); return nil },
	})

	proxyMgr, err := proxy.New(proxy.Options{
		BinaryPath: cfg.Proxy.BinaryPath,
		Port:       cfg.Proxy.Port,
		CADir:      cfg.Proxy.CADir,
		Logger:     logger,
	})
	if err != nil {
		return nil, err
	}
	enabled, proxySteps := enableProxy(ctx, proxyMgr, netMgr, logger)
	res.ProxyEnabled = enabled
	res.ProxyPort = cfg.Proxy.Port
	res.cleanupSteps = append(res.cleanupSteps, proxySteps...)

	logger.Info("runner environment ready",
		"bridge", cfg.Network.Bridge,
		"pool_size", poolSize,
		"proxy_enabled", enabled)
	return res, nil
}

// proxyStarter and ruleInstaller narrow the proxy and netenv managers to
// what degraded-mode handling needs.
type proxyStarter interface {
	Start(ctx context.Context) error
	Stop() error
	Port() int
}

type ruleInstaller interface {
	SetupCIDRProxyRules(name string, port int) error
	CleanupCIDRProxyRules(name string, port int) error
}

// enableProxy starts the proxy and installs its redirect rules. Any
// failure falls back to proxyless networking: sandboxes still run, egress
// is simply not intercepted.
func enableProxy(ctx context.Context, pm proxyStarter, rules ruleInstaller, logger *log.Logger) (bool, []cleanupStep) {
	if err := pm.Start(ctx); err != nil {
		logger.Warn("proxy unavailable, continuing without egress interception", "error", err)
		return false, nil
	}
	if err := rules.SetupCIDRProxyRules(runnerTag, pm.Port()); err != nil {
		logger.Warn("proxy redirect rules failed, continuing without egress interception", "error", err)
		if stopErr := pm.Stop(); stopErr != nil {
			logger.Warn("stop proxy after rule failure", "error", stopErr)
		}
		return false, nil
	}

	// Cleanup runs in reverse, so the redirect rules must come after the
	// process entry: the rules go first at teardown, or sandbox egress
	// briefly redirects into a dead port.
	return true, []cleanupStep{
		{name: "proxy process", fn: func() error { return pm.Stop() }},
		{name: "proxy redirect rules", fn: func() error { return rules.CleanupCIDRProxyRules(runnerTag, pm.Port()) }},
	}
}

// reapStaleSandboxes removes host leftovers of sandboxes whose hypervisor
// died with a previous runner.
func reapStaleSandboxes(ctx context.Context, reg *registry.Registry, netMgr *netenv.Manager, logger *log.Logger) error {
	stale, err := reg.Prune(ctx)
	if err != nil {
		return fmt.Errorf("prune sandbox registry: %w", err)
	}
	for _, record := range stale {
		logger.Warn("reaping stale sandbox from prior run", "sandbox", record.ID, "state", string(record.State))
		if record.Netns != "" {
			if err := netMgr.DeleteNetns(record.Netns); err != nil {
				logger.Warn("delete stale namespace", "sandbox", record.ID, "error", err)
			}
		}
		for _, p := range []string{record.OverlayPath, record.APISocket} {
			if p == "" {
				continue
			}
			if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
				logger.Warn("remove stale sandbox file", "sandbox", record.ID, "path", p, "error", err)
			}
		}
	}
	return nil
}

// CleanupEnvironment tears down everything SetupEnvironment built. Each
// step runs regardless of earlier failures; the lock is released last so
// no second runner starts against a half-dismantled host.
func CleanupEnvironment(logger *log.Logger, res *Resources) error {
	if res == nil {
		return nil
	}
	logger = logger.With("component", "runner")

	failed := 0
	for i := len(res.cleanupSteps) - 1; i >= 0; i-- {
		step := res.cleanupSteps[i]
		if err := step.fn(); err != nil {
			logger.Error("cleanup step failed", "step", step.name, "error", err)
			failed++
		}
	}
	res.cleanupSteps = nil

	if res.lock != nil {
		if err := res.lock.Release(); err != nil {
			logger.Error("release runner lock", "error", err)
			failed++
		}
		res.lock = nil
	}

	if failed > 0 {
		return fmt.Errorf("%d cleanup steps failed", failed)
	}
	return nil
}
