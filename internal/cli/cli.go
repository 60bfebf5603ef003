// Package cli wires the warmbox commands: running the sandbox runner,
// generating snapshot artifacts, and host diagnostics.
package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/charmbracelet/log"

	"github.com/pcwill068-cloud/warmbox/internal/netenv"
	"github.com/pcwill068-cloud/warmbox/internal/paths"
	"github.com/pcwill068-cloud/warmbox/internal/registry"
	"github.com/pcwill068-cloud/warmbox/internal/runner"
	"github.com/pcwill068-cloud/warmbox/internal/runtimeconfig"
	"github.com/pcwill068-cloud/warmbox/internal/snapshot"
)

type runtimeContext struct {
	Stdout     *os.File
	Config     runtimeconfig.Config
	ConfigPath string
	Version    string
}

type CLI struct {
	Run      RunCommand      `cmd:"" help:"Run the sandbox runner until interrupted"`
	Snapshot SnapshotCommand `cmd:"" help:"Snapshot artifact commands"`
	Doctor   DoctorCommand   `cmd:"" help:"Run host environment diagnostics"`
	Status   StatusCommand   `cmd:"" help:"List registered sandboxes"`
	Version  VersionCommand  `cmd:"" help:"Print the warmbox version"`
}

type RunCommand struct {
	LogLevel string `help:"Log level (debug|info|warn|error)"`
}

type SnapshotCommand struct {
	Create SnapshotCreateCommand `cmd:"" help:"Boot a VM to verified readiness and capture snapshot artifacts"`
}

type SnapshotCreateCommand struct {
	LogLevel       string `help:"Log level (debug|info|warn|error)"`
	Output         string `short:"o" help:"Artifact output directory (defaults to the state snapshot directory)"`
	TimeoutSeconds int64  `help:"Boot and readiness timeout in seconds" default:"30"`
}

type DoctorCommand struct {
	JSON bool `help:"Print doctor report as JSON"`
}

type StatusCommand struct {
	JSON bool `help:"Print sandbox list as JSON"`
}

type VersionCommand struct{}

type exitCodeError struct {
	code int
}

func (e exitCodeError) Error() string {
	return fmt.Sprintf("command failed with exit code %d", e.code)
}

func (e exitCodeError) ExitCode() int {
	return e.code
}

type hasExitCode interface {
	ExitCode() int
}

var (
	newSignalChannel = func() chan os.Signal {
		return make(chan os.Signal, 2)
	}
	notifySignals = func(ch chan os.Signal, sig ...os.Signal) {
		signal.Notify(ch, sig...)
	}
	stopSignals = func(ch chan os.Signal) {
		signal.Stop(ch)
	}
)

func Run(args []string, version string) error {
	cfg, cfgPath, err := runtimeconfig.Load()
	if err != nil {
		return err
	}

	runtimeCtx := &runtimeContext{
		Stdout:     os.Stdout,
		Config:     cfg,
		ConfigPath: cfgPath,
		Version:    version,
	}

	cli := CLI{}
	parser, err := kong.New(
		&cli,
		kong.Name("warmbox"),
		kong.Description("Pooled microVM sandbox runner"),
	)
	if err != nil {
		return err
	}

	ctx, err := parser.Parse(args)
	if err != nil {
		return err
	}

	return ctx.Run(runtimeCtx)
}

func ExitCode(err error) int {
	var codeErr hasExitCode
	if errors.As(err, &codeErr) {
		return codeErr.ExitCode()
	}
	return 1
}

func (r *RunCommand) Run(ctx *runtimeContext) error {
	logger, err := newLogger(r.LogLevel, "runner")
	if err != nil {
		return err
	}
	if err := ctx.Config.Validate(); err != nil {
		return err
	}

	res, err := runner.SetupEnvironment(context.Background(), ctx.Config, logger)
	if err != nil {
		return err
	}

	sigCh := newSignalChannel()
	notifySignals(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer stopSignals(sigCh)

	logger.Info("runner started", "config", ctx.ConfigPath)
	sig := <-sigCh
	logger.Info("shutting down", "signal", sig.String())

	return runner.CleanupEnvironment(logger, res)
}

func (s *SnapshotCreateCommand) Run(ctx *runtimeContext) error {
	logger, err := newLogger(s.LogLevel, "snapshot")
	if err != nil {
		return err
	}
	if err := ctx.Config.Validate(); err != nil {
		return err
	}

	outputDir := s.Output
	if outputDir == "" {
		outputDir, err = paths.SnapshotOutputDir(ctx.Config.DataDir)
		if err != nil {
			return fmt.Errorf("resolve snapshot output directory: %w", err)
		}
	}

	runBase, err := paths.RunBaseDir(ctx.Config.DataDir)
	if err != nil {
		return fmt.Errorf("resolve run directory: %w", err)
	}

	netMgr, err := netenv.New(netenv.Options{
		Bridge:      ctx.Config.Network.Bridge,
		BridgeCIDR:  ctx.Config.Network.BridgeCIDR,
		SandboxCIDR: ctx.Config.Network.SandboxCIDR,
		Logger:      logger,
	})
	if err != nil {
		return err
	}

	sandboxID := registry.NewSandboxID()
	gen, err := snapshot.New(snapshot.Options{
		SandboxID:        sandboxID,
		RunDir:           filepath.Join(runBase, sandboxID),
		OutputDir:        outputDir,
		HypervisorBinary: ctx.Config.Hypervisor.BinaryPath,
		KernelImage:      ctx.Config.Hypervisor.KernelImage,
		RootFS:           ctx.Config.Hypervisor.RootFS,
		VCPUs:            ctx.Config.Hypervisor.VCPUs,
		MemoryMiB:        ctx.Config.Hypervisor.MemoryMiB,
		GuestCID:         ctx.Config.Hypervisor.GuestCID,
		GuestPort:        ctx.Config.Hypervisor.GuestPort,
		TapDevice:        "wbsnap0",
		GatewayCIDR:      ctx.Config.Network.BridgeCIDR,
		Privileged:       ctx.Config.Hypervisor.PrivilegedMode == "sudo",
		BootTimeout:      time.Duration(s.TimeoutSeconds) * time.Second,
		Logger:           logger,
	}, netMgr)
	if err != nil {
		return err
	}

	arts, err := gen.Generate(context.Background())
	if err != nil {
		return err
	}

	_, err = fmt.Fprintf(ctx.Stdout, "snapshot: %s\nmemory:   %s\noverlay:  %s\n",
		arts.SnapshotPath, arts.MemoryPath, arts.OverlayPath)
	return err
}

func (d *DoctorCommand) Run(ctx *runtimeContext) error {
	report := netenv.CheckPrerequisites()

	if d.JSON {
		payload := map[string]any{
			"config": ctx.ConfigPath,
			"checks": report.Checks,
		}
		enc := json.NewEncoder(ctx.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(payload); err != nil {
			return err
		}
	} else {
		for _, check := range report.Checks {
			if _, err := fmt.Fprintf(ctx.Stdout, "[%s] %s: %s\n", check.Status, check.Name, check.Message); err != nil {
				return err
			}
		}
	}

	if cfgErr := ctx.Config.Validate(); cfgErr != nil {
		fmt.Fprintln(ctx.Stdout, cfgErr.Error())
		return exitCodeError{code: 1}
	}
	if !report.OK() {
		return exitCodeError{code: 1}
	}
	return nil
}

func (s *StatusCommand) Run(ctx *runtimeContext) error {
	dbPath, err := paths.RegistryDBPath(ctx.Config.DataDir)
	if err != nil {
		return fmt.Errorf("resolve registry database path: %w", err)
	}
	reg, err := registry.New(registry.Options{DBPath: dbPath})
	if err != nil {
		return err
	}
	records, err := reg.List(context.Background())
	if err != nil {
		return err
	}

	if s.JSON {
		enc := json.NewEncoder(ctx.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(records)
	}

	if len(records) == 0 {
		_, err := fmt.Fprintln(ctx.Stdout, "no sandboxes registered")
		return err
	}
	for _, record := range records {
		if _, err := fmt.Fprintf(ctx.Stdout, "%s\t%s\tpid=%d\tcreated=%s\n",
			record.ID, record.State, record.PID, record.CreatedAt.Format(time.RFC3339)); err != nil {
			return err
		}
	}
	return nil
}

func (v *VersionCommand) Run(ctx *runtimeContext) error {
	_, err := fmt.Fprintln(ctx.Stdout, ctx.Version)
	return err
}

func newLogger(rawLevel, component string) (*log.Logger, error) {
	levelName := strings.TrimSpace(strings.ToLower(rawLevel))
	if levelName == "" {
		levelName = "info"
	}
	level, err := log.ParseLevel(levelName)
	if err != nil {
		return nil, fmt.Errorf("invalid --log-level %q: %w", rawLevel, err)
	}
	logger := log.NewWithOptions(os.Stderr, log.Options{
		Level:     level,
		Formatter: log.TextFormatter,
	})
	return logger.With("component", component), nil
}
