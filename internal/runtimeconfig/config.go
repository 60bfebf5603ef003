package runtimeconfig

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the immutable runner configuration, loaded once per process.
type Config struct {
	Hypervisor HypervisorConfig `yaml:"hypervisor"`
	Network    NetworkConfig    `yaml:"network"`
	Proxy      ProxyConfig      `yaml:"proxy"`

	// DataDir is the base directory for runner state (pools, runs,
	// registry). Defaults to the XDG state directory when empty.
	DataDir string `yaml:"data_dir"`

	// MaxConcurrent bounds the number of sandboxes booted at once. Pools
	// are sized MaxConcurrent+2 so replenishment has headroom.
	MaxConcurrent int `yaml:"max_concurrent"`

	// ControlPlaneURL is the server the runner reports status to. Not
	// validated as a path; informational for collaborators.
	ControlPlaneURL string `yaml:"control_plane_url"`
}

type HypervisorConfig struct {
	BinaryPath  string `yaml:"binary_path"`
	KernelImage string `yaml:"kernel_image"`
	RootFS      string `yaml:"rootfs"`
	VCPUs       int64  `yaml:"vcpus"`
	MemoryMiB   int64  `yaml:"memory_mib"`
	GuestCID    uint32 `yaml:"guest_cid"`
	GuestPort   uint32 `yaml:"guest_port"`

	// PrivilegedMode selects how root-level operations run: "sudo"
	// (default) or "none" when the runner itself is root.
	PrivilegedMode string `yaml:"privileged_mode"`
}

type NetworkConfig struct {
	Bridge      string `yaml:"bridge"`
	BridgeCIDR  string `yaml:"bridge_cidr"`
	SandboxCIDR string `yaml:"sandbox_cidr"`
}

type ProxyConfig struct {
	BinaryPath string `yaml:"binary_path"`
	Port       int    `yaml:"port"`
	CADir      string `yaml:"ca_dir"`
}

const (
	defaultBridge      = "warmbr0"
	defaultBridgeCIDR  = "10.61.0.1/16"
	defaultSandboxCIDR = "10.61.0.0/16"
)

func Path() (string, error) {
	configHome := strings.TrimSpace(os.Getenv("XDG_CONFIG_HOME"))
	if configHome != "" {
		return filepath.Join(configHome, "warmbox", "config.yaml"), nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", "warmbox", "config.yaml"), nil
}

func Load() (Config, string, error) {
	path, err := Path()
	if err != nil {
		return Config{}, "", err
	}

	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return applyDefaults(Config{}), path, nil
		}
		return Config{}, path, fmt.Errorf("read %s: %w", path, err)
	}

	cfg := Config{}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, path, fmt.Errorf("parse %s: %w", path, err)
	}
	return applyDefaults(cfg), path, nil
}

func applyDefaults(cfg Config) Config {
	if cfg.Hypervisor.BinaryPath == "" {
		cfg.Hypervisor.BinaryPath = "firecracker"
	}
	if cfg.Hypervisor.VCPUs <= 0 {
		cfg.Hypervisor.VCPUs = 2
	}
	if cfg.Hypervisor.MemoryMiB <= 0 {
		cfg.Hypervisor.MemoryMiB = 512
	}
	if cfg.Hypervisor.GuestCID == 0 {
		cfg.Hypervisor.GuestCID = 3
	}
	if cfg.Hypervisor.GuestPort == 0 {
		cfg.Hypervisor.GuestPort = 10800
	}
	if cfg.Hypervisor.PrivilegedMode == "" {
		cfg.Hypervisor.PrivilegedMode = "sudo"
	}
	if cfg.Network.Bridge == "" {
		cfg.Network.Bridge = defaultBridge
	}
	if cfg.Network.BridgeCIDR == "" {
		cfg.Network.BridgeCIDR = defaultBridgeCIDR
	}
	if cfg.Network.SandboxCIDR == "" {
		cfg.Network.SandboxCIDR = defaultSandboxCIDR
	}
	if cfg.Proxy.BinaryPath == "" {
		cfg.Proxy.BinaryPath = "mitmdump"
	}
	if cfg.Proxy.Port == 0 {
		cfg.Proxy.Port = 8888
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 8
	}
	return cfg
}

// Validate verifies that every configured filesystem input exists and is
// readable. Violations are fatal startup errors; all of them are reported
// together so the operator fixes the config in one pass.
func (c Config) Validate() error {
	var problems []string

	checkFile := func(name, path string) {
		if strings.TrimSpace(path) == "" {
			problems = append(problems, fmt.Sprintf("%s is not configured", name))
			return
		}
		f, err := os.Open(path)
		if err != nil {
			problems = append(problems, fmt.Sprintf("%s %q: %v", name, path, err))
			return
		}
		_ = f.Close()
	}

	checkFile("kernel_image", c.Hypervisor.KernelImage)
	checkFile("rootfs", c.Hypervisor.RootFS)

	// The hypervisor binary may be a bare name resolved from PATH.
	if strings.Contains(c.Hypervisor.BinaryPath, string(os.PathSeparator)) {
		checkFile("hypervisor binary", c.Hypervisor.BinaryPath)
	}
	if c.Proxy.CADir != "" {
		if info, err := os.Stat(c.Proxy.CADir); err != nil {
			problems = append(problems, fmt.Sprintf("proxy ca_dir %q: %v", c.Proxy.CADir, err))
		} else if !info.IsDir() {
			problems = append(problems, fmt.Sprintf("proxy ca_dir %q is not a directory", c.Proxy.CADir))
		}
	}

	if len(problems) == 0 {
		return nil
	}
	return fmt.Errorf("invalid runner configuration:\n  - %s", strings.Join(problems, "\n  - "))
}
