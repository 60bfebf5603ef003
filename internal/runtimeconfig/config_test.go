package runtimeconfig

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfig(t *testing.T, contents string) {
	t.Helper()
	configHome := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", configHome)

	dir := filepath.Join(configHome, "warmbox")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("create config dir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(contents), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
}

func TestLoadAppliesDefaultsWhenConfigMissing(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	cfg, path, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !strings.HasSuffix(path, filepath.Join("warmbox", "config.yaml")) {
		t.Errorf("config path = %q", path)
	}

	if cfg.Hypervisor.BinaryPath != "firecracker" {
		t.Errorf("hypervisor binary = %q", cfg.Hypervisor.BinaryPath)
	}
	if cfg.Network.Bridge != "warmbr0" {
		t.Errorf("bridge = %q", cfg.Network.Bridge)
	}
	if cfg.Network.BridgeCIDR != "10.61.0.1/16" || cfg.Network.SandboxCIDR != "10.61.0.0/16" {
		t.Errorf("CIDR defaults = %q / %q", cfg.Network.BridgeCIDR, cfg.Network.SandboxCIDR)
	}
	if cfg.Proxy.BinaryPath != "mitmdump" || cfg.Proxy.Port != 8888 {
		t.Errorf("proxy defaults = %q / %d", cfg.Proxy.BinaryPath, cfg.Proxy.Port)
	}
	if cfg.MaxConcurrent != 8 {
		t.Errorf("max_concurrent default = %d", cfg.MaxConcurrent)
	}
	if cfg.Hypervisor.PrivilegedMode != "sudo" {
		t.Errorf("privileged_mode default = %q", cfg.Hypervisor.PrivilegedMode)
	}
}

func TestLoadMergesFileOverDefaults(t *testing.T) {
	writeConfig(t, `
hypervisor:
  kernel_image: /boot/vmlinux
  vcpus: 4
network:
  bridge: custombr0
data_dir: /srv/warmbox
max_concurrent: 3
`)

	cfg, _, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Hypervisor.KernelImage != "/boot/vmlinux" {
		t.Errorf("kernel_image = %q", cfg.Hypervisor.KernelImage)
	}
	if cfg.Hypervisor.VCPUs != 4 {
		t.Errorf("vcpus = %d", cfg.Hypervisor.VCPUs)
	}
	if cfg.Network.Bridge != "custombr0" {
		t.Errorf("bridge = %q", cfg.Network.Bridge)
	}
	if cfg.MaxConcurrent != 3 {
		t.Errorf("max_concurrent = %d", cfg.MaxConcurrent)
	}
	if cfg.DataDir != "/srv/warmbox" {
		t.Errorf("data_dir = %q", cfg.DataDir)
	}
	// Untouched fields still get defaults.
	if cfg.Network.SandboxCIDR != "10.61.0.0/16" {
		t.Errorf("sandbox_cidr = %q", cfg.Network.SandboxCIDR)
	}
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	writeConfig(t, "hypervisor: [not a mapping")

	if _, _, err := Load(); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestValidateReportsAllProblemsTogether(t *testing.T) {
	t.Parallel()

	cfg := applyDefaults(Config{})
	cfg.Hypervisor.KernelImage = "/definitely/missing/vmlinux"
	cfg.Hypervisor.RootFS = ""

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation error")
	}
	msg := err.Error()
	if !strings.Contains(msg, "kernel_image") {
		t.Errorf("missing kernel_image problem in %q", msg)
	}
	if !strings.Contains(msg, "rootfs is not configured") {
		t.Errorf("missing rootfs problem in %q", msg)
	}
}

func TestValidatePassesWithReadableInputs(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	kernel := filepath.Join(dir, "vmlinux")
	rootfs := filepath.Join(dir, "rootfs.ext4")
	for _, p := range []string{kernel, rootfs} {
		if err := os.WriteFile(p, []byte("x"), 0o644); err != nil {
			t.Fatalf("seed %s: %v", p, err)
		}
	}

	cfg := applyDefaults(Config{})
	cfg.Hypervisor.KernelImage = kernel
	cfg.Hypervisor.RootFS = rootfs

	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}
