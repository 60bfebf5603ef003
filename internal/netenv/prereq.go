package netenv

import (
	"fmt"
	"os"
	"os/exec"
	"strings"
)

// Check is one prerequisite probe result, in the doctor-report shape.
type Check struct {
	Name    string
	Status  string // pass|fail
	Message string
}

// Report aggregates prerequisite checks. The caller decides whether a
// failing report aborts startup.
type Report struct {
	Checks []Check
}

func (r Report) OK() bool {
	for _, c := range r.Checks {
		if c.Status != "pass" {
			return false
		}
	}
	return true
}

// Failures returns the messages of all failing checks, for itemized fatal
// diagnostics.
func (r Report) Failures() []string {
	var out []string
	for _, c := range r.Checks {
		if c.Status != "pass" {
			out = append(out, fmt.Sprintf("%s: %s", c.Name, c.Message))
		}
	}
	return out
}

type prereqDeps struct {
	geteuid  func() int
	stat     func(string) (os.FileInfo, error)
	lookPath func(string) (string, error)
	readFile func(string) ([]byte, error)
}

func livePrereqDeps() prereqDeps {
	return prereqDeps{
		geteuid:  os.Geteuid,
		stat:     os.Stat,
		lookPath: exec.LookPath,
		readFile: os.ReadFile,
	}
}

// CheckPrerequisites verifies the host can run hardware-virtualized
// sandboxes with bridged, namespace-isolated networking. Non-fatal: the
// report is returned either way.
func CheckPrerequisites() Report {
	return checkPrerequisitesWithDeps(livePrereqDeps())
}

func checkPrerequisitesWithDeps(deps prereqDeps) Report {
	var report Report
	appendCheck := func(name, status, message string) {
		report.Checks = append(report.Checks, Check{Name: name, Status: status, Message: message})
	}

	if deps.geteuid() == 0 {
		appendCheck("privileges", "pass", "running as root")
	} else {
		appendCheck("privileges", "fail", "namespace and bridge management requires root")
	}

	if _, err := deps.stat("/dev/kvm"); err != nil {
		appendCheck("kvm", "fail", fmt.Sprintf("missing /dev/kvm: %v", err))
	} else {
		appendCheck("kvm", "pass", "/dev/kvm present")
	}

	if _, err := deps.stat("/dev/net/tun"); err != nil {
		appendCheck("tun", "fail", fmt.Sprintf("missing /dev/net/tun: %v", err))
	} else {
		appendCheck("tun", "pass", "/dev/net/tun present")
	}

	if _, err := deps.lookPath("iptables"); err != nil {
		appendCheck("iptables", "fail", "iptables binary not found in PATH")
	} else {
		appendCheck("iptables", "pass", "iptables binary found")
	}

	if b, err := deps.readFile("/proc/sys/net/ipv4/ip_forward"); err != nil {
		appendCheck("ip_forward", "fail", fmt.Sprintf("cannot read ip_forward sysctl: %v", err))
	} else if strings.TrimSpace(string(b)) != "1" {
		appendCheck("ip_forward", "fail", "net.ipv4.ip_forward is disabled; enable with sysctl -w net.ipv4.ip_forward=1")
	} else {
		appendCheck("ip_forward", "pass", "IPv4 forwarding enabled")
	}

	return report
}
