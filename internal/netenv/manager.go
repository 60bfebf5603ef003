// Package netenv manages the host networking environment shared by all
// sandboxes: the bridge, ARP hygiene, per-run network namespaces, and the
// iptables redirect rules behind transparent proxy interception.
package netenv

import (
	"errors"
	"os"

	"github.com/charmbracelet/log"
	"github.com/coreos/go-iptables/iptables"
)

// ruleSet is the subset of go-iptables the manager needs, abstracted so
// rule logic is testable without root.
type ruleSet interface {
	AppendUnique(table, chain string, rulespec ...string) error
	DeleteIfExists(table, chain string, rulespec ...string) error
	List(table, chain string) ([]string, error)
}

type Options struct {
	Bridge      string
	BridgeCIDR  string
	SandboxCIDR string

	// Rules defaults to the live iptables binary; injectable for tests.
	Rules  ruleSet
	Logger *log.Logger
}

type Manager struct {
	bridge      string
	bridgeCIDR  string
	sandboxCIDR string
	rules       ruleSet
	logger      *log.Logger
}

func New(opts Options) (*Manager, error) {
	if opts.Bridge == "" {
		return nil, errors.New("bridge name is required")
	}
	if opts.BridgeCIDR == "" || opts.SandboxCIDR == "" {
		return nil, errors.New("bridge and sandbox CIDRs are required")
	}
	rules := opts.Rules
	if rules == nil {
		ipt, err := iptables.New()
		if err != nil {
			return nil, err
		}
		rules = ipt
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.New(os.Stderr)
	}
	return &Manager{
		bridge:      opts.Bridge,
		bridgeCIDR:  opts.BridgeCIDR,
		sandboxCIDR: opts.SandboxCIDR,
		rules:       rules,
		logger:      logger.With("component", "netenv"),
	}, nil
}

// Bridge returns the managed bridge interface name.
func (m *Manager) Bridge() string {
	return m.bridge
}
