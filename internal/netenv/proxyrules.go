package netenv

import (
	"fmt"
	"strconv"
	"strings"
)

const (
	natTable        = "nat"
	preroutingChain = "PREROUTING"
	commentPrefix   = "warmbox:"
)

// SetupCIDRProxyRules installs a redirect sending all TCP traffic from the
// sandbox subnet to the local transparent proxy port. One subnet-wide rule
// replaces per-VM rule management; the comment tag lets a later run
// identify and remove rules this process leaks if it is killed.
func (m *Manager) SetupCIDRProxyRules(name string, port int) error {
	spec := m.redirectRuleSpec(name, port)
	if err := m.rules.AppendUnique(natTable, preroutingChain, spec...); err != nil {
		return fmt.Errorf("install CIDR redirect rule: %w", err)
	}
	m.logger.Info("installed CIDR proxy redirect", "cidr", m.sandboxCIDR, "port", port)
	return nil
}

// CleanupCIDRProxyRules removes the redirect installed by
// SetupCIDRProxyRules. Symmetric with setup even when setup partially
// failed: deleting an absent rule is success.
func (m *Manager) CleanupCIDRProxyRules(name string, port int) error {
	spec := m.redirectRuleSpec(name, port)
	if err := m.rules.DeleteIfExists(natTable, preroutingChain, spec...); err != nil {
		return fmt.Errorf("remove CIDR redirect rule: %w", err)
	}
	m.logger.Debug("removed CIDR proxy redirect", "cidr", m.sandboxCIDR, "port", port)
	return nil
}

// CleanupOrphanedProxyRules removes every redirect rule carrying this
// runner's comment tag, regardless of port. Handles the prior process
// having been killed without graceful shutdown.
func (m *Manager) CleanupOrphanedProxyRules(name string) error {
	rules, err := m.rules.List(natTable, preroutingChain)
	if err != nil {
		return fmt.Errorf("list %s %s rules: %w", natTable, preroutingChain, err)
	}

	tag := commentPrefix + name
	removed := 0
	for _, rule := range rules {
		if !strings.Contains(rule, tag) {
			continue
		}
		spec, ok := parseAppendedRule(rule, preroutingChain)
		if !ok {
			continue
		}
		if err := m.rules.DeleteIfExists(natTable, preroutingChain, spec...); err != nil {
			return fmt.Errorf("remove orphaned rule %q: %w", rule, err)
		}
		removed++
	}
	if removed > 0 {
		m.logger.Warn("removed orphaned proxy rules from prior run", "count", removed, "tag", tag)
	}
	return nil
}

func (m *Manager) redirectRuleSpec(name string, port int) []string {
	return []string{
		"-s", m.sandboxCIDR,
		"!", "-d", m.sandboxCIDR,
		"-p", "tcp",
		"-m", "comment", "--comment", commentPrefix + name,
		"-j", "REDIRECT", "--to-ports", strconv.Itoa(port),
	}
}

// parseAppendedRule turns an iptables list line ("-A CHAIN rule spec...")
// back into the argv form Delete expects, unquoting comment values.
func parseAppendedRule(rule, chain string) ([]string, bool) {
	tokens := splitQuoted(rule)
	if len(tokens) < 3 || tokens[0] != "-A" || tokens[1] != chain {
		return nil, false
	}
	return tokens[2:], true
}

func splitQuoted(s string) []string {
	var tokens []string
	var current strings.Builder
	inQuote := false
	for _, r := range s {
		switch {
		case r == '"':
			inQuote = !inQuote
		case r == ' ' && !inQuote:
			if current.Len() > 0 {
				tokens = append(tokens, current.String())
				current.Reset()
			}
		default:
			current.WriteRune(r)
		}
	}
	if current.Len() > 0 {
		tokens = append(tokens, current.String())
	}
	return tokens
}
