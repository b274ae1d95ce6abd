package network

import (
	"fmt"
	"strconv"
	"sync"

	"github.com/coreos/go-iptables/iptables"

	"github.com/cuemby/topo/pkg/types"
)

const (
	tableNAT        = "nat"
	chainPrerouting = "PREROUTING"
	chainOutput     = "OUTPUT"
)

// RuleTable is the part of iptables the publisher needs. *iptables.IPTables
// implements it.
type RuleTable interface {
	AppendUnique(table, chain string, rulespec ...string) error
	DeleteIfExists(table, chain string, rulespec ...string) error
}

// HostPortPublisher publishes host ports for containers sharing the host
// network namespace. The container listens on its container port directly
// on the host; a published port that differs is redirected with a pair of
// iptables REDIRECT rules.
//
// The publisher keeps no state. Rules are derived from the port mappings
// and tagged with the container ID, so a later process (a re-apply, or a
// down) computes exactly the same rules. Appends are unique and deletes
// tolerate missing rules.
type HostPortPublisher struct {
	mu       sync.Mutex
	rules    RuleTable
	newRules func() (RuleTable, error)
}

// NewHostPortPublisher creates a publisher backed by the iptables binary.
// iptables is only looked up on first use.
func NewHostPortPublisher() *HostPortPublisher {
	return &HostPortPublisher{newRules: func() (RuleTable, error) {
		ipt, err := iptables.New()
		if err != nil {
			return nil, err
		}
		return ipt, nil
	}}
}

// NewHostPortPublisherWith creates a publisher on an existing rule table
func NewHostPortPublisherWith(rules RuleTable) *HostPortPublisher {
	return &HostPortPublisher{rules: rules}
}

func (p *HostPortPublisher) table() (RuleTable, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.rules == nil {
		rules, err := p.newRules()
		if err != nil {
			return nil, fmt.Errorf("iptables unavailable: %w", err)
		}
		p.rules = rules
	}
	return p.rules, nil
}

// PublishPorts redirects each published host port to its container port.
// Publishing the same ports again adds nothing. If a rule cannot be added,
// the rules added by this call are removed again.
func (p *HostPortPublisher) PublishPorts(containerID string, ports []types.PortMapping) error {
	var done []types.PortMapping
	for _, port := range ports {
		if !needsRedirect(port) {
			continue
		}
		if err := p.setupRedirect(containerID, port); err != nil {
			for _, prev := range done {
				_ = p.removeRedirect(containerID, prev)
			}
			return fmt.Errorf("failed to setup port redirect for %d:%d: %w",
				port.HostPort, port.ContainerPort, err)
		}
		done = append(done, port)
	}
	return nil
}

// UnpublishPorts removes the rules PublishPorts added for the container's
// ports. Rules that are already gone are ignored.
func (p *HostPortPublisher) UnpublishPorts(containerID string, ports []types.PortMapping) error {
	var firstErr error
	for _, port := range ports {
		if !needsRedirect(port) {
			continue
		}
		if err := p.removeRedirect(containerID, port); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("failed to remove port redirect for %d:%d: %w",
				port.HostPort, port.ContainerPort, err)
		}
	}
	return firstErr
}

func needsRedirect(port types.PortMapping) bool {
	return port.Published() && port.HostPort != port.ContainerPort
}

// setupRedirect adds the rules for traffic arriving from outside
// (PREROUTING) and from the host itself (OUTPUT on loopback)
func (p *HostPortPublisher) setupRedirect(containerID string, port types.PortMapping) error {
	rules, err := p.table()
	if err != nil {
		return err
	}
	if err := rules.AppendUnique(tableNAT, chainPrerouting, redirectRule(chainPrerouting, containerID, port)...); err != nil {
		return fmt.Errorf("failed to add PREROUTING rule: %w", err)
	}
	if err := rules.AppendUnique(tableNAT, chainOutput, redirectRule(chainOutput, containerID, port)...); err != nil {
		_ = rules.DeleteIfExists(tableNAT, chainPrerouting, redirectRule(chainPrerouting, containerID, port)...)
		return fmt.Errorf("failed to add OUTPUT rule: %w", err)
	}
	return nil
}

func (p *HostPortPublisher) removeRedirect(containerID string, port types.PortMapping) error {
	rules, err := p.table()
	if err != nil {
		return err
	}
	errPre := rules.DeleteIfExists(tableNAT, chainPrerouting, redirectRule(chainPrerouting, containerID, port)...)
	errOut := rules.DeleteIfExists(tableNAT, chainOutput, redirectRule(chainOutput, containerID, port)...)
	if errPre != nil {
		return errPre
	}
	return errOut
}

// redirectRule builds the rulespec:
// [-o lo] -p <proto> [-d <ip>] --dport <host_port> -m comment --comment topo:<container> -j REDIRECT --to-ports <container_port>
func redirectRule(chain, containerID string, port types.PortMapping) []string {
	var rule []string
	if chain == chainOutput {
		rule = append(rule, "-o", "lo")
	}
	rule = append(rule, "-p", port.Proto())
	if port.HostIP != "" && port.HostIP != "0.0.0.0" {
		rule = append(rule, "-d", port.HostIP)
	}
	return append(rule,
		"--dport", strconv.Itoa(port.HostPort),
		"-m", "comment", "--comment", "topo:"+containerID,
		"-j", "REDIRECT",
		"--to-ports", strconv.Itoa(port.ContainerPort),
	)
}
