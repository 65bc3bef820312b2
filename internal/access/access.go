// Package access implements the access-control plugin bus of spec §4.4's
// authorization step and §9's "CheckCreateParticipant/Reader/Writer"
// family: governance/permissions documents are opaque to this package,
// which only dispatches the boolean decision points the discovery core
// needs (grounded on the PKI-RSA/DSA-DH authorization dispatch pattern in
// internal/auth, generalized the way tinq-core's sec_access_control_request
// dispatches by request kind in sec_p_std.c).
package access

import (
	"github.com/qeodomain/ddscored/internal/wire"
)

// Plugin is one access-control plugin (only one is expected to be active
// per domain, but the bus shape mirrors internal/auth.Bus for symmetry).
type Plugin interface {
	Name() string

	// CheckCreateParticipant validates a local participant's own
	// permissions token against the domain's governance document before
	// it is allowed to join.
	CheckCreateParticipant(permissionsToken *wire.DataHolder) error

	// CheckCreateWriter/CheckCreateReader validate that a local
	// endpoint's topic/partition/QoS is authorized by the local
	// permissions document.
	CheckCreateWriter(permissionsCredential []byte, topic string, partitions []string) error
	CheckCreateReader(permissionsCredential []byte, topic string, partitions []string) error

	// CheckPeerParticipant validates a remote participant's permissions
	// credential against its permissions token and the local governance
	// document (spec §4.4's authorization step 1).
	CheckPeerParticipant(permissionsCredential []byte, permissionsToken *wire.DataHolder, userData []byte) error

	// CheckLocalWriterMatch/CheckLocalReaderMatch decide, for a specific
	// candidate match, whether the remote side's permissions credential
	// authorizes it to write/read the local topic+partitions (spec
	// §4.7's access-control matcher input).
	CheckLocalWriterMatch(remotePermissionsCredential []byte, topic string, partitions []string) error
	CheckLocalReaderMatch(remotePermissionsCredential []byte, topic string, partitions []string) error

	// GetPermToken extracts the sendable permissions token DataHolder
	// from a raw permissions credential.
	GetPermToken(permissionsCredential []byte) (*wire.DataHolder, error)
}

// Bus dispatches to the single configured access-control plugin, or acts
// as a pass-through ("security disabled for this domain") when nil.
type Bus struct {
	plugin Plugin
}

// NewBus creates a Bus. A nil plugin means the domain is not
// access-protected: every check succeeds (spec §4.4 step 1 is only run
// "if the domain is access-protected").
func NewBus(plugin Plugin) *Bus {
	return &Bus{plugin: plugin}
}

// Enabled reports whether a real access-control plugin is configured.
func (b *Bus) Enabled() bool { return b.plugin != nil }

func (b *Bus) CheckCreateParticipant(permissionsToken *wire.DataHolder) error {
	if b.plugin == nil {
		return nil
	}
	return b.plugin.CheckCreateParticipant(permissionsToken)
}

func (b *Bus) CheckCreateWriter(cred []byte, topic string, partitions []string) error {
	if b.plugin == nil {
		return nil
	}
	return b.plugin.CheckCreateWriter(cred, topic, partitions)
}

func (b *Bus) CheckCreateReader(cred []byte, topic string, partitions []string) error {
	if b.plugin == nil {
		return nil
	}
	return b.plugin.CheckCreateReader(cred, topic, partitions)
}

func (b *Bus) CheckPeerParticipant(cred []byte, tok *wire.DataHolder, userData []byte) error {
	if b.plugin == nil {
		return nil
	}
	return b.plugin.CheckPeerParticipant(cred, tok, userData)
}

func (b *Bus) CheckLocalWriterMatch(remoteCred []byte, topic string, partitions []string) error {
	if b.plugin == nil {
		return nil
	}
	return b.plugin.CheckLocalWriterMatch(remoteCred, topic, partitions)
}

func (b *Bus) CheckLocalReaderMatch(remoteCred []byte, topic string, partitions []string) error {
	if b.plugin == nil {
		return nil
	}
	return b.plugin.CheckLocalReaderMatch(remoteCred, topic, partitions)
}

func (b *Bus) GetPermToken(cred []byte) (*wire.DataHolder, error) {
	if b.plugin == nil {
		return nil, nil
	}
	return b.plugin.GetPermToken(cred)
}

// RuleKind enumerates a governance document's grant actions for the
// default in-tree plugin (spec §9 "permissions document").
type RuleKind int

const (
	RuleDeny RuleKind = iota
	RuleAllow
)

// TopicRule is one grant/deny rule within a domain-rule section of a
// permissions document.
type TopicRule struct {
	TopicExpr     string
	PartitionExpr []string
	Publish       bool
	Subscribe     bool
	Action        RuleKind
}

// DomainRule is a rule-cache entry for one domain id range.
type DomainRule struct {
	DomainIDMin, DomainIDMax int
	Topics                   []TopicRule
	DefaultAction            RuleKind
}

// RuleCache is the in-tree default access-control plugin's parsed-rule
// cache, keeping the permissions document's grants out of the hot
// matcher path (spec §4.7 access-control matching must not reparse XML
// per candidate match).
type RuleCache struct {
	Rules []DomainRule
}

func ruleFor(c *RuleCache, domainID int) (DomainRule, bool) {
	for _, r := range c.Rules {
		if domainID >= r.DomainIDMin && domainID <= r.DomainIDMax {
			return r, true
		}
	}
	return DomainRule{}, false
}

// Allows reports whether topic/partitions are authorized for the given
// action (publish or subscribe) in domainID.
func (c *RuleCache) Allows(domainID int, topic string, partitions []string, publish bool) bool {
	dr, ok := ruleFor(c, domainID)
	if !ok {
		return false
	}
	for _, t := range dr.Topics {
		if !topicMatches(t.TopicExpr, topic) {
			continue
		}
		if publish && !t.Publish {
			continue
		}
		if !publish && !t.Subscribe {
			continue
		}
		if !partitionsMatch(t.PartitionExpr, partitions) {
			continue
		}
		return t.Action == RuleAllow
	}
	return dr.DefaultAction == RuleAllow
}

func topicMatches(expr, topic string) bool {
	if expr == "*" || expr == topic {
		return true
	}
	return globMatch(expr, topic)
}

func partitionsMatch(exprs, partitions []string) bool {
	if len(exprs) == 0 {
		return true
	}
	if len(partitions) == 0 {
		for _, e := range exprs {
			if e == "*" || e == "" {
				return true
			}
		}
		return false
	}
	for _, p := range partitions {
		matched := false
		for _, e := range exprs {
			if globMatch(e, p) {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	return true
}

// globMatch implements the single-'*'-wildcard matching the permissions
// document's topic/partition expressions use (a full shell glob is more
// than governance documents need).
func globMatch(pattern, s string) bool {
	star := -1
	for i, r := range pattern {
		if r == '*' {
			star = i
			break
		}
	}
	if star < 0 {
		return pattern == s
	}
	prefix, suffix := pattern[:star], pattern[star+1:]
	if len(s) < len(prefix)+len(suffix) {
		return false
	}
	return s[:len(prefix)] == prefix && s[len(s)-len(suffix):] == suffix
}
