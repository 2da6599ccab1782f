// internal/protocol/policy.go
package protocol

import (
	"strings"
	"sync"
	"time"
)

// CommandClass groups commands by how their replies end.
type CommandClass int

const (
	ClassDefault CommandClass = iota
	ClassShortNoTerminator
	ClassLongWithEndLine
	ClassLongWithEndStatus
)

func (c CommandClass) String() string {
	switch c {
	case ClassShortNoTerminator:
		return "short"
	case ClassLongWithEndLine:
		return "end_line"
	case ClassLongWithEndStatus:
		return "end_status"
	default:
		return "default"
	}
}

// ParseCommandClass maps a configuration key onto a class.
func ParseCommandClass(name string) (CommandClass, bool) {
	for _, c := range []CommandClass{ClassDefault, ClassShortNoTerminator, ClassLongWithEndLine, ClassLongWithEndStatus} {
		if c.String() == name {
			return c, true
		}
	}
	return ClassDefault, false
}

// Rule is the condition that completes a reply.
type Rule int

const (
	RuleEndMarker Rule = iota
	RuleEndLine
	RuleEndStatus
	RuleTimeoutOnly
)

func (r Rule) String() string {
	switch r {
	case RuleEndLine:
		return "end_line"
	case RuleEndStatus:
		return "end_status"
	case RuleTimeoutOnly:
		return "timeout_only"
	default:
		return "end_marker"
	}
}

// TimeoutProfile bounds one exchange. ConnectTimeout also serves as the per-read timeout.
type TimeoutProfile struct {
	ConnectTimeout             time.Duration `json:"connect_timeout"`
	MaxWait                    time.Duration `json:"max_wait"`
	RequiresExplicitTerminator bool          `json:"requires_explicit_terminator"`
}

// ClassProfile pairs a completion rule with its timing.
type ClassProfile struct {
	Class CommandClass `json:"class"`
	Rule  Rule         `json:"rule"`
	TimeoutProfile
}

// WithTimeout returns a copy whose connect timeout and max wait are both d.
func (p ClassProfile) WithTimeout(d time.Duration) ClassProfile {
	p.ConnectTimeout = d
	p.MaxWait = d
	return p
}

// PolicyEntry maps any command whose first byte is in Leading onto Class.
type PolicyEntry struct {
	Leading string
	Class   CommandClass
}

// Policy classifies commands through an ordered table; the first matching entry wins.
type Policy struct {
	codec            *Codec
	mu               sync.RWMutex
	entries          []PolicyEntry
	profiles         map[CommandClass]ClassProfile
	ShortReadTimeout time.Duration
	DrainTimeout     time.Duration
}

// DefaultPolicy returns the stock command table of the instrument.
func DefaultPolicy(codec *Codec) *Policy {
	return &Policy{
		codec: codec,
		entries: []PolicyEntry{
			{Leading: "EF", Class: ClassLongWithEndStatus},
			{Leading: "34CDGHB", Class: ClassLongWithEndLine},
			{Leading: "9A", Class: ClassShortNoTerminator},
		},
		profiles: map[CommandClass]ClassProfile{
			ClassDefault: {
				Class:          ClassDefault,
				Rule:           RuleEndMarker,
				TimeoutProfile: TimeoutProfile{ConnectTimeout: 5 * time.Second, MaxWait: 8 * time.Second, RequiresExplicitTerminator: true},
			},
			ClassShortNoTerminator: {
				Class:          ClassShortNoTerminator,
				Rule:           RuleTimeoutOnly,
				TimeoutProfile: TimeoutProfile{ConnectTimeout: 3 * time.Second, MaxWait: 4 * time.Second},
			},
			ClassLongWithEndLine: {
				Class:          ClassLongWithEndLine,
				Rule:           RuleEndLine,
				TimeoutProfile: TimeoutProfile{ConnectTimeout: 10 * time.Second, MaxWait: 120 * time.Second, RequiresExplicitTerminator: true},
			},
			ClassLongWithEndStatus: {
				Class:          ClassLongWithEndStatus,
				Rule:           RuleEndStatus,
				TimeoutProfile: TimeoutProfile{ConnectTimeout: 10 * time.Second, MaxWait: 120 * time.Second, RequiresExplicitTerminator: true},
			},
		},
		ShortReadTimeout: 500 * time.Millisecond,
		DrainTimeout:     50 * time.Millisecond,
	}
}

// Codec returns the codec used to normalize commands.
func (p *Policy) Codec() *Codec { return p.codec }

// Register puts a new entry in front of the table.
func (p *Policy) Register(leading string, class CommandClass) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.entries = append([]PolicyEntry{{Leading: leading, Class: class}}, p.entries...)
}

// SetProfile replaces the rule and timing of a class.
func (p *Policy) SetProfile(class CommandClass, profile ClassProfile) {
	p.mu.Lock()
	defer p.mu.Unlock()
	profile.Class = class
	p.profiles[class] = profile
}

// Classify returns the class of command after normalization.
func (p *Policy) Classify(command string) CommandClass {
	clean := p.codec.Normalize(command)
	if clean == "" {
		return ClassDefault
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, e := range p.entries {
		if strings.IndexByte(e.Leading, clean[0]) >= 0 {
			return e.Class
		}
	}
	return ClassDefault
}

// ProfileFor returns the rule and timing of class.
func (p *Policy) ProfileFor(class CommandClass) ClassProfile {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if profile, ok := p.profiles[class]; ok {
		return profile
	}
	return p.profiles[ClassDefault]
}

// Profile classifies command and returns its rule and timing.
func (p *Policy) Profile(command string) ClassProfile {
	return p.ProfileFor(p.Classify(command))
}
