// Package recovery rebuilds slot state after a restart by re-reading channel history
// and classifying the bot's own prior artifacts.
package recovery

import (
	"fmt"
	"strings"

	"slotbot/internal/transport"
)

type MatchKind int

const (
	IsStructuredPoll MatchKind = iota
	ContainsMarker
	HasPrefix
)

func (k MatchKind) String() string {
	switch k {
	case IsStructuredPoll:
		return "poll"
	case ContainsMarker:
		return "contains"
	case HasPrefix:
		return "prefix"
	default:
		return fmt.Sprintf("MatchKind(%d)", int(k))
	}
}

// ParseMatchKind accepts poll | contains | prefix.
func ParseMatchKind(s string) (MatchKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "poll":
		return IsStructuredPoll, nil
	case "contains", "marker":
		return ContainsMarker, nil
	case "prefix":
		return HasPrefix, nil
	default:
		return 0, fmt.Errorf("unknown match kind %q (want poll|contains|prefix)", s)
	}
}

// Matcher is a content predicate. Text is ignored for IsStructuredPoll.
type Matcher struct {
	Kind MatchKind
	Text string
}

func (m Matcher) Match(e transport.Entry) bool {
	switch m.Kind {
	case IsStructuredPoll:
		return e.IsPoll
	case ContainsMarker:
		return m.Text != "" && strings.Contains(e.Text, m.Text)
	case HasPrefix:
		return m.Text != "" && strings.HasPrefix(e.Text, m.Text)
	default:
		return false
	}
}

func (m Matcher) String() string {
	if m.Kind == IsStructuredPoll {
		return m.Kind.String()
	}
	return fmt.Sprintf("%s(%q)", m.Kind, m.Text)
}

// Rule assigns entries matching Match to Slot.
type Rule struct {
	Slot  string
	Match Matcher
}

// Classifier applies rules in order; the first match wins.
type Classifier struct {
	rules []Rule
}

func NewClassifier(rules []Rule) *Classifier {
	return &Classifier{rules: append([]Rule(nil), rules...)}
}

func (c *Classifier) Rules() []Rule { return append([]Rule(nil), c.rules...) }

// Classify returns the slot of the first rule matching e for which allow(slot) is true.
// A nil allow accepts every slot.
func (c *Classifier) Classify(e transport.Entry, allow func(slot string) bool) (string, bool) {
	for _, r := range c.rules {
		if allow != nil && !allow(r.Slot) {
			continue
		}
		if r.Match.Match(e) {
			return r.Slot, true
		}
	}
	return "", false
}
