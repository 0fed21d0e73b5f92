// Package rules turns a declarative YAML ruleset into a presence.Extension:
// presence-count announcements and tag-triggered replies.
package rules

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Target selects who receives a trigger's reply.
type Target string

const (
	TargetAll    Target = "all"
	TargetOthers Target = "others"
	TargetSender Target = "sender"
)

// Match selects how a trigger's tag is tested.
type Match string

const (
	// MatchTruthy fires when the tag's value is not false, 0, "" or null.
	MatchTruthy Match = "truthy"
	// MatchPresent fires whenever the tag is present.
	MatchPresent Match = "present"
)

// PresenceRule announces the live connection count after every connect and
// disconnect.
type PresenceRule struct {
	// Tag is the key of the count payload. Empty disables the rule.
	Tag string `yaml:"tag"`
	// Delay postpones the announcement; announcements within one delay window
	// coalesce into one carrying the count at send time.
	Delay time.Duration `yaml:"delay"`
}

// Trigger replies to an inbound tag.
//
// Precondition: Tag and Reply must be non-empty.
type Trigger struct {
	Tag    string         `yaml:"tag"`
	Match  Match          `yaml:"match"`
	Target Target         `yaml:"target"`
	Reply  map[string]any `yaml:"reply"`
}

// Ruleset is the parsed rules file.
type Ruleset struct {
	Presence PresenceRule `yaml:"presence"`
	Triggers []*Trigger   `yaml:"triggers"`
}

// Validate fills defaults and checks every trigger.
//
// Postcondition: nil return guarantees every trigger has a tag, a reply, a
// known match mode and a known target, and that the presence delay is not
// negative.
func (r *Ruleset) Validate() error {
	var errs []error
	if r.Presence.Delay < 0 {
		errs = append(errs, fmt.Errorf("presence.delay must not be negative, got %s", r.Presence.Delay))
	}
	for i, t := range r.Triggers {
		if t == nil {
			errs = append(errs, fmt.Errorf("trigger %d is empty", i))
			continue
		}
		if t.Match == "" {
			t.Match = MatchTruthy
		}
		if t.Target == "" {
			t.Target = TargetAll
		}
		if t.Tag == "" {
			errs = append(errs, fmt.Errorf("trigger %d: tag must not be empty", i))
		}
		if len(t.Reply) == 0 {
			errs = append(errs, fmt.Errorf("trigger %d (%s): reply must not be empty", i, t.Tag))
		}
		switch t.Match {
		case MatchTruthy, MatchPresent:
		default:
			errs = append(errs, fmt.Errorf("trigger %d (%s): unknown match %q", i, t.Tag, t.Match))
		}
		switch t.Target {
		case TargetAll, TargetOthers, TargetSender:
		default:
			errs = append(errs, fmt.Errorf("trigger %d (%s): unknown target %q", i, t.Tag, t.Target))
		}
	}
	return errors.Join(errs...)
}

// Parse decodes and validates a ruleset document.
func Parse(data []byte) (*Ruleset, error) {
	var r Ruleset
	if err := yaml.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("parsing ruleset: %w", err)
	}
	if err := r.Validate(); err != nil {
		return nil, fmt.Errorf("invalid ruleset: %w", err)
	}
	return &r, nil
}

// LoadFile reads and parses the ruleset at path.
//
// Precondition: path must name a readable file.
// Postcondition: Returns a validated Ruleset or an error naming the file.
func LoadFile(path string) (*Ruleset, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading ruleset %q: %w", path, err)
	}
	r, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return r, nil
}
