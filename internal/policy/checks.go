// Package policy holds the optional boundary checks applied before writes
// reach the ledger, and the signed, time-boxed override tokens that can
// waive them.
//
// Policy checks never touch the append-only storage guard. An override can
// waive a vocabulary or reference-format check; it cannot make a committed
// row mutable.
package policy

import (
	"fmt"
	"regexp"
	"strings"
)

// Check names one policy check. It doubles as the override scope that waives it.
type Check string

const (
	CheckVocabulary Check = "vocabulary"
	CheckRefFormat  Check = "ref_format"
	CheckStateText  Check = "state_text"
	CheckOwnerOnly  Check = "owner_only"
)

// Config selects which checks run. The zero value disables all of them.
type Config struct {
	Vocabulary bool `mapstructure:"vocabulary"`
	RefFormat  bool `mapstructure:"ref_format"`
	StateText  bool `mapstructure:"state_text"`
	OwnerOnly  bool `mapstructure:"owner_only"`
}

// EvaluativeWords are rejected as event type components by the vocabulary
// check. Event types describe what happened, not whether it was good.
var EvaluativeWords = []string{
	"good", "bad", "healthy", "unhealthy", "risky", "safe",
	"problem", "issue", "warning", "error", "concern",
}

var (
	actorRefPattern  = regexp.MustCompile(`^org:[a-z0-9]([a-z0-9\-.]{0,251}[a-z0-9])?/actor:[a-z0-9][a-z0-9\-_.]{0,99}$`)
	entityRefPattern = regexp.MustCompile(`^org:[a-z0-9]([a-z0-9\-.]{0,251}[a-z0-9])?/entity:[a-z0-9\-]{1,50}:[a-z0-9][a-z0-9\-_.:]{0,99}$`)
	scopeRefPattern  = regexp.MustCompile(`^org:[a-z0-9]([a-z0-9\-.]{0,251}[a-z0-9])?/scope:[a-z0-9][a-z0-9\-_.:]{0,99}$`)
)

// Policy evaluates the enabled checks. Disabled checks always pass.
type Policy struct {
	cfg Config
}

// New creates a Policy from cfg.
func New(cfg Config) *Policy {
	return &Policy{cfg: cfg}
}

// Enabled reports whether check c runs.
func (p *Policy) Enabled(c Check) bool {
	if p == nil {
		return false
	}
	switch c {
	case CheckVocabulary:
		return p.cfg.Vocabulary
	case CheckRefFormat:
		return p.cfg.RefFormat
	case CheckStateText:
		return p.cfg.StateText
	case CheckOwnerOnly:
		return p.cfg.OwnerOnly
	}
	return false
}

// EventType applies the vocabulary check.
func (p *Policy) EventType(eventType string) error {
	if !p.Enabled(CheckVocabulary) {
		return nil
	}
	if word, ok := evaluativeWord(eventType); ok {
		return &ViolationError{
			Check:   CheckVocabulary,
			Field:   "event_type",
			Value:   eventType,
			Message: fmt.Sprintf("evaluative word %q is not allowed in event types", word),
		}
	}
	return nil
}

// evaluativeWord splits s on _ . - : and spaces and returns the first
// evaluative component, compared case-insensitively.
func evaluativeWord(s string) (string, bool) {
	parts := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return r == '_' || r == '.' || r == '-' || r == ':' || r == ' '
	})
	for _, part := range parts {
		for _, w := range EvaluativeWords {
			if part == w {
				return w, true
			}
		}
	}
	return "", false
}

// ActorRef applies the reference-format check to an actor reference.
func (p *Policy) ActorRef(field, ref string) error {
	return p.refFormat(field, ref, actorRefPattern, "org:{domain}/actor:{id}")
}

// EntityRef applies the reference-format check to an entity reference.
func (p *Policy) EntityRef(ref string) error {
	return p.refFormat("entity_ref", ref, entityRefPattern, "org:{domain}/entity:{type}:{id}")
}

// ScopeRef applies the reference-format check to a scope reference.
func (p *Policy) ScopeRef(ref string) error {
	return p.refFormat("scope_ref", ref, scopeRefPattern, "org:{domain}/scope:{id}")
}

func (p *Policy) refFormat(field, ref string, pattern *regexp.Regexp, form string) error {
	if !p.Enabled(CheckRefFormat) {
		return nil
	}
	if !pattern.MatchString(ref) {
		return &ViolationError{
			Check:   CheckRefFormat,
			Field:   field,
			Value:   ref,
			Message: fmt.Sprintf("%q does not match %s", ref, form),
		}
	}
	return nil
}

// StateText requires a single non-blank line.
func (p *Policy) StateText(text string) error {
	if !p.Enabled(CheckStateText) {
		return nil
	}
	switch {
	case strings.TrimSpace(text) == "":
		return &ViolationError{Check: CheckStateText, Field: "state_text", Value: text, Message: "state text is blank"}
	case strings.ContainsAny(text, "\r\n"):
		return &ViolationError{Check: CheckStateText, Field: "state_text", Value: text, Message: "state text must be one line"}
	}
	return nil
}

// OwnerOnly requires declaredBy to be the entity's current owner.
func (p *Policy) OwnerOnly(entityRef, declaredBy, owner string, owned bool) error {
	if !p.Enabled(CheckOwnerOnly) {
		return nil
	}
	if !owned {
		return &ViolationError{
			Check:   CheckOwnerOnly,
			Field:   "entity_ref",
			Value:   entityRef,
			Message: fmt.Sprintf("entity %q has no current owner; assign one before declaring", entityRef),
		}
	}
	if declaredBy != owner {
		return &ViolationError{
			Check:   CheckOwnerOnly,
			Field:   "declared_by_actor_ref",
			Value:   declaredBy,
			Message: fmt.Sprintf("%q is not the current owner of %q (owner: %q)", declaredBy, entityRef, owner),
		}
	}
	return nil
}
