package harness

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roach88/cutterledger/internal/policy"
	"github.com/roach88/cutterledger/internal/record"
)

// Scenario is one ledger conformance scenario.
type Scenario struct {
	// Name uniquely identifies this scenario. It names the golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Start is the fake clock's initial time. Defaults to testutil.DefaultStart.
	Start time.Time `yaml:"start,omitempty"`

	// Policy enables policy checks for the run. All are off by default.
	Policy PolicySpec `yaml:"policy,omitempty"`

	// Steps run in order against one ledger.
	Steps []Step `yaml:"steps"`

	// Expect is checked against the views after the last step.
	Expect Expectations `yaml:"expect,omitempty"`
}

// PolicySpec selects policy checks.
type PolicySpec struct {
	Vocabulary bool `yaml:"vocabulary,omitempty"`
	RefFormat  bool `yaml:"ref_format,omitempty"`
	StateText  bool `yaml:"state_text,omitempty"`
	OwnerOnly  bool `yaml:"owner_only,omitempty"`
}

func (p PolicySpec) config() policy.Config {
	return policy.Config{
		Vocabulary: p.Vocabulary,
		RefFormat:  p.RefFormat,
		StateText:  p.StateText,
		OwnerOnly:  p.OwnerOnly,
	}
}

// Step is one ledger operation. Which fields apply depends on Op.
type Step struct {
	Op string `yaml:"op"`

	// register_entity, assign_owner, unassign_owner, transfer_owner, declare
	Entity      string `yaml:"entity,omitempty"`
	Label       string `yaml:"label,omitempty"`
	CadenceDays int    `yaml:"cadence_days,omitempty"`
	Owner       string `yaml:"owner,omitempty"`
	By          string `yaml:"by,omitempty"`

	// declare
	Scope          string   `yaml:"scope,omitempty"`
	Kind           string   `yaml:"kind,omitempty"`
	Classification *string  `yaml:"classification,omitempty"`
	Text           string   `yaml:"text,omitempty"`
	Evidence       []string `yaml:"evidence,omitempty"`
	Supersedes     *int64   `yaml:"supersedes,omitempty"`

	// append_event
	Type    string         `yaml:"type,omitempty"`
	Subject string         `yaml:"subject,omitempty"`
	Payload map[string]any `yaml:"payload,omitempty"`

	// advance
	Days  int `yaml:"days,omitempty"`
	Hours int `yaml:"hours,omitempty"`

	// ExpectError is the outcome code or sentinel name the step must fail with.
	ExpectError string `yaml:"expect_error,omitempty"`
}

// Expectations are checked after the last step. Nil fields are not checked.
type Expectations struct {
	// Unowned lists every entity expected without an owner.
	Unowned []string `yaml:"unowned,omitempty"`

	// Deferred lists every entity expected overdue for a declaration.
	Deferred []string `yaml:"deferred,omitempty"`

	// Streaks lists every expected continuity streak.
	Streaks []StreakExpect `yaml:"streaks,omitempty"`

	// CurrentOwners maps entity refs to their expected owner. An empty
	// owner expects the entity to be unowned.
	CurrentOwners map[string]string `yaml:"current_owners,omitempty"`

	// EventsBySubject maps subject refs to their expected event count.
	EventsBySubject map[string]int `yaml:"events_by_subject,omitempty"`
}

// StreakExpect describes one expected streak.
type StreakExpect struct {
	Entity         string  `yaml:"entity"`
	Scope          string  `yaml:"scope"`
	Classification *string `yaml:"classification,omitempty"`
	Count          int     `yaml:"count"`
}

// Step op constants.
const (
	OpRegisterEntity = "register_entity"
	OpAssignOwner    = "assign_owner"
	OpUnassignOwner  = "unassign_owner"
	OpTransferOwner  = "transfer_owner"
	OpDeclare        = "declare"
	OpAppendEvent    = "append_event"
	OpAdvance        = "advance"
)

// LoadScenario reads and parses a scenario YAML file.
// Unknown fields are rejected so typos fail loudly.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses and validates scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// LoadScenarios loads every *.yaml and *.yml file in dir, sorted by path.
func LoadScenarios(dir string) ([]*Scenario, error) {
	var paths []string
	for _, pattern := range []string{"*.yaml", "*.yml"} {
		matches, err := filepath.Glob(filepath.Join(dir, pattern))
		if err != nil {
			return nil, err
		}
		paths = append(paths, matches...)
	}
	if len(paths) == 0 {
		return nil, fmt.Errorf("no scenario files in %s", dir)
	}
	sort.Strings(paths)

	scenarios := make([]*Scenario, 0, len(paths))
	for _, path := range paths {
		s, err := LoadScenario(path)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", filepath.Base(path), err)
		}
		scenarios = append(scenarios, s)
	}
	return scenarios, nil
}

func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}
	for i := range s.Steps {
		if err := validateStep(&s.Steps[i]); err != nil {
			return fmt.Errorf("steps[%d]: %w", i, err)
		}
	}
	for i, st := range s.Expect.Streaks {
		if st.Entity == "" || st.Scope == "" {
			return fmt.Errorf("expect.streaks[%d]: entity and scope are required", i)
		}
		if st.Count < 2 {
			return fmt.Errorf("expect.streaks[%d]: count must be at least 2", i)
		}
	}
	return nil
}

func validateStep(st *Step) error {
	require := func(fields map[string]string) error {
		for _, name := range []string{"entity", "owner", "by", "scope", "kind", "text", "type", "subject"} {
			if v, ok := fields[name]; ok && v == "" {
				return fmt.Errorf("%s: %s is required", st.Op, name)
			}
		}
		return nil
	}

	switch st.Op {
	case OpRegisterEntity, OpUnassignOwner:
		return require(map[string]string{"entity": st.Entity})
	case OpAssignOwner, OpTransferOwner:
		return require(map[string]string{"entity": st.Entity, "owner": st.Owner, "by": st.By})
	case OpDeclare:
		if err := require(map[string]string{"entity": st.Entity, "scope": st.Scope, "kind": st.Kind, "text": st.Text, "by": st.By}); err != nil {
			return err
		}
		// Invalid kinds are left for the ledger to reject, so scenarios can
		// exercise that path with expect_error.
		return nil
	case OpAppendEvent:
		return require(map[string]string{"type": st.Type, "subject": st.Subject})
	case OpAdvance:
		if st.Days < 0 || st.Hours < 0 || st.Days+st.Hours == 0 {
			return fmt.Errorf("advance: days or hours must be positive")
		}
		return nil
	case "":
		return fmt.Errorf("op is required")
	}
	return fmt.Errorf("unknown op %q", st.Op)
}

// declaration converts a declare step to ledger input.
func (st *Step) declaration() record.DeclarationInput {
	return record.DeclarationInput{
		EntityRef:      st.Entity,
		ScopeRef:       st.Scope,
		StateText:      st.Text,
		Classification: st.Classification,
		DeclaredByRef:  st.By,
		Kind:           record.DeclarationKind(st.Kind),
		Supersedes:     st.Supersedes,
		EvidenceRefs:   st.Evidence,
	}
}
