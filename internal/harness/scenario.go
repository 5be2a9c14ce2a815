package harness

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Scenario defines an offline replay scenario.
// Scenarios seed a fake server, drive the calendar service through a list
// of steps (edits, connectivity changes, syncs, clock moves), and assert on
// the remote calls made and the final local state.
type Scenario struct {
	// Name uniquely identifies this scenario. It names the golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Timezone is the IANA zone day and month views are computed in.
	// Defaults to UTC.
	Timezone string `yaml:"timezone,omitempty"`

	// Start is the RFC 3339 time the manual clock starts at.
	// Defaults to DefaultStart.
	Start string `yaml:"start,omitempty"`

	// MinInterval overrides the sync throttle interval (Go duration syntax).
	MinInterval string `yaml:"min_interval,omitempty"`

	// Seed lists events that already exist on the server.
	Seed []SeedEvent `yaml:"seed,omitempty"`

	// Steps are executed in order.
	Steps []Step `yaml:"steps"`

	// Assertions validate the remote calls and the final state.
	// Supported types: call_contains, call_order, call_count, pending, view, remote
	Assertions []Assertion `yaml:"assertions"`
}

// DefaultStart is the clock start of scenarios that set none.
const DefaultStart = "2024-03-04T09:00:00Z"

// EventSpec is the YAML form of a calendar event.
type EventSpec struct {
	Title           string `yaml:"title"`
	Start           string `yaml:"start"` // RFC 3339
	DurationMinutes int    `yaml:"duration_minutes,omitempty"`
	AllDay          bool   `yaml:"all_day,omitempty"`
	EveryDays       int    `yaml:"every_days,omitempty"`
	Count           int    `yaml:"count,omitempty"`
	Calendar        int64  `yaml:"calendar,omitempty"` // defaults to 1
	Owner           int64  `yaml:"owner,omitempty"`    // defaults to 1
}

// SeedEvent is an event the server knows before the scenario starts.
type SeedEvent struct {
	// Ref names the event for later steps.
	Ref   string    `yaml:"ref"`
	ID    int64     `yaml:"id"`
	Event EventSpec `yaml:"event"`
}

// Step is one action of the scenario.
type Step struct {
	// Do is the action: add, edit, delete, undelete, offline, online,
	// sync, advance, reject, accept, begin_edit, end_edit.
	Do string `yaml:"do"`

	// Ref names the event the step acts on (add, edit, delete, undelete).
	Ref string `yaml:"ref,omitempty"`

	// Event is the new state for add and edit.
	Event *EventSpec `yaml:"event,omitempty"`

	// Cascade deletes the whole series (delete).
	Cascade bool `yaml:"cascade,omitempty"`

	// Force bypasses the throttle (sync).
	Force bool `yaml:"force,omitempty"`

	// Calendar selects the scope of sync, begin_edit and end_edit.
	// Defaults to 1.
	Calendar int64 `yaml:"calendar,omitempty"`

	// By is the clock advance (advance), Go duration syntax.
	By string `yaml:"by,omitempty"`

	// Title makes the server reject every submission for it (reject).
	Title string `yaml:"title,omitempty"`

	// Reason is the rejection reason (reject).
	Reason string `yaml:"reason,omitempty"`

	// Expect validates the step outcome. If nil, the step must succeed.
	Expect *StepExpect `yaml:"expect,omitempty"`
}

// Step actions.
const (
	DoAdd       = "add"
	DoEdit      = "edit"
	DoDelete    = "delete"
	DoUndelete  = "undelete"
	DoOffline   = "offline"
	DoOnline    = "online"
	DoSync      = "sync"
	DoAdvance   = "advance"
	DoReject    = "reject"
	DoAccept    = "accept"
	DoBeginEdit = "begin_edit"
	DoEndEdit   = "end_edit"
)

// StepExpect specifies the expected outcome of a step.
// Unset fields are not checked.
type StepExpect struct {
	// Outcome is one of ok, throttled, blocked, rejected, unreachable, error.
	Outcome string `yaml:"outcome,omitempty"`

	Upserted  *int  `yaml:"upserted,omitempty"`
	Deleted   *int  `yaml:"deleted,omitempty"`
	Warnings  *int  `yaml:"warnings,omitempty"`
	Changed   *bool `yaml:"changed,omitempty"`
	Undeleted *bool `yaml:"undeleted,omitempty"`
}

// Step outcomes.
const (
	OutcomeOK          = "ok"
	OutcomeThrottled   = "throttled"
	OutcomeBlocked     = "blocked"
	OutcomeRejected    = "rejected"
	OutcomeUnreachable = "unreachable"
	OutcomeError       = "error"
)

// Assertion validates remote calls or final state.
type Assertion struct {
	// Type specifies the assertion type:
	// - "call_contains": a remote call with op (and title) was made
	// - "call_order": calls appear in order, as "op:title" entries
	// - "call_count": op (and title) was called exactly Count times
	// - "pending": the pending counts of a calendar (0: all calendars)
	// - "view": titles of a merged day or month view
	// - "remote": titles the server holds for a calendar
	Type string `yaml:"type"`

	// Op is the remote operation (create, update, delete).
	Op string `yaml:"op,omitempty"`

	// Title narrows call assertions to one event.
	Title string `yaml:"title,omitempty"`

	// Token is the expected idempotency key (call_contains).
	Token string `yaml:"token,omitempty"`

	// Count is the expected number of calls (call_count).
	Count int `yaml:"count,omitempty"`

	// Calls is the expected call order (call_order).
	Calls []string `yaml:"calls,omitempty"`

	// Calendar selects the scope for pending, view and remote.
	Calendar int64 `yaml:"calendar,omitempty"`

	// Upserts and Deletes are the expected pending counts (pending).
	Upserts *int `yaml:"upserts,omitempty"`
	Deletes *int `yaml:"deletes,omitempty"`

	// Day ("2006-01-02") or Month ("2006-01") selects the view.
	Day   string `yaml:"day,omitempty"`
	Month string `yaml:"month,omitempty"`

	// Titles are the expected titles in display order (view, remote).
	Titles []string `yaml:"titles,omitempty"`

	// Offline and Deleted list the titles expected to carry the flag (view).
	Offline []string `yaml:"offline,omitempty"`
	Deleted []string `yaml:"deleted,omitempty"`
}

// Assertion type constants.
const (
	AssertCallContains = "call_contains"
	AssertCallOrder    = "call_order"
	AssertCallCount    = "call_count"
	AssertPending      = "pending"
	AssertView         = "view"
	AssertRemote       = "remote"
)

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses scenario YAML with strict field validation.
func ParseScenario(data []byte) (*Scenario, error) {
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true) // catches typos like "assertion:" vs "assertions:"
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// validateScenario checks that required fields are present and valid.
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
	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}

	if s.Timezone != "" {
		if _, err := time.LoadLocation(s.Timezone); err != nil {
			return fmt.Errorf("timezone: %w", err)
		}
	}
	if s.Start != "" {
		if _, err := time.Parse(time.RFC3339, s.Start); err != nil {
			return fmt.Errorf("start: %w", err)
		}
	}
	if s.MinInterval != "" {
		if _, err := time.ParseDuration(s.MinInterval); err != nil {
			return fmt.Errorf("min_interval: %w", err)
		}
	}

	refs := make(map[string]bool)
	for i, seed := range s.Seed {
		if seed.Ref == "" {
			return fmt.Errorf("seed[%d]: ref is required", i)
		}
		if refs[seed.Ref] {
			return fmt.Errorf("seed[%d]: duplicate ref %q", i, seed.Ref)
		}
		refs[seed.Ref] = true
		if seed.ID <= 0 || seed.ID >= firstServerID {
			return fmt.Errorf("seed[%d]: id must be in [1, %d)", i, firstServerID)
		}
		if err := validateEvent(seed.Event); err != nil {
			return fmt.Errorf("seed[%d]: %w", i, err)
		}
	}

	for i, step := range s.Steps {
		if err := validateStep(step, refs); err != nil {
			return fmt.Errorf("steps[%d]: %w", i, err)
		}
	}

	for i, assertion := range s.Assertions {
		if err := validateAssertion(i, &assertion); err != nil {
			return err
		}
	}
	return nil
}

func validateEvent(e EventSpec) error {
	if e.Title == "" {
		return fmt.Errorf("event title is required")
	}
	if _, err := time.Parse(time.RFC3339, e.Start); err != nil {
		return fmt.Errorf("event start: %w", err)
	}
	return nil
}

// validateStep checks a step's fields for its action. refs collects the
// names introduced so far so steps cannot use a ref before it exists.
func validateStep(step Step, refs map[string]bool) error {
	switch step.Do {
	case DoAdd:
		if step.Ref == "" {
			return fmt.Errorf("ref is required for add")
		}
		if refs[step.Ref] {
			return fmt.Errorf("ref %q already exists", step.Ref)
		}
		if step.Event == nil {
			return fmt.Errorf("event is required for add")
		}
		refs[step.Ref] = true
		return validateEvent(*step.Event)
	case DoEdit:
		if !refs[step.Ref] {
			return fmt.Errorf("unknown ref %q", step.Ref)
		}
		if step.Event == nil {
			return fmt.Errorf("event is required for edit")
		}
		return validateEvent(*step.Event)
	case DoDelete, DoUndelete:
		if !refs[step.Ref] {
			return fmt.Errorf("unknown ref %q", step.Ref)
		}
	case DoAdvance:
		if _, err := time.ParseDuration(step.By); err != nil {
			return fmt.Errorf("by: %w", err)
		}
	case DoReject:
		if step.Title == "" {
			return fmt.Errorf("title is required for reject")
		}
	case DoOffline, DoOnline, DoSync, DoAccept, DoBeginEdit, DoEndEdit:
	case "":
		return fmt.Errorf("do is required")
	default:
		return fmt.Errorf("unknown action %q", step.Do)
	}

	if step.Expect != nil {
		switch step.Expect.Outcome {
		case "", OutcomeOK, OutcomeThrottled, OutcomeBlocked, OutcomeRejected, OutcomeUnreachable, OutcomeError:
		default:
			return fmt.Errorf("expect: unknown outcome %q", step.Expect.Outcome)
		}
	}
	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion) error {
	if a.Type == "" {
		return fmt.Errorf("assertions[%d]: type is required", index)
	}

	switch a.Type {
	case AssertCallContains:
		if a.Op == "" {
			return fmt.Errorf("assertions[%d]: op is required for call_contains", index)
		}
	case AssertCallOrder:
		if len(a.Calls) == 0 {
			return fmt.Errorf("assertions[%d]: calls list is required for call_order", index)
		}
	case AssertCallCount:
		if a.Op == "" {
			return fmt.Errorf("assertions[%d]: op is required for call_count", index)
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for call_count", index)
		}
	case AssertPending:
		if a.Upserts == nil && a.Deletes == nil {
			return fmt.Errorf("assertions[%d]: upserts or deletes is required for pending", index)
		}
	case AssertView:
		if (a.Day == "") == (a.Month == "") {
			return fmt.Errorf("assertions[%d]: exactly one of day or month is required for view", index)
		}
	case AssertRemote:
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}
