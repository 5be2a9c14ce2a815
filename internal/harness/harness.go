package harness

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"time"

	"github.com/roach88/outbox/internal/calendar"
	"github.com/roach88/outbox/internal/engine"
	"github.com/roach88/outbox/internal/ir"
	"github.com/roach88/outbox/internal/store"
	"github.com/roach88/outbox/internal/testutil"
)

// firstServerID is the id the fake server gives its first create. Seeded
// events use ids below it.
const firstServerID = 1000

// Harness is the test execution engine.
// It runs scenarios against an in-memory store, a fake server, and a
// manual clock so traces are identical across runs.
type Harness struct {
	svc    *calendar.Service
	remote *testutil.FakeAuthority
	clock  *testutil.ManualClock
	loc    *time.Location
	logger *slog.Logger

	refs   map[string]*entity
	blocks map[ir.Scope][]func()
	seq    int64
	traced int // remote calls already in the trace
}

// entity is what a ref currently points at.
type entity struct {
	id    ir.EntityID
	event calendar.Event
}

// stepOutcome is what executing one step produced.
type stepOutcome struct {
	sync      *ir.SyncResult
	undeleted *bool
	err       error
}

// Run executes a test scenario and returns the result.
//
// Each scenario runs in a fresh in-memory database for isolation.
//
// Execution flow:
// 1. Create fresh in-memory database, fake server, and manual clock
// 2. Seed server events
// 3. Execute steps, tracing remote calls and checking expect clauses
// 4. Evaluate assertions
func Run(scenario *Scenario) (*Result, error) {
	st, err := store.Open(":memory:")
	if err != nil {
		return nil, fmt.Errorf("failed to create in-memory store: %w", err)
	}
	defer st.Close()

	h, err := newHarness(st, scenario)
	if err != nil {
		return nil, err
	}
	defer h.releaseBlocks()

	ctx := context.Background()
	if err := h.seed(scenario.Seed); err != nil {
		return nil, fmt.Errorf("failed to seed server: %w", err)
	}

	result := NewResult()
	for i, step := range scenario.Steps {
		if err := h.executeStep(ctx, i, step, result); err != nil {
			return nil, fmt.Errorf("failed to execute step %d: %w", i, err)
		}
	}

	actx := &AssertionContext{
		Ctx:      ctx,
		Service:  h.svc,
		Remote:   h.remote,
		Location: h.loc,
	}
	for _, errMsg := range EvaluateAssertions(result, scenario.Assertions, actx) {
		result.AddError(errMsg)
	}
	return result, nil
}

func newHarness(st *store.Store, scenario *Scenario) (*Harness, error) {
	loc := time.UTC
	if scenario.Timezone != "" {
		l, err := time.LoadLocation(scenario.Timezone)
		if err != nil {
			return nil, fmt.Errorf("timezone: %w", err)
		}
		loc = l
	}

	startText := scenario.Start
	if startText == "" {
		startText = DefaultStart
	}
	start, err := time.Parse(time.RFC3339, startText)
	if err != nil {
		return nil, fmt.Errorf("start: %w", err)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil)) // suppress logs in tests
	clock := testutil.NewManualClock(start)
	remote := testutil.NewFakeAuthority(firstServerID)
	opts := []engine.Option{
		engine.WithClock(clock),
		engine.WithLogger(logger),
		engine.WithTokenGenerator(&sequentialTokens{}),
		engine.WithInvalidator(testutil.NewMemoryCache()),
	}
	if scenario.MinInterval != "" {
		d, err := time.ParseDuration(scenario.MinInterval)
		if err != nil {
			return nil, fmt.Errorf("min_interval: %w", err)
		}
		opts = append(opts, engine.WithMinInterval(d))
	}

	return &Harness{
		svc:    calendar.NewService(st, remote, remote, loc, opts...),
		remote: remote,
		clock:  clock,
		loc:    loc,
		logger: logger,
		refs:   make(map[string]*entity),
		blocks: make(map[ir.Scope][]func()),
	}, nil
}

// sequentialTokens generates tok-1, tok-2, ... without running out.
type sequentialTokens struct {
	n int
}

func (g *sequentialTokens) Generate() string {
	g.n++
	return "tok-" + strconv.Itoa(g.n)
}

func (h *Harness) seed(seeds []SeedEvent) error {
	for _, s := range seeds {
		ev, err := toEvent(s.Event)
		if err != nil {
			return fmt.Errorf("seed %s: %w", s.Ref, err)
		}
		id := ir.RemoteID(s.ID)
		h.remote.Seed(calendar.ScopeFor(ev), ir.Item{ID: id, Payload: ev})
		h.refs[s.Ref] = &entity{id: id, event: ev}
	}
	return nil
}

// toEvent converts the YAML form. Calendar and owner default to 1.
func toEvent(spec EventSpec) (calendar.Event, error) {
	start, err := time.Parse(time.RFC3339, spec.Start)
	if err != nil {
		return calendar.Event{}, fmt.Errorf("start: %w", err)
	}
	ev := calendar.Event{
		Title:           spec.Title,
		Start:           start,
		DurationMinutes: spec.DurationMinutes,
		AllDay:          spec.AllDay,
		Repeat:          calendar.Repeat{EveryDays: spec.EveryDays, Count: spec.Count},
		CalendarID:      spec.Calendar,
		OwnerID:         spec.Owner,
	}
	if ev.CalendarID == 0 {
		ev.CalendarID = 1
	}
	if ev.OwnerID == 0 {
		ev.OwnerID = 1
	}
	return ev, nil
}

func calendarScope(id int64) ir.Scope {
	if id == 0 {
		id = 1
	}
	return calendar.CalendarScope(id)
}

// executeStep runs one step and records it in the trace:
// 1. A step event naming the action
// 2. One call event per remote submission the step caused
// 3. An outcome event
//
// Harness failures (bad refs, unparsable events) are returned as errors.
// Unexpected outcomes are recorded in the result.
func (h *Harness) executeStep(ctx context.Context, index int, step Step, result *Result) error {
	h.seq++
	result.Trace = append(result.Trace, TraceEvent{Seq: h.seq, Type: EventStep, Action: step.Do, Ref: step.Ref})

	out, err := h.apply(ctx, step)
	if err != nil {
		return err
	}

	calls := h.remote.Calls()
	for _, sub := range calls[h.traced:] {
		h.seq++
		ev := TraceEvent{
			Seq:   h.seq,
			Type:  EventCall,
			Op:    sub.Op.String(),
			Title: sub.DisplayName,
			Token: sub.IdempotencyKey,
		}
		if !sub.ID.IsZero() {
			ev.ID = sub.ID.String()
		}
		result.Trace = append(result.Trace, ev)
	}
	h.traced = len(calls)

	h.seq++
	outcome := classify(out)
	ev := TraceEvent{Seq: h.seq, Type: EventOutcome, Outcome: outcome}
	if out.sync != nil {
		ev.Upserted = len(out.sync.Upserted)
		ev.Deleted = len(out.sync.Deleted)
		for _, w := range out.sync.Warnings {
			ev.Warnings = append(ev.Warnings, w.Message())
		}
		ev.Refetch = out.sync.Plan.Refetch
		ev.Invalidate = out.sync.Plan.Invalidate
	}
	result.Trace = append(result.Trace, ev)

	h.checkExpect(index, step, out, outcome, result)

	h.logger.Info("step completed",
		"step", index,
		"action", step.Do,
		"ref", step.Ref,
		"outcome", outcome,
	)
	return nil
}

// apply performs the step's action against the service, the fake server,
// or the clock.
func (h *Harness) apply(ctx context.Context, step Step) (stepOutcome, error) {
	switch step.Do {
	case DoAdd:
		ev, err := toEvent(*step.Event)
		if err != nil {
			return stepOutcome{}, err
		}
		up, err := h.svc.AddEvent(ctx, ev)
		if err == nil {
			h.refs[step.Ref] = &entity{id: up.ID, event: ev}
		}
		return stepOutcome{err: err}, nil

	case DoEdit:
		e, err := h.ref(step.Ref)
		if err != nil {
			return stepOutcome{}, err
		}
		ev, err := toEvent(*step.Event)
		if err != nil {
			return stepOutcome{}, err
		}
		up, err := h.svc.EditEventFrom(ctx, ir.Item{ID: e.id, Payload: e.event}, ev)
		if err == nil {
			e.id, e.event = up.ID, ev
		}
		return stepOutcome{err: err}, nil

	case DoDelete:
		e, err := h.ref(step.Ref)
		if err != nil {
			return stepOutcome{}, err
		}
		err = h.svc.DeleteEventItem(ctx, ir.Item{ID: e.id, Payload: e.event}, step.Cascade)
		return stepOutcome{err: err}, nil

	case DoUndelete:
		e, err := h.ref(step.Ref)
		if err != nil {
			return stepOutcome{}, err
		}
		ok, err := h.svc.Undelete(ctx, e.id)
		return stepOutcome{undeleted: &ok, err: err}, nil

	case DoOffline:
		h.remote.SetOnline(false)
	case DoOnline:
		h.remote.SetOnline(true)

	case DoSync:
		res, err := h.svc.Sync(ctx, calendarScope(step.Calendar), step.Force)
		h.rebind(res)
		return stepOutcome{sync: &res, err: err}, nil

	case DoAdvance:
		d, err := time.ParseDuration(step.By)
		if err != nil {
			return stepOutcome{}, fmt.Errorf("by: %w", err)
		}
		h.clock.Advance(d)

	case DoReject:
		title, reason := step.Title, step.Reason
		if reason == "" {
			reason = "refused by server"
		}
		h.remote.Reject(func(sub ir.Submission) string {
			if sub.DisplayName == title {
				return reason
			}
			return ""
		})
	case DoAccept:
		h.remote.ClearRejects()

	case DoBeginEdit:
		scope := calendarScope(step.Calendar)
		h.blocks[scope] = append(h.blocks[scope], h.svc.Engine().BeginEdit(scope))
	case DoEndEdit:
		scope := calendarScope(step.Calendar)
		open := h.blocks[scope]
		if len(open) == 0 {
			return stepOutcome{}, fmt.Errorf("end_edit: %s is not being edited", scope)
		}
		open[len(open)-1]()
		h.blocks[scope] = open[:len(open)-1]

	default:
		return stepOutcome{}, fmt.Errorf("unknown action %q", step.Do)
	}
	return stepOutcome{}, nil
}

func (h *Harness) ref(name string) (*entity, error) {
	e, ok := h.refs[name]
	if !ok {
		return nil, fmt.Errorf("unknown ref %q", name)
	}
	return e, nil
}

// rebind points refs at the remote ids a sync pass assigned to their
// offline creates.
func (h *Harness) rebind(res ir.SyncResult) {
	for _, item := range res.Upserted {
		if item.Payload == nil {
			continue
		}
		key := item.Payload.ExternalKey()
		for _, e := range h.refs {
			if e.id.IsLocal() && e.event.ExternalKey() == key {
				e.id = item.ID
			}
		}
	}
}

func (h *Harness) releaseBlocks() {
	for _, open := range h.blocks {
		for _, release := range open {
			release()
		}
	}
}

// classify maps a step's outcome to its trace name.
func classify(out stepOutcome) string {
	switch err := out.err; {
	case err == nil && out.sync != nil && out.sync.Throttled:
		return OutcomeThrottled
	case err == nil:
		return OutcomeOK
	case engine.IsSyncBlocked(err):
		return OutcomeBlocked
	case engine.IsStorageError(err):
		return OutcomeError
	case engine.IsRejected(err):
		return OutcomeRejected
	case engine.IsUnreachable(err) && out.sync != nil:
		return OutcomeUnreachable
	default:
		return OutcomeError
	}
}

// checkExpect compares the outcome against the step's expect clause.
// Without one the step must succeed.
func (h *Harness) checkExpect(index int, step Step, out stepOutcome, outcome string, result *Result) {
	want := OutcomeOK
	exp := step.Expect
	if exp != nil && exp.Outcome != "" {
		want = exp.Outcome
	}
	if outcome != want {
		msg := fmt.Sprintf("step %d (%s): expected outcome %s, got %s", index, step.Do, want, outcome)
		if out.err != nil {
			msg += ": " + out.err.Error()
		}
		result.AddError(msg)
	}
	if exp == nil {
		return
	}

	var res ir.SyncResult
	if out.sync != nil {
		res = *out.sync
	}
	checkInt := func(field string, want *int, got int) {
		if want != nil && *want != got {
			result.AddError(fmt.Sprintf("step %d (%s): expected %s %d, got %d", index, step.Do, field, *want, got))
		}
	}
	checkInt("upserted", exp.Upserted, len(res.Upserted))
	checkInt("deleted", exp.Deleted, len(res.Deleted))
	checkInt("warnings", exp.Warnings, len(res.Warnings))

	if exp.Changed != nil && *exp.Changed != res.AnythingChanged {
		result.AddError(fmt.Sprintf("step %d (%s): expected changed %t, got %t", index, step.Do, *exp.Changed, res.AnythingChanged))
	}
	if exp.Undeleted != nil {
		got := out.undeleted != nil && *out.undeleted
		if *exp.Undeleted != got {
			result.AddError(fmt.Sprintf("step %d (%s): expected undeleted %t, got %t", index, step.Do, *exp.Undeleted, got))
		}
	}
}
