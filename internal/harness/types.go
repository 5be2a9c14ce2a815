package harness

// Trace event types.
const (
	EventStep    = "step"
	EventCall    = "call"
	EventOutcome = "outcome"
)

// TraceEvent is one entry of a scenario trace: a step being taken, a
// remote call the step caused, or the step's outcome.
type TraceEvent struct {
	Seq  int64  `json:"seq"`
	Type string `json:"type"` // "step", "call" or "outcome"

	// step
	Action string `json:"action,omitempty"`
	Ref    string `json:"ref,omitempty"`

	// call
	Op    string `json:"op,omitempty"`
	Title string `json:"title,omitempty"`
	ID    string `json:"id,omitempty"`
	Token string `json:"token,omitempty"`

	// outcome
	Outcome    string   `json:"outcome,omitempty"`
	Upserted   int      `json:"upserted,omitempty"`
	Deleted    int      `json:"deleted,omitempty"`
	Warnings   []string `json:"warnings,omitempty"`
	Refetch    []string `json:"refetch,omitempty"`
	Invalidate []string `json:"invalidate,omitempty"`
}

// Result is the outcome of a test scenario execution.
type Result struct {
	// Pass indicates overall test success.
	// True if every step matched its expectation and every assertion held.
	Pass bool `json:"pass"`

	// Trace contains steps, remote calls, and outcomes in order.
	Trace []TraceEvent `json:"trace"`

	// Errors contains validation error messages.
	// Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// Calls returns the call events of the trace.
func (r *Result) Calls() []TraceEvent {
	var calls []TraceEvent
	for _, e := range r.Trace {
		if e.Type == EventCall {
			calls = append(calls, e)
		}
	}
	return calls
}
