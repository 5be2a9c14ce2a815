// Package harness runs offline replay scenarios against the calendar
// service.
//
// A scenario seeds a fake server, drives the service through a list of
// steps, and asserts on the remote calls that were made and on the final
// local state. Every run uses a fresh in-memory store, a manual clock,
// and sequential idempotency tokens, so the trace is identical across
// runs and can be compared against a golden file.
//
// # Scenario Format
//
//	name: offline_create
//	description: "An event created offline is created once on reconnect"
//	seed:
//	  - ref: standup
//	    id: 7
//	    event: { title: Standup, start: "2024-03-04T09:00:00Z", duration_minutes: 15 }
//	steps:
//	  - do: offline
//	  - do: add
//	    ref: lunch
//	    event: { title: Lunch, start: "2024-03-04T12:00:00Z", duration_minutes: 60 }
//	  - do: sync
//	    force: true
//	    expect: { outcome: unreachable }
//	  - do: online
//	  - do: sync
//	    force: true
//	    expect: { upserted: 1 }
//	assertions:
//	  - type: call_count
//	    op: create
//	    title: Lunch
//	    count: 2
//	  - type: pending
//	    upserts: 0
//
// # Steps
//
//   - add, edit, delete, undelete: local mutations of a named event
//   - offline, online: server connectivity
//   - sync: a sync request for a calendar (force bypasses the throttle)
//   - advance: moves the manual clock
//   - reject, accept: make the server refuse submissions for a title
//   - begin_edit, end_edit: block and unblock syncing of a calendar
//
// A step without an expect clause must succeed.
//
// # Assertion Types
//
//   - call_contains: a remote call with op (title, token) was made
//   - call_order: "op:title" calls appear in the given order
//   - call_count: matching calls were made exactly count times
//   - pending: pending upsert and delete counts
//   - view: titles of a merged day or month view
//   - remote: titles the server holds
//
// # Usage
//
//	scenario, err := harness.LoadScenario("testdata/scenarios/offline_create.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	result, err := harness.Run(scenario)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if !result.Pass {
//	    for _, msg := range result.Errors {
//	        log.Println(msg)
//	    }
//	}
package harness
