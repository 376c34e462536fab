// Package harness runs ledger scenarios described in YAML and checks the
// derived views they produce.
//
// # Scenario Format
//
//	name: line3_continuity
//	description: "Two reaffirmations after a reclassification form a streak"
//	start: 2024-03-01T09:00:00Z
//	steps:
//	  - op: register_entity
//	    entity: line:3
//	    cadence_days: 7
//	  - op: assign_owner
//	    entity: line:3
//	    owner: alice
//	    by: bob
//	  - op: declare
//	    entity: line:3
//	    scope: status
//	    kind: REAFFIRMATION
//	    classification: running
//	    text: running as planned
//	    by: alice
//	  - op: advance
//	    days: 10
//	  - op: assign_owner
//	    entity: line:3
//	    owner: carol
//	    by: bob
//	    expect_error: owner_already_assigned
//	expect:
//	  unowned: []
//	  deferred: [line:3]
//	  current_owners: {line:3: alice}
//
// Step ops are register_entity, assign_owner, unassign_owner,
// transfer_owner, declare, append_event and advance. expect_error takes a
// ledger outcome code (INVARIANT_VIOLATION) or a sentinel name
// (owner_already_assigned).
//
// # Deterministic Testing
//
// Every run uses a fresh in-memory store and a testutil.FakeClock starting
// at the scenario's start time, so the final views are identical between
// runs and can be compared against golden snapshots.
package harness
