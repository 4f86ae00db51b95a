// Package harness runs scripted scenarios against a headless flow.
//
// A scenario describes the simulated environment (media behaviour, slow
// or failing scenes, reward latency, timings), a list of steps, and
// assertions over the resulting trace, the final UI and the telemetry
// stored in SQLite.
//
// # Scenario Format
//
//	name: enter_and_open
//	description: "Scenario A, then open a gift and go home"
//	kit:
//	  cinematic_stalls: true
//	timings:
//	  cinematic_load: 80ms
//	reward:
//	  title: Wool Mittens
//	  delay: 20ms
//	steps:
//	  - action: start
//	  - action: enter
//	    repeat: 2
//	  - action: open_gift
//	  - settle: true
//	  - wish: "a snow globe"
//	    offline: true
//	assertions:
//	  - type: state_order
//	    states: [cinematicLoading, loadingParallax, parallaxShown]
//	  - type: final_flow_state
//	    state: reveal
//	  - type: ui
//	    expect: { blackout: 0, reveal_shown: true }
//	  - type: event_count
//	    event: flow_timeout
//	    count: 1
//	  - type: final_state
//	    table: queued_operations
//	    where: { op_type: SUBMIT_WISH }
//	    expect: { attempts: 1 }
//
// # Determinism
//
// Trace sequence numbers come from testutil.DeterministicClock, client
// operation ids from testutil.SequenceIDs, and telemetry timestamps from
// a second deterministic clock. Background work is drained before
// assertions run, so the trace, the final UI and event counts are
// reproducible and can be compared against golden files.
package harness
