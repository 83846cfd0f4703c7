// Package manager is the lifecycle orchestrator. It owns every model
// instance, drives the per-instance state machine, and coordinates the
// registry, backends, KV cache, warmup scheduler and benchmark recorder.
// It is structured into small files by concern:
//
//   - manager.go: core Manager type, constructor, simple getters.
//   - config.go: ManagerConfig and package defaults.
//   - types.go: State, WarmState, the transition table and Instance.
//   - errors.go: error types and IsX helpers.
//   - events.go: Event, EventPublisher and the subscription Broadcaster.
//   - ensure.go: LoadModel, load collapse and warmup.
//   - evict.go: model memory budget and LRU idle selection.
//   - unload.go: drain, forced abort and removal.
//   - admission.go: per-instance queueing and generation admission.
//   - inference.go: Generate/Complete and the Stream wrapper.
//   - status_report.go: Status, StatusAll and benchmark history.
//   - pressure.go: the controller surface driven by the guard.
//   - ops.go: Switch and Rescan.
//   - sanity.go: engine dependency checks.
//
// Only this package mutates instance state. External packages use the
// public methods (NewWithConfig, LoadModel, Generate, Status, Subscribe, ...).
package manager
