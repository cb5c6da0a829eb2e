// Package conveyor is an extraction daemon that moves operational records
// from an ERP-style query API into a graph-structured data platform
// (hierarchical entities, time-stamped occurrences, numeric time series).
//
// Conveyor schedules many independent extraction jobs concurrently and keeps
// them well-behaved toward both boundary systems: bounded in-flight calls,
// bounded retries with jittered backoff, per-endpoint-class circuit breakers,
// and change detection so only records that actually changed are written.
//
// # Architecture
//
// Each enabled job runs a fetch → transform → resolve → write cycle on its
// own interval:
//
//  1. Fetch pages the source endpoint through the shared rate-limited
//     transport, optionally fanning out one sub-fetch per record status.
//
//  2. Transform normalizes rows and applies the job's change-detection
//     strategy (content hash, last-modified timestamp, version counter, or
//     always-process). Unchanged records are skipped.
//
//  3. Resolve maps external record keys to the platform's internal numeric
//     IDs through a batching, caching resolver; hierarchical entities
//     resolve parent-before-child.
//
//  4. Write upserts the batch by external key, so re-running a job over an
//     overlapping window converges instead of duplicating.
//
// Fingerprints are committed only after the downstream write succeeds; a
// crash between write and commit costs one redundant upsert, never a
// duplicate.
//
// # Key Packages
//
//	pkg/clients      - shared transport, circuit breakers, error aggregation
//	pkg/retry        - bounded exponential backoff over the breakers
//	pkg/fingerprint  - per-record change detection strategies
//	pkg/resolver     - external key → internal ID resolution with batching
//	pkg/source       - paginated source API client
//	pkg/platform     - target platform write client
//	pkg/extractor    - the per-domain job harness and its run state machine
//	internal/orchestrator - scheduling, concurrency caps, health, shutdown
//
// # Running
//
// The daemon reads a YAML config (environment variables expand with
// ${VAR_NAME} syntax) and runs until signaled:
//
//	conveyor run --config conveyor.yaml
//	conveyor run --once        # single cycle per job, then exit
//	conveyor run --dry-run     # full cycle without boundary writes
//	conveyor validate          # check the config and exit
//
// Health is exposed at /healthz and Prometheus metrics at /metrics when the
// metrics server is enabled.
package conveyor
