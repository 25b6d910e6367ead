// Package cisync synchronizes business records for independently configured
// customer tenants between a paginated remote HTTP API, a PostgreSQL catalog,
// and an SFTP-reachable ERP peer.
//
// The pipeline is built from a small set of packages:
//
//   - pkg/clients: HTTP client and OAuth-style token lifecycle
//   - pkg/retry: transient-fault retry policy with exponential backoff
//   - pkg/engine: paginated fetch-transform-load loop per endpoint
//   - pkg/transform: fixed textual repairs for the upstream's malformed JSON
//   - pkg/sink: dynamic column-mapping inserts into PostgreSQL
//   - pkg/transfer: sentinel-file handshake protocol over SFTP
//   - internal/pipeline: per-tenant run orchestration
//
// Each tenant run executes on a single logical thread of control under one
// run-wide deadline; every network call derives a shorter deadline from it so
// nothing can block indefinitely.
package cisync
