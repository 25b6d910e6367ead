// Package sink adapts the relational store for the pipeline: catalog lookups,
// column-mapping discovery, single-statement batch inserts projected from
// JSON, and the bulk housekeeping paths.
package sink

import (
	"context"

	"github.com/cisync/cisync/pkg/config"
)

// Sink is the relational adapter consumed by the fetch-load engine and the
// run orchestration.
type Sink interface {
	// Tenant loads the access descriptor row for a tenant code. A missing
	// row is a fatal configuration error.
	Tenant(ctx context.Context, code string) (*config.Tenant, error)

	// Endpoints reads the endpoint catalog for a run group.
	Endpoints(ctx context.Context, runGroup string) ([]config.Endpoint, error)

	// ColumnMapping fetches the validated per-table column mapping. A table
	// with zero mapping rows is a fatal configuration error.
	ColumnMapping(ctx context.Context, table string) (Mapping, error)

	// InsertBatch inserts a whole JSON array page in one statement, each
	// target column projected from its mapped JSON path. Returns the number
	// of rows inserted.
	InsertBatch(ctx context.Context, table string, mapping Mapping, rawJSON string) (int64, error)

	// PurgePrefix deletes rows whose column value starts with prefix.
	PurgePrefix(ctx context.Context, table, column, prefix string) (int64, error)

	// MergeStaging moves rows from a staging table into its target inside a
	// single transaction: matching target rows are replaced, then staging is
	// cleared.
	MergeStaging(ctx context.Context, staging, target, keyColumn string) (int64, error)

	// Close releases the underlying pool.
	Close()
}
