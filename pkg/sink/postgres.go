package sink

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/cisync/cisync/pkg/config"
	"github.com/cisync/cisync/pkg/errors"
)

// Postgres implements Sink over a pgx connection pool. Connections are
// acquired and released around each logical unit of work rather than held for
// the run's duration.
type Postgres struct {
	pool          *pgxpool.Pool
	catalogPrefix string
	logger        *zap.Logger
}

// NewPostgres connects the sink adapter to the tenant catalog.
func NewPostgres(ctx context.Context, connString, catalogPrefix string, logger *zap.Logger) (*Postgres, error) {
	if !validIdentifier(catalogPrefix) {
		return nil, errors.New(errors.ErrorTypeConfig, "invalid catalog prefix").
			WithDetail("prefix", catalogPrefix)
	}

	poolConfig, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "failed to parse connection string")
	}

	poolConfig.MaxConns = 4
	poolConfig.MinConns = 1
	poolConfig.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConnection, "failed to create connection pool")
	}

	return &Postgres{
		pool:          pool,
		catalogPrefix: catalogPrefix,
		logger:        logger.With(zap.String("component", "sink")),
	}, nil
}

// Tenant loads the access descriptor row for a tenant code.
func (p *Postgres) Tenant(ctx context.Context, code string) (*config.Tenant, error) {
	conn, err := p.pool.Acquire(ctx)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConnection, "failed to acquire connection")
	}
	defer conn.Release()

	query := `SELECT tenant_code, api_base_url, token_url, client_id, client_secret,
		scope, grant_type, sftp_host, sftp_port, sftp_user, sftp_password,
		remote_path, local_path, transfer_ext, upload_prefix, upload_main_dir,
		upload_alt_dir, catalog, day_offset, notify_recipients
		FROM ` + quoteIdent(p.catalogPrefix+"_TENANTS") + ` WHERE tenant_code = $1`

	var t config.Tenant
	err = conn.QueryRow(ctx, query, code).Scan(
		&t.Code, &t.APIBaseURL, &t.TokenURL, &t.ClientID, &t.ClientSecret,
		&t.Scope, &t.GrantType, &t.SFTPHost, &t.SFTPPort, &t.SFTPUser, &t.SFTPPassword,
		&t.RemotePath, &t.LocalPath, &t.TransferExt, &t.UploadPrefix, &t.UploadMainDir,
		&t.UploadAltDir, &t.Catalog, &t.DayOffset, &t.NotifyRecipients,
	)
	if err == pgx.ErrNoRows {
		return nil, errors.New(errors.ErrorTypeConfig, "tenant not found").
			WithDetail("tenant", code)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeQuery, "failed to load tenant")
	}

	if err := t.Validate(); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "invalid tenant record")
	}
	return &t, nil
}

// Endpoints reads the endpoint catalog for a run group, preserving catalog
// order because table-load order matters downstream.
func (p *Postgres) Endpoints(ctx context.Context, runGroup string) ([]config.Endpoint, error) {
	conn, err := p.pool.Acquire(ctx)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConnection, "failed to acquire connection")
	}
	defer conn.Release()

	query := `SELECT table_name, endpoint, filter, batch_size, direction, run_group
		FROM ` + quoteIdent(p.catalogPrefix+"_API_LIST") + `
		WHERE run_group = $1 ORDER BY ordinal`

	rows, err := conn.Query(ctx, query, runGroup)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeQuery, "failed to read endpoint catalog")
	}
	defer rows.Close()

	var endpoints []config.Endpoint
	for rows.Next() {
		var e config.Endpoint
		if err := rows.Scan(&e.Table, &e.Path, &e.Filter, &e.PageSize, &e.Direction, &e.RunGroup); err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeQuery, "failed to scan endpoint row")
		}
		if err := e.Validate(); err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeConfig, "invalid endpoint descriptor")
		}
		endpoints = append(endpoints, e)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeQuery, "endpoint catalog read failed")
	}
	return endpoints, nil
}

// ColumnMapping fetches the ordered mapping for a target table. Zero rows is
// a fatal configuration error, not a silent no-op.
func (p *Postgres) ColumnMapping(ctx context.Context, table string) (Mapping, error) {
	conn, err := p.pool.Acquire(ctx)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConnection, "failed to acquire connection")
	}
	defer conn.Release()

	query := `SELECT column_name, json_path
		FROM ` + quoteIdent(p.catalogPrefix+"_API_COLUMNS") + `
		WHERE table_name = $1 ORDER BY ordinal`

	rows, err := conn.Query(ctx, query, table)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeQuery, "failed to read column mapping")
	}
	defer rows.Close()

	var mapping Mapping
	for rows.Next() {
		var e MappingEntry
		if err := rows.Scan(&e.Column, &e.JSONPath); err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeQuery, "failed to scan mapping row")
		}
		mapping = append(mapping, e)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeQuery, "column mapping read failed")
	}

	if err := mapping.Validate(table); err != nil {
		return nil, err
	}
	return mapping, nil
}

// InsertBatch inserts the whole JSON array page in one statement.
func (p *Postgres) InsertBatch(ctx context.Context, table string, mapping Mapping, rawJSON string) (int64, error) {
	stmt, err := buildInsert(table, mapping)
	if err != nil {
		return 0, err
	}

	conn, err := p.pool.Acquire(ctx)
	if err != nil {
		return 0, errors.Wrap(err, errors.ErrorTypeConnection, "failed to acquire connection")
	}
	defer conn.Release()

	tag, err := conn.Exec(ctx, stmt, rawJSON)
	if err != nil {
		return 0, errors.Wrap(err, errors.ErrorTypeQuery, "batch insert failed").
			WithDetail("table", table)
	}

	p.logger.Debug("batch inserted",
		zap.String("table", table),
		zap.Int64("rows", tag.RowsAffected()))
	return tag.RowsAffected(), nil
}

// PurgePrefix deletes rows whose column value starts with prefix.
func (p *Postgres) PurgePrefix(ctx context.Context, table, column, prefix string) (int64, error) {
	stmt, err := buildPurge(table, column)
	if err != nil {
		return 0, err
	}

	conn, err := p.pool.Acquire(ctx)
	if err != nil {
		return 0, errors.Wrap(err, errors.ErrorTypeConnection, "failed to acquire connection")
	}
	defer conn.Release()

	tag, err := conn.Exec(ctx, stmt, prefix)
	if err != nil {
		return 0, errors.Wrap(err, errors.ErrorTypeQuery, "purge failed").
			WithDetail("table", table)
	}
	return tag.RowsAffected(), nil
}

// MergeStaging replaces target rows with their staged counterparts and clears
// the staging table, all inside one transaction for atomicity.
func (p *Postgres) MergeStaging(ctx context.Context, staging, target, keyColumn string) (int64, error) {
	if !validIdentifier(staging) || !validIdentifier(target) || !validIdentifier(keyColumn) {
		return 0, errors.New(errors.ErrorTypeConfig, "invalid merge target").
			WithDetail("staging", staging).WithDetail("target", target)
	}

	conn, err := p.pool.Acquire(ctx)
	if err != nil {
		return 0, errors.Wrap(err, errors.ErrorTypeConnection, "failed to acquire connection")
	}
	defer conn.Release()

	tx, err := conn.Begin(ctx)
	if err != nil {
		return 0, errors.Wrap(err, errors.ErrorTypeQuery, "failed to begin merge transaction")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	key := quoteIdent(keyColumn)
	stagingT := quoteIdent(staging)
	targetT := quoteIdent(target)

	if _, err := tx.Exec(ctx,
		"DELETE FROM "+targetT+" WHERE "+key+" IN (SELECT "+key+" FROM "+stagingT+")"); err != nil {
		return 0, errors.Wrap(err, errors.ErrorTypeQuery, "merge delete failed")
	}

	tag, err := tx.Exec(ctx, "INSERT INTO "+targetT+" SELECT * FROM "+stagingT)
	if err != nil {
		return 0, errors.Wrap(err, errors.ErrorTypeQuery, "merge insert failed")
	}

	if _, err := tx.Exec(ctx, "DELETE FROM "+stagingT); err != nil {
		return 0, errors.Wrap(err, errors.ErrorTypeQuery, "staging cleanup failed")
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, errors.Wrap(err, errors.ErrorTypeQuery, "merge commit failed")
	}

	p.logger.Info("staging merged",
		zap.String("staging", staging),
		zap.String("target", target),
		zap.Int64("rows", tag.RowsAffected()))
	return tag.RowsAffected(), nil
}

// Close releases the underlying pool.
func (p *Postgres) Close() {
	p.pool.Close()
}
