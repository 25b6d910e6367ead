// Package pipeline orchestrates one tenant synchronization run: optional
// stale-row purge, the fetch-load loop over every endpoint descriptor, the
// handshake file transfer, and the outcome notification.
//
// All stages execute on a single logical thread of control. A run-wide
// deadline bounds the whole sequence; every network call inside the stages
// derives a shorter deadline from it, so exhausting the run deadline
// propagates as cancellation into any in-flight call.
package pipeline

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cisync/cisync/pkg/clients"
	"github.com/cisync/cisync/pkg/config"
	"github.com/cisync/cisync/pkg/engine"
	"github.com/cisync/cisync/pkg/errors"
	"github.com/cisync/cisync/pkg/logger"
	"github.com/cisync/cisync/pkg/notify"
	"github.com/cisync/cisync/pkg/observability"
	"github.com/cisync/cisync/pkg/retry"
	"github.com/cisync/cisync/pkg/sink"
	"github.com/cisync/cisync/pkg/transfer"
)

// Purge describes an optional stale-row cleanup executed before the
// fetch-load stage.
type Purge struct {
	Table  string
	Column string
	Prefix string
}

// Merge describes a staged-table merge executed after the fetch-load stage,
// once the staging table holds the run's full load.
type Merge struct {
	Staging   string
	Target    string
	KeyColumn string
}

// Options configures one run.
type Options struct {
	RunGroup      string
	MaxIterations int
	RunTimeout    time.Duration

	// Purges to execute before the fetch-load stage.
	Purges []Purge

	// Merges to execute after the fetch-load stage.
	Merges []Merge

	// Attachments are file paths appended to the outcome notification,
	// typically the run's log file.
	Attachments []string

	// TransferDirection selects the handshake stage: "download", "upload",
	// or "" to skip it.
	TransferDirection string

	// FailFast aborts the run on the first endpoint failure instead of
	// degrading and continuing with siblings.
	FailFast bool
}

// EndpointReport records one endpoint's outcome for the notification digest.
type EndpointReport struct {
	Table   string
	Outcome engine.Outcome
	Rows    int64
	Cursor  int
	Err     error
}

// RunReport aggregates everything the notification needs.
type RunReport struct {
	RunID     string
	Tenant    string
	Started   time.Time
	Duration  time.Duration
	Endpoints []EndpointReport
	Transfer  *transfer.Report
	Err       error
}

// Succeeded reports whether every stage completed without failure.
func (r *RunReport) Succeeded() bool {
	if r.Err != nil {
		return false
	}
	for _, e := range r.Endpoints {
		if e.Outcome == engine.OutcomeFailed {
			return false
		}
	}
	return true
}

// Degraded reports whether the run succeeded with anomalies (ceiling trips).
func (r *RunReport) Degraded() bool {
	for _, e := range r.Endpoints {
		if e.Outcome != engine.OutcomeDone {
			return true
		}
	}
	return false
}

// Runner executes tenant runs.
type Runner struct {
	store    sink.Sink
	notifier notify.Notifier
	logger   *zap.Logger

	// dialSFTP is swappable for tests.
	dialSFTP func(transfer.SFTPConfig) (transfer.RemoteFS, error)
}

// NewRunner creates a runner over an already-connected sink.
func NewRunner(store sink.Sink, notifier notify.Notifier, log *zap.Logger) *Runner {
	return &Runner{
		store:    store,
		notifier: notifier,
		logger:   log.With(zap.String("component", "runner")),
		dialSFTP: transfer.DialSFTP,
	}
}

// Run executes one tenant run under the run-wide deadline and always sends
// the outcome notification, attaching whatever completed.
func (r *Runner) Run(ctx context.Context, tenant *config.Tenant, opts Options) *RunReport {
	if opts.RunTimeout <= 0 {
		opts.RunTimeout = 30 * time.Minute
	}

	report := &RunReport{
		RunID:   uuid.NewString(),
		Tenant:  tenant.Code,
		Started: time.Now(),
	}

	ctx = context.WithValue(ctx, logger.RunIDKey, report.RunID)
	ctx = context.WithValue(ctx, logger.TenantKey, tenant.Code)
	ctx, cancel := context.WithTimeout(ctx, opts.RunTimeout)
	defer cancel()

	ctx, span := observability.StartSpan(ctx, "pipeline.run")
	defer span.End()

	log := logger.WithContext(ctx, r.logger)
	log.Info("run started", zap.String("run_group", opts.RunGroup))

	report.Err = r.execute(ctx, tenant, opts, report, log)
	report.Duration = time.Since(report.Started)

	if err := r.notify(ctx, tenant, report, opts.Attachments); err != nil {
		log.Error("failed to send run notification", zap.Error(err))
	}

	log.Info("run finished",
		zap.Bool("success", report.Succeeded()),
		zap.Duration("duration", report.Duration))
	return report
}

func (r *Runner) execute(ctx context.Context, tenant *config.Tenant, opts Options, report *RunReport, log *zap.Logger) error {
	for _, purge := range opts.Purges {
		rows, err := r.store.PurgePrefix(ctx, purge.Table, purge.Column, purge.Prefix)
		if err != nil {
			return err
		}
		log.Info("stale rows purged",
			zap.String("table", purge.Table),
			zap.Int64("rows", rows))
	}

	endpoints, err := r.store.Endpoints(ctx, opts.RunGroup)
	if err != nil {
		return err
	}

	httpClient := clients.NewHTTPClient(nil, log)
	defer func() { _ = httpClient.Close() }()
	policy := retry.New(log)
	tokens := clients.NewTokenManager(tenant, httpClient, policy, log)
	eng := engine.New(httpClient, tokens, policy, r.store, tenant, opts.MaxIterations, log)

	// Endpoints run sequentially: table-load order matters and the shared
	// sink must not be overwhelmed.
	for _, ep := range endpoints {
		if err := ctx.Err(); err != nil {
			return errors.Wrap(err, errors.ErrorTypeTimeout, "run deadline elapsed before endpoint").
				WithDetail("table", ep.Table)
		}

		result, err := eng.Sync(ctx, ep)
		report.Endpoints = append(report.Endpoints, EndpointReport{
			Table:   result.Table,
			Outcome: result.Outcome,
			Rows:    result.Rows,
			Cursor:  result.Cursor,
			Err:     err,
		})
		if err != nil {
			log.Error("endpoint failed",
				zap.String("table", ep.Table),
				zap.Error(err))
			if opts.FailFast {
				return err
			}
		}
	}

	total, failed := httpClient.Stats()
	log.Info("fetch-load stage finished",
		zap.Int64("api_requests", total),
		zap.Int64("api_failures", failed))

	for _, merge := range opts.Merges {
		rows, err := r.store.MergeStaging(ctx, merge.Staging, merge.Target, merge.KeyColumn)
		if err != nil {
			return err
		}
		log.Info("staging merged",
			zap.String("staging", merge.Staging),
			zap.String("target", merge.Target),
			zap.Int64("rows", rows))
	}

	if opts.TransferDirection != "" {
		transferReport, err := r.runTransfer(ctx, tenant, opts.TransferDirection, log)
		report.Transfer = transferReport
		if err != nil {
			return err
		}
	}

	return nil
}

func (r *Runner) runTransfer(ctx context.Context, tenant *config.Tenant, direction string, log *zap.Logger) (*transfer.Report, error) {
	fs, err := r.dialSFTP(transfer.SFTPConfig{
		Host:     tenant.SFTPHost,
		Port:     tenant.SFTPPort,
		User:     tenant.SFTPUser,
		Password: tenant.SFTPPassword,
	})
	if err != nil {
		return nil, err
	}
	defer func() { _ = fs.Close() }()

	cycle := transfer.NewCycle(fs, tenant, log)
	switch direction {
	case "download":
		return cycle.Download(ctx)
	case "upload":
		return cycle.Upload(ctx)
	default:
		return nil, errors.New(errors.ErrorTypeConfig, "unknown transfer direction").
			WithDetail("direction", direction)
	}
}

// notify sends the single success/failure judgment for the run.
func (r *Runner) notify(ctx context.Context, tenant *config.Tenant, report *RunReport, attachments []string) error {
	severity := notify.SeverityInfo
	verdict := "succeeded"
	switch {
	case !report.Succeeded():
		severity = notify.SeverityError
		verdict = "failed"
	case report.Degraded():
		severity = notify.SeverityWarning
		verdict = "succeeded with warnings"
	}

	// Notification must go out even when the run deadline consumed the
	// parent context.
	notifyCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Minute)
	defer cancel()

	return r.notifier.Notify(notifyCtx, notify.Message{
		Recipients:  tenant.NotifyRecipients,
		Subject:     fmt.Sprintf("[cisync] %s run %s", tenant.Code, verdict),
		HTMLBody:    renderDigest(report, verdict),
		Attachments: attachments,
		Severity:    severity,
	})
}

// renderDigest builds the HTML outcome summary for the notification body.
func renderDigest(report *RunReport, verdict string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "<h3>Run %s %s</h3>", report.RunID, verdict)
	fmt.Fprintf(&b, "<p>Tenant %s, duration %s</p>", report.Tenant, report.Duration.Round(time.Second))
	if report.Err != nil {
		fmt.Fprintf(&b, "<p>Run error: %v</p>", report.Err)
	}

	b.WriteString("<ul>")
	for _, e := range report.Endpoints {
		if e.Err != nil {
			fmt.Fprintf(&b, "<li>%s: %s (%v)</li>", e.Table, e.Outcome, e.Err)
			continue
		}
		fmt.Fprintf(&b, "<li>%s: %s, %d rows</li>", e.Table, e.Outcome, e.Rows)
	}
	b.WriteString("</ul>")

	if report.Transfer != nil {
		fmt.Fprintf(&b, "<p>Transfer (%s): %d files</p>",
			report.Transfer.Direction, len(report.Transfer.Files))
	}
	return b.String()
}
