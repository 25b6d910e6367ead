package transfer

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/cisync/cisync/pkg/config"
	"github.com/cisync/cisync/pkg/errors"
	"github.com/cisync/cisync/pkg/logger"
	"github.com/cisync/cisync/pkg/metrics"
	"github.com/cisync/cisync/pkg/observability"
)

// Sentinel marker file names, fixed by protocol convention with the peer.
const (
	// MarkerPeerReady is owned by the ERP peer and signals its batch is
	// complete and readable.
	MarkerPeerReady = "ReadyERP"
	// MarkerClaim is owned by this side and signals a transfer has begun.
	MarkerClaim = "WaitCIS"
	// MarkerDone is owned by this side and signals the transfer completed.
	MarkerDone = "ReadyCIS"
)

const (
	defaultPollInterval = 2 * time.Second
	defaultReadyTimeout = 600 * time.Second
)

// Report summarizes one transfer cycle.
type Report struct {
	Direction string
	Files     []string
}

// Cycle coordinates one handshake-protected batch exchange with the remote
// peer. The sentinel markers form a coarse two-phase signal, not a
// transactional protocol: errors after the claim are logged and surfaced as
// a transfer-failure outcome with no rollback of partially-moved files.
type Cycle struct {
	fs     RemoteFS
	tenant *config.Tenant
	logger *zap.Logger

	pollInterval time.Duration
	readyTimeout time.Duration
	sleep        func(time.Duration)
	now          func() time.Time
}

// NewCycle creates a transfer cycle for one tenant run.
func NewCycle(fs RemoteFS, tenant *config.Tenant, logger *zap.Logger) *Cycle {
	return &Cycle{
		fs:           fs,
		tenant:       tenant,
		logger:       logger.With(zap.String("component", "transfer")),
		pollInterval: defaultPollInterval,
		readyTimeout: defaultReadyTimeout,
		sleep:        time.Sleep,
		now:          time.Now,
	}
}

// Download runs a full download cycle: wait for the peer's ready marker,
// claim, fetch every matching remote file, release.
//
// Each remote file is deleted immediately after its successful download. A
// failure between download and delete can duplicate that file on a later
// run; this at-most-once gap is an accepted tradeoff of the protocol.
func (c *Cycle) Download(ctx context.Context) (*Report, error) {
	return c.run(ctx, "download", c.downloadFiles)
}

// Upload runs a full upload cycle: wait for the peer's ready marker, claim,
// push the local batch, release.
func (c *Cycle) Upload(ctx context.Context) (*Report, error) {
	return c.run(ctx, "upload", c.uploadFiles)
}

// run executes the four handshake steps. Any error inside claim, transfer,
// or release is caught here, logged, and converted into a transfer-failure
// outcome for the run.
func (c *Cycle) run(ctx context.Context, direction string, bulk func(context.Context, *Report) error) (*Report, error) {
	ctx, span := observability.StartSpan(ctx, "transfer."+direction)
	defer span.End()

	log := logger.WithContext(ctx, c.logger)
	report := &Report{Direction: direction}

	// Step 1: the peer's absence beyond the timeout means it is not ready,
	// not a transient blip. Fatal for this cycle, never retried.
	if err := c.waitForReady(ctx); err != nil {
		return report, err
	}

	err := func() error {
		if err := c.claim(ctx); err != nil {
			return err
		}
		if err := bulk(ctx, report); err != nil {
			return err
		}
		return c.release(ctx)
	}()
	if err != nil {
		log.Error("transfer cycle failed",
			zap.String("direction", direction),
			zap.Int("files_moved", len(report.Files)),
			zap.Error(err))
		return report, errors.Wrap(err, errors.ErrorTypeFile, "transfer cycle failed")
	}

	log.Info("transfer cycle completed",
		zap.String("direction", direction),
		zap.Int("files", len(report.Files)))
	return report, nil
}

// waitForReady polls for the peer-owned ready marker.
func (c *Cycle) waitForReady(ctx context.Context) error {
	marker := remoteJoin(c.tenant.RemotePath, MarkerPeerReady)
	deadline := c.now().Add(c.readyTimeout)

	for {
		ok, err := c.fs.Exists(ctx, marker)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		if c.now().After(deadline) {
			return errors.New(errors.ErrorTypeProtocol, "peer ready marker never appeared").
				WithDetail("marker", marker).
				WithDetail("timeout", c.readyTimeout.String())
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		c.sleep(c.pollInterval)
	}
}

// claim uploads the locally-owned waiting marker.
func (c *Cycle) claim(ctx context.Context) error {
	local := filepath.Join(c.tenant.LocalPath, MarkerClaim)
	if err := touch(local); err != nil {
		return err
	}
	remote := remoteJoin(c.tenant.RemotePath, MarkerClaim)
	return c.withRetry("claim_marker", func() error {
		return c.fs.Upload(ctx, local, remote)
	})
}

// downloadFiles lists the remote directory and fetches every file with the
// expected extension, deleting each remote file after a successful download.
func (c *Cycle) downloadFiles(ctx context.Context, report *Report) error {
	names, err := c.fs.List(ctx, c.tenant.RemotePath)
	if err != nil {
		return err
	}

	for _, name := range names {
		if !strings.EqualFold(filepath.Ext(name), c.tenant.TransferExt) {
			continue
		}

		remote := remoteJoin(c.tenant.RemotePath, name)
		local := filepath.Join(c.tenant.LocalPath, name)

		if err := c.withRetry("download "+name, func() error {
			return c.fs.Download(ctx, remote, local)
		}); err != nil {
			return err
		}
		if err := c.fs.Delete(ctx, remote); err != nil {
			return err
		}

		report.Files = append(report.Files, name)
		metrics.TransferredFiles.WithLabelValues("download").Inc()
	}
	return nil
}

// uploadFiles enumerates local files under the date-stamped batch directory
// and routes each to one of two remote subdirectories based on the filename
// prefix rule.
func (c *Cycle) uploadFiles(ctx context.Context, report *Report) error {
	batchDir := filepath.Join(c.tenant.LocalPath, c.now().Format("20060102"))
	entries, err := os.ReadDir(batchDir)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeFile, "failed to read batch directory").
			WithDetail("dir", batchDir)
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()

		subdir := c.tenant.UploadMainDir
		if c.tenant.UploadPrefix != "" && strings.HasPrefix(name, c.tenant.UploadPrefix) {
			subdir = c.tenant.UploadAltDir
		}

		local := filepath.Join(batchDir, name)
		remote := remoteJoin(c.tenant.RemotePath, subdir, name)

		if err := c.withRetry("upload "+name, func() error {
			return c.fs.Upload(ctx, local, remote)
		}); err != nil {
			return err
		}

		report.Files = append(report.Files, name)
		metrics.TransferredFiles.WithLabelValues("upload").Inc()
	}
	return nil
}

// release removes the local waiting marker and signals completion to the
// peer.
func (c *Cycle) release(ctx context.Context) error {
	localClaim := filepath.Join(c.tenant.LocalPath, MarkerClaim)
	if _, err := os.Stat(localClaim); err == nil {
		if err := os.Remove(localClaim); err != nil {
			return errors.Wrap(err, errors.ErrorTypeFile, "failed to remove local claim marker")
		}
	}

	localDone := filepath.Join(c.tenant.LocalPath, MarkerDone)
	if err := touch(localDone); err != nil {
		return err
	}
	remote := remoteJoin(c.tenant.RemotePath, MarkerDone)
	return c.withRetry("done_marker", func() error {
		return c.fs.Upload(ctx, localDone, remote)
	})
}

// touch creates an empty marker file, truncating any stale copy.
func touch(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeFile, "failed to create marker file").
			WithDetail("path", path)
	}
	return f.Close()
}
