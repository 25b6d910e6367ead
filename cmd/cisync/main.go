package main

import (
	"context"
	"fmt"
	"os"
	"runtime"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/cisync/cisync/internal/pipeline"
	"github.com/cisync/cisync/pkg/config"
	"github.com/cisync/cisync/pkg/logger"
	"github.com/cisync/cisync/pkg/notify"
	"github.com/cisync/cisync/pkg/observability"
	"github.com/cisync/cisync/pkg/sink"
)

var version = "0.1.0"

func main() {
	root := &cobra.Command{
		Use:   "cisync",
		Short: "cisync - tenant record synchronization pipeline",
		Long: `cisync moves business records between a relational store, a paginated
remote API, and an SFTP-reachable ERP peer, one tenant run at a time.`,
	}

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("cisync v%s\n", version)
			fmt.Printf("Go version: %s\n", runtime.Version())
			fmt.Printf("OS/Arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
		},
	})

	var configFile, tenantCode, transferDirection string
	var dryRun, enableTracing bool

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run one tenant synchronization",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configFile, tenantCode, transferDirection, dryRun, enableTracing)
		},
	}
	runCmd.Flags().StringVarP(&configFile, "config", "c", "", "Path to the settings file")
	runCmd.Flags().StringVarP(&tenantCode, "tenant", "t", "", "Tenant code to synchronize (required)")
	runCmd.Flags().StringVar(&transferDirection, "transfer", "", "Handshake transfer stage: download or upload")
	runCmd.Flags().BoolVar(&dryRun, "dry-run", false, "Log the outcome notification instead of sending it")
	runCmd.Flags().BoolVar(&enableTracing, "trace", false, "Emit OpenTelemetry spans to stdout")
	_ = runCmd.MarkFlagRequired("tenant")
	root.AddCommand(runCmd)

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(configFile, tenantCode, transferDirection string, dryRun, enableTracing bool) error {
	settings, err := config.Load(configFile)
	if err != nil {
		return err
	}

	outputs := []string{"stdout"}
	var attachments []string
	if settings.LogFile != "" {
		outputs = append(outputs, settings.LogFile)
		attachments = append(attachments, settings.LogFile)
	}

	if err := logger.Init(logger.Config{
		Level:       settings.LogLevel,
		Development: settings.Development,
		Encoding:    "json",
		OutputPaths: outputs,
	}); err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()
	log := logger.Get()

	ctx := context.Background()

	shutdownTracing, err := observability.InitTracing(ctx, enableTracing)
	if err != nil {
		return err
	}
	defer func() { _ = shutdownTracing(ctx) }()

	store, err := sink.NewPostgres(ctx, settings.ConnString(tenantCode), settings.CatalogPrefix, log)
	if err != nil {
		return err
	}

	tenant, err := store.Tenant(ctx, tenantCode)
	if err != nil {
		store.Close()
		return err
	}

	// The tenant row names its own sink catalog; reconnect there when it
	// differs from the lookup catalog.
	if tenant.Catalog != tenantCode {
		store.Close()
		store, err = sink.NewPostgres(ctx, settings.ConnString(tenant.Catalog), settings.CatalogPrefix, log)
		if err != nil {
			return err
		}
	}
	defer store.Close()

	var notifier notify.Notifier
	if dryRun {
		notifier = &notify.LogNotifier{Logger: log}
	} else {
		notifier = notify.NewSMTP(settings.SMTP, log)
	}

	runner := pipeline.NewRunner(store, notifier, log)
	report := runner.Run(ctx, tenant, pipeline.Options{
		RunGroup:          settings.RunGroup,
		MaxIterations:     settings.MaxIterations,
		RunTimeout:        settings.RunTimeout,
		TransferDirection: transferDirection,
		Attachments:       attachments,
	})

	if !report.Succeeded() {
		log.Error("run failed", zap.String("run_id", report.RunID))
		return fmt.Errorf("run %s failed", report.RunID)
	}
	return nil
}
