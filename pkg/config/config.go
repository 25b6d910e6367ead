// Package config defines the configuration records driving one tenant run:
// the process-level settings loaded from file/environment and the per-tenant
// access descriptor loaded from the catalog. Descriptors are immutable for
// the duration of a run and passed by reference into every component.
package config

import (
	"fmt"
	"time"
)

// Settings holds process-level configuration. It is loaded once at startup
// via Load and never mutated afterwards.
type Settings struct {
	// LogLevel controls the zap logger (debug, info, warn, error)
	LogLevel string `mapstructure:"log_level" yaml:"log_level"`
	// Development switches the logger to console encoding with color
	Development bool `mapstructure:"development" yaml:"development"`
	// LogFile, when set, duplicates log output into a per-process file that
	// is attached to the outcome notification
	LogFile string `mapstructure:"log_file" yaml:"log_file"`

	// ConnStringTemplate is the relational sink connection string with a %s
	// placeholder for the tenant catalog name
	ConnStringTemplate string `mapstructure:"conn_string_template" yaml:"conn_string_template"`
	// CatalogPrefix prefixes the catalog tables (<prefix>_API_LIST etc.)
	CatalogPrefix string `mapstructure:"catalog_prefix" yaml:"catalog_prefix"`
	// RunGroup selects which endpoint descriptors participate in a run
	RunGroup string `mapstructure:"run_group" yaml:"run_group"`

	// RunTimeout bounds the whole multi-endpoint run
	RunTimeout time.Duration `mapstructure:"run_timeout" yaml:"run_timeout"`
	// MaxIterations is the pagination safety ceiling per endpoint
	MaxIterations int `mapstructure:"max_iterations" yaml:"max_iterations"`

	SMTP SMTPSettings `mapstructure:"smtp" yaml:"smtp"`
}

// SMTPSettings configures the outbound notification channel.
type SMTPSettings struct {
	Host     string `mapstructure:"host" yaml:"host"`
	Port     int    `mapstructure:"port" yaml:"port"`
	Username string `mapstructure:"username" yaml:"username"`
	Password string `mapstructure:"password" yaml:"password"`
	From     string `mapstructure:"from" yaml:"from"`
}

// Validate checks required settings and applies defaults.
func (s *Settings) Validate() error {
	if s.ConnStringTemplate == "" {
		return fmt.Errorf("conn_string_template is required")
	}
	if s.CatalogPrefix == "" {
		return fmt.Errorf("catalog_prefix is required")
	}
	if s.LogLevel == "" {
		s.LogLevel = "info"
	}
	if s.RunTimeout <= 0 {
		s.RunTimeout = 30 * time.Minute
	}
	if s.MaxIterations <= 0 {
		s.MaxIterations = 100
	}
	return nil
}

// Tenant is the per-run access descriptor: one catalog row per tenant code
// holding every credential and path the pipeline needs. Loaded once per run,
// never mutated after load.
type Tenant struct {
	Code string `json:"code"`

	// Remote API access
	APIBaseURL   string `json:"api_base_url"`
	TokenURL     string `json:"token_url"`
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
	Scope        string `json:"scope"`
	GrantType    string `json:"grant_type"`

	// Remote file-transfer peer
	SFTPHost       string `json:"sftp_host"`
	SFTPPort       int    `json:"sftp_port"`
	SFTPUser       string `json:"sftp_user"`
	SFTPPassword   string `json:"sftp_password"`
	RemotePath     string `json:"remote_path"`
	LocalPath      string `json:"local_path"`
	TransferExt    string `json:"transfer_ext"`
	UploadPrefix   string `json:"upload_prefix"`
	UploadMainDir  string `json:"upload_main_dir"`
	UploadAltDir   string `json:"upload_alt_dir"`

	// Relational sink target catalog
	Catalog string `json:"catalog"`

	// DayOffset shifts the weekday used in filter substitution
	DayOffset int `json:"day_offset"`

	// Notification recipients for the run outcome
	NotifyRecipients []string `json:"notify_recipients"`
}

// Validate rejects tenants missing the fields every run needs.
func (t *Tenant) Validate() error {
	if t.Code == "" {
		return fmt.Errorf("tenant code is required")
	}
	if t.APIBaseURL == "" || t.TokenURL == "" {
		return fmt.Errorf("tenant %s: api_base_url and token_url are required", t.Code)
	}
	if t.ClientID == "" || t.ClientSecret == "" {
		return fmt.Errorf("tenant %s: client credentials are required", t.Code)
	}
	if t.Catalog == "" {
		return fmt.Errorf("tenant %s: catalog is required", t.Code)
	}
	if t.GrantType == "" {
		t.GrantType = "client_credentials"
	}
	return nil
}

// Endpoint describes one unit of synchronization work: a remote endpoint
// loaded into one target table through a filter template, one page at a time.
// Produced by the catalog lookup, consumed read-only by the engine.
type Endpoint struct {
	Table     string `json:"table"`
	Path      string `json:"path"`
	Filter    string `json:"filter"`
	PageSize  int    `json:"page_size"`
	Direction string `json:"direction"`
	RunGroup  string `json:"run_group"`
}

// Validate rejects descriptors the engine cannot drive.
func (e *Endpoint) Validate() error {
	if e.Table == "" || e.Path == "" {
		return fmt.Errorf("endpoint descriptor requires table and path")
	}
	if e.PageSize <= 0 {
		return fmt.Errorf("endpoint %s: page size must be positive", e.Table)
	}
	return nil
}
