package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cisync.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
log_level: debug
log_file: /var/log/cisync/run.log
conn_string_template: "postgres://cis@db:5432/%s"
catalog_prefix: CIS
run_group: nightly
run_timeout: 10m
smtp:
  host: mail.example.com
  from: cisync@example.com
`), 0o600))

	settings, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "debug", settings.LogLevel)
	assert.Equal(t, "/var/log/cisync/run.log", settings.LogFile)
	assert.Equal(t, "CIS", settings.CatalogPrefix)
	assert.Equal(t, "nightly", settings.RunGroup)
	assert.Equal(t, 10*time.Minute, settings.RunTimeout)
	assert.Equal(t, 100, settings.MaxIterations, "ceiling defaults when unset")
	assert.Equal(t, "mail.example.com", settings.SMTP.Host)
	assert.Equal(t, 587, settings.SMTP.Port, "smtp port defaults when unset")
}

func TestLoadRejectsMissingTemplate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cisync.yaml")
	require.NoError(t, os.WriteFile(path, []byte("catalog_prefix: CIS\n"), 0o600))

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "conn_string_template")
}

func TestConnString(t *testing.T) {
	s := &Settings{ConnStringTemplate: "postgres://cis@db:5432/%s"}
	assert.Equal(t, "postgres://cis@db:5432/TENANT1", s.ConnString("TENANT1"))
}

func TestSettingsValidateDefaults(t *testing.T) {
	s := &Settings{ConnStringTemplate: "postgres://db/%s", CatalogPrefix: "CIS"}
	require.NoError(t, s.Validate())
	assert.Equal(t, "info", s.LogLevel)
	assert.Equal(t, 30*time.Minute, s.RunTimeout)
	assert.Equal(t, 100, s.MaxIterations)
}

func TestTenantValidate(t *testing.T) {
	tenant := &Tenant{
		Code:         "DEMO",
		APIBaseURL:   "https://api.example.com",
		TokenURL:     "https://login.example.com/token",
		ClientID:     "client",
		ClientSecret: "secret",
		Catalog:      "DEMO_DB",
	}
	require.NoError(t, tenant.Validate())
	assert.Equal(t, "client_credentials", tenant.GrantType, "grant type defaults")

	missing := &Tenant{Code: "DEMO", APIBaseURL: "https://api.example.com"}
	require.Error(t, missing.Validate())
}

func TestEndpointValidate(t *testing.T) {
	ep := &Endpoint{Table: "ORDERS", Path: "/orders", PageSize: 50}
	require.NoError(t, ep.Validate())

	require.Error(t, (&Endpoint{Path: "/orders", PageSize: 50}).Validate())
	require.Error(t, (&Endpoint{Table: "ORDERS", Path: "/orders"}).Validate())
}
