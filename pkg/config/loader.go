package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Load reads process settings from the given file (optional) plus CISYNC_*
// environment variables and validates the result.
func Load(path string) (*Settings, error) {
	v := viper.New()

	v.SetDefault("log_level", "info")
	v.SetDefault("run_timeout", "30m")
	v.SetDefault("max_iterations", 100)
	v.SetDefault("smtp.port", 587)

	v.SetEnvPrefix("CISYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	var settings Settings
	if err := v.Unmarshal(&settings); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := settings.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &settings, nil
}

// ConnString substitutes the tenant catalog into the connection string
// template.
func (s *Settings) ConnString(catalog string) string {
	return fmt.Sprintf(s.ConnStringTemplate, catalog)
}
