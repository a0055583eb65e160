package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse_Defaults(t *testing.T) {
	cfg, err := Parse(map[string]string{})
	require.NoError(t, err)

	assert.Equal(t, "development", cfg.Environment)
	assert.Equal(t, DriverSQLite, cfg.DatabaseDriver)
	assert.Equal(t, "escrow.db", cfg.DatabaseURL)
	assert.Equal(t, ":8080", cfg.APIAddr)
	assert.Equal(t, 7*24*time.Hour, cfg.SettlementWindow)
	assert.Equal(t, 10*time.Second, cfg.TxTimeout)

	p := cfg.Policy()
	assert.Equal(t, 72.0, p.SLAHours)
	assert.Equal(t, 48.0, p.PODHours)
	assert.Equal(t, 14*24*time.Hour, p.ReturnWindow)

	_, ok := cfg.Mail()
	assert.False(t, ok)
}

func TestParse_Overrides(t *testing.T) {
	cfg, err := Parse(map[string]string{
		"DATABASE_DRIVER":           "postgres",
		"DATABASE_URL":              "postgres://escrow@localhost/escrow",
		"API_ADMIN_ALLOWLIST":       "10.0.0.0/8,192.168.0.1",
		"POLICY_RETURN_WINDOW_DAYS": "30",
		"SWEEP_INTERVAL":            "30s",
		"LOG_LEVEL":                 "debug",
		"SMTP_HOST":                 "smtp.example.com",
		"NOTIFY_FROM":               "disputes@example.com",
		"NOTIFY_TO":                 "ops@example.com,finance@example.com",
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"10.0.0.0/8", "192.168.0.1"}, cfg.AdminAllowlist)
	assert.Equal(t, 30*24*time.Hour, cfg.Policy().ReturnWindow)
	assert.Equal(t, 30*time.Second, cfg.SweepInterval)

	lvl, err := cfg.SlogLevel()
	require.NoError(t, err)
	assert.Equal(t, "DEBUG", lvl.String())

	mail, ok := cfg.Mail()
	require.True(t, ok)
	assert.Equal(t, 587, mail.Port)
	assert.Len(t, mail.To, 2)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		environ map[string]string
		wantErr string
	}{
		{"unknown driver", map[string]string{"DATABASE_DRIVER": "mysql"}, "DATABASE_DRIVER"},
		{"postgres without url", map[string]string{"DATABASE_DRIVER": "postgres"}, "DATABASE_URL"},
		{"production on sqlite", map[string]string{"APP_ENV": "production", "REDIS_ADDR": "redis:6379"}, "requires DATABASE_DRIVER=postgres"},
		{"staging without redis", map[string]string{"APP_ENV": "staging", "DATABASE_DRIVER": "postgres", "DATABASE_URL": "postgres://x"}, "requires REDIS_ADDR"},
		{"bad log level", map[string]string{"LOG_LEVEL": "loud"}, "LOG_LEVEL"},
		{"mail without recipients", map[string]string{"SMTP_HOST": "smtp.example.com"}, "NOTIFY_TO"},
		{"zero sweep concurrency", map[string]string{"SWEEP_CONCURRENCY": "0"}, "SWEEP_CONCURRENCY"},
		{"negative policy", map[string]string{"POLICY_SLA_HOURS": "-1"}, "policy thresholds"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.environ)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestParse_BadValue(t *testing.T) {
	_, err := Parse(map[string]string{"TX_TIMEOUT": "soon"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse env")
}

func TestLoad_DotEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.env")
	require.NoError(t, os.WriteFile(path, []byte("ESCROW_CONFIG_TEST_PROBE=from-file\n"), 0o600))
	t.Setenv("ESCROW_CONFIG_TEST_PROBE", "")
	require.NoError(t, os.Unsetenv("ESCROW_CONFIG_TEST_PROBE"))

	_, err := Load(path)
	if err != nil {
		// The surrounding environment may carry unrelated invalid settings;
		// only the dotenv step is under test here.
		assert.NotContains(t, err.Error(), "load dotenv")
	}
	assert.Equal(t, "from-file", os.Getenv("ESCROW_CONFIG_TEST_PROBE"))

	_, err = Load(filepath.Join(t.TempDir(), "missing.env"))
	if err != nil {
		assert.NotContains(t, err.Error(), "load dotenv")
	}
}
