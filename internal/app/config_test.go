package app

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/progami/WMS-EcomOS-sub000/internal/ledger"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig()
	require.NoError(t, err)
	require.Equal(t, ":8080", cfg.AppAddr)
	require.Equal(t, "0 2 * * 0", cfg.StorageCostCron)
	require.Equal(t, 720*time.Hour, cfg.IdempotencyRetention)
	require.Equal(t, ledger.OrderFIFO, cfg.Allocation())
	require.False(t, cfg.IsProduction())
}

func TestLoadConfigOverrides(t *testing.T) {
	t.Setenv("ALLOCATION_ORDER", "fefo")
	t.Setenv("APP_ENV", "production")
	t.Setenv("COST_RUN_PARALLELISM", "8")
	cfg, err := LoadConfig()
	require.NoError(t, err)
	require.Equal(t, ledger.OrderFEFO, cfg.Allocation())
	require.True(t, cfg.IsProduction())
	require.Equal(t, 8, cfg.CostRunParallelism)
}

func TestLoadConfigRejectsInvalidValues(t *testing.T) {
	cases := map[string]string{
		"ALLOCATION_ORDER":         "lifo",
		"STORAGE_COST_CRON":        "every sunday",
		"IDEMPOTENCY_CLEANUP_CRON": "61 * * * *",
		"RATE_LIMIT_PER_MINUTE":    "0",
	}
	for key, value := range cases {
		t.Run(key, func(t *testing.T) {
			t.Setenv(key, value)
			_, err := LoadConfig()
			require.Error(t, err)
		})
	}
}

func TestNewLoggerFormats(t *testing.T) {
	buf := new(bytes.Buffer)
	newLogger(&Config{LogFormat: "json", AppEnv: "staging"}, buf).Info("hello")
	require.Contains(t, buf.String(), `"env":"staging"`)
	require.Contains(t, buf.String(), `"msg":"hello"`)

	buf.Reset()
	newLogger(nil, buf).Info("hello")
	require.Contains(t, buf.String(), "msg=hello")
}

func TestInTestModeFollowsEnv(t *testing.T) {
	t.Setenv(testModeEnv, "1")
	RefreshTestMode()
	require.True(t, InTestMode())

	t.Setenv(testModeEnv, "0")
	RefreshTestMode()
	require.False(t, InTestMode())
}
