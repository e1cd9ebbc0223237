package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, BackendRedis, cfg.Backend)
	assert.Equal(t, 2*time.Second, cfg.Debounce)
	assert.Equal(t, 6, cfg.ThrottleLimit)
	assert.Equal(t, "[override]", cfg.OverrideToken)
	assert.True(t, cfg.SessionEndFailFast)
}

func TestLoad_FromEnvironment(t *testing.T) {
	t.Setenv("PROFILE_STORE_BACKEND", "badger")
	t.Setenv("PROFILE_STORE_DEBOUNCE", "500ms")
	t.Setenv("PROFILE_STORE_WRITE_ATTEMPTS", "3")
	t.Setenv("PROFILE_STORE_GUARD_MIN_BALANCE_RATIO", "0.25")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, BackendBadger, cfg.Backend)

	opts := cfg.ServiceOptions()
	assert.Equal(t, 500*time.Millisecond, opts.Cache.Debounce)
	assert.Equal(t, 3, opts.Writer.Retry.Attempts)
	assert.Equal(t, 0.25, opts.Guard.MinBalanceRatio)
	assert.Equal(t, 15*time.Second, opts.ForceSaveTimeout)
	assert.Equal(t, 10*time.Second, opts.Cache.LoadTimeout)

	bc := cfg.BackendConfig(nil)
	assert.Equal(t, "badger", bc.Kind)
	assert.Equal(t, "data/profiles", bc.BadgerPath)
}

func TestLoad_Invalid(t *testing.T) {
	tests := map[string]map[string]string{
		"unknown backend":   {"PROFILE_STORE_BACKEND": "cassandra"},
		"zero attempts":     {"PROFILE_STORE_WRITE_ATTEMPTS": "0"},
		"ratio above one":   {"PROFILE_STORE_GUARD_MIN_BALANCE_RATIO": "1.5"},
		"debounce over max": {"PROFILE_STORE_DEBOUNCE": "30s"},
		"bad duration":      {"PROFILE_STORE_SWEEP_INTERVAL": "soon"},
	}
	for name, vars := range tests {
		t.Run(name, func(t *testing.T) {
			for k, v := range vars {
				t.Setenv(k, v)
			}
			_, err := Load()
			assert.Error(t, err)
		})
	}
}
