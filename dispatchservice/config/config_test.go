// --- File: dispatchservice/config/config_test.go ---
package config_test

import (
	"io"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hailwave/go-dispatch-service/dispatchservice/config"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestUpdateConfigWithEnvOverrides(t *testing.T) {
	logger := newTestLogger()

	baseConfig := func() *config.Config {
		return &config.Config{
			ProjectID:          "base-project",
			ListenAddr:         ":8080",
			SubscriptionID:     "base-sub",
			NumPipelineWorkers: 2,
			Gateway: config.GatewayConfig{
				Kind:     "expo",
				ExpoHost: "https://exp.host",
			},
		}
	}

	t.Run("Success - All overrides applied", func(t *testing.T) {
		cfg := baseConfig()

		t.Setenv("PROJECT_ID", "env-project")
		t.Setenv("PORT", "9090")
		t.Setenv("SUBSCRIPTION_ID", "env-sub")

		t.Setenv("GATEWAY_KIND", "web")
		t.Setenv("EXPO_HOST", "https://push.example.com")
		t.Setenv("EXPO_ACCESS_TOKEN", "env-token")

		t.Setenv("DEFAULT_K", "9")
		t.Setenv("FRESHNESS_WINDOW", "3m")
		t.Setenv("TICKET_TTL", "12h")

		t.Setenv("VAPID_PUBLIC_KEY", "env-pub")
		t.Setenv("VAPID_PRIVATE_KEY", "env-priv")
		t.Setenv("VAPID_SUB_EMAIL", "env@test.com")

		finalCfg, err := config.UpdateConfigWithEnvOverrides(cfg, logger)
		require.NoError(t, err)

		assert.Equal(t, "env-project", finalCfg.ProjectID)
		assert.Equal(t, ":9090", finalCfg.ListenAddr)
		assert.Equal(t, "env-sub", finalCfg.SubscriptionID)

		assert.Equal(t, "web", finalCfg.Gateway.Kind)
		assert.Equal(t, "https://push.example.com", finalCfg.Gateway.ExpoHost)
		assert.Equal(t, "env-token", finalCfg.Gateway.AccessToken)

		assert.Equal(t, 9, finalCfg.Selector.DefaultK)
		assert.Equal(t, 3*time.Minute, finalCfg.Selector.FreshnessWindow)
		assert.Equal(t, 12*time.Hour, finalCfg.Selector.TicketTTL)

		assert.Equal(t, "env-pub", finalCfg.Vapid.PublicKey)
		assert.Equal(t, "env-priv", finalCfg.Vapid.PrivateKey)
		assert.Equal(t, "env@test.com", finalCfg.Vapid.SubscriberEmail)
	})

	t.Run("Success - Defaults preserved and filled", func(t *testing.T) {
		cfg := baseConfig()
		finalCfg, err := config.UpdateConfigWithEnvOverrides(cfg, logger)
		require.NoError(t, err)

		assert.Equal(t, "base-project", finalCfg.ProjectID)
		assert.Equal(t, "expo", finalCfg.Gateway.Kind)
		assert.Equal(t, 5, finalCfg.Selector.DefaultK)
		assert.Equal(t, 10*time.Minute, finalCfg.Selector.FreshnessWindow)
	})

	t.Run("Validation Failure - Missing ProjectID", func(t *testing.T) {
		cfg := &config.Config{SubscriptionID: "sub"}
		os.Unsetenv("PROJECT_ID")
		_, err := config.UpdateConfigWithEnvOverrides(cfg, logger)
		assert.Error(t, err)
	})

	t.Run("Validation Failure - Unknown gateway kind", func(t *testing.T) {
		cfg := baseConfig()
		cfg.Gateway.Kind = "smoke-signals"
		_, err := config.UpdateConfigWithEnvOverrides(cfg, logger)
		assert.Error(t, err)
	})
}
