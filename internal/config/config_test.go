package config

import (
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(viper.New())
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.AppPort)
	assert.Equal(t, "sqlite", cfg.DBDriver)
	assert.Equal(t, "IRR", cfg.Currency)
	assert.Equal(t, "none", cfg.EventsBroker)
	assert.Equal(t, uint(4), cfg.Retry.MaxAttempts)
	assert.Equal(t, 200*time.Millisecond, cfg.Retry.InitialInterval)
	assert.Equal(t, 2*time.Hour, cfg.Sweep.AbandonAfter)
	assert.False(t, cfg.Mellat.Enabled())
	assert.False(t, cfg.SnappPay.Enabled())
	assert.True(t, cfg.Wallet.Enabled)
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("EVENTS_BROKER", "Kafka")
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092,")
	t.Setenv("PUBLIC_BASE_URL", "https://shop.example/")
	t.Setenv("MELLAT_TERMINAL_ID", "1234")
	t.Setenv("MELLAT_USERNAME", "user")
	t.Setenv("MELLAT_PASSWORD", "pass")
	t.Setenv("SNAPPPAY_AUTO_SETTLE", "false")

	cfg, err := Load(viper.New())
	require.NoError(t, err)

	assert.Equal(t, "kafka", cfg.EventsBroker)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, "https://shop.example", cfg.PublicBaseURL)
	assert.True(t, cfg.Mellat.Enabled())
	assert.False(t, cfg.SnappPay.AutoSettle)
}

func TestValidateRejectsBadSettings(t *testing.T) {
	base, err := Load(viper.New())
	require.NoError(t, err)

	cases := map[string]func(c *Config){
		"driver":      func(c *Config) { c.DBDriver = "mysql" },
		"broker":      func(c *Config) { c.EventsBroker = "nats" },
		"lock":        func(c *Config) { c.LockBackend = "etcd" },
		"timeout":     func(c *Config) { c.GatewayTimeout = 0 },
		"attempts":    func(c *Config) { c.Retry.MaxAttempts = 0 },
		"multiplier":  func(c *Config) { c.Retry.Multiplier = 0.5 },
		"sweep":       func(c *Config) { c.Sweep.AbandonAfter = time.Minute },
		"batch":       func(c *Config) { c.Sweep.BatchSize = 0 },
		"shipping":    func(c *Config) { c.Shipping.FlatRate = -1 },
		"kafka-empty": func(c *Config) { c.EventsBroker = "kafka"; c.KafkaBrokers = nil },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := base
			mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
