package config

import (
	"testing"
)

func validConfig() *Config {
	return &Config{
		Storage: StorageConfig{Path: "./cellarsight.db"},
		Scheduler: SchedulerConfig{
			Enabled:  true,
			Timezone: "America/Los_Angeles",
		},
	}
}

func TestValidateDefaults(t *testing.T) {
	t.Parallel()
	if err := validConfig().Validate(); err != nil {
		t.Fatalf("Validate() error: %v", err)
	}
}

func TestValidateRejects(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{name: "missing storage path", mutate: func(c *Config) { c.Storage.Path = "" }},
		{name: "bad timezone", mutate: func(c *Config) { c.Scheduler.Timezone = "Mars/Olympus" }},
		{name: "sub-second tick", mutate: func(c *Config) { c.Scheduler.TickInterval = "100ms" }},
		{name: "window below 3x tick", mutate: func(c *Config) {
			c.Scheduler.TickInterval = "10s"
			c.Scheduler.SuppressionWindow = "20s"
		}},
		{name: "bad dispatch interval", mutate: func(c *Config) { c.Dispatch.SMSInterval = "fast" }},
		{name: "bad channel url", mutate: func(c *Config) { c.Channels.SMSGatewayURL = "not a url" }},
		{name: "ftp channel url", mutate: func(c *Config) { c.Channels.EmailRelayURL = "ftp://relay.local" }},
		{name: "alerts without token", mutate: func(c *Config) {
			c.Alerts.Enabled = true
			c.Alerts.ChatID = 42
		}},
		{name: "alerts without chat id", mutate: func(c *Config) {
			c.Alerts.Enabled = true
			c.Alerts.TelegramToken = "x"
		}},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestValidateWindowScalesWithTick(t *testing.T) {
	t.Parallel()
	cfg := validConfig()
	cfg.Scheduler.TickInterval = "30s"
	cfg.Scheduler.SuppressionWindow = "2m"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() error: %v", err)
	}
}
