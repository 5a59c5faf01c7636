package config

import (
	"errors"
	"fmt"
	"net/url"
	"time"
)

type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Dispatch  DispatchConfig  `json:"dispatch"`
	Channels  ChannelsConfig  `json:"channels"`
	Storage   StorageConfig   `json:"storage"`
	Tracker   TrackerConfig   `json:"tracker,omitempty"`
	Health    HealthConfig    `json:"health,omitempty"`
	Alerts    AlertsConfig    `json:"alerts,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// SchedulerConfig controls the recurring-work trigger loop.
//
// All durations are Go duration strings (e.g. "10s", "5m").
//
// Defaults (when fields are omitted/zero):
//   - timezone: "UTC"
//   - tick_interval: "10s"
//   - suppression_window: "30m"
//   - retry_backoff: "5m"
type SchedulerConfig struct {
	Enabled bool `json:"enabled"`

	// Timezone is the IANA zone all schedule times are interpreted in.
	Timezone string `json:"timezone,omitempty"`

	TickInterval      string `json:"tick_interval,omitempty"`
	SuppressionWindow string `json:"suppression_window,omitempty"`

	// RetryBackoff is how long a failed poll pass defers the next attempt.
	RetryBackoff string `json:"retry_backoff,omitempty"`

	// Jobs are the fixed daily heavyweight jobs (report generation runs).
	Jobs []SchedulerJob `json:"jobs,omitempty"`
}

// SchedulerJob is a fixed daily trigger for one heavyweight job type.
// The command is the external report generator; its output schema is the
// portal's concern.
type SchedulerJob struct {
	Name    string   `json:"name"`
	Time    string   `json:"time"` // "HH:MM" in the scheduler timezone
	Command string   `json:"command"`
	Args    []string `json:"args,omitempty"`
}

// DispatchConfig controls per-queue outbound pacing.
//
// Each interval is the minimum spacing between operation starts on that
// queue. Concurrency within a queue is always 1.
//
// Defaults:
//   - sms_interval: "1s"
//   - email_interval: "500ms"
//   - aigen_interval: "3s"
//   - queue_size: 256
type DispatchConfig struct {
	SMSInterval   string `json:"sms_interval,omitempty"`
	EmailInterval string `json:"email_interval,omitempty"`
	AIGenInterval string `json:"aigen_interval,omitempty"`
	QueueSize     int    `json:"queue_size,omitempty"`
}

// ChannelsConfig holds the outbound delivery endpoints.
//
// Secrets are used to sign request bodies (HMAC-SHA256); do not log them.
type ChannelsConfig struct {
	SMSGatewayURL    string `json:"sms_gateway_url,omitempty"`
	SMSGatewaySecret string `json:"sms_gateway_secret,omitempty"`

	EmailRelayURL    string `json:"email_relay_url,omitempty"`
	EmailRelaySecret string `json:"email_relay_secret,omitempty"`

	TextGenURL    string `json:"text_gen_url,omitempty"`
	TextGenSecret string `json:"text_gen_secret,omitempty"`

	ReportAPIURL    string `json:"report_api_url,omitempty"`
	ReportAPISecret string `json:"report_api_secret,omitempty"`

	// RequestTimeout is a Go duration string. Default: "30s".
	// Text generation uses its own, longer default ("2m").
	RequestTimeout string `json:"request_timeout,omitempty"`
	TextGenTimeout string `json:"text_gen_timeout,omitempty"`
}

// StorageConfig controls the sqlite persistence layer.
type StorageConfig struct {
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string
}

// TrackerConfig controls long-running job execution.
//
// Defaults:
//   - default_timeout: "30m"
//   - output_limit_bytes: 65536
type TrackerConfig struct {
	DefaultTimeout   string `json:"default_timeout,omitempty"`
	OutputLimitBytes int    `json:"output_limit_bytes,omitempty"`
}

// HealthConfig controls the operational HTTP endpoint (/healthz, /metrics).
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:8090").
//   - If you bind to a non-loopback address, set a token or explicitly allow_insecure.
type HealthConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`  // default: "127.0.0.1:8090"
	Token         string `json:"token,omitempty"` // optional bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`

	// Server timeouts (Go duration strings).
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}

// AlertsConfig controls operator failure alerts over Telegram.
type AlertsConfig struct {
	Enabled       bool   `json:"enabled"`
	TelegramToken string `json:"telegram_token,omitempty"`
	ChatID        int64  `json:"chat_id,omitempty"`
}

func validHHMM(s string) error {
	if _, err := time.Parse("15:04", s); err != nil {
		return fmt.Errorf("invalid time %q (want HH:MM)", s)
	}
	return nil
}

// Validate checks cross-field constraints that DisallowUnknownFields can't
// catch. It does not mutate the config; defaults are applied by the consumers.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	if c.Storage.Path == "" {
		return errors.New("storage.path is required")
	}
	if _, err := ParseDurationOrDefault("storage.busy_timeout", c.Storage.BusyTimeout, 5*time.Second); err != nil {
		return err
	}

	if c.Scheduler.Enabled {
		if tz := c.Scheduler.Timezone; tz != "" {
			if _, err := time.LoadLocation(tz); err != nil {
				return fmt.Errorf("scheduler.timezone: %w", err)
			}
		}
		tick, err := ParseDurationOrDefault("scheduler.tick_interval", c.Scheduler.TickInterval, 10*time.Second)
		if err != nil {
			return err
		}
		if tick < time.Second {
			return errors.New("scheduler.tick_interval: must be at least 1s")
		}
		win, err := ParseDurationOrDefault("scheduler.suppression_window", c.Scheduler.SuppressionWindow, 30*time.Minute)
		if err != nil {
			return err
		}
		// The suppression window must comfortably cover tick jitter, otherwise
		// a single occurrence can fire twice.
		if win < 3*tick {
			return fmt.Errorf("scheduler.suppression_window: must be at least 3x tick_interval (%s)", 3*tick)
		}
		if _, err := ParseDurationOrDefault("scheduler.retry_backoff", c.Scheduler.RetryBackoff, 5*time.Minute); err != nil {
			return err
		}
		seen := map[string]bool{}
		for i, j := range c.Scheduler.Jobs {
			if j.Name == "" {
				return fmt.Errorf("scheduler.jobs[%d]: name is required", i)
			}
			if seen[j.Name] {
				return fmt.Errorf("scheduler.jobs[%d]: duplicate name %q", i, j.Name)
			}
			seen[j.Name] = true
			if err := validHHMM(j.Time); err != nil {
				return fmt.Errorf("scheduler.jobs[%d].time: %w", i, err)
			}
			if j.Command == "" {
				return fmt.Errorf("scheduler.jobs[%d]: command is required", i)
			}
		}
	}

	for _, d := range []struct{ path, raw string }{
		{"dispatch.sms_interval", c.Dispatch.SMSInterval},
		{"dispatch.email_interval", c.Dispatch.EmailInterval},
		{"dispatch.aigen_interval", c.Dispatch.AIGenInterval},
		{"channels.request_timeout", c.Channels.RequestTimeout},
		{"channels.text_gen_timeout", c.Channels.TextGenTimeout},
		{"tracker.default_timeout", c.Tracker.DefaultTimeout},
		{"health.read_timeout", c.Health.ReadTimeout},
		{"health.write_timeout", c.Health.WriteTimeout},
		{"health.idle_timeout", c.Health.IdleTimeout},
	} {
		if d.raw == "" {
			continue
		}
		if _, err := ParseDurationField(d.path, d.raw); err != nil {
			return err
		}
	}

	for _, u := range []struct{ path, raw string }{
		{"channels.sms_gateway_url", c.Channels.SMSGatewayURL},
		{"channels.email_relay_url", c.Channels.EmailRelayURL},
		{"channels.text_gen_url", c.Channels.TextGenURL},
		{"channels.report_api_url", c.Channels.ReportAPIURL},
	} {
		if u.raw == "" {
			continue
		}
		p, err := url.Parse(u.raw)
		if err != nil || (p.Scheme != "http" && p.Scheme != "https") || p.Host == "" {
			return fmt.Errorf("%s: not a valid http(s) URL", u.path)
		}
	}

	if c.Tracker.OutputLimitBytes < 0 {
		return errors.New("tracker.output_limit_bytes: must be >= 0")
	}

	if c.Alerts.Enabled {
		if c.Alerts.TelegramToken == "" {
			return errors.New("alerts.telegram_token is required when alerts are enabled")
		}
		if c.Alerts.ChatID == 0 {
			return errors.New("alerts.chat_id is required when alerts are enabled")
		}
	}
	return nil
}
