package app

import (
	"time"

	"cellarsight/internal/alert"
	"cellarsight/internal/channel"
	"cellarsight/internal/config"
	"cellarsight/internal/health"
	"cellarsight/internal/scheduler"
	"cellarsight/internal/storage"
	"cellarsight/internal/tracker"
	"cellarsight/pkg/logx"
)

// The config file carries durations as strings; these helpers translate
// the validated file shape into the typed configs each component takes.

func mapLoggingConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", cfg.Storage.BusyTimeout, 5*time.Second)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{Path: cfg.Storage.Path, BusyTimeout: busy}, nil
}

func mapSchedulerConfig(cfg *config.Config) (scheduler.Config, error) {
	tick, err := config.ParseDurationOrDefault("scheduler.tick_interval", cfg.Scheduler.TickInterval, 10*time.Second)
	if err != nil {
		return scheduler.Config{}, err
	}
	window, err := config.ParseDurationOrDefault("scheduler.suppression_window", cfg.Scheduler.SuppressionWindow, 30*time.Minute)
	if err != nil {
		return scheduler.Config{}, err
	}
	backoff, err := config.ParseDurationOrDefault("scheduler.retry_backoff", cfg.Scheduler.RetryBackoff, 5*time.Minute)
	if err != nil {
		return scheduler.Config{}, err
	}

	jobs := make([]scheduler.FixedJob, 0, len(cfg.Scheduler.Jobs))
	for _, j := range cfg.Scheduler.Jobs {
		jobs = append(jobs, scheduler.FixedJob{
			Name: j.Name,
			Time: j.Time,
			Body: tracker.CommandBody(j.Command, j.Args, cfg.Tracker.OutputLimitBytes),
		})
	}
	return scheduler.Config{
		Enabled:           cfg.Scheduler.Enabled,
		Timezone:          cfg.Scheduler.Timezone,
		TickInterval:      tick,
		SuppressionWindow: window,
		RetryBackoff:      backoff,
		Jobs:              jobs,
	}, nil
}

type dispatchIntervals struct {
	sms, email, aigen time.Duration
	queueSize         int
}

func mapDispatchConfig(cfg *config.Config) (dispatchIntervals, error) {
	sms, err := config.ParseDurationOrDefault("dispatch.sms_interval", cfg.Dispatch.SMSInterval, time.Second)
	if err != nil {
		return dispatchIntervals{}, err
	}
	email, err := config.ParseDurationOrDefault("dispatch.email_interval", cfg.Dispatch.EmailInterval, 500*time.Millisecond)
	if err != nil {
		return dispatchIntervals{}, err
	}
	aigen, err := config.ParseDurationOrDefault("dispatch.aigen_interval", cfg.Dispatch.AIGenInterval, 3*time.Second)
	if err != nil {
		return dispatchIntervals{}, err
	}
	return dispatchIntervals{sms: sms, email: email, aigen: aigen, queueSize: cfg.Dispatch.QueueSize}, nil
}

func mapChannelConfig(cfg *config.Config) (channel.Config, error) {
	reqTimeout, err := config.ParseDurationOrDefault("channels.request_timeout", cfg.Channels.RequestTimeout, 30*time.Second)
	if err != nil {
		return channel.Config{}, err
	}
	genTimeout, err := config.ParseDurationOrDefault("channels.text_gen_timeout", cfg.Channels.TextGenTimeout, 2*time.Minute)
	if err != nil {
		return channel.Config{}, err
	}
	return channel.Config{
		SMSGatewayURL:    cfg.Channels.SMSGatewayURL,
		SMSGatewaySecret: cfg.Channels.SMSGatewaySecret,
		EmailRelayURL:    cfg.Channels.EmailRelayURL,
		EmailRelaySecret: cfg.Channels.EmailRelaySecret,
		TextGenURL:       cfg.Channels.TextGenURL,
		TextGenSecret:    cfg.Channels.TextGenSecret,
		ReportAPIURL:     cfg.Channels.ReportAPIURL,
		ReportAPISecret:  cfg.Channels.ReportAPISecret,
		RequestTimeout:   reqTimeout,
		TextGenTimeout:   genTimeout,
	}, nil
}

func mapTrackerTimeout(cfg *config.Config) (time.Duration, error) {
	return config.ParseDurationOrDefault("tracker.default_timeout", cfg.Tracker.DefaultTimeout, 30*time.Minute)
}

func mapHealthConfig(cfg *config.Config) (health.Config, error) {
	read, err := config.ParseDurationOrDefault("health.read_timeout", cfg.Health.ReadTimeout, 5*time.Second)
	if err != nil {
		return health.Config{}, err
	}
	write, err := config.ParseDurationOrDefault("health.write_timeout", cfg.Health.WriteTimeout, 30*time.Second)
	if err != nil {
		return health.Config{}, err
	}
	idle, err := config.ParseDurationOrDefault("health.idle_timeout", cfg.Health.IdleTimeout, time.Minute)
	if err != nil {
		return health.Config{}, err
	}
	return health.Config{
		Enabled:       cfg.Health.Enabled,
		Addr:          cfg.Health.Addr,
		Token:         cfg.Health.Token,
		AllowInsecure: cfg.Health.AllowInsecure,
		Pprof:         cfg.Health.Pprof,
		ReadTimeout:   read,
		WriteTimeout:  write,
		IdleTimeout:   idle,
	}, nil
}

func mapAlertConfig(cfg *config.Config) alert.Config {
	return alert.Config{
		Enabled: cfg.Alerts.Enabled,
		Token:   cfg.Alerts.TelegramToken,
		ChatID:  cfg.Alerts.ChatID,
	}
}
