package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Validate rejects configs the app could not run with. Used at startup
// and as the hot-reload gate, so a bad edit never reaches a running
// component.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	if strings.TrimSpace(cfg.Storage.Path) == "" {
		return fmt.Errorf("storage.path: required")
	}

	durations := map[string]string{
		"storage.busy_timeout":        cfg.Storage.BusyTimeout,
		"server.read_timeout":         cfg.Server.ReadTimeout,
		"server.write_timeout":        cfg.Server.WriteTimeout,
		"server.idle_timeout":         cfg.Server.IdleTimeout,
		"dispatcher.poll_interval":    cfg.Dispatcher.PollInterval,
		"dispatcher.lease_for":        cfg.Dispatcher.LeaseFor,
		"dispatcher.retry_base":       cfg.Dispatcher.RetryBase,
		"dispatcher.retry_cap":        cfg.Dispatcher.RetryCap,
		"dispatcher.stagger_interval": cfg.Dispatcher.StaggerInterval,
		"platforms.http_timeout":      cfg.Platforms.HTTPTimeout,
		"content_model.timeout":       cfg.ContentModel.Timeout,
		"maintenance.prune_retention": cfg.Maintenance.PruneRetention,
	}
	for path, raw := range durations {
		if _, err := ParseDurationField(path, raw); err != nil {
			return err
		}
	}

	if cfg.Dispatcher.Workers < 0 {
		return fmt.Errorf("dispatcher.workers: must be >= 0")
	}
	if cfg.Dispatcher.MaxAttempts < 0 {
		return fmt.Errorf("dispatcher.max_attempts: must be >= 0")
	}
	for id, r := range cfg.Platforms.Rates {
		if r.PerSecond < 0 {
			return fmt.Errorf("platforms.rates.%s.per_second: must be >= 0", id)
		}
		if r.Burst < 0 {
			return fmt.Errorf("platforms.rates.%s.burst: must be >= 0", id)
		}
	}

	if cfg.Maintenance.Enabled {
		parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
		for path, spec := range map[string]string{
			"maintenance.lease_reap_spec": cfg.Maintenance.LeaseReapSpec,
			"maintenance.prune_spec":      cfg.Maintenance.PruneSpec,
		} {
			if strings.TrimSpace(spec) == "" {
				continue
			}
			if _, err := parser.Parse(spec); err != nil {
				return fmt.Errorf("%s: %w", path, err)
			}
		}
		if tz := strings.TrimSpace(cfg.Maintenance.Timezone); tz != "" {
			if _, err := time.LoadLocation(tz); err != nil {
				return fmt.Errorf("maintenance.timezone: %w", err)
			}
		}
	}
	return nil
}
