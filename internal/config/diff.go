package config

import (
	"reflect"
	"strings"

	logx "crosspost/pkg/logx"
)

// SummarizeConfigChange returns a compact list of changed sections plus
// safe structured attrs for logging (never includes secrets like the
// content model API key).
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 16)

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logx.level", newCfg.Logging.Level),
			logx.Bool("logx.console", newCfg.Logging.Console),
			logx.Bool("logx.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if oldCfg.Server != newCfg.Server {
		changed = append(changed, "server")
		attrs = append(attrs,
			logx.Bool("server.enabled", newCfg.Server.Enabled),
			logx.String("server.addr", strings.TrimSpace(newCfg.Server.Addr)),
		)
	}

	if oldCfg.Storage != newCfg.Storage {
		changed = append(changed, "storage")
		attrs = append(attrs, logx.String("storage.path", newCfg.Storage.Path))
	}

	if oldCfg.Dispatcher != newCfg.Dispatcher {
		changed = append(changed, "dispatcher")
		attrs = append(attrs,
			logx.Int("dispatcher.workers", newCfg.Dispatcher.Workers),
			logx.Int("dispatcher.max_attempts", newCfg.Dispatcher.MaxAttempts),
		)
	}

	if oldCfg.Platforms.HTTPTimeout != newCfg.Platforms.HTTPTimeout ||
		!reflect.DeepEqual(oldCfg.Platforms.Rates, newCfg.Platforms.Rates) {
		changed = append(changed, "platforms")
		attrs = append(attrs, logx.Int("platforms.rate_count", len(newCfg.Platforms.Rates)))
	}

	// Content model (never log api_key)
	if oldCfg.ContentModel != newCfg.ContentModel {
		changed = append(changed, "content_model")
		attrs = append(attrs,
			logx.String("content_model.base_url", newCfg.ContentModel.BaseURL),
			logx.String("content_model.model", newCfg.ContentModel.Model),
			logx.Bool("content_model.key_set", strings.TrimSpace(newCfg.ContentModel.APIKey) != ""),
		)
	}

	if oldCfg.Maintenance != newCfg.Maintenance {
		changed = append(changed, "maintenance")
		attrs = append(attrs, logx.Bool("maintenance.enabled", newCfg.Maintenance.Enabled))
	}

	return changed, attrs
}
