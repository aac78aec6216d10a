package config

import (
	"reflect"

	logx "pacebot/pkg/logx"
)

// SummarizeConfigChange returns the changed sections and safe structured
// attrs for logging. Secrets (bot token, proxy passwords) never appear.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	var (
		changed []string
		attrs   []logx.Field
	)
	section := func(name string, differs bool, fields ...logx.Field) {
		if differs {
			changed = append(changed, name)
			attrs = append(attrs, fields...)
		}
	}

	section("logging", !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging),
		logx.String("logging.level", newCfg.Logging.Level),
		logx.Bool("logging.file", newCfg.Logging.File.Enabled),
		logx.Bool("logging.telegram", newCfg.Logging.Telegram.Enabled),
	)
	section("scheduler", oldCfg.Scheduler != newCfg.Scheduler,
		logx.Bool("scheduler.enabled", newCfg.Scheduler.Enabled),
		logx.String("scheduler.timezone", newCfg.Scheduler.Timezone),
	)
	section("task_engine", !reflect.DeepEqual(oldCfg.TaskEngine, newCfg.TaskEngine))
	section("dispatcher", oldCfg.Dispatcher != newCfg.Dispatcher,
		logx.String("dispatcher.tick", newCfg.Dispatcher.Tick),
		logx.Int("dispatcher.max_concurrent_accounts", newCfg.Dispatcher.MaxConcurrentAccounts),
		logx.Float64("dispatcher.dispatch_rate", newCfg.Dispatcher.DispatchRate),
	)
	section("storage", !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage))
	section("proxies", !reflect.DeepEqual(oldCfg.Proxies, newCfg.Proxies),
		logx.Int("proxies.count", len(newCfg.Proxies.List)),
		logx.Bool("proxies.redis", newCfg.Proxies.RedisURL != ""),
	)
	var oldN, newN NotifierConfig
	if oldCfg.Notifier != nil {
		oldN = *oldCfg.Notifier
	}
	if newCfg.Notifier != nil {
		newN = *newCfg.Notifier
	}
	section("notifier", !reflect.DeepEqual(oldN, newN),
		logx.Bool("notifier.enabled", newN.Enabled),
		logx.Bool("notifier.token_set", newN.Token != ""),
	)
	section("metrics", oldCfg.Metrics != newCfg.Metrics,
		logx.Bool("metrics.enabled", newCfg.Metrics.Enabled),
		logx.String("metrics.addr", newCfg.Metrics.Addr),
	)
	section("accounts", !reflect.DeepEqual(oldCfg.Accounts, newCfg.Accounts), logx.Int("accounts.count", len(newCfg.Accounts)))
	section("tasks", !reflect.DeepEqual(oldCfg.Tasks, newCfg.Tasks), logx.Int("tasks.count", len(newCfg.Tasks)))
	return changed, attrs
}
