package config

import (
	"reflect"
	"strings"

	logx "slotbot/pkg/logx"
)

// SummarizeConfigChange returns the changed section names and safe structured fields
// for logging. Secrets (tokens, redis password) are never included.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 10)
	attrs := make([]logx.Field, 0, 16)

	ot, nt := oldCfg.Telegram, newCfg.Telegram
	if ot.Token != nt.Token || ot.TokenEnv != nt.TokenEnv || ot.AdminChat != nt.AdminChat ||
		ot.PollTimeout != nt.PollTimeout || ot.RatePerSec != nt.RatePerSec ||
		!reflect.DeepEqual(ot.OwnerUserIDs, nt.OwnerUserIDs) {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.Bool("telegram.token_changed", ot.Token != nt.Token),
			logx.Int("telegram.owner_count", len(nt.OwnerUserIDs)),
			logx.String("telegram.poll_timeout", strings.TrimSpace(nt.PollTimeout)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.file", newCfg.Logging.File.Enabled),
			logx.Bool("logging.telegram", newCfg.Logging.Telegram.Enabled),
		)
	}

	oldSt, newSt := oldCfg.Storage, newCfg.Storage
	if oldSt != newSt {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", newSt.Driver),
			logx.Bool("storage.password_changed", oldSt.Redis.Password != newSt.Redis.Password),
		)
	}

	if oldCfg.Scheduler != newCfg.Scheduler {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.String("scheduler.timezone", newCfg.Scheduler.Timezone),
			logx.String("scheduler.ledger", newCfg.Scheduler.Ledger),
			logx.Bool("scheduler.dry_run", newCfg.Scheduler.DryRun),
		)
	}
	if oldCfg.Catalog != newCfg.Catalog {
		changed = append(changed, "catalog")
	}
	if oldCfg.Metrics != newCfg.Metrics {
		changed = append(changed, "metrics")
	}

	lists := []struct {
		name     string
		old, new any
		count    int
	}{
		{"slots", oldCfg.Slots, newCfg.Slots, len(newCfg.Slots)},
		{"classify", oldCfg.Classify, newCfg.Classify, len(newCfg.Classify)},
		{"actions", oldCfg.Actions, newCfg.Actions, len(newCfg.Actions)},
		{"rules", oldCfg.Rules, newCfg.Rules, len(newCfg.Rules)},
	}
	for _, l := range lists {
		if !reflect.DeepEqual(l.old, l.new) {
			changed = append(changed, l.name)
			attrs = append(attrs, logx.Int(l.name+".count", l.count))
		}
	}
	return changed, attrs
}
