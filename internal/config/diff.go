package config

import (
	"reflect"
	"strings"

	logx "autoprbot/pkg/logx"
)

// SummarizeChange returns the changed top-level sections and log fields that
// describe them. Secrets (tokens) are reported only as "set/unset".
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	changed := make([]string, 0, 4)
	fields := make([]logx.Field, 0, 12)

	og, ng := oldCfg.GitHub, newCfg.GitHub
	if strings.TrimSpace(og.Token) != strings.TrimSpace(ng.Token) ||
		og.Owner != ng.Owner || og.Repo != ng.Repo ||
		og.BaseBranch != ng.BaseBranch || og.HeadBranch != ng.HeadBranch ||
		og.Interval != ng.Interval || og.AutoMerge != ng.AutoMerge ||
		og.MergeMethod != ng.MergeMethod || og.PRTitle != ng.PRTitle || og.PRBody != ng.PRBody ||
		og.APIURL != ng.APIURL || og.RatePerSec != ng.RatePerSec || og.RequestTimeout != ng.RequestTimeout {
		changed = append(changed, "github")
		fields = append(fields,
			logx.String("github.repo", ng.Owner+"/"+ng.Repo),
			logx.String("github.branches", ng.HeadBranch+"->"+ng.BaseBranch),
			logx.String("github.interval", string(ng.Interval)),
			logx.Bool("github.auto_merge", ng.AutoMerge),
			logx.Bool("github.token_set", strings.TrimSpace(ng.Token) != ""),
		)
	}

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		fields = append(fields,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if oldCfg.ConsoleEnabled() != newCfg.ConsoleEnabled() || !reflect.DeepEqual(oldCfg.Console, newCfg.Console) {
		changed = append(changed, "console")
		fields = append(fields, logx.Bool("console.enabled", newCfg.ConsoleEnabled()))
	}

	ot, nt := oldCfg.Telegram, newCfg.Telegram
	if ot.Enabled != nt.Enabled || ot.Token != nt.Token || ot.ChatID != nt.ChatID ||
		ot.PollTimeout != nt.PollTimeout || ot.RatePerSec != nt.RatePerSec ||
		!reflect.DeepEqual(ot.OwnerUserIDs, nt.OwnerUserIDs) {
		changed = append(changed, "telegram")
		fields = append(fields,
			logx.Bool("telegram.enabled", nt.Enabled),
			logx.Int("telegram.owner_count", len(nt.OwnerUserIDs)),
			logx.Bool("telegram.chat_set", nt.ChatID != 0),
		)
	}
	return changed, fields
}
