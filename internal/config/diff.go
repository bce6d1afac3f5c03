package config

import (
	"encoding/json"
	"hash/fnv"
	"reflect"
	"sort"
	"strings"

	logx "errorbot/pkg/logx"
)

// SummarizeChange returns the changed top-level sections, safe fields for
// logging (never the cookie or headers) and the modules whose enable flag or
// settings changed.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field, []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 12)

	if !reflect.DeepEqual(oldCfg.Forum, newCfg.Forum) {
		changed = append(changed, "forum")
		attrs = append(attrs,
			logx.String("forum.url", strings.TrimSpace(newCfg.Forum.URL)),
			logx.Bool("forum.cookie_set", strings.TrimSpace(newCfg.Forum.Cookie) != ""),
			logx.Int("forum.header_count", len(newCfg.Forum.Headers)),
		)
	}
	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.forum_enabled", newCfg.Logging.Forum.Enabled),
		)
	}
	if oldCfg.Runtime != newCfg.Runtime {
		changed = append(changed, "runtime")
		attrs = append(attrs,
			logx.String("runtime.tick_every", newCfg.Runtime.TickEvery),
			logx.String("runtime.action_interval", newCfg.Runtime.ActionInterval),
		)
	}
	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
		driver := ""
		if newCfg.Storage != nil {
			driver = newCfg.Storage.Driver
		}
		attrs = append(attrs, logx.String("storage.driver", driver))
	}
	if oldCfg.Status != newCfg.Status {
		changed = append(changed, "status")
		attrs = append(attrs, logx.Bool("status.enabled", newCfg.Status.Enabled))
	}

	modules := diffModules(oldCfg.Modules, newCfg.Modules)
	if len(modules) > 0 {
		changed = append(changed, "modules")
		attrs = append(attrs, logx.Int("modules.changed_count", len(modules)))
	}
	sort.Strings(changed)
	return changed, attrs, modules
}

func diffModules(oldM, newM map[string]ModuleConfigRaw) []string {
	set := map[string]struct{}{}
	for k := range oldM {
		set[k] = struct{}{}
	}
	for k := range newM {
		set[k] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for name := range set {
		o, n := oldM[name], newM[name]
		if o.Enabled != n.Enabled || canonicalHashJSON(o.Config) != canonicalHashJSON(n.Config) {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// canonicalHashJSON hashes JSON after canonicalizing it, so whitespace and
// key order do not count as changes. Invalid JSON is hashed as raw bytes.
func canonicalHashJSON(raw json.RawMessage) uint64 {
	if len(raw) == 0 {
		return 0
	}
	b := []byte(raw)
	var v any
	if err := json.Unmarshal(raw, &v); err == nil {
		if cb, err := json.Marshal(v); err == nil {
			b = cb
		}
	}
	h := fnv.New64a()
	_, _ = h.Write(b)
	return h.Sum64()
}
