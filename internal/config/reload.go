package config

import (
	"fmt"
	"log/slog"
	"os"
	"reflect"
)

// ReloadResult describes what changed during a config reload.
type ReloadResult struct {
	Changed []string // list of changed fields
	Applied []string // successfully applied
	Skipped []string // require restart
}

// restartRequiredFields lists fields that are bound at startup: listeners,
// key material and the policy objects built from them.
var restartRequiredFields = map[string]bool{
	"Server.DataDir":      true,
	"Server.LogFormat":    true,
	"Server.LogFile":      true,
	"Gateway.Host":        true,
	"Gateway.Port":        true,
	"Gateway.Pairing":     true,
	"Security":            true,
	"Outbound":            true,
	"Secrets":             true,
	"Audit.DBPath":        true,
	"Audit.MQTT":          true,
	"Audit.PruneSchedule": true,
}

// hotReloadableFields lists fields that can be applied at runtime.
var hotReloadableFields = []string{
	"Server.LogLevel",
	"Audit.RetentionDays",
	"Providers",
}

// Reload re-reads the config from path, diffs against the current config,
// and applies hot-reloadable changes in place. Fields that require a
// restart are reported as skipped. Newly added plaintext secrets are sealed
// and written back before the diff.
func (c *Config) Reload(path string, sealer Sealer, logger *slog.Logger) (*ReloadResult, error) {
	if logger == nil {
		logger = slog.Default()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config for reload: %w", err)
	}

	next := DefaultConfig()
	next.path = path
	if err := decode(path, data, next, logger); err != nil {
		return nil, err
	}
	if err := next.Validate(); err != nil {
		return nil, err
	}
	if sealer != nil {
		changed, err := next.seal(sealer)
		if err != nil {
			return nil, err
		}
		if changed {
			if err := next.Save(path); err != nil {
				return nil, err
			}
		}
	}

	result := &ReloadResult{}
	c.mu.Lock()
	defer c.mu.Unlock()
	diffAndApply(c, next, result)
	return result, nil
}

// diffAndApply compares old and new configs, applying hot-reloadable changes.
func diffAndApply(old, new *Config, result *ReloadResult) {
	skip := func(field string) {
		result.Changed = append(result.Changed, field)
		result.Skipped = append(result.Skipped, field+" (requires restart)")
	}
	apply := func(field string) {
		result.Changed = append(result.Changed, field)
		result.Applied = append(result.Applied, field)
	}

	if old.Server.DataDir != new.Server.DataDir {
		skip("Server.DataDir")
	}
	if old.Server.LogFormat != new.Server.LogFormat {
		skip("Server.LogFormat")
	}
	if old.Server.LogFile != new.Server.LogFile {
		skip("Server.LogFile")
	}
	if old.Server.LogLevel != new.Server.LogLevel {
		old.Server.LogLevel = new.Server.LogLevel
		apply("Server.LogLevel")
	}

	if old.Gateway.Host != new.Gateway.Host {
		skip("Gateway.Host")
	}
	if old.Gateway.Port != new.Gateway.Port {
		skip("Gateway.Port")
	}
	if old.Gateway.RequirePairing != new.Gateway.RequirePairing ||
		old.Gateway.AllowPublicBind != new.Gateway.AllowPublicBind {
		skip("Gateway.Pairing")
	}

	if !reflect.DeepEqual(old.Security, new.Security) {
		skip("Security")
	}
	if !reflect.DeepEqual(old.Outbound, new.Outbound) {
		skip("Outbound")
	}
	if old.Secrets != new.Secrets {
		skip("Secrets")
	}

	if old.Audit.DBPath != new.Audit.DBPath {
		skip("Audit.DBPath")
	}
	if old.Audit.PruneSchedule != new.Audit.PruneSchedule {
		skip("Audit.PruneSchedule")
	}
	if old.Audit.MQTT != new.Audit.MQTT {
		skip("Audit.MQTT")
	}
	if old.Audit.RetentionDays != new.Audit.RetentionDays {
		old.Audit.RetentionDays = new.Audit.RetentionDays
		apply("Audit.RetentionDays")
	}

	if !reflect.DeepEqual(old.Providers, new.Providers) {
		old.Providers = new.Providers
		apply("Providers")
	}
}

// LogResult logs the reload result at the appropriate levels.
func (r *ReloadResult) LogResult(logger *slog.Logger) {
	if len(r.Changed) == 0 {
		logger.Info("config reload: no changes detected")
		return
	}

	logger.Info("config reload complete",
		"changed", len(r.Changed),
		"applied", len(r.Applied),
		"skipped", len(r.Skipped),
	)

	for _, field := range r.Applied {
		logger.Info("config field hot-reloaded", "field", field)
	}

	for _, field := range r.Skipped {
		logger.Warn("config field requires restart", "field", field)
	}
}

// IsRestartRequired returns true if the field requires a restart.
func IsRestartRequired(field string) bool {
	return restartRequiredFields[field]
}

// HotReloadableFields returns the list of hot-reloadable field names.
func HotReloadableFields() []string {
	return hotReloadableFields
}
