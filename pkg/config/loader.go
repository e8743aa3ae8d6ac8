package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Load reads the INI configuration file (spec.md §6), applying defaults for
// every key the file omits before parsing, and layering BALANZ_-prefixed
// environment variables over both.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("ini")

	v.SetEnvPrefix("BALANZ")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to read config file %q: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")
	v.SetDefault("logging.output", "stdout")

	v.SetDefault("host.address", "0.0.0.0")
	v.SetDefault("host.port", 9000)
	v.SetDefault("host.admin_port", 9001)

	v.SetDefault("api.token_duration", time.Hour)
	v.SetDefault("api.audit_log_path", "audit_log.txt")

	v.SetDefault("ext-server.timeout", 10*time.Second)

	v.SetDefault("csms.heartbeat_interval", 300*time.Second)
	v.SetDefault("csms.ping_timeout", 60*time.Second)
	v.SetDefault("csms.auth_key_delay", 30*time.Second)
	v.SetDefault("csms.vault_address", "")
	v.SetDefault("csms.vault_token", "")
	v.SetDefault("csms.queue_url", "")

	v.SetDefault("balanz.run_interval", 5*time.Second)
	v.SetDefault("balanz.intervals_full", 12)
	v.SetDefault("balanz.first_wait", 0)
	v.SetDefault("balanz.min_allocation_a", 6)
	v.SetDefault("balanz.max_offer_increase_a", 3)
	v.SetDefault("balanz.min_offer_increase_interval", 115*time.Second)
	v.SetDefault("balanz.wait_after_reduce", 5*time.Second)
	v.SetDefault("balanz.usage_monitoring_interval", 115*time.Second)
	v.SetDefault("balanz.margin_lower_a", 0.8)
	v.SetDefault("balanz.usage_threshold_a", 2.0)
	v.SetDefault("balanz.suspended_allocation_timeout", 300*time.Second)
	v.SetDefault("balanz.suspended_delayed_time", 300*time.Second)
	v.SetDefault("balanz.suspended_delayed_time_not_first", 300*time.Second)
	v.SetDefault("balanz.energy_threshold_wh", 1000.0)
	v.SetDefault("balanz.suspend_top_of_hour", false)
	v.SetDefault("balanz.watchdog_interval", 30*time.Second)
	v.SetDefault("balanz.watchdog_stale", 500*time.Second)
	v.SetDefault("balanz.transaction_timeout", 3600*time.Second)
	v.SetDefault("balanz.cache_url", "")

	v.SetDefault("model.groups_path", "groups.csv")
	v.SetDefault("model.chargers_path", "chargers.csv")
	v.SetDefault("model.tags_path", "tags.csv")
	v.SetDefault("model.users_path", "users.csv")
	v.SetDefault("model.autoregister_enabled", false)
	v.SetDefault("model.autoregister_group_id", "")
	v.SetDefault("model.default_conn_max", 32)
	v.SetDefault("model.default_priority", 0)
	v.SetDefault("model.default_connectors", 1)
	v.SetDefault("model.unknown_tags_allowed", false)

	v.SetDefault("history.sessions_path", "sessions.csv")
}
