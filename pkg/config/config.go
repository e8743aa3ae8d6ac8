// Package config declares the balanz controller's configuration surface
// (spec.md §6): an INI file with sections logging, host, api, ext-server,
// csms, balanz, model, history. Keys unknown to a section are ignored by
// viper's unmarshal; keys missing from the file fall back to the defaults
// Load sets before reading it in.
package config

import "time"

type Config struct {
	Logging   LoggingConfig   `mapstructure:"logging"`
	Host      HostConfig      `mapstructure:"host"`
	API       APIConfig       `mapstructure:"api"`
	ExtServer ExtServerConfig `mapstructure:"ext-server"`
	CSMS      CSMSConfig      `mapstructure:"csms"`
	Balanz    BalanzConfig    `mapstructure:"balanz"`
	Model     ModelConfig     `mapstructure:"model"`
	History   HistoryConfig   `mapstructure:"history"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // console or json
	Output string `mapstructure:"output"` // stdout or a file path
}

// HostConfig is the listener the OCPP endpoint and the Admin API share. They
// bind distinct ports on the same address: fiber's fasthttp engine behind
// the Admin API and the OCPP transport's net/http.ServeMux can't share one
// net.Listener without an adaptor neither carries.
type HostConfig struct {
	Address   string `mapstructure:"address"`
	Port      int    `mapstructure:"port"`       // OCPP-J 1.6 endpoint, path /<charger_id>, plus /metrics
	AdminPort int    `mapstructure:"admin_port"` // Admin API
	TLSCert   string `mapstructure:"tls_cert"`
	TLSKey    string `mapstructure:"tls_key"`
}

type APIConfig struct {
	JWTSecret     string        `mapstructure:"jwt_secret"`
	TokenDuration time.Duration `mapstructure:"token_duration"`
	AuditLogPath  string        `mapstructure:"audit_log_path"`
	CORS          CORSConfig    `mapstructure:"cors"`
}

// CORSConfig governs cross-origin access to the Admin API's fiber routes,
// for a browser-based admin UI served from a different origin.
type CORSConfig struct {
	AllowedOrigins []string `mapstructure:"allowed_origins"`
	AllowedMethods []string `mapstructure:"allowed_methods"`
	AllowedHeaders []string `mapstructure:"allowed_headers"`
	ExposeHeaders  []string `mapstructure:"expose_headers"`
	MaxAge         int      `mapstructure:"max_age"`
	Credentials    bool     `mapstructure:"credentials"`
}

// ExtServerConfig holds the ext-server section (an upstream CSMS address and
// timeout). Nothing in this repository reads it; no charger traffic is
// relayed upstream.
type ExtServerConfig struct {
	Address string        `mapstructure:"address"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// CSMSConfig holds the OCPP-J v1.6 endpoint's own protocol knobs.
type CSMSConfig struct {
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	PingTimeout       time.Duration `mapstructure:"ping_timeout"`
	AuthKeyDelay      time.Duration `mapstructure:"auth_key_delay"`

	// VaultAddress/VaultToken back the optional Vault-backed AuthorizationKey
	// store (spec.md §6 DOMAIN STACK); empty address disables Vault entirely
	// and the registry keeps only the local SHA-256 hash.
	VaultAddress string `mapstructure:"vault_address"`
	VaultToken   string `mapstructure:"vault_token"`

	// QueueURL points the status/offer/session event bus at NATS (nats://...)
	// or RabbitMQ (amqp://...); empty disables publishing entirely.
	QueueURL string `mapstructure:"queue_url"`
}

// BalanzConfig is the smart-charging allocator's INI-facing tuning knobs
// (spec.md §4.4), translated 1:1 into allocator.Config by the caller.
type BalanzConfig struct {
	RunInterval                  time.Duration `mapstructure:"run_interval"`
	IntervalsFull                int           `mapstructure:"intervals_full"`
	FirstWait                    time.Duration `mapstructure:"first_wait"`
	MinAllocationA               int           `mapstructure:"min_allocation_a"`
	MaxOfferIncreaseA            int           `mapstructure:"max_offer_increase_a"`
	MinOfferIncreaseInterval     time.Duration `mapstructure:"min_offer_increase_interval"`
	WaitAfterReduce              time.Duration `mapstructure:"wait_after_reduce"`
	UsageMonitoringInterval      time.Duration `mapstructure:"usage_monitoring_interval"`
	MarginLowerA                 float64       `mapstructure:"margin_lower_a"`
	UsageThresholdA              float64       `mapstructure:"usage_threshold_a"`
	SuspendedAllocationTimeout   time.Duration `mapstructure:"suspended_allocation_timeout"`
	SuspendedDelayedTime         time.Duration `mapstructure:"suspended_delayed_time"`
	SuspendedDelayedTimeNotFirst time.Duration `mapstructure:"suspended_delayed_time_not_first"`
	EnergyThresholdWh            float64       `mapstructure:"energy_threshold_wh"`
	SuspendTopOfHour             bool          `mapstructure:"suspend_top_of_hour"`
	WatchdogInterval             time.Duration `mapstructure:"watchdog_interval"`
	WatchdogStale                time.Duration `mapstructure:"watchdog_stale"`
	TransactionTimeout           time.Duration `mapstructure:"transaction_timeout"`

	// CacheURL points the per-connector usage-sample cache at Redis
	// (redis://...); empty falls back to the in-memory local cache.
	CacheURL string `mapstructure:"cache_url"`
}

// ModelConfig locates the registry's boot-time CSV fixtures (spec.md §3/§6)
// and its autoregistration policy (spec.md §4.2).
type ModelConfig struct {
	GroupsPath   string `mapstructure:"groups_path"`
	ChargersPath string `mapstructure:"chargers_path"`
	TagsPath     string `mapstructure:"tags_path"`
	UsersPath    string `mapstructure:"users_path"`

	AutoregisterEnabled bool   `mapstructure:"autoregister_enabled"`
	AutoregisterGroupID string `mapstructure:"autoregister_group_id"`
	DefaultConnMax      int    `mapstructure:"default_conn_max"`
	DefaultPriority     int    `mapstructure:"default_priority"`
	DefaultConnectors   int    `mapstructure:"default_connectors"`
	UnknownTagsAllowed  bool   `mapstructure:"unknown_tags_allowed"`
}

type HistoryConfig struct {
	SessionsPath string `mapstructure:"sessions_path"`
	DatabaseURL  string `mapstructure:"database_url"` // empty disables the Postgres mirror
}
