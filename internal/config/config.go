// Package config handles loading and validation of statuscard configuration
// from YAML files and environment variables. Environment variables always
// override file-based values. Env var names follow the struct path with a
// STATUSCARD_ prefix:
//
//	server.address → STATUSCARD_SERVER_ADDRESS
//	admission.render.max → STATUSCARD_ADMISSION_RENDER_MAX
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// defaultConfigFile is the default path for the YAML configuration file.
// Override via STATUSCARD_CONFIG_FILE environment variable.
const defaultConfigFile = "/etc/statuscard/config.yaml"

// ---------------------------------------------------------------------------
// Enum types. All canonical forms are lowercase; Load() normalizes before
// validation.
// ---------------------------------------------------------------------------

// FailurePolicy controls admission behavior when the shared counter store
// (Redis) is unreachable.
type FailurePolicy string

const (
	FailurePolicyPassThrough FailurePolicy = "passthrough"
	FailurePolicyFailClosed  FailurePolicy = "failclosed"
)

func (fp FailurePolicy) Valid() bool {
	switch fp {
	case FailurePolicyPassThrough, FailurePolicyFailClosed:
		return true
	}
	return false
}

// StoreBackend selects where fixed-window counters live.
type StoreBackend string

const (
	StoreMemory StoreBackend = "memory"
	StoreRedis  StoreBackend = "redis"
)

func (b StoreBackend) Valid() bool {
	switch b {
	case StoreMemory, StoreRedis:
		return true
	}
	return false
}

// KeyStrategyType defines how a per-client admission key is derived.
type KeyStrategyType string

const (
	KeyStrategyClientIP KeyStrategyType = "clientip"
	KeyStrategyHeader   KeyStrategyType = "header"
)

func (k KeyStrategyType) Valid() bool {
	switch k {
	case KeyStrategyClientIP, KeyStrategyHeader:
		return true
	}
	return false
}

// RedisMode identifies the Redis deployment topology.
type RedisMode string

const (
	RedisModeSingle   RedisMode = "single"
	RedisModeSentinel RedisMode = "sentinel"
	RedisModeCluster  RedisMode = "cluster"
)

func (m RedisMode) Valid() bool {
	switch m {
	case RedisModeSingle, RedisModeSentinel, RedisModeCluster:
		return true
	}
	return false
}

// LogLevel controls the minimum severity for structured log output.
type LogLevel string

const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

func (l LogLevel) Valid() bool {
	switch l {
	case LogLevelDebug, LogLevelInfo, LogLevelWarn, LogLevelError:
		return true
	}
	return false
}

// LogFormat selects the structured log encoding.
type LogFormat string

const (
	LogFormatJSON LogFormat = "json"
	LogFormatText LogFormat = "text"
)

func (f LogFormat) Valid() bool {
	switch f {
	case LogFormatJSON, LogFormatText:
		return true
	}
	return false
}

// Config is the top-level statuscard configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"     envPrefix:"SERVER_"`
	Admin      AdminConfig      `yaml:"admin"      envPrefix:"ADMIN_"`
	Admission  AdmissionConfig  `yaml:"admission"  envPrefix:"ADMISSION_"`
	Redis      RedisConfig      `yaml:"redis"      envPrefix:"REDIS_"`
	Discord    DiscordConfig    `yaml:"discord"    envPrefix:"DISCORD_"`
	Supervisor SupervisorConfig `yaml:"supervisor" envPrefix:"SUPERVISOR_"`
	Render     RenderConfig     `yaml:"render"     envPrefix:"RENDER_"`
	Logging    LoggingConfig    `yaml:"logging"    envPrefix:"LOGGING_"`
	Tracing    TracingConfig    `yaml:"tracing"    envPrefix:"TRACING_"`
}

// ServerConfig holds the public API server settings.
type ServerConfig struct {
	Address        string `yaml:"address"         env:"ADDRESS"`
	ReadTimeout    string `yaml:"read_timeout"    env:"READ_TIMEOUT"`
	WriteTimeout   string `yaml:"write_timeout"   env:"WRITE_TIMEOUT"`
	IdleTimeout    string `yaml:"idle_timeout"    env:"IDLE_TIMEOUT"`
	DrainTimeout   string `yaml:"drain_timeout"   env:"DRAIN_TIMEOUT"`
	RequestTimeout string `yaml:"request_timeout" env:"REQUEST_TIMEOUT"`
}

// AdminConfig holds the admin/observability server settings.
type AdminConfig struct {
	Address      string `yaml:"address"       env:"ADDRESS"`
	ReadTimeout  string `yaml:"read_timeout"  env:"READ_TIMEOUT"`
	WriteTimeout string `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	IdleTimeout  string `yaml:"idle_timeout"  env:"IDLE_TIMEOUT"`
}

// AdmissionConfig holds the layered throttling stack settings.
type AdmissionConfig struct {
	Burst         BurstConfig       `yaml:"burst"          envPrefix:"BURST_"`
	API           WindowConfig      `yaml:"api"            envPrefix:"API_"`
	Render        WindowConfig      `yaml:"render"         envPrefix:"RENDER_"`
	Slowdown      SlowdownConfig    `yaml:"slowdown"       envPrefix:"SLOWDOWN_"`
	Store         StoreBackend      `yaml:"store"          env:"STORE"`
	FailurePolicy FailurePolicy     `yaml:"failure_policy" env:"FAILURE_POLICY"`
	KeyPrefix     string            `yaml:"key_prefix"     env:"KEY_PREFIX"`
	KeyStrategy   KeyStrategyConfig `yaml:"key_strategy"   envPrefix:"KEY_STRATEGY_"`
}

// BurstConfig configures the sliding-window burst guard.
type BurstConfig struct {
	Limit         int    `yaml:"limit"          env:"LIMIT"`
	Window        string `yaml:"window"         env:"WINDOW"`
	SweepInterval string `yaml:"sweep_interval" env:"SWEEP_INTERVAL"`
}

// WindowConfig configures one fixed-window limiter instance.
type WindowConfig struct {
	Max    int64  `yaml:"max"    env:"MAX"`
	Window string `yaml:"window" env:"WINDOW"`
}

// SlowdownConfig configures the progressive slowdown stage. Requests past
// After within Window are delayed by (hits-After)*Unit, capped at MaxDelay.
type SlowdownConfig struct {
	After    int64  `yaml:"after"     env:"AFTER"`
	Unit     string `yaml:"unit"      env:"UNIT"`
	MaxDelay string `yaml:"max_delay" env:"MAX_DELAY"`
	Window   string `yaml:"window"    env:"WINDOW"`
}

// KeyStrategyConfig defines how the per-client admission key is extracted.
type KeyStrategyConfig struct {
	Type       KeyStrategyType `yaml:"type"        env:"TYPE"`
	HeaderName string          `yaml:"header_name" env:"HEADER_NAME"`

	// TrustedProxies is a list of CIDR ranges whose X-Forwarded-For and
	// X-Real-IP headers are honored. When empty, proxy headers are ignored
	// and RemoteAddr is used.
	TrustedProxies []string `yaml:"trusted_proxies" env:"TRUSTED_PROXIES" envSeparator:","`
}

// RedisConfig holds Redis connection and topology settings.
type RedisConfig struct {
	Endpoints    []string       `yaml:"endpoints"     env:"ENDPOINTS" envSeparator:","`
	Mode         RedisMode      `yaml:"mode"          env:"MODE"`
	MasterName   string         `yaml:"master_name"   env:"MASTER_NAME"`
	Username     string         `yaml:"username"      env:"USERNAME"`
	Password     RedactedString `yaml:"password"      env:"PASSWORD"`
	DB           int            `yaml:"db"            env:"DB"`
	PoolSize     int            `yaml:"pool_size"     env:"POOL_SIZE"`
	DialTimeout  string         `yaml:"dial_timeout"  env:"DIAL_TIMEOUT"`
	ReadTimeout  string         `yaml:"read_timeout"  env:"READ_TIMEOUT"`
	WriteTimeout string         `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	TLS          RedisTLSConfig `yaml:"tls"           envPrefix:"TLS_"`
}

// RedisTLSConfig holds Redis TLS settings.
type RedisTLSConfig struct {
	Enabled            bool `yaml:"enabled"              env:"ENABLED"`
	InsecureSkipVerify bool `yaml:"insecure_skip_verify" env:"INSECURE_SKIP_VERIFY"`
}

// DiscordConfig holds the upstream presence provider settings.
type DiscordConfig struct {
	Token        RedactedString `yaml:"token"         env:"TOKEN"`
	GuildID      string         `yaml:"guild_id"      env:"GUILD_ID"`
	FetchTimeout string         `yaml:"fetch_timeout" env:"FETCH_TIMEOUT"`
	OpenTimeout  string         `yaml:"open_timeout"  env:"OPEN_TIMEOUT"`
}

// SupervisorConfig tunes the upstream connection resilience supervisor.
type SupervisorConfig struct {
	MaxAttempts   int    `yaml:"max_attempts"   env:"MAX_ATTEMPTS"`
	BaseDelay     string `yaml:"base_delay"     env:"BASE_DELAY"`
	ProbeInterval string `yaml:"probe_interval" env:"PROBE_INTERVAL"`
}

// RenderConfig holds the headless rendering pool and pipeline settings.
type RenderConfig struct {
	Enabled        bool    `yaml:"enabled"         env:"ENABLED"`
	MaxWorkers     int     `yaml:"max_workers"     env:"MAX_WORKERS"`
	ExecPath       string  `yaml:"exec_path"       env:"EXEC_PATH"`
	Headless       bool    `yaml:"headless"        env:"HEADLESS"`
	NoSandbox      bool    `yaml:"no_sandbox"      env:"NO_SANDBOX"`
	WorkerTimeout  string  `yaml:"worker_timeout"  env:"WORKER_TIMEOUT"`
	AcquireTimeout string  `yaml:"acquire_timeout" env:"ACQUIRE_TIMEOUT"`
	LoadTimeout    string  `yaml:"load_timeout"    env:"LOAD_TIMEOUT"`
	ImagesTimeout  string  `yaml:"images_timeout"  env:"IMAGES_TIMEOUT"`
	ImageTimeout   string  `yaml:"image_timeout"   env:"IMAGE_TIMEOUT"`
	MeasureTimeout string  `yaml:"measure_timeout" env:"MEASURE_TIMEOUT"`
	CaptureTimeout string  `yaml:"capture_timeout" env:"CAPTURE_TIMEOUT"`
	Scale          float64 `yaml:"scale"           env:"SCALE"`
	Selector       string  `yaml:"selector"        env:"SELECTOR"`

	// AllowedOrigins are hosts whose subresources are always loaded.
	AllowedOrigins []string `yaml:"allowed_origins" env:"ALLOWED_ORIGINS" envSeparator:","`
	// BlockedResourceTypes are resource classes blocked unless their origin
	// is allowlisted (e.g. Image, Font, Stylesheet, Media).
	BlockedResourceTypes []string `yaml:"blocked_resource_types" env:"BLOCKED_RESOURCE_TYPES" envSeparator:","`

	CacheTTL      string `yaml:"cache_ttl"       env:"CACHE_TTL"`
	CacheMaxBytes int64  `yaml:"cache_max_bytes" env:"CACHE_MAX_BYTES"`
}

// RedactedString is a string that masks its value in String(), GoString(), and
// MarshalJSON() to prevent accidental leakage in logs or serialized output.
// Use .Value() to access the underlying secret.
type RedactedString string

const redactedPlaceholder = "[REDACTED]"

// Value returns the underlying secret string.
func (r RedactedString) Value() string { return string(r) }

// String implements fmt.Stringer and always returns a redacted placeholder.
func (r RedactedString) String() string {
	if r == "" {
		return ""
	}
	return redactedPlaceholder
}

// GoString implements fmt.GoStringer for %#v.
func (r RedactedString) GoString() string { return r.String() }

// MarshalJSON masks the value in JSON output.
func (r RedactedString) MarshalJSON() ([]byte, error) {
	if r == "" {
		return []byte(`""`), nil
	}
	return json.Marshal(redactedPlaceholder)
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	Level  LogLevel  `yaml:"level"  env:"LEVEL"`
	Format LogFormat `yaml:"format" env:"FORMAT"`
}

// TracingConfig holds OpenTelemetry tracing settings.
type TracingConfig struct {
	Enabled     bool    `yaml:"enabled"      env:"ENABLED"`
	Endpoint    string  `yaml:"endpoint"     env:"ENDPOINT"`
	ServiceName string  `yaml:"service_name" env:"SERVICE_NAME"`
	SampleRate  float64 `yaml:"sample_rate"  env:"SAMPLE_RATE"`
}

// DefaultAllowedOrigins are the media CDNs the card legitimately embeds:
// the presence provider's avatar/asset hosts and the music provider's
// album art host.
var DefaultAllowedOrigins = []string{
	"cdn.discordapp.com",
	"media.discordapp.net",
	"i.scdn.co",
}

// DefaultBlockedResourceTypes are resource classes that are irrelevant to
// the card unless served from an allowed origin.
var DefaultBlockedResourceTypes = []string{"Image", "Font", "Stylesheet", "Media"}

// Defaults returns a Config populated with sensible default values.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Address:        ":3002",
			ReadTimeout:    "30s",
			WriteTimeout:   "60s",
			IdleTimeout:    "120s",
			DrainTimeout:   "30s",
			RequestTimeout: "45s",
		},
		Admin: AdminConfig{
			Address:      ":9090",
			ReadTimeout:  "5s",
			WriteTimeout: "10s",
			IdleTimeout:  "30s",
		},
		Admission: AdmissionConfig{
			Burst:         BurstConfig{Limit: 10, Window: "1s", SweepInterval: "5s"},
			API:           WindowConfig{Max: 100, Window: "5m"},
			Render:        WindowConfig{Max: 20, Window: "5m"},
			Slowdown:      SlowdownConfig{After: 30, Unit: "100ms", MaxDelay: "2s", Window: "5m"},
			Store:         StoreMemory,
			FailurePolicy: FailurePolicyPassThrough,
			KeyStrategy:   KeyStrategyConfig{Type: KeyStrategyClientIP},
		},
		Redis: RedisConfig{
			Endpoints:    []string{"localhost:6379"},
			Mode:         RedisModeSingle,
			PoolSize:     10,
			DialTimeout:  "5s",
			ReadTimeout:  "3s",
			WriteTimeout: "3s",
		},
		Discord: DiscordConfig{
			FetchTimeout: "5s",
			OpenTimeout:  "15s",
		},
		Supervisor: SupervisorConfig{
			MaxAttempts:   5,
			BaseDelay:     "5s",
			ProbeInterval: "30s",
		},
		Render: RenderConfig{
			Enabled:              true,
			MaxWorkers:           3,
			Headless:             true,
			WorkerTimeout:        "10s",
			AcquireTimeout:       "10s",
			LoadTimeout:          "5s",
			ImagesTimeout:        "5s",
			ImageTimeout:         "3s",
			MeasureTimeout:       "2s",
			CaptureTimeout:       "5s",
			Scale:                2,
			Selector:             "#card",
			AllowedOrigins:       append([]string(nil), DefaultAllowedOrigins...),
			BlockedResourceTypes: append([]string(nil), DefaultBlockedResourceTypes...),
			CacheTTL:             "30s",
			CacheMaxBytes:        64 << 20,
		},
		Logging: LoggingConfig{
			Level:  LogLevelInfo,
			Format: LogFormatJSON,
		},
		Tracing: TracingConfig{
			ServiceName: "statuscard",
			SampleRate:  0.1,
		},
	}
}

// ConfigFilePath returns the resolved config file path (from env or default).
func ConfigFilePath() string {
	configFile := os.Getenv("STATUSCARD_CONFIG_FILE")
	if configFile == "" {
		configFile = defaultConfigFile
	}
	return configFile
}

// Load reads configuration from the YAML file at ConfigFilePath and overlays
// environment variable overrides.
func Load() (*Config, error) {
	return LoadFromPath(ConfigFilePath())
}

// LoadFromPath reads configuration from the given YAML file and overlays
// environment variable overrides. Used by the config watcher to reload.
func LoadFromPath(configFile string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(configFile) // config file path is intentionally user-provided.
	if err == nil {
		if yamlErr := yaml.Unmarshal(data, cfg); yamlErr != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", configFile, yamlErr)
		}
	}
	// If the file doesn't exist, we continue with defaults + env overrides.

	if envErr := env.ParseWithOptions(cfg, env.Options{Prefix: "STATUSCARD_"}); envErr != nil {
		return nil, fmt.Errorf("parsing environment variables: %w", envErr)
	}

	cfg.normalize()

	if err := Validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// normalize lowercases all enum fields so that values like "Redis" or
// "PASSTHROUGH" match the canonical lowercase constants.
func (cfg *Config) normalize() {
	cfg.Admission.Store = StoreBackend(strings.ToLower(string(cfg.Admission.Store)))
	cfg.Admission.FailurePolicy = FailurePolicy(strings.ToLower(string(cfg.Admission.FailurePolicy)))
	cfg.Admission.KeyStrategy.Type = KeyStrategyType(strings.ToLower(string(cfg.Admission.KeyStrategy.Type)))
	cfg.Redis.Mode = RedisMode(strings.ToLower(string(cfg.Redis.Mode)))
	cfg.Logging.Level = LogLevel(strings.ToLower(string(cfg.Logging.Level)))
	cfg.Logging.Format = LogFormat(strings.ToLower(string(cfg.Logging.Format)))
}

// Validate checks that the configuration is internally consistent.
func Validate(cfg *Config) error {
	if err := validateDurations(cfg); err != nil {
		return err
	}
	if err := validateAdmission(cfg); err != nil {
		return err
	}
	if err := validateRedis(cfg); err != nil {
		return err
	}
	if err := validateDiscord(cfg); err != nil {
		return err
	}
	if err := validateSupervisor(cfg); err != nil {
		return err
	}
	if err := validateRender(cfg); err != nil {
		return err
	}
	if err := validateLogging(cfg); err != nil {
		return err
	}
	return validateTracing(cfg)
}

func validateDurations(cfg *Config) error {
	durations := []struct {
		name, val string
	}{
		{"server.read_timeout", cfg.Server.ReadTimeout},
		{"server.write_timeout", cfg.Server.WriteTimeout},
		{"server.idle_timeout", cfg.Server.IdleTimeout},
		{"server.drain_timeout", cfg.Server.DrainTimeout},
		{"server.request_timeout", cfg.Server.RequestTimeout},
		{"admin.read_timeout", cfg.Admin.ReadTimeout},
		{"admin.write_timeout", cfg.Admin.WriteTimeout},
		{"admin.idle_timeout", cfg.Admin.IdleTimeout},
		{"admission.burst.window", cfg.Admission.Burst.Window},
		{"admission.burst.sweep_interval", cfg.Admission.Burst.SweepInterval},
		{"admission.api.window", cfg.Admission.API.Window},
		{"admission.render.window", cfg.Admission.Render.Window},
		{"admission.slowdown.unit", cfg.Admission.Slowdown.Unit},
		{"admission.slowdown.max_delay", cfg.Admission.Slowdown.MaxDelay},
		{"admission.slowdown.window", cfg.Admission.Slowdown.Window},
		{"redis.dial_timeout", cfg.Redis.DialTimeout},
		{"redis.read_timeout", cfg.Redis.ReadTimeout},
		{"redis.write_timeout", cfg.Redis.WriteTimeout},
		{"discord.fetch_timeout", cfg.Discord.FetchTimeout},
		{"discord.open_timeout", cfg.Discord.OpenTimeout},
		{"supervisor.base_delay", cfg.Supervisor.BaseDelay},
		{"supervisor.probe_interval", cfg.Supervisor.ProbeInterval},
		{"render.worker_timeout", cfg.Render.WorkerTimeout},
		{"render.acquire_timeout", cfg.Render.AcquireTimeout},
		{"render.load_timeout", cfg.Render.LoadTimeout},
		{"render.images_timeout", cfg.Render.ImagesTimeout},
		{"render.image_timeout", cfg.Render.ImageTimeout},
		{"render.measure_timeout", cfg.Render.MeasureTimeout},
		{"render.capture_timeout", cfg.Render.CaptureTimeout},
		{"render.cache_ttl", cfg.Render.CacheTTL},
	}

	for _, d := range durations {
		if d.val == "" {
			continue
		}
		v, err := time.ParseDuration(d.val)
		if err != nil {
			return fmt.Errorf("invalid %s %q: %w", d.name, d.val, err)
		}
		if v < 0 {
			return fmt.Errorf("invalid %s %q: must not be negative", d.name, d.val)
		}
	}
	return nil
}

func validateAdmission(cfg *Config) error {
	a := &cfg.Admission
	if a.Burst.Limit < 1 {
		return fmt.Errorf("admission.burst.limit must be >= 1")
	}
	if a.API.Max < 1 {
		return fmt.Errorf("admission.api.max must be >= 1")
	}
	if a.Render.Max < 1 {
		return fmt.Errorf("admission.render.max must be >= 1")
	}
	if a.Slowdown.After < 0 {
		return fmt.Errorf("admission.slowdown.after must be >= 0")
	}
	if a.Store == "" {
		a.Store = StoreMemory
	}
	if !a.Store.Valid() {
		return fmt.Errorf("invalid admission.store %q: must be memory or redis", a.Store)
	}
	if a.FailurePolicy == "" {
		a.FailurePolicy = FailurePolicyPassThrough
	}
	if !a.FailurePolicy.Valid() {
		return fmt.Errorf("invalid admission.failure_policy %q: must be passthrough or failclosed", a.FailurePolicy)
	}
	ks := a.KeyStrategy
	if ks.Type != "" && !ks.Type.Valid() {
		return fmt.Errorf("unknown admission.key_strategy.type %q", ks.Type)
	}
	if ks.Type == KeyStrategyHeader && ks.HeaderName == "" {
		return fmt.Errorf("admission.key_strategy.header_name is required when type is %q", ks.Type)
	}
	return nil
}

func validateRedis(cfg *Config) error {
	if cfg.Admission.Store != StoreRedis {
		return nil
	}
	rc := cfg.Redis
	if !rc.Mode.Valid() {
		return fmt.Errorf("invalid redis.mode %q", rc.Mode)
	}
	if len(rc.Endpoints) == 0 {
		return fmt.Errorf("redis.endpoints: at least one endpoint is required")
	}
	if rc.Mode == RedisModeSingle && len(rc.Endpoints) > 1 {
		return fmt.Errorf("redis.endpoints: single mode requires exactly one endpoint, got %d", len(rc.Endpoints))
	}
	if rc.Mode == RedisModeSentinel && rc.MasterName == "" {
		return fmt.Errorf("redis.master_name is required for sentinel mode")
	}
	return nil
}

func validateDiscord(cfg *Config) error {
	if cfg.Discord.Token == "" {
		return fmt.Errorf("discord.token is required")
	}
	if cfg.Discord.GuildID == "" {
		return fmt.Errorf("discord.guild_id is required")
	}
	return nil
}

func validateSupervisor(cfg *Config) error {
	if cfg.Supervisor.MaxAttempts < 1 {
		return fmt.Errorf("supervisor.max_attempts must be >= 1")
	}
	return nil
}

func validateRender(cfg *Config) error {
	if !cfg.Render.Enabled {
		return nil
	}
	if cfg.Render.MaxWorkers < 1 {
		return fmt.Errorf("render.max_workers must be >= 1")
	}
	if cfg.Render.Scale <= 0 {
		return fmt.Errorf("render.scale must be > 0")
	}
	if cfg.Render.Selector == "" {
		return fmt.Errorf("render.selector is required when rendering is enabled")
	}
	return nil
}

func validateLogging(cfg *Config) error {
	if !cfg.Logging.Level.Valid() {
		return fmt.Errorf("invalid logging.level %q", cfg.Logging.Level)
	}
	if !cfg.Logging.Format.Valid() {
		return fmt.Errorf("invalid logging.format %q", cfg.Logging.Format)
	}
	return nil
}

func validateTracing(cfg *Config) error {
	if cfg.Tracing.Enabled && cfg.Tracing.Endpoint == "" {
		return fmt.Errorf("tracing.endpoint is required when tracing is enabled")
	}
	return nil
}

// ParseDuration parses a duration string, returning def if the string is empty.
func ParseDuration(s string, def time.Duration) (time.Duration, error) {
	if s == "" {
		return def, nil
	}
	return time.ParseDuration(s)
}

// MustParseDuration parses a duration string, returning def on empty or error.
func MustParseDuration(s string, def time.Duration) time.Duration {
	d, err := ParseDuration(s, def)
	if err != nil {
		return def
	}
	return d
}

// RequiresRestart compares this config to old and returns a list of field
// paths that changed and require a process restart. An empty slice means
// the new config can be hot-reloaded safely.
func (c *Config) RequiresRestart(old *Config) []string {
	if old == nil {
		return nil
	}
	var fields []string
	if c.Server.Address != old.Server.Address {
		fields = append(fields, "server.address")
	}
	if c.Admin.Address != old.Admin.Address {
		fields = append(fields, "admin.address")
	}
	if c.Admission.Store != old.Admission.Store {
		fields = append(fields, "admission.store")
	}
	if c.Render.MaxWorkers != old.Render.MaxWorkers {
		fields = append(fields, "render.max_workers")
	}
	if c.Discord.Token != old.Discord.Token || c.Discord.GuildID != old.Discord.GuildID {
		fields = append(fields, "discord")
	}
	return fields
}
