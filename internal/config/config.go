// Package config is the OAGW bootstrap configuration: process-level settings
// loaded once at start (and hot-reloaded via Watcher) that are distinct from
// the tenant/upstream/route domain model, which lives behind the repository
// interface (internal/repository) and is owned by the out-of-scope
// management surface per spec.md §6.
package config

import "time"

// Config is the complete bootstrap configuration tree.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Repository RepositoryConfig `yaml:"repository"`
	Logging    LoggingConfig    `yaml:"logging"`
	Admin      AdminConfig      `yaml:"admin"`
	Resilience ResilienceConfig `yaml:"resilience"`
	Tracing    TracingConfig    `yaml:"tracing"`
	IngressAuth IngressAuthConfig `yaml:"ingress_auth"`
}

// ServerConfig defines the proxy listener.
type ServerConfig struct {
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"`
}

// RepositoryConfig selects and configures the Configuration Repository
// Interface backend (spec.md §6).
type RepositoryConfig struct {
	Type string     `yaml:"type"` // memory, etcd
	Etcd EtcdConfig `yaml:"etcd"`
}

// EtcdConfig configures the etcd-backed repository.
type EtcdConfig struct {
	Endpoints   []string      `yaml:"endpoints"`
	Username    string        `yaml:"username"`
	Password    string        `yaml:"password"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
}

// LoggingConfig defines logging settings.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	Output     string `yaml:"output"`
	MaxSize    int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAge     int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// AdminConfig defines the read-only admin/debug surface (SPEC_FULL.md §C).
type AdminConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// ResilienceConfig holds process-wide default ceilings applied when an
// upstream or route does not configure its own (spec.md §4.1 treats an
// absent value as unbounded for the merge — these are the operator-chosen
// process defaults used when nothing in the chain sets a bound at all).
type ResilienceConfig struct {
	DefaultMaxBodySize      int64         `yaml:"default_max_body_size"`
	HardMaxBodySize         int64         `yaml:"hard_max_body_size"`
	DefaultConnectTimeout   time.Duration `yaml:"default_connect_timeout"`
	DefaultRequestTimeout   time.Duration `yaml:"default_request_timeout"`
	DefaultIdleTimeout      time.Duration `yaml:"default_idle_timeout"`
	HTTPVersionCacheTTL     time.Duration `yaml:"http_version_cache_ttl"`
	EffectiveConfigCacheCap int           `yaml:"effective_config_cache_capacity"`
	RouteCacheCap           int           `yaml:"route_cache_capacity"`
}

// TracingConfig configures the otel exporter for the observability hook.
type TracingConfig struct {
	Enabled      bool    `yaml:"enabled"`
	ServiceName  string  `yaml:"service_name"`
	OTLPEndpoint string  `yaml:"otlp_endpoint"`
	SampleRate   float64 `yaml:"sample_rate"`
}

// IngressAuthConfig configures the bearer-token authenticator that guards
// the proxy entrypoint itself (spec.md §6 "required inbound authentication")
// — separate from the per-upstream Auth plugin chain, which authenticates
// the request a second time against the target API's own credentials.
type IngressAuthConfig struct {
	Algorithm      string   `yaml:"algorithm"` // HS256, HS384, HS512, RS256, RS384, RS512
	SecretRef      string   `yaml:"secret_ref"`
	PublicKeyPEM   string   `yaml:"public_key_pem"`
	Issuer         string   `yaml:"issuer"`
	Audience       []string `yaml:"audience"`
	RequiredScope  string   `yaml:"required_permission"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:         8080,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		Repository: RepositoryConfig{
			Type: "memory",
			Etcd: EtcdConfig{
				Endpoints:   []string{"localhost:2379"},
				DialTimeout: 5 * time.Second,
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Output: "stdout",
		},
		Admin: AdminConfig{
			Enabled: true,
			Port:    8081,
		},
		Resilience: ResilienceConfig{
			DefaultMaxBodySize:      10 << 20,  // 10 MiB
			HardMaxBodySize:         100 << 20, // 100 MiB ceiling, spec.md §4.5
			DefaultConnectTimeout:   5 * time.Second,
			DefaultRequestTimeout:   30 * time.Second,
			DefaultIdleTimeout:      15 * time.Second,
			HTTPVersionCacheTTL:     time.Hour,
			EffectiveConfigCacheCap: 1000,
			RouteCacheCap:           10000,
		},
		Tracing: TracingConfig{
			ServiceName: "oagw",
			SampleRate:  1.0,
		},
		IngressAuth: IngressAuthConfig{
			Algorithm:     "HS256",
			SecretRef:     "OAGW_INGRESS_SECRET",
			RequiredScope: "gts.x.core.oagw.proxy.v1~:invoke",
		},
	}
}
