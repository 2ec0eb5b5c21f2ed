// Package config defines Nexus's configuration struct tree and its YAML
// loading/validation, grounded on the teacher's config/loader.go Config
// struct and Loader builder (gopkg.in/yaml.v3, a validators slice run
// by Loader.Load) — trimmed to what spec.md's External Interfaces section
// asks Nexus itself to own: YAML-into-struct plus `{{ env.NAME }}`
// substitution. CLI flags, TOML, and JWKS polling are explicitly out of
// scope (spec.md §1).
package config

import "time"

// Config is Nexus's complete runtime configuration.
type Config struct {
	Server    ServerConfig            `yaml:"server"`
	Identity  IdentityConfig          `yaml:"identity"`
	RateLimit HTTPRateLimitConfig     `yaml:"rate_limit"`
	LLM       LLMConfig               `yaml:"llm"`
	MCP       []DownstreamServerConfig `yaml:"mcp_servers"`
	Log       LogConfig               `yaml:"log"`
}

// ServerConfig holds the listener and lifecycle settings.
type ServerConfig struct {
	Listen          string        `yaml:"listen"`
	MetricsListen   string        `yaml:"metrics_listen"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// LogConfig configures zap's encoder/level, mirroring the teacher's
// LogConfig fields.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug|info|warn|error
	Format string `yaml:"format"` // json|console
}

// IdentityConfig configures the client-identity extractor (spec §2
// "Identity extractor").
type IdentityConfig struct {
	// Source selects where (client_id, group) are read from: "jwt" (claims
	// named by ClientIDClaim/GroupClaim) or "header" (X-Client-ID/
	// X-Client-Group).
	Source             string   `yaml:"source"`
	JWTSecret          string   `yaml:"jwt_secret,omitempty"`
	JWTPublicKey       string   `yaml:"jwt_public_key,omitempty"`
	ClientIDClaim      string   `yaml:"client_id_claim,omitempty"`
	GroupClaim         string   `yaml:"group_claim,omitempty"`
	Issuer             string   `yaml:"issuer,omitempty"`
	Audience           string   `yaml:"audience,omitempty"`
	GroupValues        []string `yaml:"group_values,omitempty"`
	OAuthResource      string   `yaml:"oauth_resource,omitempty"`
	OAuthAuthzServers  []string `yaml:"oauth_authorization_servers,omitempty"`
	TrustedProxyHops   int      `yaml:"x_forwarded_for_trusted_hops,omitempty"`
}

// RateLimitSpec is one (limit, interval) pair: admit at most Limit units per
// Interval.
type RateLimitSpec struct {
	Limit    int64         `yaml:"limit"`
	Interval time.Duration `yaml:"interval"`
}

// GroupRateLimit resolves to the most specific of a per-group override or
// the shared default, per spec §4.1's "most specific first" rule.
type GroupRateLimit struct {
	Default *RateLimitSpec            `yaml:"default,omitempty"`
	Groups  map[string]RateLimitSpec `yaml:"groups,omitempty"`
}

// HTTPRateLimitConfig holds the backend choice and the global and per-IP
// HTTP-level limits; per-MCP-server and per-tool limits live on the
// downstream server entries.
type HTTPRateLimitConfig struct {
	Backend string          `yaml:"backend"` // "memory" | "redis"
	Redis   *RedisConfig    `yaml:"redis,omitempty"`
	Global  *RateLimitSpec  `yaml:"global,omitempty"`
	PerIP   *RateLimitSpec  `yaml:"per_ip,omitempty"`
}

// RedisConfig configures the Redis rate-limit backend's connection pool.
type RedisConfig struct {
	Addr            string        `yaml:"addr"`
	Password        string        `yaml:"password,omitempty"`
	DB              int           `yaml:"db,omitempty"`
	KeyPrefix       string        `yaml:"key_prefix,omitempty"`
	PoolSize        int           `yaml:"pool_size,omitempty"`
	DialTimeout     time.Duration `yaml:"dial_timeout,omitempty"`
	PoolWaitTimeout time.Duration `yaml:"pool_wait_timeout,omitempty"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime,omitempty"`
	OpTimeout       time.Duration `yaml:"op_timeout,omitempty"`
}

// LLMConfig is the top-level LLM provider registry.
type LLMConfig struct {
	Providers []ProviderConfig `yaml:"providers"`
}

// ProviderConfig is one upstream LLM provider (spec §3 "Provider" entity).
type ProviderConfig struct {
	Name         string          `yaml:"name"`
	Kind         string          `yaml:"kind"` // openai|anthropic|google|bedrock
	APIKey       string          `yaml:"api_key,omitempty"`
	BaseURL      string          `yaml:"base_url,omitempty"`
	ModelFilter  string          `yaml:"model_filter,omitempty"`
	Models       []ModelConfig   `yaml:"models,omitempty"`
	ForwardToken bool            `yaml:"forward_token,omitempty"`
	Headers      []HeaderRuleConfig `yaml:"headers,omitempty"`
	RateLimit    *GroupRateLimit `yaml:"rate_limit,omitempty"`
	Timeout      time.Duration   `yaml:"timeout,omitempty"`

	// Bedrock-only.
	AWSRegion  string `yaml:"aws_region,omitempty"`
	AWSProfile string `yaml:"aws_profile,omitempty"`
}

// ModelConfig is one explicitly declared model under a provider (spec §3
// "ModelConfig" entity).
type ModelConfig struct {
	ID        string             `yaml:"id"`
	Rename    string             `yaml:"rename,omitempty"`
	Headers   []HeaderRuleConfig `yaml:"headers,omitempty"`
	RateLimit *GroupRateLimit    `yaml:"rate_limit,omitempty"`
}

// HeaderRuleConfig is one declared header-transform rule (spec §4.3).
type HeaderRuleConfig struct {
	Kind    string `yaml:"kind"` // forward|insert|remove|rename_duplicate
	Name    string `yaml:"name,omitempty"`
	Pattern string `yaml:"pattern,omitempty"`
	Default string `yaml:"default,omitempty"`
	Rename  string `yaml:"rename,omitempty"`
	Value   string `yaml:"value,omitempty"`
}

// ACLConfig is a server- or tool-level access-control list (spec §4.2).
type ACLConfig struct {
	Allow []string `yaml:"allow,omitempty"`
	Deny  []string `yaml:"deny,omitempty"`
}

// ToolOverrideConfig lets a specific downstream tool override its server's
// ACL and/or rate limit.
type ToolOverrideConfig struct {
	ACL       *ACLConfig      `yaml:"acl,omitempty"`
	RateLimit *RateLimitSpec  `yaml:"rate_limit,omitempty"`
}

// DownstreamServerConfig is one federated MCP server (spec §3
// "DownstreamServer" entity).
type DownstreamServerConfig struct {
	Name      string                         `yaml:"name"`
	Transport string                         `yaml:"transport"` // stdio|http|sse
	Stdio     *StdioTransportConfig          `yaml:"stdio,omitempty"`
	HTTP      *HTTPTransportConfig          `yaml:"http,omitempty"`
	SSE       *SSETransportConfig           `yaml:"sse,omitempty"`
	Auth      *DownstreamAuthConfig         `yaml:"auth,omitempty"`
	Headers   []HeaderRuleConfig            `yaml:"headers,omitempty"`
	ACL       *ACLConfig                    `yaml:"acl,omitempty"`
	RateLimit *RateLimitSpec                `yaml:"rate_limit,omitempty"`
	Tools     map[string]ToolOverrideConfig `yaml:"tools,omitempty"`
}

// StdioTransportConfig configures a subprocess-backed downstream server.
type StdioTransportConfig struct {
	Command       string            `yaml:"command"`
	Args          []string          `yaml:"args,omitempty"`
	Env           map[string]string `yaml:"env,omitempty"`
	Cwd           string            `yaml:"cwd,omitempty"`
	StderrPolicy  string            `yaml:"stderr_policy,omitempty"` // discard|inherit|file
	StderrFile    string            `yaml:"stderr_file,omitempty"`
	StartupTimeout time.Duration    `yaml:"startup_timeout,omitempty"`
}

// HTTPTransportConfig configures a streamable-HTTP downstream server.
type HTTPTransportConfig struct {
	URL string `yaml:"url"`
}

// SSETransportConfig configures an SSE downstream server.
type SSETransportConfig struct {
	URL        string `yaml:"url"`
	MessageURL string `yaml:"message_url,omitempty"`
}

// DownstreamAuthConfig is a downstream server's auth policy.
type DownstreamAuthConfig struct {
	Type  string `yaml:"type"` // static|forward
	Token string `yaml:"token,omitempty"`
}
