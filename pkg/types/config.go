package types

import (
	"time"
)

// AppConfig is the root configuration for the handoff gateway
type AppConfig struct {
	DebugMode  bool `key:"debugMode" json:"debug_mode"`
	PrettyLogs bool `key:"prettyLogs" json:"pretty_logs"`

	Database DatabaseConfig  `key:"database" json:"database"`
	Gateway  GatewayConfig   `key:"gateway" json:"gateway"`
	Sandbox  SandboxConfig   `key:"sandbox" json:"sandbox"`
	Runtime  RuntimeConfig   `key:"runtime" json:"runtime"`
	GitHub   GitHubAppConfig `key:"github" json:"github"`
	Tools    ToolsConfig     `key:"tools" json:"tools"`
}

// ----------------------------------------------------------------------------
// Database Configuration
// ----------------------------------------------------------------------------

type DatabaseConfig struct {
	Redis    RedisConfig    `key:"redis" json:"redis"`
	Postgres PostgresConfig `key:"postgres" json:"postgres"`
}

type RedisConfig struct {
	Addrs        []string      `key:"addrs" json:"addrs"`
	Username     string        `key:"username" json:"username"`
	Password     string        `key:"password" json:"password"`
	ClientName   string        `key:"clientName" json:"client_name"`
	EnableTLS    bool          `key:"enableTLS" json:"enable_tls"`
	PoolSize     int           `key:"poolSize" json:"pool_size"`
	DialTimeout  time.Duration `key:"dialTimeout" json:"dial_timeout"`
	ReadTimeout  time.Duration `key:"readTimeout" json:"read_timeout"`
	WriteTimeout time.Duration `key:"writeTimeout" json:"write_timeout"`
}

type PostgresConfig struct {
	Host            string        `key:"host" json:"host"`
	Port            int           `key:"port" json:"port"`
	User            string        `key:"user" json:"user"`
	Password        string        `key:"password" json:"password"`
	Database        string        `key:"database" json:"database"`
	SSLMode         string        `key:"sslMode" json:"ssl_mode"`
	MaxOpenConns    int           `key:"maxOpenConns" json:"max_open_conns"`
	MaxIdleConns    int           `key:"maxIdleConns" json:"max_idle_conns"`
	ConnMaxLifetime time.Duration `key:"connMaxLifetime" json:"conn_max_lifetime"`
}

// ----------------------------------------------------------------------------
// Gateway Configuration
// ----------------------------------------------------------------------------

type GatewayConfig struct {
	Host string `key:"host" json:"host"`
	Port int    `key:"port" json:"port"`

	// ExternalURL is the address sandboxes use to call back into the
	// control plane with their session token.
	ExternalURL string `key:"externalUrl" json:"external_url"`

	ShutdownTimeout time.Duration `key:"shutdownTimeout" json:"shutdown_timeout"`
}

// ----------------------------------------------------------------------------
// Sandbox Provider Configuration
// ----------------------------------------------------------------------------

// SandboxConfig configures the sandbox provisioning service and how
// delegations use instances spawned from it.
type SandboxConfig struct {
	// BaseURL of the provisioning service HTTP API
	BaseURL string `key:"baseUrl" json:"base_url"`

	// APIToken authenticates calls to the provisioning service
	APIToken string `key:"apiToken" json:"api_token"`

	// SnapshotID is the golden image new instances start from
	SnapshotID string `key:"snapshotId" json:"snapshot_id"`

	// TTLSeconds is passed to the provider at start so abandoned
	// instances expire server-side even if release never runs
	TTLSeconds int `key:"ttlSeconds" json:"ttl_seconds"`

	// ReadyTimeout bounds the wait for a newly spawned instance
	ReadyTimeout time.Duration `key:"readyTimeout" json:"ready_timeout"`

	// RuntimeServiceName is the named http service exposing the task
	// runtime inside the instance
	RuntimeServiceName string `key:"runtimeServiceName" json:"runtime_service_name"`

	// DebugServiceName is the named http service exposing the visual
	// debug surface (VNC); optional
	DebugServiceName string `key:"debugServiceName" json:"debug_service_name"`

	// WorkspaceDir is the default working directory inside the instance
	WorkspaceDir string `key:"workspaceDir" json:"workspace_dir"`

	// CleanupOnRelease stops newly spawned instances when the delegation
	// releases them; reused instances are never stopped
	CleanupOnRelease bool `key:"cleanupOnRelease" json:"cleanup_on_release"`
}

// ----------------------------------------------------------------------------
// Task Runtime Configuration
// ----------------------------------------------------------------------------

// RuntimeConfig holds the model/provider credentials written into the
// sandbox before a task is dispatched.
type RuntimeConfig struct {
	Provider string `key:"provider" json:"provider"`
	APIKey   string `key:"apiKey" json:"api_key"`
	Model    string `key:"model" json:"model"`

	// SetupInstructions is prepended to every task prompt when set
	SetupInstructions string `key:"setupInstructions" json:"setup_instructions"`
}

// ----------------------------------------------------------------------------
// Source Hosting (GitHub App) Configuration
// ----------------------------------------------------------------------------

type GitHubAppConfig struct {
	AppID      int64  `key:"appId" json:"app_id"`
	PrivateKey string `key:"privateKey" json:"private_key"`
	APIBase    string `key:"apiBase" json:"api_base"`
}

// ----------------------------------------------------------------------------
// Tool Integration Configuration
// ----------------------------------------------------------------------------

// ToolServerConfig describes one named tool-integration server registered
// with the task runtime before dispatch.
type ToolServerConfig struct {
	URL     string            `key:"url" json:"url"`
	Command string            `key:"command" json:"command"`
	Args    []string          `key:"args" json:"args"`
	Env     map[string]string `key:"env" json:"env"`

	// Primary integrations must register successfully; secondary ones
	// log a warning and are skipped on failure
	Primary bool `key:"primary" json:"primary"`
}

type ToolsConfig struct {
	Servers map[string]ToolServerConfig `key:"servers" json:"servers"`

	// FailOnSecondary escalates secondary registration failures to fatal
	FailOnSecondary bool `key:"failOnSecondary" json:"fail_on_secondary"`
}
