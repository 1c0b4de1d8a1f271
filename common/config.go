package common

import "github.com/spf13/viper"

// ===============================================================================
// NATS Related Config

// NATSReconnectConfig defines reconnect parameters
type NATSReconnectConfig struct {
	// MaxAttempts sets the max number of reconnect attempts (-1 is unlimited)
	MaxAttempts int `mapstructure:"max_attempts" json:"max_attempts" validate:"gte=-1"`
	// WaitInterval is the duration between reconnect attempts in seconds
	WaitInterval int `mapstructure:"wait_interval_sec" json:"wait_interval_sec" validate:"gte=1"`
}

// NATSConfig defines parameters for connecting to NATS server
type NATSConfig struct {
	// ServerURI is the NATS connection URI
	ServerURI string `mapstructure:"server_uri" json:"server_uri" validate:"required,uri"`
	// ConnectTimeout is the max duration for connecting to NATS server in seconds
	ConnectTimeout int `mapstructure:"connect_timeout_sec" json:"connect_timeout_sec" validate:"gte=1"`
	// Reconnect defines reconnect parameters
	Reconnect NATSReconnectConfig `mapstructure:"reconnect" json:"reconnect" validate:"required,dive"`
}

// ===============================================================================
// HTTP Related Config

// HTTPServerConfig defines the HTTP server parameters
type HTTPServerConfig struct {
	// ListenOn is the interface the HTTP server will listen on
	ListenOn string `mapstructure:"listen_on" json:"listen_on" validate:"required,ip"`
	// Port is the port the HTTP server will listen on
	Port uint16 `mapstructure:"listen_port" json:"listen_port" validate:"required,gt=0,lt=65536"`
	// ReadTimeout is the maximum duration for reading the entire
	// request, including the body in seconds. A zero or negative
	// value means there will be no timeout.
	ReadTimeout int `mapstructure:"read_timeout_sec" json:"read_timeout_sec" validate:"gte=0"`
	// WriteTimeout is the maximum duration before timing out
	// writes of the response in seconds. A zero or negative value
	// means there will be no timeout.
	WriteTimeout int `mapstructure:"write_timeout_sec" json:"write_timeout_sec" validate:"gte=0"`
	// IdleTimeout is the maximum amount of time to wait for the
	// next request when keep-alives are enabled in seconds. If
	// IdleTimeout is zero, the value of ReadTimeout is used. If
	// both are zero, there is no timeout.
	IdleTimeout int `mapstructure:"idle_timeout_sec" json:"idle_timeout_sec" validate:"gte=0"`
}

// HTTPRequestLogging defines HTTP request logging parameters
type HTTPRequestLogging struct {
	// RequestIDHeader is the HTTP header containing the API request ID
	RequestIDHeader string `mapstructure:"request_id_header" json:"request_id_header"`
	// DoNotLogHeaders is the list of headers to not include in logging metadata
	DoNotLogHeaders []string `mapstructure:"do_not_log_headers" json:"do_not_log_headers"`
}

// HTTPConfig defines HTTP API / server parameters
type HTTPConfig struct {
	// Server defines HTTP server parameters
	Server HTTPServerConfig `mapstructure:"server_config" json:"server_config" validate:"required,dive"`
	// Logging defines operation logging parameters
	Logging HTTPRequestLogging `mapstructure:"logging_config" json:"logging_config" validate:"required,dive"`
}

// ===============================================================================
// Client Authentication Related Config

// AuthenticationConfig defines client authentication parameters
type AuthenticationConfig struct {
	// Enabled controls whether clients must authenticate before using data-plane messages
	Enabled bool `mapstructure:"enabled" json:"enabled"`
	// Mode selects the token verification mode: [static jwt]
	Mode string `mapstructure:"mode" json:"mode" validate:"oneof=static jwt"`
	// Token is the shared token clients must present when mode is "static"
	Token string `mapstructure:"token" json:"token"`
	// JWTSecret is the HMAC signing secret used to verify tokens when mode is "jwt"
	JWTSecret string `mapstructure:"jwt_secret" json:"jwt_secret"`
}

// ===============================================================================
// Session Liveness Related Config

// HeartbeatConfig defines session liveness check parameters
type HeartbeatConfig struct {
	// Enabled controls whether per-session liveness checks run
	Enabled bool `mapstructure:"enabled" json:"enabled"`
	// IntervalSec is the duration between liveness probes in seconds. A session
	// silent for more than twice this interval is considered dead.
	IntervalSec int `mapstructure:"interval_sec" json:"interval_sec" validate:"gte=1"`
}

// ===============================================================================
// Connection Limit Related Config

// ConnectionLimitConfig defines connection acceptance limits
type ConnectionLimitConfig struct {
	// MaxConnections is the max number of concurrent client sessions. Connects
	// beyond this ceiling are closed immediately with a capacity status.
	MaxConnections int `mapstructure:"max_connections" json:"max_connections" validate:"gte=1"`
	// OutboundBufferLen is the max number of frames buffered towards one client.
	// A client unable to drain its buffer is disconnected.
	OutboundBufferLen int `mapstructure:"outbound_buffer_len" json:"outbound_buffer_len" validate:"gte=1"`
}

// ===============================================================================
// Message Validation Related Config

// ValidationConfig defines inbound data message validation parameters
type ValidationConfig struct {
	// Enabled controls whether data message payloads are checked for required fields
	Enabled bool `mapstructure:"enabled" json:"enabled"`
	// RequiredFields is the list of field names a data message payload must
	// carry with non-empty values
	RequiredFields []string `mapstructure:"required_fields" json:"required_fields"`
}

// ===============================================================================
// Storage Related Config

// SqliteConfig defines parameters for the sqlite storage backend
type SqliteConfig struct {
	// DBFile is the sqlite database file path
	DBFile string `mapstructure:"db_file" json:"db_file" validate:"required"`
}

// DatabaseConfig defines the storage collaborator parameters
type DatabaseConfig struct {
	// Backend selects the storage backend: [memory sqlite natskv]
	Backend string `mapstructure:"backend" json:"backend" validate:"oneof=memory sqlite natskv"`
	// DefaultResource is the resource name used for data messages which do not
	// name one themselves
	DefaultResource string `mapstructure:"default_resource" json:"default_resource" validate:"required"`
	// SyncEnabled controls whether data messages are forwarded to the storage backend
	SyncEnabled bool `mapstructure:"sync_enabled" json:"sync_enabled"`
	// Sqlite are the sqlite backend parameters
	Sqlite SqliteConfig `mapstructure:"sqlite" json:"sqlite" validate:"required,dive"`
	// NATS are the NATS connection parameters for the natskv backend
	NATS NATSConfig `mapstructure:"nats" json:"nats" validate:"required,dive"`
}

// ===============================================================================
// Fan-out Related Config

// BroadcastConfig defines room broadcast parameters
type BroadcastConfig struct {
	// RoomEnabled controls whether successful data messages fan out to the
	// matching resource room
	RoomEnabled bool `mapstructure:"room_enabled" json:"room_enabled"`
}

// ===============================================================================
// Complete Config

// SystemConfig defines the complete system config of the fan-out hub
type SystemConfig struct {
	// HTTP are the HTTP / WebSocket server configs
	HTTP HTTPConfig `mapstructure:"http" json:"http" validate:"required,dive"`
	// Auth are the client authentication configs
	Auth AuthenticationConfig `mapstructure:"auth" json:"auth" validate:"required,dive"`
	// Heartbeat are the session liveness configs
	Heartbeat HeartbeatConfig `mapstructure:"heartbeat" json:"heartbeat" validate:"required,dive"`
	// Limits are the connection acceptance limits
	Limits ConnectionLimitConfig `mapstructure:"limits" json:"limits" validate:"required,dive"`
	// Validation are the inbound message validation configs
	Validation ValidationConfig `mapstructure:"validation" json:"validation" validate:"required,dive"`
	// Database are the storage collaborator configs
	Database DatabaseConfig `mapstructure:"database" json:"database" validate:"required,dive"`
	// Broadcast are the fan-out configs
	Broadcast BroadcastConfig `mapstructure:"broadcast" json:"broadcast" validate:"required,dive"`
}

// ===============================================================================

// InstallDefaultConfigValues installs default config parameters in viper
func InstallDefaultConfigValues() {
	// Default HTTP server settings
	viper.SetDefault("http.server_config.listen_on", "0.0.0.0")
	viper.SetDefault("http.server_config.listen_port", 8321)
	viper.SetDefault("http.server_config.read_timeout_sec", 0)
	viper.SetDefault("http.server_config.write_timeout_sec", 0)
	viper.SetDefault("http.server_config.idle_timeout_sec", 600)
	viper.SetDefault("http.logging_config.request_id_header", "Hubmq-Request-ID")
	viper.SetDefault("http.logging_config.do_not_log_headers", []string{
		"WWW-Authenticate", "Authorization", "Proxy-Authenticate", "Proxy-Authorization",
	})

	// Default authentication settings
	viper.SetDefault("auth.enabled", false)
	viper.SetDefault("auth.mode", "static")
	viper.SetDefault("auth.token", "")
	viper.SetDefault("auth.jwt_secret", "")

	// Default heartbeat settings
	viper.SetDefault("heartbeat.enabled", true)
	viper.SetDefault("heartbeat.interval_sec", 30)

	// Default connection limits
	viper.SetDefault("limits.max_connections", 100)
	viper.SetDefault("limits.outbound_buffer_len", 64)

	// Default validation settings
	viper.SetDefault("validation.enabled", false)
	viper.SetDefault("validation.required_fields", []string{})

	// Default storage settings
	viper.SetDefault("database.backend", "memory")
	viper.SetDefault("database.default_resource", "sensor_data")
	viper.SetDefault("database.sync_enabled", true)
	viper.SetDefault("database.sqlite.db_file", "hubmq.db")
	viper.SetDefault("database.nats.server_uri", "nats://127.0.0.1:4222")
	viper.SetDefault("database.nats.connect_timeout_sec", 30)
	viper.SetDefault("database.nats.reconnect.max_attempts", -1)
	viper.SetDefault("database.nats.reconnect.wait_interval_sec", 15)

	// Default fan-out settings
	viper.SetDefault("broadcast.room_enabled", true)
}
