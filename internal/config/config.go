package config

import "time"

// MatcherConfig is the root configuration for a matcher client.
type MatcherConfig struct {
	Broker      BrokerConfig      `yaml:"broker"`
	API         APIConfig         `yaml:"api"`
	Auth        AuthConfig        `yaml:"auth"`
	Router      RouterConfig      `yaml:"router"`
	Negotiation NegotiationConfig `yaml:"negotiation"`
	Journal     JournalConfig     `yaml:"journal"`
	Poller      PollerConfig      `yaml:"poller"`
	Metrics     MetricsConfig     `yaml:"metrics"`
}

// BrokerConfig holds STOMP-over-WebSocket settings.
type BrokerConfig struct {
	URL                  string        `yaml:"url"`  // e.g. wss://coupon.example.com/ws
	Host                 string        `yaml:"host"` // STOMP virtual host; defaults to the URL host
	HeartbeatInterval    time.Duration `yaml:"heartbeat_interval"`
	ReadTimeout          time.Duration `yaml:"read_timeout"`
	WriteTimeout         time.Duration `yaml:"write_timeout"`
	HandshakeTimeout     time.Duration `yaml:"handshake_timeout"`
	ReconnectBaseDelay   time.Duration `yaml:"reconnect_base_delay"`
	ReconnectMaxDelay    time.Duration `yaml:"reconnect_max_delay"`
	MaxReconnectAttempts int           `yaml:"max_reconnect_attempts"`
}

// APIConfig holds REST collaborator settings.
type APIConfig struct {
	RestURL    string        `yaml:"rest_url"`
	Timeout    time.Duration `yaml:"timeout"`
	MaxRetries int           `yaml:"max_retries"`
}

// AuthConfig holds the bearer credential.
type AuthConfig struct {
	AccessToken  string `yaml:"access_token"`
	RefreshToken string `yaml:"refresh_token"` // Enables reissue on CredentialExpired
}

// RouterConfig holds Subscription Router settings.
type RouterConfig struct {
	QueueCapacity   int `yaml:"queue_capacity"`
	ErrorBufferSize int `yaml:"error_buffer_size"`
}

// NegotiationConfig holds the buyer negotiation timings.
type NegotiationConfig struct {
	CancelLockout  time.Duration `yaml:"cancel_lockout"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	SuccessDelay   time.Duration `yaml:"success_delay"`
	RetiredTrades  int           `yaml:"retired_trades"`
}

// JournalConfig holds the trade transition journal settings.
type JournalConfig struct {
	Enabled       bool          `yaml:"enabled"`
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	BufferSize    int           `yaml:"buffer_size"`
	Database      DBConfig      `yaml:"database"`
}

// DBConfig holds a single database connection.
type DBConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"ssl_mode"`
	MaxConns int    `yaml:"max_conns"`
	MinConns int    `yaml:"min_conns"`
}

// PollerConfig holds trade history seeding settings.
type PollerConfig struct {
	Enabled     bool          `yaml:"enabled"`
	Interval    time.Duration `yaml:"interval"`
	PageSize    int           `yaml:"page_size"`
	MaxPages    int           `yaml:"max_pages"`
	Concurrency int           `yaml:"concurrency"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    int    `yaml:"port"`
	Path    string `yaml:"path"`
}

// envOverrides are secrets read from the environment.
type envOverrides struct {
	AccessToken  string `env:"MATCHER_ACCESS_TOKEN"`
	RefreshToken string `env:"MATCHER_REFRESH_TOKEN"`
	DBPassword   string `env:"MATCHER_DB_PASSWORD"`
}
