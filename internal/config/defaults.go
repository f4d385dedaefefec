package config

import "time"

// Default values for optional configuration fields.
const (
	DefaultHeartbeatInterval    = 10 * time.Second
	DefaultBrokerReadTimeout    = 30 * time.Second
	DefaultWriteTimeout         = 5 * time.Second
	DefaultHandshakeTimeout     = 10 * time.Second
	DefaultReconnectBaseDelay   = 1 * time.Second
	DefaultReconnectMaxDelay    = 30 * time.Second
	DefaultMaxReconnectAttempts = 5
	DefaultAPITimeout           = 30 * time.Second
	DefaultMaxRetries           = 3
	DefaultQueueCapacity        = 64
	DefaultErrorBufferSize      = 100
	DefaultCancelLockout        = 3 * time.Second
	DefaultRequestTimeout       = 30 * time.Second
	DefaultSuccessDelay         = 2 * time.Second
	DefaultRetiredTrades        = 1024
	DefaultDBPort               = 5432
	DefaultDBSSLMode            = "prefer"
	DefaultMaxConns             = 4
	DefaultMinConns             = 1
	DefaultBatchSize            = 100
	DefaultFlushInterval        = 1 * time.Second
	DefaultBufferSize           = 1000
	DefaultPollInterval         = 5 * time.Minute
	DefaultPageSize             = 50
	DefaultMaxPages             = 10
	DefaultPollConcurrency      = 4
	DefaultMetricsPort          = 9090
	DefaultMetricsPath          = "/metrics"
)

func (c *MatcherConfig) applyDefaults() {
	// Broker defaults
	if c.Broker.HeartbeatInterval == 0 {
		c.Broker.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.Broker.ReadTimeout == 0 {
		c.Broker.ReadTimeout = DefaultBrokerReadTimeout
	}
	if c.Broker.WriteTimeout == 0 {
		c.Broker.WriteTimeout = DefaultWriteTimeout
	}
	if c.Broker.HandshakeTimeout == 0 {
		c.Broker.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.Broker.ReconnectBaseDelay == 0 {
		c.Broker.ReconnectBaseDelay = DefaultReconnectBaseDelay
	}
	if c.Broker.ReconnectMaxDelay == 0 {
		c.Broker.ReconnectMaxDelay = DefaultReconnectMaxDelay
	}
	if c.Broker.MaxReconnectAttempts == 0 {
		c.Broker.MaxReconnectAttempts = DefaultMaxReconnectAttempts
	}

	// API defaults
	if c.API.Timeout == 0 {
		c.API.Timeout = DefaultAPITimeout
	}
	if c.API.MaxRetries == 0 {
		c.API.MaxRetries = DefaultMaxRetries
	}

	// Router defaults
	if c.Router.QueueCapacity == 0 {
		c.Router.QueueCapacity = DefaultQueueCapacity
	}
	if c.Router.ErrorBufferSize == 0 {
		c.Router.ErrorBufferSize = DefaultErrorBufferSize
	}

	// Negotiation defaults
	if c.Negotiation.CancelLockout == 0 {
		c.Negotiation.CancelLockout = DefaultCancelLockout
	}
	if c.Negotiation.RequestTimeout == 0 {
		c.Negotiation.RequestTimeout = DefaultRequestTimeout
	}
	if c.Negotiation.SuccessDelay == 0 {
		c.Negotiation.SuccessDelay = DefaultSuccessDelay
	}
	if c.Negotiation.RetiredTrades == 0 {
		c.Negotiation.RetiredTrades = DefaultRetiredTrades
	}

	// Journal defaults
	if c.Journal.BatchSize == 0 {
		c.Journal.BatchSize = DefaultBatchSize
	}
	if c.Journal.FlushInterval == 0 {
		c.Journal.FlushInterval = DefaultFlushInterval
	}
	if c.Journal.BufferSize == 0 {
		c.Journal.BufferSize = DefaultBufferSize
	}
	applyDBDefaults(&c.Journal.Database)

	// Poller defaults
	if c.Poller.Interval == 0 {
		c.Poller.Interval = DefaultPollInterval
	}
	if c.Poller.PageSize == 0 {
		c.Poller.PageSize = DefaultPageSize
	}
	if c.Poller.MaxPages == 0 {
		c.Poller.MaxPages = DefaultMaxPages
	}
	if c.Poller.Concurrency == 0 {
		c.Poller.Concurrency = DefaultPollConcurrency
	}

	// Metrics defaults
	if c.Metrics.Port == 0 {
		c.Metrics.Port = DefaultMetricsPort
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = DefaultMetricsPath
	}
}

func applyDBDefaults(db *DBConfig) {
	if db.Port == 0 {
		db.Port = DefaultDBPort
	}
	if db.SSLMode == "" {
		db.SSLMode = DefaultDBSSLMode
	}
	if db.MaxConns == 0 {
		db.MaxConns = DefaultMaxConns
	}
	if db.MinConns == 0 {
		db.MinConns = DefaultMinConns
	}
}
