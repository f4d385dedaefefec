package config

import (
	"errors"
	"fmt"
	"net/url"
)

// Validate checks that all required fields are set and values are valid.
func (c *MatcherConfig) Validate() error {
	if c.Broker.URL == "" {
		return errors.New("broker.url is required")
	}
	u, err := url.Parse(c.Broker.URL)
	if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
		return fmt.Errorf("broker.url must be a ws:// or wss:// URL, got %q", c.Broker.URL)
	}
	if c.Broker.MaxReconnectAttempts < 0 {
		return errors.New("broker.max_reconnect_attempts must be >= 0")
	}

	if c.Auth.AccessToken == "" {
		return errors.New("auth.access_token is required")
	}
	if c.API.RestURL == "" && (c.Auth.RefreshToken != "" || c.Poller.Enabled) {
		return errors.New("api.rest_url is required for token reissue and history polling")
	}

	if c.Router.QueueCapacity < 1 {
		return errors.New("router.queue_capacity must be >= 1")
	}

	if c.Negotiation.CancelLockout >= c.Negotiation.RequestTimeout {
		return fmt.Errorf("negotiation.cancel_lockout (%s) must be shorter than request_timeout (%s)",
			c.Negotiation.CancelLockout, c.Negotiation.RequestTimeout)
	}

	if c.Journal.Enabled {
		if err := c.Journal.Database.validate("journal.database"); err != nil {
			return err
		}
		if c.Journal.BatchSize < 1 {
			return errors.New("journal.batch_size must be >= 1")
		}
		if c.Journal.BufferSize < 1 {
			return errors.New("journal.buffer_size must be >= 1")
		}
	}

	if c.Poller.Enabled && c.Poller.Concurrency < 1 {
		return errors.New("poller.concurrency must be >= 1")
	}

	if c.Metrics.Enabled && (c.Metrics.Port < 1 || c.Metrics.Port > 65535) {
		return fmt.Errorf("metrics.port must be between 1 and 65535, got %d", c.Metrics.Port)
	}

	return nil
}

func (db *DBConfig) validate(prefix string) error {
	if db.Host == "" {
		return fmt.Errorf("%s.host is required", prefix)
	}
	if db.Name == "" {
		return fmt.Errorf("%s.name is required", prefix)
	}
	if db.User == "" {
		return fmt.Errorf("%s.user is required", prefix)
	}
	if db.Password == "" {
		return fmt.Errorf("%s.password is required", prefix)
	}
	if db.MaxConns < 1 {
		return fmt.Errorf("%s.max_conns must be >= 1", prefix)
	}
	if db.MinConns < 0 {
		return fmt.Errorf("%s.min_conns must be >= 0", prefix)
	}
	if db.MinConns > db.MaxConns {
		return fmt.Errorf("%s.min_conns (%d) cannot exceed max_conns (%d)", prefix, db.MinConns, db.MaxConns)
	}
	return nil
}
