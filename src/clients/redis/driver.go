package redis

import (
	"context"
	"crypto/tls"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Client wraps a single-node Redis connection. A benchmark harness run has no
// need for the teacher's cluster topology, ReadOnly routing or
// RouteByLatency tuning — the presence mirror and the dead-letter queue each
// talk to one logical Redis instance.
type Client struct {
	logger  zerolog.Logger
	options *redis.Options
	Driver  *redis.Client
}

type ClientOptions struct {
	TLSConfig  *tls.Config
	Address    string
	ClientName string
	Username   string
	Password   string
	Logger     zerolog.Logger
}

func NewClient(options ClientOptions) *Client {
	return &Client{
		logger: options.Logger,
		options: &redis.Options{
			Addr:                  options.Address,
			TLSConfig:             options.TLSConfig,
			ClientName:            options.ClientName,
			Username:              options.Username,
			Password:              options.Password,
			DB:                    0,
			MaxRetries:            5,
			ReadTimeout:           2 * time.Second,
			WriteTimeout:          2 * time.Second,
			ContextTimeoutEnabled: true,
			PoolFIFO:              true,
			MinIdleConns:          10,
			MaxIdleConns:          50,
			ConnMaxLifetime:       1 * time.Hour,
		},
		Driver: nil,
	}
}

func (c *Client) Start(_ context.Context) error {
	if c.Driver != nil {
		return fmt.Errorf("redis driver already started")
	}

	c.Driver = redis.NewClient(c.options)
	return nil
}

func (c *Client) Stop(_ context.Context) {
	if c.Driver == nil {
		c.logger.Warn().Msg("Redis client already stopped")
		return
	}

	err := c.Driver.Close()
	if err != nil {
		c.logger.Error().Err(err).Msg("Failed to close Redis client")
	}
}
