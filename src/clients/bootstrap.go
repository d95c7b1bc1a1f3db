package clients

import (
	"fmt"

	"benchflow/src/clients/nats"
	"benchflow/src/clients/postgresql"
	"benchflow/src/clients/redis"
	"benchflow/src/platform/config"
	"benchflow/src/platform/logging"

	"github.com/samber/oops"
)

// StorageClients holds the optional ambient dependencies a run may be wired
// against. Every field is nil-safe to use: a run whose config carries no
// Redis/PostgreSQL/NATS section gets that field left nil, and nothing in the
// coordinator/worker control loop depends on it being set. Construction only
// — start/stop ordering is the platform lifecycle.Controller's job, not
// this package's; callers register each non-nil client as a
// lifecycle.ServiceLifecycle themselves.
type StorageClients struct {
	Redis      *redis.Client
	PostgreSQL *postgresql.Client
	NATS       *nats.Client
}

// BuildStorageClients constructs (but does not start) every ambient client
// whose config section is present in cfg.
func BuildStorageClients(cfg *config.Config, loggerFactory *logging.LoggerFactory) (*StorageClients, error) {
	errorb := oops.In("clients.BuildStorageClients")

	clients := &StorageClients{}

	if cfg.Redis != nil {
		clients.Redis = redis.NewClient(redis.ClientOptions{
			Address:    cfg.Redis.Address,
			ClientName: cfg.Application.InstanceName,
			Username:   cfg.Redis.Username,
			Password:   string(cfg.Redis.Password),
			Logger:     loggerFactory.Child("client.redis"),
		})
	}

	if cfg.PostgreSQL != nil {
		postgresClient, err := postgresql.NewClient(postgresql.ClientOptions{
			URL: fmt.Sprintf("user=%s password=%s host=%s port=%d dbname=%s sslmode=disable",
				cfg.PostgreSQL.Username,
				string(cfg.PostgreSQL.Password),
				cfg.PostgreSQL.Host,
				cfg.PostgreSQL.Port,
				cfg.PostgreSQL.DbName,
			),
			ApplicationInstanceName: cfg.Application.InstanceName,
			Logger:                  loggerFactory.Child("client.postgresql"),
		})
		if err != nil {
			return nil, errorb.Wrapf(err, "failed to create postgresql client")
		}
		clients.PostgreSQL = postgresClient
	}

	if cfg.NATS != nil {
		clients.NATS = nats.NewClient(&nats.ClientOptions{
			Servers:    cfg.NATS.Servers,
			ClientName: cfg.Application.InstanceName,
			Username:   cfg.NATS.Username,
			Password:   string(cfg.NATS.Password),
			Logger:     loggerFactory.Child("client.nats"),
		})
	}

	return clients, nil
}
