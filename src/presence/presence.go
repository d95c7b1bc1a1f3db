// Package presence mirrors worker liveness into Redis, adapted from the
// teacher's user-session presence service. Unlike that service, a worker has
// no multi-session concept: one identity, one liveness key, refreshed on
// every control-loop update it sends. The mirror is read-only from the
// coordinator's perspective — it never feeds back into registry decisions,
// only into external observability (an operator dashboard, an alert rule).
package presence

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"benchflow/src/clients/nats"
	"benchflow/src/clients/redis"

	"github.com/jellydator/ttlcache/v3"
	"github.com/rs/zerolog"
)

const (
	workerKeyFormat = "presence:worker:{%s}"
	workerKeyTTL    = 30 * time.Second

	statusCacheTTL           = 5 * time.Second
	statusCacheCapacity      = 10_000
	statusCacheLoaderTimeout = 100 * time.Millisecond

	natsSubjectWorkerPresence = "benchflow.worker.presence"
)

type Status uint8

const (
	StatusOffline Status = iota
	StatusOnline
)

func (s Status) String() string {
	switch s {
	case StatusOnline:
		return "online"
	default:
		return "offline"
	}
}

var ErrCacheMiss = errors.New("presence: cache miss")

// Service mirrors every registry.Update into a TTL'd Redis key and exposes a
// read-through cache for liveness queries.
type Service struct {
	redis *redis.Client
	nats  *nats.Client

	statusCache *ttlcache.Cache[string, Status]

	seenMu sync.Mutex
	seen   map[string]bool // workerID -> has an online transition already been published

	logger zerolog.Logger
}

func NewService(redisClient *redis.Client, natsClient *nats.Client, logger zerolog.Logger) *Service {
	svc := &Service{
		redis:  redisClient,
		nats:   natsClient,
		seen:   make(map[string]bool),
		logger: logger,
	}

	svc.statusCache = ttlcache.New[string, Status](
		ttlcache.WithCapacity[string, Status](statusCacheCapacity),
		ttlcache.WithTTL[string, Status](statusCacheTTL),
		ttlcache.WithLoader[string, Status](ttlcache.LoaderFunc[string, Status](
			func(cache *ttlcache.Cache[string, Status], workerID string) *ttlcache.Item[string, Status] {
				ctx, cancel := context.WithTimeout(context.Background(), statusCacheLoaderTimeout)
				defer cancel()

				exists, err := redisClient.Driver.Exists(ctx, workerKey(workerID)).Result()
				if err != nil {
					logger.Err(err).Msgf("presence: status check for worker '%s' failed", workerID)
					return nil
				}

				status := StatusOffline
				if exists == 1 {
					status = StatusOnline
				}
				return cache.Set(workerID, status, ttlcache.DefaultTTL)
			},
		)),
		ttlcache.WithDisableTouchOnHit[string, Status](),
	)

	return svc
}

func workerKey(workerID string) string {
	return fmt.Sprintf(workerKeyFormat, workerID)
}

func (s *Service) Start(_ context.Context) error {
	go s.statusCache.Start()
	return nil
}

func (s *Service) Stop(_ context.Context) {
	s.statusCache.Stop()
}

// Touch refreshes workerID's liveness key and, on its first observation in
// this process, publishes an online transition on NATS. It is designed to be
// wired directly as a registry.Registry.PresenceHook.
func (s *Service) Touch(identity string, workerID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := s.redis.Driver.Set(ctx, workerKey(workerID), identity, workerKeyTTL).Err(); err != nil {
		s.logger.Err(err).Msgf("presence: refresh for worker '%s' failed", workerID)
		return
	}
	s.statusCache.Set(workerID, StatusOnline, ttlcache.DefaultTTL)

	s.seenMu.Lock()
	firstSeen := !s.seen[workerID]
	s.seen[workerID] = true
	s.seenMu.Unlock()

	if firstSeen {
		s.publish(workerID, StatusOnline)
	}
}

// MarkOffline removes workerID's liveness key and records the worker as
// offline in the status cache.
func (s *Service) MarkOffline(ctx context.Context, workerID string) error {
	if err := s.redis.Driver.Del(ctx, workerKey(workerID)).Err(); err != nil {
		return fmt.Errorf("presence: clear key for worker '%s': %w", workerID, err)
	}
	s.statusCache.Set(workerID, StatusOffline, ttlcache.DefaultTTL)

	s.seenMu.Lock()
	delete(s.seen, workerID)
	s.seenMu.Unlock()

	s.publish(workerID, StatusOffline)
	return nil
}

// Status reports a worker's cached liveness, falling back to Redis on a
// cache miss via the loader configured at construction.
func (s *Service) Status(workerID string) (Status, error) {
	item := s.statusCache.Get(workerID)
	if item == nil {
		return StatusOffline, fmt.Errorf("%w: worker '%s'", ErrCacheMiss, workerID)
	}
	return item.Value(), nil
}

func (s *Service) publish(workerID string, status Status) {
	if s.nats == nil || s.nats.Driver == nil {
		return
	}
	payload := workerID + "," + strconv.FormatUint(uint64(status), 10)
	if err := s.nats.Driver.Publish(natsSubjectWorkerPresence, []byte(payload)); err != nil {
		s.logger.Err(err).Msgf("presence: failed to publish %s transition for worker '%s'", status, workerID)
	}
}
