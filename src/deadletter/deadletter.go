// Package deadletter captures control-plane frames the coordinator could not
// make sense of — a registration or update that failed strict JSON decode or
// validation — so an operator can inspect what a misbehaving or
// mismatched-version worker actually sent, instead of the frame being
// silently discarded. It is a thin domain wrapper around the generic
// Redis-backed queue service shared with the rest of the platform.
package deadletter

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"benchflow/src/clients/redis"
	"benchflow/src/services/dlq"

	"github.com/rs/zerolog"
)

const (
	queueName = "ctrlplane"
	queueTTL  = 10 * time.Minute

	// recipientID groups every captured letter under one bucket per run;
	// the coordinator has no per-worker routing key for a frame it could
	// not even identify the sender of reliably.
	recipientID = "coordinator"
)

// Letter is one malformed control-plane frame, captured with enough context
// to reproduce and diagnose it.
type Letter struct {
	RemoteAddr string    `json:"remote_addr"`
	Raw        string    `json:"raw"`
	DecodeErr  string    `json:"decode_err"`
	CapturedAt time.Time `json:"captured_at"`
}

func (l Letter) Marshal() ([]byte, error) {
	return json.Marshal(l)
}

func (l *Letter) Unmarshal(payload []byte) error {
	return json.Unmarshal(payload, l)
}

// Service captures and replays dead-lettered control-plane frames.
type Service struct {
	dlq *dlq.Service[Letter]
}

func NewService(redisClient *redis.Client, logger zerolog.Logger) (*Service, error) {
	svc, err := dlq.NewService[Letter](&dlq.Options{
		RedisClient: redisClient,
		QueueName:   queueName,
		QueueTTL:    queueTTL,
		Logger:      logger,
	})
	if err != nil {
		return nil, fmt.Errorf("deadletter: %w", err)
	}
	return &Service{dlq: svc}, nil
}

// Capture enqueues a frame the coordinator rejected, wired directly as a
// coordinator.Config.OnDeadLetter hook.
func (s *Service) Capture(ctx context.Context, remoteAddr string, raw []byte, decodeErr error) {
	letter := Letter{
		RemoteAddr: remoteAddr,
		Raw:        string(raw),
		DecodeErr:  decodeErr.Error(),
		CapturedAt: time.Now().UTC(),
	}
	if _, err := s.dlq.Enqueue(ctx, recipientID, letter); err != nil {
		// Nothing more to do: we're already on the error path handling an
		// error. Caller's logger already recorded the original rejection.
		return
	}
}

// Drain pops up to count captured letters for operator inspection.
func (s *Service) Drain(ctx context.Context, count int) ([]Letter, error) {
	letters, err := s.dlq.DequeueMulti(ctx, recipientID, count)
	if err != nil {
		return nil, fmt.Errorf("deadletter: drain: %w", err)
	}
	return letters, nil
}
