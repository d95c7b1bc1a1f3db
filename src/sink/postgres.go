package sink

import (
	"context"
	"fmt"

	"benchflow/src/clients/postgresql"
	"benchflow/src/wire"
)

const createResultsTableDDL = `
CREATE TABLE IF NOT EXISTS benchflow_results (
	id                 BIGSERIAL PRIMARY KEY,
	run_id             UUID NOT NULL,
	worker_id          TEXT NOT NULL,
	role               TEXT NOT NULL,
	test_number        INT NOT NULL,
	count              INT NOT NULL,
	size               INT NOT NULL,
	zero_copy          BOOLEAN NOT NULL,
	pub                BOOLEAN NOT NULL,
	messages_sent      INT NOT NULL,
	messages_received  INT NOT NULL,
	throughput_mbps    DOUBLE PRECISION NOT NULL,
	start_time         TEXT NOT NULL,
	end_time           TEXT NOT NULL,
	recorded_at        TIMESTAMPTZ NOT NULL DEFAULT now()
)`

// Postgres is the optional durable structured sink: every CSV row is also
// inserted here, keyed by a run ID, so results across many runs can be
// queried relationally instead of re-parsed from flat files.
type Postgres struct {
	client *postgresql.Client
	runID  string
}

func NewPostgres(ctx context.Context, client *postgresql.Client, runID string) (*Postgres, error) {
	if _, err := client.Driver.Exec(ctx, createResultsTableDDL); err != nil {
		return nil, fmt.Errorf("sink: create results table: %w", err)
	}
	return &Postgres{client: client, runID: runID}, nil
}

func (p *Postgres) WriteResults(ctx context.Context, results []wire.TestResult) error {
	for _, r := range results {
		_, err := p.client.Driver.Exec(ctx, `
INSERT INTO benchflow_results
	(run_id, worker_id, role, test_number, count, size, zero_copy, pub,
	 messages_sent, messages_received, throughput_mbps, start_time, end_time)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
			p.runID, r.WorkerID, string(r.Role), r.Config.TestNumber, r.Config.Count, r.Config.Size,
			r.Config.ZeroCopy, r.Config.Pub, r.MessagesSent, r.MessagesReceived, r.ThroughputMbps,
			r.StartTime, r.EndTime,
		)
		if err != nil {
			return fmt.Errorf("sink: insert result for worker '%s': %w", r.WorkerID, err)
		}
	}
	return nil
}
