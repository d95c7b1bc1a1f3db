// Package worker implements the worker-side control loop and state machine
// from spec §4.4, plus the data-plane inner loops in dataplane.go.
package worker

import (
	"context"
	"fmt"
	"time"

	"benchflow/src/addrtranslate"
	"benchflow/src/transport"
	"benchflow/src/wire"

	"github.com/rs/zerolog"
)

// Config is everything a worker process needs to join a run.
type Config struct {
	WorkerID              string
	Role                  wire.Role
	CoordinatorRouterAddr string
	CoordinatorPubAddr    string
	SenderBind            bool
	SetupDelay            time.Duration // default 1s per spec §4.4
	// PeerHost is the host every data-plane peer is assumed reachable at —
	// see dataplane.go's DataSocketAddress for why this is a simplifying,
	// explicitly documented resolution of an address the wire format never
	// carries.
	PeerHost   string
	// AddrTranslator, if set, rewrites a resolved data-plane peer endpoint
	// before connect — see dataplane.go's DataSocketAddress. Nil for a
	// deployment confined to one subnet.
	AddrTranslator *addrtranslate.Translator
	NewCallback    func(cfg wire.TestConfig, testNumber int) Callback
	Logger         zerolog.Logger
}

func (c *Config) setDefaults() {
	if c.SetupDelay == 0 {
		c.SetupDelay = time.Second
	}
	if c.NewCallback == nil {
		c.NewCallback = func(wire.TestConfig, int) Callback { return NoopCallback{} }
	}
}

// Worker drives one worker process through its entire lifecycle: register,
// sync, and repeat the per-test cycle until FINISH.
type Worker struct {
	cfg Config

	req      *transport.Socket
	sub      *transport.Socket
	dataSock *transport.Socket

	setup wire.GroupSetup
}

func New(cfg Config) *Worker {
	cfg.setDefaults()
	return &Worker{cfg: cfg}
}

// Run executes the full control loop described in spec §4.4. It returns
// when the coordinator broadcasts FINISH, or on the first fatal error.
func (w *Worker) Run(ctx context.Context) error {
	if err := w.connectToCoordinator(ctx); err != nil {
		return err
	}
	defer w.req.Close()

	if err := w.syncToBroadcast(ctx); err != nil {
		return err
	}
	defer w.sub.Close()

	if err := w.announceConnected(ctx); err != nil {
		return err
	}

	for {
		topic, payload, err := w.nextBroadcast(ctx)
		if err != nil {
			return err
		}

		if topic == wire.TopicFinish {
			return nil
		}
		if topic != wire.TopicConfig {
			w.cfg.Logger.Warn().Msgf("worker: ignoring unexpected topic %q while awaiting CONFIG", topic)
			continue
		}

		if err := w.runOneTest(ctx, payload); err != nil {
			return err
		}
	}
}

func (w *Worker) connectToCoordinator(ctx context.Context) error {
	req, err := transport.Connect(transport.KindReq, []string{w.cfg.CoordinatorRouterAddr}, transport.Options{Logger: w.cfg.Logger})
	if err != nil {
		return fmt.Errorf("worker: connect to coordinator: %w", err)
	}
	w.req = req

	reg := wire.Registration{WorkerID: w.cfg.WorkerID, Role: w.cfg.Role}
	payload, err := wire.Encode(reg)
	if err != nil {
		return fmt.Errorf("worker: encode registration: %w", err)
	}
	if err := req.Send(transport.NewMessage(payload)); err != nil {
		return fmt.Errorf("worker: send registration: %w", err)
	}

	_, reply, err := req.Receive(ctx)
	if err != nil {
		return fmt.Errorf("worker: receive group setup: %w", err)
	}
	var setup wire.GroupSetup
	if err := wire.DecodeStrict(reply.Single(), &setup); err != nil {
		return fmt.Errorf("worker: decode group setup: %w", err)
	}
	w.setup = setup
	return nil
}

func (w *Worker) syncToBroadcast(ctx context.Context) error {
	sub, err := transport.Connect(transport.KindSub, []string{w.cfg.CoordinatorPubAddr}, transport.Options{Logger: w.cfg.Logger})
	if err != nil {
		return fmt.Errorf("worker: connect to broadcast: %w", err)
	}
	w.sub = sub

	select {
	case <-time.After(w.cfg.SetupDelay):
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

func (w *Worker) announceConnected(ctx context.Context) error {
	return w.sendUpdate(ctx, wire.StateConnectedToSync, 0, nil)
}

func (w *Worker) sendUpdate(ctx context.Context, state wire.State, testNumber int, result *wire.TestResult) error {
	update := wire.Update{State: state, TestNumber: testNumber, Result: result}
	payload, err := wire.Encode(update)
	if err != nil {
		return fmt.Errorf("worker: encode update: %w", err)
	}
	if err := w.req.Send(transport.NewMessage(payload)); err != nil {
		return fmt.Errorf("worker: send update: %w", err)
	}
	_, reply, err := w.req.Receive(ctx)
	if err != nil {
		return fmt.Errorf("worker: receive ack: %w", err)
	}
	if string(reply.Single()) != "ACK" {
		return fmt.Errorf("worker: expected ACK, got %q", reply.Single())
	}
	return nil
}

func (w *Worker) nextBroadcast(ctx context.Context) (topic string, payload []byte, err error) {
	_, msg, err := w.sub.Receive(ctx)
	if err != nil {
		return "", nil, fmt.Errorf("worker: receive broadcast: %w", err)
	}
	if len(msg.Parts) == 0 {
		return "", nil, fmt.Errorf("worker: empty broadcast frame")
	}
	topic = string(msg.Parts[0])
	if len(msg.Parts) > 1 {
		payload = msg.Parts[1]
	}
	return topic, payload, nil
}

func (w *Worker) runOneTest(ctx context.Context, payload []byte) error {
	var cfg wire.TestConfig
	if err := wire.DecodeStrict(payload, &cfg); err != nil {
		return fmt.Errorf("worker: decode test config: %w", err)
	}

	if w.dataSock != nil {
		w.dataSock.Close()
		w.dataSock = nil
	}
	if err := w.sendUpdate(ctx, wire.StateReceivedConfig, cfg.TestNumber, nil); err != nil {
		return err
	}

	dataSock, err := w.openDataSocket(ctx, cfg)
	if err != nil {
		return fmt.Errorf("worker: open data socket: %w", err)
	}
	w.dataSock = dataSock

	select {
	case <-time.After(w.cfg.SetupDelay):
	case <-ctx.Done():
		return ctx.Err()
	}

	if err := w.sendUpdate(ctx, wire.StateReadyToTest, cfg.TestNumber, nil); err != nil {
		return err
	}

	topic, _, err := w.nextBroadcast(ctx)
	if err != nil {
		return err
	}
	if topic != wire.TopicStart {
		return fmt.Errorf("worker: protocol violation: expected START, got %q", topic)
	}

	result, err := w.runDataPlane(ctx, cfg)
	if err != nil {
		return err
	}

	if err := w.sendUpdate(ctx, wire.StateFinishedTest, cfg.TestNumber, &result); err != nil {
		return err
	}

	if w.cfg.Role == wire.RoleSender {
		if err := DrainSenderEndLoop(ctx, w.dataSock, w.sub); err != nil {
			return fmt.Errorf("worker: drain loop: %w", err)
		}
	}

	w.dataSock.Close()
	w.dataSock = nil
	return nil
}

func (w *Worker) openDataSocket(ctx context.Context, cfg wire.TestConfig) (*transport.Socket, error) {
	switch w.cfg.Role {
	case wire.RoleSender:
		return OpenSenderSocket(ctx, cfg, w.cfg.SenderBind, w.cfg.PeerHost, w.setup.DataPort, w.setup.ReceiverPorts, w.cfg.AddrTranslator, w.cfg.Logger)
	case wire.RoleReceiver:
		myPort := w.setup.ReceiverPorts[w.setup.Index]
		if w.cfg.SenderBind {
			myPort = 0 // unused: receiver connects out to the sender's bound port
		}
		return OpenReceiverSocket(ctx, cfg, w.cfg.SenderBind, w.cfg.PeerHost, w.setup.DataPort, myPort, w.cfg.AddrTranslator, w.cfg.Logger)
	default:
		return nil, fmt.Errorf("worker: unknown role %q", w.cfg.Role)
	}
}

func (w *Worker) runDataPlane(ctx context.Context, cfg wire.TestConfig) (wire.TestResult, error) {
	result := wire.TestResult{WorkerID: w.cfg.WorkerID, Role: w.cfg.Role, Config: cfg}

	switch w.cfg.Role {
	case wire.RoleSender:
		r, err := RunSenderLoop(w.dataSock, cfg)
		if err != nil {
			return result, err
		}
		result.MessagesSent = r.MessagesSent
		result.ThroughputMbps = ThroughputMbps(r.MessagesSent, cfg.Size, r.End.Sub(r.Start))
		result.StartTime = r.Start.Format(time.RFC3339Nano)
		result.EndTime = r.End.Format(time.RFC3339Nano)
	case wire.RoleReceiver:
		cb := w.cfg.NewCallback(cfg, cfg.TestNumber)
		r, err := RunReceiverLoop(ctx, w.dataSock, cfg, cb)
		if err != nil {
			return result, err
		}
		result.MessagesReceived = r.MessagesReceived
		result.ThroughputMbps = ThroughputMbps(r.MessagesReceived, cfg.Size, r.End.Sub(r.Start))
		result.StartTime = r.Start.Format(time.RFC3339Nano)
		result.EndTime = r.End.Format(time.RFC3339Nano)
	}
	return result, nil
}
