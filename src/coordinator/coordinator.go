// Package coordinator drives the distributed control-loop state machine
// described in spec §4.3: Phase A assembly, Phase B test execution and
// Phase C shutdown.
package coordinator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"benchflow/src/registry"
	"benchflow/src/transport"
	"benchflow/src/wire"

	"github.com/rs/zerolog"
)

// Config configures one coordinator run.
type Config struct {
	RouterAddr         string
	PubAddr            string
	NumPairs           int
	ReceiversPerSender int
	DataPortStart      int
	SenderBind         bool
	PollTimeout        time.Duration // default 1s per spec §4.3

	// Matrix is the ordered sweep of test configurations for Phase B.
	Matrix []wire.TestConfig

	// OnTestResults is called once per test with every TestResult
	// collected during that test's FINISHED_TEST wait, in arrival order —
	// the hook point for sink.CSV / sink.Postgres / sink.NATS.
	OnTestResults func(testNumber int, results []wire.TestResult)

	// OnDeadLetter is invoked when a frame fails strict JSON decode — a
	// registration from an as-yet-unknown peer or an update from a known
	// one — before any registry mutation; the hook point for the
	// deadletter package.
	OnDeadLetter func(remote transport.Identity, raw []byte, decodeErr error)

	Logger zerolog.Logger
}

func (c *Config) setDefaults() {
	if c.PollTimeout == 0 {
		c.PollTimeout = time.Second
	}
	if c.OnTestResults == nil {
		c.OnTestResults = func(int, []wire.TestResult) {}
	}
	if c.OnDeadLetter == nil {
		c.OnDeadLetter = func(transport.Identity, []byte, error) {}
	}
}

// Coordinator owns the registry, the control-plane sockets and the
// per-test result collection buckets for a single run.
type Coordinator struct {
	cfg Config
	reg *registry.Registry

	router *transport.Socket
	pub    *transport.Socket

	resultsMu sync.Mutex
	results   map[int][]wire.TestResult
}

func New(cfg Config) *Coordinator {
	cfg.setDefaults()
	return &Coordinator{
		cfg:     cfg,
		reg:     registry.New(cfg.DataPortStart, cfg.SenderBind),
		results: make(map[int][]wire.TestResult),
	}
}

// Registry exposes the coordinator's registry for ambient wiring (e.g. the
// presence mirror's PresenceHook).
func (c *Coordinator) Registry() *registry.Registry { return c.reg }

// Run binds the control-plane sockets and executes all three phases in
// order, returning once Phase C's teardown completes.
func (c *Coordinator) Run(ctx context.Context) error {
	router, err := transport.Bind(ctx, transport.KindRouter, c.cfg.RouterAddr, transport.Options{Logger: c.cfg.Logger})
	if err != nil {
		return fmt.Errorf("coordinator: bind router: %w", err)
	}
	c.router = router
	defer c.router.Close()

	pub, err := transport.Bind(ctx, transport.KindPub, c.cfg.PubAddr, transport.Options{Logger: c.cfg.Logger})
	if err != nil {
		return fmt.Errorf("coordinator: bind pub: %w", err)
	}
	c.pub = pub
	defer c.pub.Close()

	if err := c.phaseAssembly(ctx); err != nil {
		return fmt.Errorf("coordinator: assembly: %w", err)
	}

	for _, testCfg := range c.cfg.Matrix {
		if err := c.phaseTestExecution(ctx, testCfg); err != nil {
			return fmt.Errorf("coordinator: test %d: %w", testCfg.TestNumber, err)
		}
	}

	return c.phaseShutdown(ctx)
}

// phaseAssembly is spec §4.3 Phase A: loop until exactly NumPairs groups
// exist and every worker has reached CONNECTED_TO_SYNC.
func (c *Coordinator) phaseAssembly(ctx context.Context) error {
	for {
		if c.reg.NumGroups() == c.cfg.NumPairs && c.reg.AllPeers(wire.StateConnectedToSync, 0) {
			return nil
		}

		identity, msg, err := c.pollRouter(ctx)
		if err != nil {
			if err == errPollTimeout {
				continue
			}
			return err
		}

		if _, known := c.reg.Get(identity); !known {
			if err := c.handleRegistration(identity, msg.Single()); err != nil {
				c.cfg.Logger.Warn().Err(err).Msg("coordinator: rejected registration")
				continue
			}
			continue
		}

		if err := c.handleUpdate(identity, msg.Single()); err != nil {
			c.cfg.Logger.Warn().Err(err).Msg("coordinator: rejected update")
		}
	}
}

func (c *Coordinator) handleRegistration(identity transport.Identity, payload []byte) error {
	var reg wire.Registration
	if err := wire.DecodeStrict(payload, &reg); err != nil {
		c.cfg.OnDeadLetter(identity, payload, err)
		return fmt.Errorf("protocol violation: bad registration: %w", err)
	}

	c.reg.Register(identity, reg.WorkerID, reg.Role)

	group, ok := c.reg.TryFormGroup(c.cfg.ReceiversPerSender)
	if !ok {
		return nil // no group yet — locally recovered, not an error
	}
	return c.announceGroup(group)
}

func (c *Coordinator) announceGroup(group registry.Group) error {
	members := append([]transport.Identity{group.SenderIdentity}, group.ReceiverIdentities...)
	for index, member := range members {
		setup := wire.GroupSetup{
			GroupID:       group.ID,
			DataPort:      group.SenderDataPort,
			ReceiverPorts: group.ReceiverDataPorts,
			Index:         index,
		}
		payload, err := wire.Encode(setup)
		if err != nil {
			return fmt.Errorf("encode group setup: %w", err)
		}
		if err := c.router.SendTo(member, transport.NewMessage(payload)); err != nil {
			return fmt.Errorf("send group setup to %s: %w", member, err)
		}
	}
	return nil
}

func (c *Coordinator) handleUpdate(identity transport.Identity, payload []byte) error {
	var update wire.Update
	if err := wire.DecodeStrict(payload, &update); err != nil {
		c.cfg.OnDeadLetter(identity, payload, err)
		return fmt.Errorf("protocol violation: bad update: %w", err)
	}

	if err := c.reg.Update(identity, update.State, update.TestNumber); err != nil {
		return fmt.Errorf("protocol violation: %w", err)
	}

	if update.Result != nil {
		c.collectResult(update.TestNumber, *update.Result)
	}

	return c.router.SendTo(identity, transport.NewMessage([]byte("ACK")))
}

func (c *Coordinator) collectResult(testNumber int, result wire.TestResult) {
	c.resultsMu.Lock()
	defer c.resultsMu.Unlock()
	c.results[testNumber] = append(c.results[testNumber], result)
}

func (c *Coordinator) takeResults(testNumber int) []wire.TestResult {
	c.resultsMu.Lock()
	defer c.resultsMu.Unlock()
	results := c.results[testNumber]
	delete(c.results, testNumber)
	return results
}

// phaseTestExecution is spec §4.3 Phase B, run once per entry in the
// matrix.
func (c *Coordinator) phaseTestExecution(ctx context.Context, testCfg wire.TestConfig) error {
	payload, err := wire.Encode(testCfg)
	if err != nil {
		return fmt.Errorf("encode test config: %w", err)
	}
	if err := c.pub.Send(transport.NewMessage([]byte(wire.TopicConfig), payload)); err != nil {
		return fmt.Errorf("broadcast CONFIG: %w", err)
	}

	if err := c.waitForMilestone(ctx, wire.StateReceivedConfig, testCfg.TestNumber); err != nil {
		return err
	}
	if err := c.waitForMilestone(ctx, wire.StateReadyToTest, testCfg.TestNumber); err != nil {
		return err
	}

	if err := c.pub.Send(transport.NewMessage([]byte(wire.TopicStart))); err != nil {
		return fmt.Errorf("broadcast START: %w", err)
	}

	if err := c.waitForMilestone(ctx, wire.StateFinishedTest, testCfg.TestNumber); err != nil {
		return err
	}

	results := c.takeResults(testCfg.TestNumber)
	c.cfg.OnTestResults(testCfg.TestNumber, results)

	if err := c.pub.Send(transport.NewMessage([]byte(wire.TopicStopEndLoop))); err != nil {
		return fmt.Errorf("broadcast STOP_END_LOOP: %w", err)
	}

	return nil
}

func (c *Coordinator) waitForMilestone(ctx context.Context, state wire.State, testNumber int) error {
	for {
		if c.reg.AllPeers(state, testNumber) {
			return nil
		}

		identity, msg, err := c.pollRouter(ctx)
		if err != nil {
			if err == errPollTimeout {
				continue
			}
			return err
		}
		if err := c.handleUpdate(identity, msg.Single()); err != nil {
			c.cfg.Logger.Warn().Err(err).Msg("coordinator: rejected update while waiting for milestone")
		}
	}
}

// phaseShutdown is spec §4.3 Phase C.
func (c *Coordinator) phaseShutdown(_ context.Context) error {
	if err := c.pub.Send(transport.NewMessage([]byte(wire.TopicFinish))); err != nil {
		return fmt.Errorf("broadcast FINISH: %w", err)
	}
	return nil
}

var errPollTimeout = fmt.Errorf("coordinator: poll timeout")

// pollRouter polls the ROUTER socket with the configured timeout, never
// blocking forever — spec §4.3's "the coordinator never polls without a
// timeout" requirement.
func (c *Coordinator) pollRouter(ctx context.Context) (transport.Identity, transport.Message, error) {
	pollCtx, cancel := context.WithTimeout(ctx, c.cfg.PollTimeout)
	defer cancel()

	identity, msg, err := c.router.Receive(pollCtx)
	if err != nil {
		if ctx.Err() != nil {
			return "", transport.Message{}, ctx.Err()
		}
		return "", transport.Message{}, errPollTimeout
	}
	return identity, msg, nil
}
