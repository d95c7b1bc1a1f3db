package coordinator

import (
	"context"
	"sync"
	"testing"
	"time"

	"benchflow/src/transport"
	"benchflow/src/wire"

	"github.com/stretchr/testify/require"
)

// fakeWorker is a minimal REQ/SUB client driving the same protocol worker.Worker
// implements, used here to exercise the coordinator in isolation.
type fakeWorker struct {
	t        *testing.T
	workerID string
	role     wire.Role
	req      *transport.Socket
	sub      *transport.Socket
}

func newFakeWorker(t *testing.T, routerAddr, pubAddr string, workerID string, role wire.Role) *fakeWorker {
	t.Helper()
	req, err := transport.Connect(transport.KindReq, []string{routerAddr}, transport.Options{})
	require.NoError(t, err)
	sub, err := transport.Connect(transport.KindSub, []string{pubAddr}, transport.Options{})
	require.NoError(t, err)
	return &fakeWorker{t: t, workerID: workerID, role: role, req: req, sub: sub}
}

func (w *fakeWorker) register(ctx context.Context) wire.GroupSetup {
	payload, err := wire.Encode(wire.Registration{WorkerID: w.workerID, Role: w.role})
	require.NoError(w.t, err)
	require.NoError(w.t, w.req.Send(transport.NewMessage(payload)))

	_, msg, err := w.req.Receive(ctx)
	require.NoError(w.t, err)
	var setup wire.GroupSetup
	require.NoError(w.t, wire.DecodeStrict(msg.Single(), &setup))
	return setup
}

func (w *fakeWorker) sendUpdate(ctx context.Context, state wire.State, testNumber int, result *wire.TestResult) {
	payload, err := wire.Encode(wire.Update{State: state, TestNumber: testNumber, Result: result})
	require.NoError(w.t, err)
	require.NoError(w.t, w.req.Send(transport.NewMessage(payload)))

	_, reply, err := w.req.Receive(ctx)
	require.NoError(w.t, err)
	require.Equal(w.t, "ACK", string(reply.Single()))
}

func (w *fakeWorker) expectTopic(ctx context.Context, topic string) []byte {
	_, msg, err := w.sub.Receive(ctx)
	require.NoError(w.t, err)
	require.Equal(w.t, topic, string(msg.Parts[0]))
	if len(msg.Parts) > 1 {
		return msg.Parts[1]
	}
	return nil
}

// TestCoordinatorSingleGroupLifecycle drives one sender/receiver pair through
// assembly, a single test in the matrix and shutdown.
func TestCoordinatorSingleGroupLifecycle(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	matrix := []wire.TestConfig{{TestNumber: 1, Count: 100, Size: 64}}

	var reportedResults []wire.TestResult
	var reportMu sync.Mutex

	coord := New(Config{
		RouterAddr:         "127.0.0.1:0",
		PubAddr:            "127.0.0.1:0",
		NumPairs:           1,
		ReceiversPerSender: 1,
		DataPortStart:      15000,
		SenderBind:         true,
		PollTimeout:        100 * time.Millisecond,
		Matrix:             matrix,
		OnTestResults: func(testNumber int, results []wire.TestResult) {
			reportMu.Lock()
			defer reportMu.Unlock()
			reportedResults = append(reportedResults, results...)
		},
	})

	// Run() binds its own sockets and doesn't expose their addresses, so
	// Config is pointed at fixed loopback ports before Run() starts and the
	// fake workers dial those.
	coord.cfg.RouterAddr = "127.0.0.1:18801"
	coord.cfg.PubAddr = "127.0.0.1:18802"

	runErr := make(chan error, 1)
	go func() { runErr <- coord.Run(ctx) }()

	time.Sleep(100 * time.Millisecond) // let the sockets bind

	sender := newFakeWorker(t, coord.cfg.RouterAddr, coord.cfg.PubAddr, "sender-1", wire.RoleSender)
	receiver := newFakeWorker(t, coord.cfg.RouterAddr, coord.cfg.PubAddr, "receiver-1", wire.RoleReceiver)

	// GroupSetup only arrives once the group is complete, so the sender's
	// registration waits concurrently while the receiver registers.
	var senderSetup wire.GroupSetup
	senderRegistered := make(chan struct{})
	go func() {
		defer close(senderRegistered)
		senderSetup = sender.register(ctx)
	}()
	receiverSetup := receiver.register(ctx)
	<-senderRegistered
	require.Equal(t, senderSetup.GroupID, receiverSetup.GroupID)

	sender.sendUpdate(ctx, wire.StateConnectedToSync, 0, nil)
	receiver.sendUpdate(ctx, wire.StateConnectedToSync, 0, nil)

	sender.expectTopic(ctx, wire.TopicConfig)
	receiver.expectTopic(ctx, wire.TopicConfig)

	sender.sendUpdate(ctx, wire.StateReceivedConfig, 1, nil)
	receiver.sendUpdate(ctx, wire.StateReceivedConfig, 1, nil)
	sender.sendUpdate(ctx, wire.StateReadyToTest, 1, nil)
	receiver.sendUpdate(ctx, wire.StateReadyToTest, 1, nil)

	sender.expectTopic(ctx, wire.TopicStart)
	receiver.expectTopic(ctx, wire.TopicStart)

	senderResult := wire.TestResult{WorkerID: "sender-1", Role: wire.RoleSender, Config: matrix[0], MessagesSent: 100, StartTime: "t0", EndTime: "t1"}
	receiverResult := wire.TestResult{WorkerID: "receiver-1", Role: wire.RoleReceiver, Config: matrix[0], MessagesReceived: 100, StartTime: "t0", EndTime: "t1"}
	sender.sendUpdate(ctx, wire.StateFinishedTest, 1, &senderResult)
	receiver.sendUpdate(ctx, wire.StateFinishedTest, 1, &receiverResult)

	sender.expectTopic(ctx, wire.TopicStopEndLoop)
	receiver.expectTopic(ctx, wire.TopicStopEndLoop)

	sender.expectTopic(ctx, wire.TopicFinish)
	receiver.expectTopic(ctx, wire.TopicFinish)

	select {
	case err := <-runErr:
		require.NoError(t, err)
	case <-ctx.Done():
		t.Fatal("coordinator did not finish")
	}

	reportMu.Lock()
	defer reportMu.Unlock()
	require.Len(t, reportedResults, 2)
}
