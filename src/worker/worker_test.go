package worker

import (
	"context"
	"testing"
	"time"

	"benchflow/src/transport"
	"benchflow/src/wire"

	"github.com/stretchr/testify/require"
)

// TestWorkerHandshake drives a worker through registration and the
// CONNECTED_TO_SYNC handshake against a hand-rolled ROUTER/PUB stub,
// mirroring the coordinator's Phase A behavior without pulling in the full
// coordinator package.
func TestWorkerHandshake(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	router, err := transport.Bind(ctx, transport.KindRouter, "127.0.0.1:0", transport.Options{})
	require.NoError(t, err)
	defer router.Close()

	pub, err := transport.Bind(ctx, transport.KindPub, "127.0.0.1:0", transport.Options{})
	require.NoError(t, err)
	defer pub.Close()

	w := New(Config{
		WorkerID:              "w1",
		Role:                  wire.RoleSender,
		CoordinatorRouterAddr: router.Addr(),
		CoordinatorPubAddr:    pub.Addr(),
		SetupDelay:            10 * time.Millisecond,
	})

	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	// Act as the coordinator: answer registration with a GroupSetup.
	identity, msg, err := router.Receive(ctx)
	require.NoError(t, err)
	var reg wire.Registration
	require.NoError(t, wire.DecodeStrict(msg.Single(), &reg))
	require.Equal(t, "w1", reg.WorkerID)

	setupPayload, err := wire.Encode(wire.GroupSetup{GroupID: 0, DataPort: 6000, ReceiverPorts: []int{6000}, Index: 0})
	require.NoError(t, err)
	require.NoError(t, router.SendTo(identity, transport.NewMessage(setupPayload)))

	// Expect the CONNECTED_TO_SYNC update, ACK it, then FINISH immediately.
	_, updateMsg, err := router.Receive(ctx)
	require.NoError(t, err)
	var update wire.Update
	require.NoError(t, wire.DecodeStrict(updateMsg.Single(), &update))
	require.Equal(t, wire.StateConnectedToSync, update.State)
	require.NoError(t, router.SendTo(identity, transport.NewMessage([]byte("ACK"))))

	time.Sleep(50 * time.Millisecond) // let the SUB connection establish
	require.NoError(t, pub.Send(transport.NewMessage([]byte(wire.TopicFinish))))

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-ctx.Done():
		t.Fatal("worker did not exit on FINISH")
	}
}
