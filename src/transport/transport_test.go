package transport

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestRouterReqRoundTrip(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	router, err := Bind(ctx, KindRouter, "127.0.0.1:0", Options{})
	require.NoError(t, err)
	defer router.Close()

	addr := router.listener.Addr().String()
	req, err := Connect(KindReq, []string{addr}, Options{})
	require.NoError(t, err)
	defer req.Close()

	require.NoError(t, req.Send(NewMessage([]byte("hello"))))

	identity, msg, err := router.Receive(ctx)
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), msg.Single())

	require.NoError(t, router.SendTo(identity, NewMessage([]byte("ACK"))))

	_, reply, err := req.Receive(ctx)
	require.NoError(t, err)
	require.Equal(t, []byte("ACK"), reply.Single())
}

func TestPubSubBroadcast(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pub, err := Bind(ctx, KindPub, "127.0.0.1:0", Options{})
	require.NoError(t, err)
	defer pub.Close()

	addr := pub.listener.Addr().String()
	sub, err := Connect(KindSub, []string{addr}, Options{})
	require.NoError(t, err)
	defer sub.Close()

	// give the connect-side reader loop a moment to register.
	time.Sleep(50 * time.Millisecond)

	require.NoError(t, pub.Send(NewMessage([]byte("CONFIG"), []byte("{}"))))

	_, msg, err := sub.Receive(ctx)
	require.NoError(t, err)
	require.Equal(t, [][]byte{[]byte("CONFIG"), []byte("{}")}, msg.Parts)
}

func TestPushPullRoundRobin(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pull1, err := Bind(ctx, KindPull, "127.0.0.1:0", Options{})
	require.NoError(t, err)
	defer pull1.Close()
	pull2, err := Bind(ctx, KindPull, "127.0.0.1:0", Options{})
	require.NoError(t, err)
	defer pull2.Close()

	push, err := Connect(KindPush, []string{pull1.listener.Addr().String(), pull2.listener.Addr().String()}, Options{})
	require.NoError(t, err)
	defer push.Close()

	require.NoError(t, push.Send(NewMessage([]byte("one"))))
	require.NoError(t, push.Send(NewMessage([]byte("two"))))

	_, m1, err := pull1.Receive(ctx)
	require.NoError(t, err)
	require.Equal(t, []byte("one"), m1.Single())

	_, m2, err := pull2.Receive(ctx)
	require.NoError(t, err)
	require.Equal(t, []byte("two"), m2.Single())
}

func TestTryReceiveWouldBlock(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	pull, err := Bind(ctx, KindPull, "127.0.0.1:0", Options{})
	require.NoError(t, err)
	defer pull.Close()

	_, _, err = pull.TryReceive()
	require.ErrorIs(t, err, ErrWouldBlock)
}

func TestTrySendWouldBlockWithNoPeers(t *testing.T) {
	push, err := Connect(KindPush, nil, Options{})
	require.NoError(t, err)
	defer push.Close()

	err = push.TrySend(NewMessage([]byte("END")))
	require.ErrorIs(t, err, ErrWouldBlock)
}

func TestSendHWMStillDeliversMessages(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pull, err := Bind(ctx, KindPull, "127.0.0.1:0", Options{})
	require.NoError(t, err)
	defer pull.Close()

	push, err := Connect(KindPush, []string{pull.listener.Addr().String()}, Options{SendHWM: 2})
	require.NoError(t, err)
	defer push.Close()

	require.NoError(t, push.Send(NewMessage([]byte("one"))))

	_, msg, err := pull.Receive(ctx)
	require.NoError(t, err)
	require.Equal(t, []byte("one"), msg.Single())
}

func TestSendHWMBlocksOnceQueueIsFull(t *testing.T) {
	serverConn, clientConn := net.Pipe()
	defer serverConn.Close()
	defer clientConn.Close()

	pc := newPeerConn(Identity("peer"), clientConn, 1)
	s := &Socket{kind: KindPush, logger: zerolog.Nop()}
	go s.writeLoop(pc)

	// First enqueue is claimed by writeLoop right away and blocks on the
	// pipe's Write since nothing reads serverConn.
	require.NoError(t, pc.enqueue(NewMessage([]byte("one")), true))
	time.Sleep(50 * time.Millisecond)

	// Second enqueue fills the one-slot queue behind it.
	require.NoError(t, pc.enqueue(NewMessage([]byte("two")), true))

	// A non-blocking enqueue now has nowhere to go.
	err := pc.enqueue(NewMessage([]byte("three")), false)
	require.ErrorIs(t, err, ErrWouldBlock)
}

func TestBindRetriesOnConflict(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	first, err := Bind(ctx, KindPull, "127.0.0.1:0", Options{})
	require.NoError(t, err)
	defer first.Close()

	addr := first.listener.Addr().String()

	_, err = Bind(ctx, KindPull, addr, Options{BindRetries: 2, BindRetryDelay: 10 * time.Millisecond})
	require.Error(t, err)
}
