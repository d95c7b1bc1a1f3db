package worker

import (
	"context"
	"crypto/rand"
	"fmt"
	"net"
	"time"

	"benchflow/src/addrtranslate"
	"benchflow/src/transport"
	"benchflow/src/wire"

	"github.com/rs/zerolog"
)

// DataSocketAddress resolves the host:port a data-plane socket should
// connect to. The wire's GroupSetup carries ports only (see spec §6); this
// module resolves the host side from the worker's network config: every
// peer is dialled at the worker's configured peer host. When
// translator is non-nil and host resolves to an IP literal, the endpoint is
// run through it first — see DESIGN.md and SPEC_FULL.md §4.5 for why this
// is the one cross-host discovery hook the data plane has.
func DataSocketAddress(translator *addrtranslate.Translator, host string, port int) string {
	if translator == nil {
		return fmt.Sprintf("%s:%d", host, port)
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return fmt.Sprintf("%s:%d", host, port)
	}
	translatedIP, translatedPort := translator.Translate(ip, uint16(port))
	return fmt.Sprintf("%s:%d", translatedIP, translatedPort)
}

// OpenSenderSocket builds the sender-side data socket per spec §4.5: PUB if
// cfg.Pub else PUSH, bound to the group's sender port under sender-bind, or
// connected to every receiver port otherwise.
func OpenSenderSocket(ctx context.Context, cfg wire.TestConfig, senderBind bool, host string, senderPort int, receiverPorts []int, translator *addrtranslate.Translator, logger zerolog.Logger) (*transport.Socket, error) {
	kind := transport.KindPush
	if cfg.Pub {
		kind = transport.KindPub
	}
	opts := transport.Options{SendHWM: cfg.SendHWM, Linger: 0, Logger: logger}

	if senderBind {
		return transport.Bind(ctx, kind, fmt.Sprintf("0.0.0.0:%d", senderPort), opts)
	}
	addrs := make([]string, len(receiverPorts))
	for i, p := range receiverPorts {
		addrs[i] = DataSocketAddress(translator, host, p)
	}
	return transport.Connect(kind, addrs, opts)
}

// OpenReceiverSocket builds the receiver-side data socket per spec §4.5: SUB
// (subscribe-all) if cfg.Pub else PULL, connected to the sender under
// sender-bind, or bound to this receiver's own allocated port otherwise.
func OpenReceiverSocket(ctx context.Context, cfg wire.TestConfig, senderBind bool, host string, senderPort int, myReceiverPort int, translator *addrtranslate.Translator, logger zerolog.Logger) (*transport.Socket, error) {
	kind := transport.KindPull
	if cfg.Pub {
		kind = transport.KindSub
	}
	opts := transport.Options{RecvHWM: cfg.RecvHWM, Linger: 0, Logger: logger}

	if senderBind {
		return transport.Connect(kind, []string{DataSocketAddress(translator, host, senderPort)}, opts)
	}
	return transport.Bind(ctx, kind, fmt.Sprintf("0.0.0.0:%d", myReceiverPort), opts)
}

// SenderRunResult is what the sender-side data loop hands back to the
// control loop for TestResult assembly.
type SenderRunResult struct {
	MessagesSent int
	Start, End   time.Time
}

// RunSenderLoop sends cfg.Count back-to-back messages of cfg.Size bytes,
// per spec §4.5's measurement procedure.
func RunSenderLoop(sock *transport.Socket, cfg wire.TestConfig) (SenderRunResult, error) {
	payload := make([]byte, cfg.Size)
	if _, err := rand.Read(payload); err != nil {
		return SenderRunResult{}, fmt.Errorf("worker: sender: build payload: %w", err)
	}

	start := time.Now()
	for i := 0; i < cfg.Count; i++ {
		if err := sock.Send(transport.NewMessage(payload)); err != nil {
			return SenderRunResult{}, fmt.Errorf("worker: sender: send message %d: %w", i, err)
		}
	}
	end := time.Now()

	// The Open Question in the source material flags a `count` vs
	// `count-1` ambiguity; this module adopts `count` per the spec's main
	// text.
	return SenderRunResult{MessagesSent: cfg.Count, Start: start, End: end}, nil
}

// DrainSenderEndLoop is the sender's post-FINISHED_TEST drain loop from
// spec §4.5: repeatedly try a non-blocking END send, sleep 1ms, then poll
// the control-plane SUB for STOP_END_LOOP. Returns when released or ctx is
// done.
func DrainSenderEndLoop(ctx context.Context, dataSock *transport.Socket, controlSub *transport.Socket) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		if err := dataSock.TrySend(transport.NewMessage(wire.EndMarker)); err != nil && err != transport.ErrWouldBlock {
			return fmt.Errorf("worker: drain loop: send END: %w", err)
		}

		time.Sleep(1 * time.Millisecond)

		_, msg, err := controlSub.TryReceive()
		if err == nil && len(msg.Parts) > 0 && string(msg.Parts[0]) == wire.TopicStopEndLoop {
			return nil
		}
	}
}

// ReceiverRunResult is what the receiver-side data loop hands back to the
// control loop for TestResult assembly.
type ReceiverRunResult struct {
	MessagesReceived int
	Start, End       time.Time
}

// RunReceiverLoop reads one message at a time until it sees the END
// terminator, dispatching every other payload through cb, per spec §4.5.
func RunReceiverLoop(ctx context.Context, sock *transport.Socket, cfg wire.TestConfig, cb Callback) (ReceiverRunResult, error) {
	var (
		result   ReceiverRunResult
		started  bool
		msgIndex int
	)

	for {
		_, msg, err := sock.Receive(ctx)
		if err != nil {
			return result, fmt.Errorf("worker: receiver: receive: %w", err)
		}
		payload := msg.Single()

		if isEndMarker(payload) {
			break
		}

		if !started {
			result.Start = time.Now()
			started = true
		}

		msgIndex++
		result.MessagesReceived++
		if err := cb.OnMessage(payload, msgIndex, cfg); err != nil {
			return result, fmt.Errorf("worker: receiver: callback: %w", err)
		}
	}

	if err := cb.Finalize(); err != nil {
		return result, fmt.Errorf("worker: receiver: callback finalize: %w", err)
	}
	result.End = time.Now()
	return result, nil
}

func isEndMarker(payload []byte) bool {
	if len(payload) != len(wire.EndMarker) {
		return false
	}
	for i := range payload {
		if payload[i] != wire.EndMarker[i] {
			return false
		}
	}
	return true
}

// ThroughputMbps computes Mbps from a message count, payload size and wall
// clock duration, matching spec §4.5's formula for both roles.
func ThroughputMbps(messages, sizeBytes int, elapsed time.Duration) float64 {
	seconds := elapsed.Seconds()
	if seconds <= 0 {
		return 0
	}
	return float64(messages) * float64(sizeBytes) * 8 / (seconds * 1_000_000)
}
