// Package wire defines the JSON-encoded control-plane payloads exchanged
// between workers and the coordinator, plus strict decode/encode helpers
// that reject unknown fields and enforce required ones, per the parsing
// failure kind in the error handling design.
package wire

import (
	"bytes"
	"encoding/json"
	"fmt"

	"benchflow/src/platform/validation"
)

// Role identifies which side of a group a worker plays.
type Role string

const (
	RoleSender   Role = "sender"
	RoleReceiver Role = "receiver"
)

// State is a worker's position in the control-loop state machine.
type State string

const (
	StateConnectingToCoordinator State = "CONNECTING_TO_COORDINATOR"
	StateConnectedToSync         State = "CONNECTED_TO_SYNC"
	StateReceivedConfig          State = "RECEIVED_CONFIG"
	StateReadyToTest             State = "READY_TO_TEST"
	StateRunningTest             State = "RUNNING_TEST"
	StateFinishedTest            State = "FINISHED_TEST"
)

// transitions is the allowed-edge DAG from spec §4.4, including the
// FINISHED_TEST -> RECEIVED_CONFIG wraparound for the next test iteration.
var transitions = map[State]map[State]bool{
	StateConnectingToCoordinator: {StateConnectedToSync: true},
	StateConnectedToSync:         {StateReceivedConfig: true},
	StateReceivedConfig:          {StateReadyToTest: true},
	StateReadyToTest:             {StateRunningTest: true},
	StateRunningTest:             {StateFinishedTest: true},
	StateFinishedTest:            {StateReceivedConfig: true},
}

// ValidTransition reports whether from -> to is an edge of the state DAG.
func ValidTransition(from, to State) bool {
	return transitions[from][to]
}

// Registration is the first frame a worker sends to the coordinator's
// ROUTER socket, before an Identity/GroupSetup pairing exists.
type Registration struct {
	WorkerID string `json:"worker_id" validate:"required,notblank"`
	Role     Role   `json:"role" validate:"required,enum=sender#receiver"`
}

// GroupSetup is the coordinator's reply to a Registration, once a full
// group (one sender, N receivers) has been formed.
type GroupSetup struct {
	GroupID       int   `json:"group_id"`
	DataPort      int   `json:"data_port"`
	ReceiverPorts []int `json:"receiver_ports"`
	Index         int   `json:"index"`
}

// Update is sent by a worker on every state transition, optionally carrying
// a TestResult once a test has finished.
type Update struct {
	State      State       `json:"state" validate:"required"`
	TestNumber int         `json:"test_number" validate:"gte=0"`
	Result     *TestResult `json:"result,omitempty"`
}

// TestConfig describes one point in the sweep matrix.
type TestConfig struct {
	TestNumber   int    `json:"test_number"`
	Count        int    `json:"count" validate:"required,gt=0"`
	Size         int    `json:"size" validate:"required,gt=0"`
	ZeroCopy     bool   `json:"zero_copy"`
	Pub          bool   `json:"pub"`
	SendHWM      int    `json:"send_hwm" validate:"gte=0"`
	RecvHWM      int    `json:"recv_hwm" validate:"gte=0"`
	Callback     string `json:"callback,omitempty"`
}

// TestResult is what a worker reports back once a test completes.
type TestResult struct {
	WorkerID        string     `json:"worker_id" validate:"required"`
	Role            Role       `json:"role" validate:"required"`
	Config          TestConfig `json:"config"`
	MessagesSent    int        `json:"messages_sent"`
	MessagesReceived int       `json:"messages_received"`
	ThroughputMbps  float64    `json:"throughput_mbps"`
	StartTime       string     `json:"start_time" validate:"required"`
	EndTime         string     `json:"end_time" validate:"required"`
}

// Broadcast topics, sent as the first part of a two-part PUB frame (CONFIG)
// or as a single part (START/FINISH/STOP_END_LOOP).
const (
	TopicConfig       = "CONFIG"
	TopicStart        = "START"
	TopicFinish       = "FINISH"
	TopicStopEndLoop  = "STOP_END_LOOP"
)

// End marker for the data plane; exactly three bytes. Receivers recognise it
// by content (a three-byte frame equal to "END"), so a configured message
// size of 3 whose payload happens to be "END" would be read as the marker.
var EndMarker = []byte("END")

// DecodeStrict unmarshals data into v, rejecting unknown fields, then runs
// struct tag validation so missing required fields surface as the same
// parsing-failure error kind.
func DecodeStrict(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("wire: decode: %w", err)
	}
	if err := validation.Instance.Struct(v); err != nil {
		return fmt.Errorf("wire: validate: %w", err)
	}
	return nil
}

// Encode marshals v to its canonical JSON form.
func Encode(v any) ([]byte, error) {
	return json.Marshal(v)
}
