// Package bridge drives the client-side state machine for an outgoing
// bridge connection: parsing the CONNACK a remote broker sends back and
// deciding whether to treat the link as connected, retry with a
// downgraded handshake, or give up on it entirely.
package bridge

import (
	"github.com/pyr33x/goqtt-core/internal/packet"
	"github.com/pyr33x/goqtt-core/pkg/er"
)

// State is the bridge connection's lifecycle as observed from the local
// broker acting as the connecting client.
type State int

const (
	StateInit State = iota
	StateConnecting
	StateConnected
	StateRetrying
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateRetrying:
		return "retrying"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Session holds the bits of bridge-connection state the CONNACK handler
// reads and mutates across reconnect attempts.
type Session struct {
	Name               string
	State              State
	TryPrivateAccepted bool
	RetainAvailable    bool
}

// ackFlags bit layout on the wire: bit 0 is the standard MQTT "session
// present" flag; bit 1 is a mosquitto bridge-protocol extension this core
// preserves for interop — a remote that doesn't set it is signalling it
// will not forward retained messages to this bridge.
const (
	ackFlagSessionPresent = 0x01
	ackFlagRetainAvailable = 0x02
)

// Result is the decision HandleConnAck reaches for one CONNACK.
type Result struct {
	SessionPresent bool
	ReasonCode     byte
	NextState      State
	// Retry reports whether the caller should attempt to reconnect.
	Retry bool
	Err   error
}

// ParseConnAck reads the ack-flags and reason-code bytes of a CONNACK
// payload. Anything beyond those two bytes is an MQTT 5 property block;
// per this core's design it is skipped without being interpreted; a
// bridge only ever negotiates down to 3.1.1 semantics.
func ParseConnAck(payload []byte) (ackFlags byte, reasonCode byte, err error) {
	if len(payload) < 2 {
		return 0, 0, &er.Err{Context: "bridge.ParseConnAck", Message: er.ErrProtocolError}
	}
	return payload[0], payload[1], nil
}

// HandleConnAck applies a received CONNACK to sess, returning the
// resulting state and whether the caller should retry the connection.
// IdentifierRejected never retries: the remote is telling us our
// configured client id is permanently unacceptable, and retrying with the
// same id would only repeat the rejection. A CONNACK too short to parse
// never retries either. UnacceptableProtocolVersion, when the bridge is
// still attempting its private (mosquitto-extension) handshake, is treated
// as a signal to fall back to a plain MQTT handshake on the next attempt;
// once that fallback has been made, it is a failure without retry.
func HandleConnAck(sess *Session, payload []byte) Result {
	ackFlags, reasonCode, err := ParseConnAck(payload)
	if err != nil {
		sess.State = StateFailed
		return Result{NextState: StateFailed, Retry: false, Err: err}
	}

	sessionPresent := ackFlags&ackFlagSessionPresent != 0

	switch reasonCode {
	case packet.ConnectionAccepted:
		sess.State = StateConnected
		sess.RetainAvailable = ackFlags&ackFlagRetainAvailable != 0
		return Result{SessionPresent: sessionPresent, ReasonCode: reasonCode, NextState: StateConnected, Retry: false}

	case packet.UnacceptableProtocolVersion:
		if sess.TryPrivateAccepted {
			sess.TryPrivateAccepted = false
			sess.State = StateRetrying
			return Result{ReasonCode: reasonCode, NextState: StateRetrying, Retry: true}
		}
		sess.State = StateFailed
		return Result{ReasonCode: reasonCode, NextState: StateFailed, Retry: false,
			Err: &er.Err{Context: "bridge.HandleConnAck", Message: er.ErrBridgeProtocolRejected}}

	case packet.IdentifierRejected:
		sess.State = StateFailed
		return Result{ReasonCode: reasonCode, NextState: StateFailed, Retry: false,
			Err: &er.Err{Context: "bridge.HandleConnAck", Message: er.ErrBridgeIdentifierRejected}}

	case packet.ServerUnavailable, packet.BadUsernameOrPassword, packet.NotAuthorized:
		sess.State = StateRetrying
		errMsg := er.ErrBridgeNotAuthorized
		return Result{ReasonCode: reasonCode, NextState: StateRetrying, Retry: true,
			Err: &er.Err{Context: "bridge.HandleConnAck", Message: errMsg}}

	default:
		sess.State = StateRetrying
		return Result{ReasonCode: reasonCode, NextState: StateRetrying, Retry: true,
			Err: &er.Err{Context: "bridge.HandleConnAck", Message: er.ErrProtocolError}}
	}
}
