package bridge

import (
	"testing"

	"github.com/pyr33x/goqtt-core/internal/packet"
)

func TestHandleConnAckAccepted(t *testing.T) {
	sess := &Session{Name: "b1", TryPrivateAccepted: true}
	res := HandleConnAck(sess, []byte{0x01 | 0x02, packet.ConnectionAccepted})

	if res.Err != nil {
		t.Fatal(res.Err)
	}
	if !res.SessionPresent {
		t.Fatal("expected session present flag to be read")
	}
	if sess.State != StateConnected {
		t.Fatalf("expected Connected state, got %v", sess.State)
	}
	if !sess.RetainAvailable {
		t.Fatal("expected retain-available bit to be honored")
	}
}

func TestHandleConnAckDowngradesTryPrivateOnProtocolRejection(t *testing.T) {
	sess := &Session{Name: "b1", TryPrivateAccepted: true}
	res := HandleConnAck(sess, []byte{0x00, packet.UnacceptableProtocolVersion})

	if !res.Retry {
		t.Fatal("expected a protocol-version rejection to be retryable while try_private is still set")
	}
	if sess.TryPrivateAccepted {
		t.Fatal("expected try_private_accepted to be cleared so the next attempt uses plain MQTT")
	}
	if sess.State != StateRetrying {
		t.Fatalf("expected Retrying state, got %v", sess.State)
	}
}

func TestHandleConnAckProtocolRejectionWithoutTryPrivateFails(t *testing.T) {
	sess := &Session{Name: "b1", TryPrivateAccepted: false}
	res := HandleConnAck(sess, []byte{0x00, packet.UnacceptableProtocolVersion})

	if res.Retry {
		t.Fatal("expected no fallback left once try_private is already cleared")
	}
	if sess.State != StateFailed {
		t.Fatalf("expected Failed state, got %v", sess.State)
	}
}

func TestHandleConnAckIdentifierRejectedNeverRetries(t *testing.T) {
	sess := &Session{Name: "b1"}
	res := HandleConnAck(sess, []byte{0x00, packet.IdentifierRejected})

	if res.Retry {
		t.Fatal("expected IdentifierRejected to never retry")
	}
	if sess.State != StateFailed {
		t.Fatalf("expected Failed state, got %v", sess.State)
	}
}

func TestHandleConnAckServerUnavailableRetries(t *testing.T) {
	sess := &Session{Name: "b1"}
	res := HandleConnAck(sess, []byte{0x00, packet.ServerUnavailable})

	if !res.Retry {
		t.Fatal("expected a transient server-unavailable rejection to retry")
	}
	if sess.State != StateRetrying {
		t.Fatalf("expected Retrying state, got %v", sess.State)
	}
}

func TestParseConnAckRejectsShortPayload(t *testing.T) {
	if _, _, err := ParseConnAck([]byte{0x00}); err == nil {
		t.Fatal("expected an error for a payload shorter than 2 bytes")
	}
}
