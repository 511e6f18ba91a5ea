package packet

import "testing"

func TestNewConnAckSetsSessionPresentBit(t *testing.T) {
	raw := NewConnAck(true, ConnectionAccepted)
	if len(raw) != 4 {
		t.Fatalf("expected 4-byte CONNACK, got %d bytes", len(raw))
	}
	if raw[0] != 0x20 || raw[1] != 0x02 {
		t.Fatalf("unexpected fixed header: %#v", raw[:2])
	}
	if raw[2] != ackFlagSessionPresent {
		t.Fatalf("expected session-present ack flag, got %#x", raw[2])
	}
	if raw[3] != ConnectionAccepted {
		t.Fatalf("expected return code %#x, got %#x", ConnectionAccepted, raw[3])
	}
}

func TestNewConnAckClearsFlagsWhenNoSessionPresent(t *testing.T) {
	raw := NewConnAck(false, NotAuthorized)
	if raw[2] != 0x00 {
		t.Fatalf("expected ack flags 0x00, got %#x", raw[2])
	}
	if raw[3] != NotAuthorized {
		t.Fatalf("expected return code %#x, got %#x", NotAuthorized, raw[3])
	}
}
