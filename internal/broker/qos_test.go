package broker

import (
	"testing"

	"github.com/pyr33x/goqtt-core/internal/packet"
)

func TestQoS1PubAckClearsPendingMessage(t *testing.T) {
	qm := NewQoSManager()
	defer qm.Stop()

	qm.AddPendingQoS1(&PendingMessage{PacketID: 1, ClientID: "c1", Topic: "a/b", QoS: packet.QoSAtLeastOnce})

	if ok := qm.HandlePubAck("c1", 1); !ok {
		t.Fatal("expected HandlePubAck to find and clear the pending message")
	}
	if ok := qm.HandlePubAck("c1", 1); ok {
		t.Fatal("expected a second HandlePubAck for the same packet id to find nothing")
	}

	qos1, qos2 := qm.GetPendingMessageCount("c1")
	if qos1 != 0 || qos2 != 0 {
		t.Fatalf("expected no pending messages left, got qos1=%d qos2=%d", qos1, qos2)
	}
}

func TestQoS2HandshakeFlow(t *testing.T) {
	qm := NewQoSManager()
	defer qm.Stop()

	qm.AddPendingQoS2(&PendingMessage{PacketID: 7, ClientID: "c1", Topic: "a/b", QoS: packet.QoSExactlyOnce})

	pubrel, ok := qm.HandlePubRec("c1", 7)
	if !ok || pubrel == nil {
		t.Fatal("expected HandlePubRec to return a PUBREL for a pending QoS2 publish")
	}
	if pubrel.PacketID != 7 {
		t.Fatalf("expected pubrel packet id 7, got %d", pubrel.PacketID)
	}

	qos1, qos2 := qm.GetPendingMessageCount("c1")
	if qos1 != 0 || qos2 != 0 {
		t.Fatalf("expected the outbound QoS2 publish to have moved out of pending, got qos1=%d qos2=%d", qos1, qos2)
	}

	if ok := qm.HandlePubComp("c1", 7); !ok {
		t.Fatal("expected HandlePubComp to clear the awaiting-pubcomp message")
	}
}

func TestIncomingQoS2PublishIsIdempotentOnDuplicateDelivery(t *testing.T) {
	qm := NewQoSManager()
	defer qm.Stop()

	first := qm.HandleIncomingQoS2Publish("c1", 3, "a/b", []byte("hello"), false)
	second := qm.HandleIncomingQoS2Publish("c1", 3, "a/b", []byte("hello"), false)

	if first.PacketID != 3 || second.PacketID != 3 {
		t.Fatal("expected both calls to return a PUBREC for packet id 3")
	}
}

func TestIncomingPubRelReturnsStoredMessageAndPubcomp(t *testing.T) {
	qm := NewQoSManager()
	defer qm.Stop()

	qm.HandleIncomingQoS2Publish("c1", 9, "a/b", []byte("payload"), true)

	msg, pubcomp := qm.HandleIncomingPubRel("c1", 9)
	if msg == nil {
		t.Fatal("expected the stored QoS2 message to be returned for delivery")
	}
	if msg.Topic != "a/b" || string(msg.Payload) != "payload" || !msg.Retain {
		t.Fatalf("unexpected message contents: %+v", msg)
	}
	if pubcomp == nil || pubcomp.PacketID != 9 {
		t.Fatalf("expected a PUBCOMP for packet id 9, got %+v", pubcomp)
	}
}

func TestIncomingPubRelWithoutPriorPublishStillSendsPubcomp(t *testing.T) {
	qm := NewQoSManager()
	defer qm.Stop()

	msg, pubcomp := qm.HandleIncomingPubRel("unknown", 42)
	if msg != nil {
		t.Fatalf("expected no stored message, got %+v", msg)
	}
	if pubcomp == nil || pubcomp.PacketID != 42 {
		t.Fatal("expected MQTT spec-mandated PUBCOMP even without a matching PUBLISH record")
	}
}

func TestCleanupClientRemovesAllPendingState(t *testing.T) {
	qm := NewQoSManager()
	defer qm.Stop()

	qm.AddPendingQoS1(&PendingMessage{PacketID: 1, ClientID: "c1", Topic: "a"})
	qm.AddPendingQoS2(&PendingMessage{PacketID: 2, ClientID: "c1", Topic: "b"})
	qm.HandleIncomingQoS2Publish("c1", 3, "c", nil, false)

	qm.CleanupClient("c1")

	qos1, qos2 := qm.GetPendingMessageCount("c1")
	if qos1 != 0 || qos2 != 0 {
		t.Fatalf("expected CleanupClient to clear pending QoS1/QoS2 state, got qos1=%d qos2=%d", qos1, qos2)
	}

	stats := qm.GetStatistics()
	received := stats["qos2_received"].(map[string]int)
	if count, ok := received["c1"]; ok && count != 0 {
		t.Fatalf("expected no remaining qos2_received entries for c1, got %d", count)
	}
}
