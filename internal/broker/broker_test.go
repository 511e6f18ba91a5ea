package broker

import (
	"net"
	"testing"
	"time"

	"github.com/pyr33x/goqtt-core/internal/acl"
	"github.com/pyr33x/goqtt-core/internal/authz"
	"github.com/pyr33x/goqtt-core/internal/packet"
)

// allowAllAuthorizer grants every ACL check and credential check
// unconditionally, the way a permissive default authorizer would.
type allowAllAuthorizer struct{}

func (allowAllAuthorizer) Name() string { return "allow-all" }

func (allowAllAuthorizer) CheckACL(authz.Session, string, authz.Access) (authz.Verdict, error) {
	return authz.Allow, nil
}

func (allowAllAuthorizer) CheckCredentials(string, string) (authz.Verdict, error) {
	return authz.Allow, nil
}

// denyAllAuthorizer denies every ACL check unconditionally.
type denyAllAuthorizer struct{}

func (denyAllAuthorizer) Name() string { return "deny-all" }

func (denyAllAuthorizer) CheckACL(authz.Session, string, authz.Access) (authz.Verdict, error) {
	return authz.Deny, nil
}

func (denyAllAuthorizer) CheckCredentials(string, string) (authz.Verdict, error) {
	return authz.Deny, nil
}

func newTestBroker(t *testing.T, authorizer acl.Authorizer) *Broker {
	t.Helper()
	b := New(map[string]*acl.Pipeline{"": acl.New(authorizer)}, nil, nil, Config{})
	t.Cleanup(b.Close)
	return b
}

func newConnectedSession(t *testing.T, clientID string) (*Session, net.Conn) {
	t.Helper()
	serverEnd, clientEnd := net.Pipe()
	t.Cleanup(func() { serverEnd.Close(); clientEnd.Close() })
	return &Session{ClientID: clientID, Conn: serverEnd}, clientEnd
}

func TestHandlePublishFansOutToLiveSubscriber(t *testing.T) {
	b := newTestBroker(t, allowAllAuthorizer{})

	subSession, subConn := newConnectedSession(t, "subscriber")
	b.Store(subSession.ClientID, subSession)

	suback := b.HandleSubscribe(subSession, &packet.SubscribePacket{
		PacketID: 1,
		Filters:  []packet.SubscribeFilter{{Topic: "sensors/temp", QoS: packet.QoSAtMostOnce}},
	})
	if suback == nil || len(suback.ReturnCodes) != 1 || suback.ReturnCodes[0] == packet.SubackFailure {
		t.Fatalf("expected a successful SUBACK, got %+v", suback)
	}

	pubSession := &Session{ClientID: "publisher"}
	// net.Pipe is unbuffered, so the fan-out write blocks until the read
	// below; the publish runs on its own goroutine.
	pubErr := make(chan error, 1)
	go func() {
		pubErr <- b.HandlePublish(pubSession, &packet.PublishPacket{
			Topic:   "sensors/temp",
			Payload: []byte("21C"),
			QoS:     packet.QoSAtMostOnce,
		})
	}()

	subConn.SetReadDeadline(time.Now().Add(time.Second))
	buf := make([]byte, 256)
	n, err := subConn.Read(buf)
	if err != nil {
		t.Fatalf("expected the subscriber to receive the published message: %v", err)
	}
	if err := <-pubErr; err != nil {
		t.Fatalf("unexpected publish error: %v", err)
	}
	if packet.PacketType(buf[0]&0xF0) != packet.PUBLISH {
		t.Fatalf("expected a PUBLISH frame, got first byte %#x", buf[0])
	}
	_ = n
}

func TestHandlePublishDeniedByACLNeverReachesSubscribers(t *testing.T) {
	b := newTestBroker(t, denyAllAuthorizer{})

	subSession, subConn := newConnectedSession(t, "subscriber")
	b.Store(subSession.ClientID, subSession)
	b.HandleSubscribe(subSession, &packet.SubscribePacket{
		PacketID: 1,
		Filters:  []packet.SubscribeFilter{{Topic: "sensors/temp", QoS: packet.QoSAtMostOnce}},
	})

	pubSession := &Session{ClientID: "publisher"}
	err := b.HandlePublish(pubSession, &packet.PublishPacket{
		Topic:   "sensors/temp",
		Payload: []byte("21C"),
		QoS:     packet.QoSAtMostOnce,
	})
	if err == nil {
		t.Fatal("expected HandlePublish to fail when the ACL denies AccessWrite")
	}

	subConn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	buf := make([]byte, 16)
	if _, err := subConn.Read(buf); err == nil {
		t.Fatal("expected no message to reach a subscriber behind a denied publish")
	}
}

func TestHandleSubscribeDeniedByACLReturnsSubackFailure(t *testing.T) {
	b := newTestBroker(t, denyAllAuthorizer{})

	session, _ := newConnectedSession(t, "subscriber")
	suback := b.HandleSubscribe(session, &packet.SubscribePacket{
		PacketID: 1,
		Filters:  []packet.SubscribeFilter{{Topic: "sensors/temp", QoS: packet.QoSAtMostOnce}},
	})

	if suback == nil || len(suback.ReturnCodes) != 1 || suback.ReturnCodes[0] != packet.SubackFailure {
		t.Fatalf("expected a SUBACK failure code, got %+v", suback)
	}
}

func TestRetainedMessageReplayedOnSubscribe(t *testing.T) {
	b := newTestBroker(t, allowAllAuthorizer{})

	pubSession := &Session{ClientID: "publisher"}
	if err := b.HandlePublish(pubSession, &packet.PublishPacket{
		Topic:   "sensors/temp",
		Payload: []byte("21C"),
		QoS:     packet.QoSAtMostOnce,
		Retain:  true,
	}); err != nil {
		t.Fatalf("unexpected publish error: %v", err)
	}

	if got := b.GetRetainedMessageCount(); got != 1 {
		t.Fatalf("expected one retained message stored, got %d", got)
	}

	subSession, subConn := newConnectedSession(t, "late-subscriber")
	b.Store(subSession.ClientID, subSession)
	// net.Pipe is unbuffered, so the replay write blocks until the read
	// below; the subscribe runs on its own goroutine.
	subscribed := make(chan struct{})
	go func() {
		b.HandleSubscribe(subSession, &packet.SubscribePacket{
			PacketID: 2,
			Filters:  []packet.SubscribeFilter{{Topic: "sensors/temp", QoS: packet.QoSAtMostOnce}},
		})
		close(subscribed)
	}()

	subConn.SetReadDeadline(time.Now().Add(time.Second))
	buf := make([]byte, 256)
	if _, err := subConn.Read(buf); err != nil {
		t.Fatalf("expected the retained message to be replayed on subscribe: %v", err)
	}
	<-subscribed
}

func TestHandleClientDisconnectRemovesSubscriptions(t *testing.T) {
	b := newTestBroker(t, allowAllAuthorizer{})

	session, _ := newConnectedSession(t, "c1")
	b.Store(session.ClientID, session)
	b.HandleSubscribe(session, &packet.SubscribePacket{
		PacketID: 1,
		Filters:  []packet.SubscribeFilter{{Topic: "a/b", QoS: packet.QoSAtMostOnce}},
	})

	if got := b.GetSubscriptionCount(); got != 1 {
		t.Fatalf("expected one active subscription, got %d", got)
	}

	b.HandleClientDisconnect(session.ClientID)

	if got := b.GetSubscriptionCount(); got != 0 {
		t.Fatalf("expected subscriptions to be removed after disconnect, got %d", got)
	}
}
