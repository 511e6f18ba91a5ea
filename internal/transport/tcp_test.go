package transport

import (
	"bufio"
	"bytes"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/pyr33x/goqtt-core/internal/acl"
	"github.com/pyr33x/goqtt-core/internal/authz"
	"github.com/pyr33x/goqtt-core/internal/broker"
	pkt "github.com/pyr33x/goqtt-core/internal/packet"
	"github.com/pyr33x/goqtt-core/pkg/er"
)

type allowAllAuthorizer struct{}

func (allowAllAuthorizer) Name() string { return "allow-all" }

func (allowAllAuthorizer) CheckACL(authz.Session, string, authz.Access) (authz.Verdict, error) {
	return authz.Allow, nil
}

func (allowAllAuthorizer) CheckCredentials(string, string) (authz.Verdict, error) {
	return authz.Allow, nil
}

func newTestServerAndBroker(t *testing.T) (*TCPServer, *broker.Broker) {
	t.Helper()
	b := broker.New(map[string]*acl.Pipeline{"": acl.New(allowAllAuthorizer{})}, nil, nil, broker.Config{})
	t.Cleanup(b.Close)
	srv := New("0", "default", b, nil)
	return srv, b
}

func TestReadPacketReadsFixedHeaderAndRemainingLength(t *testing.T) {
	raw := []byte{byte(pkt.PINGREQ), 0x00}
	reader := bufio.NewReader(bytes.NewReader(raw))

	got, err := readPacket(reader)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !bytes.Equal(got, raw) {
		t.Fatalf("expected %v, got %v", raw, got)
	}
}

func TestReadPacketReadsMultiByteRemainingLength(t *testing.T) {
	payload := make([]byte, 200)
	raw := append([]byte{byte(pkt.PUBLISH), 0xC8, 0x01}, payload...)
	reader := bufio.NewReader(bytes.NewReader(raw))

	got, err := readPacket(reader)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != len(raw) {
		t.Fatalf("expected %d bytes, got %d", len(raw), len(got))
	}
}

func TestConnectErrorToReasonCodeMapsProtocolErrors(t *testing.T) {
	if got := connectErrorToReasonCode(&er.Err{Message: er.ErrUnsupportedProtocolLevel}); got != pkt.UnacceptableProtocolVersion {
		t.Fatalf("expected UnacceptableProtocolVersion, got %#x", got)
	}
	if got := connectErrorToReasonCode(&er.Err{Message: er.ErrClientIDLengthExceed}); got != pkt.IdentifierRejected {
		t.Fatalf("expected IdentifierRejected, got %#x", got)
	}
	if got := connectErrorToReasonCode(&er.Err{Message: er.ErrPasswordWithoutUsername}); got != pkt.BadUsernameOrPassword {
		t.Fatalf("expected BadUsernameOrPassword, got %#x", got)
	}
	if got := connectErrorToReasonCode(errors.New("anything else")); got != pkt.ServerUnavailable {
		t.Fatalf("expected ServerUnavailable as the default, got %#x", got)
	}
}

func TestDispatchPingreqRespondsWithPingresp(t *testing.T) {
	srv, _ := newTestServerAndBroker(t)
	serverEnd, clientEnd := net.Pipe()
	defer serverEnd.Close()
	defer clientEnd.Close()

	session := &broker.Session{ClientID: "c1", Conn: serverEnd}

	done := make(chan bool, 1)
	go func() { done <- srv.dispatch(serverEnd, session, &pkt.ParsedPacket{Type: pkt.PINGREQ}) }()

	clientEnd.SetReadDeadline(time.Now().Add(time.Second))
	buf := make([]byte, 2)
	if _, err := clientEnd.Read(buf); err != nil {
		t.Fatalf("expected a PINGRESP reply: %v", err)
	}
	if pkt.PacketType(buf[0]&0xF0) != pkt.PINGRESP {
		t.Fatalf("expected PINGRESP, got %#x", buf[0])
	}
	if ok := <-done; !ok {
		t.Fatal("expected dispatch to keep the connection open after PINGREQ")
	}
}

func TestDispatchDisconnectClosesConnection(t *testing.T) {
	srv, _ := newTestServerAndBroker(t)
	session := &broker.Session{ClientID: "c1"}

	if ok := srv.dispatch(nil, session, &pkt.ParsedPacket{Type: pkt.DISCONNECT}); ok {
		t.Fatal("expected dispatch to signal connection close on DISCONNECT")
	}
}

func TestDispatchSubscribeWritesSuback(t *testing.T) {
	srv, b := newTestServerAndBroker(t)
	serverEnd, clientEnd := net.Pipe()
	defer serverEnd.Close()
	defer clientEnd.Close()

	session := &broker.Session{ClientID: "c1", Conn: serverEnd}
	b.Store(session.ClientID, session)

	done := make(chan bool, 1)
	go func() {
		done <- srv.dispatch(serverEnd, session, &pkt.ParsedPacket{
			Type: pkt.SUBSCRIBE,
			Subscribe: &pkt.SubscribePacket{
				PacketID: 1,
				Filters:  []pkt.SubscribeFilter{{Topic: "a/b", QoS: pkt.QoSAtMostOnce}},
			},
		})
	}()

	clientEnd.SetReadDeadline(time.Now().Add(time.Second))
	buf := make([]byte, 16)
	n, err := clientEnd.Read(buf)
	if err != nil {
		t.Fatalf("expected a SUBACK reply: %v", err)
	}
	if pkt.PacketType(buf[0]&0xF0) != pkt.SUBACK {
		t.Fatalf("expected SUBACK, got %#x", buf[0])
	}
	_ = n
	if ok := <-done; !ok {
		t.Fatal("expected dispatch to keep the connection open after SUBSCRIBE")
	}
}
