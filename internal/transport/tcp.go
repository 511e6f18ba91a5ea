package transport

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync/atomic"
	"time"

	"github.com/pyr33x/goqtt-core/internal/authz"
	"github.com/pyr33x/goqtt-core/internal/broker"
	"github.com/pyr33x/goqtt-core/internal/logger"
	pkt "github.com/pyr33x/goqtt-core/internal/packet"
	"github.com/pyr33x/goqtt-core/pkg/er"
)

// TCPServer accepts MQTT connections on a single listener and drives them
// through the shared broker. The listener's name is stamped onto every
// session it establishes, since per_listener_settings in the access-
// control pipeline keys off it.
type TCPServer struct {
	addr               string
	listenerName       string
	listener           net.Listener
	broker             *broker.Broker
	log                *logger.Logger
	isShuttingdown     atomic.Bool
	maxConnections     int
	currentConnections atomic.Int32
}

// New creates a new TCPServer instance bound to a shared broker.
func New(addr, listenerName string, b *broker.Broker, log *logger.Logger) *TCPServer {
	return &TCPServer{
		addr:           addr,
		listenerName:   listenerName,
		broker:         b,
		log:            log,
		maxConnections: 1000,
	}
}

// Start begins accepting TCP connections
func (srv *TCPServer) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", fmt.Sprintf(":%s", srv.addr))
	if err != nil {
		return err
	}
	srv.listener = listener
	go srv.accept(ctx)
	return nil
}

// Stop shuts down the listener gracefully
func (srv *TCPServer) Stop() error {
	srv.isShuttingdown.Store(true)
	if srv.listener != nil {
		return srv.listener.Close()
	}
	return nil
}

func (srv *TCPServer) accept(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
			conn, err := srv.listener.Accept()
			if err != nil {
				if srv.isShuttingdown.Load() {
					return
				}
				srv.log.LogError(err, "accept error")
				continue
			}
			go srv.handleConnection(conn)
		}
	}
}

// checkServerAvailability reports why a new connection cannot be accepted,
// or "" if it can.
func (srv *TCPServer) checkServerAvailability() string {
	if srv.isShuttingdown.Load() {
		return "server is shutting down"
	}
	if srv.currentConnections.Load() >= int32(srv.maxConnections) {
		return "maximum connections exceeded"
	}
	return ""
}

func (srv *TCPServer) handleConnection(conn net.Conn) {
	var clientID string
	defer func() {
		conn.Close()
		srv.currentConnections.Add(-1)
		if clientID != "" {
			srv.broker.HandleClientDisconnect(clientID)
		}
		srv.log.LogClientConnection(clientID, conn.RemoteAddr().String(), "disconnected")
	}()

	if reason := srv.checkServerAvailability(); reason != "" {
		srv.sendAndClose(conn, pkt.NewConnAck(false, pkt.ServerUnavailable))
		return
	}

	srv.currentConnections.Add(1)
	connectionTimestamp := time.Now().Unix()

	reader := bufio.NewReader(conn)
	var session *broker.Session

	for {
		rawPacket, err := readPacket(reader)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				srv.log.LogError(err, "read error", logger.ClientID(clientID))
			}
			return
		}

		parsed, err := pkt.Parse(rawPacket)
		if err != nil {
			srv.sendAndClose(conn, pkt.NewConnAck(false, connectErrorToReasonCode(err)))
			return
		}

		if session == nil {
			establishedSession, ok := srv.establishSession(conn, parsed, connectionTimestamp)
			if !ok {
				return
			}
			session = establishedSession
			clientID = session.ClientID
			continue
		}

		if !srv.dispatch(conn, session, parsed) {
			return
		}
	}
}

// establishSession handles the CONNECT handshake: credential check via the
// broker's access-control pipeline, clean/resume session bookkeeping, and
// the CONNACK reply. Returns ok=false if the connection must be closed.
func (srv *TCPServer) establishSession(conn net.Conn, parsed *pkt.ParsedPacket, connectionTimestamp int64) (*broker.Session, bool) {
	if !parsed.IsConnect() {
		srv.sendAndClose(conn, pkt.NewConnAck(false, pkt.UnacceptableProtocolVersion))
		return nil, false
	}
	connectPacket := parsed.Connect

	var username string
	if connectPacket.UsernameFlag && connectPacket.PasswordFlag {
		verdict, err := srv.broker.CheckCredentials(srv.listenerName, *connectPacket.Username, *connectPacket.Password)
		if err != nil || verdict != authz.Allow {
			srv.log.LogAuth(connectPacket.ClientID, *connectPacket.Username, false, "credential check failed")
			srv.sendAndClose(conn, pkt.NewConnAck(false, pkt.BadUsernameOrPassword))
			return nil, false
		}
		username = *connectPacket.Username
		srv.log.LogAuth(connectPacket.ClientID, username, true, "")
	}

	clientID := connectPacket.ClientID
	_, sessionExists := srv.broker.Get(clientID)
	sessionPresent := false
	if connectPacket.CleanSession && sessionExists {
		srv.broker.Delete(clientID)
	} else if !connectPacket.CleanSession && sessionExists {
		sessionPresent = true
	}

	session := &broker.Session{
		ClientID:     clientID,
		CleanSession: connectPacket.CleanSession,
		WillTopic:    connectPacket.WillTopic,
		WillMessage:  connectPacket.WillMessage,
		WillQoS:      connectPacket.WillQoS,
		WillRetain:   connectPacket.WillRetain,

		KeepAlive:           connectPacket.KeepAlive,
		ConnectionTimestamp: connectionTimestamp,
		Conn:                conn,

		Username:   username,
		Listener:   srv.listenerName,
		Protocol:   authz.ProtocolMQTT311,
		State:      authz.StateConnected,
		AuthMethod: "password",
	}
	srv.broker.Store(clientID, session)

	if _, err := conn.Write(pkt.NewConnAck(sessionPresent, pkt.ConnectionAccepted)); err != nil {
		return nil, false
	}
	srv.log.LogClientConnection(clientID, conn.RemoteAddr().String(), "connected")
	return session, true
}

// dispatch routes one post-CONNECT packet to the broker. Returns false if
// the connection must be closed.
func (srv *TCPServer) dispatch(conn net.Conn, session *broker.Session, parsed *pkt.ParsedPacket) bool {
	switch parsed.Type {
	case pkt.PUBLISH:
		p := parsed.Publish
		if p == nil {
			return false
		}
		switch {
		case p.QoS == pkt.QoSExactlyOnce:
			pubrec, err := srv.broker.HandleIncomingQoS2Publish(session, p)
			if err != nil {
				srv.log.LogError(err, "publish rejected", logger.ClientID(session.ClientID))
				return true
			}
			_, err = conn.Write(pubrec.Encode())
			return err == nil

		default:
			if err := srv.broker.HandlePublish(session, p); err != nil {
				srv.log.LogError(err, "publish rejected", logger.ClientID(session.ClientID))
			}
			if p.QoS == pkt.QoSAtLeastOnce && p.PacketID != nil {
				if _, err := conn.Write(pkt.NewPubAck(*p.PacketID)); err != nil {
					return false
				}
			}
			return true
		}

	case pkt.PUBACK:
		if parsed.Puback == nil {
			return false
		}
		srv.broker.HandlePubAck(session.ClientID, parsed.Puback.PacketID)
		return true

	case pkt.PUBREC:
		if parsed.Pubrec == nil {
			return false
		}
		pubrel, ok := srv.broker.HandlePubRec(session.ClientID, parsed.Pubrec.PacketID)
		if !ok {
			return true
		}
		_, err := conn.Write(pubrel.Encode())
		return err == nil

	case pkt.PUBREL:
		if parsed.Pubrel == nil {
			return false
		}
		pubcomp := srv.broker.HandleIncomingPubRel(session.ClientID, parsed.Pubrel.PacketID)
		_, err := conn.Write(pubcomp.Encode())
		return err == nil

	case pkt.PUBCOMP:
		if parsed.Pubcomp == nil {
			return false
		}
		srv.broker.HandlePubComp(session.ClientID, parsed.Pubcomp.PacketID)
		return true

	case pkt.SUBSCRIBE:
		suback := srv.broker.HandleSubscribe(session, parsed.Subscribe)
		if suback == nil {
			return false
		}
		_, err := conn.Write(suback.Encode())
		return err == nil

	case pkt.UNSUBSCRIBE:
		unsuback := srv.broker.HandleUnsubscribe(session, parsed.Unsubscribe)
		if unsuback == nil {
			return false
		}
		_, err := conn.Write(unsuback.Encode())
		return err == nil

	case pkt.PINGREQ:
		_, err := conn.Write(pkt.CreatePingresp().Encode())
		return err == nil

	case pkt.DISCONNECT:
		return false

	default:
		srv.log.LogError(&er.Err{Context: "Transport", Message: er.ErrInvalidPacketType}, "unhandled packet type", logger.ClientID(session.ClientID))
		return false
	}
}

// readPacket reads one full MQTT control packet (fixed header, remaining
// length, variable header + payload) off the wire.
func readPacket(reader *bufio.Reader) ([]byte, error) {
	fixedHeaderByte, err := reader.ReadByte()
	if err != nil {
		return nil, err
	}

	remLenBuf := make([]byte, 4)
	remLenOffset := 0
	remainingLength := 0
	multiplier := 1

	for {
		if remLenOffset >= len(remLenBuf) {
			return nil, &er.Err{Context: "Transport, Remaining Length", Message: er.ErrPublishRemainingLengthExceeded}
		}
		b, err := reader.ReadByte()
		if err != nil {
			return nil, err
		}
		remLenBuf[remLenOffset] = b
		remLenOffset++
		remainingLength += int(b&0x7F) * multiplier
		multiplier *= 128
		if (b & 0x80) == 0 {
			break
		}
	}

	totalPacketSize := 1 + remLenOffset + remainingLength
	rawPacket := make([]byte, totalPacketSize)
	rawPacket[0] = fixedHeaderByte
	copy(rawPacket[1:1+remLenOffset], remLenBuf[:remLenOffset])

	if _, err := io.ReadFull(reader, rawPacket[1+remLenOffset:]); err != nil {
		return nil, err
	}
	return rawPacket, nil
}

func connectErrorToReasonCode(err error) byte {
	switch {
	case errors.Is(err, er.ErrUnsupportedProtocolLevel), errors.Is(err, er.ErrUnsupportedProtocolName):
		return pkt.UnacceptableProtocolVersion
	case errors.Is(err, er.ErrInvalidCharsClientID), errors.Is(err, er.ErrClientIDLengthExceed), errors.Is(err, er.ErrIdentifierRejected):
		return pkt.IdentifierRejected
	case errors.Is(err, er.ErrPasswordWithoutUsername), errors.Is(err, er.ErrMalformedUsernameField), errors.Is(err, er.ErrMalformedPasswordField):
		return pkt.BadUsernameOrPassword
	default:
		return pkt.ServerUnavailable
	}
}

func (srv *TCPServer) sendAndClose(conn net.Conn, ack []byte) {
	if len(ack) > 0 {
		conn.Write(ack)
	}
	conn.Close()
}
