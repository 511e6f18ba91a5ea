package broker

import (
	"maps"
	"net"

	"github.com/pyr33x/goqtt-core/internal/authz"
)

// Session is the broker's per-connection record. Beyond the wire-level
// bookkeeping the teacher already tracked (client id, will, keep-alive),
// it carries the fields the access-control pipeline, retained-delivery
// path and plugin host all read off a connection: username, listener
// name, negotiated protocol, lifecycle state, the auth method used to
// establish it, and — only set for the local end of a bridge link —
// bridge state.
type Session struct {
	// Key Identifiers
	ClientID     string
	CleanSession bool

	// Will Flags
	WillTopic   *string
	WillMessage *string
	WillQoS     byte
	WillRetain  bool

	// Connection
	KeepAlive           uint16
	ConnectionTimestamp int64
	Conn                net.Conn

	// Access-control / plugin-host fields
	Username   string
	Listener   string
	Protocol   authz.Protocol
	State      authz.State
	AuthMethod string
	Bridge     *authz.Bridge
}

// Authz projects a Session down to the read-only view the ACL pipeline,
// retained-delivery path and plugin host actually consume.
func (s *Session) Authz() authz.Session {
	return authz.Session{
		ID:         s.ClientID,
		Username:   s.Username,
		Listener:   s.Listener,
		Protocol:   s.Protocol,
		State:      s.State,
		AuthMethod: s.AuthMethod,
		Bridge:     s.Bridge,
	}
}

type sessionMap map[string]Session

func (b *Broker) Store(key string, session *Session) {
	b.rwmu.Lock()
	defer b.rwmu.Unlock()

	current := b.session.Load().(sessionMap)
	updated := make(sessionMap)
	maps.Copy(updated, current)
	updated[key] = *session

	b.session.Store(updated)
}

func (b *Broker) Get(key string) (*Session, bool) {
	current, _ := b.session.Load().(sessionMap)
	val, ok := current[key]
	return &val, ok
}

func (b *Broker) Delete(key string) {
	b.rwmu.Lock()
	defer b.rwmu.Unlock()

	current := b.session.Load().(sessionMap)
	updated := make(sessionMap)
	maps.Copy(updated, current)
	delete(updated, key)

	b.session.Store(updated)
}
