// Package authz holds the types shared across the access-control pipeline,
// the plugin host, the retained-message delivery path, and the bridge state
// machine, so that none of those packages need to import one another just
// to agree on what a verdict or a session looks like.
package authz

// Verdict is the three-valued outcome of an access check. Allow and Deny
// are terminal; Defer means "this authorizer has no opinion, ask the next
// one in the chain." A chain that defers all the way through is treated as
// Deny by whoever owns the chain (fail-closed).
type Verdict int

const (
	Defer Verdict = iota
	Allow
	Deny
)

func (v Verdict) String() string {
	switch v {
	case Allow:
		return "allow"
	case Deny:
		return "deny"
	default:
		return "defer"
	}
}

// Access describes the kind of operation being checked against a topic.
type Access int

const (
	AccessRead Access = iota
	AccessWrite
	AccessSubscribe
)

func (a Access) String() string {
	switch a {
	case AccessRead:
		return "read"
	case AccessWrite:
		return "write"
	case AccessSubscribe:
		return "subscribe"
	default:
		return "unknown"
	}
}

// Protocol identifies the negotiated wire protocol level of a session.
type Protocol int

const (
	ProtocolMQTT311 Protocol = iota
	ProtocolMQTT5
)

// State is the coarse lifecycle state of a session as the core sees it.
type State int

const (
	StateNew State = iota
	StateConnected
	StateDisconnecting
	StateDisconnected
	StateExpiring
)

// Bridge carries the extra fields a session needs only when it is the
// local end of an outgoing bridge connection to a remote broker.
type Bridge struct {
	Name               string
	TryPrivateAccepted bool
	RetainAvailable    bool
}

// Session is the read-only view of connection state the ACL pipeline,
// retained-message delivery path and plugin host all need. It is owned by
// the broker's session table; everything downstream only reads it.
type Session struct {
	ID         string
	Username   string
	Listener   string
	Protocol   Protocol
	State      State
	AuthMethod string
	Bridge     *Bridge
}

// IsBridge reports whether the session is the local end of a bridge link.
func (s Session) IsBridge() bool {
	return s.Bridge != nil
}
