// Package acl implements the three-valued, fail-closed access-control
// pipeline: an ordered chain of authorizers (the built-in default, then
// plugins) consulted in order until one returns a terminal Allow or Deny,
// with a topic-grammar gate for "$"-prefixed topics run up front.
package acl

import (
	"github.com/pyr33x/goqtt-core/internal/authz"
	"github.com/pyr33x/goqtt-core/internal/topic"
)

// Authorizer is the capability surface a plugin or the built-in default
// exposes to the pipeline. Any method may return authz.Defer to pass the
// decision to the next authorizer in the chain; CheckCredentials and
// CheckACL are independent because a plugin may implement one without the
// other (the v2 ABI, for instance, has no credential hook at all).
type Authorizer interface {
	Name() string
	CheckACL(session authz.Session, topicStr string, access authz.Access) (authz.Verdict, error)
	CheckCredentials(username, password string) (authz.Verdict, error)
}

// PSKProvider is an optional capability an Authorizer may implement to
// resolve a TLS-PSK identity's shared key, mirroring mosquitto's
// psk_key_get_v2/v3/v4 hook. It is kept off the base Authorizer interface
// because most authorizers (and the built-in default, with no PSK store
// of its own) have nothing to say about it, the same way v2 plugins have
// no UnpwdCheck.
type PSKProvider interface {
	CheckPSK(hint, identity string) (key string, verdict authz.Verdict, err error)
}

// Pipeline is the ordered authorizer chain. Chain entries are consulted
// first to last; the first non-Defer verdict wins. A chain that defers
// all the way through is treated as Deny — the pipeline never grants
// access by omission.
type Pipeline struct {
	chain []Authorizer
}

// New builds a pipeline from an ordered authorizer chain. Order matters:
// this is the same order plugin configuration entries are declared in,
// per the plugin-host's load order.
func New(chain ...Authorizer) *Pipeline {
	return &Pipeline{chain: chain}
}

// Check is the ACL entry point used by the retained-delivery path, the
// PUBLISH handler and the SUBSCRIBE handler alike. topicStr is a concrete
// topic for AccessRead/AccessWrite and a subscription filter for
// AccessSubscribe. A session with no client id is denied outright, the
// same as security.c's "if(!context->id) return MOSQ_ERR_ACL_DENIED".
func (p *Pipeline) Check(session authz.Session, topicStr string, access authz.Access) (authz.Verdict, error) {
	if session.ID == "" {
		return authz.Deny, nil
	}

	segments, err := segmentsFor(topicStr, access)
	if err != nil {
		return authz.Deny, err
	}

	rest, verdict, final := dollarGate(segments, access)
	if final {
		return verdict, nil
	}
	checkTopic := topicStr
	if len(rest) != len(segments) {
		checkTopic = rejoin(rest)
	}

	for _, a := range p.chain {
		v, err := a.CheckACL(session, checkTopic, access)
		if err != nil {
			return authz.Deny, err
		}
		if v != authz.Defer {
			return v, nil
		}
	}
	return authz.Deny, nil
}

// CheckCredentials runs the same defer-chain for username/password
// verification, used by the CONNECT handler ahead of any topic check.
func (p *Pipeline) CheckCredentials(username, password string) (authz.Verdict, error) {
	for _, a := range p.chain {
		v, err := a.CheckCredentials(username, password)
		if err != nil {
			return authz.Deny, err
		}
		if v != authz.Defer {
			return v, nil
		}
	}
	return authz.Deny, nil
}

// ReloadCandidate is one currently-connected session's cached state as
// Apply needs it to re-check access after a plugin reload: the session
// itself plus the concrete topics it is currently subscribed to. The
// pipeline never learns subscriptions on its own — retain/broker own that
// state — so the caller snapshots it going in.
type ReloadCandidate struct {
	Session authz.Session
	Topics  []string
}

// Eviction names a session Apply decided no longer has access, and why.
type Eviction struct {
	SessionID string
	Reason    string
}

// Apply re-runs access control for a snapshot of currently-connected
// sessions after a plugin reload, mirroring security__apply: a reload can
// shrink what a session is allowed to do (a revoked user, a topic no
// longer ACL'd), and the broker has no other trigger to notice until the
// session's next PUBLISH or SUBSCRIBE. Apply is a pure function over the
// snapshot handed to it — it never touches the session table or the
// transport layer itself, only reports which sessions the caller should
// disconnect.
func (p *Pipeline) Apply(candidates []ReloadCandidate) []Eviction {
	var evictions []Eviction
	for _, c := range candidates {
		if c.Session.Username == "" {
			if v, err := p.CheckCredentials("", ""); err == nil && v != authz.Allow {
				evictions = append(evictions, Eviction{SessionID: c.Session.ID, Reason: "anonymous access no longer permitted"})
				continue
			}
		}

		for _, topicStr := range c.Topics {
			v, err := p.Check(c.Session, topicStr, authz.AccessSubscribe)
			if err != nil || v != authz.Allow {
				evictions = append(evictions, Eviction{SessionID: c.Session.ID, Reason: "subscription " + topicStr + " no longer permitted"})
				break
			}
		}
	}
	return evictions
}

// CheckPSK resolves the pre-shared key for a TLS-PSK identity by walking
// the chain for authorizers implementing PSKProvider, stopping at the
// first non-Defer verdict, the same defer-chain shape as CheckCredentials.
// An authorizer with no PSK opinion (most of them) is simply skipped.
func (p *Pipeline) CheckPSK(hint, identity string) (string, authz.Verdict, error) {
	for _, a := range p.chain {
		provider, ok := a.(PSKProvider)
		if !ok {
			continue
		}
		key, v, err := provider.CheckPSK(hint, identity)
		if err != nil {
			return "", authz.Deny, err
		}
		if v != authz.Defer {
			return key, v, nil
		}
	}
	return "", authz.Deny, nil
}

func segmentsFor(topicStr string, access authz.Access) ([]string, error) {
	if access == authz.AccessSubscribe {
		return topic.TokenizeFilter(topicStr)
	}
	return topic.Tokenize(topicStr)
}
