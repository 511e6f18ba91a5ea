package acl

import (
	"github.com/pyr33x/goqtt-core/internal/auth"
	"github.com/pyr33x/goqtt-core/internal/authz"
)

// DefaultAuthorizer is the sqlite-backed credential and per-topic ACL
// store the broker ships with. It sits at the head of the chain: any
// configured plugin is consulted only when it defers.
type DefaultAuthorizer struct {
	store *auth.Store
}

func NewDefaultAuthorizer(store *auth.Store) *DefaultAuthorizer {
	return &DefaultAuthorizer{store: store}
}

func (d *DefaultAuthorizer) Name() string {
	return "default"
}

func (d *DefaultAuthorizer) CheckCredentials(username, password string) (authz.Verdict, error) {
	if err := d.store.Authenticate(username, password); err != nil {
		return authz.Deny, nil
	}
	return authz.Allow, nil
}

func (d *DefaultAuthorizer) CheckACL(session authz.Session, topicStr string, access authz.Access) (authz.Verdict, error) {
	allowed, found, err := d.store.TopicAllowed(session.Username, topicStr, access == authz.AccessWrite)
	if err != nil {
		return authz.Deny, err
	}
	if !found {
		// No ACL row at all for this user/topic pair: defer rather than
		// grant, so an operator who forgot to run user_acl migrations
		// gets a fail-closed broker instead of a silently open one.
		return authz.Defer, nil
	}
	if allowed {
		return authz.Allow, nil
	}
	return authz.Deny, nil
}
