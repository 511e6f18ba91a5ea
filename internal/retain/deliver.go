package retain

import (
	"context"

	"github.com/pyr33x/goqtt-core/internal/authz"
)

// Clock abstracts wall-clock seconds so expiry checks are testable without
// sleeping.
type Clock interface {
	Now() int64
}

// Checker is the ACL collaborator the delivery path consults before
// handing a retained message to a subscriber. It is satisfied by the
// access-control pipeline; retain never imports that package directly so
// the dependency only runs one way.
type Checker interface {
	Check(session authz.Session, topicStr string, access authz.Access) (authz.Verdict, error)
}

// IDAllocator hands out per-session packet identifiers for QoS > 0
// deliveries.
type IDAllocator interface {
	Next(sessionID string) uint16
}

// OutboundMessage is what DeliverRetained hands to a Queue once a node has
// cleared expiry, ACL and QoS computation.
type OutboundMessage struct {
	Session                authz.Session
	MessageID              uint16
	QoS                     byte
	Retain                  bool
	Topic                   string
	Payload                 []byte
	SubscriptionIdentifier uint32 // 0 means absent
}

// Queue is the outbound delivery collaborator: handing it an
// OutboundMessage is the delivery path's final act.
type Queue interface {
	Enqueue(ctx context.Context, out OutboundMessage) error
}

// Options configures a DeliveryAdapter's optional behaviors, mirroring the
// two broker-wide knobs the spec calls out by name.
type Options struct {
	// CheckRetainSource re-checks WRITE access for the original publisher
	// before handing the message to a new subscriber, guarding against a
	// retained message outliving the ACL grant that produced it.
	CheckRetainSource bool
	// UpgradeOutgoingQoS, when true, delivers at the message's own QoS
	// even if that exceeds the subscription's requested QoS. The default
	// (false) always caps delivery at min(subscription QoS, message QoS).
	UpgradeOutgoingQoS bool
	// SubscriptionIdentifier, if non-zero, is attached to every message
	// delivered through this adapter (MQTT 5 subscription identifiers).
	SubscriptionIdentifier uint32
}

// DeliveryAdapter is the per-node collaborator DeliverRetained calls for
// every node the tree visits during a SUBSCRIBE's retained-message replay.
// It is grounded on the five-step pipeline the core's retained-delivery
// design note lays out: lazy expiry, READ check, optional source
// re-check, effective QoS, then enqueue.
type DeliveryAdapter struct {
	Tree      *Tree
	Clock     Clock
	ACL       Checker
	Queue     Queue
	Allocator IDAllocator
	Options   Options
}

// DeliverRetained matches filter against the tree and attempts delivery of
// every node visited to session, using subQoS as the subscription's
// requested QoS ceiling. It never returns an error for a single node's ACL
// denial or expiry — those are silent skips by design — only for a
// malformed filter, an ACL check that itself fails, or a queue failure;
// the latter two abort the remaining nodes.
func (d *DeliveryAdapter) DeliverRetained(ctx context.Context, session authz.Session, filter string, subQoS byte) error {
	var firstErr error
	err := d.Tree.Match(filter, func(n *Node) {
		if firstErr != nil {
			return
		}
		if err := d.deliverNode(ctx, session, n, subQoS); err != nil {
			firstErr = err
		}
	})
	if err != nil {
		return err
	}
	return firstErr
}

func (d *DeliveryAdapter) deliverNode(ctx context.Context, session authz.Session, n *Node, subQoS byte) error {
	h := n.Retained()
	if h == nil {
		return nil
	}
	msg := h.Message()
	if msg == nil {
		return nil
	}

	// Step 1: lazy expiry. A retained message past its deadline is
	// dropped here rather than proactively swept, and is simply not
	// delivered to this (or any later) subscriber. This runs inside
	// Match's visitor, which holds the tree lock.
	if msg.Expired(d.Clock.Now()) {
		d.Tree.expireLocked(n)
		return nil
	}

	// Step 2: READ access for the delivering session.
	verdict, err := d.ACL.Check(session, msg.Topic, authz.AccessRead)
	if err != nil {
		return err
	}
	if verdict != authz.Allow {
		return nil
	}

	// Step 3: optional re-check that the original publisher still holds
	// WRITE access to the topic, guarding against a retained message
	// outliving a revoked grant.
	if d.Options.CheckRetainSource {
		source := authz.Session{ID: msg.SourceID, Username: msg.SourceUsername, Listener: msg.SourceListener}
		sv, err := d.ACL.Check(source, msg.Topic, authz.AccessWrite)
		if err != nil {
			return err
		}
		if sv != authz.Allow {
			return nil
		}
	}

	// Step 4: effective QoS. Default behavior caps delivery at the lower
	// of the two; UpgradeOutgoingQoS instead always delivers at the
	// message's own QoS.
	effQoS := subQoS
	if d.Options.UpgradeOutgoingQoS {
		effQoS = msg.QoS
	} else if msg.QoS < effQoS {
		effQoS = msg.QoS
	}

	// Step 5: message-id allocation, only needed once delivery can
	// require acknowledgement.
	var mid uint16
	if effQoS > 0 && d.Allocator != nil {
		mid = d.Allocator.Next(session.ID)
	}

	out := OutboundMessage{
		Session:                session,
		MessageID:              mid,
		QoS:                    effQoS,
		Retain:                 true,
		Topic:                  msg.Topic,
		Payload:                msg.Payload,
		SubscriptionIdentifier: d.Options.SubscriptionIdentifier,
	}
	return d.Queue.Enqueue(ctx, out)
}
