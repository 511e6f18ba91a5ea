package broker

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pyr33x/goqtt-core/internal/acl"
	"github.com/pyr33x/goqtt-core/internal/authz"
	"github.com/pyr33x/goqtt-core/internal/logger"
	"github.com/pyr33x/goqtt-core/internal/packet"
	"github.com/pyr33x/goqtt-core/internal/pluginhost"
	"github.com/pyr33x/goqtt-core/internal/retain"
	"github.com/pyr33x/goqtt-core/pkg/er"
)

// Broker wires the live subscription trie together with the retained-
// message tree, the access-control pipeline and the plugin host. It is
// the adapted descendant of the teacher's broker.Broker: the session
// table and packet-ID sequence are unchanged, everything touching
// retained messages and access control now flows through internal/retain,
// internal/acl and internal/pluginhost instead of the ad hoc map this
// package used to keep.
type Broker struct {
	session       atomic.Value
	subscriptions *SubscriptionTree
	retain        *retain.Tree
	retainStore   *retain.InMemoryStore
	acl           aclRouter
	plugins       []*pluginhost.Registry
	log           *logger.Logger
	rwmu          sync.RWMutex
	packetIDSeq   uint32
	delivery      *retain.DeliveryAdapter
	qos           *QoSManager
}

// Config carries the broker-wide knobs SPEC_FULL.md calls out by name.
type Config struct {
	CheckRetainSource  bool
	UpgradeOutgoingQoS bool
}

// aclRouter resolves a session to the access-control pipeline belonging to
// the listener it connected on, the way mosquitto consults
// listener->security_options instead of the global one whenever
// per_listener_settings is on. byListener[""] is the fallback used for
// any listener name with no dedicated entry (single-listener deployments,
// or sessions from before per-listener pipelines existed).
type aclRouter struct {
	byListener map[string]*acl.Pipeline
}

func (r aclRouter) pipelineFor(listener string) *acl.Pipeline {
	if p, ok := r.byListener[listener]; ok {
		return p
	}
	return r.byListener[""]
}

func (r aclRouter) Check(session authz.Session, topicStr string, access authz.Access) (authz.Verdict, error) {
	return r.pipelineFor(session.Listener).Check(session, topicStr, access)
}

func (r aclRouter) CheckCredentials(listener, username, password string) (authz.Verdict, error) {
	return r.pipelineFor(listener).CheckCredentials(username, password)
}

func (r aclRouter) CheckPSK(listener, hint, identity string) (string, authz.Verdict, error) {
	return r.pipelineFor(listener).CheckPSK(hint, identity)
}

// New builds a Broker whose access-control decisions are routed per
// listener. pipelines must contain a "" entry: the fallback pipeline used
// for any listener name not otherwise present (and the only entry a
// single-listener deployment needs). plugins is the full set of loaded
// plugin registries across every listener, kept only so Close/Plugins can
// reach all of them.
func New(pipelines map[string]*acl.Pipeline, plugins []*pluginhost.Registry, log *logger.Logger, cfg Config) *Broker {
	router := aclRouter{byListener: pipelines}
	b := &Broker{
		subscriptions: NewSubscriptionTree(),
		retainStore:   retain.NewInMemoryStore(),
		acl:           router,
		plugins:       plugins,
		log:           log,
		qos:           NewQoSManager(),
	}
	b.retain = retain.New(b.retainStore, nil)
	b.session.Store(make(sessionMap))
	b.delivery = &retain.DeliveryAdapter{
		Tree:      b.retain,
		Clock:     wallClock{},
		ACL:       router,
		Queue:     brokerQueue{b: b},
		Allocator: brokerIDAllocator{b: b},
		Options: retain.Options{
			CheckRetainSource:  cfg.CheckRetainSource,
			UpgradeOutgoingQoS: cfg.UpgradeOutgoingQoS,
		},
	}
	return b
}

// HandleSubscribe processes a SUBSCRIBE packet and returns a SUBACK packet
func (b *Broker) HandleSubscribe(session *Session, subscribePacket *packet.SubscribePacket) *packet.SubackPacket {
	if subscribePacket == nil || session == nil {
		return nil
	}

	returnCodes := make([]byte, len(subscribePacket.Filters))
	sessAuthz := session.Authz()

	for i, filter := range subscribePacket.Filters {
		verdict, err := b.acl.Check(sessAuthz, filter.Topic, authz.AccessSubscribe)
		if b.log != nil {
			v := "error"
			if err == nil {
				v = verdict.String()
			}
			b.log.LogACLDecision(session.ClientID, filter.Topic, authz.AccessSubscribe.String(), v, "pipeline")
		}
		if err != nil || verdict != authz.Allow {
			returnCodes[i] = packet.SubackFailure
			continue
		}

		grantedQoS := b.getGrantedQoS(filter.QoS)
		handler := func(topicStr string, payload []byte, qos packet.QoSLevel, retainFlag bool) {
			b.deliverMessage(session, topicStr, payload, qos, retainFlag)
		}

		if err := b.subscriptions.Subscribe(session.ClientID, session, filter.Topic, grantedQoS, handler); err != nil {
			returnCodes[i] = packet.SubackFailure
			continue
		}

		switch grantedQoS {
		case packet.QoSAtMostOnce:
			returnCodes[i] = packet.SubackMaxQoS0
		case packet.QoSAtLeastOnce:
			returnCodes[i] = packet.SubackMaxQoS1
		case packet.QoSExactlyOnce:
			returnCodes[i] = packet.SubackMaxQoS2
		default:
			returnCodes[i] = packet.SubackFailure
		}

		if b.log != nil {
			b.log.LogSubscription(session.ClientID, filter.Topic, int(grantedQoS), "subscribe")
		}

		if err := b.delivery.DeliverRetained(context.Background(), sessAuthz, filter.Topic, byte(grantedQoS)); err != nil && b.log != nil {
			b.log.LogError(err, "retained message replay failed")
		}
	}

	return &packet.SubackPacket{
		PacketID:    subscribePacket.PacketID,
		ReturnCodes: returnCodes,
	}
}

// HandleUnsubscribe processes an UNSUBSCRIBE packet and returns an UNSUBACK packet
func (b *Broker) HandleUnsubscribe(session *Session, unsubscribePacket *packet.UnsubscribePacket) *packet.UnsubackPacket {
	if unsubscribePacket == nil || session == nil {
		return nil
	}

	for _, topicFilter := range unsubscribePacket.TopicFilters {
		if err := b.subscriptions.Unsubscribe(session.ClientID, topicFilter); err != nil && b.log != nil {
			b.log.LogError(err, "unsubscribe failed")
		} else if b.log != nil {
			b.log.LogSubscription(session.ClientID, topicFilter, 0, "unsubscribe")
		}
	}

	return &packet.UnsubackPacket{
		PacketID: unsubscribePacket.PacketID,
	}
}

// HandlePublish processes a PUBLISH packet and delivers it to matching subscribers
func (b *Broker) HandlePublish(session *Session, publishPacket *packet.PublishPacket) error {
	if publishPacket == nil {
		return &er.Err{Context: "Broker.HandlePublish", Message: er.ErrInvalidPublishPacket}
	}

	sessAuthz := authz.Session{}
	if session != nil {
		sessAuthz = session.Authz()
	}

	verdict, err := b.acl.Check(sessAuthz, publishPacket.Topic, authz.AccessWrite)
	if err != nil {
		return err
	}
	if verdict != authz.Allow {
		return &er.Err{Context: "Broker.HandlePublish", Message: er.ErrACLDenied}
	}

	if publishPacket.Retain {
		b.handleRetainedMessage(session, publishPacket)
	}

	matches := b.subscriptions.Match(publishPacket.Topic)
	for _, subscription := range matches {
		if subscription.Handler != nil {
			deliveryQoS := minQoS(publishPacket.QoS, subscription.QoS)
			subscription.Handler(publishPacket.Topic, publishPacket.Payload, deliveryQoS, publishPacket.Retain)
		}
	}

	if b.log != nil {
		b.log.LogPublish(sessAuthz.ID, publishPacket.Topic, int(publishPacket.QoS), publishPacket.Retain, len(publishPacket.Payload))
	}
	return nil
}

// HandleClientDisconnect removes all subscriptions for a disconnecting client
func (b *Broker) HandleClientDisconnect(clientID string) {
	b.subscriptions.UnsubscribeAll(clientID)
	b.qos.CleanupClient(clientID)
}

// deliverMessage sends a live (non-retained-replay) message to a specific
// session.
func (b *Broker) deliverMessage(session *Session, topicStr string, payload []byte, qos packet.QoSLevel, retainFlag bool) {
	if session == nil || session.Conn == nil {
		return
	}

	publishPacket := &packet.PublishPacket{
		Topic:   topicStr,
		Payload: payload,
		QoS:     qos,
		Retain:  retainFlag,
	}

	if qos > packet.QoSAtMostOnce {
		packetID := b.generatePacketID()
		publishPacket.PacketID = &packetID

		pending := &PendingMessage{
			PacketID: packetID,
			ClientID: session.ClientID,
			Topic:    topicStr,
			Payload:  payload,
			QoS:      qos,
			Retain:   retainFlag,
			Session:  session,
		}
		if qos == packet.QoSAtLeastOnce {
			b.qos.AddPendingQoS1(pending)
		} else {
			b.qos.AddPendingQoS2(pending)
		}
	}

	if _, err := session.Conn.Write(publishPacket.Encode()); err != nil && b.log != nil {
		b.log.LogError(err, "failed to deliver message", logger.ClientID(session.ClientID))
	}
}

// HandlePubAck resolves a pending QoS 1 delivery.
func (b *Broker) HandlePubAck(clientID string, packetID uint16) bool {
	return b.qos.HandlePubAck(clientID, packetID)
}

// HandlePubRec advances a pending QoS 2 delivery to the PUBREL stage.
func (b *Broker) HandlePubRec(clientID string, packetID uint16) (*packet.PubrelPacket, bool) {
	return b.qos.HandlePubRec(clientID, packetID)
}

// HandlePubComp resolves a QoS 2 delivery once the subscriber confirms.
func (b *Broker) HandlePubComp(clientID string, packetID uint16) bool {
	return b.qos.HandlePubComp(clientID, packetID)
}

// HandleIncomingQoS2Publish runs the normal publish pipeline (ACL + fan-out
// + retain) for an inbound QoS 2 PUBLISH, then returns the PUBREC the
// client's handshake expects.
func (b *Broker) HandleIncomingQoS2Publish(session *Session, publishPacket *packet.PublishPacket) (*packet.PubrecPacket, error) {
	if err := b.HandlePublish(session, publishPacket); err != nil {
		return nil, err
	}
	packetID := uint16(0)
	if publishPacket.PacketID != nil {
		packetID = *publishPacket.PacketID
	}
	return b.qos.HandleIncomingQoS2Publish(session.ClientID, packetID, publishPacket.Topic, publishPacket.Payload, publishPacket.Retain), nil
}

// HandleIncomingPubRel completes the broker's side of an inbound QoS 2
// handshake, returning the PUBCOMP to send back.
func (b *Broker) HandleIncomingPubRel(clientID string, packetID uint16) *packet.PubcompPacket {
	_, pubcomp := b.qos.HandleIncomingPubRel(clientID, packetID)
	return pubcomp
}

// Close stops the broker's background retry loop. Safe to call once during
// shutdown.
func (b *Broker) Close() {
	b.qos.Stop()
}

// handleRetainedMessage installs or clears the retained message at
// publishPacket.Topic in the retain tree.
func (b *Broker) handleRetainedMessage(session *Session, publishPacket *packet.PublishPacket) {
	msg := &retain.Message{
		Topic:   publishPacket.Topic,
		Payload: publishPacket.Payload,
		QoS:     byte(publishPacket.QoS),
		Origin:  retain.OriginClient,
	}
	if session != nil {
		msg.SourceID = session.ClientID
		msg.SourceUsername = session.Username
		msg.SourceListener = session.Listener
	}

	handle := b.retainStore.NewHandle(msg)
	if err := b.retain.Store(publishPacket.Topic, handle); err != nil && b.log != nil {
		b.log.LogError(err, "failed to store retained message")
		return
	}
	action := "stored"
	if len(publishPacket.Payload) == 0 {
		action = "removed"
	}
	if b.log != nil {
		b.log.LogRetainedMessage(publishPacket.Topic, action, len(publishPacket.Payload))
	}
}

// getGrantedQoS returns the QoS level granted by the broker.
func (b *Broker) getGrantedQoS(requestedQoS packet.QoSLevel) packet.QoSLevel {
	if requestedQoS > packet.QoSExactlyOnce {
		return packet.QoSExactlyOnce
	}
	return requestedQoS
}

// generatePacketID generates a unique packet ID for QoS 1 and 2 messages
func (b *Broker) generatePacketID() uint16 {
	id := atomic.AddUint32(&b.packetIDSeq, 1)
	if id == 0 {
		id = atomic.AddUint32(&b.packetIDSeq, 1)
	}
	return uint16(id)
}

func minQoS(qos1, qos2 packet.QoSLevel) packet.QoSLevel {
	if qos1 < qos2 {
		return qos1
	}
	return qos2
}

// GetClientSubscriptions returns all subscriptions for a specific client
func (b *Broker) GetClientSubscriptions(clientID string) []*Subscription {
	return b.subscriptions.GetSubscriptions(clientID)
}

// GetSubscriptionCount returns the total number of active subscriptions
func (b *Broker) GetSubscriptionCount() int {
	return b.subscriptions.Count()
}

// GetRetainedMessageCount returns the number of retained messages
func (b *Broker) GetRetainedMessageCount() int {
	return int(b.retain.Count())
}

// Plugins exposes every listener's registry so callers (config reload,
// shutdown) can drive their lifecycle.
func (b *Broker) Plugins() []*pluginhost.Registry {
	return b.plugins
}

// CheckCredentials runs a CONNECT's username/password through the
// listener's access-control pipeline, so the transport layer never needs
// to import internal/acl directly. listener selects which per-listener
// pipeline to consult; an empty string or an unrecognized name falls back
// to the default pipeline.
func (b *Broker) CheckCredentials(listener, username, password string) (authz.Verdict, error) {
	return b.acl.CheckCredentials(listener, username, password)
}

// CheckPSK resolves the shared key for a TLS-PSK identity hint pair on the
// given listener's pipeline, for the bridge and transport layers to
// consult ahead of a PSK-mode TLS handshake.
func (b *Broker) CheckPSK(listener, hint, identity string) (string, authz.Verdict, error) {
	return b.acl.CheckPSK(listener, hint, identity)
}

type wallClock struct{}

func (wallClock) Now() int64 { return time.Now().Unix() }

// brokerQueue adapts the broker's session table and packet encoder to
// retain.Queue, so the retained-delivery adapter never needs to know
// about net.Conn or wire encoding.
type brokerQueue struct {
	b *Broker
}

func (q brokerQueue) Enqueue(_ context.Context, out retain.OutboundMessage) error {
	sess, ok := q.b.Get(out.Session.ID)
	if !ok || sess.Conn == nil {
		return nil
	}

	pp := &packet.PublishPacket{
		Topic:   out.Topic,
		Payload: out.Payload,
		QoS:     packet.QoSLevel(out.QoS),
		Retain:  out.Retain,
	}
	if out.QoS > 0 {
		id := out.MessageID
		pp.PacketID = &id
	}

	_, err := sess.Conn.Write(pp.Encode())
	return err
}

// brokerIDAllocator adapts the broker's atomic packet-ID counter to
// retain.IDAllocator.
type brokerIDAllocator struct {
	b *Broker
}

func (a brokerIDAllocator) Next(string) uint16 {
	return a.b.generatePacketID()
}
