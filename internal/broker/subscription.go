package broker

import (
	"sync"

	"github.com/pyr33x/goqtt-core/internal/packet"
	"github.com/pyr33x/goqtt-core/internal/topic"
)

// Handler is invoked once per matching subscriber when a live (non-
// retained-replay) message is routed to it.
type Handler func(topicStr string, payload []byte, qos packet.QoSLevel, retain bool)

// Subscriber is one client's registration at a trie node: which session
// to deliver to, at what granted QoS, via which handler.
type Subscriber struct {
	Session *Session
	QoS     packet.QoSLevel
	Handler Handler
}

// Subscription is a (session, filter, QoS) tuple as returned by
// GetSubscriptions — a read-only snapshot, not a live trie reference.
type Subscription struct {
	Session *Session
	Topic   string
	QoS     packet.QoSLevel
	Handler Handler
}

type trieNode struct {
	children    map[string]*trieNode
	subscribers map[string]*Subscriber // clientID -> subscriber
}

func newTrieNode() *trieNode {
	return &trieNode{children: make(map[string]*trieNode), subscribers: make(map[string]*Subscriber)}
}

func (n *trieNode) childOrCreate(segment string) *trieNode {
	c, ok := n.children[segment]
	if !ok {
		c = newTrieNode()
		n.children[segment] = c
	}
	return c
}

// SubscriptionTree is the live (non-retained) subscription trie: filters
// are the path, not the topic, which is the mirror image of
// internal/retain.Tree where the topic is the path and the filter walks
// it at match time.
type SubscriptionTree struct {
	mu   sync.RWMutex
	root *trieNode
	// bySession lets UnsubscribeAll/Unsubscribe find a client's filters
	// without walking the whole trie.
	bySession map[string]map[string]bool
}

func NewSubscriptionTree() *SubscriptionTree {
	return &SubscriptionTree{
		root:      newTrieNode(),
		bySession: make(map[string]map[string]bool),
	}
}

func (t *SubscriptionTree) Subscribe(clientID string, session *Session, filter string, qos packet.QoSLevel, handler Handler) error {
	segments, err := topic.TokenizeFilter(filter)
	if err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	n := t.root
	for _, seg := range segments {
		n = n.childOrCreate(seg)
	}
	n.subscribers[clientID] = &Subscriber{Session: session, QoS: qos, Handler: handler}

	filters, ok := t.bySession[clientID]
	if !ok {
		filters = make(map[string]bool)
		t.bySession[clientID] = filters
	}
	filters[filter] = true
	return nil
}

func (t *SubscriptionTree) Unsubscribe(clientID string, filter string) error {
	segments, err := topic.TokenizeFilter(filter)
	if err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	n := t.root
	for _, seg := range segments {
		c, ok := n.children[seg]
		if !ok {
			return nil
		}
		n = c
	}
	delete(n.subscribers, clientID)
	if filters, ok := t.bySession[clientID]; ok {
		delete(filters, filter)
	}
	return nil
}

func (t *SubscriptionTree) UnsubscribeAll(clientID string) {
	t.mu.Lock()
	filters := t.bySession[clientID]
	delete(t.bySession, clientID)
	t.mu.Unlock()

	for filter := range filters {
		_ = t.Unsubscribe(clientID, filter)
	}
}

// Match returns every subscriber whose filter matches topicStr, per the
// standard MQTT wildcard trie walk: at each level a literal child, a "+"
// child, and a "#" child (whose subscribers match regardless of how many
// topic segments remain) are all tried.
func (t *SubscriptionTree) Match(topicStr string) []*Subscription {
	segments, err := topic.Tokenize(topicStr)
	if err != nil {
		return nil
	}

	t.mu.RLock()
	defer t.mu.RUnlock()

	var out []*Subscription
	t.matchNode(t.root, segments, topicStr, &out)
	return out
}

func (t *SubscriptionTree) matchNode(n *trieNode, segments []string, topicStr string, out *[]*Subscription) {
	if hashNode, ok := n.children[topic.MultiLevelWildcard]; ok {
		for _, sub := range hashNode.subscribers {
			*out = append(*out, &Subscription{Session: sub.Session, Topic: topicStr, QoS: sub.QoS, Handler: sub.Handler})
		}
	}

	if len(segments) == 0 {
		for _, sub := range n.subscribers {
			*out = append(*out, &Subscription{Session: sub.Session, Topic: topicStr, QoS: sub.QoS, Handler: sub.Handler})
		}
		return
	}

	if literal, ok := n.children[segments[0]]; ok {
		t.matchNode(literal, segments[1:], topicStr, out)
	}
	if plus, ok := n.children[topic.SingleLevelWildcard]; ok {
		t.matchNode(plus, segments[1:], topicStr, out)
	}
}

// GetSubscriptions returns a snapshot of every filter clientID currently
// holds.
func (t *SubscriptionTree) GetSubscriptions(clientID string) []*Subscription {
	t.mu.RLock()
	defer t.mu.RUnlock()

	filters := t.bySession[clientID]
	out := make([]*Subscription, 0, len(filters))
	for filter := range filters {
		out = append(out, &Subscription{Topic: filter})
	}
	return out
}

// Count reports how many (client, filter) subscription pairs are active.
func (t *SubscriptionTree) Count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	n := 0
	for _, filters := range t.bySession {
		n += len(filters)
	}
	return n
}
