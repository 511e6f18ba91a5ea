package retain

import (
	"context"
	"testing"

	"github.com/pyr33x/goqtt-core/internal/authz"
)

func handle(store *InMemoryStore, topic, payload string) *Handle {
	return store.NewHandle(&Message{Topic: topic, Payload: []byte(payload)})
}

func matchTopics(t *testing.T, tree *Tree, filter string) []string {
	t.Helper()
	var got []string
	if err := tree.Match(filter, func(n *Node) {
		got = append(got, n.Retained().Message().Topic)
	}); err != nil {
		t.Fatalf("Match(%q): %v", filter, err)
	}
	return got
}

func TestStoreReplaceKeepsLatestMessage(t *testing.T) {
	store := NewInMemoryStore()
	tree := New(store, nil)

	h1 := handle(store, "sensors/temp", "20")
	if err := tree.Store("sensors/temp", h1); err != nil {
		t.Fatal(err)
	}

	h2 := handle(store, "sensors/temp", "21")
	if err := tree.Store("sensors/temp", h2); err != nil {
		t.Fatal(err)
	}

	got := matchTopics(t, tree, "sensors/+")
	if len(got) != 1 || got[0] != "sensors/temp" {
		t.Fatalf("expected single match on replaced node, got %v", got)
	}

	msg := tree.root.children["sensors"].children["temp"].Retained().Message()
	if string(msg.Payload) != "21" {
		t.Fatalf("expected latest payload 21, got %q", msg.Payload)
	}
}

func TestStoreEmptyPayloadClears(t *testing.T) {
	store := NewInMemoryStore()
	tree := New(store, nil)

	h1 := handle(store, "a/b", "x")
	_ = tree.Store("a/b", h1)
	if tree.Count() != 1 {
		t.Fatalf("expected count 1, got %d", tree.Count())
	}

	empty := store.NewHandle(&Message{Topic: "a/b", Payload: nil})
	_ = tree.Store("a/b", empty)

	if tree.Count() != 0 {
		t.Fatalf("expected count 0 after clearing store, got %d", tree.Count())
	}
	if store.Balance() != 0 {
		t.Fatalf("expected balanced refs, got balance %d live %d", store.Balance(), store.Live())
	}
}

func TestMatchWildcards(t *testing.T) {
	store := NewInMemoryStore()
	tree := New(store, nil)

	for _, topic := range []string{"a/b/c", "a/x/c", "a/b", "a"} {
		_ = tree.Store(topic, handle(store, topic, "v"))
	}

	cases := []struct {
		filter string
		want   map[string]bool
	}{
		{"a/#", map[string]bool{"a/b/c": true, "a/x/c": true, "a/b": true, "a": true}},
		{"a/+/c", map[string]bool{"a/b/c": true, "a/x/c": true}},
		{"a/b/+", map[string]bool{"a/b/c": true}},
		{"a/b", map[string]bool{"a/b": true}},
	}

	for _, c := range cases {
		got := matchTopics(t, tree, c.filter)
		gotSet := make(map[string]bool, len(got))
		for _, g := range got {
			gotSet[g] = true
		}
		if len(gotSet) != len(c.want) {
			t.Fatalf("filter %q: got %v want %v", c.filter, got, c.want)
		}
		for topic := range c.want {
			if !gotSet[topic] {
				t.Fatalf("filter %q: missing %q in %v", c.filter, topic, got)
			}
		}
	}
}

func TestDollarTopicIsolation(t *testing.T) {
	store := NewInMemoryStore()
	tree := New(store, nil)

	_ = tree.Store("$SYS/broker/uptime", handle(store, "$SYS/broker/uptime", "42"))
	_ = tree.Store("sensors/temp", handle(store, "sensors/temp", "20"))

	if got := matchTopics(t, tree, "#"); len(got) != 1 || got[0] != "sensors/temp" {
		t.Fatalf("expected root '#' to skip $SYS, got %v", got)
	}
	if got := matchTopics(t, tree, "$SYS/+/+"); len(got) != 1 || got[0] != "$SYS/broker/uptime" {
		t.Fatalf("expected $SYS/+/+ to require an explicit $SYS literal, got %v", got)
	}
}

func TestClearReleasesAllReferences(t *testing.T) {
	store := NewInMemoryStore()
	tree := New(store, nil)

	h1 := handle(store, "a/b", "1")
	h2 := handle(store, "a/c", "2")
	h3 := handle(store, "$SYS/x", "3")
	_ = tree.Store("a/b", h1)
	_ = tree.Store("a/c", h2)
	_ = tree.Store("$SYS/x", h3)
	// Each caller drops the reference NewHandle gave it, leaving only the
	// tree's own references for Clear to release.
	for _, h := range []*Handle{h1, h2, h3} {
		store.RefDec(h)
	}

	tree.Clear()

	if tree.Count() != 0 {
		t.Fatalf("expected count 0 after clear, got %d", tree.Count())
	}
	if store.Live() != 0 {
		t.Fatalf("expected no live handles after clear, got %d", store.Live())
	}
}

type fixedClock struct{ now int64 }

func (c fixedClock) Now() int64 { return c.now }

type allowChecker struct{}

func (allowChecker) Check(authz.Session, string, authz.Access) (authz.Verdict, error) {
	return authz.Allow, nil
}

type recordingQueue struct {
	delivered []OutboundMessage
}

func (q *recordingQueue) Enqueue(_ context.Context, out OutboundMessage) error {
	q.delivered = append(q.delivered, out)
	return nil
}

func TestDeliverRetainedSkipsExpired(t *testing.T) {
	store := NewInMemoryStore()
	tree := New(store, nil)

	h := store.NewHandle(&Message{Topic: "a/b", Payload: []byte("v"), MessageExpiryTime: 100})
	_ = tree.Store("a/b", h)

	q := &recordingQueue{}
	adapter := &DeliveryAdapter{
		Tree:  tree,
		Clock: fixedClock{now: 200},
		ACL:   allowChecker{},
		Queue: q,
	}

	if err := adapter.DeliverRetained(context.Background(), authz.Session{ID: "s1"}, "a/+", 1); err != nil {
		t.Fatal(err)
	}
	if len(q.delivered) != 0 {
		t.Fatalf("expected expired message to be skipped, got %v", q.delivered)
	}
	if tree.Count() != 0 {
		t.Fatalf("expected expiry to drop the node from the live count, got %d", tree.Count())
	}
}

func TestDeliverRetainedCapsQoS(t *testing.T) {
	store := NewInMemoryStore()
	tree := New(store, nil)

	h := store.NewHandle(&Message{Topic: "a/b", Payload: []byte("v"), QoS: 2})
	_ = tree.Store("a/b", h)

	q := &recordingQueue{}
	adapter := &DeliveryAdapter{
		Tree:  tree,
		Clock: fixedClock{now: 1},
		ACL:   allowChecker{},
		Queue: q,
	}

	if err := adapter.DeliverRetained(context.Background(), authz.Session{ID: "s1"}, "a/+", 0); err != nil {
		t.Fatal(err)
	}
	if len(q.delivered) != 1 || q.delivered[0].QoS != 0 {
		t.Fatalf("expected delivery capped at subscription QoS 0, got %v", q.delivered)
	}
}
