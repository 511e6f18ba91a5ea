package retain

import (
	"strings"
	"sync"

	"github.com/pyr33x/goqtt-core/internal/topic"
)

// Node is one level of the retained-message trie. It is addressable only
// through Tree, which is the sole owner of the tree's shape; callers
// outside this package only ever see a *Node inside a Match visitor, and
// only to read its retained handle or ask the tree to expire it.
type Node struct {
	segment  string
	parent   *Node
	children map[string]*Node
	retained *Handle
}

// Retained returns the handle stored at this node, or nil if the node
// carries no retained message of its own (an intermediate path element).
func (n *Node) Retained() *Handle {
	return n.retained
}

func newNode(segment string, parent *Node) *Node {
	return &Node{segment: segment, parent: parent, children: make(map[string]*Node)}
}

func (n *Node) childOrCreate(segment string) *Node {
	c, ok := n.children[segment]
	if !ok {
		c = newNode(segment, n)
		n.children[segment] = c
	}
	return c
}

// Persistence is notified whenever the retained set changes, so that a
// persistence layer can debounce a snapshot write. $SYS updates are
// excluded since they churn continuously and were never meant to survive
// a restart.
type Persistence interface {
	NoteChange()
}

type noopPersistence struct{}

func (noopPersistence) NoteChange() {}

// Tree is the two-rooted retained-message trie: one root ("") for ordinary
// topics, one root ("$SYS") reachable only by a filter whose first literal
// segment is "$SYS". A single mutex serializes Store/Match/Clear, which
// stands in for the single-threaded cooperative model the core assumes
// while still being safe to call from the broker's per-connection
// goroutines.
type Tree struct {
	mu          sync.Mutex
	root        *Node
	sysRoot     *Node
	store       Store
	persistence Persistence
	count       int64
}

// New builds an empty tree backed by store. persistence may be nil, in
// which case changes are simply not reported anywhere.
func New(store Store, persistence Persistence) *Tree {
	if persistence == nil {
		persistence = noopPersistence{}
	}
	return &Tree{
		root:        newNode("", nil),
		sysRoot:     newNode("$SYS", nil),
		store:       store,
		persistence: persistence,
	}
}

// Count reports how many nodes in the tree currently hold a retained
// message.
func (t *Tree) Count() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.count
}

func (t *Tree) selectRoot(segments []string) (*Node, []string) {
	if len(segments) > 0 && segments[0] == "$SYS" {
		return t.sysRoot, segments[1:]
	}
	return t.root, segments
}

// Store installs handle as the retained message at topicStr's terminal
// node, descending through (and creating, where absent) one child per
// segment. A nil handle, or one wrapping a zero-length payload, clears
// whatever was retained there instead of installing anything.
//
// Reference bookkeeping order is deliberate: the new handle is ref'd
// before the old one is unref'd, so a reader racing the replacement never
// observes a node whose message has already dropped to zero references.
func (t *Tree) Store(topicStr string, handle *Handle) error {
	segments, err := topic.Tokenize(topicStr)
	if err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	root, rest := t.selectRoot(segments)
	n := root
	for _, seg := range rest {
		n = n.childOrCreate(seg)
	}

	installing := handle != nil && handle.msg != nil && len(handle.msg.Payload) > 0
	old := n.retained

	if installing {
		t.store.RefInc(handle)
		n.retained = handle
	} else {
		n.retained = nil
	}

	if old != nil {
		t.store.RefDec(old)
	}

	switch {
	case installing && old == nil:
		t.count++
	case !installing && old != nil:
		t.count--
	}

	if !strings.HasPrefix(topicStr, "$SYS") {
		t.persistence.NoteChange()
	}
	return nil
}

// Expire drops n's retained handle (if any), releasing the store's
// reference and adjusting the live count. Nothing scans for expired
// retained messages proactively; the delivery path drops one when it
// discovers it has outlived its expiry interval, through expireLocked,
// because it runs inside a Match visitor that already holds the lock.
func (t *Tree) Expire(n *Node) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.expireLocked(n)
}

// expireLocked is Expire for a caller that already holds t.mu.
func (t *Tree) expireLocked(n *Node) {
	if n.retained == nil {
		return
	}
	t.store.RefDec(n.retained)
	n.retained = nil
	t.count--
}

// Clear releases every retained handle in the tree and resets it to two
// empty roots.
func (t *Tree) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.clearNode(t.root)
	t.clearNode(t.sysRoot)
	t.root = newNode("", nil)
	t.sysRoot = newNode("$SYS", nil)
	t.count = 0
	t.persistence.NoteChange()
}

func (t *Tree) clearNode(n *Node) {
	if n.retained != nil {
		t.store.RefDec(n.retained)
		n.retained = nil
	}
	for _, c := range n.children {
		t.clearNode(c)
	}
	n.children = nil
}

// matchResult is the PARENT_CANDIDATE sentinel: a terminal "#" match
// reports it to its immediate caller so that caller can decide whether
// its own node (the "#"'s parent) also carries a retained message that
// should be visited. It is never propagated further up than one level,
// matching the recursion shape it is grounded on.
type matchResult int

const (
	noCandidate matchResult = iota
	parentCandidate
)

// Match walks filter against the tree, invoking visit once per node whose
// retained handle satisfies the filter. visit is responsible for anything
// beyond "this node matched" — expiry, ACL, delivery — Match itself only
// implements the trie traversal and wildcard semantics. visit runs with
// the tree lock held, so it must not call a locking Tree method.
func (t *Tree) Match(filter string, visit func(n *Node)) error {
	segments, err := topic.TokenizeFilter(filter)
	if err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	root, rest := t.selectRoot(segments)
	if len(rest) == 0 {
		if root.retained != nil {
			visit(root)
		}
		return nil
	}
	t.matchRecursive(root, rest, visit)
	return nil
}

func (t *Tree) matchRecursive(n *Node, tokens []string, visit func(*Node)) matchResult {
	tok := tokens[0]

	if tok == topic.MultiLevelWildcard && len(tokens) == 1 {
		for _, c := range n.children {
			t.visitSubtree(c, visit)
		}
		return parentCandidate
	}

	if tok == topic.SingleLevelWildcard {
		for _, c := range n.children {
			if len(tokens) > 1 {
				if t.matchRecursive(c, tokens[1:], visit) == parentCandidate && c.retained != nil {
					visit(c)
				}
			} else if c.retained != nil {
				visit(c)
			}
		}
		return noCandidate
	}

	c, ok := n.children[tok]
	if !ok {
		return noCandidate
	}
	if len(tokens) > 1 {
		if t.matchRecursive(c, tokens[1:], visit) == parentCandidate && c.retained != nil {
			visit(c)
		}
		return noCandidate
	}
	if c.retained != nil {
		visit(c)
	}
	return noCandidate
}

// visitSubtree implements the "#" terminal case: every node at or below
// n.children that holds a retained message is visited, regardless of depth.
func (t *Tree) visitSubtree(n *Node, visit func(*Node)) {
	if n.retained != nil {
		visit(n)
	}
	for _, c := range n.children {
		t.visitSubtree(c, visit)
	}
}
