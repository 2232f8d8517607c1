package broker

import (
	"sort"
	"strings"
	"sync"
)

// maxTopicDepth bounds trie recursion/iteration as a DoS guard (spec.md §5).
const maxTopicDepth = 32

// sharedGroup is the round-robin state for one "$share/<group>/<filter>"
// subscriber set.
type sharedGroup struct {
	members map[string]SubscriptionOptions
	next    int // index into the sorted member list for the next delivery
}

// topicNode is one level of the TopicTree trie (spec.md §3, TopicTree node).
type topicNode struct {
	children map[string]*topicNode
	plus     *topicNode
	hash     *topicNode

	subscribers map[string]SubscriptionOptions // clientID -> options
	shared      map[string]*sharedGroup        // groupName -> group
}

func newTopicNode() *topicNode {
	return &topicNode{children: make(map[string]*topicNode)}
}

// TopicTree is C2: the trie of topic filters to (client-id, QoS),
// answering "who subscribes to topic T?" (spec.md §4.2).
type TopicTree struct {
	mu   sync.RWMutex
	root *topicNode
}

func NewTopicTree() *TopicTree {
	return &TopicTree{root: newTopicNode()}
}

// TopicContent is one matched filter's subscriber set, returned by
// MatchTopic (spec.md §4.2). Subscribers is a fresh copy and SharedPicks
// are already resolved — both are safe to range over without the
// TopicTree's lock, since MatchTopic never hands out its live internal
// maps (spec.md §5).
type TopicContent struct {
	Filter      string
	Subscribers map[string]SubscriptionOptions
	SharedPicks []SharedDelivery
}

// SharedDelivery is one "$share/<group>/<filter>" group's chosen member
// for this delivery, resolved by MatchTopic while still holding the
// TopicTree's read lock so the round-robin cursor is never advanced
// concurrently with a Subscribe/Unsubscribe write (spec.md §4.2, §5).
type SharedDelivery struct {
	Group    string
	ClientID string
	Opts     SubscriptionOptions
}

// parseShare splits a "$share/<group>/<filter>" subscription filter into
// its group name and the underlying filter; ok is false for ordinary
// filters.
func parseShare(filter string) (group, rest string, ok bool) {
	if !strings.HasPrefix(filter, "$share/") {
		return "", filter, false
	}
	parts := strings.SplitN(strings.TrimPrefix(filter, "$share/"), "/", 2)
	if len(parts) != 2 {
		return "", filter, false
	}
	return parts[0], parts[1], true
}

// Subscribe adds or replaces clientID's granted options under filter. For
// shared filters, the entry lives under shared[group] instead of the plain
// subscribers map.
func (t *TopicTree) Subscribe(filter, clientID string, opts SubscriptionOptions) {
	group, rest, isShared := parseShare(filter)
	levels := splitLevels(rest)
	if len(levels) > maxTopicDepth {
		levels = levels[:maxTopicDepth]
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	node := t.root
	for _, level := range levels {
		switch level {
		case "+":
			if node.plus == nil {
				node.plus = newTopicNode()
			}
			node = node.plus
		case "#":
			if node.hash == nil {
				node.hash = newTopicNode()
			}
			node = node.hash
		default:
			child, ok := node.children[level]
			if !ok {
				child = newTopicNode()
				node.children[level] = child
			}
			node = child
		}
	}

	if isShared {
		if node.shared == nil {
			node.shared = make(map[string]*sharedGroup)
		}
		g, ok := node.shared[group]
		if !ok {
			g = &sharedGroup{members: make(map[string]SubscriptionOptions)}
			node.shared[group] = g
		}
		opts.ShareGroup = group
		g.members[clientID] = opts
		return
	}

	if node.subscribers == nil {
		node.subscribers = make(map[string]SubscriptionOptions)
	}
	node.subscribers[clientID] = opts
}

// Unsubscribe removes clientID's entry under filter, reporting whether it
// existed.
func (t *TopicTree) Unsubscribe(filter, clientID string) bool {
	group, rest, isShared := parseShare(filter)
	levels := splitLevels(rest)

	t.mu.Lock()
	defer t.mu.Unlock()

	node := t.root
	for _, level := range levels {
		switch level {
		case "+":
			if node.plus == nil {
				return false
			}
			node = node.plus
		case "#":
			if node.hash == nil {
				return false
			}
			node = node.hash
		default:
			child, ok := node.children[level]
			if !ok {
				return false
			}
			node = child
		}
	}

	if isShared {
		g, ok := node.shared[group]
		if !ok {
			return false
		}
		if _, ok := g.members[clientID]; !ok {
			return false
		}
		delete(g.members, clientID)
		if len(g.members) == 0 {
			delete(node.shared, group)
		}
		return true
	}

	if _, ok := node.subscribers[clientID]; !ok {
		return false
	}
	delete(node.subscribers, clientID)
	return true
}

// UnsubscribeAll removes every filter for clientID, used when a session is
// torn down. filters is the session's own subscription set (the tree has
// no back-pointers from node to client, per spec.md §9).
func (t *TopicTree) UnsubscribeAll(clientID string, filters []string) {
	for _, f := range filters {
		t.Unsubscribe(f, clientID)
	}
}

// MatchTopic walks the trie iteratively (stack-based, not recursive) and
// returns every filter whose pattern matches topic (spec.md §4.2, §5).
// "$"-prefixed topics are only matched by filters that themselves start
// with "$".
func (t *TopicTree) MatchTopic(topic string) []TopicContent {
	levels := splitLevels(topic)
	isDollar := strings.HasPrefix(topic, "$")

	t.mu.RLock()
	defer t.mu.RUnlock()

	type frame struct {
		node  *topicNode
		depth int
	}

	var results []TopicContent
	collect := func(node *topicNode, levelIdx int) {
		// At the root, "#" and "+" must not match a "$"-prefixed first
		// level unless the subscriber used a literal first level.
		if levelIdx == 0 && isDollar {
			return
		}
		if len(node.subscribers) == 0 && len(node.shared) == 0 {
			return
		}

		content := TopicContent{}
		if len(node.subscribers) > 0 {
			content.Subscribers = make(map[string]SubscriptionOptions, len(node.subscribers))
			for clientID, opts := range node.subscribers {
				content.Subscribers[clientID] = opts
			}
		}
		for groupName, g := range node.shared {
			if clientID, opts, ok := NextSharedMember(g); ok {
				content.SharedPicks = append(content.SharedPicks, SharedDelivery{
					Group: groupName, ClientID: clientID, Opts: opts,
				})
			}
		}
		results = append(results, content)
	}

	stack := []frame{{node: t.root, depth: 0}}
	for len(stack) > 0 {
		f := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		if f.depth == len(levels) {
			collect(f.node, -1)
			if f.node.hash != nil {
				// "#" also matches zero trailing levels: "a/#" matches "a".
				collect(f.node.hash, -1)
			}
			continue
		}
		if f.depth >= maxTopicDepth {
			continue
		}

		level := levels[f.depth]

		if child, ok := f.node.children[level]; ok {
			stack = append(stack, frame{node: child, depth: f.depth + 1})
		}
		if f.node.plus != nil && !(f.depth == 0 && isDollar) {
			stack = append(stack, frame{node: f.node.plus, depth: f.depth + 1})
		}
		if f.node.hash != nil && !(f.depth == 0 && isDollar) {
			// "#" matches this level and everything after it: terminal.
			collect(f.node.hash, -1)
		}
	}

	return results
}

// NextSharedMember returns the group member chosen for this delivery and
// advances the round-robin cursor, lexicographic-by-client-id tiebreak
// (spec.md §4.2, §9). Callers outside this file must only reach it through
// MatchTopic, which already holds the TopicTree's read lock while calling
// it — g.next is unguarded on its own.
func NextSharedMember(g *sharedGroup) (string, SubscriptionOptions, bool) {
	if g == nil || len(g.members) == 0 {
		return "", SubscriptionOptions{}, false
	}
	ids := make([]string, 0, len(g.members))
	for id := range g.members {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	idx := g.next % len(ids)
	g.next = (g.next + 1) % len(ids)
	id := ids[idx]
	return id, g.members[id], true
}

func (t *TopicTree) Count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var count func(n *topicNode) int
	count = func(n *topicNode) int {
		c := len(n.subscribers)
		for _, g := range n.shared {
			c += len(g.members)
		}
		for _, child := range n.children {
			c += count(child)
		}
		if n.plus != nil {
			c += count(n.plus)
		}
		if n.hash != nil {
			c += count(n.hash)
		}
		return c
	}
	return count(t.root)
}
