package subject

import (
	"sort"
	"sync"
)

// Sublist is a concurrency-safe token trie mapping patterns to entries.
// Entries registered with a queue group are reported per group so callers can
// pick a single member.
type Sublist[T comparable] struct {
	mu    sync.RWMutex
	root  *level[T]
	count int
}

type level[T comparable] struct {
	literal map[string]*node[T]
	single  *node[T]
	full    *node[T]
}

type node[T comparable] struct {
	next   *level[T]
	plain  []T
	queues map[string][]T
}

// Group is the set of entries in one queue group matching a subject.
type Group[T comparable] struct {
	Name    string
	Members []T
}

// Result holds the entries matching a subject.
type Result[T comparable] struct {
	Plain  []T
	Groups []Group[T]
}

// Empty reports whether nothing matched.
func (r Result[T]) Empty() bool {
	return len(r.Plain) == 0 && len(r.Groups) == 0
}

// NewSublist creates an empty Sublist.
func NewSublist[T comparable]() *Sublist[T] {
	return &Sublist[T]{root: newLevel[T]()}
}

func newLevel[T comparable]() *level[T] {
	return &level[T]{literal: make(map[string]*node[T])}
}

func (l *level[T]) child(tok string, create bool) *node[T] {
	switch tok {
	case SingleWildcard:
		if l.single == nil && create {
			l.single = &node[T]{}
		}
		return l.single
	case FullWildcard:
		if l.full == nil && create {
			l.full = &node[T]{}
		}
		return l.full
	default:
		n, ok := l.literal[tok]
		if !ok && create {
			n = &node[T]{}
			l.literal[tok] = n
		}
		return n
	}
}

func (l *level[T]) prune(tok string, n *node[T]) {
	if !n.isEmpty() {
		return
	}
	switch tok {
	case SingleWildcard:
		l.single = nil
	case FullWildcard:
		l.full = nil
	default:
		delete(l.literal, tok)
	}
}

func (l *level[T]) isEmpty() bool {
	return len(l.literal) == 0 && l.single == nil && l.full == nil
}

func (n *node[T]) isEmpty() bool {
	return len(n.plain) == 0 && len(n.queues) == 0 && (n.next == nil || n.next.isEmpty())
}

// Insert registers v under pattern and optional queue group.
func (s *Sublist[T]) Insert(pattern, queue string, v T) error {
	if err := ValidatePattern(pattern); err != nil {
		return err
	}
	if err := ValidateQueue(queue); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	l := s.root
	var n *node[T]
	toks := Tokens(pattern)
	for i, tok := range toks {
		n = l.child(tok, true)
		if i < len(toks)-1 {
			if n.next == nil {
				n.next = newLevel[T]()
			}
			l = n.next
		}
	}

	if queue == "" {
		n.plain = append(n.plain, v)
	} else {
		if n.queues == nil {
			n.queues = make(map[string][]T)
		}
		n.queues[queue] = append(n.queues[queue], v)
	}
	s.count++
	return nil
}

// Remove unregisters v from pattern and queue group. It reports whether v was
// present.
func (s *Sublist[T]) Remove(pattern, queue string, v T) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	toks := Tokens(pattern)
	levels := make([]*level[T], 0, len(toks))
	nodes := make([]*node[T], 0, len(toks))

	l := s.root
	for i, tok := range toks {
		if l == nil {
			return false
		}
		n := l.child(tok, false)
		if n == nil {
			return false
		}
		levels = append(levels, l)
		nodes = append(nodes, n)
		if i < len(toks)-1 {
			l = n.next
		}
	}

	n := nodes[len(nodes)-1]
	removed := false
	if queue == "" {
		n.plain, removed = without(n.plain, v)
	} else if members, ok := n.queues[queue]; ok {
		members, removed = without(members, v)
		if len(members) == 0 {
			delete(n.queues, queue)
		} else {
			n.queues[queue] = members
		}
	}
	if !removed {
		return false
	}
	s.count--

	for i := len(nodes) - 1; i >= 0; i-- {
		levels[i].prune(toks[i], nodes[i])
	}
	return true
}

func without[T comparable](list []T, v T) ([]T, bool) {
	for i, e := range list {
		if e == v {
			return append(list[:i:i], list[i+1:]...), true
		}
	}
	return list, false
}

// Match returns every entry whose pattern matches the literal subject.
// Queue groups with the same name registered under different patterns are
// merged into one group. Groups are sorted by name.
func (s *Sublist[T]) Match(subject string) Result[T] {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var res Result[T]
	groups := map[string][]T{}
	collect := func(n *node[T]) {
		res.Plain = append(res.Plain, n.plain...)
		for name, members := range n.queues {
			groups[name] = append(groups[name], members...)
		}
	}
	matchLevel(s.root, Tokens(subject), collect)

	if len(groups) > 0 {
		res.Groups = make([]Group[T], 0, len(groups))
		for name, members := range groups {
			res.Groups = append(res.Groups, Group[T]{Name: name, Members: members})
		}
		sort.Slice(res.Groups, func(i, j int) bool { return res.Groups[i].Name < res.Groups[j].Name })
	}
	return res
}

func matchLevel[T comparable](l *level[T], toks []string, collect func(*node[T])) {
	if l == nil || len(toks) == 0 {
		return
	}
	if l.full != nil {
		collect(l.full)
	}
	rest := toks[1:]
	visit := func(n *node[T]) {
		if n == nil {
			return
		}
		if len(rest) == 0 {
			collect(n)
			return
		}
		matchLevel(n.next, rest, collect)
	}
	visit(l.single)
	visit(l.literal[toks[0]])
}

// Count returns the number of registered entries.
func (s *Sublist[T]) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.count
}
