// Package thread groups envelopes into conversation forests using their
// Message-ID, References and In-Reply-To headers (JWZ-style threading).
//
// The forest is an arena: nodes live in a slice and refer to each other
// by index, which keeps ancestor checks cheap and sidesteps ownership
// cycles when malformed References headers point back at descendants.
package thread

import (
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/petrel-mail/petrel/internal/domain"
)

const noParent = -1

type node struct {
	key       string
	envelopes []domain.Envelope
	parent    int
	children  []int
}

// Forest holds the threading state for one mailbox. It is built either
// in one shot with Build or incrementally with Add/Remove; both paths
// produce structurally identical results for the same envelope set.
type Forest struct {
	nodes  []node
	byKey  map[string]int
	byEnv  map[string]int // envelope key -> node index
	logger *logrus.Logger
}

// New returns an empty forest.
func New(logger *logrus.Logger) *Forest {
	if logger == nil {
		logger = logrus.New()
	}
	return &Forest{
		byKey:  make(map[string]int),
		byEnv:  make(map[string]int),
		logger: logger,
	}
}

// Build constructs a forest from the full envelope set of a mailbox.
func Build(logger *logrus.Logger, envelopes []domain.Envelope) *Forest {
	f := New(logger)
	for _, e := range envelopes {
		f.Add(e)
	}
	return f
}

// Len returns the number of envelopes in the forest.
func (f *Forest) Len() int {
	return len(f.byEnv)
}

// Envelopes returns every envelope currently in the forest, in
// insertion-independent deterministic order (node index, then date).
func (f *Forest) Envelopes() []domain.Envelope {
	var out []domain.Envelope
	for i := range f.nodes {
		out = append(out, f.nodes[i].envelopes...)
	}
	return out
}

// intern returns the node index for key, creating an empty container
// node if the key has not been seen.
func (f *Forest) intern(key string) int {
	if idx, ok := f.byKey[key]; ok {
		return idx
	}
	idx := len(f.nodes)
	f.nodes = append(f.nodes, node{key: key, parent: noParent})
	f.byKey[key] = idx
	return idx
}

// isAncestor reports whether a is a (transitive) ancestor of b.
func (f *Forest) isAncestor(a, b int) bool {
	for cur := b; cur != noParent; cur = f.nodes[cur].parent {
		if cur == a {
			return true
		}
	}
	return false
}

// depth returns the distance of idx from its root.
func (f *Forest) depth(idx int) int {
	d := 0
	for cur := f.nodes[idx].parent; cur != noParent; cur = f.nodes[cur].parent {
		d++
	}
	return d
}

// link makes parent the parent of child unless the link would create a
// cycle or the child already has a parent. Cycles are dropped and the
// child keeps its current position; this is the edge-case policy for
// forged or malformed References headers.
func (f *Forest) link(parent, child int) {
	if parent == child {
		return
	}
	if f.nodes[child].parent != noParent {
		return
	}
	if f.isAncestor(child, parent) {
		f.logger.WithFields(logrus.Fields{
			"parent": f.nodes[parent].key,
			"child":  f.nodes[child].key,
		}).Warn("threading: dropping cyclic reference link")
		return
	}
	f.nodes[child].parent = parent
	f.nodes[parent].children = append(f.nodes[parent].children, child)
}

// references returns the ancestry list for an envelope: References when
// present, otherwise In-Reply-To. The envelope's own id is filtered out.
func references(e domain.Envelope) []string {
	refs := e.References
	if len(refs) == 0 && e.InReplyTo != "" {
		refs = []string{e.InReplyTo}
	}
	out := make([]string, 0, len(refs))
	seen := make(map[string]bool, len(refs))
	for _, r := range refs {
		if r == "" || r == e.MessageID || seen[r] {
			continue
		}
		seen[r] = true
		out = append(out, r)
	}
	return out
}

// Add inserts one envelope into the forest. Envelopes sharing a
// Message-ID collapse into the same node; the first arrival fixes the
// node's position in the tree.
func (f *Forest) Add(e domain.Envelope) {
	if _, dup := f.byEnv[e.Key()]; dup {
		f.Remove(e.Mailbox, e.UID)
	}
	if e.MessageID == "" {
		f.logger.WithFields(logrus.Fields{
			"mailbox": e.Mailbox,
			"uid":     e.UID,
		}).Warn("threading: envelope without Message-ID, threading standalone")
	}

	idx := f.intern(e.ThreadKey())
	f.nodes[idx].envelopes = append(f.nodes[idx].envelopes, e)
	f.byEnv[e.Key()] = idx

	refs := references(e)
	if len(refs) == 0 {
		return
	}

	// Materialize containers for every referenced id and chain adjacent
	// pairs. The chain link is skipped when the later id already has a
	// parent or the link would form a cycle.
	ids := make([]int, len(refs))
	for i, r := range refs {
		ids[i] = f.intern(r)
	}
	for i := 0; i+1 < len(ids); i++ {
		f.link(ids[i], ids[i+1])
	}

	// The envelope hangs off the deepest referenced node, which is the
	// immediate ancestor regardless of the header's reference order.
	// Depth ties go to the later reference.
	parent := ids[0]
	best := f.depth(parent)
	for _, id := range ids[1:] {
		if d := f.depth(id); d >= best {
			parent, best = id, d
		}
	}
	f.link(parent, idx)
}

// Remove deletes the envelope identified by (mailbox, uid) and rebuilds
// the forest from the remaining set. Removal can split chains in ways
// incremental surgery cannot reproduce faithfully, so the rebuild keeps
// the incremental-equals-full contract intact.
func (f *Forest) Remove(mailbox, uid string) {
	key := mailbox + "\x00" + uid
	idx, ok := f.byEnv[key]
	if !ok {
		return
	}
	var remaining []domain.Envelope
	for i := range f.nodes {
		for _, e := range f.nodes[i].envelopes {
			if i == idx && e.Mailbox == mailbox && e.UID == uid {
				continue
			}
			remaining = append(remaining, e)
		}
	}
	rebuilt := Build(f.logger, remaining)
	f.nodes = rebuilt.nodes
	f.byKey = rebuilt.byKey
	f.byEnv = rebuilt.byEnv
}

// ThreadNode is one node of the materialized forest snapshot returned
// by Threads. Envelopes holds every message collapsed into the node;
// it is empty for container nodes kept only to preserve structure.
type ThreadNode struct {
	Key       string
	Envelopes []domain.Envelope
	Children  []*ThreadNode
	Root      bool

	earliest time.Time
}

// Earliest returns the date of the earliest-dated envelope in the
// node's subtree.
func (n *ThreadNode) Earliest() time.Time {
	return n.earliest
}

// Walk visits the node and its descendants depth-first in thread order.
func (n *ThreadNode) Walk(fn func(depth int, node *ThreadNode)) {
	n.walk(0, fn)
}

func (n *ThreadNode) walk(depth int, fn func(int, *ThreadNode)) {
	fn(depth, n)
	for _, c := range n.Children {
		c.walk(depth+1, fn)
	}
}

// Threads materializes the current forest: an ordered slice of roots,
// each with children ordered depth-first. Pure-container nodes are
// collapsed by promoting their children, except multi-child container
// roots, which are kept so unrelated subtrees are not merged. Roots and
// sibling lists are ordered by the date of their earliest-dated
// descendant, ties broken by key for determinism.
func (f *Forest) Threads() []*ThreadNode {
	var roots []*ThreadNode
	for i := range f.nodes {
		if f.nodes[i].parent != noParent {
			continue
		}
		roots = append(roots, f.materialize(i)...)
	}
	for _, r := range roots {
		r.Root = true
	}
	sortNodes(roots)
	return roots
}

// materialize converts the subtree at idx into snapshot nodes, applying
// container collapse. It returns zero or more nodes to splice into the
// parent's child list.
func (f *Forest) materialize(idx int) []*ThreadNode {
	n := &f.nodes[idx]

	var children []*ThreadNode
	for _, c := range n.children {
		children = append(children, f.materialize(c)...)
	}
	sortNodes(children)

	if len(n.envelopes) == 0 {
		if len(children) == 0 {
			// Referenced id with no surviving descendants; prune.
			return nil
		}
		if n.parent != noParent || len(children) == 1 {
			// Promote children past the empty container.
			return children
		}
		// Container root with several children: keep it to avoid
		// flattening distinct subtrees into unrelated siblings.
		return []*ThreadNode{{
			Key:      n.key,
			Children: children,
			earliest: children[0].earliest,
		}}
	}

	envs := make([]domain.Envelope, len(n.envelopes))
	copy(envs, n.envelopes)
	sort.Slice(envs, func(i, j int) bool {
		if !envs[i].Date.Equal(envs[j].Date) {
			return envs[i].Date.Before(envs[j].Date)
		}
		return envs[i].Key() < envs[j].Key()
	})

	earliest := envs[0].Date
	for _, c := range children {
		if c.earliest.Before(earliest) {
			earliest = c.earliest
		}
	}
	return []*ThreadNode{{
		Key:       n.key,
		Envelopes: envs,
		Children:  children,
		earliest:  earliest,
	}}
}

func sortNodes(nodes []*ThreadNode) {
	sort.SliceStable(nodes, func(i, j int) bool {
		if !nodes[i].earliest.Equal(nodes[j].earliest) {
			return nodes[i].earliest.Before(nodes[j].earliest)
		}
		return nodes[i].Key < nodes[j].Key
	})
}
