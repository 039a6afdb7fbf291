package session

import (
	"context"
	"slices"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

// Handshaker produces a freshly authenticated node.
type Handshaker interface {
	Authenticate(ctx context.Context, req AuthRequest) (*Node, error)
}

// Registry maps (host, user) to at most one live Node and counts the tabs
// holding it. Acquire and Release are serialized by one lock which is also
// held across the handshake.
type Registry struct {
	engine Handshaker

	mu    sync.Mutex
	nodes map[nodeKey]*Node
	order []nodeKey
	// retired nodes were replaced while tabs still held them
	retired map[*Node]struct{}

	flight singleflight.Group
}

func NewRegistry(engine Handshaker) *Registry {
	return &Registry{
		engine: engine,
		nodes:   make(map[nodeKey]*Node),
		retired: make(map[*Node]struct{}),
	}
}

// Acquire returns a node for req.Host/req.User with one more reference. A
// live node is reused after a liveness probe and a credential check; a stale
// one is replaced by a fresh handshake. Callers that arrive while another
// caller is acquiring the same key share its outcome, failure included.
func (r *Registry) Acquire(ctx context.Context, req AuthRequest) (*Node, error) {
	req = req.withDefaults()
	if err := req.Validate(); err != nil {
		return nil, err
	}
	key := req.key()

	leader := false
	v, err, shared := r.flight.Do(key.String(), func() (any, error) {
		leader = true
		r.mu.Lock()
		defer r.mu.Unlock()
		return r.acquireLocked(ctx, key, req)
	})
	if err != nil {
		return nil, err
	}
	node := v.(*Node)
	if leader || !shared {
		return node, nil
	}
	return r.join(ctx, node, req)
}

func (r *Registry) acquireLocked(ctx context.Context, key nodeKey, req AuthRequest) (*Node, error) {
	log := logrus.WithFields(logrus.Fields{"host": req.Host, "user": req.User})

	if node, ok := r.nodes[key]; ok {
		if node.Valid() {
			if err := Probe(ctx, node); err != nil {
				log.WithError(err).Info("session: stale session, reconnecting")
			}
		}
		if node.Valid() {
			if err := node.admit(req); err != nil {
				return nil, err
			}
			node.refs.Add(1)
			node.touch()
			log.Debugf("session: reusing %s", node)
			return node, nil
		}
		// holders keep the old transport until their last Release
		r.removeLocked(key)
		r.retired[node] = struct{}{}
	}

	node, err := r.engine.Authenticate(ctx, req)
	if err != nil {
		return nil, err
	}
	node.refs.Store(1)
	node.touch()
	r.nodes[key] = node
	r.order = append(r.order, key)
	log.Debugf("session: registered %s", node)
	return node, nil
}

// join adds a reference for a caller that shared another caller's acquire.
func (r *Registry) join(ctx context.Context, node *Node, req AuthRequest) (*Node, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := req.key()
	if cur, ok := r.nodes[key]; !ok || cur != node || !node.Valid() {
		return r.acquireLocked(ctx, key, req)
	}
	if err := node.admit(req); err != nil {
		return nil, err
	}
	node.refs.Add(1)
	node.touch()
	return node, nil
}

// Release drops one reference. The last release closes the transport and
// removes the node.
func (r *Registry) Release(node *Node) {
	if node == nil {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if node.refs.Load() <= 0 {
		node.logger().Warn("session: release without a reference")
		return
	}
	if node.refs.Add(-1) > 0 {
		return
	}

	key := node.key()
	if cur, ok := r.nodes[key]; ok && cur == node {
		r.removeLocked(key)
	}
	delete(r.retired, node)
	node.destroy()
}

// Invalidate marks node unusable; the next Acquire for its key reconnects.
func (r *Registry) Invalidate(node *Node) {
	node.invalidate()
}

// Lookup returns the live node for host/user, if any, without taking a
// reference.
func (r *Registry) Lookup(host, user string) (*Node, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	node, ok := r.nodes[nodeKey{host: host, user: user}]
	return node, ok
}

// Nodes lists the registered nodes in insertion order.
func (r *Registry) Nodes() []*Node {
	r.mu.Lock()
	defer r.mu.Unlock()
	nodes := make([]*Node, 0, len(r.order))
	for _, key := range r.order {
		nodes = append(nodes, r.nodes[key])
	}
	return nodes
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.nodes)
}

// Close destroys every node regardless of outstanding references.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, key := range r.order {
		r.nodes[key].destroy()
	}
	for node := range r.retired {
		node.destroy()
	}
	r.nodes = make(map[nodeKey]*Node)
	r.order = nil
	clear(r.retired)
}

func (r *Registry) removeLocked(key nodeKey) {
	delete(r.nodes, key)
	r.order = slices.DeleteFunc(r.order, func(k nodeKey) bool { return k == key })
}
