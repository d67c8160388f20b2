package tdfs

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

type nodeEntry struct {
	BaseURL  string
	LastSeen time.Time
	DiskFree uint64
}

// registrySnapshot is immutable once published.
type registrySnapshot struct {
	order []string // node ids in first-registration order
	nodes map[string]nodeEntry
}

// Registry tracks every DataNode that ever registered or sent a heartbeat.
// Readers load the current snapshot without locking; writers copy it under mu.
type Registry struct {
	mu            sync.Mutex
	snap          atomic.Pointer[registrySnapshot]
	downThreshold time.Duration
	now           func() time.Time
}

func NewRegistry(downThreshold time.Duration) *Registry {
	if downThreshold <= 0 {
		downThreshold = DOWN_THRESHOLD
	}
	r := &Registry{downThreshold: downThreshold, now: time.Now}
	r.snap.Store(&registrySnapshot{nodes: map[string]nodeEntry{}})
	return r
}

// Register upserts a node and marks it seen at server time.
func (r *Registry) Register(nodeID, baseURL string) error {
	return r.upsert(nodeID, baseURL, r.now(), 0, false)
}

// Heartbeat upserts a node using the sender's clock. A zero ts stands for server
// now and a ts ahead of the server is clamped to server now.
func (r *Registry) Heartbeat(hb Heartbeat) error {
	now := r.now()
	seen := now
	if hb.Timestamp != 0 {
		seen = time.Unix(0, hb.Timestamp)
		if seen.After(now) {
			seen = now
		}
	}
	return r.upsert(hb.NodeID, hb.BaseURL, seen, hb.DiskFree, true)
}

func (r *Registry) upsert(nodeID, baseURL string, seen time.Time, diskFree uint64, keepDisk bool) error {
	baseURL = trimBaseURL(baseURL)
	if nodeID == "" || baseURL == "" {
		return fmt.Errorf("%w: node_id and base_url are required", ErrValidation)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	old := r.snap.Load()
	next := &registrySnapshot{
		order: old.order,
		nodes: make(map[string]nodeEntry, len(old.nodes)+1),
	}
	for id, e := range old.nodes {
		next.nodes[id] = e
	}
	prev, known := old.nodes[nodeID]
	if !known {
		next.order = append(append([]string(nil), old.order...), nodeID)
	}
	if !keepDisk && known {
		diskFree = prev.DiskFree
	}
	next.nodes[nodeID] = nodeEntry{BaseURL: baseURL, LastSeen: seen, DiskFree: diskFree}
	r.snap.Store(next)
	return nil
}

func (r *Registry) status(e nodeEntry, now time.Time) NodeStatus {
	if now.Sub(e.LastSeen) < r.downThreshold {
		return StatusUp
	}
	return StatusDown
}

// List returns every known node in registration order with its derived status.
func (r *Registry) List() []DataNodeRecord {
	snap := r.snap.Load()
	now := r.now()
	out := make([]DataNodeRecord, 0, len(snap.order))
	for _, id := range snap.order {
		e := snap.nodes[id]
		out = append(out, DataNodeRecord{
			NodeID:   id,
			BaseURL:  e.BaseURL,
			LastSeen: e.LastSeen,
			DiskFree: e.DiskFree,
			Status:   r.status(e, now),
		})
	}
	return out
}

// Candidates returns the base URLs of UP nodes in registration order, falling
// back to every known URL when none is UP.
func (r *Registry) Candidates() []string {
	snap := r.snap.Load()
	now := r.now()
	var up, all []string
	for _, id := range snap.order {
		e := snap.nodes[id]
		all = append(all, e.BaseURL)
		if r.status(e, now) == StatusUp {
			up = append(up, e.BaseURL)
		}
	}
	if len(up) > 0 {
		return up
	}
	return all
}

func (r *Registry) Len() int {
	return len(r.snap.Load().order)
}
