package tdfs

import (
	"fmt"
	"sync"
)

// Placer hands out DataNodes round-robin across calls.
type Placer struct {
	mu       sync.Mutex
	cursor   int
	registry *Registry
}

func NewPlacer(registry *Registry) *Placer {
	return &Placer{registry: registry}
}

// PickNodes returns n base URLs, one per block, continuing from where the
// previous call stopped.
func (p *Placer) PickNodes(n int) ([]string, error) {
	nodes := p.registry.Candidates()
	k := len(nodes)
	if k == 0 {
		return nil, fmt.Errorf("%w: no datanodes registered", ErrServiceUnavailable)
	}
	if n <= 0 {
		return []string{}, nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	start := p.cursor % k
	picked := make([]string, n)
	for i := 0; i < n; i++ {
		picked[i] = nodes[(start+i)%k]
	}
	p.cursor = (start + n) % k
	return picked, nil
}
