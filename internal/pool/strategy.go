package pool

import (
	"fmt"
	"math/rand"
	"sync"
)

// Strategy picks one connection from the idle set of a single provider.
// Chosen at pool construction; all candidates share a provider.
type Strategy interface {
	Pick(idle []*Connection) *Connection
}

// NewStrategy resolves a configured strategy name.
func NewStrategy(name string, rng *rand.Rand) (Strategy, error) {
	switch name {
	case "", "round_robin":
		return &roundRobinStrategy{cursors: make(map[string]int)}, nil
	case "least_requests":
		return leastRequestsStrategy{}, nil
	case "weighted":
		return &weightedStrategy{rng: rng}, nil
	case "latency":
		return latencyStrategy{}, nil
	default:
		return nil, fmt.Errorf("unknown pool strategy: %s", name)
	}
}

// roundRobinStrategy cycles through idle connections with a per-provider
// cursor so traffic on one provider doesn't skew another's rotation.
type roundRobinStrategy struct {
	mu      sync.Mutex
	cursors map[string]int
}

func (s *roundRobinStrategy) Pick(idle []*Connection) *Connection {
	s.mu.Lock()
	defer s.mu.Unlock()

	provider := idle[0].ProviderID
	cursor := s.cursors[provider]
	picked := idle[cursor%len(idle)]
	s.cursors[provider] = cursor + 1
	return picked
}

// leastRequestsStrategy prefers the connection that has served the
// fewest requests.
type leastRequestsStrategy struct{}

func (leastRequestsStrategy) Pick(idle []*Connection) *Connection {
	best := idle[0]
	for _, c := range idle[1:] {
		if c.RequestCount < best.RequestCount {
			best = c
		}
	}
	return best
}

// weightedStrategy picks randomly with health score as weight, so
// degraded connections still get occasional traffic to prove recovery.
type weightedStrategy struct {
	mu  sync.Mutex
	rng *rand.Rand
}

func (s *weightedStrategy) Pick(idle []*Connection) *Connection {
	total := 0
	for _, c := range idle {
		total += weightOf(c)
	}

	s.mu.Lock()
	roll := s.rng.Intn(total)
	s.mu.Unlock()

	for _, c := range idle {
		w := weightOf(c)
		if roll < w {
			return c
		}
		roll -= w
	}
	return idle[len(idle)-1]
}

func weightOf(c *Connection) int {
	w := int(c.HealthScore)
	if w < 1 {
		w = 1
	}
	return w
}

// latencyStrategy prefers the connection with the lowest rolling average
// response time.
type latencyStrategy struct{}

func (latencyStrategy) Pick(idle []*Connection) *Connection {
	best := idle[0]
	for _, c := range idle[1:] {
		if c.AvgResponseMs < best.AvgResponseMs {
			best = c
		}
	}
	return best
}
