package occupancy

import (
	"math/rand/v2"
	"sync"
	"time"
)

// DefaultProbability is the chance that a simulated tick observes presence.
const DefaultProbability = 0.33

// Simulator draws synthetic presence samples for rooms without a camera. One
// simulator is shared by the whole process.
type Simulator struct {
	mu  sync.Mutex
	rng *rand.Rand
	p   float64
}

// NewSimulator creates a simulator. A zero seed picks a random one.
func NewSimulator(p float64, seed uint64) *Simulator {
	if p <= 0 || p > 1 {
		p = DefaultProbability
	}
	if seed == 0 {
		seed = rand.Uint64()
	}
	return &Simulator{
		rng: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
		p:   p,
	}
}

// Draw returns one independent Bernoulli(p) draw.
func (s *Simulator) Draw() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rng.Float64() < s.p
}

// Sample draws a presence sample for the room at the given time.
func (s *Simulator) Sample(roomID int64, at time.Time) Sample {
	return Sample{RoomID: roomID, ObservedAt: at, Detected: s.Draw()}
}

// Probability returns p.
func (s *Simulator) Probability() float64 { return s.p }
