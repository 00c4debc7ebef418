package traffic

import (
	"context"
	"math/rand/v2"
	"sync"

	"github.com/sirupsen/logrus"
)

// MockRegions are the regions the synthetic generator reports
var MockRegions = []string{"cdg", "ams", "iad", "sin", "nrt", "lhr"}

type level struct {
	name     string
	min, max int
}

var levels = []level{
	{"very_low", 0, 10},
	{"low", 11, 29},
	{"medium", 30, 70},
	{"high", 71, 100},
}

// Placed regions lean towards low traffic and unplaced ones towards high,
// so dry runs exercise both deploys and removals.
var (
	placedWeights   = []float64{0.4, 0.3, 0.2, 0.1}
	unplacedWeights = []float64{0.1, 0.2, 0.3, 0.4}
)

// Mock generates synthetic traffic. The same seed and deployment state yield the same sequence.
type Mock struct {
	mu    sync.Mutex
	rng   *rand.Rand
	state StateLoader
}

// NewMock creates a generator. state may be nil, in which case every region counts as unplaced.
func NewMock(seed uint64, state StateLoader) *Mock {
	return &Mock{
		rng:   rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
		state: state,
	}
}

// Collect draws a traffic level per region and a count within it
func (m *Mock) Collect(ctx context.Context) (map[string]float64, error) {
	placed := map[string]bool{}
	if m.state != nil {
		st, err := m.state.Load(ctx)
		if err != nil {
			// A broken state only changes the bias
			logrus.WithError(err).Warn("Mock traffic: could not load deployment state")
		} else {
			for region := range st.Regions {
				placed[region] = true
			}
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	counts := make(map[string]float64, len(MockRegions))
	for _, region := range MockRegions {
		weights := unplacedWeights
		if placed[region] {
			weights = placedWeights
		}
		l := levels[m.pick(weights)]
		counts[region] = float64(l.min + m.rng.IntN(l.max-l.min+1))
	}
	return counts, nil
}

func (m *Mock) pick(weights []float64) int {
	var total float64
	for _, w := range weights {
		total += w
	}
	r := m.rng.Float64() * total
	for i, w := range weights {
		if r < w {
			return i
		}
		r -= w
	}
	return len(weights) - 1
}
