package tca

import (
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"gonum.org/v1/gonum/floats"

	"github.com/goquant/slipstream/internal/book"
	"github.com/goquant/slipstream/internal/params"
)

const nClassifierFeatures = 5

// ClassifierConfig tunes the maker/taker classifier.
type ClassifierConfig struct {
	Window        int   `yaml:"window"`         // Bounded label history (FIFO)
	RefitInterval int   `yaml:"refit_interval"` // Refit every Nth prediction
	Seed          int64 `yaml:"seed"`           // Label-draw seed, 0 = wall clock
}

// DefaultClassifierConfig returns the standard tuning.
func DefaultClassifierConfig() ClassifierConfig {
	return ClassifierConfig{Window: 1000, RefitInterval: 10}
}

// Prediction is the maker/taker split for one simulated order.
type Prediction struct {
	MakerRatio   float64 `json:"maker_ratio"`
	TakerRatio   float64 `json:"taker_ratio"`
	Confidence   float64 `json:"confidence"`
	ModelTrained bool    `json:"model_trained"`
	Error        string  `json:"error,omitempty"`
}

// MakerTakerClassifier estimates the maker/taker fill split for an order.
//
// There is no fill feedback in a simulated pipeline, so the classifier
// bootstraps itself: a spread/size heuristic gives a maker probability, a
// Bernoulli draw on that probability labels the observation, and a logistic
// model refits on the labeled window every Nth call. The stochastic labeling
// is intentional; the injected random source makes it reproducible in tests.
type MakerTakerClassifier struct {
	mu       sync.Mutex
	cfg      ClassifierConfig
	rng      *rand.Rand
	features [][]float64
	labels   []float64
	calls    int
	weights  []float64 // nClassifierFeatures
	bias     float64
	trained  bool
}

// NewMakerTakerClassifier builds a classifier. A nil rng derives one from the
// configured seed, or the wall clock when the seed is zero.
func NewMakerTakerClassifier(cfg ClassifierConfig, rng *rand.Rand) *MakerTakerClassifier {
	def := DefaultClassifierConfig()
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	if cfg.RefitInterval <= 0 {
		cfg.RefitInterval = def.RefitInterval
	}
	if rng == nil {
		seed := cfg.Seed
		if seed == 0 {
			seed = time.Now().UnixNano()
		}
		rng = rand.New(rand.NewSource(seed))
	}
	return &MakerTakerClassifier{cfg: cfg, rng: rng}
}

// Predict returns the maker/taker split. Market orders are always pure taker.
func (c *MakerTakerClassifier) Predict(s *book.Snapshot, quantityUSD float64, orderType params.OrderType) *Prediction {
	if s == nil {
		return &Prediction{MakerRatio: 0, TakerRatio: 1, Error: "invalid orderbook data"}
	}
	if orderType == params.Market {
		return &Prediction{MakerRatio: 0, TakerRatio: 1, Confidence: 0.95}
	}

	feat := classifierFeatures(s, quantityUSD)
	spread, relativeSize := feat[0], feat[2]

	heuristic := sigmoid(-5*(relativeSize-0.2)) * sigmoid(-5*(spread-0.0001))

	c.mu.Lock()
	label := 0.0
	if c.rng.Float64() < heuristic {
		label = 1.0
	}
	c.observe(feat, label)
	c.calls++
	if c.calls%c.cfg.RefitInterval == 0 && len(c.labels) >= minTrainSamples {
		if err := c.refit(); err != nil {
			log.Warn().Str("component", "makertaker").Int("samples", len(c.labels)).
				Err(err).Msg("refit failed, keeping previous model")
		}
	}
	makerProb := heuristic
	if c.trained {
		makerProb = sigmoid(floats.Dot(c.weights, feat) + c.bias)
	}
	trained := c.trained
	c.mu.Unlock()

	if orderType == params.Limit {
		makerProb = 0.7*makerProb + 0.3
	}
	makerProb = clamp01(makerProb)

	return &Prediction{
		MakerRatio:   makerProb,
		TakerRatio:   1 - makerProb,
		Confidence:   0.8,
		ModelTrained: trained,
	}
}

// classifierFeatures extracts [spread, depthRatio, relativeSize, priceRange,
// imbalance]. Spread is a raw fraction of mid; depths are base units over the
// top 5 levels. Empty sides yield the neutral vector.
func classifierFeatures(s *book.Snapshot, quantityUSD float64) []float64 {
	if len(s.Asks) == 0 || len(s.Bids) == 0 {
		return []float64{1, 1, 1, 1, 0}
	}

	bestAsk, bestBid := s.Asks[0].Price, s.Bids[0].Price
	mid := (bestAsk + bestBid) / 2
	spread := (bestAsk - bestBid) / mid

	askDepth := baseDepth(s.Asks, 5)
	bidDepth := baseDepth(s.Bids, 5)
	totalDepth := askDepth + bidDepth

	depthRatio := 1.0
	if askDepth > 0 {
		depthRatio = bidDepth / askDepth
	}
	relativeSize := 1.0
	if totalDepth > 0 {
		relativeSize = (quantityUSD / mid) / totalDepth
	}

	askLevels := min(5, len(s.Asks))
	bidLevels := min(5, len(s.Bids))
	priceRange := (s.Asks[askLevels-1].Price - s.Bids[bidLevels-1].Price) / mid

	imbalance := 0.0
	if totalDepth > 0 {
		imbalance = (bidDepth - askDepth) / totalDepth
	}

	return []float64{spread, depthRatio, relativeSize, priceRange, imbalance}
}

// observe appends one labeled pair, evicting the oldest beyond the window.
func (c *MakerTakerClassifier) observe(feat []float64, label float64) {
	if len(c.labels) == c.cfg.Window {
		copy(c.features, c.features[1:])
		c.features = c.features[:len(c.features)-1]
		copy(c.labels, c.labels[1:])
		c.labels = c.labels[:len(c.labels)-1]
	}
	c.features = append(c.features, feat)
	c.labels = append(c.labels, label)
}

// refit trains the logistic model on the window. A single-class window skips
// the refit and keeps serving; a non-finite fit keeps the previous weights.
func (c *MakerTakerClassifier) refit() error {
	ones := 0
	for _, l := range c.labels {
		if l == 1 {
			ones++
		}
	}
	if ones == 0 || ones == len(c.labels) {
		log.Debug().Str("component", "makertaker").Int("samples", len(c.labels)).
			Int("positive", ones).Msg("single-class window, refit skipped")
		return nil
	}

	weights, bias, err := logisticFit(c.features, c.labels)
	if err != nil {
		return err
	}
	c.weights = weights
	c.bias = bias
	c.trained = true
	return nil
}

// logisticFit runs batch gradient descent on L2-regularized log loss. The
// intercept is unpenalized. Inputs here are bounded (book fractions and
// ratios), so a fixed step and iteration count converge reliably.
func logisticFit(X [][]float64, y []float64) ([]float64, float64, error) {
	const (
		iterations = 500
		step       = 0.5
	)
	n := len(y)
	l2 := 1.0 / float64(n)

	w := make([]float64, nClassifierFeatures)
	b := 0.0
	grad := make([]float64, nClassifierFeatures)

	for it := 0; it < iterations; it++ {
		for i := range grad {
			grad[i] = 0
		}
		gb := 0.0
		for i, x := range X {
			p := sigmoid(floats.Dot(w, x) + b)
			g := p - y[i]
			floats.AddScaled(grad, g, x)
			gb += g
		}
		inv := 1.0 / float64(n)
		for i := range w {
			w[i] -= step * (grad[i]*inv + l2*w[i])
		}
		b -= step * gb * inv
	}

	for i, v := range w {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, 0, fmt.Errorf("non-finite weight %d: %w", i, ErrModelTraining)
		}
	}
	if math.IsNaN(b) || math.IsInf(b, 0) {
		return nil, 0, fmt.Errorf("non-finite intercept: %w", ErrModelTraining)
	}
	return w, b, nil
}

func sigmoid(z float64) float64 {
	return 1 / (1 + math.Exp(-z))
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
