package tca

import (
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/rs/zerolog/log"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/goquant/slipstream/internal/book"
	"github.com/goquant/slipstream/internal/params"
)

const (
	nSlippageFeatures = 5
	minTrainSamples   = 10
)

// SlippageConfig tunes the estimator.
type SlippageConfig struct {
	Window        int `yaml:"window"`         // Bounded training history (FIFO)
	RefitInterval int `yaml:"refit_interval"` // Refit every Nth estimate
	DepthLevels   int `yaml:"depth_levels"`   // Levels per side for depth features
}

// DefaultSlippageConfig returns the standard tuning.
func DefaultSlippageConfig() SlippageConfig {
	return SlippageConfig{Window: 1000, RefitInterval: 10, DepthLevels: 5}
}

// SlippageResult reports one estimate.
type SlippageResult struct {
	ActualBps         float64 `json:"actual_slippage_bps"`    // From the book walk
	PredictedBps      float64 `json:"predicted_slippage_bps"` // Model output, walk result before first fit
	AvgExecutionPrice float64 `json:"avg_execution_price"`
	MidPrice          float64 `json:"mid_price"`
	LevelsConsumed    int     `json:"levels_consumed"`
	ModelTrained      bool    `json:"model_trained"`
}

// SlippageEstimator walks the ask side to measure realized slippage for a
// simulated buy, then refines a linear model online: every observation is a
// (features, walk slippage) pair, refit by least squares on a bounded window.
type SlippageEstimator struct {
	mu       sync.Mutex
	cfg      SlippageConfig
	features [][]float64
	targets  []float64
	calls    int
	coeffs   []float64 // nSlippageFeatures weights + intercept
	trained  bool
}

// NewSlippageEstimator builds an estimator; non-positive config fields use
// defaults.
func NewSlippageEstimator(cfg SlippageConfig) *SlippageEstimator {
	def := DefaultSlippageConfig()
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	if cfg.RefitInterval <= 0 {
		cfg.RefitInterval = def.RefitInterval
	}
	if cfg.DepthLevels <= 0 {
		cfg.DepthLevels = def.DepthLevels
	}
	return &SlippageEstimator{cfg: cfg}
}

// Estimate walks the ask side for a buy of quantityUSD notional and returns
// realized and predicted slippage versus mid, in basis points.
//
// Levels are consumed best-first; the last level is consumed partially
// (remaining/price). A book whose total ask notional is below the quantity
// fails with ErrInsufficientDepth and records no training sample.
func (e *SlippageEstimator) Estimate(s *book.Snapshot, quantityUSD float64) (*SlippageResult, error) {
	if s == nil {
		return nil, fmt.Errorf("nil snapshot: %w", book.ErrInvalidOrderbook)
	}
	if len(s.Asks) == 0 || len(s.Bids) == 0 {
		return nil, fmt.Errorf("snapshot %s has an empty side: %w", s.Symbol, book.ErrEmptyOrderbook)
	}
	if quantityUSD <= 0 {
		return nil, fmt.Errorf("quantity %.4f must be positive: %w", quantityUSD, params.ErrInvalidParameterValue)
	}

	mid := (s.Bids[0].Price + s.Asks[0].Price) / 2

	remaining := quantityUSD
	spent, bought := 0.0, 0.0
	levels := 0
	for _, lvl := range s.Asks {
		if remaining <= 0 {
			break
		}
		notional := lvl.NotionalUSD()
		if notional <= 0 {
			continue
		}
		consumed := math.Min(remaining, notional)
		spent += consumed
		bought += consumed / lvl.Price
		remaining -= consumed
		levels++
	}
	if remaining > 0 {
		return nil, fmt.Errorf("quantity %.2f USD exceeds ask liquidity %.2f USD: %w",
			quantityUSD, spent, book.ErrInsufficientDepth)
	}

	avgExec := spent / bought
	actualBps := (avgExec - mid) / mid * 10000

	spreadBps := (s.Asks[0].Price - s.Bids[0].Price) / mid * 10000
	askDepth := baseDepth(s.Asks, e.cfg.DepthLevels)
	bidDepth := baseDepth(s.Bids, e.cfg.DepthLevels)
	imbalance := 0.0
	if askDepth+bidDepth > 0 {
		imbalance = (bidDepth - askDepth) / (bidDepth + askDepth)
	}
	feat := []float64{spreadBps, askDepth, bidDepth, imbalance, quantityUSD}

	e.mu.Lock()
	e.observe(feat, actualBps)
	e.calls++
	if e.calls%e.cfg.RefitInterval == 0 && len(e.targets) >= minTrainSamples {
		if err := e.refit(); err != nil {
			log.Warn().Str("component", "slippage").Int("samples", len(e.targets)).
				Err(err).Msg("refit failed, keeping previous model")
		}
	}
	predicted := actualBps
	if e.trained {
		predicted = floats.Dot(e.coeffs[:nSlippageFeatures], feat) + e.coeffs[nSlippageFeatures]
	}
	trained := e.trained
	e.mu.Unlock()

	return &SlippageResult{
		ActualBps:         actualBps,
		PredictedBps:      predicted,
		AvgExecutionPrice: avgExec,
		MidPrice:          mid,
		LevelsConsumed:    levels,
		ModelTrained:      trained,
	}, nil
}

// observe appends one training pair, evicting the oldest beyond the window.
func (e *SlippageEstimator) observe(feat []float64, target float64) {
	if len(e.targets) == e.cfg.Window {
		copy(e.features, e.features[1:])
		e.features = e.features[:len(e.features)-1]
		copy(e.targets, e.targets[1:])
		e.targets = e.targets[:len(e.targets)-1]
	}
	e.features = append(e.features, feat)
	e.targets = append(e.targets, target)
}

// refit solves least squares with intercept over the window. A singular or
// non-finite solution keeps the previous coefficients.
func (e *SlippageEstimator) refit() error {
	rows := len(e.targets)
	cols := nSlippageFeatures + 1

	X := mat.NewDense(rows, cols, nil)
	y := mat.NewVecDense(rows, nil)
	for i, f := range e.features {
		for j, v := range f {
			X.Set(i, j, v)
		}
		X.Set(i, cols-1, 1)
		y.SetVec(i, e.targets[i])
	}

	var qr mat.QR
	qr.Factorize(X)
	var beta mat.VecDense
	if err := qr.SolveVecTo(&beta, false, y); err != nil {
		var cond mat.Condition
		if !errors.As(err, &cond) {
			return fmt.Errorf("least squares solve: %v: %w", err, ErrModelTraining)
		}
		// Ill-conditioned solutions are still usable if finite.
	}

	coeffs := make([]float64, cols)
	for i := range coeffs {
		v := beta.AtVec(i)
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("non-finite coefficient %d: %w", i, ErrModelTraining)
		}
		coeffs[i] = v
	}
	e.coeffs = coeffs
	e.trained = true
	return nil
}

// baseDepth sums sizes over the top `levels` of a side.
func baseDepth(side []book.PriceLevel, levels int) float64 {
	if levels > len(side) {
		levels = len(side)
	}
	depth := 0.0
	for _, lvl := range side[:levels] {
		depth += lvl.Size
	}
	return depth
}
