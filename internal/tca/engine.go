package tca

import (
	"time"

	"github.com/rs/zerolog/log"

	"github.com/goquant/slipstream/internal/book"
	"github.com/goquant/slipstream/internal/params"
)

// SlippageSection is the slippage block of a Result: the estimate plus its
// dollar cost at the order's notional.
type SlippageSection struct {
	SlippageResult
	CostUSD float64 `json:"cost"`
}

// ImpactSection is the market impact block of a Result.
type ImpactSection struct {
	ImpactResult
	CostUSD float64 `json:"cost"`
}

// NetCost aggregates slippage, impact, and fees.
type NetCost struct {
	AmountUSD float64 `json:"amount"`
	Bps       float64 `json:"bps"`
}

// LatencySection reports the pipeline time for this result.
type LatencySection struct {
	ProcessingTimeMs float64 `json:"processing_time_ms"`
}

// Result is the full analytics payload for one snapshot. A snapshot that
// fails validation produces only Timestamp and Error; calculator-level
// failures null their section and append to Errors without aborting the rest.
type Result struct {
	Timestamp    time.Time        `json:"timestamp"`
	Exchange     string           `json:"exchange,omitempty"`
	Symbol       string           `json:"symbol,omitempty"`
	OrderType    params.OrderType `json:"order_type,omitempty"`
	Quantity     float64          `json:"quantity,omitempty"`
	Slippage     *SlippageSection `json:"slippage,omitempty"`
	MarketImpact *ImpactSection   `json:"market_impact,omitempty"`
	MakerTaker   *Prediction      `json:"maker_taker,omitempty"`
	Fees         *FeeResult       `json:"fees,omitempty"`
	NetCost      *NetCost         `json:"net_cost,omitempty"`
	Latency      *LatencySection  `json:"latency,omitempty"`
	Errors       []ErrorInfo      `json:"errors,omitempty"`
	Error        *ErrorInfo       `json:"error,omitempty"`
}

// Engine runs the cost pipeline over explicit calculator instances. It holds
// no market state of its own; models keep their own training windows.
type Engine struct {
	slippage   *SlippageEstimator
	impact     *MarketImpactModel
	classifier *MakerTakerClassifier
	fees       *FeeCalculator
	latency    *LatencyTracker
}

// NewEngine wires the pipeline.
func NewEngine(slippage *SlippageEstimator, impact *MarketImpactModel, classifier *MakerTakerClassifier, fees *FeeCalculator, latency *LatencyTracker) *Engine {
	return &Engine{
		slippage:   slippage,
		impact:     impact,
		classifier: classifier,
		fees:       fees,
		latency:    latency,
	}
}

// Compute runs the fixed pipeline for one snapshot: volatility into the
// impact model, slippage, impact, maker/taker, fees, then net cost.
func (e *Engine) Compute(s *book.Snapshot, p params.Parameters) *Result {
	if err := s.Validate(); err != nil {
		info := NewErrorInfo(err)
		log.Warn().Str("component", "engine").Str("code", info.Code).Msg("snapshot rejected")
		return &Result{Timestamp: time.Now(), Error: &info}
	}

	start := time.Now()
	result := &Result{
		Exchange:  p.Exchange,
		Symbol:    p.Symbol,
		OrderType: p.OrderType,
		Quantity:  p.Quantity,
	}

	vol := p.Volatility
	if err := e.impact.UpdateParameters(&vol, nil); err != nil {
		result.Errors = append(result.Errors, NewErrorInfo(err))
	}

	slippageBps := 0.0
	if slip, err := e.slippage.Estimate(s, p.Quantity); err != nil {
		result.Errors = append(result.Errors, NewErrorInfo(err))
		log.Warn().Str("component", "engine").Err(err).Msg("slippage estimate failed")
	} else {
		slippageBps = slip.PredictedBps
		result.Slippage = &SlippageSection{
			SlippageResult: *slip,
			CostUSD:        p.Quantity * slippageBps / 10000,
		}
	}

	impactBps := 0.0
	if imp, err := e.impact.Calculate(s, p.Quantity, p.OrderType); err != nil {
		result.Errors = append(result.Errors, NewErrorInfo(err))
		log.Warn().Str("component", "engine").Err(err).Msg("impact calculation failed")
	} else {
		impactBps = imp.TotalBps
		result.MarketImpact = &ImpactSection{
			ImpactResult: *imp,
			CostUSD:      p.Quantity * impactBps / 10000,
		}
	}

	pred := e.classifier.Predict(s, p.Quantity, p.OrderType)
	result.MakerTaker = pred

	fee := e.fees.Calculate(p.Quantity, p.FeeTier, pred.MakerRatio, pred.TakerRatio)
	result.Fees = &fee

	netCost := p.Quantity*slippageBps/10000 + p.Quantity*impactBps/10000 + fee.AmountUSD
	netBps := 0.0
	if p.Quantity > 0 {
		netBps = netCost / p.Quantity * 10000
	}
	result.NetCost = &NetCost{AmountUSD: netCost, Bps: netBps}

	elapsed := time.Since(start)
	e.latency.RecordProcessing(elapsed)
	result.Latency = &LatencySection{ProcessingTimeMs: toMs(elapsed)}
	result.Timestamp = time.Now()

	return result
}
