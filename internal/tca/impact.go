package tca

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/goquant/slipstream/internal/book"
	"github.com/goquant/slipstream/internal/params"
)

const (
	impactDepthLevels = 5
	minutesPerDay     = 24 * 60
)

// ImpactConfig holds the Almgren-Chriss coefficients.
type ImpactConfig struct {
	Volatility  float64 `yaml:"volatility"`   // Annualized sigma
	HorizonDays float64 `yaml:"horizon_days"` // Execution horizon in days
	Eta         float64 `yaml:"eta"`          // Temporary impact factor
	Gamma       float64 `yaml:"gamma"`        // Permanent impact factor
}

// DefaultImpactConfig returns the standard calibration.
func DefaultImpactConfig() ImpactConfig {
	return ImpactConfig{Volatility: 0.3, HorizonDays: 1, Eta: 1.5, Gamma: 0.1}
}

// ImpactResult reports the decomposed impact for one simulated order.
type ImpactResult struct {
	TemporaryBps      float64   `json:"temporary_impact_bps"` // Recovers after execution
	PermanentBps      float64   `json:"permanent_impact_bps"` // Remains after execution
	TotalBps          float64   `json:"total_impact_bps"`
	MidPrice          float64   `json:"mid_price"`
	ParticipationRate float64   `json:"participation_rate"` // Order size / estimated daily volume
	DailyVolumeUSD    float64   `json:"daily_volume_usd"`   // Depth-derived volume estimate
	ComputedAt        time.Time `json:"computed_at"`
}

// MarketImpactModel is an Almgren-Chriss impact estimator.
//
// Temporary impact: eta * sigma * sqrt(T) * sqrt(participation)
// Permanent impact: gamma * sigma * sqrt(T) * participation
// Daily volume is estimated from visible depth (top-5 both sides, base units,
// scaled by minutes per day) since the service carries no historical volume.
type MarketImpactModel struct {
	mu           sync.RWMutex
	sigma        float64
	horizonYears float64
	eta          float64
	gamma        float64
	updatedAt    time.Time
}

// NewMarketImpactModel builds a model from the given calibration. Zero-value
// coefficients fall back to defaults; volatility is taken as given (zero is a
// legitimate regime).
func NewMarketImpactModel(cfg ImpactConfig) *MarketImpactModel {
	def := DefaultImpactConfig()
	if cfg.HorizonDays <= 0 {
		cfg.HorizonDays = def.HorizonDays
	}
	if cfg.Eta == 0 {
		cfg.Eta = def.Eta
	}
	if cfg.Gamma == 0 {
		cfg.Gamma = def.Gamma
	}
	return &MarketImpactModel{
		sigma:        cfg.Volatility,
		horizonYears: cfg.HorizonDays / 365,
		eta:          cfg.Eta,
		gamma:        cfg.Gamma,
	}
}

// UpdateParameters adjusts volatility and/or horizon. Nil pointers leave the
// corresponding field unchanged.
func (m *MarketImpactModel) UpdateParameters(volatility, horizonDays *float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if volatility != nil {
		if *volatility < 0 {
			return fmt.Errorf("volatility %.4f must be non-negative: %w", *volatility, params.ErrInvalidParameterValue)
		}
		m.sigma = *volatility
	}
	if horizonDays != nil {
		if *horizonDays <= 0 {
			return fmt.Errorf("horizon %.4f days must be positive: %w", *horizonDays, params.ErrInvalidParameterValue)
		}
		m.horizonYears = *horizonDays / 365
	}
	m.updatedAt = time.Now()
	return nil
}

// Calculate estimates impact for an order of quantityUSD against the snapshot.
// Order type does not change the formula; it is carried by the caller.
func (m *MarketImpactModel) Calculate(s *book.Snapshot, quantityUSD float64, orderType params.OrderType) (*ImpactResult, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	sigma, horizon, eta, gamma := m.sigma, m.horizonYears, m.eta, m.gamma
	m.mu.RUnlock()

	mid := (s.Bids[0].Price + s.Asks[0].Price) / 2

	// Visible depth in base units across both sides.
	depth := 0.0
	for i := 0; i < impactDepthLevels && i < len(s.Asks); i++ {
		depth += s.Asks[i].Size
	}
	for i := 0; i < impactDepthLevels && i < len(s.Bids); i++ {
		depth += s.Bids[i].Size
	}

	baseQuantity := quantityUSD / mid
	dailyVolume := depth * minutesPerDay

	participation := 0.01
	if dailyVolume > 0 {
		participation = baseQuantity / dailyVolume
	}

	scale := sigma * math.Sqrt(horizon)
	temporary := eta * scale * math.Sqrt(participation) * 10000
	permanent := gamma * scale * participation * 10000

	return &ImpactResult{
		TemporaryBps:      temporary,
		PermanentBps:      permanent,
		TotalBps:          temporary + permanent,
		MidPrice:          mid,
		ParticipationRate: participation,
		DailyVolumeUSD:    dailyVolume * mid,
		ComputedAt:        time.Now(),
	}, nil
}
