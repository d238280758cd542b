package tca

import (
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
)

// TierRates holds the maker/taker schedule for one fee tier, in basis points
// of order notional.
type TierRates struct {
	Tier     string  `yaml:"tier" json:"tier"`
	MakerBps float64 `yaml:"maker_bps" json:"maker_bps"`
	TakerBps float64 `yaml:"taker_bps" json:"taker_bps"`
}

// DefaultFeeSchedule is the OKX-style VIP ladder.
func DefaultFeeSchedule() []TierRates {
	return []TierRates{
		{Tier: "VIP0", MakerBps: 8, TakerBps: 10},
		{Tier: "VIP1", MakerBps: 7, TakerBps: 9},
		{Tier: "VIP2", MakerBps: 6, TakerBps: 8},
		{Tier: "VIP3", MakerBps: 5, TakerBps: 7},
		{Tier: "VIP4", MakerBps: 4, TakerBps: 6},
		{Tier: "VIP5", MakerBps: 2, TakerBps: 4},
	}
}

// FeeResult reports the blended fee for one simulated order.
type FeeResult struct {
	MakerFeeBps     float64 `json:"maker_fee_bps"`
	TakerFeeBps     float64 `json:"taker_fee_bps"`
	EffectiveFeeBps float64 `json:"effective_fee_bps"` // makerRatio*maker + takerRatio*taker
	AmountUSD       float64 `json:"amount"`            // quantity * effective bps / 1e4
	Tier            string  `json:"fee_tier"`          // Tier actually used
}

// FeeCalculator blends tiered maker/taker rates by predicted fill proportion.
// The schedule is fixed at construction; lookups are case-insensitive. Unknown
// tiers fall back to the lowest tier and are logged once per distinct value.
type FeeCalculator struct {
	rates    map[string]TierRates
	fallback TierRates

	mu     sync.Mutex
	warned map[string]struct{}
}

// NewFeeCalculator builds a calculator from the given schedule. An empty
// schedule uses the default ladder; the first entry is the fallback tier.
func NewFeeCalculator(schedule []TierRates) *FeeCalculator {
	if len(schedule) == 0 {
		schedule = DefaultFeeSchedule()
	}
	rates := make(map[string]TierRates, len(schedule))
	for _, tr := range schedule {
		rates[strings.ToUpper(tr.Tier)] = tr
	}
	return &FeeCalculator{
		rates:    rates,
		fallback: schedule[0],
		warned:   make(map[string]struct{}),
	}
}

// Calculate computes the blended fee for quantityUSD at the given tier.
func (f *FeeCalculator) Calculate(quantityUSD float64, tier string, makerRatio, takerRatio float64) FeeResult {
	tr, ok := f.rates[strings.ToUpper(tier)]
	if !ok {
		f.warnUnknown(tier)
		tr = f.fallback
	}

	effective := makerRatio*tr.MakerBps + takerRatio*tr.TakerBps
	return FeeResult{
		MakerFeeBps:     tr.MakerBps,
		TakerFeeBps:     tr.TakerBps,
		EffectiveFeeBps: effective,
		AmountUSD:       quantityUSD * effective / 10000,
		Tier:            tr.Tier,
	}
}

func (f *FeeCalculator) warnUnknown(tier string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, seen := f.warned[tier]; seen {
		return
	}
	f.warned[tier] = struct{}{}
	log.Warn().Str("component", "fees").Str("fee_tier", tier).
		Str("fallback", f.fallback.Tier).Msg("unknown fee tier, using fallback rates")
}
