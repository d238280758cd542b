package book

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"
)

// Error kinds for order book validation. Callers match with errors.Is.
var (
	// ErrInvalidOrderbook indicates a snapshot missing a required side.
	ErrInvalidOrderbook = errors.New("invalid orderbook")
	// ErrEmptyOrderbook indicates a side is present but empty where data is needed.
	ErrEmptyOrderbook = errors.New("empty orderbook")
	// ErrInsufficientDepth indicates the requested notional exceeds walkable liquidity.
	ErrInsufficientDepth = errors.New("insufficient depth")
)

// Side selects one half of the book.
type Side string

const (
	Bid Side = "bid"
	Ask Side = "ask"
)

// PriceLevel represents a single order book level.
type PriceLevel struct {
	Price float64 `json:"price"` // Price per unit
	Size  float64 `json:"size"`  // Quantity available in base units
}

// UnmarshalJSON accepts the upstream wire form ["price","size"] (elements may be
// JSON numbers or numeric strings) as well as the object form this package emits.
func (l *PriceLevel) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		var obj struct {
			Price float64 `json:"price"`
			Size  float64 `json:"size"`
		}
		if err := json.Unmarshal(trimmed, &obj); err != nil {
			return fmt.Errorf("price level: %w", err)
		}
		return l.set(obj.Price, obj.Size)
	}

	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.UseNumber()
	var raw []any
	if err := dec.Decode(&raw); err != nil {
		return fmt.Errorf("price level: %w", err)
	}
	if len(raw) < 2 {
		return fmt.Errorf("price level: want [price, size], got %d elements", len(raw))
	}

	price, err := levelFloat(raw[0])
	if err != nil {
		return fmt.Errorf("price level price: %w", err)
	}
	size, err := levelFloat(raw[1])
	if err != nil {
		return fmt.Errorf("price level size: %w", err)
	}
	return l.set(price, size)
}

func (l *PriceLevel) set(price, size float64) error {
	if price <= 0 {
		return fmt.Errorf("price level: non-positive price %.8f", price)
	}
	if size < 0 {
		return fmt.Errorf("price level: negative size %.8f", size)
	}
	l.Price = price
	l.Size = size
	return nil
}

// NotionalUSD is the level's quoted value.
func (l PriceLevel) NotionalUSD() float64 {
	return l.Price * l.Size
}

func levelFloat(v any) (float64, error) {
	switch t := v.(type) {
	case json.Number:
		return t.Float64()
	case string:
		return strconv.ParseFloat(t, 64)
	default:
		return 0, fmt.Errorf("unsupported element type %T", v)
	}
}

// Snapshot is one top-of-book L2 frame from the feed.
type Snapshot struct {
	Timestamp time.Time    `json:"timestamp"` // Exchange timestamp, zero if absent/unparseable
	Exchange  string       `json:"exchange"`
	Symbol    string       `json:"symbol"`
	Bids      []PriceLevel `json:"bids"` // Descending by price
	Asks      []PriceLevel `json:"asks"` // Ascending by price
	Received  time.Time    `json:"received_at"` // Stamped locally on ingest
}

type wireSnapshot struct {
	Timestamp string       `json:"timestamp"`
	Exchange  string       `json:"exchange"`
	Symbol    string       `json:"symbol"`
	Bids      []PriceLevel `json:"bids"`
	Asks      []PriceLevel `json:"asks"`
}

// DecodeSnapshot parses a feed payload. Sides are re-sorted defensively so
// downstream walks can trust level order. Malformed levels fail the whole frame.
func DecodeSnapshot(data []byte) (*Snapshot, error) {
	var w wireSnapshot
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("decode orderbook: %w", err)
	}

	s := &Snapshot{
		Exchange: w.Exchange,
		Symbol:   w.Symbol,
		Bids:     w.Bids,
		Asks:     w.Asks,
	}
	if w.Timestamp != "" {
		if ts, err := time.Parse(time.RFC3339Nano, w.Timestamp); err == nil {
			s.Timestamp = ts
		}
	}
	s.normalize()
	return s, nil
}

// normalize sorts asks ascending and bids descending by price.
func (s *Snapshot) normalize() {
	sort.Slice(s.Asks, func(i, j int) bool { return s.Asks[i].Price < s.Asks[j].Price })
	sort.Slice(s.Bids, func(i, j int) bool { return s.Bids[i].Price > s.Bids[j].Price })
}

// Validate checks that both sides carry at least one level. Calculators that
// need a mid price gate on this before touching the book.
func (s *Snapshot) Validate() error {
	if s == nil {
		return fmt.Errorf("nil snapshot: %w", ErrInvalidOrderbook)
	}
	if len(s.Bids) == 0 || len(s.Asks) == 0 {
		return fmt.Errorf("snapshot %s missing bids or asks: %w", s.Symbol, ErrInvalidOrderbook)
	}
	return nil
}

// BestBid returns the highest bid.
func (s *Snapshot) BestBid() (PriceLevel, bool) {
	if s == nil || len(s.Bids) == 0 {
		return PriceLevel{}, false
	}
	return s.Bids[0], true
}

// BestAsk returns the lowest ask.
func (s *Snapshot) BestAsk() (PriceLevel, bool) {
	if s == nil || len(s.Asks) == 0 {
		return PriceLevel{}, false
	}
	return s.Asks[0], true
}

// MidPrice is the midpoint of the best bid and ask.
func (s *Snapshot) MidPrice() (float64, error) {
	if err := s.Validate(); err != nil {
		return 0, err
	}
	return (s.Bids[0].Price + s.Asks[0].Price) / 2, nil
}

// SpreadBps is the quoted spread relative to mid, in basis points.
func (s *Snapshot) SpreadBps() (float64, error) {
	mid, err := s.MidPrice()
	if err != nil {
		return 0, err
	}
	return (s.Asks[0].Price - s.Bids[0].Price) / mid * 10000, nil
}

// DepthUSD sums quoted notional over the top `levels` of one side.
func (s *Snapshot) DepthUSD(side Side, levels int) float64 {
	if s == nil {
		return 0
	}
	half := s.Asks
	if side == Bid {
		half = s.Bids
	}
	if levels < 0 {
		levels = 0
	}
	if levels > len(half) {
		levels = len(half)
	}
	depth := 0.0
	for _, lvl := range half[:levels] {
		depth += lvl.NotionalUSD()
	}
	return depth
}

// Imbalance is (bidDepth-askDepth)/(bidDepth+askDepth) over the top `levels`,
// 0 when the book is empty both sides.
func (s *Snapshot) Imbalance(levels int) float64 {
	bid := s.DepthUSD(Bid, levels)
	ask := s.DepthUSD(Ask, levels)
	total := bid + ask
	if total == 0 {
		return 0
	}
	return (bid - ask) / total
}
