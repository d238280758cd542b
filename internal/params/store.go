package params

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
)

// ErrInvalidParameterValue indicates a parameter update failed validation or
// numeric coercion. Callers match with errors.Is.
var ErrInvalidParameterValue = errors.New("invalid parameter value")

// OrderType is the simulated order style used by the cost models.
type OrderType string

const (
	Market OrderType = "market"
	Limit  OrderType = "limit"
)

// ParseOrderType normalizes user input to a known order type.
func ParseOrderType(v string) (OrderType, error) {
	switch OrderType(strings.ToLower(strings.TrimSpace(v))) {
	case Market:
		return Market, nil
	case Limit:
		return Limit, nil
	default:
		return "", fmt.Errorf("order_type %q (want market or limit): %w", v, ErrInvalidParameterValue)
	}
}

// Parameters is the single simulated-order record driving the pipeline.
type Parameters struct {
	Exchange   string    `json:"exchange"`
	Symbol     string    `json:"symbol"`
	OrderType  OrderType `json:"order_type"`
	Quantity   float64   `json:"quantity"`   // Order notional in USD
	Volatility float64   `json:"volatility"` // Annualized
	FeeTier    string    `json:"fee_tier"`
}

// Defaults returns the boot parameter record.
func Defaults() Parameters {
	return Parameters{
		Exchange:   "OKX",
		Symbol:     "BTC-USDT-SWAP",
		OrderType:  Market,
		Quantity:   100,
		Volatility: 0.3,
		FeeTier:    "VIP0",
	}
}

// FieldError reports one rejected key of a partial update. The remaining keys
// of the same patch are still applied.
type FieldError struct {
	Field string `json:"field"`
	Value any    `json:"value"`
	Err   error  `json:"-"`
}

func (e FieldError) Error() string {
	return fmt.Sprintf("parameter %s=%v: %v", e.Field, e.Value, e.Err)
}

func (e FieldError) Unwrap() error { return e.Err }

// Store holds the current parameter record behind a lock. One instance per
// service; constructed explicitly, never a package global.
type Store struct {
	mu      sync.RWMutex
	current Parameters
}

// NewStore seeds the store with the given record.
func NewStore(defaults Parameters) *Store {
	return &Store{current: defaults}
}

// Current returns a copy of the record.
func (s *Store) Current() Parameters {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// Update applies a partial patch keyed by wire names. Keys that fail coercion
// or validation are skipped and reported; every other key is still applied.
// Fields not named in the patch are left untouched.
func (s *Store) Update(patch map[string]any) (Parameters, []FieldError) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var fieldErrs []FieldError
	reject := func(field string, value any, err error) {
		fe := FieldError{Field: field, Value: value, Err: err}
		fieldErrs = append(fieldErrs, fe)
		log.Warn().Str("component", "params").Str("field", field).Err(err).Msg("parameter update rejected")
	}

	for field, value := range patch {
		switch field {
		case "exchange":
			str, err := toString(value)
			if err != nil {
				reject(field, value, err)
				continue
			}
			s.current.Exchange = str
		case "symbol":
			str, err := toString(value)
			if err != nil {
				reject(field, value, err)
				continue
			}
			s.current.Symbol = str
		case "order_type":
			str, err := toString(value)
			if err != nil {
				reject(field, value, err)
				continue
			}
			ot, err := ParseOrderType(str)
			if err != nil {
				reject(field, value, err)
				continue
			}
			s.current.OrderType = ot
		case "quantity":
			qty, err := toFloat(value)
			if err != nil {
				reject(field, value, err)
				continue
			}
			if qty <= 0 {
				reject(field, value, fmt.Errorf("quantity must be positive: %w", ErrInvalidParameterValue))
				continue
			}
			s.current.Quantity = qty
		case "volatility":
			vol, err := toFloat(value)
			if err != nil {
				reject(field, value, err)
				continue
			}
			if vol < 0 {
				reject(field, value, fmt.Errorf("volatility must be non-negative: %w", ErrInvalidParameterValue))
				continue
			}
			s.current.Volatility = vol
		case "fee_tier":
			str, err := toString(value)
			if err != nil {
				reject(field, value, err)
				continue
			}
			s.current.FeeTier = str
		default:
			reject(field, value, fmt.Errorf("unknown parameter: %w", ErrInvalidParameterValue))
		}
	}

	if len(fieldErrs) == 0 {
		log.Info().Str("component", "params").Interface("patch", patch).Msg("parameters updated")
	}
	return s.current, fieldErrs
}

func toString(v any) (string, error) {
	str, ok := v.(string)
	if !ok || strings.TrimSpace(str) == "" {
		return "", fmt.Errorf("want non-empty string, got %T: %w", v, ErrInvalidParameterValue)
	}
	return strings.TrimSpace(str), nil
}

func toFloat(v any) (float64, error) {
	switch t := v.(type) {
	case float64:
		return t, nil
	case float32:
		return float64(t), nil
	case int:
		return float64(t), nil
	case int64:
		return float64(t), nil
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return 0, fmt.Errorf("%q is not numeric: %w", t.String(), ErrInvalidParameterValue)
		}
		return f, nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		if err != nil {
			return 0, fmt.Errorf("%q is not numeric: %w", t, ErrInvalidParameterValue)
		}
		return f, nil
	default:
		return 0, fmt.Errorf("unsupported numeric type %T: %w", v, ErrInvalidParameterValue)
	}
}
