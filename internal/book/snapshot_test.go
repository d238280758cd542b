package book

import (
	"encoding/json"
	"errors"
	"math"
	"testing"
)

func TestDecodeSnapshot(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		wantErr bool
		check   func(t *testing.T, s *Snapshot)
	}{
		{
			name:    "string pair levels",
			payload: `{"timestamp":"2025-01-15T10:30:00.123456Z","exchange":"OKX","symbol":"BTC-USDT-SWAP","bids":[["99.0","1.0"],["98.0","2.0"]],"asks":[["100.0","1.0"],["101.0","2.0"]]}`,
			check: func(t *testing.T, s *Snapshot) {
				if s.Exchange != "OKX" || s.Symbol != "BTC-USDT-SWAP" {
					t.Errorf("identity fields wrong: %q %q", s.Exchange, s.Symbol)
				}
				if s.Timestamp.IsZero() {
					t.Error("timestamp not parsed")
				}
				if len(s.Bids) != 2 || len(s.Asks) != 2 {
					t.Fatalf("level counts wrong: %d bids, %d asks", len(s.Bids), len(s.Asks))
				}
				if s.Asks[0].Price != 100.0 || s.Asks[0].Size != 1.0 {
					t.Errorf("best ask = %+v", s.Asks[0])
				}
			},
		},
		{
			name:    "numeric pair levels",
			payload: `{"exchange":"OKX","symbol":"BTC-USDT-SWAP","bids":[[99.5,1]],"asks":[[100.5,2]]}`,
			check: func(t *testing.T, s *Snapshot) {
				if s.Bids[0].Price != 99.5 || s.Asks[0].Size != 2 {
					t.Errorf("numeric levels wrong: %+v %+v", s.Bids[0], s.Asks[0])
				}
			},
		},
		{
			name:    "unsorted sides are normalized",
			payload: `{"bids":[["98","1"],["99","1"]],"asks":[["101","1"],["100","1"]]}`,
			check: func(t *testing.T, s *Snapshot) {
				if s.Bids[0].Price != 99 {
					t.Errorf("bids not descending: %+v", s.Bids)
				}
				if s.Asks[0].Price != 100 {
					t.Errorf("asks not ascending: %+v", s.Asks)
				}
			},
		},
		{
			name:    "missing sides decode but fail validation",
			payload: `{"exchange":"OKX","symbol":"BTC-USDT-SWAP"}`,
			check: func(t *testing.T, s *Snapshot) {
				if err := s.Validate(); !errors.Is(err, ErrInvalidOrderbook) {
					t.Errorf("Validate() = %v, want ErrInvalidOrderbook", err)
				}
			},
		},
		{
			name:    "non-numeric level element",
			payload: `{"bids":[["abc","1"]],"asks":[["100","1"]]}`,
			wantErr: true,
		},
		{
			name:    "negative price rejected",
			payload: `{"bids":[["-1","1"]],"asks":[["100","1"]]}`,
			wantErr: true,
		},
		{
			name:    "short level rejected",
			payload: `{"bids":[["99"]],"asks":[["100","1"]]}`,
			wantErr: true,
		},
		{
			name:    "not json",
			payload: `hello`,
			wantErr: true,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			s, err := DecodeSnapshot([]byte(tc.payload))
			if tc.wantErr {
				if err == nil {
					t.Fatal("expected decode error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("DecodeSnapshot() error = %v", err)
			}
			if tc.check != nil {
				tc.check(t, s)
			}
		})
	}
}

func TestPriceLevelObjectForm(t *testing.T) {
	// Object form is what Snapshot marshals to; it must decode back.
	out, err := json.Marshal(PriceLevel{Price: 100.5, Size: 2})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var back PriceLevel
	if err := json.Unmarshal(out, &back); err != nil {
		t.Fatalf("unmarshal object form: %v", err)
	}
	if back.Price != 100.5 || back.Size != 2 {
		t.Errorf("round trip = %+v", back)
	}
}

func TestSnapshotMeasures(t *testing.T) {
	s := &Snapshot{
		Bids: []PriceLevel{{Price: 99, Size: 1}, {Price: 98, Size: 2}},
		Asks: []PriceLevel{{Price: 100, Size: 1}, {Price: 101, Size: 2}},
	}

	mid, err := s.MidPrice()
	if err != nil {
		t.Fatalf("MidPrice() error = %v", err)
	}
	if mid != 99.5 {
		t.Errorf("MidPrice() = %v, want 99.5", mid)
	}

	spread, err := s.SpreadBps()
	if err != nil {
		t.Fatalf("SpreadBps() error = %v", err)
	}
	want := 1.0 / 99.5 * 10000
	if math.Abs(spread-want) > 1e-9 {
		t.Errorf("SpreadBps() = %v, want %v", spread, want)
	}

	if got := s.DepthUSD(Ask, 5); got != 100+202 {
		t.Errorf("ask DepthUSD = %v, want 302", got)
	}
	if got := s.DepthUSD(Bid, 1); got != 99 {
		t.Errorf("bid DepthUSD top-1 = %v, want 99", got)
	}

	bid := s.DepthUSD(Bid, 5)
	ask := s.DepthUSD(Ask, 5)
	wantImb := (bid - ask) / (bid + ask)
	if got := s.Imbalance(5); math.Abs(got-wantImb) > 1e-12 {
		t.Errorf("Imbalance = %v, want %v", got, wantImb)
	}
}

func TestSnapshotDegenerate(t *testing.T) {
	var nilSnap *Snapshot
	if err := nilSnap.Validate(); !errors.Is(err, ErrInvalidOrderbook) {
		t.Errorf("nil Validate() = %v, want ErrInvalidOrderbook", err)
	}
	if _, ok := nilSnap.BestBid(); ok {
		t.Error("nil BestBid() reported ok")
	}
	if got := nilSnap.DepthUSD(Ask, 5); got != 0 {
		t.Errorf("nil DepthUSD = %v, want 0", got)
	}

	empty := &Snapshot{}
	if got := empty.Imbalance(5); got != 0 {
		t.Errorf("empty Imbalance = %v, want 0", got)
	}
	if _, err := empty.MidPrice(); !errors.Is(err, ErrInvalidOrderbook) {
		t.Errorf("empty MidPrice() err = %v, want ErrInvalidOrderbook", err)
	}
}
