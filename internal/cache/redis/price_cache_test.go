package redis

import (
	"testing"
	"time"
)

func TestParsePriceFields(t *testing.T) {
	ts := time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)

	tests := []struct {
		name      string
		fields    map[string]string
		wantPrice float64
		wantTS    time.Time
		wantErr   bool
	}{
		{
			name:      "valid",
			fields:    map[string]string{"price": "0.47", "ts": "1773480413000"},
			wantPrice: 0.47,
			wantTS:    ts,
		},
		{
			name:    "missing price",
			fields:  map[string]string{"ts": "1773480413000"},
			wantErr: true,
		},
		{
			name:    "garbage ts",
			fields:  map[string]string{"price": "0.47", "ts": "soon"},
			wantErr: true,
		},
		{
			name:    "empty",
			fields:  map[string]string{},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			price, gotTS, err := parsePriceFields(tt.fields)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if price != tt.wantPrice {
				t.Errorf("price = %v, want %v", price, tt.wantPrice)
			}
			if !gotTS.Equal(tt.wantTS) {
				t.Errorf("ts = %v, want %v", gotTS, tt.wantTS)
			}
		})
	}
}

func TestPriceKey(t *testing.T) {
	if got := priceKey("123456"); got != "price:123456" {
		t.Errorf("priceKey = %q, want %q", got, "price:123456")
	}
}
