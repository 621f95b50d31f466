package notify

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/marcusholm/polyscan/internal/domain"
)

type recordingSender struct {
	name   string
	titles []string
	bodies []string
	err    error
}

func (r *recordingSender) Send(_ context.Context, title, message string) error {
	if r.err != nil {
		return r.err
	}
	r.titles = append(r.titles, title)
	r.bodies = append(r.bodies, message)
	return nil
}

func (r *recordingSender) Name() string { return r.name }

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNotifyEventFilter(t *testing.T) {
	tests := []struct {
		name      string
		allowed   []string
		event     string
		delivered bool
	}{
		{"allowed event passes", []string{EventOpportunity}, EventOpportunity, true},
		{"other event filtered", []string{EventOpportunity}, EventScanError, false},
		{"empty filter allows all", nil, EventMonitorDown, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := &recordingSender{name: "test"}
			n := NewNotifier([]Sender{s}, tt.allowed, discardLogger())

			if err := n.Notify(context.Background(), tt.event, "title", "body"); err != nil {
				t.Fatalf("Notify: %v", err)
			}
			got := len(s.titles) == 1
			if got != tt.delivered {
				t.Errorf("delivered = %v, want %v", got, tt.delivered)
			}
		})
	}
}

func TestDispatchContinuesPastFailedSender(t *testing.T) {
	bad := &recordingSender{name: "bad", err: errors.New("boom")}
	good := &recordingSender{name: "good"}
	n := NewNotifier([]Sender{bad, good}, nil, discardLogger())

	err := n.Notify(context.Background(), EventExecution, "t", "m")
	if err == nil {
		t.Fatal("expected combined error from failing sender")
	}
	if !strings.Contains(err.Error(), "bad") {
		t.Errorf("error should name the failed sender, got %v", err)
	}
	if len(good.titles) != 1 {
		t.Errorf("good sender should still receive the message, got %d", len(good.titles))
	}
}

func TestMatchesFoundFormatting(t *testing.T) {
	s := &recordingSender{name: "test"}
	n := NewNotifier([]Sender{s}, []string{EventOpportunity}, discardLogger())

	n.MatchesFound(context.Background(), []domain.StrategyMatch{
		{
			Strategy:        domain.StrategyArbitrageShort,
			Confidence:      domain.ConfidenceHigh,
			Question:        "Will it rain tomorrow?",
			EstimatedProfit: 1.73,
			PriceSum:        1.04,
			Source:          domain.MatchSourceScan,
		},
	})

	if len(s.bodies) != 1 {
		t.Fatalf("expected 1 delivery, got %d", len(s.bodies))
	}
	body := s.bodies[0]
	for _, want := range []string{"ARBITRAGE_SHORT", "HIGH", "Will it rain tomorrow?", "$1.73"} {
		if !strings.Contains(body, want) {
			t.Errorf("body missing %q:\n%s", want, body)
		}
	}
	if s.titles[0] != "1 opportunity found" {
		t.Errorf("title = %q", s.titles[0])
	}
}

func TestMatchesFoundEmptyIsNoop(t *testing.T) {
	s := &recordingSender{name: "test"}
	n := NewNotifier([]Sender{s}, nil, discardLogger())
	n.MatchesFound(context.Background(), nil)
	if len(s.titles) != 0 {
		t.Errorf("expected no delivery for empty match list")
	}
}
