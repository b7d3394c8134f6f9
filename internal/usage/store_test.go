package usage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/driveline/al-assistant/internal/config"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "usage_test.db")
	s, err := NewStore(dbPath)
	if err != nil {
		t.Fatalf("NewStore(%q): %v", dbPath, err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRecordAndUserSummary(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	base := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

	records := []Record{
		{UserID: "user-a", ConversationID: "c1", Model: "gpt-4o-mini", Provider: "openai", InputTokens: 1000, OutputTokens: 200, CostCents: 3, Rounds: 1, CreatedAt: base},
		{UserID: "user-a", ConversationID: "c1", Model: "gpt-4o-mini", Provider: "openai", InputTokens: 2000, OutputTokens: 400, CostCents: 5, Rounds: 2, CreatedAt: base.Add(time.Hour)},
		{UserID: "user-b", ConversationID: "c2", Model: "gpt-4o-mini", Provider: "openai", InputTokens: 500, OutputTokens: 100, CostCents: 1, Rounds: 1, CreatedAt: base},
	}
	for _, rec := range records {
		if err := s.Record(ctx, rec); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	sum, err := s.UserSummary(ctx, "user-a", base.Add(-time.Hour), base.Add(24*time.Hour))
	if err != nil {
		t.Fatalf("UserSummary: %v", err)
	}
	if sum.TotalRecords != 2 {
		t.Errorf("TotalRecords = %d, want 2", sum.TotalRecords)
	}
	if sum.TotalInputTokens != 3000 {
		t.Errorf("TotalInputTokens = %d, want 3000", sum.TotalInputTokens)
	}
	if sum.TotalOutputTokens != 600 {
		t.Errorf("TotalOutputTokens = %d, want 600", sum.TotalOutputTokens)
	}
	if sum.TotalCostCents != 8 {
		t.Errorf("TotalCostCents = %d, want 8", sum.TotalCostCents)
	}
}

func TestUserSummary_WindowExcludesOutside(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	base := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)

	for i, ts := range []time.Time{base, base.Add(48 * time.Hour)} {
		rec := Record{UserID: "user-a", Model: "gpt-4o-mini", Provider: "openai", InputTokens: 100, OutputTokens: 10, CostCents: int64(i + 1), Rounds: 1, CreatedAt: ts}
		if err := s.Record(ctx, rec); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	sum, err := s.UserSummary(ctx, "user-a", base, base.Add(24*time.Hour))
	if err != nil {
		t.Fatalf("UserSummary: %v", err)
	}
	if sum.TotalRecords != 1 {
		t.Errorf("TotalRecords = %d, want 1 (window should exclude later record)", sum.TotalRecords)
	}
	if sum.TotalCostCents != 1 {
		t.Errorf("TotalCostCents = %d, want 1", sum.TotalCostCents)
	}
}

func TestSummaryByProvider(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	base := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

	recs := []Record{
		{UserID: "u", Model: "gpt-4o-mini", Provider: "openai", InputTokens: 100, OutputTokens: 10, CostCents: 4, Rounds: 1, CreatedAt: base},
		{UserID: "u", Model: "llama3", Provider: "fallback", InputTokens: 100, OutputTokens: 10, CostCents: 0, Rounds: 1, CreatedAt: base},
	}
	for _, rec := range recs {
		if err := s.Record(ctx, rec); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	byProvider, err := s.SummaryByProvider(ctx, base.Add(-time.Minute), base.Add(time.Minute))
	if err != nil {
		t.Fatalf("SummaryByProvider: %v", err)
	}
	if len(byProvider) != 2 {
		t.Fatalf("providers = %d, want 2", len(byProvider))
	}
	if byProvider["openai"].TotalCostCents != 4 {
		t.Errorf("openai cost = %d, want 4", byProvider["openai"].TotalCostCents)
	}
	if byProvider["fallback"].TotalCostCents != 0 {
		t.Errorf("fallback cost = %d, want 0", byProvider["fallback"].TotalCostCents)
	}
}

func TestComputeCostCents(t *testing.T) {
	pricing := map[string]config.PricingEntry{
		"gpt-4o-mini": {InputCentsPerMillion: 15, OutputCentsPerMillion: 60},
	}

	tests := []struct {
		name   string
		model  string
		input  int
		output int
		want   int64
	}{
		{"unknown model is free", "mystery", 1_000_000, 1_000_000, 0},
		{"zero tokens", "gpt-4o-mini", 0, 0, 0},
		{"exact million", "gpt-4o-mini", 1_000_000, 1_000_000, 75},
		{"fractional cents round up", "gpt-4o-mini", 1000, 200, 1},
		{"mixed", "gpt-4o-mini", 2_000_000, 500_000, 60},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ComputeCostCents(tt.model, tt.input, tt.output, pricing)
			if got != tt.want {
				t.Errorf("ComputeCostCents(%s, %d, %d) = %d, want %d", tt.model, tt.input, tt.output, got, tt.want)
			}
		})
	}
}
