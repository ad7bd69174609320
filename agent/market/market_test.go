package market

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/ekkle/salesos/agent/contract"
	"github.com/ekkle/salesos/store"
)

type fakeStore struct {
	latest    *store.MarketAnalysis
	latestErr error
	created   *store.MarketAnalysis
	createErr error
}

func (f *fakeStore) GetOrCreateLeadByPhone(ctx context.Context, phone, name string) (*store.Lead, bool, error) {
	return nil, false, nil
}
func (f *fakeStore) GetLead(ctx context.Context, id string) (*store.Lead, error) { return nil, nil }
func (f *fakeStore) UpdateLead(ctx context.Context, lead *store.Lead) error      { return nil }
func (f *fakeStore) CreateConversation(ctx context.Context, conv *store.Conversation) error {
	return nil
}
func (f *fakeStore) RecentConversations(ctx context.Context, leadID string, limit int) ([]store.Conversation, error) {
	return nil, nil
}
func (f *fakeStore) CountConversations(ctx context.Context, leadID string) (int, error) {
	return 0, nil
}
func (f *fakeStore) HasInboundMessageID(ctx context.Context, leadID, messageID string) (bool, error) {
	return false, nil
}
func (f *fakeStore) CreateExecution(ctx context.Context, exec *store.AgentExecution) error {
	return nil
}
func (f *fakeStore) UpdateExecution(ctx context.Context, exec *store.AgentExecution) error {
	return nil
}
func (f *fakeStore) GetSummary(ctx context.Context, leadID string) (*store.ConversationSummary, error) {
	return nil, store.ErrNotFound
}
func (f *fakeStore) UpsertSummary(ctx context.Context, summary *store.ConversationSummary) error {
	return nil
}
func (f *fakeStore) LatestAnalysis(ctx context.Context, leadID, analysisType string) (*store.MarketAnalysis, error) {
	if f.latestErr != nil {
		return nil, f.latestErr
	}
	if f.latest == nil {
		return nil, store.ErrNotFound
	}
	return f.latest, nil
}
func (f *fakeStore) CreateAnalysis(ctx context.Context, analysis *store.MarketAnalysis) error {
	if f.createErr != nil {
		return f.createErr
	}
	f.created = analysis
	return nil
}

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func testService(st *fakeStore, now time.Time) *Service {
	svc := NewService(st, Config{})
	svc.SetClock(fixedClock(now))
	return svc
}

func TestAnalyzeReusesFreshAnalysis(t *testing.T) {
	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	cached := &store.MarketAnalysis{
		ID: "an-1", LeadID: "lead-1", AnalysisType: store.AnalysisTypeMarket,
		CompetitorCount: 9, DigitalScore: 4, Opportunity: store.OpportunityHigh,
		UpdatedAt: now.Add(-23 * time.Hour),
	}
	st := &fakeStore{latest: cached}

	got, err := testService(st, now).Analyze(context.Background(), &store.Lead{ID: "lead-1"}, "Campinas", "")
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	if got.ID != "an-1" {
		t.Fatalf("got new analysis %s, want cached an-1", got.ID)
	}
	if st.created != nil {
		t.Fatal("fresh analysis regenerated")
	}
}

func TestAnalyzeRegeneratesStaleAnalysis(t *testing.T) {
	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	st := &fakeStore{latest: &store.MarketAnalysis{
		ID: "an-1", LeadID: "lead-1", AnalysisType: store.AnalysisTypeMarket,
		UpdatedAt: now.Add(-25 * time.Hour),
	}}

	got, err := testService(st, now).Analyze(context.Background(), &store.Lead{ID: "lead-1"}, "Rua A, Campinas", "@igrejavida")
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	if got.ID == "an-1" {
		t.Fatal("stale analysis reused")
	}
	if st.created == nil {
		t.Fatal("regenerated analysis not stored")
	}
}

func TestAnalyzeNeutralFallbackWithoutData(t *testing.T) {
	st := &fakeStore{}

	got, err := testService(st, time.Now()).Analyze(context.Background(), &store.Lead{ID: "lead-1"}, "", "")
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	if got.CompetitorCount != 5 || got.DigitalScore != 3 || got.Opportunity != store.OpportunityMedium {
		t.Fatalf("got {%d, %d, %s}, want neutral {5, 3, medium}",
			got.CompetitorCount, got.DigitalScore, got.Opportunity)
	}
}

func TestAnalyzeSurvivesCacheLookupError(t *testing.T) {
	st := &fakeStore{latestErr: errors.New("db down")}

	got, err := testService(st, time.Now()).Analyze(context.Background(), &store.Lead{ID: "lead-1"}, "São Paulo", "")
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	if got == nil {
		t.Fatal("no analysis returned")
	}
}

func TestCapitalAddressWithoutDigitalPresenceIsHighOpportunity(t *testing.T) {
	st := &fakeStore{}

	got, err := testService(st, time.Now()).Analyze(context.Background(), &store.Lead{ID: "lead-1"}, "Av. Paulista, São Paulo - SP", "")
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	if got.CompetitorCount < 8 {
		t.Errorf("competitors = %d, want capital-level count", got.CompetitorCount)
	}
	if got.Opportunity != store.OpportunityHigh {
		t.Errorf("opportunity = %s, want high", got.Opportunity)
	}
}

func TestShouldAnalyzeFirstTimeCollectionOnly(t *testing.T) {
	cases := []struct {
		name  string
		prior map[string]any
		facts contract.ExtractedFacts
		want  bool
	}{
		{"new address", nil, contract.ExtractedFacts{Address: "Rua A"}, true},
		{"new instagram", map[string]any{}, contract.ExtractedFacts{Instagram: "@igreja"}, true},
		{"address already known", map[string]any{"address": "Rua A"}, contract.ExtractedFacts{Address: "Rua B"}, false},
		{"instagram already known", map[string]any{"instagram": "@igreja"}, contract.ExtractedFacts{Instagram: "@outra"}, false},
		{"no geo or social facts", map[string]any{}, contract.ExtractedFacts{City: "Campinas"}, false},
		{"nothing extracted", map[string]any{}, contract.ExtractedFacts{}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := ShouldAnalyze(tc.prior, tc.facts); got != tc.want {
				t.Fatalf("got %v, want %v", got, tc.want)
			}
		})
	}
}

func TestFormatForAgent(t *testing.T) {
	block := FormatForAgent(&store.MarketAnalysis{
		CompetitorCount: 12,
		DigitalScore:    2,
		Opportunity:     store.OpportunityHigh,
		RawData:         map[string]any{"insights": []string{"Sem presença digital identificada."}},
	})
	for _, want := range []string{"12", "2", "alta", "Sem presença digital"} {
		if !strings.Contains(block, want) {
			t.Errorf("block missing %q:\n%s", want, block)
		}
	}
	if FormatForAgent(nil) != "" {
		t.Error("nil analysis should format to empty string")
	}
}

func TestFormatForAgentSurvivesJSONBRoundTrip(t *testing.T) {
	analysis := &store.MarketAnalysis{
		CompetitorCount: 6,
		DigitalScore:    7,
		Opportunity:     store.OpportunityMedium,
		RawData: map[string]any{
			"insights": []string{"Região com densidade moderada de igrejas."},
		},
	}

	raw, err := json.Marshal(analysis.RawData)
	if err != nil {
		t.Fatalf("marshal raw data: %v", err)
	}
	analysis.RawData = nil
	if err := json.Unmarshal(raw, &analysis.RawData); err != nil {
		t.Fatalf("unmarshal raw data: %v", err)
	}

	block := FormatForAgent(analysis)
	if !strings.Contains(block, "densidade moderada") {
		t.Fatalf("insight dropped after round trip:\n%s", block)
	}
}
