// Package market derives a competitor/opportunity score for a lead's region
// from its address and social handle, cached per lead with a freshness
// window.
package market

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/ekkle/salesos/agent/contract"
	"github.com/ekkle/salesos/store"
)

type Config struct {
	Freshness time.Duration `split_words:"true" default:"24h"`
}

// Neutral default used when scoring has nothing to work with or fails.
const (
	neutralCompetitors = 5
	neutralScore       = 3
)

// Service computes market analyses. The scoring heuristic is internal and
// replaceable; the caching and fallback contract is what callers rely on.
type Service struct {
	store contract.Store
	cfg   Config
	now   func() time.Time
}

func NewService(st contract.Store, cfg Config) *Service {
	if cfg.Freshness <= 0 {
		cfg.Freshness = 24 * time.Hour
	}
	return &Service{store: st, cfg: cfg, now: time.Now}
}

// SetClock overrides the time source. Tests only.
func (s *Service) SetClock(now func() time.Time) { s.now = now }

// ShouldAnalyze reports whether newly extracted facts warrant an analysis:
// address or social handle present in the new facts and absent from the
// lead's prior metadata. Repeat mentions do not re-trigger.
func ShouldAnalyze(prior map[string]any, facts contract.ExtractedFacts) bool {
	if facts.Address != "" && store.MetadataString(prior, "address") == "" {
		return true
	}
	if facts.Instagram != "" && store.MetadataString(prior, "instagram") == "" {
		return true
	}
	return false
}

// Analyze returns the lead's market analysis, reusing a stored one younger
// than the freshness window and generating a new one otherwise. It never
// fails outright: scoring problems yield the neutral default.
func (s *Service) Analyze(ctx context.Context, lead *store.Lead, address, instagram string) (*store.MarketAnalysis, error) {
	existing, err := s.store.LatestAnalysis(ctx, lead.ID, store.AnalysisTypeMarket)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		log.Warn().Err(err).Str("lead_id", lead.ID).Msg("market: cache lookup failed")
	}
	now := s.now().UTC()
	if existing != nil && now.Sub(existing.UpdatedAt) < s.cfg.Freshness {
		log.Debug().
			Str("lead_id", lead.ID).
			Time("analyzed_at", existing.UpdatedAt).
			Msg("market: reusing cached analysis")
		return existing, nil
	}

	analysis := s.score(lead, address, instagram, now)
	if err := s.store.CreateAnalysis(ctx, analysis); err != nil {
		return nil, fmt.Errorf("store analysis: %w", err)
	}
	log.Info().
		Str("lead_id", lead.ID).
		Int("competitors", analysis.CompetitorCount).
		Int("digital_score", analysis.DigitalScore).
		Str("opportunity", string(analysis.Opportunity)).
		Msg("market: analysis generated")
	return analysis, nil
}

// capitals where church density (and so competition) runs highest.
var capitals = []string{
	"são paulo", "sao paulo", "rio de janeiro", "belo horizonte", "brasília",
	"brasilia", "salvador", "fortaleza", "curitiba", "recife", "porto alegre",
	"manaus", "goiânia", "goiania", "belém", "belem",
}

func (s *Service) score(lead *store.Lead, address, instagram string, now time.Time) *store.MarketAnalysis {
	analysis := &store.MarketAnalysis{
		ID:              uuid.NewString(),
		LeadID:          lead.ID,
		AnalysisType:    store.AnalysisTypeMarket,
		Address:         address,
		Instagram:       instagram,
		CompetitorCount: neutralCompetitors,
		DigitalScore:    neutralScore,
		Opportunity:     store.OpportunityMedium,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	if address == "" && instagram == "" {
		analysis.RawData = map[string]any{
			"insights":        []string{"Sem dados de localização ou presença digital; usando estimativa neutra."},
			"recommendations": []string{"Coletar endereço e perfil do Instagram da igreja."},
		}
		return analysis
	}

	var insights, recommendations []string

	if address != "" {
		lowered := strings.ToLower(address)
		analysis.CompetitorCount = 6
		for _, capital := range capitals {
			if strings.Contains(lowered, capital) {
				analysis.CompetitorCount = 12
				break
			}
		}
		if analysis.CompetitorCount >= 10 {
			insights = append(insights, "Região de capital com alta densidade de igrejas e forte concorrência local.")
		} else {
			insights = append(insights, "Região com densidade moderada de igrejas.")
		}
	}

	if instagram != "" {
		analysis.DigitalScore = 7
		if strings.Contains(instagram, "igreja") || strings.Contains(instagram, "church") {
			analysis.DigitalScore = 8
		}
		insights = append(insights, "Igreja já mantém presença ativa no Instagram.")
		recommendations = append(recommendations, "Integrar o canal digital existente à comunicação com membros.")
	} else {
		analysis.DigitalScore = 2
		insights = append(insights, "Sem presença digital identificada.")
		recommendations = append(recommendations, "Estruturar presença digital básica antes de campanhas de engajamento.")
	}

	switch {
	case analysis.DigitalScore <= 4 && analysis.CompetitorCount >= 8:
		analysis.Opportunity = store.OpportunityHigh
		recommendations = append(recommendations, "Priorizar este lead: concorrência alta e pouca presença digital.")
	case analysis.DigitalScore >= 8:
		analysis.Opportunity = store.OpportunityLow
	default:
		analysis.Opportunity = store.OpportunityMedium
	}

	analysis.RawData = map[string]any{
		"insights":        insights,
		"recommendations": recommendations,
	}
	return analysis
}

// FormatForAgent renders the analysis as a prompt block for the BDR persona.
func FormatForAgent(a *store.MarketAnalysis) string {
	if a == nil {
		return ""
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "- Concorrentes estimados na região: %d\n", a.CompetitorCount)
	fmt.Fprintf(&sb, "- Presença digital (0-10): %d\n", a.DigitalScore)
	fmt.Fprintf(&sb, "- Oportunidade: %s\n", opportunityLabel(a.Opportunity))
	for _, insight := range rawInsights(a.RawData) {
		fmt.Fprintf(&sb, "- %s\n", insight)
	}
	return strings.TrimRight(sb.String(), "\n")
}

// rawInsights reads the insights list out of raw_data. The jsonb round-trip
// turns []string into []any, so both shapes are accepted.
func rawInsights(raw map[string]any) []string {
	var out []string
	switch v := raw["insights"].(type) {
	case []string:
		out = v
	case []any:
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
	}
	return out
}

func opportunityLabel(o store.Opportunity) string {
	switch o {
	case store.OpportunityHigh:
		return "alta"
	case store.OpportunityLow:
		return "baixa"
	default:
		return "média"
	}
}
