// Package memory assembles the bounded conversation context for completion
// calls and maintains the per-lead rolling summary.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/ekkle/salesos/agent/contract"
	"github.com/ekkle/salesos/agent/prompt"
	"github.com/ekkle/salesos/pkg/kimi"
	"github.com/ekkle/salesos/store"
)

type Config struct {
	RecentLimit      int `split_words:"true" default:"10"`
	SummaryThreshold int `split_words:"true" default:"20"`
	DriftThreshold   int `split_words:"true" default:"10"`
	SummaryFetch     int `split_words:"true" default:"100"`
}

// Builder produces a single text context from lead attributes, collected
// metadata, the rolling summary, and the most recent messages. Build never
// fails: on any store or model error it degrades to a minimal context.
type Builder struct {
	store     contract.Store
	completer contract.Completer
	prompts   *prompt.Library
	cfg       Config
	now       func() time.Time
}

func NewBuilder(st contract.Store, completer contract.Completer, prompts *prompt.Library, cfg Config) *Builder {
	if cfg.RecentLimit <= 0 {
		cfg.RecentLimit = 10
	}
	if cfg.SummaryThreshold <= 0 {
		cfg.SummaryThreshold = 20
	}
	if cfg.DriftThreshold <= 0 {
		cfg.DriftThreshold = 10
	}
	if cfg.SummaryFetch <= 0 {
		cfg.SummaryFetch = 100
	}
	return &Builder{
		store:     st,
		completer: completer,
		prompts:   prompts,
		cfg:       cfg,
		now:       time.Now,
	}
}

// Build assembles the context sections in order: lead info, collected
// metadata, summary with key points, recent messages.
func (b *Builder) Build(ctx context.Context, lead *store.Lead) string {
	total, err := b.store.CountConversations(ctx, lead.ID)
	if err != nil {
		log.Error().Err(err).Str("lead_id", lead.ID).Msg("memory: count failed")
		return b.degraded(lead)
	}

	recent, err := b.store.RecentConversations(ctx, lead.ID, b.cfg.RecentLimit)
	if err != nil {
		log.Error().Err(err).Str("lead_id", lead.ID).Msg("memory: recent fetch failed")
		return b.degraded(lead)
	}

	summary, err := b.store.GetSummary(ctx, lead.ID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			log.Error().Err(err).Str("lead_id", lead.ID).Msg("memory: summary fetch failed")
		}
		summary = nil
	}

	if b.shouldSummarize(total, summary) {
		if fresh, err := b.summarize(ctx, lead, total); err != nil {
			log.Warn().Err(err).Str("lead_id", lead.ID).Msg("memory: summarization failed")
		} else {
			summary = fresh
		}
	}

	var sb strings.Builder
	writeLeadInfo(&sb, lead)
	writeMetadata(&sb, lead.Metadata)
	writeSummary(&sb, summary)
	writeRecent(&sb, recent)
	return sb.String()
}

// shouldSummarize fires when no summary exists and history passed the
// threshold, or when history drifted past the drift threshold since the last
// summary.
func (b *Builder) shouldSummarize(total int, summary *store.ConversationSummary) bool {
	if summary == nil {
		return total > b.cfg.SummaryThreshold
	}
	return total-summary.MessagesCount > b.cfg.DriftThreshold
}

type summaryPayload struct {
	Summary   string   `json:"summary"`
	KeyPoints []string `json:"key_points"`
}

func (b *Builder) summarize(ctx context.Context, lead *store.Lead, total int) (*store.ConversationSummary, error) {
	history, err := b.store.RecentConversations(ctx, lead.ID, b.cfg.SummaryFetch)
	if err != nil {
		return nil, fmt.Errorf("fetch history: %w", err)
	}
	if len(history) == 0 {
		return nil, fmt.Errorf("no history to summarize")
	}

	lines := make([]prompt.MessageLine, 0, len(history))
	for _, msg := range history {
		lines = append(lines, prompt.MessageLine{Speaker: speaker(msg), Text: msg.Message})
	}
	instruction, err := b.prompts.Summarizer(prompt.SummaryData{
		MessageCount: len(history),
		Messages:     lines,
	})
	if err != nil {
		return nil, err
	}

	result, err := b.completer.Complete(ctx, []kimi.Message{
		{Role: kimi.RoleUser, Content: instruction},
	}, kimi.Options{Temperature: kimi.Temp(0.3)})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", contract.ErrModelInvoke, err)
	}

	var payload summaryPayload
	if err := contract.DecodeModelJSON(result.Content, &payload); err != nil {
		return nil, err
	}
	if strings.TrimSpace(payload.Summary) == "" {
		return nil, fmt.Errorf("%w: empty summary", contract.ErrSchemaViolation)
	}

	now := b.now().UTC()
	summary := &store.ConversationSummary{
		ID:            uuid.NewString(),
		LeadID:        lead.ID,
		Summary:       payload.Summary,
		MessagesCount: total,
		KeyPoints:     payload.KeyPoints,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if len(history) > 0 {
		summary.LastMessageID = history[len(history)-1].ID
	}
	if err := b.store.UpsertSummary(ctx, summary); err != nil {
		return nil, fmt.Errorf("upsert summary: %w", err)
	}
	log.Info().
		Str("lead_id", lead.ID).
		Int("messages", total).
		Msg("memory: summary refreshed")
	return summary, nil
}

func (b *Builder) degraded(lead *store.Lead) string {
	var sb strings.Builder
	writeLeadInfo(&sb, lead)
	sb.WriteString("\nHistórico da conversa indisponível no momento.\n")
	return sb.String()
}

func writeLeadInfo(sb *strings.Builder, lead *store.Lead) {
	sb.WriteString("Informações do lead:\n")
	if lead.Name != "" {
		fmt.Fprintf(sb, "- Nome: %s\n", lead.Name)
	}
	if lead.ChurchName != "" {
		fmt.Fprintf(sb, "- Igreja: %s\n", lead.ChurchName)
	}
	fmt.Fprintf(sb, "- Telefone: %s\n", lead.Phone)
	fmt.Fprintf(sb, "- Status: %s\n", lead.Status)
	fmt.Fprintf(sb, "- Temperatura: %s\n", lead.Temperature)
}

func writeMetadata(sb *strings.Builder, metadata map[string]any) {
	if len(metadata) == 0 {
		return
	}
	keys := make([]string, 0, len(metadata))
	for k := range metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	sb.WriteString("\nDados coletados:\n")
	for _, k := range keys {
		fmt.Fprintf(sb, "- %s: %v\n", k, metadata[k])
	}
}

func writeSummary(sb *strings.Builder, summary *store.ConversationSummary) {
	if summary == nil || summary.Summary == "" {
		return
	}
	sb.WriteString("\nResumo da conversa até aqui:\n")
	sb.WriteString(summary.Summary)
	sb.WriteString("\n")
	if len(summary.KeyPoints) > 0 {
		sb.WriteString("Pontos-chave:\n")
		for _, point := range summary.KeyPoints {
			fmt.Fprintf(sb, "- %s\n", point)
		}
	}
}

func writeRecent(sb *strings.Builder, recent []store.Conversation) {
	if len(recent) == 0 {
		return
	}
	sb.WriteString("\nMensagens recentes:\n")
	for _, msg := range recent {
		fmt.Fprintf(sb, "%s: %s\n", speaker(msg), msg.Message)
	}
}

func speaker(msg store.Conversation) string {
	if msg.Direction == store.DirectionInbound {
		return "Lead"
	}
	return "Agente"
}
