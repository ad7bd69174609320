package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"
)

var (
	ErrNotFound     = errors.New("record not found")
	ErrInvalidInput = errors.New("invalid input")
)

const AnalysisTypeMarket = "market_analysis"

type Config struct {
	DSN          string        `envconfig:"DSN" split_words:"true" required:"true"`
	MaxOpenConns int           `envconfig:"MAX_OPEN_CONNS" split_words:"true" default:"10"`
	Timeout      time.Duration `envconfig:"TIMEOUT" split_words:"true" default:"10s"`
}

// Postgres is the durable store shared by the webhook, queue, and worker.
type Postgres struct {
	db  *bun.DB
	now func() time.Time
}

func NewPostgres(cfg Config) (*Postgres, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("postgres dsn is required")
	}

	sqldb := sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(dsn)))
	if cfg.MaxOpenConns > 0 {
		sqldb.SetMaxOpenConns(cfg.MaxOpenConns)
	}

	return &Postgres{
		db:  bun.NewDB(sqldb, pgdialect.New()),
		now: time.Now,
	}, nil
}

func MustNewPostgres(cfg Config) *Postgres {
	s, err := NewPostgres(cfg)
	if err != nil {
		panic(err)
	}
	return s
}

// DB exposes the underlying bun handle so the queue's job table can share
// the connection pool.
func (s *Postgres) DB() *bun.DB { return s.db }

func (s *Postgres) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Postgres) Close() error {
	return s.db.Close()
}

/* -------------------------------- Leads -------------------------------- */

// GetOrCreateLeadByPhone resolves the lead for a phone number, creating it
// with default funnel state on first contact. The insert races safely: on a
// phone conflict it falls back to re-reading the winner's row.
func (s *Postgres) GetOrCreateLeadByPhone(ctx context.Context, phone, name string) (*Lead, bool, error) {
	phone = strings.TrimSpace(phone)
	if phone == "" {
		return nil, false, fmt.Errorf("%w: phone is empty", ErrInvalidInput)
	}

	lead, err := s.findLeadByPhone(ctx, phone)
	if err == nil {
		return lead, false, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, false, err
	}

	now := s.now().UTC()
	fresh := &Lead{
		ID:            uuid.NewString(),
		Phone:         phone,
		Name:          strings.TrimSpace(name),
		Status:        LeadStatusNew,
		Temperature:   TemperatureCold,
		AssignedAgent: AgentSDR,
		Metadata:      map[string]any{},
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	res, err := s.db.NewInsert().
		Model(fresh).
		On("CONFLICT (phone) DO NOTHING").
		Exec(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("insert lead: %w", err)
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		// Another worker created it between our read and insert.
		existing, err := s.findLeadByPhone(ctx, phone)
		if err != nil {
			return nil, false, err
		}
		return existing, false, nil
	}

	log.Info().Str("lead_id", fresh.ID).Str("phone", phone).Msg("lead created")
	return fresh, true, nil
}

func (s *Postgres) findLeadByPhone(ctx context.Context, phone string) (*Lead, error) {
	lead := new(Lead)
	err := s.db.NewSelect().Model(lead).Where("phone = ?", phone).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select lead by phone: %w", err)
	}
	return lead, nil
}

func (s *Postgres) GetLead(ctx context.Context, id string) (*Lead, error) {
	lead := new(Lead)
	err := s.db.NewSelect().Model(lead).Where("l.id = ?", id).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select lead: %w", err)
	}
	return lead, nil
}

// UpdateLead writes the lead's mutable fields. Last writer wins; the funnel
// fields advance monotonically and metadata is additively merged upstream,
// so the narrow race window is acceptable.
func (s *Postgres) UpdateLead(ctx context.Context, lead *Lead) error {
	if lead == nil || lead.ID == "" {
		return fmt.Errorf("%w: lead id is empty", ErrInvalidInput)
	}
	lead.UpdatedAt = s.now().UTC()
	_, err := s.db.NewUpdate().
		Model(lead).
		Column("name", "church_name", "status", "temperature", "assigned_agent", "metadata", "updated_at").
		WherePK().
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("update lead: %w", err)
	}
	return nil
}

func (s *Postgres) CountLeads(ctx context.Context) (int, error) {
	return s.db.NewSelect().Model((*Lead)(nil)).Count(ctx)
}

/* ---------------------------- Conversations ----------------------------- */

func (s *Postgres) CreateConversation(ctx context.Context, conv *Conversation) error {
	if conv == nil || conv.LeadID == "" {
		return fmt.Errorf("%w: conversation lead id is empty", ErrInvalidInput)
	}
	if conv.ID == "" {
		conv.ID = uuid.NewString()
	}
	if conv.Metadata == nil {
		conv.Metadata = map[string]any{}
	}
	if conv.CreatedAt.IsZero() {
		conv.CreatedAt = s.now().UTC()
	}
	if _, err := s.db.NewInsert().Model(conv).Exec(ctx); err != nil {
		return fmt.Errorf("insert conversation: %w", err)
	}
	return nil
}

// RecentConversations returns the last N messages in chronological order.
func (s *Postgres) RecentConversations(ctx context.Context, leadID string, limit int) ([]Conversation, error) {
	if limit <= 0 {
		limit = 10
	}
	var rows []Conversation
	err := s.db.NewSelect().
		Model(&rows).
		Where("lead_id = ?", leadID).
		Order("created_at DESC").
		Limit(limit).
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("select recent conversations: %w", err)
	}
	// Oldest first for prompt assembly.
	for i, j := 0, len(rows)-1; i < j; i, j = i+1, j-1 {
		rows[i], rows[j] = rows[j], rows[i]
	}
	return rows, nil
}

func (s *Postgres) CountConversations(ctx context.Context, leadID string) (int, error) {
	return s.db.NewSelect().
		Model((*Conversation)(nil)).
		Where("lead_id = ?", leadID).
		Count(ctx)
}

// HasInboundMessageID reports whether a provider message id was already
// stored for this lead. This is the pipeline's idempotency check.
func (s *Postgres) HasInboundMessageID(ctx context.Context, leadID, messageID string) (bool, error) {
	if strings.TrimSpace(messageID) == "" {
		return false, nil
	}
	return s.db.NewSelect().
		Model((*Conversation)(nil)).
		Where("lead_id = ?", leadID).
		Where("direction = ?", DirectionInbound).
		Where("metadata->>'message_id' = ?", messageID).
		Exists(ctx)
}

/* ------------------------------ Executions ------------------------------ */

func (s *Postgres) CreateExecution(ctx context.Context, exec *AgentExecution) error {
	if exec == nil || exec.LeadID == "" {
		return fmt.Errorf("%w: execution lead id is empty", ErrInvalidInput)
	}
	if exec.ID == "" {
		exec.ID = uuid.NewString()
	}
	if exec.Status == "" {
		exec.Status = ExecutionStarted
	}
	if exec.Metadata == nil {
		exec.Metadata = map[string]any{}
	}
	if exec.CreatedAt.IsZero() {
		exec.CreatedAt = s.now().UTC()
	}
	if _, err := s.db.NewInsert().Model(exec).Exec(ctx); err != nil {
		return fmt.Errorf("insert execution: %w", err)
	}
	return nil
}

func (s *Postgres) UpdateExecution(ctx context.Context, exec *AgentExecution) error {
	if exec == nil || exec.ID == "" {
		return fmt.Errorf("%w: execution id is empty", ErrInvalidInput)
	}
	_, err := s.db.NewUpdate().
		Model(exec).
		Column("output_message", "intent_detected", "tokens_used", "execution_time_ms", "status", "error_message", "metadata").
		WherePK().
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("update execution: %w", err)
	}
	return nil
}

/* ------------------------------- Summaries ------------------------------ */

func (s *Postgres) GetSummary(ctx context.Context, leadID string) (*ConversationSummary, error) {
	summary := new(ConversationSummary)
	err := s.db.NewSelect().Model(summary).Where("lead_id = ?", leadID).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select summary: %w", err)
	}
	return summary, nil
}

// UpsertSummary creates or replaces the single summary row for a lead.
func (s *Postgres) UpsertSummary(ctx context.Context, summary *ConversationSummary) error {
	if summary == nil || summary.LeadID == "" {
		return fmt.Errorf("%w: summary lead id is empty", ErrInvalidInput)
	}
	now := s.now().UTC()
	if summary.ID == "" {
		summary.ID = uuid.NewString()
	}
	if summary.CreatedAt.IsZero() {
		summary.CreatedAt = now
	}
	summary.UpdatedAt = now
	if summary.KeyPoints == nil {
		summary.KeyPoints = []string{}
	}

	_, err := s.db.NewInsert().
		Model(summary).
		On("CONFLICT (lead_id) DO UPDATE").
		Set("summary = EXCLUDED.summary").
		Set("messages_count = EXCLUDED.messages_count").
		Set("last_message_id = EXCLUDED.last_message_id").
		Set("key_points = EXCLUDED.key_points").
		Set("updated_at = EXCLUDED.updated_at").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("upsert summary: %w", err)
	}
	return nil
}

/* ------------------------------- Analyses ------------------------------- */

func (s *Postgres) LatestAnalysis(ctx context.Context, leadID, analysisType string) (*MarketAnalysis, error) {
	analysis := new(MarketAnalysis)
	err := s.db.NewSelect().
		Model(analysis).
		Where("lead_id = ?", leadID).
		Where("analysis_type = ?", analysisType).
		Order("created_at DESC").
		Limit(1).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select analysis: %w", err)
	}
	return analysis, nil
}

func (s *Postgres) CreateAnalysis(ctx context.Context, analysis *MarketAnalysis) error {
	if analysis == nil || analysis.LeadID == "" {
		return fmt.Errorf("%w: analysis lead id is empty", ErrInvalidInput)
	}
	now := s.now().UTC()
	if analysis.ID == "" {
		analysis.ID = uuid.NewString()
	}
	if analysis.AnalysisType == "" {
		analysis.AnalysisType = AnalysisTypeMarket
	}
	if analysis.RawData == nil {
		analysis.RawData = map[string]any{}
	}
	if analysis.CreatedAt.IsZero() {
		analysis.CreatedAt = now
	}
	analysis.UpdatedAt = now
	if _, err := s.db.NewInsert().Model(analysis).Exec(ctx); err != nil {
		return fmt.Errorf("insert analysis: %w", err)
	}
	return nil
}
