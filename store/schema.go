package store

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
)

// CreateSchema creates the tables and indexes used by the pipeline. Safe to
// run repeatedly.
func (s *Postgres) CreateSchema(ctx context.Context) error {
	models := []any{
		(*Lead)(nil),
		(*Conversation)(nil),
		(*AgentExecution)(nil),
		(*ConversationSummary)(nil),
		(*MarketAnalysis)(nil),
	}

	for _, model := range models {
		if _, err := s.db.NewCreateTable().
			Model(model).
			IfNotExists().
			Exec(ctx); err != nil {
			return fmt.Errorf("create table for %T: %w", model, err)
		}
	}

	indexes := []struct {
		name    string
		model   any
		columns []string
	}{
		{"idx_conversations_lead_created", (*Conversation)(nil), []string{"lead_id", "created_at"}},
		{"idx_agent_executions_lead", (*AgentExecution)(nil), []string{"lead_id"}},
		{"idx_analytics_lead_type", (*MarketAnalysis)(nil), []string{"lead_id", "analysis_type"}},
	}
	for _, idx := range indexes {
		q := s.db.NewCreateIndex().
			Model(idx.model).
			IfNotExists().
			Index(idx.name)
		for _, col := range idx.columns {
			q = q.Column(col)
		}
		if _, err := q.Exec(ctx); err != nil {
			return fmt.Errorf("create index %s: %w", idx.name, err)
		}
	}

	log.Info().Msg("store schema ready")
	return nil
}
