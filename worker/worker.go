// Package worker drives the per-message pipeline: resolve the lead,
// deduplicate, gate on business hours, dispatch the agent turn, persist the
// results, and deliver the reply.
package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/ekkle/salesos/agent/contract"
	"github.com/ekkle/salesos/agent/router"
	"github.com/ekkle/salesos/pkg/evolution"
	"github.com/ekkle/salesos/queue"
	"github.com/ekkle/salesos/store"
)

// dispatcher is the slice of the router the worker drives.
type dispatcher interface {
	Dispatch(ctx context.Context, input contract.TurnInput) (contract.TurnResult, error)
	WithinBusinessHours(t time.Time) bool
	OffHoursReply() string
}

// Worker is the queue handler. One Handle call processes one inbound
// message end to end.
type Worker struct {
	store     contract.Store
	router    dispatcher
	messenger contract.Messenger
	now       func() time.Time
}

func New(st contract.Store, r *router.Router, messenger contract.Messenger) *Worker {
	return &Worker{store: st, router: r, messenger: messenger, now: time.Now}
}

// SetClock overrides the time source. Tests only.
func (w *Worker) SetClock(now func() time.Time) { w.now = now }

// Handle processes one job. Returned errors trigger the queue's retry; the
// message-id dedup check makes re-execution safe.
func (w *Worker) Handle(ctx context.Context, job queue.Job) error {
	lead, created, err := w.store.GetOrCreateLeadByPhone(ctx, job.Phone, job.PushName)
	if err != nil {
		return fmt.Errorf("resolve lead: %w", err)
	}
	if created {
		log.Info().Str("lead_id", lead.ID).Str("phone", job.Phone).Msg("worker: lead created")
	}

	seen, err := w.store.HasInboundMessageID(ctx, lead.ID, job.MessageID)
	if err != nil {
		return fmt.Errorf("dedup check: %w", err)
	}
	if seen {
		log.Debug().
			Str("lead_id", lead.ID).
			Str("message_id", job.MessageID).
			Msg("worker: duplicate message skipped")
		return nil
	}

	// Backfill the display name from the webhook hint when the lead has
	// none; persisted with whichever lead update this turn performs.
	nameChanged := false
	if lead.Name == "" && job.PushName != "" {
		lead.Name = job.PushName
		nameChanged = true
	}

	if !w.router.WithinBusinessHours(w.now()) {
		return w.handleOffHours(ctx, lead, job, nameChanged)
	}

	exec := &store.AgentExecution{
		ID:           uuid.NewString(),
		LeadID:       lead.ID,
		AgentName:    router.RouteAgent(lead.Status, lead.Temperature),
		InputMessage: job.Message,
		Status:       store.ExecutionStarted,
		CreatedAt:    w.now().UTC(),
	}
	if err := w.store.CreateExecution(ctx, exec); err != nil {
		return fmt.Errorf("create execution: %w", err)
	}

	result, dispatchErr := w.router.Dispatch(ctx, contract.TurnInput{
		Lead:      lead,
		Message:   job.Message,
		MessageID: job.MessageID,
	})
	if dispatchErr != nil {
		// Answer the user with the fixed fallback before propagating, so
		// the conversation is never left hanging. Lead state stays as is.
		if _, sendErr := w.messenger.SendText(ctx, lead.Phone, result.Reply, evolution.SendOptions{}); sendErr != nil {
			log.Error().Err(sendErr).Str("lead_id", lead.ID).Msg("worker: fallback delivery failed")
		}
		exec.Status = store.ExecutionFailed
		exec.ErrorMessage = dispatchErr.Error()
		exec.IntentDetected = result.Intent
		if err := w.store.UpdateExecution(ctx, exec); err != nil {
			log.Error().Err(err).Str("execution_id", exec.ID).Msg("worker: execution update failed")
		}
		return fmt.Errorf("dispatch: %w", dispatchErr)
	}

	exec.Status = store.ExecutionCompleted
	exec.OutputMessage = result.Reply
	exec.IntentDetected = result.Intent
	exec.TokensUsed = result.TokensUsed
	exec.ExecutionTimeMs = result.LatencyMs
	if err := w.store.UpdateExecution(ctx, exec); err != nil {
		return fmt.Errorf("update execution: %w", err)
	}

	now := w.now().UTC()
	inbound := &store.Conversation{
		ID:             uuid.NewString(),
		LeadID:         lead.ID,
		Message:        job.Message,
		Direction:      store.DirectionInbound,
		AgentName:      result.Agent,
		IntentDetected: result.Intent,
		Metadata:       map[string]any{"message_id": job.MessageID},
		CreatedAt:      now,
	}
	if err := w.store.CreateConversation(ctx, inbound); err != nil {
		return fmt.Errorf("persist inbound: %w", err)
	}

	outbound := &store.Conversation{
		ID:             uuid.NewString(),
		LeadID:         lead.ID,
		Message:        result.Reply,
		Direction:      store.DirectionOutbound,
		AgentName:      result.Agent,
		IntentDetected: result.Intent,
		Metadata:       map[string]any{"execution_id": exec.ID},
		CreatedAt:      now,
	}
	if err := w.store.CreateConversation(ctx, outbound); err != nil {
		return fmt.Errorf("persist outbound: %w", err)
	}

	lead.Status = result.Status
	lead.Temperature = result.Temperature
	lead.AssignedAgent = result.Agent
	lead.Metadata = result.Metadata
	if err := w.store.UpdateLead(ctx, lead); err != nil {
		return fmt.Errorf("update lead: %w", err)
	}
	if len(result.MetadataAdded) > 0 {
		log.Info().
			Str("lead_id", lead.ID).
			Strs("keys", result.MetadataAdded).
			Msg("worker: lead metadata enriched")
	}

	if _, err := w.messenger.SendText(ctx, lead.Phone, result.Reply, evolution.SendOptions{}); err != nil {
		return fmt.Errorf("%w: %v", contract.ErrDelivery, err)
	}

	log.Info().
		Str("lead_id", lead.ID).
		Str("agent", string(result.Agent)).
		Str("intent", string(result.Intent)).
		Str("status", string(lead.Status)).
		Msg("worker: message processed")
	return nil
}

// handleOffHours answers with an auto-reply and skips agent invocation
// entirely; no execution record is written.
func (w *Worker) handleOffHours(ctx context.Context, lead *store.Lead, job queue.Job, nameChanged bool) error {
	reply := w.router.OffHoursReply()
	now := w.now().UTC()

	inbound := &store.Conversation{
		ID:             uuid.NewString(),
		LeadID:         lead.ID,
		Message:        job.Message,
		Direction:      store.DirectionInbound,
		AgentName:      lead.AssignedAgent,
		IntentDetected: store.IntentOffHours,
		Metadata:       map[string]any{"message_id": job.MessageID},
		CreatedAt:      now,
	}
	if err := w.store.CreateConversation(ctx, inbound); err != nil {
		return fmt.Errorf("persist inbound: %w", err)
	}

	outbound := &store.Conversation{
		ID:             uuid.NewString(),
		LeadID:         lead.ID,
		Message:        reply,
		Direction:      store.DirectionOutbound,
		AgentName:      lead.AssignedAgent,
		IntentDetected: store.IntentOffHours,
		CreatedAt:      now,
	}
	if err := w.store.CreateConversation(ctx, outbound); err != nil {
		return fmt.Errorf("persist outbound: %w", err)
	}

	if nameChanged {
		if err := w.store.UpdateLead(ctx, lead); err != nil {
			log.Error().Err(err).Str("lead_id", lead.ID).Msg("worker: name backfill failed")
		}
	}

	if _, err := w.messenger.SendText(ctx, lead.Phone, reply, evolution.SendOptions{}); err != nil {
		return fmt.Errorf("%w: %v", contract.ErrDelivery, err)
	}

	log.Info().Str("lead_id", lead.ID).Msg("worker: off-hours auto-reply sent")
	return nil
}
