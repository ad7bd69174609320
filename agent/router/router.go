// Package router is the agent-dispatch state machine: it classifies intent,
// selects the persona for the lead's funnel stage, assembles the prompt,
// invokes the completion backend, and decides status and temperature
// transitions.
package router

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/ekkle/salesos/agent/contract"
	"github.com/ekkle/salesos/agent/market"
	"github.com/ekkle/salesos/agent/prompt"
	"github.com/ekkle/salesos/pkg/kimi"
	"github.com/ekkle/salesos/store"
)

type Config struct {
	Temperature    float64 `split_words:"true" default:"0.7"`
	MaxTokens      int     `split_words:"true" default:"1024"`
	UTCOffsetHours int     `split_words:"true" default:"-3"`
	OpenHour       int     `split_words:"true" default:"8"`
	CloseHour      int     `split_words:"true" default:"18"`
}

// Router drives one agent turn. It does not write to the store; the worker
// applies the returned TurnResult.
type Router struct {
	completer contract.Completer
	store     contract.Store
	memory    contract.ContextBuilder
	analyzer  contract.Analyzer
	prompts   *prompt.Library
	cfg       Config

	hours           BusinessHours
	offHoursReplies []string
	randN           func(int) int
}

func New(completer contract.Completer, st contract.Store, mem contract.ContextBuilder, analyzer contract.Analyzer, prompts *prompt.Library, cfg Config) *Router {
	if cfg.Temperature <= 0 {
		cfg.Temperature = 0.7
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 1024
	}
	if cfg.OpenHour == 0 && cfg.CloseHour == 0 {
		cfg.OpenHour, cfg.CloseHour = 8, 18
	}
	return &Router{
		completer:       completer,
		store:           st,
		memory:          mem,
		analyzer:        analyzer,
		prompts:         prompts,
		cfg:             cfg,
		hours:           NewBusinessHours(cfg.UTCOffsetHours, cfg.OpenHour, cfg.CloseHour),
		offHoursReplies: prompt.DefaultOffHoursReplies,
		randN:           rand.Intn,
	}
}

// SetOffHoursReplies overrides the auto-reply list.
func (r *Router) SetOffHoursReplies(replies []string) {
	if len(replies) > 0 {
		r.offHoursReplies = replies
	}
}

// SetRand overrides the random source. Tests only.
func (r *Router) SetRand(randN func(int) int) { r.randN = randN }

// WithinBusinessHours reports whether live agent dispatch is allowed at t.
func (r *Router) WithinBusinessHours(t time.Time) bool {
	return r.hours.Within(t)
}

// OffHoursReply picks the auto-reply for messages outside business hours.
func (r *Router) OffHoursReply() string {
	return prompt.PickOffHours(r.offHoursReplies, r.randN)
}

// RouteAgent maps a lead's funnel stage to the persona that handles it,
// falling back on temperature when the status does not map.
func RouteAgent(status store.LeadStatus, temperature store.Temperature) store.AgentType {
	switch status {
	case store.LeadStatusNew, store.LeadStatusContacted:
		return store.AgentSDR
	case store.LeadStatusQualified:
		return store.AgentBDR
	case store.LeadStatusNegotiating, store.LeadStatusWon:
		return store.AgentCloser
	}
	switch temperature {
	case store.TemperatureHot:
		return store.AgentCloser
	case store.TemperatureWarm:
		return store.AgentBDR
	default:
		return store.AgentSDR
	}
}

// Transition applies the status and temperature rules for one turn, in
// priority order with first match winning.
func Transition(status store.LeadStatus, temperature store.Temperature, agent store.AgentType, intent store.Intent) (store.LeadStatus, store.Temperature) {
	switch {
	case intent == store.IntentClosing:
		return store.LeadStatusNegotiating, store.TemperatureHot
	case intent == store.IntentPricing &&
		status != store.LeadStatusQualified && status != store.LeadStatusNegotiating:
		return store.LeadStatusQualified, store.TemperatureWarm
	case intent == store.IntentTechnical &&
		(status == store.LeadStatusNew || status == store.LeadStatusContacted):
		return store.LeadStatusQualified, store.TemperatureWarm
	case agent == store.AgentSDR && status == store.LeadStatusNew:
		return store.LeadStatusContacted, store.TemperatureWarm
	}
	return status, temperature
}

// Dispatch runs one agent turn. On failure it returns the fixed fallback
// reply alongside the error so the caller can still answer the user before
// propagating the failure for retry; the returned status and temperature
// are then the lead's unchanged values.
func (r *Router) Dispatch(ctx context.Context, input contract.TurnInput) (contract.TurnResult, error) {
	lead := input.Lead
	fallback := contract.TurnResult{
		Reply:       prompt.FallbackReply,
		Agent:       RouteAgent(lead.Status, lead.Temperature),
		Intent:      store.IntentUnknown,
		Status:      lead.Status,
		Temperature: lead.Temperature,
		Metadata:    lead.Metadata,
	}

	intent, err := r.classify(ctx, input.Message)
	if err != nil {
		return fallback, err
	}

	agent := RouteAgent(lead.Status, lead.Temperature)
	fallback.Agent = agent

	facts := r.extract(ctx, input.Message)
	metadata, added := store.MergeMetadata(lead.Metadata, facts.Metadata())

	if agent == store.AgentSDR && r.analyzer != nil && market.ShouldAnalyze(lead.Metadata, facts) {
		if _, err := r.analyzer.Analyze(ctx, lead, facts.Address, facts.Instagram); err != nil {
			log.Warn().Err(err).Str("lead_id", lead.ID).Msg("router: market analysis failed")
		}
	}

	marketBlock := ""
	if agent == store.AgentBDR {
		analysis, err := r.store.LatestAnalysis(ctx, lead.ID, store.AnalysisTypeMarket)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			log.Warn().Err(err).Str("lead_id", lead.ID).Msg("router: analysis lookup failed")
		}
		marketBlock = market.FormatForAgent(analysis)
	}

	persona, err := r.prompts.Persona(agent, prompt.PersonaData{
		Context:     r.memory.Build(ctx, lead),
		MarketBlock: marketBlock,
	})
	if err != nil {
		return fallback, err
	}

	started := time.Now()
	result, err := r.completer.Complete(ctx, []kimi.Message{
		{Role: kimi.RoleSystem, Content: persona},
		{Role: kimi.RoleUser, Content: input.Message},
	}, kimi.Options{Temperature: kimi.Temp(r.cfg.Temperature), MaxTokens: r.cfg.MaxTokens})
	latency := time.Since(started)
	if err != nil {
		return fallback, fmt.Errorf("%w: %v", contract.ErrModelInvoke, err)
	}

	status, temperature := Transition(lead.Status, lead.Temperature, agent, intent)

	log.Info().
		Str("lead_id", lead.ID).
		Str("agent", string(agent)).
		Str("intent", string(intent)).
		Str("status", string(status)).
		Int("tokens", result.TokensUsed).
		Dur("latency", latency).
		Msg("router: turn dispatched")

	return contract.TurnResult{
		Reply:         result.Content,
		Agent:         agent,
		Intent:        intent,
		Status:        status,
		Temperature:   temperature,
		Metadata:      metadata,
		MetadataAdded: added,
		TokensUsed:    result.TokensUsed,
		LatencyMs:     latency.Milliseconds(),
	}, nil
}

func (r *Router) classify(ctx context.Context, message string) (store.Intent, error) {
	instruction, err := r.prompts.IntentClassifier(message)
	if err != nil {
		return store.IntentUnknown, err
	}
	result, err := r.completer.Complete(ctx, []kimi.Message{
		{Role: kimi.RoleUser, Content: instruction},
	}, kimi.Options{Temperature: kimi.Temp(0), MaxTokens: 16})
	if err != nil {
		return store.IntentUnknown, fmt.Errorf("%w: classify intent: %v", contract.ErrModelInvoke, err)
	}
	return store.ParseIntent(result.Content), nil
}

// extract is best-effort: unparseable or failed extractions are discarded.
func (r *Router) extract(ctx context.Context, message string) contract.ExtractedFacts {
	var facts contract.ExtractedFacts
	instruction, err := r.prompts.Extractor(message)
	if err != nil {
		return facts
	}
	result, err := r.completer.Complete(ctx, []kimi.Message{
		{Role: kimi.RoleUser, Content: instruction},
	}, kimi.Options{Temperature: kimi.Temp(0), MaxTokens: 256})
	if err != nil {
		log.Debug().Err(err).Msg("router: fact extraction failed")
		return contract.ExtractedFacts{}
	}
	if err := contract.DecodeModelJSON(result.Content, &facts); err != nil {
		log.Debug().Err(err).Msg("router: fact extraction unparseable")
		return contract.ExtractedFacts{}
	}
	return facts
}
