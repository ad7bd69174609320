package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/ekkle/salesos/agent/prompt"
	"github.com/ekkle/salesos/agent/router"
	"github.com/ekkle/salesos/pkg/evolution"
	"github.com/ekkle/salesos/pkg/kimi"
	"github.com/ekkle/salesos/queue"
	"github.com/ekkle/salesos/store"
)

type memStore struct {
	seq           int
	leads         map[string]*store.Lead
	conversations []store.Conversation
	executions    map[string]*store.AgentExecution
}

func newMemStore() *memStore {
	return &memStore{
		leads:      make(map[string]*store.Lead),
		executions: make(map[string]*store.AgentExecution),
	}
}

func (m *memStore) GetOrCreateLeadByPhone(ctx context.Context, phone, name string) (*store.Lead, bool, error) {
	if lead, ok := m.leads[phone]; ok {
		return lead, false, nil
	}
	m.seq++
	lead := &store.Lead{
		ID:            fmt.Sprintf("lead-%d", m.seq),
		Phone:         phone,
		Name:          name,
		Status:        store.LeadStatusNew,
		Temperature:   store.TemperatureCold,
		AssignedAgent: store.AgentSDR,
	}
	m.leads[phone] = lead
	return lead, true, nil
}

func (m *memStore) GetLead(ctx context.Context, id string) (*store.Lead, error) {
	for _, lead := range m.leads {
		if lead.ID == id {
			return lead, nil
		}
	}
	return nil, store.ErrNotFound
}

func (m *memStore) UpdateLead(ctx context.Context, lead *store.Lead) error {
	m.leads[lead.Phone] = lead
	return nil
}

func (m *memStore) CreateConversation(ctx context.Context, conv *store.Conversation) error {
	m.conversations = append(m.conversations, *conv)
	return nil
}

func (m *memStore) RecentConversations(ctx context.Context, leadID string, limit int) ([]store.Conversation, error) {
	var out []store.Conversation
	for _, conv := range m.conversations {
		if conv.LeadID == leadID {
			out = append(out, conv)
		}
	}
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (m *memStore) CountConversations(ctx context.Context, leadID string) (int, error) {
	n := 0
	for _, conv := range m.conversations {
		if conv.LeadID == leadID {
			n++
		}
	}
	return n, nil
}

func (m *memStore) HasInboundMessageID(ctx context.Context, leadID, messageID string) (bool, error) {
	for _, conv := range m.conversations {
		if conv.LeadID == leadID && conv.Direction == store.DirectionInbound &&
			conv.Metadata["message_id"] == messageID {
			return true, nil
		}
	}
	return false, nil
}

func (m *memStore) CreateExecution(ctx context.Context, exec *store.AgentExecution) error {
	copied := *exec
	m.executions[exec.ID] = &copied
	return nil
}

func (m *memStore) UpdateExecution(ctx context.Context, exec *store.AgentExecution) error {
	copied := *exec
	m.executions[exec.ID] = &copied
	return nil
}

func (m *memStore) GetSummary(ctx context.Context, leadID string) (*store.ConversationSummary, error) {
	return nil, store.ErrNotFound
}

func (m *memStore) UpsertSummary(ctx context.Context, summary *store.ConversationSummary) error {
	return nil
}

func (m *memStore) LatestAnalysis(ctx context.Context, leadID, analysisType string) (*store.MarketAnalysis, error) {
	return nil, store.ErrNotFound
}

func (m *memStore) CreateAnalysis(ctx context.Context, analysis *store.MarketAnalysis) error {
	return nil
}

func (m *memStore) byDirection(direction store.Direction) []store.Conversation {
	var out []store.Conversation
	for _, conv := range m.conversations {
		if conv.Direction == direction {
			out = append(out, conv)
		}
	}
	return out
}

type fakeMessenger struct {
	sent    []string
	sendErr error
}

func (f *fakeMessenger) SendText(ctx context.Context, to, text string, opts evolution.SendOptions) (evolution.SendResult, error) {
	if f.sendErr != nil {
		return evolution.SendResult{}, f.sendErr
	}
	f.sent = append(f.sent, text)
	return evolution.SendResult{Success: true, MessageID: "out-1"}, nil
}

type scriptedCompleter struct {
	intent    string
	reply     string
	failReply bool
}

func (c *scriptedCompleter) Complete(ctx context.Context, messages []kimi.Message, opts kimi.Options) (kimi.Result, error) {
	last := messages[len(messages)-1].Content
	switch {
	case strings.Contains(last, "Classifique a intenção"):
		return kimi.Result{Content: c.intent}, nil
	case strings.Contains(last, "Extraia da mensagem"):
		return kimi.Result{Content: "{}"}, nil
	default:
		if c.failReply {
			return kimi.Result{}, errors.New("model down")
		}
		return kimi.Result{Content: c.reply, TokensUsed: 77}, nil
	}
}

var (
	// Tuesday 09:00 and Saturday 10:00 on the UTC-3 business clock.
	tuesdayMorning = time.Date(2025, 3, 11, 12, 0, 0, 0, time.UTC)
	saturday       = time.Date(2025, 3, 8, 13, 0, 0, 0, time.UTC)
)

type memoryStub struct{}

func (memoryStub) Build(ctx context.Context, lead *store.Lead) string { return "ctx" }

func newTestWorker(st *memStore, completer *scriptedCompleter, messenger *fakeMessenger, clock time.Time) *Worker {
	r := router.New(completer, st, memoryStub{}, nil, prompt.MustNew(),
		router.Config{UTCOffsetHours: -3, OpenHour: 8, CloseHour: 18})
	w := New(st, r, messenger)
	w.SetClock(func() time.Time { return clock })
	return w
}

func pricingJob() queue.Job {
	return queue.Job{
		ID:        "job-1",
		MessageID: "abc-1",
		Phone:     "5511999990001",
		Message:   "Quero saber o preço",
		PushName:  "Pastor João",
	}
}

func TestEndToEndPricingMessage(t *testing.T) {
	st := newMemStore()
	messenger := &fakeMessenger{}
	completer := &scriptedCompleter{intent: "pricing", reply: "Claro! Vou te apresentar os planos."}
	w := newTestWorker(st, completer, messenger, tuesdayMorning)

	if err := w.Handle(context.Background(), pricingJob()); err != nil {
		t.Fatalf("handle: %v", err)
	}

	lead := st.leads["5511999990001"]
	if lead == nil {
		t.Fatal("lead not created")
	}
	if lead.Status != store.LeadStatusQualified || lead.Temperature != store.TemperatureWarm {
		t.Errorf("lead = (%s, %s), want (qualified, warm)", lead.Status, lead.Temperature)
	}
	if lead.Name != "Pastor João" {
		t.Errorf("lead name = %q", lead.Name)
	}

	if got := len(st.byDirection(store.DirectionInbound)); got != 1 {
		t.Errorf("inbound rows = %d, want 1", got)
	}
	if got := len(st.byDirection(store.DirectionOutbound)); got != 1 {
		t.Errorf("outbound rows = %d, want 1", got)
	}

	if len(st.executions) != 1 {
		t.Fatalf("executions = %d, want 1", len(st.executions))
	}
	for _, exec := range st.executions {
		if exec.Status != store.ExecutionCompleted {
			t.Errorf("execution status = %s, want completed", exec.Status)
		}
		if exec.TokensUsed != 77 {
			t.Errorf("tokens = %d, want 77", exec.TokensUsed)
		}
	}

	if len(messenger.sent) != 1 {
		t.Fatalf("sends = %d, want exactly 1", len(messenger.sent))
	}
	if messenger.sent[0] != "Claro! Vou te apresentar os planos." {
		t.Errorf("sent = %q", messenger.sent[0])
	}
}

func TestDuplicateMessageIsSilentNoOp(t *testing.T) {
	st := newMemStore()
	lead, _, _ := st.GetOrCreateLeadByPhone(context.Background(), "5511999990001", "")
	st.conversations = append(st.conversations, store.Conversation{
		ID: "conv-1", LeadID: lead.ID, Direction: store.DirectionInbound,
		Metadata: map[string]any{"message_id": "abc-1"},
	})
	messenger := &fakeMessenger{}
	w := newTestWorker(st, &scriptedCompleter{intent: "pricing", reply: "x"}, messenger, tuesdayMorning)

	if err := w.Handle(context.Background(), pricingJob()); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if len(st.conversations) != 1 {
		t.Errorf("conversations = %d, want 1 (no new rows)", len(st.conversations))
	}
	if len(messenger.sent) != 0 {
		t.Errorf("sends = %d, want 0", len(messenger.sent))
	}
	if len(st.executions) != 0 {
		t.Errorf("executions = %d, want 0", len(st.executions))
	}
}

func TestFallbackOnCompletionFailure(t *testing.T) {
	st := newMemStore()
	messenger := &fakeMessenger{}
	w := newTestWorker(st, &scriptedCompleter{intent: "pricing", failReply: true}, messenger, tuesdayMorning)

	err := w.Handle(context.Background(), pricingJob())
	if err == nil {
		t.Fatal("expected error to propagate for retry")
	}

	if len(messenger.sent) != 1 || messenger.sent[0] != prompt.FallbackReply {
		t.Fatalf("sent = %v, want the fallback reply", messenger.sent)
	}

	lead := st.leads["5511999990001"]
	if lead.Status != store.LeadStatusNew || lead.Temperature != store.TemperatureCold {
		t.Errorf("lead state changed on failure: (%s, %s)", lead.Status, lead.Temperature)
	}

	if len(st.executions) != 1 {
		t.Fatalf("executions = %d, want 1", len(st.executions))
	}
	for _, exec := range st.executions {
		if exec.Status != store.ExecutionFailed {
			t.Errorf("execution status = %s, want failed", exec.Status)
		}
		if exec.ErrorMessage == "" {
			t.Error("execution missing error message")
		}
	}

	if len(st.conversations) != 0 {
		t.Errorf("conversations = %d, want 0 so retry can reprocess", len(st.conversations))
	}
}

func TestOffHoursShortCircuit(t *testing.T) {
	st := newMemStore()
	messenger := &fakeMessenger{}
	w := newTestWorker(st, &scriptedCompleter{intent: "pricing", reply: "x"}, messenger, saturday)

	if err := w.Handle(context.Background(), pricingJob()); err != nil {
		t.Fatalf("handle: %v", err)
	}

	if len(st.executions) != 0 {
		t.Errorf("executions = %d, want 0 (agent skipped)", len(st.executions))
	}
	if len(messenger.sent) != 1 {
		t.Fatalf("sends = %d, want 1", len(messenger.sent))
	}
	found := false
	for _, reply := range prompt.DefaultOffHoursReplies {
		if messenger.sent[0] == reply {
			found = true
		}
	}
	if !found {
		t.Errorf("sent %q, want one of the off-hours replies", messenger.sent[0])
	}

	inbound := st.byDirection(store.DirectionInbound)
	if len(inbound) != 1 || inbound[0].IntentDetected != store.IntentOffHours {
		t.Errorf("inbound = %+v, want one off_hours row", inbound)
	}
	if got := len(st.byDirection(store.DirectionOutbound)); got != 1 {
		t.Errorf("outbound rows = %d, want 1", got)
	}
}

func TestDeliveryFailurePropagates(t *testing.T) {
	st := newMemStore()
	messenger := &fakeMessenger{sendErr: errors.New("evolution down")}
	w := newTestWorker(st, &scriptedCompleter{intent: "greeting", reply: "Olá!"}, messenger, tuesdayMorning)

	if err := w.Handle(context.Background(), pricingJob()); err == nil {
		t.Fatal("expected delivery error")
	}
}
