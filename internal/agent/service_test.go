package agent

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/openfolio/advisor-agent/internal/audit"
	"github.com/openfolio/advisor-agent/internal/convstore"
	"github.com/openfolio/advisor-agent/internal/intent"
	"github.com/openfolio/advisor-agent/internal/llm"
	"github.com/openfolio/advisor-agent/internal/tools"
)

// fakeStore is an in-memory Store.
type fakeStore struct {
	turns      map[string][]convstore.Turn
	intents    map[string]convstore.IntentState
	historyErr error
	nextID     string
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		turns:   make(map[string][]convstore.Turn),
		intents: make(map[string]convstore.IntentState),
		nextID:  "conv-new",
	}
}

func key(userID, convID string) string { return userID + "/" + convID }

func (f *fakeStore) History(ctx context.Context, userID, convID string, limit int) ([]convstore.Turn, error) {
	if f.historyErr != nil {
		return nil, f.historyErr
	}
	turns := f.turns[key(userID, convID)]
	if limit > 0 && len(turns) > limit {
		turns = turns[len(turns)-limit:]
	}
	return turns, nil
}

func (f *fakeStore) AppendTurn(ctx context.Context, userID, convID, humanText, assistantText string, ttl time.Duration) error {
	k := key(userID, convID)
	f.turns[k] = append(f.turns[k],
		convstore.Turn{Role: convstore.RoleHuman, Text: humanText},
		convstore.Turn{Role: convstore.RoleAssistant, Text: assistantText},
	)
	return nil
}

func (f *fakeStore) Intent(ctx context.Context, userID, convID string) (convstore.IntentState, error) {
	if state, ok := f.intents[key(userID, convID)]; ok {
		return state, nil
	}
	return convstore.IntentState{LastIntent: convstore.IntentUncertain}, nil
}

func (f *fakeStore) UpdateIntent(ctx context.Context, userID, convID string, patch convstore.Patch) (convstore.IntentState, error) {
	state, _ := f.Intent(ctx, userID, convID)
	if patch.LastIntent != "" {
		state.LastIntent = patch.LastIntent
	}
	if patch.LastToolUsed != "" {
		state.LastToolUsed = patch.LastToolUsed
	}
	if patch.PendingClarification != nil {
		state.PendingClarification = *patch.PendingClarification
	}
	state.RecentEntities = append(state.RecentEntities, patch.Entities...)
	state.UpdatedAt = time.Now()
	f.intents[key(userID, convID)] = state
	return state, nil
}

func (f *fakeStore) NewConversationID() string { return f.nextID }

// fakeGate returns a fixed verdict.
type fakeGate struct {
	result intent.Result
	calls  int
}

func (f *fakeGate) Check(ctx context.Context, message string, history []convstore.Turn, state convstore.IntentState) intent.Result {
	f.calls++
	return f.result
}

// fakeAuditor collects entries.
type fakeAuditor struct {
	entries []*audit.Entry
}

func (f *fakeAuditor) Record(ctx context.Context, e *audit.Entry) error {
	f.entries = append(f.entries, e)
	return nil
}

func newTestService(t *testing.T, store *fakeStore, gate Gate, mock *mockLLMClient, auditor Auditor) *Service {
	t.Helper()
	reg, _ := testRegistry(t)
	orch := NewOrchestrator(mock, "gpt-4o", reg, 5, nil)
	return NewService(store, gate, orch, auditor, Options{}, nil)
}

func TestUnconfiguredServiceFailsFast(t *testing.T) {
	s := NewService(newFakeStore(), &fakeGate{}, nil, nil, Options{}, nil)
	_, err := s.Chat(context.Background(), "u1", "", "hello", nil)
	if !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}
}

func TestNewConversationIDAssigned(t *testing.T) {
	store := newFakeStore()
	mock := &mockLLMClient{responses: []*llm.ChatResponse{textResponse("Hello!")}}
	s := newTestService(t, store, &fakeGate{result: intent.Result{Decision: intent.Proceed}}, mock, nil)

	reply, err := s.Chat(context.Background(), "u1", "", "how is my portfolio", nil)
	if err != nil {
		t.Fatalf("Chat failed: %v", err)
	}
	if reply.ConversationID != "conv-new" {
		t.Errorf("expected generated conversation id, got %q", reply.ConversationID)
	}
}

func TestOffTopicShortCircuit(t *testing.T) {
	store := newFakeStore()
	mock := &mockLLMClient{responses: []*llm.ChatResponse{textResponse("never")}}
	gate := &fakeGate{result: intent.Result{Decision: intent.Refuse, Reply: intent.RefusalMessage}}
	auditor := &fakeAuditor{}
	s := newTestService(t, store, gate, mock, auditor)

	var streamed strings.Builder
	reply, err := s.Chat(context.Background(), "u1", "c1", "what's the weather today?", func(ev llm.StreamEvent) {
		if ev.Kind == llm.KindToken {
			streamed.WriteString(ev.Token)
		}
	})
	if err != nil {
		t.Fatalf("Chat failed: %v", err)
	}
	if reply.Text != intent.RefusalMessage {
		t.Errorf("expected fixed refusal, got %q", reply.Text)
	}
	if streamed.String() != intent.RefusalMessage {
		t.Errorf("refusal should stream as one chunk, got %q", streamed.String())
	}
	if mock.calls != 0 {
		t.Errorf("no model calls expected, got %d", mock.calls)
	}

	turns := store.turns[key("u1", "c1")]
	if len(turns) != 2 || turns[1].Text != intent.RefusalMessage {
		t.Errorf("refusal turn not persisted: %+v", turns)
	}
	state := store.intents[key("u1", "c1")]
	if state.LastIntent != convstore.IntentOffTopic || state.PendingClarification {
		t.Errorf("intent state wrong: %+v", state)
	}
	if len(auditor.entries) != 1 || auditor.entries[0].Decision != "refuse" {
		t.Errorf("audit entry wrong: %+v", auditor.entries)
	}
}

func TestClarifyShortCircuitPersistsPending(t *testing.T) {
	store := newFakeStore()
	mock := &mockLLMClient{responses: []*llm.ChatResponse{textResponse("never")}}
	gate := &fakeGate{result: intent.Result{Decision: intent.Clarify, Reply: "Could you clarify?"}}
	s := newTestService(t, store, gate, mock, nil)

	reply, err := s.Chat(context.Background(), "u1", "c1", "hmm what about the thing", nil)
	if err != nil {
		t.Fatalf("Chat failed: %v", err)
	}
	if reply.Text != "Could you clarify?" {
		t.Errorf("wrong reply %q", reply.Text)
	}
	state := store.intents[key("u1", "c1")]
	if state.LastIntent != convstore.IntentUncertain || !state.PendingClarification {
		t.Errorf("intent state wrong: %+v", state)
	}
}

func TestProceedPersistsTurnAndIntent(t *testing.T) {
	store := newFakeStore()
	mock := &mockLLMClient{responses: []*llm.ChatResponse{
		toolCallResponse(tools.HoldingsToolName, map[string]any{}),
		textResponse("You hold 10 shares of AAPL."),
	}}
	auditor := &fakeAuditor{}
	s := newTestService(t, store, &fakeGate{result: intent.Result{Decision: intent.Proceed}}, mock, auditor)

	reply, err := s.Chat(context.Background(), "u1", "c1", "what do I own?", nil)
	if err != nil {
		t.Fatalf("Chat failed: %v", err)
	}

	turns := store.turns[key("u1", "c1")]
	if len(turns) != 2 {
		t.Fatalf("expected one persisted turn pair, got %d turns", len(turns))
	}
	if turns[0].Text != "what do I own?" || turns[1].Text != reply.Text {
		t.Errorf("wrong persisted turns: %+v", turns)
	}

	state := store.intents[key("u1", "c1")]
	if state.LastIntent != convstore.IntentOnTopic || state.PendingClarification {
		t.Errorf("intent state wrong: %+v", state)
	}
	if state.LastToolUsed != tools.HoldingsToolName {
		t.Errorf("lastToolUsed not recorded: %q", state.LastToolUsed)
	}
	found := false
	for _, e := range state.RecentEntities {
		if e == "AAPL" {
			found = true
		}
	}
	if !found {
		t.Errorf("AAPL not extracted into entities: %+v", state.RecentEntities)
	}

	if len(auditor.entries) != 1 {
		t.Fatalf("expected 1 audit entry, got %d", len(auditor.entries))
	}
	if auditor.entries[0].Rounds != 2 || len(auditor.entries[0].ToolsUsed) != 1 {
		t.Errorf("audit entry wrong: %+v", auditor.entries[0])
	}
}

func TestClarificationOutcomePersistsPending(t *testing.T) {
	store := newFakeStore()
	mock := &mockLLMClient{responses: []*llm.ChatResponse{
		toolCallResponse(tools.MarketHistoryToolName, map[string]any{}),
	}}
	s := newTestService(t, store, &fakeGate{result: intent.Result{Decision: intent.Proceed}}, mock, nil)

	reply, err := s.Chat(context.Background(), "u1", "c1", "look up the history please", nil)
	if err != nil {
		t.Fatalf("Chat failed: %v", err)
	}
	if !strings.Contains(reply.Text, "ticker symbol") {
		t.Errorf("expected clarification text, got %q", reply.Text)
	}
	state := store.intents[key("u1", "c1")]
	if !state.PendingClarification {
		t.Errorf("pendingClarification not persisted: %+v", state)
	}
}

func TestStoreFailurePropagates(t *testing.T) {
	store := newFakeStore()
	store.historyErr = errors.New("redis down")
	mock := &mockLLMClient{responses: []*llm.ChatResponse{textResponse("x")}}
	s := newTestService(t, store, &fakeGate{result: intent.Result{Decision: intent.Proceed}}, mock, nil)

	if _, err := s.Chat(context.Background(), "u1", "c1", "hello portfolio", nil); err == nil {
		t.Fatal("expected store error to propagate")
	}
}

func TestEmptyMessageRejected(t *testing.T) {
	store := newFakeStore()
	mock := &mockLLMClient{responses: []*llm.ChatResponse{textResponse("x")}}
	s := newTestService(t, store, &fakeGate{result: intent.Result{Decision: intent.Proceed}}, mock, nil)

	if _, err := s.Chat(context.Background(), "u1", "c1", "   ", nil); err == nil {
		t.Fatal("expected error for blank message")
	}
}
