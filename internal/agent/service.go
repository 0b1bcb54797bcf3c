// Package agent composes the chat pipeline: load conversation state,
// gate the message, run the tool loop, persist the outcome. It is the
// only component that writes to the conversation store — the gate and
// orchestrator stay read-only.
package agent

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/openfolio/advisor-agent/internal/audit"
	"github.com/openfolio/advisor-agent/internal/convstore"
	"github.com/openfolio/advisor-agent/internal/intent"
	"github.com/openfolio/advisor-agent/internal/llm"
)

// ErrNotConfigured is returned when the LLM provider credentials are
// missing. Surfaced before any model call is attempted.
var ErrNotConfigured = errors.New("llm provider not configured: set the OpenAI API key")

// Store is what the service needs from the conversation store.
type Store interface {
	History(ctx context.Context, userID, convID string, limit int) ([]convstore.Turn, error)
	AppendTurn(ctx context.Context, userID, convID, humanText, assistantText string, ttl time.Duration) error
	Intent(ctx context.Context, userID, convID string) (convstore.IntentState, error)
	UpdateIntent(ctx context.Context, userID, convID string, patch convstore.Patch) (convstore.IntentState, error)
	NewConversationID() string
}

// Gate decides whether a message reaches the tool loop.
type Gate interface {
	Check(ctx context.Context, message string, history []convstore.Turn, state convstore.IntentState) intent.Result
}

// Auditor records completed exchanges. Optional.
type Auditor interface {
	Record(ctx context.Context, e *audit.Entry) error
}

// Reply is the service's answer to one message.
type Reply struct {
	ConversationID string `json:"conversationId"`
	Text           string `json:"text"`
}

// Options tune the service. Zero values use defaults.
type Options struct {
	HistoryLimit       int // turns loaded for the model context
	IntentHistoryLimit int // smaller window loaded for gating
	MaxEntities        int // cap for extracted entities per turn
}

const (
	defaultHistoryLimit       = 20
	defaultIntentHistoryLimit = 6
	defaultEntityCap          = 10
)

// Service is the top-level agent.
type Service struct {
	store   Store
	gate    Gate
	orch    *Orchestrator
	auditor Auditor
	opts    Options
	logger  *slog.Logger
}

// NewService wires the pipeline. orch may be nil when the provider is
// unconfigured; Chat then fails fast with ErrNotConfigured. auditor may
// be nil to disable audit logging.
func NewService(store Store, gate Gate, orch *Orchestrator, auditor Auditor, opts Options, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = defaultHistoryLimit
	}
	if opts.IntentHistoryLimit <= 0 {
		opts.IntentHistoryLimit = defaultIntentHistoryLimit
	}
	if opts.MaxEntities <= 0 {
		opts.MaxEntities = defaultEntityCap
	}
	return &Service{
		store:   store,
		gate:    gate,
		orch:    orch,
		auditor: auditor,
		opts:    opts,
		logger:  logger.With("component", "agent"),
	}
}

// NewConversationID returns a fresh conversation identifier. Streaming
// transports call this up front so the id can be sent before any tokens.
func (s *Service) NewConversationID() string {
	return s.store.NewConversationID()
}

// Chat handles one message. convID may be empty, in which case a fresh
// conversation is created. Streamed tokens and tool events go to
// callback when non-nil; short-circuit replies (refusal, clarification)
// are delivered through it as a single token event.
//
// Every terminal path persists exactly one (human, assistant) turn pair.
// If the stream is cancelled mid-generation, whatever text accumulated
// is persisted as the assistant turn.
func (s *Service) Chat(ctx context.Context, userID, convID, message string, callback llm.StreamCallback) (*Reply, error) {
	if s.orch == nil {
		return nil, ErrNotConfigured
	}
	if strings.TrimSpace(message) == "" {
		return nil, errors.New("message is empty")
	}
	if convID == "" {
		convID = s.store.NewConversationID()
	}

	history, err := s.store.History(ctx, userID, convID, s.opts.HistoryLimit)
	if err != nil {
		return nil, err
	}
	state, err := s.store.Intent(ctx, userID, convID)
	if err != nil {
		return nil, err
	}

	// Gating looks at a narrower history window than the model does.
	gateHistory := history
	if len(gateHistory) > s.opts.IntentHistoryLimit {
		gateHistory = gateHistory[len(gateHistory)-s.opts.IntentHistoryLimit:]
	}

	res := s.gate.Check(ctx, message, gateHistory, state)
	switch res.Decision {
	case intent.Refuse:
		return s.shortCircuit(ctx, userID, convID, message, res.Reply, convstore.Patch{
			LastIntent:           convstore.IntentOffTopic,
			PendingClarification: boolPtr(false),
		}, res.Decision, callback)

	case intent.Clarify:
		return s.shortCircuit(ctx, userID, convID, message, res.Reply, convstore.Patch{
			LastIntent:           convstore.IntentUncertain,
			PendingClarification: boolPtr(true),
		}, res.Decision, callback)
	}

	outcome, runErr := s.orch.Run(ctx, userID, history, message, callback)
	if runErr != nil {
		// Persist the partial text when cancellation interrupted the
		// stream; fail outright on anything with nothing to show.
		if outcome != nil && strings.TrimSpace(outcome.Text) != "" {
			if err := s.persistOutcome(ctx, userID, convID, message, outcome); err != nil {
				s.logger.Error("persisting partial turn failed", "error", err)
			}
			s.logger.Warn("orchestration interrupted, partial turn persisted",
				"conversation", convID, "error", runErr)
			return &Reply{ConversationID: convID, Text: outcome.Text}, nil
		}
		return nil, runErr
	}

	if err := s.persistOutcome(ctx, userID, convID, message, outcome); err != nil {
		return nil, err
	}

	s.audit(ctx, &audit.Entry{
		UserID:         userID,
		ConversationID: convID,
		Message:        message,
		Reply:          outcome.Text,
		Decision:       intent.Proceed.String(),
		ToolsUsed:      outcome.ToolsUsed,
		Rounds:         outcome.Rounds,
	})

	return &Reply{ConversationID: convID, Text: outcome.Text}, nil
}

// shortCircuit persists a gate verdict (refusal or clarification)
// without running the tool loop.
func (s *Service) shortCircuit(ctx context.Context, userID, convID, message, reply string, patch convstore.Patch, decision intent.Decision, callback llm.StreamCallback) (*Reply, error) {
	if callback != nil {
		callback(llm.StreamEvent{Kind: llm.KindToken, Token: reply})
	}

	if err := s.store.AppendTurn(ctx, userID, convID, message, reply, 0); err != nil {
		return nil, err
	}
	if _, err := s.store.UpdateIntent(ctx, userID, convID, patch); err != nil {
		return nil, err
	}

	s.audit(ctx, &audit.Entry{
		UserID:         userID,
		ConversationID: convID,
		Message:        message,
		Reply:          reply,
		Decision:       decision.String(),
	})

	s.logger.Info("gate short-circuit", "decision", decision.String(), "conversation", convID)
	return &Reply{ConversationID: convID, Text: reply}, nil
}

// persistOutcome writes the turn pair and the merged intent state after
// a completed (or clarification-ended) orchestration.
func (s *Service) persistOutcome(ctx context.Context, userID, convID, message string, outcome *Outcome) error {
	if err := s.store.AppendTurn(ctx, userID, convID, message, outcome.Text, 0); err != nil {
		return err
	}

	texts := append([]string{message, outcome.Text}, outcome.ToolResults...)
	patch := convstore.Patch{
		Entities: extractEntities(s.opts.MaxEntities, texts...),
	}
	if n := len(outcome.ToolsUsed); n > 0 {
		patch.LastToolUsed = outcome.ToolsUsed[n-1]
	}
	if outcome.Clarification {
		patch.LastIntent = convstore.IntentOnTopic
		patch.PendingClarification = boolPtr(true)
	} else {
		patch.LastIntent = convstore.IntentOnTopic
		patch.PendingClarification = boolPtr(false)
	}

	_, err := s.store.UpdateIntent(ctx, userID, convID, patch)
	return err
}

func (s *Service) audit(ctx context.Context, e *audit.Entry) {
	if s.auditor == nil {
		return
	}
	if err := s.auditor.Record(ctx, e); err != nil {
		s.logger.Warn("audit record failed", "error", err)
	}
}

func boolPtr(b bool) *bool { return &b }
