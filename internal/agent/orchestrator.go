package agent

import (
	"context"
	"log/slog"
	"strings"

	"github.com/openfolio/advisor-agent/internal/convstore"
	"github.com/openfolio/advisor-agent/internal/hydrate"
	"github.com/openfolio/advisor-agent/internal/llm"
	"github.com/openfolio/advisor-agent/internal/tools"
)

// defaultMaxRounds bounds the tool-call loop. Exhausting the budget is a
// circuit breaker against endless tool chains, not an error.
const defaultMaxRounds = 5

// Orchestrator drives the reason → call tools → observe loop against a
// tool-augmented chat model, streaming text as it arrives.
type Orchestrator struct {
	client    llm.Client
	model     string
	registry  *tools.Registry
	maxRounds int
	logger    *slog.Logger
}

// NewOrchestrator creates an Orchestrator. maxRounds <= 0 uses the default.
func NewOrchestrator(client llm.Client, model string, registry *tools.Registry, maxRounds int, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	if maxRounds <= 0 {
		maxRounds = defaultMaxRounds
	}
	return &Orchestrator{
		client:    client,
		model:     model,
		registry:  registry,
		maxRounds: maxRounds,
		logger:    logger.With("component", "orchestrator"),
	}
}

// Outcome is the result of one orchestration run.
type Outcome struct {
	// Text is the final answer (or clarification question).
	Text string

	// ToolsUsed lists invoked tool names in order.
	ToolsUsed []string

	// ToolResults holds the result strings, used for entity extraction.
	ToolResults []string

	// Clarification marks the market-history argument short-circuit:
	// Text is a question for the user, not an answer.
	Clarification bool

	// Rounds counts model calls made.
	Rounds int
}

// Run executes the tool loop for one message. Streamed tokens and tool
// events are forwarded to callback (which may be nil). On error the
// returned Outcome still carries any text accumulated before the
// failure, so the caller can apply its persistence policy.
func (o *Orchestrator) Run(ctx context.Context, userID string, history []convstore.Turn, message string, callback llm.StreamCallback) (*Outcome, error) {
	messages := o.buildMessages(history, message)
	schemas := o.registry.Schemas()
	out := &Outcome{}

	// Tee: accumulate streamed text for the fallback/cancellation paths
	// while forwarding every event to the caller.
	var accumulated strings.Builder
	tee := func(ev llm.StreamEvent) {
		if ev.Kind == llm.KindToken {
			accumulated.WriteString(ev.Token)
		}
		if callback != nil {
			callback(ev)
		}
	}

	for round := range o.maxRounds {
		out.Rounds = round + 1

		resp, err := o.client.ChatStream(ctx, o.model, messages, schemas, tee)
		if err != nil {
			out.Text = accumulated.String()
			return out, err
		}

		if len(resp.Message.ToolCalls) == 0 {
			text := strings.TrimSpace(resp.Message.Content)
			if text == "" {
				text = strings.TrimSpace(accumulated.String())
			}
			if text == "" {
				text = fallbackAnswer
			}
			out.Text = text
			o.logger.Debug("final answer", "rounds", out.Rounds, "tools_used", len(out.ToolsUsed))
			return out, nil
		}

		messages = append(messages, resp.Message)

		// Tool calls run sequentially in the order the model requested.
		for _, tc := range resp.Message.ToolCalls {
			name := tc.Function.Name
			args := tc.Function.Arguments
			if o.registry.NeedsHydration(name) {
				args = hydrate.Hydrate(args, message, history)
			}

			result := o.registry.Execute(ctx, name, userID, args)
			out.ToolsUsed = append(out.ToolsUsed, name)
			out.ToolResults = append(out.ToolResults, result)
			o.logger.Info("tool executed", "tool", name, "round", round+1, "result_len", len(result))

			if callback != nil {
				callback(llm.StreamEvent{Kind: llm.KindToolCallDone, ToolName: name, ToolResult: result})
			}

			// Argument-shape failures on the market history tool become
			// a question for the user instead of another model round.
			if name == tools.MarketHistoryToolName && tools.IsClarifiableMarketError(result) {
				out.Text = clarificationFromMarketError(result)
				out.Clarification = true
				return out, nil
			}

			messages = append(messages, llm.Message{
				Role:       "tool",
				Content:    result,
				ToolCallID: tc.ID,
			})
		}
	}

	// Budget exhausted with tool calls still pending.
	text := strings.TrimSpace(accumulated.String())
	if text == "" {
		text = fallbackAnswer
	}
	out.Text = text
	o.logger.Warn("round budget exhausted", "rounds", o.maxRounds, "tools_used", len(out.ToolsUsed))
	return out, nil
}

func (o *Orchestrator) buildMessages(history []convstore.Turn, message string) []llm.Message {
	messages := make([]llm.Message, 0, len(history)+2)
	messages = append(messages, llm.Message{Role: "system", Content: systemPrompt})
	for _, t := range history {
		role := "user"
		if t.Role == convstore.RoleAssistant {
			role = "assistant"
		}
		messages = append(messages, llm.Message{Role: role, Content: t.Text})
	}
	return append(messages, llm.Message{Role: "user", Content: message})
}

// clarificationFromMarketError turns a recognized market-history
// argument failure into a user-facing question.
func clarificationFromMarketError(result string) string {
	detail := strings.TrimSpace(strings.TrimPrefix(result, "Error:"))

	switch {
	case strings.Contains(detail, "missing required argument"):
		fields := strings.TrimSpace(detail[strings.Index(detail, ":")+1:])
		fields = strings.ReplaceAll(fields, "symbol", "ticker symbol")
		fields = strings.ReplaceAll(fields, "from", "start date")
		fields = strings.ReplaceAll(fields, "to", "end date")
		return "To look up market prices I still need the " + fields + ". Could you fill that in?"
	case strings.Contains(detail, "invalid date"):
		return "I couldn't read one of those dates. Could you give it as YYYY-MM-DD, or just a year?"
	case strings.Contains(detail, "invalid range"):
		return "That date range looks reversed. Could you restate the period you're interested in?"
	default:
		return "Could you clarify the symbol and date range you'd like prices for?"
	}
}
