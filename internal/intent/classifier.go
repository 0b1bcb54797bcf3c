package intent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/openfolio/advisor-agent/internal/convstore"
	"github.com/openfolio/advisor-agent/internal/llm"
)

// Classification labels. These mirror the intent values persisted in
// convstore but describe a single classifier verdict, not stored state.
const (
	LabelOnTopic   = convstore.IntentOnTopic
	LabelOffTopic  = convstore.IntentOffTopic
	LabelUncertain = convstore.IntentUncertain
)

// Classification is the structured verdict from one classifier pass.
type Classification struct {
	Label      string  `json:"label"`
	Confidence float64 `json:"confidence"`
	Reason     string  `json:"reason"`
}

// ClassifierInput is the compact context handed to the model: just
// enough recent state to judge whether a terse message continues an
// in-domain thread.
type ClassifierInput struct {
	Message           string
	LastIntent        string
	LastToolUsed      string
	RecentEntities    []string
	LastUserTurn      string
	LastAssistantTurn string
}

// Classifier wraps an LLM client for intent classification. Cheap and
// stateless; it never touches the store.
type Classifier struct {
	client llm.Client
	model  string
	logger *slog.Logger
}

// NewClassifier creates a Classifier using the given model.
func NewClassifier(client llm.Client, model string, logger *slog.Logger) *Classifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Classifier{client: client, model: model, logger: logger.With("component", "intent")}
}

const strictPrompt = `You are an intent classifier for a wealth management assistant.
The assistant answers questions about portfolios, holdings, allocation, performance,
orders, account activity, balances, cash transfers, and market prices.

Classify whether the user message below belongs to that domain. Terse follow-ups
("what about last month?", "and for AAPL?") that continue an in-domain conversation
are on_topic.

Respond with ONLY a JSON object, no prose:
{"label": "on_topic" | "off_topic" | "uncertain", "confidence": <0..1>, "reason": "<short>"}`

const lenientPrompt = `You are re-checking a borderline message for a wealth management assistant.
The assistant covers portfolios, holdings, performance, orders, balances, transfers,
and market prices. When in doubt, prefer on_topic: rejecting a legitimate follow-up
is worse than allowing a marginal one. Only label off_topic if the message clearly
has nothing to do with finance or the ongoing conversation.

Respond with ONLY a JSON object, no prose:
{"label": "on_topic" | "off_topic" | "uncertain", "confidence": <0..1>, "reason": "<short>"}`

// Classify runs one classification pass. lenient selects the
// second-chance prompt that biases toward on_topic. Transport and parse
// failures both degrade to {uncertain, 0.5} — classification is advisory
// and must never fail a request.
func (c *Classifier) Classify(ctx context.Context, input ClassifierInput, lenient bool) Classification {
	system := strictPrompt
	if lenient {
		system = lenientPrompt
	}

	resp, err := c.client.Chat(ctx, c.model, []llm.Message{
		{Role: "system", Content: system},
		{Role: "user", Content: formatInput(input)},
	}, nil)
	if err != nil {
		c.logger.Warn("classifier call failed, treating as uncertain", "error", err)
		return Classification{Label: LabelUncertain, Confidence: 0.5, Reason: "classifier unavailable"}
	}

	return parseClassification(resp.Message.Content, c.logger)
}

func formatInput(in ClassifierInput) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Previous intent: %s\n", orNone(in.LastIntent))
	fmt.Fprintf(&b, "Last tool used: %s\n", orNone(in.LastToolUsed))
	fmt.Fprintf(&b, "Recently mentioned entities: %s\n", orNone(strings.Join(in.RecentEntities, ", ")))
	fmt.Fprintf(&b, "Previous user turn: %s\n", orNone(summarize(in.LastUserTurn)))
	fmt.Fprintf(&b, "Previous assistant turn: %s\n", orNone(summarize(in.LastAssistantTurn)))
	fmt.Fprintf(&b, "\nCurrent message: %s", in.Message)
	return b.String()
}

func orNone(s string) string {
	if s == "" {
		return "(none)"
	}
	return s
}

const summaryLimit = 200

func summarize(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > summaryLimit {
		return s[:summaryLimit] + "…"
	}
	return s
}

// parseClassification extracts the JSON verdict from model output,
// tolerating surrounding prose or code fences. Anything unparseable
// becomes {uncertain, 0.5}.
func parseClassification(text string, logger *slog.Logger) Classification {
	fallback := Classification{Label: LabelUncertain, Confidence: 0.5, Reason: "unparseable classifier output"}

	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		logger.Warn("classifier returned no JSON", "output", summarize(text))
		return fallback
	}

	var c Classification
	if err := json.Unmarshal([]byte(text[start:end+1]), &c); err != nil {
		logger.Warn("classifier JSON malformed", "output", summarize(text), "error", err)
		return fallback
	}

	switch c.Label {
	case LabelOnTopic, LabelOffTopic, LabelUncertain:
	default:
		logger.Warn("classifier returned unknown label", "label", c.Label)
		return fallback
	}
	if c.Confidence < 0 || c.Confidence > 1 {
		return fallback
	}
	return c
}
