package intent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/openfolio/advisor-agent/internal/convstore"
)

// Decision is the gate's verdict for one message.
type Decision int

const (
	// Proceed hands the message to the tool-calling loop.
	Proceed Decision = iota

	// Refuse returns the fixed off-topic reply without touching the model.
	Refuse

	// Clarify returns a templated question asking the user to restate.
	Clarify
)

func (d Decision) String() string {
	switch d {
	case Proceed:
		return "proceed"
	case Refuse:
		return "refuse"
	case Clarify:
		return "clarify"
	default:
		return "unknown"
	}
}

// RefusalMessage is the fixed reply for off-topic messages.
const RefusalMessage = "I'm here to help with your investments — portfolio, holdings, performance, account activity, and market prices. I can't help with topics outside of that."

// Thresholds tune the confidence policy. Refusal requires a materially
// higher bar than clarification: falsely rejecting a legitimate
// follow-up costs more than one extra clarifying turn.
type Thresholds struct {
	// HardBlock is the minimum off_topic confidence required to refuse.
	HardBlock float64

	// Clarify is the minimum off_topic confidence that triggers a
	// clarification question instead of proceeding.
	Clarify float64

	// SecondPassBand widens the zone around HardBlock in which an
	// off_topic verdict gets a second, more lenient classification pass.
	SecondPassBand float64

	// ShortFollowUpMaxWords is the word-count ceiling for the terse
	// follow-up heuristic.
	ShortFollowUpMaxWords int
}

// DefaultThresholds returns the production tuning.
func DefaultThresholds() Thresholds {
	return Thresholds{
		HardBlock:             0.85,
		Clarify:               0.55,
		SecondPassBand:        0.1,
		ShortFollowUpMaxWords: 5,
	}
}

// Result carries the gate's verdict plus the reply text for the
// short-circuit paths. Reply is empty when the decision is Proceed.
type Result struct {
	Decision       Decision
	Reply          string
	Heuristics     Heuristics
	Classification *Classification // nil when heuristics decided alone
	SecondPass     bool
}

// classifier is what Gate needs from the classification layer.
type classifier interface {
	Classify(ctx context.Context, input ClassifierInput, lenient bool) Classification
}

// Gate combines the deterministic heuristics with one or two classifier
// passes into a final proceed/refuse/clarify decision.
type Gate struct {
	classifier classifier
	thresholds Thresholds
	logger     *slog.Logger
}

// NewGate creates a Gate. Zero-valued thresholds fall back to defaults.
func NewGate(c classifier, th Thresholds, logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultThresholds()
	if th.HardBlock <= 0 {
		th.HardBlock = def.HardBlock
	}
	if th.Clarify <= 0 {
		th.Clarify = def.Clarify
	}
	if th.SecondPassBand <= 0 {
		th.SecondPassBand = def.SecondPassBand
	}
	if th.ShortFollowUpMaxWords <= 0 {
		th.ShortFollowUpMaxWords = def.ShortFollowUpMaxWords
	}
	return &Gate{classifier: c, thresholds: th, logger: logger.With("component", "gate")}
}

// Check gates one message. history is newest-last; state is the current
// intent state. Check never writes to the store — persistence of the
// verdict is the caller's job.
func (g *Gate) Check(ctx context.Context, message string, history []convstore.Turn, state convstore.IntentState) Result {
	h := Evaluate(message, state, g.thresholds.ShortFollowUpMaxWords)
	if h.Any() {
		g.logger.Debug("heuristic hit, skipping classifier",
			"keyword", h.KeywordHit, "entity", h.EntityHint, "follow_up", h.ShortFollowUp)
		return Result{Decision: Proceed, Heuristics: h}
	}

	input := classifierInput(message, history, state)
	first := g.classifier.Classify(ctx, input, false)
	c := first
	second := false

	if needsSecondPass(first, g.thresholds) {
		c = g.classifier.Classify(ctx, input, true)
		second = true
		g.logger.Debug("second classification pass",
			"first_label", first.Label, "first_confidence", first.Confidence,
			"second_label", c.Label, "second_confidence", c.Confidence)
	}

	d := decide(h, c, g.thresholds)
	res := Result{Decision: d, Heuristics: h, Classification: &c, SecondPass: second}
	switch d {
	case Refuse:
		res.Reply = RefusalMessage
	case Clarify:
		res.Reply = ClarificationQuestion(state)
	}

	g.logger.Info("gate decision",
		"decision", d.String(),
		"label", c.Label,
		"confidence", c.Confidence,
		"second_pass", second,
	)
	return res
}

// needsSecondPass reports whether the first verdict deserves a lenient
// re-check: an uncertain verdict, or an off_topic verdict whose
// confidence sits near the hard-block threshold.
func needsSecondPass(c Classification, th Thresholds) bool {
	if c.Label == LabelUncertain {
		return true
	}
	if c.Label == LabelOffTopic {
		d := c.Confidence - th.HardBlock
		if d < 0 {
			d = -d
		}
		return d < th.SecondPassBand
	}
	return false
}

// decide is the pure gating policy. Heuristics always win; otherwise
// off_topic refuses only above the hard-block bar, doubt clarifies, and
// everything else proceeds.
func decide(h Heuristics, c Classification, th Thresholds) Decision {
	if h.Any() {
		return Proceed
	}
	switch c.Label {
	case LabelOffTopic:
		if c.Confidence >= th.HardBlock {
			return Refuse
		}
		if c.Confidence >= th.Clarify {
			return Clarify
		}
		return Proceed
	case LabelUncertain:
		return Clarify
	default:
		return Proceed
	}
}

func classifierInput(message string, history []convstore.Turn, state convstore.IntentState) ClassifierInput {
	in := ClassifierInput{
		Message:        message,
		LastIntent:     state.LastIntent,
		LastToolUsed:   state.LastToolUsed,
		RecentEntities: state.RecentEntities,
	}
	for i := len(history) - 1; i >= 0; i-- {
		switch history[i].Role {
		case convstore.RoleHuman:
			if in.LastUserTurn == "" {
				in.LastUserTurn = history[i].Text
			}
		case convstore.RoleAssistant:
			if in.LastAssistantTurn == "" {
				in.LastAssistantTurn = history[i].Text
			}
		}
		if in.LastUserTurn != "" && in.LastAssistantTurn != "" {
			break
		}
	}
	return in
}

// toolTopics maps tool names to the human phrasing used in
// clarification questions.
var toolTopics = map[string]string{
	"get_portfolio":        "your portfolio overview",
	"get_holdings":         "your holdings",
	"get_performance":      "your portfolio performance",
	"get_portfolio_report": "your portfolio report",
	"list_activities":      "your recent account activity",
	"get_market_history":   "market prices",
	"get_account_balances": "your account balances",
	"transfer_cash":        "cash transfers",
}

// ClarificationQuestion builds the templated question from the last
// tool used and the two most recent entities. It is deliberately not
// model-generated.
func ClarificationQuestion(state convstore.IntentState) string {
	var refs []string
	if topic, ok := toolTopics[state.LastToolUsed]; ok {
		refs = append(refs, topic)
	}
	if n := len(state.RecentEntities); n > 0 {
		recent := state.RecentEntities[max(0, n-2):]
		refs = append(refs, strings.Join(recent, " or "))
	}

	if len(refs) == 0 {
		return "I'm not sure I follow. Could you rephrase that in terms of your portfolio, holdings, or market prices?"
	}
	return fmt.Sprintf("I want to make sure I understand — are you asking about %s? Could you give me a bit more detail?", strings.Join(refs, ", maybe "))
}
