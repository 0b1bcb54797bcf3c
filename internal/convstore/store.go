// Package convstore persists per-conversation turn history and intent
// state in Redis with TTL-bounded keys. History and intent state live
// under separate keys so gating can read intent without pulling the
// full transcript.
//
// Corrupted or missing values are treated as empty/default state and
// never surfaced as errors; only store unavailability propagates.
package convstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Turn roles.
const (
	RoleHuman     = "human"
	RoleAssistant = "assistant"
)

// Intent labels stored in IntentState.LastIntent.
const (
	IntentOnTopic   = "on_topic"
	IntentOffTopic  = "off_topic"
	IntentUncertain = "uncertain"
)

// Turn is a single message in a conversation transcript.
type Turn struct {
	Role string `json:"role"`
	Text string `json:"text"`
}

// IntentState is per-conversation gating memory: how the last turn was
// classified, which tool ran most recently, and which entities (tickers,
// holding names) the user has mentioned lately.
type IntentState struct {
	LastIntent           string    `json:"lastIntent"`
	LastToolUsed         string    `json:"lastToolUsed,omitempty"`
	RecentEntities       []string  `json:"recentEntities"`
	PendingClarification bool      `json:"pendingClarification"`
	UpdatedAt            time.Time `json:"updatedAt"`
}

// Patch is a merge-patch applied over the current IntentState.
// Zero-value fields are left unchanged; Entities are unioned into the
// existing set, not replaced.
type Patch struct {
	LastIntent           string
	LastToolUsed         string
	Entities             []string
	PendingClarification *bool
}

// RedisClient is the subset of redis.Client operations the store uses.
// Narrow on purpose so tests can substitute a scripted fake.
type RedisClient interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
}

// Options bound the stored state. Zero values fall back to defaults.
type Options struct {
	MaxTurns    int           // cap on stored turns per conversation
	MaxEntities int           // cap on recentEntities
	HistoryTTL  time.Duration // applied on every history write
	IntentTTL   time.Duration // applied on every intent write
}

const (
	defaultMaxTurns    = 40
	defaultMaxEntities = 10
	defaultTTL         = 7 * 24 * time.Hour
)

// Store reads and writes conversation state. All methods are scoped to
// (userID, conversationID); there are no cross-user reads.
type Store struct {
	rdb    RedisClient
	opts   Options
	logger *slog.Logger
}

// New creates a Store backed by rdb.
func New(rdb RedisClient, opts Options, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.MaxTurns <= 0 {
		opts.MaxTurns = defaultMaxTurns
	}
	if opts.MaxEntities <= 0 {
		opts.MaxEntities = defaultMaxEntities
	}
	if opts.HistoryTTL <= 0 {
		opts.HistoryTTL = defaultTTL
	}
	if opts.IntentTTL <= 0 {
		opts.IntentTTL = defaultTTL
	}
	return &Store{rdb: rdb, opts: opts, logger: logger.With("component", "convstore")}
}

// NewConversationID returns a fresh globally-unique conversation identifier.
func (s *Store) NewConversationID() string {
	return uuid.NewString()
}

func historyKey(userID, convID string) string {
	return fmt.Sprintf("advisor:%s:%s:history", userID, convID)
}

func intentKey(userID, convID string) string {
	return fmt.Sprintf("advisor:%s:%s:intent", userID, convID)
}

// History returns up to limit turns, newest-last. Absent or corrupted
// state yields an empty slice; only a store failure returns an error.
func (s *Store) History(ctx context.Context, userID, convID string, limit int) ([]Turn, error) {
	raw, err := s.rdb.Get(ctx, historyKey(userID, convID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get history: %w", err)
	}

	var turns []Turn
	if err := json.Unmarshal([]byte(raw), &turns); err != nil {
		s.logger.Warn("discarding corrupted history", "user", userID, "conversation", convID, "error", err)
		return nil, nil
	}
	if !validTurns(turns) {
		s.logger.Warn("discarding malformed history", "user", userID, "conversation", convID)
		return nil, nil
	}

	if limit > 0 && len(turns) > limit {
		turns = turns[len(turns)-limit:]
	}
	return turns, nil
}

// AppendTurn appends one human turn and one assistant turn, trims to the
// configured maximum (oldest evicted first), and writes back with a
// refreshed TTL. ttl <= 0 uses the configured default.
//
// The read-modify-write is not guarded against concurrent writers on the
// same conversation; two simultaneous turns can race and one can win.
func (s *Store) AppendTurn(ctx context.Context, userID, convID, humanText, assistantText string, ttl time.Duration) error {
	turns, err := s.History(ctx, userID, convID, 0)
	if err != nil {
		return err
	}

	turns = append(turns,
		Turn{Role: RoleHuman, Text: humanText},
		Turn{Role: RoleAssistant, Text: assistantText},
	)
	if len(turns) > s.opts.MaxTurns {
		turns = turns[len(turns)-s.opts.MaxTurns:]
	}

	data, err := json.Marshal(turns)
	if err != nil {
		return fmt.Errorf("marshal history: %w", err)
	}
	if ttl <= 0 {
		ttl = s.opts.HistoryTTL
	}
	if err := s.rdb.Set(ctx, historyKey(userID, convID), data, ttl).Err(); err != nil {
		return fmt.Errorf("write history: %w", err)
	}
	return nil
}

// Intent returns the conversation's intent state, or defaults
// (lastIntent=uncertain, no entities) when absent or malformed.
func (s *Store) Intent(ctx context.Context, userID, convID string) (IntentState, error) {
	defaults := IntentState{LastIntent: IntentUncertain}

	raw, err := s.rdb.Get(ctx, intentKey(userID, convID)).Result()
	if errors.Is(err, redis.Nil) {
		return defaults, nil
	}
	if err != nil {
		return defaults, fmt.Errorf("get intent state: %w", err)
	}

	var state IntentState
	if err := json.Unmarshal([]byte(raw), &state); err != nil {
		s.logger.Warn("discarding corrupted intent state", "user", userID, "conversation", convID, "error", err)
		return defaults, nil
	}
	switch state.LastIntent {
	case IntentOnTopic, IntentOffTopic, IntentUncertain:
	default:
		return defaults, nil
	}
	state.RecentEntities = mergeEntities(nil, state.RecentEntities, s.opts.MaxEntities)
	return state, nil
}

// UpdateIntent merges patch over the current state, unions and caps
// recentEntities, stamps updatedAt, and persists with the intent TTL.
// The merged state is returned.
func (s *Store) UpdateIntent(ctx context.Context, userID, convID string, patch Patch) (IntentState, error) {
	state, err := s.Intent(ctx, userID, convID)
	if err != nil {
		return state, err
	}

	if patch.LastIntent != "" {
		state.LastIntent = patch.LastIntent
	}
	if patch.LastToolUsed != "" {
		state.LastToolUsed = patch.LastToolUsed
	}
	if patch.PendingClarification != nil {
		state.PendingClarification = *patch.PendingClarification
	}
	state.RecentEntities = mergeEntities(state.RecentEntities, patch.Entities, s.opts.MaxEntities)
	state.UpdatedAt = time.Now().UTC()

	data, err := json.Marshal(state)
	if err != nil {
		return state, fmt.Errorf("marshal intent state: %w", err)
	}
	if err := s.rdb.Set(ctx, intentKey(userID, convID), data, s.opts.IntentTTL).Err(); err != nil {
		return state, fmt.Errorf("write intent state: %w", err)
	}
	return state, nil
}

func validTurns(turns []Turn) bool {
	for _, t := range turns {
		if t.Role != RoleHuman && t.Role != RoleAssistant {
			return false
		}
	}
	return true
}

// mergeEntities unions incoming into existing, dropping blanks and
// duplicates. The most recent mention of an entity keeps it alive:
// a re-mentioned entity moves to the tail, and trimming evicts from
// the head when the cap is exceeded.
func mergeEntities(existing, incoming []string, limit int) []string {
	merged := make([]string, 0, len(existing)+len(incoming))
	seen := make(map[string]int)

	add := func(e string) {
		e = strings.TrimSpace(e)
		if e == "" {
			return
		}
		if i, ok := seen[e]; ok {
			merged = append(merged[:i], merged[i+1:]...)
			for k, v := range seen {
				if v > i {
					seen[k] = v - 1
				}
			}
		}
		seen[e] = len(merged)
		merged = append(merged, e)
	}

	for _, e := range existing {
		add(e)
	}
	for _, e := range incoming {
		add(e)
	}

	if len(merged) > limit {
		return merged[len(merged)-limit:]
	}
	if len(merged) == 0 {
		return nil
	}
	return merged
}
