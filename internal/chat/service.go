package chat

import (
	"context"
	"encoding/json"
	"errors"
	"maps"
	"strconv"
	"strings"
	"time"

	"github.com/suPer8Hu/healthsphere/internal/common"
	"github.com/suPer8Hu/healthsphere/internal/fallback"
	"github.com/suPer8Hu/healthsphere/internal/inference"
	"github.com/suPer8Hu/healthsphere/internal/metrics"
	"github.com/suPer8Hu/healthsphere/internal/models"
	"github.com/suPer8Hu/healthsphere/internal/users"
	"go.uber.org/zap"
)

var (
	ErrEmptyQuery        = errors.New("query is required")
	ErrInferenceDisabled = errors.New("inference service disabled")
)

const (
	guestUserID         = "guest"
	processingResultKey = "processing_result"
	logWriteTimeout     = 5 * time.Second
)

type ChatAnswer = inference.ChatAnswer

type Chatter interface {
	Chat(ctx context.Context, req inference.ChatRequest) (json.RawMessage, error)
}

type UserReader interface {
	GetByID(ctx context.Context, id uint64) (*models.User, error)
}

type ConversationLog interface {
	InsertConversation(ctx context.Context, c *models.Conversation) error
	ListConversations(ctx context.Context, userID uint64, limit int, beforeID string) ([]models.Conversation, error)
}

type Options struct {
	InferenceEnabled bool
	FallbackEnabled  bool
}

type Service struct {
	client  Chatter
	users   UserReader
	convLog ConversationLog
	opts    Options
	log     *zap.Logger
}

// NewService wires the orchestrator. convLog is nil when the
// chatbot_conversations table is absent; answers are then not recorded.
func NewService(client Chatter, userRepo UserReader, convLog ConversationLog, opts Options, log *zap.Logger) *Service {
	return &Service{client: client, users: userRepo, convLog: convLog, opts: opts, log: log.Named("chat")}
}

type AskInput struct {
	UserID      *uint64
	Query       string
	UserProfile map[string]any // nil when the client sent none
	Context     json.RawMessage
	// nil means allowed
	AllowProcessingResult *bool
}

func (in AskInput) allowReport() bool {
	return in.AllowProcessingResult == nil || *in.AllowProcessingResult
}

// Ask answers a health question. With fallback enabled it returns an answer
// for every non-empty query, whatever the inference service does. With
// fallback disabled remote failures are returned as *inference.RemoteError or
// *inference.UnreachableError.
func (s *Service) Ask(ctx context.Context, in AskInput) (*ChatAnswer, error) {
	query := strings.TrimSpace(in.Query)
	if query == "" {
		return nil, ErrEmptyQuery
	}

	log := s.log
	userID := guestUserID
	if in.UserID != nil {
		userID = strconv.FormatUint(*in.UserID, 10)
		log = log.With(zap.Uint64("user_id", *in.UserID))
	}

	profile := s.buildProfile(ctx, log, in)

	var (
		raw json.RawMessage
		err error
	)
	if s.opts.InferenceEnabled {
		raw, err = s.client.Chat(ctx, inference.ChatRequest{
			Query:       query,
			UserID:      userID,
			UserProfile: profile,
			Context:     in.Context,
		})
	} else {
		err = &inference.UnreachableError{Op: "chat", Err: ErrInferenceDisabled}
	}

	if err == nil {
		ans, perr := inference.ParseChatAnswer(raw)
		if perr == nil {
			s.record(ctx, log, in.UserID, query, ans, raw)
			log.Debug("chat answered", zap.String("path", "remote"), zap.String("model", ans.Model))
			return ans, nil
		}
		log.Warn("chat payload malformed", zap.Int("bytes", len(raw)))
		err = perr
	}

	if !s.opts.FallbackEnabled {
		log.Warn("chat failed; propagating", zap.Error(err))
		return nil, err
	}

	ans := s.fallbackAnswer(query, reasonFor(err))
	log.Warn("chat degraded to fallback", zap.String("reason", reasonFor(err)), zap.Error(err))
	// raw is only set here when the payload was malformed
	s.record(ctx, log, in.UserID, query, ans, raw)
	return ans, nil
}

// buildProfile assembles the outgoing user_profile. Any client-supplied
// processing_result is dropped; the stored one is added back only when the
// caller is known and allows it.
func (s *Service) buildProfile(ctx context.Context, log *zap.Logger, in AskInput) map[string]any {
	profile := map[string]any{}
	if in.UserProfile != nil {
		maps.Copy(profile, in.UserProfile)
	}
	delete(profile, processingResultKey)

	if in.UserID == nil {
		return profile
	}
	if in.UserProfile != nil && !in.allowReport() {
		return profile
	}

	u, err := s.users.GetByID(ctx, *in.UserID)
	if err != nil {
		log.Warn("load user for chat context failed", zap.Error(err))
		return profile
	}
	if in.UserProfile == nil {
		maps.Copy(profile, users.Profile(u))
	}
	if in.allowReport() && u.HasProcessingResult() {
		profile[processingResultKey] = decodeStored(u.ProcessingResult)
	}
	return profile
}

// decodeStored returns the stored result as a JSON value. A result that was
// saved as a JSON string is parsed once more; if that fails the string itself
// is used.
func decodeStored(raw []byte) any {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	if s, ok := v.(string); ok {
		var inner any
		if err := json.Unmarshal([]byte(s), &inner); err == nil {
			return inner
		}
		return s
	}
	return v
}

func (s *Service) fallbackAnswer(query, reason string) *ChatAnswer {
	fb := fallback.Respond(query)
	metrics.RecordFallback(reason, string(fb.Category))
	return &ChatAnswer{
		Response:   fb.Text,
		Sources:    []inference.Source{},
		DietPlan:   fb.DietPlan,
		Confidence: fallback.Confidence,
		Model:      fallback.Model,
		Metadata: map[string]any{
			"path":     "fallback",
			"category": string(fb.Category),
			"reason":   reason,
		},
	}
}

func reasonFor(err error) string {
	switch {
	case errors.Is(err, ErrInferenceDisabled):
		return "disabled"
	case inference.IsUnreachable(err):
		return "unreachable"
	default:
		return "remote_error"
	}
}

// record appends the exchange to the conversation log. It never fails the
// request and outlives a cancelled request context.
func (s *Service) record(ctx context.Context, log *zap.Logger, userID *uint64, query string, ans *ChatAnswer, raw json.RawMessage) {
	if s.convLog == nil {
		metrics.RecordPersistenceDegraded("chatbot_conversations")
		log.Debug("conversation log unavailable; exchange not recorded")
		return
	}

	id, err := common.NewULID()
	if err != nil {
		log.Warn("generate conversation id failed", zap.Error(err))
		metrics.RecordPersistenceDegraded("chatbot_conversations")
		return
	}
	row := &models.Conversation{
		ID:         id,
		UserID:     userID,
		Query:      query,
		Response:   ans.Response,
		ModelName:  ans.Model,
		Confidence: inference.ClampConfidence(ans.Confidence),
	}
	if len(raw) > 0 {
		row.GeneratedJSON = []byte(raw)
	}

	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), logWriteTimeout)
	defer cancel()
	if err := s.convLog.InsertConversation(wctx, row); err != nil {
		metrics.RecordPersistenceDegraded("chatbot_conversations")
		log.Warn("record conversation failed", zap.Error(err))
	}
}

func (s *Service) History(ctx context.Context, userID uint64, limit int, beforeID string) ([]models.Conversation, error) {
	if s.convLog == nil {
		return []models.Conversation{}, nil
	}
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	return s.convLog.ListConversations(ctx, userID, limit, beforeID)
}
