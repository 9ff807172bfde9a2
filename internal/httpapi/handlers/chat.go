package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/suPer8Hu/healthsphere/internal/chat"
	"github.com/suPer8Hu/healthsphere/internal/common"
	"go.uber.org/zap"
)

type chatQueryReq struct {
	Query                 string          `json:"query"`
	UserProfile           map[string]any  `json:"user_profile"`
	Context               json.RawMessage `json:"context"`
	AllowProcessingResult *bool           `json:"allow_processing_result"`
}

func (h *Handler) ChatQuery(c *gin.Context) {
	var req chatQueryReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Error(c, http.StatusBadRequest, "invalid json")
		return
	}

	ans, err := h.ChatSvc.Ask(c.Request.Context(), chat.AskInput{
		UserID:                optionalUserID(c),
		Query:                 req.Query,
		UserProfile:           req.UserProfile,
		Context:               req.Context,
		AllowProcessingResult: req.AllowProcessingResult,
	})
	if err != nil {
		h.chatError(c, err)
		return
	}
	c.JSON(http.StatusOK, ans)
}

var fallbackStatus = gin.H{
	"status":      "running",
	"model":       "fallback",
	"rag_enabled": false,
	"fallback":    true,
}

// ChatStatus proxies the inference status probe through the status cache.
func (h *Handler) ChatStatus(c *gin.Context) {
	ctx := c.Request.Context()

	// a cached remote status must not outlive a disabled service
	if !h.Cfg.InferenceEnabled {
		if h.Cfg.ChatFallbackEnabled {
			c.JSON(http.StatusOK, fallbackStatus)
			return
		}
		common.Error(c, http.StatusServiceUnavailable, "inference service disabled")
		return
	}

	if h.Status != nil {
		raw, hit, err := h.Status.GetStatus(ctx)
		if err != nil {
			h.Log.Warn("status cache read failed", zap.Error(err))
		} else if hit {
			c.Data(http.StatusOK, "application/json; charset=utf-8", raw)
			return
		}
	}

	raw, err := h.Prober.Status(ctx)
	if err != nil {
		if h.Cfg.ChatFallbackEnabled {
			h.Log.Warn("status probe failed; reporting fallback", zap.Error(err))
			c.JSON(http.StatusOK, fallbackStatus)
			return
		}
		h.chatError(c, err)
		return
	}

	if h.Status != nil {
		if err := h.Status.SetStatus(ctx, raw, h.Cfg.StatusCacheTTL); err != nil {
			h.Log.Warn("status cache write failed", zap.Error(err))
		}
	}
	c.Data(http.StatusOK, "application/json; charset=utf-8", raw)
}

// ChatHistory pages through the caller's conversation log, newest first.
func (h *Handler) ChatHistory(c *gin.Context) {
	uid, okk := userIDFromContext(c)
	if !okk {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}

	limit, _ := strconv.Atoi(c.Query("limit"))
	beforeID := c.Query("before_id")

	convs, err := h.ChatSvc.History(c.Request.Context(), uid, limit, beforeID)
	if err != nil {
		common.Fail(c, http.StatusInternalServerError, 50002, "failed to list conversations")
		return
	}

	var nextBeforeID string
	if len(convs) > 0 {
		nextBeforeID = convs[len(convs)-1].ID
	}

	common.OK(c, gin.H{
		"conversations":  convs,
		"next_before_id": nextBeforeID,
	})
}

func (h *Handler) chatError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, chat.ErrEmptyQuery):
		common.Error(c, http.StatusBadRequest, "Query is required")
	case errors.Is(err, chat.ErrInferenceDisabled):
		// arrives wrapped in an UnreachableError
		common.Error(c, http.StatusServiceUnavailable, "inference service disabled")
	default:
		if inferenceError(c, err) {
			return
		}
		h.Log.Error("chat request failed", zap.Error(err))
		common.Error(c, http.StatusInternalServerError, "Internal server error")
	}
}
