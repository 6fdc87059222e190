package handlers

import (
	"errors"
	"math"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/owui/chatbot-server/internal/chat"
	"github.com/owui/chatbot-server/internal/httpapi/middleware"
	"github.com/owui/chatbot-server/internal/openwebui"
	"github.com/owui/chatbot-server/internal/ratelimit"
)

func ok(c *gin.Context, data any) {
	c.JSON(http.StatusOK, gin.H{
		"code":    0,
		"message": "ok",
		"data":    data,
	})
}

func fail(c *gin.Context, httpStatus int, code int, msg string) {
	c.JSON(httpStatus, gin.H{
		"code":    code,
		"message": msg,
		"data":    nil,
	})
}

func userIDFromContext(c *gin.Context) *uint64 {
	v, found := c.Get(middleware.UserIDKey)
	if !found {
		return nil
	}
	id, isUint := v.(uint64)
	if !isUint {
		return nil
	}
	return &id
}

type publicBot struct {
	ID        uint64 `json:"id"`
	Name      string `json:"name"`
	Greeting  string `json:"greeting"`
	AvatarURL string `json:"avatar_url"`
}

// ListPublicChatbots returns the active bots a widget can talk to, cached in
// Redis for a few minutes.
func (h *Handler) ListPublicChatbots(c *gin.Context) {
	ctx := c.Request.Context()

	if h.Redis != nil {
		var cached []publicBot
		if err := h.Redis.GetActiveBots(ctx, &cached); err == nil {
			ok(c, gin.H{"chatbots": cached})
			return
		}
	}

	bots, err := h.BotSvc.ListActive(ctx)
	if err != nil {
		fail(c, http.StatusInternalServerError, 50001, "internal error")
		return
	}

	out := make([]publicBot, 0, len(bots))
	for _, b := range bots {
		out = append(out, publicBot{ID: b.ID, Name: b.Name, Greeting: b.Greeting, AvatarURL: b.AvatarURL})
	}
	if h.Redis != nil {
		if err := h.Redis.SetActiveBots(ctx, out); err != nil {
			h.Log.Warn().Err(err).Msg("bot cache write failed")
		}
	}
	ok(c, gin.H{"chatbots": out})
}

// GetChatbotInfo exposes what the chat widget needs to render: the name,
// greeting and avatar. Inactive bots are indistinguishable from missing
// ones.
func (h *Handler) GetChatbotInfo(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || id == 0 {
		fail(c, http.StatusBadRequest, 10001, "invalid chatbot id")
		return
	}

	b, err := h.BotSvc.Get(c.Request.Context(), id)
	if err != nil || !b.Active {
		fail(c, http.StatusNotFound, 40401, "chatbot not found")
		return
	}

	ok(c, gin.H{
		"id":         b.ID,
		"name":       b.Name,
		"greeting":   b.Greeting,
		"avatar_url": b.AvatarURL,
	})
}

type sendMessageReq struct {
	ChatbotID   uint64 `json:"chatbot_id" binding:"required"`
	ClientToken string `json:"client_token"`
	Message     string `json:"message" binding:"required"`
}

func (h *Handler) SendMessage(c *gin.Context) {
	var req sendMessageReq
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}

	token := req.ClientToken
	if token == "" {
		var err error
		token, err = chat.NewClientToken()
		if err != nil {
			fail(c, http.StatusInternalServerError, 50001, "internal error")
			return
		}
	}
	if len(token) > 64 {
		fail(c, http.StatusBadRequest, 10002, "invalid client token")
		return
	}

	res, err := h.ChatSvc.SendMessage(c.Request.Context(), req.ChatbotID, token,
		req.Message, c.ClientIP(), c.Request.UserAgent(), userIDFromContext(c))
	if err != nil {
		h.failSend(c, err)
		return
	}

	ok(c, gin.H{
		"client_token":  token,
		"session_id":    res.SessionID,
		"message_id":    res.MessageID,
		"response":      res.Response,
		"tokens_used":   res.TokensUsed,
		"response_time": res.ResponseTime,
	})
}

func (h *Handler) failSend(c *gin.Context, err error) {
	var rlErr *ratelimit.RateLimitError
	var banErr *ratelimit.BanError
	switch {
	case errors.Is(err, chat.ErrMessageEmpty):
		fail(c, http.StatusBadRequest, 10003, "message is required")
	case errors.Is(err, chat.ErrMessageTooLong):
		fail(c, http.StatusBadRequest, 10004, "message is too long")
	case errors.Is(err, chat.ErrChatbotUnavailable):
		fail(c, http.StatusNotFound, 40401, "chatbot not found")
	case errors.As(err, &rlErr):
		c.Header("Retry-After", strconv.Itoa(int(math.Ceil(rlErr.RetryAfter.Seconds()))))
		fail(c, http.StatusTooManyRequests, 42901, "too many requests, please slow down")
	case errors.As(err, &banErr):
		fail(c, http.StatusForbidden, 40301, "access temporarily suspended")
	case errors.Is(err, openwebui.ErrUpstream):
		fail(c, http.StatusBadGateway, 50201, openwebui.UserMessage(err))
	default:
		h.Log.Error().Err(err).Msg("send message failed")
		fail(c, http.StatusInternalServerError, 50001, "internal error")
	}
}

type endSessionReq struct {
	ChatbotID   uint64 `json:"chatbot_id" binding:"required"`
	ClientToken string `json:"client_token" binding:"required"`
}

// EndSession closes the caller's open session immediately.
func (h *Handler) EndSession(c *gin.Context) {
	var req endSessionReq
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}

	err := h.ChatSvc.EndByToken(c.Request.Context(), req.ChatbotID, req.ClientToken, chat.EndReasonUser)
	if err != nil {
		if errors.Is(err, chat.ErrSessionNotFound) {
			fail(c, http.StatusNotFound, 40402, "session not found")
			return
		}
		fail(c, http.StatusInternalServerError, 50001, "internal error")
		return
	}
	ok(c, gin.H{"ended": true})
}

// ReportUnload is the beacon target the widget hits on page close. The
// session is not ended right away; a deferred check closes it only if the
// visitor does not come back.
func (h *Handler) ReportUnload(c *gin.Context) {
	var req endSessionReq
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}

	sess, err := h.ChatSvc.GetSessionByToken(c.Request.Context(), req.ChatbotID, req.ClientToken)
	if err != nil {
		if errors.Is(err, chat.ErrSessionNotFound) {
			// nothing to close, still a success for a beacon
			ok(c, gin.H{"scheduled": false})
			return
		}
		fail(c, http.StatusInternalServerError, 50001, "internal error")
		return
	}
	if sess.EndedAt == nil {
		h.ChatSvc.EndAfterUnload(sess.ID)
	}
	ok(c, gin.H{"scheduled": sess.EndedAt == nil})
}

// GetHistory returns the transcript for the caller's own session, keyed by
// client token so one visitor cannot read another's conversation.
func (h *Handler) GetHistory(c *gin.Context) {
	chatbotID, err := strconv.ParseUint(c.Query("chatbot_id"), 10, 64)
	if err != nil || chatbotID == 0 {
		fail(c, http.StatusBadRequest, 10001, "invalid chatbot id")
		return
	}
	token := c.Query("client_token")
	if token == "" {
		fail(c, http.StatusBadRequest, 10002, "client_token required")
		return
	}

	sess, err := h.ChatSvc.GetSessionByToken(c.Request.Context(), chatbotID, token)
	if err != nil {
		if errors.Is(err, chat.ErrSessionNotFound) || errors.Is(err, gorm.ErrRecordNotFound) {
			fail(c, http.StatusNotFound, 40402, "session not found")
			return
		}
		fail(c, http.StatusInternalServerError, 50001, "internal error")
		return
	}

	limit, _ := strconv.Atoi(c.Query("limit"))
	msgs, err := h.ChatSvc.Transcript(c.Request.Context(), sess.ID, limit, 0)
	if err != nil {
		fail(c, http.StatusInternalServerError, 50002, "failed to load history")
		return
	}

	ok(c, gin.H{
		"session_id": sess.ID,
		"messages":   msgs,
	})
}
