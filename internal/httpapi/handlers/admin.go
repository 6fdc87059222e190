package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"github.com/owui/chatbot-server/internal/auth"
	"github.com/owui/chatbot-server/internal/bot"
	"github.com/owui/chatbot-server/internal/chat"
)

const adminTokenTTL = 12 * time.Hour

type loginReq struct {
	Email    string `json:"email" binding:"required"`
	Password string `json:"password" binding:"required"`
}

func (h *Handler) Login(c *gin.Context) {
	var req loginReq
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}

	email := strings.ToLower(strings.TrimSpace(req.Email))
	if email != strings.ToLower(h.Cfg.AdminEmail) || !auth.CheckPassword(h.Cfg.AdminPasswordHash, req.Password) {
		h.Seclog.Record(c.Request.Context(), "admin_login_failed", map[string]any{
			"email": email,
			"ip":    c.ClientIP(),
		})
		fail(c, http.StatusUnauthorized, 40103, "invalid credentials")
		return
	}

	token, err := auth.SignJWT(email, h.Cfg.JWTSecret, adminTokenTTL)
	if err != nil {
		fail(c, http.StatusInternalServerError, 50001, "internal error")
		return
	}

	h.Seclog.Record(c.Request.Context(), "admin_login", map[string]any{
		"email": email,
		"ip":    c.ClientIP(),
	})
	ok(c, gin.H{"token": token, "expires_in": int(adminTokenTTL.Seconds())})
}

func (h *Handler) CreateChatbot(c *gin.Context) {
	var p bot.Params
	if err := c.ShouldBindJSON(&p); err != nil {
		fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}
	b, err := h.BotSvc.Create(c.Request.Context(), p)
	if err != nil {
		if errors.Is(err, bot.ErrValidation) {
			fail(c, http.StatusBadRequest, 10010, err.Error())
			return
		}
		fail(c, http.StatusInternalServerError, 50001, "internal error")
		return
	}
	h.invalidateBotCache(c)
	ok(c, b)
}

func (h *Handler) invalidateBotCache(c *gin.Context) {
	if h.Redis == nil {
		return
	}
	if err := h.Redis.InvalidateActiveBots(c.Request.Context()); err != nil {
		h.Log.Warn().Err(err).Msg("bot cache invalidation failed")
	}
}

func (h *Handler) UpdateChatbot(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || id == 0 {
		fail(c, http.StatusBadRequest, 10001, "invalid chatbot id")
		return
	}
	var p bot.Params
	if err := c.ShouldBindJSON(&p); err != nil {
		fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}
	b, err := h.BotSvc.Update(c.Request.Context(), id, p)
	if err != nil {
		switch {
		case errors.Is(err, bot.ErrValidation):
			fail(c, http.StatusBadRequest, 10010, err.Error())
		case errors.Is(err, gorm.ErrRecordNotFound):
			fail(c, http.StatusNotFound, 40401, "chatbot not found")
		default:
			fail(c, http.StatusInternalServerError, 50001, "internal error")
		}
		return
	}
	h.invalidateBotCache(c)
	ok(c, b)
}

func (h *Handler) ListChatbots(c *gin.Context) {
	bots, err := h.BotSvc.List(c.Request.Context())
	if err != nil {
		fail(c, http.StatusInternalServerError, 50001, "internal error")
		return
	}
	ok(c, gin.H{"chatbots": bots})
}

func (h *Handler) GetChatbot(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || id == 0 {
		fail(c, http.StatusBadRequest, 10001, "invalid chatbot id")
		return
	}
	b, err := h.BotSvc.Get(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			fail(c, http.StatusNotFound, 40401, "chatbot not found")
			return
		}
		fail(c, http.StatusInternalServerError, 50001, "internal error")
		return
	}
	ok(c, b)
}

func (h *Handler) DeleteChatbot(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || id == 0 {
		fail(c, http.StatusBadRequest, 10001, "invalid chatbot id")
		return
	}
	if err := h.BotSvc.Delete(c.Request.Context(), id); err != nil {
		fail(c, http.StatusInternalServerError, 50001, "internal error")
		return
	}
	h.Seclog.Record(c.Request.Context(), "chatbot_deleted", map[string]any{"chatbot_id": id})
	h.invalidateBotCache(c)
	ok(c, gin.H{"deleted": true})
}

func (h *Handler) ListConversations(c *gin.Context) {
	chatbotID, _ := strconv.ParseUint(c.Query("chatbot_id"), 10, 64)
	limit, _ := strconv.Atoi(c.Query("limit"))
	offset, _ := strconv.Atoi(c.Query("offset"))

	sessions, err := h.ChatSvc.ListSessions(c.Request.Context(), chatbotID, limit, offset)
	if err != nil {
		fail(c, http.StatusInternalServerError, 50001, "internal error")
		return
	}
	ok(c, gin.H{"sessions": sessions})
}

func (h *Handler) DeleteConversation(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || id == 0 {
		fail(c, http.StatusBadRequest, 10001, "invalid session id")
		return
	}
	if err := h.ChatSvc.PurgeSession(c.Request.Context(), id); err != nil {
		if errors.Is(err, chat.ErrSessionNotFound) {
			fail(c, http.StatusNotFound, 40402, "session not found")
			return
		}
		fail(c, http.StatusInternalServerError, 50001, "internal error")
		return
	}
	h.Seclog.Record(c.Request.Context(), "conversation_purged", map[string]any{"session_id": id})
	ok(c, gin.H{"deleted": true})
}

func (h *Handler) GetTranscript(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || id == 0 {
		fail(c, http.StatusBadRequest, 10001, "invalid session id")
		return
	}
	limit, _ := strconv.Atoi(c.Query("limit"))

	var beforeID uint64
	if raw := c.Query("before_id"); raw != "" {
		if n, parseErr := strconv.ParseUint(raw, 10, 64); parseErr == nil {
			beforeID = n
		}
	}

	msgs, err := h.ChatSvc.Transcript(c.Request.Context(), id, limit, beforeID)
	if err != nil {
		if errors.Is(err, chat.ErrSessionNotFound) {
			fail(c, http.StatusNotFound, 40402, "session not found")
			return
		}
		fail(c, http.StatusInternalServerError, 50001, "internal error")
		return
	}

	contacts, err := h.Contacts.ListBySession(c.Request.Context(), id)
	if err != nil {
		fail(c, http.StatusInternalServerError, 50001, "internal error")
		return
	}

	ok(c, gin.H{
		"session_id": id,
		"messages":   msgs,
		"contacts":   contacts,
	})
}

func (h *Handler) ListContacts(c *gin.Context) {
	limit, _ := strconv.Atoi(c.Query("limit"))
	offset, _ := strconv.Atoi(c.Query("offset"))

	if term := strings.TrimSpace(c.Query("q")); term != "" {
		recs, err := h.Contacts.Search(c.Request.Context(), term, limit)
		if err != nil {
			fail(c, http.StatusInternalServerError, 50001, "internal error")
			return
		}
		ok(c, gin.H{"contacts": recs})
		return
	}

	recs, err := h.Contacts.ListRecent(c.Request.Context(), limit, offset)
	if err != nil {
		fail(c, http.StatusInternalServerError, 50001, "internal error")
		return
	}
	ok(c, gin.H{"contacts": recs})
}

func (h *Handler) ContactStats(c *gin.Context) {
	stats, err := h.Contacts.GetStats(c.Request.Context())
	if err != nil {
		fail(c, http.StatusInternalServerError, 50001, "internal error")
		return
	}
	ok(c, stats)
}

// DashboardStats serves the admin dashboard numbers, cached in Redis for a
// few minutes because the aggregates scan the whole message table.
func (h *Handler) DashboardStats(c *gin.Context) {
	ctx := c.Request.Context()

	if h.Redis != nil {
		var cached chat.SessionStats
		if err := h.Redis.GetStats(ctx, &cached); err == nil {
			ok(c, gin.H{"stats": cached, "cached": true})
			return
		} else if !errors.Is(err, redis.Nil) {
			h.Log.Warn().Err(err).Msg("stats cache read failed")
		}
	}

	stats, err := h.ChatSvc.DashboardStats(ctx)
	if err != nil {
		fail(c, http.StatusInternalServerError, 50001, "internal error")
		return
	}
	if h.Redis != nil {
		if err := h.Redis.SetStats(ctx, stats); err != nil {
			h.Log.Warn().Err(err).Msg("stats cache write failed")
		}
	}
	ok(c, gin.H{"stats": stats, "cached": false})
}

// ListModels proxies the upstream model list, cached for an hour.
func (h *Handler) ListModels(c *gin.Context) {
	ctx := c.Request.Context()

	if h.Redis != nil {
		if models, err := h.Redis.GetModels(ctx); err == nil {
			ok(c, gin.H{"models": models, "cached": true})
			return
		} else if !errors.Is(err, redis.Nil) {
			h.Log.Warn().Err(err).Msg("model cache read failed")
		}
	}

	models, err := h.Upstream.ListModels(ctx)
	if err != nil {
		fail(c, http.StatusBadGateway, 50201, "completion service unavailable")
		return
	}
	if h.Redis != nil {
		if err := h.Redis.SetModels(ctx, models); err != nil {
			h.Log.Warn().Err(err).Msg("model cache write failed")
		}
	}
	ok(c, gin.H{"models": models, "cached": false})
}

func (h *Handler) ListSecurityEvents(c *gin.Context) {
	limit, _ := strconv.Atoi(c.Query("limit"))
	events, err := h.Seclog.ListRecent(c.Request.Context(), limit)
	if err != nil {
		fail(c, http.StatusInternalServerError, 50001, "internal error")
		return
	}
	ok(c, gin.H{"events": events})
}
