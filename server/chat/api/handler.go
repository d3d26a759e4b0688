package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"eventchat/server/chat/domain"
	"eventchat/server/chat/service"
	commonauth "eventchat/server/common/auth"
	commonlog "eventchat/server/common/log"
	"eventchat/server/common/middleware"
	"eventchat/server/common/transport/httpresp"
)

type tokenAuth interface {
	ParseAuthContext(token string) (userID, role string, err error)
}

type Handler struct {
	chat     *service.ChatService
	resolver *service.IdentityResolver
	auth     tokenAuth
	ws       WSConfig
}

func NewHandler(chat *service.ChatService, resolver *service.IdentityResolver, auth tokenAuth, ws WSConfig) *Handler {
	return &Handler{chat: chat, resolver: resolver, auth: auth, ws: ws.withDefaults()}
}

func (h *Handler) RegisterRoutes(r *gin.Engine) {
	r.GET("/health", func(c *gin.Context) { c.JSON(http.StatusOK, NewHealthResponse("ok")) })
	r.GET("/ws", h.handleWS)

	api := r.Group("/api/v1")
	api.Use(middleware.AuthRequired(h.auth))
	{
		api.POST("/messages", h.sendMessage)
		api.GET("/messages/:id", h.getMessage)
		api.GET("/chats", h.listChats)
		api.GET("/chats/unread", h.unreadSummary)
		api.DELETE("/chats/:otherId", h.deleteChat)
		api.GET("/chats/:otherId/messages", h.history)
		api.POST("/chats/:otherId/typing", h.setTyping)
		api.POST("/chats/:otherId/delivered", h.markDelivered)
		api.POST("/chats/:otherId/read", h.markRead)
		api.GET("/chats/:otherId/key", h.encryptionKey)
		api.PATCH("/presence", h.setStatus)
		api.GET("/presence", h.presence)
		api.GET("/debug/connections", middleware.RequireRoles(commonauth.RoleAdmin), h.connections)
		api.POST("/debug/connections/:identityId/offline", middleware.RequireRoles(commonauth.RoleAdmin), h.forceOffline)
	}
}

// actor resolves the authenticated caller into a chat identity.
func (h *Handler) actor(c *gin.Context) (domain.Identity, bool) {
	userID := c.GetString(middleware.ContextUserID)
	role := c.GetString(middleware.ContextRole)
	identity, ok := h.resolver.Resolve(&service.Principal{UserID: userID, Role: role}, c.Request.Header)
	if !ok {
		c.JSON(http.StatusUnauthorized, NewErrorResponse(httpresp.ErrUnauthorized))
		return domain.Identity{}, false
	}
	return identity, true
}

func otherID(c *gin.Context) (string, bool) {
	id := strings.TrimSpace(c.Param("otherId"))
	if id == "" {
		c.JSON(http.StatusBadRequest, NewErrorResponse(httpresp.ErrOtherIDRequired))
		return "", false
	}
	return id, true
}

func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, service.ErrInvalidArgument):
		c.JSON(http.StatusBadRequest, NewErrorResponse(err.Error()))
	case errors.Is(err, service.ErrMessageNotFound), errors.Is(err, service.ErrAggregateNotFound):
		c.JSON(http.StatusNotFound, NewErrorResponse(httpresp.ErrNotFound))
	case errors.Is(err, service.ErrDuplicateMessage):
		c.JSON(http.StatusConflict, NewErrorResponse(httpresp.ErrDuplicate))
	default:
		commonlog.Errorf("event=chat_api action=%s status=failed path=%s error=%v", c.Request.Method, c.FullPath(), err)
		c.JSON(http.StatusInternalServerError, NewErrorResponse(httpresp.ErrInternal))
	}
}

func (h *Handler) sendMessage(c *gin.Context) {
	actor, ok := h.actor(c)
	if !ok {
		return
	}
	var req struct {
		RecipientID string `json:"recipient_id" binding:"required"`
		Content     string `json:"content" binding:"required"`
		ClientMsgID string `json:"client_msg_id"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, NewErrorResponse(err.Error()))
		return
	}
	msg, err := h.chat.SendMessage(c.Request.Context(), actor, req.RecipientID, req.Content, req.ClientMsgID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, msg)
}

func (h *Handler) getMessage(c *gin.Context) {
	actor, ok := h.actor(c)
	if !ok {
		return
	}
	msg, err := h.chat.Message(c.Request.Context(), actor.ID, c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, msg)
}

func (h *Handler) listChats(c *gin.Context) {
	actor, ok := h.actor(c)
	if !ok {
		return
	}
	items, err := h.chat.ChatList(c.Request.Context(), actor.ID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, NewItemsResponse(items))
}

func (h *Handler) unreadSummary(c *gin.Context) {
	actor, ok := h.actor(c)
	if !ok {
		return
	}
	summary, err := h.chat.UnreadSummary(c.Request.Context(), actor.ID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, summary)
}

func (h *Handler) deleteChat(c *gin.Context) {
	actor, ok := h.actor(c)
	if !ok {
		return
	}
	other, ok := otherID(c)
	if !ok {
		return
	}
	deleted, err := h.chat.DeleteChat(c.Request.Context(), actor.ID, other)
	if err != nil {
		writeError(c, err)
		return
	}
	if !deleted {
		c.JSON(http.StatusNotFound, NewErrorResponse(httpresp.ErrNotFound))
		return
	}
	c.JSON(http.StatusOK, NewOKResponse())
}

func (h *Handler) history(c *gin.Context) {
	actor, ok := h.actor(c)
	if !ok {
		return
	}
	other, ok := otherID(c)
	if !ok {
		return
	}
	load := h.chat.History
	if sealed, _ := strconv.ParseBool(c.Query("sealed")); sealed {
		load = h.chat.SealedHistory
	}
	items, err := load(c.Request.Context(), actor.ID, other)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, NewItemsResponse(items))
}

func (h *Handler) setTyping(c *gin.Context) {
	actor, ok := h.actor(c)
	if !ok {
		return
	}
	other, ok := otherID(c)
	if !ok {
		return
	}
	var req struct {
		Typing bool `json:"typing"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, NewErrorResponse(err.Error()))
		return
	}
	if err := h.chat.SetTyping(c.Request.Context(), actor, other, req.Typing); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, NewOKResponse())
}

func (h *Handler) markDelivered(c *gin.Context) {
	actor, ok := h.actor(c)
	if !ok {
		return
	}
	other, ok := otherID(c)
	if !ok {
		return
	}
	count, err := h.chat.MarkDelivered(c.Request.Context(), actor, other)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, NewCountResponse(count))
}

func (h *Handler) markRead(c *gin.Context) {
	actor, ok := h.actor(c)
	if !ok {
		return
	}
	other, ok := otherID(c)
	if !ok {
		return
	}
	count, err := h.chat.MarkRead(c.Request.Context(), actor, other)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, NewCountResponse(count))
}

func (h *Handler) encryptionKey(c *gin.Context) {
	actor, ok := h.actor(c)
	if !ok {
		return
	}
	other, ok := otherID(c)
	if !ok {
		return
	}
	chatID, key, err := h.chat.EncryptionKey(c.Request.Context(), actor.ID, other)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, NewKeyResponse(chatID, key))
}

func (h *Handler) setStatus(c *gin.Context) {
	actor, ok := h.actor(c)
	if !ok {
		return
	}
	var req struct {
		Status string `json:"status" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, NewErrorResponse(err.Error()))
		return
	}
	status, err := domain.ParsePresenceStatus(req.Status)
	if err != nil {
		c.JSON(http.StatusBadRequest, NewErrorResponse(err.Error()))
		return
	}
	record, err := h.chat.SetStatus(c.Request.Context(), actor, status)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, record)
}

func (h *Handler) presence(c *gin.Context) {
	raw := strings.TrimSpace(c.Query("ids"))
	if raw == "" {
		c.JSON(http.StatusBadRequest, NewErrorResponse(httpresp.ErrIdsQueryRequired))
		return
	}
	c.JSON(http.StatusOK, NewPresenceResponse(h.chat.Presence(c.Request.Context(), strings.Split(raw, ","))))
}

func (h *Handler) connections(c *gin.Context) {
	c.JSON(http.StatusOK, NewItemsResponse(h.chat.Connections()))
}

func (h *Handler) forceOffline(c *gin.Context) {
	record, closed, err := h.chat.ForceOffline(c.Request.Context(), c.Param("identityId"))
	if err != nil {
		writeError(c, err)
		return
	}
	commonlog.Infof("event=chat_admin action=force_offline status=ok admin_id=%s identity_id=%s closed=%d", c.GetString(middleware.ContextUserID), record.IdentityID, closed)
	c.JSON(http.StatusOK, NewForceOfflineResponse(record, closed))
}
