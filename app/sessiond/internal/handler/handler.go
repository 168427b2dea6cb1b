// Package handler HTTP 控制面路由。
// 只做参数绑定与错误码映射，业务逻辑全部在 service 层。
package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lk2023060901/msghub/app/sessiond/internal/eventbus"
	"github.com/lk2023060901/msghub/app/sessiond/internal/protocol"
	"github.com/lk2023060901/msghub/app/sessiond/internal/service"
	"github.com/lk2023060901/msghub/app/sessiond/internal/session"
	"github.com/lk2023060901/msghub/app/sessiond/internal/supervisor"
	"github.com/lk2023060901/msghub/pkg/logger"
	"github.com/lk2023060901/msghub/pkg/web"
)

// 业务错误码
const (
	CodeBadRequest          = 40001
	CodeInvalidRecipient    = 40002
	CodeSessionNotFound     = 40401
	CodeSessionNotConnected = 40901
	CodeSessionTerminated   = 40902
	CodeUpstreamUnavailable = 50201
	CodeSendTimeout         = 50401
	CodeInternal            = 50001
)

// Handler 控制面处理器
type Handler struct {
	svc    *service.Service
	bus    *eventbus.Bus
	config *Config
	logger logger.Logger

	registry *prometheus.Registry
}

func New(svc *service.Service, bus *eventbus.Bus, registry *prometheus.Registry, cfg *Config, l logger.Logger) *Handler {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &Handler{
		svc:      svc,
		bus:      bus,
		config:   cfg,
		logger:   l.Named("handler"),
		registry: registry,
	}
}

// RegisterRoutes 挂载全部路由
func (h *Handler) RegisterRoutes(r *gin.Engine) {
	r.GET("/healthz", h.Healthz)
	r.GET("/events", h.StreamEvents)
	if h.registry != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(h.registry, promhttp.HandlerOpts{})))
	}

	api := r.Group("/api/v1")
	{
		api.POST("/sessions", h.StartSession)
		api.GET("/sessions", h.ListSessions)
		api.GET("/sessions/:id", h.GetStatus)
		api.DELETE("/sessions/:id", h.StopSession)
		api.POST("/sessions/:id/send", h.SendMessage)
		api.POST("/sessions/assign", h.AssignTenants)
	}
}

// startSessionRequest 启动会话请求
type startSessionRequest struct {
	SessionID string `json:"sessionId"`
}

func (h *Handler) StartSession(c *gin.Context) {
	var req startSessionRequest
	// 允许空请求体：不带 ID 时由服务端生成临时 ID
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			web.Error(c, http.StatusBadRequest, CodeBadRequest, err.Error())
			return
		}
	}

	sess, err := h.svc.StartSession(c.Request.Context(), req.SessionID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	web.Success(c, sess)
}

func (h *Handler) GetStatus(c *gin.Context) {
	sess, err := h.svc.GetStatus(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	web.Success(c, sess)
}

func (h *Handler) ListSessions(c *gin.Context) {
	sessions, err := h.svc.ListSessions(c.Request.Context())
	if err != nil {
		h.writeError(c, err)
		return
	}
	web.Success(c, sessions)
}

func (h *Handler) StopSession(c *gin.Context) {
	if err := h.svc.StopSession(c.Request.Context(), c.Param("id")); err != nil {
		h.writeError(c, err)
		return
	}
	web.Success(c, nil)
}

// sendMessageRequest 发送消息请求
type sendMessageRequest struct {
	Recipient string `json:"recipient" binding:"required"`
	Body      string `json:"body" binding:"required"`
}

func (h *Handler) SendMessage(c *gin.Context) {
	var req sendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		web.Error(c, http.StatusBadRequest, CodeBadRequest, err.Error())
		return
	}

	if err := h.svc.SendMessage(c.Request.Context(), c.Param("id"), req.Recipient, req.Body); err != nil {
		h.writeError(c, err)
		return
	}
	web.Success(c, nil)
}

// assignTenantsRequest 租户指派请求
type assignTenantsRequest struct {
	SessionID string   `json:"sessionId" binding:"required"`
	TenantIDs []string `json:"tenantIds"`
}

func (h *Handler) AssignTenants(c *gin.Context) {
	var req assignTenantsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		web.Error(c, http.StatusBadRequest, CodeBadRequest, err.Error())
		return
	}

	sess, err := h.svc.AssignTenants(c.Request.Context(), req.SessionID, req.TenantIDs)
	if err != nil {
		h.writeError(c, err)
		return
	}
	web.Success(c, sess)
}

func (h *Handler) Healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// writeError 业务错误到 HTTP 状态码的统一映射
func (h *Handler) writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, session.ErrSessionNotFound):
		web.Error(c, http.StatusNotFound, CodeSessionNotFound, "session not found")
	case errors.Is(err, supervisor.ErrNotConnected):
		web.Error(c, http.StatusConflict, CodeSessionNotConnected, "session is not connected")
	case errors.Is(err, session.ErrSessionTerminated):
		web.Error(c, http.StatusConflict, CodeSessionTerminated, "session is terminated")
	case errors.Is(err, service.ErrInvalidRecipient):
		web.Error(c, http.StatusBadRequest, CodeInvalidRecipient, "invalid recipient identifier")
	case errors.Is(err, service.ErrEmptyBody),
		errors.Is(err, service.ErrEmptySessionID),
		errors.Is(err, session.ErrInvalidTransition):
		web.Error(c, http.StatusBadRequest, CodeBadRequest, err.Error())
	case errors.Is(err, supervisor.ErrSendTimeout):
		web.Error(c, http.StatusGatewayTimeout, CodeSendTimeout, "send timed out")
	case errors.Is(err, protocol.ErrUpstreamUnavailable):
		web.Error(c, http.StatusBadGateway, CodeUpstreamUnavailable, "upstream unavailable")
	default:
		h.logger.Error("request failed", "path", c.FullPath(), "error", err)
		web.Error(c, http.StatusInternalServerError, CodeInternal, "internal error")
	}
}
