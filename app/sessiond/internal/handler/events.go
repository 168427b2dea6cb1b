package handler

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/valyala/bytebufferpool"

	"github.com/lk2023060901/msghub/app/sessiond/internal/eventbus"
)

// streamEvent 推送给监听端的事件帧
type streamEvent struct {
	Type      string    `json:"type"`
	SessionID string    `json:"sessionId,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// StreamEvents 单向事件流。
// 以 JSON 行持续推送状态变更与心跳；
// 监听端断开时必须注销订阅，否则处理器泄漏。
func (h *Handler) StreamEvents(c *gin.Context) {
	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.String(http.StatusInternalServerError, "streaming unsupported")
		return
	}

	c.Writer.Header().Set("Content-Type", "application/x-ndjson")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("X-Accel-Buffering", "no")
	c.Writer.WriteHeader(http.StatusOK)
	flusher.Flush()

	sub := h.bus.Subscribe(eventbus.KindConnectionStatus, eventbus.KindHeartbeat)
	defer h.bus.Unsubscribe(sub)

	ticker := time.NewTicker(h.config.HeartbeatInterval)
	defer ticker.Stop()

	ctx := c.Request.Context()

	for {
		select {
		case <-ctx.Done():
			return

		case <-ticker.C:
			if !h.writeFrame(c, flusher, streamEvent{
				Type:      "HEARTBEAT",
				Timestamp: time.Now(),
			}) {
				return
			}

		case evt, ok := <-sub.C:
			if !ok {
				return
			}
			frame := streamEvent{
				Type:      string(evt.Kind),
				SessionID: evt.SessionID,
				Timestamp: evt.Timestamp,
			}
			// 状态变更直接以状态名作为事件类型
			if evt.Kind == eventbus.KindConnectionStatus {
				frame.Type = string(evt.Status)
			}
			if frame.Type == string(eventbus.KindHeartbeat) {
				frame.Type = "HEARTBEAT"
			}
			if !h.writeFrame(c, flusher, frame) {
				return
			}
		}
	}
}

// writeFrame 写一行 JSON 并立即冲刷，返回 false 表示连接已断
func (h *Handler) writeFrame(c *gin.Context, flusher http.Flusher, evt streamEvent) bool {
	payload, err := json.Marshal(evt)
	if err != nil {
		h.logger.Error("failed to encode stream event", "error", err)
		return true
	}

	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)

	_, _ = buf.Write(payload)
	_ = buf.WriteByte('\n')

	if _, err := c.Writer.Write(buf.Bytes()); err != nil {
		return false
	}
	flusher.Flush()
	return true
}
