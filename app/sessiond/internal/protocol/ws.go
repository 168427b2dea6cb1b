package protocol

import (
	"context"
	"encoding/base64"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/lk2023060901/msghub/pkg/logger"
)

// Config 协议桥接端连接配置
type Config struct {
	// GatewayURL 协议桥接端地址，如 ws://127.0.0.1:9100/bridge
	GatewayURL string `mapstructure:"gateway_url"`
	// DialTimeout 建连超时
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
	// WriteTimeout 单帧写超时
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	// EventBuffer 事件通道缓冲
	EventBuffer int `mapstructure:"event_buffer"`
}

// DefaultConfig 默认配置
func DefaultConfig() *Config {
	return &Config{
		GatewayURL:   "ws://127.0.0.1:9100/bridge",
		DialTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		EventBuffer:  64,
	}
}

// frame 桥接端 JSON 线格式
type frame struct {
	Op        string `json:"op"`
	ID        uint64 `json:"id,omitempty"`
	DeviceID  string `json:"device_id,omitempty"`
	AuthKey   string `json:"auth_key,omitempty"` // base64
	Challenge string `json:"challenge,omitempty"`
	Recipient string `json:"recipient,omitempty"`
	Body      string `json:"body,omitempty"`
	Cause     string `json:"cause,omitempty"`
	OK        bool   `json:"ok,omitempty"`
	Error     string `json:"error,omitempty"`
}

const (
	opConnect          = "connect"
	opSend             = "send"
	opAck              = "ack"
	opPairingChallenge = "pairing_challenge"
	opPairingSuccess   = "pairing_success"
	opAuthenticated    = "authenticated"
	opCredsUpdated     = "creds_updated"
	opDisconnected     = "disconnected"
)

// 确保 WSDialer 实现了 Dialer 接口
var _ Dialer = (*WSDialer)(nil)

// WSDialer 通过 WebSocket 连接协议桥接端
type WSDialer struct {
	config *Config
	logger logger.Logger
	dialer *websocket.Dialer
}

// NewWSDialer 创建桥接端 Dialer
func NewWSDialer(cfg *Config, l logger.Logger) *WSDialer {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if l == nil {
		l = logger.NewNoop()
	}
	return &WSDialer{
		config: cfg,
		logger: l.Named("protocol.ws"),
		dialer: &websocket.Dialer{
			HandshakeTimeout: cfg.DialTimeout,
		},
	}
}

// Connect 建连并发送 connect 帧
func (d *WSDialer) Connect(ctx context.Context, creds *Credentials) (Handle, error) {
	conn, _, err := d.dialer.DialContext(ctx, d.config.GatewayURL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", ErrUpstreamUnavailable, d.config.GatewayURL, err)
	}

	h := &wsHandle{
		conn:    conn,
		config:  d.config,
		logger:  d.logger,
		events:  make(chan Event, d.config.EventBuffer),
		pending: make(map[uint64]chan frame),
		closeCh: make(chan struct{}),
	}

	connectFrame := frame{Op: opConnect}
	if creds.Valid() {
		connectFrame.DeviceID = creds.DeviceID
		connectFrame.AuthKey = base64.StdEncoding.EncodeToString(creds.AuthKey)
	}
	if err := h.write(connectFrame); err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: connect frame: %v", ErrUpstreamUnavailable, err)
	}

	go h.readLoop()

	return h, nil
}

// wsHandle 一条到桥接端的活动连接
type wsHandle struct {
	conn   *websocket.Conn
	config *Config
	logger logger.Logger

	events chan Event

	// 发送确认：请求 ID -> 等待通道
	pendingMu sync.Mutex
	pending   map[uint64]chan frame
	nextID    atomic.Uint64

	writeMu   sync.Mutex
	closeOnce sync.Once
	closeCh   chan struct{}
}

// write 串行写单帧
func (h *wsHandle) write(f frame) error {
	h.writeMu.Lock()
	defer h.writeMu.Unlock()

	if h.config.WriteTimeout > 0 {
		_ = h.conn.SetWriteDeadline(time.Now().Add(h.config.WriteTimeout))
	}
	return h.conn.WriteJSON(f)
}

// readLoop 读取桥接端帧并转换为连接事件
// 连接断开后投递 disconnected 事件并关闭事件通道
func (h *wsHandle) readLoop() {
	defer func() {
		h.failPending()
		close(h.events)
	}()

	for {
		var f frame
		if err := h.conn.ReadJSON(&f); err != nil {
			select {
			case <-h.closeCh:
				// 本地主动关闭，不上报断开事件
				return
			default:
			}
			h.logger.Warn("bridge read failed", "error", err)
			h.emit(Event{Type: EventDisconnected, Cause: CauseNetwork})
			return
		}

		switch f.Op {
		case opPairingChallenge:
			h.emit(Event{Type: EventPairingChallenge, Challenge: f.Challenge})
		case opPairingSuccess:
			h.emit(Event{Type: EventPairingSuccess, Credentials: decodeCreds(f)})
		case opAuthenticated:
			h.emit(Event{Type: EventAuthenticated})
		case opCredsUpdated:
			h.emit(Event{Type: EventCredentialsUpdated, Credentials: decodeCreds(f)})
		case opDisconnected:
			h.emit(Event{Type: EventDisconnected, Cause: DisconnectCause(f.Cause)})
			return
		case opAck:
			h.resolvePending(f)
		default:
			h.logger.Warn("unknown bridge frame", "op", f.Op)
		}
	}
}

// emit 投递事件；缓冲耗尽时阻塞等待消费方或连接关闭
func (h *wsHandle) emit(evt Event) {
	select {
	case h.events <- evt:
	case <-h.closeCh:
	}
}

func decodeCreds(f frame) *Credentials {
	key, err := base64.StdEncoding.DecodeString(f.AuthKey)
	if err != nil {
		key = nil
	}
	return &Credentials{
		DeviceID: f.DeviceID,
		AuthKey:  key,
		PairedAt: time.Now(),
	}
}

// Events 连接事件流
func (h *wsHandle) Events() <-chan Event {
	return h.events
}

// Send 发送消息并等待桥接端确认
func (h *wsHandle) Send(ctx context.Context, recipient, body string) error {
	select {
	case <-h.closeCh:
		return ErrHandleClosed
	default:
	}

	id := h.nextID.Add(1)
	ackCh := make(chan frame, 1)

	h.pendingMu.Lock()
	h.pending[id] = ackCh
	h.pendingMu.Unlock()

	defer func() {
		h.pendingMu.Lock()
		delete(h.pending, id)
		h.pendingMu.Unlock()
	}()

	if err := h.write(frame{Op: opSend, ID: id, Recipient: recipient, Body: body}); err != nil {
		return fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
	}

	select {
	case ack, ok := <-ackCh:
		if !ok {
			return ErrHandleClosed
		}
		if !ack.OK {
			return fmt.Errorf("%w: %s", ErrSendRejected, ack.Error)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-h.closeCh:
		return ErrHandleClosed
	}
}

// resolvePending 回填发送确认
func (h *wsHandle) resolvePending(f frame) {
	h.pendingMu.Lock()
	ch, ok := h.pending[f.ID]
	h.pendingMu.Unlock()
	if ok {
		ch <- f
	}
}

// failPending 连接终止时让所有等待中的发送失败
func (h *wsHandle) failPending() {
	h.pendingMu.Lock()
	defer h.pendingMu.Unlock()
	for id, ch := range h.pending {
		close(ch)
		delete(h.pending, id)
	}
}

// Close 关闭连接，幂等
func (h *wsHandle) Close() error {
	var err error
	h.closeOnce.Do(func() {
		close(h.closeCh)
		deadline := time.Now().Add(time.Second)
		_ = h.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		err = h.conn.Close()
	})
	return err
}
