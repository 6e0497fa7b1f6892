package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"polychat-go/internal/model"
	"polychat-go/internal/service"
	"polychat-go/pkg/log"
	"polychat-go/pkg/token"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// ChatHandler 处理流式对话请求，支持 SSE 与 WebSocket 两种传输方式。
type ChatHandler struct {
	chatService service.ChatService
	userService service.UserService
	jwtManager  *token.JWTManager
}

// NewChatHandler 创建一个新的 ChatHandler。
func NewChatHandler(chatService service.ChatService, userService service.UserService, jwtManager *token.JWTManager) *ChatHandler {
	return &ChatHandler{chatService: chatService, userService: userService, jwtManager: jwtManager}
}

// sseSink 将事件写为 text/event-stream。响应头在第一个事件到达时才写出，
// 这样请求校验失败时仍能返回普通的 JSON 错误。
type sseSink struct {
	c       *gin.Context
	started bool
}

func (s *sseSink) Send(ev service.Event) error {
	if err := s.c.Request.Context().Err(); err != nil {
		return err
	}
	if !s.started {
		h := s.c.Writer.Header()
		h.Set("Content-Type", "text/event-stream")
		h.Set("Cache-Control", "no-cache")
		h.Set("Connection", "keep-alive")
		h.Set("X-Accel-Buffering", "no")
		s.c.Status(http.StatusOK)
		s.started = true
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(s.c.Writer, "data: %s\n\n", data); err != nil {
		return err
	}
	s.c.Writer.Flush()
	return nil
}

// stream 执行一次流式调用。客户端断开不会中断生成，生成结果照常落库以便之后续传。
func (h *ChatHandler) stream(c *gin.Context, op string, run func(ctx context.Context, user *model.User, sink service.EventSink) error) {
	user := currentUser(c)
	if user == nil {
		fail(c, http.StatusUnauthorized, "未登录")
		return
	}
	sink := &sseSink{c: c}
	err := run(context.WithoutCancel(c.Request.Context()), user, sink)
	if err != nil && !sink.started {
		respondError(c, op, err)
	}
}

// Send 处理 POST /chat/send。携带 retryMessageId 时转为重试。
func (h *ChatHandler) Send(c *gin.Context) {
	var req service.SendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badPayload(c, err)
		return
	}
	h.stream(c, "Chat.Send", func(ctx context.Context, user *model.User, sink service.EventSink) error {
		if req.RetryMessageID != "" {
			return h.chatService.SendRetryTurn(ctx, user, service.RetryRequest{
				ConversationID: req.ConversationID,
				MessageID:      req.RetryMessageID,
				Model:          req.Model,
			}, sink)
		}
		return h.chatService.SendNewTurn(ctx, user, req, sink)
	})
}

// Retry 处理 POST /chat/retry。
func (h *ChatHandler) Retry(c *gin.Context) {
	var req service.RetryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badPayload(c, err)
		return
	}
	h.stream(c, "Chat.Retry", func(ctx context.Context, user *model.User, sink service.EventSink) error {
		return h.chatService.SendRetryTurn(ctx, user, req, sink)
	})
}

// Resume 处理 POST /chat/resume。
func (h *ChatHandler) Resume(c *gin.Context) {
	var req service.ResumeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badPayload(c, err)
		return
	}
	h.stream(c, "Chat.Resume", func(ctx context.Context, user *model.User, sink service.EventSink) error {
		return h.chatService.Resume(ctx, user, req, sink)
	})
}

// GetStream 处理 GET /chat/streams/:id。
func (h *ChatHandler) GetStream(c *gin.Context) {
	state, err := h.chatService.GetStream(c.Request.Context(), currentUser(c), c.Param("id"))
	if err != nil {
		respondError(c, "Chat.GetStream", err)
		return
	}
	ok(c, state)
}

// wsRequest 是 WebSocket 上行消息。type 为 send、retry 或 resume。
type wsRequest struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// wsSink 串行化对同一连接的写入。
type wsSink struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (s *wsSink) Send(ev service.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteJSON(ev)
}

// Handle 处理 /chat/ws/:token 的 WebSocket 连接。浏览器无法为 WebSocket 设置请求头，
// 因此 access token 通过路径传递。
func (h *ChatHandler) Handle(c *gin.Context) {
	tokenString := c.Param("token")
	claims, err := h.jwtManager.VerifyTyped(tokenString, token.TypeAccess)
	if err != nil {
		log.Warnf("无效的 WebSocket token: %v", err)
		fail(c, http.StatusUnauthorized, "无效的 token")
		return
	}
	if revoked, err := h.userService.IsRevoked(c.Request.Context(), claims); err == nil && revoked {
		fail(c, http.StatusUnauthorized, "token 已注销")
		return
	}
	user, err := h.userService.GetProfile(c.Request.Context(), claims.UserID)
	if err != nil {
		fail(c, http.StatusUnauthorized, "用户不存在")
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Errorf("WebSocket 升级失败: %v", err)
		return
	}
	defer conn.Close()
	log.Infof("WebSocket 连接已建立，用户: %s", user.Username)

	sink := &wsSink{conn: conn}
	ctx := context.WithoutCancel(c.Request.Context())
	for {
		var msg wsRequest
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warnf("WebSocket 读取失败: %v", err)
			}
			return
		}
		if err := h.dispatch(ctx, user, msg, sink); err != nil {
			// 流开始前的错误（校验、权限）以 error 事件返回
			msg := clientMessage("Chat.WebSocket", statusFor(err), err)
			if sendErr := sink.Send(service.Event{Type: service.EventError, Error: msg}); sendErr != nil {
				return
			}
		}
	}
}

// dispatch 同步执行一轮生成，同一连接上的请求按顺序处理。
func (h *ChatHandler) dispatch(ctx context.Context, user *model.User, msg wsRequest, sink service.EventSink) error {
	switch msg.Type {
	case "send":
		var req service.SendRequest
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			return fmt.Errorf("%w: invalid payload", service.ErrValidation)
		}
		if req.RetryMessageID != "" {
			return h.chatService.SendRetryTurn(ctx, user, service.RetryRequest{ConversationID: req.ConversationID, MessageID: req.RetryMessageID, Model: req.Model}, sink)
		}
		return h.chatService.SendNewTurn(ctx, user, req, sink)
	case "retry":
		var req service.RetryRequest
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			return fmt.Errorf("%w: invalid payload", service.ErrValidation)
		}
		return h.chatService.SendRetryTurn(ctx, user, req, sink)
	case "resume":
		var req service.ResumeRequest
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			return fmt.Errorf("%w: invalid payload", service.ErrValidation)
		}
		return h.chatService.Resume(ctx, user, req, sink)
	default:
		return fmt.Errorf("%w: unknown message type %q", service.ErrValidation, msg.Type)
	}
}
