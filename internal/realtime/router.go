package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/samber/lo"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/tbourn/astro-consult-backend/internal/config"
	"github.com/tbourn/astro-consult-backend/internal/domain"
	"github.com/tbourn/astro-consult-backend/internal/observability"
	"github.com/tbourn/astro-consult-backend/internal/presence"
	"github.com/tbourn/astro-consult-backend/internal/services"
)

// Router upgrades HTTP requests to websocket connections and dispatches
// their inbound events.
type Router struct {
	Hub      *Hub
	Registry *presence.Registry
	Presence *services.PresenceService
	Requests *services.RequestService
	Sessions *services.SessionService
	Messages *services.MessageService
	Config   config.WSConfig
	Log      zerolog.Logger

	validate *validator.Validate
	upgrader websocket.Upgrader
	routes   map[string]handlerFunc
}

// NewRouter wires a Router. origins lists the browser origins allowed to
// connect; "*" or an empty list allows any.
func NewRouter(
	hub *Hub,
	registry *presence.Registry,
	presenceSvc *services.PresenceService,
	requests *services.RequestService,
	sessions *services.SessionService,
	messages *services.MessageService,
	cfg config.WSConfig,
	origins []string,
	log zerolog.Logger,
) *Router {
	rt := &Router{
		Hub:      hub,
		Registry: registry,
		Presence: presenceSvc,
		Requests: requests,
		Sessions: sessions,
		Messages: messages,
		Config:   cfg,
		Log:      log.With().Str("component", "ws_router").Logger(),
		validate: validator.New(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(origins),
		},
	}
	rt.routes = map[string]handlerFunc{
		services.EventJoin:               rt.join,
		services.EventSendChatRequest:    rt.sendChatRequest,
		services.EventRespondChatRequest: rt.respondChatRequest,
		services.EventSendMessage:        rt.sendMessage,
		services.EventEndChatSession:     rt.endChatSession,
		services.EventEditMessage:        rt.editMessage,
		services.EventDeleteMessage:      rt.deleteMessage,
		services.EventMarkMessagesAsRead: rt.markMessagesAsRead,
		services.EventTyping:             rt.typing(true),
		services.EventStopTyping:         rt.typing(false),
	}
	return rt
}

func originChecker(origins []string) func(*http.Request) bool {
	if len(origins) == 0 || lo.Contains(origins, "*") {
		return func(*http.Request) bool { return true }
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		// Non-browser clients send no Origin.
		return origin == "" || lo.Contains(origins, origin)
	}
}

// ServeHTTP upgrades the request and runs the connection until it closes.
// Closing the socket is the disconnect event.
func (rt *Router) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := rt.upgrader.Upgrade(w, r, nil)
	if err != nil {
		rt.Log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	c := NewClient(rt.Hub, conn, rt.Config)
	if !rt.Hub.Register(c) {
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"))
		_ = conn.Close()
		return
	}

	// Keep request values but not the cancellation tied to the handler.
	ctx := context.WithoutCancel(r.Context())

	go c.WritePump()
	c.ReadPump(func(c *Client, raw []byte) { rt.Handle(ctx, c, raw) })

	rt.Presence.Leave(ctx, c.ID)
	observability.WSEvents.WithLabelValues("disconnect", "ok").Inc()
}

type handlerFunc func(ctx context.Context, c *Client, data json.RawMessage) (ack string, payload any, err error)

// Handle processes one inbound frame from c. Acknowledgements and errors go
// back to c with the frame's ref.
func (rt *Router) Handle(ctx context.Context, c *Client, raw []byte) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil || env.Event == "" {
		rt.Hub.reply(c.ID, services.EventError, ErrorPayload{Code: CodeBadFrame, Message: "frame must be a JSON envelope with an event"}, "")
		observability.WSEvents.WithLabelValues("invalid", "error").Inc()
		return
	}

	h, ok := rt.routes[env.Event]
	if !ok {
		rt.fail(c, env, ErrorPayload{Code: CodeUnknown, Message: fmt.Sprintf("unknown event %q", env.Event)})
		observability.WSEvents.WithLabelValues("unknown", "error").Inc()
		return
	}

	ctx, span := observability.Tracer("realtime").Start(ctx, "ws "+env.Event,
		trace.WithAttributes(attribute.String("ws.conn_id", string(c.ID))),
	)
	defer span.End()

	ack, payload, err := h(ctx, c, env.Data)
	if err != nil {
		observability.Fail(span, err)
		var fe *frameError
		if errors.As(err, &fe) {
			rt.fail(c, env, ErrorPayload{Code: fe.code, Message: fe.msg})
		} else {
			if services.CodeOf(err) == services.CodeInternal {
				rt.Log.Error().Err(err).Str("event", env.Event).Str("conn_id", string(c.ID)).Msg("event failed")
			}
			rt.fail(c, env, errorFor(err, env.Event, env.Ref))
		}
		observability.WSEvents.WithLabelValues(env.Event, "error").Inc()
		return
	}
	if ack != "" {
		rt.Hub.reply(c.ID, ack, payload, env.Ref)
	}
	observability.WSEvents.WithLabelValues(env.Event, "ok").Inc()
}

func (rt *Router) fail(c *Client, env Envelope, p ErrorPayload) {
	p.Event, p.Ref = env.Event, env.Ref
	rt.Hub.reply(c.ID, services.EventError, p, env.Ref)
}

// frameError is a transport-level refusal (bad payload, not joined).
type frameError struct {
	code string
	msg  string
}

func (e *frameError) Error() string { return e.msg }

// decode unmarshals and validates an event payload.
func (rt *Router) decode(data json.RawMessage, v any) error {
	if len(data) == 0 {
		data = json.RawMessage("{}")
	}
	if err := json.Unmarshal(data, v); err != nil {
		return &frameError{code: CodeBadPayload, msg: "data is not a valid JSON object"}
	}
	if err := rt.validate.Struct(v); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := lo.Map(verrs, func(fe validator.FieldError, _ int) string {
				return fmt.Sprintf("%s (%s)", lowerFirst(fe.Field()), fe.Tag())
			})
			return &frameError{code: CodeBadPayload, msg: "invalid fields: " + strings.Join(fields, ", ")}
		}
		return &frameError{code: CodeBadPayload, msg: err.Error()}
	}
	return nil
}

func lowerFirst(s string) string {
	if s == "" {
		return s
	}
	return strings.ToLower(s[:1]) + s[1:]
}

// identity returns who c joined as.
func (rt *Router) identity(c *Client) (presence.Key, error) {
	k, ok := rt.Registry.Identity(c.ID)
	if !ok {
		return presence.Key{}, &frameError{code: CodeNotJoined, msg: "join before sending events"}
	}
	return k, nil
}

// as returns c's identity and checks its role and, when the client named
// itself in the payload, that the name matches.
func (rt *Router) as(c *Client, role, claimed string) (presence.Key, error) {
	k, err := rt.identity(c)
	if err != nil {
		return k, err
	}
	if role != "" && k.Role != role {
		return k, services.ErrUnauthorized.With("only a %s can do this", role)
	}
	if claimed != "" && claimed != k.ID {
		return k, services.ErrUnauthorized.With("payload id does not match the joined identity")
	}
	return k, nil
}

type joinData struct {
	ID   string `json:"id"   validate:"required"`
	Type string `json:"type" validate:"required,oneof=user astrologer"`
}

func (rt *Router) join(ctx context.Context, c *Client, data json.RawMessage) (string, any, error) {
	var in joinData
	if err := rt.decode(data, &in); err != nil {
		return "", nil, err
	}
	j, err := rt.Presence.Join(ctx, c.ID, in.ID, in.Type)
	if err != nil {
		return "", nil, err
	}
	return services.EventJoinSuccess, services.JoinSuccess{ID: j.ID, Role: j.Role}, nil
}

type sendChatRequestData struct {
	UserID       string `json:"userId"`
	AstrologerID string `json:"astrologerId" validate:"required"`
	Type         string `json:"type"`
}

func (rt *Router) sendChatRequest(ctx context.Context, c *Client, data json.RawMessage) (string, any, error) {
	var in sendChatRequestData
	if err := rt.decode(data, &in); err != nil {
		return "", nil, err
	}
	who, err := rt.as(c, domain.RoleUser, in.UserID)
	if err != nil {
		return "", nil, err
	}
	req, err := rt.Requests.CreateRequest(ctx, who.ID, in.AstrologerID, in.Type)
	if err != nil {
		return "", nil, err
	}
	return services.EventChatRequestSent, services.RequestViewOf(req), nil
}

type respondChatRequestData struct {
	ChatRequestID string `json:"chatRequestId" validate:"required"`
	AstrologerID  string `json:"astrologerId"`
	Action        string `json:"action"        validate:"required"`
}

func (rt *Router) respondChatRequest(ctx context.Context, c *Client, data json.RawMessage) (string, any, error) {
	var in respondChatRequestData
	if err := rt.decode(data, &in); err != nil {
		return "", nil, err
	}
	who, err := rt.as(c, domain.RoleAstrologer, in.AstrologerID)
	if err != nil {
		return "", nil, err
	}
	res, err := rt.Requests.RespondToRequest(ctx, in.ChatRequestID, who.ID, in.Action)
	if err != nil {
		return "", nil, err
	}
	ack := services.RequestResponded{RequestID: res.Request.ID, Action: in.Action}
	if res.Session != nil {
		ack.SessionID = res.Session.ID
	}
	return services.EventChatRequestResponded, ack, nil
}

type sendMessageData struct {
	ChatSessionID string `json:"chatSessionId" validate:"required"`
	SenderID      string `json:"senderId"`
	MessageText   string `json:"messageText"`
}

func (rt *Router) sendMessage(ctx context.Context, c *Client, data json.RawMessage) (string, any, error) {
	var in sendMessageData
	if err := rt.decode(data, &in); err != nil {
		return "", nil, err
	}
	who, err := rt.as(c, "", in.SenderID)
	if err != nil {
		return "", nil, err
	}
	m, err := rt.Messages.Send(ctx, in.ChatSessionID, who.ID, who.Role, in.MessageText)
	if err != nil {
		return "", nil, err
	}
	return services.EventMessageSent, services.MessageViewOf(m), nil
}

type endChatSessionData struct {
	ChatSessionID string `json:"chatSessionId" validate:"required"`
	UserID        string `json:"userId"`
}

// endChatSession needs no ack: both parties, the caller included, receive
// chatSessionEnded.
func (rt *Router) endChatSession(ctx context.Context, c *Client, data json.RawMessage) (string, any, error) {
	var in endChatSessionData
	if err := rt.decode(data, &in); err != nil {
		return "", nil, err
	}
	who, err := rt.as(c, "", in.UserID)
	if err != nil {
		return "", nil, err
	}
	_, err = rt.Sessions.EndSession(ctx, in.ChatSessionID, who.ID, who.Role)
	return "", nil, err
}

type editMessageData struct {
	MessageID      string `json:"messageId" validate:"required"`
	NewMessageText string `json:"newMessageText"`
}

func (rt *Router) editMessage(ctx context.Context, c *Client, data json.RawMessage) (string, any, error) {
	var in editMessageData
	if err := rt.decode(data, &in); err != nil {
		return "", nil, err
	}
	who, err := rt.identity(c)
	if err != nil {
		return "", nil, err
	}
	m, err := rt.Messages.Edit(ctx, in.MessageID, who.ID, in.NewMessageText)
	if err != nil {
		return "", nil, err
	}
	return services.EventMessageEdited, services.MessageViewOf(m), nil
}

type deleteMessageData struct {
	MessageID   string `json:"messageId" validate:"required"`
	ForEveryone bool   `json:"forEveryone"`
}

func (rt *Router) deleteMessage(ctx context.Context, c *Client, data json.RawMessage) (string, any, error) {
	var in deleteMessageData
	if err := rt.decode(data, &in); err != nil {
		return "", nil, err
	}
	who, err := rt.identity(c)
	if err != nil {
		return "", nil, err
	}
	m, err := rt.Messages.Delete(ctx, in.MessageID, who.ID, in.ForEveryone)
	if err != nil {
		return "", nil, err
	}
	return services.EventMessageDeleted, services.MessageDeleted{
		MessageID:   m.ID,
		SessionID:   m.SessionID,
		DeletedBy:   who.ID,
		ForEveryone: in.ForEveryone,
	}, nil
}

type markReadData struct {
	SenderID    string `json:"senderId"    validate:"required"`
	RecipientID string `json:"recipientId"`
}

func (rt *Router) markMessagesAsRead(ctx context.Context, c *Client, data json.RawMessage) (string, any, error) {
	var in markReadData
	if err := rt.decode(data, &in); err != nil {
		return "", nil, err
	}
	who, err := rt.as(c, "", in.RecipientID)
	if err != nil {
		return "", nil, err
	}
	senderRole := domain.RoleAstrologer
	if who.Role == domain.RoleAstrologer {
		senderRole = domain.RoleUser
	}
	n, err := rt.Messages.MarkRead(ctx, in.SenderID, senderRole, who.ID)
	if err != nil {
		return "", nil, err
	}
	return services.EventMessagesMarkedAsRead, services.ReadReceipt{SenderID: in.SenderID, RecipientID: who.ID, Count: n}, nil
}

type typingData struct {
	SenderID    string `json:"senderId"`
	RecipientID string `json:"recipientId" validate:"required"`
}

// typing forwards the indicator within an active session and never acks; an
// offline recipient simply misses it.
func (rt *Router) typing(on bool) handlerFunc {
	return func(ctx context.Context, c *Client, data json.RawMessage) (string, any, error) {
		var in typingData
		if err := rt.decode(data, &in); err != nil {
			return "", nil, err
		}
		who, err := rt.as(c, "", in.SenderID)
		if err != nil {
			return "", nil, err
		}
		if _, err := rt.Messages.Typing(ctx, who.ID, who.Role, in.RecipientID, on); err != nil {
			return "", nil, err
		}
		return "", nil, nil
	}
}
