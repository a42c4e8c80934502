package lark

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	larkevent "github.com/larksuite/oapi-sdk-go/v3/event"
	"github.com/larksuite/oapi-sdk-go/v3/event/dispatcher"
	"github.com/larksuite/oapi-sdk-go/v3/event/dispatcher/callback"
	"go.uber.org/zap"

	"github.com/ent0n29/chatbridge/internal/channel"
)

const maxCardCallbackBodyBytes = 1 << 20

// CardCallbackHandler returns the HTTP endpoint Lark posts button clicks to.
// A click on a reply button reaches the handler as a message from the
// clicking user with FromCard set.
func (g *Gateway) CardCallbackHandler() http.Handler {
	token := strings.TrimSpace(g.cfg.VerificationToken)
	if token == "" {
		g.log.Warn("lark card callback verification token missing: url verification may fail")
	}
	disp := dispatcher.NewEventDispatcher(token, strings.TrimSpace(g.cfg.EncryptKey))
	disp.OnP2CardActionTrigger(g.handleCardAction)
	return &cardCallbackHandler{dispatcher: disp}
}

type cardCallbackHandler struct {
	dispatcher *dispatcher.EventDispatcher
}

func (h *cardCallbackHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxCardCallbackBodyBytes))
	if err != nil {
		http.Error(w, fmt.Sprintf("read body: %v", err), http.StatusBadRequest)
		return
	}
	resp := h.dispatcher.Handle(r.Context(), &larkevent.EventReq{
		Header:     r.Header,
		Body:       body,
		RequestURI: r.RequestURI,
	})
	if resp == nil {
		http.Error(w, "empty response", http.StatusInternalServerError)
		return
	}
	for key, values := range resp.Header {
		for _, value := range values {
			w.Header().Add(key, value)
		}
	}
	w.WriteHeader(resp.StatusCode)
	_, _ = w.Write(resp.Body)
}

func (g *Gateway) handleCardAction(ctx context.Context, event *callback.CardActionTriggerEvent) (*callback.CardActionTriggerResponse, error) {
	msg, ok := g.cardActionMessage(event)
	if !ok {
		return cardToast("error", "Unsupported action"), nil
	}
	h := g.currentHandler()
	if h == nil {
		return cardToast("error", "Bot is not ready yet"), nil
	}
	g.log.Debug("lark card action", zap.String("chat_id", msg.ChatID), zap.String("message_id", msg.MessageID))
	go h(context.WithoutCancel(ctx), msg)
	return cardToast("success", "Received"), nil
}

func (g *Gateway) cardActionMessage(event *callback.CardActionTriggerEvent) (channel.Message, bool) {
	if event == nil || event.Event == nil || event.Event.Action == nil {
		return channel.Message{}, false
	}
	action := event.Event.Action
	if actionValue(action, "action") != channel.ActionReply {
		return channel.Message{}, false
	}
	text := actionValue(action, "text")
	if text == "" {
		return channel.Message{}, false
	}
	var chatID, messageID, userID string
	if c := event.Event.Context; c != nil {
		chatID = strings.TrimSpace(c.OpenChatID)
		messageID = strings.TrimSpace(c.OpenMessageID)
	}
	if op := event.Event.Operator; op != nil {
		userID = strings.TrimSpace(op.OpenID)
		if userID == "" && op.UserID != nil {
			userID = strings.TrimSpace(*op.UserID)
		}
	}
	if chatID == "" || userID == "" {
		return channel.Message{}, false
	}
	return channel.Message{
		AgentID:    g.agentID,
		ChatID:     chatID,
		UserID:     userID,
		MessageID:  messageID,
		Text:       text,
		FromCard:   true,
		PromptID:   actionValue(action, "ref"),
		ReceivedAt: g.now(),
	}, true
}

func actionValue(action *callback.CallBackAction, key string) string {
	if action.Value == nil {
		return ""
	}
	val, ok := action.Value[key]
	if !ok || val == nil {
		return ""
	}
	return strings.TrimSpace(fmt.Sprint(val))
}

func cardToast(kind, content string) *callback.CardActionTriggerResponse {
	return &callback.CardActionTriggerResponse{
		Toast: &callback.Toast{Type: kind, Content: content},
	}
}
