package lark

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/larksuite/oapi-sdk-go/v3/event/dispatcher/callback"
	larkim "github.com/larksuite/oapi-sdk-go/v3/service/im/v1"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ent0n29/chatbridge/internal/channel"
	"github.com/ent0n29/chatbridge/internal/logger"
)

type messengerCall struct {
	method   string
	target   string
	msgType  string
	content  string
	fileName string
}

type recordingMessenger struct {
	mu        sync.Mutex
	calls     []messengerCall
	updateErr error
	sendCount int
}

func (r *recordingMessenger) SendMessage(_ context.Context, chatID, msgType, content string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sendCount++
	r.calls = append(r.calls, messengerCall{method: "send", target: chatID, msgType: msgType, content: content})
	return fmt.Sprintf("om_%d", r.sendCount), nil
}

func (r *recordingMessenger) UpdateMessage(_ context.Context, messageID, content string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, messengerCall{method: "update", target: messageID, content: content})
	return r.updateErr
}

func (r *recordingMessenger) UploadFile(_ context.Context, _ []byte, fileName, fileType string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, messengerCall{method: "upload", msgType: fileType, fileName: fileName})
	return "file_v2_1", nil
}

func (r *recordingMessenger) snapshot() []messengerCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]messengerCall(nil), r.calls...)
}

func newTestGateway(m messenger) *Gateway {
	g := newGateway("bot", Config{AppID: "cli_a", AppSecret: "s"}, m, logger.Nop())
	g.now = func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) }
	return g
}

func strPtr(s string) *string { return &s }

func textEvent(messageID, chatID, senderID, text string) *larkim.P2MessageReceiveV1 {
	return &larkim.P2MessageReceiveV1{
		Event: &larkim.P2MessageReceiveV1Data{
			Message: &larkim.EventMessage{
				MessageId:   strPtr(messageID),
				ChatId:      strPtr(chatID),
				ChatType:    strPtr("p2p"),
				MessageType: strPtr("text"),
				Content:     strPtr(textPayload(text)),
			},
			Sender: &larkim.EventSender{
				SenderId:   &larkim.UserId{OpenId: strPtr(senderID)},
				SenderType: strPtr("user"),
			},
		},
	}
}

func TestParseMessage(t *testing.T) {
	g := newTestGateway(&recordingMessenger{})

	msg, ok := g.parseMessage(textEvent("om_1", "oc_1", "ou_1", "@_user_1 fix the build"))
	require.True(t, ok)
	assert.Equal(t, channel.Message{
		AgentID:    "bot",
		ChatID:     "oc_1",
		UserID:     "ou_1",
		MessageID:  "om_1",
		Text:       "fix the build",
		ReceivedAt: g.now(),
	}, msg)

	_, ok = g.parseMessage(textEvent("om_1", "oc_1", "ou_1", "fix the build"))
	assert.False(t, ok, "redelivered message must be dropped")

	_, ok = g.parseMessage(textEvent("om_2", "oc_1", "ou_1", "   "))
	assert.False(t, ok)

	bot := textEvent("om_3", "oc_1", "ou_bot", "hello")
	bot.Event.Sender.SenderType = strPtr("app")
	_, ok = g.parseMessage(bot)
	assert.False(t, ok)

	image := textEvent("om_4", "oc_1", "ou_1", "x")
	image.Event.Message.MessageType = strPtr("image")
	_, ok = g.parseMessage(image)
	assert.False(t, ok)

	_, ok = g.parseMessage(nil)
	assert.False(t, ok)
}

func TestExtractSenderIDFallback(t *testing.T) {
	ev := textEvent("om_1", "oc_1", "", "hi")
	ev.Event.Sender.SenderId = &larkim.UserId{UserId: strPtr("u_9")}
	assert.Equal(t, "u_9", extractSenderID(ev))
}

func TestHandleMessageDispatches(t *testing.T) {
	g := newTestGateway(&recordingMessenger{})
	got := make(chan channel.Message, 1)
	g.setHandler(func(_ context.Context, msg channel.Message) { got <- msg })

	require.NoError(t, g.handleMessage(context.Background(), textEvent("om_1", "oc_1", "ou_1", "hello")))
	select {
	case msg := <-got:
		assert.Equal(t, "hello", msg.Text)
	case <-time.After(time.Second):
		t.Fatal("handler not called")
	}
}

func TestSendAndUpdateCard(t *testing.T) {
	m := &recordingMessenger{}
	g := newTestGateway(m)
	ctx := context.Background()

	id, err := g.SendCard(ctx, "oc_1", channel.Card{Title: "Working", Body: []string{"step"}})
	require.NoError(t, err)
	assert.Equal(t, "om_1", id)
	require.NoError(t, g.UpdateCard(ctx, id, channel.Card{Title: "Done"}))
	require.NoError(t, g.SendText(ctx, "oc_1", "plain"))

	calls := m.snapshot()
	require.Len(t, calls, 3)
	assert.Equal(t, "interactive", calls[0].msgType)
	assert.Contains(t, calls[0].content, `"Working"`)
	assert.Equal(t, "update", calls[1].method)
	assert.Equal(t, "om_1", calls[1].target)
	assert.Equal(t, "text", calls[2].msgType)
	assert.JSONEq(t, `{"text":"plain"}`, calls[2].content)
}

func TestUpdateCardRateLimited(t *testing.T) {
	m := &recordingMessenger{updateErr: apiError("update", codeMessageRateLimited, "frequency limit")}
	g := newTestGateway(m)

	err := g.UpdateCard(context.Background(), "om_1", channel.Card{Title: "x"})
	assert.True(t, errors.Is(err, channel.ErrRateLimited))

	assert.False(t, errors.Is(apiError("update", 230001, "bad"), channel.ErrRateLimited))
}

func TestSendFile(t *testing.T) {
	m := &recordingMessenger{}
	g := newTestGateway(m)
	path := filepath.Join(t.TempDir(), "report.txt")
	require.NoError(t, os.WriteFile(path, []byte("ok"), 0o644))

	require.NoError(t, g.SendFile(context.Background(), "oc_1", path))
	calls := m.snapshot()
	require.Len(t, calls, 2)
	assert.Equal(t, "upload", calls[0].method)
	assert.Equal(t, "report.txt", calls[0].fileName)
	assert.Equal(t, "file", calls[1].msgType)
	assert.JSONEq(t, `{"file_key":"file_v2_1"}`, calls[1].content)

	assert.Error(t, g.SendFile(context.Background(), "oc_1", filepath.Join(t.TempDir(), "missing")))
}

func cardEvent(value map[string]interface{}) *callback.CardActionTriggerEvent {
	return &callback.CardActionTriggerEvent{
		Event: &callback.CardActionTriggerRequest{
			Operator: &callback.Operator{OpenID: "ou_1"},
			Action:   &callback.CallBackAction{Tag: "button", Value: value},
			Context:  &callback.Context{OpenChatID: "oc_1", OpenMessageID: "om_card"},
		},
	}
}

func TestCardActionMessage(t *testing.T) {
	g := newTestGateway(&recordingMessenger{})

	msg, ok := g.cardActionMessage(cardEvent(map[string]interface{}{"action": channel.ActionReply, "text": "yes"}))
	require.True(t, ok)
	assert.Equal(t, "yes", msg.Text)
	assert.Equal(t, "oc_1", msg.ChatID)
	assert.Equal(t, "ou_1", msg.UserID)
	assert.Equal(t, "om_card", msg.MessageID)
	assert.True(t, msg.FromCard)
	assert.Empty(t, msg.PromptID)

	msg, ok = g.cardActionMessage(cardEvent(map[string]interface{}{"action": channel.ActionReply, "text": "no", "ref": "task-9/2"}))
	require.True(t, ok)
	assert.Equal(t, "task-9/2", msg.PromptID)

	_, ok = g.cardActionMessage(cardEvent(map[string]interface{}{"action": "open_url"}))
	assert.False(t, ok)
	_, ok = g.cardActionMessage(cardEvent(map[string]interface{}{"action": channel.ActionReply}))
	assert.False(t, ok)
	_, ok = g.cardActionMessage(nil)
	assert.False(t, ok)
}

func TestHandleCardActionToast(t *testing.T) {
	g := newTestGateway(&recordingMessenger{})
	ev := cardEvent(map[string]interface{}{"action": channel.ActionReply, "text": "no"})

	resp, err := g.handleCardAction(context.Background(), ev)
	require.NoError(t, err)
	assert.Equal(t, "error", resp.Toast.Type)

	got := make(chan channel.Message, 1)
	g.setHandler(func(_ context.Context, msg channel.Message) { got <- msg })
	resp, err = g.handleCardAction(context.Background(), ev)
	require.NoError(t, err)
	assert.Equal(t, "success", resp.Toast.Type)
	select {
	case msg := <-got:
		assert.Equal(t, "no", msg.Text)
	case <-time.After(time.Second):
		t.Fatal("handler not called")
	}
}

func TestNewRequiresCredentials(t *testing.T) {
	_, err := New("bot", Config{AppID: "cli_a"}, nil)
	assert.Error(t, err)
}
