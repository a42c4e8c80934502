// Package lark implements the chat channel on top of the Lark/Feishu open
// platform: inbound messages arrive over the event WebSocket, replies and
// cards go out through the IM REST API.
package lark

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	lark "github.com/larksuite/oapi-sdk-go/v3"
	larkcore "github.com/larksuite/oapi-sdk-go/v3/core"
	"github.com/larksuite/oapi-sdk-go/v3/event/dispatcher"
	larkim "github.com/larksuite/oapi-sdk-go/v3/service/im/v1"
	larkws "github.com/larksuite/oapi-sdk-go/v3/ws"
	"go.uber.org/zap"

	"github.com/ent0n29/chatbridge/internal/channel"
	"github.com/ent0n29/chatbridge/internal/logger"
	"github.com/ent0n29/chatbridge/internal/reliability"
)

const (
	messageDedupCacheSize = 2048
	messageDedupTTL       = 10 * time.Minute

	reconnectBase = time.Second
	reconnectCap  = time.Minute
)

// Config holds the app credentials of one bot.
type Config struct {
	AppID             string
	AppSecret         string
	BaseDomain        string
	VerificationToken string
	EncryptKey        string
}

// Gateway is a channel.Channel and channel.Receiver for one Lark bot.
type Gateway struct {
	agentID   string
	cfg       Config
	log       *logger.Logger
	now       func() time.Time
	messenger messenger
	dedup     *expirable.LRU[string, struct{}]

	mu      sync.RWMutex
	handler channel.Handler
}

var (
	_ channel.Channel  = (*Gateway)(nil)
	_ channel.Receiver = (*Gateway)(nil)
)

// New builds a gateway backed by the Lark SDK client.
func New(agentID string, cfg Config, log *logger.Logger) (*Gateway, error) {
	if strings.TrimSpace(cfg.AppID) == "" || strings.TrimSpace(cfg.AppSecret) == "" {
		return nil, errors.New("lark app id and secret are required")
	}
	var opts []lark.ClientOptionFunc
	if domain := strings.TrimSpace(cfg.BaseDomain); domain != "" {
		opts = append(opts, lark.WithOpenBaseUrl(domain))
	}
	client := lark.NewClient(cfg.AppID, cfg.AppSecret, opts...)
	return newGateway(agentID, cfg, newSDKMessenger(client), log), nil
}

func newGateway(agentID string, cfg Config, m messenger, log *logger.Logger) *Gateway {
	if log == nil {
		log = logger.Nop()
	}
	return &Gateway{
		agentID:   agentID,
		cfg:       cfg,
		log:       log.WithComponent("lark").WithAgentID(agentID),
		now:       time.Now,
		messenger: m,
		dedup:     expirable.NewLRU[string, struct{}](messageDedupCacheSize, nil, messageDedupTTL),
	}
}

// Start connects the event WebSocket and blocks until ctx ends. Failed
// connects are retried with backoff.
func (g *Gateway) Start(ctx context.Context, handler channel.Handler) error {
	g.setHandler(handler)

	events := dispatcher.NewEventDispatcher("", "")
	events.OnP2MessageReceiveV1(g.handleMessage)
	events.OnP2MessageReadV1(func(context.Context, *larkim.P2MessageReadV1) error { return nil })

	wsOpts := []larkws.ClientOption{
		larkws.WithEventHandler(events),
		larkws.WithLogLevel(larkcore.LogLevelInfo),
	}
	if domain := strings.TrimSpace(g.cfg.BaseDomain); domain != "" {
		wsOpts = append(wsOpts, larkws.WithDomain(domain))
	}

	reliability.Reconnect(ctx, reconnectBase, reconnectCap, func(ctx context.Context) error {
		ws := larkws.NewClient(g.cfg.AppID, g.cfg.AppSecret, wsOpts...)
		g.log.Info("lark gateway connecting", zap.String("app_id", g.cfg.AppID))
		// The SDK client reconnects on its own once connected and does not
		// watch ctx, so only the initial dial error comes back.
		errCh := make(chan error, 1)
		go func() { errCh <- ws.Start(ctx) }()
		select {
		case <-ctx.Done():
			return nil
		case err := <-errCh:
			return err
		}
	}, func(err error, wait time.Duration) {
		g.log.Warn("lark gateway connect failed", zap.Error(err), zap.Duration("retry_in", wait))
	})
	return nil
}

func (g *Gateway) setHandler(h channel.Handler) {
	g.mu.Lock()
	g.handler = h
	g.mu.Unlock()
}

func (g *Gateway) currentHandler() channel.Handler {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.handler
}

func (g *Gateway) handleMessage(ctx context.Context, event *larkim.P2MessageReceiveV1) error {
	msg, ok := g.parseMessage(event)
	if !ok {
		return nil
	}
	h := g.currentHandler()
	if h == nil {
		g.log.Warn("lark message dropped: no handler", zap.String("message_id", msg.MessageID))
		return nil
	}
	// The SDK acks the event after the callback returns; keep it short.
	go h(context.WithoutCancel(ctx), msg)
	return nil
}

func (g *Gateway) parseMessage(event *larkim.P2MessageReceiveV1) (channel.Message, bool) {
	if event == nil || event.Event == nil || event.Event.Message == nil {
		return channel.Message{}, false
	}
	raw := event.Event.Message
	if isBotSender(event) {
		return channel.Message{}, false
	}
	if strings.ToLower(deref(raw.MessageType)) != "text" {
		return channel.Message{}, false
	}
	text := extractTextContent(deref(raw.Content))
	if text == "" {
		return channel.Message{}, false
	}
	chatID := deref(raw.ChatId)
	if chatID == "" {
		g.log.Warn("lark message has empty chat_id")
		return channel.Message{}, false
	}
	messageID := deref(raw.MessageId)
	if g.isDuplicate(messageID) {
		g.log.Debug("lark duplicate message skipped", zap.String("message_id", messageID))
		return channel.Message{}, false
	}
	return channel.Message{
		AgentID:    g.agentID,
		ChatID:     chatID,
		UserID:     extractSenderID(event),
		MessageID:  messageID,
		Text:       text,
		ReceivedAt: g.now(),
	}, true
}

func (g *Gateway) isDuplicate(messageID string) bool {
	if messageID == "" {
		return false
	}
	if _, ok := g.dedup.Get(messageID); ok {
		return true
	}
	g.dedup.Add(messageID, struct{}{})
	return false
}

func (g *Gateway) SendText(ctx context.Context, chatID, text string) error {
	_, err := g.messenger.SendMessage(ctx, chatID, "text", textPayload(text))
	return err
}

func (g *Gateway) SendCard(ctx context.Context, chatID string, card channel.Card) (string, error) {
	content, err := card.LarkJSON()
	if err != nil {
		return "", err
	}
	return g.messenger.SendMessage(ctx, chatID, "interactive", content)
}

func (g *Gateway) UpdateCard(ctx context.Context, cardID string, card channel.Card) error {
	content, err := card.LarkJSON()
	if err != nil {
		return err
	}
	return g.messenger.UpdateMessage(ctx, cardID, content)
}

func (g *Gateway) SendFile(ctx context.Context, chatID, path string) error {
	payload, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	key, err := g.messenger.UploadFile(ctx, payload, filepath.Base(path), "stream")
	if err != nil {
		return err
	}
	raw, err := json.Marshal(map[string]string{"file_key": key})
	if err != nil {
		return err
	}
	_, err = g.messenger.SendMessage(ctx, chatID, "file", string(raw))
	return err
}

func textPayload(text string) string {
	raw, _ := json.Marshal(map[string]string{"text": text})
	return string(raw)
}

var mentionTag = regexp.MustCompile(`@_user_\d+\s*`)

// extractTextContent parses a Lark text message content: {"text":"..."}.
func extractTextContent(raw string) string {
	if raw == "" {
		return ""
	}
	var parsed struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		return strings.TrimSpace(raw)
	}
	return strings.TrimSpace(mentionTag.ReplaceAllString(parsed.Text, ""))
}

// extractSenderID prefers open_id and falls back to user_id then union_id.
func extractSenderID(event *larkim.P2MessageReceiveV1) string {
	if event.Event.Sender == nil || event.Event.Sender.SenderId == nil {
		return ""
	}
	id := event.Event.Sender.SenderId
	for _, v := range []*string{id.OpenId, id.UserId, id.UnionId} {
		if s := strings.TrimSpace(deref(v)); s != "" {
			return s
		}
	}
	return ""
}

func isBotSender(event *larkim.P2MessageReceiveV1) bool {
	return event.Event.Sender != nil && deref(event.Event.Sender.SenderType) == "app"
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
