package channel

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ent0n29/chatbridge/internal/logger"
)

// Console is the channel of agents without chat credentials. Outbound
// traffic goes to the log; inbound messages arrive through the HTTP API.
type Console struct {
	log *logger.Logger
}

func NewConsole(agentID string, log *logger.Logger) *Console {
	if log == nil {
		log = logger.Default()
	}
	return &Console{log: log.WithComponent("console").WithAgentID(agentID)}
}

func (c *Console) SendText(_ context.Context, chatID, text string) error {
	c.log.Info("text", zap.String("chat_id", chatID), zap.String("text", text))
	return nil
}

func (c *Console) SendCard(_ context.Context, chatID string, card Card) (string, error) {
	id := uuid.NewString()
	c.log.Info("card",
		zap.String("chat_id", chatID),
		zap.String("card_id", id),
		zap.String("card", card.Text()))
	return id, nil
}

func (c *Console) UpdateCard(_ context.Context, cardID string, card Card) error {
	c.log.Info("card update", zap.String("card_id", cardID), zap.String("card", card.Text()))
	return nil
}

func (c *Console) SendFile(_ context.Context, chatID, path string) error {
	c.log.Info("file", zap.String("chat_id", chatID), zap.String("path", path))
	return nil
}
