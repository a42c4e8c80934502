package lark

import (
	"bytes"
	"context"
	"fmt"

	lark "github.com/larksuite/oapi-sdk-go/v3"
	larkim "github.com/larksuite/oapi-sdk-go/v3/service/im/v1"

	"github.com/ent0n29/chatbridge/internal/channel"
)

// Lark error codes that mean the request was throttled.
const (
	codeMessageRateLimited = 230020
	codeAppRateLimited     = 99991400
)

// messenger is the slice of the IM API the gateway needs.
type messenger interface {
	SendMessage(ctx context.Context, chatID, msgType, content string) (string, error)
	UpdateMessage(ctx context.Context, messageID, content string) error
	UploadFile(ctx context.Context, payload []byte, fileName, fileType string) (string, error)
}

type sdkMessenger struct {
	client *lark.Client
}

func newSDKMessenger(client *lark.Client) *sdkMessenger {
	return &sdkMessenger{client: client}
}

func (m *sdkMessenger) SendMessage(ctx context.Context, chatID, msgType, content string) (string, error) {
	req := larkim.NewCreateMessageReqBuilder().
		ReceiveIdType("chat_id").
		Body(larkim.NewCreateMessageReqBodyBuilder().
			ReceiveId(chatID).
			MsgType(msgType).
			Content(content).
			Build()).
		Build()

	resp, err := m.client.Im.Message.Create(ctx, req)
	if err != nil {
		return "", fmt.Errorf("lark send: %w", err)
	}
	if !resp.Success() {
		return "", apiError("send", resp.Code, resp.Msg)
	}
	if resp.Data == nil || resp.Data.MessageId == nil {
		return "", nil
	}
	return *resp.Data.MessageId, nil
}

func (m *sdkMessenger) UpdateMessage(ctx context.Context, messageID, content string) error {
	req := larkim.NewPatchMessageReqBuilder().
		MessageId(messageID).
		Body(larkim.NewPatchMessageReqBodyBuilder().
			Content(content).
			Build()).
		Build()

	resp, err := m.client.Im.Message.Patch(ctx, req)
	if err != nil {
		return fmt.Errorf("lark update: %w", err)
	}
	if !resp.Success() {
		return apiError("update", resp.Code, resp.Msg)
	}
	return nil
}

func (m *sdkMessenger) UploadFile(ctx context.Context, payload []byte, fileName, fileType string) (string, error) {
	req := larkim.NewCreateFileReqBuilder().
		Body(larkim.NewCreateFileReqBodyBuilder().
			FileType(fileType).
			FileName(fileName).
			File(bytes.NewReader(payload)).
			Build()).
		Build()

	resp, err := m.client.Im.File.Create(ctx, req)
	if err != nil {
		return "", fmt.Errorf("lark upload: %w", err)
	}
	if !resp.Success() {
		return "", apiError("upload", resp.Code, resp.Msg)
	}
	if resp.Data == nil || resp.Data.FileKey == nil {
		return "", fmt.Errorf("lark upload: empty file key")
	}
	return *resp.Data.FileKey, nil
}

// apiError maps Lark error codes onto channel errors.
func apiError(op string, code int, msg string) error {
	switch code {
	case codeMessageRateLimited, codeAppRateLimited:
		return fmt.Errorf("lark %s: code=%d msg=%s: %w", op, code, msg, channel.ErrRateLimited)
	}
	return fmt.Errorf("lark %s error: code=%d msg=%s", op, code, msg)
}
