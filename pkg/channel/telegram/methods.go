package telegram

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/mymmrac/telego"
)

// Update is one long-poll event. Only messages are consumed; the message is
// kept raw so the mapper can see every field the platform sent.
type Update struct {
	UpdateID int64           `json:"update_id"`
	Message  json.RawMessage `json:"message,omitempty"`
}

func (u Update) HasMessage() bool {
	return len(u.Message) > 0 && string(u.Message) != "null"
}

func (c *Client) GetMe(ctx context.Context) (*telego.User, error) {
	raw, err := c.Call(ctx, "getMe", nil, nil)
	if err != nil {
		return nil, err
	}

	var user telego.User
	if err := json.Unmarshal(raw, &user); err != nil {
		return nil, fmt.Errorf("decode getMe result: %w", err)
	}

	return &user, nil
}

// GetUpdates long-polls for updates starting at offset, waiting up to timeoutSeconds.
func (c *Client) GetUpdates(ctx context.Context, offset int64, timeoutSeconds int) ([]Update, error) {
	params := Params{}
	params.SetInt("offset", offset)
	params.SetInt("timeout", int64(timeoutSeconds))

	raw, err := c.Call(ctx, "getUpdates", params, nil)
	if err != nil {
		return nil, err
	}

	var updates []Update
	if err := json.Unmarshal(raw, &updates); err != nil {
		return nil, fmt.Errorf("decode getUpdates result: %w", err)
	}

	return updates, nil
}

func (c *Client) SendMessage(ctx context.Context, chatID int64, text string, params Params) (json.RawMessage, error) {
	p := cloneParams(params)
	p.SetInt("chat_id", chatID)
	p.Set("text", text)

	return c.Call(ctx, "sendMessage", p, nil)
}

func (c *Client) ForwardMessage(ctx context.Context, chatID, fromChatID, messageID int64) (json.RawMessage, error) {
	p := Params{}
	p.SetInt("chat_id", chatID)
	p.SetInt("from_chat_id", fromChatID)
	p.SetInt("message_id", messageID)

	return c.Call(ctx, "forwardMessage", p, nil)
}

// SendMedia calls sendPhoto, sendAudio, sendDocument, sendSticker, sendVideo or
// sendVoice. With a nil file, params must already carry the platform file id
// under the kind's field name.
func (c *Client) SendMedia(ctx context.Context, kind string, chatID int64, params Params, file *InputFile) (json.RawMessage, error) {
	method, ok := mediaMethods[kind]
	if !ok {
		return nil, fmt.Errorf("telegram: unsupported media kind %q", kind)
	}

	p := cloneParams(params)
	p.SetInt("chat_id", chatID)

	return c.Call(ctx, method, p, file)
}

func (c *Client) SendLocation(ctx context.Context, chatID int64, params Params) (json.RawMessage, error) {
	p := cloneParams(params)
	p.SetInt("chat_id", chatID)

	return c.Call(ctx, "sendLocation", p, nil)
}

func (c *Client) SendChatAction(ctx context.Context, chatID int64, action string) error {
	p := Params{}
	p.SetInt("chat_id", chatID)
	p.Set("action", action)

	_, err := c.Call(ctx, "sendChatAction", p, nil)
	return err
}

// GetFile resolves a file id to its server-relative download path.
func (c *Client) GetFile(ctx context.Context, fileID string) (*telego.File, error) {
	p := Params{}
	p.Set("file_id", fileID)

	raw, err := c.Call(ctx, "getFile", p, nil)
	if err != nil {
		return nil, err
	}

	var file telego.File
	if err := json.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("decode getFile result: %w", err)
	}
	if file.FilePath == "" {
		return nil, &APIError{Method: "getFile", Description: "can't get file_path for " + fileID, Envelope: raw}
	}

	return &file, nil
}

var mediaMethods = map[string]string{
	"photo":    "sendPhoto",
	"audio":    "sendAudio",
	"document": "sendDocument",
	"sticker":  "sendSticker",
	"video":    "sendVideo",
	"voice":    "sendVoice",
}

func cloneParams(params Params) Params {
	p := make(Params, len(params)+2)
	for key, value := range params {
		p[key] = value
	}

	return p
}

// botIDFromToken extracts the numeric bot id that prefixes every bot token.
func botIDFromToken(token string) (int64, error) {
	prefix, _, ok := strings.Cut(strings.TrimSpace(token), ":")
	if !ok {
		return 0, fmt.Errorf("telegram token must look like <bot id>:<secret>")
	}

	id, err := strconv.ParseInt(prefix, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("telegram token has invalid bot id %q", prefix)
	}

	return id, nil
}
