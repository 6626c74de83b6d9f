package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"tgrelay/pkg/bus"

	"github.com/mymmrac/telego"
	"github.com/samber/lo"
)

const (
	protocolName = "telegrambot"
	userProtocol = "telegram"
	familyPrefix = "telegram"
)

// staticFields are the message fields the mapper interprets itself. Every
// other field is media, so new media kinds pass through without code changes.
var staticFields = []string{
	"message_id", "from", "date", "chat", "forward_from",
	"forward_date", "reply_to_message", "text", "entities", "caption",
}

// wireMessage is the typed view of the static fields of a Bot API message.
type wireMessage struct {
	MessageID      int64           `json:"message_id"`
	From           *telego.User    `json:"from"`
	Date           int64           `json:"date"`
	Chat           *telego.Chat    `json:"chat"`
	ForwardFrom    *telego.User    `json:"forward_from"`
	ForwardDate    int64           `json:"forward_date"`
	ReplyToMessage json.RawMessage `json:"reply_to_message"`
	Text           string          `json:"text"`
	Caption        string          `json:"caption"`
}

// mediaPayload is the non-static part of a message, in wire order, plus the
// title of the chat it was posted in.
type mediaPayload struct {
	keys      []string
	fields    map[string]json.RawMessage
	chatTitle string
}

func (m mediaPayload) empty() bool {
	return len(m.keys) == 0
}

type describer interface {
	Describe(ctx context.Context, media mediaPayload) string
}

// destination is the bridged chat. It is refreshed from inbound traffic so
// title changes are picked up.
type destination struct {
	mu   sync.RWMutex
	user bus.User
}

func (d *destination) Get() bus.User {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.user
}

func (d *destination) PID() int64 {
	return d.Get().PID
}

func (d *destination) update(chat bus.User) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if chat.Alias == "" {
		chat.Alias = d.user.Alias
	}
	d.user = chat
}

// Mapper turns Bot API message payloads into bus messages.
type Mapper struct {
	media describer
	dest  *destination
}

func newMapper(media describer, dest *destination) *Mapper {
	return &Mapper{media: media, dest: dest}
}

// Message maps a raw message payload. A null or empty payload maps to nil.
// One level of reply is materialized; deeper replies keep only their id.
func (m *Mapper) Message(ctx context.Context, raw json.RawMessage) (*bus.Message, error) {
	return m.message(ctx, raw, 0)
}

func (m *Mapper) message(ctx context.Context, raw json.RawMessage, depth int) (*bus.Message, error) {
	if isNull(raw) {
		return nil, nil
	}

	var wire wireMessage
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, fmt.Errorf("decode message: %w", err)
	}
	if wire.Chat == nil {
		return nil, fmt.Errorf("message %d has no chat", wire.MessageID)
	}

	media, err := splitMedia(raw)
	if err != nil {
		return nil, err
	}

	chat := chatUser(wire.Chat)
	msg := &bus.Message{
		Protocol: protocolName,
		PID:      wire.MessageID,
		Chat:     chat,
		Text:     wire.Text,
		Time:     time.Unix(wire.Date, 0).UTC(),
		FwdSrc:   userFromTelego(wire.ForwardFrom),
		Kind:     m.contextKind(chat),
	}
	if msg.Text == "" {
		msg.Text = wire.Caption
	}
	// Channel posts carry no sender; the channel itself speaks.
	msg.Src = userFromTelego(wire.From)
	if msg.Src == nil {
		msg.Src = chatUser(wire.Chat)
	}
	if wire.ForwardDate != 0 {
		msg.FwdTime = time.Unix(wire.ForwardDate, 0).UTC()
	}
	if !media.empty() {
		media.chatTitle = wire.Chat.Title
		msg.Media = media.fields
		msg.AltText = m.describe(ctx, media)
		if msg.AltText != "" && msg.Text != "" {
			msg.AltText = msg.Text + " " + msg.AltText
		}
	}

	if !isNull(wire.ReplyToMessage) {
		if depth == 0 {
			reply, err := m.message(ctx, wire.ReplyToMessage, depth+1)
			if err != nil {
				return nil, fmt.Errorf("map reply of message %d: %w", wire.MessageID, err)
			}
			msg.Reply = reply
			msg.ReplyPID = reply.PID
		} else {
			var ref struct {
				MessageID int64 `json:"message_id"`
			}
			if err := json.Unmarshal(wire.ReplyToMessage, &ref); err == nil {
				msg.ReplyPID = ref.MessageID
			}
		}
	}

	return msg, nil
}

func (m *Mapper) describe(ctx context.Context, media mediaPayload) string {
	if m.media == nil {
		return ""
	}
	return m.media.Describe(ctx, media)
}

func (m *Mapper) contextKind(chat *bus.User) bus.ContextKind {
	if m.dest != nil && chat.PID == m.dest.PID() {
		m.dest.update(*chat)
		return bus.ContextGroup
	}
	if chat.Kind == bus.KindUser {
		return bus.ContextPrivate
	}

	return bus.ContextOtherGroup
}

func userFromTelego(u *telego.User) *bus.User {
	if u == nil {
		return nil
	}

	return &bus.User{
		Protocol:  userProtocol,
		Kind:      bus.KindUser,
		PID:       u.ID,
		Username:  u.Username,
		FirstName: u.FirstName,
		LastName:  u.LastName,
	}
}

func chatUser(c *telego.Chat) *bus.User {
	if c == nil {
		return nil
	}

	name := c.FirstName
	if name == "" {
		name = c.Title
	}

	return &bus.User{
		Protocol:  userProtocol,
		Kind:      chatKind(c.Type),
		PID:       c.ID,
		Username:  c.Username,
		FirstName: name,
		LastName:  c.LastName,
	}
}

func chatKind(chatType string) bus.UserKind {
	switch chatType {
	case "", telego.ChatTypePrivate:
		return bus.KindUser
	case telego.ChatTypeGroup, telego.ChatTypeSupergroup:
		return bus.KindGroup
	default:
		return bus.KindChannel
	}
}

// splitMedia collects every non-static top-level field, keeping wire order.
func splitMedia(raw json.RawMessage) (mediaPayload, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return mediaPayload{}, fmt.Errorf("decode message fields: %w", err)
	}
	fields = lo.OmitByKeys(fields, staticFields)
	if len(fields) == 0 {
		return mediaPayload{}, nil
	}

	keys, err := objectKeys(raw)
	if err != nil {
		return mediaPayload{}, err
	}
	keys = lo.Filter(keys, func(key string, _ int) bool {
		_, ok := fields[key]
		return ok
	})

	return mediaPayload{keys: lo.Uniq(keys), fields: fields}, nil
}

// objectKeys lists the top-level keys of a JSON object in document order.
func objectKeys(raw json.RawMessage) ([]string, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	if _, err := dec.Token(); err != nil {
		return nil, fmt.Errorf("decode message keys: %w", err)
	}

	var keys []string
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, fmt.Errorf("decode message keys: %w", err)
		}
		key, ok := tok.(string)
		if !ok {
			return nil, fmt.Errorf("decode message keys: unexpected token %v", tok)
		}
		var skip json.RawMessage
		if err := dec.Decode(&skip); err != nil {
			return nil, fmt.Errorf("decode message keys: %w", err)
		}
		keys = append(keys, key)
	}

	return keys, nil
}

func isNull(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}
