package telegram

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"

	"tgrelay/pkg/bus"
	"tgrelay/pkg/format"

	"github.com/mymmrac/telego"
)

// MaxTextLength caps outgoing text, in runes.
const MaxTextLength = 2048

const ellipsis = "…"

type sendAPI interface {
	SendMessage(ctx context.Context, chatID int64, text string, params Params) (json.RawMessage, error)
	ForwardMessage(ctx context.Context, chatID, fromChatID, messageID int64) (json.RawMessage, error)
	SendMedia(ctx context.Context, kind string, chatID int64, params Params, file *InputFile) (json.RawMessage, error)
	SendLocation(ctx context.Context, chatID int64, params Params) (json.RawMessage, error)
	SendChatAction(ctx context.Context, chatID int64, action string) error
}

// Dispatcher turns bus responses and relayed messages into Bot API calls.
type Dispatcher struct {
	api     sendAPI
	mapper  messageMapper
	dest    *destination
	maxText int
	log     *slog.Logger
}

func newDispatcher(api sendAPI, mapper messageMapper, dest *destination, maxText int, log *slog.Logger) *Dispatcher {
	if maxText <= 1 {
		maxText = MaxTextLength
	}

	return &Dispatcher{api: api, mapper: mapper, dest: dest, maxText: maxText, log: log}
}

// Send delivers resp. Replies to Telegram messages thread natively; replies
// to a request relayed here thread to the relayed copy; anything else goes
// to the destination chat prefixed with the requester's name.
func (d *Dispatcher) Send(ctx context.Context, resp bus.Response, protocol string, forwarded *bus.Message) (*bus.Message, error) {
	params := Params{}
	params.Merge(resp.Platform[protocolName])
	params.Merge(resp.Media)

	reply := resp.Reply
	attribute := false
	var chatID int64
	switch {
	case reply != nil && isTelegram(reply.Protocol) && reply.Chat != nil:
		params.SetInt("reply_to_message_id", reply.PID)
		chatID = reply.Chat.PID
	case forwarded != nil && forwarded.Chat != nil:
		params.SetInt("reply_to_message_id", forwarded.PID)
		chatID = forwarded.Chat.PID
	default:
		attribute = true
		chatID = d.dest.PID()
	}

	switch {
	case resp.Type == bus.ResponseMarkdown:
		params.Set("parse_mode", telego.ModeMarkdown)
	case resp.Type.IsMedia():
		var file *InputFile
		if resp.LocalFile != "" {
			file = &InputFile{Field: string(resp.Type), Path: resp.LocalFile}
		}
		raw, err := d.api.SendMedia(ctx, string(resp.Type), chatID, params, file)
		if err != nil {
			return nil, err
		}
		return d.confirm(ctx, raw)
	case resp.Type == bus.ResponseLocation:
		raw, err := d.api.SendLocation(ctx, chatID, params)
		if err != nil {
			return nil, err
		}
		return d.confirm(ctx, raw)
	}

	text := resp.Text
	if attribute && reply != nil {
		text = bus.SmartName(reply.Src) + ": " + text
	}

	return d.sendText(ctx, chatID, text, params)
}

// Forward relays msg into the destination chat, natively when it came from
// Telegram and the Bot API accepts it, as attributed text otherwise.
func (d *Dispatcher) Forward(ctx context.Context, msg *bus.Message, protocol string) (*bus.Message, error) {
	if msg == nil {
		return nil, nil
	}
	destID := d.dest.PID()

	if isTelegram(protocol) && msg.Chat != nil {
		raw, err := d.api.ForwardMessage(ctx, destID, msg.Chat.PID, msg.PID)
		if err == nil {
			return d.confirm(ctx, raw)
		}
		if !IsAPIError(err) {
			return nil, err
		}
		d.log.Warn("Native forward rejected, relaying as text", "message_id", msg.PID, "error", err)
	}

	params := Params{}
	text := relayText(msg)
	if format.HasIRCCodes(text) {
		text = format.IRCToMarkdown(text)
		params.Set("parse_mode", telego.ModeMarkdown)
	}

	return d.sendText(ctx, destID, text, params)
}

// Status shows a chat action such as "typing" in dest, or in the destination
// chat when dest is nil.
func (d *Dispatcher) Status(ctx context.Context, dest *bus.User, action string) error {
	chatID := d.dest.PID()
	if dest != nil {
		chatID = dest.PID
	}
	if action == "" {
		action = telego.ChatActionTyping
	}

	return d.api.SendChatAction(ctx, chatID, action)
}

func (d *Dispatcher) sendText(ctx context.Context, chatID int64, text string, params Params) (*bus.Message, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		d.log.Warn("Empty message ignored", "chat_id", chatID, "reply_to", params["reply_to_message_id"])
		return nil, nil
	}

	d.log.Info("Sending message", "chat_id", chatID, "length", utf8.RuneCountInString(text), "content", previewText(text))
	raw, err := d.api.SendMessage(ctx, chatID, truncate(text, d.maxText), params)
	if err != nil {
		return nil, err
	}

	return d.confirm(ctx, raw)
}

func (d *Dispatcher) confirm(ctx context.Context, raw json.RawMessage) (*bus.Message, error) {
	msg, err := d.mapper.Message(ctx, raw)
	if err != nil {
		return nil, fmt.Errorf("map sent message: %w", err)
	}

	return msg, nil
}

// relayText renders a message from another chat as one attributed line.
func relayText(msg *bus.Message) string {
	sender := bus.SmartName(msg.Src)
	switch {
	case msg.FwdSrc != nil:
		return fmt.Sprintf("[%s] Fwd %s: %s", sender, bus.SmartName(msg.FwdSrc), msg.Text)
	case msg.Reply != nil:
		return fmt.Sprintf("[%s] %s: %s", sender, bus.SmartName(msg.Reply.Src), msg.Text)
	default:
		return fmt.Sprintf("[%s] %s", sender, msg.DisplayText())
	}
}

// truncate cuts text to at most limit runes, marking the cut with an ellipsis.
func truncate(text string, limit int) string {
	if utf8.RuneCountInString(text) <= limit {
		return text
	}

	runes := []rune(text)
	return string(runes[:limit-1]) + ellipsis
}

func isTelegram(protocol string) bool {
	return strings.HasPrefix(protocol, familyPrefix)
}
