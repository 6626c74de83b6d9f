package bus

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"
)

// UserKind distinguishes people from the containers messages are posted in.
type UserKind string

const (
	KindUser    UserKind = "user"
	KindGroup   UserKind = "group"
	KindChannel UserKind = "channel"
)

// ContextKind tells the bus where a message was seen relative to the bridged conversation.
type ContextKind string

const (
	ContextGroup      ContextKind = "group"
	ContextPrivate    ContextKind = "private"
	ContextOtherGroup ContextKind = "othergroup"
)

// User identifies a message participant or a chat. Protocol plus PID is unique per platform.
type User struct {
	ID        int64    `json:"id,omitempty"`
	Protocol  string   `json:"protocol"`
	Kind      UserKind `json:"kind"`
	PID       int64    `json:"pid"`
	Username  string   `json:"username,omitempty"`
	FirstName string   `json:"first_name,omitempty"`
	LastName  string   `json:"last_name,omitempty"`
	Alias     string   `json:"alias,omitempty"`
}

// Key returns the platform-scoped identity of the user.
func (u *User) Key() string {
	if u == nil {
		return ""
	}

	return u.Protocol + ":" + strconv.FormatInt(u.PID, 10)
}

// Message is a normalized chat event.
type Message struct {
	ID       int64                      `json:"id,omitempty"`
	Protocol string                     `json:"protocol"`
	PID      int64                      `json:"pid"`
	Src      *User                      `json:"src"`
	Chat     *User                      `json:"chat"`
	Text     string                     `json:"text"`
	Media    map[string]json.RawMessage `json:"media,omitempty"`
	Time     time.Time                  `json:"time"`
	FwdSrc   *User                      `json:"fwd_src,omitempty"`
	FwdTime  time.Time                  `json:"fwd_time,omitzero"`
	Reply    *Message                   `json:"reply,omitempty"`
	ReplyPID int64                      `json:"reply_pid,omitempty"`
	Kind     ContextKind                `json:"kind"`
	AltText  string                     `json:"alttext,omitempty"`
}

// DisplayText prefers the media description over the raw text.
func (m *Message) DisplayText() string {
	if m == nil {
		return ""
	}
	if m.AltText != "" {
		return m.AltText
	}

	return m.Text
}

// ResponseType selects how an outbound response is rendered by a protocol.
type ResponseType string

const (
	ResponsePlain    ResponseType = "plain"
	ResponseMarkdown ResponseType = "markdown"
	ResponsePhoto    ResponseType = "photo"
	ResponseAudio    ResponseType = "audio"
	ResponseDocument ResponseType = "document"
	ResponseSticker  ResponseType = "sticker"
	ResponseVideo    ResponseType = "video"
	ResponseVoice    ResponseType = "voice"
	ResponseLocation ResponseType = "location"
)

// IsMedia reports whether the type is sent as a file.
func (t ResponseType) IsMedia() bool {
	switch t {
	case ResponsePhoto, ResponseAudio, ResponseDocument, ResponseSticker, ResponseVideo, ResponseVoice:
		return true
	default:
		return false
	}
}

// Response is an outbound intent produced by the bus in answer to Reply.
type Response struct {
	Text string       `json:"text"`
	Type ResponseType `json:"type,omitempty"`
	// Platform holds keyword overrides keyed by protocol name.
	Platform map[string]map[string]string `json:"platform,omitempty"`
	// Media holds media keyword parameters, e.g. a native file id or coordinates.
	Media     map[string]string `json:"media,omitempty"`
	LocalFile string            `json:"local_file,omitempty"`
	Reply     *Message          `json:"reply"`
}

// Outbound pairs a response with the protocol that should deliver it.
type Outbound struct {
	Protocol  string
	Response  Response
	Forwarded *Message
}

const smartNameLimit = 20

// SmartName picks a short human-readable name for attribution prefixes.
func SmartName(u *User) string {
	if u == nil {
		return ""
	}
	if alias := strings.TrimSpace(u.Alias); alias != "" {
		return alias
	}

	first := strings.TrimSpace(u.FirstName)
	if first != "" {
		last := strings.TrimSpace(u.LastName)
		if last != "" {
			full := first + " " + last
			if utf8.RuneCountInString(full) <= smartNameLimit {
				return full
			}
		}
		return first
	}

	if u.Username != "" {
		return "@" + u.Username
	}

	return strconv.FormatInt(u.PID, 10)
}
