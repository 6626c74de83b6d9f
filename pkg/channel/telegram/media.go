package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path"

	"tgrelay/pkg/paste"

	"github.com/mymmrac/telego"
	"github.com/samber/lo"
)

const osmLinkFormat = "https://www.openstreetmap.org/?mlat=%s&mlon=%s"

// fileKinds are the single-file media fields, in lookup order.
var fileKinds = []string{"audio", "document", "sticker", "video", "voice"}

// metadataFields never name the kind of a message even though they are not
// static fields.
var metadataFields = map[string]struct{}{
	"author_signature":         {},
	"business_connection_id":   {},
	"caption_entities":         {},
	"edit_date":                {},
	"effect_id":                {},
	"external_reply":           {},
	"forward_from_chat":        {},
	"forward_from_message_id":  {},
	"forward_origin":           {},
	"forward_sender_name":      {},
	"forward_signature":        {},
	"has_media_spoiler":        {},
	"has_protected_content":    {},
	"is_automatic_forward":     {},
	"is_from_offline":          {},
	"is_topic_message":         {},
	"left_chat_participant":    {},
	"link_preview_options":     {},
	"media_group_id":           {},
	"message_thread_id":        {},
	"new_chat_participant":     {},
	"quote":                    {},
	"reply_markup":             {},
	"sender_boost_count":       {},
	"sender_chat":              {},
	"show_caption_above_media": {},
	"via_bot":                  {},
}

// membershipKinds are service events about who is in the chat. They are
// described by the chat they happened in.
var membershipKinds = map[string]struct{}{
	"new_chat_member":  {},
	"new_chat_members": {},
	"left_chat_member": {},
}

type fileAPI interface {
	GetFile(ctx context.Context, fileID string) (*telego.File, error)
	FileURL(filePath string) string
}

// MediaResolver describes media payloads for humans and, through the paste
// collaborator, attaches a fetchable link to the underlying file. It never
// fails: anything that goes wrong only shortens the description.
type MediaResolver struct {
	api    fileAPI
	paster paste.Paster
	log    *slog.Logger
}

func NewMediaResolver(api fileAPI, paster paste.Paster, log *slog.Logger) *MediaResolver {
	if paster == nil {
		paster = paste.Disabled{}
	}
	if log == nil {
		log = slog.Default()
	}

	return &MediaResolver{api: api, paster: paster, log: log.With("component", "channel.telegram.media")}
}

func (r *MediaResolver) Describe(ctx context.Context, media mediaPayload) string {
	kind := mediaKind(media)
	if kind == "" {
		return ""
	}
	value := media.fields[kind]
	desc := "<" + kind + ">"

	if title, ok := stringField(media.fields["new_chat_title"]); ok {
		return desc + " " + title
	}
	if _, ok := membershipKinds[kind]; ok {
		if media.chatTitle != "" {
			desc += " " + media.chatTitle
		}
		return desc
	}

	switch kind {
	case "document":
		var doc struct {
			FileName string `json:"file_name"`
		}
		if err := json.Unmarshal(value, &doc); err == nil && doc.FileName != "" {
			desc += " " + doc.FileName
		}
	case "video", "voice":
		var clip struct {
			Duration int `json:"duration"`
		}
		_ = json.Unmarshal(value, &clip)
		desc += " " + formatDuration(clip.Duration)
	case "location":
		var loc struct {
			Latitude  json.Number `json:"latitude"`
			Longitude json.Number `json:"longitude"`
		}
		if err := json.Unmarshal(value, &loc); err == nil && loc.Latitude != "" && loc.Longitude != "" {
			desc += " " + fmt.Sprintf(osmLinkFormat, loc.Latitude, loc.Longitude)
		}
	case "sticker":
		var sticker struct {
			Emoji string `json:"emoji"`
		}
		if err := json.Unmarshal(value, &sticker); err == nil && sticker.Emoji != "" {
			desc = sticker.Emoji + " " + desc
		}
	}

	if link := r.link(ctx, media); link != "" {
		desc += " " + link
	}

	return desc
}

func (r *MediaResolver) link(ctx context.Context, media mediaPayload) string {
	downloadURL, cacheKey, size, err := r.resolveFile(ctx, media)
	if err == nil {
		var link string
		link, err = r.paster.PasteURL(ctx, downloadURL, cacheKey, size)
		if err == nil {
			return link
		}
	}

	if !errors.Is(err, paste.ErrNoMedia) && !errors.Is(err, paste.ErrNotImplemented) {
		r.log.Error("Can't paste a file", "media", media.keys, "error", err)
	}
	return ""
}

// resolveFile picks the representative file of a payload and resolves its
// download URL, cache key and size.
func (r *MediaResolver) resolveFile(ctx context.Context, media mediaPayload) (string, string, int64, error) {
	var (
		fileID string
		size   int64
		ext    string
	)

	kind, hasFile := lo.Find(fileKinds, func(k string) bool {
		_, ok := media.fields[k]
		return ok
	})
	switch {
	case hasFile:
		var f struct {
			FileID   string `json:"file_id"`
			FileSize int64  `json:"file_size"`
		}
		if err := json.Unmarshal(media.fields[kind], &f); err != nil {
			return "", "", 0, fmt.Errorf("decode %s: %w", kind, err)
		}
		fileID, size = f.FileID, f.FileSize
		if kind == "sticker" {
			ext = ".webp"
		}
	case media.fields["photo"] != nil:
		var sizes []telego.PhotoSize
		if err := json.Unmarshal(media.fields["photo"], &sizes); err != nil {
			return "", "", 0, fmt.Errorf("decode photo: %w", err)
		}
		if len(sizes) == 0 {
			return "", "", 0, paste.ErrNoMedia
		}
		largest := lo.MaxBy(sizes, func(a, b telego.PhotoSize) bool { return a.Width > b.Width })
		fileID, size = largest.FileID, int64(largest.FileSize)
		ext = ".jpg"
	default:
		return "", "", 0, paste.ErrNoMedia
	}
	if fileID == "" {
		return "", "", 0, paste.ErrNoMedia
	}

	r.log.Debug("Resolving file", "file_id", fileID)
	file, err := r.api.GetFile(ctx, fileID)
	if err != nil {
		return "", "", 0, err
	}
	if file.FileSize != 0 {
		size = int64(file.FileSize)
	}
	if fileExt := path.Ext(file.FilePath); fileExt != "" {
		ext = fileExt
	}

	return r.api.FileURL(file.FilePath), fileID + ext, size, nil
}

// mediaKind is the first field of the payload that describes content.
func mediaKind(media mediaPayload) string {
	for _, key := range media.keys {
		if _, skip := metadataFields[key]; !skip {
			return key
		}
	}

	return ""
}

func stringField(raw json.RawMessage) (string, bool) {
	if isNull(raw) {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", false
	}

	return s, true
}

// formatDuration renders seconds as m:ss, or h:mm:ss from one hour on.
func formatDuration(seconds int) string {
	if seconds < 0 {
		seconds = 0
	}
	h, m, s := seconds/3600, seconds/60%60, seconds%60
	if h > 0 {
		return fmt.Sprintf("%d:%02d:%02d", h, m, s)
	}

	return fmt.Sprintf("%d:%02d", m, s)
}
