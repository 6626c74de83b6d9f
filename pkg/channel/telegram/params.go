package telegram

import (
	"net/url"
	"strconv"
)

// Params are the form fields of one Bot API call. Empty values are never sent,
// which is how optional fields such as reply_to_message_id are left out.
type Params map[string]string

func (p Params) Set(key, value string) {
	if value == "" {
		delete(p, key)
		return
	}
	p[key] = value
}

// SetInt stores a numeric field; zero clears it.
func (p Params) SetInt(key string, value int64) {
	if value == 0 {
		delete(p, key)
		return
	}
	p[key] = strconv.FormatInt(value, 10)
}

// Merge copies every non-empty value from other, overriding existing keys.
func (p Params) Merge(other map[string]string) {
	for key, value := range other {
		p.Set(key, value)
	}
}

func (p Params) Values() url.Values {
	values := make(url.Values, len(p))
	for key, value := range p {
		if value != "" {
			values.Set(key, value)
		}
	}

	return values
}

// InputFile is a local file uploaded as a multipart field.
type InputFile struct {
	Field string
	Path  string
}
