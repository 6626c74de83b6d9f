package telegram

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/valyala/fasthttp"
)

// Transport performs one HTTP POST against the Bot API and returns the raw
// response body. Reconnect drops every pooled connection so the next Post
// starts from a fresh session.
type Transport interface {
	Post(ctx context.Context, url string, params Params, file *InputFile) ([]byte, error)
	Reconnect()
}

type fastHTTPTransport struct {
	userAgent string
	timeout   time.Duration

	mu     sync.Mutex
	client *fasthttp.Client
}

func newFastHTTPTransport(userAgent string, timeout time.Duration) *fastHTTPTransport {
	t := &fastHTTPTransport{userAgent: userAgent, timeout: timeout}
	t.client = t.newClient()
	return t
}

func (t *fastHTTPTransport) newClient() *fasthttp.Client {
	return &fasthttp.Client{
		Name:         t.userAgent,
		ReadTimeout:  t.timeout,
		WriteTimeout: t.timeout,
	}
}

func (t *fastHTTPTransport) currentClient() *fasthttp.Client {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.client
}

func (t *fastHTTPTransport) Reconnect() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.client.CloseIdleConnections()
	t.client = t.newClient()
}

func (t *fastHTTPTransport) Post(ctx context.Context, url string, params Params, file *InputFile) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	req := fasthttp.AcquireRequest()
	defer fasthttp.ReleaseRequest(req)
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(url)
	req.Header.SetMethod(fasthttp.MethodPost)

	if file == nil {
		req.Header.SetContentType("application/x-www-form-urlencoded")
		req.SetBodyString(params.Values().Encode())
	} else {
		body, contentType, err := multipartBody(params, file)
		if err != nil {
			return nil, err
		}
		req.Header.SetContentType(contentType)
		req.SetBody(body)
	}

	deadline := time.Now().Add(t.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	if err := t.currentClient().DoDeadline(req, resp, deadline); err != nil {
		return nil, err
	}

	body := make([]byte, len(resp.Body()))
	copy(body, resp.Body())
	return body, nil
}

func multipartBody(params Params, file *InputFile) ([]byte, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	for key, value := range params.Values() {
		if err := w.WriteField(key, value[0]); err != nil {
			return nil, "", fmt.Errorf("write field %s: %w", key, err)
		}
	}

	f, err := os.Open(file.Path)
	if err != nil {
		return nil, "", fmt.Errorf("open upload: %w", err)
	}
	defer f.Close()

	part, err := w.CreateFormFile(file.Field, filepath.Base(file.Path))
	if err != nil {
		return nil, "", fmt.Errorf("create form file: %w", err)
	}
	if _, err := io.Copy(part, f); err != nil {
		return nil, "", fmt.Errorf("copy upload: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, "", fmt.Errorf("close multipart body: %w", err)
	}

	return buf.Bytes(), w.FormDataContentType(), nil
}
