package telegram

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"
)

type seenRequest struct {
	userAgent   string
	contentType string
	form        map[string]string
	fileName    string
	fileBody    string
}

func newAPIServer(t *testing.T) (*httptest.Server, <-chan seenRequest) {
	t.Helper()

	seen := make(chan seenRequest, 4)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		req := seenRequest{
			userAgent:   r.UserAgent(),
			contentType: r.Header.Get("Content-Type"),
			form:        map[string]string{},
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			_ = r.ParseForm()
		}
		for key := range r.PostForm {
			req.form[key] = r.PostForm.Get(key)
		}
		if f, header, err := r.FormFile("photo"); err == nil {
			body, _ := io.ReadAll(f)
			f.Close()
			req.fileName = header.Filename
			req.fileBody = string(body)
		}
		seen <- req

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true,"result":true}`))
	}))
	t.Cleanup(srv.Close)

	return srv, seen
}

func TestFastHTTPTransportPostsForm(t *testing.T) {
	srv, seen := newAPIServer(t)
	tr := newFastHTTPTransport("tgrelay/test", 5*time.Second)

	body, err := tr.Post(context.Background(), srv.URL+"/bot1:x/sendMessage", Params{"chat_id": "-1001", "text": "hi there"}, nil)
	if err != nil {
		t.Fatalf("Post error: %v", err)
	}
	if string(body) != `{"ok":true,"result":true}` {
		t.Fatalf("body = %s", body)
	}

	req := <-seen
	if req.userAgent != "tgrelay/test" {
		t.Fatalf("user agent = %q", req.userAgent)
	}
	if req.contentType != "application/x-www-form-urlencoded" {
		t.Fatalf("content type = %q", req.contentType)
	}
	if req.form["chat_id"] != "-1001" || req.form["text"] != "hi there" {
		t.Fatalf("form = %v", req.form)
	}
}

func TestFastHTTPTransportUploadsFile(t *testing.T) {
	srv, seen := newAPIServer(t)
	tr := newFastHTTPTransport("tgrelay/test", 5*time.Second)

	path := filepath.Join(t.TempDir(), "cat.jpg")
	if err := os.WriteFile(path, []byte("jpeg-bytes"), 0o644); err != nil {
		t.Fatalf("write upload: %v", err)
	}

	_, err := tr.Post(context.Background(), srv.URL+"/bot1:x/sendPhoto", Params{"chat_id": "-1001", "caption": "cat"}, &InputFile{Field: "photo", Path: path})
	if err != nil {
		t.Fatalf("Post error: %v", err)
	}

	req := <-seen
	if req.form["chat_id"] != "-1001" || req.form["caption"] != "cat" {
		t.Fatalf("form = %v", req.form)
	}
	if req.fileName != "cat.jpg" || req.fileBody != "jpeg-bytes" {
		t.Fatalf("file = %q (%q)", req.fileName, req.fileBody)
	}
}

func TestFastHTTPTransportReconnectKeepsUserAgent(t *testing.T) {
	srv, seen := newAPIServer(t)
	tr := newFastHTTPTransport("tgrelay/test", 5*time.Second)

	tr.Reconnect()
	if _, err := tr.Post(context.Background(), srv.URL+"/bot1:x/getMe", Params{}, nil); err != nil {
		t.Fatalf("Post after reconnect error: %v", err)
	}
	if req := <-seen; req.userAgent != "tgrelay/test" {
		t.Fatalf("user agent after reconnect = %q", req.userAgent)
	}
}

func TestFastHTTPTransportHonorsCanceledContext(t *testing.T) {
	tr := newFastHTTPTransport("tgrelay/test", time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := tr.Post(ctx, "http://127.0.0.1:1/bot1:x/getMe", Params{}, nil); err == nil {
		t.Fatal("expected error on canceled context")
	}
}
