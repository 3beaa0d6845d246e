package telegram

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tele "gopkg.in/telebot.v4"

	"crosspost/internal/platform"
	logx "crosspost/pkg/logx"
)

// botAPIStub fakes the Bot API endpoints the adapter hits and records
// which methods were called.
type botAPIStub struct {
	mu    sync.Mutex
	calls []string
}

func (s *botAPIStub) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		method := r.URL.Path[strings.LastIndexByte(r.URL.Path, '/')+1:]
		s.mu.Lock()
		s.calls = append(s.calls, method)
		s.mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		if method == "sendMediaGroup" {
			_, _ = w.Write([]byte(`{"ok":true,"result":[` +
				`{"message_id":7,"chat":{"id":-100,"type":"channel"}},` +
				`{"message_id":8,"chat":{"id":-100,"type":"channel"}}]}`))
			return
		}
		if method == "sendPhoto" {
			// telebot's Photo.Send dereferences result.photo, so the fake
			// must include it.
			_, _ = w.Write([]byte(`{"ok":true,"result":{"message_id":7,"chat":{"id":-100,"type":"channel"},` +
				`"photo":[{"file_id":"f1","file_unique_id":"u1","width":1,"height":1}]}}`))
			return
		}
		_, _ = w.Write([]byte(`{"ok":true,"result":{"message_id":7,"chat":{"id":-100,"type":"channel"}}}`))
	}
}

func (s *botAPIStub) methods() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

func newTestAdapter(t *testing.T, apiURL string) *Adapter {
	t.Helper()
	bot, err := tele.NewBot(tele.Settings{URL: apiURL, Token: "test-token", Synchronous: true, Offline: true})
	require.NoError(t, err)
	return &Adapter{bot: bot, chat: &tele.Chat{ID: -100}, username: "example", log: logx.Nop()}
}

func imageFile(name string) platform.MediaFile {
	return platform.MediaFile{Path: name, Mime: "image/png", Bytes: []byte("png-bytes")}
}

func TestCreatePostSendsAllAttachmentsAsAlbum(t *testing.T) {
	stub := &botAPIStub{}
	srv := httptest.NewServer(stub.handler())
	defer srv.Close()

	a := newTestAdapter(t, srv.URL)
	ref, err := a.CreatePost(context.Background(), platform.PostRequest{
		Content: "two pictures",
		Media:   []platform.MediaFile{imageFile("a.png"), imageFile("b.png")},
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"sendMediaGroup"}, stub.methods())
	assert.Equal(t, "7", ref.ExternalID)
	assert.Equal(t, "https://t.me/example/7", ref.ExternalURL)
}

func TestCreatePostSingleAttachmentUsesPlainSend(t *testing.T) {
	stub := &botAPIStub{}
	srv := httptest.NewServer(stub.handler())
	defer srv.Close()

	a := newTestAdapter(t, srv.URL)
	_, err := a.CreatePost(context.Background(), platform.PostRequest{
		Content: "one picture",
		Media:   []platform.MediaFile{imageFile("a.png")},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"sendPhoto"}, stub.methods())
}

func TestCreatePostRejectsUnsupportedAttachment(t *testing.T) {
	stub := &botAPIStub{}
	srv := httptest.NewServer(stub.handler())
	defer srv.Close()

	a := newTestAdapter(t, srv.URL)
	_, err := a.CreatePost(context.Background(), platform.PostRequest{
		Content: "mixed",
		Media: []platform.MediaFile{
			imageFile("a.png"),
			{Path: "doc.pdf", Mime: "application/pdf", Bytes: []byte("%PDF")},
		},
	})
	require.Error(t, err)
	pe, ok := platform.AsPublishError(err)
	require.True(t, ok)
	assert.Equal(t, platform.CodeMediaUnsupported, pe.Code)
	assert.False(t, pe.Retryable)
	assert.Empty(t, stub.methods(), "nothing may be sent when one attachment is unsupported")
}

func TestCreatePostRejectsOversizedAlbum(t *testing.T) {
	stub := &botAPIStub{}
	srv := httptest.NewServer(stub.handler())
	defer srv.Close()

	info, _ := platform.Lookup(platform.Telegram)
	files := make([]platform.MediaFile, info.Caps.MaxMediaPerPost+1)
	for i := range files {
		files[i] = imageFile("a.png")
	}

	a := newTestAdapter(t, srv.URL)
	_, err := a.CreatePost(context.Background(), platform.PostRequest{Content: "too many", Media: files})
	require.Error(t, err)
	pe, ok := platform.AsPublishError(err)
	require.True(t, ok)
	assert.Equal(t, platform.CodeMediaUnsupported, pe.Code)
	assert.Empty(t, stub.methods())
}
