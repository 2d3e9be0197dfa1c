package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSender struct {
	name string
	err  error
	sent []string
}

func (r *recordingSender) Send(_ context.Context, destination, text string) error {
	r.sent = append(r.sent, destination+"|"+text)
	return r.err
}

func (r *recordingSender) Name() string { return r.name }

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNotifier_SendReachesAllSenders(t *testing.T) {
	failing := &recordingSender{name: "broken", err: errors.New("boom")}
	ok := &recordingSender{name: "ok"}
	n := NewNotifier([]Sender{failing, ok}, nil, discardLogger())

	err := n.Send(context.Background(), "42", "hello")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broken: boom")
	assert.Equal(t, []string{"42|hello"}, ok.sent, "a failing sender does not block the rest")
}

func TestNotifier_NotifyFiltersEvents(t *testing.T) {
	s := &recordingSender{name: "s"}
	n := NewNotifier([]Sender{s}, []string{"task_failed", " "}, discardLogger())
	ctx := context.Background()

	require.NoError(t, n.Notify(ctx, "task_completed", "ops", "ignored"))
	require.NoError(t, n.Notify(ctx, "task_failed", "ops", "delivered"))
	assert.Equal(t, []string{"ops|delivered"}, s.sent)
}

func TestTelegramSender(t *testing.T) {
	var got map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/botTOKEN/sendMessage", r.URL.Path)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		if got["chat_id"] == "bad" {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = io.WriteString(w, `{"ok":false,"description":"chat not found"}`)
			return
		}
		_, _ = io.WriteString(w, `{"ok":true}`)
	}))
	defer srv.Close()

	s := NewTelegramSender("TOKEN", srv.URL+"/")
	ctx := context.Background()

	require.NoError(t, s.Send(ctx, "42", "position out of range"))
	assert.Equal(t, "42", got["chat_id"])
	assert.Equal(t, "position out of range", got["text"])

	err := s.Send(ctx, "bad", "x")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "chat not found")

	assert.Error(t, s.Send(ctx, "", "x"))
}

func TestDiscordSender(t *testing.T) {
	var got map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	s := NewDiscordSender(srv.URL)
	require.NoError(t, s.Send(context.Background(), "42", "hello"))
	assert.Equal(t, "**[42]**\nhello", got["content"])

	require.NoError(t, s.Send(context.Background(), "", "plain"))
	assert.Equal(t, "plain", got["content"])
}
