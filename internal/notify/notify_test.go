package notify

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

type recordingSink struct {
	mu   sync.Mutex
	sent []Notification
	err  error
}

func (s *recordingSink) Send(_ context.Context, n Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, n)
	return s.err
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent)
}

func TestNotify_DispatcherDeliversAll(t *testing.T) {
	t.Parallel()

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	sink := &recordingSink{}
	d := NewDispatcher(log, sink, 2)

	for i := 0; i < 10; i++ {
		d.Dispatch(context.Background(), Notification{
			Channel: ChannelPopup,
			AlertID: int64(i),
			Title:   "Port down",
		})
	}
	d.Close()

	require.Equal(t, 10, sink.count())
}

func TestNotify_SlackSink(t *testing.T) {
	t.Parallel()

	var got slackPayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	sink := &SlackSink{WebhookURL: srv.URL, Client: srv.Client()}
	err := sink.Send(context.Background(), Notification{
		Channel: ChannelPopup,
		Title:   "Low traffic on ether1",
		Body:    "total 800000 bps below threshold 1000000 bps",
		AlertID: 7,
	})
	require.NoError(t, err)
	require.Contains(t, got.Text, "Low traffic on ether1")
	require.Contains(t, got.Text, "800000")
}

func TestNotify_SlackSinkNon200(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	sink := &SlackSink{WebhookURL: srv.URL, Client: srv.Client()}
	err := sink.Send(context.Background(), Notification{Title: "x"})
	require.Error(t, err)
	require.Contains(t, err.Error(), "500")
}
