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
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/tcaengine/internal/domain"
)

type recordingSender struct {
	name   string
	err    error
	titles []string
	bodies []string
}

func (r *recordingSender) Send(_ context.Context, title, message string) error {
	r.titles = append(r.titles, title)
	r.bodies = append(r.bodies, message)
	return r.err
}

func (r *recordingSender) Name() string { return r.name }

func discardLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func sampleAlert(sev domain.Severity) domain.TCAAlert {
	return domain.TCAAlert{
		ID:               "al-1",
		OrderID:          "ord-1",
		Symbol:           "AAPL",
		Type:             domain.AlertMarketImpact,
		Severity:         sev,
		CurrentValue:     82.5,
		Threshold:        50,
		Message:          "market impact 82.50 bps exceeds 50.00 bps",
		ExecutionContext: map[string]float64{"participation_rate": 0.31, "fill_count": 4},
		Recommendations:  []string{"slow down execution"},
		Timestamp:        time.Date(2024, 6, 10, 14, 0, 0, 0, time.UTC),
	}
}

func TestHandleAlert_SeverityFilter(t *testing.T) {
	s := &recordingSender{name: "rec"}
	n := NewNotifier([]Sender{s}, []string{"critical"}, discardLogger())

	require.NoError(t, n.HandleAlert(context.Background(), sampleAlert(domain.SeverityWarning)))
	assert.Empty(t, s.titles)

	require.NoError(t, n.HandleAlert(context.Background(), sampleAlert(domain.SeverityCritical)))
	require.Len(t, s.titles, 1)
	assert.Equal(t, "[CRITICAL] AAPL market_impact", s.titles[0])
	assert.Contains(t, s.bodies[0], "order ord-1: 82.50 vs threshold 50.00")
	assert.Contains(t, s.bodies[0], "fill_count: 4\nparticipation_rate: 0.31")
	assert.Contains(t, s.bodies[0], "- slow down execution")
}

func TestHandleAlert_EmptyFilterForwardsAll(t *testing.T) {
	s := &recordingSender{name: "rec"}
	n := NewNotifier([]Sender{s}, nil, discardLogger())
	require.NoError(t, n.HandleAlert(context.Background(), sampleAlert(domain.SeverityWarning)))
	assert.Len(t, s.titles, 1)
}

func TestDispatch_OneFailureDoesNotStopOthers(t *testing.T) {
	bad := &recordingSender{name: "bad", err: errors.New("boom")}
	good := &recordingSender{name: "good"}
	n := NewNotifier([]Sender{bad, good}, nil, discardLogger())

	err := n.Notify(context.Background(), "t", "m")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad: boom")
	assert.Len(t, good.titles, 1)
}

func TestTelegramSender(t *testing.T) {
	var got map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/botTOKEN/sendMessage", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := NewTelegramSender("TOKEN", "42")
	s.baseURL = srv.URL
	require.NoError(t, s.Send(context.Background(), "Title", "body"))
	assert.Equal(t, "42", got["chat_id"])
	assert.Equal(t, "*Title*\nbody", got["text"])
}

func TestDiscordSender_StatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	err := NewDiscordSender(srv.URL).Send(context.Background(), "t", "m")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "discord: unexpected status 429")
}
