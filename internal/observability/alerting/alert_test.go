package alerting

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/slack-go/slack"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "github.com/freemell/merlintg/internal/errors"
)

func TestSlackNotifierPostsWebhook(t *testing.T) {
	var got slack.WebhookMessage
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := NewSlackNotifier(srv.URL, "#ops", time.Second)
	err := NewFanout(n).Notify(context.Background(), Event{
		Code:       xerrors.CodeNetworkFailed,
		Message:    "all endpoints failed",
		Severity:   xerrors.SeverityCritical,
		Subject:    "upd-1",
		UserID:     42,
		Attempts:   4,
		MaxRetries: 3,
		Metadata:   map[string]string{"stage": "exhausted"},
		OccurredAt: time.Unix(1700000000, 0),
	})
	require.NoError(t, err)

	assert.Equal(t, "#ops", got.Channel)
	assert.Equal(t, "[critical] NETWORK_FAILED", got.Text)
	require.Len(t, got.Attachments, 1)
	att := got.Attachments[0]
	assert.Equal(t, "danger", att.Color)
	assert.Equal(t, "all endpoints failed", att.Text)
	assert.Equal(t, json.Number("1700000000"), att.Ts)
	values := map[string]string{}
	for _, f := range att.Fields {
		values[f.Title] = f.Value
	}
	assert.Equal(t, "42", values["User"])
	assert.Equal(t, "4/3", values["Attempts"])
	assert.Equal(t, "exhausted", values["stage"])
}

type failingNotifier struct{ ch Channel }

func (f failingNotifier) Channel() Channel { return f.ch }

func (f failingNotifier) Notify(context.Context, Event) error { return errors.New("boom") }

func TestFanoutAggregatesFailures(t *testing.T) {
	d := NewFanout(failingNotifier{ch: "a"}, failingNotifier{ch: "b"}, LogNotifier{}, nil)
	err := d.Notify(context.Background(), Event{Code: xerrors.CodeUnknown})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "channel a: boom")
	assert.Contains(t, err.Error(), "channel b: boom")
}

func TestSlackNotifierWithoutURLIsNoop(t *testing.T) {
	assert.NoError(t, (&SlackNotifier{}).Notify(context.Background(), Event{}))
}
