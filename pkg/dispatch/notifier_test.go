package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/aws-solutions/aws-crr-monitor/pkg/events"
	"github.com/aws-solutions/aws-crr-monitor/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testOutbound = types.OutboundAlarm{
	RecordKey:  "A/photos/cat.jpg@v1",
	RuleID:     "rule-1",
	Status:     types.StatusFailed,
	Reason:     types.ReasonFailed,
	DetectedAt: time.Date(2024, 1, 1, 0, 0, 10, 0, time.UTC),
}

func TestWebhookNotifier(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		wantErr   bool
		permanent bool
	}{
		{name: "ok", status: http.StatusOK},
		{name: "accepted", status: http.StatusAccepted},
		{name: "bad request is permanent", status: http.StatusBadRequest, wantErr: true, permanent: true},
		{name: "not found is permanent", status: http.StatusNotFound, wantErr: true, permanent: true},
		{name: "throttled is transient", status: http.StatusTooManyRequests, wantErr: true},
		{name: "request timeout is transient", status: http.StatusRequestTimeout, wantErr: true},
		{name: "server error is transient", status: http.StatusBadGateway, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got types.OutboundAlarm
			var idem string
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, http.MethodPost, r.Method)
				assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
				idem = r.Header.Get("Idempotency-Key")
				assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			err := NewWebhookNotifier(srv.URL, time.Second).Notify(context.Background(), testOutbound)
			if !tt.wantErr {
				require.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Equal(t, tt.permanent, IsPermanent(err))
			}
			assert.Equal(t, testOutbound.RecordKey, got.RecordKey)
			assert.Equal(t, testOutbound.Reason, got.Reason)
			assert.True(t, testOutbound.DetectedAt.Equal(got.DetectedAt))
			assert.Equal(t, "A/photos/cat.jpg@v1#FAILED", idem)
		})
	}
}

func TestWebhookNotifierUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	err := NewWebhookNotifier(url, time.Second).Notify(context.Background(), testOutbound)
	require.Error(t, err)
	assert.False(t, IsPermanent(err))
}

func TestBrokerNotifier(t *testing.T) {
	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)

	n := &BrokerNotifier{Broker: broker}
	require.NoError(t, n.Notify(context.Background(), testOutbound))

	select {
	case ev := <-sub:
		assert.Equal(t, events.EventAlarmNotified, ev.Type)
		assert.Equal(t, testOutbound.RecordKey, ev.Metadata["record_key"])
		assert.Equal(t, "failed", ev.Metadata["reason"])
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for alarm event")
	}
}

type funcNotifier func(context.Context, types.OutboundAlarm) error

func (f funcNotifier) Notify(ctx context.Context, a types.OutboundAlarm) error { return f(ctx, a) }

func TestMultiNotifier(t *testing.T) {
	ok := Channel{Name: "ok", Notifier: funcNotifier(func(context.Context, types.OutboundAlarm) error { return nil })}
	transient := Channel{Name: "transient", Notifier: funcNotifier(func(context.Context, types.OutboundAlarm) error {
		return errors.New("connection reset")
	})}
	permanent := Channel{Name: "permanent", Notifier: funcNotifier(func(context.Context, types.OutboundAlarm) error {
		return &PermanentError{Err: errors.New("rejected")}
	})}

	tests := []struct {
		name      string
		notifiers MultiNotifier
		wantErr   bool
		permanent bool
	}{
		{name: "all succeed", notifiers: MultiNotifier{ok, ok}},
		{name: "one transient", notifiers: MultiNotifier{ok, transient}, wantErr: true},
		{name: "all permanent", notifiers: MultiNotifier{permanent, permanent}, wantErr: true, permanent: true},
		{name: "mixed failures retry", notifiers: MultiNotifier{permanent, transient}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.notifiers.Notify(context.Background(), testOutbound)
			if !tt.wantErr {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Equal(t, tt.permanent, IsPermanent(err))
		})
	}
}

func TestMultiNotifierNotifyRemaining(t *testing.T) {
	counting := func(calls map[string]int, name string, err error) Channel {
		return Channel{Name: name, Notifier: funcNotifier(func(context.Context, types.OutboundAlarm) error {
			calls[name]++
			return err
		})}
	}

	tests := []struct {
		name         string
		delivered    []string
		failing      bool
		wantAccepted []string
		wantCalls    map[string]int
		wantErr      bool
	}{
		{
			name:         "fresh alarm reaches every channel",
			wantAccepted: []string{"log", "webhook"},
			wantCalls:    map[string]int{"log": 1, "webhook": 1},
		},
		{
			name:         "delivered channel is skipped",
			delivered:    []string{"log"},
			wantAccepted: []string{"webhook"},
			wantCalls:    map[string]int{"webhook": 1},
		},
		{
			name:         "failing channel reports the others",
			failing:      true,
			wantAccepted: []string{"log"},
			wantCalls:    map[string]int{"log": 1, "webhook": 1},
			wantErr:      true,
		},
		{
			name:      "nothing left to deliver",
			delivered: []string{"log", "webhook"},
			wantCalls: map[string]int{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := map[string]int{}
			var webhookErr error
			if tt.failing {
				webhookErr = errors.New("503 service unavailable")
			}
			m := MultiNotifier{
				counting(calls, "log", nil),
				counting(calls, "webhook", webhookErr),
			}

			accepted, err := m.NotifyRemaining(context.Background(), testOutbound, tt.delivered)
			if tt.wantErr {
				require.Error(t, err)
				assert.False(t, IsPermanent(err))
				assert.Contains(t, err.Error(), "webhook")
			} else {
				require.NoError(t, err)
			}
			assert.Equal(t, tt.wantAccepted, accepted)
			assert.Equal(t, tt.wantCalls, calls)
		})
	}
}
