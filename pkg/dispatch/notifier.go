package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/aws-solutions/aws-crr-monitor/pkg/events"
	"github.com/aws-solutions/aws-crr-monitor/pkg/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Notifier delivers an alarm to an external channel
type Notifier interface {
	Notify(ctx context.Context, alarm types.OutboundAlarm) error
}

// PermanentError marks a delivery failure that retrying will not fix
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return "permanent: " + e.Err.Error() }

func (e *PermanentError) Unwrap() error { return e.Err }

// IsPermanent reports whether err is or wraps a *PermanentError
func IsPermanent(err error) bool {
	var perm *PermanentError
	return errors.As(err, &perm)
}

// WebhookNotifier POSTs alarms as JSON. 4xx responses other than 408 and
// 429 are permanent; network errors and 5xx are transient.
type WebhookNotifier struct {
	URL    string
	Client *http.Client
}

// NewWebhookNotifier creates a webhook notifier with the given request timeout
func NewWebhookNotifier(url string, timeout time.Duration) *WebhookNotifier {
	return &WebhookNotifier{
		URL:    url,
		Client: &http.Client{Timeout: timeout},
	}
}

func (n *WebhookNotifier) Notify(ctx context.Context, alarm types.OutboundAlarm) error {
	body, err := json.Marshal(alarm)
	if err != nil {
		return &PermanentError{Err: fmt.Errorf("failed to encode alarm: %w", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.URL, bytes.NewReader(body))
	if err != nil {
		return &PermanentError{Err: fmt.Errorf("failed to build webhook request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", alarm.RecordKey+"#"+string(alarm.Status))

	resp, err := n.Client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()
	detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusRequestTimeout, resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("webhook returned %d: %s", resp.StatusCode, detail)
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return &PermanentError{Err: fmt.Errorf("webhook rejected alarm with %d: %s", resp.StatusCode, detail)}
	default:
		return fmt.Errorf("webhook returned %d: %s", resp.StatusCode, detail)
	}
}

// LogNotifier writes alarms to a logger
type LogNotifier struct {
	Logger zerolog.Logger
}

func (n *LogNotifier) Notify(_ context.Context, alarm types.OutboundAlarm) error {
	n.Logger.Error().
		Str("record_key", alarm.RecordKey).
		Str("rule_id", alarm.RuleID).
		Str("status", string(alarm.Status)).
		Str("reason", string(alarm.Reason)).
		Time("detected_at", alarm.DetectedAt).
		Msg("Replication alarm")
	return nil
}

// BrokerNotifier publishes alarms on the in-process broker
type BrokerNotifier struct {
	Broker *events.Broker
}

func (n *BrokerNotifier) Notify(_ context.Context, alarm types.OutboundAlarm) error {
	n.Broker.Publish(&events.Event{
		ID:        uuid.NewString(),
		Type:      events.EventAlarmNotified,
		Timestamp: alarm.DetectedAt,
		Message:   string(alarm.Reason),
		Metadata: map[string]string{
			"record_key": alarm.RecordKey,
			"rule_id":    alarm.RuleID,
			"status":     string(alarm.Status),
			"reason":     string(alarm.Reason),
		},
	})
	return nil
}

// Channel is a named notification target
type Channel struct {
	Name     string
	Notifier Notifier
}

// MultiNotifier fans an alarm out to several channels. Delivery fails if
// any channel fails, and is permanent only if every failure is.
type MultiNotifier []Channel

func (m MultiNotifier) Notify(ctx context.Context, alarm types.OutboundAlarm) error {
	_, err := m.NotifyRemaining(ctx, alarm, nil)
	return err
}

// NotifyRemaining delivers the alarm to every channel not named in
// delivered and returns the names of the channels that accepted it
func (m MultiNotifier) NotifyRemaining(ctx context.Context, alarm types.OutboundAlarm, delivered []string) ([]string, error) {
	done := make(map[string]bool, len(delivered))
	for _, name := range delivered {
		done[name] = true
	}

	var accepted []string
	var errs []error
	permanent := true
	for _, ch := range m {
		if done[ch.Name] {
			continue
		}
		if err := ch.Notifier.Notify(ctx, alarm); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", ch.Name, err))
			permanent = permanent && IsPermanent(err)
			continue
		}
		accepted = append(accepted, ch.Name)
	}
	if len(errs) == 0 {
		return accepted, nil
	}
	err := errors.Join(errs...)
	if permanent {
		return accepted, &PermanentError{Err: err}
	}
	// %v drops the wrapped permanent errors so the failed channels are retried
	return accepted, fmt.Errorf("%d of %d notifiers failed: %v", len(errs), len(m)-len(done), err)
}
