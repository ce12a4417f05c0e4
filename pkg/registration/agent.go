// Package registration validates replication rules and publishes them to
// the shared rule table.
//
// The agent is the only writer of rules. A rule is persisted before it is
// published, so a restart followed by Load always reproduces the last
// accepted table.
package registration

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/aws-solutions/aws-crr-monitor/pkg/clock"
	"github.com/aws-solutions/aws-crr-monitor/pkg/config"
	"github.com/aws-solutions/aws-crr-monitor/pkg/events"
	"github.com/aws-solutions/aws-crr-monitor/pkg/metrics"
	"github.com/aws-solutions/aws-crr-monitor/pkg/rules"
	"github.com/aws-solutions/aws-crr-monitor/pkg/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ruleNamespace scopes the name-based rule ids
var ruleNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("https://crrmon/rules"))

// RuleID returns the deterministic rule id for a source bucket
func RuleID(sourceBucket string) string {
	return uuid.NewSHA1(ruleNamespace, []byte(sourceBucket)).String()
}

// ErrRuleNotFound is returned when deregistering a rule that does not exist
var ErrRuleNotFound = errors.New("rule not found")

// RuleSpec is a registration request
type RuleSpec struct {
	SourceBucket      string `json:"sourceBucket" yaml:"sourceBucket"`
	DestinationBucket string `json:"destinationBucket" yaml:"destinationBucket"`
	SLAWindowSeconds  int64  `json:"slaWindowSeconds" yaml:"slaWindowSeconds"`
	Enabled           *bool  `json:"enabled,omitempty" yaml:"enabled,omitempty"`
}

// Result reports the outcome of a registration
type Result struct {
	Accepted bool                   `json:"accepted"`
	Reason   string                 `json:"reason,omitempty"`
	Rule     *types.ReplicationRule `json:"rule,omitempty"`
}

// Store is the rule side of the state store
type Store interface {
	PutRule(rule *types.ReplicationRule) error
	ListRules() ([]*types.ReplicationRule, error)
	DeleteRule(id string) error
}

// Config configures an Agent
type Config struct {
	Store  Store
	Table  *rules.Table
	Clock  clock.Clock
	Broker *events.Broker
	Logger zerolog.Logger
}

// Agent registers replication rules
type Agent struct {
	store  Store
	table  *rules.Table
	clock  clock.Clock
	broker *events.Broker
	logger zerolog.Logger

	// serializes registrations so the uniqueness check and the publish
	// observe the same table
	mu sync.Mutex
}

// NewAgent creates a registration agent
func NewAgent(cfg Config) *Agent {
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	return &Agent{
		store:  cfg.Store,
		table:  cfg.Table,
		clock:  cfg.Clock,
		broker: cfg.Broker,
		logger: cfg.Logger,
	}
}

// Load restores the rule table from the store
func (a *Agent) Load(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	stored, err := a.store.ListRules()
	if err != nil {
		return 0, fmt.Errorf("failed to load rules: %w", err)
	}
	version := a.table.Replace(stored)
	for _, r := range stored {
		metrics.FailedReplications.WithLabelValues(r.SourceBucket).Add(0)
	}
	metrics.RulesTotal.Set(float64(len(stored)))

	a.logger.Info().
		Int("rules", len(stored)).
		Uint64("table_version", version).
		Msg("Rule table loaded")
	return len(stored), nil
}

// RegisterRule validates spec and, if accepted, persists and publishes the
// rule. Validation failures are reported in Result; the error is non-nil
// only when the store write fails.
func (a *Agent) RegisterRule(ctx context.Context, spec RuleSpec) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	src := strings.TrimSpace(spec.SourceBucket)
	dst := strings.TrimSpace(spec.DestinationBucket)
	sla := time.Duration(spec.SLAWindowSeconds) * time.Second
	enabled := spec.Enabled == nil || *spec.Enabled

	if reason := validate(src, dst, sla); reason != "" {
		return a.reject(src, dst, reason), nil
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.clock.Now()
	existing, found := a.table.Snapshot().ForSource(src)
	var rule types.ReplicationRule
	switch {
	case found && existing.DestinationBucket != dst:
		return a.reject(src, dst, fmt.Sprintf(
			"source bucket %s already replicates to %s", src, existing.DestinationBucket)), nil

	case found && existing.SLAWindow == sla && existing.Enabled == enabled:
		metrics.RuleRegistrations.WithLabelValues("unchanged").Inc()
		r := *existing
		return Result{Accepted: true, Reason: "unchanged", Rule: &r}, nil

	case found:
		rule = *existing
		rule.SLAWindow = sla
		rule.Enabled = enabled
		rule.Revision++
		rule.UpdatedAt = now

	default:
		rule = types.ReplicationRule{
			ID:                RuleID(src),
			SourceBucket:      src,
			DestinationBucket: dst,
			SLAWindow:         sla,
			Enabled:           enabled,
			Revision:          1,
			CreatedAt:         now,
			UpdatedAt:         now,
		}
	}

	if err := a.store.PutRule(&rule); err != nil {
		metrics.RuleRegistrations.WithLabelValues("error").Inc()
		return Result{}, fmt.Errorf("failed to persist rule %s: %w", rule.ID, err)
	}
	version := a.table.Upsert(&rule)

	metrics.FailedReplications.WithLabelValues(src).Add(0)
	metrics.RulesTotal.Set(float64(a.table.Snapshot().Len()))
	metrics.RuleRegistrations.WithLabelValues("accepted").Inc()

	a.logger.Info().
		Str("rule_id", rule.ID).
		Str("source_bucket", src).
		Str("destination_bucket", dst).
		Dur("sla_window", sla).
		Uint64("revision", rule.Revision).
		Uint64("table_version", version).
		Msg("Rule registered")
	a.publish(events.EventRuleRegistered, "rule registered", map[string]string{
		"rule_id":            rule.ID,
		"source_bucket":      src,
		"destination_bucket": dst,
	})

	return Result{Accepted: true, Rule: &rule}, nil
}

// DeregisterRule removes a rule from the store and the table. Records
// already bound to the rule keep their deadline and are still swept.
func (a *Agent) DeregisterRule(ctx context.Context, id string) (*types.ReplicationRule, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	existing, found := a.table.Snapshot().Get(id)
	if !found {
		return nil, fmt.Errorf("rule %s: %w", id, ErrRuleNotFound)
	}
	rule := *existing

	if err := a.store.DeleteRule(id); err != nil {
		metrics.RuleRegistrations.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("failed to delete rule %s: %w", id, err)
	}
	version := a.table.Remove(id)

	metrics.RulesTotal.Set(float64(a.table.Snapshot().Len()))
	metrics.RuleRegistrations.WithLabelValues("removed").Inc()

	a.logger.Info().
		Str("rule_id", id).
		Str("source_bucket", rule.SourceBucket).
		Uint64("table_version", version).
		Msg("Rule removed")
	a.publish(events.EventRuleRemoved, "rule removed", map[string]string{
		"rule_id":            id,
		"source_bucket":      rule.SourceBucket,
		"destination_bucket": rule.DestinationBucket,
	})
	return &rule, nil
}

func validate(src, dst string, sla time.Duration) string {
	switch {
	case src == "" || dst == "":
		return "source and destination buckets are required"
	case src == dst:
		return "source and destination buckets must differ"
	case sla <= 0:
		return "SLA window must be positive"
	case sla > config.MaxSLAWindow:
		return fmt.Sprintf("SLA window must not exceed %s", config.MaxSLAWindow)
	}
	return ""
}

func (a *Agent) reject(src, dst, reason string) Result {
	metrics.RuleRegistrations.WithLabelValues("rejected").Inc()
	a.logger.Warn().
		Str("source_bucket", src).
		Str("destination_bucket", dst).
		Str("reason", reason).
		Msg("Rule rejected")
	a.publish(events.EventRuleRejected, reason, map[string]string{
		"source_bucket":      src,
		"destination_bucket": dst,
	})
	return Result{Accepted: false, Reason: reason}
}

func (a *Agent) publish(t events.EventType, msg string, meta map[string]string) {
	if a.broker == nil {
		return
	}
	a.broker.Publish(&events.Event{
		ID:       uuid.NewString(),
		Type:     t,
		Message:  msg,
		Metadata: meta,
	})
}
