package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// AlertKind distinguishes trigger and reset alerts.
type AlertKind string

const (
	AlertTriggered AlertKind = "triggered"
	AlertReset     AlertKind = "reset"
)

// Alert is one entry of a rule's alert log. Only Read and ResetAt change after it is written.
type Alert struct {
	ID      string          `json:"id"`
	RuleID  string          `json:"ruleId"`
	Queue   string          `json:"queue"`
	Kind    AlertKind       `json:"kind"`
	Start   int64           `json:"start"`
	End     int64           `json:"end,omitempty"`
	State   json.RawMessage `json:"state,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Read    bool            `json:"read,omitempty"`
	ResetAt int64           `json:"resetAt,omitempty"`
}

// AlertStore appends to and queries the per-rule alert logs of one queue.
type AlertStore struct {
	client goredis.UniversalClient
	keys   Keys
}

// NewAlertStore creates an alert store for the queue described by keys.
func NewAlertStore(client goredis.UniversalClient, keys Keys) *AlertStore {
	return &AlertStore{client: client, keys: keys}
}

// Channel returns the pub/sub channel alerts are published on.
func (s *AlertStore) Channel() string { return s.keys.AlertChannel() }

// Add appends a to its rule's log and publishes it in the same script.
func (s *AlertStore) Add(ctx context.Context, a Alert) error {
	if a.ID == "" || a.RuleID == "" {
		return fmt.Errorf("add alert: id and rule id are required")
	}
	b, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("encode alert %s: %w", a.ID, err)
	}
	key := s.keys.Alerts(a.RuleID)
	if err := alertAdd.Run(ctx, s.client, []string{key, Data(key)}, a.ID, a.Start, b, s.keys.AlertChannel()).Err(); err != nil {
		return fmt.Errorf("add alert %s: %w", a.ID, err)
	}
	return nil
}

// Range returns up to limit alerts of ruleID that started in [start, end), oldest first.
// limit <= 0 means no limit.
func (s *AlertStore) Range(ctx context.Context, ruleID string, start, end time.Time, limit int) ([]Alert, error) {
	return s.query(ctx, ruleID, strconv.FormatInt(start.UnixMilli(), 10), exclusive(end), limit, false)
}

// Latest returns the most recent alert of ruleID.
func (s *AlertStore) Latest(ctx context.Context, ruleID string) (Alert, error) {
	alerts, err := s.query(ctx, ruleID, "-inf", "+inf", 1, true)
	if err != nil {
		return Alert{}, err
	}
	if len(alerts) == 0 {
		return Alert{}, fmt.Errorf("%w: no alerts for rule %s", ErrNotFound, ruleID)
	}
	return alerts[0], nil
}

// MarkRead flags alerts as read and returns how many existed.
func (s *AlertStore) MarkRead(ctx context.Context, ruleID string, ids ...string) (int64, error) {
	return s.flag(ctx, ruleID, ":read", "1", ids)
}

// SetReset records when the condition behind an alert cleared.
func (s *AlertStore) SetReset(ctx context.Context, ruleID, id string, at time.Time) error {
	n, err := s.flag(ctx, ruleID, ":reset", strconv.FormatInt(at.UnixMilli(), 10), []string{id})
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: alert %s", ErrNotFound, id)
	}
	return nil
}

// Prune removes alerts of ruleID that started before before.
func (s *AlertStore) Prune(ctx context.Context, ruleID string, before time.Time) (int64, error) {
	key := s.keys.Alerts(ruleID)
	n, err := alertPrune.Run(ctx, s.client, []string{key, Data(key)}, exclusive(before)).Int64()
	if err != nil {
		return 0, fmt.Errorf("prune alerts of %s: %w", ruleID, err)
	}
	return n, nil
}

// Subscribe listens on the alert channel. Callers close the returned PubSub.
func (s *AlertStore) Subscribe(ctx context.Context) *goredis.PubSub {
	return s.client.Subscribe(ctx, s.keys.AlertChannel())
}

// DecodeAlert parses a published alert.
func DecodeAlert(msg *goredis.Message) (Alert, error) {
	var a Alert
	if err := json.Unmarshal([]byte(msg.Payload), &a); err != nil {
		return Alert{}, fmt.Errorf("decode alert: %w", err)
	}
	return a, nil
}

func (s *AlertStore) flag(ctx context.Context, ruleID, suffix, value string, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	args := make([]any, 0, len(ids)+2)
	args = append(args, suffix, value)
	for _, id := range ids {
		args = append(args, id)
	}
	n, err := alertFlag.Run(ctx, s.client, []string{Data(s.keys.Alerts(ruleID))}, args...).Int64()
	if err != nil {
		return 0, fmt.Errorf("update alerts of %s: %w", ruleID, err)
	}
	return n, nil
}

func (s *AlertStore) query(ctx context.Context, ruleID, lo, hi string, limit int, reverse bool) ([]Alert, error) {
	if limit <= 0 {
		limit = math.MaxInt32
	}
	rev := "0"
	if reverse {
		rev = "1"
	}
	key := s.keys.Alerts(ruleID)
	res, err := alertRange.Run(ctx, s.client, []string{key, Data(key)}, lo, hi, limit, rev).StringSlice()
	if err != nil {
		return nil, fmt.Errorf("range alerts of %s: %w", ruleID, err)
	}
	alerts := make([]Alert, 0, len(res)/4)
	for i := 0; i+3 < len(res); i += 4 {
		var a Alert
		if err := json.Unmarshal([]byte(res[i+1]), &a); err != nil {
			return nil, fmt.Errorf("decode alert %s: %w", res[i], err)
		}
		a.Read = res[i+2] == "1"
		if res[i+3] != "" {
			if ms, err := strconv.ParseInt(res[i+3], 10, 64); err == nil {
				a.ResetAt = ms
			}
		}
		alerts = append(alerts, a)
	}
	return alerts, nil
}
