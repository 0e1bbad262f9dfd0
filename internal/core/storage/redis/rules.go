package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// ErrRuleExists is returned by Create when the id is taken.
var ErrRuleExists = errors.New("redis: rule already exists")

// RuleStore persists rule definition records of one queue: a record per rule plus an index
// sorted by creation time. Records are opaque to the store.
type RuleStore struct {
	client goredis.UniversalClient
	keys   Keys
}

// NewRuleStore creates a rule store for the queue described by keys.
func NewRuleStore(client goredis.UniversalClient, keys Keys) *RuleStore {
	return &RuleStore{client: client, keys: keys}
}

// Create stores a new record and indexes it at createdAt.
func (s *RuleStore) Create(ctx context.Context, id string, createdAt time.Time, record []byte) error {
	n, err := ruleCreate.Run(ctx, s.client, []string{s.keys.Rule(id), s.keys.Rules()},
		id, createdAt.UnixMilli(), record).Int64()
	if err != nil {
		return fmt.Errorf("create rule %s: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrRuleExists, id)
	}
	return nil
}

// Get returns the record of id.
func (s *RuleStore) Get(ctx context.Context, id string) ([]byte, error) {
	b, err := s.client.Get(ctx, s.keys.Rule(id)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, fmt.Errorf("%w: rule %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get rule %s: %w", id, err)
	}
	return b, nil
}

// List returns every record ordered by creation time.
func (s *RuleStore) List(ctx context.Context) ([][]byte, error) {
	res, err := ruleList.Run(ctx, s.client, []string{s.keys.Rules()}, s.keys.Rule("")).StringSlice()
	if err != nil {
		return nil, fmt.Errorf("list rules: %w", err)
	}
	out := make([][]byte, len(res))
	for i, r := range res {
		out[i] = []byte(r)
	}
	return out, nil
}

// IDs returns the ids of every stored rule ordered by creation time.
func (s *RuleStore) IDs(ctx context.Context) ([]string, error) {
	ids, err := s.client.ZRange(ctx, s.keys.Rules(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list rule ids: %w", err)
	}
	return ids, nil
}

// Update replaces the record of an existing rule.
func (s *RuleStore) Update(ctx context.Context, id string, record []byte) error {
	n, err := ruleUpdate.Run(ctx, s.client, []string{s.keys.Rule(id)}, record).Int64()
	if err != nil {
		return fmt.Errorf("update rule %s: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: rule %s", ErrNotFound, id)
	}
	return nil
}

// Delete removes the rule record, its index entry and its alert log in one script. It reports
// whether the rule existed.
func (s *RuleStore) Delete(ctx context.Context, id string) (bool, error) {
	alerts := s.keys.Alerts(id)
	n, err := ruleDelete.Run(ctx, s.client, []string{s.keys.Rule(id), s.keys.Rules(), alerts, Data(alerts)}, id).Int64()
	if err != nil {
		return false, fmt.Errorf("delete rule %s: %w", id, err)
	}
	return n > 0, nil
}
