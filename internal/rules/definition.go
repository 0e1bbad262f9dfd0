package rules

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aevon-lab/queuewatch/internal/core/window"
	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// seedNamespace derives stable ids for rules loaded from seed files, so every instance seeding
// the same file agrees on the id.
var seedNamespace = uuid.MustParse("5a0c2f4e-7d1b-4c55-9a8e-3f6b2d9e1c70")

// Window is the sliding window a rule aggregates over.
type Window struct {
	Duration time.Duration `json:"duration" yaml:"duration"`
	Period   time.Duration `json:"period" yaml:"period"`
}

// Definition is the persisted configuration of a rule.
type Definition struct {
	ID          string    `json:"id" yaml:"id,omitempty"`
	Name        string    `json:"name" yaml:"name"`
	Description string    `json:"description,omitempty" yaml:"description,omitempty"`
	Queue       string    `json:"queue" yaml:"queue"`
	// JobType restricts the rule to one job name; empty means every job of the queue.
	JobType   string    `json:"jobType,omitempty" yaml:"job_type,omitempty"`
	Window    Window    `json:"window" yaml:"window"`
	Condition Condition `json:"condition" yaml:"condition"`

	Warmup            time.Duration `json:"warmup" yaml:"warmup"`
	VolumeThreshold   int64         `json:"volumeThreshold" yaml:"volume_threshold"`
	TriggerDelay      time.Duration `json:"triggerDelay" yaml:"trigger_delay"`
	RepeatsPerTrigger int           `json:"repeatsPerTrigger" yaml:"repeats_per_trigger"`
	AlertOnReset      bool          `json:"alertOnReset" yaml:"alert_on_reset"`
	Active            bool          `json:"active" yaml:"active"`

	// Fingerprint is the SHA-256 of the seed file a rule was loaded from.
	Fingerprint string    `json:"fingerprint,omitempty" yaml:"-"`
	CreatedAt   time.Time `json:"createdAt" yaml:"-"`
	UpdatedAt   time.Time `json:"updatedAt" yaml:"-"`
}

// WindowOptions returns the window geometry of d.
func (d Definition) WindowOptions() window.Options {
	return window.Options{Duration: d.Window.Duration, Period: d.Window.Period}
}

// Validate rejects a definition that cannot be built into a Rule.
func (d Definition) Validate() error {
	if strings.TrimSpace(d.Name) == "" {
		return fmt.Errorf("%w: name must not be empty", ErrInvalidCondition)
	}
	if d.Queue == "" {
		return fmt.Errorf("rule %q: %w: queue must not be empty", d.Name, ErrInvalidCondition)
	}
	if d.Warmup < 0 || d.TriggerDelay < 0 {
		return fmt.Errorf("rule %q: %w: warmup and trigger delay must be >= 0", d.Name, ErrInvalidCondition)
	}
	if d.VolumeThreshold < 0 || d.RepeatsPerTrigger < 0 {
		return fmt.Errorf("rule %q: %w: volume threshold and repeats must be >= 0", d.Name, ErrInvalidCondition)
	}
	opts := d.WindowOptions()
	if err := opts.Validate(); err != nil {
		return fmt.Errorf("rule %q: %w", d.Name, err)
	}
	if err := d.Condition.Validate(opts); err != nil {
		return fmt.Errorf("rule %q: %w", d.Name, err)
	}
	return nil
}

func (d Definition) marshal() ([]byte, error) { return json.Marshal(d) }

func unmarshalDefinition(b []byte) (Definition, error) {
	var d Definition
	if err := json.Unmarshal(b, &d); err != nil {
		return Definition{}, fmt.Errorf("decode rule: %w", err)
	}
	return d, nil
}

// LoadDir reads seed rules from *.yaml files in dir, one rule per file. A missing directory
// yields no rules. Every rule is validated and fingerprinted; seeds get an id derived from
// their queue and name.
func LoadDir(dir string) ([]Definition, error) {
	info, err := os.Stat(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("rule dir: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("rule path %q is not a directory", dir)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading rule dir: %w", err)
	}

	var out []Definition
	seen := make(map[string]string)
	for _, e := range entries {
		if e.IsDir() || (!strings.HasSuffix(e.Name(), ".yaml") && !strings.HasSuffix(e.Name(), ".yml")) {
			continue
		}

		path := filepath.Join(dir, e.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading rule file %s: %w", path, err)
		}

		var d Definition
		if err := yaml.Unmarshal(data, &d); err != nil {
			return nil, fmt.Errorf("parsing rule file %s: %w", path, err)
		}
		if d.Name == "" {
			continue // comment-only file
		}
		if err := d.Validate(); err != nil {
			return nil, fmt.Errorf("rule file %s: %w", path, err)
		}

		key := d.Queue + "/" + d.Name
		if prev, ok := seen[key]; ok {
			return nil, fmt.Errorf("rule %q of queue %q defined twice (%s and %s)", d.Name, d.Queue, prev, path)
		}
		seen[key] = path

		if d.ID == "" {
			d.ID = uuid.NewSHA1(seedNamespace, []byte(key)).String()
		}
		d.Fingerprint = fmt.Sprintf("%x", sha256.Sum256(data))
		out = append(out, d)
	}
	return out, nil
}
