package redis

import (
	"strings"

	"github.com/aevon-lab/queuewatch/internal/core/stats"
)

// QueueScope is the cursor scope used for queue-level (not per job type) series.
const QueueScope = "__QUEUE__"

// CatchUpOffsetField is the meta hash field holding the last replayed event offset.
const CatchUpOffsetField = "catchup:offset"

// Keys builds every key of one queue under a host prefix.
type Keys struct {
	Prefix string
	Queue  string
}

// NewKeys returns the key builder for queue under prefix.
func NewKeys(prefix, queue string) Keys {
	return Keys{Prefix: prefix, Queue: queue}
}

func (k Keys) join(parts ...string) string {
	all := make([]string, 0, len(parts)+2)
	if k.Prefix != "" {
		all = append(all, k.Prefix)
	}
	all = append(all, k.Queue)
	all = append(all, parts...)
	return strings.Join(all, ":")
}

// Series is the sorted index of a snapshot series. jobType "" selects the queue-level series;
// the minute granularity carries no suffix.
func (k Keys) Series(metric stats.Metric, jobType string, g stats.Granularity) string {
	parts := []string{"stats", string(metric)}
	if jobType != "" {
		parts = append(parts, jobType)
	}
	if g != stats.Minute {
		parts = append(parts, "1"+g.Unit())
	}
	return k.join(parts...)
}

// JobTypes is the index of job types with snapshots, scored by the last interval written.
func (k Keys) JobTypes() string { return k.join("jobtypes") }

// Data is the hash holding the records of an index key.
func Data(index string) string { return index + ":data" }

// Meta is the queue metadata hash.
func (k Keys) Meta() string { return k.join("meta") }

// CursorField is the meta field holding the last rollup write for a target series.
func CursorField(jobType string, metric stats.Metric, g stats.Granularity) string {
	if jobType == "" {
		jobType = QueueScope
	}
	return "cursor:" + jobType + "-" + string(metric) + "-" + g.Unit()
}

// Rules is the rule index sorted by creation time.
func (k Keys) Rules() string { return k.join("rules") }

// Rule is the definition record of one rule.
func (k Keys) Rule(id string) string { return k.join("rules", id) }

// Alerts is the alert log of one rule.
func (k Keys) Alerts(ruleID string) string { return k.join("rules", ruleID, "alerts") }

// AlertChannel is the pub/sub channel alerts are broadcast on.
func (k Keys) AlertChannel() string { return k.join("alerts") }

// Events is the job lifecycle event stream.
func (k Keys) Events() string { return k.join("events") }

// LockKey is the leader election key of a host.
func LockKey(host string) string { return host + ":lock" }
