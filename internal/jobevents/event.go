package jobevents

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Type is a job lifecycle transition.
type Type string

const (
	Waiting   Type = "waiting"
	Active    Type = "active"
	Completed Type = "completed"
	Failed    Type = "failed"
	Delayed   Type = "delayed"
	Stalled   Type = "stalled"
	Progress  Type = "progress"
	Removed   Type = "removed"
)

// Valid reports whether t is a known transition.
func (t Type) Valid() bool {
	switch t {
	case Waiting, Active, Completed, Failed, Delayed, Stalled, Progress, Removed:
		return true
	}
	return false
}

// ErrInvalidOffset is returned for an offset that is not "ms" or "ms-seq".
var ErrInvalidOffset = errors.New("invalid event offset")

// Offset is a position in a queue's event log. Ms is the wall clock time the entry was
// appended; Seq orders entries within the same millisecond.
type Offset struct {
	Ms  int64
	Seq int64
}

// ParseOffset parses a stream id of the form "ms-seq" (or a bare "ms").
func ParseOffset(s string) (Offset, error) {
	msPart, seqPart, hasSeq := strings.Cut(s, "-")
	ms, err := strconv.ParseInt(msPart, 10, 64)
	if err != nil || ms < 0 {
		return Offset{}, fmt.Errorf("%w: %q", ErrInvalidOffset, s)
	}
	var seq int64
	if hasSeq {
		seq, err = strconv.ParseInt(seqPart, 10, 64)
		if err != nil || seq < 0 {
			return Offset{}, fmt.Errorf("%w: %q", ErrInvalidOffset, s)
		}
	}
	return Offset{Ms: ms, Seq: seq}, nil
}

func (o Offset) String() string { return strconv.FormatInt(o.Ms, 10) + "-" + strconv.FormatInt(o.Seq, 10) }

// Time converts the offset to the time its entry was appended.
func (o Offset) Time() time.Time { return time.UnixMilli(o.Ms).UTC() }

func (o Offset) IsZero() bool { return o.Ms == 0 && o.Seq == 0 }

// Less reports whether o comes strictly before p.
func (o Offset) Less(p Offset) bool {
	if o.Ms != p.Ms {
		return o.Ms < p.Ms
	}
	return o.Seq < p.Seq
}

// Next returns the smallest offset after o.
func (o Offset) Next() Offset { return Offset{Ms: o.Ms, Seq: o.Seq + 1} }

// Event is one transition of one job.
type Event struct {
	Queue     string
	JobID     string
	JobName   string
	Type      Type
	Offset    Offset
	Timestamp time.Time
}

// Finished is derived once a job completes or fails.
type Finished struct {
	Queue     string
	JobID     string
	JobName   string
	Latency   time.Duration
	Wait      time.Duration
	Success   bool
	Timestamp time.Time
	Offset    Offset
}
