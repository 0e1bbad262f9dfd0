package jobevents

import (
	"container/list"
	"sync"
	"time"
)

// Reasons passed to a Tracker's drop callback.
const (
	DropOutOfOrder = "out_of_order"
	DropUnknownJob = "unknown_job"
	DropEvicted    = "evicted"
	DropInvalid    = "invalid"
)

const DefaultMaxJobs = 100_000

type jobState struct {
	id        string
	name      string
	last      Offset
	waitingAt int64
	activeAt  int64
	elem      *list.Element
}

// Tracker follows the lifecycle of every job in flight and derives a Finished event once a
// job completes or fails after having been observed active.
//
// Offsets must increase strictly per job; anything else is dropped. The job table is bounded,
// the least recently seen job is forgotten first.
type Tracker struct {
	mu     sync.Mutex
	max    int
	jobs   map[string]*jobState
	lru    *list.List
	onDrop func(e Event, reason string)
}

// NewTracker creates a tracker holding at most maxJobs jobs. maxJobs <= 0 uses DefaultMaxJobs.
func NewTracker(maxJobs int) *Tracker {
	if maxJobs <= 0 {
		maxJobs = DefaultMaxJobs
	}
	return &Tracker{max: maxJobs, jobs: make(map[string]*jobState), lru: list.New()}
}

// OnDrop sets the callback invoked for every event the tracker cannot use.
func (t *Tracker) OnDrop(fn func(e Event, reason string)) {
	t.mu.Lock()
	t.onDrop = fn
	t.mu.Unlock()
}

// Len returns the number of tracked jobs.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.jobs)
}

// Observe consumes e and returns the derived Finished event when e ends a job.
func (t *Tracker) Observe(e Event) (Finished, bool) {
	t.mu.Lock()
	f, ok, dropped := t.observe(e)
	onDrop := t.onDrop
	t.mu.Unlock()

	if onDrop != nil {
		for _, d := range dropped {
			onDrop(d.event, d.reason)
		}
	}
	return f, ok
}

type drop struct {
	event  Event
	reason string
}

func (t *Tracker) observe(e Event) (Finished, bool, []drop) {
	if e.JobID == "" || !e.Type.Valid() {
		return Finished{}, false, []drop{{e, DropInvalid}}
	}
	ts := e.Timestamp.UnixMilli()
	if e.Timestamp.IsZero() {
		ts = e.Offset.Ms
	}

	job, ok := t.jobs[e.JobID]
	if ok {
		if !job.last.Less(e.Offset) {
			return Finished{}, false, []drop{{e, DropOutOfOrder}}
		}
		t.lru.MoveToFront(job.elem)
	}

	var dropped []drop
	if !ok {
		if e.Type == Removed {
			return Finished{}, false, nil
		}
		if e.Type == Completed || e.Type == Failed {
			return Finished{}, false, []drop{{e, DropUnknownJob}}
		}
		for len(t.jobs) >= t.max {
			oldest := t.lru.Back()
			old := oldest.Value.(*jobState)
			t.forget(old)
			dropped = append(dropped, drop{Event{Queue: e.Queue, JobID: old.id, JobName: old.name, Offset: old.last}, DropEvicted})
		}
		job = &jobState{id: e.JobID}
		job.elem = t.lru.PushFront(job)
		t.jobs[e.JobID] = job
	}
	job.last = e.Offset
	if e.JobName != "" {
		job.name = e.JobName
	}

	switch e.Type {
	case Waiting, Delayed:
		job.waitingAt = ts
		job.activeAt = 0
	case Stalled:
		job.activeAt = 0
	case Active:
		job.activeAt = ts
		if job.waitingAt == 0 {
			job.waitingAt = ts
		}
	case Removed:
		t.forget(job)
	case Completed, Failed:
		t.forget(job)
		if job.activeAt == 0 {
			return Finished{}, false, append(dropped, drop{e, DropUnknownJob})
		}
		latency := max(ts-job.activeAt, 0)
		wait := max(job.activeAt-job.waitingAt, 0)
		return Finished{
			Queue:     e.Queue,
			JobID:     e.JobID,
			JobName:   job.name,
			Latency:   time.Duration(latency) * time.Millisecond,
			Wait:      time.Duration(wait) * time.Millisecond,
			Success:   e.Type == Completed,
			Timestamp: time.UnixMilli(ts).UTC(),
			Offset:    e.Offset,
		}, true, dropped
	}
	return Finished{}, false, dropped
}

func (t *Tracker) forget(job *jobState) {
	t.lru.Remove(job.elem)
	delete(t.jobs, job.id)
}
