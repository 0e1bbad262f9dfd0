package jobevents

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// Source reads events strictly after an offset, oldest first.
type Source interface {
	Read(ctx context.Context, after Offset, count int) ([]Event, error)
}

// Stream entry fields.
const (
	FieldEvent = "event"
	FieldJobID = "jobId"
	FieldName  = "name"
)

// StreamSource reads a queue's Redis event stream.
type StreamSource struct {
	client goredis.UniversalClient
	key    string
	queue  string
	block  time.Duration
	live   bool
}

// NewStreamSource returns a live source that blocks up to block waiting for new entries.
func NewStreamSource(client goredis.UniversalClient, key, queue string, block time.Duration) *StreamSource {
	if block <= 0 {
		block = time.Second
	}
	return &StreamSource{client: client, key: key, queue: queue, block: block, live: true}
}

// NewStreamReplay returns a source over the retained history of the stream that never blocks.
func NewStreamReplay(client goredis.UniversalClient, key, queue string) *StreamSource {
	return &StreamSource{client: client, key: key, queue: queue}
}

func (s *StreamSource) Read(ctx context.Context, after Offset, count int) ([]Event, error) {
	var msgs []goredis.XMessage
	if s.live {
		streams, err := s.client.XRead(ctx, &goredis.XReadArgs{
			Streams: []string{s.key, after.String()},
			Count:   int64(count),
			Block:   s.block,
		}).Result()
		if errors.Is(err, goredis.Nil) {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("xread %s: %w", s.key, err)
		}
		for _, st := range streams {
			msgs = append(msgs, st.Messages...)
		}
	} else {
		var err error
		msgs, err = s.client.XRangeN(ctx, s.key, after.Next().String(), "+", int64(count)).Result()
		if err != nil {
			return nil, fmt.Errorf("xrange %s: %w", s.key, err)
		}
	}

	events := make([]Event, 0, len(msgs))
	for _, m := range msgs {
		e, err := s.decode(m)
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, nil
}

// Blocks reports whether Read waits for new entries.
func (s *StreamSource) Blocks() bool { return s.live }

// Last returns the offset of the newest entry, or the zero offset for an empty stream.
func (s *StreamSource) Last(ctx context.Context) (Offset, error) {
	msgs, err := s.client.XRevRangeN(ctx, s.key, "+", "-", 1).Result()
	if err != nil {
		return Offset{}, fmt.Errorf("xrevrange %s: %w", s.key, err)
	}
	if len(msgs) == 0 {
		return Offset{}, nil
	}
	return ParseOffset(msgs[0].ID)
}

func (s *StreamSource) decode(m goredis.XMessage) (Event, error) {
	off, err := ParseOffset(m.ID)
	if err != nil {
		return Event{}, err
	}
	field := func(name string) string {
		v, _ := m.Values[name].(string)
		return v
	}
	return Event{
		Queue:     s.queue,
		JobID:     field(FieldJobID),
		JobName:   field(FieldName),
		Type:      Type(field(FieldEvent)),
		Offset:    off,
		Timestamp: off.Time(),
	}, nil
}

// Archive is durable storage of job transitions that outlives stream retention.
type Archive interface {
	Save(ctx context.Context, host string, events []Event) error
	ReadAfter(ctx context.Context, host, queue string, after Offset, limit int) ([]Event, error)
}

// ArchiveSource reads one queue's history from an Archive.
type ArchiveSource struct {
	archive Archive
	host    string
	queue   string
}

func NewArchiveSource(archive Archive, host, queue string) *ArchiveSource {
	return &ArchiveSource{archive: archive, host: host, queue: queue}
}

func (s *ArchiveSource) Read(ctx context.Context, after Offset, count int) ([]Event, error) {
	return s.archive.ReadAfter(ctx, s.host, s.queue, after, count)
}
