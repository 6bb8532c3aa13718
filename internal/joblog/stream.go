package joblog

import (
	"context"
	"time"

	"github.com/cuongbtq/taskq/internal/domain"
	"github.com/cuongbtq/taskq/internal/store"
)

const (
	defaultPollInterval = time.Second
	readBatch           = 200
)

// FinishedFunc reports whether the producer of a stream is done writing
type FinishedFunc func(ctx context.Context) (bool, error)

// Stream reads the log lines of one job or worker
type Stream struct {
	logs     store.LogStore
	query    store.LogQuery
	finished FinishedFunc

	PollInterval time.Duration
}

// NewStream creates a Stream over the entries selected by q. finished may be
// nil, in which case a followed stream ends only with its context.
func NewStream(logs store.LogStore, q store.LogQuery, finished FinishedFunc) *Stream {
	return &Stream{
		logs:         logs,
		query:        q,
		finished:     finished,
		PollInterval: defaultPollInterval,
	}
}

// Lines calls fn for each entry in order. Without follow it returns once
// the stored entries are exhausted. With follow it keeps polling until the
// producer has finished, then drains what is left.
func (s *Stream) Lines(ctx context.Context, follow bool, fn func(*domain.LogEntry) error) error {
	done := !follow
	if follow && s.finished != nil {
		fin, err := s.finished(ctx)
		if err != nil {
			return err
		}
		done = fin
	}

	after := s.query.AfterSeq
	for {
		var err error
		if after, err = s.drain(ctx, after, fn); err != nil {
			return err
		}
		if done {
			return nil
		}

		if s.finished != nil {
			fin, err := s.finished(ctx)
			if err != nil {
				return err
			}
			if fin {
				done = true
				continue
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.PollInterval):
		}
	}
}

func (s *Stream) drain(ctx context.Context, after int64, fn func(*domain.LogEntry) error) (int64, error) {
	q := s.query
	q.Limit = readBatch
	for {
		q.AfterSeq = after
		entries, err := s.logs.ReadLogs(ctx, q)
		if err != nil {
			return after, err
		}
		for _, e := range entries {
			if err := fn(e); err != nil {
				return after, err
			}
			after = e.Seq
		}
		if len(entries) < readBatch {
			return after, nil
		}
	}
}
