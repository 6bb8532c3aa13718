package admin

import (
	"context"
	"fmt"
	"time"

	"github.com/cuongbtq/taskq/internal/queue"
	"github.com/cuongbtq/taskq/internal/worker"
)

// TagCount is the number of pending jobs a worker filtering on Tag accepts
type TagCount struct {
	Tag   string `json:"tag"`
	Count int64  `json:"count"`
}

// QueueInfo summarises one queue
type QueueInfo struct {
	Name    string     `json:"name"`
	Pending int64      `json:"pending"`
	Failed  int64      `json:"failed"`
	Tags    []TagCount `json:"tags"`
}

// WorkerInfo summarises one worker run
type WorkerInfo struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Host        string    `json:"host"`
	PID         int       `json:"pid"`
	Working     bool      `json:"working"`
	Queues      []string  `json:"queues"`
	Tags        []string  `json:"tags"`
	Processed   int64     `json:"processed"`
	Backlog     int64     `json:"backlog"`
	Started     time.Time `json:"started"`
	LastCheckIn time.Time `json:"last_check_in"`
}

// Info is the overview printed by taskctl info
type Info struct {
	Queues  []QueueInfo  `json:"queues"`
	Workers []WorkerInfo `json:"workers"`
}

// Queues summarises every queue present in the live collection
func (s *Service) Queues(ctx context.Context) ([]QueueInfo, error) {
	names, err := s.gw.DistinctQueues(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list queues: %w", err)
	}

	out := make([]QueueInfo, 0, len(names))
	for _, name := range names {
		q := queue.New(s.gw, name)
		qi := QueueInfo{Name: name, Tags: []TagCount{}}

		if qi.Pending, err = q.Count(ctx); err != nil {
			return nil, err
		}
		if qi.Failed, err = q.NumFailed(ctx); err != nil {
			return nil, err
		}
		tags, err := q.AllTags(ctx)
		if err != nil {
			return nil, err
		}
		for _, tag := range tags {
			n, err := q.TagCount(ctx, tag)
			if err != nil {
				return nil, err
			}
			qi.Tags = append(qi.Tags, TagCount{Tag: tag, Count: n})
		}
		out = append(out, qi)
	}
	return out, nil
}

// Workers summarises registered worker runs
func (s *Service) Workers(ctx context.Context, workingOnly bool) ([]WorkerInfo, error) {
	proxies, err := worker.ListProxies(ctx, s.gw, workingOnly)
	if err != nil {
		return nil, fmt.Errorf("failed to list workers: %w", err)
	}
	out := make([]WorkerInfo, 0, len(proxies))
	for _, p := range proxies {
		wi, err := describe(ctx, p)
		if err != nil {
			return nil, err
		}
		out = append(out, wi)
	}
	return out, nil
}

// Worker summarises one worker run
func (s *Service) Worker(ctx context.Context, workerID string) (*WorkerInfo, error) {
	p, err := worker.GetProxy(ctx, s.gw, workerID)
	if err != nil {
		return nil, err
	}
	wi, err := describe(ctx, p)
	if err != nil {
		return nil, err
	}
	return &wi, nil
}

func describe(ctx context.Context, p *worker.Proxy) (WorkerInfo, error) {
	doc := p.Document()
	wi := WorkerInfo{
		ID:          doc.ID,
		Name:        doc.Name,
		Host:        doc.Host,
		PID:         doc.PID,
		Working:     doc.Working,
		Queues:      p.Queues(),
		Tags:        p.Tags(),
		Started:     doc.Started,
		LastCheckIn: p.LastCheckIn(),
	}
	var err error
	if wi.Processed, err = p.NumProcessed(ctx); err != nil {
		return WorkerInfo{}, err
	}
	if wi.Backlog, err = p.NumBacklog(ctx); err != nil {
		return WorkerInfo{}, err
	}
	return wi, nil
}

// Info collects the queue and working-worker overview
func (s *Service) Info(ctx context.Context) (*Info, error) {
	queues, err := s.Queues(ctx)
	if err != nil {
		return nil, err
	}
	workers, err := s.Workers(ctx, true)
	if err != nil {
		return nil, err
	}
	return &Info{Queues: queues, Workers: workers}, nil
}
