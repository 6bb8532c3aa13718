package worker

import (
	"context"
	"time"

	"github.com/cuongbtq/taskq/internal/domain"
	"github.com/cuongbtq/taskq/internal/joblog"
	"github.com/cuongbtq/taskq/internal/store"
)

// Proxy is a read-side view of a worker run recorded in the registry,
// possibly in another process
type Proxy struct {
	gw  store.Gateway
	doc *domain.WorkerDocument
}

// NewProxy wraps a worker document
func NewProxy(gw store.Gateway, doc *domain.WorkerDocument) *Proxy {
	return &Proxy{gw: gw, doc: doc}
}

// GetProxy loads a worker by ID
func GetProxy(ctx context.Context, gw store.Gateway, workerID string) (*Proxy, error) {
	doc, err := gw.GetWorker(ctx, workerID)
	if err != nil {
		return nil, err
	}
	return NewProxy(gw, doc), nil
}

// FindProxy loads the most recent worker run with name
func FindProxy(ctx context.Context, gw store.Gateway, name string) (*Proxy, error) {
	doc, err := gw.FindWorkerByName(ctx, name)
	if err != nil {
		return nil, err
	}
	return NewProxy(gw, doc), nil
}

// ListProxies lists registered workers, optionally only the working ones
func ListProxies(ctx context.Context, gw store.Gateway, workingOnly bool) ([]*Proxy, error) {
	docs, err := gw.ListWorkers(ctx, workingOnly)
	if err != nil {
		return nil, err
	}
	proxies := make([]*Proxy, 0, len(docs))
	for _, d := range docs {
		proxies = append(proxies, NewProxy(gw, d))
	}
	return proxies, nil
}

func (p *Proxy) ID() string { return p.doc.ID }
func (p *Proxy) Name() string { return p.doc.Name }
func (p *Proxy) Queues() []string { return p.doc.Queues }
func (p *Proxy) Tags() []string { return p.doc.Tags }
func (p *Proxy) LastCheckIn() time.Time { return p.doc.CheckIn }
func (p *Proxy) Document() *domain.WorkerDocument { return p.doc }

// NumProcessed counts jobs this worker claimed, live and archived
func (p *Proxy) NumProcessed(ctx context.Context) (int64, error) {
	return p.gw.CountClaimedBy(ctx, p.doc.ID)
}

// NumBacklog counts due, unclaimed jobs this worker could claim
func (p *Proxy) NumBacklog(ctx context.Context) (int64, error) {
	return p.gw.CountJobs(ctx, store.BacklogFilter(p.doc.Queues, p.doc.Tags, domain.Now()))
}

// Finished reports whether the worker run has ended
func (p *Proxy) Finished(ctx context.Context) (bool, error) {
	doc, err := p.gw.GetWorker(ctx, p.doc.ID)
	if err != nil {
		return false, err
	}
	return !doc.Working, nil
}

// Stream returns a reader over the worker's log lines
func (p *Proxy) Stream() *joblog.Stream {
	return joblog.NewStream(p.gw, store.LogQuery{WorkerID: p.doc.ID}, p.Finished)
}
