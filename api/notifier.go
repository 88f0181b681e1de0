package api

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"boardsync/domain"
)

type notifyJob struct {
	event          domain.Event
	excludeSession string
}

// NotifierConfig tunes the async notification pool.
type NotifierConfig struct {
	Workers        int
	Buffer         int
	HandoffTimeout time.Duration
	EnqueueTimeout time.Duration
}

// Notifier fans committed mutations out after the response is written: into
// the local hub, onto the relay channel for peer instances, and onto the
// activity feed. It is explicitly constructed and injectable; tests can run
// several side by side.
type Notifier struct {
	cfg       NotifierConfig
	logger    *log.Logger
	relay     Relay
	publisher Publisher
	store     Storage

	jobs     chan notifyJob
	workerWG sync.WaitGroup

	mu      sync.Mutex
	closing bool
}

// NewNotifier starts the worker pool. relay, publisher and store may each be
// nil, in which case that leg is skipped.
func NewNotifier(cfg NotifierConfig, logger *log.Logger, relay Relay, publisher Publisher, store Storage) *Notifier {
	if logger == nil {
		logger = log.StandardLogger()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = 256
	}
	if cfg.HandoffTimeout <= 0 {
		cfg.HandoffTimeout = 15 * time.Millisecond
	}
	if cfg.EnqueueTimeout <= 0 {
		cfg.EnqueueTimeout = 30 * time.Second
	}
	n := &Notifier{
		cfg:       cfg,
		logger:    logger,
		relay:     relay,
		publisher: publisher,
		store:     store,
		jobs:      make(chan notifyJob, cfg.Buffer),
	}
	for i := 0; i < cfg.Workers; i++ {
		n.workerWG.Add(1)
		go n.worker()
	}
	logger.WithFields(log.Fields{
		"workers": cfg.Workers,
		"buffer":  cfg.Buffer,
	}).Info("notifier started")
	return n
}

// Notify hands the event to the pool. It never blocks the caller beyond the
// handoff timeout: when the buffer stays saturated the event is dispatched
// inline with a warning, so the notification is still best-effort delivered.
func (n *Notifier) Notify(ev domain.Event, excludeSession string) {
	job := notifyJob{event: ev, excludeSession: excludeSession}

	if ok, closed := trySendNonBlocking(n.jobs, job); closed {
		return
	} else if ok {
		return
	}

	timer := time.NewTimer(n.cfg.HandoffTimeout)
	defer timer.Stop()
	if ok, closed := sendWithTimer(n.jobs, job, timer.C); closed || ok {
		return
	}

	n.logger.Warn("notifier buffer saturated; dispatching inline")
	n.dispatch(job)
}

// Shutdown stops the workers after draining queued jobs.
func (n *Notifier) Shutdown() {
	n.mu.Lock()
	if n.closing {
		n.mu.Unlock()
		return
	}
	n.closing = true
	close(n.jobs)
	n.mu.Unlock()
	n.workerWG.Wait()
}

func trySendNonBlocking(ch chan notifyJob, job notifyJob) (ok bool, closed bool) {
	defer func() {
		if r := recover(); r != nil {
			ok = false
			closed = true
		}
	}()

	select {
	case ch <- job:
		return true, false
	default:
		return false, false
	}
}

func sendWithTimer(ch chan notifyJob, job notifyJob, timer <-chan time.Time) (ok bool, closed bool) {
	defer func() {
		if r := recover(); r != nil {
			ok = false
			closed = true
		}
	}()

	select {
	case ch <- job:
		return true, false
	case <-timer:
		return false, false
	}
}

func (n *Notifier) worker() {
	defer n.workerWG.Done()
	for job := range n.jobs {
		n.dispatch(job)
	}
}

func (n *Notifier) dispatch(job notifyJob) {
	if n.relay != nil {
		n.relay.RelayEvent(job.event, job.excludeSession)
	}
	ctx, cancel := context.WithTimeout(context.Background(), n.cfg.EnqueueTimeout)
	defer cancel()
	if n.publisher != nil {
		n.publisher.Publish(ctx, job.event)
	}
	if n.store != nil {
		if err := n.store.EnqueueActivity(ctx, job.event); err != nil {
			n.logger.WithError(err).WithFields(log.Fields{
				"board":  job.event.BoardID,
				"entity": job.event.EntityID,
			}).Error("activity enqueue failed")
		}
	}
}
