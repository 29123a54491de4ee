// Package inbound drains the gateway queue and feeds provider messages to
// the correlator. Deletion acknowledges work: a message is removed from
// the queue only after the correlator settles it, so crashes and transient
// storage errors surface as redeliveries the dedup hash absorbs.
package inbound

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/numrent/numrent/internal/correlator"
	"github.com/numrent/numrent/internal/queue"
	"github.com/numrent/numrent/pkg/logging"
)

// Submitter is the correlator entry point the pool drives.
type Submitter interface {
	Submit(ctx context.Context, in correlator.Inbound) (correlator.Outcome, error)
}

const (
	defaultWorkers          = 2
	defaultReceiveWait      = 2  // seconds
	defaultReceiveMax       = 5  // messages
	maxReceiveWaitSeconds   = 20 // SQS limit
	maxReceiveBatchMessages = 10
)

type poolConfig struct {
	workers          int
	receiveWaitSecs  int
	receiveBatchSize int
}

// Option configures the pool.
type Option func(*poolConfig)

// WithWorkerCount overrides the number of queue polling goroutines.
func WithWorkerCount(workers int) Option {
	return func(cfg *poolConfig) {
		if workers > 0 {
			cfg.workers = workers
		}
	}
}

// WithWaitSeconds sets the long-poll wait time for Receive calls.
func WithWaitSeconds(seconds int) Option {
	return func(cfg *poolConfig) {
		if seconds < 0 {
			return
		}
		if seconds > maxReceiveWaitSeconds {
			seconds = maxReceiveWaitSeconds
		}
		cfg.receiveWaitSecs = seconds
	}
}

// WithBatchSize overrides how many messages each poll should return.
func WithBatchSize(size int) Option {
	return func(cfg *poolConfig) {
		if size <= 0 {
			return
		}
		if size > maxReceiveBatchMessages {
			size = maxReceiveBatchMessages
		}
		cfg.receiveBatchSize = size
	}
}

// Pool runs N polling goroutines against the inbound queue.
type Pool struct {
	queue      queue.Queue
	correlator Submitter
	logger     *logging.Logger

	cfg poolConfig

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewPool wires the workers and starts them immediately.
func NewPool(q queue.Queue, c Submitter, logger *logging.Logger, opts ...Option) *Pool {
	if q == nil {
		panic("inbound: queue cannot be nil")
	}
	if c == nil {
		panic("inbound: correlator cannot be nil")
	}
	if logger == nil {
		logger = logging.Default()
	}

	cfg := poolConfig{
		workers:          defaultWorkers,
		receiveWaitSecs:  defaultReceiveWait,
		receiveBatchSize: defaultReceiveMax,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		queue:      q,
		correlator: c,
		logger:     logger.Component("inbound"),
		cfg:        cfg,
		ctx:        ctx,
		cancel:     cancel,
	}

	for i := 0; i < cfg.workers; i++ {
		p.wg.Add(1)
		go p.runWorker(i + 1)
	}

	return p
}

// Shutdown stops the polling goroutines and waits for in-flight work.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.cancel()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

func (p *Pool) runWorker(workerID int) {
	defer p.wg.Done()
	p.logger.Debug("inbound worker started", "worker_id", workerID)

	backoff := time.Second

	for {
		select {
		case <-p.ctx.Done():
			p.logger.Debug("inbound worker stopping", "worker_id", workerID)
			return
		default:
		}

		messages, err := p.queue.Receive(p.ctx, p.cfg.receiveBatchSize, p.cfg.receiveWaitSecs)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			p.logger.Error("failed to receive inbound messages", "error", err, "worker_id", workerID)
			time.Sleep(backoff)
			if backoff < 5*time.Second {
				backoff *= 2
			}
			continue
		}
		backoff = time.Second

		for _, msg := range messages {
			p.handle(msg)
		}
	}
}

// handle settles one queue entry. Malformed payloads are deleted outright;
// correlator errors leave the entry for redelivery.
func (p *Pool) handle(msg queue.Message) {
	var in correlator.Inbound
	if err := json.Unmarshal([]byte(msg.Body), &in); err != nil {
		p.logger.Error("failed to decode inbound payload, dropping", "error", err, "queue_id", msg.ID)
		p.delete(msg)
		return
	}
	in.Raw = []byte(msg.Body)

	outcome, err := p.correlator.Submit(p.ctx, in)
	if err != nil {
		p.logger.Error("inbound submit failed, leaving for redelivery", "error", err, "queue_id", msg.ID)
		return
	}

	p.logger.Debug("inbound message settled", "outcome", string(outcome), "queue_id", msg.ID)
	p.delete(msg)
}

func (p *Pool) delete(msg queue.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.queue.Delete(ctx, msg.ReceiptHandle); err != nil {
		p.logger.Error("failed to delete queue message", "error", err, "queue_id", msg.ID)
	}
}
