/**
 * @description
 * This file contains the reconciliation poller: the safety net against lost
 * webhooks. For every ACTIVE QR it runs a dedicated watch loop that
 * periodically queries the bank ledger for payment evidence and funnels any
 * findings through the same ingestion path as webhooks. The loop also owns
 * expiry: when a watched QR passes its due date, the poller drives the
 * EXPIRED transition instead of waiting for the next sweep.
 *
 * Key features:
 * - Per-QR watch goroutines with an interval ticker and a hard lifetime
 *   ceiling, so a QR with a far-out due date never pins a goroutine forever.
 * - Per-query timeout: a slow ledger delays at most one tick.
 * - Ledger failures are logged and retried on the next tick, never fatal.
 *
 * @dependencies
 * - github.com/linuxer41/pagui-sub001/internal/domain: QR and evidence types.
 */
package app

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/linuxer41/pagui-sub001/internal/domain"
)

const (
	defaultPollInterval = 10 * time.Second
	defaultPollCeiling  = 30 * time.Minute
	defaultQueryTimeout = 5 * time.Second
)

// pollSink receives what a watch loop discovers. It is implemented by the
// service so polled evidence and due-date expiry flow through the exact same
// orchestration (events, terminal cleanup) as the webhook path.
type pollSink interface {
	IngestEvidence(ctx context.Context, evidence domain.PaymentEvidence) (MatchResult, error)
	ExpireQR(ctx context.Context, qrID string) (bool, error)
}

// Poller reconciles ACTIVE QRs against the bank ledger.
type Poller struct {
	sink         pollSink
	source       EvidenceSource
	interval     time.Duration
	ceiling      time.Duration
	queryTimeout time.Duration

	mu      sync.Mutex
	watches map[string]chan struct{}
	wg      sync.WaitGroup
	closed  bool
}

// PollerConfig carries the poller's tunables. Zero values fall back to the
// package defaults.
type PollerConfig struct {
	Interval     time.Duration
	Ceiling      time.Duration
	QueryTimeout time.Duration
}

// NewPoller creates a poller that reports findings to sink.
func NewPoller(sink pollSink, source EvidenceSource, cfg PollerConfig) *Poller {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultPollInterval
	}
	if cfg.Ceiling <= 0 {
		cfg.Ceiling = defaultPollCeiling
	}
	if cfg.QueryTimeout <= 0 {
		cfg.QueryTimeout = defaultQueryTimeout
	}
	return &Poller{
		sink:         sink,
		source:       source,
		interval:     cfg.Interval,
		ceiling:      cfg.Ceiling,
		queryTimeout: cfg.QueryTimeout,
		watches:      make(map[string]chan struct{}),
	}
}

// Watch starts a reconciliation loop for the given QR. Watching an already
// watched or terminal QR is a no-op.
func (p *Poller) Watch(qr domain.QRCode) {
	if qr.Status != domain.QRStatusActive {
		return
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	if _, ok := p.watches[qr.ID]; ok {
		p.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	p.watches[qr.ID] = stop
	p.wg.Add(1)
	p.mu.Unlock()

	go p.watchLoop(qr, stop)
}

// StopWatching tears down the watch loop for a QR. Safe to call for a QR
// that is not watched.
func (p *Poller) StopWatching(qrID string) {
	p.mu.Lock()
	stop, ok := p.watches[qrID]
	if ok {
		delete(p.watches, qrID)
	}
	p.mu.Unlock()
	if ok {
		close(stop)
	}
}

// Stop tears down every watch loop and waits for them to exit.
func (p *Poller) Stop() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	for qrID, stop := range p.watches {
		close(stop)
		delete(p.watches, qrID)
	}
	p.mu.Unlock()

	p.wg.Wait()
}

// WatchCount reports the number of live watch loops.
func (p *Poller) WatchCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.watches)
}

func (p *Poller) watchLoop(qr domain.QRCode, stop <-chan struct{}) {
	defer p.wg.Done()
	defer p.unregister(qr.ID)

	deadline := time.Now().Add(p.ceiling)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	log.Printf("level=info component=poller op=watch_start qr_id=%s due_date=%s", qr.ID, qr.DueDate.Format(time.RFC3339))

	for {
		select {
		case <-stop:
			return
		case now := <-ticker.C:
			if now.After(qr.DueDate) {
				p.expire(qr.ID)
				return
			}
			if now.After(deadline) {
				log.Printf("level=info component=poller op=watch_ceiling qr_id=%s msg=\"poll ceiling reached, watch retired\"", qr.ID)
				return
			}
			if done := p.reconcile(qr); done {
				return
			}
		}
	}
}

// reconcile runs one ledger query and ingests whatever it finds. It reports
// true once the QR no longer needs watching.
func (p *Poller) reconcile(qr domain.QRCode) bool {
	ctx, cancel := context.WithTimeout(context.Background(), p.queryTimeout)
	defer cancel()

	evidence, err := p.source.FetchEvidence(ctx, qr.ID)
	if err != nil {
		log.Printf("level=warn component=poller op=reconcile qr_id=%s error=%q msg=\"ledger query failed, will retry next tick\"", qr.ID, err)
		return false
	}

	for _, ev := range evidence {
		result, err := p.sink.IngestEvidence(context.Background(), ev)
		if err != nil {
			if errors.Is(err, ErrAlreadyTerminal) || errors.Is(err, ErrAlreadyPaid) {
				return true
			}
			log.Printf("level=warn component=poller op=reconcile qr_id=%s source_tx_id=%s error=%q", qr.ID, ev.SourceTransactionID, err)
			continue
		}
		if result.Outcome == MatchApplied && qr.SingleUse {
			return true
		}
	}
	return false
}

func (p *Poller) expire(qrID string) {
	ctx, cancel := context.WithTimeout(context.Background(), p.queryTimeout)
	defer cancel()

	expired, err := p.sink.ExpireQR(ctx, qrID)
	if err != nil {
		log.Printf("level=error component=poller op=expire qr_id=%s error=%q", qrID, err)
		return
	}
	if expired {
		log.Printf("level=info component=poller op=expire qr_id=%s msg=\"due date passed, QR expired\"", qrID)
	}
}

func (p *Poller) unregister(qrID string) {
	p.mu.Lock()
	delete(p.watches, qrID)
	p.mu.Unlock()
}
