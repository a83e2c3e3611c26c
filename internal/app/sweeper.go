/**
 * @description
 * Cron-driven expiry sweep. The poller already expires QRs it is actively
 * watching, but a watch retires once its ceiling passes; the sweep is the
 * backstop that expires any ACTIVE QR whose due date has lapsed, regardless
 * of whether a watch loop is still alive for it.
 *
 * @dependencies
 * - github.com/robfig/cron/v3: Cron scheduling with panic recovery.
 * - github.com/linuxer41/pagui-sub001/internal/store: Due-QR listing.
 */
package app

import (
	"context"
	"log"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/linuxer41/pagui-sub001/internal/store"
)

// expirySink is implemented by the service so swept expiries emit the same
// notifications as poller-driven ones.
type expirySink interface {
	ExpireQR(ctx context.Context, qrID string) (bool, error)
}

// Sweeper runs the scheduled expiry sweep.
type Sweeper struct {
	cron     *cron.Cron
	repo     store.Repository
	sink     expirySink
	schedule string
}

// NewSweeper creates a sweeper that runs on the given cron schedule.
func NewSweeper(repo store.Repository, sink expirySink, schedule string) *Sweeper {
	cronLogger := cron.PrintfLogger(log.Default())
	c := cron.New(cron.WithChain(cron.Recover(cronLogger)))

	return &Sweeper{
		cron:     c,
		repo:     repo,
		sink:     sink,
		schedule: schedule,
	}
}

// Start registers the sweep job and starts the scheduler.
func (s *Sweeper) Start() {
	if _, err := s.cron.AddFunc(s.schedule, s.SweepExpired); err != nil {
		log.Printf("level=error component=sweeper op=start schedule=%q error=%q msg=\"failed to schedule expiry sweep\"", s.schedule, err)
		return
	}
	log.Printf("level=info component=sweeper op=start schedule=%q msg=\"scheduled expiry sweep\"", s.schedule)
	s.cron.Start()
}

// Stop gracefully stops the scheduler and returns a context that is done
// once running jobs have finished.
func (s *Sweeper) Stop() context.Context {
	return s.cron.Stop()
}

// SweepExpired expires every ACTIVE QR whose due date has passed. Failures
// on individual QRs are logged and do not abort the sweep.
func (s *Sweeper) SweepExpired() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	due, err := s.repo.ListActiveQRsDueBefore(ctx, time.Now().UTC())
	if err != nil {
		log.Printf("level=error component=sweeper op=sweep error=%q msg=\"failed to list due QRs\"", err)
		return
	}
	if len(due) == 0 {
		return
	}

	expired := 0
	for _, qr := range due {
		ok, err := s.sink.ExpireQR(ctx, qr.ID)
		if err != nil {
			log.Printf("level=warn component=sweeper op=sweep qr_id=%s error=%q", qr.ID, err)
			continue
		}
		if ok {
			expired++
		}
	}
	log.Printf("level=info component=sweeper op=sweep due=%d expired=%d", len(due), expired)
}
