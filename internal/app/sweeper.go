/**
 * @description
 * Cron-driven retry sweeper. The forwarder already retries in-line with
 * backoff; the sweeper is the second line of defense, picking up failed
 * deliveries whose in-line retries were exhausted by a process restart or a
 * long partner outage, and re-forwarding them until the attempt cap.
 */

package app

import (
	"context"
	"log"
	"time"

	"github.com/pointwall/postback-service/internal/store"
	"github.com/robfig/cron/v3"
)

const sweepBatchSize = 100

// RetrySweeper periodically re-forwards failed deliveries below the attempt cap.
type RetrySweeper struct {
	cron        *cron.Cron
	repo        store.Repository
	forwarder   *Forwarder
	schedule    string
	maxAttempts int
	minAge      time.Duration
}

// NewRetrySweeper creates a sweeper with panic recovery on its jobs.
func NewRetrySweeper(repo store.Repository, forwarder *Forwarder, schedule string, maxAttempts int, minAge time.Duration) *RetrySweeper {
	return &RetrySweeper{
		cron:        cron.New(cron.WithChain(cron.Recover(cron.DefaultLogger))),
		repo:        repo,
		forwarder:   forwarder,
		schedule:    schedule,
		maxAttempts: maxAttempts,
		minAge:      minAge,
	}
}

// Start registers the sweep job and starts the scheduler.
func (s *RetrySweeper) Start() error {
	if _, err := s.cron.AddFunc(s.schedule, s.sweep); err != nil {
		return err
	}
	s.cron.Start()
	log.Printf("level=info component=sweeper msg=\"retry sweeper scheduled\" schedule=%q max_attempts=%d", s.schedule, s.maxAttempts)
	return nil
}

// Stop gracefully stops the scheduler, waiting for a running sweep.
func (s *RetrySweeper) Stop() context.Context {
	return s.cron.Stop()
}

func (s *RetrySweeper) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	cutoff := time.Now().Add(-s.minAge)
	attempts, err := s.repo.ListRetryableDeliveries(ctx, s.maxAttempts, cutoff, sweepBatchSize)
	if err != nil {
		log.Printf("level=error component=sweeper msg=\"retryable delivery listing failed\" err=%v", err)
		return
	}
	if len(attempts) == 0 {
		return
	}

	log.Printf("level=info component=sweeper msg=\"sweeping failed deliveries\" count=%d", len(attempts))
	for _, attempt := range attempts {
		if _, err := s.forwarder.Retry(ctx, attempt.ID); err != nil {
			log.Printf("level=error component=sweeper msg=\"retry failed\" attempt_id=%s conversion_id=%s err=%v",
				attempt.ID, attempt.ConversionID, err)
		}
	}
}
