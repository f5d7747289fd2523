package delivery

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"agentboard/internal/domain"
	"agentboard/internal/events"
	"agentboard/internal/repo"
)

const (
	dueBatchSize = 50
	idlePoll     = time.Minute
)

// retryDelay returns the wait before retry number attempt (1-based), so the
// send timeline is t=0, +initial, +initial*multiplier, and so on.
func retryDelay(initial time.Duration, multiplier float64, attempt int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = initial
	b.Multiplier = multiplier
	b.RandomizationFactor = 0
	b.MaxInterval = 24 * time.Hour
	b.MaxElapsedTime = 0
	b.Reset()
	d := b.NextBackOff()
	for i := 1; i < attempt; i++ {
		d = b.NextBackOff()
	}
	return d
}

// Run drives the delivery worker until ctx is done. It sleeps until the
// earliest pending retry is due, or until Wake is called for a fresh enqueue.
func (s *Service) Run(ctx context.Context) error {
	for {
		s.sweepDue(ctx)

		wait := idlePoll
		if next, ok, err := s.Repo.NextDeliveryDue(ctx); err == nil && ok {
			if t, err := repo.ParseTime(next); err == nil {
				if d := time.Until(t); d < wait {
					wait = d
				}
			}
		}
		if wait < 0 {
			wait = 0
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-s.wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// sweepDue claims every attempt whose retry time has passed and sends each on
// its own goroutine, so one slow endpoint cannot hold up the rest of the batch.
func (s *Service) sweepDue(ctx context.Context) {
	now := repo.FormatTime(s.now())
	due, err := s.Repo.DueDeliveryAttempts(ctx, now, dueBatchSize)
	if err != nil {
		log.Printf("delivery: fetch due attempts failed: %v", err)
		return
	}
	var wg sync.WaitGroup
	for _, attempt := range due {
		claimed, err := s.Repo.MarkAttemptInFlight(ctx, attempt.ID, now)
		if err != nil || !claimed {
			continue
		}
		wg.Add(1)
		go func(a domain.DeliveryAttempt) {
			defer wg.Done()
			s.send(ctx, a)
		}(attempt)
	}
	wg.Wait()
}

// send performs one delivery attempt and records the outcome: succeeded,
// rescheduled with backoff, or failed once the attempt budget is spent.
func (s *Service) send(ctx context.Context, attempt domain.DeliveryAttempt) {
	cfg, err := s.Repo.GetWebhookConfig(ctx, attempt.AgentID)
	if err != nil || !cfg.Enabled {
		nowStr := repo.FormatTime(s.now())
		_ = s.Repo.MarkAttemptFailed(ctx, attempt.ID, attempt.Attempt, "webhook configuration removed or disabled", nowStr)
		return
	}

	tryNum := attempt.Attempt + 1
	postErr := s.post(ctx, cfg, []byte(attempt.Payload))
	nowStr := repo.FormatTime(s.now())

	if postErr == nil {
		_ = s.Repo.MarkAttemptSucceeded(ctx, attempt.ID, tryNum, nowStr)
		_ = s.Events.Append(ctx, nil, "delivery.succeeded", attempt.ProjectID, "delivery", attempt.ID, "delivery",
			events.EventPayload{"agent_id": attempt.AgentID, "event": attempt.Event, "attempt": tryNum})
		return
	}

	if tryNum >= cfg.MaxAttempts {
		log.Printf("delivery: giving up on %s to %s after %d attempts: %v", attempt.Event, attempt.AgentID, tryNum, postErr)
		_ = s.Repo.MarkAttemptFailed(ctx, attempt.ID, tryNum, postErr.Error(), nowStr)
		_ = s.Events.Append(ctx, nil, "delivery.failed", attempt.ProjectID, "delivery", attempt.ID, "delivery",
			events.EventPayload{"agent_id": attempt.AgentID, "event": attempt.Event, "attempt": tryNum, "error": postErr.Error()})
		return
	}

	delay := retryDelay(time.Duration(cfg.InitialDelayMS)*time.Millisecond, cfg.BackoffMultiplier, tryNum)
	next := repo.FormatTime(s.now().Add(delay))
	_ = s.Repo.RescheduleAttempt(ctx, attempt.ID, tryNum, next, postErr.Error(), nowStr)
}
