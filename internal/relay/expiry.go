package relay

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/zulandar/switchboard/internal/i18n"
	"github.com/zulandar/switchboard/internal/models"
	"github.com/zulandar/switchboard/internal/replylog"
)

// ExpiryActor is recorded as DecidedBy on tickets discarded by the sweep.
const ExpiryActor = "expiry"

// cronParser uses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// nextCronDuration parses a 5-field cron expression and returns the duration
// until the next fire time. Returns 0 on parse error.
func nextCronDuration(expr string, now time.Time) time.Duration {
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return 0
	}
	d := sched.Next(now).Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

// ExpireStale discards every PENDING ticket older than ttl and returns how
// many were discarded. Tickets decided concurrently are skipped.
func (r *Router) ExpireStale(ctx context.Context, ttl time.Duration) (int, error) {
	if ttl <= 0 {
		return 0, fmt.Errorf("relay: expire: ttl must be positive")
	}
	stale, err := r.tickets.ListPending(ctx, r.tickets.now().Add(-ttl))
	if err != nil {
		return 0, err
	}
	expired := 0
	for i := range stale {
		ok, err := r.expireTicket(ctx, &stale[i])
		if err != nil {
			log.Printf("relay: expire: ticket %s: %v", stale[i].ID, err)
			continue
		}
		if ok {
			expired++
		}
	}
	return expired, nil
}

func (r *Router) expireTicket(ctx context.Context, ticket *models.AutoreplyTicket) (bool, error) {
	unlock := r.locks.lock(ticket.RelayedMessageID)
	defer unlock()

	decided, err := r.tickets.Discard(ctx, ticket.ID, ExpiryActor)
	if errors.Is(err, ErrInvalidTransition) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	r.metrics.ticket(models.TicketDiscarded)

	lang := r.lang
	entry, err := r.store.Resolve(ctx, ticket.RelayedMessageID)
	if err != nil {
		log.Printf("relay: expire: resolve %s: %v", ticket.RelayedMessageID, err)
		entry = &models.CorrelationEntry{RelayedMessageID: ticket.RelayedMessageID}
	} else {
		lang = entry.Language
	}
	r.markDecided(ctx, decided, lang, "❌", i18n.ReplyExpired)
	r.appendDecision(ctx, entry, decided, replylog.EventDiscarded, replylog.StatusDiscarded)
	fmt.Fprintf(r.out, "relay: expire: ticket %s discarded after no decision\n", decided.ID)
	return true, nil
}

// runExpiry sweeps stale tickets on the cron schedule until ctx is done.
func (r *Router) runExpiry(ctx context.Context, ttl time.Duration, expr string) {
	d := nextCronDuration(expr, time.Now())
	if d <= 0 {
		log.Printf("relay: expire: invalid cron %q; expiry disabled", expr)
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			if n, err := r.ExpireStale(ctx, ttl); err != nil {
				log.Printf("relay: expire: %v", err)
			} else if n > 0 {
				fmt.Fprintf(r.out, "relay: expire: %d ticket(s) discarded\n", n)
			}
			if d := nextCronDuration(expr, time.Now()); d > 0 {
				timer.Reset(d)
			}
		}
	}
}
