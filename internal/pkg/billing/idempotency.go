package billing

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const defaultReservationLease = 2 * time.Minute

// Reservation is a claim on an idempotency key held by one pipeline run.
type Reservation struct {
	Key    string
	Holder string
}

// Guard decides from the audit ledger whether a key was already applied and
// reserves it for the caller otherwise.
type Guard struct {
	store Store
	lease time.Duration
	now   func() time.Time
}

func NewGuard(store Store, lease time.Duration) *Guard {
	if lease <= 0 {
		lease = defaultReservationLease
	}
	return &Guard{store: store, lease: lease, now: time.Now}
}

// CheckAndReserve reports alreadyProcessed when the key has an audit record or
// is reserved by a live run. Otherwise the returned reservation must be
// committed by the writer or given back with Release.
func (g *Guard) CheckAndReserve(ctx context.Context, key string) (Reservation, bool, error) {
	exists, err := g.store.AuditRecordExists(ctx, key)
	if err != nil {
		return Reservation{}, false, err
	}
	if exists {
		return Reservation{}, true, nil
	}

	res := Reservation{Key: key, Holder: uuid.NewString()}
	now := g.now().UTC()
	reserved, err := g.store.ReserveAuditKey(ctx, key, res.Holder, now.Add(g.lease))
	if err != nil {
		return Reservation{}, false, err
	}
	if !reserved {
		reserved, err = g.store.TakeOverExpiredReservation(ctx, key, res.Holder, now, now.Add(g.lease))
		if err != nil {
			return Reservation{}, false, err
		}
		if !reserved {
			log.Debug().Str("key", key).Msg("[Billing] idempotency key held by another run")
			return Reservation{}, true, nil
		}
		log.Warn().Str("key", key).Msg("[Billing] took over expired reservation")
	}

	// A run may have committed between the ledger check and the reservation.
	exists, err = g.store.AuditRecordExists(ctx, key)
	if err != nil || exists {
		g.Release(ctx, res)
		return Reservation{}, exists, err
	}
	return res, false, nil
}

// Release gives a reservation back so a later delivery can redo the work.
// It is safe to call after the reservation was committed.
func (g *Guard) Release(ctx context.Context, res Reservation) {
	if res.Holder == "" {
		return
	}
	if err := g.store.ReleaseReservation(context.WithoutCancel(ctx), res.Key, res.Holder); err != nil {
		log.Error().Err(err).Str("key", res.Key).Msg("[Billing] failed to release reservation")
	}
}
