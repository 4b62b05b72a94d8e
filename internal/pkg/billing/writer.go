package billing

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/ManuelReschke/EntitleFox/app/models"
	"github.com/ManuelReschke/EntitleFox/internal/pkg/entitlements"
	"gorm.io/gorm"
)

// Commit is one resolved event ready to be persisted.
type Commit struct {
	Event       BillingEvent
	Status      models.Status
	Expiry      time.Time
	Reservation Reservation
	Extra       map[string]string
}

// WriteResult reports what the writer persisted. Applied is false when the
// event only produced an audit record; Lineage then holds the terminal
// lineage that ignored it.
type WriteResult struct {
	Entitlement *models.BillingEntitlement
	Lineage     *models.BillingSubscription
	Applied     bool
}

// Writer persists resolved events. Entitlement, lineage, indexes and the
// audit record are written in one transaction, serialized per user by the
// entitlement row lock. A user without an entitlement gets a placeholder row
// for the lock, removed again when the event does not activate anything.
type Writer struct {
	store Store
	tiers entitlements.TierTable
	now   func() time.Time
}

func NewWriter(store Store, tiers entitlements.TierTable) *Writer {
	return &Writer{store: store, tiers: tiers, now: time.Now}
}

// Apply commits c. It returns ErrAlreadyCommitted when the idempotency key
// was committed concurrently and a *ConflictError when the payer identity is
// bound to another user with an active entitlement; nothing is written in
// either case.
func (w *Writer) Apply(ctx context.Context, c Commit) (WriteResult, error) {
	var result WriteResult
	ev := c.Event
	identity := NormalizePayerIdentity(ev.PayerIdentity)
	now := w.now().UTC()

	err := w.store.Transaction(ctx, func(tx TxStore) error {
		ent, created, err := tx.LockEntitlement(ev.UserID)
		if err != nil {
			return err
		}

		sub, err := tx.LockSubscription(ev.Provider, ev.LineageRef())
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			sub = &models.BillingSubscription{Provider: ev.Provider, LineageRef: ev.LineageRef()}
		case err != nil:
			return err
		}

		extra := c.Extra
		if sub.ID != 0 && sub.Status.Terminal() && sub.Status != c.Status {
			if ev.StartsLineage() {
				extra = withExtra(extra, "lineage_restarted", string(sub.Status))
			} else {
				extra = withExtra(extra, "ignored", "terminal_lineage")
				extra = withExtra(extra, "lineage_status", string(sub.Status))
				result = WriteResult{Lineage: sub}
				if created {
					if err := tx.DeleteEntitlement(ev.UserID); err != nil {
						return err
					}
				} else {
					result.Entitlement = ent
				}
				return w.insertAudit(tx, c, identity, extra, now)
			}
		}

		if c.Status == models.StatusActive && identity != "" {
			if err := w.bindPayer(tx, ev, identity); err != nil {
				return err
			}
		}

		sub.UserID = ev.UserID
		sub.SubscriptionRef = ev.SubscriptionRef
		sub.PurchaseRef = ev.PurchaseRef
		if ev.ProductRef != "" {
			sub.ProductRef = ev.ProductRef
		}
		if identity != "" {
			sub.PayerIdentity = identity
		}
		sub.Status = c.Status
		sub.ExpiresAt = nil
		if !c.Expiry.IsZero() {
			expiry := c.Expiry.UTC()
			sub.ExpiresAt = &expiry
		}
		if err := tx.SaveSubscription(sub); err != nil {
			return err
		}

		subs, err := tx.ListSubscriptionsByUser(ev.UserID)
		if err != nil {
			return err
		}
		best := bestLineage(subs, sub, w.tiers, now)

		if created && best.Status != models.StatusActive && best.Status != models.StatusPending {
			// no entitlement until the first activation
			if err := tx.DeleteEntitlement(ev.UserID); err != nil {
				return err
			}
			result = WriteResult{Lineage: sub, Applied: true}
			return w.finish(tx, c, ev, identity, extra, now)
		}
		ent.Status = best.Status
		ent.Tier = string(w.tiers.DeriveTier(best.Status, best.ProductRef))
		ent.Provider = best.Provider
		ent.SubscriptionRef = best.SubscriptionRef
		ent.PurchaseRef = best.PurchaseRef
		ent.ProductRef = best.ProductRef
		ent.PayerIdentity = best.PayerIdentity
		if err := tx.SaveEntitlement(ent); err != nil {
			return err
		}
		result = WriteResult{Entitlement: ent, Lineage: sub, Applied: true}
		return w.finish(tx, c, ev, identity, extra, now)
	})
	if err != nil {
		return WriteResult{}, err
	}
	return result, nil
}

// bindPayer enforces a single active holder per payer identity inside the
// transaction, closing the gap between the resolver's read and this write.
func (w *Writer) bindPayer(tx TxStore, ev BillingEvent, identity string) error {
	binding, err := tx.LockPayerBinding(identity)
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return err
	}
	if binding != nil && binding.UserID != ev.UserID {
		holder, err := tx.GetEntitlement(binding.UserID)
		if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if holder != nil && holder.Status == models.StatusActive && holder.PayerIdentity == identity {
			return &ConflictError{PayerIdentity: identity, ConflictingUserID: binding.UserID}
		}
	}
	if binding == nil {
		binding = &models.PayerBinding{PayerIdentity: identity}
	}
	binding.UserID = ev.UserID
	binding.Provider = ev.Provider
	return tx.SavePayerBinding(binding)
}

func (w *Writer) finish(tx TxStore, c Commit, ev BillingEvent, identity string, extra map[string]string, now time.Time) error {
	if err := tx.UpsertPurchaseIndex(&models.BillingPurchaseIndex{
		PurchaseRef:     ev.PurchaseRef,
		Provider:        ev.Provider,
		SubscriptionRef: ev.SubscriptionRef,
		UserID:          ev.UserID,
		UpdatedAt:       now,
	}); err != nil {
		return err
	}
	return w.insertAudit(tx, c, identity, extra, now)
}

func (w *Writer) insertAudit(tx TxStore, c Commit, identity string, extra map[string]string, now time.Time) error {
	if err := tx.InsertAuditRecord(newAuditRecord(c.Event, c.Reservation.Key, c.Status, identity, extra, now)); err != nil {
		return err
	}
	return tx.DeleteReservation(c.Reservation.Key, c.Reservation.Holder)
}

func newAuditRecord(ev BillingEvent, key string, status models.Status, identity string, extra map[string]string, now time.Time) *models.BillingAuditRecord {
	return &models.BillingAuditRecord{
		Key:            key,
		UserID:         ev.UserID,
		Provider:       ev.Provider,
		ProductRef:     ev.ProductRef,
		PurchaseRef:    ev.PurchaseRef,
		PayerIdentity:  identity,
		ResolvedStatus: status,
		Source:         ev.Source,
		ExtraJSON:      encodeExtra(ev, extra),
		WrittenAt:      now,
	}
}

func encodeExtra(ev BillingEvent, extra map[string]string) string {
	merged := make(map[string]string, len(ev.Extra)+len(extra)+1)
	for k, v := range ev.Extra {
		if v != "" {
			merged[k] = v
		}
	}
	for k, v := range extra {
		if v != "" {
			merged[k] = v
		}
	}
	if ev.NotificationKind != "" {
		merged["kind"] = ev.NotificationKind
	}
	if len(merged) == 0 {
		return ""
	}
	b, err := json.Marshal(merged)
	if err != nil {
		return ""
	}
	return string(b)
}

func withExtra(extra map[string]string, k, v string) map[string]string {
	out := make(map[string]string, len(extra)+1)
	for key, val := range extra {
		out[key] = val
	}
	out[k] = v
	return out
}
