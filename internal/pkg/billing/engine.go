package billing

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ManuelReschke/EntitleFox/app/models"
	"github.com/ManuelReschke/EntitleFox/internal/pkg/entitlements"
	"github.com/ManuelReschke/EntitleFox/internal/pkg/metrics"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

const defaultProviderTimeout = 10 * time.Second

// EntitlementObserver is notified after an entitlement changed.
type EntitlementObserver interface {
	EntitlementChanged(ctx context.Context, userID string)
}

// Deferrer takes authenticated events whose processing failed after
// normalization and hands them back to Reprocess later.
type Deferrer interface {
	Defer(ctx context.Context, ev BillingEvent) error
}

// EngineConfig wires the engine's collaborators.
type EngineConfig struct {
	Store       Store
	Normalizers []Normalizer
	Gateways    Gateways
	Tiers       entitlements.TierTable
	Observer    EntitlementObserver
	Deferrer    Deferrer

	ProviderTimeout  time.Duration
	ReservationLease time.Duration
	// IntegrityRequired lists providers whose verify calls must carry a
	// passing attestation.
	IntegrityRequired map[models.Provider]bool
}

// Engine runs the reconciliation pipeline for provider pushes and client
// verification calls.
type Engine struct {
	store       Store
	normalizers map[models.Provider]Normalizer
	gateways    Gateways
	guard       *Guard
	conflicts   *ConflictResolver
	writer      *Writer
	observer    EntitlementObserver
	deferrer    Deferrer

	providerTimeout   time.Duration
	integrityRequired map[models.Provider]bool
	now               func() time.Time
}

func NewEngine(cfg EngineConfig) *Engine {
	e := &Engine{
		store:             cfg.Store,
		normalizers:       make(map[models.Provider]Normalizer, len(cfg.Normalizers)),
		gateways:          cfg.Gateways,
		guard:             NewGuard(cfg.Store, cfg.ReservationLease),
		conflicts:         NewConflictResolver(cfg.Store),
		writer:            NewWriter(cfg.Store, cfg.Tiers),
		observer:          cfg.Observer,
		deferrer:          cfg.Deferrer,
		providerTimeout:   cfg.ProviderTimeout,
		integrityRequired: cfg.IntegrityRequired,
		now:               time.Now,
	}
	for _, n := range cfg.Normalizers {
		e.normalizers[n.Provider()] = n
	}
	if e.gateways == nil {
		e.gateways = Gateways{}
	}
	if e.providerTimeout <= 0 {
		e.providerTimeout = defaultProviderTimeout
	}
	return e
}

// HandleNotification processes one inbound provider push. Normalization
// errors are returned unchanged; ErrUnsupportedKind is reported as an ignored
// outcome. Any later failure other than a malformed event is handed to the
// Deferrer, and the returned error then also matches ErrDeferred.
func (e *Engine) HandleNotification(ctx context.Context, provider models.Provider, raw []byte, material VerificationMaterial) (Result, error) {
	n, ok := e.normalizers[provider]
	if !ok {
		return Result{}, malformed("provider %q not configured", provider)
	}
	ev, err := n.Normalize(ctx, raw, material)
	if err != nil {
		if errors.Is(err, ErrUnsupportedKind) {
			log.Debug().Err(err).Str("provider", string(provider)).Msg("[Billing] notification ignored")
			metrics.RecordEvent(string(provider), string(models.AuditSourceWebhook), string(OutcomeIgnored))
			return Result{Outcome: OutcomeIgnored}, nil
		}
		metrics.RecordRejected(string(provider), rejectReason(err))
		return Result{}, err
	}

	res, err := e.process(ctx, ev)
	e.record(ev, res, err)
	if err == nil || errors.Is(err, ErrMalformedPayload) || e.deferrer == nil {
		return res, err
	}
	if derr := e.deferrer.Defer(context.WithoutCancel(ctx), ev); derr != nil {
		log.Error().Err(derr).Str("key", ev.IdempotencyKey()).Msg("[Billing] failed to defer event")
		return res, err
	}
	log.Info().Err(err).Str("key", ev.IdempotencyKey()).Msg("[Billing] event deferred after processing failure")
	return res, fmt.Errorf("%w: %w", ErrDeferred, err)
}

// Reprocess runs an already normalized event through the pipeline again.
func (e *Engine) Reprocess(ctx context.Context, ev BillingEvent) (Result, error) {
	res, err := e.process(ctx, ev)
	e.record(ev, res, err)
	return res, err
}

func (e *Engine) process(ctx context.Context, ev BillingEvent) (Result, error) {
	gw, ok := e.gateways[ev.Provider]
	if !ok {
		return Result{}, malformed("no gateway for provider %q", ev.Provider)
	}

	key := ev.IdempotencyKey()
	reservation, processed, err := e.guard.CheckAndReserve(ctx, key)
	if err != nil {
		return Result{}, fmt.Errorf("reserve %s: %w", key, err)
	}
	if processed {
		return Result{Outcome: OutcomeDuplicate, Key: key}, nil
	}
	defer e.guard.Release(ctx, reservation)

	state, err := e.fetchState(ctx, gw, ev)
	if errors.Is(err, ErrSubscriptionNotFound) {
		log.Warn().Str("provider", string(ev.Provider)).Str("purchase_ref", ev.PurchaseRef).
			Msg("[Billing] provider does not know the referenced subscription")
		return Result{Outcome: OutcomeIgnored, Key: key}, nil
	}
	if err != nil {
		return Result{}, err
	}
	ev = mergeState(ev, state)

	if ev.UserID == "" {
		userID, err := e.resolveUser(ctx, ev, state)
		if err != nil {
			return Result{}, err
		}
		if userID == "" {
			log.Info().Str("provider", string(ev.Provider)).Str("purchase_ref", ev.PurchaseRef).
				Msg("[Billing] purchase not linked to a user yet")
			return Result{Outcome: OutcomeUnlinked, Key: key}, nil
		}
		ev.UserID = userID
	}

	status := ResolveStatus(ev.Provider, ev.NotificationKind, state, IntegrityNotRequired, e.now())
	return e.commit(ctx, gw, ev, status, state, reservation)
}

// Verify re-derives the entitlement of a purchase from the provider's live
// state on behalf of the client.
func (e *Engine) Verify(ctx context.Context, req VerifyRequest) (Result, error) {
	req.PurchaseRef = strings.TrimSpace(req.PurchaseRef)
	req.UserID = strings.TrimSpace(req.UserID)
	if !req.Provider.Valid() || req.PurchaseRef == "" || req.UserID == "" {
		return Result{}, malformed("verify request requires provider, purchase_ref and user_id")
	}
	gw, ok := e.gateways[req.Provider]
	if !ok {
		return Result{}, malformed("no gateway for provider %q", req.Provider)
	}

	subscriptionRef := strings.TrimSpace(req.SubscriptionRef)
	if subscriptionRef == "" {
		if req.Provider == models.ProviderGooglePlay {
			return Result{}, malformed("google play verify requires subscription_ref")
		}
		subscriptionRef = req.PurchaseRef
	}
	ev := BillingEvent{
		Provider:        req.Provider,
		SubscriptionRef: subscriptionRef,
		PurchaseRef:     req.PurchaseRef,
		UserID:          req.UserID,
		Source:          models.AuditSourceVerifyCall,
		OccurredAt:      e.now().UTC(),
	}

	integrity := IntegrityNotRequired
	if e.integrityRequired[req.Provider] {
		var err error
		integrity, err = e.attest(ctx, gw, req)
		if err != nil {
			return Result{}, err
		}
		if integrity == IntegrityFailed {
			res, err := e.auditIntegrityFailure(ctx, ev, req.AttestationToken)
			e.record(ev, res, err)
			return res, err
		}
	}

	state, err := e.fetchState(ctx, gw, ev)
	if err != nil {
		return Result{}, err
	}
	if hint := strings.TrimSpace(state.UserIDHint); hint != "" && hint != ev.UserID {
		log.Warn().Str("provider", string(ev.Provider)).Str("user_id", ev.UserID).Str("owner", hint).
			Msg("[Billing] verify call for a purchase owned by another account")
		res := Result{Outcome: OutcomeRejected, UserID: ev.UserID, Tier: entitlements.TierFree}
		e.record(ev, res, nil)
		return res, nil
	}
	ev = mergeState(ev, state)
	status := ResolveStatus(ev.Provider, "", state, integrity, e.now())
	ev.NotificationKind = "VERIFY"
	ev.ProviderEventID = fmt.Sprintf("VERIFY_%s_%d", status, state.Expiry.Unix())
	if state.Expiry.IsZero() {
		ev.ProviderEventID = fmt.Sprintf("VERIFY_%s_0", status)
	}

	key := ev.IdempotencyKey()
	reservation, processed, err := e.guard.CheckAndReserve(ctx, key)
	if err != nil {
		return Result{}, fmt.Errorf("reserve %s: %w", key, err)
	}
	if processed {
		res := Result{Outcome: OutcomeDuplicate, Key: key, UserID: ev.UserID, Status: status}
		if ent, err := e.store.GetEntitlement(ctx, ev.UserID); err == nil {
			res.Status = ent.Status
			res.Tier = entitlements.NormalizeTier(ent.Tier)
		}
		e.record(ev, res, nil)
		return res, nil
	}
	defer e.guard.Release(ctx, reservation)

	res, err := e.commit(ctx, gw, ev, status, state, reservation)
	e.record(ev, res, err)
	return res, err
}

// Entitlement returns the stored entitlement of a user.
func (e *Engine) Entitlement(ctx context.Context, userID string) (*models.BillingEntitlement, error) {
	ent, err := e.store.GetEntitlement(ctx, userID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	return ent, err
}

// commit runs conflict resolution and the writer for a resolved event.
func (e *Engine) commit(ctx context.Context, gw Gateway, ev BillingEvent, status models.Status, state SubscriptionState, reservation Reservation) (Result, error) {
	admission, err := e.conflicts.Admit(ctx, ev.UserID, ev.PayerIdentity, status)
	if err != nil {
		return Result{}, err
	}
	if !admission.Admitted {
		return e.rejectDuplicate(ctx, gw, ev, admission.ConflictingUserID, reservation)
	}

	written, err := e.writer.Apply(ctx, Commit{
		Event:       ev,
		Status:      status,
		Expiry:      state.Expiry,
		Reservation: reservation,
		Extra:       state.Extra,
	})
	var conflict *ConflictError
	switch {
	case errors.As(err, &conflict):
		return e.rejectDuplicate(ctx, gw, ev, conflict.ConflictingUserID, reservation)
	case errors.Is(err, ErrAlreadyCommitted):
		return Result{Outcome: OutcomeDuplicate, Key: reservation.Key, UserID: ev.UserID}, nil
	case err != nil:
		return Result{}, fmt.Errorf("write entitlement for %s: %w", ev.UserID, err)
	}

	// status and tier both describe the purchase the event is about
	res := Result{
		Outcome: OutcomeApplied,
		Key:     reservation.Key,
		UserID:  ev.UserID,
		Status:  status,
		Tier:    e.writer.tiers.DeriveTier(status, ev.ProductRef),
	}
	if !written.Applied {
		res.Outcome = OutcomeTerminal
		if written.Lineage != nil {
			res.Status = written.Lineage.Status
			res.Tier = e.writer.tiers.DeriveTier(written.Lineage.Status, written.Lineage.ProductRef)
		}
		return res, nil
	}
	e.notify(ctx, ev.UserID)
	return res, nil
}

// rejectDuplicate cancels a subscription whose payer already backs another
// user's active entitlement and audits the rejection.
func (e *Engine) rejectDuplicate(ctx context.Context, gw Gateway, ev BillingEvent, conflictingUserID string, reservation Reservation) (Result, error) {
	extra := map[string]string{
		"reason":              "duplicate_identity",
		"conflicting_user_id": conflictingUserID,
	}
	err := e.callGateway(ctx, ev.Provider, "cancel", func(ctx context.Context) error {
		return gw.CancelSubscription(ctx, ev.SubscriptionRef, ev.PurchaseRef, duplicateIdentityReason)
	})
	switch {
	case errors.Is(err, ErrCancelUnsupported):
		log.Warn().Str("provider", string(ev.Provider)).Str("user_id", ev.UserID).
			Msg("[Billing] duplicate payer identity, provider cannot cancel server-side")
		extra["cancel"] = "unsupported"
	case err != nil:
		return Result{}, fmt.Errorf("%w: cancel duplicate subscription: %v", ErrProviderUnavailable, err)
	default:
		log.Warn().Str("provider", string(ev.Provider)).Str("user_id", ev.UserID).
			Str("conflicting_user_id", conflictingUserID).Msg("[Billing] cancelled subscription with duplicate payer identity")
	}

	record := newAuditRecord(ev, reservation.Key, models.StatusCancelled, NormalizePayerIdentity(ev.PayerIdentity), extra, e.now().UTC())
	if err := e.store.WriteAuditRecord(ctx, record, reservation.Holder); err != nil {
		if errors.Is(err, ErrAlreadyCommitted) {
			return Result{Outcome: OutcomeDuplicate, Key: reservation.Key, UserID: ev.UserID}, nil
		}
		return Result{}, err
	}
	return Result{Outcome: OutcomeConflict, Key: reservation.Key, UserID: ev.UserID, Status: models.StatusCancelled, Tier: entitlements.TierFree}, nil
}

func (e *Engine) auditIntegrityFailure(ctx context.Context, ev BillingEvent, token string) (Result, error) {
	sum := sha256.Sum256([]byte(token))
	ev.NotificationKind = "VERIFY"
	ev.ProviderEventID = "VERIFY_" + string(models.StatusIntegrityFailed) + "_" + hex.EncodeToString(sum[:8])
	key := ev.IdempotencyKey()

	reservation, processed, err := e.guard.CheckAndReserve(ctx, key)
	if err != nil {
		return Result{}, fmt.Errorf("reserve %s: %w", key, err)
	}
	res := Result{Outcome: OutcomeIntegrityFailed, Key: key, UserID: ev.UserID, Status: models.StatusIntegrityFailed, Tier: entitlements.TierFree}
	if processed {
		return res, nil
	}
	defer e.guard.Release(ctx, reservation)

	record := newAuditRecord(ev, key, models.StatusIntegrityFailed, "", nil, e.now().UTC())
	if err := e.store.WriteAuditRecord(ctx, record, reservation.Holder); err != nil && !errors.Is(err, ErrAlreadyCommitted) {
		return Result{}, err
	}
	return res, nil
}

func (e *Engine) attest(ctx context.Context, gw Gateway, req VerifyRequest) (IntegrityVerdict, error) {
	token := strings.TrimSpace(req.AttestationToken)
	if token == "" {
		return IntegrityFailed, nil
	}
	var trusted bool
	err := e.callGateway(ctx, req.Provider, "attest", func(ctx context.Context) error {
		var err error
		trusted, err = gw.VerifyAttestation(ctx, token)
		return err
	})
	if err != nil {
		return IntegrityNotRequired, fmt.Errorf("%w: attestation: %v", ErrProviderUnavailable, err)
	}
	if !trusted {
		return IntegrityFailed, nil
	}
	return IntegrityPassed, nil
}

func (e *Engine) fetchState(ctx context.Context, gw Gateway, ev BillingEvent) (SubscriptionState, error) {
	var state SubscriptionState
	err := e.callGateway(ctx, ev.Provider, "fetch", func(ctx context.Context) error {
		var err error
		state, err = gw.FetchSubscriptionState(ctx, ev.SubscriptionRef, ev.PurchaseRef)
		return err
	})
	if errors.Is(err, ErrSubscriptionNotFound) {
		return SubscriptionState{}, err
	}
	if err != nil {
		return SubscriptionState{}, fmt.Errorf("%w: fetch %s: %v", ErrProviderUnavailable, ev.PurchaseRef, err)
	}
	return state, nil
}

// callGateway bounds a provider call by the provider timeout and records it.
func (e *Engine) callGateway(ctx context.Context, provider models.Provider, op string, fn func(ctx context.Context) error) error {
	callCtx, cancel := context.WithTimeout(ctx, e.providerTimeout)
	defer cancel()
	started := time.Now()
	err := fn(callCtx)
	metrics.ObserveProviderCall(string(provider), op, started, err)
	return err
}

// resolveUser finds the owner of a purchase when the event does not name
// one: the provider's account hint first, then the purchase index.
func (e *Engine) resolveUser(ctx context.Context, ev BillingEvent, state SubscriptionState) (string, error) {
	if hint := strings.TrimSpace(state.UserIDHint); hint != "" {
		return hint, nil
	}
	for _, ref := range []string{ev.PurchaseRef, state.LinkedPurchaseRef, ev.SubscriptionRef} {
		if ref == "" || (ev.Provider == models.ProviderGooglePlay && ref == ev.SubscriptionRef) {
			continue
		}
		userID, err := e.store.FindUserByRef(ctx, ev.Provider, ref)
		if err != nil {
			return "", fmt.Errorf("lookup purchase %s: %w", ref, err)
		}
		if userID != "" {
			return userID, nil
		}
	}
	return "", nil
}

func (e *Engine) notify(ctx context.Context, userID string) {
	if e.observer == nil || userID == "" {
		return
	}
	e.observer.EntitlementChanged(context.WithoutCancel(ctx), userID)
}

func (e *Engine) record(ev BillingEvent, res Result, err error) {
	outcome := string(res.Outcome)
	if err != nil {
		outcome = "error"
		log.Error().Err(err).Str("provider", string(ev.Provider)).Str("purchase_ref", ev.PurchaseRef).
			Str("source", string(ev.Source)).Msg("[Billing] event processing failed")
	} else {
		log.Info().Str("provider", string(ev.Provider)).Str("key", res.Key).Str("user_id", res.UserID).
			Str("status", string(res.Status)).Str("outcome", outcome).Msg("[Billing] event processed")
	}
	metrics.RecordEvent(string(ev.Provider), string(ev.Source), outcome)
}

// mergeState fills event fields the push did not carry from the live state.
// Outside Google Play the provider's subscription id replaces whatever ref the
// caller named, so pushes and verify calls share one lineage.
func mergeState(ev BillingEvent, state SubscriptionState) BillingEvent {
	if ev.Provider != models.ProviderGooglePlay && state.SubscriptionRef != "" {
		ev.SubscriptionRef = state.SubscriptionRef
	}
	if state.ProductRef != "" {
		ev.ProductRef = state.ProductRef
	}
	if ev.PayerIdentity == "" {
		ev.PayerIdentity = state.PayerIdentity
	}
	if !state.Expiry.IsZero() {
		extra := withExtra(ev.Extra, "expiry", strconv.FormatInt(state.Expiry.Unix(), 10))
		ev.Extra = extra
	}
	return ev
}

func rejectReason(err error) string {
	switch {
	case errors.Is(err, ErrSignatureInvalid):
		return "signature_invalid"
	case errors.Is(err, ErrMalformedPayload):
		return "malformed"
	default:
		return "error"
	}
}
