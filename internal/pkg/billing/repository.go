package billing

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/ManuelReschke/EntitleFox/app/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Store is the durable state the engine works against: the audit ledger with
// its reservations, entitlements, lineages and the lookup indexes.
type Store interface {
	// ReserveAuditKey inserts a reservation if none exists for key. It reports
	// false when the key is already reserved.
	ReserveAuditKey(ctx context.Context, key, holder string, expiresAt time.Time) (bool, error)
	// TakeOverExpiredReservation hands an expired reservation to holder.
	TakeOverExpiredReservation(ctx context.Context, key, holder string, now, expiresAt time.Time) (bool, error)
	ReleaseReservation(ctx context.Context, key, holder string) error
	// PurgeExpiredReservations deletes reservations whose lease ended before
	// the given time.
	PurgeExpiredReservations(ctx context.Context, before time.Time) (int64, error)
	AuditRecordExists(ctx context.Context, key string) (bool, error)
	// WriteAuditRecord inserts an audit record without touching entitlements
	// and releases the reservation. ErrAlreadyCommitted on duplicate key.
	WriteAuditRecord(ctx context.Context, record *models.BillingAuditRecord, holder string) error
	Transaction(ctx context.Context, fn func(tx TxStore) error) error

	FindEntitlementsByPayerIdentity(ctx context.Context, identity string) ([]models.BillingEntitlement, error)
	FindUserByRef(ctx context.Context, provider models.Provider, ref string) (string, error)
	GetEntitlement(ctx context.Context, userID string) (*models.BillingEntitlement, error)
	ListActivePlanMappings(ctx context.Context) ([]models.BillingPlanMapping, error)
}

// TxStore is the view of the store inside the writer's transaction. Lock
// methods take row locks where the database supports them.
type TxStore interface {
	// LockEntitlement locks the user's entitlement row, inserting an empty
	// placeholder first when the user has none. created reports whether the
	// placeholder was inserted by this call.
	LockEntitlement(userID string) (ent *models.BillingEntitlement, created bool, err error)
	// DeleteEntitlement removes a placeholder that did not become an
	// entitlement.
	DeleteEntitlement(userID string) error
	LockSubscription(provider models.Provider, lineageRef string) (*models.BillingSubscription, error)
	LockPayerBinding(identity string) (*models.PayerBinding, error)
	GetEntitlement(userID string) (*models.BillingEntitlement, error)
	ListSubscriptionsByUser(userID string) ([]models.BillingSubscription, error)
	SaveSubscription(sub *models.BillingSubscription) error
	SaveEntitlement(ent *models.BillingEntitlement) error
	SavePayerBinding(binding *models.PayerBinding) error
	UpsertPurchaseIndex(idx *models.BillingPurchaseIndex) error
	// InsertAuditRecord returns ErrAlreadyCommitted when the key exists.
	InsertAuditRecord(record *models.BillingAuditRecord) error
	DeleteReservation(key, holder string) error
}

type gormRepository struct {
	db *gorm.DB
}

// NewRepository creates a billing store backed by GORM.
func NewRepository(db *gorm.DB) Store {
	return &gormRepository{db: db}
}

func (r *gormRepository) ReserveAuditKey(ctx context.Context, key, holder string, expiresAt time.Time) (bool, error) {
	tx := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}},
		DoNothing: true,
	}).Create(&models.BillingReservation{Key: key, Holder: holder, ExpiresAt: expiresAt})
	if tx.Error != nil {
		return false, tx.Error
	}
	return tx.RowsAffected > 0, nil
}

func (r *gormRepository) TakeOverExpiredReservation(ctx context.Context, key, holder string, now, expiresAt time.Time) (bool, error) {
	tx := r.db.WithContext(ctx).Model(&models.BillingReservation{}).
		Where("`key` = ? AND expires_at < ?", key, now).
		Updates(map[string]interface{}{"holder": holder, "expires_at": expiresAt})
	if tx.Error != nil {
		return false, tx.Error
	}
	return tx.RowsAffected > 0, nil
}

func (r *gormRepository) ReleaseReservation(ctx context.Context, key, holder string) error {
	return r.db.WithContext(ctx).Where("`key` = ? AND holder = ?", key, holder).
		Delete(&models.BillingReservation{}).Error
}

func (r *gormRepository) PurgeExpiredReservations(ctx context.Context, before time.Time) (int64, error) {
	res := r.db.WithContext(ctx).Where("expires_at < ?", before.UTC()).Delete(&models.BillingReservation{})
	return res.RowsAffected, res.Error
}

func (r *gormRepository) AuditRecordExists(ctx context.Context, key string) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&models.BillingAuditRecord{}).Where("`key` = ?", key).Count(&count).Error
	return count > 0, err
}

func (r *gormRepository) WriteAuditRecord(ctx context.Context, record *models.BillingAuditRecord, holder string) error {
	return r.Transaction(ctx, func(tx TxStore) error {
		if err := tx.InsertAuditRecord(record); err != nil {
			return err
		}
		return tx.DeleteReservation(record.Key, holder)
	})
}

func (r *gormRepository) Transaction(ctx context.Context, fn func(tx TxStore) error) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&gormTx{db: tx})
	})
}

func (r *gormRepository) FindEntitlementsByPayerIdentity(ctx context.Context, identity string) ([]models.BillingEntitlement, error) {
	var ents []models.BillingEntitlement
	err := r.db.WithContext(ctx).Where("payer_identity = ?", NormalizePayerIdentity(identity)).Find(&ents).Error
	return ents, err
}

// FindUserByRef resolves the owner of a purchase or subscription reference.
// It returns "" when the reference is unknown.
func (r *gormRepository) FindUserByRef(ctx context.Context, provider models.Provider, ref string) (string, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return "", nil
	}
	var idx models.BillingPurchaseIndex
	err := r.db.WithContext(ctx).
		Where("provider = ? AND (purchase_ref = ? OR subscription_ref = ?)", provider, ref, ref).
		Order("updated_at DESC").
		First(&idx).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return idx.UserID, nil
}

func (r *gormRepository) GetEntitlement(ctx context.Context, userID string) (*models.BillingEntitlement, error) {
	var ent models.BillingEntitlement
	if err := r.db.WithContext(ctx).Where("user_id = ?", userID).First(&ent).Error; err != nil {
		return nil, err
	}
	return &ent, nil
}

func (r *gormRepository) ListActivePlanMappings(ctx context.Context) ([]models.BillingPlanMapping, error) {
	var mappings []models.BillingPlanMapping
	err := r.db.WithContext(ctx).Where("is_active = ?", true).Find(&mappings).Error
	return mappings, err
}

type gormTx struct {
	db *gorm.DB
}

func (t *gormTx) forUpdate() *gorm.DB {
	return t.db.Clauses(clause.Locking{Strength: "UPDATE"})
}

func (t *gormTx) LockEntitlement(userID string) (*models.BillingEntitlement, bool, error) {
	placeholder := models.BillingEntitlement{UserID: userID, Tier: "free"}
	res := t.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}},
		DoNothing: true,
	}).Create(&placeholder)
	if res.Error != nil {
		return nil, false, res.Error
	}
	created := res.RowsAffected == 1

	var ent models.BillingEntitlement
	if err := t.forUpdate().Where("user_id = ?", userID).First(&ent).Error; err != nil {
		return nil, false, err
	}
	return &ent, created, nil
}

func (t *gormTx) DeleteEntitlement(userID string) error {
	return t.db.Where("user_id = ?", userID).Delete(&models.BillingEntitlement{}).Error
}

func (t *gormTx) LockSubscription(provider models.Provider, lineageRef string) (*models.BillingSubscription, error) {
	var sub models.BillingSubscription
	if err := t.forUpdate().Where("provider = ? AND lineage_ref = ?", provider, lineageRef).First(&sub).Error; err != nil {
		return nil, err
	}
	return &sub, nil
}

func (t *gormTx) LockPayerBinding(identity string) (*models.PayerBinding, error) {
	var b models.PayerBinding
	if err := t.forUpdate().Where("payer_identity = ?", identity).First(&b).Error; err != nil {
		return nil, err
	}
	return &b, nil
}

func (t *gormTx) GetEntitlement(userID string) (*models.BillingEntitlement, error) {
	var ent models.BillingEntitlement
	if err := t.db.Where("user_id = ?", userID).First(&ent).Error; err != nil {
		return nil, err
	}
	return &ent, nil
}

func (t *gormTx) ListSubscriptionsByUser(userID string) ([]models.BillingSubscription, error) {
	var subs []models.BillingSubscription
	err := t.db.Where("user_id = ?", userID).Order("updated_at DESC").Find(&subs).Error
	return subs, err
}

func (t *gormTx) SaveSubscription(sub *models.BillingSubscription) error {
	return t.db.Save(sub).Error
}

func (t *gormTx) SaveEntitlement(ent *models.BillingEntitlement) error {
	return t.db.Save(ent).Error
}

func (t *gormTx) SavePayerBinding(binding *models.PayerBinding) error {
	return t.db.Save(binding).Error
}

func (t *gormTx) UpsertPurchaseIndex(idx *models.BillingPurchaseIndex) error {
	return t.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "purchase_ref"}},
		DoUpdates: clause.AssignmentColumns([]string{"provider", "subscription_ref", "user_id", "updated_at"}),
	}).Create(idx).Error
}

func (t *gormTx) InsertAuditRecord(record *models.BillingAuditRecord) error {
	tx := t.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}},
		DoNothing: true,
	}).Create(record)
	if tx.Error != nil {
		return tx.Error
	}
	if tx.RowsAffected == 0 {
		return ErrAlreadyCommitted
	}
	return nil
}

func (t *gormTx) DeleteReservation(key, holder string) error {
	return t.db.Where("`key` = ? AND holder = ?", key, holder).Delete(&models.BillingReservation{}).Error
}
