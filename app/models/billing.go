package models

// BillingModels lists every table owned by the entitlement engine, in
// migration order.
func BillingModels() []any {
	return []any{
		&BillingPlanMapping{},
		&BillingSubscription{},
		&BillingEntitlement{},
		&BillingPurchaseIndex{},
		&PayerBinding{},
		&BillingAuditRecord{},
		&BillingReservation{},
	}
}
