package order

import "strings"

// statusTables map each provider's raw status vocabulary to canonical
// statuses. Lookups are case-insensitive.
var statusTables = map[Provider]map[string]Status{
	ProviderCard: {
		"payment_intent.created":                   StatusPending,
		"payment_intent.processing":                StatusProcessing,
		"payment_intent.requires_action":           StatusPending,
		"payment_intent.amount_capturable_updated": StatusAuthorized,
		"payment_intent.succeeded":                 StatusPaid,
		"payment_intent.payment_failed":            StatusFailed,
		"payment_intent.canceled":                  StatusCancelled,
		"checkout.session.completed":               StatusPaid,
		"checkout.session.async_payment_succeeded": StatusPaid,
		"checkout.session.async_payment_failed":    StatusFailed,
		"checkout.session.expired":                 StatusExpired,
		"invoice.paid":                             StatusPaid,
		"invoice.payment_failed":                   StatusFailed,
		"charge.refunded":                          StatusRefunded,
		"charge.dispute.created":                   StatusChargeback,
		// Status poll vocabulary of the payment intent object.
		"processing":              StatusProcessing,
		"requires_payment_method": StatusPending,
		"requires_capture":        StatusAuthorized,
		"succeeded":               StatusPaid,
		"canceled":                StatusCancelled,
	},
	ProviderPixA: {
		"pending":      StatusPending,
		"in_process":   StatusProcessing,
		"authorized":   StatusAuthorized,
		"approved":     StatusPaid,
		"rejected":     StatusFailed,
		"cancelled":    StatusCancelled,
		"expired":      StatusExpired,
		"refunded":     StatusRefunded,
		"charged_back": StatusChargeback,
	},
	ProviderPixB: {
		"pending":    StatusPending,
		"waiting":    StatusPending,
		"processing": StatusProcessing,
		"paid":       StatusPaid,
		"completed":  StatusPaid,
		"expired":    StatusExpired,
		"cancelled":  StatusCancelled,
		"canceled":   StatusCancelled,
		"failed":     StatusFailed,
		"refunded":   StatusRefunded,
		"chargeback": StatusChargeback,
		"disputed":   StatusChargeback,
	},
}

// CanonicalStatus maps a provider's raw status to the canonical status.
// It returns false for statuses the provider table does not know.
func CanonicalStatus(p Provider, external string) (Status, bool) {
	table, ok := statusTables[p]
	if !ok {
		return "", false
	}
	s, ok := table[strings.ToLower(strings.TrimSpace(external))]
	return s, ok
}
