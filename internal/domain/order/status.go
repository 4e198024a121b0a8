package order

// Status is the canonical, provider-agnostic order status.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusAuthorized Status = "authorized"
	StatusPaid       Status = "paid"
	StatusExpired    Status = "expired"
	StatusCancelled  Status = "cancelled"
	StatusFailed     Status = "failed"
	StatusRefunded   Status = "refunded"
	StatusChargeback Status = "chargeback"
)

// transitions is the forward-only status graph. Statuses without an entry
// are terminal.
var transitions = map[Status][]Status{
	StatusPending: {
		StatusProcessing,
		StatusAuthorized,
		StatusPaid,
		StatusExpired,
		StatusCancelled,
		StatusFailed,
	},
	StatusProcessing: {StatusPaid, StatusFailed},
	StatusAuthorized: {StatusPaid, StatusCancelled},
	StatusPaid:       {StatusRefunded, StatusChargeback},
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusAuthorized, StatusPaid, StatusExpired,
		StatusCancelled, StatusFailed, StatusRefunded, StatusChargeback:
		return true
	}
	return false
}

// CanTransition reports whether to is directly reachable from from.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no transition leaves s.
func (s Status) IsTerminal() bool {
	return len(transitions[s]) == 0
}

// PublicStatus is the externally visible status shown to customers.
type PublicStatus string

const (
	PublicApproved PublicStatus = "approved"
	PublicPending  PublicStatus = "pending"
	PublicRejected PublicStatus = "rejected"
)

// Public maps a canonical status to the customer-facing enum.
func (s Status) Public() PublicStatus {
	switch s {
	case StatusPaid:
		return PublicApproved
	case StatusPending, StatusProcessing, StatusAuthorized:
		return PublicPending
	default:
		return PublicRejected
	}
}
