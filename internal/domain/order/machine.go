package order

import (
	"fmt"
	"time"

	"github.com/xenking/payledger/internal/domain/commission"
)

// EffectKind names a side effect released by a transition.
type EffectKind string

const (
	// EffectAccessEmail sends the access-grant email to the customer.
	EffectAccessEmail EffectKind = "access_email"
	// EffectPayoutEligible announces that the seller share joined the
	// withdrawable balance.
	EffectPayoutEligible EffectKind = "payout_eligible"
	// EffectPlanActivation activates the purchased subscription plan.
	EffectPlanActivation EffectKind = "plan_activation"
	// EffectSellerTransfer pushes the seller share to the connected account.
	EffectSellerTransfer EffectKind = "seller_transfer"
)

// Result classifies what Apply did with an event.
type Result string

const (
	ResultApplied          Result = "applied"
	ResultNoop             Result = "noop"
	ResultUnknownStatus    Result = "unknown_status"
	ResultAmountMismatch   Result = "amount_mismatch"
	ResultProviderMismatch Result = "provider_mismatch"
)

// Outcome is the result of applying one event to one order.
type Outcome struct {
	// Order is the resulting order. It is a copy; the input is never mutated.
	Order   *Order
	From    Status
	Effects []EffectKind
	// Changed reports whether Order differs from the input and must be
	// persisted.
	Changed bool
	Result  Result
}

// Apply computes the effect of ev on o at now. It is pure: persistence and
// side-effect execution are left to the caller. Side-effect markers are
// claimed on the returned order, so persisting it and then executing Effects
// releases every effect at most once.
func Apply(o *Order, ev PaymentEvent, now time.Time) Outcome {
	next := o.Clone()
	out := Outcome{Order: next, From: o.Status, Result: ResultNoop}

	target, ok := CanonicalStatus(ev.Provider, ev.ExternalStatus)
	if !ok {
		detail := fmt.Sprintf("%s:%s", ev.Provider, ev.ExternalStatus)
		annotated := next.Annotate(AnnotationUnhandledStatus, detail, now)
		out.Changed = annotated || !next.ManualReview
		next.ManualReview = true
		out.Result = ResultUnknownStatus
		if out.Changed {
			next.UpdatedAt = now
		}
		return out
	}

	if target == o.Status || !CanTransition(o.Status, target) {
		return out
	}

	// One order is checked out through exactly one provider.
	if linked, ok := o.LinkedProvider(); ok && linked != ev.Provider {
		detail := fmt.Sprintf("%s event for %s order", ev.Provider, linked)
		annotated := next.Annotate(AnnotationProviderConflict, detail, now)
		out.Changed = annotated || !next.ManualReview
		next.ManualReview = true
		out.Result = ResultProviderMismatch
		if out.Changed {
			next.UpdatedAt = now
		}
		return out
	}

	out.Result = ResultApplied
	if target == StatusPaid && ev.AmountMinor != nil && *ev.AmountMinor != o.TotalAmount {
		detail := fmt.Sprintf("expected %d, provider reported %d", o.TotalAmount, *ev.AmountMinor)
		annotated := next.Annotate(AnnotationPaymentMismatch, detail, now)
		out.Result = ResultAmountMismatch
		if !CanTransition(o.Status, StatusFailed) {
			out.Changed = annotated || !next.ManualReview
			next.ManualReview = true
			if out.Changed {
				next.UpdatedAt = now
			}
			return out
		}
		target = StatusFailed
	}

	next.Status = target
	next.UpdatedAt = now
	out.Changed = true
	if ev.ProviderRef != "" && next.ProviderRef(ev.Provider) == "" {
		next.setProviderRef(ev.Provider, ev.ProviderRef)
	}

	switch target {
	case StatusPaid:
		out.Effects = enterPaid(next, now)
	case StatusCancelled:
		next.CancelledAt = &now
	case StatusExpired:
		next.ExpiredAt = &now
	}

	return out
}

// enterPaid books commission and claims side-effect markers. It runs once per
// order because paid can be entered only once.
func enterPaid(o *Order, now time.Time) []EffectKind {
	o.PaidAt = &now

	b := commission.Compute(o.TotalAmount, o.PaymentMethod, o.Policy)
	o.CommissionAmount = b.CommissionAmount
	o.ProviderAmount = b.ProviderAmount
	if b.Clamped {
		o.Annotate(AnnotationCommissionClamp,
			fmt.Sprintf("commission clamped to amount %d", o.TotalAmount), now)
		o.ManualReview = true
	}

	var effects []EffectKind
	if !o.AccessEmailSent && o.CustomerEmail != "" {
		o.AccessEmailSent = true
		effects = append(effects, EffectAccessEmail)
	}
	if o.Kind == KindSubscription && !o.PlanApplied {
		o.PlanApplied = true
		effects = append(effects, EffectPlanActivation)
	}

	// The seller share either leaves immediately through a transfer to the
	// connected account or joins the withdrawable balance. Split payments
	// never touch platform funds.
	switch {
	case o.SplitPayment:
	case o.SellerAccountRef != "" && !o.ProviderReceivedDirectly && o.TransferStatus == TransferNone:
		o.TransferStatus = TransferPending
		effects = append(effects, EffectSellerTransfer)
	default:
		effects = append(effects, EffectPayoutEligible)
	}
	return effects
}
