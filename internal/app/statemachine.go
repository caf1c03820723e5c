package app

import (
	"errors"
	"fmt"

	"github.com/hngcommerce/payment-service/internal/domain"
	"github.com/hngcommerce/payment-service/pkg/gateway"
)

// Actor is who drives an order status transition.
type Actor string

const (
	ActorCheckout  Actor = "checkout"
	ActorWebhook   Actor = "webhook"
	ActorReconcile Actor = "reconcile"
	ActorAdmin     Actor = "admin"
)

// ErrInvalidTransition is returned for transitions the actor may not perform.
var ErrInvalidTransition = errors.New("invalid order status transition")

// TransitionError names the rejected transition.
type TransitionError struct {
	From  domain.OrderStatus
	To    domain.OrderStatus
	Actor Actor
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s: %s may not move order from %s to %s", ErrInvalidTransition, e.Actor, e.From, e.To)
}

func (e *TransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}

type statusSet map[domain.OrderStatus]bool

func set(statuses ...domain.OrderStatus) statusSet {
	s := statusSet{}
	for _, st := range statuses {
		s[st] = true
	}
	return s
}

var nonTerminal = set(
	domain.OrderStatusPendingApproval,
	domain.OrderStatusAwaitingPayment,
	domain.OrderStatusPending,
	domain.OrderStatusProcessing,
	domain.OrderStatusOnHold,
)

var providerTransitions = map[domain.OrderStatus]statusSet{
	domain.OrderStatusAwaitingPayment: set(domain.OrderStatusPending, domain.OrderStatusProcessing, domain.OrderStatusFailed),
	domain.OrderStatusPending:         set(domain.OrderStatusProcessing, domain.OrderStatusFailed),
	domain.OrderStatusOnHold:          set(domain.OrderStatusProcessing),
	domain.OrderStatusProcessing:      set(domain.OrderStatusRefunded),
	domain.OrderStatusCompleted:       set(domain.OrderStatusRefunded),
}

var transitions = map[Actor]map[domain.OrderStatus]statusSet{
	ActorCheckout: {
		domain.OrderStatusPendingApproval: set(domain.OrderStatusAwaitingPayment),
		domain.OrderStatusAwaitingPayment: set(domain.OrderStatusPending, domain.OrderStatusProcessing, domain.OrderStatusFailed),
		domain.OrderStatusPending:         set(domain.OrderStatusProcessing, domain.OrderStatusFailed),
	},
	ActorWebhook:   providerTransitions,
	ActorReconcile: providerTransitions,
	ActorAdmin: {
		domain.OrderStatusPendingApproval: set(domain.OrderStatusAwaitingPayment),
		domain.OrderStatusProcessing:      set(domain.OrderStatusCompleted, domain.OrderStatusRefunded),
		domain.OrderStatusOnHold:          set(domain.OrderStatusCompleted, domain.OrderStatusProcessing),
		domain.OrderStatusCompleted:       set(domain.OrderStatusRefunded),
		domain.OrderStatusFailed:          set(domain.OrderStatusPending),
	},
}

// IsTerminal reports whether no ordinary transition leaves status.
func IsTerminal(status domain.OrderStatus) bool {
	return !nonTerminal[status]
}

// CheckTransition validates a transition for an actor. Requesting the current
// status is an already_processed no-op.
func CheckTransition(from, to domain.OrderStatus, actor Actor) error {
	if !to.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, to)
	}
	if from == to {
		return &gateway.Error{Kind: gateway.KindAlreadyProcessed, Message: fmt.Sprintf("order already %s", to)}
	}
	if actor == ActorAdmin && nonTerminal[from] && (to == domain.OrderStatusOnHold || to == domain.OrderStatusCancelled) {
		return nil
	}
	if transitions[actor][from][to] {
		return nil
	}
	return &TransitionError{From: from, To: to, Actor: actor}
}

// providerTarget maps a normalized provider status to the order status it
// drives. Pending-like statuses drive nothing.
func providerTarget(status gateway.Status) (domain.OrderStatus, bool) {
	switch status {
	case gateway.StatusApproved, gateway.StatusAuthorized:
		return domain.OrderStatusProcessing, true
	case gateway.StatusRejected, gateway.StatusCancelled:
		return domain.OrderStatusFailed, true
	case gateway.StatusRefunded, gateway.StatusChargedBack:
		return domain.OrderStatusRefunded, true
	}
	return "", false
}

// chargeStatus maps a provider status onto the ledger charge status.
func chargeStatus(status gateway.Status) domain.LedgerEntryStatus {
	switch status {
	case gateway.StatusApproved, gateway.StatusAuthorized:
		return domain.LedgerStatusSettled
	case gateway.StatusRejected, gateway.StatusCancelled:
		return domain.LedgerStatusFailed
	}
	return domain.LedgerStatusPending
}
