package app

import (
	"errors"
	"testing"

	"github.com/hngcommerce/payment-service/internal/domain"
	"github.com/hngcommerce/payment-service/pkg/gateway"
)

func TestCheckTransition(t *testing.T) {
	tests := []struct {
		name    string
		from    domain.OrderStatus
		to      domain.OrderStatus
		actor   Actor
		allowed bool
	}{
		{"checkout starts payment", domain.OrderStatusAwaitingPayment, domain.OrderStatusPending, ActorCheckout, true},
		{"checkout approves quote", domain.OrderStatusPendingApproval, domain.OrderStatusAwaitingPayment, ActorCheckout, true},
		{"webhook approves pending", domain.OrderStatusPending, domain.OrderStatusProcessing, ActorWebhook, true},
		{"webhook approves on-hold", domain.OrderStatusOnHold, domain.OrderStatusProcessing, ActorWebhook, true},
		{"webhook rejects pending", domain.OrderStatusPending, domain.OrderStatusFailed, ActorWebhook, true},
		{"webhook refunds completed", domain.OrderStatusCompleted, domain.OrderStatusRefunded, ActorWebhook, true},
		{"reconcile mirrors webhook", domain.OrderStatusAwaitingPayment, domain.OrderStatusProcessing, ActorReconcile, true},
		{"webhook cannot complete", domain.OrderStatusProcessing, domain.OrderStatusCompleted, ActorWebhook, false},
		{"webhook cannot fail processing", domain.OrderStatusProcessing, domain.OrderStatusFailed, ActorWebhook, false},
		{"webhook cannot revive cancelled", domain.OrderStatusCancelled, domain.OrderStatusProcessing, ActorWebhook, false},
		{"admin holds pending", domain.OrderStatusPending, domain.OrderStatusOnHold, ActorAdmin, true},
		{"admin cancels awaiting payment", domain.OrderStatusAwaitingPayment, domain.OrderStatusCancelled, ActorAdmin, true},
		{"admin completes processing", domain.OrderStatusProcessing, domain.OrderStatusCompleted, ActorAdmin, true},
		{"admin completes on-hold", domain.OrderStatusOnHold, domain.OrderStatusCompleted, ActorAdmin, true},
		{"admin retries failed", domain.OrderStatusFailed, domain.OrderStatusPending, ActorAdmin, true},
		{"admin refunds processing", domain.OrderStatusProcessing, domain.OrderStatusRefunded, ActorAdmin, true},
		{"admin cannot cancel completed", domain.OrderStatusCompleted, domain.OrderStatusCancelled, ActorAdmin, false},
		{"admin cannot reopen refunded", domain.OrderStatusRefunded, domain.OrderStatusPending, ActorAdmin, false},
		{"checkout cannot complete", domain.OrderStatusPending, domain.OrderStatusCompleted, ActorCheckout, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := CheckTransition(tt.from, tt.to, tt.actor)
			if tt.allowed && err != nil {
				t.Fatalf("expected transition allowed, got %v", err)
			}
			if !tt.allowed {
				if !errors.Is(err, ErrInvalidTransition) {
					t.Fatalf("expected ErrInvalidTransition, got %v", err)
				}
				var te *TransitionError
				if !errors.As(err, &te) || te.Actor != tt.actor {
					t.Fatalf("expected TransitionError for %s, got %v", tt.actor, err)
				}
			}
		})
	}
}

func TestCheckTransition_SameStatusIsAlreadyProcessed(t *testing.T) {
	err := CheckTransition(domain.OrderStatusProcessing, domain.OrderStatusProcessing, ActorWebhook)
	if !gateway.IsKind(err, gateway.KindAlreadyProcessed) {
		t.Fatalf("expected already_processed, got %v", err)
	}
}

func TestCheckTransition_UnknownStatus(t *testing.T) {
	err := CheckTransition(domain.OrderStatusPending, domain.OrderStatus("shipped"), ActorAdmin)
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestIsTerminal(t *testing.T) {
	terminal := []domain.OrderStatus{domain.OrderStatusCompleted, domain.OrderStatusCancelled, domain.OrderStatusFailed, domain.OrderStatusRefunded}
	for _, s := range terminal {
		if !IsTerminal(s) {
			t.Fatalf("expected %s terminal", s)
		}
	}
	if IsTerminal(domain.OrderStatusOnHold) {
		t.Fatalf("expected on-hold to be non-terminal")
	}
}

func TestProviderTarget(t *testing.T) {
	tests := map[gateway.Status]domain.OrderStatus{
		gateway.StatusApproved:    domain.OrderStatusProcessing,
		gateway.StatusAuthorized:  domain.OrderStatusProcessing,
		gateway.StatusRejected:    domain.OrderStatusFailed,
		gateway.StatusCancelled:   domain.OrderStatusFailed,
		gateway.StatusRefunded:    domain.OrderStatusRefunded,
		gateway.StatusChargedBack: domain.OrderStatusRefunded,
	}
	for status, want := range tests {
		got, ok := providerTarget(status)
		if !ok || got != want {
			t.Fatalf("%s: expected %s, got %s (%v)", status, want, got, ok)
		}
	}
	if _, ok := providerTarget(gateway.StatusInProcess); ok {
		t.Fatalf("expected in_process to drive no transition")
	}
}
