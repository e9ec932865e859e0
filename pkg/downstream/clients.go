// Package downstream implements the saga's business collaborators as
// command events published to the owning services. Each call emits one
// compensation command on the bus; the downstream service applies the side
// effect and is expected to treat the command as idempotent.
package downstream

import (
	"context"
	"fmt"

	"github.com/usersaga/usersaga/pkg/eventbus"
	"github.com/usersaga/usersaga/pkg/saga"
)

// CompensationCommand is the payload of an outbound compensating call.
type CompensationCommand struct {
	SagaID string `json:"saga_id,omitempty"`
	UserID string `json:"user_id"`
	Reason string `json:"reason,omitempty"`
}

// AuditEntry is the payload of the compensation audit event.
type AuditEntry struct {
	SagaID        string    `json:"saga_id"`
	SagaType      saga.Type `json:"saga_type"`
	UserID        string    `json:"user_id"`
	FailureReason string    `json:"failure_reason"`
	RetryCount    int       `json:"retry_count"`
}

// Clients publishes compensation commands to the account, cart, points, and
// coupon services. It satisfies every collaborator interface the compensation
// actions depend on.
type Clients struct {
	publisher *eventbus.Publisher
}

// NewClients creates event-backed downstream clients over the publisher.
func NewClients(publisher *eventbus.Publisher) (*Clients, error) {
	if publisher == nil {
		return nil, fmt.Errorf("downstream: publisher cannot be nil")
	}
	return &Clients{publisher: publisher}, nil
}

func (c *Clients) command(ctx context.Context, service, command, userID string) error {
	_, err := c.publisher.PublishWithRetry(ctx, eventbus.Event{
		Subject:   eventbus.CompensationSubject(service, command),
		EventType: fmt.Sprintf("%s.%s", service, command),
		Payload:   CompensationCommand{UserID: userID},
	})
	if err != nil {
		return fmt.Errorf("downstream: %s.%s for user %q: %w", service, command, userID, err)
	}
	return nil
}

// DeleteAccount asks the account service to remove a freshly created account.
func (c *Clients) DeleteAccount(ctx context.Context, userID string) error {
	return c.command(ctx, "account", "delete", userID)
}

// RestoreAccount asks the account service to re-activate a soft-deleted
// account.
func (c *Clients) RestoreAccount(ctx context.Context, userID string) error {
	return c.command(ctx, "account", "restore", userID)
}

// RemoveCart asks the cart service to tear down a provisioned cart.
func (c *Clients) RemoveCart(ctx context.Context, userID string) error {
	return c.command(ctx, "cart", "remove", userID)
}

// ReclaimSignupPoints asks the points service to take back granted signup
// points.
func (c *Clients) ReclaimSignupPoints(ctx context.Context, userID string) error {
	return c.command(ctx, "points", "reclaim_signup", userID)
}

// ReinstatePoints asks the points service to restore an expired balance.
func (c *Clients) ReinstatePoints(ctx context.Context, userID string) error {
	return c.command(ctx, "points", "reinstate", userID)
}

// RevokeWelcomeCoupon asks the coupon service to invalidate the welcome
// coupon.
func (c *Clients) RevokeWelcomeCoupon(ctx context.Context, userID string) error {
	return c.command(ctx, "coupon", "revoke_welcome", userID)
}

// CompensationExecuted publishes the audit record of a finished compensation
// run.
func (c *Clients) CompensationExecuted(ctx context.Context, comp *saga.CompensationContext) error {
	_, err := c.publisher.PublishWithRetry(ctx, eventbus.Event{
		Subject:   eventbus.AuditSubject(),
		EventType: "saga.compensation.audit",
		SagaID:    comp.SagaID,
		Payload: AuditEntry{
			SagaID:        comp.SagaID,
			SagaType:      comp.SagaType,
			UserID:        comp.UserID,
			FailureReason: comp.FailureReason,
			RetryCount:    comp.RetryCount,
		},
	})
	if err != nil {
		return fmt.Errorf("downstream: audit for saga %q: %w", comp.SagaID, err)
	}
	return nil
}

// Interface conformance.
var (
	_ saga.AccountService = (*Clients)(nil)
	_ saga.CartService    = (*Clients)(nil)
	_ saga.PointsService  = (*Clients)(nil)
	_ saga.CouponService  = (*Clients)(nil)
	_ saga.Notifier       = (*Clients)(nil)
)
