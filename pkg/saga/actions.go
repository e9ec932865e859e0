package saga

import "context"

// Collaborator interfaces for the downstream services compensation talks to.
// Implementations live outside this package; tests use in-memory fakes.

// AccountService reverses account-level effects.
type AccountService interface {
	// DeleteAccount removes an account created by a failed registration.
	// Deleting an absent account must succeed.
	DeleteAccount(ctx context.Context, userID string) error
	// RestoreAccount re-activates a soft-deleted account after a failed
	// deletion saga. Restoring an already-active account must succeed.
	RestoreAccount(ctx context.Context, userID string) error
}

// CartService reverses shopping-cart effects.
type CartService interface {
	RemoveCart(ctx context.Context, userID string) error
}

// PointsService reverses loyalty-point effects.
type PointsService interface {
	ReclaimSignupPoints(ctx context.Context, userID string) error
	ReinstatePoints(ctx context.Context, userID string) error
}

// CouponService reverses coupon effects.
type CouponService interface {
	RevokeWelcomeCoupon(ctx context.Context, userID string) error
}

// Notifier receives a record of every completed compensation run, for audit
// and manual follow-up on COMPENSATION_FAILED sagas.
type Notifier interface {
	CompensationExecuted(ctx context.Context, c *CompensationContext) error
}

// appliesToFailure is the shared applicability rule: compensation actions
// only run for sagas that failed out of forward progress.
func appliesToFailure(s Status) bool {
	return s == StatusStepFailed || s == StatusTimeout
}

// DeleteCreatedAccountAction removes the account a failed registration
// created. It runs first so no other side effect outlives the account.
type DeleteCreatedAccountAction struct {
	accounts AccountService
}

func NewDeleteCreatedAccountAction(accounts AccountService) *DeleteCreatedAccountAction {
	return &DeleteCreatedAccountAction{accounts: accounts}
}

func (a *DeleteCreatedAccountAction) Name() string  { return "delete_created_account" }
func (a *DeleteCreatedAccountAction) Priority() int { return 10 }

func (a *DeleteCreatedAccountAction) Applies(t Type, failedFrom Status) bool {
	return t == TypeUserRegistration && appliesToFailure(failedFrom)
}

func (a *DeleteCreatedAccountAction) Compensate(ctx context.Context, c *CompensationContext) error {
	return a.accounts.DeleteAccount(ctx, c.UserID)
}

// RemoveProvisionedCartAction tears down the cart provisioned during
// registration. Removing a cart that was never provisioned is a no-op for
// the cart service.
type RemoveProvisionedCartAction struct {
	carts CartService
}

func NewRemoveProvisionedCartAction(carts CartService) *RemoveProvisionedCartAction {
	return &RemoveProvisionedCartAction{carts: carts}
}

func (a *RemoveProvisionedCartAction) Name() string  { return "remove_provisioned_cart" }
func (a *RemoveProvisionedCartAction) Priority() int { return 20 }

func (a *RemoveProvisionedCartAction) Applies(t Type, failedFrom Status) bool {
	return t == TypeUserRegistration && appliesToFailure(failedFrom)
}

func (a *RemoveProvisionedCartAction) Compensate(ctx context.Context, c *CompensationContext) error {
	return a.carts.RemoveCart(ctx, c.UserID)
}

// ReclaimSignupPointsAction takes back signup points granted during
// registration.
type ReclaimSignupPointsAction struct {
	points PointsService
}

func NewReclaimSignupPointsAction(points PointsService) *ReclaimSignupPointsAction {
	return &ReclaimSignupPointsAction{points: points}
}

func (a *ReclaimSignupPointsAction) Name() string  { return "reclaim_signup_points" }
func (a *ReclaimSignupPointsAction) Priority() int { return 30 }

func (a *ReclaimSignupPointsAction) Applies(t Type, failedFrom Status) bool {
	return t == TypeUserRegistration && appliesToFailure(failedFrom)
}

func (a *ReclaimSignupPointsAction) Compensate(ctx context.Context, c *CompensationContext) error {
	return a.points.ReclaimSignupPoints(ctx, c.UserID)
}

// RevokeWelcomeCouponAction invalidates the welcome coupon issued during
// registration.
type RevokeWelcomeCouponAction struct {
	coupons CouponService
}

func NewRevokeWelcomeCouponAction(coupons CouponService) *RevokeWelcomeCouponAction {
	return &RevokeWelcomeCouponAction{coupons: coupons}
}

func (a *RevokeWelcomeCouponAction) Name() string  { return "revoke_welcome_coupon" }
func (a *RevokeWelcomeCouponAction) Priority() int { return 40 }

func (a *RevokeWelcomeCouponAction) Applies(t Type, failedFrom Status) bool {
	return t == TypeUserRegistration && appliesToFailure(failedFrom)
}

func (a *RevokeWelcomeCouponAction) Compensate(ctx context.Context, c *CompensationContext) error {
	return a.coupons.RevokeWelcomeCoupon(ctx, c.UserID)
}

// RestoreDeletedAccountAction re-activates the account a failed deletion
// saga soft-deleted.
type RestoreDeletedAccountAction struct {
	accounts AccountService
}

func NewRestoreDeletedAccountAction(accounts AccountService) *RestoreDeletedAccountAction {
	return &RestoreDeletedAccountAction{accounts: accounts}
}

func (a *RestoreDeletedAccountAction) Name() string  { return "restore_deleted_account" }
func (a *RestoreDeletedAccountAction) Priority() int { return 10 }

func (a *RestoreDeletedAccountAction) Applies(t Type, failedFrom Status) bool {
	return t == TypeUserDeletion && appliesToFailure(failedFrom)
}

func (a *RestoreDeletedAccountAction) Compensate(ctx context.Context, c *CompensationContext) error {
	return a.accounts.RestoreAccount(ctx, c.UserID)
}

// ReinstatePointsAction restores the loyalty balance a failed deletion saga
// expired.
type ReinstatePointsAction struct {
	points PointsService
}

func NewReinstatePointsAction(points PointsService) *ReinstatePointsAction {
	return &ReinstatePointsAction{points: points}
}

func (a *ReinstatePointsAction) Name() string  { return "reinstate_points" }
func (a *ReinstatePointsAction) Priority() int { return 20 }

func (a *ReinstatePointsAction) Applies(t Type, failedFrom Status) bool {
	return t == TypeUserDeletion && appliesToFailure(failedFrom)
}

func (a *ReinstatePointsAction) Compensate(ctx context.Context, c *CompensationContext) error {
	return a.points.ReinstatePoints(ctx, c.UserID)
}

// CompensationNoticeAction records the compensation run with the notifier.
// It runs last for every saga type so the audit trail reflects what the
// earlier actions did.
type CompensationNoticeAction struct {
	notifier Notifier
}

func NewCompensationNoticeAction(notifier Notifier) *CompensationNoticeAction {
	return &CompensationNoticeAction{notifier: notifier}
}

func (a *CompensationNoticeAction) Name() string  { return "compensation_notice" }
func (a *CompensationNoticeAction) Priority() int { return 90 }

func (a *CompensationNoticeAction) Applies(t Type, failedFrom Status) bool {
	return t.Valid() && appliesToFailure(failedFrom)
}

func (a *CompensationNoticeAction) Compensate(ctx context.Context, c *CompensationContext) error {
	return a.notifier.CompensationExecuted(ctx, c)
}

// DefaultRegistrationActions builds the compensation set for registration
// sagas.
func DefaultRegistrationActions(accounts AccountService, carts CartService, points PointsService, coupons CouponService) []Action {
	return []Action{
		NewDeleteCreatedAccountAction(accounts),
		NewRemoveProvisionedCartAction(carts),
		NewReclaimSignupPointsAction(points),
		NewRevokeWelcomeCouponAction(coupons),
	}
}

// DefaultDeletionActions builds the compensation set for deletion sagas.
func DefaultDeletionActions(accounts AccountService, points PointsService) []Action {
	return []Action{
		NewRestoreDeletedAccountAction(accounts),
		NewReinstatePointsAction(points),
	}
}
