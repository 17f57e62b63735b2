// ============================================================================
// Durable Exec - sample order saga
// ============================================================================
//
// Package: internal/orders
// File: workflow.go
// Purpose: an order fulfilment workflow that exercises every engine feature
// the demo and the serve command show off.
//
// Flow:
//   [approval]  wait for the "approval" signal when the order asks for it
//   reserve     reserve_inventory   -> compensation release_inventory
//   charge      charge_payment      -> compensation refund_payment
//   ship        ship_order, bounded by ShipWithin (ScheduleToClose)
//   confirm     send_confirmation (best effort)
//
// Any failure after the first reservation runs the compensations in reverse
// order and fails the execution with the compensation report attached.
//
// Messages:
//   query  "status"          -> Progress
//   update "change_address"  -> new address; rejected once shipped
//   signal "approval"        -> Approval
//
// ============================================================================

package orders

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ChuLiYu/durable-exec/pkg/failure"
	"github.com/ChuLiYu/durable-exec/pkg/types"
	"github.com/ChuLiYu/durable-exec/pkg/workflow"
)

// WorkflowName is the registered name of the order workflow.
const WorkflowName = "order"

// Message names.
const (
	QueryStatus         = "status"
	UpdateChangeAddress = "change_address"
	SignalApproval      = "approval"
)

// Status values reported by the status query.
const (
	StatusAwaitingApproval = "awaiting_approval"
	StatusReserving        = "reserving"
	StatusCharging         = "charging"
	StatusShipping         = "shipping"
	StatusShipped          = "shipped"
	StatusCompleted        = "completed"
	StatusRejected         = "rejected"
	StatusCompensating     = "compensating"
)

// Item is one order line.
type Item struct {
	SKU        string `json:"sku"`
	Quantity   int    `json:"quantity"`
	PriceCents int64  `json:"price_cents"`
}

// Order is the workflow input.
type Order struct {
	ID         string `json:"id"`
	CustomerID string `json:"customer_id"`
	Items      []Item `json:"items"`
	Address    string `json:"address"`

	// RequireApproval makes the order wait for an approval signal.
	RequireApproval bool          `json:"require_approval,omitempty"`
	ApprovalTimeout time.Duration `json:"approval_timeout,omitempty"`
	// ShipWithin bounds all shipping attempts together.
	ShipWithin time.Duration `json:"ship_within,omitempty"`
}

// Total returns the order amount in cents.
func (o Order) Total() int64 {
	var total int64
	for _, it := range o.Items {
		total += int64(it.Quantity) * it.PriceCents
	}
	return total
}

// Approval is the body of the approval signal.
type Approval struct {
	Approved bool   `json:"approved"`
	By       string `json:"by"`
}

// Progress answers the status query.
type Progress struct {
	Status      string `json:"status"`
	Address     string `json:"address"`
	TotalCents  int64  `json:"total_cents"`
	Transaction string `json:"transaction,omitempty"`
	Tracking    string `json:"tracking,omitempty"`
	ApprovedBy  string `json:"approved_by,omitempty"`
}

// Result is the workflow output.
type Result struct {
	OrderID     string `json:"order_id"`
	Status      string `json:"status"`
	Transaction string `json:"transaction,omitempty"`
	Tracking    string `json:"tracking,omitempty"`
}

// Work inputs shared with the handlers.
type (
	ChargeRequest struct {
		OrderID     string `json:"order_id"`
		CustomerID  string `json:"customer_id"`
		AmountCents int64  `json:"amount_cents"`
	}
	ShipRequest struct {
		OrderID string `json:"order_id"`
		Address string `json:"address"`
		Items   []Item `json:"items"`
	}
	ReserveRequest struct {
		OrderID string `json:"order_id"`
		Items   []Item `json:"items"`
	}
)

var (
	paymentRetry = types.RetryPolicy{
		InitialInterval:        time.Second,
		BackoffCoefficient:     2,
		MaximumInterval:        30 * time.Second,
		MaximumAttempts:        5,
		NonRetryableErrorTypes: []string{ErrTypeCardDeclined},
	}
	shippingRetry = types.RetryPolicy{
		InitialInterval:    2 * time.Second,
		BackoffCoefficient: 2,
		MaximumInterval:    time.Minute,
	}
)

// Register adds the order workflow to r.
func Register(r *workflow.Registry) error {
	return workflow.Register(r, WorkflowName, Workflow)
}

// Workflow fulfils one order.
func Workflow(ctx workflow.Context, order Order) (Result, error) {
	log := ctx.Logger().With("order", order.ID)
	progress := Progress{Status: StatusReserving, Address: order.Address, TotalCents: order.Total()}

	workflow.SetQueryHandler(ctx, QueryStatus, func(struct{}) (Progress, error) {
		return progress, nil
	})
	workflow.SetUpdateHandler(ctx, UpdateChangeAddress,
		func(ctx workflow.Context, address string) (string, error) {
			var normalized string
			req := workflow.WorkRequest{Name: WorkValidateAddress, Input: address, StartToClose: 10 * time.Second}
			if err := workflow.ExecuteWork(ctx, req).Get(ctx, &normalized); err != nil {
				return "", err
			}
			progress.Address = normalized
			ctx.Logger().Info("Shipping address changed", "order", order.ID)
			return normalized, nil
		},
		func(address string) error {
			if strings.TrimSpace(address) == "" {
				return errors.New("address must not be empty")
			}
			switch progress.Status {
			case StatusShipped, StatusCompleted, StatusRejected, StatusCompensating:
				return fmt.Errorf("cannot change address of an order that is %s", progress.Status)
			}
			return nil
		})

	if order.RequireApproval {
		progress.Status = StatusAwaitingApproval
		approval, err := awaitApproval(ctx, order.ApprovalTimeout)
		if err != nil {
			return Result{}, err
		}
		if !approval.Approved {
			progress.Status = StatusRejected
			log.Info("Order rejected", "by", approval.By)
			return Result{OrderID: order.ID, Status: StatusRejected}, nil
		}
		progress.ApprovedBy = approval.By
		progress.Status = StatusReserving
	}

	comp := workflow.NewCompensationStack()
	fail := func(err error) (Result, error) {
		progress.Status = StatusCompensating
		log.Warn("Order failed, compensating", "error", err, "steps", comp.Len())
		return Result{}, comp.Compensate(ctx, err)
	}

	reserve := ReserveRequest{OrderID: order.ID, Items: order.Items}
	if err := workflow.ExecuteWork(ctx, workflow.WorkRequest{Name: WorkReserveInventory, Input: reserve, StartToClose: 30 * time.Second}).Get(ctx, nil); err != nil {
		return Result{}, err
	}
	comp.Push("inventory", workflow.WorkRequest{Name: WorkReleaseInventory, Input: reserve})

	progress.Status = StatusCharging
	charge := ChargeRequest{OrderID: order.ID, CustomerID: order.CustomerID, AmountCents: order.Total()}
	if err := workflow.ExecuteWithRetry(ctx, workflow.WorkRequest{Name: WorkChargePayment, Input: charge, StartToClose: 30 * time.Second}, paymentRetry).Get(ctx, &progress.Transaction); err != nil {
		return fail(err)
	}
	comp.Push("payment", workflow.WorkRequest{Name: WorkRefundPayment, Input: progress.Transaction})

	progress.Status = StatusShipping
	ship := workflow.WorkRequest{
		Name:            WorkShipOrder,
		StartToClose:    time.Minute,
		ScheduleToClose: order.ShipWithin,
		RetryPolicy:     &shippingRetry,
	}
	// The address can change until the shipment is requested.
	ship.Input = ShipRequest{OrderID: order.ID, Address: progress.Address, Items: order.Items}
	if err := workflow.ExecuteWork(ctx, ship).Get(ctx, &progress.Tracking); err != nil {
		return fail(err)
	}
	progress.Status = StatusShipped

	confirm := workflow.WorkRequest{Name: WorkSendConfirmation, Input: order.CustomerID, StartToClose: 10 * time.Second,
		RetryPolicy: &types.RetryPolicy{MaximumAttempts: 3}}
	if err := workflow.ExecuteWork(ctx, confirm).Get(ctx, nil); err != nil {
		log.Warn("Confirmation not sent", "error", err)
	}

	progress.Status = StatusCompleted
	return Result{OrderID: order.ID, Status: StatusCompleted, Transaction: progress.Transaction, Tracking: progress.Tracking}, nil
}

// awaitApproval waits for the first approval signal. A zero timeout waits
// forever.
func awaitApproval(ctx workflow.Context, timeout time.Duration) (Approval, error) {
	ch := ctx.SignalChannel(SignalApproval)
	var approval Approval
	if timeout <= 0 {
		err := ch.Receive(ctx, &approval)
		return approval, err
	}
	ok, err := ctx.AwaitWithTimeout(timeout, func() bool { return ch.Len() > 0 })
	if err != nil {
		return Approval{}, err
	}
	if !ok {
		return Approval{}, failure.NewNonRetryableError(ErrTypeApprovalTimeout,
			fmt.Sprintf("no approval within %s", timeout))
	}
	ch.ReceiveAsync(&approval)
	return approval, nil
}
