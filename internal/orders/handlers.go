package orders

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ChuLiYu/durable-exec/internal/worker"
	"github.com/ChuLiYu/durable-exec/pkg/failure"
)

// Work names.
const (
	WorkReserveInventory = "reserve_inventory"
	WorkReleaseInventory = "release_inventory"
	WorkChargePayment    = "charge_payment"
	WorkRefundPayment    = "refund_payment"
	WorkShipOrder        = "ship_order"
	WorkSendConfirmation = "send_confirmation"
	WorkValidateAddress  = "validate_address"
)

// Failure types raised by the handlers.
const (
	ErrTypeCardDeclined    = "CardDeclined"
	ErrTypeOutOfStock      = "OutOfStock"
	ErrTypeCarrierDown     = "CarrierUnavailable"
	ErrTypeApprovalTimeout = "ApprovalTimeout"
)

// Services is an in-memory stand-in for the inventory, payment, shipping
// and notification systems behind the order workflow. Handlers are
// idempotent per order so that retried attempts do not double charge.
type Services struct {
	mu sync.Mutex

	stock        map[string]int
	reservations map[string][]Item
	charges      map[string]string // order -> transaction
	refunds      map[string]bool   // transaction -> refunded
	shipments    map[string]string // order -> tracking
	notified     []string

	// Fault injection.
	declined     map[string]bool
	shipFailures int
	shipDelay    time.Duration
}

// NewServices returns services with the given stock levels.
func NewServices(stock map[string]int) *Services {
	s := &Services{
		stock:        make(map[string]int),
		reservations: make(map[string][]Item),
		charges:      make(map[string]string),
		refunds:      make(map[string]bool),
		shipments:    make(map[string]string),
		declined:     make(map[string]bool),
	}
	for sku, n := range stock {
		s.stock[sku] = n
	}
	return s
}

// DeclineCustomer makes every charge for customer fail for good.
func (s *Services) DeclineCustomer(customer string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.declined[customer] = true
}

// FailShipments makes the next n shipping attempts fail with a retryable
// carrier error.
func (s *Services) FailShipments(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.shipFailures = n
}

// SlowShipping delays every shipping attempt by d or until it is cancelled.
func (s *Services) SlowShipping(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.shipDelay = d
}

// Register adds every order work handler to r.
func (s *Services) Register(r *worker.Registry) error {
	for _, err := range []error{
		worker.Register(r, WorkReserveInventory, s.reserve),
		worker.Register(r, WorkReleaseInventory, s.release),
		worker.Register(r, WorkChargePayment, s.charge),
		worker.Register(r, WorkRefundPayment, s.refund),
		worker.Register(r, WorkShipOrder, s.ship),
		worker.Register(r, WorkSendConfirmation, s.confirm),
		worker.Register(r, WorkValidateAddress, s.validateAddress),
	} {
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *Services) reserve(_ context.Context, req ReserveRequest) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.reservations[req.OrderID]; ok {
		return true, nil
	}
	for _, it := range req.Items {
		if s.stock[it.SKU] < it.Quantity {
			return false, failure.NewNonRetryableError(ErrTypeOutOfStock,
				fmt.Sprintf("%s: %d requested, %d left", it.SKU, it.Quantity, s.stock[it.SKU]))
		}
	}
	for _, it := range req.Items {
		s.stock[it.SKU] -= it.Quantity
	}
	s.reservations[req.OrderID] = append([]Item(nil), req.Items...)
	return true, nil
}

func (s *Services) release(_ context.Context, req ReserveRequest) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	items, ok := s.reservations[req.OrderID]
	if !ok {
		return false, nil
	}
	for _, it := range items {
		s.stock[it.SKU] += it.Quantity
	}
	delete(s.reservations, req.OrderID)
	return true, nil
}

func (s *Services) charge(_ context.Context, req ChargeRequest) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if txn, ok := s.charges[req.OrderID]; ok {
		return txn, nil
	}
	if s.declined[req.CustomerID] {
		return "", failure.NewApplicationError(ErrTypeCardDeclined, "card declined for "+req.CustomerID)
	}
	txn := fmt.Sprintf("txn-%s-%d", req.OrderID, req.AmountCents)
	s.charges[req.OrderID] = txn
	return txn, nil
}

func (s *Services) refund(_ context.Context, txn string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refunds[txn] = true
	return true, nil
}

func (s *Services) ship(ctx context.Context, req ShipRequest) (string, error) {
	s.mu.Lock()
	delay := s.shipDelay
	if s.shipFailures > 0 {
		s.shipFailures--
		s.mu.Unlock()
		return "", failure.NewApplicationError(ErrTypeCarrierDown, "carrier did not answer")
	}
	s.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if tracking, ok := s.shipments[req.OrderID]; ok {
		return tracking, nil
	}
	tracking := "trk-" + req.OrderID
	s.shipments[req.OrderID] = tracking
	return tracking, nil
}

func (s *Services) confirm(_ context.Context, customer string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notified = append(s.notified, customer)
	return true, nil
}

func (s *Services) validateAddress(_ context.Context, address string) (string, error) {
	fields := strings.Fields(address)
	if len(fields) < 2 {
		return "", failure.NewNonRetryableError("InvalidAddress", fmt.Sprintf("address %q is incomplete", address))
	}
	return strings.Join(fields, " "), nil
}

// Stock returns the stock level of sku.
func (s *Services) Stock(sku string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stock[sku]
}

// Refunded reports whether the transaction was refunded.
func (s *Services) Refunded(txn string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refunds[txn]
}

// Shipment returns the tracking number of an order, if it shipped.
func (s *Services) Shipment(orderID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.shipments[orderID]
	return t, ok
}

// Notified lists the customers that got a confirmation, sorted.
func (s *Services) Notified() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := append([]string(nil), s.notified...)
	sort.Strings(out)
	return out
}
