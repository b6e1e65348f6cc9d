package ports

import (
	"context"

	"github.com/stellar/go/clients/horizonclient"
	hProtocol "github.com/stellar/go/protocols/horizon"
	"github.com/stellar/go/txnbuild"

	"github.com/stellarbot/gostellar/internal/domain"
)

// Small capability interfaces shared across layers (chain/execution/controlplane).

// HorizonBackend is the slice of the Horizon API this core touches.
// *horizonclient.Client satisfies it; tests substitute a stub.
type HorizonBackend interface {
	Root() (hProtocol.Root, error)
	AccountDetail(request horizonclient.AccountRequest) (hProtocol.Account, error)
	SubmitTransaction(tx *txnbuild.Transaction) (hProtocol.Transaction, error)
	FeeStats() (hProtocol.FeeStats, error)
	OfferDetails(offerID string) (hProtocol.Offer, error)
}

// OrderReader exposes tracked orders to read-only surfaces.
type OrderReader interface {
	Order(orderID string) (*domain.Order, bool)
	ActiveOrders() []*domain.Order
}

// OrderCanceler cancels a tracked order. A false return with nil error means
// the cancellation was rejected but the order state is unchanged.
type OrderCanceler interface {
	CancelOrder(ctx context.Context, orderID string) (bool, error)
}

// OrderJournal records order lifecycle events for audit/history.
type OrderJournal interface {
	RecordOrder(ctx context.Context, o *domain.Order) error
	RecordStatus(ctx context.Context, orderID string, status domain.OrderStatus, txHash string) error
}
