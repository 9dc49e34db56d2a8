package service

import (
	"context"
	"fmt"
	"math"

	"github.com/rs/zerolog/log"

	"hosting-ledger/internal/catalog"
	"hosting-ledger/internal/model"
	"hosting-ledger/internal/pkg/apperr"
)

// PaymentVerifier confirms an external payment for a coin package. It is
// called before any ledger mutation and must not be called while a ledger
// transaction is open.
type PaymentVerifier interface {
	VerifyPayment(ctx context.Context, accountID int64, item catalog.Item, paymentRef string) error
}

// PaymentVerifierFunc adapts a function to PaymentVerifier.
type PaymentVerifierFunc func(ctx context.Context, accountID int64, item catalog.Item, paymentRef string) error

// VerifyPayment calls f.
func (f PaymentVerifierFunc) VerifyPayment(ctx context.Context, accountID int64, item catalog.Item, paymentRef string) error {
	return f(ctx, accountID, item, paymentRef)
}

// RejectPayments is used when no payment provider is configured; coin
// packages then cannot be bought.
var RejectPayments PaymentVerifier = PaymentVerifierFunc(func(context.Context, int64, catalog.Item, string) error {
	return fmt.Errorf("no payment provider configured: %w", apperr.ErrPaymentNotConfirmed)
})

// PurchaseResult is the outcome of a catalog purchase.
type PurchaseResult struct {
	Item        catalog.Item      `json:"item"`
	Transaction model.Transaction `json:"transaction"`
	Account     model.Account     `json:"account"`
	NewBalance  int64             `json:"newBalance"`
	Replayed    bool              `json:"replayed"`
}

// AllocatorService converts coins into resources using the catalog.
type AllocatorService struct {
	ledger   *LedgerService
	catalog  *catalog.Catalog
	payments PaymentVerifier
}

// NewAllocatorService creates a new AllocatorService instance.
func NewAllocatorService(ledger *LedgerService, cat *catalog.Catalog, payments PaymentVerifier) *AllocatorService {
	if payments == nil {
		payments = RejectPayments
	}
	return &AllocatorService{
		ledger:   ledger,
		catalog:  cat,
		payments: payments,
	}
}

// Prices returns the upgrade price table.
func (s *AllocatorService) Prices() []catalog.Upgrade {
	return s.catalog.Upgrades()
}

// Items returns the purchasable catalog items.
func (s *AllocatorService) Items() []catalog.Item {
	return s.catalog.Items()
}

// Upgrade buys quantity units of an upgrade. The type is checked against the
// price table before the ledger is touched.
func (s *AllocatorService) Upgrade(ctx context.Context, accountID int64, upgradeType string, quantity int64, idempotencyKey string) (*model.LedgerResult, error) {
	t, ok := catalog.ParseUpgradeType(upgradeType)
	if !ok {
		return nil, apperr.ErrInvalidUpgradeType
	}
	price, ok := s.catalog.Price(t)
	if !ok {
		return nil, apperr.ErrInvalidUpgradeType
	}
	if quantity < 1 || quantity > math.MaxInt64/price {
		return nil, apperr.ErrInvalidAmount
	}

	res, err := s.ledger.SpendUpgrade(ctx, accountID, t, quantity, price*quantity, ClientKey("upgrade", idempotencyKey))
	if err != nil {
		return nil, err
	}
	if !res.Replayed {
		log.Info().
			Int64("account_id", accountID).
			Str("upgrade", string(t)).
			Int64("quantity", quantity).
			Int64("cost", price*quantity).
			Msg("Upgrade purchased")
	}
	return res, nil
}

// Purchase buys a catalog item. Coin packages are verified with the payment
// provider first and then credited once per payment reference; the client
// key is not used for them. Bundles are paid with coins.
func (s *AllocatorService) Purchase(ctx context.Context, accountID int64, itemID, idempotencyKey, paymentRef string) (*PurchaseResult, error) {
	item, ok := s.catalog.Item(itemID)
	if !ok {
		return nil, apperr.ErrItemNotFound
	}

	description := "purchase " + item.ID
	var (
		res *model.LedgerResult
		err error
	)
	switch item.Kind {
	case catalog.ItemCoins:
		res, err = s.purchaseCoins(ctx, accountID, item, description, paymentRef)
	case catalog.ItemBundle:
		res, err = s.ledger.SpendFor(ctx, accountID, item.Price, item.Effect, model.TxKindPurchase, description, ClientKey("purchase", idempotencyKey))
	default:
		return nil, apperr.ErrItemNotFound
	}
	if err != nil {
		return nil, err
	}

	if !res.Replayed {
		log.Info().
			Int64("account_id", accountID).
			Str("item", item.ID).
			Str("kind", string(item.Kind)).
			Msg("Item purchased")
	}
	return &PurchaseResult{
		Item:        item,
		Transaction: res.Transaction,
		Account:     res.Account,
		NewBalance:  res.Account.Coins,
		Replayed:    res.Replayed,
	}, nil
}

func (s *AllocatorService) purchaseCoins(ctx context.Context, accountID int64, item catalog.Item, description, paymentRef string) (*model.LedgerResult, error) {
	if paymentRef == "" {
		return nil, fmt.Errorf("missing payment reference: %w", apperr.ErrPaymentNotConfirmed)
	}
	idempotencyKey := paymentKeyPrefix + paymentRef

	seen, err := s.ledger.Seen(ctx, accountID, idempotencyKey)
	if err != nil {
		return nil, err
	}
	if !seen {
		if err := s.payments.VerifyPayment(ctx, accountID, item, paymentRef); err != nil {
			log.Warn().Err(err).Int64("account_id", accountID).Str("item", item.ID).Msg("Payment not confirmed")
			if apperr.KindOf(err) == apperr.KindInternal {
				return nil, apperr.Wrap(apperr.KindPaymentNotConfirmed, "payment not confirmed", err)
			}
			return nil, err
		}
	}

	return s.ledger.Earn(ctx, accountID, item.Coins, model.TxKindPurchase, description, idempotencyKey)
}
