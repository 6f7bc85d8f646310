package billing

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/fetchguard/internal/apperr"
	"github.com/JakeFAU/fetchguard/internal/jobs"
	"github.com/JakeFAU/fetchguard/internal/logging"
)

// DefaultSource names the credit source seeded for owners seen for the first time.
const DefaultSource = "included"

type source struct {
	name    string
	balance int64
}

type charge struct {
	owner     string
	breakdown []jobs.BillingEntry
	refunded  bool
}

// Ledger is an in-memory credit ledger. Each owner holds ordered credit sources; a deduction draws
// from them in order and records a per-source breakdown that a refund restores.
type Ledger struct {
	mu             sync.Mutex
	prices         map[string]int64
	defaultCredits int64
	accounts       map[string][]*source
	charges        map[string]*charge
	ids            jobs.IDGenerator
	logger         *zap.Logger
}

// NewLedger builds a Ledger. prices maps billing keys to a per-job cost; unknown keys cost 1.
func NewLedger(prices map[string]int64, defaultCredits int64, ids jobs.IDGenerator, logger *zap.Logger) *Ledger {
	copied := make(map[string]int64, len(prices))
	for k, v := range prices {
		copied[k] = v
	}
	return &Ledger{
		prices:         copied,
		defaultCredits: defaultCredits,
		accounts:       make(map[string][]*source),
		charges:        make(map[string]*charge),
		ids:            ids,
		logger:         logging.OrNop(logger).Named("billing"),
	}
}

// Grant adds credits to an owner's named source, creating it after existing sources when new.
func (l *Ledger) Grant(owner, sourceName string, amount int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, src := range l.account(owner) {
		if src.name == sourceName {
			src.balance += amount
			return
		}
	}
	l.accounts[owner] = append(l.accounts[owner], &source{name: sourceName, balance: amount})
}

// Balance returns the owner's total remaining credits.
func (l *Ledger) Balance(owner string) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	var total int64
	for _, src := range l.account(owner) {
		total += src.balance
	}
	return total
}

// Deduct charges the price of req.BillingKey against the owner's sources. A reference may be charged
// again once its previous charge was refunded.
func (l *Ledger) Deduct(_ context.Context, req jobs.DeductRequest) (*jobs.Receipt, error) {
	price := l.price(req.BillingKey)
	if price <= 0 {
		return nil, nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if prev, exists := l.charges[req.ReferenceID]; exists && !prev.refunded {
		return nil, apperr.New(apperr.CodeDuplicateJob, "reference %s already charged", req.ReferenceID)
	}

	sources := l.account(req.Owner)
	var available int64
	for _, src := range sources {
		available += src.balance
	}
	if available < price {
		return nil, apperr.New(apperr.CodeInsufficientCredits, "%s requires %d credits, %d available", req.BillingKey, price, available)
	}

	remaining := price
	breakdown := make([]jobs.BillingEntry, 0, 1)
	for _, src := range sources {
		if remaining == 0 {
			break
		}
		if src.balance <= 0 {
			continue
		}
		take := min(src.balance, remaining)
		txID, err := l.ids.NewID()
		if err != nil {
			return nil, fmt.Errorf("generate transaction id: %w", err)
		}
		breakdown = append(breakdown, jobs.BillingEntry{
			Source:        src.name,
			Amount:        take,
			TransactionID: txID,
			BalanceBefore: src.balance,
			BalanceAfter:  src.balance - take,
		})
		remaining -= take
	}
	for i, entry := range breakdown {
		for _, src := range sources {
			if src.name == entry.Source {
				src.balance = breakdown[i].BalanceAfter
				break
			}
		}
	}

	l.charges[req.ReferenceID] = &charge{owner: req.Owner, breakdown: breakdown}
	l.logger.Debug("credits deducted",
		zap.String("owner_id", req.Owner),
		zap.String("billing_key", req.BillingKey),
		zap.String("reference_id", req.ReferenceID),
		zap.Int64("amount", price),
	)
	return &jobs.Receipt{Amount: price, Breakdown: append([]jobs.BillingEntry(nil), breakdown...)}, nil
}

// Refund restores each breakdown entry to its source. Refunding the same reference twice is a no-op.
func (l *Ledger) Refund(_ context.Context, req jobs.RefundRequest) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	ch, ok := l.charges[req.ReferenceID]
	if ok && ch.refunded {
		return nil
	}
	owner := req.Owner
	if ok {
		owner = ch.owner
	}
	for _, entry := range req.Breakdown {
		restored := false
		for _, src := range l.account(owner) {
			if src.name == entry.Source {
				src.balance += entry.Amount
				restored = true
				break
			}
		}
		if !restored {
			l.accounts[owner] = append(l.accounts[owner], &source{name: entry.Source, balance: entry.Amount})
		}
	}
	if !ok {
		ch = &charge{owner: owner, breakdown: req.Breakdown}
		l.charges[req.ReferenceID] = ch
	}
	ch.refunded = true
	l.logger.Info("credits refunded",
		zap.String("owner_id", owner),
		zap.String("reference_id", req.ReferenceID),
		zap.Int("entries", len(req.Breakdown)),
	)
	return nil
}

func (l *Ledger) price(key string) int64 {
	if p, ok := l.prices[key]; ok {
		return p
	}
	return 1
}

// account returns the owner's sources, seeding the default source on first sight. Caller holds mu.
func (l *Ledger) account(owner string) []*source {
	sources, ok := l.accounts[owner]
	if !ok {
		sources = []*source{{name: DefaultSource, balance: l.defaultCredits}}
		l.accounts[owner] = sources
	}
	return sources
}

var _ jobs.BillingGateway = (*Ledger)(nil)
