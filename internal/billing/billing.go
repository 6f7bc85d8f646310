// Package billing provides BillingGateway implementations: a disabled gateway for deployments that
// do not meter usage, and an in-process credit ledger.
package billing

import (
	"context"

	"github.com/JakeFAU/fetchguard/internal/jobs"
)

// Disabled never charges. Deduct returns a nil receipt so callers skip compensation bookkeeping.
type Disabled struct{}

// Deduct implements jobs.BillingGateway.
func (Disabled) Deduct(context.Context, jobs.DeductRequest) (*jobs.Receipt, error) {
	return nil, nil
}

// Refund implements jobs.BillingGateway.
func (Disabled) Refund(context.Context, jobs.RefundRequest) error {
	return nil
}

var _ jobs.BillingGateway = Disabled{}
