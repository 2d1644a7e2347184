// Package custody defines the value-transfer collaborator the pool settles through.
//
// The pool never holds balances itself. Premiums are pulled from buyers with
// TransferFrom, payouts are pushed with Transfer, and reserves are read with BalanceOf.
// A false return is a soft refusal (insufficient funds, missing approval); a non-nil
// error is a collaborator fault and aborts the calling operation unchanged.
package custody

import (
	"context"

	"github.com/paradigm-parametric/parametric-mvp/pkg/access"
)

// Asset is an account-bound view of a fungible asset. Transfer moves funds out of the
// bound account; TransferFrom moves funds between two other accounts on the bound
// account's authority.
type Asset interface {
	Transfer(ctx context.Context, to access.Identity, amount int64) (bool, error)
	TransferFrom(ctx context.Context, from, to access.Identity, amount int64) (bool, error)
	BalanceOf(ctx context.Context, who access.Identity) (int64, error)
}
