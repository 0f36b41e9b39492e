package ledger

import (
	"context"
	"math/big"
)

// Transferrer moves native value back to a buyer. Refunds are the only
// transfer this service performs; committed sale proceeds stay where the
// buyer attached them.
type Transferrer interface {
	Transfer(ctx context.Context, to string, amount *big.Int) (TransferReceipt, error)
}

type TransferReceipt struct {
	TxHash string
}

// HealthChecker is implemented by transferrers backed by a remote node.
type HealthChecker interface {
	Ping(ctx context.Context) error
}
