package ledger

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math/big"
)

// FakeTransferrer emulates value transfers with deterministic receipts. Used
// in tests and in local development without a chain.
type FakeTransferrer struct{}

func (FakeTransferrer) Transfer(_ context.Context, to string, amount *big.Int) (TransferReceipt, error) {
	if to == "" {
		return TransferReceipt{}, fmt.Errorf("missing recipient")
	}
	if amount == nil || amount.Sign() <= 0 {
		return TransferReceipt{}, fmt.Errorf("transfer amount must be positive")
	}
	sum := sha256.Sum256([]byte(to + amount.String()))
	return TransferReceipt{TxHash: "0x" + hex.EncodeToString(sum[:])}, nil
}
