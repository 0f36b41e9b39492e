package settlement

import (
	"math/big"
	"time"
)

// PurchaseIntent is one buyer's funded purchase awaiting verification. It is
// immutable once dispatched; the resolve step consumes it whole, committing
// the derived tokens or refunding the full attached value, never both and
// never a part of either.
type PurchaseIntent struct {
	ID        string
	Buyer     string
	SessionID string

	// Attached is the full value the buyer sent, in base units. Tokens is
	// the quantity derived from it at dispatch time.
	Attached *big.Int
	Tokens   *big.Int

	CreatedAt time.Time

	// Deadline is when the intent becomes eligible for reclaim if the
	// executor never delivers.
	Deadline time.Time
}
