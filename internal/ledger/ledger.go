package ledger

import (
	"fmt"
	"math/big"
	"sync"
)

// SaleLedger holds the counters shared by every settlement. The host that ran
// the original contract serialized all calls on the instance; the mutex makes
// that guarantee explicit here. Commit is the only mutation.
type SaleLedger struct {
	mu           sync.Mutex
	owner        string
	tokensSold   *big.Int
	totalSupply  *big.Int
	launchpadURL string
}

func NewSaleLedger(owner string, totalSupply *big.Int, launchpadURL string) *SaleLedger {
	return &SaleLedger{
		owner:        owner,
		tokensSold:   new(big.Int),
		totalSupply:  new(big.Int).Set(totalSupply),
		launchpadURL: launchpadURL,
	}
}

// ErrSupplyExhausted is returned when a commit or reservation check would push
// tokens_sold past total_supply.
type ErrSupplyExhausted struct {
	Sold      *big.Int
	Requested *big.Int
	Supply    *big.Int
}

func (e *ErrSupplyExhausted) Error() string {
	return fmt.Sprintf("not enough tokens available: sold %s, requested %s, total %s",
		e.Sold, e.Requested, e.Supply)
}

// CheckAvailable reports whether tokens can still be committed on top of the
// current sold count. It takes no reservation; the authoritative check runs
// again inside Commit at settlement time.
func (l *SaleLedger) CheckAvailable(tokens *big.Int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.checkLocked(tokens)
}

// Commit increments tokens_sold by the given quantity, re-validating supply
// against the ledger state at commit time.
func (l *SaleLedger) Commit(tokens *big.Int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.checkLocked(tokens); err != nil {
		return err
	}
	l.tokensSold.Add(l.tokensSold, tokens)
	return nil
}

func (l *SaleLedger) checkLocked(tokens *big.Int) error {
	next := new(big.Int).Add(l.tokensSold, tokens)
	if next.Cmp(l.totalSupply) > 0 {
		return &ErrSupplyExhausted{
			Sold:      new(big.Int).Set(l.tokensSold),
			Requested: new(big.Int).Set(tokens),
			Supply:    new(big.Int).Set(l.totalSupply),
		}
	}
	return nil
}

// Stats returns copies of the sold and total counters.
func (l *SaleLedger) Stats() (sold, supply *big.Int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return new(big.Int).Set(l.tokensSold), new(big.Int).Set(l.totalSupply)
}

func (l *SaleLedger) Owner() string { return l.owner }

func (l *SaleLedger) LaunchpadURL() string { return l.launchpadURL }
