package ledger

import (
	"context"
	"math/big"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCommitIncrementsSold(t *testing.T) {
	l := NewSaleLedger("owner.test", big.NewInt(1000), "http://launchpad")

	require.NoError(t, l.Commit(big.NewInt(300)))

	sold, supply := l.Stats()
	assert.Equal(t, int64(300), sold.Int64())
	assert.Equal(t, int64(1000), supply.Int64())
}

func TestCommitRejectsOverSupply(t *testing.T) {
	l := NewSaleLedger("owner.test", big.NewInt(100), "http://launchpad")

	require.NoError(t, l.Commit(big.NewInt(100)))

	err := l.Commit(big.NewInt(1))
	var exhausted *ErrSupplyExhausted
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, int64(100), exhausted.Sold.Int64())

	sold, _ := l.Stats()
	assert.Equal(t, int64(100), sold.Int64(), "failed commit must not mutate the ledger")
}

func TestCheckAvailableDoesNotReserve(t *testing.T) {
	l := NewSaleLedger("owner.test", big.NewInt(50), "http://launchpad")

	require.NoError(t, l.CheckAvailable(big.NewInt(50)))
	require.NoError(t, l.CheckAvailable(big.NewInt(50)))

	sold, _ := l.Stats()
	assert.Zero(t, sold.Int64())
}

func TestConcurrentCommitsNeverExceedSupply(t *testing.T) {
	l := NewSaleLedger("owner.test", big.NewInt(10), "http://launchpad")

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = l.Commit(big.NewInt(1))
		}()
	}
	wg.Wait()

	sold, supply := l.Stats()
	assert.Equal(t, supply.Int64(), sold.Int64())
}

func TestStatsReturnsCopies(t *testing.T) {
	l := NewSaleLedger("owner.test", big.NewInt(10), "http://launchpad")
	sold, supply := l.Stats()
	sold.SetInt64(99)
	supply.SetInt64(99)

	gotSold, gotSupply := l.Stats()
	assert.Zero(t, gotSold.Int64())
	assert.Equal(t, int64(10), gotSupply.Int64())
}

func TestFakeTransferrer(t *testing.T) {
	var tr Transferrer = FakeTransferrer{}

	rcpt, err := tr.Transfer(context.Background(), "0xabc", big.NewInt(5))
	require.NoError(t, err)
	assert.NotEmpty(t, rcpt.TxHash)

	again, err := tr.Transfer(context.Background(), "0xabc", big.NewInt(5))
	require.NoError(t, err)
	assert.Equal(t, rcpt.TxHash, again.TxHash)

	_, err = tr.Transfer(context.Background(), "", big.NewInt(5))
	assert.Error(t, err)

	_, err = tr.Transfer(context.Background(), "0xabc", big.NewInt(0))
	assert.Error(t, err)
}
