package ledger

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"go.uber.org/zap"
)

const nativeTransferGas = 21_000

// EthTransferrer settles refunds as signed native-value transactions against
// an Ethereum-compatible node.
type EthTransferrer struct {
	client  *ethclient.Client
	key     *ecdsa.PrivateKey
	from    common.Address
	chainID *big.Int
	log     *zap.Logger
}

type EthTransferrerConfig struct {
	RPCURL        string
	PrivateKeyHex string
}

func NewEthTransferrer(ctx context.Context, cfg EthTransferrerConfig, log *zap.Logger) (*EthTransferrer, error) {
	if cfg.RPCURL == "" {
		return nil, fmt.Errorf("rpc url is required")
	}
	if cfg.PrivateKeyHex == "" {
		return nil, fmt.Errorf("private key is required for sending refunds")
	}
	if log == nil {
		log = zap.NewNop()
	}

	cli, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("dial rpc: %w", err)
	}

	key, err := parsePrivateKey(cfg.PrivateKeyHex)
	if err != nil {
		return nil, err
	}

	chainID, err := cli.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch chain id: %w", err)
	}

	return &EthTransferrer{
		client:  cli,
		key:     key,
		from:    crypto.PubkeyToAddress(key.PublicKey),
		chainID: chainID,
		log:     log,
	}, nil
}

func parsePrivateKey(hexKey string) (*ecdsa.PrivateKey, error) {
	hexKey = strings.TrimPrefix(hexKey, "0x")
	key, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return key, nil
}

func (c *EthTransferrer) Transfer(ctx context.Context, to string, amount *big.Int) (TransferReceipt, error) {
	if !common.IsHexAddress(to) {
		return TransferReceipt{}, fmt.Errorf("invalid recipient address: %s", to)
	}
	if amount == nil || amount.Sign() <= 0 {
		return TransferReceipt{}, fmt.Errorf("transfer amount must be positive")
	}

	nonce, err := c.client.PendingNonceAt(ctx, c.from)
	if err != nil {
		return TransferReceipt{}, fmt.Errorf("fetch nonce: %w", err)
	}

	gasPrice, err := c.client.SuggestGasPrice(ctx)
	if err != nil {
		return TransferReceipt{}, fmt.Errorf("suggest gas price: %w", err)
	}

	toAddr := common.HexToAddress(to)
	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &toAddr,
		Value:    amount,
		Gas:      nativeTransferGas,
		GasPrice: gasPrice,
	})

	signed, err := types.SignTx(tx, types.LatestSignerForChainID(c.chainID), c.key)
	if err != nil {
		return TransferReceipt{}, fmt.Errorf("sign transfer: %w", err)
	}

	if err := c.client.SendTransaction(ctx, signed); err != nil {
		return TransferReceipt{}, fmt.Errorf("send transfer: %w", err)
	}

	c.log.Info("refund transfer submitted",
		zap.String("to", to),
		zap.String("amount", amount.String()),
		zap.String("tx_hash", signed.Hash().Hex()))

	return TransferReceipt{TxHash: signed.Hash().Hex()}, nil
}

func (c *EthTransferrer) Ping(ctx context.Context) error {
	if c.client == nil {
		return fmt.Errorf("rpc client not configured")
	}
	_, err := c.client.BlockNumber(ctx)
	return err
}
