package ledger

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/sand/loyalty-escrow/backend/config"
	"github.com/sand/loyalty-escrow/backend/internal/entities"
	"github.com/sand/loyalty-escrow/backend/pkg/keys"
	"github.com/sand/loyalty-escrow/backend/pkg/retry"
)

// chain is the part of ethclient the escrow client needs.
type chain interface {
	BlockNumber(ctx context.Context) (uint64, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	ChainID(ctx context.Context) (*big.Int, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// Client reads escrow deposits and submits owner-only settlement transactions.
type Client struct {
	logger *slog.Logger
	chain  chain
	closer func()

	abi      abi.ABI
	contract common.Address
	token    common.Address
	decimals int

	ownerKey  *ecdsa.PrivateKey
	owner     common.Address
	hasSigner bool

	callTimeout    time.Duration
	receiptTimeout time.Duration
	receiptPoll    time.Duration
}

// Dial connects to the RPC endpoint and derives the owner key from the wallet seed.
// Without a seed the client is read-only and settlement calls fail with CONFIG_MISSING.
func Dial(ctx context.Context, logger *slog.Logger, cfg config.Blockchain) (*Client, error) {
	if !cfg.LedgerEnabled() {
		return nil, entities.WrapError(entities.ErrConfigMissing, "ledger rpc url and escrow contract are required")
	}
	if !common.IsHexAddress(cfg.EscrowContract) {
		return nil, entities.NewError(entities.CodeConfigMissing, "invalid escrow contract address %q", cfg.EscrowContract)
	}

	client, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Ethereum client: %w", err)
	}

	c, err := newClient(logger, client, cfg)
	if err != nil {
		client.Close()
		return nil, err
	}
	c.closer = client.Close

	if cfg.WalletSeed != "" {
		key, addr, err := keys.Derive(cfg.WalletSeed, cfg.OwnerAccount, 0)
		if err != nil {
			client.Close()
			return nil, fmt.Errorf("failed to derive escrow owner key: %w", err)
		}
		c.ownerKey, c.owner, c.hasSigner = key, addr, true
	}

	logger.InfoContext(ctx, "Connected to escrow ledger",
		"contract", c.contract.Hex(),
		"token", c.token.Hex(),
		"owner", c.owner.Hex(),
		"signer", c.hasSigner)

	return c, nil
}

func newClient(logger *slog.Logger, backend chain, cfg config.Blockchain) (*Client, error) {
	parsed, err := EscrowABI()
	if err != nil {
		return nil, fmt.Errorf("failed to parse escrow ABI: %w", err)
	}

	decimals := cfg.TokenDecimals
	if decimals <= 0 {
		decimals = 18
	}

	return &Client{
		logger:         logger,
		chain:          backend,
		abi:            parsed,
		contract:       common.HexToAddress(cfg.EscrowContract),
		token:          common.HexToAddress(cfg.TokenAddress),
		decimals:       decimals,
		callTimeout:    seconds(cfg.CallTimeout, 15),
		receiptTimeout: seconds(cfg.ReceiptTimeout, 120),
		receiptPoll:    2 * time.Second,
	}, nil
}

func seconds(v, def int) time.Duration {
	if v <= 0 {
		v = def
	}
	return time.Duration(v) * time.Second
}

func (c *Client) Close() {
	if c.closer != nil {
		c.closer()
	}
}

func (c *Client) EscrowAddress() string { return c.contract.Hex() }
func (c *Client) TokenAddress() string  { return c.token.Hex() }
func (c *Client) TokenDecimals() int    { return c.decimals }

func (c *Client) BlockNumber(ctx context.Context) (uint64, error) {
	ctx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()

	n, err := c.chain.BlockNumber(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to get current block number: %w", err)
	}
	return n, nil
}

// FetchDeposits returns Deposited and DepositedWithRef logs in [from, to], ordered as the node returned them.
func (c *Client) FetchDeposits(ctx context.Context, from, to uint64) ([]entities.DepositEvent, error) {
	ctx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()

	logs, err := c.chain.FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(to),
		Addresses: []common.Address{c.contract},
		Topics: [][]common.Hash{{
			c.abi.Events[eventDeposited].ID,
			c.abi.Events[eventDepositedWithRef].ID,
		}},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to filter deposit logs %d-%d: %w", from, to, err)
	}

	events := make([]entities.DepositEvent, 0, len(logs))
	for _, lg := range logs {
		if lg.Removed {
			continue
		}
		ev, err := c.decodeDeposit(lg)
		if err != nil {
			c.logger.WarnContext(ctx, "Skipping undecodable deposit log",
				"tx_hash", lg.TxHash.Hex(), "log_index", lg.Index, "error", err)
			continue
		}
		events = append(events, *ev)
	}

	return events, nil
}

func (c *Client) decodeDeposit(lg types.Log) (*entities.DepositEvent, error) {
	if len(lg.Topics) < 2 {
		return nil, fmt.Errorf("deposit log has %d topics", len(lg.Topics))
	}

	var name string
	switch lg.Topics[0] {
	case c.abi.Events[eventDeposited].ID:
		name = eventDeposited
	case c.abi.Events[eventDepositedWithRef].ID:
		name = eventDepositedWithRef
	default:
		return nil, fmt.Errorf("unexpected event %s", lg.Topics[0].Hex())
	}

	fields := map[string]any{}
	if err := c.abi.UnpackIntoMap(fields, name, lg.Data); err != nil {
		return nil, fmt.Errorf("failed to unpack %s: %w", name, err)
	}

	ev := &entities.DepositEvent{
		TxHash:      lg.TxHash.Hex(),
		LogIndex:    lg.Index,
		BlockNumber: lg.BlockNumber,
		OrderHash:   lg.Topics[1].Hex(),
	}

	var ok bool
	if ev.Amount, ok = fields["amount"].(*big.Int); !ok {
		return nil, errors.New("deposit amount is missing")
	}
	if buyer, ok := fields["buyer"].(common.Address); ok {
		ev.Buyer = buyer.Hex()
	}
	if seller, ok := fields["seller"].(common.Address); ok {
		ev.Seller = seller.Hex()
	}
	ev.Departure, _ = fields["departure"].(string)
	ev.Destination, _ = fields["destination"].(string)
	ev.OrderRef, _ = fields["orderRef"].(string)

	return ev, nil
}

// GetEscrow reads the contract's view of an order.
func (c *Client) GetEscrow(ctx context.Context, orderID string) (*entities.OnchainEscrow, error) {
	input, err := c.abi.Pack("getEscrow", orderID)
	if err != nil {
		return nil, fmt.Errorf("failed to pack getEscrow: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()

	out, err := c.chain.CallContract(ctx, ethereum.CallMsg{To: &c.contract, Data: input}, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to call getEscrow: %w", err)
	}

	values, err := c.abi.Unpack("getEscrow", out)
	if err != nil {
		return nil, fmt.Errorf("failed to unpack getEscrow: %w", err)
	}
	if len(values) != 6 {
		return nil, fmt.Errorf("getEscrow returned %d values", len(values))
	}

	escrow := &entities.OnchainEscrow{}
	if v, ok := values[0].(common.Address); ok {
		escrow.Buyer = v.Hex()
	}
	if v, ok := values[1].(common.Address); ok {
		escrow.Seller = v.Hex()
	}
	escrow.Amount, _ = values[2].(*big.Int)
	escrow.Departure, _ = values[3].(string)
	escrow.Destination, _ = values[4].(string)
	escrow.Status, _ = values[5].(uint8)

	return escrow, nil
}

// Release pays the seller. It returns the mined transaction hash.
func (c *Client) Release(ctx context.Context, orderID string) (string, error) {
	return c.transact(ctx, "release", orderID)
}

// Refund returns the deposit to the buyer. It returns the mined transaction hash.
func (c *Client) Refund(ctx context.Context, orderID string) (string, error) {
	return c.transact(ctx, "refund", orderID)
}

// transact signs and sends an owner call, then waits for its receipt. Reverts are
// returned as permanent errors; RPC failures stay retryable.
func (c *Client) transact(ctx context.Context, method string, args ...any) (string, error) {
	if !c.hasSigner {
		return "", entities.WrapError(entities.ErrConfigMissing, "wallet seed is required to %s escrow", method)
	}

	data, err := c.abi.Pack(method, args...)
	if err != nil {
		return "", retry.Permanent(fmt.Errorf("failed to pack %s: %w", method, err))
	}

	callCtx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()

	nonce, err := c.chain.PendingNonceAt(callCtx, c.owner)
	if err != nil {
		return "", fmt.Errorf("failed to get nonce: %w", err)
	}

	gasPrice, err := c.chain.SuggestGasPrice(callCtx)
	if err != nil {
		return "", fmt.Errorf("failed to get gas price: %w", err)
	}

	gasLimit, err := c.chain.EstimateGas(callCtx, ethereum.CallMsg{
		From:  c.owner,
		To:    &c.contract,
		Value: big.NewInt(0),
		Data:  data,
	})
	if err != nil {
		if isRevert(err) {
			return "", retry.Permanent(fmt.Errorf("%s reverted: %w", method, err))
		}
		return "", fmt.Errorf("failed to estimate gas: %w", err)
	}
	// 20% buffer over the estimate
	gasLimit = gasLimit * 12 / 10

	chainID, err := c.chain.ChainID(callCtx)
	if err != nil {
		return "", fmt.Errorf("failed to get chain ID: %w", err)
	}

	tx := types.NewTransaction(nonce, c.contract, big.NewInt(0), gasLimit, gasPrice, data)
	signedTx, err := types.SignTx(tx, types.NewEIP155Signer(chainID), c.ownerKey)
	if err != nil {
		return "", retry.Permanent(fmt.Errorf("failed to sign transaction: %w", err))
	}

	if err = c.chain.SendTransaction(callCtx, signedTx); err != nil {
		return "", fmt.Errorf("failed to send transaction: %w", err)
	}

	txHash := signedTx.Hash()
	c.logger.InfoContext(ctx, "Escrow transaction sent",
		"method", method,
		"tx_hash", txHash.Hex(),
		"nonce", nonce,
		"gas_limit", gasLimit,
		"gas_price", gasPrice.String())

	receipt, err := c.waitReceipt(ctx, txHash)
	if err != nil {
		return txHash.Hex(), err
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return txHash.Hex(), retry.Permanent(fmt.Errorf("%s transaction %s reverted", method, txHash.Hex()))
	}

	c.logger.InfoContext(ctx, "Escrow transaction mined",
		"method", method,
		"tx_hash", txHash.Hex(),
		"block", receipt.BlockNumber,
		"gas_used", receipt.GasUsed)

	return txHash.Hex(), nil
}

func (c *Client) waitReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, c.receiptTimeout)
	defer cancel()

	ticker := time.NewTicker(c.receiptPoll)
	defer ticker.Stop()

	for {
		receipt, err := c.chain.TransactionReceipt(ctx, txHash)
		if err == nil {
			return receipt, nil
		}
		if !errors.Is(err, ethereum.NotFound) {
			c.logger.WarnContext(ctx, "Failed to fetch receipt", "tx_hash", txHash.Hex(), "error", err)
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("timed out waiting for receipt of %s: %w", txHash.Hex(), ctx.Err())
		case <-ticker.C:
		}
	}
}

func isRevert(err error) bool {
	return strings.Contains(strings.ToLower(err.Error()), "execution reverted")
}
