// Package ledger issues resolution calls against per-market settlement
// contracts over an EVM JSON-RPC endpoint.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/tdeu/blc-hedera-sub002/internal/crypto"
	"github.com/tdeu/blc-hedera-sub002/internal/domain"
)

// Backend is the subset of *ethclient.Client the gateway uses.
type Backend interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// Config tunes the gateway's timeouts.
type Config struct {
	CallTimeout    time.Duration // read calls and submission
	ConfirmTimeout time.Duration // waiting for a receipt
	PollInterval   time.Duration
	GasMultiplier  float64 // headroom over the estimate
}

func (c *Config) defaults() {
	if c.CallTimeout <= 0 {
		c.CallTimeout = 30 * time.Second
	}
	if c.ConfirmTimeout <= 0 {
		c.ConfirmTimeout = 60 * time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 2 * time.Second
	}
	if c.GasMultiplier < 1 {
		c.GasMultiplier = 1.2
	}
}

// Gateway implements domain.SettlementLedger with the operator key. Sends are
// serialized so concurrent resolutions never race for the same nonce.
type Gateway struct {
	backend Backend
	signer  *crypto.OperatorSigner
	abi     abi.ABI
	cfg     Config
	logger  *slog.Logger

	sendMu sync.Mutex
}

// NewGateway creates a Gateway.
func NewGateway(backend Backend, signer *crypto.OperatorSigner, cfg Config, logger *slog.Logger) (*Gateway, error) {
	parsed, err := abi.JSON(strings.NewReader(SettlementMarketABI))
	if err != nil {
		return nil, fmt.Errorf("ledger: parse abi: %w", err)
	}
	cfg.defaults()
	return &Gateway{
		backend: backend,
		signer:  signer,
		abi:     parsed,
		cfg:     cfg,
		logger:  logger.With(slog.String("component", "ledger_gateway")),
	}, nil
}

// MarketInfo reads the contract's own view of the market.
func (g *Gateway) MarketInfo(ctx context.Context, contractRef string) (domain.ContractMarketInfo, error) {
	addr, err := parseAddress(contractRef)
	if err != nil {
		return domain.ContractMarketInfo{}, err
	}
	data, err := g.abi.Pack("marketInfo")
	if err != nil {
		return domain.ContractMarketInfo{}, fmt.Errorf("ledger: pack marketInfo: %w", err)
	}

	callCtx, cancel := context.WithTimeout(ctx, g.cfg.CallTimeout)
	defer cancel()
	raw, err := g.backend.CallContract(callCtx, ethereum.CallMsg{From: g.signer.Address(), To: &addr, Data: data}, nil)
	if err != nil {
		return domain.ContractMarketInfo{}, fmt.Errorf("ledger: marketInfo %s: %w", contractRef, classify(callCtx, err))
	}

	out, err := g.abi.Unpack("marketInfo", raw)
	if err != nil || len(out) != 3 {
		return domain.ContractMarketInfo{}, fmt.Errorf("ledger: unpack marketInfo %s: %w", contractRef, errors.Join(domain.ErrLedgerUnavailable, err))
	}
	closeTime, ok1 := out[0].(*big.Int)
	status, ok2 := out[1].(uint8)
	outcome, ok3 := out[2].(uint8)
	if !ok1 || !ok2 || !ok3 {
		return domain.ContractMarketInfo{}, fmt.Errorf("ledger: marketInfo %s: unexpected output types: %w", contractRef, domain.ErrLedgerUnavailable)
	}
	return domain.ContractMarketInfo{
		CloseTime: time.Unix(closeTime.Int64(), 0).UTC(),
		Status:    domain.ContractStatus(status),
		Outcome:   domain.Outcome(outcome),
	}, nil
}

// PreliminaryResolve commits the first-stage outcome.
func (g *Gateway) PreliminaryResolve(ctx context.Context, contractRef string, outcome domain.Outcome) (domain.TxReceipt, error) {
	if !outcome.Decided() {
		return domain.TxReceipt{}, fmt.Errorf("ledger: preliminaryResolve: %w", domain.ErrInvalidOutcome)
	}
	data, err := g.abi.Pack("preliminaryResolve", uint8(outcome))
	if err != nil {
		return domain.TxReceipt{}, fmt.Errorf("ledger: pack preliminaryResolve: %w", err)
	}
	return g.transact(ctx, "preliminaryResolve", contractRef, data)
}

// FinalResolve commits the final outcome and its confidence.
func (g *Gateway) FinalResolve(ctx context.Context, contractRef string, outcome domain.Outcome, confidence uint8) (domain.TxReceipt, error) {
	if !outcome.Decided() {
		return domain.TxReceipt{}, fmt.Errorf("ledger: finalResolve: %w", domain.ErrInvalidOutcome)
	}
	if confidence > 100 {
		return domain.TxReceipt{}, fmt.Errorf("ledger: finalResolve: %w", domain.ErrInvalidConfidence)
	}
	data, err := g.abi.Pack("finalResolve", uint8(outcome), confidence)
	if err != nil {
		return domain.TxReceipt{}, fmt.Errorf("ledger: pack finalResolve: %w", err)
	}
	return g.transact(ctx, "finalResolve", contractRef, data)
}

func (g *Gateway) transact(ctx context.Context, method, contractRef string, data []byte) (domain.TxReceipt, error) {
	addr, err := parseAddress(contractRef)
	if err != nil {
		return domain.TxReceipt{}, err
	}

	tx, err := g.send(ctx, addr, data)
	if err != nil {
		return domain.TxReceipt{}, fmt.Errorf("ledger: %s %s: %w", method, contractRef, err)
	}
	g.logger.InfoContext(ctx, "settlement transaction sent",
		slog.String("method", method),
		slog.String("contract", contractRef),
		slog.String("tx", tx.Hash().Hex()),
	)

	receipt, err := g.waitReceipt(ctx, tx.Hash())
	if err != nil {
		return domain.TxReceipt{TxRef: tx.Hash().Hex()}, fmt.Errorf("ledger: %s %s: tx %s: %w", method, contractRef, tx.Hash().Hex(), err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return domain.TxReceipt{TxRef: tx.Hash().Hex()}, fmt.Errorf("ledger: %s %s: tx %s: %w", method, contractRef, tx.Hash().Hex(), domain.ErrLedgerReverted)
	}
	var block uint64
	if receipt.BlockNumber != nil {
		block = receipt.BlockNumber.Uint64()
	}
	return domain.TxReceipt{
		TxRef:       tx.Hash().Hex(),
		BlockNumber: block,
		ConfirmedAt: time.Now().UTC(),
	}, nil
}

func (g *Gateway) send(ctx context.Context, to common.Address, data []byte) (*types.Transaction, error) {
	g.sendMu.Lock()
	defer g.sendMu.Unlock()

	callCtx, cancel := context.WithTimeout(ctx, g.cfg.CallTimeout)
	defer cancel()

	from := g.signer.Address()
	gas, err := g.backend.EstimateGas(callCtx, ethereum.CallMsg{From: from, To: &to, Data: data})
	if err != nil {
		return nil, classify(callCtx, err)
	}
	nonce, err := g.backend.PendingNonceAt(callCtx, from)
	if err != nil {
		return nil, classify(callCtx, err)
	}
	gasPrice, err := g.backend.SuggestGasPrice(callCtx)
	if err != nil {
		return nil, classify(callCtx, err)
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		GasPrice: gasPrice,
		Gas:      uint64(float64(gas) * g.cfg.GasMultiplier),
		To:       &to,
		Value:    big.NewInt(0),
		Data:     data,
	})
	signed, err := g.signer.SignTx(tx)
	if err != nil {
		return nil, err
	}
	if err := g.backend.SendTransaction(callCtx, signed); err != nil {
		return nil, classify(callCtx, err)
	}
	return signed, nil
}

// waitReceipt polls until the transaction is mined or ConfirmTimeout passes.
// A timeout here means the outcome is unknown, not that the call failed.
func (g *Gateway) waitReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	waitCtx, cancel := context.WithTimeout(ctx, g.cfg.ConfirmTimeout)
	defer cancel()

	ticker := time.NewTicker(g.cfg.PollInterval)
	defer ticker.Stop()
	for {
		receipt, err := g.backend.TransactionReceipt(waitCtx, hash)
		if err == nil && receipt != nil {
			return receipt, nil
		}
		if err != nil && !errors.Is(err, ethereum.NotFound) {
			if waitCtx.Err() != nil {
				return nil, classify(waitCtx, err)
			}
			g.logger.DebugContext(ctx, "receipt poll failed", slog.String("tx", hash.Hex()), slog.String("error", err.Error()))
		}
		select {
		case <-waitCtx.Done():
			return nil, classify(waitCtx, waitCtx.Err())
		case <-ticker.C:
		}
	}
}

// classify maps transport errors onto the ledger error taxonomy.
func classify(ctx context.Context, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded):
		return fmt.Errorf("%w: %v", domain.ErrLedgerTimeout, err)
	case errors.Is(err, context.Canceled):
		return err
	case strings.Contains(strings.ToLower(err.Error()), "revert"):
		return fmt.Errorf("%w: %v", domain.ErrLedgerReverted, err)
	}
	return fmt.Errorf("%w: %v", domain.ErrLedgerUnavailable, err)
}

func parseAddress(ref string) (common.Address, error) {
	if ref == "" {
		return common.Address{}, domain.ErrMissingSettlementTarget
	}
	if !common.IsHexAddress(ref) {
		return common.Address{}, fmt.Errorf("ledger: invalid contract address %q: %w", ref, domain.ErrMissingSettlementTarget)
	}
	return common.HexToAddress(ref), nil
}

var _ domain.SettlementLedger = (*Gateway)(nil)
