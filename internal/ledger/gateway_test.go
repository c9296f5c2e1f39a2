package ledger

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tdeu/blc-hedera-sub002/internal/crypto"
	"github.com/tdeu/blc-hedera-sub002/internal/domain"
)

const (
	testKey      = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"
	testContract = "0x00000000000000000000000000000000000000c1"
)

type fakeBackend struct {
	mu          sync.Mutex
	callResult  []byte
	callErr     error
	estimateErr error
	sendErr     error
	receipt     *types.Receipt
	sent        []*types.Transaction
	nonce       uint64
}

func (f *fakeBackend) CallContract(context.Context, ethereum.CallMsg, *big.Int) ([]byte, error) {
	return f.callResult, f.callErr
}

func (f *fakeBackend) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.nonce, nil
}

func (f *fakeBackend) SuggestGasPrice(context.Context) (*big.Int, error) {
	return big.NewInt(1_000_000_000), nil
}

func (f *fakeBackend) EstimateGas(context.Context, ethereum.CallMsg) (uint64, error) {
	return 50_000, f.estimateErr
}

func (f *fakeBackend) SendTransaction(_ context.Context, tx *types.Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, tx)
	f.nonce++
	return nil
}

func (f *fakeBackend) TransactionReceipt(ctx context.Context, _ common.Hash) (*types.Receipt, error) {
	if f.receipt == nil {
		return nil, ethereum.NotFound
	}
	return f.receipt, nil
}

func newGateway(t *testing.T, b *fakeBackend) *Gateway {
	t.Helper()
	signer, err := crypto.NewOperatorSigner(testKey, 296)
	require.NoError(t, err)
	g, err := NewGateway(b, signer, Config{
		CallTimeout:    time.Second,
		ConfirmTimeout: 50 * time.Millisecond,
		PollInterval:   5 * time.Millisecond,
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	return g
}

func TestMarketInfoDecodesContractView(t *testing.T) {
	parsed, err := abi.JSON(strings.NewReader(SettlementMarketABI))
	require.NoError(t, err)
	closeAt := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	raw, err := parsed.Methods["marketInfo"].Outputs.Pack(big.NewInt(closeAt.Unix()), uint8(1), uint8(2))
	require.NoError(t, err)

	g := newGateway(t, &fakeBackend{callResult: raw})
	info, err := g.MarketInfo(context.Background(), testContract)
	require.NoError(t, err)
	assert.True(t, info.CloseTime.Equal(closeAt))
	assert.Equal(t, domain.ContractPreliminaryResolved, info.Status)
	assert.Equal(t, domain.OutcomeNo, info.Outcome)
}

func TestMissingContractAddress(t *testing.T) {
	g := newGateway(t, &fakeBackend{})
	_, err := g.MarketInfo(context.Background(), "")
	assert.ErrorIs(t, err, domain.ErrMissingSettlementTarget)
	_, err = g.PreliminaryResolve(context.Background(), "not-an-address", domain.OutcomeYes)
	assert.ErrorIs(t, err, domain.ErrMissingSettlementTarget)
}

func TestPreliminaryResolveSendsSignedCall(t *testing.T) {
	b := &fakeBackend{receipt: &types.Receipt{Status: types.ReceiptStatusSuccessful, BlockNumber: big.NewInt(42)}}
	g := newGateway(t, b)

	rcpt, err := g.PreliminaryResolve(context.Background(), testContract, domain.OutcomeYes)
	require.NoError(t, err)
	assert.Equal(t, uint64(42), rcpt.BlockNumber)
	require.Len(t, b.sent, 1)

	tx := b.sent[0]
	assert.Equal(t, common.HexToAddress(testContract), *tx.To())
	assert.Equal(t, rcpt.TxRef, tx.Hash().Hex())

	method, err := g.abi.MethodById(tx.Data()[:4])
	require.NoError(t, err)
	assert.Equal(t, "preliminaryResolve", method.Name)
	args, err := method.Inputs.Unpack(tx.Data()[4:])
	require.NoError(t, err)
	assert.Equal(t, uint8(domain.OutcomeYes), args[0])

	from, err := types.Sender(types.LatestSignerForChainID(big.NewInt(296)), tx)
	require.NoError(t, err)
	assert.Equal(t, g.signer.Address(), from, "calls are signed by the operator key")
}

func TestFinalResolveValidatesInputs(t *testing.T) {
	g := newGateway(t, &fakeBackend{})
	_, err := g.FinalResolve(context.Background(), testContract, domain.OutcomeUnset, 90)
	assert.ErrorIs(t, err, domain.ErrInvalidOutcome)
	_, err = g.FinalResolve(context.Background(), testContract, domain.OutcomeYes, 101)
	assert.ErrorIs(t, err, domain.ErrInvalidConfidence)
}

func TestRevertedReceipt(t *testing.T) {
	b := &fakeBackend{receipt: &types.Receipt{Status: types.ReceiptStatusFailed}}
	g := newGateway(t, b)
	_, err := g.FinalResolve(context.Background(), testContract, domain.OutcomeYes, 92)
	assert.ErrorIs(t, err, domain.ErrLedgerReverted)
}

func TestRevertOnEstimate(t *testing.T) {
	b := &fakeBackend{estimateErr: errors.New("execution reverted: already resolved")}
	g := newGateway(t, b)
	_, err := g.PreliminaryResolve(context.Background(), testContract, domain.OutcomeNo)
	assert.ErrorIs(t, err, domain.ErrLedgerReverted)
	assert.Empty(t, b.sent)
}

func TestReceiptTimeoutIsUnknownOutcome(t *testing.T) {
	b := &fakeBackend{}
	g := newGateway(t, b)
	rcpt, err := g.PreliminaryResolve(context.Background(), testContract, domain.OutcomeYes)
	assert.ErrorIs(t, err, domain.ErrLedgerTimeout)
	assert.NotEmpty(t, rcpt.TxRef, "the hash is reported so the caller can re-verify")
	assert.True(t, domain.IsTransient(err))
}

func TestTransportErrorIsUnavailable(t *testing.T) {
	b := &fakeBackend{sendErr: errors.New("connection refused")}
	g := newGateway(t, b)
	_, err := g.PreliminaryResolve(context.Background(), testContract, domain.OutcomeYes)
	assert.ErrorIs(t, err, domain.ErrLedgerUnavailable)
}
