package crypto

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// OperatorSigner signs settlement transactions with the designated operator key.
type OperatorSigner struct {
	privateKey *ecdsa.PrivateKey
	address    common.Address
	chainID    *big.Int
	signer     types.Signer
}

// NewOperatorSigner creates an OperatorSigner from a hex-encoded secp256k1
// private key and the target chain id (295 for Hedera mainnet, 296 for testnet).
func NewOperatorSigner(privateKeyHex string, chainID int64) (*OperatorSigner, error) {
	pk, err := ethcrypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("crypto/operator: invalid private key: %w", err)
	}
	if chainID <= 0 {
		return nil, fmt.Errorf("crypto/operator: chain id must be positive, got %d", chainID)
	}
	id := big.NewInt(chainID)
	return &OperatorSigner{
		privateKey: pk,
		address:    ethcrypto.PubkeyToAddress(pk.PublicKey),
		chainID:    id,
		signer:     types.LatestSignerForChainID(id),
	}, nil
}

// LoadOperatorSigner resolves the key described by src and wraps it.
func LoadOperatorSigner(src KeySource, chainID int64) (*OperatorSigner, error) {
	keyHex, err := ResolveKey(src)
	if err != nil {
		return nil, err
	}
	return NewOperatorSigner(keyHex, chainID)
}

// Address returns the operator's address.
func (s *OperatorSigner) Address() common.Address {
	return s.address
}

// ChainID returns the chain the signer is bound to.
func (s *OperatorSigner) ChainID() *big.Int {
	return new(big.Int).Set(s.chainID)
}

// SignTx signs tx for the bound chain.
func (s *OperatorSigner) SignTx(tx *types.Transaction) (*types.Transaction, error) {
	signed, err := types.SignTx(tx, s.signer, s.privateKey)
	if err != nil {
		return nil, fmt.Errorf("crypto/operator: sign tx: %w", err)
	}
	return signed, nil
}
