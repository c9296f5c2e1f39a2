package domain

import (
	"context"
	"time"
)

// ContractStatus mirrors the settlement contract's on-chain state enum.
type ContractStatus uint8

const (
	ContractOpen                ContractStatus = 0
	ContractPreliminaryResolved ContractStatus = 1
	ContractFinalResolved       ContractStatus = 2
	ContractCanceled            ContractStatus = 3
)

func (s ContractStatus) String() string {
	switch s {
	case ContractOpen:
		return "open"
	case ContractPreliminaryResolved:
		return "preliminary_resolved"
	case ContractFinalResolved:
		return "final_resolved"
	case ContractCanceled:
		return "canceled"
	}
	return "unknown"
}

// ContractMarketInfo is the settlement contract's view of a market.
type ContractMarketInfo struct {
	CloseTime time.Time
	Status    ContractStatus
	Outcome   Outcome
}

// TxReceipt identifies a confirmed ledger transaction.
type TxReceipt struct {
	TxRef       string
	BlockNumber uint64
	ConfirmedAt time.Time
}

// SettlementLedger issues resolution calls against a market's settlement
// contract using the operator identity.
type SettlementLedger interface {
	MarketInfo(ctx context.Context, contractRef string) (ContractMarketInfo, error)
	PreliminaryResolve(ctx context.Context, contractRef string, outcome Outcome) (TxReceipt, error)
	FinalResolve(ctx context.Context, contractRef string, outcome Outcome, confidence uint8) (TxReceipt, error)
}
