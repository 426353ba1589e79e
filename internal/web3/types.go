package web3

import (
	"context"
	"time"

	solana "github.com/gagliardetto/solana-go"
)

// BlockRef is a recent blockhash together with the last block height at
// which a transaction referencing it can still be included.
type BlockRef struct {
	Blockhash            solana.Hash
	LastValidBlockHeight uint64
}

// SignedTx is a fully signed, serialized transaction ready for broadcast.
type SignedTx struct {
	Raw       []byte
	Signature solana.Signature
	// Blockhash is the recent blockhash the message commits to. It is used to
	// prove a lost broadcast can no longer land before resubmitting.
	Blockhash solana.Hash
}

// Conn exposes the fresh chain state a BuildFunc needs, bound to the
// endpoint the current attempt runs against.
type Conn interface {
	Endpoint() string
	LatestBlockhash(ctx context.Context) (BlockRef, error)
	LookupTable(ctx context.Context, table solana.PublicKey) (solana.PublicKeySlice, error)
}

// BuildFunc builds and signs a transaction. It is invoked once per endpoint
// attempt and must fetch fresh chain state through conn every time.
type BuildFunc func(ctx context.Context, conn Conn) (*SignedTx, error)

// Submitter broadcasts transactions and waits for confirmation.
type Submitter interface {
	Submit(ctx context.Context, build BuildFunc) (solana.Signature, error)
}

// Direction of a balance change relative to the queried wallet.
type Direction string

const (
	DirectionIn   Direction = "in"
	DirectionOut  Direction = "out"
	DirectionSelf Direction = "self"
)

// HistoryEntry summarizes one transaction touching a wallet.
type HistoryEntry struct {
	Signature string
	Direction Direction
	// AmountChange is the signed lamport delta of the wallet, fees included.
	AmountChange int64
	Timestamp    time.Time
	Failed       bool
	Status       string
}

// Ledger reads balances and history for an account.
type Ledger interface {
	Balance(ctx context.Context, owner solana.PublicKey) (uint64, error)
	TokenBalance(ctx context.Context, owner, mint solana.PublicKey) (uint64, error)
	TokenDecimals(ctx context.Context, mint solana.PublicKey) (uint8, error)
	History(ctx context.Context, owner solana.PublicKey, limit int) ([]HistoryEntry, error)
}

// Chain combines ledger reads with transaction submission.
type Chain interface {
	Ledger
	Submitter
}
