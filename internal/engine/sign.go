package engine

import (
	"errors"
	"fmt"

	bin "github.com/gagliardetto/binary"
	solana "github.com/gagliardetto/solana-go"

	xerrors "github.com/freemell/merlintg/internal/errors"
	"github.com/freemell/merlintg/internal/web3"
)

// decodeTx parses a serialized legacy or versioned transaction.
func decodeTx(raw []byte) (*solana.Transaction, error) {
	if len(raw) == 0 {
		return nil, xerrors.New(xerrors.CodeNoRoute, "provider returned an empty transaction")
	}
	tx, err := solana.TransactionFromDecoder(bin.NewBinDecoder(raw))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeNoRoute, err, "provider returned a transaction that cannot be decoded",
			xerrors.WithSuggestion("Please try again in a moment."))
	}
	return tx, nil
}

// signTx signs every required slot of tx held by keys and serializes it.
// Transactions that still miss a signature afterwards are rejected.
func signTx(tx *solana.Transaction, keys ...solana.PrivateKey) (*web3.SignedTx, error) {
	byKey := make(map[solana.PublicKey]solana.PrivateKey, len(keys))
	for _, k := range keys {
		if len(k) == 0 {
			continue
		}
		byKey[k.PublicKey()] = k
	}
	if len(tx.Signatures) != 0 && len(tx.Signatures) != int(tx.Message.Header.NumRequiredSignatures) {
		// provider pre-sized the slots differently; start from scratch
		tx.Signatures = nil
	}
	if _, err := tx.PartialSign(func(key solana.PublicKey) *solana.PrivateKey {
		if k, ok := byKey[key]; ok {
			return &k
		}
		return nil
	}); err != nil {
		return nil, fmt.Errorf("交易签名失败: %w", err)
	}
	if len(tx.Signatures) == 0 {
		return nil, errors.New("交易没有签名槽位")
	}
	for i, sig := range tx.Signatures {
		if sig.IsZero() {
			signer := "unknown"
			if i < len(tx.Message.AccountKeys) {
				signer = tx.Message.AccountKeys[i].String()
			}
			return nil, xerrors.New(xerrors.CodeNoRoute, "transaction needs a signature this wallet cannot provide",
				xerrors.WithMetadata("signer", signer))
		}
	}

	raw, err := tx.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("交易序列化失败: %w", err)
	}
	return &web3.SignedTx{Raw: raw, Signature: tx.Signatures[0], Blockhash: tx.Message.RecentBlockhash}, nil
}
