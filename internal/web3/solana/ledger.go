package solana

import (
	"context"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	gethrpc "github.com/ethereum/go-ethereum/rpc"
	solanago "github.com/gagliardetto/solana-go"

	xerrors "github.com/freemell/merlintg/internal/errors"
	"github.com/freemell/merlintg/internal/web3"
)

// lookupTableMetaSize is the fixed header of an address lookup table account.
const lookupTableMetaSize = 56

type accountInfo struct {
	Value *struct {
		Data     []string `json:"data"`
		Owner    string   `json:"owner"`
		Lamports uint64   `json:"lamports"`
	} `json:"value"`
}

// Balance returns the native balance of owner in lamports.
func (c *Client) Balance(ctx context.Context, owner solanago.PublicKey) (uint64, error) {
	var out struct {
		Value uint64 `json:"value"`
	}
	if err := c.Call(ctx, &out, "getBalance", owner.String(), map[string]any{"commitment": c.commitment}); err != nil {
		return 0, err
	}
	return out.Value, nil
}

// TokenBalance sums the balances of every token account owner holds for mint.
func (c *Client) TokenBalance(ctx context.Context, owner, mint solanago.PublicKey) (uint64, error) {
	var out struct {
		Value []struct {
			Account struct {
				Data struct {
					Parsed struct {
						Info struct {
							TokenAmount struct {
								Amount string `json:"amount"`
							} `json:"tokenAmount"`
						} `json:"info"`
					} `json:"parsed"`
				} `json:"data"`
			} `json:"account"`
		} `json:"value"`
	}
	err := c.Call(ctx, &out, "getTokenAccountsByOwner", owner.String(),
		map[string]any{"mint": mint.String()},
		map[string]any{"encoding": "jsonParsed", "commitment": c.commitment})
	if err != nil {
		return 0, err
	}
	var total uint64
	for _, acct := range out.Value {
		raw := acct.Account.Data.Parsed.Info.TokenAmount.Amount
		if raw == "" {
			continue
		}
		units, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("解析代币余额 %q 失败: %w", raw, err)
		}
		total += units
	}
	return total, nil
}

// TokenDecimals reads the decimals of a mint.
func (c *Client) TokenDecimals(ctx context.Context, mint solanago.PublicKey) (uint8, error) {
	var out struct {
		Value struct {
			Decimals uint8 `json:"decimals"`
		} `json:"value"`
	}
	if err := c.Call(ctx, &out, "getTokenSupply", mint.String()); err != nil {
		return 0, err
	}
	return out.Value.Decimals, nil
}

type signatureInfo struct {
	Signature          string          `json:"signature"`
	Err                json.RawMessage `json:"err"`
	BlockTime          *int64          `json:"blockTime"`
	ConfirmationStatus string          `json:"confirmationStatus"`
}

type transactionInfo struct {
	BlockTime *int64 `json:"blockTime"`
	Meta      *struct {
		Err          json.RawMessage `json:"err"`
		PreBalances  []int64         `json:"preBalances"`
		PostBalances []int64         `json:"postBalances"`
	} `json:"meta"`
	Transaction struct {
		Message struct {
			AccountKeys []string `json:"accountKeys"`
		} `json:"message"`
	} `json:"transaction"`
}

// History returns the most recent transactions touching owner, newest first.
// Transaction bodies are fetched in a single batch request.
func (c *Client) History(ctx context.Context, owner solanago.PublicKey, limit int) ([]web3.HistoryEntry, error) {
	if limit <= 0 {
		limit = 10
	}
	var sigs []signatureInfo
	if err := c.Call(ctx, &sigs, "getSignaturesForAddress", owner.String(), map[string]any{"limit": limit}); err != nil {
		return nil, err
	}
	if len(sigs) == 0 {
		return nil, nil
	}

	txs := make([]*transactionInfo, len(sigs))
	err := c.do(ctx, "getTransaction", func(ctx context.Context, ep *endpoint) error {
		elems := make([]gethrpc.BatchElem, len(sigs))
		for i, sig := range sigs {
			txs[i] = nil
			elems[i] = gethrpc.BatchElem{
				Method: "getTransaction",
				Args: []any{sig.Signature, map[string]any{
					"encoding":                       "json",
					"commitment":                     c.commitment,
					"maxSupportedTransactionVersion": 0,
				}},
				Result: &txs[i],
			}
		}
		return ep.batch(ctx, elems)
	})
	if err != nil {
		return nil, err
	}

	entries := make([]web3.HistoryEntry, 0, len(sigs))
	for i, sig := range sigs {
		entry := web3.HistoryEntry{
			Signature: sig.Signature,
			Direction: web3.DirectionSelf,
			Failed:    len(sig.Err) > 0 && string(sig.Err) != "null",
			Status:    sig.ConfirmationStatus,
		}
		if sig.BlockTime != nil {
			entry.Timestamp = time.Unix(*sig.BlockTime, 0).UTC()
		}
		if tx := txs[i]; tx != nil && tx.Meta != nil {
			entry.AmountChange = balanceDelta(tx, owner.String())
		}
		switch {
		case entry.AmountChange > 0:
			entry.Direction = web3.DirectionIn
		case entry.AmountChange < 0:
			entry.Direction = web3.DirectionOut
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func balanceDelta(tx *transactionInfo, owner string) int64 {
	for idx, key := range tx.Transaction.Message.AccountKeys {
		if key != owner {
			continue
		}
		if idx >= len(tx.Meta.PreBalances) || idx >= len(tx.Meta.PostBalances) {
			return 0
		}
		return tx.Meta.PostBalances[idx] - tx.Meta.PreBalances[idx]
	}
	return 0
}

func parseLookupTable(table solanago.PublicKey, info accountInfo) (solanago.PublicKeySlice, error) {
	if info.Value == nil {
		return nil, xerrors.New(xerrors.CodeNotFound, fmt.Sprintf("address lookup table %s not found", table))
	}
	if len(info.Value.Data) == 0 {
		return nil, fmt.Errorf("地址查找表 %s 缺少数据", table)
	}
	data, err := base64.StdEncoding.DecodeString(info.Value.Data[0])
	if err != nil {
		return nil, fmt.Errorf("解码地址查找表 %s 失败: %w", table, err)
	}
	if len(data) < lookupTableMetaSize || (len(data)-lookupTableMetaSize)%solanago.PublicKeyLength != 0 {
		return nil, fmt.Errorf("地址查找表 %s 数据长度异常: %d", table, len(data))
	}
	// type discriminator 1 marks an initialized table
	if binary.LittleEndian.Uint32(data[:4]) != 1 {
		return nil, fmt.Errorf("账户 %s 不是地址查找表", table)
	}
	body := data[lookupTableMetaSize:]
	keys := make(solanago.PublicKeySlice, 0, len(body)/solanago.PublicKeyLength)
	for off := 0; off < len(body); off += solanago.PublicKeyLength {
		keys = append(keys, solanago.PublicKeyFromBytes(body[off:off+solanago.PublicKeyLength]))
	}
	return keys, nil
}
