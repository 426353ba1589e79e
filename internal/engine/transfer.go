package engine

import (
	"context"
	"fmt"

	solana "github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/system"

	"github.com/freemell/merlintg/internal/amount"
	xerrors "github.com/freemell/merlintg/internal/errors"
	"github.com/freemell/merlintg/internal/recipient"
	"github.com/freemell/merlintg/internal/session"
	"github.com/freemell/merlintg/internal/web3"
)

// transfer sends native SOL to an address, a .sol domain or an @handle.
func (e *Engine) transfer(ctx context.Context, userID int64, params map[string]string) (ExecutionResult, error) {
	if e.recipients == nil {
		return ExecutionResult{}, xerrors.New(xerrors.CodeInitializationFailure, "recipient resolver is not configured")
	}
	spec, err := amountSpec(params)
	if err != nil {
		return ExecutionResult{}, err
	}
	key, err := e.signer(ctx, userID)
	if err != nil {
		return ExecutionResult{}, err
	}
	from := key.PublicKey()

	to, err := e.recipients.Resolve(ctx, params[session.ParamRecipient])
	if err != nil {
		return ExecutionResult{}, err
	}
	if to.Address.Equals(from) {
		return ExecutionResult{}, xerrors.New(xerrors.CodeValidationFailed, "you cannot send SOL to your own wallet",
			xerrors.WithSuggestion("Double-check the recipient."))
	}

	balance, err := e.chain.Balance(ctx, from)
	if err != nil {
		return ExecutionResult{}, err
	}
	sol := asset{Symbol: "SOL", Decimals: 9, Native: true}
	lamports, err := resolveAmount(spec, sol, balance, e.cfg.FeeReserve)
	if err != nil {
		return ExecutionResult{}, err
	}
	if spec.Kind != amount.KindAll && lamports+e.cfg.FeeReserve > balance {
		return ExecutionResult{}, xerrors.New(xerrors.CodeValidationFailed,
			fmt.Sprintf("not enough SOL left for the network fee. You have %s SOL", amount.FormatFixed(balance, 9, 4)),
			xerrors.WithSuggestion(fmt.Sprintf("Send at most %s SOL, or say \"send all\".", amount.FormatUnits(balance-min(balance, e.cfg.FeeReserve), 9))))
	}

	sig, err := e.chain.Submit(ctx, func(ctx context.Context, conn web3.Conn) (*web3.SignedTx, error) {
		ref, err := conn.LatestBlockhash(ctx)
		if err != nil {
			return nil, err
		}
		tx, err := solana.NewTransaction(
			[]solana.Instruction{system.NewTransferInstruction(lamports, from, to.Address).Build()},
			ref.Blockhash,
			solana.TransactionPayer(from),
		)
		if err != nil {
			return nil, fmt.Errorf("构建转账交易失败: %w", err)
		}
		return signTx(tx, key)
	})
	if err != nil {
		return ExecutionResult{}, err
	}

	sent := amount.FormatUnits(lamports, 9)
	res := ExecutionResult{Status: StatusSuccess, TransactionID: sig.String()}
	res.add("Amount", sent+" SOL")
	res.add("To", displayRecipient(to))
	res.add("Explorer", e.Explorer(sig.String()))
	if to.Source == recipient.SourceHandle && to.HandleOwnerID != 0 && to.HandleOwnerID != userID {
		res.Notify = &Notification{
			UserID: to.HandleOwnerID,
			Text:   fmt.Sprintf("You received %s SOL.\n%s", sent, e.Explorer(sig.String())),
		}
	}
	return res, nil
}

func displayRecipient(r recipient.Resolved) string {
	if r.Source == recipient.SourceAddress || r.Display == "" {
		return r.Address.String()
	}
	return fmt.Sprintf("%s (%s)", r.Display, r.Address.String())
}
