package solana

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	solanago "github.com/gagliardetto/solana-go"
	"github.com/hashicorp/go-multierror"

	xerrors "github.com/freemell/merlintg/internal/errors"
	"github.com/freemell/merlintg/internal/web3"
)

type signatureStatus struct {
	Slot               uint64          `json:"slot"`
	Confirmations      *uint64         `json:"confirmations"`
	Err                json.RawMessage `json:"err"`
	ConfirmationStatus string          `json:"confirmationStatus"`
}

func (s *signatureStatus) failed() bool {
	return len(s.Err) > 0 && string(s.Err) != "null"
}

func (s *signatureStatus) reached(commitment string) bool {
	rank := map[string]int{"processed": 1, "confirmed": 2, "finalized": 3}
	have := rank[s.ConfirmationStatus]
	if s.ConfirmationStatus == "" && s.Confirmations == nil {
		// rooted transactions report null confirmations
		have = rank["finalized"]
	}
	want := rank[commitment]
	if want < rank["confirmed"] {
		want = rank["confirmed"]
	}
	return have >= want
}

// Submit runs the build, sign, broadcast and confirm cycle against the
// endpoints in priority order until one attempt is confirmed.
//
// Before a new attempt is built, every earlier broadcast is checked: if one
// of them has landed its signature is returned, and a replacement is only
// built once all of them are provably expired. When that cannot be
// established within the guard timeout Submit gives up with NetworkFailed
// instead of risking a second transfer.
func (c *Client) Submit(ctx context.Context, build web3.BuildFunc) (solanago.Signature, error) {
	var (
		failures *multierror.Error
		pending  []*web3.SignedTx
	)
	for _, ep := range c.endpoints {
		if len(pending) > 0 {
			sig, landed, err := c.settle(ctx, ep, pending)
			if err != nil {
				return solanago.Signature{}, err
			}
			if landed {
				return sig, nil
			}
		}

		tx, err := build(ctx, endpointConn{c: c, ep: ep})
		if err != nil {
			if terminal(err) || ctx.Err() != nil {
				return solanago.Signature{}, err
			}
			c.endpointFailed(ep, "build", err)
			failures = multierror.Append(failures, fmt.Errorf("%s build: %w", ep.name, err))
			continue
		}

		delivered := false
		err = c.retry.Do(ctx, func(ctx context.Context) error {
			sendErr := c.send(ctx, ep, tx)
			if sendErr == nil || !undelivered(sendErr) {
				delivered = true
			}
			return sendErr
		})
		if err != nil {
			if xerrors.HasCode(err, xerrors.CodeOnChainFailed) || xerrors.HasCode(err, xerrors.CodeValidationFailed) {
				return solanago.Signature{}, err
			}
			// the node may have forwarded it before the error
			if delivered {
				pending = append(pending, tx)
			}
			c.endpointFailed(ep, "sendTransaction", err)
			failures = multierror.Append(failures, fmt.Errorf("%s send: %w", ep.name, err))
			continue
		}
		pending = append(pending, tx)
		c.logger.Info("交易已广播",
			slog.String("endpoint", ep.name),
			slog.String("signature", tx.Signature.String()))

		err = c.awaitConfirmation(ctx, ep, tx)
		if err == nil {
			return tx.Signature, nil
		}
		if terminal(err) {
			return solanago.Signature{}, err
		}
		c.endpointFailed(ep, "confirm", err)
		failures = multierror.Append(failures, fmt.Errorf("%s confirm: %w", ep.name, err))
		if ctx.Err() != nil {
			break
		}
	}

	if len(pending) > 0 && ctx.Err() == nil {
		sig, landed, err := c.settle(ctx, c.endpoints[0], pending)
		if err != nil {
			return solanago.Signature{}, err
		}
		if landed {
			return sig, nil
		}
	}
	if ctx.Err() != nil && len(pending) > 0 {
		return solanago.Signature{}, unknownOutcome(pending, ctx.Err())
	}
	return solanago.Signature{}, xerrors.Wrap(xerrors.CodeNetworkFailed, failures.ErrorOrNil(), "transaction could not be confirmed on any RPC endpoint",
		xerrors.WithSuggestion("Nothing was sent. The Solana network looks congested, please try again shortly."))
}

func (c *Client) send(ctx context.Context, ep *endpoint, tx *web3.SignedTx) error {
	var sig string
	err := ep.call(ctx, &sig, "sendTransaction",
		base64.StdEncoding.EncodeToString(tx.Raw),
		map[string]any{"encoding": "base64", "preflightCommitment": c.commitment})
	if errors.Is(err, errAlreadyProcessed) {
		return nil
	}
	return err
}

// awaitConfirmation polls the endpoint until the signature reaches the
// configured commitment, fails on-chain, or the confirm timeout elapses.
func (c *Client) awaitConfirmation(ctx context.Context, ep *endpoint, tx *web3.SignedTx) error {
	waitCtx, cancel := context.WithTimeout(ctx, c.confirmTimeout)
	defer cancel()

	sig := tx.Signature.String()
	for {
		statuses, err := c.signatureStatuses(waitCtx, ep, []string{sig}, false)
		switch {
		case err == nil && statuses[0] != nil:
			status := statuses[0]
			if status.failed() {
				return onChainFailure(sig, status.Err)
			}
			if status.reached(c.commitment) {
				return nil
			}
		case err != nil && terminal(err):
			return err
		}
		if sleepErr := sleep(waitCtx, c.pollInterval); sleepErr != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return xerrors.New(xerrors.CodeTimeout, fmt.Sprintf("signature %s not confirmed within %s", sig, c.confirmTimeout))
		}
	}
}

// settle determines whether any earlier broadcast landed. landed reports a
// confirmed signature; a nil error with landed=false means every earlier
// transaction has expired and a fresh one may be built.
func (c *Client) settle(ctx context.Context, ep *endpoint, pending []*web3.SignedTx) (solanago.Signature, bool, error) {
	sigs := make([]string, len(pending))
	for i, tx := range pending {
		sigs[i] = tx.Signature.String()
	}

	deadline := time.Now().Add(c.guardTimeout)
	for {
		statuses, err := c.signatureStatuses(ctx, ep, sigs, true)
		if err == nil {
			seen := false
			for i, status := range statuses {
				if status == nil {
					continue
				}
				seen = true
				if status.failed() {
					return solanago.Signature{}, false, onChainFailure(sigs[i], status.Err)
				}
				if status.reached(c.commitment) {
					c.logger.Info("先前广播的交易已确认，跳过重发",
						slog.String("endpoint", ep.name),
						slog.String("signature", sigs[i]))
					return pending[i].Signature, true, nil
				}
			}
			if !seen {
				expired, expErr := c.allExpired(ctx, ep, pending)
				if expErr == nil && expired {
					return solanago.Signature{}, false, nil
				}
			}
		}
		if time.Now().After(deadline) {
			return solanago.Signature{}, false, unknownOutcome(pending, err)
		}
		if sleepErr := sleep(ctx, c.pollInterval); sleepErr != nil {
			return solanago.Signature{}, false, unknownOutcome(pending, sleepErr)
		}
	}
}

func (c *Client) allExpired(ctx context.Context, ep *endpoint, pending []*web3.SignedTx) (bool, error) {
	for _, tx := range pending {
		var out struct {
			Value bool `json:"value"`
		}
		if err := ep.call(ctx, &out, "isBlockhashValid", tx.Blockhash.String(), map[string]any{"commitment": "processed"}); err != nil {
			return false, err
		}
		if out.Value {
			return false, nil
		}
	}
	return true, nil
}

func (c *Client) signatureStatuses(ctx context.Context, ep *endpoint, sigs []string, history bool) ([]*signatureStatus, error) {
	var out struct {
		Value []*signatureStatus `json:"value"`
	}
	opts := map[string]any{"searchTransactionHistory": history}
	if err := ep.call(ctx, &out, "getSignatureStatuses", sigs, opts); err != nil {
		return nil, err
	}
	if len(out.Value) != len(sigs) {
		return nil, fmt.Errorf("getSignatureStatuses 返回 %d 条结果，期望 %d", len(out.Value), len(sigs))
	}
	return out.Value, nil
}

func onChainFailure(sig string, raw json.RawMessage) error {
	return xerrors.New(xerrors.CodeOnChainFailed,
		fmt.Sprintf("transaction %s failed on-chain: %s", sig, instructionError(raw)),
		xerrors.WithMetadata("signature", sig),
		xerrors.WithSuggestion("The network rejected the transaction. No funds moved except the network fee."))
}

func unknownOutcome(pending []*web3.SignedTx, cause error) error {
	sigs := make([]string, len(pending))
	for i, tx := range pending {
		sigs[i] = tx.Signature.String()
	}
	return xerrors.Wrap(xerrors.CodeNetworkFailed, cause,
		"could not determine whether the broadcast transaction landed",
		xerrors.WithMetadata("pending_signatures", strings.Join(sigs, ",")),
		xerrors.WithSuggestion(fmt.Sprintf("Check signature %s on the explorer before trying again. It was not resubmitted.", sigs[len(sigs)-1])),
		xerrors.WithAlert(true))
}
