package agent

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/freemell/merlintg/internal/amount"
	"github.com/freemell/merlintg/internal/custody"
	xerrors "github.com/freemell/merlintg/internal/errors"
	"github.com/freemell/merlintg/internal/recipient"
	"github.com/freemell/merlintg/internal/session"
	"github.com/freemell/merlintg/internal/web3"
)

// paramOrder lists every parameter the dispatcher validates, required ones
// first so corrections follow the order they were asked in.
var paramOrder = []string{
	session.ParamFromChain,
	session.ParamToChain,
	session.ParamToAddress,
	session.ParamFromToken,
	session.ParamToToken,
	session.ParamAmount,
	session.ParamPercentage,
	session.ParamRecipient,
	session.ParamPrivateKey,
}

// firstInvalid normalizes the collected parameters in place and returns the
// first one that fails validation. Percentages are reported as the amount
// they stand in for.
func (a *Agent) firstInvalid(sess *session.Session) (string, error) {
	for _, name := range paramOrder {
		value, ok := sess.Collected[name]
		if !ok {
			continue
		}
		normalized, err := a.normalize(name, value)
		if err != nil {
			if name == session.ParamPercentage {
				name = session.ParamAmount
			}
			return name, err
		}
		if normalized != value {
			sess.Collected[name] = normalized
		}
	}
	return "", nil
}

func (a *Agent) normalize(name, value string) (string, error) {
	switch name {
	case session.ParamAmount:
		spec, err := amount.Parse(stripUnit(value))
		if err != nil {
			return "", err
		}
		return spec.String(), nil
	case session.ParamPercentage:
		bps, err := amount.ParsePercent(value)
		if err != nil {
			return "", err
		}
		return amount.FormatUnits(bps, 2), nil
	case session.ParamFromChain, session.ParamToChain:
		canonical, ok := a.registry.Normalize(value)
		if !ok {
			return "", xerrors.New(xerrors.CodeValidationFailed, fmt.Sprintf("unknown chain %q", value),
				xerrors.WithSuggestion("Supported chains: "+strings.Join(a.registry.Names(), ", ")+"."))
		}
		return canonical, nil
	case session.ParamToAddress:
		addr, err := web3.NormalizeEVMAddress(value)
		if err != nil {
			return "", xerrors.Wrap(xerrors.CodeValidationFailed, err, "invalid destination address",
				xerrors.WithSuggestion("Send a 0x address, e.g. 0x52908400098527886E0F7030069857D2E4169EE7."))
		}
		return addr, nil
	case session.ParamRecipient:
		if strings.HasPrefix(value, "@") || recipient.IsDomain(value) {
			return value, nil
		}
		if _, err := recipient.ParseAddress(value); err != nil {
			return "", err
		}
		return value, nil
	case session.ParamPrivateKey:
		if _, err := custody.ParsePrivateKey(value); err != nil {
			return "", err
		}
		return value, nil
	}
	return value, nil
}

// prompt asks for one parameter of the pending action.
func (a *Agent) prompt(sess *session.Session, name string) string {
	kind := sess.Pending.Kind
	switch kind {
	case session.KindTransfer:
		switch name {
		case session.ParamAmount:
			return "📤 How much SOL would you like to send? (e.g. 0.5, \"all\" or 50%)"
		case session.ParamRecipient:
			return "📤 Enter recipient address, .sol domain, or @username:"
		}
	case session.KindSwap:
		switch name {
		case session.ParamFromToken:
			return "🔄 Which token do you want to swap from? (e.g. SOL, USDC or a mint address)"
		case session.ParamToToken:
			return "🔄 Which token do you want to receive?"
		case session.ParamAmount:
			from := sess.Collected[session.ParamFromToken]
			if from == "" {
				from = "tokens"
			}
			return fmt.Sprintf("🔄 How much %s do you want to swap? (an amount, \"all\", or a percentage like 50%%)", strings.ToUpper(from))
		}
	case session.KindBridge:
		switch name {
		case session.ParamFromChain:
			return "🌉 Which chain are you bridging from? (currently only solana)"
		case session.ParamToChain:
			return "🌉 Which chain should the funds arrive on? (" + strings.Join(a.evmChains(), ", ") + ")"
		case session.ParamToAddress:
			to := sess.Collected[session.ParamToChain]
			if to == "" {
				to = "the destination chain"
			}
			return fmt.Sprintf("🌉 Enter the destination 0x address on %s:", to)
		case session.ParamAmount:
			return fmt.Sprintf("🌉 How much SOL do you want to bridge? (minimum %s SOL)", a.cfg.MinBridgeAmount)
		}
	case session.KindImportWallet:
		return "📥 Send your private key (base58 or a JSON byte array). The message is deleted right after import."
	}
	return fmt.Sprintf("Please provide %s:", name)
}

func (a *Agent) evmChains() []string {
	var out []string
	for _, name := range a.registry.Names() {
		if info, ok := a.registry.Chain(name); ok && info.Type == web3.TypeEVM {
			out = append(out, name)
		}
	}
	return out
}

// stripUnit drops a trailing token symbol, so "0.5 SOL" reads as "0.5".
func stripUnit(value string) string {
	fields := strings.Fields(value)
	if len(fields) != 2 {
		return value
	}
	for _, r := range fields[1] {
		if !unicode.IsLetter(r) {
			return value
		}
	}
	return fields[0]
}
