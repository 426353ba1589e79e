package solana

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"
	"syscall"

	gethrpc "github.com/ethereum/go-ethereum/rpc"

	xerrors "github.com/freemell/merlintg/internal/errors"
)

// JSON-RPC error codes returned by Solana validators.
const (
	codeInvalidRequest     = -32600
	codeMethodNotFound     = -32601
	codeInvalidParams      = -32602
	codePreflightFailure   = -32002
	codeSignatureVerifFail = -32003
)

var errAlreadyProcessed = errors.New("transaction already processed")

// classify maps a raw RPC error onto the error taxonomy. Errors it returns
// unchanged are treated as transient and retried.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var rpcErr gethrpc.Error
	if !errors.As(err, &rpcErr) {
		return err
	}
	detail := rpcDiagnostic(err)
	switch rpcErr.ErrorCode() {
	case codePreflightFailure:
		switch {
		case strings.Contains(detail, "AlreadyProcessed"):
			return errAlreadyProcessed
		case strings.Contains(detail, "BlockhashNotFound"), strings.Contains(detail, "Blockhash not found"):
			// stale state on this endpoint, rebuild on the next one
			return err
		}
		return xerrors.Wrap(xerrors.CodeOnChainFailed, err, detail,
			xerrors.WithSuggestion("The network rejected the transaction during simulation. Check your balance and the amount, then try again."))
	case codeSignatureVerifFail:
		return xerrors.Wrap(xerrors.CodeOnChainFailed, err, detail)
	case codeInvalidParams, codeInvalidRequest:
		return xerrors.Wrap(xerrors.CodeValidationFailed, err, detail)
	case codeMethodNotFound:
		// endpoint does not serve this method; try the next one
		return err
	}
	return err
}

func terminal(err error) bool {
	if errors.Is(err, errAlreadyProcessed) {
		return true
	}
	switch xerrors.CodeOf(err) {
	case xerrors.CodeOnChainFailed, xerrors.CodeValidationFailed, xerrors.CodeNotFound,
		xerrors.CodeNoRoute, xerrors.CodeInitializationFailure:
		return true
	}
	return false
}

// undelivered reports transport failures where the request never reached a
// node: the connection was refused or could not be dialled.
func undelivered(err error) bool {
	if errors.Is(err, syscall.ECONNREFUSED) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr) && opErr.Op == "dial"
}

// rpcDiagnostic renders the message and, when present, the program logs of
// a JSON-RPC error.
func rpcDiagnostic(err error) string {
	message := err.Error()
	var dataErr gethrpc.DataError
	if !errors.As(err, &dataErr) || dataErr.ErrorData() == nil {
		return message
	}
	raw, marshalErr := json.Marshal(dataErr.ErrorData())
	if marshalErr != nil {
		return message
	}
	var data struct {
		Err  json.RawMessage `json:"err"`
		Logs []string        `json:"logs"`
	}
	if json.Unmarshal(raw, &data) != nil {
		return fmt.Sprintf("%s (%s)", message, raw)
	}
	var b strings.Builder
	b.WriteString(message)
	if len(data.Err) > 0 && string(data.Err) != "null" {
		fmt.Fprintf(&b, " err=%s", data.Err)
	}
	logs := data.Logs
	if len(logs) > 5 {
		logs = logs[len(logs)-5:]
	}
	for _, line := range logs {
		b.WriteString("\n  ")
		b.WriteString(line)
	}
	return b.String()
}

// instructionError renders the err field of a signature status.
func instructionError(raw json.RawMessage) string {
	return strings.TrimSpace(string(raw))
}
