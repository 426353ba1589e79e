package engine

import (
	xerrors "github.com/freemell/merlintg/internal/errors"
)

// Status is the outcome class of one execution.
type Status string

const (
	StatusPending          Status = "pending"
	StatusSuccess          Status = "success"
	StatusValidationFailed Status = "validation_failed"
	StatusNetworkFailed    Status = "network_failed"
	StatusNoRoute          Status = "no_route"
	StatusOnChainFailed    Status = "onchain_failed"
)

// ExecutionResult is what the dispatcher formats for the user.
type ExecutionResult struct {
	Status        Status
	TransactionID string
	ErrorDetail   string
	Suggestion    string
	// Details holds human readable facts in display order, e.g. the amount
	// sent or the route used.
	Details []Detail
	// Warnings are shown but never block execution.
	Warnings []string
	// Notify is an optional message for another user, e.g. the owner of a
	// chat handle that just received funds.
	Notify *Notification
}

// Detail is one labelled line of a result.
type Detail struct {
	Label string
	Value string
}

// Notification is a message addressed to a user other than the sender.
type Notification struct {
	UserID int64
	Text   string
}

// OK reports whether the execution succeeded.
func (r ExecutionResult) OK() bool {
	return r.Status == StatusSuccess
}

func (r *ExecutionResult) add(label, value string) {
	r.Details = append(r.Details, Detail{Label: label, Value: value})
}

// StatusOf maps an error to the result status it represents. Unknown
// recipients and missing wallets are the user's to fix, so NOT_FOUND counts
// as a validation failure.
func StatusOf(err error) Status {
	if err == nil {
		return StatusSuccess
	}
	switch xerrors.CodeOf(err) {
	case xerrors.CodeValidationFailed, xerrors.CodeNotFound:
		return StatusValidationFailed
	case xerrors.CodeNoRoute:
		return StatusNoRoute
	case xerrors.CodeOnChainFailed:
		return StatusOnChainFailed
	default:
		return StatusNetworkFailed
	}
}

// failure converts err into a failed result carrying its diagnostic.
func failure(err error) ExecutionResult {
	res := ExecutionResult{Status: StatusOf(err), Suggestion: xerrors.SuggestionOf(err)}
	if e, ok := xerrors.From(err); ok {
		res.ErrorDetail = e.Message()
		if sig := e.Metadata()["signature"]; sig != "" {
			res.TransactionID = sig
		}
		if pending := e.Metadata()["pending_signatures"]; pending != "" {
			res.add("Pending signatures", pending)
		}
	} else {
		res.ErrorDetail = err.Error()
	}
	return res
}
