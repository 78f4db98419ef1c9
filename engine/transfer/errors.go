package transfer

import (
	"errors"

	"github.com/toncenter/ton-wallet-engine/engine/toncenter"
)

// DraftError is a validation failure of a transfer draft. The values double
// as API error codes.
type DraftError string

func (e DraftError) Error() string { return string(e) }

const (
	ErrInvalidToAddress     DraftError = "invalidToAddress"
	ErrInvalidAddressFormat DraftError = "invalidAddressFormat"
	ErrDomainNotResolved    DraftError = "domainNotResolved"
	ErrInvalidAmount        DraftError = "invalidAmount"
	ErrInvalidStateInit     DraftError = "invalidStateInit"
	ErrInactiveContract     DraftError = "inactiveContract"
	ErrWalletNotInitialized DraftError = "walletNotInitialized"
	ErrInsufficientBalance  DraftError = "insufficientBalance"
)

// TransferError is a submission failure.
type TransferError string

func (e TransferError) Error() string { return string(e) }

const (
	// ErrConcurrentTransaction means another transfer took the seqno first.
	ErrConcurrentTransaction TransferError = "concurrentTransaction"
	// ErrIncorrectDeviceTime means the message expired before reaching the
	// chain, usually because the clock is off.
	ErrIncorrectDeviceTime TransferError = "incorrectDeviceTime"
	// ErrUnsuccessfulTransfer is the generic submission failure.
	ErrUnsuccessfulTransfer TransferError = "unsuccessfulTransfer"
	// ErrInsufficientBalanceForTransfer is raised by the pre-send balance
	// check.
	ErrInsufficientBalanceForTransfer TransferError = "insufficientBalance"
)

// ResolveTransactionError maps low level broadcast failures onto the user
// facing taxonomy.
func ResolveTransactionError(err error) error {
	var draftErr DraftError
	if errors.As(err, &draftErr) {
		return draftErr
	}
	var transferErr TransferError
	if errors.As(err, &transferErr) {
		return transferErr
	}
	if serverErr, ok := toncenter.AsServerError(err); ok {
		if toncenter.IsExpiredTransactionError(serverErr.Message) {
			return ErrIncorrectDeviceTime
		}
		if toncenter.IsSeqnoMismatchError(serverErr.Message) {
			return ErrConcurrentTransaction
		}
	}
	return ErrUnsuccessfulTransfer
}
