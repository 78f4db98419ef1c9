package toncenter

import (
	"errors"
	"regexp"
)

// ServerError is any non-2xx answer from the RPC.
type ServerError struct {
	StatusCode int
	Message    string
}

func (e *ServerError) Error() string {
	return e.Message
}

// The node rejects externals with exit code 33 (seqno mismatch), 133
// (expired) or a generic rejection line when the wallet refuses the message.
var (
	seqnoMismatchRe   = regexp.MustCompile(`exitcode=33|inbound external message rejected by account`)
	expiredRe         = regexp.MustCompile(`exitcode=133`)
	broadcastRejectRe = regexp.MustCompile(`exitcode=33|exitcode=133|inbound external message rejected by account`)
)

// IsSeqnoMismatchError reports whether the message points at a stale seqno,
// meaning another transfer got in first.
func IsSeqnoMismatchError(message string) bool {
	return seqnoMismatchRe.MatchString(message) && !expiredRe.MatchString(message)
}

// IsExpiredTransactionError reports whether the message expired before
// reaching the chain, usually due to wrong device time.
func IsExpiredTransactionError(message string) bool {
	return expiredRe.MatchString(message)
}

// IsBroadcastRejection reports whether a resend attempt should stop: the
// seqno moved on or the wallet rejects the message outright.
func IsBroadcastRejection(message string) bool {
	return broadcastRejectRe.MatchString(message)
}

// AsServerError unwraps a ServerError if there is one.
func AsServerError(err error) (*ServerError, bool) {
	var serverErr *ServerError
	if errors.As(err, &serverErr) {
		return serverErr, true
	}
	return nil, false
}
