package messaging

import (
	"github.com/opd-ai/msgspool/errors"
	"github.com/opd-ai/msgspool/message"
)

// Result is the common shape of every caller-facing response: a stable
// numeric code, a human-readable detail, and an optional flattened
// error trace for diagnostics. The code is always interpretable on its
// own; the trace is never the only signal.
type Result struct {
	Code   int
	Detail string
	Trace  string
}

// OK reports whether the operation succeeded.
func (r Result) OK() bool { return r.Code == errors.CodeSuccess }

func success(detail string) Result {
	return Result{Code: errors.CodeSuccess, Detail: detail}
}

func failure(err error) Result {
	return Result{
		Code:   errors.KindOf(err).ResultCode(),
		Detail: errors.KindOf(err).String(),
		Trace:  err.Error(),
	}
}

// MessageResult is the response to a submitted message.
type MessageResult struct {
	Result
	// Response carries the synchronous handler reply, when one was
	// produced and the type processes inline.
	Response *message.Message
}

// PartResult is the response to a submitted part.
type PartResult struct {
	Result
}

// MessageDownloadResponse carries a batch of messages for a device.
type MessageDownloadResponse struct {
	Result
	Messages []*message.Message
}

// PartDownloadResponse carries a batch of parts for a device.
type PartDownloadResponse struct {
	Result
	Parts []*message.Part
}

// ReceivedResponse is the response to a receipt acknowledgement.
type ReceivedResponse struct {
	Result
}
