// Package parts splits oversized messages into checksummed part sets
// and reassembles received sets back into messages.
//
// The checksum of the whole payload is computed once before splitting
// and carried identically on every part, so the assembler can verify
// the reconstruction without any record of the original message.
package parts

import (
	"github.com/opd-ai/msgspool/crypto"
	"github.com/opd-ai/msgspool/errors"
	"github.com/opd-ai/msgspool/message"
)

// Split fragments a message payload into ceil(len/maxPartSize) parts.
// Byte ranges partition the payload exactly: no overlap, no gap, with
// the remainder on the last part. Each part carries a full copy of the
// parent metadata and the shared payload checksum.
func Split(m *message.Message, maxPartSize int) ([]*message.Part, error) {
	if maxPartSize <= 0 {
		return nil, errors.Ef(errors.KindInvalidArgument, "maxPartSize %d must be positive", maxPartSize)
	}
	if len(m.Payload) == 0 {
		return nil, errors.E(errors.KindInvalidArgument, "cannot split an empty payload")
	}

	checksum := crypto.ChecksumBase64(m.Payload)
	total := (len(m.Payload) + maxPartSize - 1) / maxPartSize

	out := make([]*message.Part, 0, total)
	for i := 0; i < total; i++ {
		start := i * maxPartSize
		end := start + maxPartSize
		if end > len(m.Payload) {
			end = len(m.Payload)
		}
		data := append([]byte(nil), m.Payload[start:end]...)
		out = append(out, message.NewPart(m, i+1, total, checksum, data))
	}
	return out, nil
}
