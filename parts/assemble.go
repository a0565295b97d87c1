package parts

import (
	"context"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/msgspool/crypto"
	"github.com/opd-ai/msgspool/lifecycle"
	"github.com/opd-ai/msgspool/message"
)

// Assembler reconstructs messages from complete part sets using the
// lifecycle engine's claim protocol.
type Assembler struct {
	engine *lifecycle.Engine
}

// NewAssembler creates an assembler over the given engine.
func NewAssembler(engine *lifecycle.Engine) *Assembler {
	return &Assembler{engine: engine}
}

// Assemble claims the part set of messageID and reconstructs the
// original message.
//
// Returns (nil, nil) when the set is incomplete or was already
// assembled by another worker — both are benign races. A checksum
// mismatch deletes the whole part set and also returns (nil, nil): the
// sender is untrusted at this stage, so corrupt sets are dropped
// silently rather than surfaced. On success the parts are deleted and
// the reassembled message is returned for processing; cleanup happens
// regardless of what the caller later does with the message.
func (a *Assembler) Assemble(ctx context.Context, messageID uuid.UUID, totalParts int) (*message.Message, error) {
	claimed, err := a.engine.ClaimPartsForAssembly(ctx, messageID, totalParts)
	if err != nil {
		return nil, err
	}
	if len(claimed) == 0 {
		return nil, nil
	}

	payload := make([]byte, 0)
	for _, p := range claimed {
		payload = append(payload, p.Data...)
	}

	expected := claimed[0].Checksum
	actual := crypto.ChecksumBase64(payload)
	if actual != expected {
		logrus.WithFields(logrus.Fields{
			"function":  "Assemble",
			"messageId": messageID.String(),
			"parts":     len(claimed),
			"bytes":     len(payload),
			"expected":  expected,
			"actual":    actual,
		}).Warn("Part set checksum mismatch, dropping all parts")
		if _, err := a.engine.DeleteParts(ctx, messageID); err != nil {
			return nil, err
		}
		return nil, nil
	}

	m := claimed[0].RebuildMessage(payload)

	if _, err := a.engine.DeleteParts(ctx, messageID); err != nil {
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"function":  "Assemble",
		"messageId": messageID.String(),
		"parts":     len(claimed),
		"bytes":     len(payload),
	}).Debug("Reassembled message from part set")
	return m, nil
}
