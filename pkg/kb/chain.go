package kb

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/Mindburn-Labs/icgl/pkg/contracts"
)

// ErrChainBroken is returned when the learning log hash chain does not verify.
var ErrChainBroken = errors.New("learning log hash chain is broken")

func computeHash(data []byte) string {
	sum := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(sum[:])
}

// seal links e to prevHash and computes its EntryHash.
func seal(e *contracts.LearningLogEntry, prevHash string) error {
	e.Timestamp = e.Timestamp.UTC()
	e.PrevHash = prevHash
	e.EntryHash = ""
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal entry for hashing: %w", err)
	}
	e.EntryHash = computeHash(data)
	return nil
}

// VerifyChain checks that entries form an unbroken chain in sequence order.
// The first entry may link to any previous hash, so a tail page also verifies.
func VerifyChain(entries []contracts.LearningLogEntry) error {
	for i := range entries {
		e := entries[i]
		want := e.EntryHash
		if err := seal(&e, e.PrevHash); err != nil {
			return err
		}
		if e.EntryHash != want {
			return fmt.Errorf("%w: entry %d hash mismatch", ErrChainBroken, e.Sequence)
		}
		if i > 0 {
			prev := entries[i-1]
			if e.PrevHash != prev.EntryHash || e.Sequence <= prev.Sequence {
				return fmt.Errorf("%w: entry %d does not follow %d", ErrChainBroken, e.Sequence, prev.Sequence)
			}
		}
	}
	return nil
}
