package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// GenesisHash is the PrevHash of the first entry in every entity chain.
var GenesisHash = strings.Repeat("0", 64)

const timestampLayout = "2006-01-02T15:04:05.000000Z07:00"

// hashInput mirrors the fields that are persisted; changing its shape
// invalidates every stored chain.
func hashInput(e *Entry) string {
	return fmt.Sprintf("%s|%s|%s|%s|%s|%s|%s|%s|%s|%s",
		e.PrevHash,
		e.Timestamp.UTC().Format(timestampLayout),
		e.Action,
		e.EntityType,
		e.EntityID,
		e.ActorID,
		string(e.Before),
		string(e.After),
		e.Reason,
		e.Request.CorrelationID,
	)
}

// Seal computes and stores the hash of e. PrevHash and Timestamp must
// already be set.
func Seal(e *Entry) {
	e.Timestamp = e.Timestamp.UTC().Truncate(time.Microsecond)
	sum := sha256.Sum256([]byte(hashInput(e)))
	e.Hash = hex.EncodeToString(sum[:])
}

// VerifyChain checks that entries, oldest first, form an unbroken hash chain
// that starts at GenesisHash.
func VerifyChain(entries []*Entry) bool {
	prev := GenesisHash
	for _, entry := range entries {
		if entry.PrevHash != prev {
			return false
		}
		sum := sha256.Sum256([]byte(hashInput(entry)))
		if hex.EncodeToString(sum[:]) != entry.Hash {
			return false
		}
		prev = entry.Hash
	}
	return true
}
