package audit

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"hash"
	"strings"
)

// GenesisHash is the PrevHash of the first event.
var GenesisHash = strings.Repeat("0", 64)

// canonicalContent is the hashed projection of an event. Field order is
// fixed by the struct and map keys are sorted by encoding/json.
type canonicalContent struct {
	Sequence  uint64            `json:"seq"`
	Timestamp int64             `json:"ts"`
	ActorID   *string           `json:"actor"`
	Action    Action            `json:"action"`
	Target    string            `json:"target"`
	Result    Result            `json:"result"`
	Metadata  map[string]string `json:"meta"`
}

// chainHasher computes EntryHash = H(prevHash || canonical content), where H
// is HMAC-SHA256 when a key is configured and SHA-256 otherwise.
type chainHasher struct {
	key []byte
}

func (c chainHasher) newHash() hash.Hash {
	if len(c.key) > 0 {
		return hmac.New(sha256.New, c.key)
	}
	return sha256.New()
}

func (c chainHasher) entryHash(e *Event) (string, error) {
	meta := e.Metadata
	if meta == nil {
		meta = map[string]string{}
	}

	content, err := json.Marshal(canonicalContent{
		Sequence:  e.Sequence,
		Timestamp: e.Timestamp.UnixNano(),
		ActorID:   e.ActorID,
		Action:    e.Action,
		Target:    e.Target,
		Result:    e.Result,
		Metadata:  meta,
	})
	if err != nil {
		return "", fmt.Errorf("failed to encode audit event: %w", err)
	}

	h := c.newHash()
	h.Write([]byte(e.PrevHash))
	h.Write(content)
	return hex.EncodeToString(h.Sum(nil)), nil
}

// verify checks e against its expected position in the chain and returns a
// reason when it does not fit.
func (c chainHasher) verify(e *Event, wantSeq uint64, wantPrev string) (string, error) {
	if e.Sequence != wantSeq {
		return fmt.Sprintf("expected sequence %d, found %d", wantSeq, e.Sequence), nil
	}
	if e.PrevHash != wantPrev {
		return "previous hash does not match preceding entry", nil
	}

	sum, err := c.entryHash(e)
	if err != nil {
		return "", err
	}
	if !hmac.Equal([]byte(sum), []byte(e.EntryHash)) {
		return "entry hash does not match content", nil
	}
	return "", nil
}
