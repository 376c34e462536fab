package record

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// DomainEvent prefixes every event content hash.
// The version suffix leaves room for a future algorithm change.
const DomainEvent = "cutterledger/event/v1"

// GenesisHash is the prev_hash of the first event in the chain.
var GenesisHash = strings.Repeat("0", 64)

// hashWithDomain computes SHA256(domain + 0x00 + data) as lowercase hex.
// The null separator keeps domain and data from running together.
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// EventContentHash computes the chain link for an event.
// data must be the canonical event_data stored for the row.
func EventContentHash(eventType, subjectRef string, data []byte, createdAt time.Time, prov *Provenance, prevHash string) (string, error) {
	obj := map[string]any{
		"event_type":    eventType,
		"subject_ref":   subjectRef,
		"event_data":    json.RawMessage(data),
		"created_at_ms": createdAt.UnixMilli(),
		"prev_hash":     prevHash,
	}
	if prov != nil {
		obj["service"] = prov.Service
		obj["version"] = prov.Version
	}

	canonical, err := MarshalCanonical(obj)
	if err != nil {
		return "", fmt.Errorf("EventContentHash: failed to marshal: %w", err)
	}
	return hashWithDomain(DomainEvent, canonical), nil
}

// Rehash recomputes the content hash of a stored event from its fields.
func (e Event) Rehash() (string, error) {
	return EventContentHash(e.Type, e.SubjectRef, e.Data, e.CreatedAt, e.Provenance, e.PrevHash)
}
