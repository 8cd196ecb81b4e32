package token

import (
	"encoding/json"
	"sort"
	"time"

	"github.com/caremesh/rxauth/internal/domain/request"
)

// Payload is the signed content of an authorization token. Every consumer
// must treat the serialized form as opaque and tamper-evident.
type Payload struct {
	TokenID    string                   `json:"token_id"`
	RequestID  string                   `json:"request_id"`
	FacilityID string                   `json:"facility_id"`
	Lines      []request.MedicationLine `json:"lines"`
	Controlled bool                     `json:"controlled"`
	IssuedAt   time.Time                `json:"issued_at"`
	ExpiresAt  time.Time                `json:"expires_at"`
}

// Expired reports whether the payload is past its expiry at the given time.
func (p Payload) Expired(now time.Time) bool {
	return now.After(p.ExpiresAt)
}

// Canonical serializes the payload deterministically: map-based marshaling
// sorts keys, lines are ordered by content, timestamps are second-precision
// UTC. Two payloads with the same content always produce identical bytes.
func (p Payload) Canonical() ([]byte, error) {
	lines := make([]request.MedicationLine, len(p.Lines))
	copy(lines, p.Lines)
	sort.Slice(lines, func(i, j int) bool {
		if lines[i].Name != lines[j].Name {
			return lines[i].Name < lines[j].Name
		}
		if lines[i].Strength != lines[j].Strength {
			return lines[i].Strength < lines[j].Strength
		}
		return lines[i].Quantity < lines[j].Quantity
	})

	canonicalLines := make([]map[string]interface{}, len(lines))
	for i, l := range lines {
		canonicalLines[i] = map[string]interface{}{
			"name":     l.Name,
			"strength": l.Strength,
			"quantity": l.Quantity,
			"repeat":   l.Repeat,
		}
	}

	return json.Marshal(map[string]interface{}{
		"token_id":    p.TokenID,
		"request_id":  p.RequestID,
		"facility_id": p.FacilityID,
		"lines":       canonicalLines,
		"controlled":  p.Controlled,
		"issued_at":   p.IssuedAt.UTC().Truncate(time.Second).Format(time.RFC3339),
		"expires_at":  p.ExpiresAt.UTC().Truncate(time.Second).Format(time.RFC3339),
	})
}
