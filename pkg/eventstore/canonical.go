package eventstore

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/codeready-toolchain/conductor/pkg/models"
)

// Canonical serialization for hashing: sorted keys, no insignificant
// whitespace, RFC 3339 nanosecond timestamps in UTC. The two hash fields and
// recorded_at are excluded (recorded_at is store-assigned after hashing).
// The encoding is pinned by a golden test — do not switch serializers.

// CanonicalBytes returns the canonical serialization of an event, excluding
// prev_event_hash, event_hash and recorded_at.
func CanonicalBytes(e *models.Event) ([]byte, error) {
	fields := map[string]any{
		"event_id":         e.EventID,
		"event_type":       e.EventType,
		"event_version":    e.EventVersion,
		"occurred_at":      e.OccurredAt.UTC().Format(time.RFC3339Nano),
		"workspace_id":     e.WorkspaceID,
		"actor_type":       e.Actor.Type,
		"actor_id":         e.Actor.ID,
		"stream_type":      string(e.Stream.Type),
		"stream_id":        e.Stream.ID,
		"stream_seq":       e.StreamSeq,
		"correlation_id":   e.CorrelationID,
		"causation_id":     e.CausationID,
		"idempotency_key":  e.IdempotencyKey,
		"entity_type":      e.EntityType,
		"entity_id":        e.EntityID,
		"contains_secrets": e.ContainsSecrets,
	}

	var data any
	if len(e.Data) > 0 {
		if err := json.Unmarshal(e.Data, &data); err != nil {
			return nil, fmt.Errorf("event data is not valid JSON: %w", err)
		}
	}
	fields["data"] = data

	var b strings.Builder
	if err := writeCanonical(&b, fields); err != nil {
		return nil, err
	}
	return []byte(b.String()), nil
}

// ComputeHash returns hex(SHA-256(canonical ‖ prevHash)).
func ComputeHash(canonical []byte, prevHash string) string {
	h := sha256.New()
	h.Write(canonical)
	h.Write([]byte(prevHash))
	return hex.EncodeToString(h.Sum(nil))
}

// HashEvent canonicalizes e and computes its chained hash.
func HashEvent(e *models.Event, prevHash string) (string, error) {
	canonical, err := CanonicalBytes(e)
	if err != nil {
		return "", err
	}
	return ComputeHash(canonical, prevHash), nil
}

// writeCanonical emits v as deterministic JSON: object keys sorted
// lexicographically, numbers in their shortest form, no whitespace.
func writeCanonical(b *strings.Builder, v any) error {
	switch val := v.(type) {
	case nil:
		b.WriteString("null")
	case bool:
		if val {
			b.WriteString("true")
		} else {
			b.WriteString("false")
		}
	case string:
		enc, err := json.Marshal(val)
		if err != nil {
			return err
		}
		b.Write(enc)
	case int:
		b.WriteString(strconv.Itoa(val))
	case int64:
		b.WriteString(strconv.FormatInt(val, 10))
	case float64:
		// json.Unmarshal produces float64 for all JSON numbers. Integral
		// values print without a fractional part so 3 and 3.0 agree.
		if val == float64(int64(val)) {
			b.WriteString(strconv.FormatInt(int64(val), 10))
		} else {
			b.WriteString(strconv.FormatFloat(val, 'g', -1, 64))
		}
	case json.Number:
		b.WriteString(val.String())
	case []any:
		b.WriteByte('[')
		for i, item := range val {
			if i > 0 {
				b.WriteByte(',')
			}
			if err := writeCanonical(b, item); err != nil {
				return err
			}
		}
		b.WriteByte(']')
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				b.WriteByte(',')
			}
			enc, err := json.Marshal(k)
			if err != nil {
				return err
			}
			b.Write(enc)
			b.WriteByte(':')
			if err := writeCanonical(b, val[k]); err != nil {
				return err
			}
		}
		b.WriteByte('}')
	default:
		return fmt.Errorf("unsupported canonical value type %T", v)
	}
	return nil
}
