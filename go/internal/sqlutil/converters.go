package sqlutil

import (
	"encoding/json"
	"fmt"
	"math"

	"github.com/sqlc-dev/pqtype"
)

// Helper functions for converting between Go types and nullable SQL columns

// ToNullRawMessage encodes v as a nullable JSONB value. A nil v is NULL.
func ToNullRawMessage(v any) (pqtype.NullRawMessage, error) {
	if v == nil {
		return pqtype.NullRawMessage{Valid: false}, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return pqtype.NullRawMessage{}, err
	}
	return pqtype.NullRawMessage{RawMessage: raw, Valid: true}, nil
}

// FromNullRawMessage decodes a nullable JSONB value into v. It reports
// false for NULL and leaves v untouched.
func FromNullRawMessage(val pqtype.NullRawMessage, v any) (bool, error) {
	if !val.Valid || len(val.RawMessage) == 0 {
		return false, nil
	}
	if err := json.Unmarshal(val.RawMessage, v); err != nil {
		return false, err
	}
	return true, nil
}

// ToSqlUint64 converts an unsigned counter to a BIGINT column value.
func ToSqlUint64(val uint64) (int64, error) {
	if val > math.MaxInt64 {
		return 0, fmt.Errorf("value %d overflows BIGINT", val)
	}
	return int64(val), nil
}

// FromSqlUint64 converts a BIGINT column value back to an unsigned counter.
func FromSqlUint64(val int64) uint64 {
	if val < 0 {
		return 0
	}
	return uint64(val)
}
