package remote

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Row is a single record keyed by column name. Values arrive as decoded JSON
// (REST) or native driver values (Postgres); the accessors normalise both.
type Row map[string]any

// Clone returns a shallow copy of the row.
func (r Row) Clone() Row {
	clone := make(Row, len(r))
	for key, value := range r {
		clone[key] = value
	}
	return clone
}

// Has reports whether the column is present with a non-nil value.
func (r Row) Has(column string) bool {
	value, ok := r[column]
	return ok && value != nil
}

// String renders the column as a string; absent or null columns yield "".
func (r Row) String(column string) string {
	return stringify(r[column])
}

// OptionalString returns nil for absent, null or empty columns.
func (r Row) OptionalString(column string) *string {
	value := stringify(r[column])
	if value == "" {
		return nil
	}
	return &value
}

// Int64 renders the column as an integer; unparsable values yield 0.
func (r Row) Int64(column string) int64 {
	switch typed := r[column].(type) {
	case nil:
		return 0
	case int:
		return int64(typed)
	case int16:
		return int64(typed)
	case int32:
		return int64(typed)
	case int64:
		return typed
	case float32:
		return int64(math.Round(float64(typed)))
	case float64:
		return int64(math.Round(typed))
	case json.Number:
		parsed, err := typed.Int64()
		if err != nil {
			floatValue, floatErr := typed.Float64()
			if floatErr != nil {
				return 0
			}
			return int64(math.Round(floatValue))
		}
		return parsed
	case string:
		parsed, err := strconv.ParseInt(strings.TrimSpace(typed), 10, 64)
		if err != nil {
			return 0
		}
		return parsed
	default:
		return 0
	}
}

// Bool renders the column as a boolean; absent or null columns yield false.
func (r Row) Bool(column string) bool {
	switch typed := r[column].(type) {
	case bool:
		return typed
	case string:
		parsed, err := strconv.ParseBool(strings.TrimSpace(typed))
		return err == nil && parsed
	default:
		return false
	}
}

// Time parses the column as a timestamp. The second result is false when the
// column is absent or cannot be parsed.
func (r Row) Time(column string) (time.Time, bool) {
	switch typed := r[column].(type) {
	case time.Time:
		return typed, true
	case string:
		return ParseTimestamp(typed)
	default:
		return time.Time{}, false
	}
}

// ParseTimestamp accepts the timestamp shapes Postgres and its REST layer emit.
func ParseTimestamp(value string) (time.Time, bool) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return time.Time{}, false
	}
	layouts := []string{
		time.RFC3339Nano,
		"2006-01-02T15:04:05.999999999",
		"2006-01-02 15:04:05.999999999Z07:00",
		"2006-01-02 15:04:05.999999999-07",
		"2006-01-02 15:04:05.999999999",
		"2006-01-02",
	}
	for _, layout := range layouts {
		if parsed, err := time.Parse(layout, trimmed); err == nil {
			return parsed, true
		}
	}
	return time.Time{}, false
}

func stringify(value any) string {
	switch typed := value.(type) {
	case nil:
		return ""
	case string:
		return typed
	case []byte:
		return string(typed)
	case [16]byte:
		return uuid.UUID(typed).String()
	case uuid.UUID:
		return typed.String()
	case time.Time:
		return typed.UTC().Format(time.RFC3339Nano)
	case float64:
		if typed == math.Trunc(typed) && math.Abs(typed) < 1e15 {
			return strconv.FormatInt(int64(typed), 10)
		}
		return strconv.FormatFloat(typed, 'f', -1, 64)
	case json.Number:
		return typed.String()
	case fmt.Stringer:
		return typed.String()
	default:
		return fmt.Sprint(typed)
	}
}
