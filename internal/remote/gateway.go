// Package remote defines the table-store contract of the hosted backend and
// its implementations (REST endpoint, direct Postgres, in-memory).
package remote

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Table names consumed by the client.
const (
	TablePosts     = "posts"
	TableLikes     = "likes"
	TableComments  = "comments"
	TableViews     = "views"
	TableSubgroups = "subgroups"
	TableUsers     = "user"
)

// Operator is a filter comparison.
type Operator string

const (
	// OperatorEq matches equal values.
	OperatorEq Operator = "eq"
	// OperatorIn matches any of a list of values.
	OperatorIn Operator = "in"
	// OperatorILike matches a case-insensitive pattern using % wildcards.
	OperatorILike Operator = "ilike"
)

// Filter restricts the rows an operation touches.
type Filter struct {
	Column   string
	Operator Operator
	Value    any
}

// Eq builds an equality filter.
func Eq(column string, value any) Filter {
	return Filter{Column: column, Operator: OperatorEq, Value: value}
}

// In builds a membership filter.
func In(column string, values []string) Filter {
	return Filter{Column: column, Operator: OperatorIn, Value: values}
}

// ILike builds a case-insensitive pattern filter.
func ILike(column string, pattern string) Filter {
	return Filter{Column: column, Operator: OperatorILike, Value: pattern}
}

// EscapeLike escapes LIKE wildcards so value matches literally.
func EscapeLike(value string) string {
	replacer := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return replacer.Replace(value)
}

// Order sorts selected rows.
type Order struct {
	Column     string
	Descending bool
}

// Query describes a select.
type Query struct {
	Table   string
	Columns []string
	Filters []Filter
	Order   []Order
	Limit   int
}

// Gateway is the request/response table store used as the system of record.
type Gateway interface {
	Select(ctx context.Context, query Query) ([]Row, error)
	Insert(ctx context.Context, table string, row Row) (Row, error)
	Upsert(ctx context.Context, table string, row Row, conflictColumns []string) (Row, error)
	Delete(ctx context.Context, table string, filters []Filter) error
	Count(ctx context.Context, table string, filters []Filter) (int64, error)
}

var (
	// ErrConflict reports a unique-key violation.
	ErrConflict = errors.New("remote: conflict")
	// ErrRejected reports a request the service will never accept as sent.
	ErrRejected = errors.New("remote: rejected")
	// ErrUnavailable reports a transport failure or a server-side error worth retrying.
	ErrUnavailable = errors.New("remote: unavailable")
	// ErrInvalidQuery reports a malformed request built by the caller.
	ErrInvalidQuery = errors.New("remote: invalid query")
)

// Error carries the service response behind a failed call.
type Error struct {
	Status  int
	Code    string
	Message string
	kind    error
}

func (e *Error) Error() string {
	parts := []string{e.kind.Error()}
	if e.Status != 0 {
		parts = append(parts, fmt.Sprintf("status %d", e.Status))
	}
	if e.Code != "" {
		parts = append(parts, "code "+e.Code)
	}
	if e.Message != "" {
		parts = append(parts, e.Message)
	}
	return strings.Join(parts, ": ")
}

func (e *Error) Unwrap() error {
	return e.kind
}

// NewError builds a classified Error.
func NewError(kind error, status int, code, message string) *Error {
	if kind == nil {
		kind = ErrUnavailable
	}
	return &Error{Status: status, Code: code, Message: message, kind: kind}
}

// IsConflict reports whether err is a unique-key violation.
func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict)
}

// IsPermanent reports whether retrying err unchanged can never succeed.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrConflict) || errors.Is(err, ErrRejected) || errors.Is(err, ErrInvalidQuery)
}

func validateQuery(query Query) error {
	if strings.TrimSpace(query.Table) == "" {
		return fmt.Errorf("%w: table is required", ErrInvalidQuery)
	}
	if query.Limit < 0 {
		return fmt.Errorf("%w: negative limit", ErrInvalidQuery)
	}
	return validateFilters(query.Filters)
}

func validateFilters(filters []Filter) error {
	for _, filter := range filters {
		if strings.TrimSpace(filter.Column) == "" {
			return fmt.Errorf("%w: filter column is required", ErrInvalidQuery)
		}
		switch filter.Operator {
		case OperatorEq:
		case OperatorIn:
			if _, ok := filter.Value.([]string); !ok {
				return fmt.Errorf("%w: in filter on %s requires a string list", ErrInvalidQuery, filter.Column)
			}
		case OperatorILike:
			if _, ok := filter.Value.(string); !ok {
				return fmt.Errorf("%w: ilike filter on %s requires a string pattern", ErrInvalidQuery, filter.Column)
			}
		default:
			return fmt.Errorf("%w: unsupported operator %q", ErrInvalidQuery, filter.Operator)
		}
	}
	return nil
}
