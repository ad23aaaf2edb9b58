package remote

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// MemoryGatewayConfig configures the in-process gateway.
type MemoryGatewayConfig struct {
	// UniqueKeys lists, per table, column sets that must be unique.
	UniqueKeys map[string][][]string
	Clock      func() time.Time
}

// DefaultUniqueKeys mirrors the constraints of the hosted schema.
func DefaultUniqueKeys() map[string][][]string {
	return map[string][][]string{
		TablePosts:     {{"id"}},
		TableLikes:     {{"post_id", "user_id"}},
		TableViews:     {{"post_id", "user_id"}},
		TableComments:  {{"id"}, {"client_key"}},
		TableSubgroups: {{"id"}, {"slug"}},
		TableUsers:     {{"id"}},
	}
}

// MemoryGateway is a Gateway held entirely in memory.
type MemoryGateway struct {
	mu         sync.Mutex
	tables     map[string][]Row
	uniqueKeys map[string][][]string
	sequence   int64
	clock      func() time.Time
}

// NewMemoryGateway constructs an empty in-memory gateway.
func NewMemoryGateway(cfg MemoryGatewayConfig) *MemoryGateway {
	uniqueKeys := cfg.UniqueKeys
	if uniqueKeys == nil {
		uniqueKeys = DefaultUniqueKeys()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &MemoryGateway{
		tables:     make(map[string][]Row),
		uniqueKeys: uniqueKeys,
		clock:      clock,
	}
}

// Seed appends rows verbatim, bypassing id assignment and unique checks.
func (g *MemoryGateway) Seed(table string, rows ...Row) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, row := range rows {
		g.tables[table] = append(g.tables[table], row.Clone())
	}
}

// Rows returns a copy of every row of a table in insertion order.
func (g *MemoryGateway) Rows(table string) []Row {
	g.mu.Lock()
	defer g.mu.Unlock()
	rows := make([]Row, 0, len(g.tables[table]))
	for _, row := range g.tables[table] {
		rows = append(rows, row.Clone())
	}
	return rows
}

// Select implements Gateway.
func (g *MemoryGateway) Select(ctx context.Context, query Query) ([]Row, error) {
	if err := ctx.Err(); err != nil {
		return nil, NewError(ErrUnavailable, 0, "", err.Error())
	}
	if err := validateQuery(query); err != nil {
		return nil, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	matched := make([]Row, 0)
	for _, row := range g.tables[query.Table] {
		ok, err := matchesAll(row, query.Filters)
		if err != nil {
			return nil, err
		}
		if ok {
			matched = append(matched, row)
		}
	}

	if len(query.Order) > 0 {
		sort.SliceStable(matched, func(left, right int) bool {
			for _, order := range query.Order {
				comparison := compareValues(matched[left][order.Column], matched[right][order.Column])
				if comparison == 0 {
					continue
				}
				if order.Descending {
					return comparison > 0
				}
				return comparison < 0
			}
			return false
		})
	}

	if query.Limit > 0 && len(matched) > query.Limit {
		matched = matched[:query.Limit]
	}

	result := make([]Row, 0, len(matched))
	for _, row := range matched {
		result = append(result, project(row, query.Columns))
	}
	return result, nil
}

// Insert implements Gateway. Rows without an id receive a sequential one and
// rows without created_at receive the gateway clock time.
func (g *MemoryGateway) Insert(ctx context.Context, table string, row Row) (Row, error) {
	if err := ctx.Err(); err != nil {
		return nil, NewError(ErrUnavailable, 0, "", err.Error())
	}
	if strings.TrimSpace(table) == "" {
		return nil, fmt.Errorf("%w: table is required", ErrInvalidQuery)
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	return g.insertLocked(table, row)
}

// Upsert implements Gateway: a row matching every conflict column is updated
// in place, otherwise the row is inserted.
func (g *MemoryGateway) Upsert(ctx context.Context, table string, row Row, conflictColumns []string) (Row, error) {
	if err := ctx.Err(); err != nil {
		return nil, NewError(ErrUnavailable, 0, "", err.Error())
	}
	if len(conflictColumns) == 0 {
		return nil, fmt.Errorf("%w: upsert requires conflict columns", ErrInvalidQuery)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	for index, existing := range g.tables[table] {
		if sameKey(existing, row, conflictColumns) {
			merged := existing.Clone()
			for column, value := range row {
				merged[column] = value
			}
			g.tables[table][index] = merged
			return merged.Clone(), nil
		}
	}
	return g.insertLocked(table, row)
}

// Delete implements Gateway. Deleting nothing is not an error.
func (g *MemoryGateway) Delete(ctx context.Context, table string, filters []Filter) error {
	if err := ctx.Err(); err != nil {
		return NewError(ErrUnavailable, 0, "", err.Error())
	}
	if err := validateFilters(filters); err != nil {
		return err
	}
	if len(filters) == 0 {
		return fmt.Errorf("%w: delete requires at least one filter", ErrInvalidQuery)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	kept := g.tables[table][:0:0]
	for _, row := range g.tables[table] {
		ok, err := matchesAll(row, filters)
		if err != nil {
			return err
		}
		if !ok {
			kept = append(kept, row)
		}
	}
	g.tables[table] = kept
	return nil
}

// Count implements Gateway.
func (g *MemoryGateway) Count(ctx context.Context, table string, filters []Filter) (int64, error) {
	rows, err := g.Select(ctx, Query{Table: table, Filters: filters})
	if err != nil {
		return 0, err
	}
	return int64(len(rows)), nil
}

func (g *MemoryGateway) insertLocked(table string, row Row) (Row, error) {
	stored := row.Clone()
	if !stored.Has("id") {
		g.sequence++
		stored["id"] = g.sequence
	}
	if !stored.Has("created_at") {
		stored["created_at"] = g.clock().UTC().Format(time.RFC3339Nano)
	}
	for _, key := range g.uniqueKeys[table] {
		if !hasAll(stored, key) {
			continue
		}
		for _, existing := range g.tables[table] {
			if sameKey(existing, stored, key) {
				return nil, NewError(ErrConflict, 409, "23505",
					fmt.Sprintf("duplicate key value violates unique constraint on %s(%s)", table, strings.Join(key, ",")))
			}
		}
	}
	g.tables[table] = append(g.tables[table], stored)
	return stored.Clone(), nil
}

func hasAll(row Row, columns []string) bool {
	for _, column := range columns {
		if !row.Has(column) {
			return false
		}
	}
	return true
}

func sameKey(left, right Row, columns []string) bool {
	for _, column := range columns {
		if !left.Has(column) || !right.Has(column) {
			return false
		}
		if stringify(left[column]) != stringify(right[column]) {
			return false
		}
	}
	return true
}

func matchesAll(row Row, filters []Filter) (bool, error) {
	for _, filter := range filters {
		ok, err := matches(row, filter)
		if err != nil || !ok {
			return false, err
		}
	}
	return true, nil
}

func matches(row Row, filter Filter) (bool, error) {
	actual := stringify(row[filter.Column])
	switch filter.Operator {
	case OperatorEq:
		return row.Has(filter.Column) && actual == stringify(filter.Value), nil
	case OperatorIn:
		values, _ := filter.Value.([]string)
		for _, value := range values {
			if row.Has(filter.Column) && actual == value {
				return true, nil
			}
		}
		return false, nil
	case OperatorILike:
		pattern, _ := filter.Value.(string)
		expression, err := likeExpression(pattern)
		if err != nil {
			return false, err
		}
		return row.Has(filter.Column) && expression.MatchString(actual), nil
	default:
		return false, fmt.Errorf("%w: unsupported operator %q", ErrInvalidQuery, filter.Operator)
	}
}

// likeExpression translates a LIKE pattern: % and _ are wildcards and a
// backslash escapes the following character.
func likeExpression(pattern string) (*regexp.Regexp, error) {
	var builder strings.Builder
	builder.WriteString("(?is)^")
	escaped := false
	for _, character := range pattern {
		switch {
		case escaped:
			builder.WriteString(regexp.QuoteMeta(string(character)))
			escaped = false
		case character == '\\':
			escaped = true
		case character == '%':
			builder.WriteString(".*")
		case character == '_':
			builder.WriteString(".")
		default:
			builder.WriteString(regexp.QuoteMeta(string(character)))
		}
	}
	if escaped {
		builder.WriteString(regexp.QuoteMeta(`\`))
	}
	builder.WriteString("$")
	expression, err := regexp.Compile(builder.String())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidQuery, err)
	}
	return expression, nil
}

func compareValues(left, right any) int {
	leftText := stringify(left)
	rightText := stringify(right)
	if leftNumber, leftErr := strconv.ParseFloat(leftText, 64); leftErr == nil {
		if rightNumber, rightErr := strconv.ParseFloat(rightText, 64); rightErr == nil {
			switch {
			case leftNumber < rightNumber:
				return -1
			case leftNumber > rightNumber:
				return 1
			default:
				return 0
			}
		}
	}
	if leftTime, ok := ParseTimestamp(leftText); ok {
		if rightTime, ok := ParseTimestamp(rightText); ok {
			return leftTime.Compare(rightTime)
		}
	}
	return strings.Compare(leftText, rightText)
}

func project(row Row, columns []string) Row {
	if len(columns) == 0 || (len(columns) == 1 && columns[0] == "*") {
		return row.Clone()
	}
	projected := make(Row, len(columns))
	for _, column := range columns {
		if value, ok := row[column]; ok {
			projected[column] = value
		}
	}
	return projected
}
