package remote

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/exaring/otelpgx"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// pgQuerier is the subset of *pgxpool.Pool the gateway needs.
type pgQuerier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PostgresGateway compiles gateway calls to SQL against a Postgres pool.
type PostgresGateway struct {
	pool   pgQuerier
	closer func()
	logger *zap.Logger
}

// NewPostgresGateway connects a traced pgx pool to databaseURL.
func NewPostgresGateway(ctx context.Context, databaseURL string, logger *zap.Logger) (*PostgresGateway, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return nil, errors.New("remote: database url is required")
	}
	poolConfig, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("remote: parse database url: %w", err)
	}
	poolConfig.ConnConfig.Tracer = otelpgx.NewTracer()

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("remote: connect: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PostgresGateway{pool: pool, closer: pool.Close, logger: logger}, nil
}

// Close releases the pool.
func (g *PostgresGateway) Close() {
	if g.closer != nil {
		g.closer()
	}
}

// Select implements Gateway.
func (g *PostgresGateway) Select(ctx context.Context, query Query) ([]Row, error) {
	statement, args, err := buildSelect(query)
	if err != nil {
		return nil, err
	}
	rows, err := g.pool.Query(ctx, statement, args...)
	if err != nil {
		return nil, classifyPgError(err)
	}
	collected, err := pgx.CollectRows(rows, pgx.RowToMap)
	if err != nil {
		return nil, classifyPgError(err)
	}
	result := make([]Row, 0, len(collected))
	for _, row := range collected {
		result = append(result, Row(row))
	}
	return result, nil
}

// Insert implements Gateway.
func (g *PostgresGateway) Insert(ctx context.Context, table string, row Row) (Row, error) {
	statement, args, err := buildInsert(table, row, nil)
	if err != nil {
		return nil, err
	}
	return g.returningOne(ctx, statement, args)
}

// Upsert implements Gateway.
func (g *PostgresGateway) Upsert(ctx context.Context, table string, row Row, conflictColumns []string) (Row, error) {
	if len(conflictColumns) == 0 {
		return nil, fmt.Errorf("%w: upsert requires conflict columns", ErrInvalidQuery)
	}
	statement, args, err := buildInsert(table, row, conflictColumns)
	if err != nil {
		return nil, err
	}
	return g.returningOne(ctx, statement, args)
}

// Delete implements Gateway.
func (g *PostgresGateway) Delete(ctx context.Context, table string, filters []Filter) error {
	if len(filters) == 0 {
		return fmt.Errorf("%w: delete requires at least one filter", ErrInvalidQuery)
	}
	where, args, err := buildWhere(filters, nil)
	if err != nil {
		return err
	}
	statement := "DELETE FROM " + quoteIdentifier(table) + where
	if _, err := g.pool.Exec(ctx, statement, args...); err != nil {
		return classifyPgError(err)
	}
	return nil
}

// Count implements Gateway.
func (g *PostgresGateway) Count(ctx context.Context, table string, filters []Filter) (int64, error) {
	where, args, err := buildWhere(filters, nil)
	if err != nil {
		return 0, err
	}
	var count int64
	if err := g.pool.QueryRow(ctx, "SELECT count(*) FROM "+quoteIdentifier(table)+where, args...).Scan(&count); err != nil {
		return 0, classifyPgError(err)
	}
	return count, nil
}

func (g *PostgresGateway) returningOne(ctx context.Context, statement string, args []any) (Row, error) {
	rows, err := g.pool.Query(ctx, statement, args...)
	if err != nil {
		return nil, classifyPgError(err)
	}
	collected, err := pgx.CollectRows(rows, pgx.RowToMap)
	if err != nil {
		return nil, classifyPgError(err)
	}
	if len(collected) == 0 {
		return Row{}, nil
	}
	return Row(collected[0]), nil
}

func quoteIdentifier(name string) string {
	return pgx.Identifier{name}.Sanitize()
}

func buildSelect(query Query) (string, []any, error) {
	if err := validateQuery(query); err != nil {
		return "", nil, err
	}
	columns := "*"
	if len(query.Columns) > 0 && !(len(query.Columns) == 1 && query.Columns[0] == "*") {
		quoted := make([]string, 0, len(query.Columns))
		for _, column := range query.Columns {
			quoted = append(quoted, quoteIdentifier(column))
		}
		columns = strings.Join(quoted, ", ")
	}

	var builder strings.Builder
	builder.WriteString("SELECT ")
	builder.WriteString(columns)
	builder.WriteString(" FROM ")
	builder.WriteString(quoteIdentifier(query.Table))

	where, args, err := buildWhere(query.Filters, nil)
	if err != nil {
		return "", nil, err
	}
	builder.WriteString(where)

	if len(query.Order) > 0 {
		parts := make([]string, 0, len(query.Order))
		for _, order := range query.Order {
			direction := " ASC"
			if order.Descending {
				direction = " DESC"
			}
			parts = append(parts, quoteIdentifier(order.Column)+direction)
		}
		builder.WriteString(" ORDER BY ")
		builder.WriteString(strings.Join(parts, ", "))
	}
	if query.Limit > 0 {
		builder.WriteString(" LIMIT ")
		builder.WriteString(strconv.Itoa(query.Limit))
	}
	return builder.String(), args, nil
}

func buildWhere(filters []Filter, args []any) (string, []any, error) {
	if err := validateFilters(filters); err != nil {
		return "", nil, err
	}
	if len(filters) == 0 {
		return "", args, nil
	}
	clauses := make([]string, 0, len(filters))
	for _, filter := range filters {
		args = append(args, filter.Value)
		placeholder := "$" + strconv.Itoa(len(args))
		column := quoteIdentifier(filter.Column)
		switch filter.Operator {
		case OperatorEq:
			clauses = append(clauses, column+" = "+placeholder)
		case OperatorIn:
			clauses = append(clauses, column+" = ANY("+placeholder+")")
		case OperatorILike:
			clauses = append(clauses, column+" ILIKE "+placeholder)
		}
	}
	return " WHERE " + strings.Join(clauses, " AND "), args, nil
}

func buildInsert(table string, row Row, conflictColumns []string) (string, []any, error) {
	if strings.TrimSpace(table) == "" {
		return "", nil, fmt.Errorf("%w: table is required", ErrInvalidQuery)
	}
	if len(row) == 0 {
		return "", nil, fmt.Errorf("%w: insert requires at least one column", ErrInvalidQuery)
	}
	columns := make([]string, 0, len(row))
	for column := range row {
		columns = append(columns, column)
	}
	sort.Strings(columns)

	quoted := make([]string, 0, len(columns))
	placeholders := make([]string, 0, len(columns))
	args := make([]any, 0, len(columns))
	for index, column := range columns {
		quoted = append(quoted, quoteIdentifier(column))
		placeholders = append(placeholders, "$"+strconv.Itoa(index+1))
		args = append(args, row[column])
	}

	statement := "INSERT INTO " + quoteIdentifier(table) +
		" (" + strings.Join(quoted, ", ") + ") VALUES (" + strings.Join(placeholders, ", ") + ")"

	if len(conflictColumns) > 0 {
		conflictSet := make(map[string]struct{}, len(conflictColumns))
		conflictQuoted := make([]string, 0, len(conflictColumns))
		for _, column := range conflictColumns {
			conflictSet[column] = struct{}{}
			conflictQuoted = append(conflictQuoted, quoteIdentifier(column))
		}
		updates := make([]string, 0, len(columns))
		for _, column := range columns {
			if _, isKey := conflictSet[column]; isKey {
				continue
			}
			updates = append(updates, quoteIdentifier(column)+" = EXCLUDED."+quoteIdentifier(column))
		}
		if len(updates) == 0 {
			// DO NOTHING would suppress RETURNING for an existing row.
			first := quoteIdentifier(conflictColumns[0])
			updates = append(updates, first+" = EXCLUDED."+first)
		}
		statement += " ON CONFLICT (" + strings.Join(conflictQuoted, ", ") + ") DO UPDATE SET " + strings.Join(updates, ", ")
	}
	statement += " RETURNING *"
	return statement, args, nil
}

func classifyPgError(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return NewError(classifySQLState(pgErr.Code), 0, pgErr.Code, pgErr.Message)
	}
	return NewError(ErrUnavailable, 0, "", err.Error())
}

func classifySQLState(code string) error {
	if code == "23505" {
		return ErrConflict
	}
	if len(code) < 2 {
		return ErrUnavailable
	}
	switch code[:2] {
	case "22", "23", "42":
		return ErrRejected
	default:
		return ErrUnavailable
	}
}
