package remote

import (
	"errors"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
)

func TestBuildSelectQuotesIdentifiersAndNumbersPlaceholders(t *testing.T) {
	statement, args, err := buildSelect(Query{
		Table:   TableUsers,
		Columns: []string{"id", "name"},
		Filters: []Filter{In("id", []string{"u1", "u2"}), ILike("name", "ada%")},
		Order:   []Order{{Column: "created_at", Descending: true}, {Column: "id"}},
		Limit:   20,
	})
	if err != nil {
		t.Fatalf("build failed: %v", err)
	}
	expected := `SELECT "id", "name" FROM "user" WHERE "id" = ANY($1) AND "name" ILIKE $2 ORDER BY "created_at" DESC, "id" ASC LIMIT 20`
	if statement != expected {
		t.Fatalf("unexpected statement:\n%s\nexpected:\n%s", statement, expected)
	}
	if len(args) != 2 {
		t.Fatalf("expected two args, got %v", args)
	}
}

func TestBuildInsertWithConflictUpdatesNonKeyColumns(t *testing.T) {
	statement, args, err := buildInsert(TableViews, Row{"user_id": "u1", "post_id": "p1", "seen": true}, []string{"post_id", "user_id"})
	if err != nil {
		t.Fatalf("build failed: %v", err)
	}
	expected := `INSERT INTO "views" ("post_id", "seen", "user_id") VALUES ($1, $2, $3) ON CONFLICT ("post_id", "user_id") DO UPDATE SET "seen" = EXCLUDED."seen" RETURNING *`
	if statement != expected {
		t.Fatalf("unexpected statement:\n%s", statement)
	}
	if args[0] != "p1" || args[1] != true || args[2] != "u1" {
		t.Fatalf("unexpected args %v", args)
	}
}

func TestBuildInsertWithOnlyKeyColumnsStillReturnsRow(t *testing.T) {
	statement, _, err := buildInsert(TableViews, Row{"user_id": "u1", "post_id": "p1"}, []string{"post_id", "user_id"})
	if err != nil {
		t.Fatalf("build failed: %v", err)
	}
	expected := `INSERT INTO "views" ("post_id", "user_id") VALUES ($1, $2) ON CONFLICT ("post_id", "user_id") DO UPDATE SET "post_id" = EXCLUDED."post_id" RETURNING *`
	if statement != expected {
		t.Fatalf("unexpected statement:\n%s", statement)
	}
}

func TestBuildInsertRejectsEmptyRow(t *testing.T) {
	if _, _, err := buildInsert(TableLikes, Row{}, nil); !errors.Is(err, ErrInvalidQuery) {
		t.Fatalf("expected invalid query, got %v", err)
	}
}

func TestQuoteIdentifierEscapesQuotes(t *testing.T) {
	if got := quoteIdentifier(`we"ird`); got != `"we""ird"` {
		t.Fatalf("unexpected quoted identifier %s", got)
	}
}

func TestClassifyPgError(t *testing.T) {
	cases := map[string]error{
		"23505": ErrConflict,
		"23503": ErrRejected,
		"22P02": ErrRejected,
		"42P01": ErrRejected,
		"40001": ErrUnavailable,
		"57P01": ErrUnavailable,
	}
	for code, expected := range cases {
		err := classifyPgError(&pgconn.PgError{Code: code, Message: "boom"})
		if !errors.Is(err, expected) {
			t.Fatalf("code %s: expected %v, got %v", code, expected, err)
		}
	}
	if err := classifyPgError(errors.New("connection reset")); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected transport error to be unavailable, got %v", err)
	}
}
