package directory

import (
	"context"
	"errors"
	"testing"

	"github.com/decro-app/decro-sync/internal/remote"
	"go.uber.org/zap"
)

type countingGateway struct {
	remote.Gateway
	selects int
	failed  bool
}

func (g *countingGateway) Select(ctx context.Context, query remote.Query) ([]remote.Row, error) {
	g.selects++
	if g.failed {
		return nil, remote.NewError(remote.ErrUnavailable, 503, "", "offline")
	}
	return g.Gateway.Select(ctx, query)
}

func newTestService(t *testing.T) (*Service, *countingGateway) {
	t.Helper()
	memory := remote.NewMemoryGateway(remote.MemoryGatewayConfig{})
	memory.Seed(remote.TableUsers,
		remote.Row{"id": "u1", "name": "Ada", "email": "ada@example.com"},
		remote.Row{"id": "u2", "name": "", "email": "grace@example.com"},
		remote.Row{"id": "u3", "name": nil, "email": nil},
	)
	memory.Seed(remote.TableSubgroups,
		remote.Row{"id": "s1", "name": "Film Club", "slug": "film-club"},
		remote.Row{"id": "s2", "name": "Analog", "slug": "film-photography"},
		remote.Row{"id": "s3", "name": "Music", "slug": "music"},
	)
	gateway := &countingGateway{Gateway: memory}
	service, err := NewService(ServiceConfig{Gateway: gateway, Logger: zap.NewNop()})
	if err != nil {
		t.Fatalf("failed to create service: %v", err)
	}
	return service, gateway
}

func TestDisplayNamesUsesOneLookupAndFallbacks(t *testing.T) {
	service, gateway := newTestService(t)

	names, err := service.DisplayNames(context.Background(), []string{"u1", "u2", "u1", "u3", "ghost", " "})
	if err != nil {
		t.Fatalf("lookup failed: %v", err)
	}
	if gateway.selects != 1 {
		t.Fatalf("expected a single batched lookup, got %d", gateway.selects)
	}
	expected := map[string]string{
		"u1":    "Ada",
		"u2":    "grace@example.com",
		"u3":    PlaceholderDisplayName,
		"ghost": PlaceholderDisplayName,
	}
	if len(names) != len(expected) {
		t.Fatalf("unexpected names %v", names)
	}
	for userID, name := range expected {
		if names[userID] != name {
			t.Fatalf("expected %s -> %q, got %q", userID, name, names[userID])
		}
	}

	// resolved names are cached; unknown ids are looked up again.
	if _, err := service.DisplayNames(context.Background(), []string{"u1", "u2"}); err != nil {
		t.Fatalf("second lookup failed: %v", err)
	}
	if gateway.selects != 1 {
		t.Fatalf("expected cached names to skip the gateway, got %d selects", gateway.selects)
	}
}

func TestDisplayNamesFallsBackOnRemoteFailure(t *testing.T) {
	service, gateway := newTestService(t)
	gateway.failed = true

	names, err := service.DisplayNames(context.Background(), []string{"u1", "u2"})
	if !errors.Is(err, remote.ErrUnavailable) {
		t.Fatalf("expected unavailable error, got %v", err)
	}
	if names["u1"] != PlaceholderDisplayName || names["u2"] != PlaceholderDisplayName {
		t.Fatalf("expected placeholders, got %v", names)
	}
}

func TestResolveUsername(t *testing.T) {
	service, _ := newTestService(t)
	ctx := context.Background()

	email, err := service.ResolveUsername(ctx, "  aDa ")
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if email != "ada@example.com" {
		t.Fatalf("unexpected email %q", email)
	}
	if _, err := service.ResolveUsername(ctx, "A_a"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected wildcard to be matched literally, got %v", err)
	}
	if _, err := service.ResolveUsername(ctx, ""); !errors.Is(err, ErrInvalidQuery) {
		t.Fatalf("expected invalid query, got %v", err)
	}
}

func TestSearchSubgroupsMatchesNameOrSlug(t *testing.T) {
	service, _ := newTestService(t)
	ctx := context.Background()

	results, err := service.SearchSubgroups(ctx, "FILM")
	if err != nil {
		t.Fatalf("search failed: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected two subgroups, got %+v", results)
	}
	ids := map[string]bool{}
	for _, subgroup := range results {
		ids[subgroup.ID] = true
	}
	if !ids["s1"] || !ids["s2"] {
		t.Fatalf("unexpected subgroups %+v", results)
	}

	empty, err := service.SearchSubgroups(ctx, "   ")
	if err != nil {
		t.Fatalf("blank search failed: %v", err)
	}
	if len(empty) != 0 {
		t.Fatalf("expected no results for blank query, got %+v", empty)
	}
}
