// Package directory resolves user and subgroup records from the remote user
// directory on behalf of the sync engine and the view bridge.
package directory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/decro-app/decro-sync/internal/remote"
	"go.uber.org/zap"
)

// PlaceholderDisplayName is shown when a creator cannot be resolved.
const PlaceholderDisplayName = "brokebop"

const subgroupSearchLimit = 20

var (
	// ErrNotFound indicates no directory entry matched.
	ErrNotFound = errors.New("directory: not found")
	// ErrInvalidQuery indicates a blank or unusable lookup value.
	ErrInvalidQuery = errors.New("directory: invalid query")
)

// Subgroup is a community a post can belong to.
type Subgroup struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Slug string `json:"slug"`
}

// ServiceConfig describes the dependencies required for directory lookups.
type ServiceConfig struct {
	Gateway remote.Gateway
	Logger  *zap.Logger
}

// Service looks up display names, usernames and subgroups.
type Service struct {
	gateway remote.Gateway
	logger  *zap.Logger
	cache   sync.Map
}

// NewService constructs the directory service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Gateway == nil {
		return nil, fmt.Errorf("directory: gateway required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		gateway: cfg.Gateway,
		logger:  logger,
		cache:   sync.Map{},
	}, nil
}

// DisplayNames resolves every id to a display name with at most one remote
// call. Ids the directory does not know map to PlaceholderDisplayName. On a
// remote failure the returned map is still complete (placeholders for every
// uncached id) and the error is returned alongside it.
func (s *Service) DisplayNames(ctx context.Context, userIDs []string) (map[string]string, error) {
	names := make(map[string]string, len(userIDs))
	missing := make([]string, 0, len(userIDs))
	for _, raw := range userIDs {
		userID := normalize(raw)
		if userID == "" {
			continue
		}
		if _, seen := names[userID]; seen {
			continue
		}
		if cached, ok := s.cache.Load(userID); ok {
			if name, ok := cached.(string); ok {
				names[userID] = name
				continue
			}
		}
		names[userID] = PlaceholderDisplayName
		missing = append(missing, userID)
	}
	if len(missing) == 0 {
		return names, nil
	}
	sort.Strings(missing)

	rows, err := s.gateway.Select(ctx, remote.Query{
		Table:   remote.TableUsers,
		Columns: []string{"id", "name", "email"},
		Filters: []remote.Filter{remote.In("id", missing)},
	})
	if err != nil {
		s.logger.Warn("display name lookup failed",
			zap.String("operation", "directory.display_names"),
			zap.Int("ids", len(missing)),
			zap.Error(err))
		return names, err
	}
	for _, row := range rows {
		userID := normalize(row.String("id"))
		if _, requested := names[userID]; !requested {
			continue
		}
		name := displayName(row)
		names[userID] = name
		s.cache.Store(userID, name)
	}
	return names, nil
}

// ResolveUsername returns the email of the first user whose name matches
// username case-insensitively.
func (s *Service) ResolveUsername(ctx context.Context, username string) (string, error) {
	name := normalize(username)
	if name == "" {
		return "", ErrInvalidQuery
	}
	rows, err := s.gateway.Select(ctx, remote.Query{
		Table:   remote.TableUsers,
		Columns: []string{"email"},
		Filters: []remote.Filter{remote.ILike("name", remote.EscapeLike(name))},
		Limit:   1,
	})
	if err != nil {
		return "", err
	}
	if len(rows) == 0 {
		return "", ErrNotFound
	}
	email := normalize(rows[0].String("email"))
	if email == "" {
		return "", ErrNotFound
	}
	return email, nil
}

// SearchSubgroups matches query against subgroup names and slugs, returning at
// most twenty subgroups. A blank query returns no results.
func (s *Service) SearchSubgroups(ctx context.Context, query string) ([]Subgroup, error) {
	term := normalize(query)
	if term == "" {
		return []Subgroup{}, nil
	}
	pattern := "%" + remote.EscapeLike(term) + "%"

	results := make([]Subgroup, 0, subgroupSearchLimit)
	seen := make(map[string]struct{}, subgroupSearchLimit)
	for _, column := range []string{"name", "slug"} {
		rows, err := s.gateway.Select(ctx, remote.Query{
			Table:   remote.TableSubgroups,
			Columns: []string{"id", "name", "slug"},
			Filters: []remote.Filter{remote.ILike(column, pattern)},
			Order:   []remote.Order{{Column: "name"}},
			Limit:   subgroupSearchLimit,
		})
		if err != nil {
			return nil, err
		}
		for _, row := range rows {
			subgroup := Subgroup{ID: row.String("id"), Name: row.String("name"), Slug: row.String("slug")}
			if _, duplicate := seen[subgroup.ID]; duplicate {
				continue
			}
			seen[subgroup.ID] = struct{}{}
			results = append(results, subgroup)
			if len(results) == subgroupSearchLimit {
				return results, nil
			}
		}
	}
	return results, nil
}

func displayName(row remote.Row) string {
	if name := normalize(row.String("name")); name != "" {
		return name
	}
	if email := normalize(row.String("email")); email != "" {
		return email
	}
	return PlaceholderDisplayName
}

func normalize(value string) string {
	return strings.TrimSpace(value)
}
