package memrepo_test

import (
	"context"
	"log/slog"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/i2y/docsgate/internal/adapter/outbound/memrepo"
	"github.com/i2y/docsgate/internal/domain"
	"github.com/i2y/docsgate/internal/usecase"
)

func newTestRepo(t *testing.T) *memrepo.InMemoryToolRepository {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
	return memrepo.NewInMemoryToolRepository(logger)
}

func tool(kind domain.ToolKind, desc string) domain.Tool {
	return domain.Tool{Name: string(kind), Description: desc}
}

func TestInMemoryToolRepository_ListFollowsCatalogOrder(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name     string
		saves    [][]domain.Tool
		wantList []string
	}{
		{
			name:     "full catalog",
			saves:    [][]domain.Tool{domain.Catalog()},
			wantList: []string{"lookup_crate", "search_crates", "lookup_item", "health_check"},
		},
		{
			name:     "saved out of order",
			saves:    [][]domain.Tool{{tool(domain.ToolHealthCheck, "h"), tool(domain.ToolLookupCrate, "c")}},
			wantList: []string{"lookup_crate", "health_check"},
		},
		{
			name:     "accumulates across saves",
			saves:    [][]domain.Tool{{tool(domain.ToolLookupItem, "i")}, {tool(domain.ToolSearchCrates, "s")}},
			wantList: []string{"search_crates", "lookup_item"},
		},
		{
			name:     "nothing saved",
			saves:    nil,
			wantList: []string{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := newTestRepo(t)
			for _, batch := range tt.saves {
				require.NoError(t, repo.Save(ctx, batch))
			}

			listed, err := repo.List(ctx)
			require.NoError(t, err)
			names := make([]string, 0, len(listed))
			for _, tl := range listed {
				names = append(names, tl.Name)
			}
			assert.Equal(t, tt.wantList, names)
		})
	}
}

func TestInMemoryToolRepository_SaveRejectsUnknownTools(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)

	err := repo.Save(ctx, []domain.Tool{tool(domain.ToolLookupCrate, "c"), {Name: "drop_tables"}})
	require.Error(t, err)
	assert.Equal(t, domain.KindValidation, domain.KindOf(err))

	listed, err := repo.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, listed, "a rejected batch stores nothing")
}

func TestInMemoryToolRepository_Find(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)
	require.NoError(t, repo.Save(ctx, []domain.Tool{tool(domain.ToolLookupCrate, "v1")}))
	require.NoError(t, repo.Save(ctx, []domain.Tool{tool(domain.ToolLookupCrate, "v2")}))

	found, err := repo.Find(ctx, domain.ToolLookupCrate)
	require.NoError(t, err)
	assert.Equal(t, "v2", found.Description)

	_, err = repo.Find(ctx, domain.ToolHealthCheck)
	assert.ErrorIs(t, err, usecase.ErrToolNotFound)
	assert.ErrorContains(t, err, "health_check")
}
