// Package memrepo holds the advertised tool catalog in process memory.
package memrepo

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/i2y/docsgate/internal/domain"
	"github.com/i2y/docsgate/internal/usecase"
)

// InMemoryToolRepository stores at most one definition per tool kind.
type InMemoryToolRepository struct {
	mu     sync.RWMutex
	tools  map[domain.ToolKind]domain.Tool
	logger *slog.Logger
}

var _ usecase.ToolRepository = (*InMemoryToolRepository)(nil)

// NewInMemoryToolRepository creates an empty catalog.
func NewInMemoryToolRepository(logger *slog.Logger) *InMemoryToolRepository {
	return &InMemoryToolRepository{
		tools:  make(map[domain.ToolKind]domain.Tool, len(domain.ToolKinds)),
		logger: logger.With("component", "mem_repo"),
	}
}

// Save replaces the definitions of the given tools. A definition whose name is
// not a known tool kind rejects the whole batch.
func (r *InMemoryToolRepository) Save(ctx context.Context, tools []domain.Tool) error {
	byKind := make(map[domain.ToolKind]domain.Tool, len(tools))
	for i, tool := range tools {
		kind, err := domain.ParseToolKind(tool.Name)
		if err != nil {
			r.logger.Error("Rejected tool definition", slog.Int("index", i), slog.Any("error", err))
			return fmt.Errorf("tool definition %d: %w", i, err)
		}
		byKind[kind] = tool
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for kind, tool := range byKind {
		r.tools[kind] = tool
	}
	r.logger.Info("Saved tool definitions", slog.Int("count", len(byKind)), slog.Int("total_tools", len(r.tools)))
	return nil
}

// List returns the registered tools in catalog order.
func (r *InMemoryToolRepository) List(ctx context.Context) ([]domain.Tool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	list := make([]domain.Tool, 0, len(r.tools))
	for _, kind := range domain.ToolKinds {
		if tool, ok := r.tools[kind]; ok {
			list = append(list, tool)
		}
	}
	return list, nil
}

// Find returns the definition of kind.
func (r *InMemoryToolRepository) Find(ctx context.Context, kind domain.ToolKind) (domain.Tool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tool, ok := r.tools[kind]
	if !ok {
		return domain.Tool{}, fmt.Errorf("%w: %s", usecase.ErrToolNotFound, kind)
	}
	return tool, nil
}
