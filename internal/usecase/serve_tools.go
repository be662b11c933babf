package usecase

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/i2y/docsgate/internal/domain"
)

// ServeToolsUseCase publishes the tool catalog advertised to clients.
type ServeToolsUseCase struct {
	repository ToolRepository
	logger     *slog.Logger
}

// NewServeToolsUseCase creates a new ServeToolsUseCase.
func NewServeToolsUseCase(repository ToolRepository, logger *slog.Logger) *ServeToolsUseCase {
	return &ServeToolsUseCase{
		repository: repository,
		logger:     logger.With("usecase", "ServeTools"),
	}
}

// Register stores the built-in catalog and checks that every tool kind ended
// up advertised.
func (uc *ServeToolsUseCase) Register(ctx context.Context) error {
	if err := uc.repository.Save(ctx, domain.Catalog()); err != nil {
		uc.logger.Error("Failed to register tool catalog", slog.Any("error", err))
		return fmt.Errorf("failed to register tool catalog: %w", err)
	}
	for _, kind := range domain.ToolKinds {
		if _, err := uc.repository.Find(ctx, kind); err != nil {
			return fmt.Errorf("catalog is missing %s: %w", kind, err)
		}
	}
	uc.logger.Info("Registered tool catalog", slog.Int("count", len(domain.ToolKinds)))
	return nil
}

// Execute returns the advertised tools in catalog order.
func (uc *ServeToolsUseCase) Execute(ctx context.Context) ([]domain.Tool, error) {
	tools, err := uc.repository.List(ctx)
	if err != nil {
		uc.logger.Error("Failed to list tools from repository", slog.Any("error", err))
		return nil, fmt.Errorf("failed to list tools from repository: %w", err)
	}
	return tools, nil
}

// Describe returns the definition of the named tool. Names that are not tool
// kinds are reported as ErrToolNotFound.
func (uc *ServeToolsUseCase) Describe(ctx context.Context, name string) (domain.Tool, error) {
	kind, err := domain.ParseToolKind(name)
	if err != nil {
		return domain.Tool{}, fmt.Errorf("%w: %q", ErrToolNotFound, name)
	}
	tool, err := uc.repository.Find(ctx, kind)
	if err != nil {
		uc.logger.Debug("Tool lookup failed", slog.String("tool", name), slog.Any("error", err))
		return domain.Tool{}, err
	}
	return tool, nil
}
