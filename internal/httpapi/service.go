package httpapi

import (
	"context"

	"lifecycled/internal/backend"
	"lifecycled/internal/manager"
	"lifecycled/internal/warmup"
	"lifecycled/pkg/types"
)

// Generation is an in-progress token stream.
type Generation interface {
	Next() (backend.Token, error)
	Close() error
	ModelID() string
	ConversationID() string
	Tokens() int
}

// Service defines the methods required by the HTTP API layer.
type Service interface {
	ListModels() []types.ModelDescriptor
	StatusAll() types.StatusResponse
	Status(id string) (types.InstanceStatus, error)
	LoadModel(ctx context.Context, id string) (types.InstanceStatus, error)
	Switch(ctx context.Context, id string) (string, error)
	UnloadModel(ctx context.Context, id string) error
	Warm(ctx context.Context, id string) (warmup.Result, error)
	Rescan(ctx context.Context) (added, removed []string, err error)
	Generate(ctx context.Context, req types.GenerateRequest) (Generation, error)
	Complete(ctx context.Context, req types.GenerateRequest) (types.Completion, error)
	ListBenchmarks(ctx context.Context, id string, limit int) ([]types.BenchmarkRecord, error)
	Subscribe(ctx context.Context) <-chan manager.Event
	SanityCheck() manager.SanityReport
	Ready() bool
}

// managerService adapts *manager.Manager to Service.
type managerService struct{ *manager.Manager }

// FromManager exposes m through the Service interface.
func FromManager(m *manager.Manager) Service { return managerService{m} }

func (s managerService) Generate(ctx context.Context, req types.GenerateRequest) (Generation, error) {
	st, err := s.Manager.Generate(ctx, req)
	if err != nil {
		return nil, err
	}
	return st, nil
}
