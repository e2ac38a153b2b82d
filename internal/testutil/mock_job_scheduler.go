package testutil

import (
	"context"

	"github.com/haatos/hookci/internal/service"
	"github.com/haatos/hookci/internal/webhook"
	"github.com/stretchr/testify/mock"
)

type MockJobScheduler struct {
	mock.Mock
}

func (m *MockJobScheduler) Generate(
	ctx context.Context,
	e *webhook.WebhookEvent,
) (*service.GenerateResult, error) {
	args := m.Called(ctx, e)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*service.GenerateResult), nil
}

func (m *MockJobScheduler) Retry(ctx context.Context, jobID string) (*service.GenerateResult, error) {
	args := m.Called(ctx, jobID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*service.GenerateResult), nil
}
