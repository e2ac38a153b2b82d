package testutil

import (
	"context"

	"github.com/stretchr/testify/mock"
)

type MockAPIKeyService struct {
	mock.Mock
}

func (m *MockAPIKeyService) Authenticate(ctx context.Context, value string) error {
	args := m.Called(ctx, value)
	return args.Error(0)
}
