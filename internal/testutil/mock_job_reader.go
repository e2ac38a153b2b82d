package testutil

import (
	"context"

	"github.com/haatos/hookci/internal/store"
	"github.com/stretchr/testify/mock"
)

type MockJobReader struct {
	mock.Mock
}

func (m *MockJobReader) ReadJob(ctx context.Context, jobID string) (*store.Job, error) {
	args := m.Called(ctx, jobID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*store.Job), nil
}

func (m *MockJobReader) ListJobStages(ctx context.Context, jobID string) ([]*store.JobStage, error) {
	args := m.Called(ctx, jobID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*store.JobStage), nil
}
