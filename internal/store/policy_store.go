package store

import (
	"context"
	"time"
)

// RepositoryPolicy holds the per repository build settings the spec
// generator consults.
type RepositoryPolicy struct {
	RepositoryURL  string    `db:"repository_url"`
	ScanEnabled    bool      `db:"scan_enabled"`
	TriggerBranch  string    `db:"trigger_branch"`
	Dockerfile     string    `db:"dockerfile"`
	TestCommand    string    `db:"test_command"`
	TestDockerfile string    `db:"test_dockerfile"`
	UpdatedOn      time.Time `db:"updated_on"`
}

type PolicyStore interface {
	ReadPolicy(ctx context.Context, repositoryURL string) (*RepositoryPolicy, error)
	UpsertPolicy(ctx context.Context, p *RepositoryPolicy) error
	DeletePolicy(ctx context.Context, repositoryURL string) error
	ListPolicies(ctx context.Context) ([]*RepositoryPolicy, error)
}
