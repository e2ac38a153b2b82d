package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/georgysavva/scany/v2/sqlscan"
)

type PolicySQLStore struct {
	rdb, rwdb *sql.DB
}

func NewPolicySQLStore(rdb, rwdb *sql.DB) *PolicySQLStore {
	return &PolicySQLStore{rdb, rwdb}
}

func (store *PolicySQLStore) ReadPolicy(
	ctx context.Context,
	repositoryURL string,
) (*RepositoryPolicy, error) {
	p := new(RepositoryPolicy)
	query := "select * from repository_policies where repository_url = $1"
	if err := sqlscan.Get(ctx, store.rdb, p, query, repositoryURL); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return p, nil
}

func (store *PolicySQLStore) UpsertPolicy(ctx context.Context, p *RepositoryPolicy) error {
	p.UpdatedOn = time.Now().UTC()
	query := `insert into repository_policies (
		repository_url,
		scan_enabled,
		trigger_branch,
		dockerfile,
		test_command,
		test_dockerfile,
		updated_on
	)
	values ($1, $2, $3, $4, $5, $6, $7)
	on conflict (repository_url) do update
	set scan_enabled = excluded.scan_enabled,
		trigger_branch = excluded.trigger_branch,
		dockerfile = excluded.dockerfile,
		test_command = excluded.test_command,
		test_dockerfile = excluded.test_dockerfile,
		updated_on = excluded.updated_on`
	_, err := store.rwdb.ExecContext(
		ctx, query,
		p.RepositoryURL,
		p.ScanEnabled,
		p.TriggerBranch,
		p.Dockerfile,
		p.TestCommand,
		p.TestDockerfile,
		p.UpdatedOn,
	)
	return err
}

func (store *PolicySQLStore) DeletePolicy(ctx context.Context, repositoryURL string) error {
	query := "delete from repository_policies where repository_url = $1"
	res, err := store.rwdb.ExecContext(ctx, query, repositoryURL)
	if err != nil {
		return err
	}
	if ok, err := oneRowAffected(res); err != nil {
		return err
	} else if !ok {
		return ErrNotFound
	}
	return nil
}

func (store *PolicySQLStore) ListPolicies(ctx context.Context) ([]*RepositoryPolicy, error) {
	query := "select * from repository_policies order by repository_url"
	policies := make([]*RepositoryPolicy, 0)
	err := sqlscan.Select(ctx, store.rdb, &policies, query)
	return policies, err
}
