package store

import (
	"context"
	"database/sql"
	"errors"

	"github.com/georgysavva/scany/v2/sqlscan"
)

func NewAPIKeySQLStore(rdb, rwdb *sql.DB) *APIKeySQLStore {
	return &APIKeySQLStore{rdb, rwdb}
}

type APIKeySQLStore struct {
	rdb, rwdb *sql.DB
}

func (store *APIKeySQLStore) CreateAPIKey(ctx context.Context, id, value string) (*APIKey, error) {
	key := new(APIKey)
	query := `insert into api_keys (api_key_id, value) values ($1, $2) returning *`
	if err := sqlscan.Get(ctx, store.rwdb, key, query, id, value); err != nil {
		return nil, err
	}
	return key, nil
}

func (store *APIKeySQLStore) ReadAPIKeyByValue(ctx context.Context, value string) (*APIKey, error) {
	key := new(APIKey)
	query := `select * from api_keys where value = $1`
	if err := sqlscan.Get(ctx, store.rdb, key, query, value); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return key, nil
}

func (store *APIKeySQLStore) DeleteAPIKey(ctx context.Context, id string) error {
	query := `delete from api_keys where api_key_id = $1`
	res, err := store.rwdb.ExecContext(ctx, query, id)
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

func (store *APIKeySQLStore) ListAPIKeys(ctx context.Context) ([]*APIKey, error) {
	query := `select * from api_keys order by created_on`
	keys := make([]*APIKey, 0)
	err := sqlscan.Select(ctx, store.rdb, &keys, query)
	return keys, err
}
