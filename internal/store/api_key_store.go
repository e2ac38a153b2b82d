package store

import (
	"context"
	"time"
)

type APIKey struct {
	APIKeyID  string    `db:"api_key_id"`
	Value     string    `db:"value"`
	CreatedOn time.Time `db:"created_on"`
}

type APIKeyStore interface {
	CreateAPIKey(ctx context.Context, id, value string) (*APIKey, error)
	ReadAPIKeyByValue(ctx context.Context, value string) (*APIKey, error)
	DeleteAPIKey(ctx context.Context, id string) error
	ListAPIKeys(ctx context.Context) ([]*APIKey, error)
}
