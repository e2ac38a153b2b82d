package service

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/haatos/hookci/internal/store"
)

var ErrInvalidAPIKey = errors.New("invalid api key")

type UUIDGenerator interface {
	GenerateUUID() string
}

func NewUUIDGen() *UUIDGen {
	return &UUIDGen{}
}

type UUIDGen struct{}

func (ug *UUIDGen) GenerateUUID() string {
	return uuid.NewString()
}

type APIKeyService struct {
	store         store.APIKeyStore
	uuidGenerator UUIDGenerator
}

func NewAPIKeyService(store store.APIKeyStore, uuidGenerator UUIDGenerator) *APIKeyService {
	return &APIKeyService{store, uuidGenerator}
}

func (s *APIKeyService) CreateAPIKey(ctx context.Context) (*store.APIKey, error) {
	id := s.uuidGenerator.GenerateUUID()
	value := s.uuidGenerator.GenerateUUID()
	return s.store.CreateAPIKey(ctx, id, value)
}

// Authenticate reports whether value belongs to a stored key.
func (s *APIKeyService) Authenticate(ctx context.Context, value string) error {
	if value == "" {
		return ErrInvalidAPIKey
	}
	if _, err := s.store.ReadAPIKeyByValue(ctx, value); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrInvalidAPIKey
		}
		return err
	}
	return nil
}

func (s *APIKeyService) DeleteAPIKey(ctx context.Context, id string) error {
	return s.store.DeleteAPIKey(ctx, id)
}

func (s *APIKeyService) ListAPIKeys(ctx context.Context) ([]*store.APIKey, error) {
	return s.store.ListAPIKeys(ctx)
}
