package valkey

import (
	"context"
	"fmt"

	"github.com/giantswarm/mcp-registry-gateway/storage"
)

// ============================================================
// ClientStore Implementation
// ============================================================

// SaveClient stores a new client. Client keys never expire, so a revoked ID stays taken.
func (s *Store) SaveClient(ctx context.Context, client *storage.Client) (err error) {
	ctx, done := s.observe(ctx, "save_client")
	defer func() { done(err) }()

	if client == nil {
		return fmt.Errorf("%w: client is nil", storage.ErrInvalidRecord)
	}
	if err := validateKeyPart("client ID", client.ClientID); err != nil {
		return err
	}

	key := s.clientKey(client.ClientID)
	data, err := s.marshal(key, client)
	if err != nil {
		return err
	}

	stored, err := s.eval(ctx, luaSetNX, key, data, "0").AsInt64()
	if err != nil {
		return fmt.Errorf("failed to save client: %w", err)
	}
	if stored == 0 {
		return fmt.Errorf("%w: client %s", storage.ErrAlreadyExists, client.ClientID)
	}

	s.logger.Info("Saved client", "client_id", client.ClientID, "client_type", client.ClientType)
	return nil
}

// GetClient returns a client by ID
func (s *Store) GetClient(ctx context.Context, clientID string) (_ *storage.Client, err error) {
	ctx, done := s.observe(ctx, "get_client")
	defer func() { done(err) }()

	if err := validateKeyPart("client ID", clientID); err != nil {
		return nil, fmt.Errorf("%w: client", storage.ErrNotFound)
	}

	key := s.clientKey(clientID)
	raw, err := s.client.Do(ctx, s.client.B().Get().Key(key).Build()).ToString()
	if err != nil {
		if isNilError(err) {
			return nil, fmt.Errorf("%w: client %s", storage.ErrNotFound, clientID)
		}
		return nil, fmt.Errorf("failed to get client: %w", err)
	}

	var client storage.Client
	if err := s.unmarshal(key, raw, &client); err != nil {
		return nil, err
	}
	return &client, nil
}

// UpdateClient replaces an existing client record
func (s *Store) UpdateClient(ctx context.Context, client *storage.Client) (err error) {
	ctx, done := s.observe(ctx, "update_client")
	defer func() { done(err) }()

	if client == nil {
		return fmt.Errorf("%w: client is nil", storage.ErrInvalidRecord)
	}
	if err := validateKeyPart("client ID", client.ClientID); err != nil {
		return err
	}

	key := s.clientKey(client.ClientID)
	data, err := s.marshal(key, client)
	if err != nil {
		return err
	}

	updated, err := s.eval(ctx, luaSetXX, key, data).AsInt64()
	if err != nil {
		return fmt.Errorf("failed to update client: %w", err)
	}
	if updated == 0 {
		return fmt.Errorf("%w: client %s", storage.ErrNotFound, client.ClientID)
	}
	return nil
}
