package valkey

import (
	"context"
	"fmt"

	"github.com/giantswarm/mcp-registry-gateway/storage"
)

// ============================================================
// FlowStore Implementation
// ============================================================

// SaveFlow stores a flow keyed by its upstream state. The key outlives the flow by
// storage.ExpiredRetention so a late callback can be told the flow expired.
func (s *Store) SaveFlow(ctx context.Context, flow *storage.FlowState) (err error) {
	ctx, done := s.observe(ctx, "save_flow")
	defer func() { done(err) }()

	if flow == nil {
		return fmt.Errorf("%w: flow is nil", storage.ErrInvalidRecord)
	}
	if err := validateKeyPart("upstream state", flow.UpstreamState); err != nil {
		return err
	}

	key := s.flowKey(flow.UpstreamState)
	data, err := s.marshal(key, flow)
	if err != nil {
		return err
	}

	stored, err := s.eval(ctx, luaSetNX, key, data, fmt.Sprintf("%d", retentionMillis(flow.ExpiresAt))).AsInt64()
	if err != nil {
		return fmt.Errorf("failed to save flow: %w", err)
	}
	if stored == 0 {
		return fmt.Errorf("%w: upstream state in flight", storage.ErrAlreadyExists)
	}

	s.logger.Debug("Saved flow", "flow_id", logID(flow.FlowID), "client_id", flow.ClientID)
	return nil
}

// ConsumeFlow fetches and deletes a flow in one script
func (s *Store) ConsumeFlow(ctx context.Context, upstreamState string) (_ *storage.FlowState, err error) {
	ctx, done := s.observe(ctx, "consume_flow")
	defer func() { done(err) }()

	if err := validateKeyPart("upstream state", upstreamState); err != nil {
		return nil, fmt.Errorf("%w: flow", storage.ErrNotFound)
	}

	key := s.flowKey(upstreamState)
	var flow storage.FlowState
	if err := s.getDel(ctx, key, "flow", &flow); err != nil {
		return nil, err
	}
	return &flow, nil
}

// SaveGrant stores a downstream authorization code
func (s *Store) SaveGrant(ctx context.Context, grant *storage.Grant) (err error) {
	ctx, done := s.observe(ctx, "save_grant")
	defer func() { done(err) }()

	if grant == nil {
		return fmt.Errorf("%w: grant is nil", storage.ErrInvalidRecord)
	}
	if err := validateKeyPart("code", grant.Code); err != nil {
		return err
	}

	key := s.grantKey(grant.Code)
	data, err := s.marshal(key, grant)
	if err != nil {
		return err
	}

	stored, err := s.eval(ctx, luaSetNX, key, data, fmt.Sprintf("%d", retentionMillis(grant.ExpiresAt))).AsInt64()
	if err != nil {
		return fmt.Errorf("failed to save grant: %w", err)
	}
	if stored == 0 {
		return fmt.Errorf("%w: code", storage.ErrAlreadyExists)
	}
	return nil
}

// ConsumeGrant fetches and deletes a downstream authorization code in one script
func (s *Store) ConsumeGrant(ctx context.Context, code string) (_ *storage.Grant, err error) {
	ctx, done := s.observe(ctx, "consume_grant")
	defer func() { done(err) }()

	if err := validateKeyPart("code", code); err != nil {
		return nil, fmt.Errorf("%w: code", storage.ErrNotFound)
	}

	var grant storage.Grant
	if err := s.getDel(ctx, s.grantKey(code), "code", &grant); err != nil {
		return nil, err
	}
	return &grant, nil
}

func (s *Store) getDel(ctx context.Context, key, what string, v any) error {
	raw, err := s.eval(ctx, luaGetDel, key).ToString()
	if err != nil {
		if isNilError(err) {
			return fmt.Errorf("%w: %s", storage.ErrNotFound, what)
		}
		return fmt.Errorf("failed to consume %s: %w", what, err)
	}
	return s.unmarshal(key, raw, v)
}
