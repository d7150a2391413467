package worker

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/fchat-tools/profilecache/internal/model"
)

func decode[T any](params json.RawMessage) (T, error) {
	var v T
	if len(params) == 0 {
		return v, nil
	}
	if err := json.Unmarshal(params, &v); err != nil {
		return v, fmt.Errorf("decode params: %w", err)
	}
	return v, nil
}

func (w *Worker) routes() map[string]handler {
	s := w.store
	return map[string]handler{
		CmdGetProfile: func(ctx context.Context, raw json.RawMessage) (any, error) {
			p, err := decode[identityParams](raw)
			if err != nil {
				return nil, err
			}
			rec, found, err := s.GetProfile(ctx, p.Identity)
			if err != nil {
				return nil, err
			}
			return profileResult{Record: rec, Found: found}, nil
		},
		CmdStoreProfile: func(ctx context.Context, raw json.RawMessage) (any, error) {
			rec, err := decode[model.ProfileRecord](raw)
			if err != nil {
				return nil, err
			}
			return s.StoreProfile(ctx, &rec)
		},
		CmdStoreSecondaryMeta: func(ctx context.Context, raw json.RawMessage) (any, error) {
			p, err := decode[secondaryMetaParams](raw)
			if err != nil {
				return nil, err
			}
			return nil, s.StoreSecondaryMeta(ctx, p.Identity, p.Meta)
		},
		CmdRecentProfiles: func(ctx context.Context, raw json.RawMessage) (any, error) {
			p, err := decode[limitParams](raw)
			if err != nil {
				return nil, err
			}
			return s.RecentProfiles(ctx, p.Limit)
		},
		CmdCountProfiles: func(ctx context.Context, _ json.RawMessage) (any, error) {
			return s.CountProfiles(ctx)
		},
		CmdGetOverrides: func(ctx context.Context, raw json.RawMessage) (any, error) {
			p, err := decode[identityParams](raw)
			if err != nil {
				return nil, err
			}
			rec, found, err := s.GetOverrides(ctx, p.Identity)
			if err != nil {
				return nil, err
			}
			return overridesResult{Record: rec, Found: found}, nil
		},
		CmdStoreOverrides: func(ctx context.Context, raw json.RawMessage) (any, error) {
			p, err := decode[storeOverridesParams](raw)
			if err != nil {
				return nil, err
			}
			return s.StoreOverrides(ctx, p.Identity, p.Patch)
		},
		CmdGetOverridesBatch: func(ctx context.Context, raw json.RawMessage) (any, error) {
			p, err := decode[batchParams](raw)
			if err != nil {
				return nil, err
			}
			return s.GetOverridesBatch(ctx, p.Identities)
		},
		CmdFlushProfiles: func(ctx context.Context, raw json.RawMessage) (any, error) {
			p, err := decode[flushParams](raw)
			if err != nil {
				return nil, err
			}
			return s.FlushProfiles(ctx, p.MaxAgeDays)
		},
		CmdFlushOverrides: func(ctx context.Context, raw json.RawMessage) (any, error) {
			p, err := decode[flushParams](raw)
			if err != nil {
				return nil, err
			}
			return s.FlushOverrides(ctx, p.MaxAgeDays)
		},
	}
}
