package profilecache

import (
	"context"

	"github.com/charmbracelet/log"
	"github.com/fchat-tools/profilecache/internal/metrics"
	"github.com/fchat-tools/profilecache/internal/model"
)

// GetOverrides returns the override record for identity, memoized.
func (c *Cache) GetOverrides(ctx context.Context, identity string) (*model.OverrideRecord, bool, error) {
	id, err := model.NormalizeIdentity(identity)
	if err != nil {
		return nil, false, err
	}
	if rec, ok := c.overrides.Get(id); ok {
		metrics.CacheHit("overrides")
		return rec, true, nil
	}
	metrics.CacheMiss("overrides")
	rec, found, err := c.backend.GetOverrides(ctx, id)
	if err != nil {
		log.Warn("Profile cache: override lookup failed, treating as miss", "identity", id, "err", err)
		return nil, false, nil
	}
	if found {
		c.remember(rec)
	}
	return rec, found, nil
}

// SetOverrides applies patch and reports whether the stored record changed.
func (c *Cache) SetOverrides(ctx context.Context, identity string, patch model.OverridePatch) (bool, error) {
	id, err := model.NormalizeIdentity(identity)
	if err != nil {
		return false, err
	}
	changed, err := c.backend.StoreOverrides(ctx, id, patch)
	if err != nil {
		return false, err
	}
	if changed {
		c.overrides.Del(id)
		c.overrides.Wait()
	}
	return changed, nil
}

// GetOverridesBatch resolves many identities, asking the backend only for the
// ones not memoized. The result is keyed by normalized identity.
func (c *Cache) GetOverridesBatch(ctx context.Context, identities []string) (map[string]*model.OverrideRecord, error) {
	out := make(map[string]*model.OverrideRecord, len(identities))
	var missing []string
	for _, name := range identities {
		id, err := model.NormalizeIdentity(name)
		if err != nil {
			continue
		}
		if rec, ok := c.overrides.Get(id); ok {
			out[id] = rec
			continue
		}
		missing = append(missing, id)
	}
	if len(missing) == 0 {
		return out, nil
	}
	fetched, err := c.backend.GetOverridesBatch(ctx, missing)
	if err != nil {
		return nil, err
	}
	for id, rec := range fetched {
		out[id] = rec
		c.remember(rec)
	}
	return out, nil
}

func (c *Cache) remember(rec *model.OverrideRecord) {
	c.overrides.Set(rec.Identity, rec, 1)
	c.overrides.Wait()
}
