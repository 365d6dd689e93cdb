// ABOUTME: Annotates incoming process lists with previously stored safety verdicts.
// ABOUTME: Backed by a TTL'd LRU so steady-state ingestion avoids per-frame store reads.

package ingest

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/opsentrix/fleet-hub/internal/protocol"
	"github.com/opsentrix/fleet-hub/internal/store"
)

const (
	safetyCacheSize = 256
	safetyCacheTTL  = 5 * time.Minute
)

// SafetyCache serves per-agent safety verdict maps, loading from the store on
// miss and expiring entries so fresh classifications become visible.
type SafetyCache struct {
	store store.Store
	cache *expirable.LRU[string, map[string]store.SafetyInfo]
}

// NewSafetyCache creates a cache over the store's cached safety lookups.
func NewSafetyCache(s store.Store) *SafetyCache {
	return &SafetyCache{
		store: s,
		cache: expirable.NewLRU[string, map[string]store.SafetyInfo](safetyCacheSize, nil, safetyCacheTTL),
	}
}

// Enrich fills SafetyFlag and SafetyReason on each process from the agent's
// cached verdicts. Processes without a verdict get the unknown defaults; a
// failed lookup still stamps the defaults on every process and the error is
// returned after the list has been made usable.
func (c *SafetyCache) Enrich(ctx context.Context, agentID string, procs []protocol.ProcessInfo) error {
	verdicts, err := c.lookup(ctx, agentID)

	for i := range procs {
		if info, ok := verdicts[store.NormalizeProcessName(procs[i].Name)]; ok {
			procs[i].SafetyFlag = info.Flag
			procs[i].SafetyReason = info.Reason
			continue
		}
		if procs[i].SafetyFlag == "" {
			procs[i].SafetyFlag = protocol.SafetyUnknown
			procs[i].SafetyReason = protocol.DefaultSafetyReason
		}
	}
	return err
}

// Invalidate drops the cached verdicts for one agent.
func (c *SafetyCache) Invalidate(agentID string) {
	c.cache.Remove(agentID)
}

func (c *SafetyCache) lookup(ctx context.Context, agentID string) (map[string]store.SafetyInfo, error) {
	if verdicts, ok := c.cache.Get(agentID); ok {
		return verdicts, nil
	}

	verdicts, err := c.store.GetCachedSafety(ctx, agentID)
	if err != nil {
		return nil, err
	}
	c.cache.Add(agentID, verdicts)
	return verdicts, nil
}
