package approval

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/meridian-run/meridian/errs"
	"github.com/meridian-run/meridian/policy"
)

// Request is the structured ApprovalRequest the bridge displays while a
// job sits in awaiting_approval: a plain-language summary plus a per-step
// risk table (§4.4).
type Request struct {
	JobID       string               `json:"jobId"`
	PlanID      string               `json:"planId"`
	Summary     string               `json:"summary"`
	OverallRisk string               `json:"overallRisk"`
	Steps       []policy.StepResult  `json:"steps"`
	IssuedAt    time.Time            `json:"issuedAt"`
	ExpiresAt   time.Time            `json:"expiresAt"`
}

// Cache is the sentinel-DB-backed approval-request cache named in §6
// (`sentinel` — "approval cache, stored user policy overrides"): a
// Get/Set/Delete shape backed by Redis rather than an in-memory map, so
// the cache survives a process restart while a job waits on a human.
type Cache struct {
	rdb    *redis.Client
	prefix string
}

// NewCache builds a Cache over an existing Redis client.
func NewCache(rdb *redis.Client) *Cache {
	return &Cache{rdb: rdb, prefix: "meridian:approval:"}
}

func (c *Cache) key(jobID string) string { return c.prefix + jobID }

// Set stores req with ttl, mirroring Redis's own TTL eviction (§4.9
// "Evict approval-cache entries past TTL").
func (c *Cache) Set(ctx context.Context, jobID string, req Request, ttl time.Duration) error {
	b, err := json.Marshal(req)
	if err != nil {
		return errs.Wrap(errs.Internal, err, "marshal approval request")
	}
	if err := c.rdb.Set(ctx, c.key(jobID), b, ttl).Err(); err != nil {
		return errs.Wrap(errs.Upstream, err, "redis set approval request")
	}
	return nil
}

// Get retrieves the cached request for jobID, or (Request{}, false, nil) if
// absent or expired.
func (c *Cache) Get(ctx context.Context, jobID string) (Request, bool, error) {
	b, err := c.rdb.Get(ctx, c.key(jobID)).Bytes()
	if err == redis.Nil {
		return Request{}, false, nil
	}
	if err != nil {
		return Request{}, false, errs.Wrap(errs.Upstream, err, "redis get approval request")
	}
	var req Request
	if err := json.Unmarshal(b, &req); err != nil {
		return Request{}, false, errs.Wrap(errs.Internal, err, "unmarshal approval request")
	}
	return req, true, nil
}

// Delete removes jobID's cached request, called once the job leaves
// awaiting_approval (approved, rejected, or expired).
func (c *Cache) Delete(ctx context.Context, jobID string) error {
	if err := c.rdb.Del(ctx, c.key(jobID)).Err(); err != nil {
		return errs.Wrap(errs.Upstream, err, "redis delete approval request")
	}
	return nil
}
