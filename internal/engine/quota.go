package engine

import (
	"fmt"
	"sync"
	"time"

	"github.com/sitesmith/sitesmith/pkg/models"
)

// Unlimited is the quota sentinel meaning no monthly cap.
const Unlimited = -1

// QuotaLimits maps subscription tier -> task type -> monthly cap.
// A missing entry or Unlimited means no cap for that combination.
type QuotaLimits map[string]map[models.TaskType]int

// TierResolver returns the subscription tier for a tenant. It is the
// engine's only dependency on the billing system and is consumed opaquely.
type TierResolver func(tenantID string) string

// QuotaLedger tracks monthly per-tenant, per-task-type admission counters.
// Quota is consumed on successful admission, not on completion, so automatic
// retries of an admitted task never re-consume quota.
type QuotaLedger struct {
	mu     sync.Mutex
	limits QuotaLimits
	tierOf TierResolver
	used   map[string]int
	now    func() time.Time
}

// NewQuotaLedger creates a ledger with the given limits. A nil tierOf
// resolves every tenant to the "free" tier.
func NewQuotaLedger(limits QuotaLimits, tierOf TierResolver) *QuotaLedger {
	if tierOf == nil {
		tierOf = func(string) string { return "free" }
	}
	return &QuotaLedger{
		limits: limits,
		tierOf: tierOf,
		used:   make(map[string]int),
		now:    time.Now,
	}
}

// SetLimits replaces the limit table. Used by config hot-reload.
func (q *QuotaLedger) SetLimits(limits QuotaLimits) {
	q.mu.Lock()
	q.limits = limits
	q.mu.Unlock()
}

// usageKey partitions counters by tenant, task type, and billing month.
func (q *QuotaLedger) usageKey(tenantID string, taskType models.TaskType) string {
	return fmt.Sprintf("%s|%s|%s", tenantID, taskType, q.now().UTC().Format("2006-01"))
}

// limitFor resolves the monthly cap for a tenant and task type.
// Caller must hold q.mu.
func (q *QuotaLedger) limitFor(tenantID string, taskType models.TaskType) int {
	tierLimits, ok := q.limits[q.tierOf(tenantID)]
	if !ok {
		return Unlimited
	}
	limit, ok := tierLimits[taskType]
	if !ok {
		return Unlimited
	}
	return limit
}

// Admit atomically checks and consumes n admissions for the tenant and task
// type in the current billing month. On rejection nothing is consumed.
func (q *QuotaLedger) Admit(tenantID string, taskType models.TaskType, n int) error {
	if n <= 0 {
		return nil
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	limit := q.limitFor(tenantID, taskType)
	if limit == Unlimited {
		q.used[q.usageKey(tenantID, taskType)] += n
		return nil
	}

	key := q.usageKey(tenantID, taskType)
	if q.used[key]+n > limit {
		return &QuotaError{TenantID: tenantID, TaskType: taskType, Limit: limit}
	}

	q.used[key] += n
	return nil
}

// AdmitAll atomically checks and consumes one admission per task type in
// types. Either every type is admitted or none are: on rejection no counter
// moves, so a rejected workflow submission leaves no partial state.
func (q *QuotaLedger) AdmitAll(tenantID string, types []models.TaskType) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	// Count requested admissions per type first.
	requested := make(map[models.TaskType]int)
	for _, t := range types {
		requested[t]++
	}

	for t, n := range requested {
		limit := q.limitFor(tenantID, t)
		if limit == Unlimited {
			continue
		}
		if q.used[q.usageKey(tenantID, t)]+n > limit {
			return &QuotaError{TenantID: tenantID, TaskType: t, Limit: limit}
		}
	}

	for t, n := range requested {
		q.used[q.usageKey(tenantID, t)] += n
	}
	return nil
}

// Used returns the tenant's admission count for a task type in the current
// billing month.
func (q *QuotaLedger) Used(tenantID string, taskType models.TaskType) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.used[q.usageKey(tenantID, taskType)]
}
