// Package store provides the TTL'd key/value result store used to persist
// task and workflow records and to pass step outputs between workflow stages.
package store

import (
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a key does not exist or has expired.
var ErrNotFound = errors.New("store: key not found")

// Store is a namespaced key/value contract with per-entry expiry. There are
// no multi-key transactional guarantees: callers must tolerate read-after-write
// races on freshly written keys by treating ErrNotFound as "not visible yet".
type Store interface {
	// Put writes value under key. A ttl <= 0 means the entry never expires.
	Put(key string, value any, ttl time.Duration) error
	// Get reads the value at key into dest. Returns ErrNotFound for missing
	// or expired keys.
	Get(key string, dest any) error
	// Delete removes a key. Deleting a missing key is not an error.
	Delete(key string) error
	// Keys returns all live keys with the given prefix.
	Keys(prefix string) ([]string, error)
	// Close releases underlying resources.
	Close() error
}

// Key namespaces. Records are partitioned by prefix so scans stay cheap.
const (
	taskPrefix     = "task:"
	workflowPrefix = "workflow:"
	resultPrefix   = "result:"
)

// TaskKey returns the store key for a task record.
func TaskKey(taskID string) string {
	return taskPrefix + taskID
}

// TaskPrefix returns the prefix under which all task records live.
func TaskPrefix() string {
	return taskPrefix
}

// WorkflowKey returns the store key for a workflow record.
func WorkflowKey(workflowID string) string {
	return workflowPrefix + workflowID
}

// ResultKey returns the store key for a task's typed result, keyed by
// (taskID, resultKind) so dependent steps can read it directly.
func ResultKey(taskID, kind string) string {
	return fmt.Sprintf("%s%s:%s", resultPrefix, taskID, kind)
}
