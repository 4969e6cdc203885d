package blackboard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Sentinel errors returned by the store. Callers should test with errors.Is.
var (
	// ErrAlreadyExists is returned by CreateProject when the project ID is taken.
	ErrAlreadyExists = errors.New("project already exists")

	// ErrVersionConflict is returned by version-checked writes when the
	// expected version does not match the stored version at commit time.
	// Callers must re-read and retry.
	ErrVersionConflict = errors.New("version conflict: stale project version")

	// ErrLockHeld is returned by AcquireLock when an unexpired lock with a
	// different holder exists.
	ErrLockHeld = errors.New("lock held by another holder")

	// ErrNotLockHolder is returned by ReleaseLock when an unexpired lock is
	// held by someone else.
	ErrNotLockHolder = errors.New("lock held by a different holder")
)

// DefaultUpdateRetries bounds the re-read-and-retry loop of
// UpdateProjectWithRetry to avoid starvation under heavy contention.
const DefaultUpdateRetries = 5

// Store provides instance-scoped Redis operations for the blackboard.
// All keys are automatically namespaced with the instance name.
// The store is thread-safe and can be used concurrently from multiple goroutines.
type Store struct {
	rdb          *redis.Client
	instanceName string
}

// NewStore creates a new blackboard store for the specified instance.
//
// Parameters:
//   - redisOpts: Redis connection options (address, password, DB, etc.)
//   - instanceName: Gaffer instance identifier (must not be empty)
//
// Returns an error if instanceName is empty.
func NewStore(redisOpts *redis.Options, instanceName string) (*Store, error) {
	if instanceName == "" {
		return nil, fmt.Errorf("instance name cannot be empty")
	}

	return &Store{
		rdb:          redis.NewClient(redisOpts),
		instanceName: instanceName,
	}, nil
}

// NewStoreFromClient wraps an existing Redis client. The store takes ownership:
// Close closes the underlying client.
func NewStoreFromClient(rdb *redis.Client, instanceName string) (*Store, error) {
	if instanceName == "" {
		return nil, fmt.Errorf("instance name cannot be empty")
	}
	return &Store{rdb: rdb, instanceName: instanceName}, nil
}

// Close closes the Redis connection. Implements io.Closer.
func (s *Store) Close() error {
	return s.rdb.Close()
}

// Ping verifies Redis connectivity. Useful for health checks.
func (s *Store) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

// InstanceName returns the instance this store is namespaced to.
func (s *Store) InstanceName() string {
	return s.instanceName
}

// CreateProject writes a new project record, failing with ErrAlreadyExists if
// the ID is taken. The project is stored at version 1 regardless of the
// version on the passed struct, and the first change-log entry is appended.
func (s *Store) CreateProject(ctx context.Context, p *Project, actor string) (*Project, error) {
	p.Version = 1
	now := time.Now().UnixMilli()
	if p.CreatedAtMs == 0 {
		p.CreatedAtMs = now
	}
	p.UpdatedAtMs = now
	if p.Status == "" {
		p.Status = ProjectStatusCreated
	}
	if p.Shots == nil {
		p.Shots = map[string]*Shot{}
	}
	if p.Tasks == nil {
		p.Tasks = map[string]*Task{}
	}
	if p.ArtifactIndex == nil {
		p.ArtifactIndex = map[string]string{}
	}
	if p.ErrorLog == nil {
		p.ErrorLog = []ErrorEntry{}
	}

	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("invalid project: %w", err)
	}

	hash, err := ProjectToHash(p)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize project: %w", err)
	}

	entry, err := changeEntryJSON(1, actor, "project", nil, p, now)
	if err != nil {
		return nil, err
	}

	key := ProjectKey(s.instanceName, p.ID)
	logKey := ChangeLogKey(s.instanceName, p.ID)

	// WATCH the project key so a concurrent create loses cleanly.
	err = s.rdb.Watch(ctx, func(tx *redis.Tx) error {
		exists, err := tx.Exists(ctx, key).Result()
		if err != nil {
			return fmt.Errorf("failed to check project existence: %w", err)
		}
		if exists > 0 {
			return ErrAlreadyExists
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, hash)
			pipe.RPush(ctx, logKey, entry)
			return nil
		})
		return err
	}, key)

	if errors.Is(err, redis.TxFailedErr) {
		return nil, ErrAlreadyExists
	}
	if err != nil {
		return nil, err
	}

	return p, nil
}

// GetProject retrieves a version-stamped project snapshot by ID.
// Returns (nil, redis.Nil) if the project doesn't exist.
// Use IsNotFound() to check for not-found errors.
func (s *Store) GetProject(ctx context.Context, projectID string) (*Project, error) {
	key := ProjectKey(s.instanceName, projectID)

	hashData, err := s.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read project from Redis: %w", err)
	}

	// HGetAll returns an empty map for non-existent keys
	if len(hashData) == 0 {
		return nil, redis.Nil
	}

	project, err := HashToProject(hashData)
	if err != nil {
		return nil, fmt.Errorf("failed to deserialize project: %w", err)
	}

	return project, nil
}

// ProjectExists checks if a project exists without fetching it.
func (s *Store) ProjectExists(ctx context.Context, projectID string) (bool, error) {
	key := ProjectKey(s.instanceName, projectID)
	exists, err := s.rdb.Exists(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check project existence: %w", err)
	}
	return exists > 0, nil
}

// UpdateProject applies a pure mutator to the stored project under optimistic
// concurrency control. The write commits only if the stored version still
// equals expectedVersion; otherwise ErrVersionConflict is returned and the
// caller must re-read and retry.
//
// Side effects of a successful update: version increments by exactly 1,
// updated_at_ms is stamped, and a change-log entry (actor, path, before,
// after) is appended atomically with the write.
func (s *Store) UpdateProject(ctx context.Context, projectID string, expectedVersion int64, actor, path string, mutator func(*Project) error) (*Project, error) {
	key := ProjectKey(s.instanceName, projectID)
	logKey := ChangeLogKey(s.instanceName, projectID)

	var updated *Project

	err := s.rdb.Watch(ctx, func(tx *redis.Tx) error {
		hashData, err := tx.HGetAll(ctx, key).Result()
		if err != nil {
			return fmt.Errorf("failed to read project from Redis: %w", err)
		}
		if len(hashData) == 0 {
			return redis.Nil
		}

		current, err := HashToProject(hashData)
		if err != nil {
			return fmt.Errorf("failed to deserialize project: %w", err)
		}

		if current.Version != expectedVersion {
			return ErrVersionConflict
		}

		before, err := cloneProject(current)
		if err != nil {
			return err
		}

		if err := mutator(current); err != nil {
			return err
		}

		now := time.Now().UnixMilli()
		current.Version = expectedVersion + 1
		current.UpdatedAtMs = now

		if err := current.Validate(); err != nil {
			return fmt.Errorf("mutator produced invalid project: %w", err)
		}

		hash, err := ProjectToHash(current)
		if err != nil {
			return fmt.Errorf("failed to serialize project: %w", err)
		}

		entry, err := changeEntryJSON(current.Version, actor, path, before, current, now)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, hash)
			pipe.RPush(ctx, logKey, entry)
			return nil
		})
		if err != nil {
			return err
		}

		updated = current
		return nil
	}, key)

	// A WATCH abort means another writer committed between our read and our
	// EXEC. That is a version conflict by definition.
	if errors.Is(err, redis.TxFailedErr) {
		return nil, ErrVersionConflict
	}
	if err != nil {
		return nil, err
	}

	return updated, nil
}

// UpdateProjectWithRetry re-reads and retries on ErrVersionConflict, bounded
// by maxAttempts (DefaultUpdateRetries when <= 0). Suitable for mutators that
// do not depend on the base version they were read against.
func (s *Store) UpdateProjectWithRetry(ctx context.Context, projectID, actor, path string, mutator func(*Project) error, maxAttempts int) (*Project, error) {
	if maxAttempts <= 0 {
		maxAttempts = DefaultUpdateRetries
	}

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		current, err := s.GetProject(ctx, projectID)
		if err != nil {
			return nil, err
		}

		updated, err := s.UpdateProject(ctx, projectID, current.Version, actor, path, mutator)
		if err == nil {
			return updated, nil
		}
		if !errors.Is(err, ErrVersionConflict) {
			return nil, err
		}
		lastErr = err
	}

	return nil, fmt.Errorf("update retry budget exhausted after %d attempts: %w", maxAttempts, lastErr)
}

// ChangeLog returns a project's full append-only change log in write order.
func (s *Store) ChangeLog(ctx context.Context, projectID string) ([]ChangeEntry, error) {
	logKey := ChangeLogKey(s.instanceName, projectID)

	raw, err := s.rdb.LRange(ctx, logKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read change log: %w", err)
	}

	entries := make([]ChangeEntry, 0, len(raw))
	for i, item := range raw {
		var entry ChangeEntry
		if err := json.Unmarshal([]byte(item), &entry); err != nil {
			return nil, fmt.Errorf("failed to unmarshal change log entry %d: %w", i, err)
		}
		entries = append(entries, entry)
	}

	return entries, nil
}

// AppendError appends an entry to the project's error log. Version conflicts
// are retried internally; the error log is append-only so order under
// contention does not matter.
func (s *Store) AppendError(ctx context.Context, projectID string, entry ErrorEntry) error {
	if entry.TimestampMs == 0 {
		entry.TimestampMs = time.Now().UnixMilli()
	}

	_, err := s.UpdateProjectWithRetry(ctx, projectID, entry.Actor, "error_log", func(p *Project) error {
		p.ErrorLog = append(p.ErrorLog, entry)
		return nil
	}, 0)
	return err
}

// AcquireLock acquires a time-bounded exclusive lock on a sub-resource key.
// Fails with ErrLockHeld if an unexpired lock with a different holder exists.
// Re-acquisition by the current holder extends the TTL.
//
// Locks are stored at their own Redis keys with a native PX expiry, so an
// expired lock never blocks a new holder even before the sweep reclaims it.
func (s *Store) AcquireLock(ctx context.Context, lockKey, holder string, lockType LockType, ttl time.Duration) (*Lock, error) {
	if holder == "" {
		return nil, fmt.Errorf("lock holder cannot be empty")
	}
	if ttl <= 0 {
		return nil, fmt.Errorf("lock TTL must be positive")
	}

	now := time.Now()
	lock := &Lock{
		Key:          lockKey,
		Holder:       holder,
		Type:         lockType,
		AcquiredAtMs: now.UnixMilli(),
		ExpiresAtMs:  now.Add(ttl).UnixMilli(),
	}

	lockJSON, err := json.Marshal(lock)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal lock: %w", err)
	}

	key := LockKey(s.instanceName, lockKey)

	acquired, err := s.rdb.SetNX(ctx, key, lockJSON, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire lock: %w", err)
	}
	if acquired {
		return lock, nil
	}

	// Key exists: inspect the current record.
	existing, err := s.getLock(ctx, key)
	if err != nil {
		if errors.Is(err, redis.Nil) {
			// Raced with an expiry; try once more.
			acquired, err := s.rdb.SetNX(ctx, key, lockJSON, ttl).Result()
			if err != nil {
				return nil, fmt.Errorf("failed to acquire lock: %w", err)
			}
			if acquired {
				return lock, nil
			}
			return nil, ErrLockHeld
		}
		return nil, err
	}

	if existing.Holder == holder {
		// Same holder extends the lease.
		if err := s.rdb.Set(ctx, key, lockJSON, ttl).Err(); err != nil {
			return nil, fmt.Errorf("failed to extend lock: %w", err)
		}
		return lock, nil
	}

	if existing.Expired(now) {
		// Record outlived its Redis TTL (e.g. written by a crashed process
		// with clock skew). Reclaim it.
		if err := s.rdb.Set(ctx, key, lockJSON, ttl).Err(); err != nil {
			return nil, fmt.Errorf("failed to reclaim expired lock: %w", err)
		}
		return lock, nil
	}

	return nil, ErrLockHeld
}

// ReleaseLock releases a lock held by holder. A lock that has already expired
// or does not exist is a silent no-op. Releasing someone else's unexpired
// lock fails with ErrNotLockHolder.
func (s *Store) ReleaseLock(ctx context.Context, lockKey, holder string) error {
	key := LockKey(s.instanceName, lockKey)

	existing, err := s.getLock(ctx, key)
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil
		}
		return err
	}

	if existing.Holder != holder {
		if existing.Expired(time.Now()) {
			return nil
		}
		return ErrNotLockHolder
	}

	if err := s.rdb.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("failed to release lock: %w", err)
	}

	return nil
}

// GetLock returns the current lock record for a key, or (nil, redis.Nil)
// when no lock is held.
func (s *Store) GetLock(ctx context.Context, lockKey string) (*Lock, error) {
	return s.getLock(ctx, LockKey(s.instanceName, lockKey))
}

func (s *Store) getLock(ctx context.Context, fullKey string) (*Lock, error) {
	data, err := s.rdb.Get(ctx, fullKey).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, redis.Nil
		}
		return nil, fmt.Errorf("failed to read lock: %w", err)
	}

	var lock Lock
	if err := json.Unmarshal([]byte(data), &lock); err != nil {
		return nil, fmt.Errorf("failed to unmarshal lock: %w", err)
	}

	return &lock, nil
}

// ListLocks returns every lock record currently held in this instance.
func (s *Store) ListLocks(ctx context.Context) ([]*Lock, error) {
	var locks []*Lock

	iter := s.rdb.Scan(ctx, 0, LockKeyPrefix(s.instanceName), 100).Iterator()
	for iter.Next(ctx) {
		lock, err := s.getLock(ctx, iter.Val())
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue // expired between SCAN and GET
			}
			return nil, err
		}
		locks = append(locks, lock)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan locks: %w", err)
	}

	return locks, nil
}

// SweepExpiredLocks deletes lock records whose recorded expiry has passed.
// Deletion is idempotent, so the sweep is safe to run concurrently from
// multiple orchestrator instances. Returns the number of locks reclaimed.
func (s *Store) SweepExpiredLocks(ctx context.Context, now time.Time) (int, error) {
	reclaimed := 0

	iter := s.rdb.Scan(ctx, 0, LockKeyPrefix(s.instanceName), 100).Iterator()
	for iter.Next(ctx) {
		fullKey := iter.Val()
		lock, err := s.getLock(ctx, fullKey)
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			return reclaimed, err
		}

		if !lock.Expired(now) {
			continue
		}

		deleted, err := s.rdb.Del(ctx, fullKey).Result()
		if err != nil {
			return reclaimed, fmt.Errorf("failed to delete expired lock %s: %w", lock.Key, err)
		}
		reclaimed += int(deleted)
	}
	if err := iter.Err(); err != nil {
		return reclaimed, fmt.Errorf("failed to scan locks: %w", err)
	}

	return reclaimed, nil
}

// ListProjectIDs returns the IDs of every project in this instance.
// Used by the maintenance sweep; the scan is cursor-based, not O(keyspace).
func (s *Store) ListProjectIDs(ctx context.Context) ([]string, error) {
	prefix := projectKeyRoot(s.instanceName)

	var ids []string
	iter := s.rdb.Scan(ctx, 0, ProjectKeyPrefix(s.instanceName), 100).Iterator()
	for iter.Next(ctx) {
		ids = append(ids, strings.TrimPrefix(iter.Val(), prefix))
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan projects: %w", err)
	}

	return ids, nil
}

// UpdateShot is the RPC surface external agents use to write their shot.
// Shots are disjoint sub-resources, so the write is a plain version-checked
// update with no lock.
func (s *Store) UpdateShot(ctx context.Context, projectID, shotID string, shotData json.RawMessage, expectedVersion int64, actor string) (*Project, error) {
	return s.UpdateProject(ctx, projectID, expectedVersion, actor, "shots", func(p *Project) error {
		now := time.Now().UnixMilli()
		shot, ok := p.Shots[shotID]
		if !ok {
			shot = &Shot{ID: shotID}
			p.Shots[shotID] = shot
		}
		shot.Data = shotData
		shot.UpdatedBy = actor
		shot.UpdatedAtMs = now
		return nil
	})
}

// GetBudget returns a project's current budget figures.
func (s *Store) GetBudget(ctx context.Context, projectID string) (*Budget, int64, error) {
	project, err := s.GetProject(ctx, projectID)
	if err != nil {
		return nil, 0, err
	}
	budget := project.Budget
	return &budget, project.Version, nil
}

// DebitBudget increments spent by amount under optimistic concurrency.
// amount must be positive; refunds go through RefundBudget. Threshold
// evaluation and event emission are the budget ledger's concern.
func (s *Store) DebitBudget(ctx context.Context, projectID string, amount float64, expectedVersion int64, actor string) (*Project, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("debit amount must be positive, got %v", amount)
	}

	return s.UpdateProject(ctx, projectID, expectedVersion, actor, "budget", func(p *Project) error {
		p.Budget.Spent += amount
		return nil
	})
}

// RefundBudget decreases spent by amount. This is the only path by which
// spent may decrease. The result is clamped at zero.
func (s *Store) RefundBudget(ctx context.Context, projectID string, amount float64, expectedVersion int64, actor string) (*Project, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("refund amount must be positive, got %v", amount)
	}

	return s.UpdateProject(ctx, projectID, expectedVersion, actor, "budget", func(p *Project) error {
		p.Budget.Spent -= amount
		if p.Budget.Spent < 0 {
			p.Budget.Spent = 0
		}
		return nil
	})
}

// IsNotFound returns true if the error is a Redis "key not found" error
// (redis.Nil). Use this to check if GetProject or GetLock returned "not found".
func IsNotFound(err error) bool {
	return errors.Is(err, redis.Nil)
}

// changeEntryJSON builds the serialized change-log entry for a write.
// before may be nil for project creation.
func changeEntryJSON(version int64, actor, path string, before, after *Project, nowMs int64) ([]byte, error) {
	var beforeJSON json.RawMessage
	if before != nil {
		data, err := json.Marshal(before)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal change-log before state: %w", err)
		}
		beforeJSON = data
	}

	afterJSON, err := json.Marshal(after)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal change-log after state: %w", err)
	}

	entry := ChangeEntry{
		Version:     version,
		Actor:       actor,
		Path:        path,
		Before:      beforeJSON,
		After:       afterJSON,
		TimestampMs: nowMs,
	}

	return json.Marshal(&entry)
}
