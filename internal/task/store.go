package task

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Redis key namespaces. Tasks, the message-id mapping, and the per-user
// markers all expire with the task TTL; nothing here needs manual cleanup
// beyond the optional stale sweep.
const (
	taskPrefix     = "mj:task:"
	msgPrefix      = "mj:msg2task:"
	userActivePref = "mj:user:active:"
	userLockPref   = "mj:user:lock:"
	changeChannel  = "mj:task:update"
)

const (
	// DefaultTTL bounds how long a task record outlives its last update.
	DefaultTTL = time.Hour
	// userLockTTL bounds the per-user submission lock so a crashed submitter
	// cannot deadlock a user.
	userLockTTL = 30 * time.Second
	// pollInterval is the fallback cadence for Wait when no notification
	// arrives.
	pollInterval = 2 * time.Second
	// MaxWaitTimeout is the hard cap on Wait regardless of the caller's ask.
	MaxWaitTimeout = 300 * time.Second
)

var (
	// ErrNotFound is returned when a task id resolves to no live record.
	ErrNotFound = errors.New("task: not found")
	// ErrTimeout is returned when Wait gives up. The underlying task is not
	// cancelled; a late caller may still read its terminal state.
	ErrTimeout = errors.New("task: wait timed out")
	// ErrFailed wraps a task's fail reason when Wait observes FAILURE.
	ErrFailed = errors.New("task: failed")
	// ErrActiveTask is returned when a user already has a non-terminal task.
	ErrActiveTask = errors.New("task: user already has an active task")
	// ErrSubmitBusy is returned when another submission for the same user is
	// in flight and holds the submission lock.
	ErrSubmitBusy = errors.New("task: submission already in flight for user")
)

// compareDelete atomically deletes a key only while it still holds the given
// value. Shared by the user submission lock and the active-task marker.
var compareDelete = redis.NewScript(`
if redis.call('get', KEYS[1]) == ARGV[1] then
  return redis.call('del', KEYS[1])
else
  return 0
end
`)

// Store is a TTL-bounded task store shared by every process through Redis.
// All state-dependent mutations are single round trips (SET NX EX or a
// script); plain task-body updates are safe because each task is only
// written by the single goroutine that owns its account's socket.
type Store struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewStore wraps a Redis client. A zero ttl selects DefaultTTL.
func NewStore(rdb *redis.Client, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Store{rdb: rdb, ttl: ttl}
}

// Create stores a task and marks the user's active task. Callers that need
// the single-flight guarantee use TryAcquireAndCreate instead.
func (s *Store) Create(ctx context.Context, t *Task) error {
	if t.TaskID == "" {
		return fmt.Errorf("task: create: task id is required")
	}
	if t.Status == "" {
		t.Status = StatusSubmitted
	}
	if t.CreatedAt == 0 {
		t.CreatedAt = time.Now().UnixMilli()
	}

	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("task: create %s: marshal: %w", t.TaskID, err)
	}
	if err := s.rdb.Set(ctx, taskPrefix+t.TaskID, data, s.ttl).Err(); err != nil {
		return fmt.Errorf("task: create %s: %w", t.TaskID, err)
	}
	if t.UserID != "" {
		if err := s.rdb.Set(ctx, userActivePref+t.UserID, t.TaskID, s.ttl).Err(); err != nil {
			return fmt.Errorf("task: create %s: mark active: %w", t.TaskID, err)
		}
	}
	s.publish(ctx, Change{Type: ChangeCreate, TaskID: t.TaskID, Task: t})
	return nil
}

// Get returns a task by id, or ErrNotFound once the record has expired.
func (s *Store) Get(ctx context.Context, id string) (*Task, error) {
	data, err := s.rdb.Get(ctx, taskPrefix+id).Bytes()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("task: get %s: %w", id, err)
	}
	var t Task
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("task: get %s: decode: %w", id, err)
	}
	return &t, nil
}

// Update applies mutate to the current record and writes it back, refreshing
// the TTL. Status can only move forward and terminal states are final; a
// mutation that would regress the state machine or flip one terminal state
// to the other keeps the stored status. Reaching a terminal state releases
// the user's active marker and submission lock so the next submission is
// immediately possible.
func (s *Store) Update(ctx context.Context, id string, mutate func(*Task)) (*Task, error) {
	t, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	prev := t.Status
	mutate(t)
	t.TaskID = id // immutable
	if t.Status.rank() < prev.rank() || (prev.Terminal() && t.Status != prev) {
		t.Status = prev
	}

	data, err := json.Marshal(t)
	if err != nil {
		return nil, fmt.Errorf("task: update %s: marshal: %w", id, err)
	}
	if err := s.rdb.Set(ctx, taskPrefix+id, data, s.ttl).Err(); err != nil {
		return nil, fmt.Errorf("task: update %s: %w", id, err)
	}

	if t.Status.Terminal() && t.UserID != "" {
		s.releaseUser(ctx, t.UserID, id)
	}

	s.publish(ctx, Change{Type: ChangeUpdate, TaskID: id, Task: t})
	return t, nil
}

// Delete removes a task and, if it was the user's active task, the marker.
func (s *Store) Delete(ctx context.Context, id string) error {
	t, err := s.Get(ctx, id)
	if err == nil && t.UserID != "" {
		s.releaseUser(ctx, t.UserID, id)
	}
	if err := s.rdb.Del(ctx, taskPrefix+id).Err(); err != nil {
		return fmt.Errorf("task: delete %s: %w", id, err)
	}
	s.publish(ctx, Change{Type: ChangeDelete, TaskID: id})
	return nil
}

// releaseUser clears the active marker (only if it still points at taskID)
// and drops the submission lock.
func (s *Store) releaseUser(ctx context.Context, userID, taskID string) {
	if err := compareDelete.Run(ctx, s.rdb, []string{userActivePref + userID}, taskID).Err(); err != nil && err != redis.Nil {
		log.Printf("task: release active marker for %s: %v", userID, err)
	}
	if err := s.rdb.Del(ctx, userLockPref+userID).Err(); err != nil {
		log.Printf("task: release submit lock for %s: %v", userID, err)
	}
}

// HasActiveTask reports whether the user has a non-terminal task. A marker
// pointing at an expired or terminal task is cleared on the way out.
func (s *Store) HasActiveTask(ctx context.Context, userID string) (bool, error) {
	t, err := s.GetActiveTask(ctx, userID)
	if err != nil {
		return false, err
	}
	return t != nil, nil
}

// GetActiveTask returns the user's current non-terminal task, or nil.
func (s *Store) GetActiveTask(ctx context.Context, userID string) (*Task, error) {
	key := userActivePref + userID
	id, err := s.rdb.Get(ctx, key).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("task: active task for %s: %w", userID, err)
	}

	t, err := s.Get(ctx, id)
	if err == ErrNotFound {
		s.rdb.Del(ctx, key)
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if t.Status.Terminal() {
		s.rdb.Del(ctx, key)
		return nil, nil
	}
	return t, nil
}

// TryAcquireAndCreate atomically checks "no active task for this user" and
// creates the task. The user submission lock (SET NX EX) closes the race
// where two concurrent submissions both pass a naive check-then-create.
func (s *Store) TryAcquireAndCreate(ctx context.Context, t *Task) error {
	if t.UserID == "" {
		return s.Create(ctx, t)
	}

	lockKey := userLockPref + t.UserID
	lockVal := t.TaskID + "-" + uuid.NewString()

	ok, err := s.rdb.SetNX(ctx, lockKey, lockVal, userLockTTL).Result()
	if err != nil {
		return fmt.Errorf("task: acquire submit lock for %s: %w", t.UserID, err)
	}
	if !ok {
		active, aerr := s.HasActiveTask(ctx, t.UserID)
		if aerr != nil {
			return aerr
		}
		if active {
			return ErrActiveTask
		}
		return ErrSubmitBusy
	}

	// Lock held; re-check under it before creating.
	active, err := s.HasActiveTask(ctx, t.UserID)
	if err != nil {
		compareDelete.Run(ctx, s.rdb, []string{lockKey}, lockVal)
		return err
	}
	if active {
		compareDelete.Run(ctx, s.rdb, []string{lockKey}, lockVal)
		return ErrActiveTask
	}

	if err := s.Create(ctx, t); err != nil {
		compareDelete.Run(ctx, s.rdb, []string{lockKey}, lockVal)
		return err
	}
	return nil
}

// MapMessage records which task a protocol message belongs to, so later
// updates and deletions of that message can skip the heuristics.
func (s *Store) MapMessage(ctx context.Context, messageID, taskID string) error {
	if err := s.rdb.Set(ctx, msgPrefix+messageID, taskID, s.ttl).Err(); err != nil {
		return fmt.Errorf("task: map message %s: %w", messageID, err)
	}
	return nil
}

// TaskIDByMessage resolves a protocol message id to a task id, if known.
func (s *Store) TaskIDByMessage(ctx context.Context, messageID string) (string, error) {
	id, err := s.rdb.Get(ctx, msgPrefix+messageID).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("task: lookup message %s: %w", messageID, err)
	}
	return id, nil
}

// Pending returns all non-terminal tasks, newest first. The ordering is what
// lets the correlator prefer fresh tasks over stuck ones.
func (s *Store) Pending(ctx context.Context) ([]Task, error) {
	var pending []Task

	iter := s.rdb.Scan(ctx, 0, taskPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		data, err := s.rdb.Get(ctx, iter.Val()).Bytes()
		if err == redis.Nil {
			continue // expired between SCAN and GET
		}
		if err != nil {
			return nil, fmt.Errorf("task: pending scan: %w", err)
		}
		var t Task
		if err := json.Unmarshal(data, &t); err != nil {
			log.Printf("task: pending scan: skip undecodable %s: %v", iter.Val(), err)
			continue
		}
		if t.Pending() {
			pending = append(pending, t)
		}
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("task: pending scan: %w", err)
	}

	sort.Slice(pending, func(i, j int) bool {
		return pending[i].CreatedAt > pending[j].CreatedAt
	})
	return pending, nil
}

// Sweep deletes tasks older than maxAge regardless of state, returning the
// number removed. Redis TTL normally handles this; the sweep exists for
// shortened age bounds and for stuck non-terminal records.
func (s *Store) Sweep(ctx context.Context, maxAge time.Duration) (int, error) {
	cutoff := time.Now().Add(-maxAge).UnixMilli()
	removed := 0

	iter := s.rdb.Scan(ctx, 0, taskPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		data, err := s.rdb.Get(ctx, iter.Val()).Bytes()
		if err != nil {
			continue
		}
		var t Task
		if err := json.Unmarshal(data, &t); err != nil {
			continue
		}
		if t.CreatedAt < cutoff {
			if err := s.Delete(ctx, t.TaskID); err == nil {
				removed++
			}
		}
	}
	if err := iter.Err(); err != nil {
		return removed, fmt.Errorf("task: sweep: %w", err)
	}
	return removed, nil
}

// Subscribe delivers store change notifications until ctx is cancelled or
// the returned close function is called.
func (s *Store) Subscribe(ctx context.Context) (<-chan Change, func() error) {
	ps := s.rdb.Subscribe(ctx, changeChannel)
	out := make(chan Change, 32)

	go func() {
		defer close(out)
		for msg := range ps.Channel() {
			var c Change
			if err := json.Unmarshal([]byte(msg.Payload), &c); err != nil {
				log.Printf("task: decode change notification: %v", err)
				continue
			}
			select {
			case out <- c:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, ps.Close
}

// Wait blocks until the task reaches a terminal state or the timeout lapses.
// The timeout is clamped to MaxWaitTimeout. Waiting does not cancel the
// task: on ErrTimeout the record keeps resolving on its own.
func (s *Store) Wait(ctx context.Context, id string, timeout time.Duration) (*Task, error) {
	if timeout <= 0 || timeout > MaxWaitTimeout {
		timeout = MaxWaitTimeout
	}

	changes, closeSub := s.Subscribe(ctx)
	defer closeSub()

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	poll := time.NewTicker(pollInterval)
	defer poll.Stop()

	for {
		t, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		switch t.Status {
		case StatusSuccess:
			return t, nil
		case StatusFailure:
			reason := t.FailReason
			if reason == "" {
				reason = "unknown failure"
			}
			return t, fmt.Errorf("%w: %s", ErrFailed, reason)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			return nil, ErrTimeout
		case c := <-changes:
			if c.TaskID != id {
				continue
			}
		case <-poll.C:
		}
	}
}

func (s *Store) publish(ctx context.Context, c Change) {
	data, err := json.Marshal(c)
	if err != nil {
		log.Printf("task: encode change notification: %v", err)
		return
	}
	if err := s.rdb.Publish(ctx, changeChannel, data).Err(); err != nil {
		log.Printf("task: publish change notification: %v", err)
	}
}
