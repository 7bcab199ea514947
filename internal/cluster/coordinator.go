// Package cluster elects one socket owner per account across processes and
// forwards submissions from follower processes to the owner.
package cluster

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	lockPrefix         = "mj:gateway:lock:"
	cmdRequestChannel  = "mj:gateway:cmd:request"
	cmdResponseChannel = "mj:gateway:cmd:response"

	// renewFailLimit is how many consecutive renewal errors the owner
	// tolerates before assuming it lost its lock. A single definitive
	// "someone else holds it" answer loses ownership immediately.
	renewFailLimit = 3

	DefaultLockTTL        = 30 * time.Second
	DefaultRenewEvery     = 10 * time.Second
	DefaultForwardTimeout = 30 * time.Second
)

// ErrForwardTimeout is returned when the owner never answers a forwarded
// command.
var ErrForwardTimeout = errors.New("cluster: forwarded command timed out")

// renewLock extends the TTL only while this node still holds the lock.
var renewLock = redis.NewScript(`
if redis.call('get', KEYS[1]) == ARGV[1] then
  return redis.call('expire', KEYS[1], ARGV[2])
else
  return 0
end
`)

// releaseLock deletes the lock only while this node still holds it, so a
// slow shutdown never force-deletes a newer owner's lock.
var releaseLock = redis.NewScript(`
if redis.call('get', KEYS[1]) == ARGV[1] then
  return redis.call('del', KEYS[1])
else
  return 0
end
`)

// Command is a submission forwarded from a follower to the owner.
type Command struct {
	RequestID string `json:"requestId"`
	Type      string `json:"type"` // "imagine" | "action"
	UserID    string `json:"userId"`
	NodeID    string `json:"nodeId,omitempty"`
	Prompt    string `json:"prompt,omitempty"`
	MessageID string `json:"messageId,omitempty"`
	CustomID  string `json:"customId,omitempty"`
}

// Response is the owner's answer to a forwarded command.
type Response struct {
	RequestID string `json:"requestId"`
	TaskID    string `json:"taskId,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Coordinator handles per-account leader election and command forwarding.
// Its holder token is unique per process, so locks are only ever released
// or renewed by the process that took them.
type Coordinator struct {
	rdb            *redis.Client
	token          string
	ttl            time.Duration
	renewEvery     time.Duration
	forwardTimeout time.Duration
}

// Option tweaks coordinator timing, mainly for tests.
type Option func(*Coordinator)

func WithTTL(ttl time.Duration) Option          { return func(c *Coordinator) { c.ttl = ttl } }
func WithRenewEvery(d time.Duration) Option     { return func(c *Coordinator) { c.renewEvery = d } }
func WithForwardTimeout(d time.Duration) Option { return func(c *Coordinator) { c.forwardTimeout = d } }

// New builds a coordinator with a fresh holder token.
func New(rdb *redis.Client, opts ...Option) *Coordinator {
	c := &Coordinator{
		rdb:            rdb,
		token:          uuid.NewString(),
		ttl:            DefaultLockTTL,
		renewEvery:     DefaultRenewEvery,
		forwardTimeout: DefaultForwardTimeout,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Token exposes the holder token for logs.
func (c *Coordinator) Token() string { return c.token }

func lockKey(accountID int64) string {
	return lockPrefix + strconv.FormatInt(accountID, 10)
}

// TryAcquire attempts to become the socket owner for one account.
func (c *Coordinator) TryAcquire(ctx context.Context, accountID int64) (bool, error) {
	ok, err := c.rdb.SetNX(ctx, lockKey(accountID), c.token, c.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("cluster: acquire lock for account %d: %w", accountID, err)
	}
	return ok, nil
}

// StartRenewal keeps the account lock alive until ctx is cancelled. If the
// lock is observed held by someone else, or renewal keeps erroring, onLost
// runs once and the loop stops: the caller must stop using its socket.
func (c *Coordinator) StartRenewal(ctx context.Context, accountID int64, onLost func()) {
	go func() {
		key := lockKey(accountID)
		ttlSec := int(c.ttl / time.Second)
		failures := 0
		t := time.NewTicker(c.renewEvery)
		defer t.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
			}

			n, err := renewLock.Run(ctx, c.rdb, []string{key}, c.token, ttlSec).Int()
			switch {
			case err != nil:
				failures++
				log.Printf("cluster: renew lock for account %d: %v (%d/%d)",
					accountID, err, failures, renewFailLimit)
				if failures < renewFailLimit {
					continue
				}
			case n == 0:
				log.Printf("cluster: lock for account %d taken over, stepping down", accountID)
			default:
				failures = 0
				continue
			}

			if onLost != nil {
				onLost()
			}
			return
		}
	}()
}

// Release gives up the account lock if this process still holds it.
func (c *Coordinator) Release(ctx context.Context, accountID int64) error {
	err := releaseLock.Run(ctx, c.rdb, []string{lockKey(accountID)}, c.token).Err()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("cluster: release lock for account %d: %w", accountID, err)
	}
	return nil
}

// Forward publishes a command for the owner process and waits for its reply.
func (c *Coordinator) Forward(ctx context.Context, cmd Command) (string, error) {
	cmd.RequestID = strconv.FormatInt(time.Now().UnixMilli(), 10) + "-" + uuid.NewString()[:8]

	// Subscribe before publishing so the reply cannot slip past.
	sub := c.rdb.Subscribe(ctx, cmdResponseChannel)
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		return "", fmt.Errorf("cluster: subscribe responses: %w", err)
	}

	data, err := json.Marshal(cmd)
	if err != nil {
		return "", fmt.Errorf("cluster: encode command: %w", err)
	}
	if err := c.rdb.Publish(ctx, cmdRequestChannel, data).Err(); err != nil {
		return "", fmt.Errorf("cluster: publish command: %w", err)
	}

	deadline := time.NewTimer(c.forwardTimeout)
	defer deadline.Stop()
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-deadline.C:
			return "", ErrForwardTimeout
		case msg, ok := <-ch:
			if !ok {
				return "", errors.New("cluster: response subscription closed")
			}
			var resp Response
			if err := json.Unmarshal([]byte(msg.Payload), &resp); err != nil {
				log.Printf("cluster: decode response: %v", err)
				continue
			}
			if resp.RequestID != cmd.RequestID {
				continue
			}
			if resp.Error != "" {
				return "", errors.New(resp.Error)
			}
			return resp.TaskID, nil
		}
	}
}

// ServeForwards runs the owner side: every forwarded command goes through
// handler and its outcome is published back. Blocks until ctx is cancelled.
func (c *Coordinator) ServeForwards(ctx context.Context, handler func(context.Context, Command) (string, error)) {
	sub := c.rdb.Subscribe(ctx, cmdRequestChannel)
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var cmd Command
			if err := json.Unmarshal([]byte(msg.Payload), &cmd); err != nil {
				log.Printf("cluster: decode command: %v", err)
				continue
			}
			go func(cmd Command) {
				taskID, err := handler(ctx, cmd)
				resp := Response{RequestID: cmd.RequestID, TaskID: taskID}
				if err != nil {
					resp.Error = err.Error()
				}
				data, merr := json.Marshal(resp)
				if merr != nil {
					log.Printf("cluster: encode response: %v", merr)
					return
				}
				if err := c.rdb.Publish(ctx, cmdResponseChannel, data).Err(); err != nil {
					log.Printf("cluster: publish response: %v", err)
				}
			}(cmd)
		}
	}
}
