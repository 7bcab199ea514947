// Package service is the caller-facing facade: submit a prompt or an
// action, read or await the resulting task. In clustered mode a process
// without local connections forwards submissions to the socket owner.
package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/waule/mjgateway/internal/cluster"
	"github.com/waule/mjgateway/internal/pool"
	"github.com/waule/mjgateway/internal/task"
)

const (
	cmdImagine = "imagine"
	cmdAction  = "action"
)

// Status is the service's health snapshot.
type Status struct {
	Accounts     []pool.AccountStatus `json:"accounts"`
	ReadyCount   int                  `json:"readyCount"`
	PendingTasks int                  `json:"pendingTasks"`
}

// Service ties the pool, the task store and the optional cluster
// coordinator together. coord may be nil for single-process deployments.
type Service struct {
	store *task.Store
	pool  *pool.Pool
	coord *cluster.Coordinator
}

func New(store *task.Store, p *pool.Pool, coord *cluster.Coordinator) *Service {
	return &Service{store: store, pool: p, coord: coord}
}

// Submit sends a prompt through the next ready local connection, or through
// the cluster owner when this process holds no sockets.
func (s *Service) Submit(ctx context.Context, userID, nodeID, prompt string) (string, error) {
	if prompt == "" {
		return "", errors.New("service: prompt is required")
	}
	c, err := s.pool.Next()
	if err != nil {
		return s.forward(ctx, err, cluster.Command{
			Type:   cmdImagine,
			UserID: userID,
			NodeID: nodeID,
			Prompt: prompt,
		})
	}
	return c.SubmitImagine(ctx, userID, nodeID, prompt)
}

// Action clicks a control on a completed message. It runs on the account
// that produced the message when that connection is locally ready, since
// other accounts cannot see the message.
func (s *Service) Action(ctx context.Context, userID, nodeID, messageID, customID string) (string, error) {
	if messageID == "" || customID == "" {
		return "", errors.New("service: message id and control id are required")
	}

	c, cerr := s.accountFor(ctx, messageID)
	if cerr != nil {
		return s.forward(ctx, cerr, cluster.Command{
			Type:      cmdAction,
			UserID:    userID,
			NodeID:    nodeID,
			MessageID: messageID,
			CustomID:  customID,
		})
	}
	return c.SubmitAction(ctx, userID, nodeID, messageID, customID)
}

func (s *Service) accountFor(ctx context.Context, messageID string) (pool.Conn, error) {
	if taskID, err := s.store.TaskIDByMessage(ctx, messageID); err == nil && taskID != "" {
		if t, err := s.store.Get(ctx, taskID); err == nil {
			if c, ok := s.pool.ByAccount(t.AccountID); ok && c.Ready() {
				return c, nil
			}
		}
	}
	return s.pool.Next()
}

// forward hands a submission to the cluster owner, or reports the local
// error when no coordinator is configured.
func (s *Service) forward(ctx context.Context, localErr error, cmd cluster.Command) (string, error) {
	if s.coord == nil {
		return "", localErr
	}
	taskID, err := s.coord.Forward(ctx, cmd)
	if err != nil {
		return "", fmt.Errorf("service: forward %s: %w", cmd.Type, err)
	}
	return taskID, nil
}

// HandleForward executes a command received from a follower process. It is
// the owner-side counterpart of forward and never forwards again.
func (s *Service) HandleForward(ctx context.Context, cmd cluster.Command) (string, error) {
	switch cmd.Type {
	case cmdImagine:
		c, err := s.pool.Next()
		if err != nil {
			return "", err
		}
		return c.SubmitImagine(ctx, cmd.UserID, cmd.NodeID, cmd.Prompt)
	case cmdAction:
		c, err := s.accountFor(ctx, cmd.MessageID)
		if err != nil {
			return "", err
		}
		return c.SubmitAction(ctx, cmd.UserID, cmd.NodeID, cmd.MessageID, cmd.CustomID)
	default:
		return "", fmt.Errorf("service: unknown forwarded command %q", cmd.Type)
	}
}

// GetTask reads one task.
func (s *Service) GetTask(ctx context.Context, id string) (*task.Task, error) {
	return s.store.Get(ctx, id)
}

// WaitForTask blocks until the task ends or the timeout lapses.
func (s *Service) WaitForTask(ctx context.Context, id string, timeout time.Duration) (*task.Task, error) {
	return s.store.Wait(ctx, id, timeout)
}

// Status reports account readiness and the pending backlog.
func (s *Service) Status(ctx context.Context) Status {
	accounts := s.pool.Status()
	ready := 0
	for _, a := range accounts {
		if a.Ready {
			ready++
		}
	}
	st := Status{Accounts: accounts, ReadyCount: ready}
	pending, err := s.store.Pending(ctx)
	if err != nil {
		log.Printf("service: count pending: %v", err)
	} else {
		st.PendingTasks = len(pending)
	}
	return st
}
