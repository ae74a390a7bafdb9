// Package tasks implements the human-in-the-loop task lifecycle: a state
// machine persisted through the storage facade, with per-task serialized
// transitions, timeout-driven expiry, and completion callbacks delivered
// through the webhook queue.
package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/functionsdo/gateway/internal/apierror"
	"github.com/functionsdo/gateway/internal/byfn"
	"github.com/functionsdo/gateway/internal/config"
	"github.com/functionsdo/gateway/internal/fn"
	"github.com/functionsdo/gateway/internal/ident"
	"github.com/functionsdo/gateway/internal/logging"
	"github.com/functionsdo/gateway/internal/store"
	"github.com/functionsdo/gateway/internal/webhook"
)

// Status is a task's position in the lifecycle.
type Status string

const (
	StatusPending    Status = "pending"
	StatusAssigned   Status = "assigned"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusCancelled  Status = "cancelled"
	StatusExpired    Status = "expired"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusAssigned, StatusInProgress,
		StatusCompleted, StatusCancelled, StatusExpired:
		return true
	}
	return false
}

// Terminal reports whether no further transitions are allowed from s.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusCancelled, StatusExpired:
		return true
	}
	return false
}

// Task is one human work item. The record is what webhook receivers get on
// completion, so field names here are the external contract.
type Task struct {
	ID              string         `json:"taskId"`
	URL             string         `json:"taskUrl"`
	FunctionID      string         `json:"functionId"`
	Status          Status         `json:"status"`
	InteractionType string         `json:"interactionType,omitempty"`
	UI              *fn.UIForm     `json:"ui,omitempty"`
	Assignees       []string       `json:"assignees,omitempty"`
	AssignedTo      string         `json:"assignedTo,omitempty"`
	InvocationData  map[string]any `json:"invocationData,omitempty"`
	Response        map[string]any `json:"response,omitempty"`
	CallbackURL     string         `json:"callbackUrl,omitempty"`

	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
	ExpiresAt   time.Time  `json:"expiresAt"`
	AssignedAt  *time.Time `json:"assignedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	CancelledAt *time.Time `json:"cancelledAt,omitempty"`
	ExpiredAt   *time.Time `json:"expiredAt,omitempty"`
}

const (
	taskPrefix   = "tasks/"
	listPageSize = 500
	maxListLimit = 1000
)

func taskKey(id string) string { return taskPrefix + id }

// Store owns task records and serializes transitions per task id.
type Store struct {
	kv             store.KV
	hooks          *webhook.Deliverer
	locks          *byfn.Manager[*sync.Mutex]
	baseURL        string
	defaultTimeout time.Duration
	sweepInterval  time.Duration
	now            func() time.Time
	observer       func(Status)
}

// SetObserver installs a callback invoked with every status a task reaches.
// Set during assembly, before the store serves requests.
func (s *Store) SetObserver(fn func(Status)) { s.observer = fn }

func (s *Store) observe(st Status) {
	if s.observer != nil {
		s.observer(st)
	}
}

// New creates a task store over kv. Completion, cancellation, and expiry
// callbacks go through hooks when the task carries a callback URL.
func New(kv store.KV, hooks *webhook.Deliverer, cfg config.TasksConfig) *Store {
	defaultTimeout := cfg.DefaultTimeout
	if defaultTimeout <= 0 {
		defaultTimeout = 24 * time.Hour
	}
	sweep := cfg.SweepInterval
	if sweep <= 0 {
		sweep = 10 * time.Second
	}
	return &Store{
		kv:             kv,
		hooks:          hooks,
		locks:          byfn.New[*sync.Mutex](),
		baseURL:        strings.TrimRight(cfg.BaseURL, "/"),
		defaultTimeout: defaultTimeout,
		sweepInterval:  sweep,
		now:            time.Now,
	}
}

// Create persists a fresh pending task for one invocation of meta. The
// callback URL comes from the invocation input when present, else from the
// function's registered callback. The expiry deadline comes from the
// function's timeout field.
func (s *Store) Create(ctx context.Context, meta *fn.Metadata, input map[string]any) (*Task, error) {
	now := s.now().UTC()
	id := uuid.NewString()

	callback := meta.CallbackURL
	if cb, ok := input["callbackUrl"].(string); ok && cb != "" {
		callback = cb
	}

	timeout := s.defaultTimeout
	if meta.Timeout != "" {
		parsed, err := ident.ParseTimeout(meta.Timeout)
		if err != nil {
			logging.Warn("unparseable task timeout, using default",
				zap.String("functionId", meta.ID),
				zap.String("timeout", meta.Timeout))
		} else {
			timeout = parsed
		}
	}

	t := &Task{
		ID:              id,
		URL:             s.baseURL + "/api/tasks/" + id,
		FunctionID:      meta.ID,
		Status:          StatusPending,
		InteractionType: meta.InteractionType,
		UI:              meta.UI,
		Assignees:       meta.Assignees,
		InvocationData:  input,
		CallbackURL:     callback,
		CreatedAt:       now,
		UpdatedAt:       now,
		ExpiresAt:       now.Add(timeout),
	}
	if err := s.save(ctx, t); err != nil {
		return nil, err
	}
	s.observe(StatusPending)
	return t, nil
}

// Get returns the full task record.
func (s *Store) Get(ctx context.Context, id string) (*Task, error) {
	return s.load(ctx, id)
}

// Respond completes a task with the human's response. The response is
// validated against the task's UI form. Completed tasks are immutable;
// responding to an expired task returns the 410 expiry error.
func (s *Store) Respond(ctx context.Context, id string, response map[string]any) (*Task, error) {
	t, err := s.update(ctx, id, func(t *Task) error {
		switch t.Status {
		case StatusExpired:
			return apierror.ErrTaskExpired
		case StatusCompleted:
			return apierror.ErrInvalidState.WithMessage("Task already completed")
		case StatusCancelled:
			return apierror.ErrInvalidState.WithMessage("Task already cancelled")
		}
		if err := validateResponse(t.UI, response); err != nil {
			return err
		}
		now := s.now().UTC()
		t.Response = response
		t.CompletedAt = &now
		t.Status = StatusCompleted
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.emit("task.completed", t)
	return t, nil
}

// Cancel moves a non-terminal task to cancelled.
func (s *Store) Cancel(ctx context.Context, id string) (*Task, error) {
	t, err := s.update(ctx, id, func(t *Task) error {
		if t.Status.Terminal() {
			return apierror.ErrInvalidState.WithMessagef("Task already %s", t.Status)
		}
		now := s.now().UTC()
		t.CancelledAt = &now
		t.Status = StatusCancelled
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.emit("task.cancelled", t)
	return t, nil
}

// Assign hands a pending task to one assignee.
func (s *Store) Assign(ctx context.Context, id, assignee string) (*Task, error) {
	return s.update(ctx, id, func(t *Task) error {
		if t.Status != StatusPending {
			return apierror.ErrInvalidState.WithMessagef("Task cannot be assigned from state %q", t.Status)
		}
		now := s.now().UTC()
		t.AssignedTo = assignee
		t.AssignedAt = &now
		t.Status = StatusAssigned
		return nil
	})
}

// Claim moves an assigned task to in_progress.
func (s *Store) Claim(ctx context.Context, id string) (*Task, error) {
	return s.update(ctx, id, func(t *Task) error {
		if t.Status != StatusAssigned {
			return apierror.ErrInvalidState.WithMessagef("Task cannot be claimed from state %q", t.Status)
		}
		t.Status = StatusInProgress
		return nil
	})
}

// List returns tasks newest-first, optionally filtered by function id and
// status.
func (s *Store) List(ctx context.Context, functionID string, status Status, limit int) ([]*Task, error) {
	if limit <= 0 || limit > maxListLimit {
		limit = maxListLimit
	}

	var out []*Task
	cursor := ""
	for {
		page, err := s.kv.List(ctx, taskPrefix, cursor, listPageSize)
		if err != nil {
			return nil, err
		}
		for _, pair := range page.Pairs {
			var t Task
			if err := json.Unmarshal(pair.Value, &t); err != nil {
				logging.Warn("undecodable task record skipped", zap.String("key", pair.Key))
				continue
			}
			if functionID != "" && t.FunctionID != functionID {
				continue
			}
			if status != "" && t.Status != status {
				continue
			}
			out = append(out, &t)
		}
		if !page.HasMore {
			break
		}
		cursor = page.NextCursor
	}

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Sweep expires every overdue non-terminal task and returns how many
// transitioned.
func (s *Store) Sweep(ctx context.Context) int {
	expired := 0
	cursor := ""
	for {
		page, err := s.kv.List(ctx, taskPrefix, cursor, listPageSize)
		if err != nil {
			logging.Error("task sweep list failed", zap.Error(err))
			return expired
		}
		for _, pair := range page.Pairs {
			var t Task
			if err := json.Unmarshal(pair.Value, &t); err != nil {
				continue
			}
			if t.Status.Terminal() || s.now().Before(t.ExpiresAt) {
				continue
			}
			if s.expire(ctx, t.ID) {
				expired++
			}
		}
		if !page.HasMore {
			break
		}
		cursor = page.NextCursor
	}
	return expired
}

// StartSweeper runs expiry sweeps on the configured interval until ctx is
// cancelled.
func (s *Store) StartSweeper(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(s.sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.Sweep(ctx)
			}
		}
	}()
}

// update serializes a read-mutate-write cycle on one task. An overdue task
// is expired before mutate sees it, so transitions observe expiry even
// between sweeps.
func (s *Store) update(ctx context.Context, id string, mutate func(*Task) error) (*Task, error) {
	unlock := s.lock(id)
	defer unlock()

	t, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}

	if expireDue(t, s.now()) {
		s.touch(t)
		if err := s.save(ctx, t); err != nil {
			return nil, err
		}
		s.emit("task.expired", t)
		s.observe(StatusExpired)
	}

	prev := t.Status
	if err := mutate(t); err != nil {
		return nil, err
	}
	s.touch(t)
	if err := s.save(ctx, t); err != nil {
		return nil, err
	}
	if t.Status != prev {
		s.observe(t.Status)
	}
	return t, nil
}

// expire transitions one overdue task under its lock. Used by the sweeper;
// racing transitions resolve through the same per-id lock.
func (s *Store) expire(ctx context.Context, id string) bool {
	unlock := s.lock(id)
	defer unlock()

	t, err := s.load(ctx, id)
	if err != nil {
		return false
	}
	if !expireDue(t, s.now()) {
		return false
	}
	s.touch(t)
	if err := s.save(ctx, t); err != nil {
		logging.Error("task expiry not persisted", zap.String("taskId", id), zap.Error(err))
		return false
	}
	s.emit("task.expired", t)
	s.observe(StatusExpired)
	return true
}

// expireDue transitions an overdue non-terminal task in place.
func expireDue(t *Task, now time.Time) bool {
	if t.Status.Terminal() || now.Before(t.ExpiresAt) {
		return false
	}
	at := now.UTC()
	t.Status = StatusExpired
	t.ExpiredAt = &at
	return true
}

func (s *Store) lock(id string) func() {
	mu := s.locks.GetOrCreate(id, func() *sync.Mutex { return new(sync.Mutex) })
	mu.Lock()
	return mu.Unlock
}

// touch advances updatedAt, keeping it strictly monotonic even when the
// clock does not move between transitions.
func (s *Store) touch(t *Task) {
	now := s.now().UTC()
	if !now.After(t.UpdatedAt) {
		now = t.UpdatedAt.Add(time.Nanosecond)
	}
	t.UpdatedAt = now
}

func (s *Store) load(ctx context.Context, id string) (*Task, error) {
	b, err := s.kv.Get(ctx, taskKey(id))
	if err != nil {
		if errors.Is(err, store.ErrKeyNotFound) {
			return nil, apierror.ErrTaskNotFound
		}
		return nil, err
	}
	var t Task
	if err := json.Unmarshal(b, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *Store) save(ctx context.Context, t *Task) error {
	b, err := json.Marshal(t)
	if err != nil {
		return err
	}
	return s.kv.Put(ctx, taskKey(t.ID), b)
}

func (s *Store) emit(event string, t *Task) {
	if s.hooks == nil || t.CallbackURL == "" {
		return
	}
	s.hooks.Enqueue(event, t.CallbackURL, t)
}
