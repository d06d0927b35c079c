// Package session owns the ingestion session: a persisted state machine
// coordinating polling/webhook coexistence, fallback activation, error
// recovery, and per-session counters. Only this package mutates the state
// field; other components request transitions.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/ignite/inbox-harvester/internal/store"
)

// State is the session lifecycle state.
type State string

const (
	StateIdle          State = "idle"
	StatePollingActive State = "polling_active"
	StateWebhookActive State = "webhook_active"
	StateBothActive    State = "both_active"
	StateTerminated    State = "terminated"
	StateFailedToStart State = "failed_to_start"
	StateSessionError  State = "session_error"
)

// PollingMode describes why the poller is running.
type PollingMode string

const (
	ModeManual    PollingMode = "manual"
	ModeScheduled PollingMode = "scheduled"
	ModeFallback  PollingMode = "fallback"
)

// ErrSessionConflict is returned when a transition's source state does not
// match the current state.
var ErrSessionConflict = errors.New("session: state conflict")

// Config describes a session to start.
type Config struct {
	PollingMode     PollingMode
	PollingInterval time.Duration
	WebhookEnabled  bool
}

// Status is a point-in-time session snapshot with derived counts.
type Status struct {
	SessionID     string `json:"session_id"`
	State         State  `json:"state"`
	StartTime     string `json:"start_time"`
	EndTime       string `json:"end_time,omitempty"`
	PollingMode   string `json:"polling_mode"`
	Processed     int64  `json:"processed_count"`
	Pending       int64  `json:"pending_count"`
	Failed        int64  `json:"failed_count"`
	PollingErrors int64  `json:"polling_errors"`
	WebhookErrors int64  `json:"webhook_errors"`
	FailureReason string `json:"failure_reason,omitempty"`
	ErrorDetails  string `json:"error_details,omitempty"`
}

// transitionScript flips the state field only when the current state is one
// of the allowed sources. Returns the previous state, or "" when the hash is
// missing, prefixed with "!" on mismatch.
var transitionScript = redis.NewScript(`
	local current = redis.call('HGET', KEYS[1], 'state')
	if current == false then current = '' end
	for i = 2, #ARGV do
		if current == ARGV[i] then
			redis.call('HSET', KEYS[1], 'state', ARGV[1])
			return current
		end
	end
	return '!' .. current
`)

// Manager drives the session record in the shared store.
type Manager struct {
	store *store.Store
}

// NewManager creates a session manager over the shared store.
func NewManager(st *store.Store) *Manager {
	return &Manager{store: st}
}

// Start creates a new session record. Valid only from an empty, idle or
// terminated record; an active session yields ErrSessionConflict.
func (m *Manager) Start(ctx context.Context, cfg Config) (string, error) {
	target := StatePollingActive
	if cfg.WebhookEnabled {
		target = StateBothActive
	}
	if err := m.transition(ctx, target,
		"", StateIdle, StateTerminated, StateFailedToStart); err != nil {
		return "", err
	}

	id := uuid.NewString()
	now := time.Now().UTC()
	fields := map[string]interface{}{
		"session_id":       id,
		"state":            string(target),
		"start_time":       now.Format(time.RFC3339),
		"end_time":         "",
		"polling_mode":     string(cfg.PollingMode),
		"polling_interval": int(cfg.PollingInterval.Seconds()),
		"webhook_enabled":  strconv.FormatBool(cfg.WebhookEnabled),
		"polling_errors":   0,
		"webhook_errors":   0,
		"failure_reason":   "",
		"error_details":    "",
	}
	if err := m.store.HSet(ctx, store.KeyCurrentSession, fields); err != nil {
		return "", err
	}
	if err := m.store.Expire(ctx, store.KeyCurrentSession, store.TTLSession); err != nil {
		return "", err
	}
	if err := m.store.ZPush(ctx, store.KeySessionsByTime, id, float64(now.Unix())); err != nil {
		return "", err
	}
	return id, nil
}

// transition performs the guarded state flip.
func (m *Manager) transition(ctx context.Context, to State, from ...State) error {
	args := make([]interface{}, 0, len(from)+1)
	args = append(args, string(to))
	for _, s := range from {
		args = append(args, string(s))
	}
	res, err := transitionScript.Run(ctx, m.store.Client(),
		[]string{store.KeyCurrentSession}, args...).Text()
	if err != nil {
		return fmt.Errorf("session: transition to %s: %w", to, err)
	}
	if len(res) > 0 && res[0] == '!' {
		return fmt.Errorf("%w: cannot move to %s from %q", ErrSessionConflict, to, res[1:])
	}
	return nil
}

// CompleteInitialPolling hands ingestion over to the webhook after the
// startup backlog drain: both_active -> webhook_active.
func (m *Manager) CompleteInitialPolling(ctx context.Context) error {
	return m.transition(ctx, StateWebhookActive, StateBothActive)
}

// ActivateFallbackPolling re-engages the poller after webhook failures:
// webhook_active -> both_active, polling mode becomes fallback.
func (m *Manager) ActivateFallbackPolling(ctx context.Context) error {
	if err := m.transition(ctx, StateBothActive, StateWebhookActive); err != nil {
		return err
	}
	return m.store.HSet(ctx, store.KeyCurrentSession, map[string]interface{}{
		"polling_mode": string(ModeFallback),
	})
}

// RestoreWebhookOnly returns to webhook-only ingestion once the webhook is
// healthy again, resetting its error counter.
func (m *Manager) RestoreWebhookOnly(ctx context.Context) error {
	if err := m.transition(ctx, StateWebhookActive, StateBothActive); err != nil {
		return err
	}
	return m.store.HSet(ctx, store.KeyCurrentSession, map[string]interface{}{
		"webhook_errors": 0,
	})
}

// Terminate ends the session: writes end_time and reason, snapshots the
// record to history, then clears it.
func (m *Manager) Terminate(ctx context.Context, reason string) error {
	if err := m.transition(ctx, StateTerminated,
		StateBothActive, StateWebhookActive, StatePollingActive, StateIdle); err != nil {
		return err
	}
	if err := m.store.HSet(ctx, store.KeyCurrentSession, map[string]interface{}{
		"end_time":       time.Now().UTC().Format(time.RFC3339),
		"failure_reason": reason,
	}); err != nil {
		return err
	}
	return m.snapshotAndClear(ctx)
}

// MarkFailedToStart records a startup failure.
func (m *Manager) MarkFailedToStart(ctx context.Context, reason string) error {
	if err := m.store.HSet(ctx, store.KeyCurrentSession, map[string]interface{}{
		"state":          string(StateFailedToStart),
		"failure_reason": reason,
	}); err != nil {
		return err
	}
	return m.store.Expire(ctx, store.KeyCurrentSession, store.TTLSession)
}

// MarkError flags a runtime failure; the orchestrator stops on it.
func (m *Manager) MarkError(ctx context.Context, details string) error {
	return m.store.HSet(ctx, store.KeyCurrentSession, map[string]interface{}{
		"state":         string(StateSessionError),
		"error_details": details,
	})
}

// Recover snapshots a failed session to history and resets to idle.
// Valid only from failed_to_start or session_error.
func (m *Manager) Recover(ctx context.Context) error {
	if err := m.transition(ctx, StateIdle, StateFailedToStart, StateSessionError); err != nil {
		return err
	}
	return m.snapshotAndClear(ctx)
}

// snapshotAndClear appends the current record to the capped history list
// and removes it.
func (m *Manager) snapshotAndClear(ctx context.Context) error {
	fields, err := m.store.HGetAll(ctx, store.KeyCurrentSession)
	if err != nil {
		return err
	}
	if len(fields) > 0 {
		snapshot, err := json.Marshal(fields)
		if err != nil {
			return fmt.Errorf("session: encoding snapshot: %w", err)
		}
		if err := m.store.LPush(ctx, store.KeySessionHistory, snapshot); err != nil {
			return err
		}
		if err := m.store.LTrim(ctx, store.KeySessionHistory, 0, store.SessionHistoryCap-1); err != nil {
			return err
		}
	}
	return m.store.HDel(ctx, store.KeyCurrentSession)
}

// CurrentState reads the state field; an absent record reads as idle.
func (m *Manager) CurrentState(ctx context.Context) (State, error) {
	fields, err := m.store.HGetAll(ctx, store.KeyCurrentSession)
	if err != nil {
		return "", err
	}
	if len(fields) == 0 || fields["state"] == "" {
		return StateIdle, nil
	}
	return State(fields["state"]), nil
}

// RegisterProcessed marks an id processed session-wide. Returns true iff the
// id was new; repeat registrations report false and count nothing.
func (m *Manager) RegisterProcessed(ctx context.Context, id string) (bool, error) {
	added, err := m.store.SetAdd(ctx, store.KeyProcessedSet, store.TTLProcessed, id)
	if err != nil {
		return false, err
	}
	if added == 0 {
		return false, nil
	}
	if _, err := m.store.IncrCounter(ctx, "total_processed"); err != nil {
		return false, err
	}
	if err := m.store.IncrMetric(ctx, "emails_processed", 1); err != nil {
		return false, err
	}
	return true, nil
}

// IsProcessed reports processed-set membership.
func (m *Manager) IsProcessed(ctx context.Context, id string) (bool, error) {
	return m.store.SetContains(ctx, store.KeyProcessedSet, id)
}

// RegisterFailed counts a processing failure.
func (m *Manager) RegisterFailed(ctx context.Context) error {
	return m.store.IncrMetric(ctx, "emails_failed", 1)
}

// IncrPollingErrors bumps the session's polling error counter.
func (m *Manager) IncrPollingErrors(ctx context.Context) (int64, error) {
	return m.store.HIncrBy(ctx, store.KeyCurrentSession, "polling_errors", 1)
}

// IncrWebhookErrors bumps the session's webhook error counter.
func (m *Manager) IncrWebhookErrors(ctx context.Context) (int64, error) {
	return m.store.HIncrBy(ctx, store.KeyCurrentSession, "webhook_errors", 1)
}

// Status builds a snapshot. Processed, pending and failed counts derive
// from set and queue cardinalities, so lost increments cannot diverge from
// ground truth.
func (m *Manager) Status(ctx context.Context) (*Status, error) {
	fields, err := m.store.HGetAll(ctx, store.KeyCurrentSession)
	if err != nil {
		return nil, err
	}

	processed, err := m.store.SetCard(ctx, store.KeyProcessedSet)
	if err != nil {
		return nil, err
	}
	queued, err := m.store.ZCard(ctx, store.KeyMainQueue)
	if err != nil {
		return nil, err
	}
	inflight, err := m.store.ZCard(ctx, store.KeyInFlight)
	if err != nil {
		return nil, err
	}
	failed, err := m.store.LLen(ctx, store.KeyDeadLetter)
	if err != nil {
		return nil, err
	}

	st := &Status{
		SessionID:     fields["session_id"],
		State:         StateIdle,
		StartTime:     fields["start_time"],
		EndTime:       fields["end_time"],
		PollingMode:   fields["polling_mode"],
		Processed:     processed,
		Pending:       queued + inflight,
		Failed:        failed,
		FailureReason: fields["failure_reason"],
		ErrorDetails:  fields["error_details"],
	}
	if s := fields["state"]; s != "" {
		st.State = State(s)
	}
	st.PollingErrors, _ = strconv.ParseInt(fields["polling_errors"], 10, 64)
	st.WebhookErrors, _ = strconv.ParseInt(fields["webhook_errors"], 10, 64)
	return st, nil
}

// History returns raw session snapshots, newest first.
func (m *Manager) History(ctx context.Context, limit int64) ([]string, error) {
	return m.store.LRange(ctx, store.KeySessionHistory, 0, limit-1)
}
