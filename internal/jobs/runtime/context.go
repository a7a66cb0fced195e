package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/courseforge/courseforge-backend/internal/data/repos"
	"github.com/courseforge/courseforge-backend/internal/domain"
	"github.com/courseforge/courseforge-backend/internal/pkg/dbctx"
	"github.com/courseforge/courseforge-backend/internal/services"
)

/*
Context is the execution handle for a single claimed generation run. It wraps
the mutable generation_run row, the DB handle, the notifier side-channel, and
the only sanctioned ways to report progress or terminate the run.

Every lifecycle write goes through UpdateFieldsUnlessStatus with "canceled"
disallowed, so a user cancellation is never overwritten by a slow worker.
Pipelines never touch generation_run directly.
*/
type Context struct {
	Ctx     context.Context
	DB      *gorm.DB
	Run     *domain.GenerationRun
	Repo    repos.GenerationRunRepo
	Notify  services.CourseNotifier
	payload map[string]any
}

/*
NewContext builds a Context for a claimed run. The payload JSON is decoded
eagerly; a malformed payload is not fatal here, handlers validate the fields
they actually need.
*/
func NewContext(ctx context.Context, db *gorm.DB, run *domain.GenerationRun, repo repos.GenerationRunRepo, notify services.CourseNotifier) *Context {
	c := &Context{
		Ctx:    ctx,
		DB:     db,
		Run:    run,
		Repo:   repo,
		Notify: notify,
	}
	_ = c.decodePayload()
	return c
}

func (c *Context) decodePayload() error {
	if c.Run == nil {
		return nil
	}
	if len(c.Run.Payload) == 0 {
		c.payload = map[string]any{}
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(c.Run.Payload, &m); err != nil {
		c.payload = map[string]any{}
		return err
	}
	c.payload = m
	return nil
}

// Payload never returns nil.
func (c *Context) Payload() map[string]any {
	if c.payload == nil {
		c.payload = map[string]any{}
	}
	return c.payload
}

/*
PayloadUUID reads a payload field and parses it as a UUID. Returns
(uuid.Nil, false) when the key is missing or unparseable, keeping UUID
validation out of the pipelines.
*/
func (c *Context) PayloadUUID(key string) (uuid.UUID, bool) {
	v, ok := c.Payload()[key]
	if !ok || v == nil {
		return uuid.Nil, false
	}
	id, err := uuid.Parse(fmt.Sprint(v))
	if err != nil {
		return uuid.Nil, false
	}
	return id, true
}

// PayloadString reads a payload field as a string, "" when absent.
func (c *Context) PayloadString(key string) string {
	v, ok := c.Payload()[key]
	if !ok || v == nil {
		return ""
	}
	return fmt.Sprint(v)
}

// Dbc wraps the run's context for repo calls.
func (c *Context) Dbc() dbctx.Context {
	ctx := c.Ctx
	if ctx == nil {
		ctx = context.Background()
	}
	return dbctx.Context{Ctx: ctx}
}

/*
Update applies arbitrary field updates to the run row, guarded against
canceled. For rare custom writes; lifecycle transitions should use
Progress/Yield/Fail/Succeed so the invariants stay in one place.
*/
func (c *Context) Update(updates map[string]any) error {
	if c.Run == nil || c.Run.ID == uuid.Nil {
		return nil
	}
	_, err := c.Repo.UpdateFieldsUnlessStatus(c.Dbc(), c.Run.ID, []string{domain.RunStatusCanceled}, updates)
	return err
}

// Canceled re-reads the run row and reports whether it was canceled out from
// under this worker. Pipelines poll it between expensive steps.
func (c *Context) Canceled() bool {
	if c.Run == nil || c.Run.ID == uuid.Nil {
		return false
	}
	rows, err := c.Repo.GetByIDs(c.Dbc(), []uuid.UUID{c.Run.ID})
	if err != nil || len(rows) == 0 {
		return false
	}
	return rows[0].Status == domain.RunStatusCanceled
}

// Heartbeat refreshes the run's liveness timestamp so the stale-running
// reclaim does not steal it mid-flight.
func (c *Context) Heartbeat() {
	if c.Run == nil || c.Run.ID == uuid.Nil {
		return
	}
	if err := c.Repo.Heartbeat(c.Dbc(), c.Run.ID); err != nil {
		// Not fatal; the next Progress write also refreshes the heartbeat.
		_ = err
	}
}

/*
KeepAlive heartbeats the run on a ticker until the returned stop func is
called. Wrap long external calls in it; a single heartbeat before the call is
not enough once the call outlives the stale-running window, and a reclaimed
run means two workers driving the same unit.
*/
func (c *Context) KeepAlive(interval time.Duration) func() {
	if c == nil || c.Run == nil || c.Run.ID == uuid.Nil {
		return func() {}
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				c.Heartbeat()
			}
		}
	}()
	var once sync.Once
	return func() { once.Do(func() { close(done) }) }
}

/*
Progress publishes a non-terminal status update: persists stage, percent and
message plus a heartbeat into the row, mirrors them in memory, and emits a
notifier event. Returning without emitting when the guarded write is
rejected means canceled runs go quiet immediately.
*/
func (c *Context) Progress(stage string, pct int, msg string) {
	if c == nil {
		return
	}
	now := time.Now()

	if c.Repo != nil && c.Run != nil && c.Run.ID != uuid.Nil {
		ok, _ := c.Repo.UpdateFieldsUnlessStatus(c.Dbc(), c.Run.ID, []string{domain.RunStatusCanceled}, map[string]interface{}{
			"stage":        stage,
			"progress":     pct,
			"message":      msg,
			"heartbeat_at": now,
			"updated_at":   now,
		})
		if !ok {
			return
		}
	}

	if c.Run != nil {
		c.Run.Stage = stage
		c.Run.Progress = pct
		c.Run.Message = msg
		c.Run.HeartbeatAt = &now
		c.Run.UpdatedAt = now
	}

	if c.Notify != nil && c.Run != nil {
		c.Notify.RunProgress(c.Run.OwnerUserID, c.Run, stage, pct, msg)
	}
}

/*
Yield parks the run back in the queue. Used by the root pipeline while its
fan-out children are still working: instead of blocking a worker slot, the
run requeues itself and is re-claimed on a later tick, re-entering the
pipeline idempotently.
*/
func (c *Context) Yield(stage string, msg string) {
	if c == nil || c.Run == nil || c.Run.ID == uuid.Nil {
		return
	}
	now := time.Now()
	ok, _ := c.Repo.UpdateFieldsUnlessStatus(c.Dbc(), c.Run.ID, []string{domain.RunStatusCanceled}, map[string]interface{}{
		"status":     domain.RunStatusQueued,
		"stage":      stage,
		"message":    msg,
		"locked_at":  nil,
		"updated_at": now,
	})
	if !ok {
		return
	}
	c.Run.Status = domain.RunStatusQueued
	c.Run.Stage = stage
	c.Run.Message = msg
	c.Run.LockedAt = nil
	c.Run.UpdatedAt = now
}

/*
Fail marks the run terminally failed: status=failed, the error recorded,
locked_at cleared so nothing treats it as in-progress. A canceled run is
left untouched and no notification is emitted.
*/
func (c *Context) Fail(stage string, err error) {
	if c == nil {
		return
	}
	now := time.Now()
	msg := ""
	if err != nil {
		msg = err.Error()
	}

	if c.Repo != nil && c.Run != nil && c.Run.ID != uuid.Nil {
		ok, _ := c.Repo.UpdateFieldsUnlessStatus(c.Dbc(), c.Run.ID, []string{domain.RunStatusCanceled}, map[string]interface{}{
			"status":        domain.RunStatusFailed,
			"stage":         stage,
			"message":       "",
			"error":         msg,
			"last_error_at": now,
			"locked_at":     nil,
			"updated_at":    now,
		})
		if !ok {
			return
		}
	}

	if c.Run != nil {
		c.Run.Status = domain.RunStatusFailed
		c.Run.Stage = stage
		c.Run.Message = ""
		c.Run.Error = msg
		c.Run.LastErrorAt = &now
		c.Run.LockedAt = nil
		c.Run.UpdatedAt = now
	}

	if c.Notify != nil && c.Run != nil {
		c.Notify.RunFailed(c.Run.OwnerUserID, c.Run, stage, msg)
	}
}

/*
Succeed marks the run terminally succeeded and stores the serialized result
payload. Same cancellation guard as Fail.
*/
func (c *Context) Succeed(finalStage string, result any) {
	if c == nil {
		return
	}
	now := time.Now()
	var res datatypes.JSON
	if result != nil {
		b, _ := json.Marshal(result)
		res = datatypes.JSON(b)
	}

	if c.Repo != nil && c.Run != nil && c.Run.ID != uuid.Nil {
		ok, _ := c.Repo.UpdateFieldsUnlessStatus(c.Dbc(), c.Run.ID, []string{domain.RunStatusCanceled}, map[string]interface{}{
			"status":       domain.RunStatusSucceeded,
			"stage":        finalStage,
			"progress":     100,
			"message":      "",
			"error":        "",
			"result":       res,
			"locked_at":    nil,
			"heartbeat_at": now,
			"updated_at":   now,
		})
		if !ok {
			return
		}
	}

	if c.Run != nil {
		c.Run.Status = domain.RunStatusSucceeded
		c.Run.Stage = finalStage
		c.Run.Progress = 100
		c.Run.Message = ""
		c.Run.Error = ""
		c.Run.Result = res
		c.Run.LockedAt = nil
		c.Run.HeartbeatAt = &now
		c.Run.UpdatedAt = now
	}

	if c.Notify != nil && c.Run != nil {
		c.Notify.RunDone(c.Run.OwnerUserID, c.Run)
	}
}
