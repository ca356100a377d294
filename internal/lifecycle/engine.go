// Package lifecycle drives work items through their phases. Every operation
// is serialized by the engine, persisted with optimistic versioning, and
// followed by a reconcile so each artifact sits at its canonical location.
package lifecycle

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/zulandar/sprintyard/internal/audit"
	"github.com/zulandar/sprintyard/internal/errs"
	"github.com/zulandar/sprintyard/internal/gate"
	"github.com/zulandar/sprintyard/internal/location"
	"github.com/zulandar/sprintyard/internal/models"
	"github.com/zulandar/sprintyard/internal/notify"
	"github.com/zulandar/sprintyard/internal/reconcile"
	"github.com/zulandar/sprintyard/internal/store"
	"github.com/zulandar/sprintyard/internal/worker"
	"gorm.io/gorm"
)

// Opts holds the collaborators of an Engine.
type Opts struct {
	DB     *gorm.DB
	Layout location.Layout
	Gates  *gate.Controller
	// Workers runs parallel phases. Nil disables them.
	Workers *worker.Coordinator
	// Notifier receives notable transitions. Nil disables notifications.
	Notifier notify.Notifier
	Now      func() time.Time
}

// Engine is the single entry point for lifecycle operations.
type Engine struct {
	db       *gorm.DB
	layout   location.Layout
	gates    *gate.Controller
	workers  *worker.Coordinator
	notifier notify.Notifier
	now      func() time.Time

	mu       sync.Mutex
	finished map[uint]chan struct{}
	results  map[uint]*worker.Result
}

// New creates an Engine.
func New(opts Opts) (*Engine, error) {
	if opts.DB == nil {
		return nil, fmt.Errorf("lifecycle: db is required")
	}
	if opts.Gates == nil || len(opts.Gates.Phases()) == 0 {
		return nil, fmt.Errorf("lifecycle: at least one phase is required")
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	n := opts.Notifier
	if n == nil {
		n = notify.Nop{}
	}
	return &Engine{
		db:       opts.DB,
		layout:   opts.Layout,
		gates:    opts.Gates,
		workers:  opts.Workers,
		notifier: n,
		now:      now,
		finished: make(map[uint]chan struct{}),
		results:  make(map[uint]*worker.Result),
	}, nil
}

// DB returns the engine's database handle.
func (e *Engine) DB() *gorm.DB { return e.db }

// Layout returns the workspace layout.
func (e *Engine) Layout() location.Layout { return e.layout }

// Gates returns the gate controller.
func (e *Engine) Gates() *gate.Controller { return e.gates }

// retry runs fn again once if it failed on a stale version.
func retry(fn func() error) error {
	err := fn()
	if errs.IsRetryableConflict(err) {
		err = fn()
	}
	return err
}

// update reads item id, runs check against it, then writes apply with the
// version that was read. check sees exactly the state apply will modify.
func (e *Engine) update(id uint, check func(*models.Item) error, apply func(*models.Item)) (models.Item, *models.Item, error) {
	var before models.Item
	var after *models.Item
	err := retry(func() error {
		cur, err := store.GetItem(e.db, id)
		if err != nil {
			return err
		}
		if check != nil {
			if err := check(cur); err != nil {
				return err
			}
		}
		before = *cur
		after, err = store.UpdateItem(e.db, id, cur.Version, func(it *models.Item) error {
			apply(it)
			return nil
		})
		return err
	})
	if err != nil {
		return models.Item{}, nil, err
	}
	return before, after, nil
}

// accrue closes the current work segment, adding its length to the item's
// hours.
func accrue(it *models.Item, now time.Time) {
	if it.ActiveSince == nil {
		return
	}
	if h := now.Sub(*it.ActiveSince).Hours(); h > 0 {
		it.HoursAccumulated += h
	}
	it.ActiveSince = nil
}

// stamp sets *p to now unless it is already set.
func stamp(p **time.Time, now time.Time) {
	if *p == nil {
		t := now
		*p = &t
	}
}

func stateErr(it *models.Item, op, reason string) error {
	return &errs.StateError{Kind: "item", ID: it.ID, Op: op, Status: it.Status, Reason: reason}
}

// notable event types are sent to the notifier as well as the audit log.
var notable = map[string]bool{
	audit.EventStarted:          true,
	audit.EventPhaseAdvanced:    true,
	audit.EventBlocked:          true,
	audit.EventResumed:          true,
	audit.EventAbandoned:        true,
	audit.EventCompleted:        true,
	audit.EventArchived:         true,
	audit.EventParallelFinished: true,
}

// emit records an event for a committed transition and notifies about
// notable ones. Failures are logged only.
func (e *Engine) emit(ctx context.Context, it *models.Item, eventType, from, detail string) {
	if msg, ok := e.record(it, eventType, from, detail); ok {
		e.send(ctx, it.ID, eventType, msg)
	}
}

// record appends the event to the audit log and returns the notification
// for it, if the event is notable.
func (e *Engine) record(it *models.Item, eventType, from, detail string) (notify.Message, bool) {
	ev := models.ItemEvent{
		ItemID:     it.ID,
		GroupID:    it.GroupID,
		Type:       eventType,
		FromStatus: from,
		ToStatus:   it.Status,
		Detail:     detail,
		CreatedAt:  e.now(),
	}
	if _, err := audit.Record(e.db, ev); err != nil {
		log.Printf("lifecycle: %v", err)
	}
	if !notable[eventType] {
		return notify.Message{}, false
	}
	return notify.EventMessage(ev, it.Title), true
}

func (e *Engine) send(ctx context.Context, id uint, eventType string, msg notify.Message) {
	if err := e.notifier.Send(ctx, msg); err != nil {
		log.Printf("lifecycle: notify item %d %s: %v", id, eventType, err)
	}
}

// place brings the item's artifact, and those of its group siblings, to
// their canonical locations, and returns the item as now stored. A failure
// to place the item itself is returned; siblings are logged.
func (e *Engine) place(ctx context.Context, id uint) (*models.Item, error) {
	it, err := store.GetItem(e.db, id)
	if err != nil {
		return nil, err
	}
	if it.GroupID != nil {
		if err := e.syncGroup(*it.GroupID); err != nil {
			return nil, err
		}
	}
	if _, err := e.reconcileOne(ctx, id); err != nil {
		return nil, err
	}
	if it.GroupID != nil {
		if err := e.placeGroup(ctx, *it.GroupID, id); err != nil {
			return nil, err
		}
	}
	return store.GetItem(e.db, id)
}

// placeGroup reconciles every member of a group except skip. Member
// failures are logged.
func (e *Engine) placeGroup(ctx context.Context, groupID, skip uint) error {
	members, err := store.GroupMembers(e.db, groupID)
	if err != nil {
		return err
	}
	for _, m := range members {
		if m.ID == skip {
			continue
		}
		if _, err := e.reconcileOne(ctx, m.ID); err != nil {
			log.Printf("lifecycle: place member %d of group %d: %v", m.ID, groupID, err)
		}
	}
	return nil
}

func (e *Engine) reconcileOne(ctx context.Context, id uint) (reconcile.Outcome, error) {
	var out reconcile.Outcome
	err := retry(func() error {
		var err error
		out, err = reconcile.Reconcile(e.db, e.layout, id)
		return err
	})
	if err != nil {
		return reconcile.Outcome{}, err
	}
	if out.Moved {
		if it, err := store.GetItem(e.db, id); err == nil {
			e.emit(ctx, it, audit.EventMoved, it.Status, fmt.Sprintf("%s -> %s", out.From, out.To))
		}
	}
	return out, nil
}

// syncGroup stores the group's derived status and stamps its start and
// completion times.
func (e *Engine) syncGroup(groupID uint) error {
	return retry(func() error {
		g, err := store.GetGroup(e.db, groupID)
		if err != nil {
			return err
		}
		members, err := store.GroupMembers(e.db, groupID)
		if err != nil {
			return err
		}
		derived := gate.DeriveStatus(g, members)
		started := anyStarted(members)
		done := derived == models.GroupDone || derived == models.GroupArchived
		if g.Status == derived && (!started || g.StartedAt != nil) && (!done || g.CompletedAt != nil) {
			return nil
		}
		now := e.now()
		_, err = store.UpdateGroup(e.db, groupID, g.Version, func(gr *models.Group) error {
			gr.Status = derived
			if started {
				stamp(&gr.StartedAt, now)
			}
			if done {
				stamp(&gr.CompletedAt, now)
			}
			return nil
		})
		return err
	})
}

// Get returns an item.
func (e *Engine) Get(id uint) (*models.Item, error) {
	return store.GetItem(e.db, id)
}

// List returns items matching filters.
func (e *Engine) List(filters store.ListFilters) ([]models.Item, error) {
	return store.ListItems(e.db, filters)
}

// Reconcile restores an item's artifact to its canonical location.
func (e *Engine) Reconcile(ctx context.Context, id uint) (reconcile.Outcome, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.reconcileOne(ctx, id)
}

// Events returns an item's audit history.
func (e *Engine) Events(id uint) ([]models.ItemEvent, error) {
	if _, err := store.GetItem(e.db, id); err != nil {
		return nil, err
	}
	return audit.Events(e.db, id)
}

// WorkerLogs returns the kept logs of an item's finished worker sessions.
func (e *Engine) WorkerLogs(id uint) ([]models.WorkerLog, error) {
	if _, err := store.GetItem(e.db, id); err != nil {
		return nil, err
	}
	return audit.WorkerLogs(e.db, id)
}
