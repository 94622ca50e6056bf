package engine

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"taskhub/internal/cache"
	"taskhub/internal/config"
	"taskhub/internal/domain"
	"taskhub/internal/events"
	"taskhub/internal/repo"
)

// Cache is the read-through port the engine invalidates at mutation points.
type Cache interface {
	ReadThrough(ctx context.Context, key string, dest any, compute func(ctx context.Context) (any, error)) error
	Invalidate(ctx context.Context, keys ...string) error
	InvalidateAll(ctx context.Context) error
}

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Cache  Cache
	Config *config.Config
	Log    logrus.FieldLogger
	Now    func() time.Time
}

// New wires an engine over db. A nil cache disables caching.
func New(db *sql.DB, cfg *config.Config, c Cache, log logrus.FieldLogger) Engine {
	if cfg == nil {
		cfg = config.Default()
	}
	if c == nil {
		c = cache.New(cache.NoopStore{}, config.CacheNone, 0, log)
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Cache:  c,
		Config: cfg,
		Log:    log,
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) timestamp() string {
	return e.now().UTC().Format(time.RFC3339)
}

func (e Engine) today() string {
	return e.now().UTC().Format(domain.DateLayout)
}

func (e Engine) pageSize() int {
	if e.Config != nil && e.Config.Tasks.PageSize > 0 {
		return e.Config.Tasks.PageSize
	}
	return 5
}

func (e Engine) preventCycles() bool {
	return e.Config != nil && e.Config.Tasks.PreventCycles
}

func (e Engine) log() logrus.FieldLogger {
	if e.Log != nil {
		return e.Log
	}
	return logrus.StandardLogger()
}

func (e Engine) events() events.Writer {
	w := e.Events
	if w.Now == nil {
		w.Now = e.now
	}
	return w
}

// getTask reads the bare row and maps a missing row to NotFoundError.
func (e Engine) getTask(ctx context.Context, tx *sql.Tx, id int64) (domain.Task, error) {
	t, err := e.Repo.GetTask(ctx, tx, id)
	if errors.Is(err, repo.ErrNotFound) {
		return t, domain.NotFoundError{Kind: "task", ID: id}
	}
	return t, err
}

// loadTask reads a task with assignee, creator and dependencies attached.
func (e Engine) loadTask(ctx context.Context, tx *sql.Tx, id int64) (domain.Task, error) {
	t, err := e.getTask(ctx, tx, id)
	if err != nil {
		return t, err
	}
	tasks := []domain.Task{t}
	if err := e.attachRelations(ctx, tx, tasks); err != nil {
		return t, err
	}
	return tasks[0], nil
}

// attachRelations fills Assignee, Creator and Dependencies of every task in place.
func (e Engine) attachRelations(ctx context.Context, tx *sql.Tx, tasks []domain.Task) error {
	if len(tasks) == 0 {
		return nil
	}
	ids := make([]int64, 0, len(tasks))
	userIDs := make([]int64, 0, 2*len(tasks))
	seen := map[int64]bool{}
	for _, t := range tasks {
		ids = append(ids, t.ID)
		for _, u := range []int64{t.AssigneeID, t.CreatorID} {
			if !seen[u] {
				seen[u] = true
				userIDs = append(userIDs, u)
			}
		}
	}
	users, err := e.Repo.UsersByID(ctx, tx, userIDs)
	if err != nil {
		return err
	}
	deps, err := e.Repo.DependenciesOf(ctx, tx, ids)
	if err != nil {
		return err
	}
	for i := range tasks {
		if u, ok := users[tasks[i].AssigneeID]; ok {
			u := u
			tasks[i].Assignee = &u
		}
		if u, ok := users[tasks[i].CreatorID]; ok {
			u := u
			tasks[i].Creator = &u
		}
		tasks[i].Dependencies = deps[tasks[i].ID]
		if tasks[i].Dependencies == nil {
			tasks[i].Dependencies = []domain.Task{}
		}
	}
	return nil
}

// invalidate evicts the given task entries and flushes listings. Failures are
// logged: the entries still expire with the cache TTL.
func (e Engine) invalidate(ctx context.Context, taskIDs ...int64) {
	keys := make([]string, 0, len(taskIDs))
	for _, id := range taskIDs {
		keys = append(keys, cache.TaskKey(id))
	}
	if err := e.Cache.Invalidate(ctx, keys...); err != nil {
		e.log().WithError(err).WithField("keys", keys).Warn("cache invalidate failed")
	}
	if err := e.Cache.InvalidateAll(ctx); err != nil {
		e.log().WithError(err).Warn("cache listing flush failed")
	}
}
