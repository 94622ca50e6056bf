package engine

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/sirupsen/logrus"

	"taskhub/internal/cache"
	"taskhub/internal/domain"
	"taskhub/internal/events"
	"taskhub/internal/policy"
	"taskhub/internal/repo"
)

const maxTitleLength = 255

// Conflict messages returned by the lifecycle rules.
const (
	MsgUpdateAfterCompletion       = "Task cannot be updated after completion."
	MsgDependenciesNotDone         = "Task cannot be marked completed until all dependencies are done."
	MsgDependenciesAfterCompletion = "Dependencies cannot be added after completion."
	MsgDependencyCycle             = "Dependency would create a cycle."
)

type CreateTaskInput struct {
	Title        string
	Description  *string
	DueDate      string
	AssigneeID   int64
	Dependencies []int64
}

// TaskPatch carries the fields of an update. Fields lists the keys present in the
// request, including ones sent as null; when empty it is derived from the non-nil
// members.
type TaskPatch struct {
	Title        *string
	Description  *string
	DueDate      *string
	AssigneeID   *int64
	Status       *domain.Status
	Dependencies []int64
	Fields       []string
}

func (p TaskPatch) present() []string {
	if len(p.Fields) > 0 {
		return p.Fields
	}
	var fields []string
	if p.Title != nil {
		fields = append(fields, policy.FieldTitle)
	}
	if p.Description != nil {
		fields = append(fields, policy.FieldDescription)
	}
	if p.AssigneeID != nil {
		fields = append(fields, policy.FieldAssigneeID)
	}
	if p.DueDate != nil {
		fields = append(fields, policy.FieldDueDate)
	}
	if p.Status != nil {
		fields = append(fields, policy.FieldStatus)
	}
	if p.Dependencies != nil {
		fields = append(fields, policy.FieldDependencies)
	}
	return fields
}

func (p TaskPatch) has(field string) bool {
	for _, f := range p.present() {
		if f == field {
			return true
		}
	}
	return false
}

// CreateTask stores a new pending task owned by actor.
func (e Engine) CreateTask(ctx context.Context, actor domain.Actor, in CreateTaskInput) (task domain.Task, err error) {
	defer func() { err = domain.Classify(err) }()
	if err := policy.Authorize(actor, policy.Create, nil); err != nil {
		return domain.Task{}, err
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()

	var verr domain.ValidationError
	title := strings.TrimSpace(in.Title)
	e.checkTitle(&verr, title)
	due, _ := e.checkDueDate(&verr, in.DueDate)
	if in.AssigneeID == 0 {
		verr.Add(policy.FieldAssigneeID, "The assignee id field is required.")
	} else if exists, err := e.Repo.UserExists(ctx, tx, in.AssigneeID); err != nil {
		return domain.Task{}, err
	} else if !exists {
		verr.Add(policy.FieldAssigneeID, "The selected assignee id is invalid.")
	}
	deps := dedupe(in.Dependencies)
	if err := e.checkDependencies(ctx, tx, &verr, 0, in.Dependencies); err != nil {
		return domain.Task{}, err
	}
	if err := verr.Err(); err != nil {
		return domain.Task{}, err
	}

	now := e.timestamp()
	t := domain.Task{
		Title:       title,
		Description: normalizeDescription(in.Description),
		Status:      domain.StatusPending,
		DueDate:     due,
		AssigneeID:  in.AssigneeID,
		CreatorID:   actor.ID,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	id, err := e.Repo.InsertTask(ctx, tx, t)
	if err != nil {
		return domain.Task{}, fmt.Errorf("insert task: %w", err)
	}
	if _, err := e.Repo.AddDependencies(ctx, tx, id, deps, now); err != nil {
		return domain.Task{}, err
	}
	if err := e.events().Append(ctx, tx, events.TaskCreated, "task", id, actor.ID, events.EventPayload{
		"title":        t.Title,
		"assignee_id":  t.AssigneeID,
		"due_date":     t.DueDate,
		"dependencies": deps,
	}); err != nil {
		return domain.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}

	e.log().WithFields(logrus.Fields{"task_id": id, "actor_id": actor.ID}).Debug("task created")
	e.invalidate(ctx)
	return e.loadTask(ctx, nil, id)
}

// UpdateTask applies patch to task id.
func (e Engine) UpdateTask(ctx context.Context, actor domain.Actor, id int64, patch TaskPatch) (task domain.Task, err error) {
	defer func() { err = domain.Classify(err) }()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()

	current, err := e.getTask(ctx, tx, id)
	if err != nil {
		return domain.Task{}, err
	}
	if err := policy.Authorize(actor, policy.Update, &current); err != nil {
		return domain.Task{}, err
	}
	if current.Completed() {
		return domain.Task{}, domain.ConflictError{Message: MsgUpdateAfterCompletion}
	}
	if err := policy.AuthorizeFields(actor.Role, patch.present()); err != nil {
		return domain.Task{}, err
	}

	next := current
	var verr domain.ValidationError
	if !actor.IsManager() && !patch.has(policy.FieldStatus) {
		verr.Add(policy.FieldStatus, "The status field is required.")
	}
	if patch.has(policy.FieldTitle) {
		title := ""
		if patch.Title != nil {
			title = strings.TrimSpace(*patch.Title)
		}
		if e.checkTitle(&verr, title) {
			next.Title = title
		}
	}
	if patch.has(policy.FieldDescription) {
		next.Description = normalizeDescription(patch.Description)
	}
	if patch.has(policy.FieldDueDate) {
		raw := ""
		if patch.DueDate != nil {
			raw = *patch.DueDate
		}
		if due, ok := e.checkDueDate(&verr, raw); ok {
			next.DueDate = due
		}
	}
	if patch.has(policy.FieldAssigneeID) {
		switch {
		case patch.AssigneeID == nil || *patch.AssigneeID == 0:
			verr.Add(policy.FieldAssigneeID, "The assignee id field is required.")
		default:
			exists, err := e.Repo.UserExists(ctx, tx, *patch.AssigneeID)
			if err != nil {
				return domain.Task{}, err
			}
			if !exists {
				verr.Add(policy.FieldAssigneeID, "The selected assignee id is invalid.")
			} else {
				next.AssigneeID = *patch.AssigneeID
			}
		}
	}
	if patch.has(policy.FieldStatus) {
		switch {
		case patch.Status == nil || *patch.Status == "":
			verr.Add(policy.FieldStatus, "The status field is required.")
		case !patch.Status.Valid():
			verr.Add(policy.FieldStatus, "The selected status is invalid.")
		default:
			next.Status = *patch.Status
		}
	}
	syncDeps := patch.has(policy.FieldDependencies)
	deps := dedupe(patch.Dependencies)
	if syncDeps {
		if err := e.checkDependencies(ctx, tx, &verr, id, patch.Dependencies); err != nil {
			return domain.Task{}, err
		}
	}
	if err := verr.Err(); err != nil {
		return domain.Task{}, err
	}

	effective := deps
	if !syncDeps {
		effective, err = e.Repo.ListDependencyIDs(ctx, tx, id)
		if err != nil {
			return domain.Task{}, err
		}
	}
	if next.Status == domain.StatusCompleted {
		incomplete, err := e.Repo.IncompleteTaskIDs(ctx, tx, effective)
		if err != nil {
			return domain.Task{}, err
		}
		if len(incomplete) > 0 {
			return domain.Task{}, domain.ConflictError{Message: MsgDependenciesNotDone}
		}
	}

	if syncDeps {
		existing, err := e.Repo.ListDependencyIDs(ctx, tx, id)
		if err != nil {
			return domain.Task{}, err
		}
		if err := e.checkCycles(ctx, tx, id, newIDs(deps, existing)); err != nil {
			return domain.Task{}, err
		}
	}

	now := e.timestamp()
	next.UpdatedAt = now
	if err := e.Repo.UpdateTask(ctx, tx, next); err != nil {
		return domain.Task{}, fmt.Errorf("update task %d: %w", id, err)
	}
	payload := events.EventPayload{"fields": patch.present()}
	if next.Status != current.Status {
		payload["status_from"] = current.Status
		payload["status_to"] = next.Status
	}
	if syncDeps {
		added, removed, err := e.Repo.SyncDependencies(ctx, tx, id, deps, now)
		if err != nil {
			return domain.Task{}, err
		}
		payload["dependencies_added"] = added
		payload["dependencies_removed"] = removed
	}
	if err := e.events().Append(ctx, tx, events.TaskUpdated, "task", id, actor.ID, payload); err != nil {
		return domain.Task{}, err
	}
	dependents, err := e.Repo.ListDependentIDs(ctx, tx, id)
	if err != nil {
		return domain.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}

	e.log().WithFields(logrus.Fields{"task_id": id, "actor_id": actor.ID, "fields": patch.present()}).Debug("task updated")
	e.invalidate(ctx, append([]int64{id}, dependents...)...)
	return e.loadTask(ctx, nil, id)
}

// AddDependencies unions ids into the dependency set of task id.
func (e Engine) AddDependencies(ctx context.Context, actor domain.Actor, id int64, ids []int64) (task domain.Task, err error) {
	defer func() { err = domain.Classify(err) }()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()

	current, err := e.getTask(ctx, tx, id)
	if err != nil {
		return domain.Task{}, err
	}
	if err := policy.Authorize(actor, policy.AddDependencies, &current); err != nil {
		return domain.Task{}, err
	}
	if current.Completed() {
		return domain.Task{}, domain.ConflictError{Message: MsgDependenciesAfterCompletion}
	}

	var verr domain.ValidationError
	if len(ids) == 0 {
		verr.Add(policy.FieldDependencies, "The dependencies field is required.")
	}
	if err := e.checkDependencies(ctx, tx, &verr, id, ids); err != nil {
		return domain.Task{}, err
	}
	if err := verr.Err(); err != nil {
		return domain.Task{}, err
	}

	deps := dedupe(ids)
	existing, err := e.Repo.ListDependencyIDs(ctx, tx, id)
	if err != nil {
		return domain.Task{}, err
	}
	if err := e.checkCycles(ctx, tx, id, newIDs(deps, existing)); err != nil {
		return domain.Task{}, err
	}
	now := e.timestamp()
	added, err := e.Repo.AddDependencies(ctx, tx, id, deps, now)
	if err != nil {
		return domain.Task{}, err
	}
	if err := e.events().Append(ctx, tx, events.TaskDependenciesAdded, "task", id, actor.ID, events.EventPayload{
		"dependencies": deps,
		"added":        added,
	}); err != nil {
		return domain.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}

	e.log().WithFields(logrus.Fields{"task_id": id, "actor_id": actor.ID, "added": added}).Debug("dependencies added")
	e.invalidate(ctx, id)
	return e.loadTask(ctx, nil, id)
}

// GetTask returns one task with its relations.
func (e Engine) GetTask(ctx context.Context, actor domain.Actor, id int64) (task domain.Task, err error) {
	defer func() { err = domain.Classify(err) }()
	err = e.Cache.ReadThrough(ctx, cache.TaskKey(id), &task, func(ctx context.Context) (any, error) {
		return e.loadTask(ctx, nil, id)
	})
	if err != nil {
		return domain.Task{}, err
	}
	if err := policy.Authorize(actor, policy.View, &task); err != nil {
		return domain.Task{}, err
	}
	if task.Dependencies == nil {
		task.Dependencies = []domain.Task{}
	}
	return task, nil
}

// FilterTasks returns one page of the tasks visible to actor that match criteria.
func (e Engine) FilterTasks(ctx context.Context, actor domain.Actor, criteria domain.Criteria) (page domain.Page[domain.Task], err error) {
	defer func() { err = domain.Classify(err) }()
	if err := policy.Authorize(actor, policy.ViewAny, nil); err != nil {
		return page, err
	}
	criteria, err = e.checkCriteria(criteria)
	if err != nil {
		return page, err
	}
	if !actor.IsManager() {
		criteria.AssigneeID = actor.ID
	}

	perPage := e.pageSize()
	keyParts := criteria.Map()
	keyParts["per_page"] = perPage
	err = e.Cache.ReadThrough(ctx, cache.ListingKey(keyParts), &page, func(ctx context.Context) (any, error) {
		tasks, total, err := e.Repo.ListTasks(ctx, repo.TaskFilters{
			Status:     string(criteria.Status),
			AssigneeID: criteria.AssigneeID,
			DueFrom:    criteria.DueFrom,
			DueTo:      criteria.DueTo,
			Limit:      perPage,
			Offset:     (criteria.Page - 1) * perPage,
		})
		if err != nil {
			return nil, err
		}
		if err := e.attachRelations(ctx, nil, tasks); err != nil {
			return nil, err
		}
		return domain.NewPage(tasks, criteria.Page, perPage, total), nil
	})
	if err != nil {
		return domain.Page[domain.Task]{}, err
	}
	if page.Items == nil {
		page.Items = []domain.Task{}
	}
	for i := range page.Items {
		if page.Items[i].Dependencies == nil {
			page.Items[i].Dependencies = []domain.Task{}
		}
	}
	return page, nil
}

func (e Engine) checkCriteria(c domain.Criteria) (domain.Criteria, error) {
	var verr domain.ValidationError
	if c.Status != "" && !c.Status.Valid() {
		verr.Add(policy.FieldStatus, "The selected status is invalid.")
	}
	if c.AssigneeID < 0 {
		verr.Add(policy.FieldAssigneeID, "The assignee id field must be an integer.")
	}
	var from, to time.Time
	if c.DueFrom != "" {
		t, norm, ok := parseDate(c.DueFrom)
		if ok {
			from, c.DueFrom = t, norm
		} else {
			verr.Add("due_from", "The due from field must be a valid date.")
		}
	}
	if c.DueTo != "" {
		t, norm, ok := parseDate(c.DueTo)
		if ok {
			to, c.DueTo = t, norm
		} else {
			verr.Add("due_to", "The due to field must be a valid date.")
		}
	}
	if !from.IsZero() && !to.IsZero() && to.Before(from) {
		verr.Add("due_to", "The due to field must be a date after or equal to due from.")
	}
	switch {
	case c.Page == 0:
		c.Page = 1
	case c.Page < 0:
		verr.Add("page", "The page field must be at least 1.")
	}
	return c, verr.Err()
}

// checkTitle reports whether title is acceptable.
func (e Engine) checkTitle(verr *domain.ValidationError, title string) bool {
	switch {
	case title == "":
		verr.Add(policy.FieldTitle, "The title field is required.")
		return false
	case utf8.RuneCountInString(title) > maxTitleLength:
		verr.Add(policy.FieldTitle, fmt.Sprintf("The title field must not be greater than %d characters.", maxTitleLength))
		return false
	}
	return true
}

// checkDueDate validates raw and returns it normalized to domain.DateLayout.
func (e Engine) checkDueDate(verr *domain.ValidationError, raw string) (string, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		verr.Add(policy.FieldDueDate, "The due date field is required.")
		return "", false
	}
	_, norm, ok := parseDate(raw)
	if !ok {
		verr.Add(policy.FieldDueDate, "The due date field must be a valid date.")
		return "", false
	}
	if norm <= e.today() {
		verr.Add(policy.FieldDueDate, "The due date field must be a date after today.")
		return "", false
	}
	return norm, true
}

// checkDependencies records an error for every id that is missing or equal to
// self. Keys follow the position in ids.
func (e Engine) checkDependencies(ctx context.Context, tx *sql.Tx, verr *domain.ValidationError, self int64, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	exists, err := e.Repo.ExistingTaskIDs(ctx, tx, dedupe(ids))
	if err != nil {
		return err
	}
	for i, d := range ids {
		key := policy.FieldDependencies + "." + strconv.Itoa(i)
		switch {
		case self != 0 && d == self:
			verr.Add(key, "A task cannot depend on itself.")
		case !exists[d]:
			verr.Add(key, "The selected "+key+" is invalid.")
		}
	}
	return nil
}

// checkCycles rejects edges id -> d for which id is already reachable from d.
func (e Engine) checkCycles(ctx context.Context, tx *sql.Tx, id int64, deps []int64) error {
	if !e.preventCycles() {
		return nil
	}
	for _, d := range deps {
		reaches, err := e.Repo.Reaches(ctx, tx, d, id)
		if err != nil {
			return err
		}
		if reaches {
			return domain.ConflictError{Message: MsgDependencyCycle}
		}
	}
	return nil
}

// parseDate accepts YYYY-MM-DD or an RFC3339 timestamp.
func parseDate(raw string) (time.Time, string, bool) {
	raw = strings.TrimSpace(raw)
	if t, err := time.Parse(domain.DateLayout, raw); err == nil {
		return t, t.Format(domain.DateLayout), true
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		t = t.UTC()
		return t, t.Format(domain.DateLayout), true
	}
	return time.Time{}, "", false
}

func normalizeDescription(d *string) *string {
	if d == nil {
		return nil
	}
	v := strings.TrimSpace(*d)
	if v == "" {
		return nil
	}
	return &v
}

// dedupe drops repeated ids and keeps first-seen order.
func dedupe(ids []int64) []int64 {
	out := make([]int64, 0, len(ids))
	seen := make(map[int64]bool, len(ids))
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}

// newIDs returns the members of want missing from have, sorted.
func newIDs(want, have []int64) []int64 {
	set := make(map[int64]bool, len(have))
	for _, id := range have {
		set[id] = true
	}
	var out []int64
	for _, id := range want {
		if !set[id] {
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
