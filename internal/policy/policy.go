// Package policy holds the role-based access rules for tasks: which capability
// each role holds on a task, and which task fields each role may write.
package policy

import (
	"taskhub/internal/domain"
)

type Capability string

const (
	ViewAny         Capability = "viewAny"
	View            Capability = "view"
	Create          Capability = "create"
	Update          Capability = "update"
	AddDependencies Capability = "addDependencies"
	Delete          Capability = "delete"
)

// Task fields a patch may carry.
const (
	FieldTitle        = "title"
	FieldDescription  = "description"
	FieldAssigneeID   = "assignee_id"
	FieldDueDate      = "due_date"
	FieldStatus       = "status"
	FieldDependencies = "dependencies"
)

// Fields lists the patchable task fields in canonical order.
var Fields = []string{FieldTitle, FieldDescription, FieldAssigneeID, FieldDueDate, FieldStatus, FieldDependencies}

type rule int

const (
	deny rule = iota
	allow
	assigneeOnly
)

var capabilities = map[Capability]map[domain.Role]rule{
	ViewAny:         {domain.RoleManager: allow, domain.RoleUser: allow},
	View:            {domain.RoleManager: allow, domain.RoleUser: assigneeOnly},
	Create:          {domain.RoleManager: allow},
	Update:          {domain.RoleManager: allow, domain.RoleUser: assigneeOnly},
	AddDependencies: {domain.RoleManager: allow},
	Delete:          {domain.RoleManager: allow},
}

var writable = map[domain.Role]map[string]bool{
	domain.RoleManager: {
		FieldTitle: true, FieldDescription: true, FieldAssigneeID: true,
		FieldDueDate: true, FieldStatus: true, FieldDependencies: true,
	},
	domain.RoleUser: {FieldStatus: true},
}

// Allows reports whether actor holds c. Task-scoped capabilities need a target;
// a nil task only satisfies unconditional rules.
func Allows(actor domain.Actor, c Capability, task *domain.Task) bool {
	switch capabilities[c][actor.Role] {
	case allow:
		return true
	case assigneeOnly:
		return task != nil && task.AssigneeID == actor.ID
	default:
		return false
	}
}

// Authorize returns an AuthorizationError when actor does not hold c.
func Authorize(actor domain.Actor, c Capability, task *domain.Task) error {
	if Allows(actor, c, task) {
		return nil
	}
	return domain.AuthorizationError{Capability: string(c)}
}

// RestrictedFields returns the members of fields role may not write, in canonical order.
func RestrictedFields(role domain.Role, fields []string) []string {
	present := make(map[string]bool, len(fields))
	for _, f := range fields {
		present[f] = true
	}
	var out []string
	for _, f := range Fields {
		if present[f] && !writable[role][f] {
			out = append(out, f)
		}
	}
	for _, f := range fields {
		if !isKnown(f) && !writable[role][f] {
			out = append(out, f)
		}
	}
	return out
}

// AuthorizeFields returns an AuthorizationError naming the fields role may not write.
func AuthorizeFields(role domain.Role, fields []string) error {
	if restricted := RestrictedFields(role, fields); len(restricted) > 0 {
		return domain.AuthorizationError{Capability: string(Update), Fields: restricted}
	}
	return nil
}

func isKnown(field string) bool {
	for _, f := range Fields {
		if f == field {
			return true
		}
	}
	return false
}
