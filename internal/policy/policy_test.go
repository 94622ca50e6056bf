package policy_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskhub/internal/domain"
	"taskhub/internal/policy"
)

var (
	manager = domain.Actor{ID: 1, Role: domain.RoleManager}
	user    = domain.Actor{ID: 2, Role: domain.RoleUser}
	other   = domain.Actor{ID: 3, Role: domain.RoleUser}
)

func TestAllows(t *testing.T) {
	task := &domain.Task{ID: 10, AssigneeID: user.ID, CreatorID: manager.ID}
	cases := []struct {
		actor domain.Actor
		c     policy.Capability
		task  *domain.Task
		want  bool
	}{
		{manager, policy.ViewAny, nil, true},
		{user, policy.ViewAny, nil, true},
		{manager, policy.View, task, true},
		{user, policy.View, task, true},
		{other, policy.View, task, false},
		{user, policy.View, nil, false},
		{manager, policy.Create, nil, true},
		{user, policy.Create, nil, false},
		{manager, policy.Update, task, true},
		{user, policy.Update, task, true},
		{other, policy.Update, task, false},
		{manager, policy.AddDependencies, task, true},
		{user, policy.AddDependencies, task, false},
		{manager, policy.Delete, task, true},
		{user, policy.Delete, task, false},
		{domain.Actor{ID: 9, Role: "admin"}, policy.ViewAny, nil, false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, policy.Allows(tc.actor, tc.c, tc.task), "%s %s", tc.actor.Role, tc.c)
	}
}

func TestAuthorize(t *testing.T) {
	require.NoError(t, policy.Authorize(manager, policy.Create, nil))
	err := policy.Authorize(user, policy.Create, nil)
	var ae domain.AuthorizationError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, string(policy.Create), ae.Capability)
	assert.Empty(t, ae.Fields)
}

func TestRestrictedFields(t *testing.T) {
	assert.Empty(t, policy.RestrictedFields(domain.RoleManager, policy.Fields))
	assert.Empty(t, policy.RestrictedFields(domain.RoleUser, []string{policy.FieldStatus}))
	assert.Equal(t,
		[]string{policy.FieldTitle, policy.FieldDueDate},
		policy.RestrictedFields(domain.RoleUser, []string{policy.FieldStatus, policy.FieldDueDate, policy.FieldTitle}),
	)
	assert.Equal(t, []string{"priority"}, policy.RestrictedFields(domain.RoleUser, []string{"priority"}))
}

func TestAuthorizeFields(t *testing.T) {
	require.NoError(t, policy.AuthorizeFields(domain.RoleUser, []string{policy.FieldStatus}))
	require.NoError(t, policy.AuthorizeFields(domain.RoleUser, nil))

	err := policy.AuthorizeFields(domain.RoleUser, []string{policy.FieldAssigneeID, policy.FieldStatus})
	var ae domain.AuthorizationError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, []string{policy.FieldAssigneeID}, ae.Fields)
	assert.Equal(t, "You are not authorized to update the field: assignee_id", err.Error())
}
