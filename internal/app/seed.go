package app

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"taskhub/internal/domain"
	"taskhub/internal/engine"
	"taskhub/internal/engine/auth"
)

// SeedPassword is the password of every seeded user.
const SeedPassword = "password"

var seedUsers = []auth.RegisterInput{
	{Name: "Test Manager", Email: "test_manager@example.com", Role: domain.RoleManager},
	{Name: "Test User", Email: "test_user@example.com", Role: domain.RoleUser},
	{Name: "Test User2", Email: "test_user2@example.com", Role: domain.RoleUser},
}

type SeedResult struct {
	Users []domain.User
	Tasks []domain.Task
}

// Seed creates the demo users, reusing ones that already exist, and n tasks.
// Each task depends on up to three earlier tasks so the seeded graph is acyclic.
func (a *App) Seed(ctx context.Context, n int, rng *rand.Rand) (SeedResult, error) {
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	var res SeedResult
	for _, in := range seedUsers {
		in.Password = SeedPassword
		u, err := a.Auth.CreateUser(ctx, in)
		var ve domain.ValidationError
		if errors.As(err, &ve) && len(ve.Fields["email"]) > 0 {
			u, err = a.Engine.Repo.GetUserByEmail(ctx, nil, in.Email)
		}
		if err != nil {
			return res, fmt.Errorf("seed user %s: %w", in.Email, err)
		}
		res.Users = append(res.Users, u)
	}
	manager := res.Users[0].Actor()

	today := a.Engine.Now().UTC()
	for i := 0; i < n; i++ {
		var deps []int64
		if len(res.Tasks) > 0 {
			k := rng.Intn(min(3, len(res.Tasks)) + 1)
			for _, j := range rng.Perm(len(res.Tasks))[:k] {
				deps = append(deps, res.Tasks[j].ID)
			}
		}
		t, err := a.Engine.CreateTask(ctx, manager, engine.CreateTaskInput{
			Title:        fmt.Sprintf("Seed task %d", i+1),
			DueDate:      today.AddDate(0, 0, 1+rng.Intn(30)).Format(domain.DateLayout),
			AssigneeID:   res.Users[rng.Intn(len(res.Users))].ID,
			Dependencies: deps,
		})
		if err != nil {
			return res, fmt.Errorf("seed task %d: %w", i+1, err)
		}
		res.Tasks = append(res.Tasks, t)
	}
	return res, nil
}
