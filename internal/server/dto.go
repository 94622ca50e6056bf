package server

import (
	"taskhub/internal/cache"
	"taskhub/internal/domain"
)

// Request payloads. Fields are optional at the schema level so the engine
// reports missing values with its own messages.

type RegisterRequest struct {
	Name                 string `json:"name,omitempty"`
	Email                string `json:"email,omitempty"`
	Password             string `json:"password,omitempty"`
	PasswordConfirmation string `json:"password_confirmation,omitempty"`
	Role                 string `json:"role,omitempty" doc:"manager or user"`
}

type LoginRequest struct {
	Email    string `json:"email,omitempty"`
	Password string `json:"password,omitempty"`
}

type CreateTaskRequest struct {
	Title        string  `json:"title,omitempty"`
	Description  *string `json:"description,omitempty" nullable:"true"`
	DueDate      string  `json:"due_date,omitempty" doc:"YYYY-MM-DD, after today"`
	AssigneeID   int64   `json:"assignee_id,omitempty"`
	Dependencies []int64 `json:"dependencies,omitempty"`
}

type UpdateTaskRequest struct {
	Title        *string `json:"title,omitempty"`
	Description  *string `json:"description,omitempty" nullable:"true"`
	DueDate      *string `json:"due_date,omitempty"`
	AssigneeID   *int64  `json:"assignee_id,omitempty"`
	Status       *string `json:"status,omitempty" doc:"pending, completed or cancelled"`
	Dependencies []int64 `json:"dependencies,omitempty" doc:"replaces the whole dependency set"`
}

type AddDependenciesRequest struct {
	Dependencies []int64 `json:"dependencies,omitempty"`
}

// Response payloads

type envelope[T any] struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Data    T      `json:"data"`
}

type envelopeOutput[T any] struct {
	Body envelope[T]
}

func ok[T any](message string, data T) *envelopeOutput[T] {
	return &envelopeOutput[T]{Body: envelope[T]{Success: true, Message: message, Data: data}}
}

// EmptyData is the payload of responses whose data is always null.
type EmptyData struct{}

type UserResponse struct {
	ID        int64  `json:"id"`
	Name      string `json:"name"`
	Email     string `json:"email"`
	Role      string `json:"role"`
	CreatedAt string `json:"created_at"`
}

// DependencyResponse is the shallow form of a task nested in another.
type DependencyResponse struct {
	ID          int64   `json:"id"`
	Title       string  `json:"title"`
	Description *string `json:"description"`
	Status      string  `json:"status"`
	DueDate     string  `json:"due_date"`
	AssigneeID  int64   `json:"assignee_id"`
	CreatorID   int64   `json:"creator_id"`
}

type TaskResponse struct {
	ID           int64                `json:"id"`
	Title        string               `json:"title"`
	Description  *string              `json:"description"`
	Status       string               `json:"status"`
	DueDate      string               `json:"due_date"`
	AssigneeID   int64                `json:"assignee_id"`
	CreatorID    int64                `json:"creator_id"`
	Assignee     *UserResponse        `json:"assignee"`
	Creator      *UserResponse        `json:"creator"`
	Dependencies []DependencyResponse `json:"dependencies"`
	CreatedAt    string               `json:"created_at"`
	UpdatedAt    string               `json:"updated_at"`
}

type TaskPageResponse struct {
	Items       []TaskResponse `json:"items"`
	CurrentPage int            `json:"current_page"`
	PerPage     int            `json:"per_page"`
	Total       int            `json:"total"`
	LastPage    int            `json:"last_page"`
}

type SessionResponse struct {
	User  UserResponse `json:"user"`
	Token string       `json:"token"`
}

type HealthResponse struct {
	Status string               `json:"status"`
	Cache  *cache.StatsSnapshot `json:"cache,omitempty"`
}

func userResponse(u domain.User) UserResponse {
	return UserResponse{ID: u.ID, Name: u.Name, Email: u.Email, Role: string(u.Role), CreatedAt: u.CreatedAt}
}

func userResponsePtr(u *domain.User) *UserResponse {
	if u == nil {
		return nil
	}
	r := userResponse(*u)
	return &r
}

func taskResponse(t domain.Task) TaskResponse {
	deps := make([]DependencyResponse, 0, len(t.Dependencies))
	for _, d := range t.Dependencies {
		deps = append(deps, DependencyResponse{
			ID:          d.ID,
			Title:       d.Title,
			Description: d.Description,
			Status:      string(d.Status),
			DueDate:     d.DueDate,
			AssigneeID:  d.AssigneeID,
			CreatorID:   d.CreatorID,
		})
	}
	return TaskResponse{
		ID:           t.ID,
		Title:        t.Title,
		Description:  t.Description,
		Status:       string(t.Status),
		DueDate:      t.DueDate,
		AssigneeID:   t.AssigneeID,
		CreatorID:    t.CreatorID,
		Assignee:     userResponsePtr(t.Assignee),
		Creator:      userResponsePtr(t.Creator),
		Dependencies: deps,
		CreatedAt:    t.CreatedAt,
		UpdatedAt:    t.UpdatedAt,
	}
}

func taskPageResponse(p domain.Page[domain.Task]) TaskPageResponse {
	items := make([]TaskResponse, 0, len(p.Items))
	for _, t := range p.Items {
		items = append(items, taskResponse(t))
	}
	return TaskPageResponse{Items: items, CurrentPage: p.CurrentPage, PerPage: p.PerPage, Total: p.Total, LastPage: p.LastPage}
}
