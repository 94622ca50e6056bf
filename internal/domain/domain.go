package domain

type Role string

const (
	RoleManager Role = "manager"
	RoleUser    Role = "user"
)

func (r Role) Valid() bool {
	return r == RoleManager || r == RoleUser
}

type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
)

// Statuses lists every task status in display order.
var Statuses = []Status{StatusPending, StatusCompleted, StatusCancelled}

func (s Status) Valid() bool {
	for _, v := range Statuses {
		if s == v {
			return true
		}
	}
	return false
}

// DateLayout is the wire and storage format of due dates.
const DateLayout = "2006-01-02"

// Actor is the authenticated identity every engine call acts as.
type Actor struct {
	ID   int64
	Role Role
}

func (a Actor) IsManager() bool { return a.Role == RoleManager }

type User struct {
	ID           int64  `json:"id"`
	Name         string `json:"name"`
	Email        string `json:"email"`
	Role         Role   `json:"role" enum:"manager,user"`
	PasswordHash string `json:"-"`
	CreatedAt    string `json:"created_at" format:"date-time"`
	UpdatedAt    string `json:"updated_at" format:"date-time"`
}

func (u User) Actor() Actor {
	return Actor{ID: u.ID, Role: u.Role}
}

type Task struct {
	ID           int64   `json:"id"`
	Title        string  `json:"title"`
	Description  *string `json:"description"`
	Status       Status  `json:"status"`
	DueDate      string  `json:"due_date"`
	AssigneeID   int64   `json:"assignee_id"`
	CreatorID    int64   `json:"creator_id"`
	Assignee     *User   `json:"assignee,omitempty"`
	Creator      *User   `json:"creator,omitempty"`
	Dependencies []Task  `json:"dependencies,omitempty"`
	CreatedAt    string  `json:"created_at"`
	UpdatedAt    string  `json:"updated_at"`
}

func (t Task) Completed() bool { return t.Status == StatusCompleted }

// DependencyIDs returns the ids of the attached dependencies.
func (t Task) DependencyIDs() []int64 {
	ids := make([]int64, 0, len(t.Dependencies))
	for _, d := range t.Dependencies {
		ids = append(ids, d.ID)
	}
	return ids
}

type APIToken struct {
	ID        string
	UserID    int64
	Name      string
	TokenHash string
	CreatedAt string
	ExpiresAt string
}

type Event struct {
	ID          int64  `json:"id"`
	TS          string `json:"ts" format:"date-time"`
	Type        string `json:"type"`
	EntityKind  string `json:"entity_kind"`
	EntityID    *int64 `json:"entity_id,omitempty"`
	ActorID     *int64 `json:"actor_id,omitempty"`
	PayloadJSON string `json:"payload_json"`
}

// Criteria filters a task listing. Zero values mean "no constraint".
type Criteria struct {
	Status     Status
	AssigneeID int64
	DueFrom    string
	DueTo      string
	Page       int
}

// Map returns the set constraints keyed by query parameter name.
func (c Criteria) Map() map[string]any {
	m := map[string]any{"page": c.Page}
	if c.Status != "" {
		m["status"] = string(c.Status)
	}
	if c.AssigneeID != 0 {
		m["assignee_id"] = c.AssigneeID
	}
	if c.DueFrom != "" {
		m["due_from"] = c.DueFrom
	}
	if c.DueTo != "" {
		m["due_to"] = c.DueTo
	}
	return m
}

type Page[T any] struct {
	Items       []T `json:"items"`
	CurrentPage int `json:"current_page"`
	PerPage     int `json:"per_page"`
	Total       int `json:"total"`
	LastPage    int `json:"last_page"`
}

// NewPage fills the derived pagination fields.
func NewPage[T any](items []T, page, perPage, total int) Page[T] {
	if items == nil {
		items = []T{}
	}
	last := 1
	if perPage > 0 && total > 0 {
		last = (total + perPage - 1) / perPage
	}
	return Page[T]{Items: items, CurrentPage: page, PerPage: perPage, Total: total, LastPage: last}
}
