package taskhubsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client is a minimal taskhub HTTP API client.
type Client struct {
	BaseURL     string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults. baseURL includes the API base path,
// e.g. http://localhost:8080/api.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

type User struct {
	ID        int64  `json:"id"`
	Name      string `json:"name"`
	Email     string `json:"email"`
	Role      string `json:"role"`
	CreatedAt string `json:"created_at"`
}

// Dependency is the shallow form of a task listed under another.
type Dependency struct {
	ID          int64   `json:"id"`
	Title       string  `json:"title"`
	Description *string `json:"description"`
	Status      string  `json:"status"`
	DueDate     string  `json:"due_date"`
	AssigneeID  int64   `json:"assignee_id"`
	CreatorID   int64   `json:"creator_id"`
}

type Task struct {
	ID           int64        `json:"id"`
	Title        string       `json:"title"`
	Description  *string      `json:"description"`
	Status       string       `json:"status"`
	DueDate      string       `json:"due_date"`
	AssigneeID   int64        `json:"assignee_id"`
	CreatorID    int64        `json:"creator_id"`
	Assignee     *User        `json:"assignee"`
	Creator      *User        `json:"creator"`
	Dependencies []Dependency `json:"dependencies"`
	CreatedAt    string       `json:"created_at"`
	UpdatedAt    string       `json:"updated_at"`
}

type TaskPage struct {
	Items       []Task `json:"items"`
	CurrentPage int    `json:"current_page"`
	PerPage     int    `json:"per_page"`
	Total       int    `json:"total"`
	LastPage    int    `json:"last_page"`
}

type Session struct {
	User  User   `json:"user"`
	Token string `json:"token"`
}

type NewTask struct {
	Title        string  `json:"title"`
	Description  *string `json:"description,omitempty"`
	DueDate      string  `json:"due_date"`
	AssigneeID   int64   `json:"assignee_id"`
	Dependencies []int64 `json:"dependencies,omitempty"`
}

// ListOptions filters ListTasks. Zero values are omitted.
type ListOptions struct {
	Status     string
	AssigneeID int64
	DueFrom    string
	DueTo      string
	Page       int
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Message    string
	Errors     map[string][]string
}

func (e *APIError) Error() string {
	if len(e.Errors) > 0 {
		return fmt.Sprintf("api error: status=%d message=%s errors=%v", e.StatusCode, e.Message, e.Errors)
	}
	return fmt.Sprintf("api error: status=%d message=%s", e.StatusCode, e.Message)
}

type envelope struct {
	Success bool                `json:"success"`
	Message string              `json:"message"`
	Data    json.RawMessage     `json:"data"`
	Errors  map[string][]string `json:"errors"`
}

// Register creates an account and keeps its token for later calls.
func (c *Client) Register(ctx context.Context, name, email, password, role string) (Session, error) {
	body := map[string]any{
		"name":                  name,
		"email":                 email,
		"password":              password,
		"password_confirmation": password,
		"role":                  role,
	}
	var resp Session
	if err := c.do(ctx, http.MethodPost, "auth/register", body, &resp); err != nil {
		return Session{}, err
	}
	c.BearerToken = resp.Token
	return resp, nil
}

// Login signs in and keeps the token for later calls.
func (c *Client) Login(ctx context.Context, email, password string) (Session, error) {
	var resp Session
	if err := c.do(ctx, http.MethodPost, "auth/login", map[string]any{"email": email, "password": password}, &resp); err != nil {
		return Session{}, err
	}
	c.BearerToken = resp.Token
	return resp, nil
}

// Logout revokes every token of the current user.
func (c *Client) Logout(ctx context.Context) error {
	if err := c.do(ctx, http.MethodPost, "auth/logout", nil, nil); err != nil {
		return err
	}
	c.BearerToken = ""
	return nil
}

func (c *Client) Me(ctx context.Context) (User, error) {
	var resp User
	err := c.do(ctx, http.MethodGet, "auth/me", nil, &resp)
	return resp, err
}

func (c *Client) CreateTask(ctx context.Context, in NewTask) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodPost, "tasks", in, &resp)
	return resp, err
}

func (c *Client) GetTask(ctx context.Context, id int64) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodGet, taskPath(id), nil, &resp)
	return resp, err
}

// ListTasks returns one page of tasks matching opts.
func (c *Client) ListTasks(ctx context.Context, opts ListOptions) (TaskPage, error) {
	q := url.Values{}
	if opts.Status != "" {
		q.Set("status", opts.Status)
	}
	if opts.AssigneeID != 0 {
		q.Set("assignee_id", strconv.FormatInt(opts.AssigneeID, 10))
	}
	if opts.DueFrom != "" {
		q.Set("due_from", opts.DueFrom)
	}
	if opts.DueTo != "" {
		q.Set("due_to", opts.DueTo)
	}
	if opts.Page > 0 {
		q.Set("page", strconv.Itoa(opts.Page))
	}
	endpoint := "tasks"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp TaskPage
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// UpdateTask patches task id. Only the keys present in fields are sent; a nil
// value is sent as JSON null.
func (c *Client) UpdateTask(ctx context.Context, id int64, fields map[string]any) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodPatch, taskPath(id), fields, &resp)
	return resp, err
}

// SetStatus is UpdateTask with only the status field.
func (c *Client) SetStatus(ctx context.Context, id int64, status string) (Task, error) {
	return c.UpdateTask(ctx, id, map[string]any{"status": status})
}

func (c *Client) AddDependencies(ctx context.Context, id int64, deps ...int64) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodPost, taskPath(id)+"/dependencies", map[string]any{"dependencies": deps}, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		if resp.StatusCode >= 300 {
			return &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(data))}
		}
		return fmt.Errorf("decode response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return &APIError{StatusCode: resp.StatusCode, Message: env.Message, Errors: env.Errors}
	}
	if out != nil && len(env.Data) > 0 && string(env.Data) != "null" {
		return json.Unmarshal(env.Data, out)
	}
	return nil
}

func taskPath(id int64) string {
	return "tasks/" + strconv.FormatInt(id, 10)
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
