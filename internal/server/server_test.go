package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskhub/internal/app"
	"taskhub/internal/config"
	"taskhub/internal/domain"
	"taskhub/internal/logging"
	taskhubsdk "taskhub/sdk/go"
)

type testServer struct {
	URL    string
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T, tweak ...func(*config.Config)) *testServer {
	t.Helper()
	cfg := config.Default()
	cfg.Database.Path = t.TempDir() + "/taskhub.db"
	cfg.Auth.JWTSecret = "test-secret"
	cfg.Auth.BcryptCost = 4
	cfg.Server.AuthRateLimit = 0
	for _, fn := range tweak {
		fn(cfg)
	}
	a, err := app.Open(context.Background(), cfg, logging.Discard())
	require.NoError(t, err)
	handler, err := New(Config{
		Engine:        a.Engine,
		Auth:          a.Auth,
		Cache:         a.Cache,
		BasePath:      cfg.Server.BasePath,
		AuthRateLimit: cfg.Server.AuthRateLimit,
		Log:           logging.Discard(),
	})
	require.NoError(t, err)
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	ts := &testServer{
		URL:    "http://" + ln.Addr().String() + "/api",
		client: &http.Client{Timeout: 10 * time.Second},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			a.Close()
		},
	}
	t.Cleanup(ts.Close)
	return ts
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader = bytes.NewReader(nil)
	switch b := body.(type) {
	case nil:
	case string:
		reader = bytes.NewBufferString(b)
	default:
		data, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, url, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	return res, data
}

type testEnvelope struct {
	Success bool                `json:"success"`
	Message string              `json:"message"`
	Data    json.RawMessage     `json:"data"`
	Errors  map[string][]string `json:"errors"`
}

func decode(t *testing.T, data []byte, into any) testEnvelope {
	t.Helper()
	var env testEnvelope
	require.NoError(t, json.Unmarshal(data, &env), string(data))
	if into != nil {
		require.NoError(t, json.Unmarshal(env.Data, into), string(data))
	}
	return env
}

// call performs an authenticated request and asserts the status.
func (s *testServer) call(t *testing.T, token, method, path string, body any, want int) testEnvelope {
	t.Helper()
	headers := map[string]string{}
	if token != "" {
		headers["Authorization"] = "Bearer " + token
	}
	res, data := doJSON(t, s.client, method, s.URL+path, body, headers)
	require.Equal(t, want, res.StatusCode, "%s %s: %s", method, path, data)
	return decode(t, data, nil)
}

func (s *testServer) register(t *testing.T, email string, role domain.Role) SessionResponse {
	t.Helper()
	env := s.call(t, "", http.MethodPost, "/auth/register", map[string]any{
		"name":                  "Someone",
		"email":                 email,
		"password":              "password",
		"password_confirmation": "password",
		"role":                  role,
	}, http.StatusCreated)
	var sess SessionResponse
	require.NoError(t, json.Unmarshal(env.Data, &sess))
	require.NotEmpty(t, sess.Token)
	return sess
}

func (s *testServer) createTask(t *testing.T, token string, body map[string]any) TaskResponse {
	t.Helper()
	env := s.call(t, token, http.MethodPost, "/tasks", body, http.StatusCreated)
	assert.Equal(t, "Task created successfully", env.Message)
	var task TaskResponse
	require.NoError(t, json.Unmarshal(env.Data, &task))
	return task
}

func dueIn(days int) string {
	return time.Now().UTC().AddDate(0, 0, days).Format(domain.DateLayout)
}

func TestTaskLifecycle(t *testing.T) {
	srv := newTestServer(t)
	manager := srv.register(t, "manager@example.com", domain.RoleManager)
	user := srv.register(t, "user@example.com", domain.RoleUser)

	first := srv.createTask(t, manager.Token, map[string]any{
		"title": "Write schema", "due_date": dueIn(3), "assignee_id": user.User.ID,
	})
	second := srv.createTask(t, manager.Token, map[string]any{
		"title": "Ship API", "description": "v1", "due_date": dueIn(5),
		"assignee_id": user.User.ID, "dependencies": []int64{first.ID},
	})
	assert.Equal(t, "pending", second.Status)
	require.Len(t, second.Dependencies, 1)
	assert.Equal(t, first.ID, second.Dependencies[0].ID)
	require.NotNil(t, second.Assignee)
	assert.Equal(t, user.User.ID, second.Assignee.ID)
	require.NotNil(t, second.Creator)
	assert.Equal(t, manager.User.ID, second.Creator.ID)

	secondPath := fmt.Sprintf("/tasks/%d", second.ID)
	env := srv.call(t, user.Token, http.MethodPatch, secondPath, map[string]any{"status": "completed"}, http.StatusUnprocessableEntity)
	assert.False(t, env.Success)
	assert.Equal(t, "Task cannot be marked completed until all dependencies are done.", env.Message)

	srv.call(t, user.Token, http.MethodPut, fmt.Sprintf("/tasks/%d", first.ID), map[string]any{"status": "completed"}, http.StatusOK)
	env = srv.call(t, user.Token, http.MethodPatch, secondPath, map[string]any{"status": "completed"}, http.StatusOK)
	assert.Equal(t, "Task updated successfully", env.Message)

	var got TaskResponse
	env = srv.call(t, user.Token, http.MethodGet, secondPath, nil, http.StatusOK)
	require.NoError(t, json.Unmarshal(env.Data, &got))
	assert.Equal(t, "completed", got.Status)
	assert.Equal(t, "completed", got.Dependencies[0].Status)

	env = srv.call(t, manager.Token, http.MethodPatch, secondPath, map[string]any{"title": "Renamed"}, http.StatusUnprocessableEntity)
	assert.Equal(t, "Task cannot be updated after completion.", env.Message)
	env = srv.call(t, manager.Token, http.MethodPost, secondPath+"/dependencies", map[string]any{"dependencies": []int64{first.ID}}, http.StatusUnprocessableEntity)
	assert.Equal(t, "Dependencies cannot be added after completion.", env.Message)
}

func TestUserRestrictions(t *testing.T) {
	srv := newTestServer(t)
	manager := srv.register(t, "manager@example.com", domain.RoleManager)
	user := srv.register(t, "user@example.com", domain.RoleUser)
	other := srv.register(t, "other@example.com", domain.RoleUser)

	mine := srv.createTask(t, manager.Token, map[string]any{"title": "Mine", "due_date": dueIn(2), "assignee_id": user.User.ID})
	theirs := srv.createTask(t, manager.Token, map[string]any{"title": "Theirs", "due_date": dueIn(2), "assignee_id": other.User.ID})
	minePath := fmt.Sprintf("/tasks/%d", mine.ID)

	env := srv.call(t, user.Token, http.MethodPost, "/tasks", map[string]any{"title": "x", "due_date": dueIn(2), "assignee_id": user.User.ID}, http.StatusForbidden)
	assert.Equal(t, msgForbidden, env.Message)

	env = srv.call(t, user.Token, http.MethodPatch, minePath, map[string]any{"title": "Hacked", "status": "completed"}, http.StatusForbidden)
	assert.Contains(t, env.Message, "title")

	env = srv.call(t, user.Token, http.MethodPut, minePath, map[string]any{"title": "x"}, http.StatusForbidden)
	assert.Equal(t, "You are not authorized to update the field: title", env.Message)

	env = srv.call(t, user.Token, http.MethodPatch, minePath, map[string]any{"description": "note"}, http.StatusForbidden)
	assert.Contains(t, env.Message, "description")

	env = srv.call(t, user.Token, http.MethodPatch, minePath, map[string]any{}, http.StatusUnprocessableEntity)
	assert.Equal(t, []string{"The status field is required."}, env.Errors["status"])

	srv.call(t, user.Token, http.MethodGet, fmt.Sprintf("/tasks/%d", theirs.ID), nil, http.StatusForbidden)
	srv.call(t, user.Token, http.MethodPatch, fmt.Sprintf("/tasks/%d", theirs.ID), map[string]any{"status": "completed"}, http.StatusForbidden)
	srv.call(t, user.Token, http.MethodPatch, minePath, map[string]any{"status": "cancelled"}, http.StatusOK)

	var page TaskPageResponse
	env = srv.call(t, user.Token, http.MethodGet, fmt.Sprintf("/tasks?assignee_id=%d", other.User.ID), nil, http.StatusOK)
	require.NoError(t, json.Unmarshal(env.Data, &page))
	require.Len(t, page.Items, 1)
	assert.Equal(t, mine.ID, page.Items[0].ID)
	assert.Equal(t, "cancelled", page.Items[0].Status)
}

func TestValidationErrors(t *testing.T) {
	srv := newTestServer(t)
	manager := srv.register(t, "manager@example.com", domain.RoleManager)

	env := srv.call(t, manager.Token, http.MethodPost, "/tasks", map[string]any{
		"title": "Late", "due_date": dueIn(-1), "assignee_id": manager.User.ID,
	}, http.StatusUnprocessableEntity)
	assert.Equal(t, msgValidation, env.Message)
	assert.Equal(t, []string{"The due date field must be a date after today."}, env.Errors["due_date"])

	env = srv.call(t, manager.Token, http.MethodPost, "/tasks", map[string]any{"dependencies": []int64{999}}, http.StatusUnprocessableEntity)
	assert.Equal(t, []string{"The title field is required."}, env.Errors["title"])
	assert.Equal(t, []string{"The due date field is required."}, env.Errors["due_date"])
	assert.Equal(t, []string{"The assignee id field is required."}, env.Errors["assignee_id"])
	assert.Equal(t, []string{"The selected dependencies.0 is invalid."}, env.Errors["dependencies.0"])

	env = srv.call(t, manager.Token, http.MethodGet, "/tasks?status=archived", nil, http.StatusUnprocessableEntity)
	assert.Equal(t, []string{"The selected status is invalid."}, env.Errors["status"])

	env = srv.call(t, manager.Token, http.MethodGet, "/tasks/abc", nil, http.StatusUnprocessableEntity)
	assert.Contains(t, env.Errors, "id")

	res, data := doJSON(t, srv.client, http.MethodPost, srv.URL+"/tasks", `{"title":`, map[string]string{"Authorization": "Bearer " + manager.Token})
	assert.GreaterOrEqual(t, res.StatusCode, http.StatusBadRequest)
	assert.Less(t, res.StatusCode, http.StatusInternalServerError)
	assert.False(t, decode(t, data, nil).Success)
}

func TestRequestBodyTooLarge(t *testing.T) {
	srv := newTestServer(t)
	manager := srv.register(t, "manager@example.com", domain.RoleManager)
	body := map[string]any{"title": strings.Repeat("a", maxBodyBytes), "due_date": dueIn(3)}
	env := srv.call(t, manager.Token, http.MethodPost, "/tasks", body, http.StatusRequestEntityTooLarge)
	assert.False(t, env.Success)
	assert.Equal(t, "Request body too large", env.Message)

	env = srv.call(t, manager.Token, http.MethodGet, "/tasks", nil, http.StatusOK)
	assert.True(t, env.Success)
}

func TestDependencies(t *testing.T) {
	srv := newTestServer(t)
	manager := srv.register(t, "manager@example.com", domain.RoleManager)
	a := srv.createTask(t, manager.Token, map[string]any{"title": "A", "due_date": dueIn(1), "assignee_id": manager.User.ID})
	b := srv.createTask(t, manager.Token, map[string]any{"title": "B", "due_date": dueIn(1), "assignee_id": manager.User.ID})
	bDeps := fmt.Sprintf("/tasks/%d/dependencies", b.ID)

	env := srv.call(t, manager.Token, http.MethodPost, bDeps, map[string]any{"dependencies": []int64{a.ID, a.ID}}, http.StatusOK)
	assert.Equal(t, "Dependencies added successfully", env.Message)
	env = srv.call(t, manager.Token, http.MethodPost, bDeps, map[string]any{"dependencies": []int64{a.ID}}, http.StatusOK)
	var task TaskResponse
	require.NoError(t, json.Unmarshal(env.Data, &task))
	assert.Len(t, task.Dependencies, 1)

	env = srv.call(t, manager.Token, http.MethodPost, bDeps, map[string]any{"dependencies": []int64{b.ID}}, http.StatusUnprocessableEntity)
	assert.Equal(t, []string{"A task cannot depend on itself."}, env.Errors["dependencies.0"])
	env = srv.call(t, manager.Token, http.MethodPost, bDeps, map[string]any{}, http.StatusUnprocessableEntity)
	assert.Equal(t, []string{"The dependencies field is required."}, env.Errors["dependencies"])
	srv.call(t, manager.Token, http.MethodPost, "/tasks/999/dependencies", map[string]any{"dependencies": []int64{a.ID}}, http.StatusNotFound)

	env = srv.call(t, manager.Token, http.MethodPut, fmt.Sprintf("/tasks/%d", b.ID), map[string]any{"dependencies": []int64{}}, http.StatusOK)
	require.NoError(t, json.Unmarshal(env.Data, &task))
	assert.Empty(t, task.Dependencies)
}

func TestAuthFlow(t *testing.T) {
	srv := newTestServer(t)
	sess := srv.register(t, "user@example.com", domain.RoleUser)
	assert.Equal(t, "user", sess.User.Role)

	env := srv.call(t, "", http.MethodPost, "/auth/login", map[string]any{"email": "user@example.com", "password": "nope-nope"}, http.StatusUnprocessableEntity)
	assert.Equal(t, []string{"Invalid credentials provided."}, env.Errors["email"])

	env = srv.call(t, "", http.MethodPost, "/auth/login", map[string]any{"email": "user@example.com", "password": "password"}, http.StatusOK)
	assert.Equal(t, "Login successful", env.Message)
	var login SessionResponse
	require.NoError(t, json.Unmarshal(env.Data, &login))

	env = srv.call(t, login.Token, http.MethodGet, "/auth/me", nil, http.StatusOK)
	var me UserResponse
	require.NoError(t, json.Unmarshal(env.Data, &me))
	assert.Equal(t, sess.User.ID, me.ID)

	env = srv.call(t, login.Token, http.MethodPost, "/auth/logout", nil, http.StatusOK)
	assert.Equal(t, "Logged out successfully", env.Message)
	assert.JSONEq(t, "null", string(env.Data))
	env = srv.call(t, login.Token, http.MethodGet, "/auth/me", nil, http.StatusUnauthorized)
	assert.Equal(t, msgUnauthenticated, env.Message)
	srv.call(t, sess.Token, http.MethodGet, "/tasks", nil, http.StatusUnauthorized)
	srv.call(t, "", http.MethodGet, "/tasks", nil, http.StatusUnauthorized)
	srv.call(t, "garbage", http.MethodGet, "/tasks", nil, http.StatusUnauthorized)

	env = srv.call(t, "", http.MethodPost, "/auth/register", map[string]any{
		"name": "Dup", "email": "user@example.com", "password": "password", "password_confirmation": "password", "role": "user",
	}, http.StatusUnprocessableEntity)
	assert.Equal(t, []string{"The email has already been taken."}, env.Errors["email"])
}

func TestNotFound(t *testing.T) {
	srv := newTestServer(t)
	manager := srv.register(t, "manager@example.com", domain.RoleManager)
	env := srv.call(t, manager.Token, http.MethodGet, "/tasks/42", nil, http.StatusNotFound)
	assert.Equal(t, msgNotFound, env.Message)
	srv.call(t, manager.Token, http.MethodPatch, "/tasks/42", map[string]any{"status": "completed"}, http.StatusNotFound)
	env = srv.call(t, manager.Token, http.MethodGet, "/nope", nil, http.StatusNotFound)
	assert.False(t, env.Success)
}

func TestHealthAndOpenAPI(t *testing.T) {
	srv := newTestServer(t)
	env := srv.call(t, "", http.MethodGet, "/health", nil, http.StatusOK)
	var health HealthResponse
	require.NoError(t, json.Unmarshal(env.Data, &health))
	assert.Equal(t, "ok", health.Status)
	require.NotNil(t, health.Cache)
	assert.Equal(t, config.CacheMemory, health.Cache.Backend)

	res, data := doJSON(t, srv.client, http.MethodGet, srv.URL+"/openapi.json", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	var doc map[string]any
	require.NoError(t, json.Unmarshal(data, &doc))
	paths, _ := doc["paths"].(map[string]any)
	assert.Contains(t, paths, "/api/tasks/{id}/dependencies")
	assert.Contains(t, string(data), "bearerAuth")
}

func TestAuthResponseSchemas(t *testing.T) {
	srv := newTestServer(t)
	res, data := doJSON(t, srv.client, http.MethodGet, srv.URL+"/openapi.json", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	var doc struct {
		Paths map[string]map[string]struct {
			Responses map[string]struct {
				Content map[string]struct {
					Schema struct {
						Ref string `json:"$ref"`
					} `json:"schema"`
				} `json:"content"`
			} `json:"responses"`
		} `json:"paths"`
	}
	require.NoError(t, json.Unmarshal(data, &doc))
	ref := func(path, method string) string {
		op, found := doc.Paths[path][method]
		require.True(t, found, "%s %s", method, path)
		return op.Responses["200"].Content["application/json"].Schema.Ref
	}
	me := ref("/api/auth/me", "get")
	logout := ref("/api/auth/logout", "post")
	require.NotEmpty(t, me)
	require.NotEmpty(t, logout)
	assert.NotEqual(t, me, logout)
	assert.Contains(t, logout, "EmptyData")
}

func TestAuthRateLimit(t *testing.T) {
	srv := newTestServer(t, func(c *config.Config) { c.Server.AuthRateLimit = 2 })
	body := map[string]any{"email": "nobody@example.com", "password": "password"}
	for i := 0; i < 2; i++ {
		srv.call(t, "", http.MethodPost, "/auth/login", body, http.StatusUnprocessableEntity)
	}
	res, data := doJSON(t, srv.client, http.MethodPost, srv.URL+"/auth/login", body, nil)
	require.Equal(t, http.StatusTooManyRequests, res.StatusCode, string(data))
	assert.Equal(t, "60", res.Header.Get("Retry-After"))
	srv.call(t, "", http.MethodGet, "/health", nil, http.StatusOK)
}

func TestSDKClient(t *testing.T) {
	srv := newTestServer(t)
	ctx := context.Background()

	mgr := taskhubsdk.New(srv.URL)
	sess, err := mgr.Register(ctx, "Manager", "manager@example.com", "password", "manager")
	require.NoError(t, err)
	me, err := mgr.Me(ctx)
	require.NoError(t, err)
	assert.Equal(t, sess.User.ID, me.ID)

	dep, err := mgr.CreateTask(ctx, taskhubsdk.NewTask{Title: "dep", DueDate: dueIn(2), AssigneeID: me.ID})
	require.NoError(t, err)
	task, err := mgr.CreateTask(ctx, taskhubsdk.NewTask{Title: "main", DueDate: dueIn(4), AssigneeID: me.ID})
	require.NoError(t, err)
	task, err = mgr.AddDependencies(ctx, task.ID, dep.ID)
	require.NoError(t, err)
	require.Len(t, task.Dependencies, 1)

	_, err = mgr.SetStatus(ctx, task.ID, "completed")
	var apiErr *taskhubsdk.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusUnprocessableEntity, apiErr.StatusCode)

	_, err = mgr.UpdateTask(ctx, task.ID, map[string]any{"description": nil, "title": "main v2"})
	require.NoError(t, err)
	page, err := mgr.ListTasks(ctx, taskhubsdk.ListOptions{Status: "pending"})
	require.NoError(t, err)
	assert.Equal(t, 2, page.Total)

	require.NoError(t, mgr.Logout(ctx))
	_, err = mgr.Me(ctx)
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusUnauthorized, apiErr.StatusCode)
}
