package http

import (
	"context"
	"encoding/json"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/cra-copilot/backend/internal/config"
	"github.com/cra-copilot/backend/internal/core/agents"
	"github.com/cra-copilot/backend/internal/core/ports"
	"github.com/cra-copilot/backend/internal/core/services"
	"github.com/cra-copilot/backend/internal/domain"
	"github.com/cra-copilot/backend/internal/infrastructure/db"
	"github.com/cra-copilot/backend/internal/infrastructure/logger"
	"github.com/gofiber/fiber/v2"
)

type echoAgent struct {
	name  string
	block bool
}

func (a *echoAgent) Name() string        { return a.name }
func (a *echoAgent) Description() string { return "echoes its input" }

func (a *echoAgent) Execute(ctx context.Context, _ string, input, _ domain.JSONB, _ ports.ProgressReporter) (domain.JSONB, error) {
	if a.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return domain.JSONB{"echo": input}, nil
}

type testServer struct {
	app   *fiber.App
	tasks *services.TaskService
}

func newTestServer(t *testing.T, apiKey string) *testServer {
	t.Helper()
	table := make(map[domain.TaskType]ports.Agent, len(domain.AllTaskTypes))
	for _, tt := range domain.AllTaskTypes {
		table[tt] = &echoAgent{name: string(tt), block: tt == domain.TaskTypeSimpleChat}
	}
	registry, err := agents.NewRegistry(table)
	if err != nil {
		t.Fatal(err)
	}

	store := db.NewFallbackTaskRepository(nil, db.NewMemoryTaskRepository(), logger.NewNop())
	tasks := services.NewTaskService(services.TaskServiceConfig{
		Repository:     store,
		Registry:       registry,
		Logger:         logger.NewNop(),
		StreamInterval: 5 * time.Millisecond,
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = tasks.Shutdown(ctx)
	})

	cfg := &config.Config{}
	cfg.Auth.APIKey = apiKey
	cfg.Tasks.StreamInterval = 5 * time.Millisecond

	app := fiber.New()
	SetupRoutes(app, RouterConfig{Config: cfg, Logger: logger.NewNop(), Tasks: tasks, Agents: registry, Store: store})
	return &testServer{app: app, tasks: tasks}
}

func (s *testServer) do(t *testing.T, method, path, user, body string, headers ...string) (int, []byte) {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	req.Header.Set("Content-Type", "application/json")
	if user != "" {
		req.Header.Set("Authorization", "Bearer "+user)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}

	resp, err := s.app.Test(req, 2000)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	return resp.StatusCode, data
}

func (s *testServer) execute(t *testing.T, user, taskType string) string {
	t.Helper()
	code, body := s.do(t, "POST", "/api/v1/tasks/execute", user,
		`{"task_type":"`+taskType+`","input_data":{"query":"asthma"}}`)
	if code != fiber.StatusAccepted {
		t.Fatalf("execute status = %d: %s", code, body)
	}
	var resp struct {
		TaskID string `json:"task_id"`
		Status string `json:"status"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		t.Fatal(err)
	}
	if resp.TaskID == "" || resp.Status != "pending" {
		t.Fatalf("execute response = %s", body)
	}
	return resp.TaskID
}

func (s *testServer) wait(t *testing.T, id string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.tasks.Wait(ctx, id); err != nil {
		t.Fatal(err)
	}
}

func TestExecuteValidation(t *testing.T) {
	s := newTestServer(t, "")

	tests := []struct {
		name string
		user string
		body string
		want int
	}{
		{"no auth", "", `{"task_type":"paper_scout","input_data":{}}`, fiber.StatusUnauthorized},
		{"bad json", "u1", `{`, fiber.StatusBadRequest},
		{"unknown type", "u1", `{"task_type":"poetry","input_data":{}}`, fiber.StatusBadRequest},
		{"missing input", "u1", `{"task_type":"paper_scout"}`, fiber.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if code, body := s.do(t, "POST", "/api/v1/tasks/execute", tt.user, tt.body); code != tt.want {
				t.Errorf("status = %d, want %d: %s", code, tt.want, body)
			}
		})
	}
}

func TestExecuteAndGetStatus(t *testing.T) {
	s := newTestServer(t, "")
	id := s.execute(t, "u1", "paper-scout")
	s.wait(t, id)

	code, body := s.do(t, "GET", "/api/v1/tasks/status/"+id, "u1", "")
	if code != fiber.StatusOK {
		t.Fatalf("status = %d: %s", code, body)
	}
	var p domain.TaskProgress
	if err := json.Unmarshal(body, &p); err != nil {
		t.Fatal(err)
	}
	if p.Status != domain.TaskStatusCompleted || p.Percentage != 100 || p.TaskType != domain.TaskTypePaperScout {
		t.Errorf("progress = %+v", p)
	}

	if code, _ := s.do(t, "GET", "/api/v1/tasks/status/"+id, "u2", ""); code != fiber.StatusNotFound {
		t.Errorf("other user status = %d, want 404", code)
	}
	if code, _ := s.do(t, "GET", "/api/v1/tasks/status/missing", "u1", ""); code != fiber.StatusNotFound {
		t.Errorf("unknown task status = %d, want 404", code)
	}
}

func TestListTasks(t *testing.T) {
	s := newTestServer(t, "")
	s.execute(t, "u1", "paper_critic")
	s.execute(t, "u1", "paper_reviser")
	s.execute(t, "u2", "paper_reviser")

	code, body := s.do(t, "GET", "/api/v1/tasks/list?limit=10", "u1", "")
	if code != fiber.StatusOK {
		t.Fatalf("status = %d: %s", code, body)
	}
	var resp struct {
		Tasks []domain.TaskProgress `json:"tasks"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		t.Fatal(err)
	}
	if len(resp.Tasks) != 2 {
		t.Errorf("tasks = %d, want 2", len(resp.Tasks))
	}

	if code, _ := s.do(t, "GET", "/api/v1/tasks/list?limit=1000", "u1", ""); code != fiber.StatusBadRequest {
		t.Errorf("oversized limit status = %d", code)
	}
}

func TestCancelTask(t *testing.T) {
	s := newTestServer(t, "")
	id := s.execute(t, "u1", "simple_chat")

	if code, _ := s.do(t, "DELETE", "/api/v1/tasks/"+id, "u2", ""); code != fiber.StatusNotFound {
		t.Errorf("foreign cancel status = %d, want 404", code)
	}
	if code, body := s.do(t, "DELETE", "/api/v1/tasks/"+id, "u1", ""); code != fiber.StatusOK {
		t.Fatalf("cancel status = %d: %s", code, body)
	}
	s.wait(t, id)

	if code, _ := s.do(t, "DELETE", "/api/v1/tasks/"+id, "u1", ""); code != fiber.StatusConflict {
		t.Errorf("second cancel status = %d, want 409", code)
	}
	p, _ := s.tasks.GetStatus(context.Background(), id)
	if p.Status != domain.TaskStatusCancelled {
		t.Errorf("status = %s", p.Status)
	}
}

func TestStreamTask(t *testing.T) {
	s := newTestServer(t, "")
	id := s.execute(t, "u1", "review_creation")
	s.wait(t, id)

	code, body := s.do(t, "GET", "/api/v1/tasks/stream/"+id, "u1", "")
	if code != fiber.StatusOK {
		t.Fatalf("status = %d: %s", code, body)
	}
	events := strings.Split(strings.TrimSpace(string(body)), "\n\n")
	last := events[len(events)-1]
	if !strings.HasPrefix(last, "data: ") || !strings.Contains(last, `"status":"completed"`) {
		t.Errorf("last event = %q", last)
	}
}

func TestAPIKey(t *testing.T) {
	s := newTestServer(t, "secret")
	body := `{"task_type":"paper_scout","input_data":{"query":"q"}}`

	if code, _ := s.do(t, "POST", "/api/v1/tasks/execute", "u1", body); code != fiber.StatusUnauthorized {
		t.Errorf("missing key status = %d", code)
	}
	if code, _ := s.do(t, "POST", "/api/v1/tasks/execute", "u1", body, "X-API-Key", "secret"); code != fiber.StatusAccepted {
		t.Errorf("valid key status = %d", code)
	}
}

func TestAgentsAndHealth(t *testing.T) {
	s := newTestServer(t, "")

	code, body := s.do(t, "GET", "/api/v1/agents", "", "")
	if code != fiber.StatusOK {
		t.Fatalf("agents status = %d", code)
	}
	var list struct {
		Agents []agents.AgentInfo `json:"agents"`
	}
	if err := json.Unmarshal(body, &list); err != nil {
		t.Fatal(err)
	}
	if len(list.Agents) != len(domain.AllTaskTypes) {
		t.Errorf("agents = %d", len(list.Agents))
	}

	code, body = s.do(t, "GET", "/health", "", "")
	if code != fiber.StatusOK || !strings.Contains(string(body), `"store_mode":"local"`) {
		t.Errorf("health = %d %s", code, body)
	}
}

func TestWebsocketRequiresUpgrade(t *testing.T) {
	s := newTestServer(t, "")
	if code, _ := s.do(t, "GET", "/ws/tasks/abc", "u1", ""); code != fiber.StatusUpgradeRequired {
		t.Errorf("status = %d, want 426", code)
	}
}
