package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Task statuses reported by the service. Only completed and failed are
// terminal; anything else is still in flight.
const (
	TaskPending    = "pending"
	TaskInProgress = "in_progress"
	TaskCompleted  = "completed"
	TaskFailed     = "failed"
)

type Task struct {
	ID             int            `json:"id"`
	Title          string         `json:"title"`
	Description    string         `json:"description"`
	ExpectedOutput string         `json:"expected_output"`
	Status         string         `json:"status"`
	Result         Result         `json:"result,omitempty"`
	UserID         int            `json:"user_id,omitempty"`
	AgentIDs       []int          `json:"agent_ids,omitempty"`
	Agents         []Agent        `json:"agents,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// ResultText renders the task result for a transcript.
func (t *Task) ResultText() string {
	return t.Result.Text()
}

// Result is a task result as the service sent it: a bare string, an
// object such as {"output": ...} or {"error": ...}, or any other JSON.
type Result json.RawMessage

func (r Result) MarshalJSON() ([]byte, error) {
	if len(r) == 0 {
		return []byte("null"), nil
	}
	return r, nil
}

func (r *Result) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		*r = nil
		return nil
	}
	*r = append((*r)[:0], data...)
	return nil
}

// Text returns a string result as is, the "output" field of an object
// when it is a string, and compact JSON for anything else.
func (r Result) Text() string {
	if len(r) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(r, &s); err == nil {
		return s
	}
	if out := r.Field("output"); out != "" {
		return out
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, r); err != nil {
		return ""
	}
	return buf.String()
}

// Field returns a string field of an object result, or "".
func (r Result) Field(key string) string {
	var obj map[string]any
	if err := json.Unmarshal(r, &obj); err != nil {
		return ""
	}
	v, _ := obj[key].(string)
	return v
}

type TaskCreate struct {
	Title          string `json:"title"`
	Description    string `json:"description"`
	ExpectedOutput string `json:"expected_output"`
	UserID         int    `json:"user_id,omitempty"`
	AgentIDs       []int  `json:"agent_ids"`
}

type TaskExecution struct {
	ID      int      `json:"id,omitempty"`
	Status  string   `json:"status"`
	Message string   `json:"message,omitempty"`
	Result  Result   `json:"result,omitempty"`
	Logs    []string `json:"logs,omitempty"`
}

type TaskStatus struct {
	ID        int              `json:"id"`
	Status    string           `json:"status"`
	Title     string           `json:"title,omitempty"`
	IsRunning bool             `json:"is_running"`
	Steps     []TaskStepStatus `json:"steps,omitempty"`
	Result    Result           `json:"result,omitempty"`
}

// ErrorText returns the "error" field of the status result, if any.
func (s *TaskStatus) ErrorText() string {
	if s == nil {
		return ""
	}
	return s.Result.Field("error")
}

type TaskStepStatus struct {
	ID         int    `json:"id"`
	AgentID    int    `json:"agent_id"`
	StepNumber int    `json:"step_number"`
	Status     string `json:"status"`
}

type TaskStep struct {
	ID         int            `json:"id"`
	TaskID     int            `json:"task_id"`
	AgentID    int            `json:"agent_id"`
	StepNumber int            `json:"step_number"`
	Status     string         `json:"status"`
	InputData  map[string]any `json:"input_data,omitempty"`
	OutputData map[string]any `json:"output_data,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

func (c *Client) ListTasks(ctx context.Context) ([]Task, error) {
	var tasks []Task
	if err := c.do(ctx, http.MethodGet, "/tasks", nil, &tasks); err != nil {
		return nil, err
	}
	return tasks, nil
}

func (c *Client) GetTask(ctx context.Context, id int) (*Task, error) {
	var t Task
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/tasks/%d", id), nil, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

func (c *Client) CreateTask(ctx context.Context, in TaskCreate) (*Task, error) {
	if len(in.AgentIDs) == 0 {
		return nil, validationError("a task needs at least one agent")
	}
	var t Task
	if err := c.do(ctx, http.MethodPost, "/tasks", in, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

func (c *Client) DeleteTask(ctx context.Context, id int) (*Task, error) {
	var t Task
	if err := c.do(ctx, http.MethodDelete, fmt.Sprintf("/tasks/%d", id), nil, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

func (c *Client) ExecuteTask(ctx context.Context, id int) (*TaskExecution, error) {
	var ex TaskExecution
	if err := c.do(ctx, http.MethodPost, fmt.Sprintf("/tasks/%d/execute", id), nil, &ex); err != nil {
		return nil, err
	}
	if ex.ID == 0 {
		ex.ID = id
	}
	return &ex, nil
}

func (c *Client) GetTaskStatus(ctx context.Context, id int) (*TaskStatus, error) {
	var st TaskStatus
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/tasks/%d/status", id), nil, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

func (c *Client) GetTaskSteps(ctx context.Context, id int) ([]TaskStep, error) {
	var steps []TaskStep
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/tasks/%d/steps", id), nil, &steps); err != nil {
		return nil, err
	}
	return steps, nil
}
