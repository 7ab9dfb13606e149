package chat

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/mtzanidakis/agentflow/internal/config"
	"github.com/mtzanidakis/agentflow/internal/gateway"
)

type fakeGateway struct {
	mu sync.Mutex

	created     []gateway.TaskCreate
	executed    []int
	statusCalls map[int]int
	getCalls    int

	createErr  error
	executeErr error

	// createGate, when set, is waited on by CreateTask before it returns.
	createGate chan struct{}

	// status returns the n-th (0-based) status of a task.
	status func(taskID, n int) (*gateway.TaskStatus, error)
	task   func(taskID int) (*gateway.Task, error)
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{statusCalls: make(map[int]int)}
}

func (f *fakeGateway) CreateTask(ctx context.Context, in gateway.TaskCreate) (*gateway.Task, error) {
	f.mu.Lock()
	gate := f.createGate
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, in)
	if f.createErr != nil {
		return nil, f.createErr
	}
	return &gateway.Task{ID: len(f.created), Title: in.Title, Description: in.Description, Status: gateway.TaskPending}, nil
}

func (f *fakeGateway) ExecuteTask(ctx context.Context, id int) (*gateway.TaskExecution, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.executed = append(f.executed, id)
	if f.executeErr != nil {
		return nil, f.executeErr
	}
	return &gateway.TaskExecution{ID: id, Status: "started"}, nil
}

func (f *fakeGateway) GetTaskStatus(ctx context.Context, id int) (*gateway.TaskStatus, error) {
	f.mu.Lock()
	n := f.statusCalls[id]
	f.statusCalls[id]++
	fn := f.status
	f.mu.Unlock()
	if fn == nil {
		return &gateway.TaskStatus{ID: id, Status: gateway.TaskInProgress}, nil
	}
	return fn(id, n)
}

func (f *fakeGateway) GetTask(ctx context.Context, id int) (*gateway.Task, error) {
	f.mu.Lock()
	f.getCalls++
	fn := f.task
	f.mu.Unlock()
	if fn == nil {
		return &gateway.Task{ID: id, Status: gateway.TaskCompleted}, nil
	}
	return fn(id)
}

func (f *fakeGateway) calls(id int) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.statusCalls[id]
}

type memRecorder struct {
	mu       sync.Mutex
	msgs     []Message
	statuses []string
	finished []bool
}

func (r *memRecorder) RecordTaskStatus(ctx context.Context, agentID, taskID int, title, status string, terminal bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses = append(r.statuses, status)
	r.finished = append(r.finished, terminal)
	return nil
}

func (r *memRecorder) RecordMessage(ctx context.Context, agentID, taskID int, role, content string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, Message{Role: Role(role), Content: content})
	return nil
}

var (
	researcher = &gateway.Agent{ID: 1, Name: "Researcher"}
	writer     = &gateway.Agent{ID: 2, Name: "Writer"}
)

func newController(t *testing.T, gw Gateway, opts ...Option) *Controller {
	t.Helper()
	c := New(gw, append([]Option{WithPollInterval(5 * time.Millisecond), WithUserID(7)}, opts...)...)
	t.Cleanup(c.Close)
	return c
}

func wait(t *testing.T, c *Controller) State {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	st, err := c.Wait(ctx)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	return st
}

func assertTranscript(t *testing.T, got []Message, want []Message) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("expected %d messages, got %d: %+v", len(want), len(got), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("message %d: expected %+v, got %+v", i, want[i], got[i])
		}
	}
}

func TestSendMessageCompleted(t *testing.T) {
	gw := newFakeGateway()
	gw.status = func(id, n int) (*gateway.TaskStatus, error) {
		if n < 2 {
			return &gateway.TaskStatus{ID: id, Status: gateway.TaskInProgress}, nil
		}
		return &gateway.TaskStatus{ID: id, Status: gateway.TaskCompleted}, nil
	}
	gw.task = func(id int) (*gateway.Task, error) {
		return &gateway.Task{ID: id, Status: gateway.TaskCompleted, Result: gateway.Result(`{"output":"Summary: ..."}`)}, nil
	}
	rec := &memRecorder{}
	c := newController(t, gw, WithRecorder(rec))
	c.Select(researcher)

	if err := c.SendMessage(context.Background(), "Summarize X"); err != nil {
		t.Fatalf("send message: %v", err)
	}

	st := c.Snapshot()
	if st.Phase != PhaseCompleted {
		assertTranscript(t, st.Messages, []Message{
			{Role: RoleUser, Content: "Summarize X"},
			{Role: RoleAssistant, Content: PlaceholderText},
		})
	}

	st = wait(t, c)
	assertTranscript(t, st.Messages, []Message{
		{Role: RoleUser, Content: "Summarize X"},
		{Role: RoleAssistant, Content: "Summary: ..."},
	})
	if st.Executing {
		t.Error("expected executing cleared")
	}
	if st.Phase != PhaseCompleted {
		t.Errorf("expected completed, got %s", st.Phase)
	}
	if st.CurrentTask == nil || st.CurrentTask.ResultText() != "Summary: ..." {
		t.Errorf("expected current task with result, got %+v", st.CurrentTask)
	}

	if len(gw.created) != 1 {
		t.Fatalf("expected 1 task created, got %d", len(gw.created))
	}
	in := gw.created[0]
	if in.Description != "Summarize X" || in.Title != "Chat with Researcher" {
		t.Errorf("unexpected task payload: %+v", in)
	}
	if len(in.AgentIDs) != 1 || in.AgentIDs[0] != 1 || in.UserID != 7 {
		t.Errorf("unexpected task ownership: %+v", in)
	}
	if in.ExpectedOutput == "" {
		t.Error("expected output must be set")
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	assertTranscript(t, rec.msgs, []Message{
		{Role: RoleUser, Content: "Summarize X"},
		{Role: RoleAssistant, Content: "Summary: ..."},
	})
	wantStatuses := []string{"created", "executing", "completed"}
	if len(rec.statuses) != len(wantStatuses) {
		t.Fatalf("expected statuses %v, got %v", wantStatuses, rec.statuses)
	}
	for i, s := range wantStatuses {
		if rec.statuses[i] != s {
			t.Errorf("status %d: expected %s, got %s", i, s, rec.statuses[i])
		}
		if rec.finished[i] != (s == "completed") {
			t.Errorf("status %s: unexpected terminal flag %v", s, rec.finished[i])
		}
	}
}

func TestSendMessageCompletedWithStringResult(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/tasks", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"id":11,"title":"Chat with Researcher","status":"pending"}`))
	})
	mux.HandleFunc("POST /api/v1/tasks/11/execute", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"id":11,"status":"started"}`))
	})
	mux.HandleFunc("GET /api/v1/tasks/11/status", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"id":11,"status":"completed","result":"Summary: ..."}`))
	})
	mux.HandleFunc("GET /api/v1/tasks/11", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"id":11,"title":"Chat with Researcher","status":"completed","result":"Summary: ..."}`))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	gw := gateway.New(config.APIConfig{BaseURL: srv.URL + "/api/v1", Timeout: time.Second})
	c := newController(t, gw)
	c.Select(researcher)

	if err := c.SendMessage(context.Background(), "Summarize X"); err != nil {
		t.Fatalf("send message: %v", err)
	}
	st := wait(t, c)
	assertTranscript(t, st.Messages, []Message{
		{Role: RoleUser, Content: "Summarize X"},
		{Role: RoleAssistant, Content: "Summary: ..."},
	})
	if st.Phase != PhaseCompleted {
		t.Errorf("expected completed, got %s", st.Phase)
	}
}

func TestSendMessageEmptyResult(t *testing.T) {
	gw := newFakeGateway()
	gw.status = func(id, n int) (*gateway.TaskStatus, error) {
		return &gateway.TaskStatus{ID: id, Status: gateway.TaskCompleted}, nil
	}
	c := newController(t, gw)
	c.Select(researcher)

	if err := c.SendMessage(context.Background(), "hi"); err != nil {
		t.Fatalf("send message: %v", err)
	}
	st := wait(t, c)
	assertTranscript(t, st.Messages, []Message{
		{Role: RoleUser, Content: "hi"},
		{Role: RoleAssistant, Content: emptyResultText},
	})
}

func TestSendMessageTaskFailed(t *testing.T) {
	gw := newFakeGateway()
	gw.status = func(id, n int) (*gateway.TaskStatus, error) {
		return &gateway.TaskStatus{ID: id, Status: gateway.TaskFailed, Result: gateway.Result(`{"error":"model unavailable"}`)}, nil
	}
	c := newController(t, gw)
	c.Select(researcher)

	if err := c.SendMessage(context.Background(), "Summarize X"); err != nil {
		t.Fatalf("send message: %v", err)
	}
	st := wait(t, c)
	assertTranscript(t, st.Messages, []Message{
		{Role: RoleUser, Content: "Summarize X"},
		{Role: RoleSystem, Content: "Task execution failed: model unavailable"},
	})
	if st.Executing || st.Phase != PhaseFailed {
		t.Errorf("expected failed and idle, got executing=%v phase=%s", st.Executing, st.Phase)
	}
	if gw.getCalls != 0 {
		t.Error("failed task must not be fetched")
	}
}

func TestSendMessageUnauthorized(t *testing.T) {
	gw := newFakeGateway()
	gw.createErr = &gateway.Error{StatusCode: http.StatusUnauthorized, Detail: "Could not validate credentials"}
	c := newController(t, gw)
	c.Select(researcher)

	err := c.SendMessage(context.Background(), "Summarize X")
	if !gateway.IsUnauthorized(err) {
		t.Fatalf("expected unauthorized error, got %v", err)
	}

	st := c.Snapshot()
	assertTranscript(t, st.Messages, []Message{
		{Role: RoleUser, Content: "Summarize X"},
		{Role: RoleSystem, Content: authRequiredText},
	})
	if st.CurrentTask != nil || st.Execution != nil || st.Executing {
		t.Errorf("no task state expected, got %+v", st)
	}
	if len(gw.executed) != 0 {
		t.Error("execute must not be called")
	}
	if st.Phase != PhaseIdle {
		t.Errorf("expected idle, got %s", st.Phase)
	}
}

func TestSendMessageCreateFailure(t *testing.T) {
	gw := newFakeGateway()
	gw.createErr = &gateway.Error{StatusCode: http.StatusInternalServerError, Detail: "database is locked"}
	c := newController(t, gw)
	c.Select(researcher)

	if err := c.SendMessage(context.Background(), "hello"); err == nil {
		t.Fatal("expected error")
	}
	msgs := c.Snapshot().Messages
	if got := msgs[len(msgs)-1]; got.Role != RoleSystem || got.Content != "Failed to send message: database is locked" {
		t.Errorf("unexpected failure message %+v", got)
	}

	// The controller is usable again.
	gw.createErr = nil
	if err := c.SendMessage(context.Background(), "again"); err != nil {
		t.Fatalf("retry: %v", err)
	}
}

func TestSendMessageExecuteFailure(t *testing.T) {
	gw := newFakeGateway()
	gw.executeErr = errors.New("connection refused")
	c := newController(t, gw)
	c.Select(researcher)

	if err := c.SendMessage(context.Background(), "hello"); err == nil {
		t.Fatal("expected error")
	}
	st := c.Snapshot()
	assertTranscript(t, st.Messages, []Message{
		{Role: RoleUser, Content: "hello"},
		{Role: RoleSystem, Content: executeFailedText},
	})
	if st.Executing || st.Phase != PhaseFailed {
		t.Errorf("expected failed and idle, got executing=%v phase=%s", st.Executing, st.Phase)
	}
	if st.CurrentTask == nil {
		t.Error("created task should be kept")
	}
}

func TestSendMessageLostConnection(t *testing.T) {
	gw := newFakeGateway()
	gw.status = func(id, n int) (*gateway.TaskStatus, error) {
		if n == 0 {
			return &gateway.TaskStatus{ID: id, Status: gateway.TaskPending}, nil
		}
		return nil, &gateway.Error{Message: "dial tcp: connection refused"}
	}
	c := newController(t, gw)
	c.Select(researcher)

	if err := c.SendMessage(context.Background(), "hello"); err != nil {
		t.Fatalf("send message: %v", err)
	}
	st := wait(t, c)
	assertTranscript(t, st.Messages, []Message{
		{Role: RoleUser, Content: "hello"},
		{Role: RoleSystem, Content: lostConnectionText},
	})
	if st.Phase != PhaseLostConnection || st.Executing {
		t.Errorf("expected lost connection and idle, got executing=%v phase=%s", st.Executing, st.Phase)
	}

	n := gw.calls(1)
	time.Sleep(30 * time.Millisecond)
	if gw.calls(1) != n {
		t.Error("polling continued after a failed tick")
	}
}

func TestSendMessageGetTaskFailure(t *testing.T) {
	gw := newFakeGateway()
	gw.status = func(id, n int) (*gateway.TaskStatus, error) {
		return &gateway.TaskStatus{ID: id, Status: gateway.TaskCompleted}, nil
	}
	gw.task = func(id int) (*gateway.Task, error) {
		return nil, &gateway.Error{StatusCode: http.StatusBadGateway}
	}
	c := newController(t, gw)
	c.Select(researcher)

	if err := c.SendMessage(context.Background(), "hello"); err != nil {
		t.Fatalf("send message: %v", err)
	}
	st := wait(t, c)
	if st.Phase != PhaseLostConnection {
		t.Errorf("expected lost connection, got %s", st.Phase)
	}
	for _, m := range st.Messages {
		if m.Content == PlaceholderText {
			t.Error("placeholder left in transcript")
		}
	}
}

func TestSendMessageRejections(t *testing.T) {
	gw := newFakeGateway()
	c := newController(t, gw)

	if err := c.SendMessage(context.Background(), "hello"); !errors.Is(err, ErrNoAgent) {
		t.Errorf("expected ErrNoAgent, got %v", err)
	}

	c.Select(researcher)
	for _, text := range []string{"", "   ", "\n\t"} {
		if err := c.SendMessage(context.Background(), text); !errors.Is(err, ErrEmptyMessage) {
			t.Errorf("%q: expected ErrEmptyMessage, got %v", text, err)
		}
	}
	if len(c.Snapshot().Messages) != 0 {
		t.Error("blank messages must not be appended")
	}
	if len(gw.created) != 0 {
		t.Error("blank messages must not create tasks")
	}
}

func TestSendMessageWhileExecuting(t *testing.T) {
	gw := newFakeGateway()
	c := newController(t, gw)
	c.Select(researcher)

	if err := c.SendMessage(context.Background(), "first"); err != nil {
		t.Fatalf("send message: %v", err)
	}
	if err := c.SendMessage(context.Background(), "second"); !errors.Is(err, ErrBusy) {
		t.Errorf("expected ErrBusy, got %v", err)
	}
	if len(c.Snapshot().Messages) != 2 {
		t.Errorf("expected user message and placeholder only, got %+v", c.Snapshot().Messages)
	}
}

func TestSendMessageResetsPhase(t *testing.T) {
	gw := newFakeGateway()
	gw.status = func(id, n int) (*gateway.TaskStatus, error) {
		return &gateway.TaskStatus{ID: id, Status: gateway.TaskCompleted}, nil
	}
	c := newController(t, gw)
	c.Select(researcher)

	if err := c.SendMessage(context.Background(), "first"); err != nil {
		t.Fatalf("send message: %v", err)
	}
	if st := wait(t, c); st.Phase != PhaseCompleted {
		t.Fatalf("expected completed, got %s", st.Phase)
	}

	gate := make(chan struct{})
	gw.mu.Lock()
	gw.createGate = gate
	gw.mu.Unlock()

	ch, cancel := c.Subscribe(t.Context())
	defer cancel()
	errc := make(chan error, 1)
	go func() { errc <- c.SendMessage(context.Background(), "second") }()

	select {
	case ev := <-ch:
		if ev.Reason != "message_sent" {
			t.Fatalf("expected message_sent, got %s", ev.Reason)
		}
		if ev.State.Phase != PhaseIdle || !ev.State.Executing {
			t.Errorf("expected idle and executing, got phase=%s executing=%v", ev.State.Phase, ev.State.Executing)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no message_sent event")
	}
	if st := c.Snapshot(); st.Phase != PhaseIdle {
		t.Errorf("expected idle while the task is created, got %s", st.Phase)
	}

	close(gate)
	if err := <-errc; err != nil {
		t.Fatalf("send message: %v", err)
	}
	if st := wait(t, c); st.Phase != PhaseCompleted {
		t.Errorf("expected completed, got %s", st.Phase)
	}
}

func TestSelectOtherAgentCancelsPoll(t *testing.T) {
	gw := newFakeGateway()
	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	gw.status = func(id, n int) (*gateway.TaskStatus, error) {
		once.Do(func() { close(entered) })
		<-release
		return &gateway.TaskStatus{ID: id, Status: gateway.TaskCompleted}, nil
	}
	c := newController(t, gw)
	c.Select(researcher)

	if err := c.SendMessage(context.Background(), "Summarize X"); err != nil {
		t.Fatalf("send message: %v", err)
	}
	c.mu.Lock()
	h := c.poll
	c.mu.Unlock()

	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatal("poll never ticked")
	}

	c.Select(writer)
	close(release)

	select {
	case <-h.done:
	case <-time.After(2 * time.Second):
		t.Fatal("old poll did not stop")
	}

	st := c.Snapshot()
	if st.Agent == nil || st.Agent.ID != writer.ID {
		t.Fatalf("expected writer selected, got %+v", st.Agent)
	}
	if len(st.Messages) != 0 || st.Executing || st.CurrentTask != nil || st.Phase != PhaseIdle {
		t.Errorf("expected a clean conversation, got %+v", st)
	}
	if gw.getCalls != 0 {
		t.Error("late tick must not fetch the old task")
	}
	if gw.calls(1) != 1 {
		t.Errorf("expected a single status call, got %d", gw.calls(1))
	}
}

func TestSelectSameAgentKeepsConversation(t *testing.T) {
	gw := newFakeGateway()
	c := newController(t, gw)
	c.Select(researcher)
	if err := c.SendMessage(context.Background(), "hello"); err != nil {
		t.Fatalf("send message: %v", err)
	}

	renamed := *researcher
	renamed.Name = "Lead Researcher"
	c.Select(&renamed)

	st := c.Snapshot()
	if len(st.Messages) != 2 || !st.Executing {
		t.Errorf("conversation should survive a refresh, got %+v", st)
	}
	if st.Agent.Name != "Lead Researcher" {
		t.Errorf("expected refreshed agent, got %s", st.Agent.Name)
	}
}

func TestSelectNilClearsConversation(t *testing.T) {
	c := newController(t, newFakeGateway())
	c.Select(researcher)
	if err := c.SendMessage(context.Background(), "hello"); err != nil {
		t.Fatalf("send message: %v", err)
	}
	c.Select(nil)

	st := c.Snapshot()
	if st.Agent != nil || len(st.Messages) != 0 || st.Executing {
		t.Errorf("expected empty state, got %+v", st)
	}
	if err := c.SendMessage(context.Background(), "hello"); !errors.Is(err, ErrNoAgent) {
		t.Errorf("expected ErrNoAgent, got %v", err)
	}
}

func TestCloseStopsPolling(t *testing.T) {
	gw := newFakeGateway()
	c := New(gw, WithPollInterval(5*time.Millisecond))
	c.Select(researcher)
	if err := c.SendMessage(context.Background(), "hello"); err != nil {
		t.Fatalf("send message: %v", err)
	}

	c.Close()
	n := gw.calls(1)
	time.Sleep(30 * time.Millisecond)
	if gw.calls(1) != n {
		t.Error("poll ticked after close")
	}
}

func TestSubscribeSeesPhases(t *testing.T) {
	gw := newFakeGateway()
	gw.status = func(id, n int) (*gateway.TaskStatus, error) {
		return &gateway.TaskStatus{ID: id, Status: gateway.TaskCompleted}, nil
	}
	c := newController(t, gw)
	ch, cancel := c.Subscribe(t.Context())
	defer cancel()

	c.Select(researcher)
	if err := c.SendMessage(context.Background(), "hello"); err != nil {
		t.Fatalf("send message: %v", err)
	}
	wait(t, c)

	var reasons []string
	for len(ch) > 0 {
		ev := <-ch
		if ev.Type != EventChatUpdated {
			t.Fatalf("unexpected event type %s", ev.Type)
		}
		reasons = append(reasons, ev.Reason)
	}
	want := []string{"select", "message_sent", "task_created", "executing", "task_completed"}
	if len(reasons) != len(want) {
		t.Fatalf("expected %v, got %v", want, reasons)
	}
	for i := range want {
		if reasons[i] != want[i] {
			t.Errorf("event %d: expected %s, got %s", i, want[i], reasons[i])
		}
	}
}
