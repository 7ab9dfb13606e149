// Package chat turns messages typed to the selected agent into remote
// tasks, executes them and polls until each one reaches a terminal state.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/mtzanidakis/agentflow/internal/broadcast"
	"github.com/mtzanidakis/agentflow/internal/config"
	"github.com/mtzanidakis/agentflow/internal/gateway"
)

const (
	PlaceholderText     = "Processing your request…"
	authRequiredText    = "Authentication required: please sign in again before chatting with this agent."
	sendFailedPrefix    = "Failed to send message: "
	executeFailedText   = "Failed to start task execution."
	taskFailedText      = "Task execution failed"
	lostConnectionText  = "Lost connection to the server while waiting for the task result."
	emptyResultText     = "Task completed without a result."
	defaultPollInterval = time.Second
)

var (
	ErrEmptyMessage = errors.New("message is empty")
	ErrNoAgent      = errors.New("no agent selected")
	ErrBusy         = errors.New("a task is already executing")
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Phase is where the current conversation sits in the execution lifecycle.
type Phase string

const (
	PhaseIdle           Phase = "idle"
	PhaseExecuting      Phase = "executing"
	PhaseCompleted      Phase = "completed"
	PhaseFailed         Phase = "failed"
	PhaseLostConnection Phase = "lost_connection"
)

// Terminal reports whether no more polling happens in this phase.
func (p Phase) Terminal() bool {
	return p == PhaseCompleted || p == PhaseFailed || p == PhaseLostConnection
}

// Gateway is the subset of the remote service the controller needs.
type Gateway interface {
	CreateTask(ctx context.Context, in gateway.TaskCreate) (*gateway.Task, error)
	ExecuteTask(ctx context.Context, id int) (*gateway.TaskExecution, error)
	GetTaskStatus(ctx context.Context, id int) (*gateway.TaskStatus, error)
	GetTask(ctx context.Context, id int) (*gateway.Task, error)
}

// Recorder archives transcript messages and the phases of each task. The
// placeholder is never recorded.
type Recorder interface {
	RecordMessage(ctx context.Context, agentID, taskID int, role, content string) error
	RecordTaskStatus(ctx context.Context, agentID, taskID int, title, status string, terminal bool) error
}

// State is a point-in-time copy of the conversation with the selected agent.
type State struct {
	Agent       *gateway.Agent         `json:"agent"`
	Messages    []Message              `json:"messages"`
	CurrentTask *gateway.Task          `json:"currentTask"`
	Execution   *gateway.TaskExecution `json:"taskExecution"`
	Executing   bool                   `json:"isExecuting"`
	Phase       Phase                  `json:"phase"`
}

type Event struct {
	Type   string `json:"type"`
	Reason string `json:"reason"`
	State  State  `json:"state"`
}

const EventChatUpdated = "chat.updated"

type Option func(*Controller)

func WithPollInterval(d time.Duration) Option {
	return func(c *Controller) {
		if d > 0 {
			c.interval = d
		}
	}
}

func WithUserID(id int) Option {
	return func(c *Controller) { c.userID = id }
}

func WithExpectedOutput(s string) Option {
	return func(c *Controller) { c.expectedOutput = s }
}

func WithRecorder(r Recorder) Option {
	return func(c *Controller) { c.rec = r }
}

// WithConfig applies the chat and api sections of the configuration.
func WithConfig(cfg *config.Config) Option {
	return func(c *Controller) {
		WithPollInterval(cfg.Chat.PollInterval)(c)
		c.userID = cfg.API.UserID
		c.expectedOutput = cfg.Chat.ExpectedOutput
	}
}

// Controller owns the conversation with one selected agent at a time.
//
// Every selection change bumps an epoch. Work that started under an older
// epoch, such as an in-flight request or a poll tick, discards its result
// instead of writing it into the new conversation.
type Controller struct {
	gw             Gateway
	rec            Recorder
	interval       time.Duration
	userID         int
	expectedOutput string
	events         *broadcast.Broadcaster[Event]
	logger         *slog.Logger

	mu    sync.Mutex
	state State
	epoch uint64
	poll  *pollHandle
}

func New(gw Gateway, opts ...Option) *Controller {
	c := &Controller{
		gw:             gw,
		interval:       defaultPollInterval,
		expectedOutput: "A helpful response to the user's message",
		events:         broadcast.New[Event]("chat"),
		logger:         slog.Default().With("component", "chat"),
		state:          State{Messages: []Message{}, Phase: PhaseIdle},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Controller) Subscribe(ctx context.Context) (<-chan Event, func()) {
	return c.events.Subscribe(ctx)
}

func (c *Controller) Snapshot() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

func (c *Controller) snapshotLocked() State {
	st := c.state
	st.Messages = slices.Clone(c.state.Messages)
	if c.state.Agent != nil {
		a := *c.state.Agent
		st.Agent = &a
	}
	return st
}

// Select switches the conversation to agent, or clears it when agent is
// nil. Choosing the agent that is already selected only refreshes its
// record; any other choice cancels the poll and empties the transcript.
func (c *Controller) Select(agent *gateway.Agent) {
	c.mu.Lock()
	if agent != nil && c.state.Agent != nil && agent.ID == c.state.Agent.ID {
		a := *agent
		c.state.Agent = &a
		st := c.snapshotLocked()
		c.mu.Unlock()
		c.publish("agent_refreshed", st)
		return
	}

	c.epoch++
	c.stopPollLocked()
	c.state = State{Messages: []Message{}, Phase: PhaseIdle}
	if agent != nil {
		a := *agent
		c.state.Agent = &a
	}
	st := c.snapshotLocked()
	c.mu.Unlock()

	if agent != nil {
		c.logger.Debug("conversation switched", "agent_id", agent.ID)
	}
	c.publish("select", st)
}

// SendMessage appends text as a user message, creates a task for it and
// starts execution. Polling continues in the background after it returns.
// Creation and execution failures are reported in the transcript and also
// returned.
func (c *Controller) SendMessage(ctx context.Context, text string) error {
	text = strings.TrimSpace(text)

	c.mu.Lock()
	switch {
	case text == "":
		c.mu.Unlock()
		return ErrEmptyMessage
	case c.state.Agent == nil:
		c.mu.Unlock()
		return ErrNoAgent
	case c.state.Executing:
		c.mu.Unlock()
		return ErrBusy
	}
	epoch := c.epoch
	agent := *c.state.Agent
	c.state.Messages = append(c.state.Messages, Message{Role: RoleUser, Content: text})
	c.state.Executing = true
	c.state.Phase = PhaseIdle
	c.state.CurrentTask = nil
	c.state.Execution = nil
	st := c.snapshotLocked()
	c.mu.Unlock()

	c.publish("message_sent", st)
	c.record(ctx, agent.ID, 0, RoleUser, text)

	task, err := c.gw.CreateTask(ctx, gateway.TaskCreate{
		Title:          "Chat with " + agent.Name,
		Description:    text,
		ExpectedOutput: c.expectedOutput,
		UserID:         c.userID,
		AgentIDs:       []int{agent.ID},
	})
	if err != nil {
		msg := sendFailedPrefix + gateway.ErrorMessage(err, err.Error())
		if gateway.IsUnauthorized(err) {
			msg = authRequiredText
		}
		c.logger.Warn("create task failed", "agent_id", agent.ID, "error", err)
		if c.settle(epoch, "task_create_failed", func() {
			c.appendLocked(RoleSystem, msg)
			c.state.Executing = false
		}) {
			c.record(ctx, agent.ID, 0, RoleSystem, msg)
		}
		return fmt.Errorf("create task: %w", err)
	}

	if !c.settle(epoch, "task_created", func() { c.state.CurrentTask = task }) {
		return nil
	}
	c.recordTask(ctx, agent.ID, task, "created")
	return c.execute(ctx, epoch, agent.ID, task)
}

// execute triggers the task and, once it is accepted, starts polling.
func (c *Controller) execute(ctx context.Context, epoch uint64, agentID int, task *gateway.Task) error {
	taskID := task.ID
	ex, err := c.gw.ExecuteTask(ctx, taskID)
	if err != nil {
		c.logger.Warn("execute task failed", "task_id", taskID, "error", err)
		if c.settle(epoch, "execute_failed", func() {
			c.appendLocked(RoleSystem, executeFailedText)
			c.state.Executing = false
			c.state.Phase = PhaseFailed
		}) {
			c.record(ctx, agentID, taskID, RoleSystem, executeFailedText)
			c.recordTask(ctx, agentID, task, string(PhaseFailed))
		}
		return fmt.Errorf("execute task %d: %w", taskID, err)
	}

	c.logger.Info("task executing", "agent_id", agentID, "task_id", taskID, "status", ex.Status)
	c.recordTask(ctx, agentID, task, string(PhaseExecuting))

	c.settle(epoch, "executing", func() {
		c.state.Execution = ex
		c.state.Phase = PhaseExecuting
		c.appendLocked(RoleAssistant, PlaceholderText)
		c.startPollLocked(ctx, epoch, agentID, task)
	})
	return nil
}

// Wait blocks until the active poll, if any, has stopped and returns the
// resulting state.
func (c *Controller) Wait(ctx context.Context) (State, error) {
	c.mu.Lock()
	h := c.poll
	c.mu.Unlock()

	if h != nil {
		select {
		case <-h.done:
		case <-ctx.Done():
			return c.Snapshot(), ctx.Err()
		}
	}
	return c.Snapshot(), nil
}

// Close stops polling and ends every subscription.
func (c *Controller) Close() {
	c.mu.Lock()
	c.epoch++
	h := c.poll
	c.stopPollLocked()
	c.mu.Unlock()

	if h != nil {
		<-h.done
	}
	c.events.Close()
}

// settle applies fn and publishes the result if the conversation is still
// the one that was current at epoch. It reports whether fn ran.
func (c *Controller) settle(epoch uint64, reason string, fn func()) bool {
	c.mu.Lock()
	if epoch != c.epoch {
		c.mu.Unlock()
		c.logger.Debug("stale result discarded", "reason", reason)
		return false
	}
	fn()
	st := c.snapshotLocked()
	c.mu.Unlock()

	c.publish(reason, st)
	return true
}

func (c *Controller) live(epoch uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return epoch == c.epoch
}

func (c *Controller) publish(reason string, st State) {
	c.events.Publish(Event{Type: EventChatUpdated, Reason: reason, State: st})
}

func (c *Controller) appendLocked(role Role, content string) {
	c.state.Messages = append(c.state.Messages, Message{Role: role, Content: content})
}

// dropTrailingPlaceholderLocked removes the placeholder only while it is
// still the last message.
func (c *Controller) dropTrailingPlaceholderLocked() {
	n := len(c.state.Messages)
	if n > 0 && c.state.Messages[n-1].Role == RoleAssistant && c.state.Messages[n-1].Content == PlaceholderText {
		c.state.Messages = c.state.Messages[:n-1]
	}
}

func (c *Controller) dropAllPlaceholdersLocked() {
	c.state.Messages = slices.DeleteFunc(c.state.Messages, func(m Message) bool {
		return m.Content == PlaceholderText
	})
}

func (c *Controller) record(ctx context.Context, agentID, taskID int, role Role, content string) {
	if c.rec == nil {
		return
	}
	if err := c.rec.RecordMessage(context.WithoutCancel(ctx), agentID, taskID, string(role), content); err != nil {
		c.logger.Error("record message failed", "agent_id", agentID, "error", err)
	}
}

func (c *Controller) recordTask(ctx context.Context, agentID int, task *gateway.Task, status string) {
	if c.rec == nil {
		return
	}
	terminal := Phase(status).Terminal()
	if err := c.rec.RecordTaskStatus(context.WithoutCancel(ctx), agentID, task.ID, task.Title, status, terminal); err != nil {
		c.logger.Error("record task status failed", "task_id", task.ID, "error", err)
	}
}
