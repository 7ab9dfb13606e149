package chat

import (
	"context"
	"time"

	"github.com/mtzanidakis/agentflow/internal/gateway"
)

// pollHandle is one running status poll. cancel is idempotent; done is
// closed when the poll goroutine has returned.
type pollHandle struct {
	cancel context.CancelFunc
	done   chan struct{}
}

func (c *Controller) startPollLocked(parent context.Context, epoch uint64, agentID int, task *gateway.Task) {
	c.stopPollLocked()

	ctx, cancel := context.WithCancel(context.WithoutCancel(parent))
	h := &pollHandle{cancel: cancel, done: make(chan struct{})}
	c.poll = h

	go c.runPoll(ctx, h, epoch, agentID, task)
}

func (c *Controller) stopPollLocked() {
	if c.poll == nil {
		return
	}
	c.poll.cancel()
	c.poll = nil
}

func (c *Controller) runPoll(ctx context.Context, h *pollHandle, epoch uint64, agentID int, task *gateway.Task) {
	defer close(h.done)
	defer h.cancel()

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if ctx.Err() != nil || !c.live(epoch) {
			return
		}
		if !c.tick(ctx, epoch, agentID, task) {
			c.mu.Lock()
			if c.poll == h {
				c.poll = nil
			}
			c.mu.Unlock()
			return
		}
	}
}

// tick polls the task once and reports whether polling should continue.
func (c *Controller) tick(ctx context.Context, epoch uint64, agentID int, created *gateway.Task) bool {
	taskID := created.ID
	status, err := c.gw.GetTaskStatus(ctx, taskID)
	if !c.live(epoch) {
		return false
	}
	if err != nil {
		c.lostConnection(ctx, epoch, agentID, created, err)
		return false
	}

	switch status.Status {
	case gateway.TaskCompleted:
		task, err := c.gw.GetTask(ctx, taskID)
		if !c.live(epoch) {
			return false
		}
		if err != nil {
			c.lostConnection(ctx, epoch, agentID, created, err)
			return false
		}
		text := task.ResultText()
		if text == "" {
			text = emptyResultText
		}
		if c.settle(epoch, "task_completed", func() {
			c.dropTrailingPlaceholderLocked()
			c.appendLocked(RoleAssistant, text)
			c.state.CurrentTask = task
			c.state.Executing = false
			c.state.Phase = PhaseCompleted
		}) {
			c.logger.Info("task completed", "agent_id", agentID, "task_id", taskID)
			c.record(ctx, agentID, taskID, RoleAssistant, text)
			c.recordTask(ctx, agentID, created, string(PhaseCompleted))
		}
		return false

	case gateway.TaskFailed:
		text := taskFailedText
		if e := status.ErrorText(); e != "" {
			text += ": " + e
		}
		if c.settle(epoch, "task_failed", func() {
			c.dropTrailingPlaceholderLocked()
			c.appendLocked(RoleSystem, text)
			c.state.Executing = false
			c.state.Phase = PhaseFailed
		}) {
			c.logger.Warn("task failed", "agent_id", agentID, "task_id", taskID, "error", status.ErrorText())
			c.record(ctx, agentID, taskID, RoleSystem, text)
			c.recordTask(ctx, agentID, created, string(PhaseFailed))
		}
		return false

	default:
		c.logger.Debug("task still running", "task_id", taskID, "status", status.Status)
		return true
	}
}

func (c *Controller) lostConnection(ctx context.Context, epoch uint64, agentID int, task *gateway.Task, err error) {
	if c.settle(epoch, "lost_connection", func() {
		c.dropAllPlaceholdersLocked()
		c.appendLocked(RoleSystem, lostConnectionText)
		c.state.Executing = false
		c.state.Phase = PhaseLostConnection
	}) {
		c.logger.Warn("task poll failed", "agent_id", agentID, "task_id", task.ID, "error", err)
		c.record(ctx, agentID, task.ID, RoleSystem, lostConnectionText)
		c.recordTask(ctx, agentID, task, string(PhaseLostConnection))
	}
}
