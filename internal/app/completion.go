package app

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"agentboard/internal/bus"
	"agentboard/internal/domain"
	"agentboard/internal/events"
	"agentboard/internal/repo"
)

// SupervisorName is the agent name error reports from failed completion
// callbacks escalate to. The escalation is best effort: with no agent of
// that name registered the report is dropped.
const SupervisorName = "supervisor"

// KnowledgeSink receives a summary of every completed task. The default
// writes to the workspace database; alternative sinks can forward to an
// external knowledge base.
type KnowledgeSink interface {
	Record(ctx context.Context, entry domain.KnowledgeEntry) error
}

// CostLedger accumulates per-task spend.
type CostLedger interface {
	Charge(ctx context.Context, entry domain.CostEntry) error
}

type sqliteKnowledgeSink struct{ r repo.Repo }

func (s sqliteKnowledgeSink) Record(ctx context.Context, e domain.KnowledgeEntry) error {
	return s.r.InsertKnowledgeEntry(ctx, e)
}

type sqliteCostLedger struct{ r repo.Repo }

func (s sqliteCostLedger) Charge(ctx context.Context, e domain.CostEntry) error {
	return s.r.InsertCostEntry(ctx, e)
}

// CompletionResult is the success half of an agent's completion callback.
type CompletionResult struct {
	Summary      string   `json:"summary"`
	FilesChanged []string `json:"files_changed,omitempty"`
	CostUSD      float64  `json:"cost_usd,omitempty"`
}

// CompletionError is the failure half.
type CompletionError struct {
	Message string `json:"message"`
}

// Completion is an agent's report that it finished (or gave up on) a task.
type Completion struct {
	TaskID    string            `json:"task_id"`
	Success   bool              `json:"success"`
	Timestamp string            `json:"timestamp"`
	Result    *CompletionResult `json:"result,omitempty"`
	Error     *CompletionError  `json:"error,omitempty"`
}

func (a *App) supervisor(ctx context.Context, projectID string) (domain.Agent, bool) {
	agents, err := a.Repo.ListAgents(ctx, repo.AgentFilters{ProjectID: projectID})
	if err != nil {
		return domain.Agent{}, false
	}
	for _, ag := range agents {
		if strings.EqualFold(ag.Name, SupervisorName) {
			return ag, true
		}
	}
	return domain.Agent{}, false
}

func dproject(id string) domain.Project {
	now := repo.FormatTime(time.Now())
	return domain.Project{ID: id, Name: id, Status: "active", CreatedAt: now}
}

// HandleCompletion applies one verified completion callback. The caller has
// already checked the request signature; nothing here touches state until the
// reporting agent is confirmed to hold the task.
func (a *App) HandleCompletion(ctx context.Context, agentID string, cb Completion) (domain.Task, error) {
	task, err := a.Repo.GetTask(ctx, cb.TaskID)
	if err != nil {
		return domain.Task{}, err
	}
	if task.Status != domain.TaskStatusInProgress {
		return task, fmt.Errorf("task %s is %s, not in progress", task.ID, task.Status)
	}
	if task.AssignedTo != agentID {
		return task, fmt.Errorf("task %s is assigned to %s, not %s", task.ID, task.AssignedTo, agentID)
	}

	now := a.Router.Now
	if now == nil {
		now = time.Now
	}
	nowStr := repo.FormatTime(now())

	if !cb.Success {
		reason := "agent reported failure"
		if cb.Error != nil && cb.Error.Message != "" {
			reason = cb.Error.Message
		}
		if _, err := a.Repo.FailTask(ctx, task.ID, reason, nowStr); err != nil {
			return task, err
		}
		if err := a.Repo.AgentTaskFailed(ctx, agentID); err != nil {
			return task, err
		}
		_ = a.Events.Append(ctx, nil, "task.failed", task.ProjectID, "task", task.ID, agentID,
			events.EventPayload{"reason": reason})

		// Escalate to the supervisor agent, when one is registered.
		if sup, ok := a.supervisor(ctx, task.ProjectID); ok {
			payload, _ := json.Marshal(map[string]string{
				"task_id": task.ID, "agent_id": agentID, "message": reason,
			})
			_, _ = a.Bus.Send(ctx, bus.SendInput{
				ProjectID: task.ProjectID,
				From:      agentID,
				To:        sup.ID,
				Type:      "error_report",
				Payload:   string(payload),
			})
		}
		return a.Repo.GetTask(ctx, task.ID)
	}

	ok, err := a.Repo.CompleteTask(ctx, task.ID, nowStr)
	if err != nil {
		return task, err
	}
	if !ok {
		return task, fmt.Errorf("task %s changed state during completion", task.ID)
	}

	duration := 0.0
	if task.StartedAt != nil {
		if started, err := repo.ParseTime(*task.StartedAt); err == nil {
			duration = now().Sub(started).Seconds()
		}
	}
	if err := a.Repo.AgentTaskCompleted(ctx, agentID, duration); err != nil {
		return task, err
	}

	if cb.Result != nil && cb.Result.Summary != "" {
		entry := domain.KnowledgeEntry{
			ID:        uuid.NewString(),
			ProjectID: task.ProjectID,
			TaskID:    task.ID,
			AgentID:   agentID,
			Summary:   cb.Result.Summary,
			Files:     cb.Result.FilesChanged,
			CreatedAt: nowStr,
		}
		if err := a.Knowledge.Record(ctx, entry); err != nil {
			return task, err
		}
	}
	if cb.Result != nil && cb.Result.CostUSD > 0 {
		charge := domain.CostEntry{
			ID:        uuid.NewString(),
			ProjectID: task.ProjectID,
			TaskID:    task.ID,
			AgentID:   agentID,
			AmountUSD: cb.Result.CostUSD,
			CreatedAt: nowStr,
		}
		if err := a.Costs.Charge(ctx, charge); err != nil {
			return task, err
		}
	}

	_ = a.Events.Append(ctx, nil, "task.completed", task.ProjectID, "task", task.ID, agentID,
		events.EventPayload{"duration_seconds": duration})

	// Let the rest of the team know the task is done.
	done := map[string]any{"task_id": task.ID, "agent_id": agentID}
	if cb.Result != nil {
		done["summary"] = cb.Result.Summary
		done["files_changed"] = cb.Result.FilesChanged
	}
	payload, _ := json.Marshal(done)
	results, err := a.Bus.Broadcast(ctx, bus.BroadcastInput{
		ProjectID: task.ProjectID,
		From:      agentID,
		Type:      "task_complete",
		Payload:   string(payload),
	})
	if err != nil {
		log.Printf("completion: broadcast failed: %v", err)
	}
	for _, res := range results {
		if res.Error != "" {
			log.Printf("completion: broadcast to %s failed: %s", res.Message.To, res.Error)
		}
	}

	return a.Repo.GetTask(ctx, task.ID)
}
