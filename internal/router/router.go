package router

import (
	"context"
	"fmt"
	"log"
	"sort"
	"time"

	"agentboard/internal/config"
	"agentboard/internal/domain"
	"agentboard/internal/events"
	"agentboard/internal/repo"
)

// Notifier pushes an event at an agent's webhook endpoint. The delivery
// service implements it; a nil Notifier disables assignment notifications.
type Notifier interface {
	Notify(ctx context.Context, agentID, event string, data map[string]any) error
}

// Provisioner creates a fresh agent of the given type when a project has no
// eligible one and auto provisioning is on.
type Provisioner func(ctx context.Context, projectID, agentType string) (domain.Agent, error)

// AssignmentError reports why a task could not be routed to an agent.
type AssignmentError struct {
	TaskID string
	Reason string
}

func (e *AssignmentError) Error() string {
	return fmt.Sprintf("assignment failed for task %s: %s", e.TaskID, e.Reason)
}

// Router picks an agent for a task and owns the stuck-task sweep.
type Router struct {
	Repo      repo.Repo
	Events    events.Writer
	Config    *config.Config
	Notifier  Notifier
	Provision Provisioner
	Now       func() time.Time
}

func (rt *Router) now() time.Time {
	if rt.Now != nil {
		return rt.Now()
	}
	return time.Now()
}

// AssignOptions tune a single Assign call.
type AssignOptions struct {
	// ForceType bypasses keyword scoring.
	ForceType string
	// ExcludeAgent removes one agent from the candidate set, used by the
	// sweep so a stuck task does not land back on its current holder.
	ExcludeAgent string
}

// Assign routes a todo or blocked task to the best available agent of the
// scored type. The claim is a conditional update, so two concurrent Assign
// calls for the same task cannot both win.
func (rt *Router) Assign(ctx context.Context, taskID string, opts AssignOptions) (domain.Task, domain.Agent, error) {
	task, err := rt.Repo.GetTask(ctx, taskID)
	if err != nil {
		return domain.Task{}, domain.Agent{}, err
	}
	if task.Status != domain.TaskStatusTodo && task.Status != domain.TaskStatusBlocked {
		return task, domain.Agent{}, &AssignmentError{TaskID: taskID, Reason: fmt.Sprintf("task is %s", task.Status)}
	}

	agentType := opts.ForceType
	if agentType == "" {
		agentType = ClassifyTask(task.Title, task.Description+" "+task.Prompt, rt.Config.ProfileTable(), rt.Config.Routing.DefaultType)
	}
	if _, ok := rt.Config.Profiles[agentType]; !ok {
		return task, domain.Agent{}, &AssignmentError{TaskID: taskID, Reason: fmt.Sprintf("unknown agent type %q", agentType)}
	}

	var agent domain.Agent
	var found bool
	agent, agentType, found, err = rt.findAgent(ctx, task.ProjectID, agentType, opts.ExcludeAgent, opts.ForceType == "")
	if err != nil {
		return task, domain.Agent{}, err
	}
	if !found {
		now := repo.FormatTime(rt.now())
		if _, err := rt.Repo.BlockTask(ctx, taskID, "no eligible agent", task.Status, now); err != nil {
			return task, domain.Agent{}, err
		}
		_ = rt.Events.Append(ctx, nil, "task.blocked", task.ProjectID, "task", taskID, "router",
			events.EventPayload{"reason": "no eligible agent", "wanted_type": agentType})
		return task, domain.Agent{}, &AssignmentError{TaskID: taskID, Reason: "no eligible agent"}
	}

	now := repo.FormatTime(rt.now())
	claimed, err := rt.Repo.ClaimTaskForAssignment(ctx, taskID, agent.ID, agentType, now)
	if err != nil {
		return task, domain.Agent{}, err
	}
	if !claimed {
		return task, domain.Agent{}, &AssignmentError{TaskID: taskID, Reason: "task already claimed"}
	}
	if err := rt.Repo.AgentTaskStarted(ctx, agent.ID); err != nil {
		return task, domain.Agent{}, err
	}

	_ = rt.Events.Append(ctx, nil, "task.assigned", task.ProjectID, "task", taskID, "router",
		events.EventPayload{"agent_id": agent.ID, "agent_type": agentType})

	if rt.Config.Routing.NotifyOnAssign && rt.Notifier != nil {
		_ = rt.Notifier.Notify(ctx, agent.ID, "task.assigned", map[string]any{
			"task_id":  taskID,
			"title":    task.Title,
			"prompt":   task.Prompt,
			"priority": task.Priority,
		})
	}

	updated, err := rt.Repo.GetTask(ctx, taskID)
	if err != nil {
		return task, agent, err
	}
	return updated, agent, nil
}

// findAgent locates an agent for the wanted type the way a fresh assignment
// would: the typed pool first, then the default-type pool when allowFallback
// is set, then auto provisioning. The returned type names the pool the agent
// actually came from.
func (rt *Router) findAgent(ctx context.Context, projectID, agentType, exclude string, allowFallback bool) (domain.Agent, string, bool, error) {
	agent, found, err := rt.pickAgent(ctx, projectID, agentType, exclude)
	if err != nil {
		return domain.Agent{}, agentType, false, err
	}
	if !found && allowFallback && agentType != rt.Config.Routing.DefaultType {
		agent, found, err = rt.pickAgent(ctx, projectID, rt.Config.Routing.DefaultType, exclude)
		if err != nil {
			return domain.Agent{}, agentType, false, err
		}
		if found {
			agentType = rt.Config.Routing.DefaultType
		}
	}
	if !found && rt.Config.Routing.AutoProvisionAgents && rt.Provision != nil {
		agent, err = rt.Provision(ctx, projectID, agentType)
		if err != nil {
			return domain.Agent{}, agentType, false, fmt.Errorf("provision %s agent: %w", agentType, err)
		}
		found = true
	}
	return agent, agentType, found, nil
}

// pickAgent chooses among agents of the wanted type: best success rate first,
// then least loaded, then longest since last poll, then id so repeated calls
// agree.
func (rt *Router) pickAgent(ctx context.Context, projectID, agentType, exclude string) (domain.Agent, bool, error) {
	agents, err := rt.Repo.ListAgents(ctx, repo.AgentFilters{ProjectID: projectID, Type: agentType})
	if err != nil {
		return domain.Agent{}, false, err
	}

	capacity := rt.Config.Monitor.CapacityPerAgent
	candidates := agents[:0]
	for _, a := range agents {
		if a.ID == exclude {
			continue
		}
		if rt.Config.Routing.ExcludeOffline && a.Status == domain.AgentStatusOffline {
			continue
		}
		if a.TasksInProgress >= capacity {
			continue
		}
		candidates = append(candidates, a)
	}
	if len(candidates) == 0 {
		return domain.Agent{}, false, nil
	}

	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.SuccessRate() != b.SuccessRate() {
			return a.SuccessRate() > b.SuccessRate()
		}
		if a.TasksInProgress != b.TasksInProgress {
			return a.TasksInProgress < b.TasksInProgress
		}
		// LastPollAt strings sort chronologically; a never-polled agent has
		// been idle the longest.
		if a.LastPollAt != b.LastPollAt {
			return a.LastPollAt < b.LastPollAt
		}
		return a.ID < b.ID
	})
	return candidates[0], true, nil
}

// SweepResult records what happened to one stuck task during a sweep.
type SweepResult struct {
	TaskID  string `json:"task_id"`
	Outcome string `json:"outcome" enum:"reassigned,blocked,error"`
	From    string `json:"from,omitempty"`
	To      string `json:"to,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

// SweepStuckTasks finds in-progress tasks whose holder has gone quiet past the
// configured threshold and moves each to a different agent, or blocks it when
// no other agent can take it. Reassignment refreshes started_at, so a task is
// acted on at most once per sweep.
func (rt *Router) SweepStuckTasks(ctx context.Context, projectID string) ([]SweepResult, error) {
	cutoff := repo.FormatTime(rt.now().Add(-rt.Config.StuckThreshold()))
	stuck, err := rt.Repo.ListStuckTasks(ctx, projectID, cutoff)
	if err != nil {
		return nil, err
	}

	// One task's failure never aborts the rest of the sweep.
	var results []SweepResult
	for _, task := range stuck {
		res, err := rt.sweepOne(ctx, task)
		if err != nil {
			res = SweepResult{TaskID: task.ID, Outcome: "error", From: task.AssignedTo, Reason: err.Error()}
		}
		results = append(results, res)
	}
	return results, nil
}

func (rt *Router) sweepOne(ctx context.Context, task domain.Task) (SweepResult, error) {
	holder := task.AssignedTo
	agentType := task.AssignedType
	if agentType == "" {
		agentType = ClassifyTask(task.Title, task.Description+" "+task.Prompt, rt.Config.ProfileTable(), rt.Config.Routing.DefaultType)
	}

	agent, agentType, found, err := rt.findAgent(ctx, task.ProjectID, agentType, holder, true)
	if err != nil {
		return SweepResult{}, err
	}
	now := repo.FormatTime(rt.now())

	if !found {
		ok, err := rt.Repo.BlockTask(ctx, task.ID, "no eligible agent", domain.TaskStatusInProgress, now)
		if err != nil {
			return SweepResult{}, err
		}
		if ok && holder != domain.Unassigned {
			if err := rt.Repo.AgentTaskFailed(ctx, holder); err != nil {
				return SweepResult{}, err
			}
		}
		_ = rt.Events.Append(ctx, nil, "task.blocked", task.ProjectID, "task", task.ID, "router",
			events.EventPayload{"reason": "no eligible agent", "previous_agent": holder})
		return SweepResult{TaskID: task.ID, Outcome: "blocked", From: holder, Reason: "no eligible agent"}, nil
	}

	ok, err := rt.Repo.ReassignTask(ctx, task.ID, agent.ID, agentType, now)
	if err != nil {
		return SweepResult{}, err
	}
	if !ok {
		// The task left in_progress between the stuck scan and the update.
		return SweepResult{TaskID: task.ID, Outcome: "blocked", From: holder, Reason: "task changed state during sweep"}, nil
	}
	if holder != domain.Unassigned {
		if err := rt.Repo.AgentTaskFailed(ctx, holder); err != nil {
			return SweepResult{}, err
		}
	}
	if err := rt.Repo.AgentTaskStarted(ctx, agent.ID); err != nil {
		return SweepResult{}, err
	}

	_ = rt.Events.Append(ctx, nil, "task.reassigned", task.ProjectID, "task", task.ID, "router",
		events.EventPayload{"from": holder, "to": agent.ID})

	if rt.Config.Routing.NotifyOnAssign && rt.Notifier != nil {
		_ = rt.Notifier.Notify(ctx, agent.ID, "task.assigned", map[string]any{
			"task_id":  task.ID,
			"title":    task.Title,
			"prompt":   task.Prompt,
			"priority": task.Priority,
		})
	}
	return SweepResult{TaskID: task.ID, Outcome: "reassigned", From: holder, To: agent.ID}, nil
}

// RunSweeper runs periodic sweeps until ctx is done.
func (rt *Router) RunSweeper(ctx context.Context, projectID string) {
	interval := time.Duration(rt.Config.Routing.SweepIntervalMins) * time.Minute
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			results, err := rt.SweepStuckTasks(ctx, projectID)
			if err != nil {
				log.Printf("router: sweep failed: %v", err)
				continue
			}
			for _, res := range results {
				log.Printf("router: swept task %s: %s", res.TaskID, res.Outcome)
			}
		}
	}
}
