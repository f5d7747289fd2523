package monitor

import (
	"context"
	"fmt"
	"log"
	"math"
	"sort"
	"time"

	"agentboard/internal/config"
	"agentboard/internal/domain"
	"agentboard/internal/events"
	"agentboard/internal/repo"
	"agentboard/internal/router"
)

// Monitor derives capacity pressure from the live task and agent tables.
// Every reading is recomputed from scratch, nothing is accumulated, so a
// restart cannot carry stale pressure forward.
type Monitor struct {
	Repo   repo.Repo
	Config *config.Config
	Events events.Writer
	Now    func() time.Time
}

func (m *Monitor) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now()
}

// TypeStat is one agent type's load picture.
type TypeStat struct {
	Type        string  `json:"type"`
	TotalAgents int     `json:"total_agents"`
	IdleAgents  int     `json:"idle_agents"`
	InProgress  int     `json:"in_progress"`
	Queued      int     `json:"queued"`
	Capacity    int     `json:"capacity"`
	Utilization float64 `json:"utilization"`
}

// Snapshot computes per-type load. Offline agents contribute no capacity.
// Queued (todo) tasks have no assigned type yet, so they are typed with the
// same scoring pass the router uses; the two views always agree.
func (m *Monitor) Snapshot(ctx context.Context, projectID string) ([]TypeStat, error) {
	agents, err := m.Repo.ListAgents(ctx, repo.AgentFilters{ProjectID: projectID})
	if err != nil {
		return nil, err
	}
	inProgress, err := m.Repo.ListTasks(ctx, repo.TaskFilters{ProjectID: projectID, Status: domain.TaskStatusInProgress})
	if err != nil {
		return nil, err
	}
	queued, err := m.Repo.ListTasks(ctx, repo.TaskFilters{ProjectID: projectID, Status: domain.TaskStatusTodo})
	if err != nil {
		return nil, err
	}

	profiles := m.Config.ProfileTable()
	defaultType := m.Config.Routing.DefaultType
	perAgent := m.Config.Monitor.CapacityPerAgent

	stats := map[string]*TypeStat{}
	stat := func(agentType string) *TypeStat {
		s, ok := stats[agentType]
		if !ok {
			s = &TypeStat{Type: agentType}
			stats[agentType] = s
		}
		return s
	}

	for _, a := range agents {
		s := stat(a.Type)
		if a.Status == domain.AgentStatusOffline {
			continue
		}
		s.TotalAgents++
		if a.Status == domain.AgentStatusIdle {
			s.IdleAgents++
		}
	}
	for _, t := range inProgress {
		agentType := t.AssignedType
		if agentType == "" {
			agentType = router.ClassifyTask(t.Title, t.Description+" "+t.Prompt, profiles, defaultType)
		}
		stat(agentType).InProgress++
	}
	for _, t := range queued {
		agentType := router.ClassifyTask(t.Title, t.Description+" "+t.Prompt, profiles, defaultType)
		stat(agentType).Queued++
	}

	out := make([]TypeStat, 0, len(stats))
	for _, s := range stats {
		s.Capacity = s.TotalAgents * perAgent
		if s.Capacity > 0 {
			s.Utilization = float64(s.InProgress) / float64(s.Capacity)
		}
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Type < out[j].Type })
	return out, nil
}

// DetectBottlenecks flags types running over the utilization threshold, and
// types with queued work but not a single idle agent to take it.
func (m *Monitor) DetectBottlenecks(ctx context.Context, projectID string) ([]domain.Bottleneck, error) {
	stats, err := m.Snapshot(ctx, projectID)
	if err != nil {
		return nil, err
	}
	threshold := m.Config.Monitor.UtilizationThreshold
	var out []domain.Bottleneck
	for _, s := range stats {
		if s.Utilization > threshold || (s.Queued > 0 && s.IdleAgents == 0) {
			out = append(out, domain.Bottleneck{
				Type:        s.Type,
				Utilization: s.Utilization,
				Queued:      s.Queued,
				InProgress:  s.InProgress,
				IdleAgents:  s.IdleAgents,
				TotalAgents: s.TotalAgents,
			})
		}
	}
	return out, nil
}

// SpawnRecommendations sizes the agent shortfall per bottlenecked type:
// enough additional agents to absorb all current demand, at least one.
func (m *Monitor) SpawnRecommendations(ctx context.Context, projectID string) ([]domain.SpawnRecommendation, error) {
	bottlenecks, err := m.DetectBottlenecks(ctx, projectID)
	if err != nil {
		return nil, err
	}
	perAgent := m.Config.Monitor.CapacityPerAgent
	var out []domain.SpawnRecommendation
	for _, b := range bottlenecks {
		demand := b.InProgress + b.Queued
		excess := demand - b.TotalAgents*perAgent
		additional := int(math.Ceil(float64(excess) / float64(perAgent)))
		if additional < 1 {
			// Over threshold but under hard capacity still earns one more.
			additional = 1
		}
		out = append(out, domain.SpawnRecommendation{
			Type:       b.Type,
			Additional: additional,
			Reason: fmt.Sprintf("%d in progress and %d queued against capacity for %d",
				b.InProgress, b.Queued, b.TotalAgents*perAgent),
		})
	}
	return out, nil
}

// GenerateAlerts produces the current alert set: bottleneck warnings
// (critical past 100% utilization), tasks stuck for more than twice the
// routing threshold, and webhook deliveries exhausted inside the failure
// window.
func (m *Monitor) GenerateAlerts(ctx context.Context, projectID string) ([]domain.Alert, error) {
	now := m.now()
	nowStr := repo.FormatTime(now)
	var alerts []domain.Alert

	bottlenecks, err := m.DetectBottlenecks(ctx, projectID)
	if err != nil {
		return nil, err
	}
	for _, b := range bottlenecks {
		severity := domain.SeverityWarning
		// Past 100% utilization, or demand with no live agents at all.
		if b.Utilization > 1.0 || b.TotalAgents == 0 {
			severity = domain.SeverityCritical
		}
		alerts = append(alerts, domain.Alert{
			Severity:  severity,
			Kind:      "bottleneck",
			Message:   fmt.Sprintf("%s agents saturated: %d in progress, %d queued, %d idle", b.Type, b.InProgress, b.Queued, b.IdleAgents),
			AgentType: b.Type,
			Value:     b.Utilization,
			CreatedAt: nowStr,
		})
	}

	cutoff := repo.FormatTime(now.Add(-2 * m.Config.StuckThreshold()))
	stuck, err := m.Repo.ListStuckTasks(ctx, projectID, cutoff)
	if err != nil {
		return nil, err
	}
	for _, t := range stuck {
		alerts = append(alerts, domain.Alert{
			Severity:  domain.SeverityCritical,
			Kind:      "stuck_task",
			Message:   fmt.Sprintf("task %s has been in progress since %s on agent %s", t.ID, *t.StartedAt, t.AssignedTo),
			CreatedAt: nowStr,
		})
	}

	window := time.Duration(m.Config.Monitor.DeliveryFailureWindowM) * time.Minute
	if window > 0 {
		since := repo.FormatTime(now.Add(-window))
		failures, err := m.Repo.CountRecentDeliveryFailures(ctx, projectID, since)
		if err != nil {
			return nil, err
		}
		if failures > 0 {
			alerts = append(alerts, domain.Alert{
				Severity:  domain.SeverityWarning,
				Kind:      "delivery_failures",
				Message:   fmt.Sprintf("%d webhook deliveries exhausted retries in the last %s", failures, window),
				Value:     float64(failures),
				CreatedAt: nowStr,
			})
		}
	}
	return alerts, nil
}

// HasCriticalAlerts reports whether anything in the current alert set is
// critical.
func (m *Monitor) HasCriticalAlerts(ctx context.Context, projectID string) (bool, error) {
	alerts, err := m.GenerateAlerts(ctx, projectID)
	if err != nil {
		return false, err
	}
	for _, a := range alerts {
		if a.Severity == domain.SeverityCritical {
			return true, nil
		}
	}
	return false, nil
}

// Run samples on the configured interval and records critical findings in
// the event log until ctx is done.
func (m *Monitor) Run(ctx context.Context, projectID string) {
	interval := m.Config.SampleInterval()
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			alerts, err := m.GenerateAlerts(ctx, projectID)
			if err != nil {
				log.Printf("monitor: sample failed: %v", err)
				continue
			}
			for _, a := range alerts {
				if a.Severity != domain.SeverityCritical {
					continue
				}
				_ = m.Events.Append(ctx, nil, "alert.critical", projectID, "alert", "", "monitor",
					events.EventPayload{"kind": a.Kind, "message": a.Message, "agent_type": a.AgentType})
			}
		}
	}
}
