package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"agentboard/internal/app"
	"agentboard/internal/domain"
	"agentboard/internal/monitor"
)

func registerCapacity(api huma.API, a *app.App) {
	huma.Register(api, huma.Operation{
		OperationID: "capacity-status",
		Method:      http.MethodGet,
		Path:        "/capacity",
		Summary:     "Per-type capacity snapshot",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []monitor.TypeStat `json:"body"`
	}, error) {
		stats, err := a.Monitor.Snapshot(ctx, a.Config.Project.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []monitor.TypeStat `json:"body"`
		}{Body: stats}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "capacity-bottlenecks",
		Method:      http.MethodGet,
		Path:        "/capacity/bottlenecks",
		Summary:     "Detect saturated agent types",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.Bottleneck `json:"body"`
	}, error) {
		items, err := a.Monitor.DetectBottlenecks(ctx, a.Config.Project.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Bottleneck `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "capacity-recommendations",
		Method:      http.MethodGet,
		Path:        "/capacity/recommendations",
		Summary:     "Recommend additional agents per bottlenecked type",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.SpawnRecommendation `json:"body"`
	}, error) {
		items, err := a.Monitor.SpawnRecommendations(ctx, a.Config.Project.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.SpawnRecommendation `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "capacity-alerts",
		Method:      http.MethodGet,
		Path:        "/capacity/alerts",
		Summary:     "Current alert set",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body struct {
			Alerts   []domain.Alert `json:"alerts"`
			Critical bool           `json:"critical"`
		} `json:"body"`
	}, error) {
		alerts, err := a.Monitor.GenerateAlerts(ctx, a.Config.Project.ID)
		if err != nil {
			return nil, handleError(err)
		}
		critical := false
		for _, al := range alerts {
			if al.Severity == domain.SeverityCritical {
				critical = true
				break
			}
		}
		out := &struct {
			Body struct {
				Alerts   []domain.Alert `json:"alerts"`
				Critical bool           `json:"critical"`
			} `json:"body"`
		}{}
		out.Body.Alerts = alerts
		out.Body.Critical = critical
		return out, nil
	})
}

func registerEvents(api huma.API, a *app.App) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "Event log",
	}, func(ctx context.Context, input *struct {
		After int64 `query:"after"`
		Limit int   `query:"limit"`
	}) (*struct {
		Body []domain.Event `json:"body"`
	}, error) {
		limit := input.Limit
		if limit <= 0 {
			limit = 100
		}
		var items []domain.Event
		var err error
		if input.After > 0 {
			items, err = a.Repo.EventsAfter(ctx, a.Config.Project.ID, input.After, limit)
		} else {
			items, err = a.Repo.LatestEvents(ctx, a.Config.Project.ID, limit)
		}
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Event `json:"body"`
		}{Body: items}, nil
	})
}
