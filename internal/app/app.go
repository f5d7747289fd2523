package app

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"agentboard/internal/bus"
	"agentboard/internal/config"
	"agentboard/internal/db"
	"agentboard/internal/delivery"
	"agentboard/internal/events"
	"agentboard/internal/migrate"
	"agentboard/internal/monitor"
	"agentboard/internal/repo"
	"agentboard/internal/router"
)

// App wires the store and the four services together. The HTTP server and
// the CLI both run on top of it.
type App struct {
	DB       *sql.DB
	Repo     repo.Repo
	Events   events.Writer
	Config   *config.Config
	Router   *router.Router
	Delivery *delivery.Service
	Bus      *bus.Bus
	Monitor  *monitor.Monitor

	Knowledge KnowledgeSink
	Costs     CostLedger
}

// New opens the workspace database, applies migrations and wires services.
func New(workspace string) (*App, error) {
	cfg, err := config.Load(workspace)
	if err != nil {
		return nil, err
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, err
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return FromConn(conn, cfg), nil
}

// FromConn wires an App over an already opened, migrated database.
func FromConn(conn *sql.DB, cfg *config.Config) *App {
	r := repo.Repo{DB: conn}
	ev := events.Writer{DB: conn}
	del := delivery.NewService(r, ev, cfg)
	a := &App{
		DB:       conn,
		Repo:     r,
		Events:   ev,
		Config:   cfg,
		Delivery: del,
		Router:   &router.Router{Repo: r, Events: ev, Config: cfg, Notifier: del},
		Bus:      &bus.Bus{Repo: r, Events: ev, Config: cfg, Delivery: del},
		Monitor:  &monitor.Monitor{Repo: r, Events: ev, Config: cfg},
	}
	a.Knowledge = sqliteKnowledgeSink{r}
	a.Costs = sqliteCostLedger{r}
	return a
}

// Start launches the background loops: the delivery worker, the stuck-task
// sweeper, the capacity sampler and the expired-message purge. They all stop
// when ctx is done.
func (a *App) Start(ctx context.Context) {
	projectID := a.Config.Project.ID
	go func() { _ = a.Delivery.Run(ctx) }()
	go a.Router.RunSweeper(ctx, projectID)
	go a.Monitor.Run(ctx, projectID)
	go func() {
		ticker := time.NewTicker(10 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				_, _ = a.Bus.PurgeExpired(ctx)
			}
		}
	}()
}

func (a *App) Close() error {
	return a.DB.Close()
}

// EnsureProject inserts the configured project row if missing.
func (a *App) EnsureProject(ctx context.Context) error {
	id := a.Config.Project.ID
	_, err := a.Repo.GetProject(ctx, id)
	if err == nil {
		return nil
	}
	if err != repo.ErrNotFound {
		return err
	}
	return a.Repo.InsertProject(ctx, dproject(id))
}
