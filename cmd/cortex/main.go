// Binary cortex runs a demo brain end to end: a plain step, an agent step
// against an OpenAI-compatible backend, and a durable event log that can be
// resumed after a pause.
//
// Usage:
//
//	cortex                 run the demo brain
//	cortex -resume <id>    resume a paused run from the event log
package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"

	cortex "github.com/arimelias/cortex"
	"github.com/arimelias/cortex/internal/config"
	"github.com/arimelias/cortex/observer"
	"github.com/arimelias/cortex/provider/openaicompat"
	"github.com/arimelias/cortex/store/postgres"
	"github.com/arimelias/cortex/store/sqlite"
)

type eventStore interface {
	cortex.Adapter
	Init(ctx context.Context) error
	LoadEvents(ctx context.Context, brainRunID string) ([]cortex.Event, error)
}

func main() {
	resumeID := flag.String("resume", "", "brainRunId of a paused run to resume")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 1. Load config
	cfg := config.Load(os.Getenv("CORTEX_CONFIG"))
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	// 2. LLM client
	client := openaicompat.New(cfg.LLM.APIKey, cfg.LLM.Model, cfg.LLM.BaseURL,
		openaicompat.WithTemperature(cfg.LLM.Temperature),
		openaicompat.WithLogger(logger))

	// 3. Event store
	var store eventStore
	switch cfg.Store.Driver {
	case "postgres":
		pool, err := pgxpool.New(ctx, cfg.Store.PostgresURL)
		if err != nil {
			log.Fatalf("postgres: %v", err)
		}
		defer pool.Close()
		store = postgres.New(pool)
	default:
		s := sqlite.New(cfg.Store.Path, sqlite.WithLogger(logger))
		defer s.Close()
		store = s
	}
	if err := store.Init(ctx); err != nil {
		log.Fatalf("store init: %v", err)
	}

	// 4. Observer (opt-in via config)
	var tracer cortex.Tracer
	adapters := []cortex.Adapter{store, cortex.NewLogAdapter(logger)}
	if cfg.Observer.Enabled {
		inst, shutdown, err := observer.Init(ctx, cfg.Observer.ServiceName)
		if err != nil {
			log.Fatalf("observer init: %v", err)
		}
		defer shutdown(context.Background())
		tracer = observer.NewTracer()
		adapters = append(adapters, observer.NewEventAdapter(inst))
		logger.Info("OTEL observability enabled")
	}

	signals := cortex.NewInMemorySignals()
	runner := &cortex.BrainRunner{
		Client:   client,
		Adapters: adapters,
		Signals:  signals,
		Logger:   logger,
		Tracer:   tracer,
	}

	def := demoBrain(cfg)

	var (
		res *cortex.RunResult
		err error
	)
	if *resumeID != "" {
		logEvents, loadErr := store.LoadEvents(ctx, *resumeID)
		if loadErr != nil {
			log.Fatalf("load events: %v", loadErr)
		}
		signals.Queue(cortex.Signal{Type: cortex.SignalResume})
		res, err = runner.Resume(ctx, def, cortex.ResumeParams{EventLog: logEvents})
	} else {
		res, err = runner.Run(ctx, def, cortex.RunParams{
			Options:      map[string]any{"topic": "tides"},
			InitialState: cortex.State{},
		})
	}
	if err != nil {
		log.Fatalf("run: %v", err)
	}

	logger.Info("run finished", "run_id", res.BrainRunID, "terminal", string(res.Terminal))
	if res.Paused() {
		logger.Info("run paused; resume with", "flag", "-resume "+res.BrainRunID)
		return
	}
	if res.Err != nil {
		log.Fatalf("run error: %v", res.Err)
	}
	out, _ := json.MarshalIndent(res.FinalState, "", "  ")
	os.Stdout.Write(append(out, '\n'))
}

// demoBrain builds a small two-step brain: a plain step that seeds the
// state, then an agent step that researches the configured topic and ends
// through a terminal tool.
func demoBrain(cfg config.Config) *cortex.BrainDefinition {
	return cortex.NewBrain("demo").
		WithDescription("plain step followed by a research agent").
		Step("seed", func(ctx context.Context, sc *cortex.StepContext) (cortex.State, error) {
			next := cortex.CloneState(sc.State)
			next["topic"] = sc.Options["topic"]
			return next, nil
		}).
		AgentStep("research", func(ctx context.Context, sc *cortex.StepContext) (cortex.AgentSpec, error) {
			topic, _ := sc.State["topic"].(string)
			return cortex.AgentSpec{
				Prompt:        "Write a two-sentence summary about: " + topic + ". Then call finish with the summary.",
				MaxIterations: cfg.Engine.MaxIterations,
				MaxTokens:     cfg.Engine.MaxTokens,
				Tools: map[string]cortex.ToolDef{
					"finish": {
						Description: "Finish with the final summary",
						InputSchema: json.RawMessage(`{"type":"object","properties":{"summary":{"type":"string"}},"required":["summary"]}`),
						Terminal:    true,
					},
				},
			}, nil
		})
}
