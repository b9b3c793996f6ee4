package main

import (
	"bufio"
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"

	"github.com/prospecthq/prospectd/agent"
	"github.com/prospecthq/prospectd/config"
	"github.com/prospecthq/prospectd/feedback"
	"github.com/prospecthq/prospectd/index"
	indexollama "github.com/prospecthq/prospectd/index/ollama"
	"github.com/prospecthq/prospectd/llm"
	llmanthropic "github.com/prospecthq/prospectd/llm/anthropic"
	llmollama "github.com/prospecthq/prospectd/llm/ollama"
	llmopenai "github.com/prospecthq/prospectd/llm/openai"
	prospectlogger "github.com/prospecthq/prospectd/logger"
	"github.com/prospecthq/prospectd/migrations"
	"github.com/prospecthq/prospectd/ranking"
	"github.com/prospecthq/prospectd/retrieval"
	"github.com/prospecthq/prospectd/runtime"
	"github.com/prospecthq/prospectd/session"
	"github.com/prospecthq/prospectd/tools"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath  = flag.String("config", "", "Path to config file. Defaults to ~/.prospectd/config.yaml")
		dbPath      = flag.String("db", "", "Path to SQLite database file. Overrides config")
		logFile     = flag.String("logfile", "", "Path to log file. If not set, logs to stdout/stderr")
		pretty      = flag.Bool("pretty", false, "Use pretty console output (only valid when logfile is not set)")
		rebuild     = flag.Bool("rebuild", false, "Rebuild the prospect index from the listings file and exit")
		writeConfig = flag.Bool("write-config", false, "Write the effective configuration to the config path and exit")
	)
	flag.Parse()

	if *logFile != "" && *pretty {
		return fmt.Errorf("--logfile and --pretty are mutually exclusive")
	}

	logger, err := prospectlogger.InitWithOptions(*logFile, *pretty)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	path := *configPath
	if path == "" {
		path = config.GetConfigPath()
	}
	cfg, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if *dbPath != "" {
		cfg.DBPath = *dbPath
	}

	if *writeConfig {
		if err := config.Save(cfg, path); err != nil {
			return fmt.Errorf("failed to write config: %w", err)
		}
		fmt.Printf("Config written to %s\n", path)
		return nil
	}

	logger.Info().
		Str("db", cfg.DBPath).
		Str("config", path).
		Msg("prospectd starting")

	db, err := sql.Open("sqlite3", cfg.DBPath)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close() //nolint:errcheck // no remedy for close error at shutdown

	if err := migrations.RunMigrations(db, logger); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	embedder, err := indexollama.NewEmbedder(indexollama.Model(cfg.Ollama.EmbedModel))
	if err != nil {
		return fmt.Errorf("failed to create embedder: %w", err)
	}
	sqliteIndex := index.NewSQLiteIndex(db, logger)
	builder := index.NewBuilder(embedder, sqliteIndex, logger)

	if *rebuild {
		count, err := builder.BuildFromFile(ctx, cfg.Index.ListingsPath)
		if err != nil {
			return fmt.Errorf("index rebuild failed: %w", err)
		}
		fmt.Printf("Index rebuilt: %d records\n", count)
		return nil
	}

	feedbackStore := feedback.NewStore(db, logger)
	engine, err := ranking.NewEngine(ranking.Params{
		Alpha:        cfg.Ranking.Alpha,
		ConfidenceZ:  cfg.Ranking.ConfidenceZ,
		NeutralScore: cfg.Ranking.NeutralScore,
	}, feedbackStore, logger)
	if err != nil {
		return err
	}

	var boosts []retrieval.BoostRule
	if !cfg.Retrieval.DisableBoosts {
		boosts = retrieval.DefaultBoosts()
	}
	gateway, err := retrieval.NewGateway(embedder, sqliteIndex, sqliteIndex, engine, boosts,
		retrieval.Options{OverfetchFactor: cfg.Retrieval.OverfetchFactor}, logger)
	if err != nil {
		return err
	}

	llmClient, model, err := resolveLLMClient(cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to resolve LLM provider: %w", err)
	}

	sessionTTL, err := time.ParseDuration(cfg.Session.TTL)
	if err != nil {
		return fmt.Errorf("invalid session ttl %q: %w", cfg.Session.TTL, err)
	}
	sweepInterval, err := time.ParseDuration(cfg.Session.SweepInterval)
	if err != nil {
		return fmt.Errorf("invalid sweep interval %q: %w", cfg.Session.SweepInterval, err)
	}
	toolTimeout, err := time.ParseDuration(cfg.Agent.ToolTimeout)
	if err != nil {
		return fmt.Errorf("invalid tool timeout %q: %w", cfg.Agent.ToolTimeout, err)
	}

	snapshots := session.NewSnapshotStore(db, logger)
	summarizer := session.NewSummarizer(llmClient, model, logger)
	sessions, err := session.NewManager(session.Config{
		MaxContextChars: cfg.Session.MaxContextChars,
		KeepRecentTurns: cfg.Session.KeepRecentTurns,
		TTL:             sessionTTL,
		QueueOnBusy:     !cfg.Session.RejectWhenBusy,
	}, snapshots, summarizer, logger)
	if err != nil {
		return err
	}

	var web tools.WebLookup
	if cfg.WebSearch.Endpoint != "" {
		web, err = tools.NewHTTPWebLookup(cfg.WebSearch.Endpoint, logger)
		if err != nil {
			return err
		}
	}

	runner, err := agent.NewRunner(llmClient, gateway, web, sessions, agent.Config{
		Model:       model,
		StepBudget:  cfg.Agent.StepBudget,
		ToolTimeout: toolTimeout,
		TopK:        cfg.Retrieval.TopK,
	}, logger)
	if err != nil {
		return err
	}

	scheduler, err := runtime.NewScheduler(builder, cfg.Index.ListingsPath, cfg.Index.RebuildSchedule, sessions, sweepInterval, logger)
	if err != nil {
		return err
	}
	go scheduler.Start(ctx)

	return repl(ctx, runner, feedbackStore, logger)
}

// resolveLLMClient picks the first configured provider and builds its client.
func resolveLLMClient(cfg *config.Config, logger zerolog.Logger) (llm.Client, string, error) {
	registry := llm.NewProviderRegistry(&llm.ProviderConfig{
		AnthropicAPIKey: cfg.Anthropic.APIKey,
		OllamaHost:      cfg.Ollama.Host,
		OllamaModel:     cfg.Ollama.Model,
		OpenAIAPIKey:    cfg.OpenAI.APIKey,
		OpenAIBaseURL:   cfg.OpenAI.BaseURL,
		OpenAIModel:     cfg.OpenAI.Model,
		OpenAIOrg:       cfg.OpenAI.Organization,
	}, cfg.LLMProviders)

	var prefs []llm.Preference
	for _, p := range cfg.LLMProviders {
		prefs = append(prefs, llm.Preference{Provider: p})
	}
	key, err := registry.Resolve(prefs)
	if err != nil {
		return nil, "", err
	}

	logger.Info().Str("provider", key.Provider).Str("model", key.Model).Msg("LLM provider resolved")

	switch key.Provider {
	case llm.ProviderAnthropic:
		client, err := llmanthropic.NewAnthropicClient(key.APIKey, logger)
		return client, key.Model, err
	case llm.ProviderOllama:
		client, err := llmollama.NewOllamaClient(key.Host, key.Model)
		return client, key.Model, err
	case llm.ProviderOpenAI:
		client, err := llmopenai.NewOpenAIClient(key.APIKey, key.BaseURL, key.Model, key.Organization)
		return client, key.Model, err
	default:
		return nil, "", fmt.Errorf("unknown provider: %s", key.Provider)
	}
}

// repl runs the line-oriented query loop on stdin.
//
// Commands:
//
//	feedback <record-id> up|down   attach feedback to a surfaced record
//	stats                          show overall feedback totals
//	exit | quit                    stop
//
// Any other line is a query for the agent.
func repl(ctx context.Context, runner *agent.Runner, store *feedback.Store, logger zerolog.Logger) error {
	const sessionID = "cli"
	var lastQuery string

	fmt.Println("prospectd ready. Type a question, or 'exit' to quit.")
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			return scanner.Err()
		}
		if err := ctx.Err(); err != nil {
			return nil
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		switch {
		case line == "exit" || line == "quit":
			return nil

		case line == "stats":
			stats, err := store.OverallStats(ctx)
			if err != nil {
				fmt.Printf("error: %v\n", err)
				continue
			}
			fmt.Printf("events: %d  positive: %d  negative: %d  helpful ratio: %.2f\n",
				stats.TotalEvents, stats.PositiveCount, stats.NegativeCount, stats.PositiveRatio)

		case strings.HasPrefix(line, "feedback "):
			fields := strings.Fields(line)
			if len(fields) != 3 || (fields[2] != "up" && fields[2] != "down") {
				fmt.Println("usage: feedback <record-id> up|down")
				continue
			}
			signal := feedback.SignalPositive
			if fields[2] == "down" {
				signal = feedback.SignalNegative
			}
			err := store.RecordEvent(ctx, feedback.Event{
				RecordID: fields[1],
				Query:    lastQuery,
				Signal:   signal,
			})
			if err != nil {
				fmt.Printf("error: %v\n", err)
				continue
			}
			fmt.Println("recorded")

		default:
			lastQuery = line
			result, err := runner.Run(ctx, sessionID, line)
			if err != nil {
				if errors.Is(err, context.Canceled) {
					return nil
				}
				logger.Error().Err(err).Msg("Query failed")
				fmt.Printf("error: %v\n", err)
				continue
			}
			printResult(result)
		}
	}
}

func printResult(result *agent.Result) {
	fmt.Println(result.Answer)
	if result.Degraded {
		fmt.Println("(note: feedback store unavailable, results ranked by similarity only)")
	}
	if len(result.Results) > 0 {
		fmt.Println("\nProspects used:")
		for _, res := range result.Results {
			name := res.Record.Attributes["name"]
			if name == "" {
				name = res.Record.ID
			}
			fmt.Printf("  [%s] %s (score %.3f, confidence %.3f)\n",
				res.Record.ID, name, res.FinalScore, res.Confidence)
		}
	}
	if len(result.Suggestions) > 0 {
		fmt.Println("\nSuggested follow-ups:")
		for _, s := range result.Suggestions {
			fmt.Printf("  [%s] %s (%s priority) by %s\n", s.RecordID, s.Type, s.Priority, s.SuggestedDate)
		}
	}
}
