package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/nlpodyssey/openai-agents-go/agents"
	"github.com/openai/openai-go/v2/packages/param"
	"github.com/spf13/cobra"

	"github.com/ecotrails/insight-gateway/internal/alert"
	"github.com/ecotrails/insight-gateway/internal/gate"
	"github.com/ecotrails/insight-gateway/internal/insight"
	"github.com/ecotrails/insight-gateway/internal/janitor"
	"github.com/ecotrails/insight-gateway/internal/notify"
	"github.com/ecotrails/insight-gateway/internal/oracle"
	"github.com/ecotrails/insight-gateway/internal/region"
	"github.com/ecotrails/insight-gateway/internal/session"
	"github.com/ecotrails/insight-gateway/internal/stage"
	"github.com/ecotrails/insight-gateway/internal/stream"
	"github.com/ecotrails/insight-gateway/internal/ws"
)

var rootCmd = &cobra.Command{
	Use:   "gateway",
	Short: "EcoTrails insight gateway: live hike streaming and deep trail analysis",
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the gateway server",
	RunE:  runServe,
}

var analyzeCmd = &cobra.Command{
	Use:   "analyze",
	Short: "Re-run the deep analysis for a finished session",
	RunE:  runAnalyze,
}

var seedRegionsCmd = &cobra.Command{
	Use:   "seed-regions",
	Short: "Seed the region knowledge collection from text files",
	RunE:  runSeedRegions,
}

var (
	analyzeSessionFlag string
	seedDirFlag        string
	seedLatFlag        float64
	seedLngFlag        float64
	seedChunkFlag      int
)

func init() {
	analyzeCmd.Flags().StringVarP(&analyzeSessionFlag, "session", "s", "", "session ID to re-analyze")
	seedRegionsCmd.Flags().StringVar(&seedDirFlag, "dir", "", "directory containing .txt fact files")
	seedRegionsCmd.Flags().Float64Var(&seedLatFlag, "lat", 0, "latitude the facts apply around")
	seedRegionsCmd.Flags().Float64Var(&seedLngFlag, "lng", 0, "longitude the facts apply around")
	seedRegionsCmd.Flags().IntVar(&seedChunkFlag, "chunk-size", 500, "max characters per seeded fact")
	rootCmd.AddCommand(serveCmd, analyzeCmd, seedRegionsCmd)
}

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})))

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := loadConfig()

	oracleClient := buildOracle(cfg)
	retriever := buildRegion(cfg)

	store := session.NewStore(session.DefaultCaps())
	registry := session.NewRegistry()
	queue := alert.NewQueue()
	hub := stream.NewHub()

	orch := stream.New(stream.Config{
		Gate: gate.New(gate.Config{
			VisualCycle:   cfg.visualCycle,
			AcousticCycle: cfg.acousticCycle,
			Window:        cfg.gateWindow,
		}),
		Store:    store,
		Oracle:   oracleClient,
		Alerts:   alert.NewRouter(queue),
		Hub:      hub,
		Every:    cfg.telemetryEvery,
		MaxCalls: cfg.maxOracleCalls,
	})
	slog.Info("stream gate configured",
		"visual_cycle", cfg.visualCycle,
		"acoustic_cycle", cfg.acousticCycle,
		"window", cfg.gateWindow)

	insightStore, err := buildInsightStore(cfg)
	if err != nil {
		return err
	}
	insightSvc := insight.NewService(insightStore, insight.NewRunner(insight.RunnerConfig{
		Oracle: oracleClient,
		Store:  insightStore,
		Region: retriever,
	}))

	wsHandler := ws.NewHandler(ws.HandlerConfig{
		Registry:      registry,
		Store:         store,
		Orchestrator:  orch,
		Hub:           hub,
		Insights:      insightSvc,
		MaxConcurrent: cfg.maxConcurrentSessions,
	})

	worker := notify.NewWorker(queue, buildSender(cfg), cfg.alertSweep)
	worker.Start()

	jan := janitor.New(janitor.Config{
		Registry:   registry,
		Store:      store,
		Insights:   insightStore,
		Hub:        hub,
		StaleAfter: cfg.staleAfter,
		EntryTTL:   cfg.sessionEntryTTL,
		RunTTL:     cfg.insightRunTTL,
		Schedule:   cfg.janitorSchedule,
	})
	if err := jan.Start(); err != nil {
		return err
	}

	mux := http.NewServeMux()
	registerRoutes(mux, deps{
		registry: registry,
		store:    store,
		queue:    queue,
		hub:      hub,
		insights: insightSvc,
		ws:       wsHandler,
	})

	addr := ":" + cfg.port
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigCh
		slog.Info("shutting down", "signal", sig)
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		jan.Stop()
		orch.Drain()
		insightSvc.Drain()
		worker.Stop()

		srv.Shutdown(ctx)
		insightStore.Close()
	}()

	slog.Info("gateway starting", "addr", addr, "max_sessions", cfg.maxConcurrentSessions)

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server failed: %w", err)
	}

	slog.Info("gateway stopped")
	return nil
}

func runAnalyze(cmd *cobra.Command, args []string) error {
	if analyzeSessionFlag == "" {
		return errors.New("--session is required")
	}
	cfg := loadConfig()
	if cfg.databaseURL == "" {
		return errors.New("DATABASE_URL is required for analyze")
	}

	store, err := insight.Open(cfg.databaseURL)
	if err != nil {
		return err
	}
	defer store.Close()

	svc := insight.NewService(store, insight.NewRunner(insight.RunnerConfig{
		Oracle: buildOracle(cfg),
		Store:  store,
		Region: buildRegion(cfg),
	}))

	runID, err := svc.Reanalyze(analyzeSessionFlag)
	if err != nil {
		return fmt.Errorf("start re-analysis: %w", err)
	}
	slog.Info("re-analysis started", "session_id", analyzeSessionFlag, "run_id", runID)
	svc.Drain()

	run, err := svc.Status(analyzeSessionFlag)
	if err != nil {
		return err
	}
	json.NewEncoder(os.Stdout).Encode(run)
	if run.Status != insight.StatusCompleted {
		return fmt.Errorf("analysis failed at %s: %s", run.FailedStage, run.Error)
	}
	return nil
}

func runSeedRegions(cmd *cobra.Command, args []string) error {
	if seedDirFlag == "" {
		return errors.New("--dir is required")
	}
	cfg := loadConfig()
	if cfg.qdrantURL == "" {
		return errors.New("QDRANT_URL is required for seed-regions")
	}

	retriever := buildRegion(cfg)
	if retriever == nil {
		return errors.New("region retriever unavailable")
	}

	files, err := filepath.Glob(filepath.Join(seedDirFlag, "*.txt"))
	if err != nil {
		return err
	}
	if len(files) == 0 {
		return fmt.Errorf("no .txt files found in %s", seedDirFlag)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	var total int
	for _, f := range files {
		facts, err := factsFromFile(f, seedLatFlag, seedLngFlag, seedChunkFlag)
		if err != nil {
			slog.Error("read fact file", "file", f, "error", err)
			continue
		}
		if err := retriever.Seed(ctx, facts); err != nil {
			slog.Error("seed facts", "file", f, "error", err)
			continue
		}
		total += len(facts)
		slog.Info("seeded", "file", f, "facts", len(facts))
	}

	slog.Info("done", "total_facts", total, "files", len(files))
	return nil
}

// factsFromFile splits a text file into paragraph chunks, each becoming one
// regional fact named after the file.
func factsFromFile(path string, lat, lng float64, chunkSize int) ([]region.Fact, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	regionName := strings.TrimSuffix(filepath.Base(path), ".txt")

	var facts []region.Fact
	var current strings.Builder
	flush := func() {
		text := strings.TrimSpace(current.String())
		current.Reset()
		if text == "" {
			return
		}
		facts = append(facts, region.Fact{Region: regionName, Text: text, Lat: lat, Lng: lng})
	}

	for _, para := range strings.Split(string(data), "\n\n") {
		para = strings.TrimSpace(para)
		if para == "" {
			continue
		}
		if current.Len() > 0 && current.Len()+len(para) > chunkSize {
			flush()
		}
		if current.Len() > 0 {
			current.WriteString("\n\n")
		}
		current.WriteString(para)
	}
	flush()
	return facts, nil
}

// buildOracle assembles the backend set from configuration. Media-bearing
// tiers need a multimodal backend; the deep synthesis tiers run text-only.
func buildOracle(cfg config) *oracle.Client {
	httpClient := oracle.NewPooledHTTPClient(cfg.oraclePoolSize, 120*time.Second)

	backends := map[string]oracle.Completer{}
	fallback := ""

	if cfg.openaiAPIKey != "" {
		backends["openai"] = oracle.NewOpenAIBackend(cfg.openaiAPIKey, cfg.openaiBaseURL, cfg.visionModel, httpClient)
		backends["agent"] = oracle.NewAgentBackend(newAgentProvider(cfg), cfg.agentModel)
		fallback = "openai"
	}
	if cfg.localURL != "" {
		backends["local"] = oracle.NewLocalBackend(cfg.localURL, cfg.localModel, cfg.oraclePoolSize)
		if fallback == "" {
			fallback = "local"
		}
	}
	if len(backends) == 0 {
		slog.Warn("no oracle backends configured; set OPENAI_API_KEY or LOCAL_ORACLE_URL")
	}

	tiers := map[string]string{
		string(stage.TierLite):     fallback,
		string(stage.TierStandard): fallback,
		string(stage.TierDeep):     fallback,
	}
	if cfg.openaiAPIKey != "" {
		tiers[string(stage.TierStandard)] = "openai"
		tiers[string(stage.TierDeep)] = "agent"
	}
	if cfg.localURL != "" {
		tiers[string(stage.TierLite)] = "local"
	}

	return oracle.NewClient(oracle.Config{
		Backends:  backends,
		Fallback:  fallback,
		Tiers:     tiers,
		MaxTokens: cfg.maxTokens,
	})
}

func newAgentProvider(cfg config) agents.ModelProvider {
	params := agents.OpenAIProviderParams{
		APIKey:       param.NewOpt(cfg.openaiAPIKey),
		UseResponses: param.NewOpt(false),
	}
	if cfg.openaiBaseURL != "" {
		params.BaseURL = param.NewOpt(cfg.openaiBaseURL)
	}
	return agents.NewOpenAIProvider(params)
}

// buildRegion wires the knowledge retriever when a vector store is
// configured. Nil disables the cross-reference stage's external context.
func buildRegion(cfg config) *region.Retriever {
	if cfg.qdrantURL == "" {
		return nil
	}

	httpClient := oracle.NewPooledHTTPClient(cfg.oraclePoolSize, 30*time.Second)
	embedder := region.NewEmbedder(cfg.embeddingURL, cfg.embeddingModel, httpClient)
	vectors := region.NewVectorStore(cfg.qdrantURL, httpClient)

	initCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := vectors.EnsureCollection(initCtx, "region_knowledge", cfg.vectorSize); err != nil {
		slog.Warn("qdrant region_knowledge collection", "error", err)
	}

	slog.Info("region knowledge enabled", "qdrant", cfg.qdrantURL, "embedding_model", cfg.embeddingModel)
	return region.NewRetriever(region.Config{
		Embedder:       embedder,
		Store:          vectors,
		Collection:     "region_knowledge",
		TopK:           cfg.regionTopK,
		ScoreThreshold: cfg.regionScoreThreshold,
		RadiusM:        cfg.regionRadiusM,
	})
}

func buildInsightStore(cfg config) (insight.Store, error) {
	if cfg.databaseURL == "" {
		slog.Warn("no database configured, insight runs are in-memory only")
		return insight.NewMemStore(), nil
	}
	store, err := insight.Open(cfg.databaseURL)
	if err != nil {
		return nil, err
	}
	slog.Info("insight store connected")
	return store, nil
}

func buildSender(cfg config) notify.Sender {
	if cfg.telegramToken == "" {
		return notify.LogSender{}
	}
	sender, err := notify.NewTelegramSender(cfg.telegramToken, cfg.telegramChats)
	if err != nil {
		slog.Warn("telegram sender unavailable, falling back to log delivery", "error", err)
		return notify.LogSender{}
	}
	return sender
}
