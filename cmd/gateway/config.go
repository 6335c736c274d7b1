package main

import (
	"strconv"
	"strings"
	"time"

	"github.com/ecotrails/insight-gateway/internal/env"
)

type config struct {
	port                  string
	databaseURL           string
	openaiAPIKey          string
	openaiBaseURL         string
	visionModel           string
	agentModel            string
	localURL              string
	localModel            string
	oraclePoolSize        int
	maxTokens             int
	maxConcurrentSessions int
	maxOracleCalls        int
	visualCycle           time.Duration
	acousticCycle         time.Duration
	gateWindow            time.Duration
	telemetryEvery        int
	qdrantURL             string
	embeddingURL          string
	embeddingModel        string
	vectorSize            int
	regionTopK            int
	regionScoreThreshold  float64
	regionRadiusM         float64
	telegramToken         string
	telegramChats         map[string]int64
	alertSweep            time.Duration
	staleAfter            time.Duration
	sessionEntryTTL       time.Duration
	insightRunTTL         time.Duration
	janitorSchedule       string
}

func loadConfig() config {
	return config{
		port:                  env.Str("GATEWAY_PORT", "8080"),
		databaseURL:           env.Str("DATABASE_URL", ""),
		openaiAPIKey:          env.Str("OPENAI_API_KEY", ""),
		openaiBaseURL:         env.Str("OPENAI_BASE_URL", ""),
		visionModel:           env.Str("VISION_MODEL", "gpt-4o-mini"),
		agentModel:            env.Str("AGENT_MODEL", "gpt-4o-mini"),
		localURL:              env.Str("LOCAL_ORACLE_URL", ""),
		localModel:            env.Str("LOCAL_ORACLE_MODEL", "llama3.2:3b"),
		oraclePoolSize:        env.Int("ORACLE_POOL_SIZE", 20),
		maxTokens:             env.Int("ORACLE_MAX_TOKENS", 1024),
		maxConcurrentSessions: env.Int("MAX_CONCURRENT_SESSIONS", 100),
		maxOracleCalls:        env.Int("MAX_ORACLE_CALLS", 8),
		visualCycle:           env.Duration("VISUAL_GATE_CYCLE", 5*time.Second),
		acousticCycle:         env.Duration("ACOUSTIC_GATE_CYCLE", 10*time.Second),
		gateWindow:            env.Duration("GATE_WINDOW", 100*time.Millisecond),
		telemetryEvery:        env.Int("TELEMETRY_ANALYZE_EVERY", 10),
		qdrantURL:             env.Str("QDRANT_URL", ""),
		embeddingURL:          env.Str("EMBEDDING_URL", "http://localhost:11434"),
		embeddingModel:        env.Str("EMBEDDING_MODEL", "nomic-embed-text"),
		vectorSize:            env.Int("VECTOR_SIZE", 768),
		regionTopK:            env.Int("REGION_TOP_K", 4),
		regionScoreThreshold:  env.Float("REGION_SCORE_THRESHOLD", 0.6),
		regionRadiusM:         env.Float("REGION_RADIUS_M", 25000),
		telegramToken:         env.Str("TELEGRAM_BOT_TOKEN", ""),
		telegramChats:         parseChatMap(env.Str("TELEGRAM_CHATS", "")),
		alertSweep:            env.Duration("ALERT_SWEEP_INTERVAL", 5*time.Second),
		staleAfter:            env.Duration("SESSION_STALE_AFTER", 2*time.Minute),
		sessionEntryTTL:       env.Duration("SESSION_ENTRY_TTL", time.Hour),
		insightRunTTL:         env.Duration("INSIGHT_RUN_TTL", 30*24*time.Hour),
		janitorSchedule:       env.Str("JANITOR_SCHEDULE", "*/30 * * * * *"),
	}
}

// parseChatMap reads "user-1:4242,user-2:9001" into a user → chat ID map.
func parseChatMap(raw string) map[string]int64 {
	if raw == "" {
		return nil
	}
	chats := make(map[string]int64)
	for _, pair := range strings.Split(raw, ",") {
		user, id, ok := strings.Cut(strings.TrimSpace(pair), ":")
		if !ok {
			continue
		}
		chatID, err := strconv.ParseInt(id, 10, 64)
		if err != nil {
			continue
		}
		chats[user] = chatID
	}
	return chats
}
