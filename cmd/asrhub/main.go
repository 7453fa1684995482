// Command asrhub is the main entry point for the ASRHub speech coordination
// server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"

	"github.com/JonesHong/ASRHub-sub000/internal/adapter"
	"github.com/JonesHong/ASRHub-sub000/internal/audioqueue"
	"github.com/JonesHong/ASRHub-sub000/internal/config"
	"github.com/JonesHong/ASRHub-sub000/internal/enginepool"
	"github.com/JonesHong/ASRHub-sub000/internal/health"
	"github.com/JonesHong/ASRHub-sub000/internal/hub"
	"github.com/JonesHong/ASRHub-sub000/internal/observe"
	"github.com/JonesHong/ASRHub-sub000/internal/session"
	"github.com/JonesHong/ASRHub-sub000/internal/transcript"
	"github.com/JonesHong/ASRHub-sub000/pkg/provider/asr"
	"github.com/JonesHong/ASRHub-sub000/pkg/provider/asr/funasr"
	asrmock "github.com/JonesHong/ASRHub-sub000/pkg/provider/asr/mock"
	oaiasr "github.com/JonesHong/ASRHub-sub000/pkg/provider/asr/openai"
	"github.com/JonesHong/ASRHub-sub000/pkg/provider/asr/whispercpp"
	"github.com/JonesHong/ASRHub-sub000/pkg/provider/vad"
	vadenergy "github.com/JonesHong/ASRHub-sub000/pkg/provider/vad/energy"
	vadmock "github.com/JonesHong/ASRHub-sub000/pkg/provider/vad/mock"
	"github.com/JonesHong/ASRHub-sub000/pkg/provider/wake"
	wakeenergy "github.com/JonesHong/ASRHub-sub000/pkg/provider/wake/energy"
	wakemock "github.com/JonesHong/ASRHub-sub000/pkg/provider/wake/mock"
	"github.com/JonesHong/ASRHub-sub000/pkg/provider/wake/phonetic"
)

// version is stamped by the release build; "dev" otherwise.
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "asrhub: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "asrhub: %v\n", err)
		}
		return 1
	}

	// Logger level lives in a LevelVar so the config watcher can retune it
	// without rebuilding the handler.
	level := new(slog.LevelVar)
	level.Set(slogLevel(cfg.Server.LogLevel))
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	slog.Info("asrhub starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
		"engines", len(cfg.Engines),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Observability ─────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "asrhub",
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(shutdownCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	metrics, err := observe.NewMetrics(otel.GetMeterProvider())
	if err != nil {
		slog.Error("failed to build metrics", "err", err)
		return 1
	}

	// ── Provider registry ─────────────────────────────────────────────────────
	reg := config.NewRegistry()
	closeModels := registerBuiltinProviders(reg)
	defer closeModels()

	// ── Engine pools ──────────────────────────────────────────────────────────
	pools := enginepool.NewRegistry()
	var poolList []*enginepool.Pool
	for _, entry := range cfg.Engines {
		pool, err := enginepool.New(enginepool.Config{
			Provider: entry.Provider,
			Factory: func(context.Context) (asr.Engine, error) {
				return reg.CreateASR(entry)
			},
			Size:           entry.PoolSize,
			MinSize:        entry.MinSize,
			SessionQuota:   entry.SessionQuota,
			AcquireTimeout: entry.AcquireTimeout(),
			HealthInterval: entry.HealthIntervalDuration(),
			Logger:         logger,
			Metrics:        metrics,
		})
		if err != nil {
			slog.Error("failed to build engine pool", "provider", entry.Provider, "err", err)
			return 1
		}
		if err := pools.Register(pool); err != nil {
			slog.Error("failed to register engine pool", "provider", entry.Provider, "err", err)
			return 1
		}
		poolList = append(poolList, pool)
	}
	defer pools.Close()

	if err := pools.Fill(ctx); err != nil {
		slog.Error("failed to fill engine pools", "err", err)
		return 1
	}

	// ── Transcript store ──────────────────────────────────────────────────────
	guard, err := buildStore(ctx, cfg.Store)
	if err != nil {
		slog.Error("failed to open transcript store", "backend", cfg.Store.Backend, "err", err)
		return 1
	}
	if guard != nil {
		defer guard.Close()
	}

	// ── Sessions ──────────────────────────────────────────────────────────────
	sessions := session.NewRegistry(session.Config{
		Queues: audioqueue.NewManager(audioqueue.ManagerConfig{
			MaxDuration: cfg.Queue.MaxDuration(),
			MaxBytes:    cfg.Queue.MaxBytes,
			Logger:      logger,
			Metrics:     metrics,
		}),
		DefaultStrategy: cfg.Session.Strategy(),
		SilenceWindow:   cfg.Session.SilenceWindow(),
		IdleTimeout:     cfg.Session.IdleTimeoutDuration(),
		SweepInterval:   cfg.Session.SweepIntervalDuration(),
		Logger:          logger,
		Metrics:         metrics,
	})
	defer sessions.Close()

	// ── Detectors ─────────────────────────────────────────────────────────────
	wakeDet, err := reg.CreateWake(cfg.Wake)
	if err != nil {
		slog.Error("failed to build wake detector", "backend", cfg.Wake.Backend, "err", err)
		return 1
	}
	vadEng, err := reg.CreateVAD(cfg.VAD)
	if err != nil {
		slog.Error("failed to build vad engine", "backend", cfg.VAD.Backend, "err", err)
		return 1
	}

	var phrases wake.PhraseMatcher
	if len(cfg.Wake.Phrases) > 0 {
		phrases, err = phonetic.New(cfg.Wake.Phrases)
		if err != nil {
			slog.Error("failed to build wake phrase matcher", "err", err)
			return 1
		}
	}

	// ── Hub ───────────────────────────────────────────────────────────────────
	hubCfg := hub.Config{
		Sessions:      sessions,
		Pools:         pools,
		Wake:          wakeDet,
		VAD:           vadEng,
		Phrases:       phrases,
		Audio:         cfg.Audio.Format(),
		Chain:         recognitionChain(cfg.Engines),
		WakePhrases:   cfg.Wake.Phrases,
		WakeThreshold: cfg.Wake.Threshold,
		VADSpeech:     cfg.VAD.SpeechThreshold,
		VADSilence:    cfg.VAD.SilenceThreshold,
		VADHangoverMs: cfg.VAD.HangoverMs,
		WakeFrame:     cfg.Wake.Frame(),
		VADFrame:      cfg.VAD.Frame(),
		StreamFrame:   cfg.Session.StreamFrame(),
		PreRoll:       cfg.Session.PreRoll(),
		TailPad:       cfg.Session.TailPad(),
		Logger:        logger,
		Metrics:       metrics,
	}
	if guard != nil {
		hubCfg.Store = guard
	}
	if len(cfg.Engines) > 0 {
		hubCfg.AcquireTimeout = cfg.Engines[0].AcquireTimeout()
		hubCfg.Language = cfg.Engines[0].Language
		hubCfg.Hotwords = cfg.Engines[0].Hotwords
	}
	hb, err := hub.New(hubCfg)
	if err != nil {
		slog.Error("failed to build hub", "err", err)
		return 1
	}
	defer hb.Close()

	// ── Health + HTTP server ──────────────────────────────────────────────────
	checkers := []health.Checker{
		health.Engines(pools),
		health.Recognition(hb.BreakerStates),
	}
	if guard != nil {
		checkers = append(checkers, health.Transcripts(guard))
	}

	srvCfg := adapter.Config{
		Addr:    cfg.Server.ListenAddr,
		Hub:     hb,
		Health:  health.New(checkers...),
		Metrics: metrics,
		Logger:  logger,
	}
	if tls := cfg.Server.TLS; tls != nil {
		srvCfg.CertFile = tls.CertFile
		srvCfg.KeyFile = tls.KeyFile
	}
	server, err := adapter.New(srvCfg)
	if err != nil {
		slog.Error("failed to build http server", "err", err)
		return 1
	}

	// ── Config hot-reload ─────────────────────────────────────────────────────
	watcher, err := config.NewWatcher(*configPath, func(prev, next *config.Config) {
		d := config.Diff(prev, next)
		if d.Empty() {
			return
		}
		if d.LogLevelChanged {
			level.Set(slogLevel(d.NewLogLevel))
			slog.Info("log level updated", "log_level", d.NewLogLevel)
		}
		if d.WakeChanged || d.VADChanged {
			hb.ApplyTuning(hub.Tuning{
				WakePhrases:   next.Wake.Phrases,
				WakeThreshold: next.Wake.Threshold,
				VADSpeech:     next.VAD.SpeechThreshold,
				VADSilence:    next.VAD.SilenceThreshold,
				VADHangoverMs: next.VAD.HangoverMs,
			})
		}
		if d.SilenceWindowChanged {
			hb.SetSilenceWindow(d.NewSilenceWindow)
		}
	})
	if err != nil {
		slog.Warn("config watcher disabled", "err", err)
	} else {
		defer watcher.Stop()
	}

	slog.Info("server ready — press Ctrl+C to shut down")

	// ── Serve ─────────────────────────────────────────────────────────────────
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return server.Run(gctx) })
	g.Go(func() error {
		sessions.Run(gctx)
		return nil
	})
	for _, pool := range poolList {
		g.Go(func() error { return pool.Run(gctx) })
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}
	slog.Info("shutdown complete")
	return 0
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltinProviders wires the bundled recognition engines and
// detectors into reg. The returned closer releases whisper.cpp models shared
// across pool instances; call it after the pools are closed.
func registerBuiltinProviders(reg *config.Registry) (closeModels func()) {
	// whisper.cpp weights load once per path and are shared by every pooled
	// engine, so pool replacement never reloads a multi-gigabyte file.
	var (
		modelMu sync.Mutex
		models  = make(map[string]*whispercpp.Model)
	)
	reg.RegisterASR(asr.TypeWhisperCPP, func(entry config.EngineConfig) (asr.Engine, error) {
		modelMu.Lock()
		defer modelMu.Unlock()
		model, ok := models[entry.ModelPath]
		if !ok {
			var err error
			model, err = whispercpp.LoadModel(entry.ModelPath)
			if err != nil {
				return nil, err
			}
			models[entry.ModelPath] = model
		}
		var opts []whispercpp.Option
		if entry.Language != "" {
			opts = append(opts, whispercpp.WithLanguage(entry.Language))
		}
		return whispercpp.New(model, opts...)
	})

	reg.RegisterASR(asr.TypeFunASR, func(entry config.EngineConfig) (asr.Engine, error) {
		var opts []funasr.Option
		if mode := optString(entry.Options, "mode"); mode != "" {
			opts = append(opts, funasr.WithMode(mode))
		}
		if len(entry.Hotwords) > 0 {
			opts = append(opts, funasr.WithHotwords(entry.Hotwords))
		}
		return funasr.New(entry.Endpoint, opts...)
	})

	reg.RegisterASR(asr.TypeOpenAI, func(entry config.EngineConfig) (asr.Engine, error) {
		var opts []oaiasr.Option
		if entry.BaseURL != "" {
			opts = append(opts, oaiasr.WithBaseURL(entry.BaseURL))
		}
		if entry.Language != "" {
			opts = append(opts, oaiasr.WithLanguage(entry.Language))
		}
		return oaiasr.New(entry.APIKey, entry.Model, opts...)
	})

	reg.RegisterASR(asr.TypeMock, func(entry config.EngineConfig) (asr.Engine, error) {
		return &asrmock.Engine{
			TranscribeResult: asr.Result{Text: "mock transcript", Confidence: 1},
		}, nil
	})

	reg.RegisterWake("energy", func(config.WakeConfig) (wake.Detector, error) {
		return wakeenergy.New(), nil
	})
	reg.RegisterWake("mock", func(config.WakeConfig) (wake.Detector, error) {
		return &wakemock.Detector{}, nil
	})

	reg.RegisterVAD("energy", func(config.VADConfig) (vad.Engine, error) {
		return vadenergy.New(), nil
	})
	reg.RegisterVAD("mock", func(config.VADConfig) (vad.Engine, error) {
		return &vadmock.Engine{}, nil
	})

	return func() {
		modelMu.Lock()
		defer modelMu.Unlock()
		for path, model := range models {
			if err := model.Close(); err != nil {
				slog.Warn("whisper model close error", "model_path", path, "err", err)
			}
		}
		clear(models)
	}
}

// recognitionChain orders provider types primary-first: the first configured
// engine leads, its explicit fallback links follow, and any remaining engines
// close out the chain as last resorts.
func recognitionChain(engines []config.EngineConfig) []asr.Type {
	if len(engines) == 0 {
		return nil
	}
	byProvider := make(map[asr.Type]config.EngineConfig, len(engines))
	for _, e := range engines {
		byProvider[e.Provider] = e
	}

	var chain []asr.Type
	seen := make(map[asr.Type]bool, len(engines))
	add := func(t asr.Type) {
		if _, ok := byProvider[t]; ok && !seen[t] {
			seen[t] = true
			chain = append(chain, t)
		}
	}
	for t := engines[0].Provider; t != "" && !seen[t]; t = byProvider[t].Fallback {
		if _, ok := byProvider[t]; !ok {
			break
		}
		add(t)
	}
	for _, e := range engines {
		add(e.Provider)
	}
	return chain
}

// buildStore opens the configured transcript backend wrapped in the
// persistence guard. Returns nil when persistence is disabled.
func buildStore(ctx context.Context, cfg config.StoreConfig) (*transcript.Guard, error) {
	switch cfg.Backend {
	case "":
		return nil, nil
	case config.StoreMemory:
		return transcript.NewGuard(transcript.NewMemStore()), nil
	case config.StorePostgres:
		store, err := transcript.Connect(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, err
		}
		return transcript.NewGuard(store), nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}
}

// ── Logger ────────────────────────────────────────────────────────────────────

func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ── Helpers ───────────────────────────────────────────────────────────────────

// optString extracts a string value from an engine Options map[string]any.
// Returns "" if the map is nil, the key is absent, or the value is not a string.
func optString(opts map[string]any, key string) string {
	if opts == nil {
		return ""
	}
	v, ok := opts[key]
	if !ok {
		return ""
	}
	s, ok := v.(string)
	if !ok {
		return ""
	}
	return s
}
