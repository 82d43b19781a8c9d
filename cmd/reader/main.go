package main

import (
    "context"
    "errors"
    "fmt"
    "net/http"
    "net/url"
    "os"
    "os/signal"
    "path"
    "path/filepath"
    "strings"
    "syscall"
    "time"

    "github.com/joho/godotenv"
    "github.com/redis/go-redis/v9"
    "github.com/rs/zerolog/log"

    "github.com/local/pagereader/internal/api"
    cfgpkg "github.com/local/pagereader/internal/config"
    "github.com/local/pagereader/internal/limiter"
    logpkg "github.com/local/pagereader/internal/logger"
    "github.com/local/pagereader/internal/metrics"
    "github.com/local/pagereader/internal/narration"
    "github.com/local/pagereader/internal/ocr"
    "github.com/local/pagereader/internal/pdfdoc"
    "github.com/local/pagereader/internal/playback"
    "github.com/local/pagereader/internal/session"
    "github.com/local/pagereader/internal/statuscheck"
    "github.com/local/pagereader/internal/store"
)

func main() {
    // .env is optional
    _ = godotenv.Load()
    cfg := cfgpkg.FromEnv()

    // Init logging
    _ = logpkg.Init(logpkg.Options{
        Level: cfg.Logging.Level,
        Pretty: cfg.Logging.Pretty,
        File: cfg.Logging.File,
        MaxSizeMB: cfg.Logging.MaxSizeMB,
        MaxBackups: cfg.Logging.MaxBackups,
        MaxAgeDays: cfg.Logging.MaxAgeDays,
        Compress: cfg.Logging.Compress,
        Service: "pagereader",
        SendToAxiom: cfg.Axiom.Send && cfg.Axiom.APIKey != "",
        AxiomAPIKey: cfg.Axiom.APIKey,
        AxiomOrgID: cfg.Axiom.OrgID,
        AxiomDataset: cfg.Axiom.Dataset,
        AxiomFlush: cfg.Axiom.FlushInterval,
    })
    defer logpkg.Close()

    metrics.Init()
    if n := pdfdoc.CleanupTemps(cfg.Session.TempMaxAge); n > 0 {
        log.Info().Int("removed", n).Msg("removed stale document temps")
    }

    // Persistence (optional)
    var stores session.Stores
    var pinger statuscheck.RedisPinger
    if cfg.Store.RedisURL != "" {
        ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
        rc, err := store.Connect(ctx, cfg.Store.RedisURL)
        cancel()
        if err != nil {
            log.Fatal().Err(err).Msg("failed to connect to redis")
        }
        defer rc.Close()
        stores = newStores(rc)
        pinger = statuscheck.PingFunc(func(ctx context.Context) error { return rc.Ping(ctx).Err() })
    } else {
        log.Warn().Msg("REDIS_URL not set, page text and reading position are not persisted")
    }

    // Recognition for scanned documents
    var recognizer ocr.Recognizer
    if cfg.Vision.APIKey != "" {
        recognizer = ocr.NewVisionClient(ocr.VisionConfig{
            APIKey:   cfg.Vision.APIKey,
            Endpoint: cfg.Vision.Endpoint,
            Timeout:  cfg.Vision.Timeout,
            Limiter: limiter.New(limiter.Options{
                MaxInflight: cfg.Limiter.MaxInflight,
                BaseBackoff: cfg.Limiter.BaseBackoff,
                MaxBackoff:  cfg.Limiter.MaxBackoff,
            }),
        })
    } else {
        log.Warn().Msg("GOOGLE_VISION_API_KEY not set, scanned documents will read as blank")
    }

    mgr := session.NewManager(newFactory(cfg, recognizer, stores))
    defer func() { _ = mgr.Close() }()

    if cfg.Session.Document != "" {
        ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
        if _, err := mgr.Load(ctx, cfg.Session.Document); err != nil {
            log.Error().Err(err).Str("ref", cfg.Session.Document).Msg("failed to load startup document")
        }
        cancel()
    }

    checker := statuscheck.New(statuscheck.Options{
        Redis:         pinger,
        OpenAIKey:     cfg.Narration.APIKey,
        OpenAIBaseURL: cfg.Narration.BaseURL,
        VisionKey:     cfg.Vision.APIKey,
    })
    srvAPI := api.New(api.Dependencies{Sessions: mgr, PageWait: cfg.HTTP.PageWait, Checker: checker})
    mux := http.NewServeMux()
    srvAPI.RegisterRoutes(mux)

    port := cfg.HTTP.Port
    srv := &http.Server{Addr: ":"+port, Handler: mux}
    httpLog := logpkg.Component("http")

    go func(){
        httpLog.Info().Msgf("HTTP server listening on :%s", port)
        if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
            httpLog.Fatal().Err(err).Msg("http server error")
        }
    }()

    // Graceful shutdown
    stop := make(chan os.Signal, 1)
    signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
    <-stop
    ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
    defer cancel()
    _ = srv.Shutdown(ctx)
    fmt.Println("shutdown complete")
}

func newStores(rc *redis.Client) session.Stores {
    return session.Stores{
        Pages:    store.NewPageStore(rc),
        Progress: store.NewProgressStore(rc),
        Status:   store.NewStatusStore(rc),
    }
}

// newFactory opens a document reference into a session with its own speech
// engine.
func newFactory(cfg cfgpkg.Config, rec ocr.Recognizer, stores session.Stores) session.Factory {
    return func(ctx context.Context, ref string) (*session.Session, error) {
        p, cleanup, err := pdfdoc.Fetch(ctx, ref, pdfdoc.S3Options{
            Region:    cfg.S3.Region,
            AccessKey: cfg.S3.AccessKey,
            SecretKey: cfg.S3.SecretKey,
        })
        if err != nil { return nil, fmt.Errorf("fetch %s: %w", ref, err) }
        doc, err := pdfdoc.Open(p, pdfdoc.RenderOptions{JPEGQuality: cfg.Render.JPEGQuality, Gray: cfg.Render.Gray})
        if err != nil {
            cleanup()
            return nil, fmt.Errorf("open %s: %w", ref, err)
        }

        title := cfg.Session.Title
        if title == "" || ref != cfg.Session.Document { title = titleFromRef(ref) }

        engine := narration.NewSpeechEngine(narration.SpeechConfig{
            APIKey:     cfg.Narration.APIKey,
            BaseURL:    cfg.Narration.BaseURL,
            Model:      cfg.Narration.Model,
            Voice:      cfg.Narration.Voice,
            Format:     cfg.Narration.Format,
            Timeout:    cfg.Narration.Timeout,
            MaxRetries: cfg.Narration.MaxRetries,
            Sink:       narration.FileSink{Dir: filepath.Join(cfg.Narration.OutputDir, session.DocID(title)), Prefix: "page-"},
        })

        popts := playback.DefaultOptions(doc.PageCount())
        popts.Rate = cfg.Narration.Rate
        popts.Voice = cfg.Narration.Voice
        popts.Language = cfg.Narration.Language
        popts.Style = narration.StyleByName(cfg.Narration.Style)
        popts.SkipDelay = cfg.Narration.SkipDelay
        popts.AdvanceDelay = cfg.Narration.AdvanceDelay
        popts.RestartDelay = cfg.Narration.RestartDelay

        sess, err := session.Open(ctx, &tempDocument{Document: doc, cleanup: cleanup}, session.Options{
            Title:          title,
            Scale:          cfg.Render.Scale,
            LanguageHints:  cfg.Vision.LanguageHints,
            ExtractTimeout: cfg.Session.ExtractTimeout,
            PrefetchWindow: cfg.Session.PrefetchWindow,
            Playback:       popts,
            Recognizer:     rec,
            Engine:         engine,
            Stores:         stores,
            Viewer:         logViewer{},
        })
        if err != nil {
            _ = engine.Close()
            _ = doc.Close()
            cleanup()
            return nil, err
        }
        return sess, nil
    }
}

// tempDocument removes a downloaded copy once the document is closed.
type tempDocument struct {
    *pdfdoc.Document
    cleanup func()
}

func (d *tempDocument) Close() error {
    err := d.Document.Close()
    d.cleanup()
    return err
}

// logViewer is the display surface of the headless server.
type logViewer struct{}

func (logViewer) ShowPage(sessionID string, page int) {
    log.Info().Str("session_id", sessionID).Int("page", page).Msg("display page")
}

func (logViewer) ShowText(sessionID string, page int, text string) {
    log.Debug().Str("session_id", sessionID).Int("page", page).Int("chars", len([]rune(text))).Msg("display text")
}

// titleFromRef uses the file name without extension.
func titleFromRef(ref string) string {
    name := ref
    if u, err := url.Parse(ref); err == nil && u.Scheme != "" {
        name = path.Base(u.Path)
    } else {
        name = filepath.Base(ref)
    }
    if i := strings.Index(name, "#"); i >= 0 { name = name[:i] }
    name = strings.TrimSuffix(name, filepath.Ext(name))
    if name == "" || name == "." || name == "/" { return "untitled" }
    return name
}
