package config

import (
    "os"
    "strconv"
    "strings"
    "time"
)

// LoggingConfig holds logging-related configuration.
type LoggingConfig struct {
    Level        string
    Pretty       bool
    File         string
    MaxSizeMB    int
    MaxBackups   int
    MaxAgeDays   int
    Compress     bool
}

// AxiomConfig holds Axiom logging configuration.
type AxiomConfig struct {
    Send          bool
    APIKey        string
    OrgID         string
    Dataset       string
    FlushInterval time.Duration
}

// VisionConfig configures page recognition for scanned documents.
type VisionConfig struct {
    APIKey        string
    Endpoint      string
    Timeout       time.Duration
    LanguageHints []string
}

// RenderConfig controls page bitmaps sent to recognition.
type RenderConfig struct {
    Scale       float64
    JPEGQuality int
    Gray        bool
}

// SessionConfig defines per-document behavior.
type SessionConfig struct {
    Document       string // loaded at startup when set
    Title          string // overrides the file name
    ExtractTimeout time.Duration
    PrefetchWindow int
    TempMaxAge     time.Duration
}

// NarrationConfig defines the speech engine and playback pacing.
type NarrationConfig struct {
    APIKey       string
    BaseURL      string
    Model        string
    Voice        string
    Format       string
    Language     string
    Rate         float64
    Style        string
    OutputDir    string
    Timeout      time.Duration
    MaxRetries   int
    SkipDelay    time.Duration
    AdvanceDelay time.Duration
    RestartDelay time.Duration
}

// LimiterConfig bounds concurrent provider calls.
type LimiterConfig struct {
    MaxInflight int
    BaseBackoff time.Duration
    MaxBackoff  time.Duration
}

// StoreConfig defines persistence; an empty RedisURL disables it.
type StoreConfig struct {
    RedisURL string
}

// S3Config holds credentials for s3:// document references.
type S3Config struct {
    Region    string
    AccessKey string
    SecretKey string
}

// HTTPConfig defines the control server.
type HTTPConfig struct {
    Port     string
    PageWait time.Duration
}

// Config is the top-level configuration.
type Config struct {
    Logging   LoggingConfig
    Axiom     AxiomConfig
    Vision    VisionConfig
    Render    RenderConfig
    Session   SessionConfig
    Narration NarrationConfig
    Limiter   LimiterConfig
    Store     StoreConfig
    S3        S3Config
    HTTP      HTTPConfig
}

// FromEnv loads configuration from environment with sensible defaults.
func FromEnv() Config {
    cfg := Config{}

    // Logging defaults
    cfg.Logging = LoggingConfig{
        Level:      getEnv("LOG_LEVEL", "info"),
        Pretty:     parseBool(getEnv("LOG_PRETTY", devDefaultPretty())),
        File:       getEnv("LOG_FILE", "logs/pagereader.log"),
        MaxSizeMB:  parseInt(getEnv("LOG_MAX_SIZE_MB", "100"), 100),
        MaxBackups: parseInt(getEnv("LOG_MAX_BACKUPS", "10"), 10),
        MaxAgeDays: parseInt(getEnv("LOG_MAX_AGE_DAYS", "30"), 30),
        Compress:   parseBool(getEnv("LOG_COMPRESS", "true")),
    }

    // Axiom defaults
    baseDataset := getEnv("AXIOM_DATASET", "dev")
    cfg.Axiom = AxiomConfig{
        Send:          parseBool(getEnv("SEND_LOGS_TO_AXIOM", "0")),
        APIKey:        getEnv("AXIOM_API_KEY", ""),
        OrgID:         getEnv("AXIOM_ORG_ID", ""),
        Dataset:       baseDataset + "_pagereader",
        FlushInterval: parseDuration(getEnv("AXIOM_FLUSH_INTERVAL", "10s"), 10*time.Second),
    }

    cfg.Vision = VisionConfig{
        APIKey:        getEnv("GOOGLE_VISION_API_KEY", ""),
        Endpoint:      getEnv("VISION_ENDPOINT", ""),
        Timeout:       parseDuration(getEnv("VISION_TIMEOUT", "60s"), 60*time.Second),
        LanguageHints: parseList(getEnv("LANGUAGE_HINTS", "zh-TW,zh")),
    }

    cfg.Render = RenderConfig{
        Scale:       parseFloat(getEnv("RENDER_SCALE", "2.0"), 2.0),
        JPEGQuality: parseInt(getEnv("RENDER_JPEG_QUALITY", "92"), 92),
        Gray:        parseBool(getEnv("RENDER_GRAY", "false")),
    }

    // EXTRACT_TIMEOUT=0 disables the per-page bound
    cfg.Session = SessionConfig{
        Document:       getEnv("DOCUMENT", ""),
        Title:          getEnv("DOCUMENT_TITLE", ""),
        ExtractTimeout: parseDuration(getEnv("EXTRACT_TIMEOUT", "90s"), 90*time.Second),
        PrefetchWindow: parseInt(getEnv("PREFETCH_WINDOW", "2"), 2),
        TempMaxAge:     parseDuration(getEnv("TEMP_MAX_AGE", "1h"), time.Hour),
    }

    cfg.Narration = NarrationConfig{
        APIKey:       getEnv("OPENAI_API_KEY", ""),
        BaseURL:      getEnv("OPENAI_BASE_URL", ""),
        Model:        getEnv("TTS_MODEL", "gpt-4o-mini-tts"),
        Voice:        getEnv("TTS_VOICE", ""),
        Format:       getEnv("TTS_FORMAT", "mp3"),
        Language:     getEnv("TTS_LANGUAGE", "zh-TW"),
        Rate:         parseFloat(getEnv("TTS_RATE", "1.0"), 1.0),
        Style:        getEnv("TTS_STYLE", "plain"),
        OutputDir:    getEnv("AUDIO_OUTPUT_DIR", "audio"),
        Timeout:      parseDuration(getEnv("TTS_TIMEOUT", "60s"), 60*time.Second),
        MaxRetries:   parseInt(getEnv("TTS_MAX_RETRIES", "2"), 2),
        SkipDelay:    parseDuration(getEnv("SKIP_DELAY", "400ms"), 400*time.Millisecond),
        AdvanceDelay: parseDuration(getEnv("ADVANCE_DELAY", "500ms"), 500*time.Millisecond),
        RestartDelay: parseDuration(getEnv("RESTART_DELAY", "150ms"), 150*time.Millisecond),
    }
    if cfg.Narration.Rate <= 0 { cfg.Narration.Rate = 1.0 }

    cfg.Limiter = LimiterConfig{
        MaxInflight: parseInt(getEnv("MAX_INFLIGHT_PER_PROVIDER", "4"), 4),
        BaseBackoff: parseDuration(getEnv("BREAKER_BASE_BACKOFF", "30s"), 30*time.Second),
        MaxBackoff:  parseDuration(getEnv("BREAKER_MAX_BACKOFF", "5m"), 5*time.Minute),
    }

    cfg.Store = StoreConfig{RedisURL: getEnv("REDIS_URL", "")}

    cfg.S3 = S3Config{
        Region:    getEnv("AWS_REGION", "us-east-1"),
        AccessKey: getEnv("AWS_ACCESS_KEY_ID", ""),
        SecretKey: getEnv("AWS_SECRET_ACCESS_KEY", ""),
    }

    cfg.HTTP = HTTPConfig{
        Port:     getEnv("PORT", "8080"),
        PageWait: parseDuration(getEnv("PAGE_WAIT", "2m"), 2*time.Minute),
    }

    return cfg
}

// Helpers
func getEnv(key, def string) string {
    if v := os.Getenv(key); v != "" {
        return v
    }
    return def
}

func parseInt(s string, def int) int {
    if s == "" { return def }
    if n, err := strconv.Atoi(s); err == nil { return n }
    return def
}

func parseFloat(s string, def float64) float64 {
    if s == "" { return def }
    if f, err := strconv.ParseFloat(s, 64); err == nil { return f }
    return def
}

func parseBool(s string) bool {
    v := strings.ToLower(strings.TrimSpace(s))
    return v == "1" || v == "true" || v == "yes" || v == "on"
}

func parseDuration(s string, def time.Duration) time.Duration {
    if s == "" { return def }
    if d, err := time.ParseDuration(s); err == nil { return d }
    return def
}

func parseList(s string) []string {
    var out []string
    for _, p := range strings.Split(s, ",") {
        if p = strings.TrimSpace(p); p != "" { out = append(out, p) }
    }
    return out
}

func devDefaultPretty() string {
    env := strings.ToLower(os.Getenv("ENVIRONMENT"))
    if env == "dev" || env == "development" || env == "local" { return "true" }
    return "false"
}
