package statuscheck

import (
    "context"
    "errors"
    "fmt"
    "net/http"
    "strings"
    "time"
)

// RedisPinger models the minimal Redis capability we need for status checks.
type RedisPinger interface {
    Ping(ctx context.Context) error
}

// PingFunc adapts a function to RedisPinger.
type PingFunc func(ctx context.Context) error

func (f PingFunc) Ping(ctx context.Context) error { return f(ctx) }

// Checker aggregates readiness checks for the services the reader calls.
type Checker struct {
    redis         RedisPinger
    httpClient    *http.Client
    openAIKey     string
    openAIBaseURL string
    visionKey     string
}

// Options configures the Checker. A nil Redis means persistence is disabled.
type Options struct {
    Redis         RedisPinger
    HTTPClient    *http.Client
    OpenAIKey     string
    OpenAIBaseURL string // defaults to https://api.openai.com/v1
    VisionKey     string
}

// Status represents the readiness of a subsystem.
type Status struct {
    OK      bool   `json:"ok"`
    Message string `json:"message"`
}

// Summary bundles all subsystem statuses.
type Summary struct {
    Ready  bool   `json:"ready"`
    Redis  Status `json:"redis"`
    Speech Status `json:"speech"`
    Vision Status `json:"vision"`
}

// New creates a new Checker with the provided options.
func New(opts Options) *Checker {
    client := opts.HTTPClient
    if client == nil {
        client = &http.Client{Timeout: 5 * time.Second}
    }
    base := strings.TrimRight(strings.TrimSpace(opts.OpenAIBaseURL), "/")
    if base == "" { base = "https://api.openai.com/v1" }
    return &Checker{
        redis:         opts.Redis,
        httpClient:    client,
        openAIKey:     strings.TrimSpace(opts.OpenAIKey),
        openAIBaseURL: base,
        visionKey:     strings.TrimSpace(opts.VisionKey),
    }
}

// Summary returns the current status snapshot. The reader is ready when
// speech is reachable and persistence, if configured, answers.
func (c *Checker) Summary(ctx context.Context) Summary {
    s := Summary{
        Redis:  c.checkRedis(ctx),
        Speech: c.checkOpenAI(ctx),
        Vision: c.checkVision(),
    }
    s.Ready = s.Redis.OK && s.Speech.OK
    return s
}

func (c *Checker) checkRedis(ctx context.Context) Status {
    if c.redis == nil {
        return Status{OK: true, Message: "Disabled"}
    }
    ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
    defer cancel()
    if err := c.redis.Ping(ctx); err != nil {
        return Status{OK: false, Message: trimError(err)}
    }
    return Status{OK: true, Message: "Connected"}
}

func (c *Checker) checkOpenAI(ctx context.Context) Status {
    if c.openAIKey == "" {
        return Status{OK: false, Message: "API key missing"}
    }
    req, _ := http.NewRequestWithContext(ctx, http.MethodGet, c.openAIBaseURL+"/models?limit=1", nil)
    req.Header.Set("Authorization", "Bearer "+c.openAIKey)
    resp, err := c.httpClient.Do(req)
    if err != nil {
        return Status{OK: false, Message: trimError(err)}
    }
    defer resp.Body.Close()
    if resp.StatusCode >= 400 {
        return Status{OK: false, Message: fmt.Sprintf("HTTP %d", resp.StatusCode)}
    }
    return Status{OK: true, Message: "Available"}
}

// Vision is only needed for scanned documents, so a missing key is reported
// without affecting readiness.
func (c *Checker) checkVision() Status {
    if c.visionKey == "" {
        return Status{OK: false, Message: "API key missing, scanned pages read blank"}
    }
    return Status{OK: true, Message: "Configured"}
}

func trimError(err error) string {
    if err == nil {
        return ""
    }
    var netErr interface{ Timeout() bool }
    if errors.As(err, &netErr) && netErr.Timeout() {
        return "timeout"
    }
    msg := err.Error()
    if len(msg) > 120 {
        return msg[:120]
    }
    return msg
}
