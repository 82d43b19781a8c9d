// Package logger configures the global zerolog logger for the reader:
// stdout (JSON or console), a rotated file and optional Axiom forwarding.
package logger

import (
    "context"
    "encoding/json"
    "fmt"
    "io"
    "os"
    "path/filepath"
    "sync"
    "time"

    "github.com/axiomhq/axiom-go/axiom"
    "github.com/axiomhq/axiom-go/axiom/ingest"
    "github.com/rs/zerolog"
    "github.com/rs/zerolog/log"
    lumberjack "gopkg.in/natefinch/lumberjack.v2"
)

// Options defines logger initialization parameters.
type Options struct {
    Level      string
    Pretty     bool
    File       string // empty disables the file sink
    MaxSizeMB  int
    MaxBackups int
    MaxAgeDays int
    Compress   bool
    Service    string // tags forwarded events, "pagereader" when empty

    SendToAxiom  bool
    AxiomAPIKey  string
    AxiomOrgID   string
    AxiomDataset string
    AxiomFlush   time.Duration
}

const (
    axiomBuffer    = 1000
    axiomBatchSize = 200
)

var ax *axiomClient

// Init replaces the global logger. Axiom failures are reported on stderr and
// do not fail Init.
func Init(opts Options) error {
    writers := []io.Writer{os.Stdout}
    if opts.Pretty {
        writers[0] = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
    }

    if opts.File != "" {
        if err := os.MkdirAll(filepath.Dir(opts.File), 0o755); err != nil {
            return fmt.Errorf("create logs dir: %w", err)
        }
        writers = append(writers, &lumberjack.Logger{
            Filename:   opts.File,
            MaxSize:    opts.MaxSizeMB,
            MaxBackups: opts.MaxBackups,
            MaxAge:     opts.MaxAgeDays,
            Compress:   opts.Compress,
        })
    }

    if opts.SendToAxiom && opts.AxiomAPIKey != "" {
        client, err := newAxiomClient(opts)
        if err != nil {
            fmt.Fprintf(os.Stderr, "Axiom disabled: %v\n", err)
        } else {
            ax = client
            service := opts.Service
            if service == "" { service = "pagereader" }
            writers = append(writers, &axiomWriter{client: client, service: service})
        }
    }

    lvl, err := zerolog.ParseLevel(opts.Level)
    if err != nil || opts.Level == "" {
        lvl = zerolog.InfoLevel
    }
    zerolog.TimeFieldFormat = time.RFC3339
    log.Logger = zerolog.New(io.MultiWriter(writers...)).Level(lvl).With().Timestamp().Logger()
    return nil
}

// Close flushes pending Axiom events.
func Close() {
    if ax != nil {
        ax.Close()
        ax = nil
    }
}

// Component returns a child of the global logger tagged with a component name.
func Component(name string) zerolog.Logger {
    return log.Logger.With().Str("component", name).Logger()
}

// axiomWriter forwards info and above; debug lines stay local.
type axiomWriter struct {
    client  *axiomClient
    service string
}

func (w *axiomWriter) Write(p []byte) (int, error) {
    var ev map[string]any
    if err := json.Unmarshal(p, &ev); err != nil {
        ev = map[string]any{"message": string(p), "level": "info"}
    }
    if lvl, _ := ev["level"].(string); lvl == "debug" || lvl == "trace" {
        return len(p), nil
    }
    ev["service"] = w.service
    if _, ok := ev[ingest.TimestampField]; !ok {
        ev[ingest.TimestampField] = time.Now()
    }
    w.client.Send(axiom.Event(ev))
    return len(p), nil
}

// axiomClient batches events and ingests them on size or interval.
type axiomClient struct {
    client  *axiom.Client
    dataset string
    ch      chan axiom.Event
    stop    chan struct{}
    wg      sync.WaitGroup
}

func newAxiomClient(opts Options) (*axiomClient, error) {
    dataset := opts.AxiomDataset
    if dataset == "" { dataset = "dev_pagereader" }
    copts := []axiom.Option{axiom.SetToken(opts.AxiomAPIKey)}
    if opts.AxiomOrgID != "" { copts = append(copts, axiom.SetOrganizationID(opts.AxiomOrgID)) }
    c, err := axiom.NewClient(copts...)
    if err != nil { return nil, err }

    flush := opts.AxiomFlush
    if flush <= 0 { flush = 10 * time.Second }
    a := &axiomClient{client: c, dataset: dataset, ch: make(chan axiom.Event, axiomBuffer), stop: make(chan struct{})}
    a.wg.Add(1)
    go a.loop(flush)
    return a, nil
}

// Send never blocks the logging call; events beyond the buffer are dropped.
func (a *axiomClient) Send(ev axiom.Event) {
    select {
    case a.ch <- ev:
    default:
    }
}

func (a *axiomClient) loop(every time.Duration) {
    defer a.wg.Done()
    ticker := time.NewTicker(every)
    defer ticker.Stop()
    batch := make([]axiom.Event, 0, axiomBatchSize)
    flush := func() {
        if len(batch) == 0 { return }
        ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
        if _, err := a.client.IngestEvents(ctx, a.dataset, batch); err != nil {
            fmt.Fprintf(os.Stderr, "axiom ingest failed: %v\n", err)
        }
        cancel()
        batch = batch[:0]
    }
    for {
        select {
        case <-a.stop:
            for {
                select {
                case ev := <-a.ch:
                    batch = append(batch, ev)
                default:
                    flush()
                    return
                }
            }
        case <-ticker.C:
            flush()
        case ev := <-a.ch:
            batch = append(batch, ev)
            if len(batch) >= axiomBatchSize { flush() }
        }
    }
}

func (a *axiomClient) Close() {
    close(a.stop)
    a.wg.Wait()
}
