// Package api exposes the reader over HTTP.
package api

import (
    "context"
    "encoding/json"
    "errors"
    "fmt"
    "net/http"
    "strconv"
    "strings"
    "time"

    "github.com/rs/zerolog/log"

    "github.com/local/pagereader/internal/metrics"
    "github.com/local/pagereader/internal/pagecache"
    "github.com/local/pagereader/internal/pdfdoc"
    "github.com/local/pagereader/internal/playback"
    "github.com/local/pagereader/internal/session"
    "github.com/local/pagereader/internal/statuscheck"
)

// Sessions loads documents and returns the current session.
type Sessions interface {
    Load(ctx context.Context, ref string) (*session.Session, error)
    Current() (*session.Session, error)
    Close() error
}

type Dependencies struct {
    Sessions Sessions
    // PageWait bounds how long GET /pages waits for an extraction.
    PageWait time.Duration
    // Checker backs /ready; nil reports ready.
    Checker *statuscheck.Checker
}

type Server struct {
    deps Dependencies
}

func New(deps Dependencies) *Server {
    if deps.PageWait <= 0 { deps.PageWait = 2 * time.Minute }
    return &Server{deps: deps}
}

func (s *Server) RegisterRoutes(mux *http.ServeMux) {
    mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request){ w.WriteHeader(http.StatusOK); _,_ = w.Write([]byte("ok")) })
    mux.HandleFunc("/ready", s.handleReady)
    mux.Handle("/metrics", metrics.Handler())
    mux.HandleFunc("/documents", s.handleDocuments)
    mux.HandleFunc("/status", s.handleStatus)
    mux.HandleFunc("/book", s.handleBook)
    mux.HandleFunc("/pages/", s.handlePage)
    mux.HandleFunc("/playback/", s.handlePlayback)
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
    if s.deps.Checker == nil { writeJSON(w, http.StatusOK, map[string]any{"ready": true}); return }
    sum := s.deps.Checker.Summary(r.Context())
    code := http.StatusOK
    if !sum.Ready { code = http.StatusServiceUnavailable }
    writeJSON(w, code, sum)
}

type loadReq struct {
    Ref string `json:"ref"`
}

func (s *Server) handleDocuments(w http.ResponseWriter, r *http.Request) {
    switch r.Method {
    case http.MethodPost:
        ref := r.URL.Query().Get("ref")
        if ref == "" && r.Body != nil {
            defer r.Body.Close()
            var req loadReq
            if err := json.NewDecoder(r.Body).Decode(&req); err == nil { ref = req.Ref }
        }
        ref = strings.TrimSpace(ref)
        if ref == "" { http.Error(w, "missing ref", http.StatusBadRequest); return }
        sess, err := s.deps.Sessions.Load(r.Context(), ref)
        if err != nil {
            log.Error().Err(err).Str("ref", ref).Msg("document load failed")
            writeError(w, err)
            return
        }
        writeJSON(w, http.StatusCreated, sess.Info())
    case http.MethodDelete:
        if err := s.deps.Sessions.Close(); err != nil { writeError(w, err); return }
        w.WriteHeader(http.StatusNoContent)
    default:
        w.WriteHeader(http.StatusMethodNotAllowed)
    }
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
    if r.Method != http.MethodGet { w.WriteHeader(http.StatusMethodNotAllowed); return }
    sess, err := s.deps.Sessions.Current()
    if err != nil { writeError(w, err); return }
    out := map[string]any{"session": sess.Info()}
    if r.URL.Query().Get("pages") == "1" { out["pages"] = sess.PageStates() }
    writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleBook(w http.ResponseWriter, r *http.Request) {
    if r.Method != http.MethodGet { w.WriteHeader(http.StatusMethodNotAllowed); return }
    sess, err := s.deps.Sessions.Current()
    if err != nil { writeError(w, err); return }
    book := sess.Export()
    w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", sess.DocID()+".json"))
    writeJSON(w, http.StatusOK, book)
}

// handlePage serves /pages/{n} (text) and /pages/{n}/image (JPEG).
func (s *Server) handlePage(w http.ResponseWriter, r *http.Request) {
    if r.Method != http.MethodGet { w.WriteHeader(http.StatusMethodNotAllowed); return }
    rest := strings.TrimPrefix(r.URL.Path, "/pages/")
    raw, sub, _ := strings.Cut(rest, "/")
    page, err := strconv.Atoi(raw)
    if err != nil { http.Error(w, "invalid page", http.StatusBadRequest); return }
    sess, err := s.deps.Sessions.Current()
    if err != nil { writeError(w, err); return }

    ctx, cancel := context.WithTimeout(r.Context(), s.deps.PageWait)
    defer cancel()
    switch sub {
    case "":
        text, err := sess.PageText(ctx, page)
        if err != nil { writeError(w, err); return }
        writeJSON(w, http.StatusOK, map[string]any{"page": page, "text": text, "chars": len([]rune(text))})
    case "image":
        img, err := sess.PageImage(ctx, page)
        if err != nil { writeError(w, err); return }
        w.Header().Set("Content-Type", img.MIME)
        w.Header().Set("Content-Length", strconv.Itoa(len(img.Data)))
        _, _ = w.Write(img.Data)
    default:
        http.NotFound(w, r)
    }
}

func (s *Server) handlePlayback(w http.ResponseWriter, r *http.Request) {
    if r.Method != http.MethodPost { w.WriteHeader(http.StatusMethodNotAllowed); return }
    action := strings.TrimPrefix(r.URL.Path, "/playback/")
    sess, err := s.deps.Sessions.Current()
    if err != nil { writeError(w, err); return }
    m := sess.Playback()
    ctx := r.Context()
    q := r.URL.Query()

    switch action {
    case "play":
        err = m.Play(ctx)
    case "pause":
        err = m.Pause(ctx)
    case "resume":
        err = m.Resume(ctx)
    case "stop":
        err = m.Stop(ctx)
    case "toggle":
        err = m.Toggle(ctx)
    case "next":
        err = m.Next(ctx)
    case "prev":
        err = m.Prev(ctx)
    case "seek":
        page, perr := strconv.Atoi(q.Get("page"))
        if perr != nil { http.Error(w, "invalid page", http.StatusBadRequest); return }
        err = m.Seek(ctx, page)
    case "rate":
        rate, perr := strconv.ParseFloat(q.Get("value"), 64)
        if perr != nil { http.Error(w, "invalid rate", http.StatusBadRequest); return }
        err = m.SetRate(ctx, rate)
    case "voice":
        err = m.SetVoice(ctx, q.Get("name"))
    default:
        http.NotFound(w, r)
        return
    }
    if err != nil { writeError(w, err); return }
    writeJSON(w, http.StatusOK, m.Snapshot())
}

func writeJSON(w http.ResponseWriter, code int, v any) {
    w.Header().Set("Content-Type", "application/json")
    w.WriteHeader(code)
    if err := json.NewEncoder(w).Encode(v); err != nil {
        log.Error().Err(err).Int("status", code).Msg("failed to encode response")
    }
}

func writeError(w http.ResponseWriter, err error) {
    code := http.StatusInternalServerError
    switch {
    case errors.Is(err, session.ErrNoSession):
        code = http.StatusConflict
    case errors.Is(err, pagecache.ErrPageOutOfRange):
        code = http.StatusNotFound
    case errors.Is(err, playback.ErrInvalidPage), errors.Is(err, playback.ErrInvalidRate):
        code = http.StatusBadRequest
    case errors.Is(err, pdfdoc.ErrNotPDF):
        code = http.StatusUnsupportedMediaType
    case errors.Is(err, playback.ErrNotRunning), errors.Is(err, session.ErrClosed):
        code = http.StatusServiceUnavailable
    case errors.Is(err, context.DeadlineExceeded):
        code = http.StatusGatewayTimeout
    }
    writeJSON(w, code, map[string]any{"error": err.Error()})
}
