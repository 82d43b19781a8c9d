package ocr

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/local/pagereader/internal/limiter"
	mpkg "github.com/local/pagereader/internal/metrics"
	"github.com/rs/zerolog/log"
)

const (
	VisionName            = "google_vision"
	defaultVisionEndpoint = "https://vision.googleapis.com/v1/images:annotate"
)

// VisionConfig configures the Google Cloud Vision client.
type VisionConfig struct {
	APIKey     string
	Endpoint   string        // optional, tests
	Timeout    time.Duration // per request
	HTTPClient *http.Client
	Limiter    *limiter.Adaptive
}

// VisionClient recognizes page images with DOCUMENT_TEXT_DETECTION.
type VisionClient struct {
	http     *http.Client
	apiKey   string
	endpoint string
	timeout  time.Duration
	limiter  *limiter.Adaptive
}

func NewVisionClient(cfg VisionConfig) *VisionClient {
	if cfg.Endpoint == "" {
		cfg.Endpoint = defaultVisionEndpoint
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{}
	}
	if cfg.Limiter == nil {
		cfg.Limiter = limiter.New(limiter.Options{})
	}
	return &VisionClient{
		http:     cfg.HTTPClient,
		apiKey:   strings.TrimSpace(cfg.APIKey),
		endpoint: cfg.Endpoint,
		timeout:  cfg.Timeout,
		limiter:  cfg.Limiter,
	}
}

func (c *VisionClient) Name() string { return VisionName }

type visionReq struct {
	Requests []visionImageReq `json:"requests"`
}

type visionImageReq struct {
	Image struct {
		Content string `json:"content"`
	} `json:"image"`
	Features     []visionFeature `json:"features"`
	ImageContext struct {
		LanguageHints []string `json:"languageHints,omitempty"`
	} `json:"imageContext"`
}

type visionFeature struct {
	Type       string `json:"type"`
	MaxResults int    `json:"maxResults"`
}

type visionStatus struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status"`
}

type visionResp struct {
	Responses []struct {
		FullTextAnnotation *struct {
			Text  string `json:"text"`
			Pages []struct {
				Blocks []struct {
					Paragraphs []struct {
						BoundingBox struct {
							Vertices []struct {
								X float64 `json:"x"`
								Y float64 `json:"y"`
							} `json:"vertices"`
						} `json:"boundingBox"`
						Words []struct {
							Symbols []struct {
								Text string `json:"text"`
							} `json:"symbols"`
						} `json:"words"`
					} `json:"paragraphs"`
				} `json:"blocks"`
			} `json:"pages"`
		} `json:"fullTextAnnotation"`
		TextAnnotations []struct {
			Description string `json:"description"`
		} `json:"textAnnotations"`
		Error *visionStatus `json:"error"`
	} `json:"responses"`
}

type visionErrResp struct {
	Error visionStatus `json:"error"`
}

// Recognize sends the page image and converts paragraphs to polygons.
func (c *VisionClient) Recognize(ctx context.Context, req Request) (*Annotation, error) {
	if c.apiKey == "" {
		return nil, &ProviderError{Provider: VisionName, Kind: KindInvalidCredentials, Message: "missing Vision API key"}
	}
	if err := c.limiter.Open(VisionName); err != nil {
		return nil, fmt.Errorf("circuit open: %w", err)
	}
	release, err := c.limiter.Acquire(ctx, VisionName)
	if err != nil {
		return nil, err
	}
	defer release()

	cctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	ann, err := c.do(cctx, req)
	dur := time.Since(start)

	result := "success"
	if err != nil {
		result = string(KindOf(err))
	}
	mpkg.ObserveProvider(VisionName, result, dur)

	if err != nil {
		var pe *ProviderError
		if errors.As(err, &pe) && pe.Fatal() {
			c.limiter.Trip(VisionName, err)
		}
		log.Warn().
			Int("page", req.Page).
			Str("provider", VisionName).
			Str("result", result).
			Dur("duration", dur).
			Err(err).
			Msg("recognition call failed")
		return nil, err
	}
	c.limiter.Reset(VisionName)
	log.Debug().
		Int("page", req.Page).
		Str("provider", VisionName).
		Int("paragraphs", len(ann.Paragraphs)).
		Dur("duration", dur).
		Msg("recognition call success")
	return ann, nil
}

func (c *VisionClient) do(ctx context.Context, req Request) (*Annotation, error) {
	ir := visionImageReq{}
	ir.Image.Content = base64.StdEncoding.EncodeToString(req.Image)
	ir.Features = []visionFeature{{Type: "DOCUMENT_TEXT_DETECTION", MaxResults: 1}}
	ir.ImageContext.LanguageHints = req.LanguageHints
	body, err := json.Marshal(visionReq{Requests: []visionImageReq{ir}})
	if err != nil {
		return nil, fmt.Errorf("encode vision request: %w", err)
	}

	u := c.endpoint + "?key=" + url.QueryEscape(c.apiKey)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build vision request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		var er visionErrResp
		msg := http.StatusText(resp.StatusCode)
		if json.Unmarshal(raw, &er) == nil && er.Error.Message != "" {
			msg = er.Error.Message
		}
		return nil, &ProviderError{Provider: VisionName, Kind: Classify(resp.StatusCode, msg), Code: resp.StatusCode, Message: msg}
	}

	var r visionResp
	if err := json.NewDecoder(resp.Body).Decode(&r); err != nil {
		return nil, fmt.Errorf("decode vision response: %w", err)
	}
	if len(r.Responses) == 0 {
		return &Annotation{}, nil
	}
	first := r.Responses[0]
	if first.Error != nil && (first.Error.Code != 0 || first.Error.Message != "") {
		code := httpFromRPC(first.Error.Code)
		return nil, &ProviderError{Provider: VisionName, Kind: Classify(code, first.Error.Message), Code: code, Message: first.Error.Message}
	}

	ann := &Annotation{}
	if first.FullTextAnnotation == nil {
		if len(first.TextAnnotations) > 0 {
			ann.FullText = first.TextAnnotations[0].Description
		}
		return ann, nil
	}
	ann.FullText = first.FullTextAnnotation.Text
	for _, pg := range first.FullTextAnnotation.Pages {
		for _, bl := range pg.Blocks {
			for _, para := range bl.Paragraphs {
				var sb strings.Builder
				for _, w := range para.Words {
					for _, s := range w.Symbols {
						sb.WriteString(s.Text)
					}
				}
				text := strings.TrimSpace(sb.String())
				if text == "" {
					continue
				}
				p := Paragraph{Text: text}
				for _, v := range para.BoundingBox.Vertices {
					p.Vertices = append(p.Vertices, Vertex{X: v.X, Y: v.Y})
				}
				ann.Paragraphs = append(ann.Paragraphs, p)
			}
		}
	}
	return ann, nil
}

// httpFromRPC maps google.rpc.Code values carried in per-image errors.
func httpFromRPC(code int) int {
	switch code {
	case 3: // INVALID_ARGUMENT
		return http.StatusBadRequest
	case 7: // PERMISSION_DENIED
		return http.StatusForbidden
	case 8: // RESOURCE_EXHAUSTED
		return http.StatusTooManyRequests
	case 14: // UNAVAILABLE
		return http.StatusServiceUnavailable
	case 16: // UNAUTHENTICATED
		return http.StatusUnauthorized
	}
	return 0
}
