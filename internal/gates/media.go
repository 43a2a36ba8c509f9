package gates

import (
	"bytes"
	"context"
	"fmt"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/disintegration/imaging"

	"content-governance/internal/errcodes"
	"content-governance/internal/models"
)

// MediaInfo describes one downloaded media asset.
type MediaInfo struct {
	URL         string `json:"url"`
	Width       int    `json:"width"`
	Height      int    `json:"height"`
	Bytes       int    `json:"bytes"`
	ContentType string `json:"content_type,omitempty"`
}

// MediaInspector fetches and measures a media asset.
type MediaInspector interface {
	Inspect(ctx context.Context, url string) (MediaInfo, error)
}

// HTTPMediaInspector downloads images over HTTP and decodes them.
type HTTPMediaInspector struct {
	httpClient *http.Client
	maxBytes   int64
}

// NewHTTPMediaInspector builds an inspector. Zero values select a 30s timeout and a 25MB cap.
func NewHTTPMediaInspector(timeout time.Duration, maxBytes int64) *HTTPMediaInspector {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	if maxBytes == 0 {
		maxBytes = 25 * 1024 * 1024
	}
	return &HTTPMediaInspector{
		httpClient: &http.Client{Timeout: timeout},
		maxBytes:   maxBytes,
	}
}

func (h *HTTPMediaInspector) Inspect(ctx context.Context, url string) (MediaInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return MediaInfo{}, fmt.Errorf("build request: %w", err)
	}
	resp, err := h.httpClient.Do(req)
	if err != nil {
		return MediaInfo{}, fmt.Errorf("download media: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return MediaInfo{}, fmt.Errorf("download media: status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, h.maxBytes+1))
	if err != nil {
		return MediaInfo{}, fmt.Errorf("read media: %w", err)
	}
	if int64(len(body)) > h.maxBytes {
		return MediaInfo{}, fmt.Errorf("media too large (>%d bytes)", h.maxBytes)
	}

	img, err := imaging.Decode(bytes.NewReader(body))
	if err != nil {
		return MediaInfo{}, fmt.Errorf("decode media: %w", err)
	}
	bounds := img.Bounds()
	return MediaInfo{
		URL:         url,
		Width:       bounds.Dx(),
		Height:      bounds.Dy(),
		Bytes:       len(body),
		ContentType: resp.Header.Get("Content-Type"),
	}, nil
}

// MediaGate inspects every referenced image and enforces a minimum width.
type MediaGate struct {
	Inspector MediaInspector
	MinWidth  int
}

func (MediaGate) Name() string { return NameMedia }

func (g MediaGate) Evaluate(ctx context.Context, page models.ContentPage) models.GateCheckResult {
	urls := mediaURLs(page)
	if len(urls) == 0 {
		return Pass("no media referenced")
	}
	var (
		problems  []string
		inspected []MediaInfo
	)
	for _, u := range urls {
		info, err := g.Inspector.Inspect(ctx, u)
		if err != nil {
			problems = append(problems, fmt.Sprintf("%s: %v", u, err))
			continue
		}
		inspected = append(inspected, info)
		if info.Width < g.MinWidth {
			problems = append(problems, fmt.Sprintf("%s: width %dpx below %dpx", u, info.Width, g.MinWidth))
		}
	}
	if len(problems) > 0 {
		res := Fail(errcodes.GateMedia, strings.Join(problems, "; "))
		return withDetail(res, "media", inspected)
	}
	return withDetail(Pass(fmt.Sprintf("%d media assets valid", len(inspected))), "media", inspected)
}

// mediaURLs merges explicit media urls with absolute img sources in the body, first occurrence wins.
func mediaURLs(page models.ContentPage) []string {
	seen := make(map[string]bool)
	var out []string
	add := func(u string) {
		u = strings.TrimSpace(u)
		if u == "" || seen[u] {
			return
		}
		seen[u] = true
		out = append(out, u)
	}
	for _, u := range page.MediaURLs {
		add(u)
	}
	if page.BodyHTML != "" {
		if doc, err := parseHTML(page.BodyHTML); err == nil {
			doc.Find("img[src]").Each(func(_ int, s *goquery.Selection) {
				src, _ := s.Attr("src")
				if strings.HasPrefix(src, "http://") || strings.HasPrefix(src, "https://") {
					add(src)
				}
			})
		}
	}
	return out
}
