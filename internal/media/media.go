// Package media downloads inbound message media and normalizes images into a
// format and size every model provider accepts.
package media

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	"io"
	"image/jpeg"
	"image/png"
	"log/slog"
	"mime"
	"strings"
	"time"

	_ "image/gif"

	"github.com/go-resty/resty/v2"
	"golang.org/x/image/draw"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

const (
	// MaxDimension is the longest edge kept after normalization.
	MaxDimension = 1568
	// MaxDownloadBytes caps a single media download.
	MaxDownloadBytes = 10 << 20
	// DefaultTimeout bounds one download including retries.
	DefaultTimeout = 20 * time.Second

	jpegQuality = 85
)

var (
	// ErrUnsupportedMedia is returned for content that is not a decodable image.
	ErrUnsupportedMedia = errors.New("unsupported media type")
	// ErrMediaTooLarge is returned when a download exceeds MaxDownloadBytes.
	ErrMediaTooLarge = errors.New("media exceeds size limit")
)

// Media is a downloaded or normalized payload.
type Media struct {
	Data        []byte
	ContentType string
}

// DataURL renders the payload as a base64 data URL.
func (m *Media) DataURL() string {
	return "data:" + m.ContentType + ";base64," + base64.StdEncoding.EncodeToString(m.Data)
}

// Fetcher downloads provider media URLs. Twilio media requires the account's basic auth.
type Fetcher struct {
	client   *resty.Client
	maxBytes int64
}

// FetcherOpts configures a Fetcher.
type FetcherOpts struct {
	Username   string
	Password   string
	Timeout    time.Duration
	RetryCount int
	MaxBytes   int64
}

// FetcherOption defines a configuration option for the Fetcher.
type FetcherOption func(*FetcherOpts)

// WithBasicAuth sets the credentials sent with every download.
func WithBasicAuth(username, password string) FetcherOption {
	return func(o *FetcherOpts) {
		o.Username = username
		o.Password = password
	}
}

// WithTimeout overrides DefaultTimeout.
func WithTimeout(d time.Duration) FetcherOption {
	return func(o *FetcherOpts) { o.Timeout = d }
}

// WithRetryCount sets how many times a failed download is retried.
func WithRetryCount(n int) FetcherOption {
	return func(o *FetcherOpts) { o.RetryCount = n }
}

// WithMaxBytes overrides MaxDownloadBytes.
func WithMaxBytes(n int64) FetcherOption {
	return func(o *FetcherOpts) { o.MaxBytes = n }
}

// NewFetcher creates a Fetcher.
func NewFetcher(opts ...FetcherOption) *Fetcher {
	cfg := FetcherOpts{Timeout: DefaultTimeout, RetryCount: 2, MaxBytes: MaxDownloadBytes}
	for _, opt := range opts {
		opt(&cfg)
	}
	client := resty.New().
		SetTimeout(cfg.Timeout).
		SetRetryCount(cfg.RetryCount).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(3 * time.Second)
	if cfg.Username != "" {
		client.SetBasicAuth(cfg.Username, cfg.Password)
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = MaxDownloadBytes
	}
	return &Fetcher{client: client, maxBytes: cfg.MaxBytes}
}

// Fetch downloads url and returns its bytes and content type. The body is streamed and
// reading stops one byte past the size limit.
func (f *Fetcher) Fetch(ctx context.Context, url string) (*Media, error) {
	start := time.Now()
	resp, err := f.client.R().SetContext(ctx).SetDoNotParseResponse(true).Get(url)
	if err != nil {
		return nil, fmt.Errorf("media download failed: %w", err)
	}
	raw := resp.RawBody()
	if raw == nil {
		return nil, fmt.Errorf("media download failed: empty response")
	}
	defer raw.Close()
	if resp.IsError() {
		return nil, fmt.Errorf("media download failed: status %d", resp.StatusCode())
	}
	if resp.RawResponse != nil && resp.RawResponse.ContentLength > f.maxBytes {
		return nil, ErrMediaTooLarge
	}
	body, err := io.ReadAll(io.LimitReader(raw, f.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("media download failed: %w", err)
	}
	if int64(len(body)) > f.maxBytes {
		slog.Warn("Fetcher.Fetch: media exceeds size limit", "url", url, "limit", f.maxBytes)
		return nil, ErrMediaTooLarge
	}
	ct := resp.Header().Get("Content-Type")
	if mt, _, err := mime.ParseMediaType(ct); err == nil {
		ct = mt
	}
	slog.Debug("Fetcher.Fetch: downloaded media", "url", url, "contentType", ct, "bytes", len(body), "duration", time.Since(start))
	return &Media{Data: body, ContentType: ct}, nil
}

// Resolve downloads and normalizes url into a data URL ready for a model image block.
func (f *Fetcher) Resolve(ctx context.Context, url string) (string, error) {
	m, err := f.Fetch(ctx, url)
	if err != nil {
		return "", err
	}
	n, err := Normalize(m)
	if err != nil {
		return "", err
	}
	return n.DataURL(), nil
}

// Normalize converts m into JPEG or PNG with the longest edge at most MaxDimension.
// JPEG and PNG inputs already within bounds are returned unchanged.
func Normalize(m *Media) (*Media, error) {
	if m == nil || len(m.Data) == 0 {
		return nil, ErrUnsupportedMedia
	}
	ct := strings.ToLower(m.ContentType)
	if ct != "" && !strings.HasPrefix(ct, "image/") && ct != "application/octet-stream" {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedMedia, m.ContentType)
	}

	cfg, format, err := image.DecodeConfig(bytes.NewReader(m.Data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedMedia, err)
	}
	fits := cfg.Width <= MaxDimension && cfg.Height <= MaxDimension
	if fits && (format == "jpeg" || format == "png") {
		return &Media{Data: m.Data, ContentType: "image/" + format}, nil
	}

	img, _, err := image.Decode(bytes.NewReader(m.Data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedMedia, err)
	}
	if !fits {
		img = downscale(img, MaxDimension)
	}

	var buf bytes.Buffer
	if format == "png" {
		if err := png.Encode(&buf, img); err != nil {
			return nil, fmt.Errorf("png encode failed: %w", err)
		}
		return &Media{Data: buf.Bytes(), ContentType: "image/png"}, nil
	}
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: jpegQuality}); err != nil {
		return nil, fmt.Errorf("jpeg encode failed: %w", err)
	}
	slog.Debug("media.Normalize: re-encoded image", "from", format, "width", cfg.Width, "height", cfg.Height, "bytes", buf.Len())
	return &Media{Data: buf.Bytes(), ContentType: "image/jpeg"}, nil
}

// downscale fits img inside a max x max box, preserving the aspect ratio.
func downscale(img image.Image, max int) image.Image {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if w <= max && h <= max {
		return img
	}
	nw, nh := max, max
	if w >= h {
		nh = h * max / w
	} else {
		nw = w * max / h
	}
	if nw < 1 {
		nw = 1
	}
	if nh < 1 {
		nh = 1
	}
	dst := image.NewRGBA(image.Rect(0, 0, nw, nh))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, b, draw.Src, nil)
	return dst
}
