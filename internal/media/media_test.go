package media

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/gif"
	"image/jpeg"
	"image/png"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
)

func solidImage(w, h int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: 200, G: 30, B: 40, A: 255})
		}
	}
	return img
}

func encodePNG(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("png encode: %v", err)
	}
	return buf.Bytes()
}

func TestNormalize_SmallPNGUnchanged(t *testing.T) {
	data := encodePNG(t, solidImage(10, 10))
	out, err := Normalize(&Media{Data: data, ContentType: "image/png"})
	if err != nil {
		t.Fatalf("Normalize failed: %v", err)
	}
	if out.ContentType != "image/png" || !bytes.Equal(out.Data, data) {
		t.Errorf("small png should pass through unchanged")
	}
}

func TestNormalize_DownscalesLargeImage(t *testing.T) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, solidImage(3000, 1500), nil); err != nil {
		t.Fatalf("jpeg encode: %v", err)
	}
	out, err := Normalize(&Media{Data: buf.Bytes(), ContentType: "image/jpeg"})
	if err != nil {
		t.Fatalf("Normalize failed: %v", err)
	}
	cfg, format, err := image.DecodeConfig(bytes.NewReader(out.Data))
	if err != nil {
		t.Fatalf("decode output: %v", err)
	}
	if format != "jpeg" || cfg.Width != MaxDimension || cfg.Height != 784 {
		t.Errorf("expected %dx784 jpeg, got %dx%d %s", MaxDimension, cfg.Width, cfg.Height, format)
	}
}

func TestNormalize_ConvertsGIFToJPEG(t *testing.T) {
	var buf bytes.Buffer
	if err := gif.Encode(&buf, solidImage(20, 20), nil); err != nil {
		t.Fatalf("gif encode: %v", err)
	}
	out, err := Normalize(&Media{Data: buf.Bytes(), ContentType: "image/gif"})
	if err != nil {
		t.Fatalf("Normalize failed: %v", err)
	}
	if out.ContentType != "image/jpeg" {
		t.Errorf("expected image/jpeg, got %s", out.ContentType)
	}
}

func TestNormalize_RejectsNonImage(t *testing.T) {
	tests := []struct {
		name string
		m    *Media
	}{
		{"nil", nil},
		{"empty", &Media{ContentType: "image/png"}},
		{"audio", &Media{Data: []byte("OggS"), ContentType: "audio/ogg"}},
		{"garbage", &Media{Data: []byte("not an image"), ContentType: "image/heic"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Normalize(tt.m); !errors.Is(err, ErrUnsupportedMedia) {
				t.Errorf("expected ErrUnsupportedMedia, got %v", err)
			}
		})
	}
}

func TestFetcher_ResolveWithBasicAuth(t *testing.T) {
	data := encodePNG(t, solidImage(4, 4))
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != "AC123" || pass != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "image/png")
		w.Write(data)
	}))
	defer srv.Close()

	f := NewFetcher(WithBasicAuth("AC123", "secret"), WithRetryCount(0))
	url, err := f.Resolve(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if !strings.HasPrefix(url, "data:image/png;base64,") {
		t.Errorf("unexpected data url prefix: %.40s", url)
	}

	anon := NewFetcher(WithRetryCount(0))
	if _, err := anon.Fetch(context.Background(), srv.URL); err == nil {
		t.Error("expected error without credentials")
	}
}

func TestFetcher_SizeLimit(t *testing.T) {
	const limit = 1024
	tests := []struct {
		name          string
		size          int
		contentLength bool
		wantErr       error
	}{
		{"at limit", limit, true, nil},
		{"declared too large", limit + 1, true, ErrMediaTooLarge},
		{"streamed too large", 4 * limit, false, ErrMediaTooLarge},
		{"streamed under limit", limit / 2, false, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				written := 0
				w.Header().Set("Content-Type", "image/png")
				if tt.contentLength {
					w.Header().Set("Content-Length", strconv.Itoa(tt.size))
				}
				chunk := bytes.Repeat([]byte{'x'}, 256)
				for written < tt.size {
					n := len(chunk)
					if rest := tt.size - written; rest < n {
						n = rest
					}
					if _, err := w.Write(chunk[:n]); err != nil {
						return
					}
					written += n
					if f, ok := w.(http.Flusher); ok && !tt.contentLength {
						f.Flush()
					}
				}
			}))
			defer srv.Close()

			m, err := NewFetcher(WithRetryCount(0), WithMaxBytes(limit)).Fetch(context.Background(), srv.URL)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("expected %v, got %v", tt.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Fetch failed: %v", err)
			}
			if len(m.Data) != tt.size || m.ContentType != "image/png" {
				t.Errorf("unexpected media: %d bytes, %s", len(m.Data), m.ContentType)
			}
		})
	}
}
