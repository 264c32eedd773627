package main

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	"io"
	"io/fs"
	"net/http"
	"net/url"
	"os"
	"path"
	"strings"
	"time"

	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	"github.com/disintegration/imaging"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/webp"
)

const (
	DefaultMaxSourceBytes = 32 << 20
	DefaultFetchTimeout   = 30 * time.Second
)

// SourceLoader turns an image source string into a decoded image. A source
// is an http(s) URL, a base64 data URL, or a slash-separated path inside
// Root.
type SourceLoader struct {
	Root     fs.FS
	Client   *http.Client
	MaxBytes int64
}

func NewSourceLoader(rootDir string, maxBytes int64, timeout time.Duration) *SourceLoader {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxSourceBytes
	}
	if timeout <= 0 {
		timeout = DefaultFetchTimeout
	}
	var root fs.FS
	if rootDir != "" {
		root = os.DirFS(rootDir)
	}
	return &SourceLoader{
		Root:     root,
		Client:   &http.Client{Timeout: timeout},
		MaxBytes: maxBytes,
	}
}

// Load fetches and decodes src. Every failure is an *ImageDecodeError.
func (l *SourceLoader) Load(ctx context.Context, src string) (image.Image, error) {
	data, err := l.read(ctx, src)
	if err != nil {
		return nil, &ImageDecodeError{Source: shortSource(src), Err: err}
	}
	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, &ImageDecodeError{Source: shortSource(src), Err: err}
	}
	if b := img.Bounds(); b.Dx() <= 0 || b.Dy() <= 0 {
		return nil, &ImageDecodeError{Source: shortSource(src), Err: errors.New("image has no pixels")}
	}
	return img, nil
}

func (l *SourceLoader) read(ctx context.Context, src string) ([]byte, error) {
	if src == "" {
		return nil, errors.New("empty source")
	}
	if strings.HasPrefix(src, "data:") {
		return l.readDataURL(src)
	}
	if isFileSource(src) {
		return l.readFile(src)
	}
	u, err := url.Parse(src)
	if err != nil {
		return nil, fmt.Errorf("invalid source: %w", err)
	}
	switch u.Scheme {
	case "http", "https":
		return l.fetch(ctx, u)
	default:
		return nil, fmt.Errorf("unsupported source scheme %q", u.Scheme)
	}
}

// isFileSource reports whether src names a path rather than a URL.
func isFileSource(src string) bool {
	return !strings.HasPrefix(src, "data:") && !strings.Contains(src, "://")
}

func (l *SourceLoader) fetch(ctx context.Context, u *url.URL) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", "avatarcrop/1.0")

	client := l.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to download image: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("failed to download image: HTTP %s", resp.Status)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "image/") {
		return nil, fmt.Errorf("URL does not point to an image (Content-Type: %s)", ct)
	}
	return l.readLimited(resp.Body)
}

func (l *SourceLoader) readDataURL(src string) ([]byte, error) {
	meta, payload, ok := strings.Cut(strings.TrimPrefix(src, "data:"), ",")
	if !ok {
		return nil, errors.New("malformed data URL")
	}
	if !strings.HasSuffix(meta, ";base64") {
		return nil, errors.New("data URL is not base64 encoded")
	}
	if l.MaxBytes > 0 && int64(base64.StdEncoding.DecodedLen(len(payload))) > l.MaxBytes {
		return nil, fmt.Errorf("data URL exceeds %d bytes", l.MaxBytes)
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, fmt.Errorf("malformed base64 payload: %w", err)
	}
	return data, nil
}

func (l *SourceLoader) readFile(name string) ([]byte, error) {
	if l.Root == nil {
		return nil, errors.New("file sources are disabled")
	}
	name = path.Clean(strings.TrimPrefix(name, "/"))
	if !fs.ValidPath(name) {
		return nil, fmt.Errorf("invalid path %q", name)
	}
	f, err := l.Root.Open(name)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	defer f.Close()
	return l.readLimited(f)
}

func (l *SourceLoader) readLimited(r io.Reader) ([]byte, error) {
	if l.MaxBytes <= 0 {
		return io.ReadAll(r)
	}
	data, err := io.ReadAll(io.LimitReader(r, l.MaxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read image data: %w", err)
	}
	if int64(len(data)) > l.MaxBytes {
		return nil, fmt.Errorf("image exceeds %d bytes", l.MaxBytes)
	}
	return data, nil
}
