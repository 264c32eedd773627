package main

import (
	"context"
	"fmt"
	"image"
	"io/fs"
	"path"
	"runtime"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc/pool"
)

var sourceExtensions = []string{".jpg", ".jpeg", ".png", ".gif", ".bmp", ".webp"}

type ImageInfo struct {
	Width  int    `json:"width"`
	Height int    `json:"height"`
	Format string `json:"format"`
}

type FileInfo struct {
	Name       string    `json:"name"`
	SizeBytes  int64     `json:"size_bytes"`
	ModifiedAt time.Time `json:"modified_at"`
	URL        string    `json:"url"`
	Image      ImageInfo `json:"image"`
}

type Directory struct {
	Name  string     `json:"name"`
	Files []FileInfo `json:"files"`
}

func isSourceImage(name string) bool {
	ext := strings.ToLower(path.Ext(name))
	for _, e := range sourceExtensions {
		if ext == e {
			return true
		}
	}
	return false
}

// walkImages lists candidate source images under root. Dimensions are
// read from image headers only; files whose header cannot be read are
// listed without them.
func walkImages(ctx context.Context, root fs.FS, name string) (Directory, error) {
	var files []FileInfo

	if err := fs.WalkDir(root, ".", func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !isSourceImage(p) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return fmt.Errorf("failed to get file info: %w", err)
		}
		files = append(files, FileInfo{
			Name:       p,
			SizeBytes:  info.Size(),
			ModifiedAt: info.ModTime(),
		})
		return nil
	}); err != nil {
		return Directory{}, err
	}

	probes := pool.New().WithMaxGoroutines(runtime.NumCPU())
	for i := range files {
		probes.Go(func() {
			info, err := readImageInfo(root, files[i].Name)
			if err != nil {
				log.Ctx(ctx).Error().Err(err).Str("filename", files[i].Name).Msg("cannot read image dimensions")
				return
			}
			files[i].Image = info
		})
	}
	probes.Wait()

	return Directory{Name: name, Files: files}, nil
}

func readImageInfo(root fs.FS, name string) (ImageInfo, error) {
	f, err := root.Open(name)
	if err != nil {
		return ImageInfo{}, fmt.Errorf("failed to open file: %w", err)
	}
	defer f.Close()

	cfg, format, err := image.DecodeConfig(f)
	if err != nil {
		return ImageInfo{}, fmt.Errorf("failed to decode image header: %w", err)
	}
	return ImageInfo{Width: cfg.Width, Height: cfg.Height, Format: format}, nil
}
