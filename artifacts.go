package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"
)

// ArtifactWriter stores delivered artifacts as files in Dir.
type ArtifactWriter struct {
	Dir string
}

// Write stores the artifact under its file name, adding a numeric suffix
// instead of overwriting an existing file. It returns the path written.
func (w ArtifactWriter) Write(ctx context.Context, artifact CropArtifact) (string, error) {
	if err := os.MkdirAll(w.Dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create output directory %s: %w", w.Dir, err)
	}

	base, ext := splitArtifactName(artifact.File.Name)
	for i := 0; i < 1000; i++ {
		name := base + ext
		if i > 0 {
			name = fmt.Sprintf("%s-%d%s", base, i, ext)
		}
		path := filepath.Join(w.Dir, name)

		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
		if errors.Is(err, fs.ErrExist) {
			continue
		}
		if err != nil {
			return "", fmt.Errorf("failed to create artifact file %s: %w", name, err)
		}
		if _, err := f.Write(artifact.File.Data); err != nil {
			f.Close()
			return "", fmt.Errorf("failed to write artifact file %s: %w", name, err)
		}
		if err := f.Close(); err != nil {
			return "", fmt.Errorf("failed to close artifact file %s: %w", name, err)
		}

		log.Ctx(ctx).Info().Str("path", path).Int("bytes", artifact.File.Size()).Msg("artifact saved")
		return path, nil
	}
	return "", fmt.Errorf("no free file name for %s in %s", artifact.File.Name, w.Dir)
}

// splitArtifactName reduces a caller-supplied name to a safe base name
// with a .png extension.
func splitArtifactName(name string) (base, ext string) {
	name = sanitizeFilename(filepath.Base(filepath.ToSlash(name)))
	base = strings.TrimSuffix(name, filepath.Ext(name))
	if base == "" || base == "." {
		base = strings.TrimSuffix(DefaultFileName, ".png")
	}
	return base, ".png"
}

func sanitizeFilename(filename string) string {
	invalid := []string{"/", "\\", ":", "*", "?", "\"", "<", ">", "|"}
	result := filename
	for _, char := range invalid {
		result = strings.ReplaceAll(result, char, "_")
	}
	return strings.Trim(result, " .")
}
