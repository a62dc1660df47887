package providers

import (
	"encoding/base64"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// maxImageBytes is the safety limit for reading image files (10 MB).
const maxImageBytes = 10 * 1024 * 1024

// LoadImage reads a local image file into base64 ImageContent.
func LoadImage(path string) (ImageContent, error) {
	mime := inferImageMime(path)
	if mime == "" {
		return ImageContent{}, fmt.Errorf("%s is not a supported image type", path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return ImageContent{}, fmt.Errorf("read image %s: %w", path, err)
	}
	if len(data) > maxImageBytes {
		return ImageContent{}, fmt.Errorf("image %s exceeds %d bytes", path, maxImageBytes)
	}
	return ImageContent{
		MimeType: mime,
		Data:     base64.StdEncoding.EncodeToString(data),
	}, nil
}

// LoadImages reads the image files among paths; unreadable or non-image
// files are skipped with a warning.
func LoadImages(paths []string) []ImageContent {
	var images []ImageContent
	for _, p := range paths {
		img, err := LoadImage(p)
		if err != nil {
			slog.Warn("media.image_skipped", "path", p, "error", err)
			continue
		}
		images = append(images, img)
	}
	return images
}

func inferImageMime(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	case ".gif":
		return "image/gif"
	case ".webp":
		return "image/webp"
	default:
		return ""
	}
}
