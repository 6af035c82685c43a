// Package preview writes a small JPEG quick-look next to an exported
// orthomosaic so operators can eyeball results without a GIS tool.
package preview

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"

	"gopkg.in/gographics/imagick.v3/imagick"
)

var initOnce sync.Once

// Writer renders previews with ImageMagick.
type Writer struct {
	Width   uint // longest side in pixels
	Quality uint
	Logger  *slog.Logger
}

// Path is the preview location for a raster, e.g. site7/site7_preview.jpg.
func Path(raster string) string {
	return strings.TrimSuffix(raster, filepath.Ext(raster)) + "_preview.jpg"
}

// Write renders raster into its preview path and returns that path.
func (w *Writer) Write(raster string) (string, error) {
	initOnce.Do(imagick.Initialize)

	mw := imagick.NewMagickWand()
	defer mw.Destroy()

	if err := mw.ReadImage(raster); err != nil {
		return "", fmt.Errorf("read %s: %w", raster, err)
	}
	// Multi-page TIFFs carry overviews; the first page is full resolution.
	mw.SetFirstIterator()

	width, height := mw.GetImageWidth(), mw.GetImageHeight()
	if width == 0 || height == 0 {
		return "", fmt.Errorf("raster %s has no pixels", raster)
	}
	target := w.Width
	if target == 0 {
		target = 1024
	}
	if width > target || height > target {
		nw, nh := fit(width, height, target)
		if err := mw.ThumbnailImage(nw, nh); err != nil {
			return "", fmt.Errorf("resize: %w", err)
		}
	}
	if err := mw.SetImageFormat("JPEG"); err != nil {
		return "", fmt.Errorf("set format: %w", err)
	}
	if w.Quality > 0 {
		if err := mw.SetImageCompressionQuality(w.Quality); err != nil {
			return "", fmt.Errorf("set quality: %w", err)
		}
	}
	out := Path(raster)
	if err := mw.WriteImage(out); err != nil {
		return "", fmt.Errorf("write %s: %w", out, err)
	}
	if w.Logger != nil {
		w.Logger.Debug("preview written", "raster", raster, "preview", out)
	}
	return out, nil
}

// fit scales width x height so the longer side equals target.
func fit(width, height, target uint) (uint, uint) {
	if width >= height {
		h := uint(float64(height) * float64(target) / float64(width))
		return target, max(h, 1)
	}
	w := uint(float64(width) * float64(target) / float64(height))
	return max(w, 1), target
}
