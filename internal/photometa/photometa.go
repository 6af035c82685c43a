// Package photometa reads the EXIF data the batch reports alongside each
// project: how many photos carry GPS positions and which cameras took them.
package photometa

import (
	"os"
	"sort"
	"strings"
	"time"

	"github.com/rwcarlsen/goexif/exif"
)

// Photo is what one file's EXIF block tells us.
type Photo struct {
	Path     string
	Model    string
	Lat, Lon float64
	HasGPS   bool
	Captured time.Time
}

// Summary aggregates a folder of photos.
type Summary struct {
	Photos       int
	Geotagged    int
	CameraModels []string
	FirstCapture time.Time
	LastCapture  time.Time
}

// Read decodes EXIF from one photo.
func Read(path string) (Photo, error) {
	p := Photo{Path: path}
	f, err := os.Open(path)
	if err != nil {
		return p, err
	}
	defer f.Close()

	x, err := exif.Decode(f)
	if err != nil {
		return p, err
	}
	if tag, err := x.Get(exif.Model); err == nil {
		if v, err := tag.StringVal(); err == nil {
			p.Model = strings.TrimSpace(strings.TrimRight(v, "\x00"))
		}
	}
	if lat, lon, err := x.LatLong(); err == nil {
		p.Lat, p.Lon, p.HasGPS = lat, lon, true
	}
	if t, err := x.DateTime(); err == nil {
		p.Captured = t
	}
	return p, nil
}

// Probe summarizes photos. Files without readable EXIF still count as
// photos; they just contribute nothing else.
func Probe(photos []string) Summary {
	s := Summary{Photos: len(photos)}
	models := make(map[string]struct{})
	for _, path := range photos {
		p, err := Read(path)
		if err != nil {
			continue
		}
		if p.HasGPS {
			s.Geotagged++
		}
		if p.Model != "" {
			models[p.Model] = struct{}{}
		}
		if !p.Captured.IsZero() {
			if s.FirstCapture.IsZero() || p.Captured.Before(s.FirstCapture) {
				s.FirstCapture = p.Captured
			}
			if p.Captured.After(s.LastCapture) {
				s.LastCapture = p.Captured
			}
		}
	}
	for m := range models {
		s.CameraModels = append(s.CameraModels, m)
	}
	sort.Strings(s.CameraModels)
	return s
}
