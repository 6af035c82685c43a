// Package report exports the project ledger for people and for analysis
// tools.
package report

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/parquet-go/parquet-go"
	"gopkg.in/yaml.v3"

	"orthobatch/internal/status"
	"orthobatch/internal/storage"
)

// Format names an export encoding.
type Format string

const (
	FormatJSON    Format = "json"
	FormatYAML    Format = "yaml"
	FormatParquet Format = "parquet"
)

// ErrUnknownFormat is returned for anything but json, yaml or parquet.
var ErrUnknownFormat = errors.New("unknown report format")

// ParseFormat accepts a format name or a file name with a known extension.
func ParseFormat(s string) (Format, error) {
	s = strings.ToLower(s)
	if ext := filepath.Ext(s); ext != "" {
		s = ext[1:]
	}
	switch s {
	case "json":
		return FormatJSON, nil
	case "yaml", "yml":
		return FormatYAML, nil
	case "parquet":
		return FormatParquet, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownFormat, s)
	}
}

// Document is the json and yaml layout.
type Document struct {
	Counts   map[string]int          `json:"counts" yaml:"counts"`
	Review   []string                `json:"needs_review,omitempty" yaml:"needs_review,omitempty"`
	Projects []storage.ProjectRecord `json:"projects" yaml:"projects"`
}

// Build groups records into a Document.
func Build(recs []storage.ProjectRecord) Document {
	doc := Document{Counts: Counts(recs), Projects: recs}
	for _, rec := range recs {
		st, err := status.Parse(rec.Status)
		if err == nil && st.NeedsReview() {
			doc.Review = append(doc.Review, rec.Folder)
		}
	}
	sort.Strings(doc.Review)
	return doc
}

// Counts tallies records by status.
func Counts(recs []storage.ProjectRecord) map[string]int {
	out := make(map[string]int)
	for _, rec := range recs {
		out[rec.Status]++
	}
	return out
}

// Write encodes recs to w.
func Write(w io.Writer, format Format, recs []storage.ProjectRecord) error {
	switch format {
	case FormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(Build(recs))
	case FormatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(Build(recs)); err != nil {
			return err
		}
		return enc.Close()
	case FormatParquet:
		pw := parquet.NewGenericWriter[storage.ProjectRecord](w)
		if _, err := pw.Write(recs); err != nil {
			_ = pw.Close()
			return fmt.Errorf("write parquet rows: %w", err)
		}
		return pw.Close()
	default:
		return fmt.Errorf("%w: %q", ErrUnknownFormat, format)
	}
}

// WriteFile writes the report to path, choosing the format from its
// extension.
func WriteFile(path string, recs []storage.ProjectRecord) error {
	format, err := ParseFormat(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create report directory: %w", err)
	}
	var buf bytes.Buffer
	if err := Write(&buf, format, recs); err != nil {
		return err
	}
	return os.WriteFile(path, buf.Bytes(), 0o644)
}

// ReadParquet loads a parquet report back into records.
func ReadParquet(path string) ([]storage.ProjectRecord, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return nil, err
	}
	pf, err := parquet.OpenFile(file, info.Size())
	if err != nil {
		return nil, fmt.Errorf("open parquet: %w", err)
	}

	reader := parquet.NewGenericReader[storage.ProjectRecord](pf)
	defer reader.Close()

	var out []storage.ProjectRecord
	rows := make([]storage.ProjectRecord, 64)
	for {
		n, err := reader.Read(rows)
		out = append(out, rows[:n]...)
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return out, err
		}
	}
}
