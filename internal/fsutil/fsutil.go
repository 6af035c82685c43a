package fsutil

import (
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// ExtensionSet normalizes photo type names such as "JPG" or ".tif" into a
// lookup of lower-case extensions with a leading dot.
func ExtensionSet(types []string) map[string]struct{} {
	set := make(map[string]struct{}, len(types))
	for _, t := range types {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" {
			continue
		}
		if !strings.HasPrefix(t, ".") {
			t = "." + t
		}
		set[t] = struct{}{}
	}
	return set
}

// ListPhotos returns the photos directly inside folder whose extension is
// one of types, sorted by name. Subdirectories are not descended into.
func ListPhotos(folder string, types []string) ([]string, error) {
	exts := ExtensionSet(types)
	entries, err := os.ReadDir(folder)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if _, ok := exts[strings.ToLower(filepath.Ext(e.Name()))]; ok {
			files = append(files, filepath.Join(folder, e.Name()))
		}
	}
	sort.Strings(files)
	return files, nil
}

// ListProjectFolders returns the immediate subdirectories of root, sorted.
// Hidden directories are skipped.
func ListProjectFolders(root string) ([]string, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, err
	}
	var dirs []string
	for _, e := range entries {
		if !e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		dirs = append(dirs, filepath.Join(root, e.Name()))
	}
	sort.Strings(dirs)
	return dirs, nil
}

// FindProjectFiles walks root and returns every file with the given
// extension, e.g. ".psx", sorted.
func FindProjectFiles(root, ext string) ([]string, error) {
	ext = strings.ToLower(ext)
	if ext != "" && !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	var files []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != root && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if strings.ToLower(filepath.Ext(d.Name())) == ext {
			files = append(files, path)
		}
		return nil
	})
	sort.Strings(files)
	return files, err
}

// Exists reports whether path exists.
func Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
