// Package files implements the workspace file tools: read_file, write_file,
// list_files, and search_files. Every path is resolved against a single
// workspace root and refused if it escapes, symlinks included.
package files

import (
	"bytes"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/haasonsaas/steward/internal/observability"
)

const (
	defaultMaxLines  = 100
	maxListShown     = 50
	maxSearchShown   = 20
	maxSearchResults = 200
	maxFileBytes     = 1 << 20
)

// Workspace confines file operations to one directory tree.
type Workspace struct {
	root   string
	logger *observability.Logger
}

// NewWorkspace roots a workspace at dir, creating it if needed.
func NewWorkspace(dir string, logger *observability.Logger) (*Workspace, error) {
	if logger == nil {
		logger = observability.NopLogger()
	}
	if dir == "" {
		return nil, fmt.Errorf("workspace dir is required")
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve workspace: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create workspace: %w", err)
	}
	// Resolve the root itself so later prefix checks compare like with like.
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		abs = resolved
	}
	return &Workspace{root: abs, logger: logger}, nil
}

// Root returns the absolute workspace root.
func (w *Workspace) Root() string { return w.root }

// resolve maps a tool-supplied path onto the workspace and rejects escapes.
func (w *Workspace) resolve(p string) (string, error) {
	if strings.TrimSpace(p) == "" || p == "." {
		return w.root, nil
	}
	abs := p
	if !filepath.IsAbs(abs) {
		abs = filepath.Join(w.root, abs)
	}
	abs = filepath.Clean(abs)
	if !w.contains(abs) {
		return "", fmt.Errorf("path escapes workspace: %s", p)
	}
	// A symlink inside the workspace must not point back out.
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		if !w.contains(resolved) {
			return "", fmt.Errorf("path escapes workspace: %s", p)
		}
		return resolved, nil
	}
	return abs, nil
}

func (w *Workspace) contains(abs string) bool {
	return abs == w.root || strings.HasPrefix(abs, w.root+string(filepath.Separator))
}

// ReadFile returns up to maxLines lines of the file at path.
func (w *Workspace) ReadFile(path string, maxLines int) (string, error) {
	abs, err := w.resolve(path)
	if err != nil {
		return "", err
	}
	info, err := os.Stat(abs)
	switch {
	case os.IsNotExist(err):
		return "", fmt.Errorf("file not found: %s", path)
	case err != nil:
		return "", err
	case info.IsDir():
		return "", fmt.Errorf("path is a directory: %s", path)
	case info.Size() > maxFileBytes:
		return "", fmt.Errorf("file too large: %d bytes (max %d)", info.Size(), maxFileBytes)
	}

	data, err := os.ReadFile(abs)
	if err != nil {
		return "", err
	}
	if maxLines <= 0 {
		maxLines = defaultMaxLines
	}
	lines := strings.Split(string(data), "\n")
	if len(lines) <= maxLines {
		return string(data), nil
	}
	head := strings.Join(lines[:maxLines], "\n")
	return fmt.Sprintf("%s\n... (truncated, %d more lines)", head, len(lines)-maxLines), nil
}

// WriteFile writes content to path, creating parent directories. With
// appendTo set the content is appended instead of replacing the file.
func (w *Workspace) WriteFile(path, content string, appendTo bool) error {
	abs, err := w.resolve(path)
	if err != nil {
		return err
	}
	if abs == w.root {
		return fmt.Errorf("path is a directory: %s", path)
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return fmt.Errorf("create parent dirs: %w", err)
	}
	flags := os.O_CREATE | os.O_WRONLY
	if appendTo {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
	}
	f, err := os.OpenFile(abs, flags, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.WriteString(content); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

// ListFiles returns workspace-relative file paths under dir, sorted. The
// pattern is a shell glob matched against file names; empty means all.
func (w *Workspace) ListFiles(dir, pattern string, recursive bool) ([]string, error) {
	abs, err := w.resolve(dir)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(abs)
	switch {
	case os.IsNotExist(err):
		return nil, fmt.Errorf("directory not found: %s", dir)
	case err != nil:
		return nil, err
	case !info.IsDir():
		return nil, fmt.Errorf("not a directory: %s", dir)
	}
	if pattern == "" {
		pattern = "*"
	}

	var out []string
	add := func(path string, name string) error {
		ok, err := filepath.Match(pattern, name)
		if err != nil {
			return fmt.Errorf("invalid pattern %q: %w", pattern, err)
		}
		if !ok {
			return nil
		}
		rel, err := filepath.Rel(w.root, path)
		if err != nil {
			return err
		}
		out = append(out, rel)
		return nil
	}

	if recursive {
		err = filepath.WalkDir(abs, func(path string, d fs.DirEntry, err error) error {
			if err != nil || d.IsDir() {
				return err
			}
			return add(path, d.Name())
		})
	} else {
		var entries []fs.DirEntry
		entries, err = os.ReadDir(abs)
		if err == nil {
			for _, e := range entries {
				if e.IsDir() {
					continue
				}
				if err = add(filepath.Join(abs, e.Name()), e.Name()); err != nil {
					break
				}
			}
		}
	}
	if err != nil {
		return nil, err
	}
	sort.Strings(out)
	return out, nil
}

// SearchMatch is one file hit from SearchFiles.
type SearchMatch struct {
	File    string `json:"file"`
	Size    int64  `json:"size"`
	Matches int    `json:"matches"`
	Preview string `json:"preview,omitempty"`
}

// SearchFiles searches under dir. With searchContent the pattern is a
// case-insensitive regexp run over file contents; otherwise it matches file
// names, substring style unless it already carries glob metacharacters.
func (w *Workspace) SearchFiles(pattern, dir string, searchContent bool) ([]SearchMatch, error) {
	abs, err := w.resolve(dir)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(abs)
	switch {
	case os.IsNotExist(err):
		return nil, fmt.Errorf("directory not found: %s", dir)
	case err != nil:
		return nil, err
	case !info.IsDir():
		return nil, fmt.Errorf("not a directory: %s", dir)
	}

	if searchContent {
		return w.searchContent(abs, pattern)
	}
	return w.searchNames(abs, pattern)
}

func (w *Workspace) searchContent(root, pattern string) ([]SearchMatch, error) {
	re, err := regexp.Compile("(?i)" + pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid search pattern %q: %w", pattern, err)
	}

	var out []SearchMatch
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		info, err := d.Info()
		if err != nil || info.Size() > maxFileBytes {
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil || bytes.IndexByte(data, 0) >= 0 {
			// Unreadable or binary; skip quietly.
			return nil
		}
		locs := re.FindAllIndex(data, -1)
		if len(locs) == 0 {
			return nil
		}
		rel, err := filepath.Rel(w.root, path)
		if err != nil {
			return err
		}
		out = append(out, SearchMatch{
			File:    rel,
			Size:    info.Size(),
			Matches: len(locs),
			Preview: previewAround(data, locs[0]),
		})
		if len(out) >= maxSearchResults {
			return fs.SkipAll
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].File < out[j].File })
	return out, nil
}

func (w *Workspace) searchNames(root, pattern string) ([]SearchMatch, error) {
	glob := strings.ToLower(pattern)
	if !strings.ContainsAny(glob, "*?[") {
		glob = "*" + glob + "*"
	}

	var out []SearchMatch
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		ok, err := filepath.Match(glob, strings.ToLower(d.Name()))
		if err != nil {
			return fmt.Errorf("invalid pattern %q: %w", pattern, err)
		}
		if !ok {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		rel, err := filepath.Rel(w.root, path)
		if err != nil {
			return err
		}
		out = append(out, SearchMatch{File: rel, Size: info.Size(), Matches: 1})
		if len(out) >= maxSearchResults {
			return fs.SkipAll
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].File < out[j].File })
	return out, nil
}

// previewAround extracts a little context around the first match, with
// whitespace collapsed so it fits on one line.
func previewAround(data []byte, loc []int) string {
	start := loc[0] - 20
	if start < 0 {
		start = 0
	}
	end := loc[1] + 50
	if end > len(data) {
		end = len(data)
	}
	return strings.Join(strings.Fields(string(data[start:end])), " ")
}
