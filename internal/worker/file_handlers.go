package worker

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"automation-backend/internal/models"
	"automation-backend/internal/registry"
)

const (
	defaultReadBytes   = 256 * 1024
	maxScannedFileSize = 1 << 20
)

var skippedDirs = map[string]bool{".git": true, "node_modules": true, "vendor": true, ".cache": true}

// FileReadHandler returns the content of a workspace file.
type FileReadHandler struct {
	Workspace Workspace
}

func (h *FileReadHandler) Execute(_ context.Context, job models.Job) (any, error) {
	in, err := decode[registry.FileReadInput](job)
	if err != nil {
		return nil, err
	}
	path, err := h.Workspace.Resolve(in.Path)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, Fail(models.CodeExecutionFailed, "file %s does not exist", in.Path)
	}
	if err != nil {
		return nil, Fail(models.CodeExecutionFailed, "open %s: %v", in.Path, err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return nil, Fail(models.CodeExecutionFailed, "stat %s: %v", in.Path, err)
	}
	if info.IsDir() {
		return nil, Fail(models.CodeExecutionFailed, "%s is a directory", in.Path)
	}
	limit := int64(intOr(in.MaxBytes, defaultReadBytes))
	content, err := io.ReadAll(io.LimitReader(f, limit))
	if err != nil {
		return nil, Fail(models.CodeExecutionFailed, "read %s: %v", in.Path, err)
	}
	return map[string]any{
		"path":      h.Workspace.Rel(path),
		"size":      info.Size(),
		"content":   string(content),
		"truncated": info.Size() > limit,
	}, nil
}

// FileSearchHandler finds workspace files whose name contains the query.
type FileSearchHandler struct {
	Workspace Workspace
}

func (h *FileSearchHandler) Execute(ctx context.Context, job models.Job) (any, error) {
	in, err := decode[registry.FileSearchInput](job)
	if err != nil {
		return nil, err
	}
	root, err := h.Workspace.Resolve(in.Path)
	if err != nil {
		return nil, err
	}
	limit := intOr(in.MaxResults, 50)
	query := strings.ToLower(in.Query)
	matches := []string{}
	err = walkWorkspace(ctx, root, func(path string, d fs.DirEntry) (bool, error) {
		if strings.Contains(strings.ToLower(d.Name()), query) {
			matches = append(matches, h.Workspace.Rel(path))
		}
		return len(matches) < limit, nil
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{"query": in.Query, "matches": matches, "count": len(matches)}, nil
}

// FindInFilesHandler greps workspace files line by line.
type FindInFilesHandler struct {
	Workspace Workspace
}

type lineMatch struct {
	Path string `json:"path"`
	Line int    `json:"line"`
	Text string `json:"text"`
}

func (h *FindInFilesHandler) Execute(ctx context.Context, job models.Job) (any, error) {
	in, err := decode[registry.FindInFilesInput](job)
	if err != nil {
		return nil, err
	}
	root, err := h.Workspace.Resolve(in.Path)
	if err != nil {
		return nil, err
	}
	if in.Glob != "" {
		if _, err := filepath.Match(in.Glob, ""); err != nil {
			return nil, Fail(models.CodeExecutionFailed, "invalid glob %q", in.Glob)
		}
	}
	limit := intOr(in.MaxResults, 100)
	needle := in.Query
	if !in.CaseSensitive {
		needle = strings.ToLower(needle)
	}
	matches := []lineMatch{}
	err = walkWorkspace(ctx, root, func(path string, d fs.DirEntry) (bool, error) {
		if in.Glob != "" {
			if ok, _ := filepath.Match(in.Glob, d.Name()); !ok {
				return true, nil
			}
		}
		found, err := grepFile(path, needle, in.CaseSensitive, limit-len(matches))
		if err != nil {
			return true, nil
		}
		for _, m := range found {
			m.Path = h.Workspace.Rel(path)
			matches = append(matches, m)
		}
		return len(matches) < limit, nil
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{"query": in.Query, "matches": matches, "count": len(matches)}, nil
}

// walkWorkspace visits regular files under root until visit returns false.
func walkWorkspace(ctx context.Context, root string, visit func(path string, d fs.DirEntry) (bool, error)) error {
	errStop := errors.New("stop")
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == root {
				return Fail(models.CodeExecutionFailed, "walk %s: %v", filepath.Base(root), err)
			}
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if d.IsDir() {
			if path != root && skippedDirs[d.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		more, err := visit(path, d)
		if err != nil {
			return err
		}
		if !more {
			return errStop
		}
		return nil
	})
	if errors.Is(err, errStop) {
		return nil
	}
	return err
}

func grepFile(path, needle string, caseSensitive bool, limit int) ([]lineMatch, error) {
	info, err := os.Stat(path)
	if err != nil || info.Size() > maxScannedFileSize {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if bytes.IndexByte(data, 0) >= 0 {
		return nil, nil
	}
	var out []lineMatch
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 64*1024), maxScannedFileSize)
	for line := 1; scanner.Scan() && len(out) < limit; line++ {
		text := scanner.Text()
		hay := text
		if !caseSensitive {
			hay = strings.ToLower(text)
		}
		if strings.Contains(hay, needle) {
			out = append(out, lineMatch{Line: line, Text: strings.TrimSpace(text)})
		}
	}
	return out, nil
}
