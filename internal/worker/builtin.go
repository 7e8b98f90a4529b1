package worker

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"automation-backend/internal/config"
	"automation-backend/internal/models"
	"automation-backend/internal/registry"
)

// Deps are the collaborators of the built-in handlers.
type Deps struct {
	Config     config.Config
	Embedder   Embedder
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// RegisterBuiltins binds a handler for every built-in job type.
func RegisterBuiltins(ctx context.Context, p *Processor, deps Deps) error {
	cfg := deps.Config
	client := deps.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 2 * time.Minute}
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	root, err := filepath.Abs(cfg.WorkspaceRoot)
	if err != nil {
		return fmt.Errorf("resolve workspace root: %w", err)
	}
	ws := Workspace{Root: root}

	images, err := NewImageHandler(ctx, cfg, ws, client)
	if err != nil {
		return err
	}

	p.RegisterHandler(registry.TypeToolExec, &ToolExecHandler{Workspace: ws})
	p.RegisterHandler(registry.TypeDataFetch, &FetchHandler{Client: client})
	p.RegisterHandler(registry.TypeDataFileRead, &FileReadHandler{Workspace: ws})
	p.RegisterHandler(registry.TypeFileSearch, &FileSearchHandler{Workspace: ws})
	p.RegisterHandler(registry.TypeFindInFiles, &FindInFilesHandler{Workspace: ws})
	p.RegisterHandler(registry.TypeWebSearch, NewWebSearchHandler(client, cfg.BraveAPIKey, cfg.WebSearchRPS))
	p.RegisterHandler(registry.TypeAIChatGenerate, &ChatHandler{Client: client, BaseURL: cfg.ChatBaseURL, APIKey: cfg.ChatAPIKey, Model: cfg.ChatModel})
	p.RegisterHandler(registry.TypeCodexChat, &ChatHandler{Client: client, BaseURL: cfg.ChatBaseURL, APIKey: cfg.ChatAPIKey, Model: cfg.CodexModel})
	p.RegisterHandler(registry.TypeMemoryEmbedSync, &EmbedSyncHandler{Embedder: deps.Embedder})
	p.RegisterHandler(registry.TypeImageResize, images)
	p.RegisterHandler(registry.TypeWorkflowRun, &WorkflowHandler{Steps: p.handler, Workflows: cfg.Workflows, Logger: logger})
	return nil
}

// Workspace confines file access to a root directory.
type Workspace struct {
	Root string
}

// Resolve joins a relative path onto the root, rejecting anything that
// escapes it. Absolute paths are accepted only inside the root.
func (w Workspace) Resolve(path string) (string, error) {
	if path == "" {
		path = "."
	}
	var full string
	if filepath.IsAbs(path) {
		full = filepath.Clean(path)
	} else {
		full = filepath.Join(w.Root, path)
	}
	rel, err := filepath.Rel(w.Root, full)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", Fail(models.CodeExecutionFailed, "path %q is outside the workspace", path)
	}
	return full, nil
}

// Rel reports a path relative to the root, for results.
func (w Workspace) Rel(full string) string {
	rel, err := filepath.Rel(w.Root, full)
	if err != nil {
		return full
	}
	return filepath.ToSlash(rel)
}

func decode[T any](job models.Job) (T, error) {
	var in T
	if err := registry.DecodeInput(job.Input, &in); err != nil {
		return in, Fail(models.CodeExecutionFailed, "%s input is malformed: %v", job.Type, err)
	}
	return in, nil
}

func intOr(p *int, fallback int) int {
	if p == nil {
		return fallback
	}
	return *p
}
