package registry

import (
	"github.com/go-playground/validator/v10"
)

// Built-in job types.
const (
	TypeToolExec        = "tool.exec"
	TypeDataFetch       = "data.fetch"
	TypeDataFileRead    = "data.file_read"
	TypeWebSearch       = "tools.web_search"
	TypeFileSearch      = "tools.file_search"
	TypeFindInFiles     = "tools.find_in_files"
	TypeWorkflowRun     = "workflow.run"
	TypeAIChatGenerate  = "ai.chat.generate"
	TypeCodexChat       = "codex.chat.generate"
	TypeMemoryEmbedSync = "system.memory.embed.sync"
	TypeImageResize     = "media.image.resize"
)

// ToolExecInput runs a command. Command also accepts the cmd and script aliases.
type ToolExecInput struct {
	Command   string            `json:"command" validate:"required,max=4000"`
	Args      []string          `json:"args" validate:"omitempty,max=100,dive,max=4000"`
	TimeoutMS *int              `json:"timeout_ms" validate:"omitempty,min=100,max=120000"`
	Cwd       string            `json:"cwd" validate:"omitempty,max=1024"`
	Env       map[string]string `json:"env" validate:"omitempty,max=50"`
}

type DataFetchInput struct {
	URL       string            `json:"url" validate:"required,https_url"`
	Headers   map[string]string `json:"headers" validate:"omitempty,max=50"`
	TimeoutMS *int              `json:"timeout_ms" validate:"omitempty,min=200,max=120000"`
	MaxBytes  *int              `json:"max_bytes" validate:"omitempty,min=512,max=1048576"`
}

type FileReadInput struct {
	Path     string `json:"path" validate:"required,max=4096"`
	MaxBytes *int   `json:"max_bytes" validate:"omitempty,min=1,max=1048576"`
}

type WebSearchInput struct {
	Query      string `json:"query" validate:"required,max=500"`
	Provider   string `json:"provider" validate:"omitempty,oneof=duckduckgo brave"`
	MaxResults *int   `json:"max_results" validate:"omitempty,min=1,max=20"`
}

type FileSearchInput struct {
	Query      string `json:"query" validate:"required,max=500"`
	Path       string `json:"path" validate:"omitempty,max=4096"`
	MaxResults *int   `json:"max_results" validate:"omitempty,min=1,max=500"`
}

type FindInFilesInput struct {
	Query         string `json:"query" validate:"required,max=500"`
	Path          string `json:"path" validate:"omitempty,max=4096"`
	Glob          string `json:"glob" validate:"omitempty,max=200"`
	CaseSensitive bool   `json:"case_sensitive"`
	MaxResults    *int   `json:"max_results" validate:"omitempty,min=1,max=1000"`
}

// WorkflowStep is one job-shaped step of a workflow.
type WorkflowStep struct {
	Type  string         `json:"type" validate:"required,max=200"`
	Input map[string]any `json:"input"`
}

type WorkflowRunInput struct {
	Workflow string         `json:"workflow" validate:"required,max=200"`
	Steps    []WorkflowStep `json:"steps" validate:"omitempty,max=50,dive"`
}

type ChatMessage struct {
	Role    string `json:"role" validate:"required,oneof=system user assistant"`
	Content string `json:"content" validate:"required"`
}

type ChatGenerateInput struct {
	Prompt      string        `json:"prompt" validate:"required_without=Messages"`
	Messages    []ChatMessage `json:"messages" validate:"required_without=Prompt,omitempty,max=200,dive"`
	System      string        `json:"system"`
	Model       string        `json:"model" validate:"omitempty,max=200"`
	MaxTokens   *int          `json:"max_tokens" validate:"omitempty,min=1,max=32768"`
	Temperature *float64      `json:"temperature" validate:"omitempty,min=0,max=2"`
}

type MemoryEmbedSyncInput struct {
	Namespace string `json:"namespace" validate:"omitempty,max=200"`
	Limit     *int   `json:"limit" validate:"omitempty,min=1,max=10000"`
}

type ImageResizeInput struct {
	SourceURL   string `json:"source_url" validate:"required_without=Filepath,omitempty,url"`
	Filepath    string `json:"filepath" validate:"omitempty,max=4096"`
	OutputKey   string `json:"output_key" validate:"omitempty,max=1024"`
	Width       int    `json:"width" validate:"omitempty,min=1,max=8192"`
	Height      int    `json:"height" validate:"omitempty,min=1,max=8192"`
	Grayscale   bool   `json:"grayscale"`
	Destination string `json:"destination" validate:"omitempty,oneof=local s3"`
	Filter      string `json:"filter" validate:"omitempty,oneof=lanczos catmullrom"`
}

// NormalizeToolExec resolves the cmd and script aliases into command.
func NormalizeToolExec(input map[string]any) map[string]any {
	if s, ok := input["command"].(string); ok && s != "" {
		return input
	}
	for _, alias := range []string{"cmd", "script"} {
		if s, ok := input[alias].(string); ok && s != "" {
			out := make(map[string]any, len(input))
			for k, v := range input {
				if k == "cmd" || k == "script" {
					continue
				}
				out[k] = v
			}
			out["command"] = s
			return out
		}
	}
	return input
}

type builtin struct {
	jobType   string
	defaults  Defaults
	newTarget func() any
	normalize func(map[string]any) map[string]any
}

var builtins = []builtin{
	{TypeToolExec, Defaults{TimeoutSec: 120, MaxAttempts: 1}, func() any { return &ToolExecInput{} }, NormalizeToolExec},
	{TypeDataFetch, Defaults{TimeoutSec: 60, MaxAttempts: 3}, func() any { return &DataFetchInput{} }, nil},
	{TypeDataFileRead, Defaults{TimeoutSec: 30, MaxAttempts: 1}, func() any { return &FileReadInput{} }, nil},
	{TypeWebSearch, Defaults{TimeoutSec: 30, MaxAttempts: 2}, func() any { return &WebSearchInput{} }, nil},
	{TypeFileSearch, Defaults{TimeoutSec: 60, MaxAttempts: 1}, func() any { return &FileSearchInput{} }, nil},
	{TypeFindInFiles, Defaults{TimeoutSec: 60, MaxAttempts: 1}, func() any { return &FindInFilesInput{} }, nil},
	{TypeWorkflowRun, Defaults{TimeoutSec: 900, MaxAttempts: 1}, func() any { return &WorkflowRunInput{} }, nil},
	{TypeAIChatGenerate, Defaults{TimeoutSec: 300, MaxAttempts: 2}, func() any { return &ChatGenerateInput{} }, nil},
	{TypeCodexChat, Defaults{TimeoutSec: 600, MaxAttempts: 1}, func() any { return &ChatGenerateInput{} }, nil},
	{TypeMemoryEmbedSync, Defaults{TimeoutSec: 900, MaxAttempts: 3}, func() any { return &MemoryEmbedSyncInput{} }, nil},
	{TypeImageResize, Defaults{TimeoutSec: 120, MaxAttempts: 3}, func() any { return &ImageResizeInput{} }, nil},
}

// RegisterBuiltins adds every built-in job type, enabled.
func RegisterBuiltins(r *Registry, v *validator.Validate) {
	if v == nil {
		v = NewValidate()
	}
	for _, b := range builtins {
		r.Register(Definition{
			Type:     b.jobType,
			Enabled:  true,
			Defaults: b.defaults,
			Validator: structValidator{
				jobType:   b.jobType,
				validate:  v,
				newTarget: b.newTarget,
				normalize: b.normalize,
			},
		})
	}
}
