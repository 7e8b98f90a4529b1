package registry

import (
	"regexp"
	"strings"
	"testing"
)

func newTestRegistry(opts ...Option) *Registry {
	r := New(Defaults{TimeoutSec: 300, MaxAttempts: 3}, opts...)
	RegisterBuiltins(r, NewValidate())
	return r
}

func TestToolExecRequiresCommand(t *testing.T) {
	r := newTestRegistry()

	errs := r.Validate(TypeToolExec, map[string]any{"args": []any{"status"}})
	if len(errs) == 0 {
		t.Fatalf("expected validation error for missing command")
	}
	if !regexp.MustCompile(`tool\.exec requires input\.command`).MatchString(errs[0].Message) {
		t.Fatalf("unexpected message %q", errs[0].Message)
	}
	if errs[0].Field != "input.command" {
		t.Fatalf("unexpected field %q", errs[0].Field)
	}
}

func TestToolExecAliases(t *testing.T) {
	r := newTestRegistry()
	for _, alias := range []string{"command", "cmd", "script"} {
		if errs := r.Validate(TypeToolExec, map[string]any{alias: "echo hi"}); len(errs) != 0 {
			t.Fatalf("alias %s rejected: %v", alias, errs)
		}
	}
}

func TestToolExecBounds(t *testing.T) {
	r := newTestRegistry()
	args := make([]any, 101)
	for i := range args {
		args[i] = "x"
	}
	cases := []struct {
		name  string
		input map[string]any
		field string
	}{
		{"too many args", map[string]any{"command": "ls", "args": args}, "input.args"},
		{"timeout too small", map[string]any{"command": "ls", "timeout_ms": 50}, "input.timeout_ms"},
		{"timeout too large", map[string]any{"command": "ls", "timeout_ms": 120001}, "input.timeout_ms"},
		{"command too long", map[string]any{"command": strings.Repeat("a", 4001)}, "input.command"},
		{"args not strings", map[string]any{"command": "ls", "args": "nope"}, "input.args"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			errs := r.Validate(TypeToolExec, tc.input)
			if len(errs) == 0 {
				t.Fatalf("expected error")
			}
			if errs[0].Field != tc.field {
				t.Fatalf("expected field %s got %s (%s)", tc.field, errs[0].Field, errs[0].Message)
			}
		})
	}
}

func TestDataFetchURL(t *testing.T) {
	r := newTestRegistry()
	if errs := r.Validate(TypeDataFetch, map[string]any{"url": "https://example.com/a"}); len(errs) != 0 {
		t.Fatalf("https url rejected: %v", errs)
	}
	for _, u := range []string{"http://example.com", "/relative", "example.com"} {
		errs := r.Validate(TypeDataFetch, map[string]any{"url": u})
		if len(errs) == 0 || !strings.Contains(errs[0].Message, "https://") {
			t.Fatalf("expected https error for %q got %v", u, errs)
		}
	}
	errs := r.Validate(TypeDataFetch, map[string]any{"url": "https://example.com", "max_bytes": 100})
	if len(errs) == 0 || errs[0].Field != "input.max_bytes" {
		t.Fatalf("expected max_bytes error got %v", errs)
	}
}

func TestRequiredFieldsPerType(t *testing.T) {
	r := newTestRegistry()
	cases := map[string]string{
		TypeDataFileRead: "data.file_read requires input.path",
		TypeWebSearch:    "tools.web_search requires input.query",
		TypeFileSearch:   "tools.file_search requires input.query",
		TypeFindInFiles:  "tools.find_in_files requires input.query",
		TypeWorkflowRun:  "workflow.run requires input.workflow",
	}
	for jobType, want := range cases {
		errs := r.Validate(jobType, map[string]any{})
		if len(errs) == 0 || errs[0].Message != want {
			t.Fatalf("%s: expected %q got %v", jobType, want, errs)
		}
	}
	errs := r.Validate(TypeWebSearch, map[string]any{"query": "go", "provider": "bing"})
	if len(errs) == 0 || errs[0].Field != "input.provider" {
		t.Fatalf("expected provider error got %v", errs)
	}
	errs = r.Validate(TypeFileSearch, map[string]any{"query": "x", "max_results": 0})
	if len(errs) == 0 || errs[0].Field != "input.max_results" {
		t.Fatalf("expected max_results error got %v", errs)
	}
}

func TestDisabledTypeRejectedBeforeShapeChecks(t *testing.T) {
	r := newTestRegistry()
	r.SetEnabled(TypeToolExec, false)

	if r.IsEnabled(TypeToolExec) {
		t.Fatalf("expected disabled")
	}
	errs := r.Validate(TypeToolExec, map[string]any{})
	if len(errs) != 1 || errs[0].Field != "type" || !strings.Contains(errs[0].Message, "disabled") {
		t.Fatalf("expected single disabled error got %v", errs)
	}
}

func TestUnknownTypes(t *testing.T) {
	lenient := newTestRegistry()
	if !lenient.IsEnabled("report.generate") {
		t.Fatalf("lenient registry should accept unknown types")
	}
	if errs := lenient.Validate("report.generate", map[string]any{"source": "q"}); len(errs) != 0 {
		t.Fatalf("unexpected errors %v", errs)
	}
	if d := lenient.Defaults("report.generate"); d.TimeoutSec != 300 || d.MaxAttempts != 3 {
		t.Fatalf("unexpected fallback defaults %+v", d)
	}

	strict := newTestRegistry(WithStrict(true))
	if strict.IsEnabled("report.generate") {
		t.Fatalf("strict registry should reject unknown types")
	}
	if errs := strict.Validate("report.generate", nil); len(errs) != 1 {
		t.Fatalf("expected unknown type error got %v", errs)
	}
}

func TestApplyOverride(t *testing.T) {
	r := newTestRegistry()
	if d := r.Defaults(TypeDataFetch); d.TimeoutSec != 60 || d.MaxAttempts != 3 {
		t.Fatalf("unexpected builtin defaults %+v", d)
	}
	r.Apply(TypeDataFetch, Override{TimeoutSec: 15})
	if d := r.Defaults(TypeDataFetch); d.TimeoutSec != 15 || d.MaxAttempts != 3 {
		t.Fatalf("override not applied %+v", d)
	}
	// The validator survives an override.
	if errs := r.Validate(TypeDataFetch, map[string]any{"url": "http://x"}); len(errs) == 0 {
		t.Fatalf("validator lost after override")
	}
}

func TestChatGenerateNeedsPromptOrMessages(t *testing.T) {
	r := newTestRegistry()
	if errs := r.Validate(TypeAIChatGenerate, map[string]any{}); len(errs) == 0 {
		t.Fatalf("expected error for empty chat input")
	}
	if errs := r.Validate(TypeAIChatGenerate, map[string]any{"prompt": "hi"}); len(errs) != 0 {
		t.Fatalf("prompt rejected: %v", errs)
	}
	msgs := []any{map[string]any{"role": "user", "content": "hi"}}
	if errs := r.Validate(TypeCodexChat, map[string]any{"messages": msgs}); len(errs) != 0 {
		t.Fatalf("messages rejected: %v", errs)
	}
}
