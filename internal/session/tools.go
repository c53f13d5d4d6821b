package session

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
)

// Limits on tool output fed back into the conversation. Oversized
// results burn input tokens without helping the model.
const (
	maxToolOutput   = 30000
	defaultBashWait = 120 * time.Second
	grepWait        = 30 * time.Second
)

// toolRunner executes the model's tool calls against a project
// directory. Relative paths resolve under the directory; absolute
// paths are taken as given, matching what a local coding agent can
// reach.
type toolRunner struct {
	workdir string
}

// toolOutput is the text fed back to the model for one call. failed
// marks it as an error result rather than aborting the exchange; the
// model decides how to recover.
type toolOutput struct {
	text   string
	failed bool
}

func toolError(format string, args ...any) toolOutput {
	return toolOutput{text: fmt.Sprintf(format, args...), failed: true}
}

// run dispatches one tool call by name.
func (r *toolRunner) run(ctx context.Context, name string, input json.RawMessage) toolOutput {
	switch name {
	case "read_file":
		return r.readFile(input)
	case "write_file":
		return r.writeFile(input)
	case "edit_file":
		return r.editFile(input)
	case "run_command":
		return r.runCommand(ctx, input)
	case "find_files":
		return r.findFiles(input)
	case "search_text":
		return r.searchText(ctx, input)
	case "list_dir":
		return r.listDir(input)
	default:
		return toolError("unknown tool %q", name)
	}
}

func (r *toolRunner) resolve(path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(r.workdir, path)
}

func (r *toolRunner) readFile(input json.RawMessage) toolOutput {
	var p struct {
		Path   string `json:"path"`
		Offset int    `json:"offset"`
		Limit  int    `json:"limit"`
	}
	if err := json.Unmarshal(input, &p); err != nil {
		return toolError("bad arguments: %v", err)
	}

	content, err := os.ReadFile(r.resolve(p.Path))
	if err != nil {
		return toolError("read %s: %v", p.Path, err)
	}

	lines := strings.Split(string(content), "\n")
	start := 0
	if p.Offset > 0 {
		start = p.Offset - 1
		if start >= len(lines) {
			return toolError("offset %d is past the end of %s", p.Offset, p.Path)
		}
	}
	end := len(lines)
	if p.Limit > 0 && start+p.Limit < end {
		end = start + p.Limit
	}

	var b strings.Builder
	for i := start; i < end; i++ {
		fmt.Fprintf(&b, "%6d\t%s\n", i+1, lines[i])
	}
	return toolOutput{text: b.String()}
}

func (r *toolRunner) writeFile(input json.RawMessage) toolOutput {
	var p struct {
		Path    string `json:"path"`
		Content string `json:"content"`
	}
	if err := json.Unmarshal(input, &p); err != nil {
		return toolError("bad arguments: %v", err)
	}

	path := r.resolve(p.Path)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return toolError("create parent directory: %v", err)
	}
	if err := os.WriteFile(path, []byte(p.Content), 0644); err != nil {
		return toolError("write %s: %v", p.Path, err)
	}
	return toolOutput{text: fmt.Sprintf("wrote %d bytes to %s", len(p.Content), p.Path)}
}

func (r *toolRunner) editFile(input json.RawMessage) toolOutput {
	var p struct {
		Path       string `json:"path"`
		Old        string `json:"old_text"`
		New        string `json:"new_text"`
		ReplaceAll bool   `json:"replace_all"`
	}
	if err := json.Unmarshal(input, &p); err != nil {
		return toolError("bad arguments: %v", err)
	}

	path := r.resolve(p.Path)
	content, err := os.ReadFile(path)
	if err != nil {
		return toolError("read %s: %v", p.Path, err)
	}

	text := string(content)
	count := strings.Count(text, p.Old)
	switch {
	case count == 0:
		return toolError("old_text not found in %s", p.Path)
	case count > 1 && !p.ReplaceAll:
		return toolError("old_text appears %d times in %s; make it unique or set replace_all", count, p.Path)
	}

	var updated string
	if p.ReplaceAll {
		updated = strings.ReplaceAll(text, p.Old, p.New)
	} else {
		updated = strings.Replace(text, p.Old, p.New, 1)
	}
	if err := os.WriteFile(path, []byte(updated), 0644); err != nil {
		return toolError("write %s: %v", p.Path, err)
	}
	if p.ReplaceAll {
		return toolOutput{text: fmt.Sprintf("replaced %d occurrences in %s", count, p.Path)}
	}
	return toolOutput{text: fmt.Sprintf("edited %s", p.Path)}
}

func (r *toolRunner) runCommand(ctx context.Context, input json.RawMessage) toolOutput {
	var p struct {
		Command   string `json:"command"`
		TimeoutMS int    `json:"timeout_ms"`
	}
	if err := json.Unmarshal(input, &p); err != nil {
		return toolError("bad arguments: %v", err)
	}

	wait := defaultBashWait
	if p.TimeoutMS > 0 {
		wait = time.Duration(p.TimeoutMS) * time.Millisecond
	}
	ctx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()

	cmd := exec.CommandContext(ctx, "bash", "-c", p.Command)
	cmd.Dir = r.workdir

	output, err := cmd.CombinedOutput()
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return toolError("command timed out after %v:\n%s", wait, truncateOutput(string(output)))
		}
		return toolError("%s\ncommand failed: %v", truncateOutput(string(output)), err)
	}
	return toolOutput{text: truncateOutput(string(output))}
}

func (r *toolRunner) findFiles(input json.RawMessage) toolOutput {
	var p struct {
		Pattern string `json:"pattern"`
		Path    string `json:"path"`
	}
	if err := json.Unmarshal(input, &p); err != nil {
		return toolError("bad arguments: %v", err)
	}

	root := r.workdir
	if p.Path != "" {
		root = r.resolve(p.Path)
	}

	var matches []string
	walkErr := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if strings.HasPrefix(d.Name(), ".") && d.Name() != "." {
				return filepath.SkipDir
			}
			return nil
		}
		if ok, _ := filepath.Match(filepath.Base(p.Pattern), d.Name()); ok {
			rel, _ := filepath.Rel(root, path)
			matches = append(matches, rel)
		}
		return nil
	})
	if walkErr != nil {
		return toolError("walk %s: %v", root, walkErr)
	}
	if len(matches) == 0 {
		return toolOutput{text: "no files matched"}
	}
	return toolOutput{text: truncateOutput(strings.Join(matches, "\n"))}
}

func (r *toolRunner) searchText(ctx context.Context, input json.RawMessage) toolOutput {
	var p struct {
		Pattern string `json:"pattern"`
		Path    string `json:"path"`
		Glob    string `json:"glob"`
		Context int    `json:"context"`
	}
	if err := json.Unmarshal(input, &p); err != nil {
		return toolError("bad arguments: %v", err)
	}

	args := []string{"--color=never", "-n"}
	if p.Context > 0 {
		args = append(args, "-C", fmt.Sprintf("%d", p.Context))
	}
	if p.Glob != "" {
		args = append(args, "--glob", p.Glob)
	}
	args = append(args, p.Pattern)

	root := r.workdir
	if p.Path != "" {
		root = r.resolve(p.Path)
	}
	args = append(args, root)

	ctx, cancel := context.WithTimeout(ctx, grepWait)
	defer cancel()

	// rg exits non-zero on no match; treat that as an empty result.
	output, _ := exec.CommandContext(ctx, "rg", args...).CombinedOutput()
	if len(output) == 0 {
		return toolOutput{text: "no matches"}
	}
	return toolOutput{text: truncateOutput(string(output))}
}

func (r *toolRunner) listDir(input json.RawMessage) toolOutput {
	var p struct {
		Path string `json:"path"`
	}
	if err := json.Unmarshal(input, &p); err != nil {
		return toolError("bad arguments: %v", err)
	}

	entries, err := os.ReadDir(r.resolve(p.Path))
	if err != nil {
		return toolError("list %s: %v", p.Path, err)
	}

	var b strings.Builder
	for _, entry := range entries {
		if entry.IsDir() {
			fmt.Fprintf(&b, "d %s/\n", entry.Name())
			continue
		}
		if info, err := entry.Info(); err == nil {
			fmt.Fprintf(&b, "- %s (%d bytes)\n", entry.Name(), info.Size())
		} else {
			fmt.Fprintf(&b, "- %s\n", entry.Name())
		}
	}
	return toolOutput{text: b.String()}
}

func truncateOutput(s string) string {
	if len(s) > maxToolOutput {
		return s[:maxToolOutput] + "\n... (output truncated)"
	}
	return s
}

// agentTools returns the schemas offered to the model when a task runs
// against a project directory.
func agentTools() []anthropic.ToolUnionParam {
	return []anthropic.ToolUnionParam{
		{
			OfTool: &anthropic.ToolParam{
				Name:        "read_file",
				Description: anthropic.String("Read a file. Returns its contents with line numbers."),
				InputSchema: anthropic.ToolInputSchemaParam{
					Properties: map[string]interface{}{
						"path": map[string]interface{}{
							"type":        "string",
							"description": "Path to the file, relative to the project directory",
						},
						"offset": map[string]interface{}{
							"type":        "integer",
							"description": "Line number to start from (1-indexed, optional)",
						},
						"limit": map[string]interface{}{
							"type":        "integer",
							"description": "Maximum number of lines to return (optional)",
						},
					},
					Required: []string{"path"},
				},
			},
		},
		{
			OfTool: &anthropic.ToolParam{
				Name:        "write_file",
				Description: anthropic.String("Write content to a file, creating parent directories as needed."),
				InputSchema: anthropic.ToolInputSchemaParam{
					Properties: map[string]interface{}{
						"path": map[string]interface{}{
							"type":        "string",
							"description": "Path to the file, relative to the project directory",
						},
						"content": map[string]interface{}{
							"type":        "string",
							"description": "Full content to write",
						},
					},
					Required: []string{"path", "content"},
				},
			},
		},
		{
			OfTool: &anthropic.ToolParam{
				Name:        "edit_file",
				Description: anthropic.String("Replace text in a file. old_text must be unique unless replace_all is set."),
				InputSchema: anthropic.ToolInputSchemaParam{
					Properties: map[string]interface{}{
						"path": map[string]interface{}{
							"type":        "string",
							"description": "Path to the file, relative to the project directory",
						},
						"old_text": map[string]interface{}{
							"type":        "string",
							"description": "Exact text to replace",
						},
						"new_text": map[string]interface{}{
							"type":        "string",
							"description": "Replacement text",
						},
						"replace_all": map[string]interface{}{
							"type":        "boolean",
							"description": "Replace every occurrence (default false)",
						},
					},
					Required: []string{"path", "old_text", "new_text"},
				},
			},
		},
		{
			OfTool: &anthropic.ToolParam{
				Name:        "run_command",
				Description: anthropic.String("Run a bash command in the project directory and return its output."),
				InputSchema: anthropic.ToolInputSchemaParam{
					Properties: map[string]interface{}{
						"command": map[string]interface{}{
							"type":        "string",
							"description": "The bash command to run",
						},
						"timeout_ms": map[string]interface{}{
							"type":        "integer",
							"description": "Timeout in milliseconds (optional, default 120000)",
						},
					},
					Required: []string{"command"},
				},
			},
		},
		{
			OfTool: &anthropic.ToolParam{
				Name:        "find_files",
				Description: anthropic.String("Find files whose names match a glob pattern."),
				InputSchema: anthropic.ToolInputSchemaParam{
					Properties: map[string]interface{}{
						"pattern": map[string]interface{}{
							"type":        "string",
							"description": "Glob pattern to match against file names (e.g. '*.go')",
						},
						"path": map[string]interface{}{
							"type":        "string",
							"description": "Directory to search (optional, defaults to the project directory)",
						},
					},
					Required: []string{"pattern"},
				},
			},
		},
		{
			OfTool: &anthropic.ToolParam{
				Name:        "search_text",
				Description: anthropic.String("Search file contents with a regex pattern using ripgrep."),
				InputSchema: anthropic.ToolInputSchemaParam{
					Properties: map[string]interface{}{
						"pattern": map[string]interface{}{
							"type":        "string",
							"description": "Regex pattern to search for",
						},
						"path": map[string]interface{}{
							"type":        "string",
							"description": "File or directory to search (optional)",
						},
						"glob": map[string]interface{}{
							"type":        "string",
							"description": "Glob to filter files (e.g. '*.go', optional)",
						},
						"context": map[string]interface{}{
							"type":        "integer",
							"description": "Context lines around each match (optional)",
						},
					},
					Required: []string{"pattern"},
				},
			},
		},
		{
			OfTool: &anthropic.ToolParam{
				Name:        "list_dir",
				Description: anthropic.String("List the entries of a directory."),
				InputSchema: anthropic.ToolInputSchemaParam{
					Properties: map[string]interface{}{
						"path": map[string]interface{}{
							"type":        "string",
							"description": "Directory path, relative to the project directory",
						},
					},
					Required: []string{"path"},
				},
			},
		},
	}
}
