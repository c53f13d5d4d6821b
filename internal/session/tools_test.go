package session

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func runTool(t *testing.T, r *toolRunner, name, input string) toolOutput {
	t.Helper()
	return r.run(context.Background(), name, json.RawMessage(input))
}

func TestToolRunnerReadFile(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("one\ntwo\nthree\nfour"), 0644); err != nil {
		t.Fatal(err)
	}
	r := &toolRunner{workdir: dir}

	out := runTool(t, r, "read_file", `{"path":"notes.txt"}`)
	if out.failed {
		t.Fatalf("read failed: %s", out.text)
	}
	if !strings.Contains(out.text, "     1\tone") || !strings.Contains(out.text, "     4\tfour") {
		t.Errorf("unexpected output:\n%s", out.text)
	}

	out = runTool(t, r, "read_file", `{"path":"notes.txt","offset":2,"limit":2}`)
	if out.failed {
		t.Fatalf("windowed read failed: %s", out.text)
	}
	if strings.Contains(out.text, "one") || !strings.Contains(out.text, "two") ||
		!strings.Contains(out.text, "three") || strings.Contains(out.text, "four") {
		t.Errorf("window not applied:\n%s", out.text)
	}

	if out := runTool(t, r, "read_file", `{"path":"missing.txt"}`); !out.failed {
		t.Error("reading a missing file should fail")
	}
	if out := runTool(t, r, "read_file", `{"path":"notes.txt","offset":99}`); !out.failed {
		t.Error("offset past end of file should fail")
	}
}

func TestToolRunnerWriteFile(t *testing.T) {
	dir := t.TempDir()
	r := &toolRunner{workdir: dir}

	out := runTool(t, r, "write_file", `{"path":"sub/dir/out.txt","content":"hello"}`)
	if out.failed {
		t.Fatalf("write failed: %s", out.text)
	}

	content, err := os.ReadFile(filepath.Join(dir, "sub", "dir", "out.txt"))
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if string(content) != "hello" {
		t.Errorf("content = %q, want hello", content)
	}
}

func TestToolRunnerEditFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "main.go")
	if err := os.WriteFile(path, []byte("aaa bbb aaa"), 0644); err != nil {
		t.Fatal(err)
	}
	r := &toolRunner{workdir: dir}

	if out := runTool(t, r, "edit_file", `{"path":"main.go","old_text":"zzz","new_text":"x"}`); !out.failed {
		t.Error("editing absent text should fail")
	}
	if out := runTool(t, r, "edit_file", `{"path":"main.go","old_text":"aaa","new_text":"x"}`); !out.failed {
		t.Error("ambiguous old_text should fail without replace_all")
	}

	out := runTool(t, r, "edit_file", `{"path":"main.go","old_text":"bbb","new_text":"ccc"}`)
	if out.failed {
		t.Fatalf("edit failed: %s", out.text)
	}
	out = runTool(t, r, "edit_file", `{"path":"main.go","old_text":"aaa","new_text":"ddd","replace_all":true}`)
	if out.failed {
		t.Fatalf("replace_all edit failed: %s", out.text)
	}

	content, _ := os.ReadFile(path)
	if string(content) != "ddd ccc ddd" {
		t.Errorf("content = %q, want %q", content, "ddd ccc ddd")
	}
}

func TestToolRunnerRunCommand(t *testing.T) {
	r := &toolRunner{workdir: t.TempDir()}

	out := runTool(t, r, "run_command", `{"command":"echo orchestrated"}`)
	if out.failed {
		t.Fatalf("command failed: %s", out.text)
	}
	if !strings.Contains(out.text, "orchestrated") {
		t.Errorf("output = %q", out.text)
	}

	if out := runTool(t, r, "run_command", `{"command":"exit 3"}`); !out.failed {
		t.Error("non-zero exit should report failure")
	}
}

func TestToolRunnerFindFiles(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"a.go", "b.go", "c.txt", ".hidden/d.go"} {
		path := filepath.Join(dir, name)
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, []byte("x"), 0644); err != nil {
			t.Fatal(err)
		}
	}
	r := &toolRunner{workdir: dir}

	out := runTool(t, r, "find_files", `{"pattern":"*.go"}`)
	if out.failed {
		t.Fatalf("find failed: %s", out.text)
	}
	if !strings.Contains(out.text, "a.go") || !strings.Contains(out.text, "b.go") {
		t.Errorf("matches missing:\n%s", out.text)
	}
	if strings.Contains(out.text, "c.txt") || strings.Contains(out.text, "d.go") {
		t.Errorf("unexpected matches:\n%s", out.text)
	}

	out = runTool(t, r, "find_files", `{"pattern":"*.rs"}`)
	if out.failed || !strings.Contains(out.text, "no files matched") {
		t.Errorf("empty search = %+v", out)
	}
}

func TestToolRunnerListDir(t *testing.T) {
	dir := t.TempDir()
	if err := os.Mkdir(filepath.Join(dir, "pkg"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "go.mod"), []byte("module x\n"), 0644); err != nil {
		t.Fatal(err)
	}
	r := &toolRunner{workdir: dir}

	out := runTool(t, r, "list_dir", `{"path":"."}`)
	if out.failed {
		t.Fatalf("list failed: %s", out.text)
	}
	if !strings.Contains(out.text, "d pkg/") || !strings.Contains(out.text, "go.mod") {
		t.Errorf("listing:\n%s", out.text)
	}
}

func TestToolRunnerUnknownTool(t *testing.T) {
	r := &toolRunner{workdir: t.TempDir()}
	if out := runTool(t, r, "teleport", `{}`); !out.failed {
		t.Error("unknown tool should report an error result")
	}
}

func TestToolRunnerBadArguments(t *testing.T) {
	r := &toolRunner{workdir: t.TempDir()}
	for _, tool := range []string{"read_file", "write_file", "edit_file", "run_command", "find_files", "list_dir"} {
		if out := runTool(t, r, tool, `{notjson`); !out.failed {
			t.Errorf("%s accepted malformed arguments", tool)
		}
	}
}

func TestAgentToolsCoverRunner(t *testing.T) {
	r := &toolRunner{workdir: t.TempDir()}
	for _, tool := range agentTools() {
		name := tool.OfTool.Name
		out := r.run(context.Background(), name, json.RawMessage(`{}`))
		if out.failed && strings.Contains(out.text, "unknown tool") {
			t.Errorf("schema advertises %s but the runner does not dispatch it", name)
		}
	}
}
