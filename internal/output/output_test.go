package output

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"go.yaml.in/yaml/v3"
)

func newBuffered(format Format) (*Writer, *bytes.Buffer, *bytes.Buffer) {
	var out, errOut bytes.Buffer
	return New(format, WithOutput(&out), WithErrorOutput(&errOut)), &out, &errOut
}

type texted struct{ Name string }

func (t texted) Text() string { return "name is " + t.Name }

func TestParseFormat(t *testing.T) {
	t.Parallel()

	for in, want := range map[string]Format{
		"":     FormatText,
		"text": FormatText,
		"JSON": FormatJSON,
		"yaml": FormatYAML,
	} {
		got, err := ParseFormat(in)
		if err != nil {
			t.Fatalf("ParseFormat(%q): %v", in, err)
		}
		if got != want {
			t.Errorf("ParseFormat(%q) = %q, want %q", in, got, want)
		}
	}
	if _, err := ParseFormat("toon"); err == nil {
		t.Error("expected error for unknown format")
	}
}

func TestWriter_Write_Text(t *testing.T) {
	t.Parallel()

	w, out, _ := newBuffered(FormatText)
	if err := w.Write("hello"); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if got := out.String(); got != "hello\n" {
		t.Fatalf("unexpected output: %q", got)
	}
}

func TestWriter_Write_TextUsesTexter(t *testing.T) {
	t.Parallel()

	w, out, _ := newBuffered(FormatText)
	if err := w.Write(texted{Name: "permd"}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if got := out.String(); got != "name is permd\n" {
		t.Fatalf("unexpected output: %q", got)
	}
}

func TestWriter_Write_TextFlattensMaps(t *testing.T) {
	t.Parallel()

	type inner struct {
		Port int `json:"port"`
	}
	type payload struct {
		Name  string   `json:"name"`
		Inner inner    `json:"inner"`
		Tags  []string `json:"tags"`
	}

	w, out, _ := newBuffered(FormatText)
	if err := w.Write(payload{Name: "x", Inner: inner{Port: 7}, Tags: []string{"a", "b"}}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("expected 3 lines, got %q", out.String())
	}
	if !strings.HasPrefix(lines[0], "inner.port:") || !strings.HasSuffix(lines[0], "7") {
		t.Errorf("line 0 = %q", lines[0])
	}
	if !strings.HasPrefix(lines[1], "name:") || !strings.HasSuffix(lines[1], "x") {
		t.Errorf("line 1 = %q", lines[1])
	}
	if !strings.HasSuffix(lines[2], "[a, b]") {
		t.Errorf("line 2 = %q", lines[2])
	}
}

func TestWriter_Write_JSON(t *testing.T) {
	t.Parallel()

	w, out, _ := newBuffered(FormatJSON)
	if err := w.Write(map[string]any{"a": 1}); err != nil {
		t.Fatalf("Write: %v", err)
	}

	if !strings.Contains(out.String(), "\n  ") {
		t.Fatalf("expected pretty-printed JSON, got: %q", out.String())
	}

	var payload map[string]any
	if err := json.Unmarshal(out.Bytes(), &payload); err != nil {
		t.Fatalf("json.Unmarshal: %v; out=%q", err, out.String())
	}
	if got, ok := payload["a"].(float64); !ok || got != 1 {
		t.Fatalf("unexpected payload: %#v", payload)
	}
}

func TestWriter_Write_YAML(t *testing.T) {
	t.Parallel()

	type payload struct {
		SocketPath string `json:"socket_path"`
		Pending    int    `json:"pending"`
	}
	w, out, _ := newBuffered(FormatYAML)
	if err := w.Write(payload{SocketPath: "/tmp/x.sock", Pending: 1}); err != nil {
		t.Fatalf("Write: %v", err)
	}

	var decoded map[string]any
	if err := yaml.Unmarshal(out.Bytes(), &decoded); err != nil {
		t.Fatalf("yaml.Unmarshal: %v; out=%q", err, out.String())
	}
	if decoded["socket_path"] != "/tmp/x.sock" {
		t.Fatalf("json tag names not used: %#v", decoded)
	}
	if v, ok := decoded["pending"].(int); !ok || v != 1 {
		t.Fatalf("unexpected pending: %#v", decoded["pending"])
	}
}

func TestWriter_Write_UnsupportedFormat(t *testing.T) {
	t.Parallel()

	w, _, _ := newBuffered(Format("bogus"))
	if err := w.Write("x"); err == nil {
		t.Fatalf("expected error")
	}
}

func TestWriter_Success(t *testing.T) {
	t.Parallel()

	w, _, errOut := newBuffered(FormatText)
	w.Success("ok")
	if got := errOut.String(); got != "✓ ok\n" {
		t.Fatalf("unexpected output: %q", got)
	}

	w, out, _ := newBuffered(FormatJSON)
	w.Success("ok")
	var payload map[string]any
	if err := json.Unmarshal(out.Bytes(), &payload); err != nil {
		t.Fatalf("json.Unmarshal: %v; out=%q", err, out.String())
	}
	if payload["status"] != "success" || payload["message"] != "ok" {
		t.Fatalf("unexpected payload: %#v", payload)
	}
}

func TestWriter_Error(t *testing.T) {
	t.Parallel()

	w, _, errOut := newBuffered(FormatText)
	w.Error(errors.New("boom"))
	if got := errOut.String(); got != "✗ boom\n" {
		t.Fatalf("unexpected output: %q", got)
	}

	w, out, _ := newBuffered(FormatJSON)
	w.Error(errors.New("boom"))
	var payload ErrorPayload
	if err := json.Unmarshal(out.Bytes(), &payload); err != nil {
		t.Fatalf("json.Unmarshal: %v; out=%q", err, out.String())
	}
	if payload.Error != "error" || payload.Message != "boom" {
		t.Fatalf("unexpected payload: %#v", payload)
	}
}
