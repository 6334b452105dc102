// Package output renders CLI results as text, JSON or YAML. JSON and YAML use
// the snake_case json tags of the value being written.
package output

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"go.yaml.in/yaml/v3"
)

// Format represents the output format.
type Format string

const (
	FormatText Format = "text"
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

// ParseFormat validates a --output value.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case FormatText, FormatJSON, FormatYAML:
		return f, nil
	case "":
		return FormatText, nil
	default:
		return "", fmt.Errorf("unsupported format: %s (want text, json or yaml)", s)
	}
}

// Texter is implemented by values with their own human-readable form.
type Texter interface {
	Text() string
}

// Writer handles formatted output.
type Writer struct {
	format Format
	out    io.Writer
	errOut io.Writer
}

// Option configures the Writer.
type Option func(*Writer)

// WithOutput sets the standard output writer.
func WithOutput(w io.Writer) Option {
	return func(wr *Writer) {
		wr.out = w
	}
}

// WithErrorOutput sets the error output writer.
func WithErrorOutput(w io.Writer) Option {
	return func(wr *Writer) {
		wr.errOut = w
	}
}

// New creates a new output writer.
func New(format Format, opts ...Option) *Writer {
	w := &Writer{
		format: format,
		out:    os.Stdout,
		errOut: os.Stderr,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Format returns the configured format.
func (w *Writer) Format() Format { return w.format }

// IsText reports whether output is for humans.
func (w *Writer) IsText() bool { return w.format == FormatText }

// Write outputs data in the configured format.
func (w *Writer) Write(data any) error {
	switch w.format {
	case FormatJSON:
		enc := json.NewEncoder(w.out)
		enc.SetIndent("", "  ")
		return enc.Encode(data)
	case FormatYAML:
		normalized, err := normalizeForYAML(data)
		if err != nil {
			return err
		}
		b, err := yaml.Marshal(normalized)
		if err != nil {
			return err
		}
		if len(b) == 0 || b[len(b)-1] != '\n' {
			b = append(b, '\n')
		}
		_, err = w.out.Write(b)
		return err
	case FormatText:
		text := renderText(data)
		if !strings.HasSuffix(text, "\n") {
			text += "\n"
		}
		_, err := io.WriteString(w.out, text)
		return err
	default:
		return fmt.Errorf("unsupported format: %s", w.format)
	}
}

// Success outputs a success message.
func (w *Writer) Success(msg string) {
	if w.format == FormatText {
		fmt.Fprintf(w.errOut, "✓ %s\n", msg)
		return
	}
	_ = w.Write(map[string]any{"status": "success", "message": msg})
}

// ErrorPayload is the structured form of a failed command.
type ErrorPayload struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// Error outputs an error message.
func (w *Writer) Error(err error) {
	if w.format == FormatText {
		fmt.Fprintf(w.errOut, "✗ %s\n", err.Error())
		return
	}
	_ = w.Write(ErrorPayload{Error: "error", Message: err.Error()})
}

func renderText(data any) string {
	switch v := data.(type) {
	case Texter:
		return v.Text()
	case string:
		return v
	case map[string]any:
		return renderMap(v)
	case nil:
		return ""
	default:
		normalized, err := normalizeForYAML(data)
		if err != nil {
			return fmt.Sprintf("%v", data)
		}
		if m, ok := normalized.(map[string]any); ok {
			return renderMap(m)
		}
		return fmt.Sprintf("%v", data)
	}
}

// renderMap prints sorted "key: value" lines, flattening nested maps with
// dotted keys.
func renderMap(m map[string]any) string {
	flat := map[string]any{}
	flattenInto(flat, "", m)

	keys := make([]string, 0, len(flat))
	width := 0
	for k := range flat {
		keys = append(keys, k)
		if len(k) > width {
			width = len(k)
		}
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, "%-*s  %s\n", width+1, k+":", formatScalar(flat[k]))
	}
	return b.String()
}

func flattenInto(dst map[string]any, prefix string, m map[string]any) {
	for k, v := range m {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if nested, ok := v.(map[string]any); ok && len(nested) > 0 {
			flattenInto(dst, key, nested)
			continue
		}
		dst[key] = v
	}
}

func formatScalar(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case []any:
		parts := make([]string, len(x))
		for i, e := range x {
			parts[i] = formatScalar(e)
		}
		return "[" + strings.Join(parts, ", ") + "]"
	case []string:
		return "[" + strings.Join(x, ", ") + "]"
	default:
		return fmt.Sprintf("%v", x)
	}
}

func normalizeForYAML(v any) (any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var normalized any
	if err := dec.Decode(&normalized); err != nil {
		return nil, err
	}
	return normalized, nil
}
