package output

import (
	"fmt"
	"strings"
)

// Format is a rendering target for CLI reports.
type Format string

const (
	FormatTable    Format = "table"
	FormatJSON     Format = "json"
	FormatMarkdown Format = "markdown"
	FormatCSV      Format = "csv"
)

var extensions = map[Format]string{
	FormatTable:    ".txt",
	FormatJSON:     ".json",
	FormatMarkdown: ".md",
	FormatCSV:      ".csv",
}

var aliases = map[string]Format{
	"":     FormatTable,
	"md":   FormatMarkdown,
	"text": FormatTable,
}

// ParseFormat normalizes value. When allowed is non-empty the result must
// be one of them.
func ParseFormat(value string, allowed ...Format) (Format, error) {
	normalized := strings.ToLower(strings.TrimSpace(value))
	f, ok := aliases[normalized]
	if !ok {
		f = Format(normalized)
	}
	if _, known := extensions[f]; !known {
		return "", fmt.Errorf("unsupported output format: %s", value)
	}
	if len(allowed) == 0 {
		return f, nil
	}
	for _, a := range allowed {
		if a == f {
			return f, nil
		}
	}
	return "", fmt.Errorf("output format %s not supported here (use %s)", f, Join(allowed))
}

// Join lists formats for help text, e.g. "table|json".
func Join(formats []Format) string {
	names := make([]string, len(formats))
	for i, f := range formats {
		names[i] = string(f)
	}
	return strings.Join(names, "|")
}

// Extension returns the file extension used when writing format to a file.
func (f Format) Extension() string {
	if ext, ok := extensions[f]; ok {
		return ext
	}
	return ".txt"
}
