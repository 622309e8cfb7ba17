package cmd

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/spf13/cobra"

	"github.com/predmkts/predmkts/internal/output"
)

const formatsAnnotation = "predmkts/formats"

// outputSink is where a report goes. File sinks write to a temp file in
// the target directory and rename on close, so readers never see a
// partial report.
type outputSink struct {
	writer io.Writer
	close  func() error
	// abort drops a file sink without publishing it.
	abort func()
	path  string
}

var nonFilename = regexp.MustCompile(`[^a-z0-9._-]+`)

func sanitizeFilename(value string) string {
	clean := nonFilename.ReplaceAllString(strings.ToLower(strings.TrimSpace(value)), "-")
	if clean = strings.Trim(clean, "-."); clean == "" {
		return "output"
	}
	return clean
}

// addOutputFlags registers --output-format, --out and --out-dir on cmd.
// formats are the renderings the command supports, default first.
func addOutputFlags(cmd *cobra.Command, formats ...output.Format) {
	if len(formats) == 0 {
		formats = []output.Format{output.FormatTable}
	}
	names := make([]string, len(formats))
	for i, f := range formats {
		names[i] = string(f)
	}

	flags := cmd.Flags()
	flags.String("output-format", names[0], "Output format: "+output.Join(formats))
	flags.String("out", "", "Write output to a file (default stdout)")
	flags.String("out-dir", "", "Write output to a directory")
	_ = flags.SetAnnotation("output-format", formatsAnnotation, names)
	_ = cmd.RegisterFlagCompletionFunc("output-format", cobra.FixedCompletions(names, cobra.ShellCompDirectiveNoFileComp))
	cmd.MarkFlagsMutuallyExclusive("out", "out-dir")
}

func resolveOutputFormat(cmd *cobra.Command) (output.Format, error) {
	flag := cmd.Flags().Lookup("output-format")
	if flag == nil {
		return output.FormatTable, nil
	}
	var allowed []output.Format
	for _, name := range flag.Annotations[formatsAnnotation] {
		allowed = append(allowed, output.Format(name))
	}
	return output.ParseFormat(flag.Value.String(), allowed...)
}

func resolveOutputTargets(cmd *cobra.Command) (outPath string, outDir string, err error) {
	if outPath, err = cmd.Flags().GetString("out"); err != nil {
		return "", "", err
	}
	if outDir, err = cmd.Flags().GetString("out-dir"); err != nil {
		return "", "", err
	}
	outPath, outDir = strings.TrimSpace(outPath), strings.TrimSpace(outDir)
	if outPath != "" && outDir != "" {
		return "", "", fmt.Errorf("--out and --out-dir are mutually exclusive")
	}
	return outPath, outDir, nil
}

// openCommandSink resolves --out/--out-dir for cmd. With --out-dir the file
// is named after stem and the format extension.
func openCommandSink(cmd *cobra.Command, stem string, format output.Format) (*outputSink, error) {
	outPath, outDir, err := resolveOutputTargets(cmd)
	if err != nil {
		return nil, err
	}
	if outDir != "" {
		outPath = filepath.Join(outDir, sanitizeFilename(stem)+format.Extension())
	}
	return openSink(outPath)
}

// writeReport runs render against the sink for cmd. A failed render leaves
// no file behind.
func writeReport(cmd *cobra.Command, stem string, format output.Format, render func(io.Writer) error) error {
	sink, err := openCommandSink(cmd, stem, format)
	if err != nil {
		return err
	}
	if err := render(sink.writer); err != nil {
		sink.abort()
		return err
	}
	return sink.close()
}

func openSink(path string) (*outputSink, error) {
	if path == "" || path == "-" {
		return &outputSink{writer: os.Stdout, close: func() error { return nil }, abort: func() {}, path: "-"}, nil
	}

	dir := filepath.Dir(path)
	// #nosec G301 -- output directories use 0755 like the data directory
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create output directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return nil, err
	}
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}

	return &outputSink{
		writer: tmp,
		path:   path,
		abort: func() {
			_ = tmp.Close()
			_ = os.Remove(tmp.Name())
		},
		close: func() error {
			if err := tmp.Close(); err != nil {
				_ = os.Remove(tmp.Name())
				return err
			}
			// #nosec G302 -- reports are meant to be shared like any CLI output
			if err := os.Chmod(tmp.Name(), 0644); err != nil {
				_ = os.Remove(tmp.Name())
				return err
			}
			if err := os.Rename(tmp.Name(), path); err != nil {
				_ = os.Remove(tmp.Name())
				return fmt.Errorf("write %s: %w", path, err)
			}
			return nil
		},
	}, nil
}
