package processor

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/hazyhaar/edfpipe/edf"
)

// ReportProcessor is the processor used when no scoring command is
// configured. It reads the recording header and writes a report PDF with
// the recording metadata and an epoch table covering the whole recording,
// every epoch marked unscored.
type ReportProcessor struct {
	OutDir       string
	EpochSeconds int
}

// NewReportProcessor returns a ReportProcessor writing into outDir.
func NewReportProcessor(outDir string, epochSeconds int) *ReportProcessor {
	if epochSeconds <= 0 {
		epochSeconds = DefaultEpochSeconds
	}
	return &ReportProcessor{OutDir: outDir, EpochSeconds: epochSeconds}
}

// Process implements Processor.
func (p *ReportProcessor) Process(ctx context.Context, artifactPath string, sel edf.Selection) (Result, error) {
	fail := func(err error) (Result, error) {
		return Result{}, &ProcessingError{Artifact: artifactPath, Err: err}
	}

	h, err := edf.ReadHeaderFile(artifactPath)
	if err != nil {
		return fail(err)
	}
	if unknown := sel.Unknown(h.Labels()); len(unknown) > 0 {
		return fail(fmt.Errorf("channels not in recording: %s", strings.Join(unknown, ", ")))
	}
	if err := ctx.Err(); err != nil {
		return fail(err)
	}
	if err := os.MkdirAll(p.OutDir, 0o755); err != nil {
		return fail(err)
	}

	epochLen := float64(p.EpochSeconds)
	n := int(h.Duration().Seconds() / epochLen)
	epochs := UniformEpochs(n, epochLen, StageUnscored)
	out := OutputPaths(p.OutDir, artifactPath)

	err = writeFileAtomic(out.TablePath, func(w io.Writer) error { return WriteTable(w, epochs) })
	if err != nil {
		return fail(fmt.Errorf("write table: %w", err))
	}
	lines := ReportLines(filepath.Base(artifactPath), h, sel)
	lines = append(lines, fmt.Sprintf("Epochs: %d x %d s, unscored", n, p.EpochSeconds))
	err = writeFileAtomic(out.PlotPath, func(w io.Writer) error { return writeHypnogramPDF(w, lines, epochs) })
	if err != nil {
		os.Remove(out.TablePath)
		return fail(fmt.Errorf("write plot: %w", err))
	}
	return out, nil
}

// ReportLines returns the title block printed above a hypnogram.
func ReportLines(name string, h *edf.Header, sel edf.Selection) []string {
	date := "Unknown"
	if t, err := h.Start(); err == nil {
		date = t.Format("2006-01-02 15:04:05")
	}
	patient := strings.TrimSpace(h.Patient)
	if patient == "" {
		patient = "Unknown"
	}
	return []string{
		"Hypnogram for " + name,
		"Date: " + date,
		"Channels Used: " + sel.Summary(),
		"Patient: " + patient,
	}
}
