// Package processor is the seam between the pipeline and the sleep-scoring
// engine. The pipeline hands over an assembled EDF recording and a channel
// selection and gets back two artifact paths: a hypnogram plot (PDF) and an
// epoch table (CSV).
//
// Two implementations ship: ExecProcessor runs an external scoring command,
// ReportProcessor writes a metadata report and an unscored table when no
// command is configured.
package processor

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/hazyhaar/edfpipe/edf"
)

// Result holds the artifacts produced for one recording.
type Result struct {
	PlotPath  string `json:"plot_path"`
	TablePath string `json:"table_path"`
}

// Paths returns the artifact paths in a stable order.
func (r Result) Paths() []string { return []string{r.PlotPath, r.TablePath} }

// Processor turns an assembled recording into result artifacts. It must
// not leave a partially written artifact under a final name.
type Processor interface {
	Process(ctx context.Context, artifactPath string, sel edf.Selection) (Result, error)
}

// Func adapts a plain function to Processor.
type Func func(ctx context.Context, artifactPath string, sel edf.Selection) (Result, error)

// Process calls f.
func (f Func) Process(ctx context.Context, artifactPath string, sel edf.Selection) (Result, error) {
	return f(ctx, artifactPath, sel)
}

// ProcessingError reports a failed processing run. Jobs that end with one
// are recorded Failed and never retried.
type ProcessingError struct {
	Artifact string
	Err      error
}

func (e *ProcessingError) Error() string {
	return fmt.Sprintf("processing %s: %v", filepath.Base(e.Artifact), e.Err)
}

func (e *ProcessingError) Unwrap() error { return e.Err }

// OutputPaths returns where the artifacts for artifact land in outDir:
// <name>_hypnogram.pdf and <name>.csv, name being the artifact's base name.
func OutputPaths(outDir, artifact string) Result {
	name := filepath.Base(artifact)
	return Result{
		PlotPath:  filepath.Join(outDir, name+"_hypnogram.pdf"),
		TablePath: filepath.Join(outDir, name+".csv"),
	}
}

// ArtifactNames returns the download names for a processed file name.
func ArtifactNames(filename string) (plot, table string) {
	return filename + "_hypnogram.pdf", filename + ".csv"
}
