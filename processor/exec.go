package processor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/hazyhaar/edfpipe/edf"
)

// ExecProcessor runs an external scoring command once per recording:
//
//	<Command> <Args...> --input <edf> --channels <json> --plot <pdf> --table <csv> --epoch <seconds>
//
// The command writes into a private run directory. Both outputs are
// checked (the plot must be a readable PDF with at least one page, the
// table a valid epoch table) before they are renamed to their final names.
type ExecProcessor struct {
	Command      string
	Args         []string
	OutDir       string
	EpochSeconds int
	// WaitDelay bounds how long output pipes may stay open after the
	// command was killed. Default: 5s.
	WaitDelay time.Duration
	Logger    *slog.Logger
}

// outputTail is how much command output is kept for error reports.
const outputTail = 4096

// Process implements Processor.
func (p *ExecProcessor) Process(ctx context.Context, artifactPath string, sel edf.Selection) (Result, error) {
	fail := func(err error) (Result, error) {
		return Result{}, &ProcessingError{Artifact: artifactPath, Err: err}
	}
	if p.Command == "" {
		return fail(errors.New("no processor command configured"))
	}
	epoch := p.EpochSeconds
	if epoch <= 0 {
		epoch = DefaultEpochSeconds
	}
	log := p.Logger
	if log == nil {
		log = slog.Default()
	}

	if err := os.MkdirAll(p.OutDir, 0o755); err != nil {
		return fail(err)
	}
	runDir, err := os.MkdirTemp(p.OutDir, ".run-*")
	if err != nil {
		return fail(err)
	}
	defer os.RemoveAll(runDir)

	channels, err := json.Marshal(sel.Scoring())
	if err != nil {
		return fail(err)
	}
	final := OutputPaths(p.OutDir, artifactPath)
	tmp := OutputPaths(runDir, artifactPath)

	args := append(append([]string{}, p.Args...),
		"--input", artifactPath,
		"--channels", string(channels),
		"--plot", tmp.PlotPath,
		"--table", tmp.TablePath,
		"--epoch", strconv.Itoa(epoch),
	)
	cmd := exec.CommandContext(ctx, p.Command, args...)
	out := &tailBuffer{max: outputTail}
	cmd.Stdout = out
	cmd.Stderr = out
	cmd.WaitDelay = p.WaitDelay
	if cmd.WaitDelay <= 0 {
		cmd.WaitDelay = 5 * time.Second
	}

	start := time.Now()
	if err := cmd.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fail(fmt.Errorf("%s: %w", p.Command, ctxErr))
		}
		return fail(fmt.Errorf("%s: %w\nOutput: %s", p.Command, err, out.String()))
	}
	log.Debug("processor: command finished", "artifact", filepath.Base(artifactPath), "duration", time.Since(start))

	pages, err := PageCount(tmp.PlotPath)
	if err != nil {
		return fail(fmt.Errorf("plot: %w", err))
	}
	if pages < 1 {
		return fail(errors.New("plot: no pages"))
	}
	if _, err := ReadTableFile(tmp.TablePath); err != nil {
		return fail(err)
	}

	if err := os.Rename(tmp.TablePath, final.TablePath); err != nil {
		return fail(err)
	}
	if err := os.Rename(tmp.PlotPath, final.PlotPath); err != nil {
		os.Remove(final.TablePath)
		return fail(err)
	}
	return final, nil
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	max int
	buf []byte
	cut bool
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.max; over > 0 {
		t.buf = append(t.buf[:0], t.buf[over:]...)
		t.cut = true
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	s := strings.TrimSpace(string(t.buf))
	if t.cut {
		return "..." + s
	}
	return s
}
