package processor

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Stage codes written in the label column.
const (
	StageUnscored = -2
	StageArtefact = -1
	StageWake     = 0
	StageN1       = 1
	StageN2       = 2
	StageN3       = 3
	StageREM      = 4
)

// DefaultEpochSeconds is the scoring epoch length.
const DefaultEpochSeconds = 30

var tableHeader = []string{"onset", "label", "duration"}

// Epoch is one row of the epoch table.
type Epoch struct {
	Onset    float64
	Label    int
	Duration float64
}

// StageName returns the short name of a stage code.
func StageName(code int) string {
	switch code {
	case StageWake:
		return "W"
	case StageN1:
		return "N1"
	case StageN2:
		return "N2"
	case StageN3:
		return "N3"
	case StageREM:
		return "R"
	case StageArtefact:
		return "Art"
	default:
		return "Uns"
	}
}

func validStage(code int) bool { return code >= StageUnscored && code <= StageREM }

// UniformEpochs returns n epochs of epochSeconds all carrying label.
func UniformEpochs(n int, epochSeconds float64, label int) []Epoch {
	out := make([]Epoch, n)
	for i := range out {
		out[i] = Epoch{Onset: float64(i) * epochSeconds, Label: label, Duration: epochSeconds}
	}
	return out
}

// WriteTable writes epochs as CSV with the onset,label,duration header.
func WriteTable(w io.Writer, epochs []Epoch) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(tableHeader); err != nil {
		return err
	}
	for _, e := range epochs {
		if err := cw.Write([]string{fmtNum(e.Onset), strconv.Itoa(e.Label), fmtNum(e.Duration)}); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func fmtNum(f float64) string {
	if f == math.Trunc(f) {
		return strconv.FormatInt(int64(f), 10)
	}
	return strconv.FormatFloat(f, 'f', -1, 64)
}

// ReadTable parses and validates an epoch table: the header must match,
// durations must be constant and positive, onsets must be consecutive
// multiples of the duration and labels known stage codes.
func ReadTable(r io.Reader) ([]Epoch, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = len(tableHeader)
	head, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("table: empty")
	}
	if err != nil {
		return nil, fmt.Errorf("table: header: %w", err)
	}
	for i, h := range head {
		if strings.TrimSpace(h) != tableHeader[i] {
			return nil, fmt.Errorf("table: header %q, want %q", strings.Join(head, ","), strings.Join(tableHeader, ","))
		}
	}

	var out []Epoch
	for line := 2; ; line++ {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("table: %w", err)
		}
		var e Epoch
		if e.Onset, err = strconv.ParseFloat(strings.TrimSpace(rec[0]), 64); err != nil {
			return nil, fmt.Errorf("table line %d: onset: %w", line, err)
		}
		if e.Label, err = parseLabel(rec[1]); err != nil {
			return nil, fmt.Errorf("table line %d: label: %w", line, err)
		}
		if !validStage(e.Label) {
			return nil, fmt.Errorf("table line %d: unknown stage %d", line, e.Label)
		}
		if e.Duration, err = strconv.ParseFloat(strings.TrimSpace(rec[2]), 64); err != nil {
			return nil, fmt.Errorf("table line %d: duration: %w", line, err)
		}
		if e.Duration <= 0 {
			return nil, fmt.Errorf("table line %d: duration %v", line, e.Duration)
		}
		if n := len(out); n > 0 && e.Duration != out[0].Duration {
			return nil, fmt.Errorf("table line %d: duration %v differs from %v", line, e.Duration, out[0].Duration)
		}
		if want := float64(len(out)) * e.Duration; math.Abs(e.Onset-want) > 1e-6 {
			return nil, fmt.Errorf("table line %d: onset %v, want %v", line, e.Onset, want)
		}
		out = append(out, e)
	}
	return out, nil
}

// parseLabel accepts "2" as well as "2.0".
func parseLabel(s string) (int, error) {
	s = strings.TrimSpace(s)
	if n, err := strconv.Atoi(s); err == nil {
		return n, nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || f != math.Trunc(f) {
		return 0, fmt.Errorf("not an integer: %q", s)
	}
	return int(f), nil
}

// ReadTableFile opens path and parses it with ReadTable.
func ReadTableFile(path string) ([]Epoch, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ReadTable(f)
}

// writeFileAtomic fills a temp file next to path and renames it over path.
func writeFileAtomic(path string, fill func(io.Writer) error) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if err := fill(tmp); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
