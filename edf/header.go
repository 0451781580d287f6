// Package edf reads the header of European Data Format recordings and sorts
// their signal labels into the channel categories used for sleep scoring.
//
// Only the header is decoded. Sample data is left to the processor.
package edf

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	fixedHeaderLen = 256
	perSignalLen   = 256
	maxSignals     = 4096
)

// ErrNotEDF is returned when the input is too short or its fixed header
// fields do not parse.
var ErrNotEDF = errors.New("edf: not an EDF header")

// Signal is the per-signal header block.
type Signal struct {
	Label            string  `json:"label"`
	Transducer       string  `json:"transducer"`
	Dimension        string  `json:"dimension"`
	PhysicalMin      float64 `json:"physical_min"`
	PhysicalMax      float64 `json:"physical_max"`
	DigitalMin       int     `json:"digital_min"`
	DigitalMax       int     `json:"digital_max"`
	Prefilter        string  `json:"prefilter"`
	SamplesPerRecord int     `json:"samples_per_record"`
}

// Header is the decoded EDF/EDF+ header.
type Header struct {
	Version        string   `json:"version"`
	Patient        string   `json:"patient"`
	Recording      string   `json:"recording"`
	StartDate      string   `json:"start_date"`
	StartTime      string   `json:"start_time"`
	HeaderBytes    int      `json:"header_bytes"`
	Reserved       string   `json:"reserved"`
	NumRecords     int      `json:"num_records"`
	RecordDuration float64  `json:"record_duration"`
	Signals        []Signal `json:"signals"`
}

// ReadHeaderFile opens path and decodes its header.
func ReadHeaderFile(path string) (*Header, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("edf: %w", err)
	}
	defer f.Close()
	return ReadHeader(bufio.NewReader(f))
}

// ReadHeader decodes the fixed header and every per-signal block from r.
func ReadHeader(r io.Reader) (*Header, error) {
	fixed := make([]byte, fixedHeaderLen)
	if _, err := io.ReadFull(r, fixed); err != nil {
		return nil, fmt.Errorf("%w: fixed header: %v", ErrNotEDF, err)
	}
	field := func(from, to int) string { return strings.TrimSpace(string(fixed[from:to])) }

	h := &Header{
		Version:   field(0, 8),
		Patient:   field(8, 88),
		Recording: field(88, 168),
		StartDate: field(168, 176),
		StartTime: field(176, 184),
		Reserved:  field(192, 236),
	}
	var err error
	if h.HeaderBytes, err = atoi(field(184, 192)); err != nil {
		return nil, fmt.Errorf("%w: header bytes: %v", ErrNotEDF, err)
	}
	if h.NumRecords, err = atoi(field(236, 244)); err != nil {
		return nil, fmt.Errorf("%w: number of records: %v", ErrNotEDF, err)
	}
	if h.RecordDuration, err = atof(field(244, 252)); err != nil {
		return nil, fmt.Errorf("%w: record duration: %v", ErrNotEDF, err)
	}
	ns, err := atoi(field(252, 256))
	if err != nil {
		return nil, fmt.Errorf("%w: number of signals: %v", ErrNotEDF, err)
	}
	if ns < 0 || ns > maxSignals {
		return nil, fmt.Errorf("%w: %d signals", ErrNotEDF, ns)
	}
	if want := fixedHeaderLen + ns*perSignalLen; h.HeaderBytes != 0 && h.HeaderBytes != want {
		return nil, fmt.Errorf("%w: header bytes %d, expected %d for %d signals", ErrNotEDF, h.HeaderBytes, want, ns)
	}

	block := make([]byte, ns*perSignalLen)
	if _, err := io.ReadFull(r, block); err != nil {
		return nil, fmt.Errorf("%w: signal headers: %v", ErrNotEDF, err)
	}
	h.Signals, err = decodeSignals(block, ns)
	if err != nil {
		return nil, err
	}
	return h, nil
}

// decodeSignals walks the column-major per-signal layout: all labels, then
// all transducers, and so on.
func decodeSignals(block []byte, ns int) ([]Signal, error) {
	off := 0
	column := func(width int) []string {
		out := make([]string, ns)
		for i := range out {
			out[i] = strings.TrimSpace(string(block[off : off+width]))
			off += width
		}
		return out
	}
	labels := column(16)
	transducers := column(80)
	dims := column(8)
	physMin := column(8)
	physMax := column(8)
	digMin := column(8)
	digMax := column(8)
	prefilters := column(80)
	samples := column(8)

	sigs := make([]Signal, ns)
	for i := range sigs {
		s := Signal{
			Label:      labels[i],
			Transducer: transducers[i],
			Dimension:  dims[i],
			Prefilter:  prefilters[i],
		}
		var err error
		if s.PhysicalMin, err = atof(physMin[i]); err != nil {
			return nil, fmt.Errorf("%w: signal %d physical min: %v", ErrNotEDF, i, err)
		}
		if s.PhysicalMax, err = atof(physMax[i]); err != nil {
			return nil, fmt.Errorf("%w: signal %d physical max: %v", ErrNotEDF, i, err)
		}
		if s.DigitalMin, err = atoi(digMin[i]); err != nil {
			return nil, fmt.Errorf("%w: signal %d digital min: %v", ErrNotEDF, i, err)
		}
		if s.DigitalMax, err = atoi(digMax[i]); err != nil {
			return nil, fmt.Errorf("%w: signal %d digital max: %v", ErrNotEDF, i, err)
		}
		if s.SamplesPerRecord, err = atoi(samples[i]); err != nil {
			return nil, fmt.Errorf("%w: signal %d samples: %v", ErrNotEDF, i, err)
		}
		sigs[i] = s
	}
	return sigs, nil
}

// Labels returns the signal labels in header order.
func (h *Header) Labels() []string {
	out := make([]string, len(h.Signals))
	for i, s := range h.Signals {
		out[i] = s.Label
	}
	return out
}

// Duration is the total recording length. It is zero while the record
// count is unknown (-1, a recording still being written).
func (h *Header) Duration() time.Duration {
	if h.NumRecords <= 0 {
		return 0
	}
	return time.Duration(float64(h.NumRecords) * h.RecordDuration * float64(time.Second))
}

// Start parses StartDate and StartTime (dd.mm.yy hh.mm.ss). Two-digit years
// 85-99 are 1985-1999, the rest 2000-2084.
func (h *Header) Start() (time.Time, error) {
	t, err := time.Parse("02.01.06 15.04.05", h.StartDate+" "+h.StartTime)
	if err != nil {
		return time.Time{}, fmt.Errorf("edf: start date: %w", err)
	}
	yy := t.Year() % 100
	year := 2000 + yy
	if yy >= 85 {
		year = 1900 + yy
	}
	return time.Date(year, t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), 0, time.UTC), nil
}

func atoi(s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	return strconv.Atoi(s)
}

func atof(s string) (float64, error) {
	if s == "" {
		return 0, nil
	}
	return strconv.ParseFloat(s, 64)
}
