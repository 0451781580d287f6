// Package edftest builds minimal EDF files for tests.
package edftest

import (
	"bytes"
	"fmt"
	"os"
	"testing"
)

// Options tune the generated header.
type Options struct {
	Patient        string
	StartDate      string // dd.mm.yy
	StartTime      string // hh.mm.ss
	NumRecords     int
	RecordDuration int
	Samples        int // samples per record per signal
}

// Build returns a valid EDF file with the given signal labels and
// NumRecords zero-filled data records.
func Build(labels []string, opt Options) []byte {
	if opt.StartDate == "" {
		opt.StartDate = "15.03.24"
	}
	if opt.StartTime == "" {
		opt.StartTime = "22.30.00"
	}
	if opt.RecordDuration == 0 {
		opt.RecordDuration = 1
	}
	if opt.Samples == 0 {
		opt.Samples = 4
	}
	ns := len(labels)
	var b bytes.Buffer
	pad := func(s string, n int) {
		if len(s) > n {
			s = s[:n]
		}
		fmt.Fprintf(&b, "%-*s", n, s)
	}
	pad("0", 8)
	pad(opt.Patient, 80)
	pad("Startdate test", 80)
	pad(opt.StartDate, 8)
	pad(opt.StartTime, 8)
	pad(fmt.Sprint(256+ns*256), 8)
	pad("", 44)
	pad(fmt.Sprint(opt.NumRecords), 8)
	pad(fmt.Sprint(opt.RecordDuration), 8)
	pad(fmt.Sprint(ns), 4)

	each := func(v string, n int) {
		for range labels {
			pad(v, n)
		}
	}
	for _, l := range labels {
		pad(l, 16)
	}
	each("AgAgCl electrode", 80)
	each("uV", 8)
	each("-500", 8)
	each("500", 8)
	each("-32768", 8)
	each("32767", 8)
	each("HP:0.1Hz LP:75Hz", 80)
	each(fmt.Sprint(opt.Samples), 8)
	each("", 32)

	b.Write(make([]byte, opt.NumRecords*ns*opt.Samples*2))
	return b.Bytes()
}

// WriteFile writes Build output to path.
func WriteFile(t testing.TB, path string, labels []string, opt Options) {
	t.Helper()
	if err := os.WriteFile(path, Build(labels, opt), 0o644); err != nil {
		t.Fatal(err)
	}
}
