package edf_test

import (
	"bytes"
	"errors"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/hazyhaar/edfpipe/edf"
	"github.com/hazyhaar/edfpipe/edf/edftest"
)

func TestReadHeader(t *testing.T) {
	labels := []string{"Fpz-Cz", "Pz-Oz", "EOG horizontal", "EMG submental", "Resp oro-nasal"}
	data := edftest.Build(labels, edftest.Options{
		Patient:        "X F 01-JAN-1970 Jane",
		StartDate:      "24.04.89",
		StartTime:      "16.13.00",
		NumRecords:     3,
		RecordDuration: 30,
		Samples:        2,
	})

	h, err := edf.ReadHeader(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("ReadHeader: %v", err)
	}
	if h.Version != "0" || h.Patient != "X F 01-JAN-1970 Jane" {
		t.Errorf("version/patient = %q/%q", h.Version, h.Patient)
	}
	if h.HeaderBytes != 256+5*256 || h.NumRecords != 3 || h.RecordDuration != 30 {
		t.Errorf("header = %+v", h)
	}
	if !reflect.DeepEqual(h.Labels(), labels) {
		t.Errorf("labels = %v", h.Labels())
	}
	s := h.Signals[0]
	if s.Dimension != "uV" || s.PhysicalMin != -500 || s.PhysicalMax != 500 ||
		s.DigitalMin != -32768 || s.DigitalMax != 32767 || s.SamplesPerRecord != 2 {
		t.Errorf("signal 0 = %+v", s)
	}
	if h.Duration() != 90*time.Second {
		t.Errorf("duration = %v", h.Duration())
	}
	start, err := h.Start()
	if err != nil {
		t.Fatal(err)
	}
	if want := time.Date(1989, 4, 24, 16, 13, 0, 0, time.UTC); !start.Equal(want) {
		t.Errorf("start = %v, want %v", start, want)
	}
}

func TestReadHeaderFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "night1.edf")
	edftest.WriteFile(t, path, []string{"C3-A2"}, edftest.Options{NumRecords: 1})
	h, err := edf.ReadHeaderFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(h.Signals) != 1 || h.Signals[0].Label != "C3-A2" {
		t.Fatalf("signals = %+v", h.Signals)
	}
	start, _ := h.Start()
	if start.Year() != 2024 {
		t.Errorf("year = %d, want 2024", start.Year())
	}
}

func TestReadHeader_NotEDF(t *testing.T) {
	cases := map[string][]byte{
		"short":       []byte("0       garbage"),
		"bad signals": append(bytes.Repeat([]byte(" "), 252), []byte("xx  ")...),
		"truncated":   edftest.Build([]string{"Fpz-Cz", "Pz-Oz"}, edftest.Options{})[:300],
	}
	for name, data := range cases {
		if _, err := edf.ReadHeader(bytes.NewReader(data)); !errors.Is(err, edf.ErrNotEDF) {
			t.Errorf("%s: err = %v, want ErrNotEDF", name, err)
		}
	}
}

func TestCategorize(t *testing.T) {
	labels := []string{"Fpz-Cz", "Pz-Oz", "EOG horizontal", "EMG submental", "Resp oro-nasal", "Temp rectal", "Event marker", "F-EMG"}
	got := edf.Categorize(labels)
	want := edf.Selection{
		"eeg":    {"Fpz-Cz", "Pz-Oz", "Temp rectal", "F-EMG"},
		"eog":    {"EOG horizontal"},
		"emg":    {"EMG submental", "F-EMG"},
		"others": {"Resp oro-nasal", "Event marker"},
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("Categorize =\n%v\nwant\n%v", got, want)
	}

	empty := edf.Categorize(nil)
	for _, cat := range []string{"eeg", "eog", "emg", "others"} {
		if empty[cat] == nil {
			t.Errorf("category %s should be an empty list, not nil", cat)
		}
	}
}

func TestParseSelection(t *testing.T) {
	sel, err := edf.ParseSelection(`{"eeg":["Fpz-Cz"],"eog":["EOG horizontal"],"emg":[]}`)
	if err != nil {
		t.Fatal(err)
	}
	if sel["eeg"][0] != "Fpz-Cz" || len(sel["emg"]) != 0 {
		t.Fatalf("sel = %v", sel)
	}
	for _, raw := range []string{"", "   ", "{}", "null"} {
		sel, err := edf.ParseSelection(raw)
		if err != nil || len(sel) != 0 {
			t.Errorf("ParseSelection(%q) = %v, %v", raw, sel, err)
		}
	}
	for _, raw := range []string{`not json`, `["Fpz"]`, `{"eeg":"Fpz"}`, `{"ecg":["X"]}`, `{"eeg":[""]}`} {
		if _, err := edf.ParseSelection(raw); err == nil {
			t.Errorf("ParseSelection(%q) should fail", raw)
		}
	}
}

func TestSelection_Helpers(t *testing.T) {
	sel := edf.Selection{"eeg": {"Fpz-Cz", "Bogus"}, "emg": {"EMG submental"}, "others": {"Resp"}}
	if got := sel.Unknown([]string{"Fpz-Cz", "EMG submental", "Resp"}); !reflect.DeepEqual(got, []string{"Bogus"}) {
		t.Errorf("Unknown = %v", got)
	}
	sc := sel.Scoring()
	if _, ok := sc["others"]; ok || len(sc["eog"]) != 0 || sc["eog"] == nil {
		t.Errorf("Scoring = %v", sc)
	}
	if got := sel.Summary(); got != "Fpz-Cz, Bogus, EMG submental" {
		t.Errorf("Summary = %q", got)
	}
	if got := (edf.Selection{}).Summary(); got != "None Selected" {
		t.Errorf("empty Summary = %q", got)
	}
}
