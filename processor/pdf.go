package processor

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
)

// A4 landscape, in points.
const (
	pageWidth  = 842
	pageHeight = 595
)

// Plot frame of the hypnogram.
const (
	plotLeft   = 80.0
	plotRight  = 800.0
	plotTop    = 330.0
	plotBottom = 80.0
)

// Vertical order of stages on the plot, top to bottom.
var stageRows = []int{StageWake, StageREM, StageN1, StageN2, StageN3}

// PageCount opens a PDF, validates it and returns its page count.
func PageCount(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	conf := model.NewDefaultConfiguration()
	ctx, err := api.ReadValidateAndOptimize(f, conf)
	if err != nil {
		return 0, fmt.Errorf("pdfcpu read: %w", err)
	}
	return ctx.PageCount, nil
}

// writeHypnogramPDF writes a one-page report: the title lines at the top and
// a step plot of the epochs below. Unscored and artefact epochs leave gaps.
func writeHypnogramPDF(w io.Writer, lines []string, epochs []Epoch) error {
	var content bytes.Buffer

	y := float64(pageHeight - 50)
	for i, line := range lines {
		size := 10
		if i == 0 {
			size = 14
		}
		fmt.Fprintf(&content, "BT\n/F1 %d Tf\n%s %s Td\n(%s) Tj\nET\n", size, pt(60), pt(y), pdfEscape(line))
		y -= float64(size) + 8
	}

	content.WriteString("0.5 w\n0 0 0 RG\n")
	fmt.Fprintf(&content, "%s %s %s %s re S\n", pt(plotLeft), pt(plotBottom), pt(plotRight-plotLeft), pt(plotTop-plotBottom))
	for i, stage := range stageRows {
		fmt.Fprintf(&content, "BT\n/F1 9 Tf\n%s %s Td\n(%s) Tj\nET\n", pt(plotLeft-30), pt(rowY(i)-3), StageName(stage))
	}

	total := 0.0
	if n := len(epochs); n > 0 {
		total = epochs[n-1].Onset + epochs[n-1].Duration
	}
	if total > 0 {
		for h := 0; float64(h)*3600 <= total; h++ {
			x := timeX(float64(h)*3600, total)
			fmt.Fprintf(&content, "%s %s m %s %s l S\n", pt(x), pt(plotBottom), pt(x), pt(plotBottom-4))
			fmt.Fprintf(&content, "BT\n/F1 8 Tf\n%s %s Td\n(%d) Tj\nET\n", pt(x-2), pt(plotBottom-14), h)
		}
		fmt.Fprintf(&content, "BT\n/F1 9 Tf\n%s %s Td\n(Time [hrs]) Tj\nET\n", pt((plotLeft+plotRight)/2-25), pt(plotBottom-30))

		content.WriteString("1.2 w\n0 0 0.6 RG\n")
		open := false
		for _, e := range epochs {
			row := stageRow(e.Label)
			if row < 0 {
				open = false
				continue
			}
			x0, x1, ry := timeX(e.Onset, total), timeX(e.Onset+e.Duration, total), rowY(row)
			if !open {
				fmt.Fprintf(&content, "%s %s m ", pt(x0), pt(ry))
				open = true
			} else {
				fmt.Fprintf(&content, "%s %s l ", pt(x0), pt(ry))
			}
			fmt.Fprintf(&content, "%s %s l\n", pt(x1), pt(ry))
		}
		content.WriteString("S\n")
	}

	return writeSinglePagePDF(w, content.Bytes())
}

func stageRow(label int) int {
	for i, s := range stageRows {
		if s == label {
			return i
		}
	}
	return -1
}

func rowY(row int) float64 {
	step := (plotTop - plotBottom) / float64(len(stageRows)+1)
	return plotTop - float64(row+1)*step
}

func timeX(sec, total float64) float64 {
	return plotLeft + (plotRight-plotLeft)*sec/total
}

func pt(f float64) string { return strconv.FormatFloat(f, 'f', 2, 64) }

// pdfEscape escapes a string for a PDF literal and replaces anything outside
// printable ASCII, which the standard Helvetica encoding cannot show.
func pdfEscape(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r == '\\' || r == '(' || r == ')':
			b.WriteByte('\\')
			b.WriteRune(r)
		case r < 0x20 || r > 0x7e:
			b.WriteByte('?')
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

// writeSinglePagePDF lays out catalog, pages, page, content stream and font
// objects with a matching cross-reference table.
func writeSinglePagePDF(w io.Writer, stream []byte) error {
	var b bytes.Buffer
	offsets := make([]int, 6)

	b.WriteString("%PDF-1.4\n")

	offsets[1] = b.Len()
	b.WriteString("1 0 obj\n<< /Type /Catalog /Pages 2 0 R >>\nendobj\n")

	offsets[2] = b.Len()
	b.WriteString("2 0 obj\n<< /Type /Pages /Kids [3 0 R] /Count 1 >>\nendobj\n")

	offsets[3] = b.Len()
	fmt.Fprintf(&b, "3 0 obj\n<< /Type /Page /Parent 2 0 R /MediaBox [0 0 %d %d] /Contents 4 0 R /Resources << /Font << /F1 5 0 R >> >> >>\nendobj\n", pageWidth, pageHeight)

	offsets[4] = b.Len()
	fmt.Fprintf(&b, "4 0 obj\n<< /Length %d >>\nstream\n", len(stream))
	b.Write(stream)
	b.WriteString("\nendstream\nendobj\n")

	offsets[5] = b.Len()
	b.WriteString("5 0 obj\n<< /Type /Font /Subtype /Type1 /BaseFont /Helvetica >>\nendobj\n")

	xref := b.Len()
	b.WriteString("xref\n0 6\n0000000000 65535 f \n")
	for i := 1; i <= 5; i++ {
		fmt.Fprintf(&b, "%010d 00000 n \n", offsets[i])
	}
	fmt.Fprintf(&b, "trailer\n<< /Size 6 /Root 1 0 R >>\nstartxref\n%d\n%%%%EOF\n", xref)

	_, err := w.Write(b.Bytes())
	return err
}
