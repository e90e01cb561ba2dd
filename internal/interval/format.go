package interval

import (
	"bufio"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/me/dammer/pkg/model"
)

// Column names understood by Format.
const (
	ColChrom     = "chr"
	ColStart     = "start"
	ColEnd       = "end"
	ColID        = "pkID"
	ColDistance  = "dis"
	ColStrand    = "nd"
	ColFold      = "fc"
	ColNegLog10P = "neglog10pval"
	ColNegLog10Q = "neglog10qval"
	ColSample    = "sample"
)

// BroadPeakColumns is the column layout of a peak caller's broadPeak output.
var BroadPeakColumns = []string{
	ColChrom, ColStart, ColEnd, ColID, ColDistance, ColStrand, ColFold, ColNegLog10P, ColNegLog10Q,
}

// Format describes the layout of a whitespace-delimited interval file and
// which of its columns carry the score and the sample label.
type Format struct {
	// Columns names the file's columns in order. Only chr, start, end and the
	// score/sample columns are typed; other columns are carried along unparsed.
	Columns []string
	// ScoreColumn is the column compared against thresholds. Empty means every
	// interval scores 0.
	ScoreColumn string
	// SampleColumn names the column holding the sample label. When empty the
	// label is Sample, or the file name stem if Sample is empty too.
	SampleColumn string
	Sample       string
	// StripChrPrefix removes a leading "chr" from chromosome names.
	StripChrPrefix bool
}

// BroadPeak reads peak caller output thresholded on -log10(q).
func BroadPeak() Format {
	return Format{
		Columns:        BroadPeakColumns,
		ScoreColumn:    ColNegLog10Q,
		StripChrPrefix: true,
	}
}

// RegionPeak reads the per-threshold region files written by WriteRegion.
func RegionPeak() Format {
	return Format{
		Columns:      []string{ColChrom, ColStart, ColEnd, ColSample},
		SampleColumn: ColSample,
	}
}

// layout holds resolved column indexes; -1 means absent.
type layout struct {
	chrom, start, end, score, sample int
	need                             int
}

func (f Format) resolve() (layout, error) {
	l := layout{chrom: -1, start: -1, end: -1, score: -1, sample: -1}
	for i, c := range f.Columns {
		switch c {
		case ColChrom:
			l.chrom = i
		case ColStart:
			l.start = i
		case ColEnd:
			l.end = i
		}
		if f.ScoreColumn != "" && c == f.ScoreColumn {
			l.score = i
		}
		if f.SampleColumn != "" && c == f.SampleColumn {
			l.sample = i
		}
	}
	if l.chrom < 0 || l.start < 0 || l.end < 0 {
		return l, fmt.Errorf("interval format: columns %v must include %s, %s and %s", f.Columns, ColChrom, ColStart, ColEnd)
	}
	if f.ScoreColumn != "" && l.score < 0 {
		return l, fmt.Errorf("interval format: score column %q not in %v", f.ScoreColumn, f.Columns)
	}
	if f.SampleColumn != "" && l.sample < 0 {
		return l, fmt.Errorf("interval format: sample column %q not in %v", f.SampleColumn, f.Columns)
	}
	for _, idx := range []int{l.chrom, l.start, l.end, l.score, l.sample} {
		if idx+1 > l.need {
			l.need = idx + 1
		}
	}
	return l, nil
}

// SampleName derives a sample label from a file path: the base name up to
// its first dot.
func SampleName(path string) string {
	base := filepath.Base(path)
	if i := strings.IndexByte(base, '.'); i > 0 {
		return base[:i]
	}
	return base
}

// Open opens path for reading, transparently decompressing ".gz" files.
func Open(path string) (io.ReadCloser, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	if !strings.HasSuffix(path, ".gz") {
		return f, nil
	}
	zr, err := gzip.NewReader(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("gzip %s: %w", path, err)
	}
	return &gzipFile{Reader: zr, f: f}, nil
}

type gzipFile struct {
	*gzip.Reader
	f *os.File
}

func (g *gzipFile) Close() error {
	zerr := g.Reader.Close()
	if err := g.f.Close(); err != nil {
		return err
	}
	return zerr
}

// Load parses the interval file at path.
func Load(path string, f Format) (Set, error) {
	if f.SampleColumn == "" && f.Sample == "" {
		f.Sample = SampleName(strings.TrimSuffix(path, ".gz"))
	}
	rc, err := Open(path)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return Read(rc, path, f)
}

// Read parses intervals from r. name identifies the source in errors. A row
// that cannot be typed, or whose start exceeds its end, fails the whole read
// with a MalformedRecord error; rows are never silently dropped. Blank lines
// and "track", "browser" and "#" header lines are skipped.
func Read(r io.Reader, name string, f Format) (Set, error) {
	l, err := f.resolve()
	if err != nil {
		return nil, err
	}

	var out Set
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := sc.Text()
		fields := strings.Fields(line)
		if len(fields) == 0 || isHeader(fields[0]) {
			continue
		}
		iv, err := parseRow(fields, l, f)
		if err != nil {
			return nil, model.NewError(model.KindMalformedRecord, fmt.Sprintf("%s:%d", name, lineNo), "%v", err)
		}
		out = append(out, iv)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read %s: %w", name, err)
	}
	return out, nil
}

func isHeader(first string) bool {
	return first == "track" || first == "browser" || strings.HasPrefix(first, "#")
}

func parseRow(fields []string, l layout, f Format) (Interval, error) {
	if len(fields) < l.need {
		return Interval{}, fmt.Errorf("want at least %d columns, got %d", l.need, len(fields))
	}
	iv := Interval{Chrom: fields[l.chrom], Sample: f.Sample}
	if f.StripChrPrefix {
		iv.Chrom = strings.TrimPrefix(iv.Chrom, "chr")
	}
	var err error
	if iv.Start, err = strconv.ParseInt(fields[l.start], 10, 64); err != nil {
		return Interval{}, fmt.Errorf("start %q is not an integer", fields[l.start])
	}
	if iv.End, err = strconv.ParseInt(fields[l.end], 10, 64); err != nil {
		return Interval{}, fmt.Errorf("end %q is not an integer", fields[l.end])
	}
	if iv.Start > iv.End {
		return Interval{}, fmt.Errorf("start %d > end %d", iv.Start, iv.End)
	}
	if l.score >= 0 {
		if iv.Score, err = strconv.ParseFloat(fields[l.score], 64); err != nil {
			return Interval{}, fmt.Errorf("score %q is not a number", fields[l.score])
		}
		if math.IsNaN(iv.Score) || math.IsInf(iv.Score, 0) {
			return Interval{}, fmt.Errorf("score %q is not finite", fields[l.score])
		}
	}
	if l.sample >= 0 {
		iv.Sample = fields[l.sample]
	}
	return iv, nil
}

// WriteRegion writes ivs as tab-separated "chr start end sample" rows.
func WriteRegion(w io.Writer, ivs []Interval) error {
	bw := bufio.NewWriter(w)
	for _, iv := range ivs {
		if _, err := fmt.Fprintf(bw, "%s\t%d\t%d\t%s\n", iv.Chrom, iv.Start, iv.End, iv.Sample); err != nil {
			return err
		}
	}
	return bw.Flush()
}
