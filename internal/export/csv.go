// Package export persists detection results as CSV.
//
// Column order is part of the file format: analysis files produced by
// different versions must stay comparable, so headers never change.
package export

import (
	"bufio"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"slices"
	"strconv"

	"github.com/keagan/scintillate/internal/peaks"
	"github.com/keagan/scintillate/internal/sampler"
	"github.com/keagan/scintillate/pkg/util"
)

var (
	// PeakHeader is the column layout of peak files.
	PeakHeader = []string{"source", "ordinal", "intensity", "timestamp"}
	// SignalHeader is the column layout of signal files.
	SignalHeader = []string{"index", "timestamp", "intensity"}
)

// ErrHeaderMismatch is returned when an existing file has a different layout.
var ErrHeaderMismatch = errors.New("csv header mismatch")

// PeakRecord is one exported flash.
type PeakRecord struct {
	Source    string
	Ordinal   int
	Intensity float64
	Timestamp float64
}

// Records tags events with the source they were detected in.
func Records(source string, events []peaks.Event) []PeakRecord {
	out := make([]PeakRecord, len(events))
	for i, ev := range events {
		out[i] = PeakRecord{
			Source:    source,
			Ordinal:   ev.Ordinal,
			Intensity: ev.Intensity,
			Timestamp: ev.Timestamp,
		}
	}
	return out
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// WritePeaks writes records, preceded by PeakHeader when header is true.
func WritePeaks(w io.Writer, records []PeakRecord, header bool) error {
	cw := csv.NewWriter(w)
	if header {
		if err := cw.Write(PeakHeader); err != nil {
			return err
		}
	}
	for _, r := range records {
		row := []string{r.Source, strconv.Itoa(r.Ordinal), formatFloat(r.Intensity), formatFloat(r.Timestamp)}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// AppendPeaksFile appends records to path. The header is written only when
// the file is new or empty; an existing file with another header is refused.
func AppendPeaksFile(path string, records []PeakRecord) error {
	if err := util.EnsureParent(path); err != nil {
		return err
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return err
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return err
	}

	needHeader := st.Size() == 0
	if !needHeader {
		if err := checkHeader(f, PeakHeader); err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
	}
	if _, err := f.Seek(0, io.SeekEnd); err != nil {
		return err
	}

	if err := WritePeaks(f, records, needHeader); err != nil {
		return err
	}
	return f.Close()
}

// ReadPeaks parses a peak file written by WritePeaks.
func ReadPeaks(r io.Reader) ([]PeakRecord, error) {
	rows, err := readRows(r, PeakHeader)
	if err != nil {
		return nil, err
	}

	out := make([]PeakRecord, 0, len(rows))
	for i, row := range rows {
		ord, err1 := strconv.Atoi(row[1])
		intensity, err2 := strconv.ParseFloat(row[2], 64)
		ts, err3 := strconv.ParseFloat(row[3], 64)
		if err := errors.Join(err1, err2, err3); err != nil {
			return nil, fmt.Errorf("row %d: %w", i+2, err)
		}
		out = append(out, PeakRecord{Source: row[0], Ordinal: ord, Intensity: intensity, Timestamp: ts})
	}
	return out, nil
}

// WriteSignal writes the full intensity sequence, one row per sample.
func WriteSignal(w io.Writer, sig *sampler.Signal) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(SignalHeader); err != nil {
		return err
	}
	for i := 0; i < sig.Len(); i++ {
		row := []string{strconv.Itoa(sig.Indices[i]), formatFloat(sig.Timestamps[i]), formatFloat(sig.Intensities[i])}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// WriteSignalFile writes sig to path, replacing any existing file.
func WriteSignalFile(path string, sig *sampler.Signal) error {
	if err := util.EnsureParent(path); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	bw := bufio.NewWriter(f)
	if err := WriteSignal(bw, sig); err != nil {
		return err
	}
	if err := bw.Flush(); err != nil {
		return err
	}
	return f.Close()
}

// ReadSignal parses a signal file. The frame rate is recovered from the
// last sample with a non-zero timestamp; it stays 0 if there is none.
func ReadSignal(r io.Reader) (*sampler.Signal, error) {
	rows, err := readRows(r, SignalHeader)
	if err != nil {
		return nil, err
	}

	sig := &sampler.Signal{}
	lastIdx, lastTS := 0, 0.0
	for i, row := range rows {
		idx, err1 := strconv.Atoi(row[0])
		ts, err2 := strconv.ParseFloat(row[1], 64)
		v, err3 := strconv.ParseFloat(row[2], 64)
		if err := errors.Join(err1, err2, err3); err != nil {
			return nil, fmt.Errorf("row %d: %w", i+2, err)
		}
		sig.Append(sampler.Sample{Index: idx, Value: v, Timestamp: ts})
		if ts > 0 {
			lastIdx, lastTS = idx, ts
		}
	}
	if lastTS > 0 {
		sig.FrameRate = recoverRate(lastIdx, lastTS)
	}
	return sig, nil
}

// rateDenominators are tried in order when snapping a recovered rate: whole
// rates, NTSC n/1001 rates, then decimal rates such as 12.5 or 29.97.
var rateDenominators = []float64{1, 1001, 100, 1000}

// recoverRate inverts timestamp = index / rate. The quotient carries rounding
// error from the written timestamp, so it is snapped to the nearest common
// rational when one lies within a relative 1e-9.
func recoverRate(idx int, ts float64) float64 {
	r := float64(idx) / ts
	for _, d := range rateDenominators {
		snapped := math.Round(r*d) / d
		if snapped > 0 && math.Abs(snapped-r) <= 1e-9*r {
			return snapped
		}
	}
	return r
}

// ReadSignalFile opens and parses a signal file.
func ReadSignalFile(path string) (*sampler.Signal, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ReadSignal(f)
}

func checkHeader(r io.Reader, want []string) error {
	got, err := csv.NewReader(r).Read()
	if err != nil {
		return fmt.Errorf("reading header: %w", err)
	}
	if !slices.Equal(got, want) {
		return fmt.Errorf("%w: have %v, want %v", ErrHeaderMismatch, got, want)
	}
	return nil
}

func readRows(r io.Reader, header []string) ([][]string, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1

	got, err := cr.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: file is empty", ErrHeaderMismatch)
		}
		return nil, err
	}
	if !slices.Equal(got, header) {
		return nil, fmt.Errorf("%w: have %v, want %v", ErrHeaderMismatch, got, header)
	}

	cr.FieldsPerRecord = len(header)
	rows, err := cr.ReadAll()
	if err != nil {
		return nil, err
	}
	return rows, nil
}
