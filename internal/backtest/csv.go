package backtest

import (
	"context"
	"encoding/csv"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/youtix/gekko2-sub000/internal/domain"
)

// CSVSource reads candles from a csv file, or from every .csv file of a directory in
// name order. Columns: start,open,high,low,close,volume. A header row is skipped.
type CSVSource struct {
	paths  []string
	index  int
	file   *os.File
	reader *csv.Reader
	line   int
}

var _ CandleSource = (*CSVSource)(nil)

// NewCSVSource opens path, a file or a directory.
func NewCSVSource(path string) (*CSVSource, error) {
	paths, err := resolveCSVPaths(path)
	if err != nil {
		return nil, err
	}
	s := &CSVSource{paths: paths}
	if err := s.openCurrent(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *CSVSource) Next(ctx context.Context) (domain.Candle, error) {
	for {
		if err := ctx.Err(); err != nil {
			return domain.Candle{}, err
		}
		if s.reader == nil {
			if err := s.openCurrent(); err != nil {
				return domain.Candle{}, err
			}
		}

		record, err := s.reader.Read()
		if err == io.EOF {
			_ = s.Close()
			s.index++
			if s.index >= len(s.paths) {
				return domain.Candle{}, io.EOF
			}
			continue
		}
		if err != nil {
			return domain.Candle{}, errors.Wrapf(err, "read %s", s.paths[s.index])
		}
		s.line++

		if s.line == 1 && isHeader(record) {
			continue
		}
		candle, err := parseRecord(record)
		if err != nil {
			return domain.Candle{}, errors.Wrapf(err, "%s line %d", s.paths[s.index], s.line)
		}
		return candle, nil
	}
}

func (s *CSVSource) Close() error {
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	s.reader = nil
	return err
}

func (s *CSVSource) openCurrent() error {
	if s.index >= len(s.paths) {
		return io.EOF
	}
	file, err := os.Open(s.paths[s.index])
	if err != nil {
		return err
	}
	reader := csv.NewReader(file)
	reader.TrimLeadingSpace = true
	reader.FieldsPerRecord = -1
	reader.ReuseRecord = true

	s.file = file
	s.reader = reader
	s.line = 0
	return nil
}

func resolveCSVPaths(path string) ([]string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return []string{path}, nil
	}
	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, err
	}
	paths := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(strings.ToLower(e.Name()), ".csv") {
			continue
		}
		paths = append(paths, filepath.Join(path, e.Name()))
	}
	sort.Strings(paths)
	if len(paths) == 0 {
		return nil, errors.Errorf("no csv files found in %s", path)
	}
	return paths, nil
}

func isHeader(record []string) bool {
	return len(record) > 0 && strings.EqualFold(strings.TrimSpace(record[0]), "start")
}

func parseRecord(record []string) (domain.Candle, error) {
	if len(record) < 6 {
		return domain.Candle{}, errors.Errorf("expected 6 columns, got %d", len(record))
	}
	start, err := parseTime(record[0])
	if err != nil {
		return domain.Candle{}, err
	}

	c := domain.Candle{Start: start}
	fields := []struct {
		name string
		dst  *decimal.Decimal
	}{
		{"open", &c.Open},
		{"high", &c.High},
		{"low", &c.Low},
		{"close", &c.Close},
		{"volume", &c.Volume},
	}
	for i, f := range fields {
		if *f.dst, err = decimal.NewFromString(strings.TrimSpace(record[i+1])); err != nil {
			return domain.Candle{}, errors.Wrapf(err, "parse %s", f.name)
		}
	}
	if c.Low.GreaterThan(c.High) {
		return domain.Candle{}, errors.Errorf("low %s above high %s", c.Low, c.High)
	}
	return c, nil
}
