package parquetio

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/parquet-go/parquet-go"

	"github.com/drfirst/go-rxtimeline/internal/domain/timeline"
)

const readBatch = 8192

// readAll reads every row of a Parquet file.
func readAll[T any](path string) ([]T, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open parquet: %w", err)
	}
	defer f.Close()

	reader := parquet.NewGenericReader[T](f)
	defer reader.Close()

	rows := make([]T, 0, reader.NumRows())
	buf := make([]T, readBatch)
	for {
		n, err := reader.Read(buf)
		rows = append(rows, buf[:n]...)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
		if n == 0 {
			break
		}
	}
	return rows, nil
}

// writeAll writes rows to a new Snappy-compressed Parquet file.
func writeAll[T any](path string, rows []T) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create parquet file: %w", err)
	}

	writer := parquet.NewGenericWriter[T](file,
		parquet.Compression(&parquet.Snappy),
		parquet.CreatedBy("rxtimeline", "1.0", ""),
	)
	if len(rows) > 0 {
		if _, err := writer.Write(rows); err != nil {
			writer.Close()
			file.Close()
			return fmt.Errorf("failed to write parquet rows: %w", err)
		}
	}
	if err := writer.Close(); err != nil {
		file.Close()
		return fmt.Errorf("failed to close parquet writer: %w", err)
	}
	return file.Close()
}

// ReadRecords loads dispensing records.
func ReadRecords(path string) ([]timeline.DispensingRecord, error) {
	rows, err := readAll[DispensingRow](path)
	if err != nil {
		return nil, err
	}
	recs := make([]timeline.DispensingRecord, len(rows))
	for i, r := range rows {
		recs[i] = r.ToRecord()
	}
	return recs, nil
}

// ReadBounds loads global dates and, when demographicsPath is non-empty,
// dates of death.
func ReadBounds(globalDatesPath, demographicsPath string) ([]timeline.CohortBounds, error) {
	dates, err := readAll[GlobalDatesRow](globalDatesPath)
	if err != nil {
		return nil, err
	}
	var demo []DemographicsRow
	if demographicsPath != "" {
		if demo, err = readAll[DemographicsRow](demographicsPath); err != nil {
			return nil, err
		}
	}
	return JoinBounds(dates, demo), nil
}

// WriteRecords writes input rows, mainly for fixtures and exports.
func WriteRecords(path string, recs []timeline.DispensingRecord) error {
	rows := make([]DispensingRow, len(recs))
	for i, r := range recs {
		rows[i] = FromRecord(r)
	}
	return writeAll(path, rows)
}

// WriteGlobalDates writes global date rows.
func WriteGlobalDates(path string, rows []GlobalDatesRow) error {
	return writeAll(path, rows)
}

// WriteDemographics writes demographics rows.
func WriteDemographics(path string, rows []DemographicsRow) error {
	return writeAll(path, rows)
}

// WriteLabeled writes enriched records.
func WriteLabeled(path string, recs []timeline.LabeledRecord) error {
	rows := make([]LabeledRow, len(recs))
	for i, r := range recs {
		rows[i] = FromLabeled(r)
	}
	return writeAll(path, rows)
}

// WritePeriods writes treatment periods.
func WritePeriods(path string, periods []timeline.TreatmentPeriod) error {
	rows := make([]PeriodRow, len(periods))
	for i, p := range periods {
		rows[i] = FromPeriod(p)
	}
	return writeAll(path, rows)
}

// WriteSummary writes the cohort summary lines.
func WriteSummary(path string, summary timeline.Summary) error {
	rows := make([]SummaryRow, len(summary.Rows))
	for i, s := range summary.Rows {
		rows[i] = FromSummaryRow(s)
	}
	return writeAll(path, rows)
}

// WriteStrata writes the duration estimates.
func WriteStrata(path string, strata []timeline.StratumEstimate) error {
	rows := make([]StratumRow, len(strata))
	for i, s := range strata {
		rows[i] = FromStratum(s)
	}
	return writeAll(path, rows)
}

// ReadLabeled loads enriched rows written by WriteLabeled.
func ReadLabeled(path string) ([]LabeledRow, error) {
	return readAll[LabeledRow](path)
}

// ReadPeriods loads period rows written by WritePeriods.
func ReadPeriods(path string) ([]PeriodRow, error) {
	return readAll[PeriodRow](path)
}

// ReadSummary loads summary rows written by WriteSummary.
func ReadSummary(path string) ([]SummaryRow, error) {
	return readAll[SummaryRow](path)
}
