package history

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/xitongsys/parquet-go-source/writerfile"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"
)

var csvHeader = []string{
	"receipt_id",
	"lease_id",
	"reference",
	"source",
	"channel",
	"amount",
	"currency",
	"crypto_amount",
	"paid_on",
	"next_due_date",
	"settled_at",
}

// ExportCSV writes receipts with a header row.
func ExportCSV(w io.Writer, receipts []Receipt) error {
	out := csv.NewWriter(w)
	if err := out.Write(csvHeader); err != nil {
		return fmt.Errorf("history: write csv header: %w", err)
	}
	for _, r := range receipts {
		record := []string{
			r.ID,
			r.LeaseID,
			r.Reference,
			string(r.Source),
			r.Channel,
			strconv.FormatFloat(r.Amount, 'f', -1, 64),
			r.Currency,
			strconv.FormatFloat(r.CryptoAmount, 'f', -1, 64),
			r.PaidOn,
			r.NextDueDate,
			formatTime(r.SettledAt),
		}
		if err := out.Write(record); err != nil {
			return fmt.Errorf("history: write csv row: %w", err)
		}
	}
	out.Flush()
	if err := out.Error(); err != nil {
		return fmt.Errorf("history: flush csv: %w", err)
	}
	return nil
}

type parquetRow struct {
	ReceiptID    string  `parquet:"name=receipt_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	LeaseID      string  `parquet:"name=lease_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	Reference    string  `parquet:"name=reference, type=BYTE_ARRAY, convertedtype=UTF8"`
	Source       string  `parquet:"name=source, type=BYTE_ARRAY, convertedtype=UTF8"`
	Channel      string  `parquet:"name=channel, type=BYTE_ARRAY, convertedtype=UTF8"`
	Amount       float64 `parquet:"name=amount, type=DOUBLE"`
	Currency     string  `parquet:"name=currency, type=BYTE_ARRAY, convertedtype=UTF8"`
	CryptoAmount float64 `parquet:"name=crypto_amount, type=DOUBLE"`
	PaidOn       string  `parquet:"name=paid_on, type=BYTE_ARRAY, convertedtype=UTF8"`
	NextDueDate  string  `parquet:"name=next_due_date, type=BYTE_ARRAY, convertedtype=UTF8"`
	SettledAt    string  `parquet:"name=settled_at, type=BYTE_ARRAY, convertedtype=UTF8"`
}

// ExportParquet writes receipts to a snappy-compressed parquet file at path.
func ExportParquet(path string, receipts []Receipt) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("history: create parquet: %w", err)
	}
	fw := writerfile.NewWriterFile(file)
	pw, err := writer.NewParquetWriter(fw, new(parquetRow), 1)
	if err != nil {
		file.Close()
		return fmt.Errorf("history: parquet schema: %w", err)
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	for _, r := range receipts {
		row := &parquetRow{
			ReceiptID:    r.ID,
			LeaseID:      r.LeaseID,
			Reference:    r.Reference,
			Source:       string(r.Source),
			Channel:      r.Channel,
			Amount:       r.Amount,
			Currency:     r.Currency,
			CryptoAmount: r.CryptoAmount,
			PaidOn:       r.PaidOn,
			NextDueDate:  r.NextDueDate,
			SettledAt:    formatTime(r.SettledAt),
		}
		if err := pw.Write(row); err != nil {
			pw.WriteStop()
			file.Close()
			return fmt.Errorf("history: parquet write: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		file.Close()
		return fmt.Errorf("history: parquet flush: %w", err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("history: close parquet file: %w", err)
	}
	return nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
