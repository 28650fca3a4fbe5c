package scrape

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
)

// ToCSV flattens query results into a spreadsheet-friendly table, one row per
// extracted price.
func ToCSV(results []QueryResult) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)

	if err := w.Write([]string{"query", "site", "url", "price"}); err != nil {
		return nil, fmt.Errorf("write csv header: %w", err)
	}
	for _, qr := range results {
		prices := qr.Prices
		if len(prices) == 0 {
			prices = []string{NotFound}
		}
		for _, price := range prices {
			if err := w.Write([]string{qr.Query, qr.Site, qr.URL, price}); err != nil {
				return nil, fmt.Errorf("write csv row: %w", err)
			}
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, fmt.Errorf("flush csv: %w", err)
	}
	return buf.Bytes(), nil
}

// QueriesFromCSV reads search queries from the first column of an uploaded
// CSV file. A header row named "query" (or the legacy "артикул") is skipped,
// as are blank cells.
func QueriesFromCSV(r io.Reader) ([]string, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1

	var queries []string
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read queries csv: %w", err)
		}
		if len(record) == 0 {
			continue
		}
		q := strings.TrimSpace(record[0])
		if q == "" {
			continue
		}
		if len(queries) == 0 {
			switch strings.ToLower(q) {
			case "query", "артикул":
				continue
			}
		}
		queries = append(queries, q)
	}
	if len(queries) == 0 {
		return nil, errors.New("queries csv contains no queries")
	}
	return queries, nil
}

// PayloadToCSV converts the JSON payload produced by a scrape run to CSV.
func PayloadToCSV(payload []byte) ([]byte, error) {
	var results []QueryResult
	if err := json.Unmarshal(payload, &results); err != nil {
		return nil, fmt.Errorf("decode scrape payload: %w", err)
	}
	return ToCSV(results)
}
