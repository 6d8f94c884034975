package main

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strconv"

	"github.com/paclab/soundloc/internal/domain/model"
	"github.com/paclab/soundloc/internal/sessionlog"
)

// CompareResult holds the outcome of comparing CSV rows against archived pokes.
// Rows are keyed on the poke ordinal.
type CompareResult struct {
	Matching  []int          `json:"matching"`
	Missing   []int          `json:"missing"` // in the CSV but not in the archive
	Extra     []int          `json:"extra"`   // in the archive but not in the CSV
	Divergent []DivergentRow `json:"divergent"`
}

// DivergentRow records a column mismatch for one ordinal.
type DivergentRow struct {
	Ordinal      int    `json:"ordinal"`
	Column       string `json:"column"`
	CSVValue     string `json:"csv_value"`
	ArchiveValue string `json:"archive_value"`
}

func (r *CompareResult) HasMismatch() bool {
	return len(r.Missing) > 0 || len(r.Extra) > 0 || len(r.Divergent) > 0
}

// readCSVRows reads a session CSV and indexes its rows by ordinal.
func readCSVRows(r io.Reader) (map[int][]string, error) {
	rows, err := csv.NewReader(r).ReadAll()
	if err != nil {
		return nil, fmt.Errorf("read session csv: %w", err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("read session csv: empty file")
	}
	if len(rows[0]) != len(sessionlog.Header) || rows[0][0] != sessionlog.Header[0] {
		return nil, fmt.Errorf("read session csv: unexpected header %v", rows[0])
	}

	out := make(map[int][]string, len(rows)-1)
	for i, row := range rows[1:] {
		ordinal, err := strconv.Atoi(row[0])
		if err != nil {
			return nil, fmt.Errorf("read session csv: line %d: bad ordinal %q", i+2, row[0])
		}
		if _, dup := out[ordinal]; dup {
			return nil, fmt.Errorf("read session csv: duplicate ordinal %d", ordinal)
		}
		out[ordinal] = row
	}
	return out, nil
}

// compareRows renders every archived record the way the CSV sink does and
// compares the result column by column.
func compareRows(csvRows map[int][]string, archived []model.PokeRecord) CompareResult {
	dbRows := make(map[int][]string, len(archived))
	for _, rec := range archived {
		dbRows[rec.Ordinal] = sessionlog.Row(rec)
	}

	var result CompareResult
	for ordinal, row := range csvRows {
		dbRow, found := dbRows[ordinal]
		if !found {
			result.Missing = append(result.Missing, ordinal)
			continue
		}
		diverged := false
		for i, column := range sessionlog.Header {
			if row[i] != dbRow[i] {
				diverged = true
				result.Divergent = append(result.Divergent, DivergentRow{
					Ordinal:      ordinal,
					Column:       column,
					CSVValue:     row[i],
					ArchiveValue: dbRow[i],
				})
			}
		}
		if !diverged {
			result.Matching = append(result.Matching, ordinal)
		}
	}
	for ordinal := range dbRows {
		if _, found := csvRows[ordinal]; !found {
			result.Extra = append(result.Extra, ordinal)
		}
	}

	sort.Ints(result.Matching)
	sort.Ints(result.Missing)
	sort.Ints(result.Extra)
	sort.Slice(result.Divergent, func(i, j int) bool {
		if result.Divergent[i].Ordinal == result.Divergent[j].Ordinal {
			return result.Divergent[i].Column < result.Divergent[j].Column
		}
		return result.Divergent[i].Ordinal < result.Divergent[j].Ordinal
	})
	return result
}

func printTextReport(w io.Writer, session model.SessionInfo, csvCount, dbCount int, result CompareResult) {
	fmt.Fprintln(w, "=== Session Archive Verification ===")
	fmt.Fprintf(w, "Session: %s (%s / %s)\n", session.ID, session.Task, session.Subject)
	fmt.Fprintf(w, "Started: %s\n", session.StartedAt.Format("2006-01-02 15:04:05"))
	fmt.Fprintf(w, "CSV rows: %d\n", csvCount)
	fmt.Fprintf(w, "Archived pokes: %d\n", dbCount)
	fmt.Fprintf(w, "Matching: %d\n", len(result.Matching))
	fmt.Fprintf(w, "Missing: %d\n", len(result.Missing))
	fmt.Fprintf(w, "Extra: %d\n", len(result.Extra))
	fmt.Fprintf(w, "Divergent: %d\n", len(result.Divergent))

	if len(result.Missing) > 0 {
		fmt.Fprintln(w, "\n--- Missing (in CSV but not archived) ---")
		for _, o := range result.Missing {
			fmt.Fprintf(w, "  poke %d\n", o)
		}
	}
	if len(result.Extra) > 0 {
		fmt.Fprintln(w, "\n--- Extra (archived but not in CSV) ---")
		for _, o := range result.Extra {
			fmt.Fprintf(w, "  poke %d\n", o)
		}
	}
	if len(result.Divergent) > 0 {
		fmt.Fprintln(w, "\n--- Divergent (column mismatches) ---")
		for _, d := range result.Divergent {
			fmt.Fprintf(w, "  poke %d: %s csv=%q archive=%q\n", d.Ordinal, d.Column, d.CSVValue, d.ArchiveValue)
		}
	}

	fmt.Fprintln(w)
	if !result.HasMismatch() {
		fmt.Fprintln(w, "Result: MATCH")
	} else {
		fmt.Fprintln(w, "Result: MISMATCH")
	}
}

func printJSONReport(w io.Writer, session model.SessionInfo, csvCount, dbCount int, result CompareResult) error {
	report := struct {
		Session  model.SessionInfo `json:"session"`
		CSVRows  int               `json:"csv_rows"`
		Archived int               `json:"archived_pokes"`
		Result   string            `json:"result"`
		Compare  CompareResult     `json:"compare"`
	}{
		Session:  session,
		CSVRows:  csvCount,
		Archived: dbCount,
		Compare:  result,
	}
	if result.HasMismatch() {
		report.Result = "MISMATCH"
	} else {
		report.Result = "MATCH"
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(report)
}
