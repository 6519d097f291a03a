package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/apache/arrow-go/v18/arrow/ipc"
	arrowmem "github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/TFMV/sluice/pkg/infrastructure/converter"
	"github.com/TFMV/sluice/pkg/infrastructure/memory"
	"github.com/TFMV/sluice/pkg/models"
)

type renderFunc func(w io.Writer, result *models.QueryResult) error

func renderer(format string) (renderFunc, error) {
	switch format {
	case "table", "":
		return renderTable, nil
	case "json":
		return func(w io.Writer, result *models.QueryResult) error { return writeJSON(w, result) }, nil
	case "arrow":
		return renderArrow, nil
	default:
		return nil, fmt.Errorf("unsupported format %q (table, json, arrow)", format)
	}
}

// renderTable prints a boxed table followed by a summary line.
func renderTable(w io.Writer, result *models.QueryResult) error {
	if len(result.Columns) == 0 {
		_, err := fmt.Fprintf(w, "%d rows affected (%s)\n", result.RowsAffected, result.Duration)
		return err
	}

	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)

	header := make(table.Row, len(result.Columns))
	for i, c := range result.Columns {
		header[i] = c.Name
	}
	t.AppendHeader(header)

	// Newlines would break the row layout.
	flatten := strings.NewReplacer("\r\n", " ", "\n", " ", "\t", " ")
	for _, r := range result.Rows {
		row := make(table.Row, len(r))
		for i, v := range r {
			row[i] = flatten.Replace(models.FormatCell(v))
		}
		t.AppendRow(row)
	}
	t.Render()

	summary := fmt.Sprintf("(%d rows, %s)", result.RowCount, result.Duration)
	if result.Truncated {
		summary = fmt.Sprintf("(%d rows, truncated, %s)", result.RowCount, result.Duration)
	}
	_, err := fmt.Fprintln(w, summary)
	return err
}

// renderArrow writes the result as an Arrow IPC stream.
func renderArrow(w io.Writer, result *models.QueryResult) error {
	alloc := memory.NewAccounting(arrowmem.NewGoAllocator())
	if err := writeArrow(w, alloc, result); err != nil {
		return err
	}
	if n := alloc.InUse(); n != 0 {
		return fmt.Errorf("arrow stream left %d bytes allocated", n)
	}
	return nil
}

func writeArrow(w io.Writer, alloc arrowmem.Allocator, result *models.QueryResult) error {
	rec, err := converter.ToRecord(alloc, result)
	if err != nil {
		return err
	}
	defer rec.Release()

	writer := ipc.NewWriter(w, ipc.WithSchema(rec.Schema()), ipc.WithAllocator(alloc))
	if err := writer.Write(rec); err != nil {
		_ = writer.Close()
		return fmt.Errorf("failed to write arrow stream: %w", err)
	}
	return writer.Close()
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// mustBind binds a flag to a viper key.
func mustBind(key string, flags *pflag.FlagSet, name string) {
	if err := viper.BindPFlag(key, flags.Lookup(name)); err != nil {
		panic(fmt.Errorf("failed to bind flag %s: %w", name, err))
	}
}
