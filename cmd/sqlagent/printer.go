package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/ashureev/sqlagent/internal/domain"
	"github.com/ashureev/sqlagent/internal/events"
)

// maxPrintedRows bounds the result table printed to the terminal.
const maxPrintedRows = 20

// printer renders a turn's events for a terminal, or as one JSON object
// per line.
type printer struct {
	w        io.Writer
	json     bool
	streamed bool
}

func newPrinter(w io.Writer, asJSON bool) *printer {
	return &printer{w: w, json: asJSON}
}

// Emit implements events.Sink.
func (p *printer) Emit(_ context.Context, ev events.Event) error {
	if p.json {
		return json.NewEncoder(p.w).Encode(ev)
	}

	switch d := ev.Data.(type) {
	case events.StepData:
		fmt.Fprintf(p.w, "· %s\n", d.Label)
	case events.SQLGeneratedData:
		if d.SQL != "" {
			fmt.Fprintf(p.w, "\n%s\n\n", strings.TrimSpace(d.SQL))
		}
	case events.ValidationData:
		if d.IsValid == domain.ValidityInvalid {
			for _, e := range d.Errors {
				fmt.Fprintf(p.w, "  invalid: %s\n", e)
			}
		}
		for _, w := range d.Warnings {
			fmt.Fprintf(p.w, "  warning: %s\n", w)
		}
	case events.ExecutionData:
		if d.Error != "" {
			fmt.Fprintf(p.w, "  execution failed: %s\n", d.Error)
		} else if d.Executed {
			p.table(d.Columns, d.Results, d.RowCount)
		}
	case events.ToolExecutionData:
		if !d.Success {
			fmt.Fprintf(p.w, "error: %s\n", d.Error)
			return nil
		}
		p.table(d.Columns, d.Rows, d.RowCount)
		if d.QueryToken != "" {
			fmt.Fprintf(p.w, "query token: %s\n", d.QueryToken)
		}
	case events.TokenData:
		p.streamed = true
		fmt.Fprint(p.w, d.Content)
	case events.ResponseData:
		if !p.streamed {
			fmt.Fprint(p.w, d.Response)
		}
		fmt.Fprintln(p.w)
		p.streamed = false
	case events.SuggestionsData:
		fmt.Fprintln(p.w, "\nYou could also ask:")
		for _, q := range d.Questions {
			fmt.Fprintf(p.w, "  - %s\n", q)
		}
	case events.ClarificationData:
		fmt.Fprintf(p.w, "%s\n", d.Message)
	case events.ErrorData:
		if d.Step != "" {
			fmt.Fprintf(p.w, "error in %s: %s\n", d.Step, d.Error)
		} else {
			fmt.Fprintf(p.w, "error: %s\n", d.Error)
		}
	case events.DoneData:
		fmt.Fprintf(p.w, "\nsession: %s\n", d.SessionID)
	}
	return nil
}

func (p *printer) table(columns []string, rows []map[string]any, total int) {
	if len(columns) == 0 {
		fmt.Fprintf(p.w, "(%d rows)\n", total)
		return
	}
	tw := tabwriter.NewWriter(p.w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, strings.Join(columns, "\t"))
	for i, row := range rows {
		if i == maxPrintedRows {
			break
		}
		cells := make([]string, len(columns))
		for j, c := range columns {
			if v := row[c]; v != nil {
				cells[j] = fmt.Sprint(v)
			} else {
				cells[j] = "NULL"
			}
		}
		fmt.Fprintln(tw, strings.Join(cells, "\t"))
	}
	_ = tw.Flush()
	if total > maxPrintedRows {
		fmt.Fprintf(p.w, "... %d more rows\n", total-maxPrintedRows)
	}
	fmt.Fprintf(p.w, "(%d rows)\n\n", total)
}
