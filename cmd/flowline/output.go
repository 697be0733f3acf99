package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"
)

// printer writes command results either as a tab-aligned table or as JSON.
type printer struct {
	out  io.Writer
	json bool
}

func newPrinter(w io.Writer, asJSON bool) *printer {
	return &printer{out: w, json: asJSON}
}

// table prints header and rows. In JSON mode v is encoded instead.
func (p *printer) table(v any, header []string, rows [][]string) error {
	if p.json {
		return p.object(v)
	}
	tw := tabwriter.NewWriter(p.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, strings.Join(header, "\t"))
	for _, r := range rows {
		fmt.Fprintln(tw, strings.Join(r, "\t"))
	}
	return tw.Flush()
}

func (p *printer) object(v any) error {
	enc := json.NewEncoder(p.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// line prints a single human message, or v as JSON.
func (p *printer) line(v any, format string, args ...any) error {
	if p.json {
		return p.object(v)
	}
	_, err := fmt.Fprintf(p.out, format+"\n", args...)
	return err
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}

func formatTimePtr(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return formatTime(*t)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
