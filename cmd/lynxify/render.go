// Copyright 2026 The Lynxify Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"
)

// output writes tables and key/value blocks. Styling and truncation
// apply only on a terminal.
type output struct {
	w      io.Writer
	styled bool
	// width is the terminal width, zero when unknown.
	width int
}

func newOutput(file *os.File) *output {
	out := &output{w: file}
	fd := int(file.Fd())
	if term.IsTerminal(fd) {
		out.styled = true
		if width, _, err := term.GetSize(fd); err == nil {
			out.width = width
		}
	}
	return out
}

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	labelStyle  = lipgloss.NewStyle().Faint(true)
	goodStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	badStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true)
)

func (o *output) style(style lipgloss.Style, text string) string {
	if !o.styled {
		return text
	}
	return style.Render(text)
}

// status colors a state or status word.
func (o *output) status(text string) string {
	switch text {
	case "running", "verified", "passed", "executed", "complete", "low", "ok":
		return o.style(goodStyle, text)
	case "pending", "registered", "active", "partial", "medium":
		return o.style(warnStyle, text)
	case "failed", "rejected", "cancelled", "shut down", "high", "error":
		return o.style(badStyle, text)
	}
	return text
}

func (o *output) json(value any) error {
	encoder := json.NewEncoder(o.w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(value)
}

// fields writes aligned "label  value" lines.
func (o *output) fields(pairs ...[2]string) {
	labelWidth := 0
	for _, pair := range pairs {
		labelWidth = max(labelWidth, len(pair[0]))
	}
	for _, pair := range pairs {
		label := pair[0] + ":" + strings.Repeat(" ", labelWidth-len(pair[0]))
		fmt.Fprintf(o.w, "%s  %s\n", o.style(labelStyle, label), pair[1])
	}
}

func (o *output) heading(text string) {
	fmt.Fprintf(o.w, "\n%s\n", o.style(headerStyle, text))
}

// table writes rows under headers with columns padded to their widest
// cell. On a terminal the last column is cut to fit the width.
func (o *output) table(headers []string, rows [][]string) {
	widths := make([]int, len(headers))
	for i, header := range headers {
		widths[i] = lipgloss.Width(header)
	}
	for _, row := range rows {
		for i, cell := range row {
			widths[i] = max(widths[i], lipgloss.Width(cell))
		}
	}

	line := func(cells []string, style func(string) string) string {
		var b strings.Builder
		for i, cell := range cells {
			if i == len(cells)-1 {
				b.WriteString(style(cell))
				break
			}
			b.WriteString(style(cell))
			b.WriteString(strings.Repeat(" ", widths[i]-lipgloss.Width(cell)+2))
		}
		text := b.String()
		if o.width > 0 && lipgloss.Width(text) > o.width {
			text = lipgloss.NewStyle().MaxWidth(o.width).Render(text)
		}
		return text
	}

	fmt.Fprintln(o.w, line(headers, func(s string) string { return o.style(headerStyle, s) }))
	for _, row := range rows {
		fmt.Fprintln(o.w, line(row, func(s string) string { return s }))
	}
}

func percent(weight float64) string {
	return strconv.FormatFloat(weight*100, 'f', 2, 64) + "%"
}

func number(value float64) string {
	return strconv.FormatFloat(value, 'f', -1, 64)
}

func timestamp(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}

// weightList renders weights as "BTC 60.00%, ETH 40.00%".
func weightList(weights map[string]float64) string {
	symbols := slices.Sorted(maps.Keys(weights))
	parts := make([]string, 0, len(symbols))
	for _, symbol := range symbols {
		parts = append(parts, symbol+" "+percent(weights[symbol]))
	}
	return strings.Join(parts, ", ")
}

func orDash(text string) string {
	if text == "" {
		return "-"
	}
	return text
}
