package main

import (
	"fmt"
	"io"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
)

var (
	headerStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("245")).PaddingRight(2)
	dataStyle   = lipgloss.NewStyle().PaddingRight(2)
	footerStyle = lipgloss.NewStyle().Faint(true)
)

func renderTable(w io.Writer, headers []string, rows [][]string, footer string) {
	if len(rows) == 0 {
		fmt.Fprintln(w, "(none)")
	} else {
		t := table.New().
			Border(lipgloss.HiddenBorder()).
			BorderTop(false).
			BorderBottom(false).
			BorderLeft(false).
			BorderRight(false).
			BorderHeader(false).
			BorderColumn(false).
			Headers(headers...).
			Rows(rows...)

		t.StyleFunc(func(row, _ int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return dataStyle
		})
		fmt.Fprintln(w, t)
	}

	if footer != "" {
		fmt.Fprintln(w, footerStyle.Render(footer))
	}
}
