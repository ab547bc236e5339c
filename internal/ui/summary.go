// Package ui renders the end of run report.
package ui

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
)

// Health is how a summary row is colored.
type Health int

const (
	HealthOK Health = iota
	HealthWarning
	HealthError
)

// Row is one device in the summary.
type Row struct {
	Device   string
	Address  string
	Status   string
	Commands int
	Error    string
	Health   Health
}

var headers = []string{"DEVICE", "ADDRESS", "STATUS", "COMMANDS", "ERROR"}

const statusColumn = 2

// maxErrorWidth keeps long device output embedded in errors off the table.
const maxErrorWidth = 60

// Summary renders rows as a bordered table under a title line.
func Summary(title string, rows []Row) string {
	s := reportStyles()

	cells := make([][]string, 0, len(rows))
	for _, r := range rows {
		cells = append(cells, []string{
			r.Device,
			r.Address,
			r.Status,
			strconv.Itoa(r.Commands),
			truncate(oneLine(r.Error), maxErrorWidth),
		})
	}

	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(s.border).
		Headers(headers...).
		Rows(cells...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return s.header
			}
			if col == statusColumn && row >= 0 && row < len(rows) {
				if st, ok := s.health[rows[row].Health]; ok {
					return st
				}
				return s.health[HealthError]
			}
			if col == len(headers)-1 {
				return s.dim
			}
			return s.cell
		})

	return fmt.Sprintf("%s\n%s\n", s.title.Render(title), t.Render())
}

func oneLine(text string) string {
	return strings.Join(strings.Fields(text), " ")
}

func truncate(text string, width int) string {
	r := []rune(text)
	if len(r) <= width {
		return text
	}
	return string(r[:width-1]) + "…"
}
