package ui

import "github.com/charmbracelet/lipgloss"

var (
	purple = lipgloss.Color("#7C3AED")
	green  = lipgloss.Color("#10B981")
	amber  = lipgloss.Color("#F59E0B")
	red    = lipgloss.Color("#EF4444")
	light  = lipgloss.Color("#E5E7EB")
	muted  = lipgloss.Color("#9CA3AF")
	slate  = lipgloss.Color("#4B5563")
)

type styles struct {
	title, header, cell, dim, border lipgloss.Style

	health map[Health]lipgloss.Style
}

func reportStyles() styles {
	cell := lipgloss.NewStyle().Foreground(light).Padding(0, 1)
	heading := lipgloss.NewStyle().Foreground(purple).Bold(true).Padding(0, 1)
	badge := func(c lipgloss.Color) lipgloss.Style { return cell.Foreground(c).Bold(true) }

	return styles{
		title:  heading,
		header: heading,
		cell:   cell,
		dim:    cell.Foreground(muted),
		border: lipgloss.NewStyle().Foreground(slate),
		health: map[Health]lipgloss.Style{
			HealthOK:      badge(green),
			HealthWarning: badge(amber),
			HealthError:   badge(red),
		},
	}
}
