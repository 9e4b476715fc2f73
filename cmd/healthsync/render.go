package main

import (
	"fmt"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/unifiedhealth/healthsync"
)

type styles struct {
	title   lipgloss.Style
	section lipgloss.Style
	key     lipgloss.Style
	value   lipgloss.Style
	ok      lipgloss.Style
	warning lipgloss.Style
	empty   lipgloss.Style
}

func newStyles() styles {
	return styles{
		title:   lipgloss.NewStyle().Bold(true),
		section: lipgloss.NewStyle().MarginTop(1).Bold(true).Foreground(lipgloss.Color("39")),
		key:     lipgloss.NewStyle().Foreground(lipgloss.Color("245")).Width(17),
		value:   lipgloss.NewStyle().Foreground(lipgloss.Color("252")),
		ok:      lipgloss.NewStyle().Foreground(lipgloss.Color("78")),
		warning: lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("203")),
		empty:   lipgloss.NewStyle().Faint(true),
	}
}

// statusView is everything `healthsync status` prints.
type statusView struct {
	BaseURL      string
	AccessToken  string
	RefreshToken bool
	// Stats and Online are only set when a session could be opened.
	Stats  *healthsync.SyncStats
	Online bool
	Now    time.Time
}

func renderStatus(v statusView, s styles) string {
	row := func(k, val string) string {
		return lipgloss.JoinHorizontal(lipgloss.Top, s.key.Render(k), s.value.Render(val))
	}

	lines := []string{
		s.title.Render("HealthSync"),
		s.section.Render("Configuration"),
		row("Base URL:", valueOrDefault(v.BaseURL, "(default)")),
	}
	if v.AccessToken == "" {
		lines = append(lines,
			row("Access token:", s.warning.Render("(not set)")),
			s.empty.Render("Run 'healthsync init <access-token>' to sign in."))
		return lipgloss.JoinVertical(lipgloss.Left, lines...)
	}
	lines = append(lines, row("Access token:", maskKey(v.AccessToken)))
	if v.RefreshToken {
		lines = append(lines, row("Refresh token:", "present"))
	} else {
		lines = append(lines, row("Refresh token:", s.empty.Render("(not set)")))
	}

	if v.Stats == nil {
		return lipgloss.JoinVertical(lipgloss.Left, lines...)
	}

	lines = append(lines, s.section.Render("Sync"))
	pending := fmt.Sprintf("%d", v.Stats.PendingActions)
	if v.Stats.PendingActions > 0 {
		pending = s.warning.Render(pending)
	}
	lines = append(lines, row("Pending actions:", pending))
	if v.Stats.LastSync != nil {
		lines = append(lines, row("Last sync:", formatAgo(*v.Stats.LastSync, v.Now)))
	} else {
		lines = append(lines, row("Last sync:", s.empty.Render("never")))
	}

	lines = append(lines, s.section.Render("Connectivity"))
	if v.Online {
		lines = append(lines, row("Server:", s.ok.Render("reachable")))
	} else {
		lines = append(lines, row("Server:", s.warning.Render("unreachable")))
	}
	return lipgloss.JoinVertical(lipgloss.Left, lines...)
}

func formatAgo(t, now time.Time) string {
	stamp := t.Local().Format(time.RFC3339)
	if now.IsZero() || t.After(now) {
		return stamp
	}
	ago := now.Sub(t).Round(time.Second)
	return fmt.Sprintf("%s (%s ago)", stamp, ago)
}
