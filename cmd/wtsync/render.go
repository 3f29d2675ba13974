package main

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"wtsync.dev/internal/aggregate"
	"wtsync.dev/internal/config"
	"wtsync.dev/internal/identity"
	"wtsync.dev/internal/protocol"
	"wtsync.dev/internal/session"
)

var (
	titleStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("86")).Bold(true)
	labelStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	levelStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("12"))
	openStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("#4CAF50")).Bold(true)
	claimableStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#F7B801"))
	claimedStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#999999"))
	errorStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF6B6B"))
	connectedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("2"))
	offlineStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
)

func statusStyle(st protocol.TaskStatus) lipgloss.Style {
	switch st {
	case protocol.StatusOpen:
		return openStyle
	case protocol.StatusClaimable:
		return claimableStyle
	default:
		return claimedStyle
	}
}

func levelLabel(e *aggregate.Entry) string {
	if e.Resolved.Empty() {
		return ""
	}
	if e.MinLevel() == e.MaxLevel() {
		return fmt.Sprintf("Lv. %d", e.MinLevel())
	}
	return fmt.Sprintf("Lv. %d-%d", e.MinLevel(), e.MaxLevel())
}

func renderHeader(st session.Status) string {
	var b strings.Builder
	conn := st.Conn.String()
	switch st.Conn {
	case session.Connected:
		conn = connectedStyle.Render(fmt.Sprintf("connected (%d watching)", st.Connections))
	case session.Offline:
		conn = offlineStyle.Render(conn)
	}
	b.WriteString(titleStyle.Render("wtsync"))
	b.WriteString("  ")
	b.WriteString(conn)
	if bar := st.Bar.String(); bar != "" {
		b.WriteString("  ")
		b.WriteString(bar)
	}
	if st.Pending {
		b.WriteString("  ")
		b.WriteString(labelStyle.Render("uploading..."))
	}
	if st.LastError != "" {
		b.WriteString("\n")
		b.WriteString(errorStyle.Render("upload error: " + st.LastError))
	}
	if st.FeedError != "" && st.Conn != session.Connected {
		b.WriteString("\n")
		b.WriteString(errorStyle.Render("feed error: " + st.FeedError))
	}
	return b.String()
}

func renderPlayers(state *aggregate.State, cfg config.Config) string {
	if state == nil || len(state.Players) == 0 {
		return ""
	}
	format := identity.NameFormat(cfg.NameFormat)
	var b strings.Builder
	for _, p := range state.Players {
		name := identity.Abbreviate(p.Name, format)
		if p.Self {
			name = titleStyle.Render(name)
		}
		if !p.HasSnapshot {
			fmt.Fprintf(&b, "  %s  %s\n", name, labelStyle.Render("no data"))
			continue
		}
		line := fmt.Sprintf("  %s  %d/%d", name, p.Total, protocol.MaxStickers)
		if cfg.Display.ShowSecondChance {
			line += labelStyle.Render(fmt.Sprintf("  second chance %d", p.SecondChancePoints))
		}
		if cfg.Display.ShowExpiration && !p.Expires.IsZero() {
			line += labelStyle.Render("  expires " + p.Expires.Local().Format("2006-01-02"))
		}
		b.WriteString(line)
		b.WriteString("\n")
	}
	return b.String()
}

func renderEntries(entries []*aggregate.Entry, cfg config.Config) string {
	if len(entries) == 0 {
		return labelStyle.Render("  nothing to show") + "\n"
	}
	format := identity.NameFormat(cfg.NameFormat)
	var b strings.Builder
	for _, e := range entries {
		b.WriteString("  ")
		b.WriteString(e.DisplayName)
		if lvl := levelLabel(e); lvl != "" {
			b.WriteString("  ")
			b.WriteString(levelStyle.Render(lvl))
		}
		b.WriteString("\n    ")
		names := make([]string, 0, len(e.Players))
		for _, p := range e.Players {
			names = append(names, statusStyle(p.Status).Render(identity.Abbreviate(p.Name, format)))
		}
		b.WriteString(strings.Join(names, labelStyle.Render(" | ")))
		b.WriteString("\n")
	}
	return b.String()
}

func render(s *session.Session, cfg config.Config) string {
	var b strings.Builder
	b.WriteString(renderHeader(s.Status()))
	b.WriteString("\n\n")
	b.WriteString(renderPlayers(s.State(), cfg))
	b.WriteString("\n")
	b.WriteString(renderEntries(s.Entries(), cfg))
	return b.String()
}
