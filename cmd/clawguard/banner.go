package main

import (
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

var (
	accentColor = lipgloss.Color("#7C3AED") // violet
	mutedColor  = lipgloss.Color("#6B7280") // gray
	warnColor   = lipgloss.Color("#F59E0B") // amber

	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(accentColor)
	labelStyle = lipgloss.NewStyle().Foreground(mutedColor).Width(11)
	codeStyle  = lipgloss.NewStyle().
			Bold(true).
			Foreground(warnColor).
			Border(lipgloss.RoundedBorder()).
			BorderForeground(warnColor).
			Padding(0, 2)
	boxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(accentColor).
			Padding(0, 1)
)

type bannerInfo struct {
	Addr      string
	Autonomy  string
	Workspace string
	Paired    bool
	Require   bool
	Code      string
}

// printBanner displays the startup banner
func printBanner(w io.Writer, app *App) {
	cfg := app.Config
	fmt.Fprintln(w, renderBanner(bannerInfo{
		Addr:      net.JoinHostPort(cfg.Gateway.Host, strconv.Itoa(cfg.Gateway.Port)),
		Autonomy:  string(app.Policy.Level()),
		Workspace: app.Policy.Workspace(),
		Paired:    app.Pairing.IsPaired(),
		Require:   app.Pairing.RequirePairing(),
		Code:      app.Pairing.Code(),
	}))
}

func renderBanner(info bannerInfo) string {
	row := func(label, value string) string {
		return lipgloss.JoinHorizontal(lipgloss.Top, labelStyle.Render(label), value)
	}

	pairing := "disabled"
	switch {
	case info.Require && info.Paired:
		pairing = "paired"
	case info.Require:
		pairing = "waiting for a client"
	}

	lines := []string{
		titleStyle.Render("clawguard v" + version),
		"",
		row("Gateway", "http://"+info.Addr),
		row("Autonomy", info.Autonomy),
		row("Workspace", info.Workspace),
		row("Pairing", pairing),
	}
	out := boxStyle.Render(strings.Join(lines, "\n"))

	if info.Code != "" {
		hint := lipgloss.NewStyle().Foreground(mutedColor).Render(
			fmt.Sprintf("curl -X POST -H 'X-Pairing-Code: %s' http://%s/pair", info.Code, info.Addr))
		out = lipgloss.JoinVertical(lipgloss.Left, out, "",
			"  One-time pairing code:", codeStyle.Render(info.Code), hint)
	}
	return out
}
