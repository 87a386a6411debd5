package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"

	"taracol/pkg/httpapi"
	"taracol/pkg/types"
	"taracol/pkg/utils"
)

var (
	primaryColor   = lipgloss.Color("#FF79C6")
	secondaryColor = lipgloss.Color("#8BE9FD")
	accentColor    = lipgloss.Color("#50FA7B")
	warningColor   = lipgloss.Color("#FFB86C")
	dangerColor    = lipgloss.Color("#FF5555")
	mutedColor     = lipgloss.Color("#6272A4")
	bgLightColor   = lipgloss.Color("#44475A")
	fgColor        = lipgloss.Color("#F8F8F2")

	panelStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(primaryColor).
			Padding(1, 2).
			MarginBottom(1)

	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(primaryColor).
			MarginBottom(1)

	mutedStyle = lipgloss.NewStyle().
			Foreground(mutedColor)

	labelStyle = lipgloss.NewStyle().
			Foreground(mutedColor).
			Width(20)

	valueStyle = lipgloss.NewStyle().
			Foreground(fgColor).
			Bold(true)

	accentValueStyle = lipgloss.NewStyle().
				Foreground(accentColor).
				Bold(true)

	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(secondaryColor).
			Background(bgLightColor).
			Padding(0, 1)

	rowStyle = lipgloss.NewStyle().
			Padding(0, 1)
)

func statusCmd() *cobra.Command {
	var addr string
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show a running node's replication status",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := fetchStatus(addr)
			if err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(st)
			}
			printStatus(st)
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:7480", "HTTP address of the node")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the raw status document")
	return cmd
}

func fetchStatus(addr string) (*httpapi.Status, error) {
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Get(strings.TrimRight(addr, "/") + "/status")
	if err != nil {
		return nil, fmt.Errorf("failed to reach node: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("node returned %s", resp.Status)
	}
	var st httpapi.Status
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return nil, fmt.Errorf("failed to decode status: %w", err)
	}
	return &st, nil
}

func createPanel(title, content string, width int) string {
	panel := panelStyle
	if width > 0 {
		panel = panel.Width(width)
	}
	return panel.Render(lipgloss.JoinVertical(lipgloss.Left, titleStyle.Render(title), content))
}

func newTable() *table.Table {
	return table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(bgLightColor)).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return rowStyle.Foreground(fgColor)
		})
}

func printStatus(st *httpapi.Status) {
	var content strings.Builder
	lines := []struct {
		label string
		value string
		style lipgloss.Style
	}{
		{"Node ID", st.NodeID, accentValueStyle},
		{"Role", string(st.Role), valueStyle},
		{"Cursor", fmt.Sprintf("%d", st.Cursor), valueStyle},
		{"Oldest Retained", fmt.Sprintf("%d", st.Oldest), valueStyle},
		{"Subscribers", fmt.Sprintf("%d", st.Subscribers), valueStyle},
		{"Published", fmt.Sprintf("%d", st.Published), valueStyle},
		{"Overwhelmed", fmt.Sprintf("%d", st.Overwhelmed), valueStyle},
		{"Accounts", fmt.Sprintf("%d", len(st.Accounts)), valueStyle},
		{"Disk Usage", utils.FormatByteSize(st.DiskUsage), valueStyle},
	}
	for _, l := range lines {
		content.WriteString(labelStyle.Render(l.label+":") + " " + l.style.Render(l.value) + "\n")
	}
	fmt.Println(createPanel("NODE", strings.TrimSpace(content.String()), 60))

	if len(st.Peers) > 0 {
		t := newTable()
		t.Headers("PEER", "ADDRESS", "STATE", "CURSOR", "APPLIED", "FAILURES", "SINCE", "LAST ERROR")
		for _, p := range st.Peers {
			t.Row(
				string(p.Peer),
				p.Addr,
				peerStateStyle(p.State).Render(p.State.String()),
				fmt.Sprintf("%d", p.Cursor),
				fmt.Sprintf("%d", p.Applied),
				fmt.Sprintf("%d", p.Failures),
				formatSince(p.Since),
				p.LastError,
			)
		}
		fmt.Println(createPanel("PEERS", t.Render(), 0))
	}

	if len(st.Accounts) == 0 {
		fmt.Println(createPanel("ACCOUNTS", mutedStyle.Render("No accounts"), 0))
		return
	}
	dids := make([]string, 0, len(st.Accounts))
	for did := range st.Accounts {
		dids = append(dids, string(did))
	}
	sort.Strings(dids)
	t := newTable()
	t.Headers("ACCOUNT", "REVISION")
	for _, did := range dids {
		t.Row(did, fmt.Sprintf("%d", st.Accounts[types.DID(did)]))
	}
	fmt.Println(createPanel("ACCOUNTS", t.Render(), 0))
}

func peerStateStyle(s types.PeerState) lipgloss.Style {
	switch s {
	case types.PeerStreaming:
		return lipgloss.NewStyle().Foreground(accentColor)
	case types.PeerBackfilling:
		return lipgloss.NewStyle().Foreground(warningColor)
	case types.PeerError:
		return lipgloss.NewStyle().Foreground(dangerColor)
	default:
		return mutedStyle
	}
}

func formatSince(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return time.Since(t).Truncate(time.Second).String()
}
