package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"gopkg.in/yaml.v3"

	"github.com/lcksfa/async-ai-task-runner/internal/models"
	"github.com/lcksfa/async-ai-task-runner/internal/provider"
)

// Output formats accepted by -o.
const (
	FormatTable = "table"
	FormatJSON  = "json"
	FormatYAML  = "yaml"
)

var (
	statusStylePending    = lipgloss.NewStyle().Foreground(lipgloss.Color("#F7B801")).Bold(true)
	statusStyleProcessing = lipgloss.NewStyle().Foreground(lipgloss.Color("#5B8DEF")).Bold(true)
	statusStyleCompleted  = lipgloss.NewStyle().Foreground(lipgloss.Color("#4CAF50")).Bold(true)
	statusStyleFailed     = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF6B6B")).Bold(true)

	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#CCCCCC"))
	labelStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#888888")).Width(12)
	cellStyle   = lipgloss.NewStyle().Padding(0, 1)
	borderStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#555555"))
)

// ValidFormat reports whether f is a supported output format.
func ValidFormat(f string) bool {
	switch f {
	case FormatTable, FormatJSON, FormatYAML:
		return true
	}
	return false
}

// StatusLabel renders a status in its color.
func StatusLabel(s models.TaskStatus) string {
	switch s {
	case models.StatusPending:
		return statusStylePending.Render(string(s))
	case models.StatusProcessing:
		return statusStyleProcessing.Render(string(s))
	case models.StatusCompleted:
		return statusStyleCompleted.Render(string(s))
	case models.StatusFailed:
		return statusStyleFailed.Render(string(s))
	}
	return string(s)
}

// RenderTask writes one task in detail.
func RenderTask(w io.Writer, t models.Task, format string) error {
	if format != FormatTable {
		return encode(w, t, format)
	}
	rows := [][2]string{
		{"id", strconv.FormatInt(t.ID, 10)},
		{"status", StatusLabel(t.Status)},
		{"priority", strconv.Itoa(t.Priority)},
		{"provider", orDash(t.ProviderName())},
		{"model", orDash(t.ModelName())},
		{"attempts", strconv.Itoa(t.Attempts)},
		{"created", t.CreatedAt.Local().Format(time.DateTime)},
	}
	if t.UpdatedAt != nil {
		rows = append(rows, [2]string{"updated", t.UpdatedAt.Local().Format(time.DateTime)})
	}
	if t.Progress != nil {
		rows = append(rows, [2]string{"progress", fmt.Sprintf("%d%% %s", t.Progress.Percent, t.Progress.Message)})
	}
	rows = append(rows, [2]string{"prompt", t.Prompt})
	if t.Result != nil {
		rows = append(rows, [2]string{"result", *t.Result})
	}
	var b strings.Builder
	for _, r := range rows {
		b.WriteString(lipgloss.JoinHorizontal(lipgloss.Top, labelStyle.Render(r[0]), r[1]))
		b.WriteByte('\n')
	}
	_, err := io.WriteString(w, b.String())
	return err
}

// RenderTasks writes a task listing.
func RenderTasks(w io.Writer, tasks []models.Task, format string) error {
	if format != FormatTable {
		if tasks == nil {
			tasks = []models.Task{}
		}
		return encode(w, tasks, format)
	}
	if len(tasks) == 0 {
		_, err := fmt.Fprintln(w, "No tasks.")
		return err
	}
	rows := make([][]string, 0, len(tasks))
	for _, t := range tasks {
		rows = append(rows, []string{
			strconv.FormatInt(t.ID, 10),
			StatusLabel(t.Status),
			strconv.Itoa(t.Priority),
			orDash(t.ProviderName()),
			truncate(t.Prompt, 48),
			t.CreatedAt.Local().Format(time.DateTime),
		})
	}
	return writeTable(w, []string{"ID", "STATUS", "PRI", "PROVIDER", "PROMPT", "CREATED"}, rows)
}

// RenderResult writes a completed task's result.
func RenderResult(w io.Writer, r ResultOutput, format string) error {
	if format != FormatTable {
		return encode(w, r, format)
	}
	_, err := fmt.Fprintln(w, r.Result)
	return err
}

// RenderEvents writes a task's audit trail.
func RenderEvents(w io.Writer, events []models.TaskEvent, format string) error {
	if format != FormatTable {
		if events == nil {
			events = []models.TaskEvent{}
		}
		return encode(w, events, format)
	}
	rows := make([][]string, 0, len(events))
	for _, e := range events {
		rows = append(rows, []string{e.Recorded.Local().Format(time.DateTime), e.Event, e.Detail})
	}
	return writeTable(w, []string{"TIME", "EVENT", "DETAIL"}, rows)
}

// RenderProviders writes the provider catalog.
func RenderProviders(w io.Writer, providers []provider.Info, format string) error {
	if format != FormatTable {
		if providers == nil {
			providers = []provider.Info{}
		}
		return encode(w, providers, format)
	}
	rows := make([][]string, 0, len(providers))
	for _, p := range providers {
		def := ""
		if p.Default {
			def = "*"
		}
		rows = append(rows, []string{p.Name, p.Kind, orDash(p.DefaultModel), def})
	}
	return writeTable(w, []string{"NAME", "KIND", "MODEL", "DEFAULT"}, rows)
}

// RenderStats writes status counts in lifecycle order.
func RenderStats(w io.Writer, counts map[string]int64, format string) error {
	if format != FormatTable {
		return encode(w, counts, format)
	}
	rows := make([][]string, 0, len(models.AllStatuses))
	for _, st := range models.AllStatuses {
		rows = append(rows, []string{StatusLabel(st), strconv.FormatInt(counts[string(st)], 10)})
	}
	return writeTable(w, []string{"STATUS", "COUNT"}, rows)
}

func writeTable(w io.Writer, headers []string, rows [][]string) error {
	t := table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(borderStyle).
		Headers(headers...).
		Rows(rows...).
		StyleFunc(func(row, _ int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle.Padding(0, 1)
			}
			return cellStyle
		})
	_, err := fmt.Fprintln(w, t.String())
	return err
}

// encode writes v as indented JSON, or as block-style YAML with the JSON
// field names and order.
func encode(w io.Writer, v any, format string) error {
	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	if format == FormatJSON {
		_, err = fmt.Fprintln(w, string(raw))
		return err
	}
	var node yaml.Node
	if err := yaml.Unmarshal(raw, &node); err != nil {
		return err
	}
	blockStyle(&node)
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(&node); err != nil {
		return err
	}
	return enc.Close()
}

func blockStyle(n *yaml.Node) {
	if n.Kind == yaml.MappingNode || n.Kind == yaml.SequenceNode {
		n.Style = 0
	}
	if n.Kind == yaml.ScalarNode && n.Style == yaml.DoubleQuotedStyle && n.Tag == "!!str" {
		n.Style = 0
	}
	for _, c := range n.Content {
		blockStyle(c)
	}
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if r := []rune(s); len(r) > n {
		return string(r[:n-1]) + "…"
	}
	return s
}
