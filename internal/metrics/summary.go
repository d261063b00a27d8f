package metrics

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/olekukonko/tablewriter"
)

var (
	passStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("10"))
	failStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("9"))
	noteStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("14"))
)

// SummarizeAll aggregates every recorded metric without a tag filter,
// followed by the filtered selectors of thresholds.
func SummarizeAll(reg *Registry, thresholds []Threshold) []Summary {
	var out []Summary
	for _, name := range reg.Names() {
		out = append(out, reg.Summarize(name, nil))
	}
	seen := make(map[string]bool)
	for _, th := range thresholds {
		if len(th.Selector.Tags) == 0 {
			continue
		}
		key := th.Selector.String()
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, reg.Summarize(th.Selector.Metric, th.Selector.Tags))
	}
	return out
}

// PrintSummary writes the metric table and the threshold verdicts.
func PrintSummary(w io.Writer, title string, summaries []Summary, report Report) {
	fmt.Fprintln(w, titleStyle.Render(title))

	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Metric", "Kind", "Count", "Avg", "Min", "Med", "P90", "P95", "P99", "Max", "Rate/Value"})
	table.SetBorder(false)
	table.SetAutoWrapText(false)
	table.SetAlignment(tablewriter.ALIGN_RIGHT)
	for _, s := range summaries {
		table.Append(summaryRow(s))
	}
	table.Render()

	if len(report.Results) == 0 {
		return
	}

	fmt.Fprintln(w)
	for _, res := range report.Results {
		var verdict string
		switch {
		case res.NoData:
			verdict = noteStyle.Render("NO DATA")
		case res.Passed:
			verdict = passStyle.Render("PASS")
		default:
			verdict = failStyle.Render("FAIL")
		}
		line := fmt.Sprintf("  %s  %s  %s", verdict, res.Selector, res.Expression)
		if !res.NoData && res.Error == "" {
			line += noteStyle.Render(fmt.Sprintf("  (observed %s)", FormatValue(res.Observed)))
		}
		if res.Error != "" {
			line += noteStyle.Render("  (" + res.Error + ")")
		}
		fmt.Fprintln(w, line)
	}

	fmt.Fprintln(w)
	if report.Passed {
		fmt.Fprintln(w, passStyle.Render("✓ all thresholds passed"))
	} else {
		fmt.Fprintln(w, failStyle.Render(fmt.Sprintf("✗ %d threshold(s) failed", len(report.Failed()))))
	}
}

func summaryRow(s Summary) []string {
	row := []string{s.Name(), s.Kind.String(), strconv.Itoa(s.Count), "", "", "", "", "", "", "", ""}
	switch s.Kind {
	case Trend:
		row[3] = FormatValue(s.Avg)
		row[4] = FormatValue(s.Min)
		row[5] = FormatValue(s.Med)
		row[6] = FormatValue(s.P90)
		row[7] = FormatValue(s.P95)
		row[8] = FormatValue(s.P99)
		row[9] = FormatValue(s.Max)
	case Counter:
		row[2] = FormatValue(s.Sum)
		row[10] = FormatValue(s.PerSecond) + "/s"
		if s.Metric == DataSent || s.Metric == DataReceived {
			row[2] = FormatSize(int64(s.Sum))
			row[10] = FormatSize(int64(s.PerSecond)) + "/s"
		}
	case Rate:
		row[10] = fmt.Sprintf("%.2f%% (%d/%d)", s.Rate*100, s.Passes, s.Count)
	case Gauge:
		row[4] = FormatValue(s.Min)
		row[9] = FormatValue(s.Max)
		row[10] = FormatValue(s.Value)
	}
	return row
}

// FormatValue renders a float without trailing zeros, two decimals at most.
func FormatValue(v float64) string {
	s := strconv.FormatFloat(v, 'f', 2, 64)
	s = strings.TrimRight(s, "0")
	return strings.TrimSuffix(s, ".")
}

// FormatSize formats byte size to human-readable string
func FormatSize(bytes int64) string {
	if bytes < 1024 {
		return fmt.Sprintf("%dB", bytes)
	}
	if bytes < 1024*1024 {
		return fmt.Sprintf("%.2fKB", float64(bytes)/1024.0)
	}
	return fmt.Sprintf("%.2fMB", float64(bytes)/(1024.0*1024.0))
}
