package cli

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
)

var (
	titleStyle = lipgloss.NewStyle().Bold(true)
	warnStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	helpStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
)

// isInteractive checks if in is a terminal (not piped)
func isInteractive(in io.Reader) bool {
	f, ok := in.(*os.File)
	if !ok {
		return false
	}
	stat, err := f.Stat()
	if err != nil {
		return false
	}
	return (stat.Mode() & os.ModeCharDevice) != 0
}

// isTerminal checks if out writes to a terminal
func isTerminal(out io.Writer) bool {
	f, ok := out.(*os.File)
	return ok && isInteractive(f)
}

// confirmRun asks before starting a run of the given length. Only "y" and
// "yes" confirm.
func confirmRun(in io.Reader, out io.Writer, scenario string, length time.Duration) (bool, error) {
	fmt.Fprintln(out, titleStyle.Render(fmt.Sprintf("Scenario '%s' runs for %s.", scenario, length.Round(time.Second))))
	fmt.Fprintln(out, warnStyle.Render("It keeps the target backend under load the whole time."))
	fmt.Fprintln(out, helpStyle.Render("Use --duration-scale for a shorter rehearsal, or --yes to skip this prompt."))
	fmt.Fprint(out, "\nProceed? [y/N]: ")

	answer, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && err != io.EOF {
		return false, fmt.Errorf("failed to read confirmation: %w", err)
	}
	answer = strings.ToLower(strings.TrimSpace(answer))
	return answer == "y" || answer == "yes", nil
}
