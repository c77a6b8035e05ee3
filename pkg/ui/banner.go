package ui

import (
	"fmt"
	"io"
	"slices"
	"strings"
	"sync"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/waftester/vulnassess/pkg/defaults"
)

// Version information, overridable at build time via ldflags:
// go build -ldflags "-X github.com/waftester/vulnassess/pkg/ui.Commit=abc123"
var (
	Version = defaults.Version
	Commit  = "dev"
)

var (
	silentMode  bool
	noColorMode bool
	uiMu        sync.RWMutex
)

// SetSilent suppresses banners and progress output.
func SetSilent(silent bool) {
	uiMu.Lock()
	defer uiMu.Unlock()
	silentMode = silent
}

// IsSilent returns whether silent mode is enabled.
func IsSilent() bool {
	uiMu.RLock()
	defer uiMu.RUnlock()
	return silentMode
}

// SetNoColor disables colored output.
func SetNoColor(noColor bool) {
	uiMu.Lock()
	defer uiMu.Unlock()
	noColorMode = noColor
	if noColor {
		lipgloss.SetColorProfile(termenv.Ascii)
	}
}

// IsNoColor returns whether color is disabled.
func IsNoColor() bool {
	uiMu.RLock()
	defer uiMu.RUnlock()
	return noColorMode
}

const bannerArt = `
                 __
 _   ____ __/ /___ ____ ____ ___ ___ ___
| | / / // / / _ ` + "`" + `/ __(_-<(_-</ -_|_-<(_-<
|___/\_,_/_/\_,_/_/ /___/___/\__/___/___/
`

const bannerSeparator = "________________________________________________"

// PrintBanner writes the application banner to w.
func PrintBanner(w io.Writer) {
	if IsSilent() {
		return
	}
	for _, line := range strings.Split(bannerArt, "\n") {
		if line != "" {
			fmt.Fprintln(w, BannerStyle.Render(line))
		}
	}
	fmt.Fprintf(w, "                    v%s (%s)\n", VersionStyle.Render(Version), Commit)
	fmt.Fprintf(w, "%s\n\n", DividerStyle.Render(bannerSeparator))
}

// PrintDivider writes a horizontal rule sized to the terminal, capped at
// 100 columns.
func PrintDivider(w io.Writer) {
	fmt.Fprintln(w, DividerStyle.Render(strings.Repeat("-", min(TerminalWidth(w, 75), 100))))
}

// PrintSection writes a section header.
func PrintSection(w io.Writer, title string) {
	fmt.Fprintln(w)
	fmt.Fprintln(w, SectionStyle.Render("> "+title))
	PrintDivider(w)
}

var titleCaser = cases.Title(language.English)

// Label turns a config key such as "scoring_profile" into "Scoring Profile".
func Label(key string) string {
	return titleCaser.String(strings.NewReplacer("_", " ", "-", " ", ".", " ").Replace(key))
}

// PrintConfig writes key/value pairs sorted by key.
func PrintConfig(w io.Writer, config map[string]string) {
	if IsSilent() {
		return
	}
	keys := make([]string, 0, len(config))
	for k := range config {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		fmt.Fprintf(w, "  %s %s\n",
			ConfigLabelStyle.Render(Label(k)+":"),
			ConfigValueStyle.Render(config[k]),
		)
	}
}

// PrintSuccess writes a success line.
func PrintSuccess(w io.Writer, message string) {
	fmt.Fprintf(w, "%s %s\n", SuccessStyle.Render(Icon("✔", "[+]")), message)
}

// PrintError writes an error line.
func PrintError(w io.Writer, message string) {
	fmt.Fprintf(w, "%s %s\n", ErrorStyle.Render(Icon("✖", "[x]")), message)
}

// PrintWarning writes a warning line.
func PrintWarning(w io.Writer, message string) {
	fmt.Fprintf(w, "%s %s\n", WarningStyle.Render(Icon("⚠", "[!]")), message)
}

// PrintInfo writes an informational line.
func PrintInfo(w io.Writer, message string) {
	if IsSilent() {
		return
	}
	fmt.Fprintf(w, "%s %s\n", StatLabelStyle.Render(Icon("ℹ", "[i]")), message)
}
