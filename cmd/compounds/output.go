package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/lipgloss"

	"github.com/WessleyAI/compound-finder/engine/domain"
)

var (
	pink   = lipgloss.Color("205")
	cyan   = lipgloss.Color("86")
	green  = lipgloss.Color("82")
	yellow = lipgloss.Color("220")
	grey   = lipgloss.Color("245")

	titleStyle    = lipgloss.NewStyle().Bold(true).Foreground(pink)
	compoundStyle = lipgloss.NewStyle().Bold(true).Foreground(green).Padding(0, 1)
	missStyle     = lipgloss.NewStyle().Foreground(yellow)
	dimStyle      = lipgloss.NewStyle().Foreground(grey)
	stepStyle     = lipgloss.NewStyle().Foreground(cyan)
)

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func renderLookup(w io.Writer, l domain.Lookup) {
	fmt.Fprintln(w, titleStyle.Render(fmt.Sprintf("%d %s Grand Prix", l.Year, l.Race)))
	switch l.Status {
	case domain.StatusFound:
		codes := make([]string, 0, l.Compounds.Len())
		for _, c := range l.Compounds.Sorted() {
			codes = append(codes, compoundStyle.Render(c))
		}
		fmt.Fprintln(w, lipgloss.JoinHorizontal(lipgloss.Top, codes...))
		fmt.Fprintln(w, dimStyle.Render("source: "+l.SourceURL))
	case domain.StatusNoDocuments:
		fmt.Fprintln(w, missStyle.Render("no event-notes documents on the event page"))
	case domain.StatusFetchFailed:
		fmt.Fprintln(w, missStyle.Render(fmt.Sprintf("no compound selection found; %d of %d documents could not be read", l.Failed, l.Tried)))
	default:
		fmt.Fprintln(w, missStyle.Render(fmt.Sprintf("no compound selection in %d documents", l.Tried)))
	}
}

func renderDocs(w io.Writer, urls []string) {
	if len(urls) == 0 {
		fmt.Fprintln(w, missStyle.Render("no event-notes documents"))
		return
	}
	fmt.Fprintln(w, strings.Join(urls, "\n"))
}

// progressBar draws one line per candidate document on w.
type progressBar struct {
	w     io.Writer
	total int
	bar   progress.Model
}

func newProgressBar(w io.Writer) *progressBar {
	return &progressBar{
		w:   w,
		bar: progress.New(progress.WithDefaultGradient(), progress.WithWidth(24), progress.WithoutPercentage()),
	}
}

func (p *progressBar) Start(total int, desc string) {
	p.total = total
	fmt.Fprintln(p.w, titleStyle.Render(desc))
}

func (p *progressBar) Step(n int, url string) {
	var percent float64
	if p.total > 0 {
		percent = float64(n) / float64(p.total)
	}
	fmt.Fprintf(p.w, "%s %s %s\n",
		p.bar.ViewAs(percent),
		stepStyle.Render(fmt.Sprintf("%d/%d", n, p.total)),
		dimStyle.Render(url),
	)
}

func (p *progressBar) Done() {}
