package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/1F47E/geo-rebalance/internal/config"
	"github.com/1F47E/geo-rebalance/internal/logger"
	"github.com/1F47E/geo-rebalance/internal/metrics"
	"github.com/1F47E/geo-rebalance/internal/pipeline"
	"github.com/1F47E/geo-rebalance/internal/publish"
	"github.com/1F47E/geo-rebalance/pkg/feed"
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Run the polling pipeline with a live terminal view",
	Long: `Runs the same passes as serve but shows them in the terminal instead of
publishing them: the latest transfers, the balance before and after, and a
countdown to the next poll.`,
	RunE: runWatch,
}

// watchTransferRows caps the transfers shown per pass.
const watchTransferRows = 10

type passMsg publish.Update

type passEventMsg metrics.PassEvent

type clockMsg time.Time

// teaPublisher forwards each pass into the running program.
type teaPublisher struct {
	send func(tea.Msg)
}

func (p teaPublisher) Publish(_ context.Context, u publish.Update) error {
	p.send(passMsg(u))
	return nil
}

func (p teaPublisher) RecordPass(ev metrics.PassEvent) error {
	p.send(passEventMsg(ev))
	return nil
}

type watchModel struct {
	spinner  spinner.Model
	progress progress.Model
	st       styles

	source   string
	interval time.Duration
	now      time.Time

	last      *publish.Update
	lastEvent *metrics.PassEvent
	passes    int
	failures  int
	width     int
}

func newWatchModel(source string, interval time.Duration, color bool) watchModel {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF79C6"))

	return watchModel{
		spinner:  s,
		progress: progress.New(progress.WithDefaultGradient(), progress.WithoutPercentage()),
		st:       newStyles(color),
		source:   source,
		interval: interval,
		now:      time.Now(),
		width:    80,
	}
}

func clockTick() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg { return clockMsg(t) })
}

func (m watchModel) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, clockTick())
}

func (m watchModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.progress.Width = max(msg.Width-10, 10)
		return m, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		}

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case clockMsg:
		m.now = time.Time(msg)
		return m, clockTick()

	case passMsg:
		u := publish.Update(msg)
		m.last = &u
		return m, nil

	case passEventMsg:
		ev := metrics.PassEvent(msg)
		m.lastEvent = &ev
		m.passes++
		if !ev.Success {
			m.failures++
		}
		return m, nil
	}
	return m, nil
}

// untilNext is the fraction of the poll interval elapsed since the last pass.
func (m watchModel) untilNext() float64 {
	if m.lastEvent == nil || m.interval <= 0 {
		return 0
	}
	f := float64(m.now.Sub(m.lastEvent.Time)) / float64(m.interval)
	return min(max(f, 0), 1)
}

func (m watchModel) View() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s\n\n", m.st.title.Render("georebalance watch"), m.st.dim.Render(m.source))

	if m.lastEvent == nil {
		fmt.Fprintf(&b, "%s Waiting for the first pass...\n", m.spinner.View())
		fmt.Fprintf(&b, "\n%s\n", m.st.dim.Render("q to quit"))
		return b.String()
	}

	ev := m.lastEvent
	fmt.Fprintf(&b, "%s %d (%d failed)\n", m.st.label.Render("Passes:"), m.passes, m.failures)
	if ev.Success {
		fmt.Fprintf(&b, "%s %s at %s in %s\n", m.st.good.Render("Last pass ok:"),
			ev.PassID, ev.Time.Format(time.TimeOnly), ev.Duration.Round(time.Millisecond))
	} else {
		fmt.Fprintf(&b, "%s %s\n", m.st.bad.Render("Last pass failed:"), ev.Error)
	}

	if m.last != nil {
		u := m.last
		fmt.Fprintf(&b, "%s %d stations, %d transfers, std dev %.2f -> %.2f\n",
			m.st.label.Render("Snapshot:"), len(u.Snapshot.Rows), len(u.Transfers), ev.StdDevBefore, ev.StdDevAfter)
		if n := len(u.Unsatisfied); n > 0 {
			fmt.Fprintf(&b, "%s %d\n", m.st.bad.Render("Still understocked:"), n)
		}
		if len(u.Alerts) > 0 {
			fmt.Fprintf(&b, "%s %d active\n", m.st.label.Render("Service alerts:"), len(u.Alerts))
		}
		if len(u.Transfers) > 0 {
			shown := u.Transfers[:min(len(u.Transfers), watchTransferRows)]
			cells := make([][]string, len(shown))
			for i, t := range shown {
				cells[i] = []string{t.From, t.To, fmt.Sprint(t.Amount)}
			}
			r := renderer{st: m.st}
			fmt.Fprintln(&b, r.table([]string{"FROM", "TO", "BIKES"}, cells))
			if more := len(u.Transfers) - len(shown); more > 0 {
				fmt.Fprintln(&b, m.st.dim.Render(fmt.Sprintf("... %d more", more)))
			}
		}
	}

	fmt.Fprintf(&b, "\n%s %s\n", m.st.label.Render("Next poll"), m.progress.ViewAs(m.untilNext()))
	fmt.Fprintf(&b, "\n%s\n", m.st.dim.Render("q to quit"))
	return b.String()
}

func runWatch(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return err
	}
	opts, err := pipelineOptions(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	source, closeSource, err := openSource(ctx, cfg.Source, cfg.Poll.Timeout)
	if err != nil {
		return err
	}
	defer closeSource()

	model := newWatchModel(sourceLabel(cfg.Source), opts.Interval, isTerminal(os.Stdout))
	prog := tea.NewProgram(model, tea.WithContext(ctx), tea.WithAltScreen())
	tp := teaPublisher{send: prog.Send}

	pipeOpts := []pipeline.Option{
		pipeline.WithSink(tp),
		// Log lines would tear the alt screen
		pipeline.WithLogger(logger.NopLogger{}),
	}
	if cfg.Alerts.URL != "" {
		pipeOpts = append(pipeOpts, pipeline.WithAlerts(feed.NewAlertsClient(cfg.Alerts.URL, cfg.Poll.Timeout)))
	}
	p := pipeline.New(source, tp, opts, pipeOpts...)

	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	_, runErr := prog.Run()
	stop()
	if pipeErr := <-done; pipeErr != nil {
		return pipeErr
	}
	if runErr != nil && !errors.Is(runErr, tea.ErrProgramKilled) {
		return runErr
	}
	return nil
}

func sourceLabel(src config.SourceConfig) string {
	switch src.Kind {
	case config.SourceGBFS:
		return "gbfs " + src.GBFS.URL
	case config.SourceCSV:
		return "csv " + src.CSV.Path
	case config.SourcePostGIS:
		return fmt.Sprintf("postgis %s/%s", src.PostGIS.Host, src.PostGIS.DBName)
	}
	return src.Kind
}
