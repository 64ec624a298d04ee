package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"tradedesk/internal/config"
	"tradedesk/internal/domain"
	"tradedesk/internal/engine"
	"tradedesk/internal/events"
	"tradedesk/internal/instrument"
	"tradedesk/internal/secrets"
	"tradedesk/internal/store"
	"tradedesk/internal/util"
)

// Styles.
var (
	headerStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("15")).Background(lipgloss.Color("4"))
	footerStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("15")).Background(lipgloss.Color("8"))
	tabStyle      = lipgloss.NewStyle().Padding(0, 1).Foreground(lipgloss.Color("245"))
	tabActive     = lipgloss.NewStyle().Padding(0, 1).Bold(true).Foreground(lipgloss.Color("0")).Background(lipgloss.Color("6"))
	colHeader     = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	symbolStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	gainStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	lossStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	dimStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	warnStyle     = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("11"))
	sessionStyles = map[string]lipgloss.Style{
		"valid":    gainStyle,
		"expiring": warnStyle,
		"invalid":  lossStyle,
	}
)

const maxEventLines = 200

// Messages.
type tickMsg time.Time
type eventMsg events.Event
type streamClosedMsg struct{}
type actionMsg struct {
	what string
	err  error
}

func tickCmd() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func waitEvent(sub *events.Subscription) tea.Cmd {
	return func() tea.Msg {
		e, ok := <-sub.C()
		if !ok {
			return streamClosedMsg{}
		}
		return eventMsg(e)
	}
}

// Model.
type model struct {
	eng *engine.Engine
	sub *events.Subscription

	profiles []engine.ProfileStatus
	selected int
	quotes   []domain.Quote
	prev     map[string]float64
	orders   []domain.Order
	accounts map[domain.ProfileID]domain.Account
	log      []string
	status   string

	viewport viewport.Model
	ready    bool
	width    int
	height   int
}

func initialModel(eng *engine.Engine, sub *events.Subscription) model {
	m := model{eng: eng, sub: sub, prev: make(map[string]float64), accounts: make(map[domain.ProfileID]domain.Account)}
	m.refresh()
	return m
}

func (m model) Init() tea.Cmd {
	return tea.Batch(tickCmd(), waitEvent(m.sub))
}

func (m model) current() domain.ProfileID {
	if len(m.profiles) == 0 {
		return ""
	}
	return m.profiles[m.selected].ID
}

func (m *model) refresh() {
	m.profiles = m.eng.Profiles()
	if m.selected >= len(m.profiles) {
		m.selected = 0
	}
	id := m.current()
	if id == "" {
		return
	}
	if qs, err := m.eng.GetQuotes(id); err == nil {
		for _, q := range m.quotes {
			m.prev[q.Key] = q.Last
		}
		sort.Slice(qs, func(i, j int) bool { return qs[i].Key < qs[j].Key })
		m.quotes = qs
	}
	if orders, err := m.eng.Orders(id); err == nil {
		sort.Slice(orders, func(i, j int) bool { return orders[i].CreatedAt.After(orders[j].CreatedAt) })
		m.orders = orders
	}
}

func (m model) action(what string, fn func(context.Context) error) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return actionMsg{what: what, err: fn(ctx)}
	}
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		id := m.current()
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "tab", "right":
			if len(m.profiles) > 0 {
				m.selected = (m.selected + 1) % len(m.profiles)
				m.quotes = nil
				m.refresh()
				m.viewport.SetContent(m.renderContent())
			}
			return m, nil
		case "shift+tab", "left":
			if len(m.profiles) > 0 {
				m.selected = (m.selected + len(m.profiles) - 1) % len(m.profiles)
				m.quotes = nil
				m.refresh()
				m.viewport.SetContent(m.renderContent())
			}
			return m, nil
		case "l":
			if id == "" {
				return m, nil
			}
			m.status = "logging in " + string(id) + "..."
			return m, m.action("login "+string(id), func(ctx context.Context) error {
				_, err := m.eng.Login(ctx, id)
				return err
			})
		case "c":
			if id == "" {
				return m, nil
			}
			m.status = "cancelling open orders of " + string(id) + "..."
			return m, m.action("cancel-all "+string(id), func(ctx context.Context) error {
				_, err := m.eng.CancelAllOpen(ctx, id)
				return err
			})
		case "x":
			if id == "" {
				return m, nil
			}
			m.status = "squaring off " + string(id) + "..."
			return m, m.action("square-off "+string(id), func(ctx context.Context) error {
				_, err := m.eng.SquareOffAll(ctx, id)
				return err
			})
		case "C":
			m.status = "cancelling open orders of every profile..."
			return m, m.action("cancel-all (all profiles)", func(ctx context.Context) error {
				return fanOutErr(m.eng.FanOutCancelAll(ctx))
			})
		case "X":
			m.status = "squaring off every profile..."
			return m, m.action("square-off (all profiles)", func(ctx context.Context) error {
				return fanOutErr(m.eng.FanOutSquareOff(ctx))
			})
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		vpHeight := max(m.height-3, 1)
		if !m.ready {
			m.viewport = viewport.New(m.width, vpHeight)
			m.viewport.MouseWheelEnabled = true
			m.ready = true
		} else {
			m.viewport.Width = m.width
			m.viewport.Height = vpHeight
		}
		m.viewport.SetContent(m.renderContent())
		return m, nil

	case tickMsg:
		m.refresh()
		m.viewport.SetContent(m.renderContent())
		return m, tickCmd()

	case eventMsg:
		if msg.Kind == events.KindAccount && msg.Account != nil {
			m.accounts[msg.Profile] = *msg.Account
			m.viewport.SetContent(m.renderContent())
			return m, waitEvent(m.sub)
		}
		if line := formatEvent(events.Event(msg)); line != "" {
			m.log = append(m.log, line)
			if len(m.log) > maxEventLines {
				m.log = m.log[len(m.log)-maxEventLines:]
			}
			m.viewport.SetContent(m.renderContent())
		}
		return m, waitEvent(m.sub)

	case streamClosedMsg:
		m.status = "event stream closed"
		return m, nil

	case actionMsg:
		if msg.err != nil {
			m.status = fmt.Sprintf("%s failed: %v", msg.what, msg.err)
		} else {
			m.status = msg.what + " done"
		}
		m.refresh()
		m.viewport.SetContent(m.renderContent())
		return m, nil
	}

	var cmd tea.Cmd
	m.viewport, cmd = m.viewport.Update(msg)
	return m, cmd
}

func (m model) View() string {
	if !m.ready {
		return "Loading..."
	}

	var tabs []string
	for i, p := range m.profiles {
		style := tabStyle
		if i == m.selected {
			style = tabActive
		}
		state := p.Session
		if p.NeedsLogin {
			state += " (login required)"
		}
		if st, ok := sessionStyles[p.Session]; ok && i != m.selected {
			state = st.Render(state)
		}
		tabs = append(tabs, style.Render(fmt.Sprintf("%s %s", p.ID, state)))
	}
	header := headerStyle.Render(padOrTrunc(fmt.Sprintf(" tradedesk  %s ", time.Now().Format("15:04:05")), m.width))
	tabBar := padOrTrunc(strings.Join(tabs, " "), m.width)

	footerText := " q quit  tab/shift+tab profile  l login  c/C cancel all (profile/every)  x/X square off  pgup/dn scroll"
	if m.status != "" {
		footerText += "    " + m.status
	}
	footer := footerStyle.Render(padOrTrunc(footerText, m.width))

	return header + "\n" + tabBar + "\n" + m.viewport.View() + "\n" + footer
}

func (m model) renderContent() string {
	var b strings.Builder

	b.WriteString(colHeader.Render(fmt.Sprintf("%-24s %12s %12s %12s %10s  %s", "INSTRUMENT", "BID", "ASK", "LAST", "VOLUME", "AS OF")))
	b.WriteString("\n")
	if len(m.quotes) == 0 {
		b.WriteString(dimStyle.Render("  no quotes yet"))
		b.WriteString("\n")
	}
	for _, q := range m.quotes {
		last := fmt.Sprintf("%12.2f", q.Last)
		if p, ok := m.prev[q.Key]; ok && p != 0 {
			switch {
			case q.Last > p:
				last = gainStyle.Render(last)
			case q.Last < p:
				last = lossStyle.Render(last)
			}
		}
		asOf := "-"
		if !q.Timestamp.IsZero() {
			asOf = q.Timestamp.Format("15:04:05")
		}
		fmt.Fprintf(&b, "%s %12.2f %12.2f %s %10d  %s\n",
			symbolStyle.Render(fmt.Sprintf("%-24s", q.Key)), q.Bid, q.Ask, last, q.Volume, dimStyle.Render(asOf))
	}

	b.WriteString("\n")
	b.WriteString(colHeader.Render(fmt.Sprintf("%-36s %-22s %-5s %8s %8s %10s  %s", "ORDER", "INSTRUMENT", "SIDE", "QTY", "FILLED", "AVG", "STATE")))
	b.WriteString("\n")
	for _, o := range m.orders {
		state := string(o.State)
		switch o.State {
		case domain.OrderFilled:
			state = gainStyle.Render(state)
		case domain.OrderRejectedAtSubmit, domain.OrderRejectedAtExchange:
			state = lossStyle.Render(state + " " + o.Reason)
		}
		fmt.Fprintf(&b, "%-36s %-22s %-5s %8d %8d %10s  %s\n",
			o.CorrelationID, o.Request.Instrument.Key(), o.Request.Side, o.Request.Quantity, o.FilledQty, o.AvgPrice.StringFixed(2), state)
	}

	b.WriteString("\n")
	if acct, ok := m.accounts[m.current()]; ok {
		b.WriteString(colHeader.Render(fmt.Sprintf("%-36s %8s %8s %8s %10s  margin %s available, %s used",
			"POSITION", "BUY", "SELL", "NET", "AVG", acct.Margin.Available.StringFixed(2), acct.Margin.Used.StringFixed(2))))
		b.WriteString("\n")
		for _, p := range acct.Positions {
			net := fmt.Sprintf("%8d", p.NetQty)
			if p.IsOpen() {
				net = warnStyle.Render(net)
			}
			fmt.Fprintf(&b, "%-36s %8d %8d %s %10s\n", p.Instrument.Key(), p.BuyQty, p.SellQty, net, p.AvgPrice.StringFixed(2))
		}
		b.WriteString("\n")
	}
	b.WriteString(colHeader.Render("EVENTS"))
	b.WriteString("\n")
	for i := len(m.log) - 1; i >= 0; i-- {
		b.WriteString(m.log[i])
		b.WriteString("\n")
	}
	return b.String()
}

func formatEvent(e events.Event) string {
	ts := dimStyle.Render(e.Time.Format("15:04:05"))
	switch e.Kind {
	case events.KindOrderState:
		if e.Order == nil {
			return ""
		}
		return fmt.Sprintf("%s %s order %s %s", ts, e.Profile, e.Order.CorrelationID, e.Order.State)
	case events.KindSessionState:
		return fmt.Sprintf("%s %s session %s %s", ts, e.Profile, e.Session, e.Message)
	case events.KindAuthFailed:
		return fmt.Sprintf("%s %s %s", ts, e.Profile, lossStyle.Render("login rejected: "+e.Message))
	case events.KindTransient:
		return fmt.Sprintf("%s %s %s", ts, e.Profile, warnStyle.Render(e.Message))
	case events.KindQuoteStale:
		return fmt.Sprintf("%s %s %s", ts, e.Profile, warnStyle.Render("stale quote "+e.Key))
	case events.KindSubscription:
		return fmt.Sprintf("%s %s %s", ts, e.Profile, e.Message)
	case events.KindCancelDrop:
		return fmt.Sprintf("%s %s %s", ts, e.Profile, warnStyle.Render(e.Message))
	}
	return ""
}

// fanOutErr folds per-profile failures of an all-profiles action into one
// error.
func fanOutErr(results []engine.ProfileResult, err error) error {
	if err != nil {
		return err
	}
	var failed []string
	for _, r := range results {
		if r.Err != nil {
			failed = append(failed, fmt.Sprintf("%s: %v", r.Profile, r.Err))
		}
	}
	if len(failed) > 0 {
		return errors.New(strings.Join(failed, "; "))
	}
	return nil
}

func padOrTrunc(s string, width int) string {
	if w := lipgloss.Width(s); w < width {
		return s + strings.Repeat(" ", width-w)
	}
	return s
}

func main() {
	cfgPath := "config/tradedesk.yaml"
	if p := os.Getenv("TRADEDESK_CONFIG"); p != "" {
		cfgPath = p
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "loading config: %v\n", err)
		os.Exit(1)
	}

	logPath := cfg.Logging.File
	if logPath == "" {
		logPath = fmt.Sprintf("/tmp/tradedesk-console-%s.log", time.Now().Format("2006-01-02"))
	}
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "opening log file: %v\n", err)
		os.Exit(1)
	}
	defer logFile.Close()
	logger := util.NewLoggerTo(logFile, cfg.Logging.Level, cfg.Logging.Format)
	util.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	deps := engine.Deps{
		Secrets: secrets.NewFileStore(cfg.Secrets.Path),
		Logger:  logger,
	}
	if cfg.Instruments.MasterPath != "" {
		master, err := instrument.NewMaster(ctx, instrument.FileSource(cfg.Instruments.MasterPath))
		if err != nil {
			fmt.Fprintf(os.Stderr, "loading instrument master: %v\n", err)
			os.Exit(1)
		}
		deps.Instruments = master
	}
	if cfg.Storage.SQLitePath != "" {
		journal, err := store.NewSQLiteStore(cfg.Storage.SQLitePath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "opening order journal: %v\n", err)
			os.Exit(1)
		}
		defer journal.Close()
		deps.Journal = journal
	}
	if cfg.Storage.ArchiveQuotes && cfg.Storage.DataDir != "" {
		deps.Archive = store.NewParquetStore(cfg.Storage.DataDir)
	}

	eng, err := engine.New(cfg, deps)
	if err != nil {
		fmt.Fprintf(os.Stderr, "creating engine: %v\n", err)
		os.Exit(1)
	}
	sub := eng.Events()

	fmt.Fprint(os.Stderr, "logging in...")
	if err := eng.Start(ctx); err != nil {
		fmt.Fprintf(os.Stderr, " %v\n", err)
		os.Exit(1)
	}
	fmt.Fprintf(os.Stderr, " %d profiles\n", len(eng.Profiles()))

	p := tea.NewProgram(
		initialModel(eng, sub),
		tea.WithAltScreen(),
		tea.WithMouseCellMotion(),
	)
	_, runErr := p.Run()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Scheduler.Grace+5*time.Second)
	defer shutdownCancel()
	if err := eng.Shutdown(shutdownCtx); err != nil {
		logger.Error("engine shutdown", "event", "shutdown_error", "error", err)
	}
	if runErr != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", runErr)
		os.Exit(1)
	}
}
