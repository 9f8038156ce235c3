package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/go-resty/resty/v2"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/betbot/edgebot/internal/archive"
	"github.com/betbot/edgebot/internal/controlstate"
	"github.com/betbot/edgebot/internal/domain"
	"github.com/betbot/edgebot/internal/supervisor"
	"github.com/betbot/edgebot/pkg/config"
	"github.com/betbot/edgebot/pkg/exchange"
	"github.com/betbot/edgebot/pkg/persistence"
)

const (
	refreshEvery = 2 * time.Second
	historyRows  = 8
)

var (
	// 样式定义
	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("15")).
			Background(lipgloss.Color("62")).
			Padding(0, 1)

	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("15"))

	borderStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("238"))

	selectedStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("0")).
			Background(lipgloss.Color("33"))

	runningStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("2")) // 绿色

	failedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("1")) // 红色

	stoppedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("8"))

	liveStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("1")) // LIVE 红色提醒

	dryStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("6"))

	gainStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("2"))

	lossStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("1"))

	noteStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("11"))

	errStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("1"))
)

// model 面板状态。所有数据来自定期刷新，按键只发请求不改本地状态，
// 改完等下一轮刷新回来的真实结果。
type model struct {
	cfg *config.Config
	api *apiClient

	arch *archive.Archive
	svc  persistence.Service

	stream       *exchange.Stream
	streamTokens string // 当前订阅的 token 集（已排序拼接，变化时重建流）

	workers   []supervisor.WorkerStatus
	control   controlstate.Document
	positions []domain.Position
	history   []archive.Record

	cursor      int
	note        string
	err         error
	refreshing  bool
	refreshedAt time.Time
}

type tickMsg time.Time

// refreshMsg 一轮数据刷新的结果
type refreshMsg struct {
	workers   []supervisor.WorkerStatus
	control   controlstate.Document
	positions []domain.Position
	history   []archive.Record
	err       error
}

// actionMsg 控制操作（启停、开关、切模式）的结果
type actionMsg struct {
	note string
	err  error
}

// streamMsg 行情流重建完成
type streamMsg struct {
	stream *exchange.Stream
	tokens string
	err    error
}

func initialModel(cfg *config.Config, apiBase string, arch *archive.Archive) model {
	return model{
		cfg:     cfg,
		api:     newAPIClient(apiBase),
		arch:    arch,
		svc:     persistence.NewJSONFileService(cfg.Paths.Persistence),
		control: controlstate.Document{},
	}
}

func (m model) Init() tea.Cmd {
	return tea.Batch(tickCmd(), m.fetchCmd())
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			if m.stream != nil {
				_ = m.stream.Close()
			}
			return m, tea.Quit
		case "up", "k":
			if m.cursor > 0 {
				m.cursor--
			}
			return m, nil
		case "down", "j":
			if m.cursor < len(m.workers)-1 {
				m.cursor++
			}
			return m, nil
		case "r":
			if !m.refreshing {
				m.refreshing = true
				return m, m.fetchCmd()
			}
			return m, nil
		case "e":
			if name, ok := m.selectedStrategy(); ok {
				enabled := m.control[name].Enabled
				return m, m.controlCmd(name, map[string]any{"enabled": !enabled})
			}
			m.note = "所选行不是策略，无控制状态"
			return m, nil
		case "m":
			if name, ok := m.selectedStrategy(); ok {
				next := controlstate.ModeLive
				if m.control[name].Mode == controlstate.ModeLive {
					next = controlstate.ModeDryRun
				}
				return m, m.controlCmd(name, map[string]any{"mode": string(next)})
			}
			m.note = "所选行不是策略，无控制状态"
			return m, nil
		case "s":
			if w, ok := m.selectedWorker(); ok {
				return m, m.workerOpCmd(w.Name, "start")
			}
			return m, nil
		case "x":
			if w, ok := m.selectedWorker(); ok {
				return m, m.workerOpCmd(w.Name, "stop")
			}
			return m, nil
		}

	case tickMsg:
		if m.refreshing {
			return m, tickCmd()
		}
		m.refreshing = true
		return m, tea.Batch(tickCmd(), m.fetchCmd())

	case refreshMsg:
		m.refreshing = false
		if msg.err != nil {
			// 保留旧数据展示，错误只进状态栏
			m.err = msg.err
			return m, nil
		}
		m.err = nil
		m.workers = msg.workers
		m.control = msg.control
		m.positions = msg.positions
		m.history = msg.history
		m.refreshedAt = time.Now()
		if m.cursor >= len(m.workers) && len(m.workers) > 0 {
			m.cursor = len(m.workers) - 1
		}
		// 持仓变化时重建行情订阅
		tokens := tokenKey(msg.positions)
		if tokens != m.streamTokens && m.cfg.Exchange.WSURL != "" {
			return m, m.streamCmd(tokens)
		}
		return m, nil

	case streamMsg:
		if msg.err != nil {
			m.note = fmt.Sprintf("行情流连接失败: %v", msg.err)
			return m, nil
		}
		if m.stream != nil {
			_ = m.stream.Close()
		}
		m.stream = msg.stream
		m.streamTokens = msg.tokens
		return m, nil

	case actionMsg:
		if msg.err != nil {
			m.note = errStyle.Render(msg.err.Error())
		} else {
			m.note = msg.note
		}
		// 操作完立即刷一轮，让结果尽快可见
		if !m.refreshing {
			m.refreshing = true
			return m, m.fetchCmd()
		}
		return m, nil

	case error:
		m.err = msg
		return m, nil
	}

	return m, nil
}

// selectedWorker 返回光标所在的 worker 行
func (m model) selectedWorker() (supervisor.WorkerStatus, bool) {
	if m.cursor < 0 || m.cursor >= len(m.workers) {
		return supervisor.WorkerStatus{}, false
	}
	return m.workers[m.cursor], true
}

// selectedStrategy 返回光标所在行对应的策略名；dashboard 行没有控制状态
func (m model) selectedStrategy() (string, bool) {
	w, ok := m.selectedWorker()
	if !ok {
		return "", false
	}
	if _, isStrategy := m.control[w.Name]; !isStrategy {
		return "", false
	}
	return w.Name, true
}

func (m model) View() string {
	var s strings.Builder

	status := "刷新中..."
	if !m.refreshedAt.IsZero() {
		status = fmt.Sprintf("更新于 %s 前", time.Since(m.refreshedAt).Round(time.Second))
	}
	s.WriteString(headerStyle.Render(fmt.Sprintf("edgebot 面板 | %s | %s", m.api.base, status)))
	s.WriteString("\n\n")

	panes := lipgloss.JoinHorizontal(lipgloss.Top, m.renderWorkers(), "  ", m.renderPositions())
	s.WriteString(panes)
	s.WriteString("\n")
	s.WriteString(m.renderHistory())
	s.WriteString("\n")

	if m.err != nil {
		s.WriteString(errStyle.Render(fmt.Sprintf("错误: %v", m.err)))
		s.WriteString("\n")
	} else if m.note != "" {
		s.WriteString(noteStyle.Render(m.note))
		s.WriteString("\n")
	}
	s.WriteString("↑/↓ 选择  e 启停策略  m 切换 LIVE/DRY  s 启动  x 停止  r 刷新  q 退出")

	return s.String()
}

func (m model) renderWorkers() string {
	var s strings.Builder
	s.WriteString(titleStyle.Render("Workers"))
	s.WriteString("\n\n")
	s.WriteString(fmt.Sprintf("  %-12s %-8s %-7s %-4s %-9s %-8s %s\n",
		"NAME", "STATE", "PID", "RST", "UPTIME", "ENABLED", "MODE"))

	if len(m.workers) == 0 {
		s.WriteString("  （supervisor 未连接或无 worker）\n")
	}
	for i, w := range m.workers {
		state := w.State
		switch w.State {
		case supervisor.StateRunning:
			state = runningStyle.Render(w.State)
		case supervisor.StateFailed:
			state = failedStyle.Render(w.State)
		case supervisor.StateStopped:
			state = stoppedStyle.Render(w.State)
		}

		pid := "-"
		if w.PID != 0 {
			pid = fmt.Sprintf("%d", w.PID)
		}
		uptime := w.Uptime
		if uptime == "" {
			uptime = "-"
		}

		enabled, mode := "-", "-"
		if ctl, ok := m.control[w.Name]; ok {
			enabled = fmt.Sprintf("%v", ctl.Enabled)
			if ctl.Mode == controlstate.ModeLive {
				mode = liveStyle.Render(string(ctl.Mode))
			} else {
				mode = dryStyle.Render(string(ctl.Mode))
			}
		}

		name := fmt.Sprintf("%-12s", w.Name)
		if i == m.cursor {
			name = selectedStyle.Render(name)
		}
		s.WriteString(fmt.Sprintf("  %s %-17s %-7s %-4d %-9s %-8s %s\n",
			name, state, pid, w.Restarts, uptime, enabled, mode))
	}

	return borderStyle.Render(s.String())
}

func (m model) renderPositions() string {
	var s strings.Builder
	s.WriteString(titleStyle.Render("持仓"))
	s.WriteString("\n\n")
	s.WriteString(fmt.Sprintf("  %-10s %-32s %-4s %8s %7s %7s  %s\n",
		"STRATEGY", "QUESTION", "SIDE", "SIZE", "ENTRY", "LIVE", "STATE"))

	if len(m.positions) == 0 {
		s.WriteString("  （无持仓）\n")
	}
	for _, pos := range m.positions {
		live := "--"
		if m.stream != nil {
			if u, ok := m.stream.LastPrice(pos.TokenID); ok {
				entry := pos.EntryPrice.ToDecimal()
				txt := fmt.Sprintf("%.3f", u.Price)
				switch {
				case u.Price > entry:
					live = gainStyle.Render(txt)
				case u.Price < entry:
					live = lossStyle.Render(txt)
				default:
					live = txt
				}
			}
		}
		s.WriteString(fmt.Sprintf("  %-10s %-32s %-4s %8s %7.3f %7s  %s\n",
			pos.Strategy, shorten(pos.Question, 32), pos.Side,
			pos.SizeUSD.StringFixed(2), pos.EntryPrice.ToDecimal(), live, pos.State))
	}

	return borderStyle.Render(s.String())
}

func (m model) renderHistory() string {
	var s strings.Builder
	s.WriteString(titleStyle.Render("最近结算"))
	s.WriteString("\n\n")
	s.WriteString(fmt.Sprintf("  %-16s %-10s %-36s %-6s %9s\n",
		"CLOSED", "STRATEGY", "QUESTION", "RESULT", "PNL"))

	if len(m.history) == 0 {
		s.WriteString("  （暂无记录）\n")
	}
	for _, r := range m.history {
		closed := "-"
		if r.ClosedAt != nil {
			closed = r.ClosedAt.Local().Format("01-02 15:04:05")
		}
		pnl := r.PnlUSD.StringFixed(2)
		if r.PnlUSD.IsPositive() {
			pnl = gainStyle.Render("+" + pnl)
		} else if r.PnlUSD.IsNegative() {
			pnl = lossStyle.Render(pnl)
		}
		s.WriteString(fmt.Sprintf("  %-16s %-10s %-36s %-6s %9s\n",
			closed, r.Strategy, shorten(r.Question, 36), r.Outcome, pnl))
	}

	return borderStyle.Render(s.String())
}

func shorten(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}

// Commands

func tickCmd() tea.Cmd {
	return tea.Tick(refreshEvery, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// fetchCmd 拉一轮全量数据：worker 列表与控制状态走 supervisor API，
// 持仓读各策略的落盘记录，结算历史读归档库
func (m model) fetchCmd() tea.Cmd {
	api, cfg, svc, arch := m.api, m.cfg, m.svc, m.arch
	return func() tea.Msg {
		out := refreshMsg{control: controlstate.Document{}}

		if err := api.get("/api/workers", &out.workers); err != nil {
			out.err = err
			return out
		}
		var ctl struct {
			Control controlstate.Document `json:"control"`
		}
		if err := api.get("/api/control", &ctl); err != nil {
			out.err = err
			return out
		}
		out.control = ctl.Control

		out.positions = loadPositions(cfg, svc)

		if arch != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			records, err := arch.Recent(ctx, historyRows)
			cancel()
			if err == nil {
				out.history = records
			}
		}
		return out
	}
}

func (m model) controlCmd(name string, body map[string]any) tea.Cmd {
	api := m.api
	return func() tea.Msg {
		var ctl controlstate.StrategyControl
		if err := api.put("/api/control/"+name, body, &ctl); err != nil {
			return actionMsg{err: err}
		}
		return actionMsg{note: fmt.Sprintf("%s: enabled=%v mode=%s", name, ctl.Enabled, ctl.Mode)}
	}
}

func (m model) workerOpCmd(name, op string) tea.Cmd {
	api := m.api
	return func() tea.Msg {
		var ws supervisor.WorkerStatus
		if err := api.post("/api/workers/"+name+"/"+op, &ws); err != nil {
			return actionMsg{err: err}
		}
		return actionMsg{note: fmt.Sprintf("%s: %s", ws.Name, ws.State)}
	}
}

// streamCmd 按新的 token 集重建行情流。旧流由 Update 收到消息后关闭。
// Connect 拿到的 context 决定流的生存期，这里必须给长命 context，
// 结束统一走 Close。
func (m model) streamCmd(tokens string) tea.Cmd {
	wsURL := m.cfg.Exchange.WSURL
	return func() tea.Msg {
		if tokens == "" {
			return streamMsg{stream: nil, tokens: ""}
		}
		st := exchange.NewStream(wsURL, "")
		if err := st.Connect(context.Background(), strings.Split(tokens, ",")); err != nil {
			_ = st.Close()
			return streamMsg{err: err}
		}
		return streamMsg{stream: st, tokens: tokens}
	}
}

// loadPositions 扫描每个策略的落盘仓位。读到一半的文件直接跳过，
// 面板展示尽力而为
func loadPositions(cfg *config.Config, svc persistence.Service) []domain.Position {
	var out []domain.Position
	for _, st := range cfg.Strategies {
		stores, err := svc.ScanStores("position", st.Name)
		if err != nil {
			continue
		}
		for _, store := range stores {
			var pos domain.Position
			if err := store.Load(&pos); err != nil {
				continue
			}
			out = append(out, pos)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OpenedAt.After(out[j].OpenedAt) })
	return out
}

// tokenKey 持仓 token 集合的规范化表示，用来判断订阅是否需要重建
func tokenKey(positions []domain.Position) string {
	seen := map[string]bool{}
	var tokens []string
	for _, pos := range positions {
		if pos.TokenID == "" || seen[pos.TokenID] {
			continue
		}
		seen[pos.TokenID] = true
		tokens = append(tokens, pos.TokenID)
	}
	sort.Strings(tokens)
	return strings.Join(tokens, ",")
}

// ---- supervisor API ----

type apiClient struct {
	base string
	http *resty.Client
}

func newAPIClient(base string) *apiClient {
	return &apiClient{
		base: strings.TrimRight(base, "/"),
		http: resty.New().SetTimeout(10 * time.Second),
	}
}

func (c *apiClient) get(path string, out any) error {
	resp, err := c.http.R().SetResult(out).Get(c.base + path)
	return checkResp(resp, err)
}

func (c *apiClient) post(path string, out any) error {
	resp, err := c.http.R().SetResult(out).Post(c.base + path)
	return checkResp(resp, err)
}

func (c *apiClient) put(path string, body, out any) error {
	resp, err := c.http.R().SetBody(body).SetResult(out).Put(c.base + path)
	return checkResp(resp, err)
}

func checkResp(resp *resty.Response, err error) error {
	if err != nil {
		return fmt.Errorf("supervisor API 不可达: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("supervisor API: %d %s", resp.StatusCode(), strings.TrimSpace(resp.String()))
	}
	return nil
}

// runHeadless 无终端时（supervisor 托管、输出进日志文件）按周期打印
// 纯文本状态，TUI 留给交互场景
func runHeadless(cfg *config.Config, apiBase string) {
	api := newAPIClient(apiBase)
	svc := persistence.NewJSONFileService(cfg.Paths.Persistence)

	log.Printf("[dashboard] headless mode, polling %s every 30s", apiBase)
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	printOnce := func() {
		var workers []supervisor.WorkerStatus
		if err := api.get("/api/workers", &workers); err != nil {
			log.Printf("[dashboard] fetch workers: %v", err)
			return
		}
		var b strings.Builder
		w := tabwriter.NewWriter(&b, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "WORKER\tSTATE\tPID\tRESTARTS\tUPTIME")
		for _, ws := range workers {
			fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%s\n", ws.Name, ws.State, ws.PID, ws.Restarts, ws.Uptime)
		}
		positions := loadPositions(cfg, svc)
		w.Flush()
		log.Printf("[dashboard] status:\n%s%d open position(s)", b.String(), len(positions))
	}

	printOnce()
	for range ticker.C {
		printOnce()
	}
}

func main() {
	var (
		configPath = flag.String("config", "", "配置文件路径")
		apiFlag    = flag.String("api", "", "supervisor API 地址（默认取配置 supervisor.api_addr）")
	)
	flag.Parse()

	_ = godotenv.Load()

	if *configPath == "" {
		for _, p := range []string{"edgebot.yaml", "edgebot.yml", "config.yaml"} {
			if _, err := os.Stat(p); err == nil {
				*configPath = p
				break
			}
		}
	}
	cfg, err := config.LoadFromFile(*configPath)
	if err != nil {
		log.Fatalf("加载配置失败: %v", err)
	}

	apiBase := strings.TrimSpace(*apiFlag)
	if apiBase == "" {
		apiBase = "http://" + cfg.Supervisor.APIAddr
	}

	// 内部组件都用 logrus，输出重定向到文件，避免干扰 TUI
	logDir := filepath.Dir(cfg.Log.File)
	if logDir == "" || logDir == "." {
		logDir = "logs"
	}
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		logDir = os.TempDir()
	}
	if f, err := os.OpenFile(filepath.Join(logDir, "dashboard-tui.log"),
		os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644); err == nil {
		logrus.SetOutput(f)
		logrus.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: "2006-01-02 15:04:05",
			DisableColors:   true,
		})
	}

	// 启用日志文件（用于调试）
	if len(os.Getenv("DEBUG")) > 0 {
		f, err := tea.LogToFile("debug.log", "debug")
		if err != nil {
			log.Fatal(err)
		}
		defer f.Close()
	}

	// supervisor 托管时 stdout 是日志文件，不是终端
	if fi, err := os.Stdout.Stat(); err == nil && fi.Mode()&os.ModeCharDevice == 0 {
		runHeadless(cfg, apiBase)
		return
	}

	arch, err := archive.Open(cfg.Paths.ArchiveDB)
	if err != nil {
		log.Printf("打开归档数据库失败（历史面板不可用）: %v", err)
		arch = nil
	} else {
		defer arch.Close()
	}

	p := tea.NewProgram(initialModel(cfg, apiBase, arch), tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		log.Fatalf("运行面板失败: %v", err)
	}
}
