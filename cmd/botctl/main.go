package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"

	"github.com/betbot/edgebot/internal/archive"
	"github.com/betbot/edgebot/internal/controlstate"
	"github.com/betbot/edgebot/internal/journal"
	"github.com/betbot/edgebot/internal/supervisor"
	"github.com/betbot/edgebot/pkg/config"
	"github.com/betbot/edgebot/pkg/persistence"
)

const usageText = `botctl - operator CLI

Usage:
  botctl [flags] <command> [args]

Commands:
  status                      show control state for every strategy
  enable <strategy>           allow the strategy to open positions
  disable <strategy>          stop the strategy from opening positions
  mode <strategy> live|dry    switch order submission mode
  workers                     list supervisor workers (needs a running supervisor)
  start <worker>              start a worker via the supervisor
  stop <worker>               stop a worker via the supervisor
  history [strategy]          show archived positions and totals
  tail <strategy>             show recent journal events

Flags:
  -config path    config file (default: edgebot.yaml if present)
  -api url        supervisor API base URL; when set, control edits go through
                  the API instead of writing the control document directly
  -limit n        max history/tail rows (default 20)
`

func main() {
	var (
		configPath = flag.String("config", "", "config file path")
		apiFlag    = flag.String("api", "", "supervisor API base URL")
		limit      = flag.Int("limit", 20, "max history rows")
	)
	flag.Usage = func() { fmt.Fprint(os.Stderr, usageText) }
	flag.Parse()

	_ = godotenv.Load()

	args := flag.Args()
	if len(args) == 0 {
		flag.Usage()
		os.Exit(2)
	}

	cfg := loadConfig(*configPath)

	// workers/start/stop 永远走 supervisor API；控制状态编辑只有显式
	// 传了 -api 才走 API，否则直接写控制文档（单写者约定）
	api := newAPIClient(resolveAPIBase(cfg, *apiFlag))
	useAPI := strings.TrimSpace(*apiFlag) != ""

	switch args[0] {
	case "status":
		cmdStatus(cfg, api, useAPI)
	case "enable", "disable":
		requireArgs(args, 2, "enable|disable <strategy>")
		cmdSetEnabled(cfg, api, useAPI, args[1], args[0] == "enable")
	case "mode":
		requireArgs(args, 3, "mode <strategy> live|dry")
		cmdSetMode(cfg, api, useAPI, args[1], args[2])
	case "workers":
		cmdWorkers(api)
	case "start", "stop":
		requireArgs(args, 2, args[0]+" <worker>")
		cmdWorkerOp(api, args[0], args[1])
	case "history":
		strategy := ""
		if len(args) > 1 {
			strategy = args[1]
		}
		cmdHistory(cfg, strategy, *limit)
	case "tail":
		requireArgs(args, 2, "tail <strategy>")
		cmdTail(cfg, args[1], *limit)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", args[0])
		flag.Usage()
		os.Exit(2)
	}
}

func loadConfig(path string) *config.Config {
	if path == "" {
		for _, p := range []string{"edgebot.yaml", "edgebot.yml", "config.yaml"} {
			if _, err := os.Stat(p); err == nil {
				path = p
				break
			}
		}
	}
	cfg, err := config.LoadFromFile(path)
	if err != nil {
		fatal(err)
	}
	return cfg
}

func resolveAPIBase(cfg *config.Config, flagVal string) string {
	if v := strings.TrimSpace(flagVal); v != "" {
		return v
	}
	return "http://" + cfg.Supervisor.APIAddr
}

func requireArgs(args []string, n int, usage string) {
	if len(args) < n {
		fatal(fmt.Errorf("usage: botctl %s", usage))
	}
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, "error:", err.Error())
	os.Exit(1)
}

// ---- supervisor API client ----

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
		return fmt.Errorf("supervisor API unreachable: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("supervisor API: %d %s", resp.StatusCode(), strings.TrimSpace(resp.String()))
	}
	return nil
}

// ---- commands ----

func controlStore(cfg *config.Config) *controlstate.Store {
	return controlstate.NewStore(persistence.NewJSONFileService(cfg.Paths.Control))
}

func mustStrategy(cfg *config.Config, name string) {
	if _, ok := cfg.Strategy(name); !ok {
		names := make([]string, 0, len(cfg.Strategies))
		for _, st := range cfg.Strategies {
			names = append(names, st.Name)
		}
		fatal(fmt.Errorf("unknown strategy %q (configured: %s)", name, strings.Join(names, ", ")))
	}
}

func cmdStatus(cfg *config.Config, api *apiClient, useAPI bool) {
	var doc controlstate.Document
	if useAPI {
		var out struct {
			Control controlstate.Document `json:"control"`
			Warning string                `json:"warning"`
		}
		if err := api.get("/api/control", &out); err != nil {
			fatal(err)
		}
		if out.Warning != "" {
			fmt.Fprintf(os.Stderr, "warning: %s\n", out.Warning)
		}
		doc = out.Control
	} else {
		var err error
		doc, err = controlStore(cfg).Snapshot()
		if err != nil {
			fatal(err)
		}
	}

	names := make([]string, 0, len(doc))
	for name := range doc {
		names = append(names, name)
	}
	sort.Strings(names)

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "STRATEGY\tENABLED\tMODE\tUPDATED")
	for _, name := range names {
		ctl := doc[name]
		fmt.Fprintf(w, "%s\t%v\t%s\t%s\n", name, ctl.Enabled, ctl.Mode, ctl.UpdatedAt.Local().Format("2006-01-02 15:04:05"))
	}
	w.Flush()
}

func cmdSetEnabled(cfg *config.Config, api *apiClient, useAPI bool, name string, enabled bool) {
	mustStrategy(cfg, name)
	if useAPI {
		var ctl controlstate.StrategyControl
		if err := api.put("/api/control/"+name, map[string]any{"enabled": enabled}, &ctl); err != nil {
			fatal(err)
		}
		fmt.Printf("%s: enabled=%v mode=%s\n", name, ctl.Enabled, ctl.Mode)
		return
	}
	if err := controlStore(cfg).SetEnabled(name, enabled); err != nil {
		fatal(err)
	}
	fmt.Printf("%s: enabled=%v\n", name, enabled)
}

func cmdSetMode(cfg *config.Config, api *apiClient, useAPI bool, name, modeArg string) {
	mustStrategy(cfg, name)
	mode, err := parseMode(modeArg)
	if err != nil {
		fatal(err)
	}
	if useAPI {
		var ctl controlstate.StrategyControl
		if err := api.put("/api/control/"+name, map[string]any{"mode": string(mode)}, &ctl); err != nil {
			fatal(err)
		}
		fmt.Printf("%s: enabled=%v mode=%s\n", name, ctl.Enabled, ctl.Mode)
		return
	}
	if err := controlStore(cfg).SetMode(name, mode); err != nil {
		fatal(err)
	}
	fmt.Printf("%s: mode=%s\n", name, mode)
}

func parseMode(s string) (controlstate.Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "live":
		return controlstate.ModeLive, nil
	case "dry", "dry_run", "dryrun":
		return controlstate.ModeDryRun, nil
	}
	return "", fmt.Errorf("mode must be live or dry, got %q", s)
}

func cmdWorkers(api *apiClient) {
	var workers []supervisor.WorkerStatus
	if err := api.get("/api/workers", &workers); err != nil {
		fatal(err)
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "WORKER\tPID\tSTATE\tRESTARTS\tUPTIME")
	for _, ws := range workers {
		pid := "-"
		if ws.PID != 0 {
			pid = fmt.Sprintf("%d", ws.PID)
		}
		uptime := ws.Uptime
		if uptime == "" {
			uptime = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n", ws.Name, pid, ws.State, ws.Restarts, uptime)
	}
	w.Flush()
}

func cmdWorkerOp(api *apiClient, op, name string) {
	var ws supervisor.WorkerStatus
	if err := api.post("/api/workers/"+name+"/"+op, &ws); err != nil {
		fatal(err)
	}
	fmt.Printf("%s: state=%s pid=%d\n", ws.Name, ws.State, ws.PID)
}

func cmdHistory(cfg *config.Config, strategy string, limit int) {
	if strategy != "" {
		mustStrategy(cfg, strategy)
	}
	arch, err := archive.Open(cfg.Paths.ArchiveDB)
	if err != nil {
		fatal(err)
	}
	defer arch.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var records []archive.Record
	if strategy != "" {
		records, err = arch.ByStrategy(ctx, strategy, limit)
	} else {
		records, err = arch.Recent(ctx, limit)
	}
	if err != nil {
		fatal(err)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "CLOSED\tSTRATEGY\tQUESTION\tSIDE\tSIZE\tOUTCOME\tPNL")
	for _, r := range records {
		closed := "-"
		if r.ClosedAt != nil {
			closed = r.ClosedAt.Local().Format("2006-01-02 15:04")
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			closed, r.Strategy, shorten(r.Question, 40), r.Side,
			r.SizeUSD.StringFixed(2), r.Outcome, r.PnlUSD.StringFixed(2))
	}
	w.Flush()

	totals, err := arch.Totals(ctx, strategy)
	if err != nil {
		fatal(err)
	}
	fmt.Printf("\n%d closed, %d won, %d lost, net PnL %s USDC\n",
		totals.Count, totals.Won, totals.Lost, totals.NetPnl.StringFixed(2))
}

func cmdTail(cfg *config.Config, strategy string, limit int) {
	mustStrategy(cfg, strategy)
	events, err := journal.LastEvents(cfg.Paths.Journal, strategy, limit)
	if err != nil {
		fatal(err)
	}
	if len(events) == 0 {
		fmt.Println("no journal events")
		return
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tKIND\tMARKET\tSIZE\tPRICE\tNOTE")
	for _, ev := range events {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			ev.Time.Local().Format("2006-01-02 15:04:05"), ev.Kind, shorten(ev.MarketID, 16),
			amount(ev.SizeUSD), amount(ev.Price), shorten(ev.Note, 48))
	}
	w.Flush()
}

func amount(d *decimal.Decimal) string {
	if d == nil {
		return "-"
	}
	return d.StringFixed(2)
}

func shorten(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
