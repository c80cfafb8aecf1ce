// Package main is the CLI entry point for stridegate.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/stridegate/stridegate/internal/config"
	"github.com/stridegate/stridegate/internal/daemon"
	"github.com/stridegate/stridegate/internal/infra"
)

var (
	// Version info (set via ldflags)
	Version   = "0.1.0"
	Commit    = "dev"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "stridegate",
	Short: "Walk to unlock - convert daily steps into screen time",
	Long: `stridegate blocks selected apps on a schedule and makes you pay for
exceptions with your own footsteps: every 1000 steps walked today earns
10 minutes of unlock time. Spent minutes come back only if you re-engage
the block early.`,
	Version: Version,
}

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the coordinator daemon",
	Long: `Runs the coordinator: the single writer for the credit ledger and the
blocking-session state machine. It replicates state to the enforcement
agent and restarts the agent if it dies.`,
	RunE: runDaemon,
}

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Run the enforcement agent",
	Long: `Runs the enforcement agent: it reads replicated state and keeps the
shield applied. It holds no ledger and keeps enforcing even when the
coordinator is down.`,
	RunE: runAgent,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show blocking state, credits and process health",
	RunE:  runStatus,
}

var spendCmd = &cobra.Command{
	Use:   "spend <minutes>",
	Short: "Spend earned credits on a manual unlock session",
	Args:  cobra.ExactArgs(1),
	RunE:  runSpend,
}

var reengageCmd = &cobra.Command{
	Use:   "reengage",
	Short: "End the manual session early and refund the remainder",
	RunE:  runReengage,
}

var stepsCmd = &cobra.Command{
	Use:   "steps <count>",
	Short: "Record today's absolute step count",
	Long: `Writes the day's cumulative step total to the steps file. The daemon
watches the file and resyncs the ledger. The count is absolute, not an
increment; a lower count than before is accepted as a correction.`,
	Args: cobra.ExactArgs(1),
	RunE: runSteps,
}

var scheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "Show or edit the blocking window",
}

var scheduleShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the active blocking window",
	RunE:  runScheduleShow,
}

var scheduleSetCmd = &cobra.Command{
	Use:   "set",
	Short: "Replace the blocking window",
	Long: `Replaces the blocking window wholesale. Times are HH:MM, days are
comma-separated numbers with 0=Sunday.

Example: stridegate schedule set --start 09:00 --end 21:00 --days 1,2,3,4,5`,
	RunE: runScheduleSet,
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List recent purchased unlock sessions",
	RunE:  runHistory,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run:   runVersion,
}

var (
	configPath    string
	jsonOutput    bool
	scheduleStart string
	scheduleEnd   string
	scheduleDays  string
	historyLimit  int
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file path")
	versionCmd.Flags().BoolVar(&jsonOutput, "json", false, "Output version info as JSON")
	scheduleSetCmd.Flags().StringVar(&scheduleStart, "start", "09:00", "Window start (HH:MM)")
	scheduleSetCmd.Flags().StringVar(&scheduleEnd, "end", "21:00", "Window end (HH:MM)")
	scheduleSetCmd.Flags().StringVar(&scheduleDays, "days", "0,1,2,3,4,5,6", "Active days (0=Sunday)")
	historyCmd.Flags().IntVar(&historyLimit, "limit", 20, "Maximum entries to show")

	scheduleCmd.AddCommand(scheduleShowCmd)
	scheduleCmd.AddCommand(scheduleSetCmd)

	rootCmd.AddCommand(daemonCmd)
	rootCmd.AddCommand(agentCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(spendCmd)
	rootCmd.AddCommand(reengageCmd)
	rootCmd.AddCommand(stepsCmd)
	rootCmd.AddCommand(scheduleCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(versionCmd)
}

func runDaemon(cmd *cobra.Command, args []string) error {
	cfg, loader, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger := createLogger(cfg.DataDir, "coordinator")
	defer func() { _ = logger.Sync() }()

	ctx, cancel := signalContext()
	defer cancel()

	d := daemon.NewCoordinatorDaemon(*cfg, loader,
		daemon.DefaultCoordinatorConfig(), configPath, Version, logger)
	if err := d.Run(ctx); err != nil && err != context.Canceled {
		return err
	}
	return nil
}

func runAgent(cmd *cobra.Command, args []string) error {
	cfg, _, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger := createLogger(cfg.DataDir, "agent")
	defer func() { _ = logger.Sync() }()

	ctx, cancel := signalContext()
	defer cancel()

	d := daemon.NewAgentDaemon(*cfg, daemon.DefaultAgentConfig(),
		configPath, Version, logger)
	if err := d.Run(ctx); err != nil && err != context.Canceled {
		return err
	}
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, _, err := config.Load(configPath)
	if err != nil {
		return err
	}

	fmt.Println("\n=== stridegate Status ===")

	pm := infra.NewProcessManager()
	registry := infra.NewFileProcessRegistry(
		filepath.Join(cfg.DataDir, daemon.RegistryFileName), pm)

	entry, err := registry.GetAll()
	if err != nil || entry == nil {
		fmt.Println("Status: NOT RUNNING")
		fmt.Println("\nRun 'stridegate daemon' to start.")
		return nil
	}

	coordinatorAlive := pm.IsRunning(entry.CoordinatorPID)
	agentAlive := pm.IsRunning(entry.AgentPID)

	switch {
	case coordinatorAlive && agentAlive:
		fmt.Println("Status: RUNNING (coordinator + agent)")
	case coordinatorAlive || agentAlive:
		fmt.Println("Status: DEGRADED")
		if !coordinatorAlive {
			fmt.Println("        Coordinator is down (agent keeps enforcing the last replica)")
		}
		if !agentAlive {
			fmt.Println("        Agent is down (will be restarted by the coordinator)")
		}
	default:
		fmt.Println("Status: NOT RUNNING")
	}

	if entry.LastHeartbeat > 0 {
		lastBeat := time.Unix(entry.LastHeartbeat, 0)
		fmt.Printf("Last heartbeat: %s ago\n", time.Since(lastBeat).Round(time.Second))
	}

	var session struct {
		Mode             string `json:"mode"`
		IsBlocking       bool   `json:"is_blocking"`
		RemainingMinutes int    `json:"remaining_minutes"`
	}
	if err := apiGet(cfg, "/api/v1/session", &session); err == nil {
		fmt.Printf("\nMode: %s\n", session.Mode)
		fmt.Printf("Blocking: %v\n", session.IsBlocking)
		if session.RemainingMinutes > 0 {
			fmt.Printf("Session remaining: %d min\n", session.RemainingMinutes)
		}
	}

	var ledger struct {
		Date             string `json:"date"`
		StepsSynced      int    `json:"steps_synced"`
		CreditsEarned    int    `json:"credits_earned"`
		CreditsSpent     int    `json:"credits_spent"`
		CreditsAvailable int    `json:"credits_available"`
	}
	if err := apiGet(cfg, "/api/v1/ledger", &ledger); err == nil {
		fmt.Printf("\nToday (%s): %d steps\n", ledger.Date, ledger.StepsSynced)
		fmt.Printf("Credits: %d earned, %d spent, %d available\n",
			ledger.CreditsEarned, ledger.CreditsSpent, ledger.CreditsAvailable)
	}

	fmt.Println("=========================")
	return nil
}

func runSpend(cmd *cobra.Command, args []string) error {
	minutes, err := strconv.Atoi(args[0])
	if err != nil {
		return fmt.Errorf("invalid minutes: %q", args[0])
	}

	cfg, _, err := config.Load(configPath)
	if err != nil {
		return err
	}

	var view struct {
		RemainingMinutes int        `json:"remaining_minutes"`
		ExpiresAt        *time.Time `json:"expires_at"`
	}
	if err := apiPost(cfg, "/api/v1/session/spend",
		map[string]int{"minutes": minutes}, &view); err != nil {
		return err
	}

	fmt.Printf("Unlocked for %d minutes", view.RemainingMinutes)
	if view.ExpiresAt != nil {
		fmt.Printf(" (until %s)", view.ExpiresAt.Local().Format("15:04"))
	}
	fmt.Println()
	return nil
}

func runReengage(cmd *cobra.Command, args []string) error {
	cfg, _, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if err := apiPost(cfg, "/api/v1/session/reengage", nil, nil); err != nil {
		return err
	}
	fmt.Println("Blocking re-engaged. Unused minutes refunded.")
	return nil
}

func runSteps(cmd *cobra.Command, args []string) error {
	count, err := strconv.Atoi(args[0])
	if err != nil {
		return fmt.Errorf("invalid step count: %q", args[0])
	}

	cfg, _, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if err := infra.WriteTotal(cfg.StepsFile, count); err != nil {
		return fmt.Errorf("failed to write steps file: %w", err)
	}

	fmt.Printf("Recorded %d steps for today.\n", count)
	return nil
}

func runScheduleShow(cmd *cobra.Command, args []string) error {
	cfg, _, err := config.Load(configPath)
	if err != nil {
		return err
	}

	var dto struct {
		StartHour   int   `json:"start_hour"`
		StartMinute int   `json:"start_minute"`
		EndHour     int   `json:"end_hour"`
		EndMinute   int   `json:"end_minute"`
		ActiveDays  []int `json:"active_days"`
	}
	if err := apiGet(cfg, "/api/v1/schedule", &dto); err != nil {
		return err
	}

	fmt.Printf("Blocking window: %02d:%02d-%02d:%02d\n",
		dto.StartHour, dto.StartMinute, dto.EndHour, dto.EndMinute)
	fmt.Printf("Active days: %s\n", formatDays(dto.ActiveDays))
	return nil
}

func runScheduleSet(cmd *cobra.Command, args []string) error {
	startHour, startMinute, err := parseClock(scheduleStart)
	if err != nil {
		return err
	}
	endHour, endMinute, err := parseClock(scheduleEnd)
	if err != nil {
		return err
	}
	days, err := parseDays(scheduleDays)
	if err != nil {
		return err
	}

	cfg, _, err := config.Load(configPath)
	if err != nil {
		return err
	}

	payload := map[string]any{
		"start_hour":   startHour,
		"start_minute": startMinute,
		"end_hour":     endHour,
		"end_minute":   endMinute,
		"active_days":  days,
	}
	if err := apiPost(cfg, "/api/v1/schedule", payload, nil); err != nil {
		return err
	}

	fmt.Printf("Blocking window set to %s-%s on days %s.\n",
		scheduleStart, scheduleEnd, formatDays(days))
	return nil
}

func runHistory(cmd *cobra.Command, args []string) error {
	cfg, _, err := config.Load(configPath)
	if err != nil {
		return err
	}

	var entries []struct {
		ID              string    `json:"ID"`
		Timestamp       time.Time `json:"Timestamp"`
		DurationMinutes int       `json:"DurationMinutes"`
		CostInMinutes   int       `json:"CostInMinutes"`
	}
	path := fmt.Sprintf("/api/v1/history?limit=%d", historyLimit)
	if err := apiGet(cfg, path, &entries); err != nil {
		return err
	}

	if len(entries) == 0 {
		fmt.Println("No unlock sessions recorded.")
		return nil
	}

	fmt.Println("\n=== Unlock History ===")
	for _, e := range entries {
		fmt.Printf("%s  %3d min  (%d credits)\n",
			e.Timestamp.Local().Format("2006-01-02 15:04"),
			e.DurationMinutes, e.CostInMinutes)
	}
	fmt.Println("======================")
	return nil
}

func runVersion(cmd *cobra.Command, args []string) {
	if jsonOutput {
		fmt.Printf(`{"version":"%s","commit":"%s","build_time":"%s"}`+"\n",
			Version, Commit, BuildTime)
	} else {
		fmt.Printf("stridegate %s (commit: %s, built: %s)\n",
			Version, Commit, BuildTime)
	}
}

// --- helpers ---

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		cancel()
	}()
	return ctx, cancel
}

func createLogger(dataDir, role string) *zap.Logger {
	logPath := filepath.Join(dataDir, fmt.Sprintf("stridegate.%s.log", role))
	_ = os.MkdirAll(dataDir, 0700)

	cfg := zap.NewProductionConfig()
	cfg.OutputPaths = []string{logPath}
	cfg.ErrorOutputPaths = []string{logPath}
	cfg.EncoderConfig.TimeKey = "time"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := cfg.Build()
	if err != nil {
		// Fallback to stderr if file logging fails
		logger, _ = zap.NewProduction()
	}
	return logger
}

func apiGet(cfg *config.Config, path string, out any) error {
	resp, err := http.Get("http://" + cfg.API.Listen + path)
	if err != nil {
		return fmt.Errorf("daemon unreachable (is 'stridegate daemon' running?): %w", err)
	}
	defer resp.Body.Close()
	return decodeResponse(resp, out)
}

func apiPost(cfg *config.Config, path string, payload any, out any) error {
	var body io.Reader
	method := http.MethodPost
	if strings.HasSuffix(path, "/schedule") {
		method = http.MethodPut
	}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, "http://"+cfg.API.Listen+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("daemon unreachable (is 'stridegate daemon' running?): %w", err)
	}
	defer resp.Body.Close()
	return decodeResponse(resp, out)
}

func decodeResponse(resp *http.Response, out any) error {
	if resp.StatusCode >= 400 {
		var apiErr struct {
			Error     string `json:"error"`
			Requested int    `json:"requested"`
			Available int    `json:"available"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&apiErr); err == nil && apiErr.Error != "" {
			if apiErr.Requested > 0 {
				return fmt.Errorf("%s: requested %d min, available %d min",
					apiErr.Error, apiErr.Requested, apiErr.Available)
			}
			return fmt.Errorf("%s", apiErr.Error)
		}
		return fmt.Errorf("request failed: %s", resp.Status)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func parseClock(raw string) (hour, minute int, err error) {
	parts := strings.SplitN(raw, ":", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid time %q, want HH:MM", raw)
	}
	hour, err = strconv.Atoi(parts[0])
	if err != nil || hour < 0 || hour > 23 {
		return 0, 0, fmt.Errorf("invalid hour in %q", raw)
	}
	minute, err = strconv.Atoi(parts[1])
	if err != nil || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("invalid minute in %q", raw)
	}
	return hour, minute, nil
}

func parseDays(raw string) ([]int, error) {
	var days []int
	for _, part := range strings.Split(raw, ",") {
		day, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil || day < 0 || day > 6 {
			return nil, fmt.Errorf("invalid day %q (0=Sunday .. 6=Saturday)", part)
		}
		days = append(days, day)
	}
	return days, nil
}

func formatDays(days []int) string {
	names := []string{"Sun", "Mon", "Tue", "Wed", "Thu", "Fri", "Sat"}
	var out []string
	for _, d := range days {
		if d >= 0 && d < len(names) {
			out = append(out, names[d])
		}
	}
	if len(out) == 7 {
		return "every day"
	}
	return strings.Join(out, ",")
}
