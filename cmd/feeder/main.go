package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/mpataki/feeder/internal/client"
	"github.com/mpataki/feeder/internal/config"
	"github.com/mpataki/feeder/internal/debug"
	"github.com/mpataki/feeder/internal/discovery"
	feederLua "github.com/mpataki/feeder/internal/lua"
	"github.com/mpataki/feeder/internal/models"
	"github.com/mpataki/feeder/internal/session"
	"github.com/mpataki/feeder/internal/storage"
	"github.com/mpataki/feeder/internal/tui"
	"github.com/mpataki/feeder/internal/webserver"
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "feeder",
		Short:         "Stepper-motor feed dispenser",
		Long:          "Feeder drives a stepper-motor auger to dispense feed, on demand or once a day.",
		RunE:          runRoot,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.CompletionOptions.HiddenDefaultCmd = true
	rootCmd.PersistentFlags().Bool("debug", false, "Enable verbose debug logging to <data dir>/debug/")
	rootCmd.PersistentFlags().String("addr", "", "Daemon URL (default: FEEDER_ADDR or http://127.0.0.1:<server.port>)")
	rootCmd.PersistentPreRunE = initDebug

	rootCmd.AddCommand(newInitCommand())
	rootCmd.AddCommand(newServeCommand())
	rootCmd.AddCommand(newFeedCommand())
	rootCmd.AddCommand(newStartCommand())
	rootCmd.AddCommand(newStopCommand())
	rootCmd.AddCommand(newStatusCommand())
	rootCmd.AddCommand(newScheduleCommand())
	rootCmd.AddCommand(newHistoryCommand())
	rootCmd.AddCommand(newScriptCommand())
	rootCmd.AddCommand(newTUICommand())
	rootCmd.AddCommand(newDiscoverCommand())

	err := rootCmd.Execute()
	debug.Close()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func initDebug(cmd *cobra.Command, args []string) error {
	debugFlag, _ := cmd.Flags().GetBool("debug")
	if !debugFlag && !debug.ShouldEnableFromEnv() {
		return nil
	}
	cfg, err := config.New()
	if err != nil {
		return err
	}
	logPath, err := debug.Init(cfg.DebugDir)
	if err != nil {
		return fmt.Errorf("initializing debug logger: %w", err)
	}
	fmt.Fprintf(os.Stderr, "[debug] logging to %s\n", logPath)
	debug.LogKV("cli", "feeder starting", "pid", os.Getpid(), "command", cmd.Name(), "args", args)
	return nil
}

func runRoot(cmd *cobra.Command, args []string) error {
	if isatty.IsTerminal(os.Stdout.Fd()) {
		return runTUI(cmd, args)
	}
	return runStatus(cmd, args)
}

// daemonClient resolves --addr, FEEDER_ADDR, then the configured port.
func daemonClient(cmd *cobra.Command) (*client.Client, error) {
	addr, _ := cmd.Flags().GetString("addr")
	if addr == "" {
		addr = os.Getenv("FEEDER_ADDR")
	}
	if addr == "" {
		s, err := loadSettings()
		if err != nil {
			return nil, err
		}
		addr = "http://127.0.0.1:" + strconv.Itoa(s.file.Server.Port)
	}
	return client.New(addr), nil
}

func signalContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
}

func newInitCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Write a default feeder.yaml",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.New()
			if err != nil {
				return err
			}
			if err := cfg.EnsureDataDir(); err != nil {
				return err
			}
			if _, err := os.Stat(cfg.ConfigPath); err == nil {
				return fmt.Errorf("%s already exists", cfg.ConfigPath)
			}
			if err := config.Defaults().Write(cfg.ConfigPath); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", cfg.ConfigPath)
			return nil
		},
	}
}

func newServeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the feeder daemon: scheduler, HTTP API and mDNS",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEngine()
			if err != nil {
				return err
			}
			defer e.Close()

			opts := webserver.Options{
				Host:        e.file.Server.Host,
				Port:        e.file.Server.Port,
				DefaultPlan: e.file.DefaultPlan(),
			}
			if cmd.Flags().Changed("host") {
				opts.Host, _ = cmd.Flags().GetString("host")
			}
			if cmd.Flags().Changed("port") {
				opts.Port, _ = cmd.Flags().GetInt("port")
			}

			ctx, stop := signalContext(cmd)
			defer stop()

			go e.scheduler.Run(ctx)

			srv := webserver.New(e.session, e.scheduler, e.store, opts)
			if err := srv.Start(); err != nil {
				return fmt.Errorf("starting web server: %w", err)
			}
			url := srv.URL()
			fmt.Printf("Feeder listening on %s\n", url)

			cfgSched := e.scheduler.Config()
			if cfgSched.Enabled {
				fmt.Printf("Daily feed at %s (%s)\n", cfgSched.TriggerTime, cfgSched.Plan)
			} else {
				fmt.Println("Schedule disabled")
			}

			noMDNS, _ := cmd.Flags().GetBool("no-mdns")
			if e.file.Server.MDNS && !noMDNS {
				mdnsServer, err := discovery.Advertise(e.file.Server.MDNSName, srv.Port(), url)
				if err != nil {
					fmt.Fprintf(os.Stderr, "Warning: failed to start mDNS advertisement: %v\n", err)
				} else {
					defer mdnsServer.Shutdown()
				}
			}

			if qr, _ := cmd.Flags().GetBool("qr"); qr {
				if err := discovery.PrintQR(os.Stdout, url); err != nil {
					fmt.Fprintf(os.Stderr, "Warning: failed to render QR code: %v\n", err)
				}
			}

			<-ctx.Done()
			fmt.Println("Shutting down...")

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				return fmt.Errorf("shutting down web server: %w", err)
			}
			return nil
		},
	}

	cmd.Flags().String("host", "", "Listen host (default from feeder.yaml)")
	cmd.Flags().Int("port", 0, "Listen port (default from feeder.yaml)")
	cmd.Flags().Bool("qr", false, "Print the URL as a QR code")
	cmd.Flags().Bool("no-mdns", false, "Do not advertise on the local network")
	return cmd
}

func addPlanFlags(cmd *cobra.Command) {
	cmd.Flags().IntP("steps", "n", -1, "Total steps (default from feeder.yaml)")
	cmd.Flags().Int("forward", -1, "Forward steps per anti-jam cycle")
	cmd.Flags().Int("backward", -1, "Backward steps per anti-jam cycle")
	cmd.Flags().Bool("no-stutter", false, "Move in one straight segment")
	cmd.Flags().Bool("reverse", false, "Run backwards to clear a jam (implies --no-stutter)")
}

func feedRequestFromFlags(cmd *cobra.Command) webserver.FeedRequest {
	var req webserver.FeedRequest
	if n, _ := cmd.Flags().GetInt("steps"); n >= 0 {
		req.Steps = &n
	}
	if n, _ := cmd.Flags().GetInt("forward"); n >= 0 {
		req.CycleForward = &n
	}
	if n, _ := cmd.Flags().GetInt("backward"); n >= 0 {
		req.CycleBackward = &n
	}
	if noStutter, _ := cmd.Flags().GetBool("no-stutter"); noStutter {
		off := false
		req.Stutter = &off
	}
	if reverse, _ := cmd.Flags().GetBool("reverse"); reverse {
		req.Direction = string(models.Reverse)
	}
	return req
}

func newFeedCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "feed",
		Short: "Dispense feed now and wait for it to finish (Ctrl-C stops the motor)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			req := feedRequestFromFlags(cmd)

			ctx, stop := signalContext(cmd)
			defer stop()

			// a running daemon owns the hardware
			if c, err := daemonClient(cmd); err == nil {
				if _, err := c.Status(ctx); err == nil {
					return feedViaDaemon(ctx, c, req)
				}
			}
			return feedLocal(ctx, req)
		},
	}
	addPlanFlags(cmd)
	return cmd
}

func feedLocal(ctx context.Context, req webserver.FeedRequest) error {
	e, err := openEngine()
	if err != nil {
		return err
	}
	defer e.Close()

	plan, err := req.Plan(e.file.DefaultPlan())
	if err != nil {
		return err
	}

	events, unsubscribe := e.session.Subscribe(32)
	defer unsubscribe()

	run, err := e.session.Start(plan, models.TriggerManual)
	if err != nil {
		return err
	}
	fmt.Printf("Feeding: %s\n", plan)

	for {
		select {
		case <-ctx.Done():
			fmt.Println("\nStopping...")
			e.session.Stop()
			rec, _ := run.Wait(context.Background())
			printRecord(rec)
			return nil
		case ev := <-events:
			switch ev.Type {
			case session.EventSegment:
				if ev.RunID != run.ID {
					continue
				}
				p := ev.Progress
				fmt.Printf("  segment %d/%d  %-7s %4d steps  (%d/%d)\n",
					p.Index+1, p.Segments, p.Segment.Direction, p.Segment.Steps, p.StepsMoved, p.TotalSteps)
			}
		case <-run.Done():
			rec := run.Record()
			printRecord(rec)
			if rec.Reason == models.ReasonFaulted {
				return fmt.Errorf("run faulted: %s", rec.Error)
			}
			return nil
		}
	}
}

func feedViaDaemon(ctx context.Context, c *client.Client, req webserver.FeedRequest) error {
	resp, err := c.Feed(ctx, req)
	if err != nil {
		return err
	}
	fmt.Printf("Daemon started run #%d: %s\n", resp.RunID, resp.Plan)

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			fmt.Println("\nStopping...")
			_, err := c.Stop(context.Background())
			return err
		case <-ticker.C:
			st, err := c.Status(ctx)
			if err != nil {
				return err
			}
			if st.Session.Status == models.StatusIdle || st.Session.RunID != resp.RunID {
				printRecord(st.LastFeed)
				return nil
			}
		}
	}
}

func printRecord(rec *models.FeedRecord) {
	if rec == nil {
		return
	}
	fmt.Printf("Run %s: %d/%d steps in %s\n", rec.Reason, rec.StepsMoved, rec.Plan.TotalSteps, rec.Duration().Round(time.Millisecond))
	if rec.Error != "" {
		fmt.Printf("Error: %s\n", rec.Error)
	}
}

func newStartCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Ask the daemon to start a feed and return immediately",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := daemonClient(cmd)
			if err != nil {
				return err
			}
			resp, err := c.Feed(cmd.Context(), feedRequestFromFlags(cmd))
			if errors.Is(err, session.ErrBusy) {
				return fmt.Errorf("a feed is already running; use 'feeder stop' first")
			}
			if err != nil {
				return err
			}
			fmt.Printf("Started run #%d: %s\n", resp.RunID, resp.Plan)
			return nil
		},
	}
	addPlanFlags(cmd)
	return cmd
}

func newStopCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop the running feed",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := daemonClient(cmd)
			if err != nil {
				return err
			}
			stopped, err := c.Stop(cmd.Context())
			if err != nil {
				return err
			}
			if !stopped {
				fmt.Println("Nothing running")
				return nil
			}
			fmt.Println("Stop requested")
			return nil
		},
	}
}

func newStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show motor, schedule and last feed",
		Args:  cobra.NoArgs,
		RunE:  runStatus,
	}
}

func runStatus(cmd *cobra.Command, args []string) error {
	c, err := daemonClient(cmd)
	if err != nil {
		return err
	}
	st, err := c.Status(cmd.Context())
	if errors.Is(err, client.ErrUnreachable) {
		return runStatusOffline()
	}
	if err != nil {
		return err
	}

	sess := st.Session
	fmt.Printf("Motor:     %s\n", sess.Status)
	if sess.Status == models.StatusRunning && sess.Plan != nil {
		fmt.Printf("Run:       #%d (%s) %d/%d steps\n", sess.RunID, sess.Trigger, sess.StepsMoved, sess.Plan.TotalSteps)
	}
	printSchedule(st.Schedule)
	if st.NextFeed != nil {
		fmt.Printf("Next feed: %s\n", st.NextFeed.Format("Mon Jan 2 15:04"))
	}
	printLastFed(st.LastFeed)
	return nil
}

// runStatusOffline reads the database when no daemon is running.
func runStatusOffline() error {
	s, err := loadSettings()
	if err != nil {
		return err
	}
	store, err := s.openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	fmt.Println("Daemon:    not running")
	sched, err := s.schedule(store)
	if err != nil {
		return err
	}
	printSchedule(sched)
	last, err := store.LastFeed()
	if err != nil {
		return err
	}
	printLastFed(last)
	return nil
}

func printSchedule(cfg models.ScheduleConfig) {
	state := "disabled"
	if cfg.Enabled {
		state = "enabled"
	}
	fmt.Printf("Schedule:  %s at %s (%s)\n", state, cfg.TriggerTime, cfg.Plan)
}

func printLastFed(rec *models.FeedRecord) {
	if rec == nil {
		fmt.Println("Last fed:  never")
		return
	}
	fmt.Printf("Last fed:  %s (%s, %d steps, %s)\n", storage.FormatTimeAgo(rec.FinishedAt), rec.Trigger, rec.StepsMoved, rec.Reason)
}

func newScheduleCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Show or change the daily feed",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := daemonClient(cmd)
			if err != nil {
				return err
			}

			var update models.ScheduleUpdate
			changed := false

			if raw, _ := cmd.Flags().GetString("time"); raw != "" {
				t, err := models.ParseTimeOfDay(raw)
				if err != nil {
					return err
				}
				update.TriggerTime = &t
				changed = true
			}
			enable, _ := cmd.Flags().GetBool("enable")
			disable, _ := cmd.Flags().GetBool("disable")
			if enable && disable {
				return fmt.Errorf("--enable and --disable are mutually exclusive")
			}
			if enable || disable {
				update.Enabled = &enable
				changed = true
			}
			if n, _ := cmd.Flags().GetInt("steps"); n >= 0 {
				current, err := currentSchedule(cmd, c)
				if err != nil {
					return err
				}
				plan := current.Plan
				plan.TotalSteps = n
				update.Plan = &plan
				changed = true
			}

			if !changed {
				cfg, err := currentSchedule(cmd, c)
				if err != nil {
					return err
				}
				printSchedule(cfg)
				return nil
			}

			cfg, err := c.UpdateSchedule(cmd.Context(), update)
			if errors.Is(err, client.ErrUnreachable) {
				cfg, err = updateScheduleOffline(update)
			}
			if err != nil {
				return err
			}
			printSchedule(cfg)
			return nil
		},
	}

	cmd.Flags().String("time", "", "Daily trigger time, HH:MM (local)")
	cmd.Flags().Bool("enable", false, "Enable the daily feed")
	cmd.Flags().Bool("disable", false, "Disable the daily feed")
	cmd.Flags().IntP("steps", "n", -1, "Steps for the scheduled feed")
	return cmd
}

func currentSchedule(cmd *cobra.Command, c *client.Client) (models.ScheduleConfig, error) {
	cfg, err := c.Schedule(cmd.Context())
	if !errors.Is(err, client.ErrUnreachable) {
		return cfg, err
	}
	s, err := loadSettings()
	if err != nil {
		return cfg, err
	}
	store, err := s.openStore()
	if err != nil {
		return cfg, err
	}
	defer store.Close()
	return s.schedule(store)
}

// updateScheduleOffline edits the stored schedule; the daemon picks it up
// on its next start.
func updateScheduleOffline(update models.ScheduleUpdate) (models.ScheduleConfig, error) {
	s, err := loadSettings()
	if err != nil {
		return models.ScheduleConfig{}, err
	}
	store, err := s.openStore()
	if err != nil {
		return models.ScheduleConfig{}, err
	}
	defer store.Close()

	current, err := s.schedule(store)
	if err != nil {
		return current, err
	}
	next, err := current.Apply(update)
	if err != nil {
		return current, err
	}
	if err := store.SaveSchedule(next); err != nil {
		return current, err
	}
	fmt.Println("(daemon not running; saved for next start)")
	return next, nil
}

func newHistoryCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recent feeds",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, _ := cmd.Flags().GetInt("limit")
			clearAll, _ := cmd.Flags().GetBool("clear")

			s, err := loadSettings()
			if err != nil {
				return err
			}
			store, err := s.openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			if clearAll {
				if err := store.ClearFeeds(); err != nil {
					return err
				}
				fmt.Println("History cleared")
				return nil
			}

			feeds, err := store.ListFeeds(limit)
			if err != nil {
				return err
			}
			if len(feeds) == 0 {
				fmt.Println("No feeds yet")
				return nil
			}

			fmt.Printf("%-5s %-16s %-9s %-10s %7s %9s\n", "ID", "STARTED", "TRIGGER", "RESULT", "STEPS", "DURATION")
			for _, rec := range feeds {
				fmt.Printf("%-5d %-16s %-9s %-10s %7d %9s\n",
					rec.ID,
					rec.StartedAt.Format("Jan 02 15:04:05"),
					rec.Trigger,
					rec.Reason,
					rec.StepsMoved,
					rec.Duration().Round(time.Millisecond),
				)
				if rec.Error != "" {
					fmt.Printf("      error: %s\n", rec.Error)
				}
			}
			return nil
		},
	}
	cmd.Flags().IntP("limit", "l", storage.DefaultHistoryLimit, "Number of feeds to show")
	cmd.Flags().Bool("clear", false, "Delete all feed history")
	return cmd
}

func newScriptCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "script <recipe.lua>",
		Short: "Run a Lua feed recipe against the local motor",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := args[0]
			if !feederLua.IsRecipe(path) {
				return fmt.Errorf("%s is not a .lua recipe", path)
			}

			e, err := openEngine()
			if err != nil {
				return err
			}
			defer e.Close()

			ctx, stop := signalContext(cmd)
			defer stop()

			rt := feederLua.NewRuntime(e.session, e.file.DefaultPlan())
			runErr := rt.Execute(ctx, path)

			for _, line := range rt.GetLogs() {
				fmt.Printf("[recipe] %s\n", line)
			}
			for _, rec := range rt.Feeds() {
				printRecord(rec)
			}
			if errors.Is(runErr, feederLua.ErrAborted) {
				fmt.Printf("Recipe stopped: %v\n", runErr)
				return nil
			}
			return runErr
		},
	}
}

func newTUICommand() *cobra.Command {
	return &cobra.Command{
		Use:   "tui",
		Short: "Open the interactive dashboard",
		Args:  cobra.NoArgs,
		RunE:  runTUI,
	}
}

// runTUI attaches to a running daemon, or hosts an in-process one on a
// loopback port for the lifetime of the dashboard.
func runTUI(cmd *cobra.Command, args []string) error {
	s, err := loadSettings()
	if err != nil {
		return err
	}

	c, err := daemonClient(cmd)
	if err != nil {
		return err
	}
	if _, err := c.Status(cmd.Context()); err != nil {
		if !errors.Is(err, client.ErrUnreachable) {
			return err
		}

		e, err := openEngine()
		if err != nil {
			return err
		}
		defer e.Close()

		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()
		go e.scheduler.Run(ctx)

		srv := webserver.New(e.session, e.scheduler, e.store, webserver.Options{
			Host:        "127.0.0.1",
			Port:        0,
			DefaultPlan: e.file.DefaultPlan(),
		})
		if err := srv.Start(); err != nil {
			return fmt.Errorf("starting local api: %w", err)
		}
		defer srv.Shutdown(context.Background())
		c = client.New(srv.URL())
	}

	app := tui.NewApp(c, s.file.Feed.Steps)
	p := tea.NewProgram(app, tea.WithAltScreen())
	_, err = p.Run()
	return err
}

func newDiscoverCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "discover",
		Short: "Find feeders on the local network",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			timeout, _ := cmd.Flags().GetDuration("timeout")
			found, err := discovery.Find(timeout)
			if err != nil {
				return err
			}
			if len(found) == 0 {
				fmt.Println("No feeders found")
				return nil
			}
			for _, svc := range found {
				fmt.Printf("%-16s %s\n", svc.Name, svc.URL)
			}
			return nil
		},
	}
	cmd.Flags().Duration("timeout", 3*time.Second, "How long to listen for answers")
	return cmd
}
