package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Chenyiran-Yiran/11-sub000/internal/config"
	"github.com/Chenyiran-Yiran/11-sub000/internal/engine"
	"github.com/Chenyiran-Yiran/11-sub000/internal/logging"
	"github.com/Chenyiran-Yiran/11-sub000/internal/transport"
)

var (
	// Global flags
	verbose    bool
	configPath string
	endpoint   string
	timeout    time.Duration

	cfg    *config.Config
	logger *zap.Logger
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "browserctl",
	Short: "browserctl - remote browser debugging protocol client",
	Long: `browserctl drives a browser over its remote debugging protocol.

It attaches to every page target of the browser, mirrors each page's
frame tree and execution contexts, and exposes navigation and script
evaluation that stay correct across cross-process navigations.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return err
		}
		if endpoint != "" {
			cfg.Browser.Endpoint = endpoint
		}
		if err := cfg.Validate(); err != nil {
			return err
		}

		level := cfg.Logging.Level
		if verbose {
			level = "debug"
		}
		logger, err = logging.New(level, cfg.Logging.Format)
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

// navigateCmd drives a page to a url and waits for it to load
var navigateCmd = &cobra.Command{
	Use:   "navigate [url]",
	Short: "Navigate the first page to a url and wait for it to load",
	Args:  cobra.ExactArgs(1),
	RunE:  runNavigate,
}

// evalCmd evaluates an expression in a page's main frame
var evalCmd = &cobra.Command{
	Use:   "eval [expression]",
	Short: "Evaluate an expression in the first page's main frame",
	Args:  cobra.ExactArgs(1),
	RunE:  runEval,
}

// watchCmd streams target and frame activity
var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stream page, frame, and navigation activity until interrupted",
	RunE:  runWatch,
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "browserctl.yaml", "Config file path")
	rootCmd.PersistentFlags().StringVar(&endpoint, "endpoint", "", "Debugging websocket endpoint (overrides config)")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 2*time.Minute, "Operation timeout")

	rootCmd.AddCommand(navigateCmd)
	rootCmd.AddCommand(evalCmd)
	rootCmd.AddCommand(watchCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// connect dials the endpoint and waits for the first page to appear.
func connect(ctx context.Context) (*engine.Browser, *engine.Page, error) {
	dialCtx, cancel := context.WithTimeout(ctx, cfg.DialTimeout())
	defer cancel()

	t, err := transport.DialWebSocket(dialCtx, cfg.Browser.Endpoint, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("dial %s: %w", cfg.Browser.Endpoint, err)
	}

	b, err := engine.Connect(t, cfg, logger)
	if err != nil {
		t.Close()
		return nil, nil, err
	}

	pageCh := make(chan *engine.Page, 1)
	cancelSub := b.OnPage(func(p *engine.Page) {
		select {
		case pageCh <- p:
		default:
		}
	})
	defer cancelSub()

	if pages := b.Pages(); len(pages) > 0 {
		return b, pages[0], nil
	}
	select {
	case p := <-pageCh:
		return b, p, nil
	case <-ctx.Done():
		b.Close(context.Background())
		return nil, nil, fmt.Errorf("no page target appeared: %w", ctx.Err())
	}
}

func runNavigate(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	b, page, err := connect(ctx)
	if err != nil {
		return err
	}
	defer b.Close(context.Background())

	opts := b.NavigationDefaults()
	for _, w := range cfg.Navigation.WaitUntil {
		opts.WaitUntil = append(opts.WaitUntil, engine.LifecycleEvent(w))
	}

	res, err := page.Navigate(ctx, args[0], opts)
	if err != nil {
		return err
	}
	logger.Info("navigation resolved",
		zap.String("url", res.URL),
		zap.String("loader_id", res.LoaderID),
		zap.Bool("same_document", res.SameDocument))
	fmt.Println(res.URL)
	return nil
}

func runEval(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	b, page, err := connect(ctx)
	if err != nil {
		return err
	}
	defer b.Close(context.Background())

	evalCtx, evalCancel := context.WithTimeout(ctx, cfg.CommandTimeout())
	defer evalCancel()

	value, err := page.Evaluate(evalCtx, page.MainFrame(), engine.WorldMain, args[0])
	if err != nil {
		return err
	}
	fmt.Println(string(value))
	return nil
}

func runWatch(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	dialCtx, dialCancel := context.WithTimeout(ctx, cfg.DialTimeout())
	defer dialCancel()
	t, err := transport.DialWebSocket(dialCtx, cfg.Browser.Endpoint, logger)
	if err != nil {
		return fmt.Errorf("dial %s: %w", cfg.Browser.Endpoint, err)
	}

	b, err := engine.Connect(t, cfg, logger)
	if err != nil {
		t.Close()
		return err
	}
	defer b.Close(context.Background())

	cancelPages := b.OnPage(func(p *engine.Page) {
		logger.Info("page attached",
			zap.String("target_id", p.TargetID()), zap.String("url", p.URL()))
		watchPage(p)
	})
	defer cancelPages()
	cancelCrash := b.OnPageCrashed(func(p *engine.Page, err error) {
		logger.Warn("page crashed",
			zap.String("target_id", p.TargetID()), zap.Error(err))
	})
	defer cancelCrash()

	for _, p := range b.Pages() {
		watchPage(p)
	}

	select {
	case <-ctx.Done():
		return nil
	case <-b.Closed():
		return fmt.Errorf("connection lost")
	}
}

func watchPage(p *engine.Page) {
	p.OnFrameTree(func(ev engine.FrameTreeEvent) {
		switch e := ev.(type) {
		case engine.FrameTreeNavigated:
			logger.Info("frame navigated",
				zap.String("target_id", p.TargetID()),
				zap.String("frame_id", e.Frame.ID()),
				zap.String("url", e.Frame.URL()))
		case engine.FrameTreeDetached:
			logger.Info("frame detached",
				zap.String("target_id", p.TargetID()),
				zap.String("frame_id", e.Frame.ID()))
		case engine.FrameTreeSwapped:
			logger.Info("frame swapped",
				zap.String("target_id", p.TargetID()),
				zap.String("frame_id", e.Frame.ID()),
				zap.String("ready_state", e.ReadyState))
		}
	})
}

// signalContext derives a context cancelled by SIGINT/SIGTERM, bounded by
// the global timeout flag.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-sigCh:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigCh)
	}()
	return ctx, cancel
}
