package main

import (
	"context"
	"fmt"
	"sync"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/Chenyiran-Yiran/11-sub000/internal/engine"
	"github.com/Chenyiran-Yiran/11-sub000/internal/transport"
)

var pagesTitles bool

// pagesCmd lists the live page targets
var pagesCmd = &cobra.Command{
	Use:   "pages",
	Short: "List the browser's live page targets",
	RunE:  runPages,
}

func init() {
	pagesCmd.Flags().BoolVar(&pagesTitles, "titles", false, "Evaluate document.title on each page")
	rootCmd.AddCommand(pagesCmd)
}

func runPages(cmd *cobra.Command, args []string) error {
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

	pages := b.Pages()
	titles := make([]string, len(pages))

	if pagesTitles {
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(8)
		var mu sync.Mutex
		for i, p := range pages {
			i, p := i, p
			g.Go(func() error {
				evalCtx, evalCancel := context.WithTimeout(gctx, cfg.CommandTimeout())
				defer evalCancel()
				value, err := p.Evaluate(evalCtx, p.MainFrame(), engine.WorldMain, "document.title")
				if err != nil {
					return fmt.Errorf("page %s: %w", p.TargetID(), err)
				}
				mu.Lock()
				titles[i] = string(value)
				mu.Unlock()
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}
	}

	for i, p := range pages {
		line := fmt.Sprintf("%s\t%s", p.TargetID(), p.URL())
		if pagesTitles {
			line += "\t" + titles[i]
		}
		fmt.Println(line)
	}
	return nil
}
