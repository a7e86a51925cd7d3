package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/golang/glog"
	"github.com/spf13/cobra"

	"webuiflasher/internal/catalog"
	"webuiflasher/internal/config"
	"webuiflasher/internal/fetch"
)

var updateCmd = &cobra.Command{
	Use:   "update [name]",
	Short: "Fetch the latest firmware for one source, or all of them",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(sourcesFile)
		if err != nil {
			return err
		}
		cat := newCatalog(cfg)

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if len(args) == 1 {
			return updateOne(ctx, cat, args[0])
		}
		return cat.RefreshAllWait(ctx, func(name string, res fetch.Resolved, err error) {
			if err != nil {
				fmt.Fprintf(os.Stderr, "%s: %v\n", name, err)
				return
			}
			fmt.Printf("%s: %s\n", name, res.Version)
		})
	},
}

func updateOne(ctx context.Context, cat *catalog.Catalog, name string) error {
	done, err := cat.Refresh(ctx, name)
	if err != nil {
		return err
	}
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	if err := cat.LastError(name); err != nil {
		return err
	}
	fw, _ := cat.Get(name)
	fmt.Printf("%s: %s\n", fw.Name, fw.Version)
	return nil
}

// newCatalog builds a catalog over the configured sources, seeded from
// whatever is already in the cache directory.
func newCatalog(cfg *config.Config) *catalog.Catalog {
	glog.V(1).Infof("fetch directory: %s", cfg.FetchDir)
	return catalog.New(cfg, fetch.NewResolver())
}
