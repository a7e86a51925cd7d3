package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"webuiflasher/internal/catalog"
	"webuiflasher/internal/config"
	"webuiflasher/internal/executor"
	"webuiflasher/internal/fetch"
	"webuiflasher/internal/realtime"
)

// Config holds server configuration, loaded from environment variables.
type Config struct {
	Port        int
	StaticDir   string
	SourcesFile string
	Esptool     []string
}

func loadConfig() Config {
	cfg := Config{
		Port:        8000,
		StaticDir:   "./site",
		SourcesFile: "sources.yaml",
		Esptool:     []string{"python", "-m", "esptool"},
	}

	if v := os.Getenv("PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Port = n
		}
	}
	if v := os.Getenv("STATIC_DIR"); v != "" {
		cfg.StaticDir = v
	}
	if v := os.Getenv("SOURCES_FILE"); v != "" {
		cfg.SourcesFile = v
	}
	if v := os.Getenv("ESPTOOL_COMMAND"); v != "" {
		cfg.Esptool = strings.Fields(v)
	}

	return cfg
}

func main() {
	cfg := loadConfig()

	sources, err := config.Load(cfg.SourcesFile)
	if err != nil {
		log.Fatalf("sources config: %v", err)
	}

	resolver := fetch.NewResolver()
	cat := catalog.New(sources, resolver)

	cacheWatch, err := catalog.Watch(cat)
	if err != nil {
		log.Printf("cache watcher unavailable: %v", err)
	}

	execMgr := executor.NewManager(cfg.Esptool, func(ctx context.Context, report func(kind executor.EventKind, message string)) error {
		return cat.RefreshAllWait(ctx, func(name string, res fetch.Resolved, rerr error) {
			if rerr != nil {
				report(executor.EventWarning, fmt.Sprintf("%s: %v", name, rerr))
				return
			}
			report(executor.EventInfo, fmt.Sprintf("%s: %s (%d bytes)", name, res.Version, res.SizeBytes))
		})
	})

	rtServer := realtime.New(cat, execMgr, cfg.StaticDir)

	addr := fmt.Sprintf(":%d", cfg.Port)
	httpServer := &http.Server{
		Addr:    addr,
		Handler: rtServer.Handler(),
	}

	// Populate the catalog in the background; the server answers from the
	// cache-derived snapshot meanwhile.
	cat.RefreshAll(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigCh
		log.Println("Shutting down...")
		rtServer.Shutdown()
		execMgr.Shutdown()
		if cacheWatch != nil {
			cacheWatch.Shutdown()
		}
		httpServer.Close()
	}()

	log.Printf("WebUIFlasher running on http://localhost:%d", cfg.Port)
	if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
		log.Fatalf("HTTP server error: %v", err)
	}
}
