package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/adfharrison1/go-kvdex/pkg/config"
	"github.com/adfharrison1/go-kvdex/pkg/server"
)

// collectionFlags collects repeated -collection flags.
type collectionFlags []string

func (c *collectionFlags) String() string { return strings.Join(*c, ",") }

func (c *collectionFlags) Set(v string) error {
	*c = append(*c, v)
	return nil
}

// parseCollection parses name[:field=primary|secondary,...].
func parseCollection(spec string) (config.CollectionConfig, error) {
	name, rest, _ := strings.Cut(spec, ":")
	cc := config.CollectionConfig{Name: name}
	if rest == "" {
		return cc, nil
	}
	cc.Indices = make(map[string]string)
	for _, decl := range strings.Split(rest, ",") {
		field, kind, ok := strings.Cut(decl, "=")
		if !ok || field == "" {
			return cc, fmt.Errorf("invalid index declaration %q in %q", decl, spec)
		}
		cc.Indices[field] = kind
	}
	return cc, nil
}

func main() {
	// Command line flags
	var (
		configFile  = flag.String("config", "", "YAML config file")
		port        = flag.String("port", "", "Server port, overrides the config listen address")
		driver      = flag.String("store", "", "Store driver: memory or bolt")
		dataFile    = flag.String("data-file", "", "Data file path for the bolt store")
		noSync      = flag.Bool("no-sync", false, "Skip fsync on every commit (bolt only)")
		showHelp    = flag.Bool("help", false, "Show help message")
		collections collectionFlags
	)
	flag.Var(&collections, "collection", "Collection to serve as name[:field=primary|secondary,...]; repeatable")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage of %s:\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "\ngo-kvdex serves indexed document collections over HTTP.\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  %s -config kvdex.yaml                                  # Start from a config file\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s -collection users:email=primary,country=secondary   # In-memory store\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s -store bolt -data-file /tmp/kvdex.db -collection notes\n", os.Args[0])
	}

	flag.Parse()

	if *showHelp {
		flag.Usage()
		os.Exit(0)
	}

	cfg, err := config.Load(*configFile)
	if err != nil {
		log.Fatalf("ERROR: %v", err)
	}

	// Flags override the config file
	if *port != "" {
		cfg.Listen = ":" + *port
	}
	if *driver != "" {
		cfg.Store.Driver = *driver
	}
	if *dataFile != "" {
		cfg.Store.Path = *dataFile
		if *driver == "" {
			cfg.Store.Driver = config.DriverBolt
		}
	}
	if *noSync {
		cfg.Store.NoSync = true
		log.Printf("WARN: fsync disabled - committed data may be lost on crash")
	}
	for _, spec := range collections {
		cc, err := parseCollection(spec)
		if err != nil {
			log.Fatalf("ERROR: %v", err)
		}
		cfg.Collections = append(cfg.Collections, cc)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("ERROR: invalid configuration: %v", err)
	}

	log.Printf("INFO: Using %s store", cfg.Store.Driver)
	if cfg.Store.Driver == config.DriverMemory {
		log.Printf("WARN: Memory store selected - data is lost on shutdown")
	}

	srv, err := server.FromConfig(cfg)
	if err != nil {
		log.Fatalf("ERROR: %v", err)
	}

	// Create HTTP server
	httpServer := &http.Server{
		Addr:    cfg.Listen,
		Handler: srv.Router(),
	}

	// Start server in a goroutine
	go func() {
		log.Printf("Starting go-kvdex server on %s", cfg.Listen)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed to start: %v", err)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("Shutting down server...")

	// Give outstanding requests a deadline for completion
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		log.Printf("ERROR: Server forced to shutdown: %v", err)
	}

	if err := srv.Close(); err != nil {
		log.Printf("ERROR: Closing store failed: %v", err)
	}

	log.Println("Server exited")
}
