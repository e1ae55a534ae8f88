package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/tbarron/dealersync"
	"github.com/tbarron/dealersync/platform"
)

// getEnv returns the value of an environment variable or a default value.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	configPath := getEnv("DEALERSYNC_CONFIG", "dealersync.yaml")

	switch os.Args[1] {
	case "run":
		handleRun(configPath, os.Args[2:])
	case "history":
		handleHistory(configPath, os.Args[2:])
	case "status":
		handleStatus(configPath, os.Args[2:])
	case "sources":
		if len(os.Args) < 3 {
			printSourcesUsage()
			os.Exit(1)
		}
		handleSourcesCommand(configPath, os.Args[2], os.Args[3:])
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Error: unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func openEngine(configPath string) *dealersync.Engine {
	cfg, err := dealersync.LoadConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to load config: %v\n", err)
		os.Exit(1)
	}

	engine, err := dealersync.New(cfg, log.Default())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to initialize engine: %v\n", err)
		os.Exit(1)
	}
	return engine
}

func handleRun(configPath string, args []string) {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	dealership := fs.String("dealership", "", "Dealership ID (default: all dealerships)")
	fs.Parse(args)

	engine := openEngine(configPath)
	defer engine.Close()

	runs, err := engine.RunSynchronization(context.Background(), *dealership)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: synchronization failed: %v\n", err)
		os.Exit(1)
	}

	for _, run := range runs {
		fmt.Printf("%s  %-10s %-9s found=%-4d inserted=%-4d updated=%-4d deleted=%-4d retries=%d\n",
			run.DealershipID, run.Method, run.Status,
			run.VehiclesFound, run.VehiclesInserted, run.VehiclesUpdated, run.VehiclesDeleted,
			run.RetryCount)
	}
}

func handleHistory(configPath string, args []string) {
	fs := flag.NewFlagSet("history", flag.ExitOnError)
	dealership := fs.String("dealership", "", "Dealership ID (default: all dealerships)")
	limit := fs.Int("limit", 20, "Maximum runs to show")
	fs.Parse(args)

	engine := openEngine(configPath)
	defer engine.Close()

	runs, err := engine.GetRunHistory(*dealership, *limit)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to load run history: %v\n", err)
		os.Exit(1)
	}
	if len(runs) == 0 {
		fmt.Println("No runs recorded.")
		return
	}

	fmt.Printf("%-36s %-20s %-10s %-9s %-6s %s\n", "RUN", "DEALERSHIP", "METHOD", "STATUS", "FOUND", "STARTED")
	for _, run := range runs {
		fmt.Printf("%-36s %-20s %-10s %-9s %-6d %s\n",
			run.ID, run.DealershipID, run.Method, run.Status,
			run.VehiclesFound, run.StartedAt.Format("2006-01-02 15:04:05"))
	}
}

func handleStatus(configPath string, args []string) {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	dealership := fs.String("dealership", "", "Dealership ID")
	fs.Parse(args)

	if *dealership == "" {
		fmt.Fprintf(os.Stderr, "Error: --dealership is required\n")
		os.Exit(1)
	}

	engine := openEngine(configPath)
	defer engine.Close()

	run, err := engine.GetLatestRunStatus(*dealership)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to load run status: %v\n", err)
		os.Exit(1)
	}
	if run == nil {
		fmt.Printf("Dealership %s has never been synchronized.\n", *dealership)
		return
	}

	fmt.Printf("Run:       %s\n", run.ID)
	fmt.Printf("Method:    %s\n", run.Method)
	fmt.Printf("Status:    %s\n", run.Status)
	fmt.Printf("Found:     %d (inserted %d, updated %d, deleted %d)\n",
		run.VehiclesFound, run.VehiclesInserted, run.VehiclesUpdated, run.VehiclesDeleted)
	fmt.Printf("Retries:   %d\n", run.RetryCount)
	fmt.Printf("Started:   %s\n", run.StartedAt.Format("2006-01-02 15:04:05"))
	if run.CompletedAt != nil {
		fmt.Printf("Completed: %s (%dms)\n", run.CompletedAt.Format("2006-01-02 15:04:05"), run.DurationMs)
	}
	if run.ErrorMessage != nil {
		fmt.Printf("Errors:    %s\n", *run.ErrorMessage)
	}
}

func handleSourcesCommand(configPath, action string, args []string) {
	engine := openEngine(configPath)
	defer engine.Close()

	switch action {
	case "list":
		handleSourcesList(engine, args)
	case "add":
		handleSourcesAdd(engine, args)
	case "help", "--help", "-h":
		printSourcesUsage()
	default:
		fmt.Fprintf(os.Stderr, "Error: unknown sources command: %s\n\n", action)
		printSourcesUsage()
		os.Exit(1)
	}
}

func handleSourcesList(engine *dealersync.Engine, args []string) {
	fs := flag.NewFlagSet("sources list", flag.ExitOnError)
	dealership := fs.String("dealership", "", "Dealership ID (default: all dealerships)")
	fs.Parse(args)

	sources, err := engine.Store().ListSources(*dealership)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to list sources: %v\n", err)
		os.Exit(1)
	}
	if len(sources) == 0 {
		fmt.Println("No sources configured.")
		return
	}

	fmt.Printf("%-36s %-20s %-14s %-30s %s\n", "ID", "DEALERSHIP", "PLATFORM", "NAME", "URL")
	for _, src := range sources {
		name := src.Name
		if len(name) > 30 {
			name = name[:27] + "..."
		}
		url := src.URL
		if len(url) > 50 {
			url = url[:47] + "..."
		}
		tag := string(src.Platform)
		if tag == "" {
			tag = "(detect)"
		}
		fmt.Printf("%-36s %-20s %-14s %-30s %s\n", src.ID, src.DealershipID, tag, name, url)
	}
}

func handleSourcesAdd(engine *dealersync.Engine, args []string) {
	fs := flag.NewFlagSet("sources add", flag.ExitOnError)
	dealership := fs.String("dealership", "", "Dealership ID")
	name := fs.String("name", "", "Source name")
	url := fs.String("url", "", "Inventory page URL")
	tag := fs.String("platform", "", "Platform tag (default: detect from URL)")
	enrichment := fs.String("enrichment-url", "", "Marketplace listing page for enrichment")
	fs.Parse(args)

	if *dealership == "" {
		fmt.Fprintf(os.Stderr, "Error: --dealership is required\n")
		os.Exit(1)
	}
	if *name == "" {
		fmt.Fprintf(os.Stderr, "Error: --name is required\n")
		os.Exit(1)
	}
	if *url == "" {
		fmt.Fprintf(os.Stderr, "Error: --url is required\n")
		os.Exit(1)
	}

	var enrichmentURL *string
	if *enrichment != "" {
		enrichmentURL = enrichment
	}

	src, err := engine.Store().CreateSource(*dealership, *name, *url, platform.Tag(*tag), nil, enrichmentURL)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to create source: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Created source %s for %s\n", src.ID, src.DealershipID)
}

func printUsage() {
	fmt.Println("dealersync - Dealership inventory synchronization")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  dealersync <command> [arguments]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  run        Synchronize dealership inventory")
	fmt.Println("  history    Show recent runs")
	fmt.Println("  status     Show the latest run for a dealership")
	fmt.Println("  sources    Manage inventory sources")
	fmt.Println("  help       Show this help message")
	fmt.Println()
	fmt.Println("Environment Variables:")
	fmt.Println("  DEALERSYNC_CONFIG  Path to config file (default: dealersync.yaml)")
}

func printSourcesUsage() {
	fmt.Println("dealersync sources - Manage inventory sources")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  dealersync sources <action> [arguments]")
	fmt.Println()
	fmt.Println("Actions:")
	fmt.Println("  list       List sources")
	fmt.Println("  add        Add a source")
	fmt.Println("  help       Show this help message")
}
