// main.go
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/petervdpas/tutorcall/internal/app"
	"github.com/petervdpas/tutorcall/internal/config"
)

var (
	showHelp = flag.Bool("h", false, "Show help")
	version  = flag.Bool("version", false, "Show version")
	once     = flag.Bool("once", false, "sweep: make one pass and exit")
)

// appVersion is set at build time via -ldflags "-X main.appVersion=x.y.z"
var appVersion = "dev"

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("tutorcall v%s\n", appVersion)
		return
	}

	if *showHelp {
		showUsage()
		return
	}

	args := flag.Args()
	if len(args) == 0 {
		showUsage()
		os.Exit(1)
	}

	command := args[0]
	if len(args) < 2 {
		fmt.Fprintf(os.Stderr, "Error: %s command requires directory path\n", command)
		fmt.Fprintf(os.Stderr, "Usage: tutorcall %s <peer-directory>\n", command)
		os.Exit(1)
	}

	switch command {
	case "peer":
		runCLIPeer(args[1])
	case "sweep":
		runCLISweep(args[1])
	case "init":
		runCLIInit(args[1])
	default:
		fmt.Fprintf(os.Stderr, "Error: unknown command '%s'\n", command)
		fmt.Fprintln(os.Stderr)
		showUsage()
		os.Exit(1)
	}
}

func peerDir(arg string) string {
	absDir, err := filepath.Abs(arg)
	if err != nil {
		log.Fatalf("Invalid peer directory: %v", err)
	}
	if stat, err := os.Stat(absDir); err != nil || !stat.IsDir() {
		log.Fatalf("Peer directory does not exist: %s", absDir)
	}
	return absDir
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigCh
		log.Println("Shutting down gracefully...")
		cancel()
	}()
	return ctx, cancel
}

func runCLIPeer(arg string) {
	absDir := peerDir(arg)

	cfgPath := filepath.Join(absDir, config.FileName)
	cfg, created, err := config.Ensure(cfgPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if created {
		log.Printf("Created %s with identity %s", cfgPath, cfg.Identity.ID)
	}

	printPeerBanner(absDir, cfgPath, cfg)

	ctx, cancel := signalContext()
	defer cancel()

	if err := app.Run(ctx, app.Options{
		PeerDir: absDir,
		CfgPath: cfgPath,
		Cfg:     cfg,
	}); err != nil {
		log.Fatalf("Peer failed: %v", err)
	}
}

func runCLISweep(arg string) {
	absDir := peerDir(arg)

	// Only the store and call sections matter here.
	cfgPath := filepath.Join(absDir, config.FileName)
	cfg, err := config.LoadPartial(cfgPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	ctx, cancel := signalContext()
	defer cancel()

	if _, err := app.RunSweep(ctx, app.SweepOptions{
		PeerDir: absDir,
		Cfg:     cfg,
		Once:    *once,
	}); err != nil {
		log.Fatalf("Sweep failed: %v", err)
	}
}

func runCLIInit(arg string) {
	absDir := peerDir(arg)

	cfgPath := filepath.Join(absDir, config.FileName)
	cfg, _, err := config.Ensure(cfgPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	cfg, err = app.PromptInteractive(os.Stdin, os.Stdout, absDir, cfgPath, cfg)
	if err != nil {
		log.Fatalf("Config not saved: %v", err)
	}
	if err := config.Save(cfgPath, cfg); err != nil {
		log.Fatalf("Failed to save config: %v", err)
	}
	fmt.Printf("Saved %s\n", cfgPath)
}

func showUsage() {
	fmt.Println("tutorcall - direct peer-to-peer calls over a shared store")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  tutorcall peer <directory>          Run a participant")
	fmt.Println("  tutorcall [-once] sweep <directory> Expire and purge sessions without joining calls")
	fmt.Println("  tutorcall init <directory>          Create or edit the participant config")
	fmt.Println()
	fmt.Println("The directory holds " + config.FileName + "; it is created with defaults")
	fmt.Println("and a fresh identity on first run.")
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  -h        Show this help message")
	fmt.Println("  -version  Show version information")
	fmt.Println("  -once     With sweep: make one pass and exit")
	fmt.Println()
	fmt.Println("Examples:")
	fmt.Println("  tutorcall peer ./peers/alice")
	fmt.Println("  tutorcall -once sweep ./peers/alice")
}

func printPeerBanner(peerDir, cfgPath string, cfg config.Config) {
	fmt.Println("╔════════════════════════════════════════════════════════╗")
	fmt.Println("║                  tutorcall participant                 ║")
	fmt.Println("╚════════════════════════════════════════════════════════╝")
	fmt.Println()
	fmt.Printf("Peer Directory: %s\n", peerDir)
	fmt.Printf("Config File:    %s\n", cfgPath)
	fmt.Printf("Identity:       %s (%s)\n", cfg.Identity.ID, cfg.Identity.Role)
	fmt.Printf("Store:          %s\n", cfg.Store.Driver)
	fmt.Println()

	if cfg.Viewer.HTTPAddr != "" {
		_, url := app.NormalizeLocalViewer(cfg.Viewer.HTTPAddr)
		fmt.Printf("📞 Call API:     %s/api/call\n", url)
		fmt.Println()
	}

	fmt.Println("Starting peer... (Press Ctrl+C to stop)")
	fmt.Println("────────────────────────────────────────────────────────")
	fmt.Println()
}
