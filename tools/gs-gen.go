package main

import (
	"flag"
	"fmt"
	"io"
	"os"

	"groundlink/pkg/config"
)

func main() {
	code := run(os.Args[1:], os.Stdout, os.Stderr)
	os.Exit(code)
}

func run(args []string, stdout io.Writer, stderr io.Writer) int {
	if len(args) == 0 {
		printUsage(stderr)
		return 2
	}

	switch args[0] {
	case "sync":
		return runSync(args[1:], stdout, stderr)
	case "-h", "--help", "help":
		printUsage(stdout)
		return 0
	default:
		fmt.Fprintln(stderr, "unknown command:", args[0])
		printUsage(stderr)
		return 2
	}
}

func runSync(args []string, stdout io.Writer, stderr io.Writer) int {
	fsync := flag.NewFlagSet("sync", flag.ContinueOnError)
	fsync.SetOutput(stderr)

	configPath := fsync.String("config", config.DefaultConfigPath, "groundlink TOML config path")
	scanRootOverride := fsync.String("scan-root", "", "optional scan root override")

	if err := fsync.Parse(args); err != nil {
		return 2
	}

	cfg, changed, err := config.SyncSubpackets(*configPath, *scanRootOverride)
	if err != nil {
		fmt.Fprintln(stderr, "sync failed:", err)
		return 1
	}

	if changed {
		fmt.Fprintf(stdout, "[Sync] Updated %s with %d subpacket(s)\n", *configPath, len(cfg.Subpackets))
	} else {
		fmt.Fprintf(stdout, "[Sync] No subpacket changes in %s (%d subpacket(s))\n", *configPath, len(cfg.Subpackets))
	}
	return 0
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "Usage:")
	fmt.Fprintln(w, "  go run tools/gs-gen.go sync [--config path] [--scan-root path]")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  sync   scan firmware C files and sync groundlink.toml")
}
