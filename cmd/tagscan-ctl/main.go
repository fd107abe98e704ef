// Package main provides the tagscan-ctl CLI for inspecting a tagscan daemon.
//
// Usage:
//
//	tagscan-ctl status [--addr localhost:8080]
//	tagscan-ctl transfers [--addr localhost:8080] [--limit 20] [--format table|csv]
//	tagscan-ctl transfer [--addr localhost:8080] <name>
//	tagscan-ctl config [--config <file>]
//	tagscan-ctl ledger list|prune [--config <file>] [--limit 20] [--retention 720h]
package main

import (
	"encoding/csv"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/dronescan/tagscan/pkg/client"
	"github.com/dronescan/tagscan/pkg/config"
	"github.com/dronescan/tagscan/pkg/ledger"
)

const defaultConfigPath = "/etc/tagscan/config.yaml"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "status":
		runStatus(os.Args[2:])
	case "transfers":
		runTransfers(os.Args[2:])
	case "transfer":
		runTransfer(os.Args[2:])
	case "config":
		runConfig(os.Args[2:])
	case "ledger":
		runLedger(os.Args[2:])
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprint(os.Stderr, "tagscan-ctl: tagscan admin CLI\n\n")
	fmt.Fprint(os.Stderr, "Usage:\n")
	fmt.Fprint(os.Stderr, "  tagscan-ctl <command> [flags]\n\n")
	fmt.Fprint(os.Stderr, "Commands:\n")
	fmt.Fprint(os.Stderr, "  status     Show writer state of a running daemon\n")
	fmt.Fprint(os.Stderr, "  transfers  List recently rotated files\n")
	fmt.Fprint(os.Stderr, "  transfer   Show one rotated file\n")
	fmt.Fprint(os.Stderr, "  config     Print the effective configuration\n")
	fmt.Fprint(os.Stderr, "  ledger     Read or prune the transfer ledger of a stopped daemon\n\n")
	fmt.Fprint(os.Stderr, "Use \"tagscan-ctl <command> --help\" for more information about a command.\n")
}

func runStatus(args []string) {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	addr := fs.String("addr", "localhost:8080", "Control API address")
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	st, err := client.New(*addr).Status()
	if err != nil {
		slog.Error("status request failed", "addr", *addr, "error", err)
		os.Exit(1)
	}

	w := st.Writer
	fmt.Println("tagscan Status")
	fmt.Println("────────────────────────────────────")
	fmt.Printf("Run ID:         %s\n", st.RunID)
	fmt.Printf("Uptime:         %s\n", st.Uptime)
	fmt.Printf("Writer:         %s\n", w.State)
	fmt.Printf("Data Dir:       %s\n", w.DataDir)
	fmt.Printf("Active File:    %s (%d records)\n", w.ActivePath, w.ActiveRecords)
	fmt.Printf("Total Records:  %d\n", w.TotalRecords)
	fmt.Printf("Rotations:      %d\n", w.Rotations)
	fmt.Printf("Queue Depth:    %d\n", w.QueueDepth)
	if w.LastTransfer != nil {
		fmt.Printf("Last Transfer:  %s (%d records, %s, %s)\n",
			w.LastTransfer.Name, w.LastTransfer.Records, w.LastTransfer.Reason,
			w.LastTransfer.RotatedAt.Format(time.RFC3339))
	}
	if w.Error != "" {
		fmt.Printf("Error:          %s\n", w.Error)
	}
	fmt.Println("────────────────────────────────────")
}

func runTransfers(args []string) {
	fs := flag.NewFlagSet("transfers", flag.ExitOnError)
	addr := fs.String("addr", "localhost:8080", "Control API address")
	limit := fs.Int("limit", 20, "Maximum entries to show")
	format := fs.String("format", "table", "Output format: table, csv")
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	entries, err := client.New(*addr).Transfers(*limit)
	if err != nil {
		slog.Error("transfers request failed", "addr", *addr, "error", err)
		os.Exit(1)
	}
	printEntries(entries, *format)
}

func runTransfer(args []string) {
	fs := flag.NewFlagSet("transfer", flag.ExitOnError)
	addr := fs.String("addr", "localhost:8080", "Control API address")
	fs.Usage = func() {
		fmt.Fprint(os.Stderr, "Usage: tagscan-ctl transfer [flags] <name>\n\nFlags:\n")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}
	if fs.NArg() != 1 {
		fs.Usage()
		os.Exit(1)
	}

	e, err := client.New(*addr).Transfer(fs.Arg(0))
	if err != nil {
		slog.Error("transfer request failed", "name", fs.Arg(0), "error", err)
		os.Exit(1)
	}
	fmt.Printf("Name:        %s\n", e.Name)
	fmt.Printf("Path:        %s\n", e.Path)
	fmt.Printf("Records:     %d\n", e.Records)
	fmt.Printf("Reason:      %s\n", e.Reason)
	fmt.Printf("First Read:  %s\n", e.FirstRead.Format(time.RFC3339Nano))
	fmt.Printf("Last Read:   %s\n", e.LastRead.Format(time.RFC3339Nano))
	fmt.Printf("Opened:      %s\n", e.OpenedAt.Format(time.RFC3339))
	fmt.Printf("Rotated:     %s\n", e.RotatedAt.Format(time.RFC3339))
	fmt.Printf("Run ID:      %s\n", e.RunID)
}

func runConfig(args []string) {
	fs := flag.NewFlagSet("config", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "Path to config file")
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	cfg, found, err := config.LoadOptional(*configPath)
	if err != nil {
		slog.Error("failed to load config", "path", *configPath, "error", err)
		os.Exit(1)
	}
	if !found {
		fmt.Fprintf(os.Stderr, "# %s not found; showing defaults\n", *configPath)
	}
	data, err := cfg.Marshal()
	if err != nil {
		slog.Error("failed to render config", "error", err)
		os.Exit(1)
	}
	os.Stdout.Write(data)
}

func runLedger(args []string) {
	if len(args) < 1 {
		fmt.Fprint(os.Stderr, "Usage: tagscan-ctl ledger list|prune [flags]\n")
		os.Exit(1)
	}
	action := args[0]

	fs := flag.NewFlagSet("ledger "+action, flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "Path to config file")
	limit := fs.Int("limit", 20, "Maximum entries to list")
	format := fs.String("format", "table", "Output format: table, csv")
	retention := fs.Duration("retention", 0, "Prune entries older than this (default: ledger.retention)")
	if err := fs.Parse(args[1:]); err != nil {
		os.Exit(1)
	}

	cfg, _, err := config.LoadOptional(*configPath)
	if err != nil {
		slog.Error("failed to load config", "path", *configPath, "error", err)
		os.Exit(1)
	}

	// Badger holds a directory lock, so this only works while the daemon
	// is stopped; use "transfers" against a running one.
	led, err := ledger.Open(cfg.Ledger.Path, "tagscan-ctl")
	if err != nil {
		slog.Error("failed to open ledger", "path", cfg.Ledger.Path, "error", err)
		os.Exit(1)
	}
	defer led.Close()

	switch action {
	case "list":
		entries, err := led.List(*limit)
		if err != nil {
			slog.Error("ledger list failed", "error", err)
			os.Exit(1)
		}
		printEntries(entries, *format)
	case "prune":
		keep := *retention
		if keep <= 0 {
			keep = cfg.Ledger.Retention
		}
		n, err := led.Prune(keep)
		if err != nil {
			slog.Error("ledger prune failed", "error", err)
			os.Exit(1)
		}
		if err := led.CollectGarbage(); err != nil {
			slog.Warn("ledger value log gc failed", "error", err)
		}
		fmt.Printf("Pruned %d entries older than %s\n", n, keep)
	default:
		fmt.Fprintf(os.Stderr, "Unknown ledger action: %s\n", action)
		os.Exit(1)
	}
}

func printEntries(entries []ledger.Entry, format string) {
	switch format {
	case "csv":
		w := csv.NewWriter(os.Stdout)
		w.Write([]string{"name", "records", "reason", "first_read", "last_read", "rotated_at", "run_id"})
		for _, e := range entries {
			w.Write([]string{
				e.Name,
				strconv.Itoa(e.Records),
				string(e.Reason),
				e.FirstRead.Format(time.RFC3339Nano),
				e.LastRead.Format(time.RFC3339Nano),
				e.RotatedAt.Format(time.RFC3339Nano),
				e.RunID,
			})
		}
		w.Flush()
	default:
		fmt.Printf("%-32s %8s %-6s %-25s\n", "NAME", "RECORDS", "REASON", "ROTATED")
		for _, e := range entries {
			fmt.Printf("%-32s %8d %-6s %-25s\n", e.Name, e.Records, e.Reason, e.RotatedAt.Format(time.RFC3339))
		}
		if len(entries) == 0 {
			fmt.Println("(no transfers recorded)")
		}
	}
}
