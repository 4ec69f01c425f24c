// Package main provides the cachegw-cli command-line tool for managing the
// caching gateway.
package main

import (
	"fmt"
	"os"
	"strings"

	cachegw "github.com/taskhive/cachegw"
	"github.com/taskhive/cachegw/internal/version"
)

const usage = `cachegw-cli — caching gateway command line tool

Usage:
  cachegw-cli <command> [arguments]

Commands:
  validate <config-file>    Validate a gateway configuration file (JSON/YAML)
  caches <config-file>      Print the cache names derived from a config
  version                   Print version info
  help                      Show this help
`

func main() {
	if len(os.Args) < 2 {
		fmt.Print(usage)
		os.Exit(0)
	}

	switch os.Args[1] {
	case "validate":
		cmdValidate()
	case "caches":
		cmdCaches()
	case "version":
		cmdVersion()
	case "help", "-h", "--help":
		fmt.Print(usage)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		fmt.Print(usage)
		os.Exit(1)
	}
}

func loadConfigArg(command string) *cachegw.Config {
	if len(os.Args) < 3 {
		fmt.Fprintf(os.Stderr, "Usage: cachegw-cli %s <config-file>\n", command)
		os.Exit(1)
	}
	cfg, err := cachegw.LoadConfig(os.Args[2])
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}
	return cfg
}

func cmdValidate() {
	cfg := loadConfigArg("validate")
	if err := cachegw.ValidateConfig(*cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Validation error: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("✓ Config is valid\n")
	fmt.Printf("  App:     %s v%s\n", cfg.App.Name, cfg.App.Version)
	fmt.Printf("  Origin:  %s\n", cfg.Origin.BaseURL)
	fmt.Printf("  Caches:  %d role(s)\n", len(cfg.Caches))

	if len(cfg.Precache.Critical)+len(cfg.Precache.Secondary) > 0 {
		fmt.Printf("  Precache: %d critical, %d secondary\n",
			len(cfg.Precache.Critical), len(cfg.Precache.Secondary))
	}
}

func cmdCaches() {
	cfg := loadConfigArg("caches")
	names := cfg.CacheWhitelist()
	if len(names) == 0 {
		fmt.Println("No cache roles configured.")
		return
	}
	fmt.Println(strings.Join(names, "\n"))
}

func cmdVersion() {
	fmt.Printf("cachegw-cli %s\n", version.String())
}
