package main

import (
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"strings"

	"github.com/florejun0824/srcslmsstable-sub009/internal/config"
	"github.com/florejun0824/srcslmsstable-sub009/internal/router"
)

// keycheck reports, for every candidate in routes.yaml, how many usable
// credentials the current environment provides. Secrets are shown only as
// fingerprints.
func main() {
	configDir := flag.String("config", "configs", "path to configuration directory")
	strict := flag.Bool("strict", false, "exit non-zero if any enabled candidate has no usable key")
	flag.Parse()

	quiet := slog.New(slog.NewTextHandler(io.Discard, nil))
	loader := config.NewLoader(*configDir, quiet)
	if err := loader.Load(); err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	candidates, err := router.Build(loader.Providers(), loader.Routes(), quiet)
	if err != nil {
		log.Fatalf("failed to build candidates: %v", err)
	}

	byName := make(map[string]config.CandidateConfig, len(loader.Routes().Candidates))
	for _, rc := range loader.Routes().Candidates {
		byName[rc.Name] = rc
	}

	fmt.Println("=== Candidate credentials ===")
	fmt.Println()
	empty := 0
	for i, c := range candidates {
		status := "ok"
		if c.Pool.Len() == 0 {
			status = "NO USABLE KEY"
			empty++
		}
		fmt.Printf("  %d. %-22s provider=%-12s keys=%d  %s\n", i+1, c.Name, c.Provider, c.Pool.Len(), status)
		fmt.Printf("     env:          %s\n", strings.Join(byName[c.Name].KeyEnv, ", "))
		if fps := c.Pool.Fingerprints(); len(fps) > 0 {
			fmt.Printf("     fingerprints: %s\n", strings.Join(fps, ", "))
		}
	}
	fmt.Println()
	fmt.Printf("  %d of %d candidates usable\n", len(candidates)-empty, len(candidates))

	if *strict && empty > 0 {
		os.Exit(1)
	}
}
