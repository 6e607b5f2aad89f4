package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/raaihank/moltshield/internal/document"
	"github.com/raaihank/moltshield/internal/gatekeeper"
	"github.com/raaihank/moltshield/internal/policy"
	"github.com/raaihank/moltshield/internal/rehydrate"
	"github.com/raaihank/moltshield/internal/report"
	"github.com/raaihank/moltshield/internal/vault"
)

const defaultSession = "session"

func runScan(ctx context.Context, args []string) error {
	fs, configPath := newFlagSet("scan")
	output := fs.String("o", "", "Output path for the generated policy (default: configured policy path)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("usage: moltshield scan [-o policy.yaml] <file.xml>")
	}

	a, err := newApp(*configPath)
	if err != nil {
		return err
	}
	defer a.close()

	f, err := os.Open(fs.Arg(0))
	if err != nil {
		return fmt.Errorf("failed to open XML file: %w", err)
	}
	defer f.Close()
	doc, err := document.ParseXML(f)
	if err != nil {
		return err
	}

	p := policy.Scan(doc)
	out := *output
	if out == "" {
		out = a.cfg.Policy.Path
	}
	if err := policy.Save(p, out); err != nil {
		return err
	}

	a.log.Info("Policy generated", zap.String("path", out), zap.Int("rules", len(p.Rules)))
	fmt.Printf("Policy generated: %s\n", out)
	fmt.Printf("  Rules detected: %d\n", len(p.Rules))
	for _, r := range p.Rules {
		fmt.Printf("    - %s: %s\n", r.TagPattern, r.Action)
	}
	return nil
}

func runSanitize(ctx context.Context, args []string) error {
	fs, configPath := newFlagSet("sanitize")
	var (
		policyPath   = fs.String("policy", "", "Policy file (default: configured policy path)")
		sessionID    = fs.String("session", defaultSession, "Vault session id")
		seed         = fs.Int64("seed", 0, "Shuffle seed (default: configured seed)")
		outputDir    = fs.String("output-dir", "", "Directory for sanitized files (default: configured output dir)")
		reportPath   = fs.String("report", "", "Write a parquet transform report to this path")
		workers      = fs.Int("workers", 4, "Number of files sanitized concurrently")
		reproducible = fs.Bool("reproducible", false, "Derive placeholders from the seed")
	)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() == 0 {
		return fmt.Errorf("usage: moltshield sanitize [options] <file.xml|dir>...")
	}

	a, err := newApp(*configPath)
	if err != nil {
		return err
	}
	defer a.close()

	if !flagSet(fs, "seed") {
		*seed = a.cfg.Shuffling.Seed
	}
	if *outputDir == "" {
		*outputDir = a.cfg.Paths.OutputDir
	}
	files, err := collectXML(fs.Args())
	if err != nil {
		return err
	}

	engine, err := a.loadEngine(*policyPath)
	if err != nil {
		return err
	}
	var extra []gatekeeper.Option
	if *reproducible {
		extra = append(extra, gatekeeper.WithTokens(vault.SeededTokens(*seed)))
	}
	t, err := newTransformer(a.cfg, engine, a.log.WithComponent("gatekeeper").Logger, extra...)
	if err != nil {
		return err
	}
	manager, err := a.openManager()
	if err != nil {
		return err
	}
	defer manager.Close()
	svc := gatekeeper.NewService(t, manager, a.log.WithSession(*sessionID).Logger)

	var (
		collector report.Collector
		failed    int
		mu        sync.Mutex
		wg        sync.WaitGroup
		jobs      = make(chan string)
	)
	if *workers < 1 {
		*workers = 1
	}
	for i := 0; i < *workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for in := range jobs {
				start := time.Now()
				fr, err := svc.SanitizeFile(ctx, in, *outputDir, *sessionID, *seed)
				if err != nil {
					a.log.Error("Sanitize failed", zap.String("file", in), zap.Error(err))
					collector.Add(report.Failed(*sessionID, in, err))
					mu.Lock()
					failed++
					mu.Unlock()
					continue
				}
				collector.Add(report.FromResult(*sessionID, fr, time.Since(start)))
				fmt.Printf("%s -> %s (masked %d, redacted %d, shuffled %d, shadowed %d)\n",
					in, fr.Output, fr.Result.Stats.Masked, fr.Result.Stats.Redacted,
					fr.Result.Stats.Shuffled, fr.Result.Stats.Shadowed)
			}
		}()
	}
feed:
	for _, f := range files {
		select {
		case jobs <- f:
		case <-ctx.Done():
			break feed
		}
	}
	close(jobs)
	wg.Wait()

	if *reportPath != "" {
		if err := report.WriteFile(*reportPath, collector.Records()); err != nil {
			return err
		}
		fmt.Printf("Report written: %s\n", *reportPath)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d files failed", failed, len(files))
	}
	return nil
}

// collectXML expands directories into the .xml files they contain.
func collectXML(args []string) ([]string, error) {
	var files []string
	for _, arg := range args {
		fi, err := os.Stat(arg)
		if err != nil {
			return nil, fmt.Errorf("input not found: %w", err)
		}
		if !fi.IsDir() {
			files = append(files, arg)
			continue
		}
		matches, err := filepath.Glob(filepath.Join(arg, "*.xml"))
		if err != nil {
			return nil, err
		}
		for _, m := range matches {
			if !strings.HasSuffix(m, "_sanitized.xml") {
				files = append(files, m)
			}
		}
	}
	if len(files) == 0 {
		return nil, errors.New("no XML files to sanitize")
	}
	return files, nil
}

func runRehydrate(ctx context.Context, args []string) error {
	fs, configPath := newFlagSet("rehydrate")
	var (
		sessionID = fs.String("session", defaultSession, "Vault session id")
		vaultPath = fs.String("vault", "", "Path to a <session>.vault.json file; overrides -session and the configured backend")
		output    = fs.String("o", "", "Output file, or - for stdout (default: <name>_rehydrated<ext>)")
		inPlace   = fs.Bool("i", false, "Modify the file in place, keeping a .bak copy")
	)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("usage: moltshield rehydrate [options] <file>")
	}
	if *inPlace && *output != "" {
		return errors.New("-i and -o are mutually exclusive")
	}
	in := fs.Arg(0)

	a, err := newApp(*configPath)
	if err != nil {
		return err
	}
	defer a.close()

	if *vaultPath != "" {
		a.cfg.Vault.Backend = vault.BackendFile
		a.cfg.Vault.Dir = filepath.Dir(*vaultPath)
		*sessionID = strings.TrimSuffix(filepath.Base(*vaultPath), vault.FileSuffix)
	}
	manager, err := a.openManager()
	if err != nil {
		return err
	}
	defer manager.Close()

	prefixes := []string{a.cfg.Masking.Prefix}
	return rehydrate.WithSession(ctx, manager, *sessionID, prefixes, func(r *rehydrate.Rehydrator) error {
		var (
			out string
			rep rehydrate.Report
		)
		if *output == "-" {
			data, err := os.ReadFile(in)
			if err != nil {
				return fmt.Errorf("failed to read artifact: %w", err)
			}
			restored, rp, err := r.Bytes(data, rehydrate.DetectFormat(in))
			if err != nil {
				return err
			}
			if _, err := os.Stdout.Write(restored); err != nil {
				return err
			}
			out, rep = "stdout", rp
		} else {
			var err error
			out, rep, err = r.File(ctx, in, *output, *inPlace)
			if err != nil {
				return err
			}
			if *inPlace {
				fmt.Fprintf(os.Stderr, "Backup created: %s%s\n", in, rehydrate.BackupSuffix)
			}
		}

		a.log.Info("Artifact rehydrated",
			zap.String("session_id", *sessionID),
			zap.String("output", out),
			zap.Int("restored", rep.Restored),
			zap.Int("misses", len(rep.Misses)))
		fmt.Fprintf(os.Stderr, "Restored %d placeholders into %s\n", rep.Restored, out)
		if len(rep.Misses) > 0 {
			fmt.Fprintf(os.Stderr, "Unknown placeholders left in place: %s\n", strings.Join(rep.Misses, ", "))
		}
		return nil
	})
}

func runVaultInfo(ctx context.Context, args []string) error {
	fs, configPath := newFlagSet("vault-info")
	sessionID := fs.String("session", "", "Inspect a single session")
	if err := fs.Parse(args); err != nil {
		return err
	}

	a, err := newApp(*configPath)
	if err != nil {
		return err
	}
	defer a.close()

	store, err := vault.NewStore(&a.cfg.Vault, a.log.WithComponent("vault").Logger)
	if err != nil {
		return err
	}
	defer store.Close()

	if *sessionID != "" {
		info, err := store.Stat(ctx, *sessionID)
		if err != nil {
			return err
		}
		return printJSON(info)
	}
	sessions, err := store.Sessions(ctx)
	if err != nil {
		return err
	}
	return printJSON(map[string]interface{}{
		"backend":       a.cfg.Vault.Backend,
		"session_count": len(sessions),
		"sessions":      sessions,
	})
}

func runPolicies(ctx context.Context, args []string) error {
	fs, configPath := newFlagSet("policies")
	if err := fs.Parse(args); err != nil {
		return err
	}
	a, err := newApp(*configPath)
	if err != nil {
		return err
	}
	defer a.close()

	infos, err := policy.List(a.cfg.Policy.Dir, a.cfg.Policy.Path)
	if err != nil {
		return err
	}
	return printJSON(infos)
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
