// smmu-bench drives the SMMU model through a configurable translation
// sweep: a number of streams, each with a range of mapped pages,
// translated repeatedly from concurrent workers. It reports cache and
// fault statistics at the end.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"time"

	"github.com/schollz/progressbar/v3"
	"golang.org/x/sync/errgroup"

	"github.com/tinyrange/smmuv3"
	"github.com/tinyrange/smmuv3/config"
)

func main() {
	streams := flag.Int("streams", 8, "number of streams to configure")
	pages := flag.Int("pages", 256, "mapped pages per stream")
	iterations := flag.Int("iterations", 100000, "translations per worker")
	profile := flag.String("profile", "default", "configuration profile (default, highperformance, lowmemory, minimal, server, embedded, development)")
	configFile := flag.String("config", "", "configuration file (.yaml/.yml or key=value text); overrides -profile")
	invalidate := flag.Bool("invalidate", false, "issue periodic stream invalidations during the sweep")
	verbose := flag.Bool("v", false, "verbose logging")
	flag.Parse()

	if *verbose {
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug})))
	}

	if err := run(*streams, *pages, *iterations, *profile, *configFile, *invalidate); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig(profile, configFile string) (config.Config, error) {
	if configFile != "" {
		return config.LoadFile(configFile)
	}

	switch profile {
	case "default":
		return config.Default(), nil
	case "highperformance":
		return config.HighPerformance(), nil
	case "lowmemory":
		return config.LowMemory(), nil
	case "minimal":
		return config.Minimal(), nil
	case "server":
		return config.Server(), nil
	case "embedded":
		return config.Embedded(), nil
	case "development":
		return config.Development(), nil
	}
	return config.Config{}, fmt.Errorf("unknown profile %q", profile)
}

func run(streams, pages, iterations int, profile, configFile string, invalidate bool) error {
	cfg, err := loadConfig(profile, configFile)
	if err != nil {
		return err
	}

	smmu, err := smmuv3.New(cfg)
	if err != nil {
		return fmt.Errorf("create smmu: %w", err)
	}

	fmt.Printf("Configuring %d streams with %d pages each...\n", streams, pages)
	for sid := smmuv3.StreamID(1); sid <= smmuv3.StreamID(streams); sid++ {
		err := smmu.ConfigureStream(sid, smmuv3.StreamConfig{
			TranslationEnabled: true,
			Stage1Enabled:      true,
		})
		if err != nil {
			return fmt.Errorf("configure stream %d: %w", sid, err)
		}
		if err := smmu.EnableStream(sid); err != nil {
			return fmt.Errorf("enable stream %d: %w", sid, err)
		}
		if err := smmu.CreateStreamPASID(sid, 1); err != nil {
			return fmt.Errorf("create pasid for stream %d: %w", sid, err)
		}
		for p := 0; p < pages; p++ {
			iova := smmuv3.IOVA(0x10000 + p*smmuv3.PageSize)
			pa := smmuv3.PA(0x40000000) + smmuv3.PA(sid)<<28 + smmuv3.PA(p)*smmuv3.PageSize
			if err := smmu.MapPage(sid, 1, iova, pa, smmuv3.PermRW, smmuv3.NonSecure); err != nil {
				return fmt.Errorf("map stream %d page %d: %w", sid, p, err)
			}
		}
	}

	workers := int(cfg.Resource.MaxThreadCount)
	if workers > streams {
		workers = streams
	}
	total := int64(workers) * int64(iterations)
	bar := progressbar.Default(total, "translating")

	start := time.Now()
	var g errgroup.Group
	for w := 0; w < workers; w++ {
		w := w
		g.Go(func() error {
			rng := rand.New(rand.NewSource(int64(w)))
			for i := 0; i < iterations; i++ {
				sid := smmuv3.StreamID(rng.Intn(streams) + 1)
				page := rng.Intn(pages)
				iova := smmuv3.IOVA(0x10000 + page*smmuv3.PageSize)
				if _, err := smmu.Translate(sid, 1, iova, smmuv3.AccessRead, smmuv3.NonSecure); err != nil {
					return fmt.Errorf("translate stream %d page %d: %w", sid, page, err)
				}
				if invalidate && i%10000 == 9999 {
					smmu.InvalidateStreamCache(sid)
				}
				bar.Add(1)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	elapsed := time.Since(start)

	stats := smmu.CacheStatistics()
	fmt.Printf("\n%d translations in %v (%.0f/s)\n",
		smmu.TranslationCount(), elapsed.Round(time.Millisecond),
		float64(smmu.TranslationCount())/elapsed.Seconds())
	fmt.Printf("cache: %d hits, %d misses, %.1f%% hit rate, %d/%d entries, %d evictions\n",
		stats.Hits, stats.Misses, stats.HitRate()*100,
		stats.CurrentSize, stats.MaxSize, stats.Evictions)
	fmt.Printf("faults: %d, memory estimate: %d KiB\n",
		smmu.TotalFaults(), smmu.MemoryUsage()/1024)
	return nil
}
