// Command kestreld is a demo harness: it wires a toy heap and a handful
// of simulated mutator goroutines to the GC core and drives them
// through a full collection, printing a report. It has no wire
// protocol or persistence of its own — it exists to exercise the
// internal/gc packages the way an embedding VM would.
package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/kestrel-rt/kestrel/internal/config"
	"github.com/kestrel-rt/kestrel/internal/gc"
	"github.com/kestrel-rt/kestrel/internal/gc/heap"
	"github.com/kestrel-rt/kestrel/internal/gc/mutator"
	"github.com/kestrel-rt/kestrel/internal/logging"
	"github.com/kestrel-rt/kestrel/internal/metrics"
)

var (
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

func main() {
	if len(os.Args) > 1 && (os.Args[1] == "--version" || os.Args[1] == "-version") {
		fmt.Printf("kestreld version %s (built %s)\n", version, buildTime)
		return
	}
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "demo":
		runDemo(os.Args[2:])
	case "version":
		fmt.Printf("kestreld version %s (built %s, commit %s)\n", version, buildTime, gitCommit)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`Usage: kestreld <command> [options]

Commands:
  demo        Drive the GC core through a collection with simulated mutators
  version     Print version information

Run 'kestreld demo --help' for demo options.`)
}

func runDemo(args []string) {
	fs := flag.NewFlagSet("demo", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	mutators := fs.Int("mutators", 4, "Number of simulated mutator goroutines")
	objectsPerMutator := fs.Int("objects", 64, "Objects each mutator allocates before requesting collection")
	singleThreaded := fs.Bool("single-threaded", false, "Run the Same-Thread Mark & Sweep (STMS) variant instead of PMCS")
	metricsAddr := fs.String("metrics-addr", "", "Override the metrics listen address (empty keeps the configured address)")

	fs.Usage = func() {
		fmt.Println(`Usage: kestreld demo [options]

Allocates a toy object graph across N simulated mutator goroutines,
schedules a collection, and prints a report of what survived.

Options:`)
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	logging.Info("starting kestreld demo")

	var cfg *config.Config
	var err error
	if *configPath != "" {
		cfg, err = config.Load(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
			os.Exit(1)
		}
	} else if *singleThreaded {
		cfg = config.DefaultSingleThreaded()
	} else {
		cfg = config.Default()
	}
	if *metricsAddr != "" {
		cfg.Observability.MetricsAddr = *metricsAddr
	}

	logger := logging.Configure(cfg.Observability.LogLevel, cfg.Observability.LogFormat)

	gcMetrics := metrics.NewGCMetrics()
	var metricsServer *metrics.Server
	if cfg.Observability.MetricsAddr != "" {
		metricsServer = metrics.NewServer(cfg.Observability.MetricsAddr)
		if err := metricsServer.Start(); err != nil {
			logger.Errorf("failed to start metrics server", map[string]any{"error": err.Error()})
			os.Exit(1)
		}
		logger.Infof("metrics listening", map[string]any{"addr": metricsServer.Addr()})
	}

	orchestrator := gc.New(*cfg, gc.WithLogger(logger), gc.WithMetrics(gcMetrics))

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("received shutdown signal")
		cancel()
	}()

	orchestrator.Start(ctx)
	defer orchestrator.Close()

	report := driveDemo(orchestrator, *mutators, *objectsPerMutator)
	printReport(report)

	if metricsServer != nil {
		if err := metricsServer.Close(); err != nil {
			logger.Errorf("metrics server shutdown error", map[string]any{"error": err.Error()})
		}
	}
}

// demoReport summarizes a single collection driven against the toy heap.
type demoReport struct {
	mutators       int
	objectsCreated int
	objectsRooted  int
	survived       int
	reclaimed      int
	duration       time.Duration
}

// driveDemo allocates a small object graph per mutator, keeps a random
// subset of each mutator's objects rooted, schedules one collection,
// and reports what the sweep reclaimed versus kept alive.
func driveDemo(o *gc.Orchestrator, numMutators, objectsEach int) demoReport {
	var wg sync.WaitGroup
	var mu sync.Mutex
	created, rooted := 0, 0
	before := o.AllocatedBytes()

	mutatorHandles := make([]stoppableMutator, numMutators)
	for i := 0; i < numMutators; i++ {
		m := o.NewMutator()
		stop := pollSafepoint(o, m)
		mutatorHandles[i] = stoppableMutator{stop: stop}

		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			var refs []heap.Reference
			for j := 0; j < objectsEach; j++ {
				obj := o.CreateObject(m, nil)
				refs = append(refs, heap.Reference{ID: uint64(idx*objectsEach + j), Object: obj})
			}

			rng := rand.New(rand.NewSource(int64(idx) + 1))
			var keep []heap.Reference
			for _, r := range refs {
				if rng.Intn(3) == 0 {
					keep = append(keep, r)
				}
			}
			m.SetRoots(keep)
			m.PublishObjectFactory()

			mu.Lock()
			created += len(refs)
			rooted += len(keep)
			mu.Unlock()
		}(i)
	}
	wg.Wait()

	start := time.Now()
	epoch, err := o.Schedule()
	if err == nil {
		o.WaitFinished(epoch)
		o.WaitFinalizers(epoch)
	}
	duration := time.Since(start)

	for _, h := range mutatorHandles {
		h.stop()
	}

	survived := int(o.AllocatedBytes())
	return demoReport{
		mutators:       numMutators,
		objectsCreated: created,
		objectsRooted:  rooted,
		survived:       survived,
		reclaimed:      created + int(before) - survived,
		duration:       duration,
	}
}

type stoppableMutator struct {
	stop func()
}

// pollSafepoint runs a background goroutine that stands in for the
// application code a real mutator thread would be executing, the only
// place a mutator observes a pending suspension request.
func pollSafepoint(o *gc.Orchestrator, m *mutator.Mutator) func() {
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				o.OnSafePoint(m)
			}
		}
	}()
	return func() {
		close(stop)
		<-done
	}
}

func printReport(r demoReport) {
	fmt.Printf("kestreld demo report\n")
	fmt.Printf("  mutators:        %d\n", r.mutators)
	fmt.Printf("  objects created: %d\n", r.objectsCreated)
	fmt.Printf("  objects rooted:  %d\n", r.objectsRooted)
	fmt.Printf("  objects survived:%d\n", r.survived)
	fmt.Printf("  objects reclaimed:%d\n", r.reclaimed)
	fmt.Printf("  collection time: %s\n", r.duration)
}
