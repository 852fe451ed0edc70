// Package profilers adds optional profiling to the training binary: a CPU
// profile written to a file (-cpu_profile) and a pprof HTTP endpoint that
// outlives the run so the heap can be inspected after training (-prof).
// With neither flag set, Setup and OnQuit are no-ops.
package profilers

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	_ "net/http/pprof"
	"os"
	"runtime"
	"runtime/pprof"

	"k8s.io/klog/v2"
)

var (
	flagProfiler   = flag.Int("prof", -1, "If set, serves pprof over HTTP at the given port.")
	flagCPUProfile = flag.String("cpu_profile", "", "Write a CPU profile to `file`.")
	profilerAddr   string

	// globalCtx is the run context given to Setup, used to detect interrupts.
	globalCtx context.Context
)

// Setup starts whatever profiling the flags request. ctx is the run
// context; an interrupted run skips the post-training hold of OnQuit.
// Pair with a deferred OnQuit.
func Setup(ctx context.Context) {
	globalCtx = ctx
	if *flagProfiler >= 0 {
		setupHTTPProfiler()
	}
	if *flagCPUProfile != "" {
		startCPUProfile()
	}
}

// OnQuit flushes the CPU profile and, when the pprof endpoint is serving,
// blocks until interrupted instead of letting the process exit under the
// inspecting tool.
func OnQuit() {
	if *flagCPUProfile != "" {
		pprof.StopCPUProfile()
	}
	if *flagProfiler >= 0 {
		holdForHTTPProfiler()
	}
}

func startCPUProfile() {
	f, err := os.Create(*flagCPUProfile)
	if err != nil {
		klog.Fatal("could not create CPU profile: ", err)
	}
	if err := pprof.StartCPUProfile(f); err != nil {
		klog.Fatal("could not start CPU profile: ", err)
	}
}

func setupHTTPProfiler() {
	profilerAddr = fmt.Sprintf("localhost:%d", *flagProfiler)
	fmt.Printf("Starting profiler on %s/debug/pprof\n", profilerAddr)
	fmt.Printf("- Access it with: $ go tool pprof %s/debug/pprof/heap\n", profilerAddr)
	fmt.Printf("- The process stays alive after training; interrupt (Ctrl+C) to exit\n")
	go func() {
		klog.Fatal(http.ListenAndServe(profilerAddr, nil))
	}()
}

// holdForHTTPProfiler blocks until interrupted, unless the run already was.
func holdForHTTPProfiler() {
	// Don't freeze on panic.
	if err := recover(); err != nil {
		panic(err)
	}
	if globalCtx.Err() != nil {
		return
	}
	// Force collections so leaks show in the heap profile.
	for range 10 {
		runtime.GC()
	}
	fmt.Printf("- Training finished: kept alive with profiler at %s/debug/pprof\n", profilerAddr)
	fmt.Printf("- Interrupt (Ctrl+C) to exit\n")
	<-globalCtx.Done()
	fmt.Printf("... exiting ...\n")
}
