// Package profilers implement helper functions to set up profiling of the trainer.
//
// If linked, it will install the profiler flags: -prof for the HTTP pprof server,
// -cpu_profile and -mem_profile for profiles written to files.
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
	flagProfiler   = flag.Int("prof", -1, "If set, runs the profile at the given port.")
	flagCPUProfile = flag.String("cpu_profile", "", "write cpu profile to `file`")
	flagMemProfile = flag.String("mem_profile", "", "write heap profile to `file` at the end of the run")
	profilerAddr   string

	// globalCtx is set on the call to Setup.
	globalCtx context.Context
)

// Setup starts the HTTP (flag -prof) and CPU profilers (flag -cpu_profile), if they were configured.
// You should follow with a deferred call to OnQuit.
func Setup(ctx context.Context) {
	globalCtx = ctx
	if *flagProfiler >= 0 {
		setupHTTPProfiler()
	}
	if *flagCPUProfile != "" {
		startCPUProfile(*flagCPUProfile)
	}
}

// OnQuit should be called before the exit of the main() function, as a deferred call just after Setup.
//
// If the HTTP profiler is enabled, it keeps the program alive until it is interrupted, except on panic.
func OnQuit() {
	if *flagCPUProfile != "" {
		pprof.StopCPUProfile()
	}
	if *flagMemProfile != "" {
		writeHeapProfile(*flagMemProfile)
	}
	if *flagProfiler >= 0 {
		if err := recover(); err != nil {
			panic(err)
		}
		waitForInterrupt()
	}
}

func startCPUProfile(filePath string) {
	f, err := os.Create(filePath)
	if err != nil {
		klog.Fatalf("could not create CPU profile %q: %v", filePath, err)
	}
	if err := pprof.StartCPUProfile(f); err != nil {
		klog.Fatalf("could not start CPU profile: %v", err)
	}
}

// writeHeapProfile after a garbage collection, so it reflects the memory still in use,
// e.g. rollout buffers or pool entries that were never released.
func writeHeapProfile(filePath string) {
	f, err := os.Create(filePath)
	if err != nil {
		klog.Errorf("could not create heap profile %q: %v", filePath, err)
		return
	}
	defer func() { _ = f.Close() }()
	runtime.GC()
	if err := pprof.WriteHeapProfile(f); err != nil {
		klog.Errorf("could not write heap profile: %v", err)
		return
	}
	klog.V(1).Infof("Heap profile written to %s", filePath)
}

func setupHTTPProfiler() {
	profilerAddr = fmt.Sprintf("localhost:%d", *flagProfiler)
	fmt.Printf("Starting profiler on %s/debug/pprof\n", profilerAddr)
	fmt.Printf("- You can access it with: $ go tool pprof %s/debug/pprof/heap\n", profilerAddr)
	fmt.Printf("- Program will be kept alive on end, you will have to interrupt it (Ctrl+C) to exit\n")
	go func() {
		klog.Fatal(http.ListenAndServe(profilerAddr, nil))
	}()
}

// waitForInterrupt keeps the program alive, so one can still read the profiles after training.
func waitForInterrupt() {
	if globalCtx == nil || globalCtx.Err() != nil {
		// Already interrupted.
		return
	}

	// Garbage collect, to see if there is anything leaking.
	for range 10 {
		runtime.GC()
	}
	fmt.Printf("- Program finished: kept alive with profiler opened at %s/debug/pprof\n", profilerAddr)
	fmt.Printf("- Interrupt (Ctrl+C) to exit\n")
	<-globalCtx.Done()
	fmt.Printf("... exiting ...\n")
}
