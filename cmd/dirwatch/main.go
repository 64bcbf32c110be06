// Copyright 2024 The dirwatch Authors. All Rights Reserved.
// This file is available under the Apache license.

package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"sync"
	"syscall"

	"contrib.go.opencensus.io/exporter/jaeger"
	"github.com/golang/glog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opencensus.io/trace"

	"github.com/dirwatch/dirwatch/internal/event"
	"github.com/dirwatch/dirwatch/internal/queue"
	"github.com/dirwatch/dirwatch/internal/watch"
)

var (
	kinds       = flag.String("kinds", "create,modify,delete,overflow", "Comma-separated list of event kinds to report.")
	recursive   = flag.Bool("recursive", true, "Watch the whole subtree under each root, not only its immediate children.")
	sensitivity = flag.String("sensitivity", "medium", "Coalescing latency of the native stream: high, medium or low.")
	queueSize   = flag.Int("queue_size", queue.DefaultCapacity, "Event queue capacity per watched root; the queue degrades to OVERFLOW when full.")

	port    = flag.String("port", "", "HTTP port to serve /metrics and /debug/vars on; empty disables the listener.")
	address = flag.String("address", "", "Host or IP address on which to bind the HTTP listener.")

	version = flag.Bool("version", false, "Print dirwatch version information.")

	// Tracing.
	jaegerEndpoint    = flag.String("jaeger_endpoint", "", "If set, collector endpoint URL of jaeger thrift service")
	traceSamplePeriod = flag.Int("trace_sample_period", 0, "Sample period for traces.  If non-zero, every nth trace will be sampled.")
)

var (
	// Branch as well as Version and Revision identifies where in the git
	// history the build came from, as supplied by the linker when compiled
	// with `make'.  The defaults here indicate that the user did not use
	// `make' as instructed.
	Branch   = "invalid:-use-make-to-build"
	Version  = "invalid:-use-make-to-build"
	Revision = "invalid:-use-make-to-build"
)

func buildInfo() string {
	return fmt.Sprintf(
		"dirwatch version %s git revision %s go version %s go arch %s go os %s",
		Version,
		Revision,
		runtime.Version(),
		runtime.GOARCH,
		runtime.GOOS,
	)
}

func parseKinds(s string) (event.Op, error) {
	var mask event.Op
	for _, name := range strings.Split(s, ",") {
		switch strings.ToLower(strings.TrimSpace(name)) {
		case "create":
			mask |= event.Create
		case "modify":
			mask |= event.Modify
		case "delete":
			mask |= event.Delete
		case "overflow":
			mask |= event.Overflow
		case "":
		default:
			return 0, fmt.Errorf("unknown event kind %q", name)
		}
	}
	return mask, nil
}

func main() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "%s\n", buildInfo())
		fmt.Fprintf(os.Stderr, "\nUsage: dirwatch [options] directory...\n\n")
		flag.PrintDefaults()
	}
	flag.Parse()
	if *version {
		fmt.Println(buildInfo())
		os.Exit(0)
	}
	glog.Info(buildInfo())
	glog.Infof("Commandline: %q", os.Args)

	roots := flag.Args()
	if len(roots) == 0 {
		glog.Exitf("dirwatch requires one or more directories to watch; pass them as arguments.")
	}
	kindMask, err := parseKinds(*kinds)
	if err != nil || kindMask == 0 {
		glog.Exitf("Couldn't parse -kinds %q: %v", *kinds, err)
	}
	var mods []watch.Modifier
	if *recursive {
		mods = append(mods, watch.FileTree)
	}
	switch *sensitivity {
	case "high":
		mods = append(mods, watch.SensitivityHigh)
	case "medium":
		mods = append(mods, watch.SensitivityMedium)
	case "low":
		mods = append(mods, watch.SensitivityLow)
	default:
		glog.Exitf("Unknown -sensitivity %q; want high, medium or low.", *sensitivity)
	}

	if *traceSamplePeriod > 0 {
		trace.ApplyConfig(trace.Config{DefaultSampler: trace.ProbabilitySampler(1 / float64(*traceSamplePeriod))})
	}
	if *jaegerEndpoint != "" {
		je, err := jaeger.NewExporter(jaeger.Options{
			CollectorEndpoint: *jaegerEndpoint,
			Process: jaeger.Process{
				ServiceName: "dirwatch",
			},
		})
		if err != nil {
			glog.Exitf("Couldn't create jaeger exporter: %v", err)
		}
		trace.RegisterExporter(je)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigint := make(chan os.Signal, 1)
	signal.Notify(sigint, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigint
		glog.Infof("Received %+v, exiting...", sig)
		cancel()
	}()

	if *port != "" {
		prometheus.MustRegister(prometheus.NewExpvarCollector(map[string]*prometheus.Desc{
			"watch_record_count":           prometheus.NewDesc("dirwatch_record_count", "Native stream records processed.", nil, nil),
			"watch_recursive_rescan_count": prometheus.NewDesc("dirwatch_recursive_rescan_count", "Full subtree rescans performed.", nil, nil),
			"watch_overflow_count":         prometheus.NewDesc("dirwatch_overflow_count", "Directory reconciliations abandoned as overflowed.", nil, nil),
		}))
		http.Handle("/metrics", promhttp.Handler())
		go func() {
			addr := net.JoinHostPort(*address, *port)
			glog.Infof("Listening on %s", addr)
			if err := http.ListenAndServe(addr, nil); err != nil {
				glog.Error(err)
			}
		}()
	}

	registry, err := watch.New()
	if err != nil {
		glog.Exitf("Couldn't create watch registry: %v", err)
	}

	_, span := trace.StartSpan(ctx, "dirwatch.register")
	var wg sync.WaitGroup
	for _, root := range roots {
		q := queue.New(*queueSize)
		if _, err := registry.Register(root, kindMask, q, mods...); err != nil {
			span.End()
			glog.Exitf("Couldn't watch %q: %v", root, err)
		}
		wg.Add(1)
		go func(root string, q *queue.Queue) {
			defer wg.Done()
			for {
				it, err := q.Take(ctx)
				if err != nil {
					return
				}
				if it.Count > 1 {
					fmt.Printf("%s\t%v\t%s (x%d)\n", root, it.Op, it.Path, it.Count)
				} else {
					fmt.Printf("%s\t%v\t%s\n", root, it.Op, it.Path)
				}
			}
		}(root, q)
	}
	span.End()

	<-ctx.Done()
	if err := registry.Close(); err != nil {
		glog.Error(err)
	}
	wg.Wait()
	glog.Flush()
}
