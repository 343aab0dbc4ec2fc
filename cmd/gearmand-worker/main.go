// gearmand-worker registers demo abilities and consumes jobs until
// interrupted, or until -count jobs have run when -count is positive.
package main

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"

	"github.com/zy643208/gearmand/pkg/api"
	"github.com/zy643208/gearmand/pkg/config"
	"github.com/zy643208/gearmand/pkg/observability"
	"github.com/zy643208/gearmand/pkg/session"
	"github.com/zy643208/gearmand/pkg/worker"
)

func main() {
	cfgPath := flag.String("config", "", "config file path (yaml)")
	servers := flag.String("servers", "", "comma-separated job server list (overrides config)")
	id := flag.String("id", "gearmand-worker", "worker id reported to servers")
	count := flag.Int("count", 0, "number of jobs to run before exiting, 0 for forever")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fatalf("config: %v", err)
	}
	logger, err := observability.Setup(cfg.Log)
	if err != nil {
		fatalf("logger: %v", err)
	}
	defer logger.Sync()

	list := cfg.Servers
	if *servers != "" {
		list = strings.Split(*servers, ",")
	}

	s := session.New()
	defer s.Free()
	s.SetLogFn(observability.LogFn(logger))
	s.SetVerbose(api.VerboseInfo)
	s.SetTimeout(cfg.TimeoutMS)
	for _, addr := range list {
		host, port := splitAddr(strings.TrimSpace(addr))
		s.AddServer(host, port)
	}

	w := worker.New(s)
	if err := w.SetID(*id); err != nil {
		fatalf("set id: %v (%s)", err, s.LastError())
	}
	register(w, logger)

	for done := 0; *count == 0 || done < *count; done++ {
		if err := w.Work(); err != nil {
			fatalf("work: %v (%s)", err, s.LastError())
		}
	}
}

func register(w *worker.Worker, logger *zap.Logger) {
	must := func(err error) {
		if err != nil {
			fatalf("register: %v", err)
		}
	}
	must(w.Register("reverse", 0, func(j *worker.Job) ([]byte, error) {
		logger.Info("reversing", zap.String("handle", j.Handle), zap.Int("bytes", len(j.Workload)))
		out := make([]byte, len(j.Workload))
		for i, b := range j.Workload {
			out[len(out)-1-i] = b
		}
		return out, nil
	}))
	must(w.Register("echo", 0, func(j *worker.Job) ([]byte, error) {
		return j.Workload, nil
	}))
}

func splitAddr(addr string) (string, int) {
	host, port := addr, 4730
	if i := strings.LastIndex(addr, ":"); i >= 0 {
		host = addr[:i]
		fmt.Sscanf(addr[i+1:], "%d", &port)
	}
	if host == "" {
		host = "localhost"
	}
	return host, port
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
