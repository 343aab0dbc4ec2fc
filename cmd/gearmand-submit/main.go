// gearmand-submit submits one job and, for background submits, polls its
// status until the server forgets it.
package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/zy643208/gearmand/pkg/api"
	"github.com/zy643208/gearmand/pkg/client"
	"github.com/zy643208/gearmand/pkg/session"
)

func main() {
	host := flag.String("host", "localhost", "job server host")
	port := flag.Int("port", 4730, "job server port")
	timeout := flag.Int("timeout", -1, "timeout in milliseconds, -1 for infinite")
	function := flag.String("function", "reverse", "function to submit to")
	unique := flag.String("unique", "", "unique id (defaults to a fresh UUID)")
	background := flag.Bool("background", false, "submit as a background job")
	epoch := flag.Int64("epoch", 0, "seconds forward in time for the job to run (implies background)")
	high := flag.Bool("high", false, "submit with high priority")
	low := flag.Bool("low", false, "submit with low priority")
	text := flag.String("text", "", "workload text (stdin when empty)")
	flag.Parse()

	logger, _ := zap.NewDevelopment()
	zap.ReplaceGlobals(logger)
	defer logger.Sync()

	workload := []byte(*text)
	if len(workload) == 0 {
		in, err := io.ReadAll(os.Stdin)
		if err != nil || len(in) == 0 {
			fatalf("no workload given via --text or stdin")
		}
		workload = in
	}

	prio := api.PriorityNormal
	switch {
	case *high:
		prio = api.PriorityHigh
	case *low:
		prio = api.PriorityLow
	}

	s := session.New()
	defer s.Free()
	s.AddServer(*host, *port)
	if *timeout >= 0 {
		s.SetTimeout(*timeout)
	}
	cl := client.New(s)

	sched := client.Schedule{Background: *background || *epoch > 0}
	if *epoch > 0 {
		sched.Epoch = time.Now().Unix() + *epoch
	}

	if !sched.Background {
		result, err := cl.Do(*function, *unique, workload, prio)
		if err != nil {
			fatalf("%v (%s)", err, s.LastError())
		}
		os.Stdout.Write(result)
		fmt.Println()
		return
	}

	t, err := cl.Submit(*function, *unique, workload, prio, sched)
	if err != nil {
		fatalf("%v (%s)", err, s.LastError())
	}
	fmt.Println("Background Job Handle=" + t.Handle)

	for {
		known, running, num, den, err := cl.JobStatus(t.Handle)
		if api.ShouldContinue(err) {
			continue
		}
		if api.Failed(err) {
			fatalf("%v (%s)", err, s.LastError())
		}
		fmt.Printf("Known=%v, Running=%v, Percent Complete=%d/%d\n", known, running, num, den)
		if !known {
			return
		}
		time.Sleep(time.Second)
	}
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
