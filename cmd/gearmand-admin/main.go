// gearmand-admin queries a job server over the text administrative
// protocol and prints the reply as text, yaml, or json.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/zy643208/gearmand/pkg/admin"
)

func main() {
	addr := flag.String("addr", "localhost:4730", "job server address")
	timeout := flag.Duration("timeout", 5*time.Second, "dial/read timeout")
	format := flag.String("format", "text", "output format: text|yaml|json")
	flag.Parse()

	cmd := "status"
	if flag.NArg() > 0 {
		cmd = flag.Arg(0)
	}

	c := admin.New(*addr, *timeout)
	defer c.Close()

	switch cmd {
	case "status":
		rows, err := c.Status()
		if err != nil {
			fatalf("status: %v", err)
		}
		if *format == "text" {
			for _, r := range rows {
				fmt.Printf("%s\t%d\t%d\t%d\n", r.Function, r.Total, r.Running, r.Workers)
			}
			return
		}
		emit(*format, rows)

	case "workers":
		rows, err := c.Workers()
		if err != nil {
			fatalf("workers: %v", err)
		}
		if *format == "text" {
			for _, r := range rows {
				fmt.Printf("%d %s %s : %s\n", r.FD, r.Address, r.ClientID, strings.Join(r.Functions, " "))
			}
			return
		}
		emit(*format, rows)

	case "version":
		v, err := c.Version()
		if err != nil {
			fatalf("version: %v", err)
		}
		fmt.Println(v)

	case "maxqueue":
		if flag.NArg() < 2 {
			fatalf("usage: gearmand-admin maxqueue <function> [size]")
		}
		size := -1
		if flag.NArg() > 2 {
			fmt.Sscanf(flag.Arg(2), "%d", &size)
		}
		if err := c.MaxQueue(flag.Arg(1), size); err != nil {
			fatalf("maxqueue: %v", err)
		}

	case "shutdown":
		graceful := flag.NArg() > 1 && flag.Arg(1) == "graceful"
		if err := c.Shutdown(graceful); err != nil {
			fatalf("shutdown: %v", err)
		}

	default:
		fatalf("unknown command %q (want status|workers|version|maxqueue|shutdown)", cmd)
	}
}

func emit(format string, v any) {
	switch format {
	case "yaml":
		out, err := yaml.Marshal(v)
		if err != nil {
			fatalf("encode: %v", err)
		}
		os.Stdout.Write(out)
	case "json":
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(v); err != nil {
			fatalf("encode: %v", err)
		}
	default:
		fatalf("unknown format %q", format)
	}
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
