// replaycheck probes an NVR replay base URL from the command line. Useful
// when a lot's captures stall and the question is whether the recorder
// answers at all.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/technosupport/ts-parkops/internal/capture"
	"github.com/technosupport/ts-parkops/internal/replay"
)

func main() {
	timeout := flag.Duration("timeout", 5*time.Second, "probe timeout")
	flag.Parse()

	if flag.NArg() != 1 {
		fmt.Fprintf(os.Stderr, "usage: replaycheck [-timeout d] <replay-base-or-url>\n")
		os.Exit(2)
	}
	rawURL := flag.Arg(0)

	if parsed, err := replay.ParseURL(rawURL); err == nil {
		fmt.Printf("channel=%s window=[%d, %d] mode=%s\n",
			parsed.Channel, parsed.StartTS, parsed.EndTS, parsed.Mode)
		rawURL = parsed.Base
	}
	if host := replay.HostOf(rawURL); host != "" {
		fmt.Printf("nvr=%s\n", host)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout+2*time.Second)
	defer cancel()

	status, err := capture.ProbeReplayBase(ctx, rawURL, *timeout)
	if err != nil {
		log.Printf("probe error: %v", err)
	}
	fmt.Printf("status=%s\n", status)

	if status != capture.ProbeOnline {
		os.Exit(1)
	}
}
