// Command ggstack assembles a Golden Gate stack from a descriptor string
// and a role, and runs its event loop until interrupted. It is a thin
// operational shell around package stack: CLI flag parsing, diagnostics
// and metrics wiring, not part of the core this repository implements.
package main

import (
	"context"
	"flag"
	"log"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/m-lab/go/rtx"

	"github.com/ggiot/stack/diagnostics"
	"github.com/ggiot/stack/event"
	gg "github.com/ggiot/stack/gattlink"
	"github.com/ggiot/stack/loop"
	"github.com/ggiot/stack/metrics"
	ggstack "github.com/ggiot/stack/stack"
)

var (
	descriptor  = flag.String("descriptor", "DSNGA", "stack element descriptor, top to bottom (e.g. DSNGA)")
	role        = flag.String("role", "hub", "stack role: hub or node, selects default local/remote addresses")
	tunName     = flag.String("tun", "", "TUN device name for the network interface element (empty disables real TUN I/O)")
	udpBind     = flag.String("udp-bind", "", "host:port to bind the datagram socket element to (empty disables real UDP I/O)")
	promPort    = flag.Int("prom-port", 0, "port to export prometheus metrics on (0 disables)")
	eventLogDir = flag.String("event-log-dir", "", "directory for per-session diagnostic CSV files (empty disables)")
	txWindow    = flag.Int("tx-window", int(ggstack.DefaultTxWindow), "Gattlink max tx window (1..31)")
	rxWindow    = flag.Int("rx-window", int(ggstack.DefaultRxWindow), "Gattlink max rx window (1..31)")
	pollMs      = flag.Int("poll-interval-ms", 10, "how often the loop is polled and the virtual clock advanced")
)

// sessionCookie identifies this process's single Gattlink session for
// diagnostic logging purposes; a multi-session host would derive one per
// accepted connection instead.
var sessionCookie = uint64(time.Now().UnixNano())

func main() {
	flag.Parse()
	metrics.SetupPrometheus(*promPort)

	r := ggstack.RoleHub
	if *role == "node" {
		r = ggstack.RoleNode
	}

	l := loop.New()
	scheduler := loop.NewScheduler()

	params := ggstack.Params{
		Role: r,
		SessionConfig: gg.SessionConfig{
			MaxTxWindow: uint8(*txWindow),
			MaxRxWindow: uint8(*rxWindow),
		},
		Netif: ggstack.NetifConfig{Name: *tunName},
	}
	if *udpBind != "" {
		addr, err := net.ResolveUDPAddr("udp", *udpBind)
		rtx.Must(err, "could not resolve -udp-bind address %q", *udpBind)
		params.Socket = ggstack.SocketConfig{BindAddr: addr}
	}

	st, err := ggstack.Build(l, scheduler, *descriptor, params)
	rtx.Must(err, "could not build stack for descriptor %q", *descriptor)
	defer st.Destroy()

	var eventLog *diagnostics.EventLog
	if *eventLogDir != "" {
		eventLog = diagnostics.NewEventLog(*eventLogDir, 4)
		defer eventLog.Close()
		metrics.EventLogFileCount.Inc()
		st.SetListener(event.ListenerFunc(func(e event.Event) {
			rec := diagnostics.RecordFromEvent(e, "", 0, 0, 0)
			if logErr := eventLog.Log(sessionCookie, rec); logErr != nil {
				log.Println("ggstack: event log write failed:", logErr)
			}
		}))
	}

	rtx.Must(st.Start(), "could not start stack")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ticker := time.NewTicker(time.Duration(*pollMs) * time.Millisecond)
	defer ticker.Stop()
	start := time.Now()
	for {
		select {
		case <-ctx.Done():
			log.Println("ggstack: shutting down")
			return
		case <-ticker.C:
			scheduler.SetTime(uint32(time.Since(start).Milliseconds()))
			l.Poll()
		}
	}
}
