// Command nlcollect periodically dumps every TCP socket's inet_diag
// state over a netlink socket and logs the number of sockets collected
// per cycle (and, with -verbose, one line per connection), the way the teacher's tcp-info collector polled
// SOCK_DIAG_BY_FAMILY, but built entirely on this module's schema/
// marshal/nlsock stack instead of hand-unpacked C structs.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/m-lab/go/flagx"
	"github.com/m-lab/go/prometheusx"
	"github.com/m-lab/go/rtx"

	"github.com/m-lab/netlinkit/family/inetdiag"
	"github.com/m-lab/netlinkit/message"
	"github.com/m-lab/netlinkit/metrics"
	"github.com/m-lab/netlinkit/nlsock"
	"github.com/m-lab/netlinkit/schema"
)

func init() {
	// Always prepend the filename and line number.
	log.SetFlags(log.LstdFlags | log.Lshortfile)
}

var (
	reps     = flag.Int("reps", 0, "How many dump cycles to run, 0 means continuous")
	interval = flag.Duration("interval", time.Second, "Time between dump cycles")
	promPort = flag.String("prom", ":9090", "Prometheus metrics export address and port")
	verbose  = flag.Bool("verbose", false, "Log one line per connection instead of just the per-cycle count")
)

func main() {
	flag.Parse()
	flagx.ArgsFromEnv(flag.CommandLine)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	promSrv := prometheusx.MustStartPrometheus(*promPort)
	defer promSrv.Shutdown(ctx)

	sock, err := nlsock.New(unix.NETLINK_INET_DIAG)
	rtx.Must(err, "Could not open an inet_diag netlink socket")
	defer sock.Close()
	rtx.Must(sock.Bind(0, 0), "Could not bind the inet_diag netlink socket")
	sock.Marshal().Register(inetdiag.MessageType, inetdiag.FamilySchema)

	run(ctx, sock, *reps, *interval)
}

// run dumps every AF_INET and AF_INET6 TCP socket once per interval,
// until ctx is cancelled or reps cycles have completed (0 meaning
// forever), mirroring the teacher collector.Run loop's shape.
func run(ctx context.Context, sock *nlsock.Socket, reps int, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for loops := 0; reps == 0 || loops < reps; loops++ {
		start := time.Now()
		total := 0
		for _, af := range []uint8{unix.AF_INET, unix.AF_INET6} {
			n, err := dumpOnce(sock, af)
			if err != nil {
				metrics.ErrorCount.WithLabelValues("dump").Inc()
				log.Printf("dump(af=%d): %v", af, err)
				continue
			}
			total += n
			metrics.ConnectionCountHistogram.WithLabelValues(familyName(af)).Observe(float64(n))
		}
		metrics.PollingHistogram.Observe(time.Since(start).Seconds())
		log.Printf("collected %d sockets in %v", total, time.Since(start))

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// dumpOnce issues one SOCK_DIAG_BY_FAMILY dump request for af and logs
// each returned connection when -verbose is set, returning the number of
// connections seen (spec.md scenario S1: put(..., REQUEST|DUMP) then
// get(seq) yields RTM_NEWLINK-equivalent messages followed by
// NLMSG_DONE).
func dumpOnce(sock *nlsock.Socket, af uint8) (int, error) {
	body, err := inetdiag.BuildDumpRequest(af)
	if err != nil {
		return 0, err
	}
	msgs, err := sock.NlmRequest(message.Header{Type: inetdiag.MessageType}, body, message.NLM_F_DUMP, 10*time.Second)
	if err != nil {
		return 0, err
	}

	count := 0
	for _, m := range msgs {
		if m.Header.Type == message.NLMSG_DONE || m.Header.Type == message.NLMSG_ERROR {
			continue
		}
		count++
		if *verbose {
			logConnection(m)
		}
	}
	return count, nil
}

func logConnection(m *message.Message) {
	if m.Body == nil {
		return
	}
	sockID, ok := m.Body.Get("ID")
	if !ok {
		return
	}
	sv, ok := sockID.(*schema.StructValue)
	if !ok {
		return
	}
	src, dst, err := inetdiag.SrcDstAddrs(sv)
	if err != nil {
		return
	}
	stateVal, _ := m.Body.Get("IDiagState")
	state := inetdiag.State(0)
	if v, ok := stateVal.(uint8); ok {
		state = inetdiag.State(v)
	}
	sport, _ := sv.Get("IDiagSPort")
	dport, _ := sv.Get("IDiagDPort")
	log.Printf("%s:%v -> %s:%v [%s]", src, sport, dst, dport, state)
}

func familyName(af uint8) string {
	switch af {
	case unix.AF_INET:
		return "4"
	case unix.AF_INET6:
		return "6"
	default:
		return "unknown"
	}
}
