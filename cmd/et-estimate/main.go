// Command et-estimate computes relay latency from traced interval ids.
//
// Usage:
//
//	et-estimate [flags] <trace.csv>
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"EchoTrace/internal/config"
	"EchoTrace/internal/estimator"
	"EchoTrace/internal/model"
	"EchoTrace/internal/sink"

	"github.com/spf13/cobra"
)

var opts struct {
	sourcePort uint16
	relayPort  uint16
	follow     bool
	interval   time.Duration
	out        string
	metrics    bool
}

var rootCmd = &cobra.Command{
	Use:   "et-estimate <trace.csv>",
	Short: "Estimate relay latency from explicit interval ids",
	Long: `Reads CSV traces of audio chunks and reports the latency between the first
sighting of each interval at the source port and its sightings at the relay port.

Accepted line forms:
  timestamp_ns,src_ip,src_port,dst_ip,dst_port,interval_id,position[,len]
  timestamp_ns,src_port,dst_port,interval_id,position`,
	Args:         cobra.ExactArgs(1),
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		var s model.Sink
		var textSink *sink.TextSink
		if opts.out != "" {
			ts, err := sink.NewTextSink(config.SinkDef{Type: "text", Text: config.TextConfig{Path: opts.out}})
			if err != nil {
				return err
			}
			textSink = ts
			s = ts
		}

		e := estimator.New(estimator.Options{SourcePort: opts.sourcePort, RelayPort: opts.relayPort}, s)
		if opts.follow {
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			if err := e.Follow(ctx, args[0], opts.interval); err != nil {
				return err
			}
		} else if _, err := e.ProcessFile(args[0]); err != nil {
			return err
		}
		if textSink != nil {
			textSink.Close()
		}

		out := cmd.OutOrStdout()
		report(out, e)
		if opts.metrics {
			return estimator.WriteMetrics(out, e.Measurements())
		}
		return nil
	},
}

func report(w io.Writer, e *estimator.Estimator) {
	s := e.Summary()
	if s.Count == 0 {
		fmt.Fprintln(w, "No latency measurements.")
		return
	}
	fmt.Fprintf(w, "Measurements: %d\n", s.Count)
	fmt.Fprintf(w, "Latency min/avg/max: %s / %s / %s\n", s.Min, s.Avg, s.Max)
	fmt.Fprintln(w, "Per interval:")
	for _, a := range e.IntervalAverages() {
		fmt.Fprintf(w, "  %s: %s (%d)\n", a.IntervalID, a.Avg, a.Count)
	}
}

func init() {
	f := rootCmd.Flags()
	f.Uint16Var(&opts.sourcePort, "source-port", estimator.DefaultSourcePort, "Port the source sends from")
	f.Uint16Var(&opts.relayPort, "relay-port", estimator.DefaultRelayPort, "Port the relay receives on")
	f.BoolVarP(&opts.follow, "follow", "f", false, "Keep reading lines appended to the trace file")
	f.DurationVar(&opts.interval, "interval", 100*time.Millisecond, "Poll interval in follow mode")
	f.StringVarP(&opts.out, "out", "o", "", "Append latency observations to this file")
	f.BoolVar(&opts.metrics, "metrics", false, "Print measurements in Prometheus text format")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
