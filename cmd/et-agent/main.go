// Command et-agent runs an EchoTrace node: it fingerprints audio streams,
// shares signatures with the fleet and matches them against local traffic.
//
// Usage:
//
//	et-agent run   [--config configs/config.yaml] [--exit-on-eof]
//	et-agent check [--config configs/config.yaml]
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"EchoTrace/internal/config"
	"EchoTrace/internal/engine/manager"
	_ "EchoTrace/internal/sink" // Registers text and clickhouse sinks
	"EchoTrace/internal/vad"

	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "et-agent",
	Short: "EchoTrace audio latency agent",
	Long: `EchoTrace measures one-way latency of audio relayed between vantage points.

Each node fingerprints the audio it sends, shares the fingerprints with the
fleet and reports latency when the same audio is observed again.`,
	SilenceUsage: true,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the agent until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		exitOnEOF, err := cmd.Flags().GetBool("exit-on-eof")
		if err != nil {
			return fmt.Errorf("failed to read 'exit-on-eof' flag: %w", err)
		}

		log.Println("Starting et-agent...")
		cfg, err := config.LoadConfig(configPath)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		log.Printf("Configuration loaded successfully for node '%s'.", cfg.Node)

		m, err := manager.NewManager(cfg)
		if err != nil {
			return fmt.Errorf("failed to create manager: %w", err)
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		if err := m.Start(ctx); err != nil {
			m.Stop()
			return fmt.Errorf("failed to start manager: %w", err)
		}

		var done <-chan struct{}
		if exitOnEOF {
			done = m.SourcesDone()
		}
		select {
		case <-ctx.Done():
			log.Println("Shutdown signal received, stopping agent...")
		case <-done:
			log.Println("All sources exhausted, stopping agent...")
		}
		m.Stop()

		for name, err := range m.Health() {
			log.Printf("Task '%s' ended with error: %v", name, err)
		}
		log.Println("Shutdown complete.")
		return nil
	},
}

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Validate the configuration and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadConfig(configPath)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "node: %s\n", cfg.Node)
		for _, m := range cfg.Measurements {
			state := "disabled"
			if m.Enabled {
				state = "enabled"
			}
			fmt.Fprintf(out, "measurement %s (%s): source=%s vad=%s sampling_rate=%d ttl=%ds max=%d\n",
				m.Name, state, m.Source.Type, vad.Describe(m.SignatureRules.AudioCriteria), m.SignatureRules.SamplingRate,
				m.Correlation.SignatureTTLSeconds, m.Correlation.MaxActiveSignatures)
		}
		fmt.Fprintf(out, "dissemination: transport=%s codec=%s capacity=%d\n",
			cfg.Dissemination.Transport, cfg.Dissemination.Codec, cfg.Dissemination.Capacity)
		fmt.Fprintf(out, "matcher: enabled=%v source=%s\n", cfg.Matcher.Enabled, cfg.Matcher.Source.Type)
		fmt.Fprintln(out, "configuration OK")
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "configs/config.yaml", "Path to the configuration file")
	runCmd.Flags().Bool("exit-on-eof", false, "Stop once every capture source is exhausted (pcap replay)")
	rootCmd.AddCommand(runCmd, checkCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
