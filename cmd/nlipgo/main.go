package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/peterh/liner"
	"github.com/spf13/cobra"

	"github.com/nlipgo-dev/nlipgo"
	"github.com/nlipgo-dev/nlipgo/envelope"
	"github.com/nlipgo-dev/nlipgo/router"
	"github.com/nlipgo-dev/nlipgo/transport"
)

// Version information (set via ldflags)
var Version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:     "nlipgo",
		Short:   "Inter-agent message protocol coordinator and workers",
		Version: Version,
	}
	root.AddCommand(newCoordinatorCmd(), newWorkerCmd(), newAskCmd())
	return root
}

func newCoordinatorCmd() *cobra.Command {
	var configFile string
	cmd := &cobra.Command{
		Use:   "coordinator",
		Short: "Run the coordinator process",
		RunE: func(_ *cobra.Command, _ []string) error {
			log.Printf("Starting nlipgo coordinator v%s (config: %s)", Version, configFile)
			return nlipgo.Run(configFile)
		},
	}
	cmd.Flags().StringVarP(&configFile, "config", "c", "config/coordinator.yaml", "configuration file")
	return cmd
}

func newWorkerCmd() *cobra.Command {
	var configFile string
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run a worker process",
		RunE: func(_ *cobra.Command, _ []string) error {
			log.Printf("Starting nlipgo worker v%s (config: %s)", Version, configFile)
			return nlipgo.Run(configFile)
		},
	}
	cmd.Flags().StringVarP(&configFile, "config", "c", "config/worker.yaml", "configuration file")
	return cmd
}

func newAskCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "ask [question]",
		Short: "Send a question to the coordinator",
		Long:  "Sends one question to the coordinator, or starts an interactive session when no question is given.",
		Args:  cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client := transport.NewClient()
			if len(args) > 0 {
				return ask(cmd.Context(), client, addr, strings.Join(args, " "))
			}
			return repl(cmd.Context(), client, addr)
		},
	}
	cmd.Flags().StringVarP(&addr, "addr", "a", "http://localhost:8012", "coordinator address")
	return cmd
}

func ask(ctx context.Context, client *transport.Client, addr, question string) error {
	reply, err := client.Send(ctx, addr, envelope.NewText(question))
	if err != nil {
		return err
	}
	fmt.Println(render(reply))
	return nil
}

func repl(ctx context.Context, client *transport.Client, addr string) error {
	line := liner.NewLiner()
	defer func() { _ = line.Close() }()
	line.SetCtrlCAborts(true)

	fmt.Printf("Connected to %s. Type a question, or 'exit' to quit.\n", addr)
	for {
		input, err := line.Prompt("nlip> ")
		if err != nil {
			// Ctrl-C or Ctrl-D ends the session.
			fmt.Println()
			return nil
		}
		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}
		if input == "exit" || input == "quit" {
			return nil
		}
		line.AppendHistory(input)

		if err := ask(ctx, client, addr, input); err != nil {
			fmt.Printf("error: %v\n", err)
		}
	}
}

// render formats a reply envelope for the terminal. Aggregate replies get
// their per-capability sections unpacked.
func render(reply *envelope.Envelope) string {
	agg, err := router.ParseAggregate(reply)
	if err != nil {
		return reply.Text()
	}

	var b strings.Builder
	if status := reply.Metadata[router.StatusMetadataKey]; status != "" {
		fmt.Fprintf(&b, "[%s]\n", status)
	}
	for capability, text := range agg.Results {
		fmt.Fprintf(&b, "\n== %s ==\n%s\n", capability, text)
	}
	for _, f := range agg.Failed {
		fmt.Fprintf(&b, "\n== %s ==\n(failed: %s)\n", f.Capability, f.ErrorKind)
	}
	return strings.TrimRight(b.String(), "\n")
}
