// Command endpoint runs or talks to a JSON-RPC endpoint.
//
//	endpoint serve --config endpoint.yaml        # TCP, optionally advertised in etcd
//	endpoint serve --stdio                       # one peer over stdin/stdout
//	endpoint call echo '{"text":"hi"}' --addr 127.0.0.1:7070
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"mini-jsonrpc/config"
)

// rootOptions holds flags shared by every command.
type rootOptions struct {
	configPath string
	verbose    bool
}

// load reads the config file when one is given and applies --verbose.
func (o *rootOptions) load() (config.Config, error) {
	cfg := config.Default()
	if o.configPath != "" {
		var err error
		if cfg, err = config.Load(o.configPath); err != nil {
			return cfg, err
		}
	}
	if o.verbose {
		cfg.Log.Level = "debug"
	}
	return cfg, nil
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:           "endpoint",
		Short:         "JSON-RPC 2.0 endpoint",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "YAML config file")
	cmd.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "debug logging")

	cmd.AddCommand(newServeCommand(opts))
	cmd.AddCommand(newCallCommand(opts))
	return cmd
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "endpoint:", err)
		os.Exit(1)
	}
}
