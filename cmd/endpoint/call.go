package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"mini-jsonrpc/client"
	"mini-jsonrpc/dispatch"
	"mini-jsonrpc/loadbalance"
	"mini-jsonrpc/registry"
)

type callOptions struct {
	*rootOptions
	addr    string
	key     string
	notify  bool
	uuidIDs bool
	timeout time.Duration
	retries int
}

func newCallCommand(root *rootOptions) *cobra.Command {
	opts := &callOptions{rootOptions: root}

	cmd := &cobra.Command{
		Use:   "call <method> [params-json]",
		Short: "Send one request (or notification) and print the result",
		Long: `Send one request and print its result as JSON.

The endpoint is --addr, or else the configured service discovered through
etcd and picked with the configured balancer.

Example:
  endpoint call echo '{"text":"hi"}' --addr 127.0.0.1:7070
  endpoint call example/slowEcho '{"text":"hi","delayMs":500}' -c endpoint.yaml`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var params json.RawMessage
			if len(args) == 2 {
				if !json.Valid([]byte(args[1])) {
					return fmt.Errorf("params are not valid JSON: %s", args[1])
				}
				params = json.RawMessage(args[1])
			}
			return call(cmd, opts, args[0], params)
		},
	}
	cmd.Flags().StringVar(&opts.addr, "addr", "", "endpoint address; skips discovery")
	cmd.Flags().StringVar(&opts.key, "key", "", "affinity key for the consistent-hash balancer")
	cmd.Flags().BoolVar(&opts.notify, "notify", false, "send a notification instead of a request")
	cmd.Flags().BoolVar(&opts.uuidIDs, "uuid-ids", false, "use UUID request ids")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", 10*time.Second, "how long to wait for the response")
	cmd.Flags().IntVar(&opts.retries, "retries", 2, "dial retries when using discovery")
	return cmd
}

func call(cmd *cobra.Command, opts *callOptions, method string, params json.RawMessage) error {
	cfg, err := opts.load()
	if err != nil {
		return err
	}
	logger, err := cfg.Logger()
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
	defer cancel()

	dialOpts := []client.Option{client.WithLogger(logger)}
	if opts.uuidIDs {
		dialOpts = append(dialOpts, client.WithDispatchOptions(dispatch.WithUUIDRequestIDs()))
	}

	var conn *client.Conn
	if opts.addr != "" {
		conn, err = client.Dial(ctx, opts.addr, dialOpts...)
	} else {
		conn, err = discover(ctx, cfg.Etcd.Endpoints, cfg.Balancer, cfg.Service, opts, dialOpts)
	}
	if err != nil {
		return err
	}
	defer conn.Close()

	if opts.notify {
		return conn.Notify(method, params)
	}

	f, err := conn.Call(method, params)
	if err != nil {
		return err
	}
	result, err := f.Wait(ctx)
	if err != nil {
		return err
	}

	var out any
	if err := json.Unmarshal(result, &out); err != nil {
		return err
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

func discover(ctx context.Context, endpoints []string, balancer, service string, opts *callOptions, dialOpts []client.Option) (*client.Conn, error) {
	if len(endpoints) == 0 {
		return nil, errors.New("no --addr given and no etcd endpoints configured")
	}
	reg, err := registry.NewEtcdRegistry(endpoints, nil)
	if err != nil {
		return nil, err
	}
	defer reg.Close()

	bal, err := loadbalance.New(balancer)
	if err != nil {
		return nil, err
	}
	dialOpts = append(dialOpts, client.WithRetry(opts.retries, 100*time.Millisecond))
	return client.NewClient(reg, bal, dialOpts...).Dial(ctx, service, opts.key)
}
