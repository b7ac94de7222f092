package main

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"os/signal"
	"slices"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"mini-jsonrpc/config"
	"mini-jsonrpc/dispatch"
	"mini-jsonrpc/message"
	"mini-jsonrpc/middleware"
	"mini-jsonrpc/registry"
	"mini-jsonrpc/server"
	"mini-jsonrpc/uri"
)

type serveOptions struct {
	*rootOptions
	listen  string
	stdio   bool
	workers int
}

func newServeCommand(root *rootOptions) *cobra.Command {
	opts := &serveOptions{rootOptions: root}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the example handlers over TCP or stdio",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("listen") {
				cfg.Listen = opts.listen
			}
			if cmd.Flags().Changed("workers") {
				cfg.Workers = opts.workers
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			return serve(cmd.Context(), cfg, opts.stdio)
		},
	}
	cmd.Flags().StringVar(&opts.listen, "listen", "", "listen address (overrides config)")
	cmd.Flags().BoolVar(&opts.stdio, "stdio", false, "serve a single peer on stdin/stdout")
	cmd.Flags().IntVar(&opts.workers, "workers", 0, "worker pool size per connection (overrides config)")
	return cmd
}

func serve(ctx context.Context, cfg config.Config, stdio bool) error {
	logger, err := cfg.Logger()
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, exit := context.WithCancel(ctx)
	defer exit()

	svr := server.NewServer(
		server.WithName(cfg.Service),
		server.WithLogger(logger),
		server.WithWorkers(cfg.Workers),
		server.WithTTL(cfg.Etcd.TTL),
		server.WithGuard(func(d *dispatch.Dispatcher) dispatch.Guard {
			return middleware.Chain(
				middleware.Logging(logger),
				middleware.NewLifecycle(d, logger).Guard(),
				rateLimit(cfg.RateLimit, d, logger),
			)
		}),
	)
	svr.Handle(func(d *dispatch.Dispatcher) {
		registerExamples(d, func() {
			if stdio {
				exit()
				return
			}
			_ = d.Close()
		})
	})

	if stdio {
		// exit cancels ctx; that is the normal way out.
		if err := svr.ServeStdio(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	}

	var reg registry.Registry
	if len(cfg.Etcd.Endpoints) > 0 {
		etcdReg, err := registry.NewEtcdRegistry(cfg.Etcd.Endpoints, logger)
		if err != nil {
			return err
		}
		defer etcdReg.Close()
		reg = etcdReg
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := svr.ListenAndServe("tcp", cfg.Listen, cfg.Advertise, reg)
		if errors.Is(err, server.ErrServerClosed) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		<-ctx.Done()
		logger.Info("shutting down")
		return svr.Shutdown(5 * time.Second)
	})
	return g.Wait()
}

func rateLimit(rl config.RateLimit, d *dispatch.Dispatcher, logger *zap.Logger) dispatch.Guard {
	if rl.Rate <= 0 {
		return nil
	}
	return middleware.RateLimit(d, rl.Rate, rl.Burst, logger)
}

type initializeParams struct {
	RootURI uri.URI `json:"rootUri"`
}

type initializeResult struct {
	ServerInfo   serverInfo `json:"serverInfo"`
	Capabilities []string   `json:"capabilities"`
	RootPath     string     `json:"rootPath,omitempty"`
}

type textDocumentItem struct {
	URI        uri.URI `json:"uri"`
	LanguageID string  `json:"languageId"`
	Version    int     `json:"version"`
	Text       string  `json:"text"`
}

type didOpenParams struct {
	TextDocument textDocumentItem `json:"textDocument"`
}

type documentSummary struct {
	URI     uri.URI `json:"uri"`
	Path    string  `json:"path,omitempty"`
	Version int     `json:"version"`
}

type serverInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type slowParams struct {
	Text    string `json:"text"`
	DelayMS int    `json:"delayMs"`
}

var (
	initializeMethod = message.RequestMethod[initializeParams, initializeResult]("initialize")
	shutdownMethod   = message.RequestMethod[message.NoParams, message.NoResult]("shutdown")
	exitMethod       = message.NotificationMethod[message.NoParams]("exit")
	echoMethod       = message.RequestMethod[json.RawMessage, json.RawMessage]("echo")
	didOpenMethod    = message.NotificationMethod[didOpenParams]("textDocument/didOpen")
	documentsMethod  = message.RequestMethod[message.NoParams, []documentSummary]("example/documents")
)

const version = "0.1.0"

// registerExamples installs the demonstration handlers. onExit runs when the
// peer sends exit.
func registerExamples(d *dispatch.Dispatcher, onExit func()) {
	dispatch.HandleRequest(d, initializeMethod, func(_ context.Context, p initializeParams) (initializeResult, error) {
		result := initializeResult{
			ServerInfo:   serverInfo{Name: "mini-jsonrpc", Version: version},
			Capabilities: d.Methods(),
		}
		if p.RootURI.IsFile() {
			root, err := p.RootURI.Filename()
			if err != nil {
				return initializeResult{}, message.Errorf(message.CodeInvalidParams, "rootUri: %v", err)
			}
			result.RootPath = root
		}
		return result, nil
	})

	// Open documents, keyed by URI; escape case differences do not matter.
	var (
		docsMu sync.Mutex
		docs   = make(map[uri.URI]textDocumentItem)
	)
	dispatch.HandleNotification(d, didOpenMethod, func(_ context.Context, p didOpenParams) error {
		if !p.TextDocument.URI.IsValid() {
			return message.NewError(message.CodeInvalidParams, "textDocument.uri is required")
		}
		docsMu.Lock()
		defer docsMu.Unlock()
		docs[p.TextDocument.URI] = p.TextDocument
		return nil
	})
	dispatch.HandleRequestNoParams(d, documentsMethod, func(context.Context) ([]documentSummary, error) {
		docsMu.Lock()
		defer docsMu.Unlock()
		out := make([]documentSummary, 0, len(docs))
		for u, doc := range docs {
			summary := documentSummary{URI: u, Version: doc.Version}
			if u.IsFile() {
				summary.Path, _ = u.Filename()
			}
			out = append(out, summary)
		}
		slices.SortFunc(out, func(a, b documentSummary) int {
			return strings.Compare(a.URI.String(), b.URI.String())
		})
		return out, nil
	})
	dispatch.HandleRequestNoParams(d, shutdownMethod, func(context.Context) (message.NoResult, error) {
		return message.NoResult{}, nil
	})
	dispatch.HandleNotificationNoParams(d, exitMethod, func(context.Context) error {
		onExit()
		return nil
	})
	dispatch.HandleRequest(d, echoMethod, func(_ context.Context, params json.RawMessage) (json.RawMessage, error) {
		return params, nil
	})

	// Runs on the worker pool, so a slow call does not hold up the read loop.
	d.AddAsync("example/slowEcho", middleware.Timeout(10*time.Second, func(_ context.Context, params json.RawMessage) dispatch.Async[any] {
		return func(ctx context.Context) (any, error) {
			var p slowParams
			if err := json.Unmarshal(params, &p); err != nil {
				return nil, message.Errorf(message.CodeInvalidParams, "invalid params: %v", err)
			}
			select {
			case <-time.After(time.Duration(p.DelayMS) * time.Millisecond):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			id, _ := dispatch.CurrentRequestID(ctx)
			return map[string]string{"text": p.Text, "request": id.String()}, nil
		}
	}))
}
