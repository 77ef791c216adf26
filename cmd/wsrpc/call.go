package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/spf13/cobra"

	"github.com/rickgao/wsrpc/internal/connection"
)

type callOptions struct {
	url       string
	notify    bool
	subscribe bool
	headers   []string
}

func callCmd(opts *rootOptions) *cobra.Command {
	co := &callOptions{}

	cmd := &cobra.Command{
		Use:   "call <method> [params-json]",
		Short: "Call a method on a wsrpc server",
		Long: `Send one notification, request or subscription and print the
result. Subscription values are printed one JSON document per line.`,
		Example: `  wsrpc call echo '{"hello":"world"}'
  wsrpc call sum '[1,2,3]'
  wsrpc call --subscribe count '{"n":5,"interval":"200ms"}'
  wsrpc call --notify log '"hi"'`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCall(cmd, opts, co, args)
		},
	}
	cmd.Flags().StringVar(&co.url, "url", "", "server URL (overrides client.url)")
	cmd.Flags().BoolVar(&co.notify, "notify", false, "send a notification, expect no reply")
	cmd.Flags().BoolVar(&co.subscribe, "subscribe", false, "subscribe and print values until the stream ends")
	cmd.Flags().StringArrayVarP(&co.headers, "header", "H", nil, "handshake header as key=value (repeatable)")
	cmd.MarkFlagsMutuallyExclusive("notify", "subscribe")
	return cmd
}

func runCall(cmd *cobra.Command, opts *rootOptions, co *callOptions, args []string) error {
	cfg, err := opts.load()
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg.Log.Level)
	if err != nil {
		return err
	}

	cc := clientConfig(cfg.Client)
	if co.url != "" {
		cc.URL = co.url
	}
	if cc.Header, err = parseHeaders(co.headers); err != nil {
		return err
	}

	method := args[0]
	var params json.RawMessage
	if len(args) == 2 {
		if !json.Valid([]byte(args[1])) {
			return fmt.Errorf("params are not valid JSON: %s", args[1])
		}
		params = json.RawMessage(args[1])
	}

	client := connection.NewClient(cc, logger)
	defer client.Close()

	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	switch {
	case co.notify:
		return client.Notify(ctx, method, params)

	case co.subscribe:
		for v, err := range client.Stream(ctx, method, params) {
			if err != nil {
				return describe(err)
			}
			fmt.Fprintln(out, string(v))
		}
		return nil

	default:
		var result json.RawMessage
		if err := client.Request(ctx, method, params, &result); err != nil {
			return describe(err)
		}
		fmt.Fprintln(out, string(result))
		return nil
	}
}

// describe prefixes err with its category.
func describe(err error) error {
	return fmt.Errorf("%s error: %w", connection.CategoryOf(err), err)
}

func parseHeaders(kvs []string) (http.Header, error) {
	if len(kvs) == 0 {
		return nil, nil
	}
	h := make(http.Header, len(kvs))
	for _, kv := range kvs {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || strings.TrimSpace(key) == "" {
			return nil, fmt.Errorf("invalid header %q, want key=value", kv)
		}
		h.Add(strings.TrimSpace(key), value)
	}
	return h, nil
}
