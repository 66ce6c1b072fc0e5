package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"net/http"
	"os"
	"slices"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ultrakipen/netcore"
)

func newGetCmd(c *cli) *cobra.Command {
	var (
		noCache bool
		tier    string
		include bool
		headers []string
	)
	cmd := &cobra.Command{
		Use:   "get <url>",
		Short: "Fetch a resource through the deduplicator and response cache",
		Long: `Fetch a resource. Identical concurrent reads share one request and
successful responses are cached for the selected tier.

Examples:
  netcore get https://api.example.com/posts
  netcore get --tier long --base-url https://api.example.com /categories`,
		Args:    cobra.ExactArgs(1),
		PreRunE: c.setup,
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := netcore.ParseCacheTier(tier)
			if err != nil {
				return err
			}
			header, err := parseHeaders(headers)
			if err != nil {
				return err
			}
			resp, err := c.pipeline.Read(cmd.Context(), &netcore.Request{
				Method:  http.MethodGet,
				URL:     args[0],
				Header:  header,
				Tier:    t,
				NoCache: noCache,
			})
			if err != nil {
				return err
			}
			return writeResponse(cmd.OutOrStdout(), resp, include)
		},
	}
	cmd.Flags().BoolVar(&noCache, "no-cache", false, "Bypass the response cache")
	cmd.Flags().StringVar(&tier, "tier", "", "Cache tier: short, medium, long or very_long")
	cmd.Flags().BoolVarP(&include, "include", "i", false, "Print the status line and headers")
	cmd.Flags().StringArrayVarP(&headers, "header", "H", nil, `Extra header as "Name: value" (repeatable)`)
	return cmd
}

func newSendCmd(c *cli) *cobra.Command {
	var (
		method      string
		data        string
		headers     []string
		invalidates []string
		allowRetry  bool
		include     bool
	)
	cmd := &cobra.Command{
		Use:     "send <url>",
		Aliases: []string{"post"},
		Short:   "Send a write, queueing it if the server is unreachable",
		Long: `Send a mutating request. If the server cannot be reached the write is
stored in the offline queue and replayed later by "netcore queue sync" or
"netcore watch".

--data accepts a literal body or @path to read the body from a file.

Examples:
  netcore send -d '{"title":"hello"}' https://api.example.com/posts
  netcore send -X DELETE --invalidate /posts https://api.example.com/posts/7`,
		Args:    cobra.ExactArgs(1),
		PreRunE: c.setup,
		RunE: func(cmd *cobra.Command, args []string) error {
			method = strings.ToUpper(method)
			switch method {
			case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
			default:
				return fmt.Errorf("unsupported write method %q", method)
			}
			body, err := readBody(data)
			if err != nil {
				return err
			}
			header, err := parseHeaders(headers)
			if err != nil {
				return err
			}
			if len(body) > 0 && header.Get("Content-Type") == "" && json.Valid(body) {
				header.Set("Content-Type", "application/json")
			}

			res, err := c.pipeline.Write(cmd.Context(), &netcore.Request{
				Method:      method,
				URL:         args[0],
				Header:      header,
				Body:        body,
				Invalidates: invalidates,
				AllowRetry:  allowRetry,
			})
			if err != nil {
				return err
			}
			if res.Queued {
				cmd.Printf("queued %s\n", res.QueueID)
				return nil
			}
			return writeResponse(cmd.OutOrStdout(), res.Response, include)
		},
	}
	cmd.Flags().StringVarP(&method, "method", "X", http.MethodPost, "Write method: POST, PUT, PATCH or DELETE")
	cmd.Flags().StringVarP(&data, "data", "d", "", "Request body, or @path to read it from a file")
	cmd.Flags().StringArrayVarP(&headers, "header", "H", nil, `Extra header as "Name: value" (repeatable)`)
	cmd.Flags().StringSliceVar(&invalidates, "invalidate", nil, "Cache key patterns to drop after success")
	cmd.Flags().BoolVar(&allowRetry, "allow-retry", false, "Retry non-idempotent methods on transient failures")
	cmd.Flags().BoolVarP(&include, "include", "i", false, "Print the status line and headers")
	return cmd
}

func readBody(data string) ([]byte, error) {
	path, ok := strings.CutPrefix(data, "@")
	if !ok {
		return []byte(data), nil
	}
	body, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read body: %w", err)
	}
	return body, nil
}

func parseHeaders(raw []string) (http.Header, error) {
	header := make(http.Header, len(raw))
	for _, h := range raw {
		name, value, ok := strings.Cut(h, ":")
		if !ok || strings.TrimSpace(name) == "" {
			return nil, fmt.Errorf("invalid header %q, expected \"Name: value\"", h)
		}
		header.Add(strings.TrimSpace(name), strings.TrimSpace(value))
	}
	return header, nil
}

// writeResponse prints the body, indenting JSON. With include the status
// line and sorted headers come first.
func writeResponse(w io.Writer, resp *netcore.Response, include bool) error {
	if resp == nil {
		return nil
	}
	if include {
		if _, err := fmt.Fprintf(w, "%d %s\n", resp.StatusCode, http.StatusText(resp.StatusCode)); err != nil {
			return err
		}
		for _, name := range slices.Sorted(maps.Keys(resp.Header)) {
			for _, v := range resp.Header[name] {
				if _, err := fmt.Fprintf(w, "%s: %s\n", name, v); err != nil {
					return err
				}
			}
		}
		if _, err := fmt.Fprintln(w); err != nil {
			return err
		}
	}

	body := resp.Body
	if json.Valid(body) {
		var buf bytes.Buffer
		if err := json.Indent(&buf, body, "", "  "); err == nil {
			body = buf.Bytes()
		}
	}
	if _, err := w.Write(body); err != nil {
		return err
	}
	if len(body) > 0 && body[len(body)-1] != '\n' {
		_, err := fmt.Fprintln(w)
		return err
	}
	return nil
}
