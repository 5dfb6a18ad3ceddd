package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

// client calls the operator API and prints JSON responses.
type client struct {
	base  string
	token string
	http  *http.Client
	out   io.Writer
}

func newRootCmd() *cobra.Command {
	c := &client{http: &http.Client{Timeout: 30 * time.Second}}
	root := &cobra.Command{
		Use:          "wardenctl",
		Short:        "Operate a Warden admission engine",
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, _ []string) {
			c.out = cmd.OutOrStdout()
		},
	}
	root.PersistentFlags().StringVar(&c.base, "server", envOr("WARDEN_URL", "http://localhost:8080"), "Warden base URL")
	root.PersistentFlags().StringVar(&c.token, "token", os.Getenv("WARDEN_TOKEN"), "operator bearer token")

	root.AddCommand(
		rateLimitCmd(c),
		ddosCmd(c),
		abuseCmd(c),
		listsCmd(c),
		alertsCmd(c),
		escalationCmd(c),
		tokenCmd(),
	)
	return root
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// do sends one request under /api/v1. Non-2xx responses become errors
// carrying the API's error message.
func (c *client) do(ctx context.Context, method, path string, query url.Values, body any) error {
	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		rdr = bytes.NewReader(b)
	}
	u := strings.TrimRight(c.base, "/") + "/api/v1" + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u, rdr)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var e struct {
			Error string `json:"error"`
		}
		msg := strings.TrimSpace(string(raw))
		if json.Unmarshal(raw, &e) == nil && e.Error != "" {
			msg = e.Error
		}
		return fmt.Errorf("%s %s: %d %s", method, path, resp.StatusCode, msg)
	}

	var pretty bytes.Buffer
	if json.Indent(&pretty, raw, "", "  ") == nil {
		pretty.WriteByte('\n')
		_, err = c.out.Write(pretty.Bytes())
		return err
	}
	_, err = c.out.Write(raw)
	return err
}
