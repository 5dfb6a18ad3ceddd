package main

import (
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/Wikid82/warden/internal/api/middleware"
	"github.com/Wikid82/warden/internal/config"
)

type subjectFlags struct {
	IP       string `json:"ip,omitempty"`
	APIKey   string `json:"api_key,omitempty"`
	Endpoint string `json:"endpoint,omitempty"`
}

func (s *subjectFlags) bind(cmd *cobra.Command) {
	cmd.Flags().StringVar(&s.IP, "ip", "", "client IP")
	cmd.Flags().StringVar(&s.APIKey, "key", "", "API key")
	cmd.Flags().StringVar(&s.Endpoint, "endpoint", "", "endpoint path")
}

func (s subjectFlags) query() url.Values {
	q := url.Values{}
	for k, v := range map[string]string{"ip": s.IP, "api_key": s.APIKey, "endpoint": s.Endpoint} {
		if v != "" {
			q.Set(k, v)
		}
	}
	return q
}

func rateLimitCmd(c *client) *cobra.Command {
	cmd := &cobra.Command{Use: "ratelimit", Short: "Sliding-window rate limiter"}

	var check subjectFlags
	checkCmd := &cobra.Command{
		Use:   "check",
		Short: "Show the decision a request would get",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.do(cmd.Context(), http.MethodGet, "/ratelimit/check", check.query(), nil)
		},
	}
	check.bind(checkCmd)

	var rec struct {
		subjectFlags
		Path         string `json:"path,omitempty"`
		ResponseCode int    `json:"response_code,omitempty"`
	}
	recordCmd := &cobra.Command{
		Use:   "record",
		Short: "Record an admitted request observed elsewhere",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.do(cmd.Context(), http.MethodPost, "/ratelimit/record", nil, rec)
		},
	}
	rec.bind(recordCmd)
	recordCmd.Flags().StringVar(&rec.Path, "path", "", "request path")
	recordCmd.Flags().IntVar(&rec.ResponseCode, "code", 0, "response code")

	var stats subjectFlags
	statsCmd := &cobra.Command{
		Use:   "stats",
		Short: "Show minute/hour/day usage",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.do(cmd.Context(), http.MethodGet, "/ratelimit/stats", stats.query(), nil)
		},
	}
	stats.bind(statsCmd)

	var reset subjectFlags
	resetCmd := &cobra.Command{
		Use:   "reset",
		Short: "Delete recorded events for an identifier",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.do(cmd.Context(), http.MethodPost, "/ratelimit/reset", nil, reset)
		},
	}
	reset.bind(resetCmd)

	cmd.AddCommand(checkCmd, recordCmd, statsCmd, resetCmd)
	return cmd
}

func ddosCmd(c *client) *cobra.Command {
	cmd := &cobra.Command{Use: "ddos", Short: "Flood detection and blocks"}

	var window time.Duration
	monitor := &cobra.Command{
		Use:   "monitor",
		Short: "Run a detection sweep now",
		RunE: func(cmd *cobra.Command, _ []string) error {
			q := url.Values{}
			if window > 0 {
				q.Set("window", strconv.Itoa(int(window.Seconds())))
			}
			return c.do(cmd.Context(), http.MethodPost, "/ddos/monitor", q, nil)
		},
	}
	monitor.Flags().DurationVar(&window, "window", 0, "detection window (default from server config)")

	var reason string
	block := &cobra.Command{
		Use:   "block <subject>",
		Short: "Temp-block a subject as a flood source",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.do(cmd.Context(), http.MethodPost, "/ddos/block", nil, map[string]string{"subject": args[0], "reason": reason})
		},
	}
	block.Flags().StringVar(&reason, "reason", "", "block reason")

	cmd.AddCommand(
		monitor,
		block,
		subjectCmd(c, "check", "Report whether a subject is flood-blocked", http.MethodGet, "/ddos/check/"),
		subjectCmd(c, "state", "Show a subject's detector state", http.MethodGet, "/ddos/state/"),
		subjectCmd(c, "unblock", "Lift a flood block", http.MethodDelete, "/ddos/block/"),
		simpleCmd(c, "stats", "Show detector statistics", http.MethodGet, "/ddos/stats"),
	)
	return cmd
}

func abuseCmd(c *client) *cobra.Command {
	cmd := &cobra.Command{Use: "abuse", Short: "Abuse pattern analysis"}

	var window time.Duration
	analyze := &cobra.Command{
		Use:   "analyze <subject>",
		Short: "Score a subject without acting",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{}
			if window > 0 {
				q.Set("window", strconv.Itoa(int(window.Minutes())))
			}
			return c.do(cmd.Context(), http.MethodGet, "/abuse/analyze/"+url.PathEscape(args[0]), q, nil)
		},
	}
	analyze.Flags().DurationVar(&window, "window", 0, "analysis window (default from server config)")

	cmd.AddCommand(
		analyze,
		subjectCmd(c, "check", "Analyze a subject and act on the result", http.MethodPost, "/abuse/check/"),
		simpleCmd(c, "sweep", "Analyze every active subject now", http.MethodPost, "/abuse/sweep"),
		simpleCmd(c, "stats", "Show analyzer statistics", http.MethodGet, "/abuse/stats"),
		simpleCmd(c, "patterns", "List the pattern catalogue", http.MethodGet, "/abuse/patterns"),
	)
	return cmd
}

func listsCmd(c *client) *cobra.Command {
	cmd := &cobra.Command{Use: "lists", Short: "Whitelist, blacklist and temp blocks"}

	var body struct {
		Subject  string `json:"subject"`
		Reason   string `json:"reason,omitempty"`
		Duration string `json:"duration,omitempty"`
		Override bool   `json:"override,omitempty"`
	}
	var duration time.Duration
	add := &cobra.Command{
		Use:   "add <whitelist|blacklist|temp_blocked> <subject>",
		Short: "Add a subject to a list",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			body.Subject = args[1]
			if duration > 0 {
				body.Duration = duration.String()
			}
			return c.do(cmd.Context(), http.MethodPost, "/lists/"+url.PathEscape(args[0]), nil, body)
		},
	}
	add.Flags().StringVar(&body.Reason, "reason", "", "reason recorded on the entry")
	add.Flags().DurationVar(&duration, "duration", 0, "temp block length")
	add.Flags().BoolVar(&body.Override, "override", false, "replace a conflicting membership")

	remove := &cobra.Command{
		Use:   "remove <list> <subject>",
		Short: "Remove a subject from a list",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.do(cmd.Context(), http.MethodDelete, "/lists/"+url.PathEscape(args[0])+"/"+url.PathEscape(args[1]), nil, nil)
		},
	}

	list := &cobra.Command{
		Use:   "list [list]",
		Short: "List members, or every entry when no list is named",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := "all"
			if len(args) == 1 {
				name = args[0]
			}
			return c.do(cmd.Context(), http.MethodGet, "/lists/"+url.PathEscape(name), nil, nil)
		},
	}

	cmd.AddCommand(
		add,
		remove,
		list,
		subjectCmd(c, "status", "Show a subject's effective membership", http.MethodGet, "/lists/status/"),
		simpleCmd(c, "cleanup", "Clear expired temp blocks", http.MethodPost, "/lists/cleanup"),
	)
	return cmd
}

func alertsCmd(c *client) *cobra.Command {
	cmd := &cobra.Command{Use: "alerts", Short: "Alert lifecycle"}

	filters := map[string]*string{}
	var limit int
	filterCmd := func(use, short, path string) *cobra.Command {
		fc := &cobra.Command{
			Use:   use,
			Short: short,
			RunE: func(cmd *cobra.Command, _ []string) error {
				q := url.Values{}
				for k, v := range filters {
					if *v != "" {
						q.Set(k, *v)
					}
				}
				if limit > 0 {
					q.Set("limit", strconv.Itoa(limit))
				}
				return c.do(cmd.Context(), http.MethodGet, path, q, nil)
			},
		}
		for _, name := range []string{"component", "type", "level", "status", "since"} {
			v, ok := filters[name]
			if !ok {
				v = new(string)
				filters[name] = v
			}
			fc.Flags().StringVar(v, name, "", "filter by "+name)
		}
		fc.Flags().IntVar(&limit, "limit", 0, "maximum alerts returned")
		return fc
	}

	var windowMinutes int
	var component string
	aggregate := &cobra.Command{
		Use:   "aggregate",
		Short: "Group recent alerts by component and type",
		RunE: func(cmd *cobra.Command, _ []string) error {
			q := url.Values{}
			if windowMinutes > 0 {
				q.Set("window_minutes", strconv.Itoa(windowMinutes))
			}
			if component != "" {
				q.Set("component", component)
			}
			return c.do(cmd.Context(), http.MethodGet, "/alerts/aggregate", q, nil)
		},
	}
	aggregate.Flags().IntVar(&windowMinutes, "window-minutes", 0, "aggregation window")
	aggregate.Flags().StringVar(&component, "component", "", "only this component")

	cmd.AddCommand(
		filterCmd("list", "List active alerts", "/alerts"),
		filterCmd("history", "List alerts in any status", "/alerts/history"),
		aggregate,
		subjectCmd(c, "show", "Show one alert", http.MethodGet, "/alerts/"),
		idActionCmd(c, "ack", "Acknowledge an alert", "acknowledge"),
		idActionCmd(c, "resolve", "Resolve an alert", "resolve"),
		simpleCmd(c, "stats", "Show alert statistics", http.MethodGet, "/alerts/stats"),
		simpleCmd(c, "cleanup", "Auto-resolve stale alerts", http.MethodPost, "/alerts/cleanup"),
	)
	return cmd
}

func escalationCmd(c *client) *cobra.Command {
	cmd := &cobra.Command{Use: "escalation", Short: "Alert escalation"}
	cmd.AddCommand(
		simpleCmd(c, "check", "Run the escalation sweep now", http.MethodPost, "/escalation/check"),
		idActionCmd(c, "escalate", "Raise an alert one level", "escalate"),
		simpleCmd(c, "rules", "Show escalation levels", http.MethodGet, "/escalation/rules"),
		simpleCmd(c, "oncall", "Show on-call recipients", http.MethodGet, "/escalation/oncall"),
	)
	return cmd
}

func tokenCmd() *cobra.Command {
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token <subject> <admin|operator|viewer>",
		Short: "Sign an operator token with WARDEN_JWT_SECRET",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			switch args[1] {
			case middleware.RoleAdmin, middleware.RoleOperator, middleware.RoleViewer:
			default:
				return fmt.Errorf("unknown role %q", args[1])
			}
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			token, err := middleware.IssueToken(cfg.Security.JWTSecret, cfg.Security.JWTIssuer, args[0], args[1], ttl)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), token)
			return err
		},
	}
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}

func simpleCmd(c *client, use, short, method, path string) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.do(cmd.Context(), method, path, nil, nil)
		},
	}
}

func subjectCmd(c *client, use, short, method, prefix string) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <subject>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.do(cmd.Context(), method, prefix+url.PathEscape(args[0]), nil, nil)
		},
	}
}

func idActionCmd(c *client, use, short, action string) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <alert-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.do(cmd.Context(), http.MethodPost, "/alerts/"+url.PathEscape(args[0])+"/"+action, nil, nil)
		},
	}
}
