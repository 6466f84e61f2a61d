package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/ehrlich-b/perch/internal/session"
)

func main() {
	var serverURL, token string

	root := &cobra.Command{
		Use:   "perch",
		Short: "perch — drive remote agent sessions",
	}
	root.PersistentFlags().StringVar(&serverURL, "server", envOr("PERCH_SERVER", "http://127.0.0.1:8787"), "perchd base URL")
	root.PersistentFlags().StringVar(&token, "token", os.Getenv("PERCH_TOKEN"), "bearer token (or PERCH_TOKEN)")

	cl := &client{baseURL: &serverURL, token: &token}

	root.AddCommand(
		loginCmd(cl),
		listCmd(cl),
		createCmd(cl),
		getCmd(cl),
		messagesCmd(cl),
		deleteCmd(cl),
		pauseCmd(cl),
		resumeCmd(cl),
		usageCmd(cl),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

type client struct {
	baseURL *string
	token   *string
}

func (c *client) do(method, path string, body any, out any) error {
	var buf io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		buf = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, *c.baseURL+path, buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if *c.token != "" {
		req.Header.Set("Authorization", "Bearer "+*c.token)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var errResp struct {
			Error string `json:"error"`
		}
		json.NewDecoder(resp.Body).Decode(&errResp)
		if errResp.Error != "" {
			return fmt.Errorf("%s (%d)", errResp.Error, resp.StatusCode)
		}
		return fmt.Errorf("request failed with status %d", resp.StatusCode)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func loginCmd(c *client) *cobra.Command {
	return &cobra.Command{
		Use:   "login <password>",
		Short: "Exchange the operator password for a bearer token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp struct {
				Token     string `json:"token"`
				ExpiresAt string `json:"expires_at"`
			}
			if err := c.do("POST", "/auth/token", map[string]string{"password": args[0]}, &resp); err != nil {
				return err
			}
			fmt.Println(resp.Token)
			fmt.Fprintf(os.Stderr, "expires %s — export PERCH_TOKEN to use it\n", resp.ExpiresAt)
			return nil
		},
	}
}

func listCmd(c *client) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List your sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			var infos []session.Info
			if err := c.do("GET", "/api/sessions", nil, &infos); err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tSTATUS\tMODE\tCOST\tLAST ACTIVITY")
			for _, info := range infos {
				last := "-"
				if info.LastMessageAt != nil {
					last = info.LastMessageAt.Local().Format("Jan 2 15:04")
				}
				name := info.Name
				if info.IsManager {
					name += " (manager)"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t$%.2f\t%s\n",
					info.ID, name, info.Status, info.PermissionMode, info.CostUSD, last)
			}
			return w.Flush()
		},
	}
}

func createCmd(c *client) *cobra.Command {
	var repo, branch, workDir, mode, managedBy string
	var isManager bool
	cmd := &cobra.Command{
		Use:   "create <name>",
		Short: "Create a session and launch its agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var info session.Info
			body := map[string]any{
				"name":            args[0],
				"repo_url":        repo,
				"branch":          branch,
				"work_dir":        workDir,
				"permission_mode": mode,
				"is_manager":      isManager,
				"managed_by":      managedBy,
			}
			if err := c.do("POST", "/api/sessions", body, &info); err != nil {
				return err
			}
			fmt.Printf("%s\t%s\n", info.ID, info.Status)
			return nil
		},
	}
	cmd.Flags().StringVar(&repo, "repo", "", "repository URL")
	cmd.Flags().StringVar(&branch, "branch", "", "branch to work on")
	cmd.Flags().StringVar(&workDir, "workdir", "", "working directory for the agent")
	cmd.Flags().StringVar(&mode, "mode", "normal", "permission mode: normal|plan|auto_edits|dangerous")
	cmd.Flags().BoolVar(&isManager, "manager", false, "create a manager session")
	cmd.Flags().StringVar(&managedBy, "managed-by", "", "parent manager session ID")
	return cmd
}

func getCmd(c *client) *cobra.Command {
	return &cobra.Command{
		Use:   "get <session-id>",
		Short: "Show one session as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var info json.RawMessage
			if err := c.do("GET", "/api/sessions/"+args[0], nil, &info); err != nil {
				return err
			}
			var pretty bytes.Buffer
			json.Indent(&pretty, info, "", "  ")
			fmt.Println(pretty.String())
			return nil
		},
	}
}

func messagesCmd(c *client) *cobra.Command {
	return &cobra.Command{
		Use:   "messages <session-id>",
		Short: "Print a session's transcript",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var msgs []session.Message
			if err := c.do("GET", "/api/sessions/"+args[0]+"/messages", nil, &msgs); err != nil {
				return err
			}
			for _, m := range msgs {
				ts := m.CreatedAt.Local().Format("15:04:05")
				switch m.Type {
				case session.MessageToolCall:
					fmt.Printf("[%s] tool %s\n", ts, m.Tool)
				case session.MessageToolResult:
					fmt.Printf("[%s] tool %s done\n", ts, m.Tool)
				default:
					fmt.Printf("[%s] %s: %s\n", ts, m.Type, m.Content)
				}
			}
			return nil
		},
	}
}

func deleteCmd(c *client) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <session-id>",
		Short: "Terminate and remove a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.do("DELETE", "/api/sessions/"+args[0], nil, nil)
		},
	}
}

func pauseCmd(c *client) *cobra.Command {
	var resumeAt string
	cmd := &cobra.Command{
		Use:   "pause <manager-id>",
		Short: "Pause a manager's auto-continue loop",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]string{}
			if resumeAt != "" {
				if _, err := time.Parse(time.RFC3339, resumeAt); err != nil {
					return fmt.Errorf("invalid --resume-at, use RFC3339: %w", err)
				}
				body["resume_at"] = resumeAt
			}
			return c.do("POST", "/api/sessions/"+args[0]+"/pause", body, nil)
		},
	}
	cmd.Flags().StringVar(&resumeAt, "resume-at", "", "schedule an automatic resume (RFC3339)")
	return cmd
}

func resumeCmd(c *client) *cobra.Command {
	return &cobra.Command{
		Use:   "resume <manager-id>",
		Short: "Resume a paused manager",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.do("POST", "/api/sessions/"+args[0]+"/resume", nil, nil)
		},
	}
}

func usageCmd(c *client) *cobra.Command {
	return &cobra.Command{
		Use:   "usage",
		Short: "Show aggregate cost and token usage",
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp struct {
				CostUSD float64       `json:"cost_usd"`
				Usage   session.Usage `json:"usage"`
			}
			if err := c.do("GET", "/api/usage", nil, &resp); err != nil {
				return err
			}
			fmt.Printf("cost: $%.4f\n", resp.CostUSD)
			fmt.Printf("input tokens: %d\n", resp.Usage.InputTokens)
			fmt.Printf("output tokens: %d\n", resp.Usage.OutputTokens)
			fmt.Printf("cache read: %d\n", resp.Usage.CacheReadTokens)
			fmt.Printf("cache creation: %d\n", resp.Usage.CacheCreationTokens)
			return nil
		},
	}
}
