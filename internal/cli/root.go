// Package cli implements riskctl, a terminal client that keeps its session in
// a local file and talks to the REST backend through the request authenticator.
package cli

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"riskwatch/internal/apperr"
	"riskwatch/internal/riskclient"
	"riskwatch/internal/session"
	"riskwatch/pkg/logger"
)

// app is the state shared by every subcommand of one invocation.
type app struct {
	configPath string
	baseURL    string
	statePath  string
	verbose    bool
	quiet      bool

	cfg    Config
	client *riskclient.Client
}

// NewRootCommand builds the riskctl command tree.
func NewRootCommand() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:           "riskctl",
		Short:         "riskwatch command-line client",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.open(cmd)
		},
	}
	root.PersistentFlags().StringVar(&a.configPath, "config", DefaultConfigPath(), "Path to the riskctl YAML config")
	root.PersistentFlags().StringVar(&a.baseURL, "base-url", "", "REST backend URL (overrides config)")
	root.PersistentFlags().StringVar(&a.statePath, "state", "", "Session file (overrides config)")
	root.PersistentFlags().BoolVarP(&a.verbose, "verbose", "v", false, "Log HTTP traffic to stderr")
	root.PersistentFlags().BoolVarP(&a.quiet, "quiet", "q", false, "No spinners or decorations")

	root.AddCommand(a.loginCmd(), a.logoutCmd(), a.whoamiCmd(), a.getCmd())
	return root
}

// Execute runs riskctl and returns the process exit code.
func Execute(ctx context.Context) int {
	root := NewRootCommand()
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprint(root.ErrOrStderr(), pterm.Error.Sprintln(describe(err)))
		return 1
	}
	return 0
}

func (a *app) open(cmd *cobra.Command) error {
	cfg, err := LoadConfig(a.configPath)
	if err != nil {
		return err
	}
	if a.baseURL != "" {
		cfg.BaseURL = strings.TrimRight(a.baseURL, "/")
	}
	if a.statePath != "" {
		cfg.StatePath = a.statePath
	}
	a.cfg = cfg

	env := "production"
	if a.verbose {
		env = "dev"
	}
	out := io.Discard
	if a.verbose {
		out = cmd.ErrOrStderr()
	}

	c, err := riskclient.Open(cmd.Context(), session.NewFileStorage(cfg.StatePath), riskclient.Options{
		BaseURL:        cfg.BaseURL,
		Timeout:        cfg.Timeout,
		RefreshTimeout: cfg.RefreshTimeout,
		Logger:         logger.NewTo(out, env),
	})
	if err != nil {
		return err
	}
	a.client = c
	return nil
}

func (a *app) loginCmd() *cobra.Command {
	var (
		username      string
		passwordStdin bool
	)
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Authenticate and store the session locally",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if username == "" {
				v, err := pterm.DefaultInteractiveTextInput.Show("Username")
				if err != nil {
					return err
				}
				username = strings.TrimSpace(v)
			}
			password, err := readPassword(cmd, passwordStdin)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			if _, err := a.client.Store.Login(ctx, username, password); err != nil {
				return err
			}
			p, err := a.client.Store.InitSession(ctx)
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), pterm.Success.Sprintfln("Logged in as %s (%s)", p.Username, strings.Join(p.Groups, ", ")))
			return nil
		},
	}
	cmd.Flags().StringVarP(&username, "username", "u", "", "Account name")
	cmd.Flags().BoolVar(&passwordStdin, "password-stdin", false, "Read the password from stdin")
	return cmd
}

func readPassword(cmd *cobra.Command, fromStdin bool) (string, error) {
	if fromStdin {
		line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return "", err
		}
		return strings.TrimRight(line, "\r\n"), nil
	}
	return pterm.DefaultInteractiveTextInput.WithMask("*").Show("Password")
}

func (a *app) logoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Forget the stored session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.client.Store.Logout(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), pterm.Success.Sprintln("Logged out"))
			return nil
		},
	}
}

func (a *app) whoamiCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Show the current profile and roles",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !a.client.Store.LoggedIn() {
				return apperr.ErrUnauthorized
			}
			p, err := a.client.Store.InitSession(cmd.Context())
			if err != nil {
				return err
			}
			if p == nil {
				return apperr.ErrUnauthorized
			}
			role := "-"
			if a.client.Store.IsAdmin() {
				role = "admin"
			}
			table, err := pterm.DefaultTable.WithData(pterm.TableData{
				{"username", p.Username},
				{"email", p.Email},
				{"groups", strings.Join(p.Groups, ", ")},
				{"superuser", fmt.Sprint(p.IsSuperuser)},
				{"access", role},
				{"state", a.cfg.StatePath},
			}).Srender()
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), table)
			return err
		},
	}
}

func (a *app) getCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <path>",
		Short: "GET a backend resource and print its JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !a.client.Store.LoggedIn() {
				return apperr.ErrUnauthorized
			}
			path := args[0]
			if !strings.HasPrefix(path, "/") {
				path = "/" + path
			}

			stop := a.spinner(cmd.Context(), path)
			resp, err := a.client.Forward(cmd.Context(), http.MethodGet, path, nil)
			if err != nil {
				stop()
				return err
			}
			defer stop()
			defer func() { _ = resp.Body.Close() }()
			if err := apperr.FromResponse(resp); err != nil {
				return err
			}
			body, err := io.ReadAll(resp.Body)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), body)
		},
	}
}

// spinner follows the loading flag of the client until stop is called.
func (a *app) spinner(ctx context.Context, label string) (stop func()) {
	if a.quiet {
		return func() {}
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	loading, unwatch := a.client.InFlight.Watch()
	go func() {
		defer close(done)
		var sp *pterm.SpinnerPrinter
		for {
			select {
			case <-ctx.Done():
				if sp != nil {
					_ = sp.Stop()
				}
				return
			case on := <-loading:
				switch {
				case on && sp == nil:
					sp, _ = pterm.DefaultSpinner.WithRemoveWhenDone(true).Start("GET " + label)
				case !on && sp != nil:
					_ = sp.Stop()
					sp = nil
				}
			}
		}
	}()
	return func() {
		cancel()
		<-done
		unwatch()
	}
}

func printJSON(w io.Writer, body []byte) error {
	var buf bytes.Buffer
	if err := json.Indent(&buf, body, "", "  "); err != nil {
		_, err = w.Write(body)
		return err
	}
	buf.WriteByte('\n')
	_, err := buf.WriteTo(w)
	return err
}

// describe turns client errors into one line for the terminal.
func describe(err error) string {
	switch {
	case errors.Is(err, apperr.ErrUnauthorized):
		return "not logged in or session expired; run `riskctl login`"
	case errors.Is(err, apperr.ErrForbidden):
		return "your account is not allowed to do that"
	case errors.Is(err, apperr.ErrNetworkUnavailable):
		return "cannot reach the backend: " + err.Error()
	default:
		return err.Error()
	}
}
