package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/tidwall/gjson"
	"golang.org/x/term"

	"github.com/tonimelisma/docsync/internal/config"
	"github.com/tonimelisma/docsync/internal/remote"
	"github.com/tonimelisma/docsync/internal/tokenfile"
)

// readPassword is a test seam for term.ReadPassword.
var readPassword = term.ReadPassword

// stdinIsTerminal is replaced by tests.
var stdinIsTerminal = func() bool {
	return term.IsTerminal(int(os.Stdin.Fd()))
}

func newLoginCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Log in and store the session token",
		Long: `Log in with a username and password. The password is prompted for
without echo when stdin is a terminal, and read from the first line of
stdin otherwise.`,
		RunE: runLogin,
	}

	cmd.Flags().StringP("username", "u", "", "username (prompted when omitted)")

	return cmd
}

func newLogoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "End the session and remove the stored token",
		RunE:  runLogout,
	}
}

func newWhoamiCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Show the logged-in user",
		RunE:  runWhoami,
	}
}

func runLogin(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd.Context())

	if err := config.ValidateServer(&cc.Cfg.Server); err != nil {
		return err
	}

	username, _ := cmd.Flags().GetString("username")

	in := bufio.NewReader(cmd.InOrStdin())

	username, password, err := readCredentials(in, os.Stderr, username)
	if err != nil {
		return err
	}

	client := newRemoteClient(cc.Cfg, cc.Logger)

	sess, err := client.Login(cmd.Context(), username, password)
	if err != nil {
		if errors.Is(err, remote.ErrUnauthorized) {
			return fmt.Errorf("login failed: invalid username or password: %w", err)
		}

		return fmt.Errorf("login failed: %w", err)
	}

	if err := tokenfile.Save(config.SessionPath(), sess); err != nil {
		return err
	}

	cc.Logger.Info("login successful", slog.String("user_id", sess.UserID))
	cc.Statusf("Logged in as %s.\n", displayUser(sess))

	return nil
}

// readCredentials prompts for whatever was not given on the command line.
func readCredentials(in *bufio.Reader, prompt io.Writer, username string) (string, string, error) {
	if username == "" {
		fmt.Fprint(prompt, "Username: ")

		line, err := readLine(in)
		if err != nil {
			return "", "", fmt.Errorf("reading username: %w", err)
		}

		username = line
	}

	if username == "" {
		return "", "", errors.New("username must not be empty")
	}

	var password string

	if stdinIsTerminal() {
		fmt.Fprint(prompt, "Password: ")

		pw, err := readPassword(int(os.Stdin.Fd()))
		fmt.Fprintln(prompt)

		if err != nil {
			return "", "", fmt.Errorf("reading password: %w", err)
		}

		password = string(pw)
	} else {
		line, err := readLine(in)
		if err != nil {
			return "", "", fmt.Errorf("reading password: %w", err)
		}

		password = line
	}

	return username, password, nil
}

// readLine reads one line without its terminator. A final line without a
// newline is accepted.
func readLine(in *bufio.Reader) (string, error) {
	line, err := in.ReadString('\n')
	if err != nil && !(errors.Is(err, io.EOF) && line != "") {
		return "", err
	}

	return strings.TrimRight(line, "\r\n"), nil
}

func runLogout(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd.Context())
	path := config.SessionPath()

	sess, err := tokenfile.Load(path)
	if err != nil {
		return err
	}

	if sess == nil {
		cc.Statusf("Not logged in.\n")

		return nil
	}

	// The local token is removed even when the server cannot be reached.
	if config.ValidateServer(&cc.Cfg.Server) == nil {
		if err := newRemoteClient(cc.Cfg, cc.Logger).Logout(cmd.Context()); err != nil {
			cc.Logger.Warn("server logout failed", slog.String("error", err.Error()))
		}
	}

	if err := tokenfile.Remove(path); err != nil {
		return err
	}

	cc.Logger.Info("logout successful", slog.String("user_id", sess.UserID))
	cc.Statusf("Logged out %s.\n", displayUser(sess))

	return nil
}

// whoamiOutput is the JSON schema for `whoami --json`.
type whoamiOutput struct {
	UserID   string `json:"user_id"`
	Username string `json:"username,omitempty"`
	Email    string `json:"email,omitempty"`
}

func runWhoami(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd.Context())
	path := config.SessionPath()

	sess, err := tokenfile.Require(path)
	if err != nil {
		if errors.Is(err, tokenfile.ErrNoSession) {
			return errors.New("not logged in: run 'docsync login' first")
		}

		return err
	}

	if err := config.ValidateServer(&cc.Cfg.Server); err != nil {
		return err
	}

	me, err := newRemoteClient(cc.Cfg, cc.Logger).Me(cmd.Context())
	if err != nil {
		return fmt.Errorf("fetching user profile: %w", err)
	}

	out := whoamiOutput{
		UserID:   sess.UserID,
		Username: gjson.GetBytes(me, "username").String(),
		Email:    gjson.GetBytes(me, "email").String(),
	}

	if out.Email != "" {
		if err := tokenfile.MergeMeta(path, map[string]string{"email": out.Email}); err != nil {
			cc.Logger.Warn("caching profile failed", slog.String("error", err.Error()))
		}
	}

	if cc.JSONOutput() {
		return printJSON(cmd.OutOrStdout(), out)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "User:  %s\n", out.Username)
	fmt.Fprintf(cmd.OutOrStdout(), "ID:    %s\n", out.UserID)

	if out.Email != "" {
		fmt.Fprintf(cmd.OutOrStdout(), "Email: %s\n", out.Email)
	}

	return nil
}

func displayUser(s *tokenfile.Session) string {
	if s.Username != "" {
		return s.Username
	}

	return s.UserID
}
