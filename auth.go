package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/filtertrack/sectorsync/internal/config"
)

func newLoginCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Sign in with email and password",
		Long: `Sign in to the tracker backend and save the session locally.

The password is read from ` + config.EnvPassword + ` when set, otherwise it is
prompted for on the terminal.`,
		RunE: runLogin,
	}

	cmd.Flags().String("email", "", "account email (required)")
	_ = cmd.MarkFlagRequired("email")

	return cmd
}

func newLogoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Sign out and remove the saved session",
		RunE:  runLogout,
	}
}

func runLogin(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd.Context())
	email, _ := cmd.Flags().GetString("email")

	password, err := readPassword(os.Stdin, os.Stderr)
	if err != nil {
		return err
	}

	_, auth := newBackend(cc)

	sess, err := auth.Login(cmd.Context(), strings.TrimSpace(email), password)
	if err != nil {
		return &actionError{err: err}
	}

	cc.Statusf("Logged in as %s.\n", sess.Email)

	return nil
}

func runLogout(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd.Context())
	_, auth := newBackend(cc)

	if err := auth.Logout(cmd.Context()); err != nil {
		return err
	}

	cc.Statusf("Logged out.\n")

	return nil
}

// readPassword returns the password from the environment, the terminal
// (without echo) or the first line of in.
func readPassword(in *os.File, prompt io.Writer) (string, error) {
	if pw := os.Getenv(config.EnvPassword); pw != "" {
		return pw, nil
	}

	if term.IsTerminal(int(in.Fd())) {
		fmt.Fprint(prompt, "Password: ")
		b, err := term.ReadPassword(int(in.Fd()))
		fmt.Fprintln(prompt)

		if err != nil {
			return "", fmt.Errorf("reading password: %w", err)
		}

		return string(b), nil
	}

	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("reading password: %w", err)
	}

	pw := strings.TrimRight(line, "\r\n")
	if pw == "" {
		return "", errors.New("no password given: set " + config.EnvPassword + " or type it at the prompt")
	}

	return pw, nil
}
