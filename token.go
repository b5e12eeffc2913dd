package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
	"golang.org/x/oauth2"

	"github.com/tonimelisma/tasksync/internal/config"
	"github.com/tonimelisma/tasksync/internal/tokenfile"
)

// Token state constants for status reporting.
const (
	tokenStateMissing = "missing"
	tokenStateExpired = "expired"
	tokenStateValid   = "valid"
	tokenStateInline  = "inline"
)

func newTokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Manage the GitHub token file",
		Long: `Manage the token file the daemon reads GitHub credentials from.

The file is re-read whenever its token nears expiry, so an external minter
(or 'tasksync token set') can rotate installation tokens without a restart.`,
	}

	cmd.AddCommand(newTokenSetCmd())
	cmd.AddCommand(newTokenStatusCmd())

	return cmd
}

func newTokenSetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "set",
		Short: "Store a GitHub token (read from stdin)",
		Args:  cobra.NoArgs,
		RunE:  runTokenSet,
	}

	cmd.Flags().Duration("expires-in", 0, "token lifetime (0 = never expires)")
	cmd.Flags().Int64("installation-id", 0, "GitHub App installation id to record")
	cmd.Flags().String("account", "", "account login to record")

	return cmd
}

func newTokenStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show whether a usable token is configured",
		Args:  cobra.NoArgs,
		RunE:  runTokenStatus,
	}
}

// tokenPath is the configured token file, or the default location.
func tokenPath(cfg *config.Config) string {
	if cfg.GitHub.TokenFile != "" {
		return cfg.GitHub.TokenFile
	}

	return config.DefaultTokenPath()
}

func runTokenSet(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd.Context())
	flags := cmd.Flags()

	expiresIn, err := flags.GetDuration("expires-in")
	if err != nil {
		return err
	}

	installationID, _ := flags.GetInt64("installation-id")
	account, _ := flags.GetString("account")

	if isatty.IsTerminal(os.Stdin.Fd()) {
		cc.Statusf("Paste the GitHub token and press Enter: ")
	}

	access, err := readToken(cmd.InOrStdin())
	if err != nil {
		return err
	}

	tok := &oauth2.Token{AccessToken: access, TokenType: "Bearer"}
	if expiresIn > 0 {
		tok.Expiry = time.Now().Add(expiresIn)
	}

	meta := map[string]string{}
	if installationID != 0 {
		meta[tokenfile.MetaInstallationID] = strconv.FormatInt(installationID, 10)
	}

	if account != "" {
		meta[tokenfile.MetaAccount] = account
	}

	path := tokenPath(cc.Cfg.Config())
	if err := tokenfile.Save(path, tok, meta); err != nil {
		return err
	}

	cc.Statusf("Token saved to %s\n", path)

	if cc.Cfg.Config().GitHub.TokenFile == "" {
		cc.Statusf("Set github.token_file = %q in the config for the daemon to use it.\n", path)
	}

	return nil
}

// readToken returns the first non-empty line of r.
func readToken(r io.Reader) (string, error) {
	sc := bufio.NewScanner(r)

	for sc.Scan() {
		if line := strings.TrimSpace(sc.Text()); line != "" {
			return line, nil
		}
	}

	if err := sc.Err(); err != nil {
		return "", fmt.Errorf("reading token: %w", err)
	}

	return "", errors.New("no token given on stdin")
}

// tokenStatus is the JSON form of `tasksync token status`.
type tokenStatus struct {
	Path           string `json:"path,omitempty"`
	State          string `json:"state"`
	Expiry         string `json:"expiry,omitempty"`
	InstallationID string `json:"installation_id,omitempty"`
	Account        string `json:"account,omitempty"`
}

func runTokenStatus(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd.Context())

	st, err := inspectToken(cc.Cfg.Config(), time.Now())
	if err != nil {
		return err
	}

	if cc.Flags.JSON {
		return printJSON(os.Stdout, st)
	}

	switch st.State {
	case tokenStateInline:
		fmt.Println("Token: inline (github.token or GITHUB_TOKEN)")
	case tokenStateMissing:
		fmt.Printf("Token: missing (%s)\n", st.Path)
	default:
		fmt.Printf("Token:   %s (%s)\n", st.State, st.Path)

		if st.Expiry != "" {
			fmt.Printf("Expiry:  %s\n", st.Expiry)
		}

		if st.Account != "" {
			fmt.Printf("Account: %s\n", st.Account)
		}

		if st.InstallationID != "" {
			fmt.Printf("Installation: %s\n", st.InstallationID)
		}
	}

	return nil
}

// inspectToken reports which credentials the daemon would use at now.
func inspectToken(cfg *config.Config, now time.Time) (*tokenStatus, error) {
	if cfg.GitHub.Token != "" {
		return &tokenStatus{State: tokenStateInline}, nil
	}

	path := tokenPath(cfg)

	tok, meta, err := tokenfile.Load(path)
	if err != nil {
		return nil, err
	}

	if tok == nil {
		return &tokenStatus{Path: path, State: tokenStateMissing}, nil
	}

	st := &tokenStatus{
		Path:           path,
		State:          tokenStateValid,
		InstallationID: meta[tokenfile.MetaInstallationID],
		Account:        meta[tokenfile.MetaAccount],
	}

	if !tok.Expiry.IsZero() {
		st.Expiry = tok.Expiry.UTC().Format(time.RFC3339)

		if !tok.Expiry.After(now) {
			st.State = tokenStateExpired
		}
	}

	return st, nil
}
