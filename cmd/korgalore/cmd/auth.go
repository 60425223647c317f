package cmd

import (
	"context"
	"fmt"
	"net/http"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"korgalore/internal/config"
	"korgalore/internal/korgaerr"
	"korgalore/internal/target"
)

var authCmd = &cobra.Command{
	Use:   "auth <target>",
	Short: "Interactively (re)authenticate a configured gmail target",
	Args:  cobra.ExactArgs(1),
	RunE:  runAuth,
}

func init() {
	rootCmd.AddCommand(authCmd)
}

func runAuth(cmd *cobra.Command, args []string) error {
	name := args[0]

	configPath, err := resolveConfigPath()
	if err != nil {
		return err
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	tc, ok := cfg.Targets[name]
	if !ok {
		return fmt.Errorf("no target named %q in configuration", name)
	}
	if tc.Type != "gmail" {
		return fmt.Errorf("target %q is type %q, auth is only implemented for gmail", name, tc.Type)
	}

	tokenFile := tc.TokenFile
	if tokenFile == "" {
		configDir, err := xdgConfigDir()
		if err != nil {
			return err
		}
		tokenFile = filepath.Join(configDir, fmt.Sprintf("%s-gmail-token.json", name))
	}

	gt := &target.GmailTarget{
		ClientID:     tc.ClientID,
		ClientSecret: tc.ClientSecret,
		TokenFile:    tokenFile,
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), 300*time.Second)
	defer cancel()

	if err := gt.Reauthenticate(ctx, authorizeViaLocalCallback); err != nil {
		return fmt.Errorf("authorize gmail target %q: %w", name, err)
	}
	fmt.Printf("Token saved to %s\n", tokenFile)
	return nil
}

// authorizeViaLocalCallback drives the browser/local-callback half of the
// OAuth2 flow used by the historical get-gmail-token helper: print the
// authorization URL, listen on :8090/callback for the redirected code.
func authorizeViaLocalCallback(authURL string) (string, error) {
	fmt.Println("Visit this URL to authorize korgalore:")
	fmt.Println()
	fmt.Println(authURL)
	fmt.Println()
	fmt.Println("Waiting for authorization (up to 300s)...")

	codeCh := make(chan string, 1)
	errCh := make(chan error, 1)

	mux := http.NewServeMux()
	mux.HandleFunc("/callback", func(w http.ResponseWriter, r *http.Request) {
		code := r.URL.Query().Get("code")
		if code == "" {
			fmt.Fprint(w, "Error: no authorization code received")
			errCh <- korgaerr.NewAuthentication("oauth2 callback missing code", "", "gmail", nil)
			return
		}
		fmt.Fprint(w, "Authorization successful, you can close this window.")
		codeCh <- code
	})
	server := &http.Server{Addr: ":8090", Handler: mux}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()
	defer server.Shutdown(context.Background())

	select {
	case code := <-codeCh:
		return code, nil
	case err := <-errCh:
		return "", err
	case <-time.After(300 * time.Second):
		return "", fmt.Errorf("timed out waiting for oauth2 callback")
	}
}
