package cmd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/smart-on-fhir/client-go/internal/logger"
	"github.com/smart-on-fhir/client-go/pkg/smart"
	"github.com/smart-on-fhir/client-go/pkg/smart/store"
	"github.com/spf13/cobra"
)

var (
	launchIss      string
	launchClientID string
	launchScope    string
	launchPKCE     string
)

var launchCmd = &cobra.Command{
	Use:   "launch",
	Short: "Run a standalone SMART launch against a FHIR server",
	Long: `launch starts the authorization flow: it discovers the server's OAuth
endpoints, prints the authorization URL for the browser, then waits on the
loopback redirect address for the callback and exchanges the code.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		iss := cfg.FHIRServer
		if launchIss != "" {
			iss = launchIss
		}
		if iss == "" {
			return errors.New("no FHIR server: set fhir_server in config or pass --iss")
		}
		clientID := cfg.ClientID
		if launchClientID != "" {
			clientID = launchClientID
		}
		scope := cfg.Scope
		if launchScope != "" {
			scope = launchScope
		}

		st, err := store.New(cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer st.Close()

		env, err := smart.NewStaticEnvironment(cfg.RedirectURI)
		if err != nil {
			return err
		}

		authURL, err := smart.Authorize(ctx, env, st, smart.AuthorizeOptions{
			Iss:          iss,
			ClientID:     clientID,
			Scope:        scope,
			RedirectURI:  cfg.RedirectURI,
			ClientSecret: cfg.ClientSecret,
			PKCEMode:     smart.PKCEMode(launchPKCE),
			NoRedirect:   true,
		})
		if err != nil {
			return err
		}

		callbackURL := authURL
		if !strings.HasPrefix(authURL, cfg.RedirectURI) {
			// A real authorization server is involved: hand the URL to the
			// user and wait for the browser to come back to us.
			fmt.Fprintln(cmd.OutOrStdout(), "Open this URL in your browser:")
			fmt.Fprintln(cmd.OutOrStdout())
			fmt.Fprintln(cmd.OutOrStdout(), "  "+authURL)
			fmt.Fprintln(cmd.OutOrStdout())

			callbackURL, err = awaitCallback(ctx, cfg.RedirectURI)
			if err != nil {
				return err
			}
		}

		redirected, err := smart.NewStaticEnvironment(callbackURL)
		if err != nil {
			return err
		}
		client, err := smart.Ready(ctx, redirected, st, nil)
		if err != nil {
			return err
		}

		state := client.State()
		logger.Info("authorized", "server", state.ServerURL)
		fmt.Fprintln(cmd.OutOrStdout(), "Authorized against "+state.ServerURL)
		if p := client.PatientID(); p != "" {
			fmt.Fprintln(cmd.OutOrStdout(), "Patient in context: "+p)
		}
		return nil
	},
}

// awaitCallback serves the loopback redirect address until the authorization
// server sends the browser back, and returns the full callback URL.
func awaitCallback(ctx context.Context, redirectURI string) (string, error) {
	u, err := url.Parse(redirectURI)
	if err != nil {
		return "", err
	}

	got := make(chan string, 1)
	mux := http.NewServeMux()
	mux.HandleFunc(u.Path, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		fmt.Fprintln(w, "Authorization received. You can close this window.")
		select {
		case got <- redirectURI + "?" + r.URL.RawQuery:
		default:
		}
	})

	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	ln, err := net.Listen("tcp", u.Host)
	if err != nil {
		return "", fmt.Errorf("cannot listen on redirect address %s: %w", u.Host, err)
	}
	go srv.Serve(ln) //nolint:errcheck

	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	select {
	case cb := <-got:
		return cb, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func init() {
	launchCmd.Flags().StringVar(&launchIss, "iss", "", "FHIR server base URL (overrides config)")
	launchCmd.Flags().StringVar(&launchClientID, "client-id", "", "OAuth client id (overrides config)")
	launchCmd.Flags().StringVar(&launchScope, "scope", "", "requested scopes (overrides config)")
	launchCmd.Flags().StringVar(&launchPKCE, "pkce", string(smart.PKCEIfSupported), "PKCE mode: ifSupported, required, disabled or unsafeV1")
	rootCmd.AddCommand(launchCmd)
}
