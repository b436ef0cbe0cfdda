package main

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/guided-traffic/plugin-license-manager/internal/config"
	"github.com/guided-traffic/plugin-license-manager/internal/issuer"
	"github.com/guided-traffic/plugin-license-manager/internal/issuer/sqlite"
)

var (
	cfgFile string
	rootCmd = &cobra.Command{
		Use:   "license-tool",
		Short: "Administer sites and plugin licenses of a license server",
		Long: `license-tool works directly on the license server's database. It reads the
same configuration file as license-server, so the master keyset and the
activation signing key must be available.`,
		SilenceUsage: true,
	}
)

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "path to configuration file (YAML format)")

	rootCmd.AddCommand(newActivateCmd(), newRevokeSiteCmd(), newGrantCmd(), newRevokeCmd(), newListCmd(), newLedgerCmd())
}

func initConfig() {
	config.InitConfig(cfgFile)
}

// withIssuer opens the database and builds an issuer for fn.
func withIssuer(cmd *cobra.Command, fn func(ctx context.Context, iss *issuer.Issuer) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if err := cfg.ConfigureLogging(); err != nil {
		return err
	}
	if err := cfg.ValidateServer(); err != nil {
		return err
	}

	store, err := sqlite.Open(ctx, cfg.Server.DatabaseDSN)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			logrus.WithError(err).Warn("Failed to close license database")
		}
	}()

	sealer, err := issuer.LoadKeysetSealer(cfg.Server.MasterKeysetFile)
	if err != nil {
		return err
	}
	key, err := cfg.ActivationKey()
	if err != nil {
		return err
	}
	activation, err := issuer.NewActivationSigner(key)
	if err != nil {
		return err
	}

	iss, err := issuer.New(store, sealer, activation, issuer.WithTokenTTL(cfg.Server.TokenTTL))
	if err != nil {
		return err
	}
	return fn(ctx, iss)
}

func newActivateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "activate <domain>",
		Short: "Activate a site and print its credentials",
		Long: `Activate registers a site and prints its activation token and shared
secret. Neither can be shown again: store them in the site's agent
configuration right away.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withIssuer(cmd, func(ctx context.Context, iss *issuer.Issuer) error {
				act, err := iss.ActivateSite(ctx, args[0])
				if err != nil {
					return err
				}

				fmt.Println("Site activated")
				fmt.Printf("Site ID: %s\n", act.SiteID)
				fmt.Printf("Domain:  %s\n", act.SiteDomain)
				fmt.Println()
				fmt.Println("Agent configuration:")
				fmt.Println("agent:")
				fmt.Printf("  site_domain: %q\n", act.SiteDomain)
				fmt.Printf("  activation_token: %q\n", act.ActivationToken)
				fmt.Printf("  shared_secret: %q\n", base64.StdEncoding.EncodeToString(act.SharedSecret))
				return nil
			})
		},
	}
}

func newRevokeSiteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "revoke-site <site-id>",
		Short: "Revoke a site; every later answer for it is negative",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withIssuer(cmd, func(ctx context.Context, iss *issuer.Issuer) error {
				return iss.RevokeSite(ctx, args[0])
			})
		},
	}
}

func newGrantCmd() *cobra.Command {
	var duration, until string

	cmd := &cobra.Command{
		Use:   "grant <site-id> <plugin>",
		Short: "Grant or renew a plugin license",
		Long: `Grant creates the license of a plugin for a site, or renews it when it
exists. Use --duration with a value like '2y100d', '1y' or '365d', or --until
with a date. Without either the license never expires.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			expiresAt, err := resolveExpiry(time.Now(), duration, until)
			if err != nil {
				return err
			}

			return withIssuer(cmd, func(ctx context.Context, iss *issuer.Issuer) error {
				lic, err := iss.Grant(ctx, args[0], args[1], expiresAt)
				if err != nil {
					return err
				}
				fmt.Printf("Granted %s to site %s, expires %s\n", lic.PluginSlug, lic.SiteID, formatExpiry(lic.ExpiresAt))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&duration, "duration", "", "license duration, e.g. '2y100d', '1y', '365d'")
	cmd.Flags().StringVar(&until, "until", "", "expiry date (YYYY-MM-DD or RFC 3339)")
	return cmd
}

func newRevokeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "revoke <site-id> <plugin>",
		Short: "Revoke a plugin license",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withIssuer(cmd, func(ctx context.Context, iss *issuer.Issuer) error {
				return iss.Revoke(ctx, args[0], args[1])
			})
		},
	}
}

func newListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list <site-id>",
		Short: "List the licenses of a site",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withIssuer(cmd, func(ctx context.Context, iss *issuer.Issuer) error {
				licenses, err := iss.List(ctx, args[0])
				if err != nil {
					return err
				}

				w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "PLUGIN\tEXPIRES\tREVOKED")
				for _, l := range licenses {
					revoked := "-"
					if l.RevokedAt != nil {
						revoked = l.RevokedAt.UTC().Format(time.RFC3339)
					}
					fmt.Fprintf(w, "%s\t%s\t%s\n", l.PluginSlug, formatExpiry(l.ExpiresAt), revoked)
				}
				return w.Flush()
			})
		},
	}
}

func newLedgerCmd() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "ledger <site-id>",
		Short: "Show the most recent decisions handed to a site",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withIssuer(cmd, func(ctx context.Context, iss *issuer.Issuer) error {
				entries, err := iss.Ledger(ctx, args[0], limit)
				if err != nil {
					return err
				}

				w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "ISSUED\tENDPOINT\tPLUGIN\tVALID\tREASON")
				for _, e := range entries {
					fmt.Fprintf(w, "%s\t%s\t%s\t%t\t%s\n",
						e.IssuedAt.UTC().Format(time.RFC3339), e.Endpoint, e.PluginSlug, e.Valid, e.Reason)
				}
				return w.Flush()
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", sqlite.DefaultLedgerLimit, "maximum number of entries")
	return cmd
}

func formatExpiry(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return t.UTC().Format(time.RFC3339)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
