package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/guided-traffic/plugin-license-manager/internal/license"
	"github.com/guided-traffic/plugin-license-manager/pkg/signing"
)

func newCheckCmd() *cobra.Command {
	var refresh bool

	cmd := &cobra.Command{
		Use:   "check [plugin...]",
		Short: "Check plugin licenses, using the cache when possible",
		Long: `Check decides each plugin through the local cache first and contacts the
license server only for cache misses. Without arguments the plugins listed in
agent.plugins are checked. The exit status is non-zero when any plugin is not
licensed.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAgent(cmd, func(ctx context.Context, a *agent) error {
				slugs, err := a.plugins(args)
				if err != nil {
					return err
				}

				ctx = license.WithMemo(ctx)
				var results map[string]license.Result
				if refresh {
					results = make(map[string]license.Result, len(slugs))
					for _, slug := range slugs {
						results[slug] = a.validator.Refresh(ctx, slug)
					}
				} else {
					results = a.validator.CheckMany(ctx, slugs)
				}
				return report(results)
			})
		},
	}
	cmd.Flags().BoolVar(&refresh, "refresh", false, "bypass the cache and ask the license server")
	return cmd
}

func newBatchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "batch [plugin...]",
		Short: "Verify plugins with the license server in batched round trips",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAgent(cmd, func(ctx context.Context, a *agent) error {
				slugs, err := a.plugins(args)
				if err != nil {
					return err
				}
				return report(a.validator.VerifyBatch(ctx, slugs))
			})
		},
	}
}

func newInfoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "info",
		Short: "Show every license the server holds for this site",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAgent(cmd, func(ctx context.Context, a *agent) error {
				info, err := a.validator.Info(ctx)
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(info)
				}

				fmt.Printf("Site:     %s (%s)\n", info.SiteDomain, info.SiteID)
				fmt.Printf("Verified: %s\n", time.Unix(info.VerifiedAt, 0).UTC().Format(time.RFC3339))
				if len(info.Licenses) == 0 {
					fmt.Println("No licenses granted")
					return nil
				}
				for _, l := range info.Licenses {
					expires := "never"
					if l.ExpiresAt > 0 {
						expires = time.Unix(l.ExpiresAt, 0).UTC().Format(time.RFC3339)
					}
					fmt.Printf("  %-32s %-12s valid=%-5t expires=%s\n", l.PluginSlug, l.Reason, l.Valid, expires)
				}
				return nil
			})
		},
	}
}

func newInvalidateCmd() *cobra.Command {
	var all bool

	cmd := &cobra.Command{
		Use:   "invalidate [plugin...]",
		Short: "Drop cached decisions so the next check reaches the server",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !all && len(args) == 0 {
				return fmt.Errorf("name at least one plugin or pass --all")
			}
			return withAgent(cmd, func(ctx context.Context, a *agent) error {
				if all {
					return a.validator.InvalidateAll(ctx)
				}
				for _, slug := range args {
					if err := a.validator.Invalidate(ctx, slug); err != nil {
						return fmt.Errorf("failed to invalidate %s: %w", slug, err)
					}
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "drop every cached decision")
	return cmd
}

// newChecksumCmd prints the SHA-256 of a plugin archive, for comparing
// against the digest published with a release.
func newChecksumCmd() *cobra.Command {
	var expect string

	cmd := &cobra.Command{
		Use:   "checksum <file> [sha256]",
		Short: "Print or verify the SHA-256 checksum of a file",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := args[0]
			if len(args) == 2 {
				expect = args[1]
			}

			if expect != "" {
				data, err := os.ReadFile(path)
				if err != nil {
					return err
				}
				if !signing.VerifyHash(data, expect) {
					return fmt.Errorf("checksum mismatch for %s", path)
				}
				fmt.Printf("%s: OK\n", path)
				return nil
			}

			f, err := os.Open(path)
			if err != nil {
				return err
			}
			defer f.Close()

			digest, size, err := signing.HashReader(f)
			if err != nil {
				return err
			}
			fmt.Printf("%s  %s (%d bytes)\n", digest, path, size)
			return nil
		},
	}
	cmd.Flags().StringVar(&expect, "expect", "", "expected hex digest; fail on mismatch")
	return cmd
}

// report prints results and returns errUnlicensed when any is invalid.
func report(results map[string]license.Result) error {
	slugs := make([]string, 0, len(results))
	for slug := range results {
		slugs = append(slugs, slug)
	}
	sort.Strings(slugs)

	if jsonOutput {
		ordered := make([]license.Result, 0, len(slugs))
		for _, slug := range slugs {
			ordered = append(ordered, results[slug])
		}
		if err := printJSON(ordered); err != nil {
			return err
		}
	} else {
		for _, slug := range slugs {
			license.LogResult(results[slug])
		}
	}

	for _, r := range results {
		if !r.Valid {
			return errUnlicensed
		}
	}
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
