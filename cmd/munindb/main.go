// Command munindb is the MuninDB command-line interface: bootstrap the
// Seed tier, query and inspect the knowledge graph, run maintenance,
// and review quarantined principles.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/orneryd/munindb/pkg/config"
	"github.com/orneryd/munindb/pkg/identity"
	"github.com/orneryd/munindb/pkg/knowledge"
	"github.com/orneryd/munindb/pkg/munindb"
	"github.com/orneryd/munindb/pkg/quarantine"
)

var version = "dev"

var (
	flagDataDir string
	flagConfig  string
)

func main() {
	root := &cobra.Command{
		Use:   "munindb",
		Short: "Tiered knowledge store for autonomous reasoning agents",
		Long: `MuninDB stores knowledge in three tiers of descending trust:
immutable Seed truths, versioned APriori rules, and append-only
APosteriori observations. Queries cascade through the tiers; weak
results fall through to live reasoning under a circuit breaker.`,
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVar(&flagDataDir, "data-dir", "", "storage directory (empty runs in memory)")
	root.PersistentFlags().StringVar(&flagConfig, "config", "", "YAML configuration file")

	root.AddCommand(
		versionCmd(),
		bootstrapCmd(),
		getCmd(),
		queryCmd(),
		searchCmd(),
		maintainCmd(),
		statsCmd(),
		reviewCmd(),
	)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	if flagConfig == "" {
		return config.LoadFromEnv(), nil
	}
	return config.LoadFile(flagConfig)
}

// openDB opens the database for a CLI invocation. Background
// maintenance is disabled: CLI processes are short-lived and run
// maintenance explicitly.
func openDB(opts *munindb.Options) (*munindb.DB, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	cfg.Pruning.Enabled = false
	return munindb.Open(flagDataDir, cfg, opts)
}

func printJSON(cmd *cobra.Command, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	cmd.Println(string(data))
	return nil
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the MuninDB version",
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Printf("munindb %s\n", version)
		},
	}
}

func bootstrapCmd() *cobra.Command {
	var seedFile string

	cmd := &cobra.Command{
		Use:   "bootstrap",
		Short: "Load foundational truths into the Seed tier",
		Long: `Bootstrap performs the one-time load of the Seed tier. Without
--seed-file the stock truth set is used. Fails if the Seed tier is
already populated.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			truths := munindb.DefaultSeedTruths
			if seedFile != "" {
				loaded, err := readSeedFile(seedFile)
				if err != nil {
					return err
				}
				truths = loaded
			}

			db, err := openDB(nil)
			if err != nil {
				return err
			}
			defer db.Close()

			if err := db.Bootstrap(context.Background(), truths); err != nil {
				return err
			}
			cmd.Printf("bootstrapped %d seed truths\n", len(truths))
			return nil
		},
	}
	cmd.Flags().StringVar(&seedFile, "seed-file", "", "file with one truth per line")
	return cmd
}

func getCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <fingerprint>",
		Short: "Resolve a fingerprint through the tier cascade",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openDB(nil)
			if err != nil {
				return err
			}
			defer db.Close()

			entry, err := db.Get(context.Background(), knowledge.Fingerprint(args[0]))
			if err != nil {
				return err
			}
			return printJSON(cmd, entry)
		},
	}
}

func queryCmd() *cobra.Command {
	var depth int
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "query <text>",
		Short: "Resolve free text through the query cascade",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			cfg.Pruning.Enabled = false
			if depth > 0 {
				cfg.Cascade.MaxDepth = depth
			}
			if timeout > 0 {
				cfg.Cascade.Timeout = timeout
			}

			db, err := munindb.Open(flagDataDir, cfg, nil)
			if err != nil {
				return err
			}
			defer db.Close()

			resp, err := db.Query(context.Background(), strings.Join(args, " "))
			if err != nil {
				return err
			}
			return printJSON(cmd, resp)
		},
	}
	cmd.Flags().IntVar(&depth, "depth", 0, "override reasoning depth limit")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "override reasoning timeout")
	return cmd
}

func searchCmd() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "search <text>",
		Short: "Find entries similar to the given text",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openDB(nil)
			if err != nil {
				return err
			}
			defer db.Close()

			results, err := db.Search(context.Background(), strings.Join(args, " "), limit)
			if err != nil {
				return err
			}
			for _, r := range results {
				cmd.Printf("%.3f  [%s]  %s  %s\n",
					r.Score, r.Entry.OriginTier, r.Entry.Fingerprint, r.Entry.Content)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 10, "maximum results")
	return cmd
}

func maintainCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "maintain",
		Short: "Run one maintenance cycle",
		Long: `Maintain deduplicates redundant observations, expires entries past
their validity window, retires low-value edges, and reports the
contradiction entropy of the knowledge graph.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openDB(nil)
			if err != nil {
				return err
			}
			defer db.Close()

			report, err := db.Maintain(context.Background())
			if err != nil {
				return err
			}
			return printJSON(cmd, report)
		},
	}
}

func statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print knowledge-graph health",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openDB(nil)
			if err != nil {
				return err
			}
			defer db.Close()

			health, err := db.Health(context.Background())
			if err != nil {
				return err
			}
			return printJSON(cmd, health)
		},
	}
}

func reviewCmd() *cobra.Command {
	var actor string
	var notes string

	review := &cobra.Command{
		Use:   "review",
		Short: "Inspect and decide quarantined principles",
	}
	review.PersistentFlags().StringVar(&actor, "actor", "", "actor credential (name:token)")
	review.PersistentFlags().StringVar(&notes, "notes", "", "review notes for the decision")

	list := &cobra.Command{
		Use:   "list",
		Short: "List quarantine candidates",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openDB(nil)
			if err != nil {
				return err
			}
			defer db.Close()

			return printJSON(cmd, db.Quarantine().List())
		},
	}

	decide := func(use, short string, run func(*munindb.DB, knowledge.Fingerprint) error) *cobra.Command {
		return &cobra.Command{
			Use:   use,
			Short: short,
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				db, err := openDB(&munindb.Options{Signer: reviewSigner(actor)})
				if err != nil {
					return err
				}
				defer db.Close()
				return run(db, knowledge.Fingerprint(args[0]))
			},
		}
	}

	promote := decide("promote <fingerprint>", "Promote a candidate to the Seed tier",
		func(db *munindb.DB, fp knowledge.Fingerprint) error {
			return db.Quarantine().Promote(context.Background(), fp, actor, notes)
		})
	reject := decide("reject <fingerprint>", "Reject a candidate",
		func(db *munindb.DB, fp knowledge.Fingerprint) error {
			return db.Quarantine().Reject(context.Background(), fp, actor, notes)
		})

	review.AddCommand(list, promote, reject)
	return review
}

// reviewSigner builds a signer for the invoking actor from the
// MUNINDB_REVIEW_TOKEN environment variable. With no token configured
// decisions are denied.
func reviewSigner(actor string) identity.Signer {
	token := os.Getenv("MUNINDB_REVIEW_TOKEN")
	name, _, _ := strings.Cut(actor, ":")
	if token == "" || name == "" {
		return identity.DenyAll{}
	}

	signer := identity.NewLocalSigner()
	if err := signer.RegisterActor(name, token, quarantine.ActionPromote, quarantine.ActionReject); err != nil {
		return identity.DenyAll{}
	}
	return signer
}

func readSeedFile(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read seed file: %w", err)
	}
	var truths []string
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		truths = append(truths, line)
	}
	if len(truths) == 0 {
		return nil, fmt.Errorf("seed file %s contains no truths", path)
	}
	return truths, nil
}
