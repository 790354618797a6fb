// Command managebackups drives the backup engine: load profile configs,
// run one or all of them through the orchestrator, and exit non-zero on
// failure. The command-line parser and help text are themselves out of
// scope for this module (spec §1 Out of scope), so this wiring stays
// deliberately thin: flags map directly onto orchestrator.Options and
// nothing more.
package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/rgennis/managebackups/internal/config"
	"github.com/rgennis/managebackups/internal/log"
	"github.com/rgennis/managebackups/internal/orchestrator"
	"github.com/rgennis/managebackups/internal/tagging"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		configPath string
		cacheDir   string
		profile    string
		all        bool
		parallel   bool
		force      bool
		backup     bool
		retention  bool
		sameState  bool
		verbose    bool
		testMode   bool
	)

	cmd := &cobra.Command{
		Use:   "managebackups",
		Short: "Take, catalog, and prune backups",
		RunE: func(cmd *cobra.Command, args []string) error {
			if verbose {
				log.SetLevel(log.Debug)
			}

			profiles, err := config.LoadAll(configPath)
			if err != nil {
				return err
			}
			if !all {
				profiles, err = selectProfile(profiles, profile)
				if err != nil {
					return err
				}
			}

			tags, err := tagging.Load(filepath.Join(cacheDir, "tags"), filepath.Join(cacheDir, "tags.hold"))
			if err != nil {
				return err
			}

			opts := orchestrator.Options{
				CacheDir:          cacheDir,
				Force:             force,
				DoBackup:          backup,
				DoRetention:       retention,
				Now:               time.Now(),
				Tags:              tags,
				NotifyOnSameState: sameState,
				Env: config.Environment{
					CacheDir: cacheDir,
					Force:    force,
					TestMode: testMode,
				},
			}

			results := orchestrator.RunAll(profiles, opts, all && parallel)

			if tags.Dirty() {
				if err := tags.Save(); err != nil {
					log.Errorf(cacheDir, "saving tag store: %v", err)
				}
			}

			return summarize(results)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&configPath, "config", "/etc/managebackups.conf", "path to the profile config file")
	flags.StringVar(&cacheDir, "cache-dir", "/var/cache/managebackups", "directory for catalogs, locks, and sidecars")
	flags.StringVar(&profile, "profile", "", "run only the named profile")
	flags.BoolVar(&all, "all", false, "run every configured profile")
	flags.BoolVar(&parallel, "parallel", false, "with --all, fork one process per profile")
	flags.BoolVar(&force, "force", false, "kill and override another process's live lock")
	flags.BoolVar(&backup, "backup", false, "take a new backup")
	flags.BoolVar(&retention, "retention", false, "apply the retention policy before backing up")
	flags.BoolVar(&sameState, "notify-same-state", false, "notify even when the outcome hasn't changed")
	flags.BoolVar(&verbose, "verbose", false, "enable debug logging")
	flags.BoolVar(&testMode, "test-mode", false, "disable the stale in-process-artifact sweep (for test harnesses without a real clock)")

	cmd.AddCommand(newTagCmd(&cacheDir))

	return cmd
}

func selectProfile(profiles []*config.Profile, title string) ([]*config.Profile, error) {
	if title == "" {
		return nil, fmt.Errorf("either --profile or --all is required")
	}
	for _, p := range profiles {
		if p.Title == title {
			return []*config.Profile{p}, nil
		}
	}
	return nil, fmt.Errorf("no such profile %q", title)
}

func summarize(results []orchestrator.Result) error {
	var failed []string
	for _, r := range results {
		status := "ok"
		if !r.Success {
			status = "FAILED"
			failed = append(failed, r.Profile)
		}
		fmt.Printf("%-20s %s\n", r.Profile, status)
		if r.Err != nil {
			fmt.Printf("  error: %v\n", r.Err)
		}
		for _, v := range r.TripwireHits {
			fmt.Printf("  tripwire mismatch: %s\n", v.Path)
		}
	}
	if len(failed) > 0 {
		return fmt.Errorf("profile(s) failed: %s", strings.Join(failed, ", "))
	}
	return nil
}

func newTagCmd(cacheDir *string) *cobra.Command {
	var hold string

	cmd := &cobra.Command{
		Use:   "tag <tag> <backup>",
		Short: "Attach a tag (and optional hold) to a cataloged backup",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			tags, err := tagging.Load(filepath.Join(*cacheDir, "tags"), filepath.Join(*cacheDir, "tags.hold"))
			if err != nil {
				return err
			}
			tags.Tag(args[0], args[1])
			if hold != "" {
				tags.SetHold(args[0], hold)
			}
			return tags.Save()
		},
	}
	cmd.Flags().StringVar(&hold, "hold", "", `hold expression: "::" permanent, "30d"/"2w"/"1m"/"1y" relative, or "YYYY-MM-DD"`)
	return cmd
}
