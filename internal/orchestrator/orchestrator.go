// Package orchestrator implements the top-level control flow (spec
// §2): for one profile, acquire the lock, verify tripwire, prune,
// link, take a new backup, commit, and release, in that strict order
// so no step begins before the prior one has fully committed its
// on-disk state. RunAll additionally implements the all-profiles-
// parallel fork mode by re-invoking the current binary once per
// profile as a child process.
package orchestrator

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/rgennis/managebackups/internal/config"
	"github.com/rgennis/managebackups/internal/diskspace"
	"github.com/rgennis/managebackups/internal/remotefree"
	"github.com/rgennis/managebackups/internal/faub"
	"github.com/rgennis/managebackups/internal/faubcatalog"
	"github.com/rgennis/managebackups/internal/faubentry"
	"github.com/rgennis/managebackups/internal/fingerprint"
	"github.com/rgennis/managebackups/internal/ipc"
	"github.com/rgennis/managebackups/internal/linking"
	"github.com/rgennis/managebackups/internal/lock"
	"github.com/rgennis/managebackups/internal/log"
	"github.com/rgennis/managebackups/internal/notify"
	"github.com/rgennis/managebackups/internal/pipeline"
	"github.com/rgennis/managebackups/internal/retention"
	"github.com/rgennis/managebackups/internal/sfcatalog"
	"github.com/rgennis/managebackups/internal/sfentry"
	"github.com/rgennis/managebackups/internal/statuscache"
	"github.com/rgennis/managebackups/internal/tagging"
	"github.com/rgennis/managebackups/internal/tripwire"
)

// Options controls which steps of one profile run execute.
type Options struct {
	CacheDir    string
	Force       bool // passed through to lock.Acquire
	DoRetention bool
	DoBackup    bool
	Now         time.Time

	// Env carries the explicit runtime settings (spec §9 "Global
	// configuration"); Env.TestMode disables the 5-hour stale
	// in-process-artifact sweep in both catalogs so a test harness
	// with no real wall clock doesn't race real deletions.
	Env config.Environment

	Tags *tagging.Store // nil disables hold lookups

	Notifiers         []notify.Notifier
	NotifyOnSameState bool
}

// Result summarizes one profile run for reporting/notification.
type Result struct {
	Profile       string
	Success       bool
	TripwireHits  []tripwire.Violation
	RetentionPlan *retention.Plan
	LinkingResult *linking.Result
	NewBackupPath string
	Err           error
}

// RunProfile executes the full control flow for one profile: lock ->
// tripwire -> retention -> linking -> backup -> commit -> release.
func RunProfile(p *config.Profile, opts Options) Result {
	res := Result{Profile: p.Title}

	if err := p.Validate(); err != nil {
		res.Err = err
		return res
	}

	cacheSubdir := filepath.Join(opts.CacheDir, p.CacheID())
	lockPath := filepath.Join(opts.CacheDir, p.CacheID()+".lock")

	l, err := lock.Acquire(lockPath, opts.Force)
	if err != nil {
		res.Err = err
		return res
	}
	defer l.Release()

	cache := statuscache.New(cacheSubdir)

	violations, err := tripwire.Verify(p)
	if err != nil {
		res.Err = err
		return res
	}
	res.TripwireHits = violations
	for _, v := range violations {
		log.Errorf(v.Path, "tripwire mismatch: expected %s", v.Expected)
	}

	switch p.Style {
	case config.StyleSingleFile:
		res.Err = runSingleFile(p, opts, cacheSubdir, cache, l, &res)
	case config.StyleFaub:
		res.Err = runFaub(p, opts, cacheSubdir, cache, l, &res)
	default:
		res.Err = fmt.Errorf("profile %q: unknown backup style", p.Title)
	}

	res.Success = res.Err == nil && len(res.TripwireHits) == 0

	if opts.Notifiers != nil {
		tracker := notify.NewStateTracker(opts.CacheDir)
		summary := res.Profile
		if res.Err != nil {
			summary = fmt.Sprintf("%s: %v", res.Profile, res.Err)
		}
		_ = notify.Dispatch(notify.Report{Profile: p.Title, Success: res.Success, Summary: summary},
			opts.Notifiers, tracker, opts.NotifyOnSameState)
	}

	return res
}

func runSingleFile(p *config.Profile, opts Options, cacheDir string, cache *statuscache.Cache, lk *lock.Lock, res *Result) error {
	catPath := sfcatalog.CachePath(opts.CacheDir, p.Directory, p.Title)
	cat, err := sfcatalog.Restore(catPath)
	if err != nil {
		return err
	}

	if _, err := cat.Scan(p.Directory, p.IncludeRegexp, opts.Now, opts.Env.TestMode); err != nil {
		return err
	}

	if opts.DoRetention {
		plan := retention.Build(sfCandidates(cat.All(), opts), p, opts.Now)
		res.RetentionPlan = plan
		if err := retention.ApplySingleFile(plan, cat); err != nil {
			return err
		}
		if err := cache.Invalidate(); err != nil {
			log.Errorf(cacheDir, "invalidating status cache: %v", err)
		}
	}

	linkResult := linking.Run(cat, p.MaxLinks, p.IncludeTime, opts.Now)
	res.LinkingResult = &linkResult
	for _, e := range linkResult.Errors {
		log.Errorf(p.Title, "linking: %v", e)
	}

	if opts.DoBackup {
		if err := checkFreeSpace(p); err != nil {
			return err
		}
		path, err := takeSingleFileBackup(p, opts, filepath.Join(cacheDir, "scratch"), lk)
		if err != nil {
			return err
		}
		res.NewBackupPath = path

		e := sfentry.New(path)
		fi, err := os.Lstat(path)
		if err != nil {
			return err
		}
		nlink, inode := statLinkInfo(fi)
		e.NLink, e.Inode, e.Mtime, e.Size = nlink, inode, fi.ModTime(), fi.Size()
		sum, err := fingerprint.MD5File(path)
		if err != nil {
			return err
		}
		e.MD5 = sum
		cat.AddOrUpdate(e)

		if p.MinBackupSize > 0 && e.Size < p.MinBackupSize {
			log.Noticef(path, "new backup is smaller than the configured minimum size")
		}

		if err := cache.Invalidate(); err != nil {
			log.Errorf(cacheDir, "invalidating status cache: %v", err)
		}
	}

	if cat.Dirty() {
		if err := cat.Save(catPath); err != nil {
			return err
		}
	}
	return nil
}

func takeSingleFileBackup(p *config.Profile, opts Options, scratchDir string, lk *lock.Lock) (string, error) {
	finalPath := p.DestinationPath(opts.Now, "")
	tmpPath := fmt.Sprintf("%s.tmp.%d", finalPath, os.Getpid())

	if err := os.MkdirAll(filepath.Dir(finalPath), 0755); err != nil {
		return "", err
	}

	pl, rw, err := pipeline.Start(p.BackupCommand, scratchDir)
	if err != nil {
		return "", err
	}

	out, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(p.FileMode))
	if err != nil {
		rw.Close()
		pl.Wait()
		return "", err
	}

	lk.SetInProcessArtifact(tmpPath, false)
	_, copyErr := io.Copy(out, rw)
	closeErr := out.Close()
	rwErr := rw.Close()
	waitErr := pl.Wait()
	lk.SetInProcessArtifact("", false)

	switch {
	case copyErr != nil:
		os.Remove(tmpPath)
		return "", copyErr
	case closeErr != nil:
		os.Remove(tmpPath)
		return "", closeErr
	case rwErr != nil:
		os.Remove(tmpPath)
		return "", rwErr
	case waitErr != nil:
		os.Remove(tmpPath)
		return "", waitErr
	}

	if err := os.Rename(tmpPath, finalPath); err != nil {
		os.Remove(tmpPath)
		return "", err
	}
	return finalPath, nil
}

func runFaub(p *config.Profile, opts Options, cacheDir string, cache *statuscache.Cache, lk *lock.Lock, res *Result) error {
	cat, inProcess, err := faubcatalog.Restore(p.Directory, p.Title, p.UUID, cacheDir, opts.Now, opts.Env.TestMode)
	if err != nil {
		return err
	}
	if inProcess != "" {
		log.Infof(inProcess, "found in-process artifact from a prior run")
	}

	if err := cat.RunRecache(cacheDir); err != nil {
		return err
	}

	if opts.DoRetention {
		plan := retention.Build(faubCandidates(cat.All(), opts), p, opts.Now)
		res.RetentionPlan = plan
		if err := retention.ApplyFaub(plan, cat, cacheDir, opts.Now); err != nil {
			return err
		}
		if err := cache.Invalidate(); err != nil {
			log.Errorf(cacheDir, "invalidating status cache: %v", err)
		}
	}

	if opts.DoBackup {
		if err := checkFreeSpace(p); err != nil {
			return err
		}

		finalRoot := p.DestinationPath(opts.Now, "")
		tmpRoot := fmt.Sprintf("%s.tmp.%d", finalRoot, os.Getpid())

		var prevRoot string
		if latest := cat.Latest(); latest != nil {
			prevRoot = latest.Directory
		}

		pl, rw, err := pipeline.Start(p.BackupCommand, filepath.Join(cacheDir, "scratch"))
		if err != nil {
			return err
		}

		ch := ipc.New(rw)
		cfg := faub.ServerConfig{
			Profile:           p.Title,
			UUID:              p.UUID,
			CacheDir:          cacheDir,
			TempRoot:          tmpRoot,
			FinalRoot:         finalRoot,
			PrevRoot:          prevRoot,
			MaxLinks:          p.MaxLinks,
			SameDateOverwrite: !p.IncludeTime,
		}

		lk.SetInProcessArtifact(tmpRoot, true)
		entry, _, runErr := faub.RunServer(ch, cfg, cat, func() time.Time { return opts.Now })
		rwErr := rw.Close()
		waitErr := pl.Wait()
		lk.SetInProcessArtifact("", true)

		if runErr != nil {
			return runErr
		}
		if rwErr != nil {
			return rwErr
		}
		if waitErr != nil {
			return waitErr
		}

		res.NewBackupPath = entry.Directory
		if err := cache.Invalidate(); err != nil {
			log.Errorf(cacheDir, "invalidating status cache: %v", err)
		}
	}

	return nil
}

// checkFreeSpace runs the local free-space gate unconditionally and,
// when the profile names a remote destination, the SFTP free-space
// gate too, per spec §3.3's "min local free space"/"min remote SFTP
// free space" attributes.
func checkFreeSpace(p *config.Profile) error {
	if err := diskspace.CheckMinFree(p.Directory, p.MinLocalFreeBytes); err != nil {
		return err
	}
	if p.RemoteHost == "" || p.MinRemoteFreeBytes <= 0 {
		return nil
	}
	cfg := remotefree.Config{
		Host:     p.RemoteHost,
		Port:     p.RemotePort,
		User:     p.RemoteUser,
		Password: p.RemotePassword,
	}
	if p.RemoteKeyPath != "" {
		key, err := os.ReadFile(p.RemoteKeyPath)
		if err != nil {
			return err
		}
		cfg.PrivateKey = key
	}
	return remotefree.CheckMinFree(cfg, p.RemotePath, p.MinRemoteFreeBytes)
}

// holdFor resolves the strongest hold any tag attached to backup
// implies: permanent beats any timestamp, the furthest-future
// timestamp beats a nearer one, and no tags (or a nil store) means no
// hold at all.
func holdFor(tags *tagging.Store, backup string, now time.Time) int64 {
	if tags == nil {
		return 0
	}
	var strongest int64
	for _, tag := range tags.TagsOnBackup(backup) {
		h := retention.ParseHold(tags.GetHold(tag), now)
		if h == 1 {
			return 1
		}
		if h > strongest {
			strongest = h
		}
	}
	return strongest
}

func sfCandidates(entries []*sfentry.Entry, opts Options) []retention.Candidate {
	out := make([]retention.Candidate, 0, len(entries))
	for _, e := range entries {
		out = append(out, retention.Candidate{
			Key:   e.Filename,
			Year:  e.Year,
			Month: e.Month,
			Day:   e.Day,
			DOW:   e.DOW,
			Hold:  holdFor(opts.Tags, e.Filename, opts.Now),
		})
	}
	return out
}

func faubCandidates(entries []*faubentry.Entry, opts Options) []retention.Candidate {
	out := make([]retention.Candidate, 0, len(entries))
	for _, e := range entries {
		out = append(out, retention.Candidate{
			Key:        e.Directory,
			Year:       e.StartYear,
			Month:      e.StartMonth,
			Day:        e.StartDay,
			DOW:        e.DOW,
			UsedBytes:  e.Stats.BytesUsed,
			SavedBytes: e.Stats.BytesSaved,
			Modified:   e.Stats.Modified,
			Hold:       holdFor(opts.Tags, e.Directory, opts.Now),
		})
	}
	return out
}

// RunAll executes every profile in profiles, either sequentially
// in-process or, when parallel is true, by re-exec'ing the current
// binary once per profile (the all-profiles-parallel fork mode,
// spec §5 "parallelism exists only via fork").
func RunAll(profiles []*config.Profile, opts Options, parallel bool) []Result {
	if !parallel {
		results := make([]Result, 0, len(profiles))
		for _, p := range profiles {
			results = append(results, RunProfile(p, opts))
		}
		return results
	}
	return runAllForked(profiles, opts)
}

func runAllForked(profiles []*config.Profile, opts Options) []Result {
	type outcome struct {
		profile string
		err     error
	}
	ch := make(chan outcome, len(profiles))
	self, err := os.Executable()
	if err != nil {
		self = os.Args[0]
	}

	for _, p := range profiles {
		go func(title string) {
			args := []string{"--profile", title}
			if opts.DoBackup {
				args = append(args, "--backup")
			}
			if opts.DoRetention {
				args = append(args, "--retention")
			}
			cmd := exec.Command(self, args...)
			cmd.Stdout = os.Stdout
			cmd.Stderr = os.Stderr
			ch <- outcome{profile: title, err: cmd.Run()}
		}(p.Title)
	}

	results := make([]Result, 0, len(profiles))
	for range profiles {
		o := <-ch
		results = append(results, Result{Profile: o.profile, Success: o.err == nil, Err: o.err})
	}
	return results
}
