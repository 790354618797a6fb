package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/Unknwon/goconfig"
	"github.com/pkg/errors"

	"github.com/rgennis/managebackups/internal/errs"
)

// LoadAll parses every profile section out of an INI-style config file.
// Each section name becomes the profile title.
func LoadAll(path string) ([]*Profile, error) {
	cfg, err := goconfig.LoadConfigFile(path)
	if err != nil {
		return nil, errs.Wrapf(errs.KindValidation, err, "loading config %s", path)
	}

	seen := map[string]bool{}
	var profiles []*Profile
	for _, section := range cfg.GetSectionList() {
		if section == "" {
			continue
		}
		p, err := fromSection(cfg, section)
		if err != nil {
			return nil, errs.Wrapf(errs.KindValidation, err, "profile %s", section)
		}
		p.sourcePath = path
		if seen[p.Title] {
			return nil, errs.New(errs.KindValidation, fmt.Sprintf("duplicate profile name %q", p.Title))
		}
		seen[p.Title] = true
		profiles = append(profiles, p)
	}
	return profiles, nil
}

func fromSection(cfg *goconfig.ConfigFile, section string) (*Profile, error) {
	p := NewProfile(section)

	if v, err := cfg.GetValue(section, "uuid"); err == nil && v != "" {
		p.UUID = v
	}
	p.Directory, _ = cfg.GetValue(section, "directory")
	p.BackupCommand, _ = cfg.GetValue(section, "command")

	if style, _ := cfg.GetValue(section, "style"); style == "faub" {
		p.Style = StyleFaub
	} else {
		p.Style = StyleSingleFile
	}

	p.Days = getInt(cfg, section, "days", 0)
	p.Weeks = getInt(cfg, section, "weeks", 0)
	p.Months = getInt(cfg, section, "months", 0)
	p.Years = getInt(cfg, section, "years", 0)

	if dow, _ := cfg.GetValue(section, "weekly_dow"); dow != "" {
		if n, err := strconv.Atoi(dow); err == nil {
			p.WeeklyDOW = time.Weekday(n)
		}
	}

	p.MaxLinks = getInt(cfg, section, "max_links", 1000)
	p.Failsafe.MinBackups = getInt(cfg, section, "failsafe_backups", 0)
	p.Failsafe.MinDays = getInt(cfg, section, "failsafe_days", 0)
	p.Failsafe.MaxSlowPrune = getInt(cfg, section, "failsafe_slow", 0)
	p.Consolidate = getInt(cfg, section, "consolidate", 0)
	p.DataOnly, _ = cfg.Bool(section, "data_only")

	p.MinLocalFreeBytes = getInt64(cfg, section, "min_local_free", 0)
	p.MinRemoteFreeBytes = getInt64(cfg, section, "min_remote_free", 0)
	p.MinBackupSize = getInt64(cfg, section, "min_backup_size", 0)

	p.RemoteHost, _ = cfg.GetValue(section, "remote_host")
	p.RemotePort = getInt(cfg, section, "remote_port", 22)
	p.RemoteUser, _ = cfg.GetValue(section, "remote_user")
	p.RemotePassword, _ = cfg.GetValue(section, "remote_password")
	p.RemoteKeyPath, _ = cfg.GetValue(section, "remote_key_path")
	p.RemotePath, _ = cfg.GetValue(section, "remote_path")

	if notify, _ := cfg.GetValue(section, "notify"); notify != "" {
		p.NotifyList = strings.Split(notify, ",")
		for i := range p.NotifyList {
			p.NotifyList[i] = strings.TrimSpace(p.NotifyList[i])
		}
	}

	if mode, _ := cfg.GetValue(section, "file_mode"); mode != "" {
		v, err := strconv.ParseUint(mode, 8, 32)
		if err != nil {
			return nil, errors.Wrapf(err, "bad octal file_mode %q", mode)
		}
		p.FileMode = uint32(v)
	}
	p.UID = getInt(cfg, section, "uid", 0)
	p.GID = getInt(cfg, section, "gid", 0)

	if pat, _ := cfg.GetValue(section, "include"); pat != "" {
		re, err := regexp.Compile(pat)
		if err != nil {
			return nil, errors.Wrapf(err, "bad include regex %q", pat)
		}
		p.IncludeRegexp = re
	}
	if pat, _ := cfg.GetValue(section, "exclude"); pat != "" {
		re, err := regexp.Compile(pat)
		if err != nil {
			return nil, errors.Wrapf(err, "bad exclude regex %q", pat)
		}
		p.ExcludeRegexp = re
	}

	if tw, _ := cfg.GetValue(section, "tripwire"); tw != "" {
		for _, pair := range strings.Split(tw, ",") {
			parts := strings.SplitN(strings.TrimSpace(pair), ":", 2)
			if len(parts) != 2 {
				continue
			}
			p.Tripwire = append(p.Tripwire, TripwirePair{Path: parts[0], MD5: parts[1]})
		}
	}

	return p, p.Validate()
}

func getInt(cfg *goconfig.ConfigFile, section, key string, def int) int {
	v, err := cfg.Int(section, key)
	if err != nil {
		return def
	}
	return v
}

func getInt64(cfg *goconfig.ConfigFile, section, key string, def int64) int64 {
	v, err := cfg.GetValue(section, key)
	if err != nil || v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return def
	}
	return n
}

// Save persists p back into its section of the config file it was
// loaded from (or path, for a brand-new profile), atomically via
// temp-file-then-rename so concurrent readers never see a torn file.
func (p *Profile) Save(path string) error {
	if path == "" {
		path = p.sourcePath
	}
	cfg, err := goconfig.LoadConfigFile(path)
	if os.IsNotExist(err) {
		cfg, err = goconfig.LoadFromData(nil)
	}
	if err != nil {
		return errs.Wrapf(errs.KindValidation, err, "loading config %s for save", path)
	}

	section := p.Title
	set := func(key, value string) { _ = cfg.SetValue(section, key, value) }

	set("uuid", p.UUID)
	set("directory", p.Directory)
	set("command", p.BackupCommand)
	if p.Style == StyleFaub {
		set("style", "faub")
	} else {
		set("style", "singlefile")
	}
	set("days", strconv.Itoa(p.Days))
	set("weeks", strconv.Itoa(p.Weeks))
	set("months", strconv.Itoa(p.Months))
	set("years", strconv.Itoa(p.Years))
	set("weekly_dow", strconv.Itoa(int(p.WeeklyDOW)))
	set("max_links", strconv.Itoa(p.MaxLinks))
	set("failsafe_backups", strconv.Itoa(p.Failsafe.MinBackups))
	set("failsafe_days", strconv.Itoa(p.Failsafe.MinDays))
	set("failsafe_slow", strconv.Itoa(p.Failsafe.MaxSlowPrune))
	set("consolidate", strconv.Itoa(p.Consolidate))
	set("data_only", strconv.FormatBool(p.DataOnly))
	set("min_local_free", strconv.FormatInt(p.MinLocalFreeBytes, 10))
	set("min_remote_free", strconv.FormatInt(p.MinRemoteFreeBytes, 10))
	set("min_backup_size", strconv.FormatInt(p.MinBackupSize, 10))
	if p.RemoteHost != "" {
		set("remote_host", p.RemoteHost)
		set("remote_port", strconv.Itoa(p.RemotePort))
		set("remote_user", p.RemoteUser)
		set("remote_password", p.RemotePassword)
		set("remote_key_path", p.RemoteKeyPath)
		set("remote_path", p.RemotePath)
	}
	set("notify", strings.Join(p.NotifyList, ","))
	set("file_mode", fmt.Sprintf("%o", p.FileMode))
	set("uid", strconv.Itoa(p.UID))
	set("gid", strconv.Itoa(p.GID))
	if p.IncludeRegexp != nil {
		set("include", p.IncludeRegexp.String())
	}
	if p.ExcludeRegexp != nil {
		set("exclude", p.ExcludeRegexp.String())
	}
	if len(p.Tripwire) > 0 {
		pairs := make([]string, len(p.Tripwire))
		for i, t := range p.Tripwire {
			pairs[i] = t.Path + ":" + t.MD5
		}
		set("tripwire", strings.Join(pairs, ","))
	}

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".config.*.tmp")
	if err != nil {
		return errs.Wrapf(errs.KindIO, err, "creating temp config file in %s", dir)
	}
	tmpPath := tmp.Name()
	_ = tmp.Close()

	if err := goconfig.SaveConfigFile(cfg, tmpPath); err != nil {
		os.Remove(tmpPath)
		return errs.Wrapf(errs.KindIO, err, "writing temp config file")
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return errs.Wrapf(errs.KindIO, err, "renaming temp config file into place")
	}
	p.sourcePath = path
	return nil
}
