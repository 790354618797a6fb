// Package remotefree implements the SFTP free-space gate a profile's
// MinRemoteFreeBytes setting checks before a backup to a remote
// destination runs: it opens the SFTP subsystem to confirm the remote
// path exists, then runs `df -k` on it over a separate SSH session.
package remotefree

import (
	"bytes"
	"net"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"

	"github.com/rgennis/managebackups/internal/errs"
	"github.com/rgennis/managebackups/internal/pacer"
)

// Config names the SSH endpoint checked for free space. Exactly one
// of Password or PrivateKey should be set.
type Config struct {
	Host       string
	Port       int
	User       string
	Password   string
	PrivateKey []byte // PEM-encoded

	HostKeyCallback ssh.HostKeyCallback // defaults to ssh.InsecureIgnoreHostKey if nil
	DialTimeout     time.Duration
}

func (c Config) clientConfig() (*ssh.ClientConfig, error) {
	var auth []ssh.AuthMethod
	if len(c.PrivateKey) > 0 {
		signer, err := ssh.ParsePrivateKey(c.PrivateKey)
		if err != nil {
			return nil, errs.Wrap(errs.KindValidation, err, "parsing SSH private key")
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}
	if c.Password != "" {
		auth = append(auth, ssh.Password(c.Password))
	}
	if len(auth) == 0 {
		return nil, errs.New(errs.KindValidation, "remotefree: no SSH auth method configured")
	}

	cb := c.HostKeyCallback
	if cb == nil {
		cb = ssh.InsecureIgnoreHostKey()
	}
	timeout := c.DialTimeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &ssh.ClientConfig{
		User:            c.User,
		Auth:            auth,
		HostKeyCallback: cb,
		Timeout:         timeout,
	}, nil
}

// dialPacer retries a transient dial/session failure a few times with
// short exponential backoff before giving up; a backup run blocked on
// the free-space gate shouldn't fail on one dropped SYN.
var dialPacer = pacer.New(200*time.Millisecond, 2*time.Second, 3)

// Free dials cfg's host and runs `df -k` against remotePath, returning
// the bytes currently available there. Transient I/O failures (a
// dropped connection, a momentarily refused session) are retried with
// backoff via internal/pacer.
func Free(cfg Config, remotePath string) (int64, error) {
	scCfg, err := cfg.clientConfig()
	if err != nil {
		return 0, err
	}
	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))

	var avail int64
	callErr := dialPacer.Call(func() (retry bool, err error) {
		avail, err = dialAndCheck(scCfg, addr, remotePath)
		return pacer.RetryableIOOrTimeout(err), err
	})
	return avail, callErr
}

func dialAndCheck(scCfg *ssh.ClientConfig, addr, remotePath string) (int64, error) {
	client, err := ssh.Dial("tcp", addr, scCfg)
	if err != nil {
		return 0, errs.Wrap(errs.KindIO, err, "dialing "+addr)
	}
	defer client.Close()

	sc, err := sftp.NewClient(client)
	if err != nil {
		return 0, errs.Wrap(errs.KindIO, err, "opening SFTP subsystem on "+addr)
	}
	defer sc.Close()
	if _, err := sc.Stat(remotePath); err != nil {
		return 0, errs.Wrap(errs.KindIO, err, "remote path "+remotePath+" unreachable via SFTP")
	}

	session, err := client.NewSession()
	if err != nil {
		return 0, errs.Wrap(errs.KindIO, err, "opening SSH session to "+addr)
	}
	defer session.Close()

	var stdout bytes.Buffer
	session.Stdout = &stdout
	if err := session.Run("df -k " + shellEscape(remotePath)); err != nil {
		return 0, errs.Wrap(errs.KindIO, err, "running df -k on "+addr)
	}

	_, _, avail := parseUsage(stdout.Bytes())
	if avail < 0 {
		return 0, errs.New(errs.KindIO, "could not parse df output from "+addr)
	}
	return avail, nil
}

// CheckMinFree returns an error if the remote's available space falls
// below minBytes. minBytes <= 0 disables the check.
func CheckMinFree(cfg Config, remotePath string, minBytes int64) error {
	if minBytes <= 0 {
		return nil
	}
	free, err := Free(cfg, remotePath)
	if err != nil {
		return err
	}
	if free < minBytes {
		return errs.New(errs.KindPolicy, "insufficient remote free space")
	}
	return nil
}

var shellEscapeRegex = regexp.MustCompile(`[^A-Za-z0-9_.,:/@\n-]`)

func shellEscape(s string) string {
	safe := shellEscapeRegex.ReplaceAllString(s, `\$0`)
	return strings.ReplaceAll(safe, "\n", "'\n'")
}

// parseUsage parses the second line of `df -k` output into
// (total, used, avail) in bytes; any column that fails to parse comes
// back -1.
func parseUsage(out []byte) (total, used, avail int64) {
	total, used, avail = -1, -1, -1
	lines := strings.Split(string(out), "\n")
	if len(lines) < 2 {
		return
	}
	fields := strings.Fields(lines[1])
	if len(fields) < 4 {
		return
	}
	if v, err := strconv.ParseInt(fields[1], 10, 64); err == nil {
		total = v * 1024
	}
	if v, err := strconv.ParseInt(fields[2], 10, 64); err == nil {
		used = v * 1024
	}
	if v, err := strconv.ParseInt(fields[3], 10, 64); err == nil {
		avail = v * 1024
	}
	return
}
