package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/strata-backup/strata/internal/backend"
	"github.com/strata-backup/strata/internal/backend/limiter"
	"github.com/strata-backup/strata/internal/backend/local"
	"github.com/strata-backup/strata/internal/backend/mem"
	"github.com/strata-backup/strata/internal/backend/rclone"
	"github.com/strata-backup/strata/internal/backend/rest"
	"github.com/strata-backup/strata/internal/backend/retry"
	"github.com/strata-backup/strata/internal/backend/s3"
	"github.com/strata-backup/strata/internal/backend/sema"
	"github.com/strata-backup/strata/internal/cache"
	"github.com/strata-backup/strata/internal/debug"
	"github.com/strata-backup/strata/internal/errors"
	"github.com/strata-backup/strata/internal/options"
	"github.com/strata-backup/strata/internal/repository"
	"github.com/strata-backup/strata/internal/strata"
	"github.com/strata-backup/strata/internal/textfile"

	"github.com/spf13/pflag"
	"golang.org/x/term"
)

const version = "0.1.0-dev"

// GlobalOptions hold all global options for strata.
type GlobalOptions struct {
	Repo         string
	PasswordFile string
	KeyHint      string
	Quiet        bool
	Verbose      int
	NoLock       bool
	RetryLock    time.Duration
	JSON         bool
	CacheDir     string
	NoCache      bool
	CleanupCache bool
	Compression  repository.CompressionMode
	PackSize     uint
	Options      []string

	backend.TransportOptions
	limiter.Limits

	password string
	extended options.Options

	// verbosity is set as follows:
	//  0 means: don't print any messages except errors, this is used when --quiet is specified
	//  1 is the default: print essential messages
	//  2 means: print more messages, report minor things, this is used when --verbose is specified
	//  3 means: print very detailed debug messages, this is used when --verbose=2 is specified
	verbosity uint

	stdout io.Writer
	stderr io.Writer
}

var globalOptions = GlobalOptions{
	stdout: os.Stdout,
	stderr: os.Stderr,
}

// AddFlags adds the global flags to the given flag set.
func (opts *GlobalOptions) AddFlags(f *pflag.FlagSet) {
	f.StringVarP(&opts.Repo, "repo", "r", "", "`repository` to backup to or restore from (default: $STRATA_REPOSITORY)")
	f.StringVarP(&opts.PasswordFile, "password-file", "p", "", "`file` to read the repository password from (default: $STRATA_PASSWORD_FILE)")
	f.StringVar(&opts.KeyHint, "key-hint", "", "`key` ID of key to try decrypting first (default: $STRATA_KEY_HINT)")
	f.BoolVarP(&opts.Quiet, "quiet", "q", false, "do not output comprehensive progress report")
	f.CountVarP(&opts.Verbose, "verbose", "v", "be verbose (specify multiple times or a level using --verbose=n, max level/times is 2)")
	f.BoolVar(&opts.NoLock, "no-lock", false, "do not lock the repository, this allows some operations on read-only repositories")
	f.DurationVar(&opts.RetryLock, "retry-lock", 0, "retry to lock the repository if it is already locked, takes a value like 5m or 2h (default: no retries)")
	f.BoolVar(&opts.JSON, "json", false, "set output mode to JSON for commands that support it")
	f.StringVar(&opts.CacheDir, "cache-dir", "", "set the cache `directory`. (default: use system default cache directory)")
	f.BoolVar(&opts.NoCache, "no-cache", false, "do not use a local cache")
	f.BoolVar(&opts.CleanupCache, "cleanup-cache", false, "auto remove old cache directories")
	f.Var(&opts.Compression, "compression", "compression mode (only available for repository format version 2), one of (auto|off|max) (default: $STRATA_COMPRESSION)")
	f.UintVar(&opts.PackSize, "pack-size", 0, "set target pack `size` in MiB, created pack files may be larger (default: $STRATA_PACK_SIZE)")
	f.IntVar(&opts.Limits.UploadKb, "limit-upload", 0, "limits uploads to a maximum `rate` in KiB/s. (default: unlimited)")
	f.IntVar(&opts.Limits.DownloadKb, "limit-download", 0, "limits downloads to a maximum `rate` in KiB/s. (default: unlimited)")
	f.StringSliceVarP(&opts.Options, "option", "o", []string{}, "set extended option (`key=value`, can be specified multiple times)")
	f.StringSliceVar(&opts.RootCertFilenames, "cacert", nil, "`file` to load root certificates from (default: use system certificates)")
	f.StringVar(&opts.TLSClientCertKeyFilename, "tls-client-cert", "", "path to a `file` containing PEM encoded TLS client certificate and private key")
	f.BoolVar(&opts.InsecureTLS, "insecure-tls", false, "skip TLS certificate verification when connecting to the repository (insecure)")

	opts.Repo = os.Getenv("STRATA_REPOSITORY")
	opts.PasswordFile = os.Getenv("STRATA_PASSWORD_FILE")
	opts.KeyHint = os.Getenv("STRATA_KEY_HINT")

	comp := os.Getenv("STRATA_COMPRESSION")
	if comp != "" {
		// ignore error as there's no good way to handle it
		_ = opts.Compression.Set(comp)
	}

	targetPackSize, _ := strconv.ParseUint(os.Getenv("STRATA_PACK_SIZE"), 10, 32)
	opts.PackSize = uint(targetPackSize)
}

// PreRun resolves the verbosity level, extended options and the repository
// password. It is run for every command.
func (opts *GlobalOptions) PreRun(needsPassword bool) error {
	// set verbosity, default is one
	opts.verbosity = 1
	if opts.Quiet && opts.Verbose > 0 {
		return errors.Fatal("--quiet and --verbose cannot be specified at the same time")
	}

	switch {
	case opts.Verbose >= 2:
		opts.verbosity = 3
	case opts.Verbose > 0:
		opts.verbosity = 2
	case opts.Quiet:
		opts.verbosity = 0
	}

	// parse extended options
	extendedOpts, err := options.Splice(opts.Options)
	if err != nil {
		return err
	}
	opts.extended = extendedOpts
	if !needsPassword {
		return nil
	}
	pwd, err := resolvePassword(*opts, "STRATA_PASSWORD")
	if err != nil {
		return errors.Fatalf("Resolving password failed: %v", err)
	}
	opts.password = pwd
	return nil
}

// Printf writes the message to the configured stdout stream.
func Printf(format string, args ...interface{}) {
	_, err := fmt.Fprintf(globalOptions.stdout, format, args...)
	if err != nil {
		fmt.Fprintf(os.Stderr, "unable to write to stdout: %v\n", err)
	}
}

// Println writes the message to the configured stdout stream.
func Println(args ...interface{}) {
	_, err := fmt.Fprintln(globalOptions.stdout, args...)
	if err != nil {
		fmt.Fprintf(os.Stderr, "unable to write to stdout: %v\n", err)
	}
}

// Verbosef calls Printf to write the message when the verbose flag is set.
func Verbosef(format string, args ...interface{}) {
	if globalOptions.verbosity >= 1 {
		Printf(format, args...)
	}
}

// Verboseff calls Printf to write the message when the verbosity is >= 2.
func Verboseff(format string, args ...interface{}) {
	if globalOptions.verbosity >= 2 {
		Printf(format, args...)
	}
}

// Warnf writes the message to the configured stderr stream.
func Warnf(format string, args ...interface{}) {
	_, err := fmt.Fprintf(globalOptions.stderr, format, args...)
	if err != nil {
		fmt.Fprintf(os.Stderr, "unable to write to stderr: %v\n", err)
	}
}

// resolvePassword determines the password to be used for opening the repository.
func resolvePassword(opts GlobalOptions, envStr string) (string, error) {
	if opts.PasswordFile != "" {
		s, err := textfile.Read(opts.PasswordFile)
		if errors.Is(err, os.ErrNotExist) {
			return "", errors.Fatal("password file not found")
		}
		if err != nil {
			return "", errors.Wrap(err, "ReadPasswordFile")
		}
		return strings.TrimSpace(string(s)), nil
	}

	if pwd := os.Getenv(envStr); pwd != "" {
		return pwd, nil
	}

	return "", nil
}

// readPassword reads the password from the given reader directly.
func readPassword(in io.Reader) (password string, err error) {
	sc := bufio.NewScanner(in)
	sc.Scan()

	return sc.Text(), errors.Wrap(sc.Err(), "Scan")
}

// readPasswordTerminal reads the password from the given reader which must be a
// tty. Prompt is printed on the writer out before attempting to read the
// password.
func readPasswordTerminal(in *os.File, out io.Writer, prompt string) (password string, err error) {
	fmt.Fprint(out, prompt)
	buf, err := term.ReadPassword(int(in.Fd()))
	fmt.Fprintln(out)
	if err != nil {
		return "", errors.Wrap(err, "ReadPassword")
	}

	password = string(buf)
	return password, nil
}

// ReadPassword reads the password from a password file, the environment
// variable STRATA_PASSWORD or prompts the user.
func ReadPassword(gopts GlobalOptions, prompt string) (string, error) {
	if gopts.password != "" {
		return gopts.password, nil
	}

	var (
		password string
		err      error
	)

	if stdinIsTerminal() {
		password, err = readPasswordTerminal(os.Stdin, os.Stderr, prompt)
	} else {
		password, err = readPassword(os.Stdin)
		Verbosef("reading repository password from stdin\n")
	}

	if err != nil {
		return "", errors.Wrap(err, "unable to read password")
	}

	if len(password) == 0 {
		return "", errors.Fatal("an empty password is not a password")
	}

	return password, nil
}

// ReadPasswordTwice calls ReadPassword two times and returns an error when the
// passwords don't match.
func ReadPasswordTwice(gopts GlobalOptions, prompt1, prompt2 string) (string, error) {
	pw1, err := ReadPassword(gopts, prompt1)
	if err != nil {
		return "", err
	}
	if stdinIsTerminal() {
		pw2, err := ReadPassword(gopts, prompt2)
		if err != nil {
			return "", err
		}

		if pw1 != pw2 {
			return "", errors.Fatal("passwords do not match")
		}
	}

	return pw1, nil
}

func stdinIsTerminal() bool {
	return term.IsTerminal(int(os.Stdin.Fd()))
}

const maxKeys = 20

// OpenRepository reads the password and opens the repository.
func OpenRepository(ctx context.Context, gopts GlobalOptions) (*repository.Repository, error) {
	if gopts.Repo == "" {
		return nil, errors.Fatal("Please specify repository location (-r or --repository-file)")
	}

	be, err := open(ctx, gopts.Repo, gopts, gopts.extended)
	if err != nil {
		return nil, err
	}

	report := func(msg string, err error, d time.Duration) {
		if d >= 0 {
			Warnf("%v returned error, retrying after %v: %v\n", msg, d, err)
		} else {
			Warnf("%v failed: %v\n", msg, err)
		}
	}
	success := func(msg string, retries int) {
		Warnf("%v operation successful after %d retries\n", msg, retries)
	}
	be = retry.New(be, 15*time.Minute, report, success)

	s, err := repository.New(be, repository.Options{
		Compression: gopts.Compression,
		PackSize:    gopts.PackSize * 1024 * 1024,
	})
	if err != nil {
		return nil, errors.Fatalf("%s", err)
	}

	passwordTriesLeft := 1
	if stdinIsTerminal() && gopts.password == "" {
		passwordTriesLeft = 3
	}

	for {
		password, err := ReadPassword(gopts, "enter password for repository: ")
		if err != nil {
			return nil, err
		}

		err = s.SearchKey(ctx, password, maxKeys, gopts.KeyHint)
		if err == nil {
			gopts.password = password
			break
		}

		passwordTriesLeft--
		if passwordTriesLeft <= 0 {
			return nil, err
		}
		fmt.Fprintf(os.Stderr, "%s. Try again\n", err)
	}

	if stdoutIsTerminal() && gopts.verbosity >= 1 {
		id := s.Config().ID
		if len(id) > 8 {
			id = id[:8]
		}
		if !gopts.JSON {
			Verbosef("repository %v opened (version %v, compression level %v)\n", id, s.Config().Version, gopts.Compression)
		}
	}

	if gopts.NoCache {
		return s, nil
	}

	c, err := cache.New(s.Config().ID, gopts.CacheDir)
	if err != nil {
		Warnf("unable to open cache: %v\n", err)
		return s, nil
	}

	if c.Created && !gopts.JSON && stdoutIsTerminal() {
		Verbosef("created new cache in %v\n", c.BaseDir())
	}

	// start using the cache
	s.UseCache(c)

	oldCacheDirs, err := cache.Old(c.BaseDir())
	if err != nil {
		Warnf("unable to find old cache directories: %v", err)
	}

	// nothing more to do if no old cache dirs could be found
	if len(oldCacheDirs) == 0 {
		return s, nil
	}

	// cleanup old cache dirs if instructed to do so
	if gopts.CleanupCache {
		Verbosef("removing %d old cache dirs from %v\n", len(oldCacheDirs), c.BaseDir())
		for _, item := range oldCacheDirs {
			dir := filepath.Join(c.BaseDir(), item.Name())
			err = os.RemoveAll(dir)
			if err != nil {
				Warnf("unable to remove %v: %v\n", dir, err)
			}
		}
	} else {
		if stdoutIsTerminal() {
			Verbosef("found %d old cache directories in %v, run `strata cache --cleanup` to remove them\n",
				len(oldCacheDirs), c.BaseDir())
		}
	}

	return s, nil
}

func stdoutIsTerminal() bool {
	f, ok := globalOptions.stdout.(*os.File)
	if !ok {
		return false
	}
	return term.IsTerminal(int(f.Fd()))
}

func stdoutTerminalWidth() int {
	f, ok := globalOptions.stdout.(*os.File)
	if !ok {
		return 0
	}
	w, _, err := term.GetSize(int(f.Fd()))
	if err != nil {
		return 0
	}
	return w
}

// stripPassword removes any user credentials embedded in a rest: location so
// the string can safely end up in error messages and logs.
func stripPassword(s string) string {
	if !strings.HasPrefix(s, "rest:") {
		return s
	}

	u, err := url.Parse(s[len("rest:"):])
	if err != nil {
		return s
	}

	if u.User == nil {
		return s
	}

	u.User = url.User(u.User.Username())
	return "rest:" + u.Redacted()
}

// splitLocation returns the backend scheme and the full location
// specification. A location without a scheme is treated as a local path.
func splitLocation(s string) (scheme, rest string) {
	for _, prefix := range []string{"local:", "rest:", "rclone:", "s3:", "mem:"} {
		if strings.HasPrefix(s, prefix) {
			return prefix[:len(prefix)-1], s
		}
	}
	// paths like "C:" or "D:\foo" are not a scheme
	return "local", "local:" + s
}

func open(ctx context.Context, s string, gopts GlobalOptions, opts options.Options) (strata.Backend, error) {
	be, err := innerOpen(ctx, s, gopts, opts, false)
	if err != nil {
		return nil, err
	}

	// check if config is there
	fi, err := be.Stat(ctx, strata.Handle{Type: strata.ConfigFile})
	if err != nil {
		return nil, errors.Fatalf("unable to open config file: %v\nIs there a repository at the following location?\n%v", err, s)
	}

	if fi.Size == 0 {
		return nil, errors.New("config file has zero size, invalid repository?")
	}

	return be, nil
}

// create opens the backend and creates the cold storage layout if necessary.
func create(ctx context.Context, s string, gopts GlobalOptions, opts options.Options) (strata.Backend, error) {
	return innerOpen(ctx, s, gopts, opts, true)
}

func innerOpen(ctx context.Context, s string, gopts GlobalOptions, opts options.Options, createNew bool) (strata.Backend, error) {
	debug.Log("parsing location %v", stripPassword(s))
	scheme, loc := splitLocation(s)

	var be strata.Backend
	var err error

	// wrap the transport so that the throughput via HTTP is limited
	lim := limiter.NewStaticLimiter(gopts.Limits)

	switch scheme {
	case "local":
		cfg, perr := local.ParseConfig(loc)
		if perr != nil {
			return nil, perr
		}
		if perr := opts.Apply(scheme, cfg); perr != nil {
			return nil, perr
		}
		if createNew {
			be, err = local.Create(ctx, *cfg)
		} else {
			be, err = local.Open(ctx, *cfg)
		}

	case "rest":
		cfg, perr := rest.ParseConfig(loc)
		if perr != nil {
			return nil, perr
		}
		if perr := opts.Apply(scheme, cfg); perr != nil {
			return nil, perr
		}
		rt, terr := backend.Transport(gopts.TransportOptions)
		if terr != nil {
			return nil, terr
		}
		rt = lim.Transport(rt)
		if createNew {
			be, err = rest.Create(ctx, *cfg, rt)
		} else {
			be, err = rest.Open(ctx, *cfg, rt)
		}

	case "s3":
		cfg, perr := s3.ParseConfig(loc)
		if perr != nil {
			return nil, perr
		}
		cfg.ApplyEnvironment("")
		if perr := opts.Apply(scheme, cfg); perr != nil {
			return nil, perr
		}
		rt, terr := backend.Transport(gopts.TransportOptions)
		if terr != nil {
			return nil, terr
		}
		rt = lim.Transport(rt)
		if createNew {
			be, err = s3.Create(ctx, *cfg, rt)
		} else {
			be, err = s3.Open(ctx, *cfg, rt)
		}

	case "rclone":
		cfg, perr := rclone.ParseConfig(loc)
		if perr != nil {
			return nil, perr
		}
		if perr := opts.Apply(scheme, cfg); perr != nil {
			return nil, perr
		}
		if createNew {
			be, err = rclone.Create(ctx, *cfg)
		} else {
			be, err = rclone.Open(ctx, *cfg)
		}

	case "mem":
		be, err = mem.New(), nil

	default:
		return nil, errors.Fatalf("invalid backend: %q", scheme)
	}

	if err != nil {
		return nil, errors.Fatalf("unable to open repository at %v: %v", stripPassword(s), err)
	}

	// backends that do not use the HTTP transport are limited directly
	if scheme == "local" || scheme == "rclone" {
		be = limiter.LimitBackend(be, lim)
	}

	// wrap with connection limiting
	be = sema.NewBackend(be)

	return be, nil
}
