// keysift searches memory images and other binary files for AES-128,
// AES-192 and AES-256 key schedules, repairs lightly corrupted ones and
// optionally exports the recovered keys.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"golang.org/x/term"

	"github.com/Voornaamenachternaam/keysift/internal/config"
	"github.com/Voornaamenachternaam/keysift/internal/export"
	"github.com/Voornaamenachternaam/keysift/internal/report"
)

// passphraseEnv names the environment variable read before prompting.
const passphraseEnv = "KEYSIFT_PASSPHRASE"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := runMain(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

// runMain dispatches the command line and returns the process exit status.
func runMain(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		showHelp(stdout)
		return 1
	}
	switch args[0] {
	case "unseal":
		if err := handleUnseal(args[1:], stdout, stderr); err != nil {
			fmt.Fprintf(stderr, "Unseal failed: %v\n", err)
			return 1
		}
		return 0
	case "help":
		showHelp(stdout)
		return 0
	}
	if err := handleScan(ctx, args, stdout, stderr); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		if errors.Is(err, errNoFiles) {
			showHelp(stdout)
			return 1
		}
		fmt.Fprintf(stderr, "Processing failed: %v\n", err)
		return 1
	}
	return 0
}

var errNoFiles = errors.New("no input files")

// scanFlags binds the scan flags to cfg. Values are applied by apply once
// parsing is done, so a loaded config file supplies the defaults.
type scanFlags struct {
	fs            *flag.FlagSet
	cfg           *config.Config
	configPath    string
	sizes         string
	noReconstruct bool
}

func newScanFlags(cfg *config.Config, stderr io.Writer) *scanFlags {
	sf := &scanFlags{
		fs:            flag.NewFlagSet("keysift", flag.ContinueOnError),
		cfg:           cfg,
		sizes:         strings.Join(cfg.Sizes, ","),
		noReconstruct: !cfg.Reconstruct,
	}
	fs := sf.fs
	fs.SetOutput(stderr)
	fs.Usage = func() {
		showHelp(stderr)
		fmt.Fprintln(stderr, "Options:")
		fs.PrintDefaults()
	}
	fs.StringVar(&sf.configPath, "config", "", "YAML configuration file; flags override its values")
	fs.StringVar(&cfg.ExportDir, "ek", cfg.ExportDir, "export all found keys to this directory as <n>.bin")
	fs.BoolVar(&cfg.Seal, "seal", cfg.Seal, "seal exported keys with a passphrase (Argon2id + XChaCha20-Poly1305)")
	fs.IntVar(&cfg.ArgonTime, "argon-time", cfg.ArgonTime, "Argon2id time parameter (iterations) for -seal")
	fs.IntVar(&cfg.ArgonMemory, "argon-mem", cfg.ArgonMemory, "Argon2id memory parameter (KiB) for -seal")
	fs.IntVar(&cfg.ArgonThreads, "argon-threads", cfg.ArgonThreads, "Argon2id parallelism (threads) for -seal")
	fs.StringVar(&sf.sizes, "sizes", sf.sizes, "comma separated key sizes to search for (128,192,256)")
	fs.BoolVar(&sf.noReconstruct, "no-reconstruct", sf.noReconstruct, "only report intact key schedules")
	fs.IntVar(&cfg.MaxCorrections, "max-corrections", cfg.MaxCorrections, "maximum corrected bytes per schedule")
	fs.IntVar(&cfg.MaxAnchors, "max-anchors", cfg.MaxAnchors, "anchors tried per reconstruction (0 for all)")
	fs.IntVar(&cfg.EntropyThreshold, "entropy-threshold", cfg.EntropyThreshold, "skip windows in which any byte value occurs more often")
	fs.IntVar(&cfg.ChunkSize, "chunk-size", cfg.ChunkSize, "read chunk size in bytes")
	fs.IntVar(&cfg.Workers, "workers", cfg.Workers, "number of files scanned concurrently")
	fs.BoolVar(&cfg.Decompress, "decompress", cfg.Decompress, "decode gzip, zstd and xz inputs before scanning")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level (debug, info, warn, error)")
	return sf
}

// parse parses args, which may interleave flags and file names, and returns
// the file names in order.
func (sf *scanFlags) parse(args []string) ([]string, error) {
	var files []string
	for {
		if err := sf.fs.Parse(args); err != nil {
			return nil, err
		}
		rest := sf.fs.Args()
		if len(rest) == 0 {
			break
		}
		if len(args) > len(rest) && args[len(args)-len(rest)-1] == "--" {
			files = append(files, rest...)
			break
		}
		files = append(files, rest[0])
		args = rest[1:]
	}
	sf.cfg.SetSizes(sf.sizes)
	sf.cfg.Reconstruct = !sf.noReconstruct
	return files, nil
}

// loadConfig builds the run configuration: defaults, then the -config file
// if one is named, then the remaining flags.
func loadConfig(args []string, stderr io.Writer) (config.Config, []string, error) {
	cfg := config.Default()
	first := newScanFlags(&cfg, io.Discard)
	if _, err := first.parse(args); err != nil || first.configPath == "" {
		// parse again with real output so errors and -h are shown once
		cfg = config.Default()
		sf := newScanFlags(&cfg, stderr)
		files, err := sf.parse(args)
		return cfg, files, err
	}
	loaded, err := config.Load(first.configPath)
	if err != nil {
		return config.Config{}, nil, err
	}
	sf := newScanFlags(&loaded, stderr)
	files, err := sf.parse(args)
	return loaded, files, err
}

func handleScan(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	cfg, files, err := loadConfig(args, stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return err
		}
		return fmt.Errorf("flag parsing failed: %w", err)
	}
	if len(files) == 0 {
		return errNoFiles
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}
	log, err := cfg.NewLogger()
	if err != nil {
		return err
	}
	log.SetOutput(stderr)

	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	var exp *export.Exporter
	if cfg.ExportDir != "" {
		var sealer *export.Sealer
		if cfg.Seal {
			pass, err := sealPassphrase(stderr)
			if err != nil {
				return fmt.Errorf("passphrase input failed: %w", err)
			}
			sealer, err = export.NewSealer(pass.Bytes(), cfg.KDFParams())
			if cerr := pass.Close(); cerr != nil {
				log.Warnf("close error: %v", cerr)
			}
			if err != nil {
				return fmt.Errorf("sealing setup failed: %w", err)
			}
			defer func(s *export.Sealer) {
				if cerr := s.Close(); cerr != nil {
					log.Warnf("close error: %v", cerr)
				}
			}(sealer)
		}
		exp, err = export.New(cfg.ExportDir, sealer, log)
		if err != nil {
			return err
		}
	}

	r := &runner{
		cfg: cfg,
		log: log,
		rep: report.New(stdout),
		exp: exp,
	}
	return r.run(ctx, files)
}

func handleUnseal(args []string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("unseal", flag.ContinueOnError)
	fs.SetOutput(stderr)
	in := fs.String("i", "", "sealed key file")
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("flag parsing failed: %w", err)
	}
	if *in == "" {
		return errors.New("input file required")
	}
	blob, err := os.ReadFile(*in)
	if err != nil {
		return fmt.Errorf("file access failed: %w", err)
	}
	pass, err := unsealPassphrase(stderr)
	if err != nil {
		return fmt.Errorf("passphrase input failed: %w", err)
	}
	defer func(sb *export.SecureBuffer) {
		if cerr := sb.Close(); cerr != nil {
			fmt.Fprintf(stderr, "close error: %v\n", cerr)
		}
	}(pass)
	key, err := export.Unseal(pass.Bytes(), blob)
	if err != nil {
		return err
	}
	defer export.ZeroBytes(key)
	_, err = fmt.Fprintln(stdout, report.HexBytes(key))
	return err
}

func showHelp(w io.Writer) {
	fmt.Fprintln(w, "keysift searches for and reconstructs AES-128, AES-192 and AES-256 key schedules")
	fmt.Fprintln(w, "Usage:")
	fmt.Fprintln(w, " Search files:        keysift [options] FILE...")
	fmt.Fprintln(w, " Export found keys:   keysift -ek DIR FILE...")
	fmt.Fprintln(w, " Seal exported keys:  keysift -ek DIR -seal FILE...")
	fmt.Fprintln(w, " Unseal a key file:   keysift unseal -i DIR/0.bin")
}

// sealPassphrase reads the export passphrase from the environment or asks
// for it twice on the terminal.
func sealPassphrase(prompts io.Writer) (*export.SecureBuffer, error) {
	if pass, ok := envPassphrase(); ok {
		return pass, nil
	}
	return readPasswordPromptConfirm(prompts, "Enter export passphrase: ", "Confirm passphrase: ")
}

func unsealPassphrase(prompts io.Writer) (*export.SecureBuffer, error) {
	if pass, ok := envPassphrase(); ok {
		return pass, nil
	}
	if !isTerminal(os.Stdin.Fd()) {
		return nil, errors.New("interactive input required")
	}
	fmt.Fprint(prompts, "Enter passphrase: ")
	pw, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(prompts)
	if err != nil {
		return nil, fmt.Errorf("password read failed: %w", err)
	}
	return export.SecureBufferFrom(pw), nil
}

func envPassphrase() (*export.SecureBuffer, bool) {
	v, ok := os.LookupEnv(passphraseEnv)
	if !ok || v == "" {
		return nil, false
	}
	return export.SecureBufferFrom([]byte(v)), true
}

func isTerminal(fd uintptr) bool {
	return term.IsTerminal(int(fd))
}

func readPasswordPromptConfirm(prompts io.Writer, prompt, confirmPrompt string) (*export.SecureBuffer, error) {
	if !isTerminal(os.Stdin.Fd()) {
		return nil, errors.New("interactive input required")
	}
	fmt.Fprint(prompts, prompt)
	p1, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(prompts)
	if err != nil {
		return nil, fmt.Errorf("password read failed: %w", err)
	}
	fmt.Fprint(prompts, confirmPrompt)
	p2, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(prompts)
	if err != nil {
		export.ZeroBytes(p1)
		return nil, fmt.Errorf("password confirmation failed: %w", err)
	}
	if len(p1) != len(p2) || !export.ConstantTimeEqual(p1, p2) {
		export.ZeroBytes(p1)
		export.ZeroBytes(p2)
		return nil, errors.New("password mismatch")
	}
	export.ZeroBytes(p2)
	return export.SecureBufferFrom(p1), nil
}
