// main.go: usmkey, an operator tool for USM keys, configurations and salt
// counters.
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	usm "github.com/agilira/snmpusm"
)

const usage = `Usage: usmkey <command> [flags]

Commands:
  derive   Derive and localize the keys of one user
  check    Validate a configuration and localize every user
  seal     Store sealed localized keys for an engine
  reserve  Reserve a block of salt counter values
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "derive":
		err = runDerive(os.Args[2:], os.Stdout)
	case "check":
		err = runCheck(ctx, os.Args[2:], os.Stdout)
	case "seal":
		err = runSeal(ctx, os.Args[2:], os.Stdout)
	case "reserve":
		err = runReserve(ctx, os.Args[2:], os.Stdout)
	case "-h", "-help", "--help", "help":
		fmt.Fprint(os.Stdout, usage)
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", os.Args[1], usage)
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// newFlagSet adds the flags shared by every command.
func newFlagSet(name, summary string) (*flag.FlagSet, *string, *bool) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "Usage: usmkey %s [flags]\n\n%s\n\nFlags:\n", name, summary)
		fs.PrintDefaults()
	}
	envFile := fs.String("env", ".env", "path to .env file (ignored if missing)")
	verbose := fs.Bool("verbose", false, "log debug details to stderr")
	return fs, envFile, verbose
}

// loadDotEnv loads environment variables from path. Missing files are ignored.
func loadDotEnv(path string) error {
	err := godotenv.Load(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

func newLogger(verbose bool) *slog.Logger {
	if !verbose {
		return slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func runDerive(args []string, out io.Writer) error {
	fs, envFile, _ := newFlagSet("derive", "Derive and localize the keys of one user.")
	authName := fs.String("auth", "SHA", "authentication protocol")
	privName := fs.String("priv", "NONE", "privacy protocol")
	engineHex := fs.String("engine", "", "engine ID in hex")
	authPass := fs.String("auth-pass", "", "authentication passphrase (default $USM_AUTH_PASS)")
	privPass := fs.String("priv-pass", "", "privacy passphrase (default $USM_PRIV_PASS)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := loadDotEnv(*envFile); err != nil {
		return err
	}

	engineID, err := usm.KeyFromHex(*engineHex)
	if err != nil {
		return err
	}
	creds, err := usm.UserConfig{
		Name:           "derive",
		Auth:           *authName,
		AuthPassphrase: firstNonEmpty(*authPass, os.Getenv("USM_AUTH_PASS")),
		Priv:           *privName,
		PrivPassphrase: firstNonEmpty(*privPass, os.Getenv("USM_PRIV_PASS")),
	}.Credentials()
	if err != nil {
		return err
	}

	users := usm.NewUserTable()
	if err := users.Add(creds); err != nil {
		return err
	}
	entry, err := users.Resolve(creds.UserName, engineID)
	if err != nil {
		return err
	}
	defer entry.Wipe()
	if creds.Auth == usm.AuthNone {
		return fmt.Errorf("derive needs an authentication protocol")
	}

	ku, err := usm.PasswordToKey(creds.AuthPassphrase, creds.Auth.Hash())
	if err != nil {
		return err
	}
	defer usm.Zeroize(ku)

	fmt.Fprintf(out, "engine    %s\n", usm.KeyToHex(engineID))
	fmt.Fprintf(out, "auth      %s (%s)\n", creds.Auth.Name(), creds.Auth.OID())
	fmt.Fprintf(out, "auth Ku   %s\n", usm.KeyToHex(ku))
	fmt.Fprintf(out, "auth Kul  %s\n", usm.KeyToHex(entry.AuthKey))
	if creds.Priv != usm.PrivNone {
		fmt.Fprintf(out, "priv      %s (%s, %s)\n", creds.Priv.Name(), creds.Priv.OID(), creds.Priv.Extension())
		fmt.Fprintf(out, "priv Kul  %s\n", usm.KeyToHex(entry.PrivKey))
	}
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func runCheck(ctx context.Context, args []string, out io.Writer) error {
	fs, envFile, verbose := newFlagSet("check", "Validate a configuration and localize every user.")
	cfgPath := fs.String("config", "usm.yaml", "path to configuration file")
	engineHex := fs.String("engine", "", "engine ID to localize for (default: the configured local engine)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := loadDotEnv(*envFile); err != nil {
		return err
	}
	logger := newLogger(*verbose)

	cfg, err := usm.LoadConfig(*cfgPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	engine, err := cfg.NewLocalEngine(nil)
	if err != nil {
		return err
	}
	var engineID []byte
	switch {
	case *engineHex != "":
		if engineID, err = usm.KeyFromHex(*engineHex); err != nil {
			return err
		}
	case engine != nil:
		engineID = engine.ID()
	}

	users, err := cfg.NewUserTable()
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "config %s: %d users\n", *cfgPath, len(cfg.Users))
	if engine != nil {
		fmt.Fprintf(out, "local engine %s boots %d\n", usm.KeyToHex(engine.ID()), engine.Boots())
	}

	for _, u := range cfg.Users {
		target := engineID
		if u.EngineID != "" {
			if target, err = usm.KeyFromHex(u.EngineID); err != nil {
				return err
			}
		}
		if len(target) == 0 || u.Provider != "" {
			fmt.Fprintf(out, "  %-20s ok (not localized)\n", u.Name)
			continue
		}
		entry, err := users.ResolveContext(ctx, u.Name, target)
		if err != nil {
			return fmt.Errorf("user %q: %w", u.Name, err)
		}
		logger.Debug("user localized", "user", u.Name, "engine_id", usm.KeyToHex(target))
		fmt.Fprintf(out, "  %-20s %s/%s auth %s priv %s\n", u.Name, entry.Auth.Name(), entry.Priv.Name(),
			orDash(usm.GetKeyFingerprint(entry.AuthKey)), orDash(usm.GetKeyFingerprint(entry.PrivKey)))
	}
	return nil
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func runSeal(ctx context.Context, args []string, out io.Writer) error {
	fs, envFile, verbose := newFlagSet("seal", "Store sealed localized keys for an engine in the configured store.")
	cfgPath := fs.String("config", "usm.yaml", "path to configuration file")
	engineHex := fs.String("engine", "", "engine ID in hex")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := loadDotEnv(*envFile); err != nil {
		return err
	}
	logger := newLogger(*verbose)

	engineID, err := usm.KeyFromHex(*engineHex)
	if err != nil {
		return err
	}
	if err := usm.ValidateEngineID(engineID); err != nil {
		return err
	}

	cfg, err := usm.LoadConfig(*cfgPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	store, sealer, err := cfg.OpenStore(ctx)
	if err != nil {
		return err
	}
	if store == nil || sealer == nil {
		return fmt.Errorf("%s: store path and passphrase are required", *cfgPath)
	}
	defer store.Close() //nolint:errcheck

	users, err := cfg.NewUserTable(usm.WithKeyStore(store, sealer))
	if err != nil {
		return err
	}
	sealed := 0
	for _, u := range cfg.Users {
		if u.Provider != "" || u.EngineID != "" {
			continue
		}
		if _, err := users.ResolveContext(ctx, u.Name, engineID); err != nil {
			return fmt.Errorf("user %q: %w", u.Name, err)
		}
		logger.Debug("keys sealed", "user", u.Name, "kek", sealer.Fingerprint())
		sealed++
	}
	fmt.Fprintf(out, "sealed keys of %d users for engine %s\n", sealed, usm.KeyToHex(engineID))
	return nil
}

func runReserve(ctx context.Context, args []string, out io.Writer) error {
	fs, envFile, _ := newFlagSet("reserve", "Reserve a block of salt counter values.")
	dbPath := fs.String("db", "usm.db", "path to SQLite store")
	name := fs.String("name", "salt", "counter name")
	block := fs.Uint64("block", usm.DefaultSaltBlock, "number of values to reserve")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := loadDotEnv(*envFile); err != nil {
		return err
	}
	if *block == 0 {
		return fmt.Errorf("block must be positive")
	}

	store, err := usm.NewSQLiteStore(*dbPath)
	if err != nil {
		return err
	}
	defer store.Close() //nolint:errcheck

	start, err := store.ReserveCounter(ctx, *name, *block)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "%s: reserved [%d, %d)\n", *name, start, start+*block)
	return nil
}
