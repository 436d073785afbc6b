// Command logcask-migrate copies every pair of a commit log into a bbolt
// database.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"syscall"

	"github.com/btcsuite/btclog/v2"
	"github.com/jessevdk/go-flags"
	kv_logcask "kv-logcask"
	"kv-logcask/boltstore"
	"kv-logcask/shutdown"
	"kv-logcask/store"
)

const usage = "Usage: logcask-migrate <old-file> <new-file>"

var errUsage = errors.New("wrong arguments")

type arguments struct {
	Files struct {
		Old string `positional-arg-name:"old-file" required:"yes"`
		New string `positional-arg-name:"new-file" required:"yes"`
	} `positional-args:"yes" required:"yes"`
}

func parseArgs(args []string) (*arguments, error) {
	var parsed arguments

	// No help flag and no options: anything beyond the two positional
	// arguments is a usage error.
	parser := flags.NewParser(&parsed, flags.None)
	rest, err := parser.ParseArgs(args)
	if err != nil || len(rest) != 0 {
		return nil, errUsage
	}

	return &parsed, nil
}

// migrate copies every pair from the log at oldPath into the bbolt database
// at newPath in key order.
func migrate(oldPath, newPath string, reg *shutdown.Registry) (err error) {
	src, err := store.Open[[]byte](oldPath,
		store.WithCodec[[]byte](kv_logcask.RawCodec{}),
		store.WithShutdown[[]byte](reg),
	)
	if err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, src.Close())
	}()

	dst, err := boltstore.Open(newPath)
	if err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, dst.Close())
	}()

	keys := src.Keys()
	log.Infof("Migrating %d keys from %v to %v", len(keys), oldPath,
		newPath)

	for _, key := range keys {
		value, err := src.Get(key)
		if err != nil {
			return err
		}
		if err := dst.Set(key, value); err != nil {
			return fmt.Errorf("copy key %q: %w", key, err)
		}
	}

	log.Infof("Migrated %d keys", len(keys))

	return nil
}

func run(args []string, stderr io.Writer, reg *shutdown.Registry) error {
	parsed, err := parseArgs(args)
	if err != nil {
		_, _ = fmt.Fprintln(stderr, usage)
		return err
	}

	return migrate(parsed.Files.Old, parsed.Files.New, reg)
}

func main() {
	logger := btclog.NewSLogger(btclog.NewDefaultHandler(os.Stderr))
	logger.SetLevel(btclog.LevelInfo)
	setupLoggers(logger)

	// Call the "real" main in a nested manner so the defers will properly
	// be executed before exiting.
	if err := realMain(os.Args[1:]); err != nil {
		if !errors.Is(err, errUsage) {
			_, _ = fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(1)
	}
}

func realMain(args []string) error {
	reg := shutdown.NewRegistry()

	// Interrupting a long copy still gets queued writes onto disk.
	stop := reg.Notify(context.Background(), func(err error) {
		if err != nil {
			_, _ = fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(1)
	}, os.Interrupt, syscall.SIGTERM)
	defer stop()

	return run(args, os.Stderr, reg)
}
