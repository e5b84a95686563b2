// Command mediactl uploads, lists and deletes objects through the same
// gateway the server uses, configured from the environment.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"dh2ocol/internal/config"
	"dh2ocol/internal/storage"

	"github.com/charmbracelet/log"
)

const usage = `usage: mediactl <command> [flags]

commands:
  upload [-folder F] [-no-optimize] <path>   upload a local file
  delete <url>                              delete the object behind a public URL
  exists <url>                              report whether the object exists
  list [-folder F] [-limit N]               list stored objects
  sign [-expires D] <key>                   print a temporary download URL
`

var errUsage = errors.New("invalid usage")

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// UploadFile uploads the file at filePath into folder.
func UploadFile(ctx context.Context, gw *storage.Gateway, out io.Writer, args []string) error {
	fs := flag.NewFlagSet("upload", flag.ContinueOnError)
	folder := fs.String("folder", "general", "destination folder")
	noOptimize := fs.Bool("no-optimize", false, "store images without optimizing them")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("%w: upload takes exactly one path", errUsage)
	}

	obj, err := gw.UploadFile(ctx, fs.Arg(0), *folder, !*noOptimize)
	if err != nil {
		return fmt.Errorf("failed to upload %q: %w", fs.Arg(0), err)
	}

	slog.Info("Uploaded file", "path", fs.Arg(0), "key", obj.Key, "profile", obj.Profile, "outcome", obj.Outcome)
	return printJSON(out, obj)
}

// DeleteObject removes the object behind a public URL.
func DeleteObject(ctx context.Context, gw *storage.Gateway, out io.Writer, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("%w: delete takes exactly one URL", errUsage)
	}
	if !gw.Delete(ctx, args[0]) {
		return fmt.Errorf("failed to delete %q", args[0])
	}
	_, err := fmt.Fprintln(out, "deleted")
	return err
}

// ObjectExists reports whether the object behind a public URL is stored.
func ObjectExists(ctx context.Context, gw *storage.Gateway, out io.Writer, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("%w: exists takes exactly one URL", errUsage)
	}
	_, err := fmt.Fprintln(out, gw.Exists(ctx, args[0]))
	return err
}

// ListObjects prints the objects stored under a folder.
func ListObjects(ctx context.Context, gw *storage.Gateway, out io.Writer, args []string) error {
	fs := flag.NewFlagSet("list", flag.ContinueOnError)
	folder := fs.String("folder", "", "folder to list, everything when empty")
	limit := fs.Int("limit", 100, "maximum number of objects, 0 for no limit")
	if err := fs.Parse(args); err != nil {
		return err
	}
	return printJSON(out, gw.List(ctx, *folder, *limit))
}

// SignURL prints a presigned download URL for a key.
func SignURL(ctx context.Context, gw *storage.Gateway, out io.Writer, args []string) error {
	fs := flag.NewFlagSet("sign", flag.ContinueOnError)
	expires := fs.Duration("expires", time.Hour, "validity of the URL")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("%w: sign takes exactly one key", errUsage)
	}

	signed, err := gw.SignedURL(ctx, fs.Arg(0), *expires)
	if err != nil {
		return fmt.Errorf("failed to sign %q: %w", fs.Arg(0), err)
	}
	_, err = fmt.Fprintln(out, signed)
	return err
}

type command func(ctx context.Context, gw *storage.Gateway, out io.Writer, args []string) error

var commands = map[string]command{
	"upload": UploadFile,
	"delete": DeleteObject,
	"exists": ObjectExists,
	"list":   ListObjects,
	"sign":   SignURL,
}

func Run(ctx context.Context, gw *storage.Gateway, out io.Writer, args []string) error {
	if len(args) == 0 {
		return errUsage
	}
	cmd, ok := commands[args[0]]
	if !ok {
		return fmt.Errorf("%w: unknown command %q", errUsage, args[0])
	}
	if !gw.IsAvailable() {
		return storage.ErrUnavailable
	}
	return cmd(ctx, gw, out, args[1:])
}

func main() {
	handler := log.NewWithOptions(os.Stderr, log.Options{
		Level:           log.InfoLevel,
		TimeFormat:      time.RFC3339,
		ReportTimestamp: true,
		TimeFunction:    log.NowUTC,
	})
	slog.SetDefault(slog.New(handler))

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "err", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	err = Run(ctx, storage.New(cfg.Storage), os.Stdout, os.Args[1:])
	stop()

	if errors.Is(err, errUsage) {
		fmt.Fprint(os.Stderr, usage)
	}
	if err != nil {
		slog.Error("mediactl failed", "err", err)
		os.Exit(1)
	}
}
