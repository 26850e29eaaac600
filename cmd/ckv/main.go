// Command ckv inspects and edits a ckv database file.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/andreyvit/ckv"
	"github.com/andreyvit/ckv/changelog"
)

const (
	Version = "0.1.0"
)

var (
	rootCmd = &cobra.Command{
		Use:   "ckv",
		Short: "collection/key/value store inspector",
		Long: fmt.Sprintf(`ckv (v%s)

Reads and edits a ckv database file. Values are exchanged as JSON.`, Version),
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return viper.BindPFlags(cmd.Flags())
		},
	}
	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of ckv",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("ckv v%s\n", Version)
		},
	}
)

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().String("db", "ckv.db", "path to the database file")
	rootCmd.PersistentFlags().Bool("verbose", false, "log every database operation")
	rootCmd.PersistentFlags().String("compression", "none", "compression for written values (none, lz4, zstd)")
	rootCmd.PersistentFlags().Duration("lock-timeout", 0, "how long to wait for the database file lock")
	rootCmd.PersistentFlags().String("changelog", "", "directory to record committed changes in")
	rootCmd.PersistentFlags().Bool("sync-changelog", false, "fdatasync the change log after every commit")

	rootCmd.AddCommand(versionCmd)
	addDataCommands(rootCmd)
}

// initConfig loads .env files and binds CKV_* environment variables.
func initConfig() {
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	viper.SetEnvPrefix("ckv")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func newLogger() *slog.Logger {
	ll := &slog.LevelVar{}
	ll.Set(slog.LevelInfo)
	if viper.GetBool("verbose") {
		ll.Set(slog.LevelDebug)
	}
	return slog.New(tint.NewHandler(colorable.NewColorable(os.Stderr), &tint.Options{
		Level:      ll,
		TimeFormat: "15:04:05.000",
		NoColor:    !isatty.IsTerminal(os.Stderr.Fd()),
	}))
}

func parseCompression(s string) (ckv.Compression, error) {
	switch s {
	case "", "none":
		return ckv.CompressionNone, nil
	case "lz4":
		return ckv.CompressionLZ4, nil
	case "zstd":
		return ckv.CompressionZstd, nil
	default:
		return 0, fmt.Errorf("invalid compression %q", s)
	}
}

func changelogOptions() changelog.Options {
	return changelog.Options{
		FileName: "changes-*.log",
		Sync:     viper.GetBool("sync-changelog"),
		Logger:   newLogger(),
		Verbose:  viper.GetBool("verbose"),
	}
}

// openDB opens the configured database with JSON codecs, recording commits
// into the change log when one is configured. done closes everything.
func openDB() (db *ckv.DB, conn *ckv.Conn, done func(), err error) {
	comp, err := parseCompression(viper.GetString("compression"))
	if err != nil {
		return nil, nil, nil, err
	}
	policy := ckv.Policy{Object: ckv.JSONAny(), Metadata: ckv.JSONAny()}
	policy.Object.Compression = comp
	policy.Metadata.Compression = comp

	opt := ckv.Options{
		Logger:  newLogger(),
		Verbose: viper.GetBool("verbose"),
		Timeout: viper.GetDuration("lock-timeout"),
		Policy:  &policy,
	}

	var clog *changelog.Log
	if dir := viper.GetString("changelog"); dir != "" {
		clog, err = changelog.Open(dir, changelogOptions())
		if err != nil {
			return nil, nil, nil, err
		}
		opt.Extensions = append(opt.Extensions, changelog.NewRecorder(clog))
	}
	done = func() {
		if db != nil {
			db.Close()
		}
		if clog != nil {
			clog.Close()
		}
	}

	db, err = ckv.Open(viper.GetString("db"), opt)
	if err != nil {
		done()
		return nil, nil, nil, err
	}
	conn, err = db.NewConn()
	if err != nil {
		done()
		return nil, nil, nil, err
	}
	return db, conn, done, nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM, os.Interrupt)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}
