package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/couchgo/couchgo"
	"github.com/couchgo/couchgo/couchgoconfig"
)

const Version = "0.1.0"

var (
	handle *couchgo.Handle

	// RootCmd is the base command, playing the role the teacher's
	// cmd.RootCmd plays for dKV: it owns the persistent connection
	// flags and hands a connected Handle to every subcommand via
	// PersistentPreRunE.
	RootCmd = &cobra.Command{
		Use:   "couchgo-bench",
		Short: "exercises the couchgo cluster client",
		Long: fmt.Sprintf(`couchgo-bench (v%s)

A benchmarking and smoke-testing CLI for the couchgo cluster client
library, exercising key/value operations against a
real Couchbase (or memcached-bucket) cluster.`, Version),
		PersistentPreRunE:  setupHandle,
		PersistentPostRunE: teardownHandle,
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "print the version number of couchgo-bench",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("couchgo-bench v%s\n", Version)
		},
	}
)

func init() {
	key := "hosts"
	RootCmd.PersistentFlags().String(key, "127.0.0.1:11210", wrapString("Comma-separated list of cluster host:dataPort[:managementPort] entries"))
	key = "bucket"
	RootCmd.PersistentFlags().String(key, "default", wrapString("Bucket name to bootstrap against"))
	key = "memcached"
	RootCmd.PersistentFlags().Bool(key, false, wrapString("Treat the bucket as a memcached (ketama-routed) bucket"))
	key = "transports"
	RootCmd.PersistentFlags().String(key, "cccp,http", wrapString("Comma-separated bootstrap transport order (cccp, http)"))
	key = "connect-timeout"
	RootCmd.PersistentFlags().Int(key, 10, wrapString("Seconds to wait for the initial bootstrap to complete"))

	RootCmd.AddCommand(versionCmd)
	RootCmd.AddCommand(benchCmd)

	cobra.OnInitialize(initConfig)
}

// initConfig loads any .env/.env.local file ahead of binding the process
// environment, the same order the teacher's cmd/serve/root.go uses.
func initConfig() {
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	viper.SetEnvPrefix("COUCHGO")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

// wrapString mirrors the teacher's cmd/util.WrapString flag-help
// wrapping convention, kept minimal here since couchgo-bench has far
// fewer flags than dKV's RPC transport surface.
func wrapString(text string) string {
	return text
}

// setupHandle binds this invocation's flags to viper, layers them over
// couchgoconfig.Default(), and connects a Handle shared by whichever
// subcommand is running -- the same role the teacher's setupKVClient
// plays for the RPC store client.
func setupHandle(cmd *cobra.Command, _ []string) error {
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return err
	}
	if err := viper.BindPFlags(cmd.Root().PersistentFlags()); err != nil {
		return err
	}

	cfg := couchgoconfig.Default()
	cfg.Hosts = strings.Split(viper.GetString("hosts"), ",")
	cfg.BucketName = viper.GetString("bucket")
	cfg.IsMemcached = viper.GetBool("memcached")

	cfg.Transports = nil
	for _, name := range strings.Split(viper.GetString("transports"), ",") {
		t, err := couchgoconfig.ParseTransport(name)
		if err != nil {
			return err
		}
		cfg.Transports = append(cfg.Transports, t)
	}

	fmt.Println(cfg.String())

	h := couchgo.New(cfg, nil)
	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(viper.GetInt("connect-timeout"))*time.Second)
	defer cancel()
	if err := h.Connect(ctx); err != nil {
		return fmt.Errorf("couchgo-bench: bootstrap failed: %w", err)
	}
	handle = h
	return nil
}

// teardownHandle destroys the shared Handle once a subcommand
// finishes, draining pending operations the same way any well-behaved
// couchgo caller must (spec.md §5's shutdown contract).
func teardownHandle(_ *cobra.Command, _ []string) error {
	if handle == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return handle.Destroy(ctx)
}

// Execute adds all child commands to RootCmd and runs it. Called by
// main.main; must only be called once.
func Execute() {
	if err := RootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
