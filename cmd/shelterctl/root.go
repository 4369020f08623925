package main

import (
	"context"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/jacentio/shelter/internal/logging"
	"github.com/jacentio/shelter/store"
)

// app carries the state shared by all subcommands of one invocation.
type app struct {
	v      *viper.Viper
	logger *zap.Logger
	store  *store.Store
	owned  bool
}

// newRootCmd builds the command tree. A non-nil st is used instead of opening
// a store from flags and is left open afterwards. Run the tree with
// app.execute so a store it opened is closed even when the command fails.
func newRootCmd(st *store.Store) (*cobra.Command, *app) {
	a := &app{v: viper.New(), store: st}

	cmd := &cobra.Command{
		Use:           "shelterctl",
		Short:         "shelterctl manages animal records in the shelter store",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.open(cmd.Context())
		},
	}

	flags := cmd.PersistentFlags()
	flags.String("driver", store.DriverMongo, "store driver: mongodb, dynamodb or memory")
	flags.String("host", "", "store host")
	flags.Int("port", 0, "store port")
	flags.String("username", "", "store username (dynamodb: access key id)")
	flags.String("password", "", "store password (dynamodb: secret access key)")
	flags.String("database", "AAC", "database name")
	flags.String("collection", "animals", "collection name")
	flags.Duration("timeout", 5*time.Second, "server selection and operation timeout")
	flags.String("region", "", "AWS region for dynamodb")
	flags.String("endpoint", "", "dynamodb endpoint URL")
	flags.StringSlice("index-fields", store.DefaultIndexFields, "fields to index on connect")
	flags.Bool("skip-indexes", false, "do not create indexes on connect")
	flags.Bool("indexed-reads", false, "dynamodb: serve equality reads on indexed fields from their GSI")
	flags.String("log-level", "info", "log level: debug, info, warn or error")
	flags.String("log-file", "", "also write logs to this file")

	a.v.SetEnvPrefix("DB")
	a.v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	a.v.AutomaticEnv()
	_ = a.v.BindPFlags(flags)

	cmd.AddCommand(
		a.createCmd(),
		a.getCmd(),
		a.findCmd(),
		a.updateCmd(),
		a.deleteCmd(),
		a.countCmd(),
	)
	return cmd, a
}

// execute runs cmd and then releases the store and logger it opened.
func (a *app) execute(ctx context.Context, cmd *cobra.Command) error {
	defer a.close(ctx)
	return cmd.ExecuteContext(ctx)
}

// config reads connection parameters from flags and DB_* environment variables.
func (a *app) config() store.Config {
	return store.Config{
		Driver:           a.v.GetString("driver"),
		Username:         a.v.GetString("username"),
		Password:         a.v.GetString("password"),
		Host:             a.v.GetString("host"),
		Port:             a.v.GetInt("port"),
		Database:         a.v.GetString("database"),
		Collection:       a.v.GetString("collection"),
		Timeout:          a.v.GetDuration("timeout"),
		AppName:          "shelterctl",
		DirectConnection: true,
		IndexFields:      a.v.GetStringSlice("index-fields"),
		SkipIndexes:      a.v.GetBool("skip-indexes"),
		IndexedReads:     a.v.GetBool("indexed-reads"),
		Region:           a.v.GetString("region"),
		Endpoint:         a.v.GetString("endpoint"),
	}
}

func (a *app) open(ctx context.Context) error {
	if a.store != nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}

	paths := []string{"stderr"}
	if file := a.v.GetString("log-file"); file != "" {
		paths = append(paths, file)
	}
	logger, err := logging.New(a.v.GetString("log-level"), paths, map[string]any{"service": "shelterctl"})
	if err != nil {
		return err
	}
	a.logger = logger

	st, err := store.Open(ctx, a.config(), logger)
	if err != nil {
		return err
	}
	a.store, a.owned = st, true
	return nil
}

func (a *app) close(ctx context.Context) {
	if a.owned {
		a.store.Close(ctx)
		a.owned = false
	}
	if a.logger != nil {
		_ = a.logger.Sync()
	}
}
