package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"

	"github.com/guarzo/fitapi/common"
	"github.com/guarzo/fitapi/modules/api"
	"github.com/guarzo/fitapi/modules/auth"
	"github.com/guarzo/fitapi/modules/tokenstore"
)

const usage = `usage: fitapi [flags] <command> [args]

commands:
  login         log in with -email/-password and print the user
  me            print the current user
  get <path>    GET a path relative to the API URL and print the JSON
  logout        log out and clear stored credentials
`

type flags struct {
	env        string
	configPath string
	dotEnvPath string
	email      string
	password   string
}

// errNoPersistentStore is returned for commands that need the session an
// earlier run stored when the token store cannot keep it.
var errNoPersistentStore = errors.New("token_store is \"memory\": credentials do not outlive a run, use the file or redis backend")

func main() {
	var f flags
	flag.StringVar(&f.env, "env", "development", "environment [prod | production | dev | development]")
	flag.StringVar(&f.configPath, "config", "", "path for the TOML config file")
	flag.StringVar(&f.dotEnvPath, "dotenv", ".env", "path for an optional .env file")
	flag.StringVar(&f.email, "email", "", "account email (login)")
	flag.StringVar(&f.password, "password", "", "account password (login)")
	flag.Usage = func() {
		fmt.Fprint(flag.CommandLine.Output(), usage)
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	if err := run(f, flag.Args()); err != nil {
		log.Errorf("%s: %s", flag.Arg(0), err)
		os.Exit(1)
	}
}

// run owns every resource it opens; main exits only after it returns.
func run(f flags, args []string) error {
	if err := common.LoadDotEnv(f.dotEnvPath); err != nil {
		return fmt.Errorf("load env: %w", err)
	}
	if f.email == "" {
		f.email = os.Getenv("FITAPI_EMAIL")
	}
	if f.password == "" {
		f.password = os.Getenv("FITAPI_PASSWORD")
	}

	cfg, err := common.LoadConfig(f.env, f.configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	common.SetupLogging(common.LoggerSetupParams{
		LogFileName:   cfg.LogsPath,
		LogToStdout:   cfg.LogToStdout,
		LogLevel:      cfg.LogLevel,
		LogFormatJSON: cfg.LogFormatJSON,
	})
	log.Debugf("using API URL: [%s]", cfg.APIURL)

	if err := checkBackend(cfg.TokenStore, args[0]); err != nil {
		return err
	}

	store, closeStore, err := newTokenStore(cfg)
	if err != nil {
		return fmt.Errorf("token store: %w", err)
	}
	defer closeStore()

	metrics := common.NewMetricsManager(cfg.MetricsNamespace, "client", prometheus.DefaultRegisterer)

	// refresh and login go out on a plain client so a 401 there cannot recurse
	endpoint := auth.NewEndpoint(cfg.APIURL, common.NewHttpClient(cfg.UserAgent, &http.Client{}, cfg.Timeout.Duration))

	opts := []api.Option{api.WithMetrics(metrics)}
	if cfg.CoalesceRefresh {
		opts = append(opts, api.WithRefreshCoalescing())
	}
	base := &http.Client{Transport: api.NewTransport(http.DefaultTransport, store, endpoint, opts...)}
	client := api.NewClient(cfg.APIURL, common.NewHttpClient(cfg.UserAgent, base, cfg.Timeout.Duration), metrics)
	svc := auth.NewService(endpoint, client, store)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	err = dispatch(ctx, args, svc, client, f.email, f.password)
	if err != nil && common.IsUnauthorized(err) && !svc.IsAuthenticated() {
		log.Errorln("session expired, log in again")
	}
	return err
}

// checkBackend refuses commands that read a stored session when the backend
// drops it at exit. login still works and just warns.
func checkBackend(backend common.TokenStoreBackend, command string) error {
	if backend.Persistent() {
		return nil
	}
	switch command {
	case "me", "get", "logout":
		return errNoPersistentStore
	case "login":
		log.Warnf("token_store is %q: the session ends with this run", backend)
	}
	return nil
}

func dispatch(ctx context.Context, args []string, svc auth.Service, client api.Client, email, password string) error {
	switch args[0] {
	case "login":
		user, err := svc.Login(ctx, email, password)
		if err != nil {
			return err
		}
		return printJSON(user)
	case "me":
		user, err := svc.Me(ctx)
		if err != nil {
			return err
		}
		return printJSON(user)
	case "get":
		if len(args) < 2 {
			return fmt.Errorf("get needs a path")
		}
		var out json.RawMessage
		if err := client.GetJSON(ctx, args[1], nil, &out); err != nil {
			return err
		}
		return printJSON(out)
	case "logout":
		return svc.Logout(ctx)
	default:
		return fmt.Errorf("unknown command %q", args[0])
	}
}

func newTokenStore(cfg *common.Config) (*tokenstore.Store, func(), error) {
	switch cfg.TokenStore {
	case common.TokenStoreRedis:
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err := rdb.Ping(context.Background()).Err(); err != nil {
			rdb.Close()
			return nil, nil, fmt.Errorf("redis ping %s: %w", cfg.RedisAddr, err)
		}
		closeFn := func() {
			if err := rdb.Close(); err != nil {
				log.Debugf("redis close: %s", err)
			}
		}
		return tokenstore.NewStore(common.NewRedisCache(rdb, cfg.TokenKeyPrefix), ""), closeFn, nil
	case common.TokenStoreMemory:
		return tokenstore.NewStore(common.NewCacheStore(0), cfg.TokenKeyPrefix), func() {}, nil
	default:
		return tokenstore.NewStore(common.NewFileCache(cfg.TokenFile), cfg.TokenKeyPrefix), func() {}, nil
	}
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
