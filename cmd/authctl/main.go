package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/pflag"

	"github.com/msa-sandbox/crm/pkg/auth"
	"github.com/msa-sandbox/crm/pkg/config"
	"github.com/msa-sandbox/crm/pkg/statebus"
	"github.com/msa-sandbox/crm/pkg/store"
)

type publisher interface {
	PublishPermissionChange(ctx context.Context, userID int64, changedAt time.Time) error
	Close() error
}

// Testable variables for main()
var (
	osExit    = os.Exit
	openRedis = func(ctx context.Context, cfg store.RedisConfig) (redis.UniversalClient, error) {
		return store.NewRedis(ctx, cfg)
	}
	newPublisher = func(cfg statebus.KafkaConfig) (publisher, error) {
		return statebus.NewPublisher(cfg)
	}
	now = time.Now
)

func main() {
	if err := run(context.Background(), os.Args[1:], os.Stdout); err != nil {
		log.Print(err)
		osExit(1)
	}
}

func run(ctx context.Context, args []string, out io.Writer) error {
	if len(args) == 0 {
		usage(out)
		return errors.New("command required")
	}
	switch args[0] {
	case "inspect":
		return inspect(ctx, args[1:], out)
	case "mint-token":
		return mintToken(args[1:], out)
	case "publish":
		return publish(ctx, args[1:], out)
	default:
		usage(out)
		return fmt.Errorf("unknown command: %s", args[0])
	}
}

func usage(out io.Writer) {
	fmt.Fprintln(out, "authctl commands:")
	fmt.Fprintln(out, "  inspect [--config crm.yaml] [--user 3]")
	fmt.Fprintln(out, "  mint-token --user 3 [--username jdoe] --perm lead:read --perm contact:write [--ttl 1h] [--private-key key.pem]")
	fmt.Fprintln(out, "  publish --user 3 [--changed-at 2025-11-30T15:14:59Z]")
}

func newFlagSet(name string) *pflag.FlagSet {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.SetOutput(io.Discard)
	return fs
}

// inspect prints live invalidation records ordered by user id.
func inspect(ctx context.Context, args []string, out io.Writer) error {
	fs := newFlagSet("inspect")
	configPath := fs.String("config", "", "config file")
	userID := fs.Int64("user", 0, "show a single user")
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	rdb, err := openRedis(ctx, cfg.StoreRedis())
	if err != nil {
		return fmt.Errorf("connect redis: %w", err)
	}
	defer rdb.Close()
	invalidations := store.NewRedisInvalidations(rdb, cfg.StoreInvalidations())

	var records []store.Invalidation
	if *userID > 0 {
		at, ok, err := invalidations.Get(ctx, *userID)
		if err != nil {
			return err
		}
		if !ok {
			fmt.Fprintf(out, "no invalidation for user %d\n", *userID)
			return nil
		}
		records = []store.Invalidation{{UserID: *userID, InvalidatedAt: at, TTL: rdb.PTTL(ctx, invalidations.Key(*userID)).Val()}}
	} else {
		records, err = invalidations.List(ctx)
		if err != nil {
			return err
		}
	}
	if len(records) == 0 {
		fmt.Fprintln(out, "no invalidations")
		return nil
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "USER_ID\tINVALIDATED_AT\tEFFECTIVE\tTTL")
	current := now().Unix()
	for _, rec := range records {
		effective := "yes"
		if rec.InvalidatedAt > current {
			effective = "pending"
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n",
			rec.UserID,
			time.Unix(rec.InvalidatedAt, 0).UTC().Format(time.RFC3339),
			effective,
			rec.TTL.Round(time.Second),
		)
	}
	return tw.Flush()
}

func mintToken(args []string, out io.Writer) error {
	fs := newFlagSet("mint-token")
	configPath := fs.String("config", "", "config file")
	userID := fs.Int64("user", 0, "user id (user_id claim)")
	username := fs.String("username", "", "username claim, defaults to user<id>")
	perms := fs.StringSlice("perm", nil, "permission as resource:action, repeatable")
	ttl := fs.Duration("ttl", time.Hour, "token lifetime")
	issuedAt := fs.Int64("issued-at", 0, "iat as unix seconds, defaults to now")
	privateKey := fs.String("private-key", "", "PEM RSA private key, switches to RS256")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *userID <= 0 {
		return errors.New("--user is required")
	}
	if strings.TrimSpace(*username) == "" {
		*username = fmt.Sprintf("user%d", *userID)
	}
	permissions, err := parsePermissions(*perms)
	if err != nil {
		return err
	}

	req := auth.MintRequest{
		UserID:      *userID,
		Username:    *username,
		Permissions: permissions,
		IssuedAt:    now(),
		TTL:         *ttl,
	}
	if *issuedAt > 0 {
		req.IssuedAt = time.Unix(*issuedAt, 0)
	}

	var token string
	if *privateKey != "" {
		pem, err := os.ReadFile(*privateKey)
		if err != nil {
			return fmt.Errorf("read private key: %w", err)
		}
		key, err := jwt.ParseRSAPrivateKeyFromPEM(pem)
		if err != nil {
			return fmt.Errorf("parse private key: %w", err)
		}
		token, err = auth.Mint(req, auth.AlgRS256, key)
		if err != nil {
			return err
		}
	} else {
		cfg, err := config.Load(*configPath)
		if err != nil {
			return err
		}
		req.Issuer, req.Audience = cfg.JWT.Issuer, cfg.JWT.Audience
		token, err = auth.Mint(req, auth.AlgHS256, []byte(cfg.JWT.Secret))
		if err != nil {
			return err
		}
	}
	fmt.Fprintln(out, token)
	return nil
}

func parsePermissions(raw []string) (map[string][]string, error) {
	out := map[string][]string{}
	for _, p := range raw {
		resource, action, ok := strings.Cut(p, ":")
		if !ok {
			return nil, fmt.Errorf("permission %q must look like resource:action", p)
		}
		kind, okKind := auth.ParseResourceKind(resource)
		act, okAction := auth.ParseAction(action)
		if !okKind || !okAction {
			return nil, fmt.Errorf("unknown permission %q", p)
		}
		out[kind.String()] = append(out[kind.String()], act.String())
	}
	return out, nil
}

// publish emits a permission-change event, the same one the identity service sends.
func publish(ctx context.Context, args []string, out io.Writer) error {
	fs := newFlagSet("publish")
	configPath := fs.String("config", "", "config file")
	userID := fs.Int64("user", 0, "user whose permissions changed")
	changedAt := fs.String("changed-at", "", "RFC3339 moment, defaults to now")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *userID <= 0 {
		return errors.New("--user is required")
	}
	at := now()
	if *changedAt != "" {
		parsed, err := time.Parse(time.RFC3339, *changedAt)
		if err != nil {
			if secs, perr := strconv.ParseInt(*changedAt, 10, 64); perr == nil {
				parsed, err = time.Unix(secs, 0), nil
			}
		}
		if err != nil {
			return fmt.Errorf("parse --changed-at: %w", err)
		}
		at = parsed
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	pub, err := newPublisher(cfg.KafkaSource(false))
	if err != nil {
		return err
	}
	defer pub.Close()
	if err := pub.PublishPermissionChange(ctx, *userID, at); err != nil {
		return err
	}
	fmt.Fprintf(out, "published %s for user %d at %s\n", statebus.EventPermissionsChanged, *userID, at.UTC().Format(time.RFC3339))
	return nil
}
