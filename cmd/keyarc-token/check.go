package main

import (
	"context"
	"fmt"
	"io"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/vyrodovalexey/keyarc-gateway/internal/audit"
	"github.com/vyrodovalexey/keyarc-gateway/internal/authz/rbac"
	"github.com/vyrodovalexey/keyarc-gateway/internal/config"
	"github.com/vyrodovalexey/keyarc-gateway/internal/observability"
	"github.com/vyrodovalexey/keyarc-gateway/internal/postgres"
)

const (
	defaultCheckAction       = "check"
	defaultCheckResourceType = "team"
)

type checkOptions struct {
	configPath   string
	subject      string
	team         string
	role         string
	action       string
	resourceType string
	resourceID   string
}

func newCheckCmd() *cobra.Command {
	var opts checkOptions

	cmd := &cobra.Command{
		Use:   "check",
		Short: "Ask the policy engine whether a principal holds a role in a team",
		Long: "Resolve the membership from the configured store and print the decision.\n" +
			"The decision is written to stderr as an audit event. The command fails when access is denied.",
		Example: "  keyarc-token check --config configs/gateway.yaml --sub alice --team t1 --role member",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			d, err := check(cmd.Context(), opts, cmd.ErrOrStderr())
			if err != nil {
				return err
			}

			verdict := "denied"
			if d.Allowed {
				verdict = "allowed"
			}
			if _, err := fmt.Fprintf(cmd.OutOrStdout(), "%s role=%s reason=%s\n",
				verdict, d.Role, d.Reason); err != nil {
				return err
			}
			if !d.Allowed {
				return fmt.Errorf("access denied: %s", d.Reason)
			}
			return nil
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.configPath, "config", "configs/gateway.yaml", "gateway configuration file")
	f.StringVar(&opts.subject, "sub", "", "principal id")
	f.StringVar(&opts.team, "team", "", "team id")
	f.StringVar(&opts.role, "role", rbac.RoleViewer.String(), "minimum role required")
	f.StringVar(&opts.action, "action", defaultCheckAction, "audited action")
	f.StringVar(&opts.resourceType, "resource-type", defaultCheckResourceType, "audited resource type")
	f.StringVar(&opts.resourceID, "resource-id", "", "audited resource id (default: the team)")
	_ = cmd.MarkFlagRequired("sub")
	_ = cmd.MarkFlagRequired("team")

	return cmd
}

// check authorizes one request against the configured membership store
// and writes the audit event to auditOut.
func check(ctx context.Context, opts checkOptions, auditOut io.Writer) (rbac.Decision, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	required, err := rbac.ParseRole(opts.role)
	if err != nil {
		return rbac.Decision{}, fmt.Errorf("invalid --role: %w", err)
	}

	cfg, err := config.LoadConfig(opts.configPath)
	if err != nil {
		return rbac.Decision{}, err
	}

	store, release, err := openMembershipStore(ctx, cfg)
	if err != nil {
		return rbac.Decision{}, err
	}
	defer release()

	engine := rbac.NewEngine(store, cfg.RBAC.EngineConfig(),
		rbac.WithEngineMetrics(rbac.NewMetricsWithRegisterer("keyarc_token", prometheus.NewRegistry())),
	)

	sink := audit.NewStreamStore(auditOut)
	var recordErr error
	recorder := audit.RecorderFunc(func(e audit.Event) {
		recordErr = sink.Append(ctx, []audit.Event{e})
	})

	resourceID := opts.resourceID
	if resourceID == "" {
		resourceID = opts.team
	}
	d := rbac.NewAuditedChecker(engine, recorder).Check(ctx, rbac.CheckRequest{
		PrincipalID:  opts.subject,
		TeamID:       opts.team,
		Required:     required,
		Action:       opts.action,
		ResourceType: opts.resourceType,
		ResourceID:   resourceID,
	})
	if recordErr != nil {
		return d, fmt.Errorf("failed to record audit event: %w", recordErr)
	}
	return d, nil
}

// openMembershipStore opens the store named by rbac.store. release
// closes any connection it opened.
func openMembershipStore(ctx context.Context, cfg *config.Config) (rbac.MembershipStore, func(), error) {
	switch cfg.RBAC.Store {
	case config.StoreRedis:
		client := redis.NewClient(cfg.Redis.ClientOptions())
		return rbac.NewRedisStore(client, cfg.RBAC.KeyPrefix), func() { _ = client.Close() }, nil
	case config.StorePostgres:
		pool, err := postgres.New(ctx, cfg.Database.PoolConfig(), observability.NopLogger())
		if err != nil {
			return nil, nil, err
		}
		return rbac.NewPostgresStore(pool), pool.Close, nil
	default:
		mem, err := cfg.RBAC.MemoryStore()
		if err != nil {
			return nil, nil, err
		}
		return mem, func() {}, nil
	}
}
