package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/spf13/cobra"

	"github.com/vyrodovalexey/keyarc-gateway/internal/auth/jwt"
	"github.com/vyrodovalexey/keyarc-gateway/internal/authz/rbac"
	"github.com/vyrodovalexey/keyarc-gateway/internal/config"
	"github.com/vyrodovalexey/keyarc-gateway/internal/vault"
)

const defaultTTL = 15 * time.Minute

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "keyarc-token",
		Short:         "Mint tokens and check permissions for the keyarc gateway",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newMintCmd(), newCheckCmd())
	return root
}

type mintOptions struct {
	configPath     string
	subject        string
	ttl            time.Duration
	teams          []string
	keyID          string
	privateKeyFile string
	issuer         string
	audience       []string
}

func newMintCmd() *cobra.Command {
	var opts mintOptions

	cmd := &cobra.Command{
		Use:   "mint",
		Short: "Print a signed token",
		Long: "Sign a token with a key from the gateway configuration. HMAC keys sign directly;\n" +
			"asymmetric algorithms need the private key in --private-key.",
		Example: "  keyarc-token mint --config configs/gateway.yaml --sub alice --team t1=admin",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			token, err := mint(cmd.Context(), opts)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), token)
			return err
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.configPath, "config", "configs/gateway.yaml", "gateway configuration file")
	f.StringVar(&opts.subject, "sub", "", "token subject (principal id)")
	f.DurationVar(&opts.ttl, "ttl", defaultTTL, "token lifetime")
	f.StringArrayVar(&opts.teams, "team", nil, "team membership claim as TEAM=ROLE (repeatable)")
	f.StringVar(&opts.keyID, "kid", "", "key id to sign with (default: the only configured key)")
	f.StringVar(&opts.privateKeyFile, "private-key", "", "PEM private key for asymmetric algorithms")
	f.StringVar(&opts.issuer, "iss", "", "issuer (default: first configured issuer)")
	f.StringSliceVar(&opts.audience, "aud", nil, "audience (default: configured audience)")
	_ = cmd.MarkFlagRequired("sub")

	return cmd
}

func mint(ctx context.Context, opts mintOptions) (string, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	teams, err := parseTeams(opts.teams)
	if err != nil {
		return "", err
	}

	cfg, err := config.LoadConfig(opts.configPath)
	if err != nil {
		return "", err
	}

	signer, err := newSigner(ctx, cfg, opts)
	if err != nil {
		return "", err
	}

	audience := opts.audience
	if len(audience) == 0 {
		audience = cfg.JWT.Audience
	}
	return signer.Sign(jwt.TokenRequest{
		Subject:  opts.subject,
		TTL:      opts.ttl,
		Audience: audience,
		Teams:    teams,
	})
}

// parseTeams parses TEAM=ROLE pairs.
func parseTeams(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	teams := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		team, role, ok := strings.Cut(pair, "=")
		team = strings.TrimSpace(team)
		if !ok || team == "" {
			return nil, fmt.Errorf("invalid --team %q: want TEAM=ROLE", pair)
		}
		r, err := rbac.ParseRole(strings.TrimSpace(role))
		if err != nil {
			return nil, fmt.Errorf("invalid --team %q: %w", pair, err)
		}
		teams[team] = r.String()
	}
	return teams, nil
}

func newSigner(ctx context.Context, cfg *config.Config, opts mintOptions) (*jwt.Signer, error) {
	issuer := opts.issuer
	if issuer == "" && len(cfg.JWT.Issuers) > 0 {
		issuer = cfg.JWT.Issuers[0]
	}
	signerOpts := []jwt.SignerOption{jwt.WithSignerIssuer(issuer)}
	alg := cfg.JWT.Algorithm

	if opts.privateKeyFile != "" {
		data, err := os.ReadFile(opts.privateKeyFile) //nolint:gosec // operator supplied path
		if err != nil {
			return nil, fmt.Errorf("failed to read private key: %w", err)
		}
		key, err := jwk.ParseKey(data, jwk.WithPEM(true))
		if err != nil {
			return nil, fmt.Errorf("failed to parse private key: %w", err)
		}
		var raw any
		if err := key.Raw(&raw); err != nil {
			return nil, fmt.Errorf("failed to read private key: %w", err)
		}
		return jwt.NewSigner(alg, opts.keyID, raw, signerOpts...)
	}

	key, err := selectKey(ctx, cfg, opts.keyID)
	if err != nil {
		return nil, err
	}
	var raw any
	if err := key.Raw(&raw); err != nil {
		return nil, fmt.Errorf("key %q: %w", key.KeyID(), err)
	}
	secret, ok := raw.([]byte)
	if !ok {
		return nil, fmt.Errorf("key %q is a public key; pass --private-key to sign %s tokens", key.KeyID(), alg)
	}
	return jwt.NewSigner(alg, key.KeyID(), secret, signerOpts...)
}

// selectKey picks kid from the configured keys, or the only key when
// kid is empty.
func selectKey(ctx context.Context, cfg *config.Config, kid string) (jwk.Key, error) {
	var resolver jwt.SecretResolver
	if cfg.JWT.UsesVault() {
		client, err := vault.New(cfg.Vault.ClientConfig())
		if err != nil {
			return nil, err
		}
		defer func() { _ = client.Close() }()
		if err := client.Authenticate(ctx); err != nil {
			return nil, err
		}
		resolver = client
	}

	set, err := jwt.LoadKeySet(ctx, cfg.JWT.KeySources(), resolver)
	if err != nil {
		return nil, err
	}

	if kid == "" {
		if set.Len() != 1 {
			return nil, errors.New("several keys are configured; choose one with --kid")
		}
		key, _ := set.Key(0)
		return key, nil
	}
	key, ok := set.LookupKeyID(kid)
	if !ok {
		return nil, fmt.Errorf("no configured key with id %q", kid)
	}
	return key, nil
}
