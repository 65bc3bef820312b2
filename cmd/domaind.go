package cmd

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/qeodomain/ddscored/api"
	"github.com/qeodomain/ddscored/internal/auth"
	"github.com/qeodomain/ddscored/internal/auth/dsadh"
	"github.com/qeodomain/ddscored/internal/auth/dtls"
	"github.com/qeodomain/ddscored/internal/auth/pkirsa"
	"github.com/qeodomain/ddscored/internal/domain"
	"github.com/qeodomain/ddscored/internal/handle"
	"github.com/qeodomain/ddscored/internal/rtps"
	"github.com/qeodomain/ddscored/internal/spdp"
	"github.com/qeodomain/ddscored/internal/store"
	"github.com/qeodomain/ddscored/internal/token"
)

var domaindCmd = &cobra.Command{
	Use:   "domaind",
	Short: "Run a domain participant's discovery and authentication core",
}

var domaindRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the discovery core and its introspection HTTP endpoint",
	PreRunE: func(cmd *cobra.Command, args []string) error {
		return loadConfigFile(cmd)
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		var cfg DomainConfig
		if err := viper.Unmarshal(&cfg); err != nil {
			return fmt.Errorf("decoding configuration: %w", err)
		}
		if err := cfg.validate(); err != nil {
			return err
		}
		return runDomaind(cmd.Context(), &cfg)
	},
}

func init() {
	rootCmd.AddCommand(domaindCmd)
	domaindCmd.AddCommand(domaindRunCmd)
}

// runDomaind opens the store, builds every configured authentication
// plugin, constructs the Domain, and serves the introspection API
// until SIGINT/SIGTERM, mirroring the teacher's ManufacturingServer
// graceful-shutdown pattern but driven by an errgroup so the HTTP
// server and the SPDP announcer loop stop together.
func runDomaind(ctx context.Context, cfg *DomainConfig) error {
	db, err := cfg.DB.getState()
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}

	ignored, err := db.LoadIgnored()
	if err != nil {
		return fmt.Errorf("loading ignored-participant set: %w", err)
	}
	slog.Info("store opened", "ignored_participants", len(ignored))

	prefix, err := cfg.guidPrefix()
	if err != nil {
		return err
	}

	plugins, localIdentity, err := buildAuthPlugins(&cfg.Security)
	if err != nil {
		return fmt.Errorf("building authentication plugins: %w", err)
	}

	d := domain.New(domain.Config{
		DomainID:      cfg.DomainID,
		LocalPrefix:   prefix,
		Capabilities:  cfg.Security.capabilities(),
		AuthPlugins:   plugins,
		RTPS:          rtps.NoopLayer{},
		LocalIdentity: localIdentity,
		Log:           slog.Default(),
	})
	defer d.Close()

	d.StartAnnouncing(spdp.ParticipantData{GUIDPrefix: prefix}, 3*time.Second, func(spdp.ParticipantData) error {
		return nil // no transport bound yet; the announcer still exercises its own lease timing
	})

	// Every introspection route is throttled so a misbehaving client
	// can't flood the store with repeated handshake-history queries;
	// one token per second with a small burst is plenty for an
	// operator-facing read-only endpoint.
	limiter := rate.NewLimiter(rate.Limit(1), 5)

	mux := http.NewServeMux()
	api.NewRouter(d, db, limiter).RegisterRoutes(mux)

	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 3 * time.Second,
	}

	lis, err := net.Listen("tcp", cfg.HTTP.ListenAddress())
	if err != nil {
		return fmt.Errorf("listening on %s: %w", cfg.HTTP.ListenAddress(), err)
	}
	slog.Info("listening", "local", lis.Addr().String())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := srv.Serve(lis)
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		stop := make(chan os.Signal, 1)
		signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
		select {
		case <-stop:
		case <-gctx.Done():
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		slog.Debug("shutting down")
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// buildAuthPlugins constructs one auth.Plugin per configured sub-block
// and a single local IdentityData carrying the PKI-RSA/DSA-DH
// certificate each plugin is keyed with (spec §4.3's "CheckLocal
// rewrites the GUID prefix" needs exactly one identity credential per
// local participant).
func buildAuthPlugins(cfg *SecurityConfig) ([]auth.Plugin, *token.IdentityData, error) {
	var plugins []auth.Plugin
	const localIdentityHandle = handle.Handle(1)
	identity := &token.IdentityData{Handle: localIdentityHandle}

	if cfg.PKIRSA != nil {
		cert, key, err := loadCertAndKey(cfg.PKIRSA.CertPath, cfg.PKIRSA.KeyPath)
		if err != nil {
			return nil, nil, fmt.Errorf("pkirsa: %w", err)
		}
		rsaKey, ok := key.(*rsa.PrivateKey)
		if !ok {
			return nil, nil, fmt.Errorf("pkirsa: key at %s is not an RSA private key", cfg.PKIRSA.KeyPath)
		}
		p := pkirsa.New()
		p.RegisterLocalKey(localIdentityHandle, rsaKey)
		identity.IdentityCredential = cert
		plugins = append(plugins, p)
	}

	if cfg.DSADH != nil {
		cert, key, err := loadCertAndKey(cfg.DSADH.CertPath, cfg.DSADH.KeyPath)
		if err != nil {
			return nil, nil, fmt.Errorf("dsadh: %w", err)
		}
		ecKey, ok := key.(*ecdsa.PrivateKey)
		if !ok {
			return nil, nil, fmt.Errorf("dsadh: key at %s is not an ECDSA private key", cfg.DSADH.KeyPath)
		}
		p := dsadh.New()
		p.RegisterLocalKey(localIdentityHandle, ecKey)
		if identity.IdentityCredential == nil {
			identity.IdentityCredential = cert
		}
		plugins = append(plugins, p)
	}

	if cfg.DTLS != nil {
		tlsCert, err := tls.LoadX509KeyPair(cfg.DTLS.CertPath, cfg.DTLS.KeyPath)
		if err != nil {
			return nil, nil, fmt.Errorf("dtls: loading key pair: %w", err)
		}
		plugins = append(plugins, dtls.New(&tlsCert))
	}

	if len(plugins) == 0 {
		return nil, nil, fmt.Errorf("no authentication plugin configured")
	}
	return plugins, identity, nil
}

func loadCertAndKey(certPath, keyPath string) (certPEM []byte, key crypto.Signer, err error) {
	certPEM, err = os.ReadFile(certPath)
	if err != nil {
		return nil, nil, fmt.Errorf("reading certificate: %w", err)
	}
	if _, err := parseCertificate(certPEM); err != nil {
		return nil, nil, fmt.Errorf("parsing certificate: %w", err)
	}
	keyBytes, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, nil, fmt.Errorf("reading private key: %w", err)
	}
	key, err = parsePrivateKey(keyBytes)
	if err != nil {
		return nil, nil, err
	}
	return certPEM, key, nil
}

func parseCertificate(certPEM []byte) (*x509.Certificate, error) {
	blk, _ := pem.Decode(certPEM)
	if blk == nil {
		return nil, fmt.Errorf("not valid PEM")
	}
	return x509.ParseCertificate(blk.Bytes)
}

// parsePrivateKey follows the teacher's own root.go fallback chain
// across PKCS8/EC/PKCS1 encodings.
func parsePrivateKey(b []byte) (crypto.Signer, error) {
	blk, _ := pem.Decode(b)
	if blk == nil {
		return nil, fmt.Errorf("private key is not valid PEM")
	}
	if key, err := x509.ParsePKCS8PrivateKey(blk.Bytes); err == nil {
		signer, ok := key.(crypto.Signer)
		if !ok {
			return nil, fmt.Errorf("PKCS8 key is not a signer")
		}
		return signer, nil
	}
	if key, err := x509.ParseECPrivateKey(blk.Bytes); err == nil {
		return key, nil
	}
	if key, err := x509.ParsePKCS1PrivateKey(blk.Bytes); err == nil {
		return key, nil
	}
	return nil, fmt.Errorf("unable to parse private key (tried PKCS8, EC, PKCS1)")
}
