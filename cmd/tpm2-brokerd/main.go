// Command tpm2-brokerd is the TPM 2.0 access broker and resource
// manager daemon: one process sits between many client connections
// and a single TPM, multiplexing them by virtualizing handles and
// swapping TPM contexts as slots run out. See SPEC_FULL.md for the
// full design; this file only wires the pieces together.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/tpm2-software/tpm2-brokerd/broker"
	"github.com/tpm2-software/tpm2-brokerd/clientio"
	"github.com/tpm2-software/tpm2-brokerd/connection"
	"github.com/tpm2-software/tpm2-brokerd/internal/blog"
	"github.com/tpm2-software/tpm2-brokerd/internal/brokererr"
	"github.com/tpm2-software/tpm2-brokerd/internal/config"
	"github.com/tpm2-software/tpm2-brokerd/iopump"
	"github.com/tpm2-software/tpm2-brokerd/randsrc"
	"github.com/tpm2-software/tpm2-brokerd/resourcemgr"
	"github.com/tpm2-software/tpm2-brokerd/sessionlist"
	"github.com/tpm2-software/tpm2-brokerd/transport"
	"github.com/tpm2-software/tpm2-brokerd/transport/devicetransport"
	"github.com/tpm2-software/tpm2-brokerd/transport/notransport"
	"github.com/tpm2-software/tpm2-brokerd/transport/simtransport"
)

func newRootCmd() *cobra.Command {
	v := viper.New()
	cmd := &cobra.Command{
		Use:   "tpm2-brokerd",
		Short: "TPM 2.0 access broker and resource manager",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), v)
		},
	}
	config.BindFlags(cmd.Flags(), v)
	return cmd
}

func run(ctx context.Context, v *viper.Viper) error {
	log := blog.New()
	if lvl, err := blog.ParseLevel(v.GetString("log-level")); err == nil {
		log.SetLevel(lvl)
	}

	cfg, err := config.FromViper(v, log)
	if err != nil {
		return brokererr.NewFromError(err, brokererr.ConfigInvalid)
	}

	// Every daemon component logs through logrus.FieldLogger directly;
	// blog.Logger only wraps the top-level setup above. log is always
	// backed by a *logrus.Logger, so the assertion never falls through
	// to the standard logger in practice.
	fl, ok := log.(logrus.FieldLogger)
	if !ok {
		fl = logrus.StandardLogger()
	}

	tr, err := openTransport(ctx, cfg)
	if err != nil {
		return brokererr.NewFromError(err, brokererr.TransportOpen)
	}
	defer tr.Close()

	br := broker.New(tr, fl)
	if cfg.TCTI != config.TCTINone {
		if err := br.Startup(ctx); err != nil {
			return brokererr.NewFromError(err, brokererr.TPMStartup)
		}
	}

	registry := connection.NewRegistry(cfg.MaxConnections)
	sessions := sessionlist.New(cfg.MaxSessions)
	mgr := resourcemgr.New(registry, sessions, br, fl, resourcemgr.WithSaveEveryCommand(cfg.SaveEveryCommand))
	pump := iopump.New(mgr, iopump.WithLogger(fl))

	ids, err := randsrc.New()
	if err != nil {
		return brokererr.NewFromError(err, brokererr.ConfigInvalid)
	}
	control := clientio.NewControlHandler(registry, sessions, br, ids, cfg.MaxTransientObjects)

	ln, err := clientio.Listen(cfg.ClientSocketPath, registry, control, pump, cfg.MaxTransientObjects, fl)
	if err != nil {
		return brokererr.NewFromError(err, brokererr.ClientListen)
	}
	defer ln.Close()

	log.Infof("tpm2-brokerd listening on %s (tcti=%s)", cfg.ClientSocketPath, cfg.TCTI)

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()
	return ln.Serve(ctx)
}

func openTransport(ctx context.Context, cfg *config.Config) (transport.Transport, error) {
	switch cfg.TCTI {
	case config.TCTIDevice:
		return devicetransport.Open(cfg.TCTIDeviceName)
	case config.TCTISocket:
		return simtransport.Dial(ctx, fmt.Sprintf("%s:%d", cfg.TCTISocketAddr, cfg.TCTISocketPort))
	case config.TCTINone:
		return notransport.New(), nil
	default:
		return nil, fmt.Errorf("tpm2-brokerd: unknown tcti %q", cfg.TCTI)
	}
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		if be, ok := err.(*brokererr.Error); ok {
			os.Exit(be.ExitCode())
		}
		os.Exit(brokererr.Unknown)
	}
}
