// Command toriond is a demo host binding TorOrchestrator to its
// in-memory reference collaborators, grounded on starius-barterbackup's
// cmd/bbd flag-struct/Parse/Run split.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	flags "github.com/jessevdk/go-flags"
	"github.com/prometheus/client_golang/prometheus"

	torsupervisor "github.com/bfix/torsupervisor"
	"github.com/bfix/torsupervisor/identity"
	"github.com/bfix/torsupervisor/servicehandler"
	"github.com/bfix/torsupervisor/torlog"
)

type options struct {
	InstallRoot string `long:"install-root" env:"TORIOND_INSTALL_ROOT" description:"Directory the installer extracts the daemon bundle into." default:"/tmp/toriond/install"`
	GnupgHome   string `long:"gnupg-home" env:"TORIOND_GNUPG_HOME" description:"Homedir used for signature-verification keyrings." default:"/tmp/toriond/gnupg"`
	RequireGPG  bool   `long:"require-gpg" env:"TORIOND_REQUIRE_GPG" description:"Abort the install if signature verification fails."`
}

func main() {
	var opts options
	if _, err := flags.Parse(&opts); err != nil {
		if ferr, ok := err.(*flags.Error); ok && ferr.Type == flags.ErrHelp {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	log := torlog.New(os.Stderr, torlog.INFO)
	cfg := torsupervisor.DefaultConfig(opts.InstallRoot, opts.GnupgHome)
	cfg.RequireGPG = opts.RequireGPG

	store := identity.NewMemoryStore()
	orch := torsupervisor.New(cfg, store, servicehandler.EchoFactory{}, prometheus.DefaultRegisterer, log)

	listener := orch.Events()
	go func() {
		for ev := range listener.Events() {
			log.Info("event", map[string]any{"kind": ev.Kind, "onion": ev.Onion, "text": ev.Text})
		}
	}()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	orch.EnsureDefaultService()
	if err := orch.Start(ctx, false); err != nil {
		log.Error("start failed", map[string]any{"err": err.Error()})
		os.Exit(1)
	}

	<-ctx.Done()
	orch.Stop()
}
