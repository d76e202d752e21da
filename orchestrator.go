// Package torsupervisor is the TorOrchestrator facade: it composes the
// installer, supervisor, control client, and service registry behind
// explicit ownership (no cyclic back-pointers, per spec.md §9), borrows
// IdentityStore and ServiceHandlerFactory from the host at construction,
// and reports state upward through a typed events.Bus instead of
// signal/slot wiring.
package torsupervisor

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/bfix/torsupervisor/control"
	"github.com/bfix/torsupervisor/events"
	"github.com/bfix/torsupervisor/identity"
	"github.com/bfix/torsupervisor/installer"
	"github.com/bfix/torsupervisor/registry"
	"github.com/bfix/torsupervisor/servicehandler"
	"github.com/bfix/torsupervisor/supervisor"
	"github.com/bfix/torsupervisor/torerr"
	"github.com/bfix/torsupervisor/torlog"
)

// Orchestrator is the single process-wide value the host constructs
// once and owns for the application's lifetime.
type Orchestrator struct {
	cfg     Config
	store   identity.Store
	bus     *events.Bus
	log     *torlog.Logger

	supervisor *supervisor.Supervisor
	client     *control.Client
	registry   *registry.Registry

	mu              sync.Mutex
	addOnionIssued  bool
	downloadErrMsg  string
}

// New constructs an Orchestrator. factory and promReg may be the reference
// implementations (servicehandler.EchoFactory{}, prometheus.NewRegistry())
// or host-supplied equivalents. A nil promReg skips metrics registration.
func New(cfg Config, store identity.Store, factory servicehandler.Factory, promReg prometheus.Registerer, log *torlog.Logger) *Orchestrator {
	log = torlog.Or(log)
	bus := events.NewBus()

	in := installer.New(installer.Config{
		InstallRoot:         cfg.InstallRoot,
		DistIndexURL:        cfg.DistIndexURL,
		RequireGPG:          cfg.RequireGPG,
		PinnedFingerprints:  cfg.PinnedFingerprints,
		GnupgHome:           cfg.GnupgHome,
		HTTPTimeout:         cfg.HTTPTimeout,
		DownloadTimeout:     cfg.BundleDownloadTimeout,
		ArchiveTimeout:      cfg.ArchiveTimeout,
		GPGTimeout:          cfg.GPGTimeout,
	}, log, func(w torerr.Warning) {
		bus.Emit(events.Event{Kind: events.GPGWarning, Code: w.Code, Text: w.Message})
	})

	reg := registry.New(factory, bus, promReg)
	cl := control.New(log)

	o := &Orchestrator{cfg: cfg, store: store, bus: bus, log: log, client: cl, registry: reg}
	o.supervisor = supervisor.New(in, bus, log, o.onControlConnect)
	o.supervisor.SetLivenessProbe(func() bool {
		_, err := cl.GetInfo("version")
		return err == nil
	})
	return o
}

// Events returns a listener for host-facing notifications.
func (o *Orchestrator) Events() *events.Listener { return o.bus.Listen() }

// Start boots the daemon (downloading it first if necessary).
func (o *Orchestrator) Start(ctx context.Context, forceDownload bool) error {
	o.mu.Lock()
	o.addOnionIssued = false
	o.mu.Unlock()
	return o.supervisor.Start(ctx, forceDownload)
}

// StartIfAutoconnect starts only if the host reports an authenticated
// session and the autoconnect preference is enabled.
func (o *Orchestrator) StartIfAutoconnect(ctx context.Context) error {
	if !o.store.IsAuthenticated() || !o.store.TorAutoconnect() {
		return nil
	}
	return o.Start(ctx, false)
}

// Stop tears the daemon and control connection down.
func (o *Orchestrator) Stop() error {
	o.client.Close()
	return o.supervisor.Stop()
}

// Reset stops everything and returns the orchestrator to a
// fresh-equivalent state: all handlers closed, counters cleared.
func (o *Orchestrator) Reset() error {
	err := o.Stop()
	o.registry.Reset()
	return err
}

// onControlConnect is invoked by the supervisor once bootstrap hits
// 100% and its grace period elapses; it performs the full
// connect -> authenticate -> initial ADD_ONION batch sequence.
func (o *Orchestrator) onControlConnect(dataDir string, controlPort int) {
	addr := fmt.Sprintf("127.0.0.1:%d", controlPort)
	if err := o.client.Connect(addr); err != nil {
		o.bus.Emit(events.Event{Kind: events.Error, Text: err.Error()})
		return
	}
	cookiePath := filepath.Join(dataDir, "control_auth_cookie")
	if err := o.client.Authenticate(cookiePath); err != nil {
		o.bus.Emit(events.Event{Kind: events.Error, Text: err.Error()})
		return
	}

	o.mu.Lock()
	already := o.addOnionIssued
	o.addOnionIssued = true
	o.mu.Unlock()
	if already {
		return
	}
	o.issueInitialBatch(context.Background())
}

// issueInitialBatch implements spec.md §4.7's "first 250 OK after
// authentication triggers exactly one sendAddOnionCmd pass". Replies to
// an existing-key ADD_ONION are already bound to their onion (by
// EnsureExisting) and need no PendingNew correlation; only the NEW
// replies do, so the two kinds of command are tracked in parallel with
// isNew and only the NEW slots are run through handleAddOnionBlock.
func (o *Orchestrator) issueInitialBatch(ctx context.Context) {
	var cmds []string
	var isNew []bool
	for _, id := range o.store.GetTorIdentities() {
		if !id.Online {
			continue
		}
		if id.PrivateKey != "" {
			port := o.registry.EnsureExisting(id.Onion, id.Label)
			cmds = append(cmds, control.BuildAddOnionExisting(id.PrivateKey, port))
			isNew = append(isNew, false)
		} else {
			port, err := o.registry.Provision(id.Label)
			if err != nil {
				o.bus.Emit(events.Event{Kind: events.Error, Text: err.Error()})
				continue
			}
			o.registry.QueueLabel(id.Label)
			cmds = append(cmds, control.BuildAddOnionNew(port))
			isNew = append(isNew, true)
		}
	}
	if len(cmds) == 0 {
		return
	}
	blocks, err := o.client.IssueBatch(ctx, cmds)
	if err != nil {
		o.bus.Emit(events.Event{Kind: events.Error, Text: err.Error()})
		return
	}
	for i, blk := range blocks {
		if i < len(isNew) && isNew[i] {
			o.handleAddOnionBlock(blk)
		} else if blk.OK {
			o.bus.Emit(events.Event{Kind: events.OnionAddressChanged})
		}
	}
}

// handleAddOnionBlock correlates the reply to an ADD_ONION NEW command
// against PendingNew and persists the daemon-assigned onion/key.
func (o *Orchestrator) handleAddOnionBlock(blk control.Block) {
	if !blk.OK || blk.ServiceID == "" {
		return
	}
	svc, label, err := o.registry.CorrelateNew(blk.ServiceID, blk.PrivateKey, blk.HadPrivateKey)
	if err != nil {
		o.bus.Emit(events.Event{Kind: events.Error, Text: err.Error()})
		return
	}
	if blk.HadPrivateKey {
		o.store.StoreTorIdentity(svc.Onion, blk.PrivateKey, label, true)
	}
	o.bus.Emit(events.Event{Kind: events.OnionAddressChanged, Onion: svc.Onion})
	o.bus.Emit(events.Event{Kind: events.OnionAddressesChanged})
}

// AddNewService disambiguates label, inserts a placeholder identity,
// and — if the control client is Ready — provisions and issues
// ADD_ONION NEW immediately.
func (o *Orchestrator) AddNewService(label string) bool {
	existing := make(map[string]bool)
	for _, id := range o.store.GetTorIdentities() {
		if id.IsPlaceholder() {
			existing[strings.ToLower(id.Label)] = true
		}
	}
	o.store.AddTorIdentity(label)
	if o.client.State() != control.Ready {
		return true
	}
	// The new placeholder is the one whose (possibly disambiguated)
	// label was not present before AddTorIdentity.
	for _, id := range o.store.GetTorIdentities() {
		if id.IsPlaceholder() && !existing[strings.ToLower(id.Label)] {
			port, err := o.registry.Provision(id.Label)
			if err != nil {
				return false
			}
			o.registry.QueueLabel(id.Label)
			blocks, err := o.client.IssueBatch(context.Background(), []string{control.BuildAddOnionNew(port)})
			if err != nil {
				return false
			}
			for _, blk := range blocks {
				o.handleAddOnionBlock(blk)
			}
			return true
		}
	}
	return true
}

// SetServiceOnline flips the identity's online flag and, if Ready,
// issues ADD_ONION or DEL_ONION accordingly.
func (o *Orchestrator) SetServiceOnline(onion string, online bool) bool {
	ok := o.store.SetTorIdentityOnline(onion, online)
	if !ok || o.client.State() != control.Ready {
		return ok
	}
	if !online {
		o.client.Execute(control.BuildDelOnion(onion))
		o.registry.Close(onion)
		return true
	}
	key := o.store.TorPrivKeyFor(onion)
	if key != "" {
		// Already bound via EnsureExisting; this reply needs no
		// PendingNew correlation.
		port := o.registry.EnsureExisting(onion, onion)
		_, err := o.client.IssueBatch(context.Background(), []string{control.BuildAddOnionExisting(key, port)})
		return err == nil
	}

	port, err := o.registry.Provision(onion)
	if err != nil {
		return false
	}
	blocks, err := o.client.IssueBatch(context.Background(), []string{control.BuildAddOnionNew(port)})
	if err != nil {
		return false
	}
	for _, blk := range blocks {
		o.handleAddOnionBlock(blk)
	}
	return true
}

// RemoveService issues DEL_ONION (if Ready), closes the local service,
// and removes the identity.
func (o *Orchestrator) RemoveService(onion string) bool {
	if o.client.State() == control.Ready {
		o.client.Execute(control.BuildDelOnion(onion))
	}
	o.registry.Close(onion)
	return o.store.RemoveTorIdentity(onion)
}

// EnsureDefaultService adds a "main" service if the identity set is empty.
func (o *Orchestrator) EnsureDefaultService() {
	if len(o.store.GetTorIdentities()) == 0 {
		o.AddNewService("main")
	}
}

// State is the observable snapshot the host polls or mirrors from events.
type State struct {
	Running           bool
	Initializing      bool
	Installing        bool
	BootstrapProgress int
	OnionAddresses    []string
	RequestCounts     map[string]int
}

// Snapshot returns the orchestrator's current observable state.
func (o *Orchestrator) Snapshot() State {
	sup := o.supervisor.State()
	return State{
		Running:           sup.Running,
		Initializing:      sup.Initializing,
		Installing:        sup.Installing,
		BootstrapProgress: sup.BootstrapProgress,
		OnionAddresses:    onlineOnions(o.store.GetTorIdentities()),
		RequestCounts:     o.registry.RequestCounts(),
	}
}

// onlineOnions derives the host-facing onion address list from the
// IdentityStore rather than the registry's live-correlated services,
// so addresses persisted from a prior session are visible immediately
// on restart, before this run's daemon finishes bootstrapping.
func onlineOnions(ids []identity.Identity) []string {
	var out []string
	for _, id := range ids {
		if id.Online && id.Onion != "" {
			out = append(out, id.Onion)
		}
	}
	return out
}

