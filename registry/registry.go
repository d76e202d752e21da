// Package registry implements ServiceRegistry: a local loopback
// listener per onion, pending-new queue with FIFO-with-label-preference
// correlation, and request counters exposed both as a plain map (the
// operation spec.md's tests rely on) and, additively, as Prometheus
// counters grounded on apimgr-vidveil's per-resource metrics pattern.
package registry

import (
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/bfix/torsupervisor/events"
	"github.com/bfix/torsupervisor/servicehandler"
	"github.com/bfix/torsupervisor/torerr"
)

// LocalService mirrors spec.md §3's LocalService.
type LocalService struct {
	Onion     string
	Label     string
	LocalPort int
	Handler   servicehandler.Handler
	Online    bool
}

// Registry owns the live services map and the pending-new queue.
type Registry struct {
	factory servicehandler.Factory
	bus     *events.Bus

	mu               sync.Mutex
	services         map[string]*LocalService // key: lowercase onion
	pendingNew       []*LocalService
	pendingNewLabels []string
	requestCounts    map[string]int

	requestsTotal  *prometheus.CounterVec
	servicesOnline prometheus.Gauge
}

// New builds a Registry. reg may be nil to skip Prometheus registration
// (e.g. in tests).
func New(factory servicehandler.Factory, bus *events.Bus, reg prometheus.Registerer) *Registry {
	r := &Registry{
		factory:       factory,
		bus:           bus,
		services:      make(map[string]*LocalService),
		requestCounts: make(map[string]int),
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "torsupervisor_requests_total",
			Help: "Requests delivered per onion service.",
		}, []string{"onion"}),
		servicesOnline: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "torsupervisor_services_online",
			Help: "Number of onion services currently online.",
		}),
	}
	if reg != nil {
		reg.MustRegister(r.requestsTotal, r.servicesOnline)
	}
	return r
}

// Provision binds a fresh handler to a free loopback port for a
// service awaiting a daemon-assigned onion, queues it in PendingNew,
// and returns the chosen port.
func (r *Registry) Provision(label string) (int, error) {
	h := r.factory.Create("")
	if !h.Start(0) {
		return 0, torerr.New(torerr.KindSupervisor, torerr.ErrSpawnFailed, "binding local listener for %q", label)
	}
	svc := &LocalService{Label: label, LocalPort: h.Port(), Handler: h}

	r.mu.Lock()
	r.pendingNew = append(r.pendingNew, svc)
	r.mu.Unlock()
	r.watchRequests(svc)
	return svc.LocalPort, nil
}

// EnsureExisting provisions (if absent) a LocalService for an onion
// whose private key is already known, returning its local port.
func (r *Registry) EnsureExisting(onion, label string) int {
	key := strings.ToLower(onion)
	r.mu.Lock()
	if svc, ok := r.services[key]; ok {
		r.mu.Unlock()
		return svc.LocalPort
	}
	r.mu.Unlock()

	h := r.factory.Create(onion)
	h.Start(0)
	svc := &LocalService{Onion: key, Label: label, LocalPort: h.Port(), Handler: h, Online: true}

	r.mu.Lock()
	r.services[key] = svc
	r.mu.Unlock()
	r.watchRequests(svc)
	r.refreshOnlineGauge()
	return svc.LocalPort
}

// QueueLabel records a label issued via ADD_ONION NEW for later FIFO
// correlation, per spec's pending_new_labels queue.
func (r *Registry) QueueLabel(label string) {
	r.mu.Lock()
	r.pendingNewLabels = append(r.pendingNewLabels, label)
	r.mu.Unlock()
}

// CorrelateNew implements spec.md §4.7's NEW:ED25519-V3 correlation
// algorithm: pop a label if the block carried a private key, prefer an
// exact case-insensitive label match in PendingNew, else take the head
// of the queue.
func (r *Registry) CorrelateNew(serviceID, privateKey string, hadPrivateKey bool) (*LocalService, string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.pendingNew) == 0 {
		return nil, "", torerr.New(torerr.KindControl, torerr.ErrProtocolError, "NEW reply %s with no pending service", serviceID)
	}

	var labelForThis string
	if hadPrivateKey && len(r.pendingNewLabels) > 0 {
		labelForThis = r.pendingNewLabels[0]
		r.pendingNewLabels = r.pendingNewLabels[1:]
	}

	idx := -1
	if labelForThis != "" {
		for i, svc := range r.pendingNew {
			if strings.EqualFold(svc.Label, labelForThis) {
				idx = i
				break
			}
		}
	}
	if idx == -1 {
		idx = 0
	}

	svc := r.pendingNew[idx]
	r.pendingNew = append(r.pendingNew[:idx], r.pendingNew[idx+1:]...)

	// serviceID already carries the ".onion" suffix (the control client's
	// readLoop appends it); keep it, matching EnsureExisting's keying and
	// the apply_new_onion(service_id, ...) persistence step.
	svc.Onion = strings.ToLower(serviceID)
	svc.Online = true
	svc.Handler.SetBoundOnion(serviceID)
	r.services[svc.Onion] = svc

	label := svc.Label
	if labelForThis != "" {
		label = labelForThis
	}
	r.refreshOnlineGauge()
	return svc, label, nil
}

// Close shuts the handler for onion down and removes it from the registry.
func (r *Registry) Close(onion string) {
	key := strings.ToLower(onion)
	r.mu.Lock()
	svc, ok := r.services[key]
	if ok {
		delete(r.services, key)
	}
	r.mu.Unlock()
	if ok {
		svc.Handler.Close()
		r.refreshOnlineGauge()
	}
}

func (r *Registry) refreshOnlineGauge() {
	r.mu.Lock()
	n := 0
	for _, svc := range r.services {
		if svc.Online {
			n++
		}
	}
	r.mu.Unlock()
	r.servicesOnline.Set(float64(n))
}

func (r *Registry) watchRequests(svc *LocalService) {
	go func() {
		for ev := range svc.Handler.Requests() {
			r.mu.Lock()
			r.requestCounts[ev.Onion]++
			n := r.requestCounts[ev.Onion]
			r.mu.Unlock()
			r.requestsTotal.WithLabelValues(ev.Onion).Inc()
			if r.bus != nil {
				r.bus.Emit(events.Event{Kind: events.RequestCountChanged, Onion: ev.Onion, Count: n})
				r.bus.Emit(events.Event{Kind: events.RequestCountsChanged})
			}
		}
	}()
}

// RequestCounts returns a snapshot of per-onion request counts.
func (r *Registry) RequestCounts() map[string]int {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]int, len(r.requestCounts))
	for k, v := range r.requestCounts {
		out[k] = v
	}
	return out
}

// Onions returns the set of currently-online onion addresses.
func (r *Registry) Onions() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.services))
	for onion, svc := range r.services {
		if svc.Online {
			out = append(out, onion)
		}
	}
	return out
}

// Reset closes every handler and clears all registry state.
func (r *Registry) Reset() {
	r.mu.Lock()
	all := make([]*LocalService, 0, len(r.services)+len(r.pendingNew))
	for _, svc := range r.services {
		all = append(all, svc)
	}
	all = append(all, r.pendingNew...)
	r.services = make(map[string]*LocalService)
	r.pendingNew = nil
	r.pendingNewLabels = nil
	r.requestCounts = make(map[string]int)
	r.mu.Unlock()

	for _, svc := range all {
		svc.Handler.Close()
	}
	r.refreshOnlineGauge()
}
