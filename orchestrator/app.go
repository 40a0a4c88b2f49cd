// Download orchestration: wires DHCP, DNS, TCP connect, HTTP streaming
// and disk writes behind the top-level state machine.
// https://github.com/f-secure-foundry/morpheus
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package orchestrator

import (
	"net"

	"github.com/f-secure-foundry/morpheus/httpclient"
	"github.com/f-secure-foundry/morpheus/ipstack"

	"gvisor.dev/gvisor/pkg/tcpip"
)

// DHCP is the subset of *ipstack.DHCPClient App needs. Declaring it
// here (rather than depending on the concrete type) lets tests drive
// App's state-machine wiring with a fake.
type DHCP interface {
	Step() (ipstack.Event, error)
	Lease() ipstack.Lease
}

// Resolver is the subset of *ipstack.Resolver App needs.
type Resolver interface {
	Step() (bool, error)
	Address() tcpip.Address
}

// Connector is the subset of *ipstack.Connector App needs.
type Connector interface {
	Step() (bool, error)
	Established() bool
	Conn() net.Conn
	Abort()
}

// Network produces the per-download Resolver and Connector and installs
// the address DHCP handed out. networkAdapter wraps a real *ipstack.Stack
// to satisfy this at the production edge; tests supply a fake directly.
type Network interface {
	Configure(addr tcpip.Address, prefixLen int, gateway tcpip.Address) error
	NewResolver(host string, resolver tcpip.Address) Resolver
	DialTCP(addr tcpip.Address, port uint16) (Connector, error)
}

// networkAdapter narrows *ipstack.Stack's wider, concretely-typed
// surface down to the Network interface above.
type networkAdapter struct {
	stack *ipstack.Stack
}

// NewNetwork wraps stack for use by App.
func NewNetwork(stack *ipstack.Stack) Network {
	return networkAdapter{stack: stack}
}

func (n networkAdapter) Configure(addr tcpip.Address, prefixLen int, gateway tcpip.Address) error {
	return n.stack.Configure(addr, prefixLen, gateway)
}

func (n networkAdapter) NewResolver(host string, resolver tcpip.Address) Resolver {
	return n.stack.NewResolver(host, resolver)
}

func (n networkAdapter) DialTCP(addr tcpip.Address, port uint16) (Connector, error) {
	return n.stack.DialTCP(addr, port)
}

// HTTP is the subset of *httpclient.Client App needs.
type HTTP interface {
	Get(u *httpclient.URL, sink httpclient.Sink, retries int) error
	Step() (httpclient.State, error)
	State() httpclient.State
	Err() error
	StatusCode() int
	Retryable() bool
	Retry(conn net.Conn) error
	Redirect() (*httpclient.URL, error)
}

// Store is the subset of *isostore.Manager App needs.
type Store interface {
	Begin(name string, totalSize uint64, totalSectors uint64) (int, error)
	Write(index int, p []byte) (int, error)
	Finalize(index int) error
}

// Plan describes the single download a Start call drives.
type Plan struct {
	Name         string
	TotalSize    uint64
	TotalSectors uint64
	Host         string
	Port         uint16
	Path         string
	DNSServer    tcpip.Address
	Retries      int
	// RequireChecksum, when false (the default: no catalog checksum was
	// published for this image), makes App skip StateVerifying and go
	// straight to StateDone once the writes are flushed.
	RequireChecksum bool
	ExpectedSHA256  [32]byte
}

// App drives one download through Machine's states, translating
// sub-component progress into the Events that advance it. It never
// blocks: Step does at most one non-blocking operation per sub-system
// per call, the same shape as every Step method it calls into.
type App struct {
	machine *Machine

	net   Network
	dhcp  DHCP
	store Store

	newHTTP func(conn net.Conn, followRedirects bool) HTTP

	freqHz  uint64
	counter func() uint64

	dhcpBudget    *Budget
	connectBudget *Budget
	httpBudget    *Budget
	diskBudget    *Budget

	plan       Plan
	storeIndex int
	written    uint64

	resolver       Resolver
	connector      Connector
	retryConnector Connector
	http           HTTP

	hasher *rollingSHA256

	cancelled bool
	lastErr   error
}

// NewApp builds an App around net and dhcp (which must already be
// constructed against the same stack/driver), and store (the disk
// sink). counter/freqHz feed the per-phase timeout budgets.
func NewApp(net Network, dhcp DHCP, store Store, counter func() uint64, freqHz uint64) *App {
	return &App{
		machine:       NewMachine(),
		net:           net,
		dhcp:          dhcp,
		store:         store,
		newHTTP:       defaultNewHTTP,
		counter:       counter,
		freqHz:        freqHz,
		dhcpBudget:    NewBudget(counter, freqHz, DHCPTimeout),
		connectBudget: NewBudget(counter, freqHz, ConnectTimeout),
		httpBudget:    NewBudget(counter, freqHz, HTTPIdleTimeout),
		diskBudget:    NewBudget(counter, freqHz, DiskWriteTimeout),
	}
}

func defaultNewHTTP(conn net.Conn, followRedirects bool) HTTP {
	return httpclient.New(conn, followRedirects)
}

// Machine exposes the underlying state machine for callers that want
// to observe state/reason without stepping (diagnostics, UI status).
func (a *App) Machine() *Machine { return a.machine }

// Err returns the error that drove the most recent failure transition,
// if any.
func (a *App) Err() error { return a.lastErr }

// Start opens the disk destination for name and begins the download.
// Begin is synchronous (it only touches the partition table and
// manifest, not the network) and is deliberately not modeled as a
// Machine state: a failure here means the image never had anywhere to
// land, so it is reported directly rather than through the event
// table.
func (a *App) Start(plan Plan) error {
	index, err := a.store.Begin(plan.Name, plan.TotalSize, plan.TotalSectors)
	if err != nil {
		return err
	}

	a.plan = plan
	a.storeIndex = index
	a.written = 0
	a.hasher = newRollingSHA256()

	a.dhcpBudget.Start()
	a.machine.Transition(EventStart)

	return nil
}

// Cancel requests cooperative cancellation; it takes effect on the
// next Step call.
func (a *App) Cancel() { a.cancelled = true }

// Step advances whichever sub-system the current state depends on by
// at most one non-blocking operation, and returns the resulting state.
func (a *App) Step(now uint64) State {
	if a.cancelled && !a.machine.Terminal() {
		a.lastErr = errCancelled
		return a.machine.Transition(EventCancel)
	}

	switch a.machine.State() {
	case StateWaitingForDHCP:
		a.stepDHCP()
	case StateConnecting:
		a.stepConnecting()
	case StateStreaming:
		a.stepStreaming()
	case StateFlushing:
		a.stepFlushing()
	case StateVerifying:
		a.stepVerifying()
	}

	return a.machine.State()
}

func (a *App) stepDHCP() {
	event, err := a.dhcp.Step()
	if err != nil {
		a.lastErr = err
	}

	if event == ipstack.EventConfigured {
		lease := a.dhcp.Lease()

		if err := a.net.Configure(lease.Address, lease.PrefixLen, lease.Gateway); err != nil {
			// No separate "bad lease" event exists in the table; a lease
			// the stack refuses to install is as fatal as never getting
			// one.
			a.lastErr = err
			a.machine.Transition(EventDHCPTimeout)
			return
		}

		dns := a.plan.DNSServer
		if dns == "" && len(lease.DNS) > 0 {
			dns = lease.DNS[0]
		}

		a.resolver = a.net.NewResolver(a.plan.Host, dns)
		a.connectBudget.Start()
		a.machine.Transition(EventDHCPConfigured)

		return
	}

	if event == ipstack.EventDeconfigured {
		a.dhcpBudget.Start()
	}

	if a.dhcpBudget.Expired() {
		a.machine.Transition(EventDHCPTimeout)
	}
}

func (a *App) stepConnecting() {
	if a.connector == nil {
		done, err := a.resolver.Step()
		if err != nil {
			a.lastErr = err
			a.machine.Transition(EventConnectTimeout)
			return
		}

		if done {
			conn, err := a.net.DialTCP(a.resolver.Address(), a.plan.Port)
			if err != nil {
				a.lastErr = err
				a.machine.Transition(EventConnectTimeout)
				return
			}

			a.connector = conn
		}
	} else {
		done, err := a.connector.Step()
		if err != nil {
			a.lastErr = err
			a.machine.Transition(EventConnectTimeout)
			return
		}

		if done {
			if !a.connector.Established() {
				a.lastErr = ipstack.ErrConnectFailed
				a.machine.Transition(EventConnectTimeout)
				return
			}

			a.beginHTTP()
			a.machine.Transition(EventTCPEstablished)
			return
		}
	}

	if a.connectBudget.Expired() {
		if a.connector != nil {
			a.connector.Abort()
		}

		a.lastErr = ipstack.ErrConnectFailed
		a.machine.Transition(EventConnectTimeout)
	}
}

func (a *App) beginHTTP() {
	a.http = a.newHTTP(a.connector.Conn(), true)
	a.http.Get(&httpclient.URL{Host: a.plan.Host, Port: a.plan.Port, Path: a.plan.Path}, a.sink, a.plan.Retries)
	a.httpBudget.Start()
}

// sink is the httpclient.Sink fed body bytes as they arrive; it writes
// straight through to the chunk writer and feeds the running checksum.
func (a *App) sink(p []byte) error {
	if _, err := a.store.Write(a.storeIndex, p); err != nil {
		return err
	}

	a.written += uint64(len(p))
	a.hasher.Write(p)

	return nil
}

// stepStreaming advances either a pending reconnect (after a transient
// failure the client itself classifies as retryable) or the HTTP
// response itself. A retry never shows up in Machine's state: it is
// resolved entirely within StateStreaming, and only an exhausted or
// non-retryable failure reaches EventHTTPError.
func (a *App) stepStreaming() {
	if a.retryConnector != nil {
		a.stepRetryDial()
		return
	}

	state, err := a.http.Step()

	switch state {
	case httpclient.StateComplete:
		a.machine.Transition(EventHTTPComplete)
		return

	case httpclient.StateFailed:
		if a.http.Retryable() {
			conn, derr := a.net.DialTCP(a.resolver.Address(), a.plan.Port)
			if derr == nil {
				a.retryConnector = conn
				a.connectBudget.Start()
				return
			}
		}

		a.lastErr = err
		a.machine.Transition(EventHTTPError)
		return
	}

	if a.httpBudget.Expired() {
		a.lastErr = httpclient.ErrIdleTimeout
		a.machine.Transition(EventHTTPError)
	}
}

func (a *App) stepRetryDial() {
	done, err := a.retryConnector.Step()
	if err != nil {
		a.lastErr = err
		a.machine.Transition(EventHTTPError)
		return
	}

	if !done {
		if a.connectBudget.Expired() {
			a.retryConnector.Abort()
			a.retryConnector = nil
			a.lastErr = ipstack.ErrConnectFailed
			a.machine.Transition(EventHTTPError)
		}

		return
	}

	if !a.retryConnector.Established() {
		a.retryConnector = nil
		a.lastErr = ipstack.ErrConnectFailed
		a.machine.Transition(EventHTTPError)
		return
	}

	if err := a.http.Retry(a.retryConnector.Conn()); err != nil {
		a.retryConnector = nil
		a.lastErr = err
		a.machine.Transition(EventHTTPError)
		return
	}

	a.connector = a.retryConnector
	a.retryConnector = nil
	a.httpBudget.Start()
}

func (a *App) stepFlushing() {
	if err := a.store.Finalize(a.storeIndex); err != nil {
		a.lastErr = err
		a.machine.Transition(EventWriteError)
		return
	}

	a.machine.Transition(EventWritesAcked)
}

func (a *App) stepVerifying() {
	if !a.plan.RequireChecksum {
		a.machine.Transition(EventChecksumMatch)
		return
	}

	if a.hasher.Sum() == a.plan.ExpectedSHA256 {
		a.machine.Transition(EventChecksumMatch)
		return
	}

	a.lastErr = ErrChecksumMismatch
	a.machine.Transition(EventChecksumMismatch)
}
