// Package lifecycle owns process-level start/stop of the dataplane
// attachment: loading the compiled XDP/TC object, attaching its programs
// to the configured interfaces, and tearing both down cleanly on shutdown.
package lifecycle

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/link"
	"go.uber.org/zap"
)

// Section names the compiled object is expected to export; the program
// bodies are opaque to this control plane, which only shares maps with
// them.
const (
	XDPProgramName = "xdp_ingress"
	TCProgramName  = "tc_egress"
)

// Manager loads the dataplane object once and attaches/detaches it to any
// number of interfaces.
type Manager struct {
	log        *zap.SugaredLogger
	collection *ebpf.Collection

	mu    sync.Mutex
	links map[string][]link.Link // interface name -> attached links
}

// Load parses and instantiates the compiled object at objPath. BTF is
// picked up automatically by cilium/ebpf when present; its absence only
// risks failed CO-RE relocations, not a hard failure.
func Load(objPath string, log *zap.SugaredLogger) (*Manager, error) {
	spec, err := ebpf.LoadCollectionSpec(objPath)
	if err != nil {
		return nil, fmt.Errorf("lifecycle: load spec %s: %w", objPath, err)
	}

	coll, err := ebpf.NewCollection(spec)
	if err != nil {
		return nil, fmt.Errorf("lifecycle: instantiate collection: %w", err)
	}

	return &Manager{log: log, collection: coll, links: make(map[string][]link.Link)}, nil
}

// Attach attaches the XDP ingress program and the TC egress program to
// ifaceName. Calling Attach twice for the same interface is an error; call
// Detach first.
func (m *Manager) Attach(ifaceName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.links[ifaceName]; exists {
		return fmt.Errorf("lifecycle: %s is already attached", ifaceName)
	}

	iface, err := net.InterfaceByName(ifaceName)
	if err != nil {
		return fmt.Errorf("lifecycle: resolve interface %s: %w", ifaceName, err)
	}

	var attached []link.Link

	if prog := m.collection.Programs[XDPProgramName]; prog != nil {
		xdpLink, err := link.AttachXDP(link.XDPOptions{Program: prog, Interface: iface.Index})
		if err != nil {
			return fmt.Errorf("lifecycle: attach xdp to %s: %w", ifaceName, err)
		}
		attached = append(attached, xdpLink)
	}

	if prog := m.collection.Programs[TCProgramName]; prog != nil {
		tcLink, err := link.AttachTCX(link.TCXOptions{
			Program:   prog,
			Attach:    ebpf.AttachTCXEgress,
			Interface: iface.Index,
		})
		if err != nil {
			for _, l := range attached {
				_ = l.Close()
			}
			return fmt.Errorf("lifecycle: attach tc to %s: %w", ifaceName, err)
		}
		attached = append(attached, tcLink)
	}

	m.links[ifaceName] = attached
	if m.log != nil {
		m.log.Infow("attached dataplane programs", "interface", ifaceName)
	}
	return nil
}

// Detach removes every link attached to ifaceName.
func (m *Manager) Detach(ifaceName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	links, ok := m.links[ifaceName]
	if !ok {
		return nil
	}

	var firstErr error
	for _, l := range links {
		if err := l.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	delete(m.links, ifaceName)

	if m.log != nil {
		m.log.Infow("detached dataplane programs", "interface", ifaceName)
	}
	return firstErr
}

// Close detaches every interface and closes the loaded collection. Callers
// should bound this with a context from WithJoinTimeout; Close itself does
// not block on I/O beyond the syscalls link.Close and
// ebpf.Collection.Close perform.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	ifaces := make([]string, 0, len(m.links))
	for name := range m.links {
		ifaces = append(ifaces, name)
	}
	m.mu.Unlock()

	done := make(chan error, 1)
	go func() {
		var firstErr error
		for _, name := range ifaces {
			if err := m.Detach(name); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		m.collection.Close()
		done <- firstErr
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("lifecycle: close timed out: %w", ctx.Err())
	}
}

// WithJoinTimeout returns a context bounding a shutdown step to the 2s
// forced-interrupt window.
func WithJoinTimeout(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, 2*time.Second)
}
