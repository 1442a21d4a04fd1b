// Package mock is an in-memory switch family. Port state lives in a Fabric
// shared by every session, so tests can inspect what the apply worker did
// and inject switch failures.
package mock

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/hil-network/hil/pkg/switches"
	"github.com/hil-network/hil/pkg/util"
)

// TypeName is the switch type served by Fabric.Family.
const TypeName = "mock"

// Op names a driver operation for call records and failure injection.
type Op string

const (
	OpOpen          Op = "open"
	OpApplyVLAN     Op = "apply_vlan"
	OpRemoveVLAN    Op = "remove_vlan"
	OpSetNative     Op = "set_native"
	OpClearNative   Op = "clear_native"
	OpReadPortState Op = "read_port_state"
	OpPersistConfig Op = "persist_config"
	OpRunningConfig Op = "running_config"
)

// Call records one driver invocation.
type Call struct {
	Op   Op
	Port string
	VLAN int
	Old  int
}

type portState struct {
	native int
	tagged map[int]bool
}

type failure struct {
	op     Op
	err    error
	sticky bool
}

type switchState struct {
	ports    map[string]*portState
	calls    []Call
	saves    int
	sessions int
	failures []failure
}

// Fabric holds the state of every mock switch.
type Fabric struct {
	mu       sync.Mutex
	switches map[string]*switchState
}

// NewFabric creates an empty fabric.
func NewFabric() *Fabric {
	return &Fabric{switches: make(map[string]*switchState)}
}

// Family exposes the fabric as the "mock" switch family. A non-zero
// DummyVLAN makes the switch nativeless.
func (f *Fabric) Family() switches.Family {
	return switches.Family{
		Name: TypeName,
		Open: func(ctx context.Context, cfg switches.Config) (switches.Driver, error) {
			f.mu.Lock()
			defer f.mu.Unlock()
			if err := f.takeFailure(cfg.Name, OpOpen); err != nil {
				return nil, err
			}
			f.state(cfg.Name).sessions++
			return &driver{fabric: f, cfg: cfg}, nil
		},
		Capabilities: func(cfg switches.Config) []string {
			if cfg.DummyVLAN != 0 {
				return []string{switches.CapNativelessTrunk}
			}
			return []string{}
		},
		Validate: func(cfg switches.Config) error {
			if cfg.DummyVLAN != 0 {
				return switches.ValidateDummyVLAN(cfg)
			}
			return nil
		},
	}
}

func (f *Fabric) state(sw string) *switchState {
	s, ok := f.switches[sw]
	if !ok {
		s = &switchState{ports: make(map[string]*portState)}
		f.switches[sw] = s
	}
	return s
}

func (s *switchState) port(label string) *portState {
	p, ok := s.ports[label]
	if !ok {
		p = &portState{tagged: make(map[int]bool)}
		s.ports[label] = p
	}
	return p
}

// takeFailure pops the first injected failure for op. Caller holds f.mu.
func (f *Fabric) takeFailure(sw string, op Op) error {
	s := f.state(sw)
	for i, fl := range s.failures {
		if fl.op != op && fl.op != "" {
			continue
		}
		if !fl.sticky {
			s.failures = append(s.failures[:i], s.failures[i+1:]...)
		}
		return fl.err
	}
	return nil
}

// FailNext makes the next op on sw fail with err. An empty op matches any
// operation.
func (f *Fabric) FailNext(sw string, op Op, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := f.state(sw)
	s.failures = append(s.failures, failure{op: op, err: err})
}

// FailAlways makes every op on sw fail with err until Heal.
func (f *Fabric) FailAlways(sw string, op Op, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := f.state(sw)
	s.failures = append(s.failures, failure{op: op, err: err, sticky: true})
}

// Heal removes every injected failure on sw.
func (f *Fabric) Heal(sw string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state(sw).failures = nil
}

// CommError is a ready-made communication failure for sw.
func CommError(sw string) error {
	return util.NewSwitchCommError(sw, "mock", errors.New("connection reset by peer"))
}

// SetPort seeds the configuration of a port, as if done out of band.
func (f *Fabric) SetPort(sw, port string, native int, tagged ...int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p := f.state(sw).port(port)
	p.native = native
	p.tagged = make(map[int]bool)
	for _, v := range tagged {
		p.tagged[v] = true
	}
}

// PortState returns what ReadPortState would report for a port on a switch
// without a dummy VLAN.
func (f *Fabric) PortState(sw, port string) []switches.PortVLAN {
	return f.PortStateWithDummy(sw, port, 0)
}

// PortStateWithDummy is PortState with dummy excluded.
func (f *Fabric) PortStateWithDummy(sw, port string, dummy int) []switches.PortVLAN {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state(sw).port(port).report(dummy)
}

// RawNative returns the untagged VLAN of a port, including a dummy.
func (f *Fabric) RawNative(sw, port string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state(sw).port(port).native
}

// Calls returns the operations run against sw, in order.
func (f *Fabric) Calls(sw string) []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Call(nil), f.state(sw).calls...)
}

// Saves counts successful PersistConfig calls on sw.
func (f *Fabric) Saves(sw string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state(sw).saves
}

// Sessions counts the open sessions to sw.
func (f *Fabric) Sessions(sw string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state(sw).sessions
}

func (p *portState) report(dummy int) []switches.PortVLAN {
	tagged := make([]int, 0, len(p.tagged))
	for v := range p.tagged {
		tagged = append(tagged, v)
	}
	sort.Ints(tagged)
	return switches.BuildPortState(p.native, tagged, dummy)
}

type driver struct {
	fabric *Fabric
	cfg    switches.Config
	closed bool
}

// do records the call and applies mutate under the fabric lock unless a
// failure is injected.
func (d *driver) do(call Call, mutate func(s *switchState)) error {
	f := d.fabric
	f.mu.Lock()
	defer f.mu.Unlock()
	if d.closed {
		return util.NewSwitchCommError(d.cfg.Name, string(call.Op), fmt.Errorf("session closed"))
	}
	s := f.state(d.cfg.Name)
	s.calls = append(s.calls, call)
	if err := f.takeFailure(d.cfg.Name, call.Op); err != nil {
		return err
	}
	if mutate != nil {
		mutate(s)
	}
	return nil
}

func (d *driver) ApplyVLAN(ctx context.Context, port string, vlan int) error {
	return d.do(Call{Op: OpApplyVLAN, Port: port, VLAN: vlan}, func(s *switchState) {
		s.port(port).tagged[vlan] = true
	})
}

func (d *driver) RemoveVLAN(ctx context.Context, port string, vlan int) error {
	return d.do(Call{Op: OpRemoveVLAN, Port: port, VLAN: vlan}, func(s *switchState) {
		delete(s.port(port).tagged, vlan)
	})
}

func (d *driver) SetNative(ctx context.Context, port string, old, vlan int) error {
	return d.do(Call{Op: OpSetNative, Port: port, VLAN: vlan, Old: old}, func(s *switchState) {
		p := s.port(port)
		if old != 0 {
			delete(p.tagged, old)
		}
		p.tagged[vlan] = true
		p.native = vlan
	})
}

func (d *driver) ClearNative(ctx context.Context, port string, vlan int) error {
	return d.do(Call{Op: OpClearNative, Port: port, VLAN: vlan}, func(s *switchState) {
		p := s.port(port)
		delete(p.tagged, vlan)
		if p.native == vlan || p.native == 0 {
			p.native = d.cfg.DummyVLAN
		}
	})
}

func (d *driver) ReadPortState(ctx context.Context, port string) ([]switches.PortVLAN, error) {
	var result []switches.PortVLAN
	err := d.do(Call{Op: OpReadPortState, Port: port}, func(s *switchState) {
		result = s.port(port).report(d.cfg.DummyVLAN)
	})
	return result, err
}

func (d *driver) PersistConfig(ctx context.Context) error {
	return d.do(Call{Op: OpPersistConfig}, func(s *switchState) {
		s.saves++
	})
}

// RunningConfig renders one line per configured port, in port order.
func (d *driver) RunningConfig(ctx context.Context) (string, error) {
	var b strings.Builder
	err := d.do(Call{Op: OpRunningConfig}, func(s *switchState) {
		labels := make([]string, 0, len(s.ports))
		for label := range s.ports {
			labels = append(labels, label)
		}
		sort.Strings(labels)
		for _, label := range labels {
			p := s.ports[label]
			tagged := make([]int, 0, len(p.tagged))
			for v := range p.tagged {
				if v != p.native {
					tagged = append(tagged, v)
				}
			}
			if p.native == 0 && len(tagged) == 0 {
				continue
			}
			fmt.Fprintf(&b, "interface %s native %d", label, p.native)
			if len(tagged) > 0 {
				fmt.Fprintf(&b, " tagged %s", util.CompactRange(tagged))
			}
			b.WriteString("\n")
		}
	})
	return b.String(), err
}

func (d *driver) Close() error {
	d.fabric.mu.Lock()
	defer d.fabric.mu.Unlock()
	if !d.closed {
		d.fabric.state(d.cfg.Name).sessions--
	}
	d.closed = true
	return nil
}
