// Package hostctl implements the HostControl trap, through which Palm
// code talks to the emulator.
package hostctl

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/pkg/errors"

	"github.com/palmemu/poser/go/models/cpu"
)

// TrapHostControl is sysTrapHostControl. The selector is its first
// parameter.
const TrapHostControl = 0xA340

type Selector uint16

const (
	SelGetHostVersion        Selector = 0x0100
	SelGetHostID             Selector = 0x0101
	SelGetHostPlatform       Selector = 0x0102
	SelIsSelectorImplemented Selector = 0x0103

	SelSignalSend   Selector = 0x0805
	SelSignalWait   Selector = 0x0806
	SelSignalResume Selector = 0x0807

	SelDbgSetDataBreak   Selector = 0x0C00
	SelDbgClearDataBreak Selector = 0x0C01
)

var selectorNames = map[Selector]string{
	SelGetHostVersion:        "GetHostVersion",
	SelGetHostID:             "GetHostID",
	SelGetHostPlatform:       "GetHostPlatform",
	SelIsSelectorImplemented: "IsSelectorImplemented",
	SelSignalSend:            "SignalSend",
	SelSignalWait:            "SignalWait",
	SelSignalResume:          "SignalResume",
	SelDbgSetDataBreak:       "DbgSetDataBreak",
	SelDbgClearDataBreak:     "DbgClearDataBreak",
}

func (s Selector) String() string {
	if name, ok := selectorNames[s]; ok {
		return name
	}
	return fmt.Sprintf("Selector(0x%04x)", uint16(s))
}

// HostErr values returned in D0.
const (
	ErrNone             = 0
	errorClass          = 0x1C00
	ErrInvalidParameter = errorClass + 7
	ErrTimeout          = errorClass + 8
)

// Family implements a group of selectors. Call finds the selector's
// parameters in args and leaves its result in D0.
type Family interface {
	Selectors() []Selector
	Call(sel Selector, m cpu.Cpu, args *cpu.StackArgs) error
}

// Dispatcher routes HostControl calls to families by selector.
type Dispatcher struct {
	log *slog.Logger

	mu    sync.RWMutex
	table map[Selector]Family
}

func NewDispatcher(log *slog.Logger, families ...Family) *Dispatcher {
	d := &Dispatcher{log: log.With("component", "hostctl"), table: make(map[Selector]Family)}
	for _, f := range families {
		d.Register(f)
	}
	return d
}

func (d *Dispatcher) Register(f Family) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, sel := range f.Selectors() {
		d.table[sel] = f
	}
}

func (d *Dispatcher) Implemented(sel Selector) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.table[sel]
	return ok
}

// Selectors lists what is implemented, in order.
func (d *Dispatcher) Selectors() []Selector {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]Selector, 0, len(d.table))
	for sel := range d.table {
		out = append(out, sel)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Install registers the dispatcher as the HostControl trap.
func (d *Dispatcher) Install(n *cpu.Natives) {
	n.Register(TrapHostControl, d.Call)
}

// Call is the HostControl native. An unknown selector leaves the
// registers alone.
func (d *Dispatcher) Call(m cpu.Cpu) error {
	args := cpu.NewStackArgs(m)
	sel := Selector(args.U16())
	if args.Err != nil {
		return errors.Wrap(args.Err, "read host control selector")
	}
	d.mu.RLock()
	f, ok := d.table[sel]
	d.mu.RUnlock()
	if !ok {
		d.log.Warn("unknown host control selector", "selector", sel)
		return nil
	}
	d.log.Debug("host control", "selector", sel)
	if err := f.Call(sel, m, args); err != nil {
		return errors.Wrapf(err, "host control %s", sel)
	}
	return nil
}

func boolResult(b bool) uint32 {
	if b {
		return 1
	}
	return 0
}
