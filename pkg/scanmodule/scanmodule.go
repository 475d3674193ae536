// Package scanmodule defines the contract every L3/L4/L7 scan shares:
// a ScanModule turns a target-index stream into outgoing
// packets and turns incoming frames into OutItems, without ever keeping
// per-target state — everything it needs to recognize "this reply is
// mine" comes back out of the wire (the cookie, the ack number) rather
// than out of a lookup table. Reference implementations live under
// pkg/modules/*; pkg/engine drives any registered Module through this
// interface only.
package scanmodule

import (
	"fmt"

	"github.com/jihwankim/xscan/pkg/massip"
	"github.com/jihwankim/xscan/pkg/pktbuf"
	"github.com/jihwankim/xscan/pkg/timeoutwheel"
)

// RequiredProbe tags what kind of companion ProbeModule (if any) a
// ScanModule expects to be configured with.
type RequiredProbe uint8

const (
	ProbeNone RequiredProbe = iota
	ProbeUDP
	ProbeTCP
	ProbeState // drives the TLS adapter / a stateful L7 exchange
)

// MultiMode is the bitmap of fan-out strategies a module may advertise
// (glossary: Multi-probe mode). A module can combine flags if a mode
// switches per target (most don't).
type MultiMode uint8

const (
	MultiDirect      MultiMode = 1 << iota // tx emits MultiNum packets per index
	MultiIfOpen                            // tx emits 1; on open, handler emits MultiNum-1 follow-ups
	MultiAfterHandle                       // tx emits 1; after a successful handle, handler follows up
	MultiDynamicNext                       // handler returns the next 1-based index to probe
)

// Attributes is the static metadata a ScanModule advertises at
// registration time, consumed by the engine to decide dedup wiring,
// timeout wheel usage, and the BPF filter installed on the capture
// handle.
type Attributes struct {
	Name           string
	RequiredProbe  RequiredProbe
	SupportsTimeout bool
	BPFFilter      string
	Multi          MultiMode
	MultiNum       int
}

// Target is the read-only 5-tuple-plus-cookie view handed to transmit,
// validate, handle and timeout callbacks.
type Target struct {
	Proto      massip.Proto
	IPThem     massip.Addr
	PortThem   uint16
	IPMe       massip.Addr
	PortMe     uint16
	MultiIndex int
	Cookie     uint32
}

// TransmitEvent carries the side-effects a Transmit call may request: a
// fast-timeout registration keyed by whatever payload the module wants
// back from the wheel.
type TransmitEvent struct {
	NeedTimeout    bool
	TimeoutPayload any
}

// ParsedFrame is the Rx worker's preprocessed view of one received frame:
// offsets and small copies only, never an interior
// pointer into the original buffer once handed downstream.
type ParsedFrame struct {
	Raw []byte

	IPProto  massip.Proto
	IPThem   massip.Addr
	IPMe     massip.Addr
	PortThem uint16
	PortMe   uint16

	TCPFlags   uint8
	TCPSeq     uint32
	TCPAck     uint32
	TCPWindow  uint16
	ICMPType   uint8
	ICMPCode   uint8
	ICMPID     uint16
	ICMPSeq    uint16

	AppOffset int // offset into Raw where the L7 payload begins, or -1
	AppLen    int

	IsMyIP   bool
	IsMyPort bool
}

// App returns the L7 payload slice, or nil if this frame carries none.
func (p *ParsedFrame) App() []byte {
	if p.AppOffset < 0 || p.AppLen == 0 {
		return nil
	}
	return p.Raw[p.AppOffset : p.AppOffset+p.AppLen]
}

// PreHandle is what Validate decides about one parsed frame before it
// ever reaches a handler: whether to record it at all, whether to dedup
// it, and under what key/type.
type PreHandle struct {
	GoRecord  bool
	GoDedup   bool
	NoDedup   bool
	DedupType uint32
}

// Level is the severity of an emitted result record.
type Level uint8

const (
	LevelInfo Level = iota
	LevelSuccess
	LevelFailure
)

func (l Level) String() string {
	switch l {
	case LevelSuccess:
		return "success"
	case LevelFailure:
		return "failure"
	default:
		return "info"
	}
}

// Item is the mutable scratch record a Handle/Timeout call fills in;
// ownership transfers to the output sink by value once published.
type Item struct {
	Level          Level
	IPProto        massip.Proto
	IPThem         massip.Addr
	PortThem       uint16
	IPMe           massip.Addr
	PortMe         uint16
	Classification string
	Reason         string
	Report         []ReportField
}

// ReportField is one key/value pair of Item.Report, kept as an ordered
// slice rather than a map so field order is stable across runs.
type ReportField struct {
	Key   string
	Value any
}

// AddReport appends a report field, returning the Item for chaining.
func (it *Item) AddReport(key string, value any) *Item {
	it.Report = append(it.Report, ReportField{Key: key, Value: value})
	return it
}

// Stack is how Handle/Timeout callbacks enqueue outbound response
// packets (RST, follow-up SYN, ACK+payload) without ever talking to the
// link layer or tx workers directly; the engine drains it into the
// sidecar queue after the callback returns.
type Stack struct {
	pending []*pktbuf.Buf
}

// Push enqueues one outbound buffer.
func (s *Stack) Push(b *pktbuf.Buf) { s.pending = append(s.pending, b) }

// Drain returns and clears the queued buffers.
func (s *Stack) Drain() []*pktbuf.Buf {
	out := s.pending
	s.pending = nil
	return out
}

// FTimeout is how Handle/Timeout callbacks register a new fast-timeout
// event, a thin wrapper so modules don't reach into the handler's own
// timeoutwheel.Wheel directly.
type FTimeout struct {
	wheel *timeoutwheel.Wheel
	now   int64
}

// NewFTimeout wraps wheel for use during one handler iteration at now.
func NewFTimeout(wheel *timeoutwheel.Wheel, now int64) *FTimeout {
	return &FTimeout{wheel: wheel, now: now}
}

// Add registers payload as a new fast-timeout event observed now.
func (f *FTimeout) Add(payload any) { f.wheel.Add(f.now, payload) }

// Module is the ScanModule contract. Init runs once at
// startup; Close tears down. Transmit/Validate/Handle/Timeout run on the
// hot path and must not block. Poll and Status are optional housekeeping
// hooks the engine calls once per loop iteration / status tick.
type Module interface {
	Attributes() Attributes
	Init(config map[string]string) error
	Transmit(seed uint64, target Target, buf *pktbuf.Buf, event *TransmitEvent) (needMoreAtSameIndex bool, err error)
	Validate(seed uint64, parsed *ParsedFrame, pre *PreHandle)
	Handle(workerIdx int, seed uint64, parsed *ParsedFrame, item *Item, stack *Stack, ft *FTimeout) (emit bool)
	Timeout(seed uint64, payload any, item *Item, stack *Stack, ft *FTimeout) (emit bool)
	Poll()
	Status() string
	Close() error
}

// Base provides no-op Poll/Status/Close/Timeout so a Module only needs to
// implement the callbacks it actually uses; modules embed Base.
type Base struct{}

func (Base) Poll()          {}
func (Base) Status() string { return "" }
func (Base) Close() error   { return nil }
func (Base) Timeout(uint64, any, *Item, *Stack, *FTimeout) bool { return false }

// Registry is the compile-time list of available modules, keyed by the
// name advertised in Attributes.Name: modules register themselves at
// build time via a compile-time list, rather than a runtime
// function-pointer module table.
type Registry struct {
	factories map[string]func() Module
}

// NewRegistry builds an empty Registry.
func NewRegistry() *Registry { return &Registry{factories: make(map[string]func() Module)} }

// Register adds a module factory under name. Panics on duplicate
// registration, a build-time programmer error.
func (r *Registry) Register(name string, factory func() Module) {
	if _, exists := r.factories[name]; exists {
		panic(fmt.Sprintf("scanmodule: duplicate registration for %q", name))
	}
	r.factories[name] = factory
}

// New instantiates the named module, or returns a ConfigError-flavored
// error if name isn't registered.
func (r *Registry) New(name string) (Module, error) {
	factory, ok := r.factories[name]
	if !ok {
		return nil, fmt.Errorf("scanmodule: unknown module %q", name)
	}
	return factory(), nil
}

// Names lists every registered module name, for --help / config
// validation error messages.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.factories))
	for n := range r.factories {
		names = append(names, n)
	}
	return names
}
