// Package output defines the result-record shape handler workers publish
// (spec.md §3 OutItem, §6 Result record) and a Sink interface external
// formatters implement. CSV/JSON/text pretty-printers are out of scope
// (spec.md §1); this package only ships one concrete sink, a JSON-Lines
// writer, as the minimal "it actually goes somewhere" default, grounded
// on the original's to-file-output.c pattern of one mutex around the
// formatter (spec.md §5: "I/O is the bottleneck, contention acceptable").
package output

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/jihwankim/xscan/pkg/massip"
	"github.com/jihwankim/xscan/pkg/scanmodule"
)

// Record is the language-neutral result record (spec.md §6), the value
// type handed to a Sink. It is produced from a scanmodule.Item plus the
// context the engine alone knows (timestamp, 5-tuple's me/them roles are
// already on the Item).
type Record struct {
	Timestamp time.Time              `json:"timestamp"`
	Level     string                 `json:"level"`
	IPProto   string                 `json:"ip_proto"`
	IPThem    string                 `json:"ip_them"`
	PortThem  uint16                 `json:"port_them"`
	IPMe      string                 `json:"ip_me"`
	PortMe    uint16                 `json:"port_me"`
	Classification string            `json:"classification"`
	Reason    string                 `json:"reason"`
	Report    map[string]any         `json:"report,omitempty"`
}

// FromItem builds a Record from a scan module's Item at the given
// timestamp. Report fields are flattened into a map in emission order is
// not preserved by encoding/json (maps are unordered on encode), which is
// acceptable here: spec.md only requires an "ordered-map" at the Item
// level for deterministic test assertions, not on the wire.
func FromItem(ts time.Time, it *scanmodule.Item) Record {
	rec := Record{
		Timestamp:      ts,
		Level:          it.Level.String(),
		IPProto:        it.IPProto.String(),
		IPThem:         it.IPThem.String(),
		PortThem:       it.PortThem,
		IPMe:           it.IPMe.String(),
		PortMe:         it.PortMe,
		Classification: it.Classification,
		Reason:         it.Reason,
	}
	if len(it.Report) > 0 {
		rec.Report = make(map[string]any, len(it.Report))
		for _, f := range it.Report {
			rec.Report[f.Key] = f.Value
		}
	}
	return rec
}

// Sink is where handler workers publish finished records. Implementations
// must be safe for concurrent use: multiple handler goroutines call
// Publish without external synchronization.
type Sink interface {
	Publish(rec Record) error
	Close() error
}

// JSONLSink writes one JSON object per line to an underlying writer,
// serialized by a single mutex (spec.md §5: "a single mutex around the
// formatter; I/O is the bottleneck, contention acceptable").
type JSONLSink struct {
	mu  sync.Mutex
	w   io.Writer
	enc *json.Encoder
	closer io.Closer
}

// NewJSONLSink wraps w. If w also implements io.Closer, Close closes it.
func NewJSONLSink(w io.Writer) *JSONLSink {
	s := &JSONLSink{w: w, enc: json.NewEncoder(w)}
	if c, ok := w.(io.Closer); ok {
		s.closer = c
	}
	return s
}

// Publish writes rec as one JSON line.
func (s *JSONLSink) Publish(rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enc.Encode(rec); err != nil {
		return fmt.Errorf("output: encode record: %w", err)
	}
	return nil
}

// Close closes the underlying writer if it supports it.
func (s *JSONLSink) Close() error {
	if s.closer != nil {
		return s.closer.Close()
	}
	return nil
}

// MultiSink fans one Publish out to several sinks (e.g. JSONL to a file
// plus a pcap-adjacent debug sink), stopping at the first error.
type MultiSink struct {
	sinks []Sink
}

// NewMultiSink combines sinks into one.
func NewMultiSink(sinks ...Sink) *MultiSink { return &MultiSink{sinks: sinks} }

func (m *MultiSink) Publish(rec Record) error {
	for _, s := range m.sinks {
		if err := s.Publish(rec); err != nil {
			return err
		}
	}
	return nil
}

func (m *MultiSink) Close() error {
	var first error
	for _, s := range m.sinks {
		if err := s.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// addrString renders a massip.Addr the way Record wants it; kept here
// (rather than relying on Addr.String alone) so a future non-netip
// rendering choice has one call site.
func addrString(a massip.Addr) string { return a.String() }
