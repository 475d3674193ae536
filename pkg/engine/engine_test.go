package engine

import (
	"context"
	"encoding/binary"
	"testing"
	"time"

	"github.com/jihwankim/xscan/pkg/config"
	"github.com/jihwankim/xscan/pkg/frameparse"
	"github.com/jihwankim/xscan/pkg/linklayer"
	"github.com/jihwankim/xscan/pkg/logging"
	"github.com/jihwankim/xscan/pkg/massip"
	"github.com/jihwankim/xscan/pkg/pktbuf"
	"github.com/jihwankim/xscan/pkg/scanmodule"
	"github.com/jihwankim/xscan/pkg/template"
)

// synEchoModule is a real (if minimal) TCP SYN scan module used only to
// drive the engine end to end over a linklayer.Loopback: it transmits a
// well-formed SYN with a correct checksum, and Validate/Handle accept any
// frame addressed to the scan's own source port so the loopback's
// reflection of the same bytes is treated as a hit.
type synEchoModule struct {
	scanmodule.Base
	tpl     *template.Template
	handled chan struct{}
}

func (m *synEchoModule) Attributes() scanmodule.Attributes {
	return scanmodule.Attributes{Name: "syn-echo-test", RequiredProbe: scanmodule.ProbeNone}
}

func (m *synEchoModule) Init(map[string]string) error { return nil }

func (m *synEchoModule) Transmit(seed uint64, target scanmodule.Target, buf *pktbuf.Buf, event *scanmodule.TransmitEvent) (bool, error) {
	frame := append([]byte(nil), m.tpl.Bytes...)
	ipOff, tcpOff := m.tpl.IPOff, m.tpl.TransportOff
	dstIP := [4]byte{}
	ip := target.IPThem.Uint32()
	binary.BigEndian.PutUint32(dstIP[:], ip)
	copy(frame[ipOff+16:ipOff+20], dstIP[:])

	binary.BigEndian.PutUint16(frame[tcpOff+0:tcpOff+2], target.PortMe)
	binary.BigEndian.PutUint16(frame[tcpOff+2:tcpOff+4], target.PortThem)
	binary.BigEndian.PutUint32(frame[tcpOff+4:tcpOff+8], target.Cookie)

	ipChecksum := template.FinishChecksum(m.tpl.IPHeaderPartialSum, dstIP[:])
	binary.BigEndian.PutUint16(frame[ipOff+10:ipOff+12], ipChecksum)

	var variable []byte
	variable = append(variable, dstIP[:]...)
	var portBuf [4]byte
	binary.BigEndian.PutUint16(portBuf[0:2], target.PortMe)
	binary.BigEndian.PutUint16(portBuf[2:4], target.PortThem)
	variable = append(variable, portBuf[:]...)
	var seqAck [8]byte
	binary.BigEndian.PutUint32(seqAck[0:4], target.Cookie)
	variable = append(variable, seqAck[:]...)
	tcpChecksum := template.FinishChecksum(m.tpl.TransportPartialSum, variable)
	binary.BigEndian.PutUint16(frame[tcpOff+16:tcpOff+18], tcpChecksum)

	buf.Append(frame)
	return false, nil
}

func (m *synEchoModule) Validate(seed uint64, parsed *scanmodule.ParsedFrame, pre *scanmodule.PreHandle) {
	pre.GoRecord = parsed.IPProto == massip.ProtoTCP
	pre.NoDedup = true
}

func (m *synEchoModule) Handle(workerIdx int, seed uint64, parsed *scanmodule.ParsedFrame, item *scanmodule.Item, stack *scanmodule.Stack, ft *scanmodule.FTimeout) bool {
	item.Level = scanmodule.LevelSuccess
	item.Classification = "syn-ack"
	if m.handled != nil {
		select {
		case m.handled <- struct{}{}:
		default:
		}
	}
	return true
}

func TestEngineRunDrainsLoopbackWithoutPanicking(t *testing.T) {
	srcV4, err := massip.ParseAddr("10.0.0.5")
	if err != nil {
		t.Fatalf("ParseAddr: %v", err)
	}

	ranges := massip.NewRangeList(massip.FamilyV4)
	lo, _ := massip.ParseAddr("203.0.113.1")
	hi, _ := massip.ParseAddr("203.0.113.2")
	if err := ranges.Add(lo, hi); err != nil {
		t.Fatalf("Add: %v", err)
	}
	ports := massip.NewPortList()
	if err := ports.AddRange(massip.ProtoTCP, 80, 80); err != nil {
		t.Fatalf("AddRange: %v", err)
	}
	space, err := massip.NewTargetSpace(ranges, nil, ports)
	if err != nil {
		t.Fatalf("NewTargetSpace: %v", err)
	}

	cfg := config.Default()
	cfg.Engine.TxWorkers = 1
	cfg.Engine.RxHandlerWorkers = 1
	cfg.Engine.StackBufCount = 16
	cfg.Engine.DispatchBufCount = 16
	cfg.Engine.RatePerSec = 0
	cfg.Engine.WaitSeconds = 0
	cfg.Targets.Repeat = 0
	cfg.Targets.Shard = config.ShardConfig{Index: 1, Of: 1}
	cfg.Link.MaxPacketLen = 64

	tpl, err := template.Build(template.KindTCPv4, template.Options{
		Datalink: template.DatalinkRaw, TTL: 64, TCPWindow: 64240,
	}, [4]byte{10, 0, 0, 5}, [16]byte{})
	if err != nil {
		t.Fatalf("template.Build: %v", err)
	}

	loop, err := linklayer.NewLoopback(1024)
	if err != nil {
		t.Fatalf("NewLoopback: %v", err)
	}

	identity := Identity{SourceV4: srcV4, HasV4: true, SourcePortLow: 40000, SourcePortNum: 1}
	log := logging.New(logging.Config{Level: logging.LevelError, Format: logging.FormatJSON})
	module := &synEchoModule{tpl: tpl, handled: make(chan struct{}, 8)}

	e, err := New(cfg, module, space, identity, frameparse.DatalinkRaw, loop, loop, nil, 1, 0, log)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()

	select {
	case <-module.handled:
	case <-time.After(1500 * time.Millisecond):
		t.Fatalf("handler never saw a dispatched frame")
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}
}
