package sim

import (
	"errors"
	"fmt"
	"math"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/smazurov/camfeed/internal/camera"
)

var (
	errNotWritable = errors.New("node is not writable")
	errOutOfRange  = errors.New("value out of range")
	errIncrement   = errors.New("value is not a multiple of the increment")
)

// nodeBase carries the name and the writability rule shared by all nodes.
type nodeBase struct {
	name      string
	writable  func() bool
	failWrite atomic.Pointer[error]
}

func (n *nodeBase) Name() string { return n.name }

func (n *nodeBase) Writable() bool {
	return n.writable == nil || n.writable()
}

func (n *nodeBase) checkWritable() error {
	if !n.Writable() {
		return fmt.Errorf("%s: %w", n.name, errNotWritable)
	}
	return n.injected()
}

// injected returns the error set with Device.FailNodeWrite, if any.
func (n *nodeBase) injected() error {
	if err := n.failWrite.Load(); err != nil {
		return fmt.Errorf("%s: %w", n.name, *err)
	}
	return nil
}

func (n *nodeBase) setWriteFailure(err error) {
	if err == nil {
		n.failWrite.Store(nil)
		return
	}
	n.failWrite.Store(&err)
}

type floatNode struct {
	nodeBase
	mu       sync.Mutex
	min, max float64
	inc      float64
	value    float64
	initial  float64
}

func (n *floatNode) Kind() camera.NodeKind { return camera.KindFloat }

func (n *floatNode) Value() (float64, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.value, nil
}

func (n *floatNode) SetValue(v float64) error {
	if err := n.checkWritable(); err != nil {
		return err
	}
	if v < n.min || v > n.max {
		return fmt.Errorf("%s=%g: %w [%g, %g]", n.name, v, errOutOfRange, n.min, n.max)
	}
	if n.inc > 0 {
		steps := v / n.inc
		if math.Abs(steps-math.Round(steps)) > 1e-6 {
			return fmt.Errorf("%s=%g: %w %g", n.name, v, errIncrement, n.inc)
		}
	}
	n.mu.Lock()
	n.value = v
	n.mu.Unlock()
	return nil
}

func (n *floatNode) Minimum() float64 { return n.min }
func (n *floatNode) Maximum() float64 { return n.max }

func (n *floatNode) Increment() (float64, bool) {
	return n.inc, n.inc > 0
}

func (n *floatNode) reset() {
	n.mu.Lock()
	n.value = n.initial
	n.mu.Unlock()
}

type intNode struct {
	nodeBase
	mu       sync.Mutex
	min, max int64
	value    int64
	initial  int64
	// computed nodes are read-only and derive their value on each read
	computed func() int64
	onSet    func(int64)
}

func (n *intNode) Kind() camera.NodeKind { return camera.KindInteger }

func (n *intNode) Writable() bool {
	return n.computed == nil && n.nodeBase.Writable()
}

func (n *intNode) Value() (int64, error) {
	if n.computed != nil {
		return n.computed(), nil
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.value, nil
}

func (n *intNode) SetValue(v int64) error {
	if !n.Writable() {
		return fmt.Errorf("%s: %w", n.name, errNotWritable)
	}
	if err := n.injected(); err != nil {
		return err
	}
	if v < n.min || v > n.max {
		return fmt.Errorf("%s=%d: %w [%d, %d]", n.name, v, errOutOfRange, n.min, n.max)
	}
	n.mu.Lock()
	n.value = v
	n.mu.Unlock()
	if n.onSet != nil {
		n.onSet(v)
	}
	return nil
}

func (n *intNode) Minimum() int64 { return n.min }
func (n *intNode) Maximum() int64 { return n.max }

func (n *intNode) reset() {
	if n.computed != nil {
		return
	}
	n.mu.Lock()
	n.value = n.initial
	n.mu.Unlock()
}

type enumNode struct {
	nodeBase
	mu      sync.Mutex
	entries []camera.EnumEntry
	current string
	initial string
}

func (n *enumNode) Kind() camera.NodeKind { return camera.KindEnumeration }

func (n *enumNode) CurrentEntry() (camera.EnumEntry, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, e := range n.entries {
		if e.Symbolic == n.current {
			return e, nil
		}
	}
	return camera.EnumEntry{}, fmt.Errorf("%s: current entry %q missing", n.name, n.current)
}

func (n *enumNode) SetCurrentEntry(symbolic string) error {
	if err := n.checkWritable(); err != nil {
		return err
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	idx := slices.IndexFunc(n.entries, func(e camera.EnumEntry) bool {
		return e.Symbolic == symbolic && e.Available
	})
	if idx < 0 {
		return fmt.Errorf("%s: entry %q not available", n.name, symbolic)
	}
	n.current = symbolic
	return nil
}

func (n *enumNode) Entries() []camera.EnumEntry {
	n.mu.Lock()
	defer n.mu.Unlock()
	return slices.Clone(n.entries)
}

func (n *enumNode) currentSymbol() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.current
}

func (n *enumNode) reset() {
	n.mu.Lock()
	n.current = n.initial
	n.mu.Unlock()
}

type boolNode struct {
	nodeBase
	mu      sync.Mutex
	value   bool
	initial bool
}

func (n *boolNode) Kind() camera.NodeKind { return camera.KindBoolean }

func (n *boolNode) Value() (bool, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.value, nil
}

func (n *boolNode) SetValue(v bool) error {
	if err := n.checkWritable(); err != nil {
		return err
	}
	n.mu.Lock()
	n.value = v
	n.mu.Unlock()
	return nil
}

func (n *boolNode) reset() {
	n.mu.Lock()
	n.value = n.initial
	n.mu.Unlock()
}

type commandNode struct {
	nodeBase
	run func() error
}

func (n *commandNode) Kind() camera.NodeKind { return camera.KindCommand }

func (n *commandNode) Execute() error {
	if err := n.checkWritable(); err != nil {
		return err
	}
	return n.run()
}

// WaitUntilDone returns immediately; simulated commands complete synchronously.
func (n *commandNode) WaitUntilDone(time.Duration) error { return nil }

type stringNode struct {
	nodeBase
	value string
}

func (n *stringNode) Kind() camera.NodeKind { return camera.KindString }

func (n *stringNode) Writable() bool { return false }

func (n *stringNode) Value() (string, error) { return n.value, nil }

type resettable interface {
	reset()
}

// nodeMap is an ordered name -> node index.
type nodeMap struct {
	order []string
	nodes map[string]camera.Node
}

func newNodeMap() *nodeMap {
	return &nodeMap{nodes: make(map[string]camera.Node)}
}

func (m *nodeMap) add(n camera.Node) {
	m.order = append(m.order, n.Name())
	m.nodes[n.Name()] = n
}

func (m *nodeMap) FindNode(name string) (camera.Node, error) {
	n, ok := m.nodes[name]
	if !ok {
		return nil, &camera.Error{Code: camera.ErrCodeNodeNotFound, Node: name, Message: "node not found"}
	}
	return n, nil
}

func (m *nodeMap) Names() []string {
	return slices.Clone(m.order)
}

func (m *nodeMap) resetAll() {
	for _, name := range m.order {
		if r, ok := m.nodes[name].(resettable); ok {
			r.reset()
		}
	}
}

func enumEntries(symbols []string, available []string) []camera.EnumEntry {
	out := make([]camera.EnumEntry, 0, len(symbols))
	for i, s := range symbols {
		value := int64(i)
		if pf, ok := camera.ParsePixelFormat(s); ok {
			value = int64(pf)
		}
		out = append(out, camera.EnumEntry{
			Symbolic:  s,
			Value:     value,
			Available: available == nil || slices.Contains(available, s),
		})
	}
	return out
}
