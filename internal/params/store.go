// Package params validates and applies named device settings against the
// bounds the device reports.
package params

import (
	"encoding/json"
	"fmt"
	"math"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/smazurov/camfeed/internal/camera"
)

// LockNode is the transport-layer lock mirrored by Lock and Unlock.
const LockNode = "TLParamsLocked"

const commandTimeout = 5 * time.Second

// PayloadAffecting lists the settings that change the frame payload size.
var PayloadAffecting = []string{"Width", "Height", "PixelFormat"}

// Common is the parameter list reported by Snapshot when no names are given.
var Common = []string{
	"ExposureTime", "Gain", "AcquisitionFrameRate", "Width", "Height",
	"PixelFormat", "BalanceWhiteAuto", "Gamma", "BlackLevel", "ReverseX", "ReverseY",
}

// param is a node resolved once into its variant.
type param struct {
	name    string
	kind    camera.NodeKind
	node    camera.Node
	float   camera.FloatNode
	integer camera.IntegerNode
	enum    camera.EnumerationNode
	boolean camera.BooleanNode
	text    camera.StringNode
}

// Description reports a parameter's bounds and current value.
type Description struct {
	Name      string   `json:"name"`
	Kind      string   `json:"kind"`
	Value     any      `json:"value,omitempty"`
	Minimum   any      `json:"minimum,omitempty"`
	Maximum   any      `json:"maximum,omitempty"`
	Increment any      `json:"increment,omitempty"`
	Entries   []string `json:"entries,omitempty"`
	Writable  bool     `json:"writable"`
	Locked    bool     `json:"locked"`
}

// ChangeFunc is called after a value was applied.
type ChangeFunc func(name string, value any)

// Store is the validated view of one device's node map.
type Store struct {
	nodes    camera.NodeMap
	mu       sync.Mutex
	cache    map[string]*param
	locked   bool
	onChange ChangeFunc
}

// Option configures a Store.
type Option func(*Store)

// WithOnChange registers a callback for applied values.
func WithOnChange(fn ChangeFunc) Option {
	return func(s *Store) {
		s.onChange = fn
	}
}

// New creates a store over the node map.
func New(nodes camera.NodeMap, opts ...Option) *Store {
	s := &Store{
		nodes: nodes,
		cache: make(map[string]*param),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) resolve(name string) (*param, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.cache[name]; ok {
		return p, nil
	}

	node, err := s.nodes.FindNode(name)
	if err != nil {
		return nil, &camera.Error{Code: camera.ErrCodeNodeNotFound, Node: name, Message: "unknown parameter", Cause: err}
	}
	p := &param{name: name, kind: node.Kind(), node: node}
	ok := true
	switch node.Kind() {
	case camera.KindFloat:
		p.float, ok = node.(camera.FloatNode)
	case camera.KindInteger:
		p.integer, ok = node.(camera.IntegerNode)
	case camera.KindEnumeration:
		p.enum, ok = node.(camera.EnumerationNode)
	case camera.KindBoolean:
		p.boolean, ok = node.(camera.BooleanNode)
	case camera.KindString:
		p.text, ok = node.(camera.StringNode)
	}
	if !ok {
		return nil, camera.NewError(camera.ErrCodeInvalidValue,
			fmt.Sprintf("node %s does not implement its %s interface", name, node.Kind()), nil)
	}
	s.cache[name] = p
	return p, nil
}

// Get reads the current value: float64, int64, string (enumerations and
// strings) or bool.
func (s *Store) Get(name string) (any, error) {
	p, err := s.resolve(name)
	if err != nil {
		return nil, err
	}
	return p.value()
}

func (p *param) value() (any, error) {
	switch p.kind {
	case camera.KindFloat:
		return p.float.Value()
	case camera.KindInteger:
		return p.integer.Value()
	case camera.KindEnumeration:
		e, err := p.enum.CurrentEntry()
		if err != nil {
			return nil, err
		}
		return e.Symbolic, nil
	case camera.KindBoolean:
		return p.boolean.Value()
	case camera.KindString:
		return p.text.Value()
	default:
		return nil, camera.NewError(camera.ErrCodeInvalidValue,
			fmt.Sprintf("%s is a %s node and has no value", p.name, p.kind), nil)
	}
}

// Set validates value against the node bounds and applies it. It returns the
// value actually written, which differs from the input after clamping or
// rounding.
func (s *Store) Set(name string, value any) (any, error) {
	if name == LockNode {
		return nil, &camera.Error{Code: camera.ErrCodeParameterLocked, Node: name,
			Message: "managed by the acquisition controller"}
	}
	p, err := s.resolve(name)
	if err != nil {
		return nil, err
	}
	if s.Locked() && slices.Contains(PayloadAffecting, name) {
		return nil, &camera.Error{Code: camera.ErrCodeParameterLocked, Node: name,
			Message: "payload-affecting parameter is read-only while streaming"}
	}
	if !p.node.Writable() {
		return nil, &camera.Error{Code: camera.ErrCodeParameterLocked, Node: name, Message: "parameter is not writable"}
	}

	applied, err := p.apply(value)
	if err != nil {
		return nil, err
	}
	if s.onChange != nil {
		s.onChange(name, applied)
	}
	return applied, nil
}

func (p *param) apply(value any) (any, error) {
	switch p.kind {
	case camera.KindFloat:
		v, err := toFloat(value)
		if err != nil {
			return nil, invalid(p.name, value, err)
		}
		inc, hasInc := p.float.Increment()
		v = ClampFloat(v, p.float.Minimum(), p.float.Maximum(), inc, hasInc)
		if err := p.float.SetValue(v); err != nil {
			return nil, camera.ConfigurationFailed(p.name, err)
		}
		return v, nil

	case camera.KindInteger:
		f, err := toFloat(value)
		if err != nil {
			return nil, invalid(p.name, value, err)
		}
		// clamp as float first: converting an out-of-range float to int64 is
		// implementation defined
		lo, hi := p.integer.Minimum(), p.integer.Maximum()
		f = math.Min(math.Max(math.Round(f), float64(lo)), float64(hi))
		v := min(max(int64(f), lo), hi)
		if err := p.integer.SetValue(v); err != nil {
			return nil, camera.ConfigurationFailed(p.name, err)
		}
		return v, nil

	case camera.KindEnumeration:
		symbol, ok := value.(string)
		if !ok {
			return nil, invalid(p.name, value, fmt.Errorf("expected a symbolic name, got %T", value))
		}
		if !slices.Contains(camera.AvailableSymbols(p.enum), symbol) {
			return nil, &camera.Error{Code: camera.ErrCodeValueNotAvailable, Node: p.name,
				Message: fmt.Sprintf("%q is not an available entry", symbol)}
		}
		if err := p.enum.SetCurrentEntry(symbol); err != nil {
			return nil, camera.ConfigurationFailed(p.name, err)
		}
		return symbol, nil

	case camera.KindBoolean:
		b, err := toBool(value)
		if err != nil {
			return nil, invalid(p.name, value, err)
		}
		if err := p.boolean.SetValue(b); err != nil {
			return nil, camera.ConfigurationFailed(p.name, err)
		}
		return b, nil

	default:
		return nil, camera.NewError(camera.ErrCodeInvalidValue,
			fmt.Sprintf("%s is a %s node and cannot be set", p.name, p.kind), nil)
	}
}

// ClampFloat clamps v to [lo, hi], rounds it to the nearest multiple of inc
// (measured from zero) and clamps again. A rounded value that left the range
// is moved one increment back inside when that fits.
func ClampFloat(v, lo, hi, inc float64, hasInc bool) float64 {
	v = math.Min(math.Max(v, lo), hi)
	if !hasInc || inc <= 0 {
		return v
	}
	r := math.Round(v/inc) * inc
	switch {
	case r > hi && r-inc >= lo:
		r -= inc
	case r < lo && r+inc <= hi:
		r += inc
	}
	// strip binary noise from the multiplication (0.1*3 and friends)
	r = math.Round(r*1e9) / 1e9
	return math.Min(math.Max(r, lo), hi)
}

// Describe reports bounds, entries and the current value.
func (s *Store) Describe(name string) (Description, error) {
	p, err := s.resolve(name)
	if err != nil {
		return Description{}, err
	}
	d := Description{
		Name:     name,
		Kind:     p.kind.String(),
		Writable: p.node.Writable(),
		Locked:   name == LockNode || (s.Locked() && slices.Contains(PayloadAffecting, name)),
	}
	if p.kind != camera.KindCommand {
		if d.Value, err = p.value(); err != nil {
			return Description{}, err
		}
	}
	switch p.kind {
	case camera.KindFloat:
		d.Minimum, d.Maximum = p.float.Minimum(), p.float.Maximum()
		if inc, ok := p.float.Increment(); ok {
			d.Increment = inc
		}
	case camera.KindInteger:
		d.Minimum, d.Maximum = p.integer.Minimum(), p.integer.Maximum()
	case camera.KindEnumeration:
		d.Entries = camera.AvailableSymbols(p.enum)
	}
	return d, nil
}

// Snapshot reads every named parameter (Common when names is empty),
// skipping the ones the device does not have.
func (s *Store) Snapshot(names ...string) map[string]any {
	if len(names) == 0 {
		names = Common
	}
	out := make(map[string]any, len(names))
	for _, name := range names {
		if v, err := s.Get(name); err == nil {
			out[name] = v
		}
	}
	return out
}

// Bounds returns the minimum and maximum of every numeric parameter in names.
func (s *Store) Bounds(names ...string) (mins, maxs map[string]any) {
	if len(names) == 0 {
		names = Common
	}
	mins, maxs = make(map[string]any), make(map[string]any)
	for _, name := range names {
		d, err := s.Describe(name)
		if err != nil || d.Minimum == nil {
			continue
		}
		mins[name], maxs[name] = d.Minimum, d.Maximum
	}
	return mins, maxs
}

// Lock makes the payload-affecting parameters read-only and sets the device
// lock node when present.
func (s *Store) Lock() error {
	return s.setLock(true)
}

// Unlock reverses Lock.
func (s *Store) Unlock() error {
	return s.setLock(false)
}

// setLock writes the device lock node before locking locally, so a failed
// Lock leaves the store writable. Unlock always clears the local flag.
func (s *Store) setLock(locked bool) error {
	var err error
	if node, findErr := s.nodes.FindNode(LockNode); findErr == nil {
		if in, ok := node.(camera.IntegerNode); ok {
			var v int64
			if locked {
				v = 1
			}
			if setErr := in.SetValue(v); setErr != nil {
				err = camera.ConfigurationFailed(LockNode, setErr)
			}
		}
	}
	if locked && err != nil {
		return err
	}

	s.mu.Lock()
	s.locked = locked
	s.mu.Unlock()
	return err
}

// Locked reports whether payload-affecting parameters are read-only.
func (s *Store) Locked() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.locked
}

// SetEnumIfAvailable selects symbol when the device offers it and reports
// whether it did.
func (s *Store) SetEnumIfAvailable(name, symbol string) (bool, error) {
	p, err := s.resolve(name)
	if err != nil || p.kind != camera.KindEnumeration {
		return false, nil
	}
	if !slices.Contains(camera.AvailableSymbols(p.enum), symbol) {
		return false, nil
	}
	if err := p.enum.SetCurrentEntry(symbol); err != nil {
		return false, camera.ConfigurationFailed(name, err)
	}
	return true, nil
}

// Execute runs a command node and waits for it to finish.
func (s *Store) Execute(name string) error {
	node, err := s.nodes.FindNode(name)
	if err != nil {
		return &camera.Error{Code: camera.ErrCodeNodeNotFound, Node: name, Message: "unknown command", Cause: err}
	}
	cmd, ok := node.(camera.CommandNode)
	if !ok {
		return camera.NewError(camera.ErrCodeInvalidValue, name+" is not a command", nil)
	}
	if err := cmd.Execute(); err != nil {
		return camera.ConfigurationFailed(name, err)
	}
	if err := cmd.WaitUntilDone(commandTimeout); err != nil {
		return camera.ConfigurationFailed(name, err)
	}
	return nil
}

func invalid(name string, value any, cause error) error {
	return &camera.Error{
		Code:    camera.ErrCodeInvalidValue,
		Node:    name,
		Message: fmt.Sprintf("cannot use %v", value),
		Cause:   cause,
	}
}

func toFloat(v any) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, finite(n)
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int32:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case uint32:
		return float64(n), nil
	case uint64:
		return float64(n), nil
	case json.Number:
		return n.Float64()
	case string:
		f, err := strconv.ParseFloat(n, 64)
		if err != nil {
			return 0, err
		}
		return f, finite(f)
	case bool:
		if n {
			return 1, nil
		}
		return 0, nil
	}
	return 0, fmt.Errorf("unsupported type %T", v)
}

func finite(f float64) error {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return fmt.Errorf("%v is not a finite number", f)
	}
	return nil
}

func toBool(v any) (bool, error) {
	switch b := v.(type) {
	case bool:
		return b, nil
	case string:
		return strconv.ParseBool(b)
	}
	f, err := toFloat(v)
	if err != nil {
		return false, err
	}
	return f != 0, nil
}
