package camera

import "time"

// NodeKind is the variant of a node map entry.
type NodeKind int

// Node kinds.
const (
	KindFloat NodeKind = iota + 1
	KindInteger
	KindEnumeration
	KindBoolean
	KindCommand
	KindString
)

func (k NodeKind) String() string {
	switch k {
	case KindFloat:
		return "float"
	case KindInteger:
		return "integer"
	case KindEnumeration:
		return "enumeration"
	case KindBoolean:
		return "boolean"
	case KindCommand:
		return "command"
	case KindString:
		return "string"
	default:
		return "unknown"
	}
}

// Node is the common part of every node map entry.
type Node interface {
	Name() string
	Kind() NodeKind
	Writable() bool
}

// FloatNode is a floating point setting with bounds and an optional increment.
type FloatNode interface {
	Node
	Value() (float64, error)
	SetValue(v float64) error
	Minimum() float64
	Maximum() float64
	Increment() (float64, bool)
}

// IntegerNode is an integer setting with bounds.
type IntegerNode interface {
	Node
	Value() (int64, error)
	SetValue(v int64) error
	Minimum() int64
	Maximum() int64
}

// EnumEntry is one symbolic value of an enumeration node.
type EnumEntry struct {
	Symbolic  string `json:"symbolic"`
	Value     int64  `json:"value"`
	Available bool   `json:"available"`
}

// EnumerationNode selects one of a set of symbolic entries.
type EnumerationNode interface {
	Node
	CurrentEntry() (EnumEntry, error)
	SetCurrentEntry(symbolic string) error
	Entries() []EnumEntry
}

// BooleanNode is an on/off setting.
type BooleanNode interface {
	Node
	Value() (bool, error)
	SetValue(v bool) error
}

// CommandNode triggers an action on the device.
type CommandNode interface {
	Node
	Execute() error
	WaitUntilDone(timeout time.Duration) error
}

// StringNode is a read-only text value such as the model name.
type StringNode interface {
	Node
	Value() (string, error)
}

// NodeMap resolves named device settings.
type NodeMap interface {
	FindNode(name string) (Node, error)
	Names() []string
}

// AvailableSymbols returns the symbolic names of the available entries.
func AvailableSymbols(n EnumerationNode) []string {
	entries := n.Entries()
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.Available {
			out = append(out, e.Symbolic)
		}
	}
	return out
}
