package engine

import (
	"fmt"
	"strings"
)

// Kind identifies one type of operation the engine can dispatch.
type Kind int

const (
	KindAdd Kind = iota
	KindBind
	KindCompare
	KindDelete
	KindModify
	KindRename
	KindSearch
)

// AllKinds lists every kind in canonical order. Weight tables and statistics
// iterate in this order so output is stable between runs.
var AllKinds = []Kind{KindAdd, KindBind, KindCompare, KindDelete, KindModify, KindRename, KindSearch}

func (k Kind) String() string {
	switch k {
	case KindAdd:
		return "add"
	case KindBind:
		return "bind"
	case KindCompare:
		return "compare"
	case KindDelete:
		return "delete"
	case KindModify:
		return "modify"
	case KindRename:
		return "rename"
	case KindSearch:
		return "search"
	default:
		return "unknown"
	}
}

// ParseKind converts a configuration name into a Kind.
func ParseKind(s string) (Kind, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	if name == "moddn" || name == "modify_dn" {
		return KindRename, nil
	}
	for _, k := range AllKinds {
		if k.String() == name {
			return k, nil
		}
	}
	return 0, fmt.Errorf("%w: unknown operation kind %q", ErrConfiguration, s)
}

// ConsumesResource reports whether the kind takes a handle from the resource pool.
func (k Kind) ConsumesResource() bool {
	return k == KindDelete || k == KindRename
}
