package auth

import (
	"fmt"
	"strings"
)

// ResourceKind enumerates the CRM entities a permission can target.
type ResourceKind uint8

const (
	ResourceLead ResourceKind = iota
	ResourceContact
	ResourceDeal
	numResourceKinds
)

var resourceNames = [numResourceKinds]string{
	ResourceLead:    "lead",
	ResourceContact: "contact",
	ResourceDeal:    "deal",
}

func (k ResourceKind) String() string {
	if k >= numResourceKinds {
		return fmt.Sprintf("resource(%d)", uint8(k))
	}
	return resourceNames[k]
}

func ParseResourceKind(raw string) (ResourceKind, bool) {
	raw = strings.ToLower(strings.TrimSpace(raw))
	for i, name := range resourceNames {
		if name == raw {
			return ResourceKind(i), true
		}
	}
	return 0, false
}

// Action enumerates the operations a permission can allow.
type Action uint8

const (
	ActionRead Action = iota
	ActionWrite
	ActionDelete
	ActionImport
	ActionExport
	numActions
)

var actionNames = [numActions]string{
	ActionRead:   "read",
	ActionWrite:  "write",
	ActionDelete: "delete",
	ActionImport: "import",
	ActionExport: "export",
}

func (a Action) String() string {
	if a >= numActions {
		return fmt.Sprintf("action(%d)", uint8(a))
	}
	return actionNames[a]
}

func ParseAction(raw string) (Action, bool) {
	raw = strings.ToLower(strings.TrimSpace(raw))
	for i, name := range actionNames {
		if name == raw {
			return Action(i), true
		}
	}
	return 0, false
}

// ActionSet is a bitmask of actions.
type ActionSet uint8

func (s ActionSet) Has(a Action) bool {
	if a >= numActions {
		return false
	}
	return s&(1<<a) != 0
}

func (s ActionSet) with(a Action) ActionSet {
	if a >= numActions {
		return s
	}
	return s | 1<<a
}

// Capabilities is the typed form of the token's permission map: one action set per resource kind.
// The zero value grants nothing.
type Capabilities [numResourceKinds]ActionSet

// CapabilitiesFromMap converts the wire shape (resource -> list of actions).
// Resource kinds and actions this service does not know are dropped.
func CapabilitiesFromMap(perms map[string][]string) Capabilities {
	var caps Capabilities
	for resource, actions := range perms {
		kind, ok := ParseResourceKind(resource)
		if !ok {
			continue
		}
		for _, raw := range actions {
			if action, ok := ParseAction(raw); ok {
				caps[kind] = caps[kind].with(action)
			}
		}
	}
	return caps
}

func (c Capabilities) Allows(kind ResourceKind, action Action) bool {
	if kind >= numResourceKinds {
		return false
	}
	return c[kind].Has(action)
}

// Map renders the wire shape. Resource kinds without any action are omitted.
func (c Capabilities) Map() map[string][]string {
	out := map[string][]string{}
	for k := ResourceKind(0); k < numResourceKinds; k++ {
		var actions []string
		for a := Action(0); a < numActions; a++ {
			if c[k].Has(a) {
				actions = append(actions, a.String())
			}
		}
		if len(actions) > 0 {
			out[k.String()] = actions
		}
	}
	return out
}

// PermissionDeniedError reports the missing grant.
type PermissionDeniedError struct {
	Resource ResourceKind
	Action   Action
}

func (e *PermissionDeniedError) Error() string {
	return fmt.Sprintf("User does not have permission %q", e.Resource.String()+":"+e.Action.String())
}

func (e *PermissionDeniedError) Is(target error) bool {
	return target == ErrPermissionDenied
}

func IsGranted(p Principal, kind ResourceKind, action Action) bool {
	return p.caps.Allows(kind, action)
}

func AssertGranted(p Principal, kind ResourceKind, action Action) error {
	if IsGranted(p, kind, action) {
		return nil
	}
	return &PermissionDeniedError{Resource: kind, Action: action}
}
