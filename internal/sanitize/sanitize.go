// Package sanitize implements the Resource-Change Sanitiser (component A):
// it parses Terraform plan JSON resource changes, classifies each action,
// computes a compact diff, redacts sensitive values using Terraform's
// sensitivity markers, and emits an ordered, audit-ready record per change.
//
// Grounded on the teacher's internal/terraform/terraform.go Output/OutputType
// pattern of wrapping dynamically-typed Terraform data in a small typed
// shape, generalized here to the full resource_changes array, and on
// github.com/hashicorp/terraform-json for the plan/action vocabulary.
package sanitize

import (
	"fmt"
	"sort"

	tfjson "github.com/hashicorp/terraform-json"
	"github.com/pkg/errors"
	"go.uber.org/zap/zapcore"

	"github.com/infraweave-io/infraweave/internal/domain"
	"github.com/infraweave-io/infraweave/internal/value"
)

// RawResourceChange is the subset of a Terraform plan's resource_changes
// entry the sanitiser consumes, decoded with value.Decode so that object key
// order and sensitivity trees survive untouched.
type RawResourceChange struct {
	Address          string
	ModuleAddress    string
	Mode             string
	Type             string
	Name             string
	Index            *value.Value
	ProviderName     string
	ActionReason     string
	Actions          []string
	Before           value.Value
	After            value.Value
	AfterUnknown     value.Value
	BeforeSensitive  value.Value
	AfterSensitive   value.Value
	BeforeDependsOn  []string
	AfterDependsOn   []string
}

// ClassifyAction implements the action table of §4.A.
func ClassifyAction(actions []string) domain.ResourceAction {
	has := func(a string) bool {
		for _, x := range actions {
			if x == a {
				return true
			}
		}
		return false
	}
	switch {
	case has(string(tfjson.ActionDelete)) && has(string(tfjson.ActionCreate)):
		return domain.ActionReplace
	case has(string(tfjson.ActionDelete)):
		return domain.ActionDelete
	case has(string(tfjson.ActionCreate)):
		return domain.ActionCreate
	case has(string(tfjson.ActionUpdate)):
		return domain.ActionUpdate
	default:
		return domain.ActionNoOp
	}
}

// Sanitize converts an ordered slice of RawResourceChange into the
// corresponding ordered slice of SanitizedResourceChange, in input order.
func Sanitize(raws []RawResourceChange) ([]domain.SanitizedResourceChange, error) {
	out := make([]domain.SanitizedResourceChange, 0, len(raws))
	for _, r := range raws {
		sc, err := sanitizeOne(r)
		if err != nil {
			return nil, errors.Wrapf(err, "sanitizing %s", r.Address)
		}
		out = append(out, sc)
	}
	return out, nil
}

func sanitizeOne(r RawResourceChange) (domain.SanitizedResourceChange, error) {
	action := ClassifyAction(r.Actions)

	mode := domain.ModeManaged
	if r.Mode == "data" {
		mode = domain.ModeData
	}

	sc := domain.SanitizedResourceChange{
		Address:      r.Address,
		ResourceType: r.Type,
		Name:         r.Name,
		Mode:         mode,
		Provider:     r.ProviderName,
		Action:       action,
		ActionReason: r.ActionReason,
		Index:        r.Index,
	}

	switch action {
	case domain.ActionCreate:
		if after, omit := sanitizeFull(r.After, r.AfterSensitive); !omit {
			sc.After = &after
		}
	case domain.ActionDelete:
		if before, omit := sanitizeFull(r.Before, r.BeforeSensitive); !omit {
			sc.Before = &before
		}
	case domain.ActionUpdate, domain.ActionReplace:
		changes, err := diffTree(r.Before, r.After, r.AfterUnknown, r.BeforeSensitive, r.AfterSensitive)
		if err != nil {
			return domain.SanitizedResourceChange{}, err
		}
		sc.Changes = changes
	case domain.ActionNoOp:
		// nothing retained.
	}

	if doc := dependsOnChange(r.BeforeDependsOn, r.AfterDependsOn); doc != nil {
		sc.DependsOn = doc
	}

	return sc, nil
}

// sanitizeFull walks val against its parallel sensitivity tree and reports
// whether val should be omitted from its parent entirely, per §4.A's "drops
// it entirely when emitting full state" rule (ungrounded in-place redaction
// is only correct for the update/replace diff path in recordChange/
// recordRemoved, which compares a before/after pair rather than emitting a
// bare value). A `true` marker anywhere drops that whole subtree: an object
// or array whose every field/element was dropped is itself omitted.
func sanitizeFull(val, sensitive value.Value) (value.Value, bool) {
	if isSensitiveTrue(sensitive) {
		return value.Null(), true
	}
	switch val.Kind() {
	case value.KindObject:
		fields, _ := val.AsObject()
		sFields, _ := sensitive.AsObject()
		sMap := map[string]value.Value{}
		for _, f := range sFields {
			sMap[f.Key] = f.Value
		}
		out := make([]value.ObjectField, 0, len(fields))
		for _, f := range fields {
			v, omit := sanitizeFull(f.Value, sMap[f.Key])
			if omit {
				continue
			}
			out = append(out, value.ObjectField{Key: f.Key, Value: v})
		}
		if len(out) == 0 {
			return value.Null(), true
		}
		return value.Object(out), false
	case value.KindArray:
		items, _ := val.AsArray()
		sItems, _ := sensitive.AsArray()
		out := make([]value.Value, 0, len(items))
		for i, it := range items {
			var sv value.Value
			if i < len(sItems) {
				sv = sItems[i]
			}
			v, omit := sanitizeFull(it, sv)
			if omit {
				continue
			}
			out = append(out, v)
		}
		if len(out) == 0 {
			return value.Null(), true
		}
		return value.Array(out), false
	default:
		return val, false
	}
}

func isSensitiveTrue(v value.Value) bool {
	b, ok := v.AsBool()
	return ok && b
}

// pathElem is one component of a traversal path recorded during diffing.
type pathElem struct {
	key   string
	index int
	isIdx bool
}

func (p pathElem) String() string {
	if p.isIdx {
		return fmt.Sprintf("[%d]", p.index)
	}
	return p.key
}

func renderPath(path []pathElem) string {
	s := ""
	for i, p := range path {
		if p.isIdx {
			s += p.String()
			continue
		}
		if i > 0 {
			s += "."
		}
		s += p.key
	}
	return s
}

func lookup(v value.Value, path []pathElem) value.Value {
	cur := v
	for _, p := range path {
		var ok bool
		if p.isIdx {
			cur, ok = cur.Index(p.index)
		} else {
			cur, ok = cur.Field(p.key)
		}
		if !ok {
			return value.Null()
		}
	}
	return cur
}

// diffTree implements the §4.A diff algorithm for update/replace.
func diffTree(before, after, afterUnknown, beforeSensitive, afterSensitive value.Value) (map[string]domain.AttributeChange, error) {
	changes := map[string]domain.AttributeChange{}
	walkDiff(before, after, afterUnknown, beforeSensitive, afterSensitive, nil, changes)
	return changes, nil
}

func walkDiff(before, after, afterUnknown, beforeSensitive, afterSensitive value.Value, path []pathElem, changes map[string]domain.AttributeChange) {
	// Arrays that differ are stored whole, never recursed into.
	if before.Kind() == value.KindArray || after.Kind() == value.KindArray {
		if !before.Equal(after) {
			recordChange(before, after, afterUnknown, beforeSensitive, afterSensitive, path, changes)
		}
		return
	}

	if before.Kind() == value.KindObject && after.Kind() == value.KindObject {
		beforeFields, _ := before.AsObject()
		afterFields, _ := after.AsObject()
		keys := unionKeys(beforeFields, afterFields)
		for _, k := range keys {
			bv, bOK := before.Field(k)
			av, aOK := after.Field(k)
			childPath := append(append([]pathElem{}, path...), pathElem{key: k})
			switch {
			case !bOK:
				recordChange(value.Null(), av, childField(afterUnknown, k), childField(beforeSensitive, k), childField(afterSensitive, k), childPath, changes)
			case !aOK:
				recordRemoved(bv, childField(beforeSensitive, k), childPath, changes)
			default:
				walkDiff(bv, av, childField(afterUnknown, k), childField(beforeSensitive, k), childField(afterSensitive, k), childPath, changes)
			}
		}
		return
	}

	if !before.Equal(after) {
		recordChange(before, after, afterUnknown, beforeSensitive, afterSensitive, path, changes)
	}
}

func childField(v value.Value, key string) value.Value {
	f, ok := v.Field(key)
	if !ok {
		return value.Null()
	}
	return f
}

func unionKeys(a, b []value.ObjectField) []string {
	seen := map[string]bool{}
	var keys []string
	for _, f := range a {
		if !seen[f.Key] {
			seen[f.Key] = true
			keys = append(keys, f.Key)
		}
	}
	for _, f := range b {
		if !seen[f.Key] {
			seen[f.Key] = true
			keys = append(keys, f.Key)
		}
	}
	return keys
}

func recordChange(before, after, afterUnknown, beforeSensitive, afterSensitive value.Value, path []pathElem, changes map[string]domain.AttributeChange) {
	sensitive := isSensitiveTrue(beforeSensitive) || isSensitiveTrue(afterSensitive)
	b, a := before, after
	if sensitive {
		b, a = value.Redacted(), value.Redacted()
	}
	changes[renderPath(path)] = domain.AttributeChange{
		Before:       b,
		After:        a,
		AfterUnknown: isSensitiveTrue(afterUnknown),
	}
}

func recordRemoved(before, beforeSensitive value.Value, path []pathElem, changes map[string]domain.AttributeChange) {
	b := before
	if isSensitiveTrue(beforeSensitive) {
		b = value.Redacted()
	}
	changes[renderPath(path)] = domain.AttributeChange{
		Before:       b,
		After:        value.Null(),
		AfterUnknown: false,
	}
}

func dependsOnChange(before, after []string) *domain.DependsOnChange {
	if len(before) == 0 && len(after) == 0 {
		return nil
	}
	beforeSet := map[string]bool{}
	for _, b := range before {
		beforeSet[b] = true
	}
	afterSet := map[string]bool{}
	for _, a := range after {
		afterSet[a] = true
	}

	var added, unchanged, removed []string
	for _, a := range after {
		if beforeSet[a] {
			unchanged = append(unchanged, a)
		} else {
			added = append(added, a)
		}
	}
	for _, b := range before {
		if !afterSet[b] {
			removed = append(removed, b)
		}
	}
	return &domain.DependsOnChange{Added: added, Removed: removed, Unchanged: unchanged}
}

// MarshalLogObject writes sc's audit fields into enc so the operator can
// emit one structured audit log line per resource action without re-deriving
// fields (supplemented feature, SPEC_FULL.md §5). It is a package function
// with the signature of zapcore.ObjectMarshaler's method, not a method on
// SanitizedResourceChange.
func MarshalLogObject(sc domain.SanitizedResourceChange, enc zapcore.ObjectEncoder) error {
	enc.AddString("address", sc.Address)
	enc.AddString("resource_type", sc.ResourceType)
	enc.AddString("action", string(sc.Action))
	if sc.ActionReason != "" {
		enc.AddString("action_reason", sc.ActionReason)
	}
	enc.AddInt("changed_attributes", len(sc.Changes))
	return nil
}

// SortAddresses is a small helper for tests / audit logs that want a stable
// secondary ordering when addresses collide across modules.
func SortAddresses(changes []domain.SanitizedResourceChange) []string {
	addrs := make([]string, len(changes))
	for i, c := range changes {
		addrs[i] = c.Address
	}
	sort.Strings(addrs)
	return addrs
}
