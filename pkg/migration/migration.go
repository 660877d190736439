// Package migration plans and applies the migrations that move a configuration store between
// versions.
package migration

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/flipset/flipset/pkg/datastore"
	"github.com/hashicorp/go-multierror"
	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// ErrNotReversible is returned when a migration without a defined reverse is run backward.
var ErrNotReversible = errors.New("operation is not reversible")

// OpType names a primitive migration operation.
type OpType string

const (
	OpAddSetting     OpType = "add-setting"
	OpRemoveSetting  OpType = "remove-setting"
	OpRenameSetting  OpType = "rename-setting"
	OpTransformValue OpType = "transform-value"
)

// ValueMapping replaces the value From with To.
type ValueMapping struct {
	From any `yaml:"from"`
	To   any `yaml:"to"`
}

// Operation is one primitive step of a migration.
//
//	add-setting      key, default         sets key to default if absent; reverse removes key it created
//	remove-setting   key, [default]       removes key; reverse restores the removed value, else default
//	rename-setting   from, to             renames a key or subtree; reverse renames back
//	transform-value  key, mapping         replaces matching values; reverse swaps back what it changed
//	transform-value  key, expression,     evaluates expression with `value` bound to the current
//	                 [reverse-expression] value; reverse evaluates reverse-expression
type Operation struct {
	Op                OpType         `yaml:"op"`
	Key               string         `yaml:"key,omitempty"`
	From              string         `yaml:"from,omitempty"`
	To                string         `yaml:"to,omitempty"`
	Default           any            `yaml:"-"`
	HasDefault        bool           `yaml:"-"`
	Mapping           []ValueMapping `yaml:"mapping,omitempty"`
	Expression        string         `yaml:"expression,omitempty"`
	ReverseExpression string         `yaml:"reverse-expression,omitempty"`

	program        *vm.Program
	reverseProgram *vm.Program
}

func (o *Operation) UnmarshalYAML(unmarshal func(interface{}) error) error {
	type rawOperation Operation
	var raw struct {
		rawOperation `yaml:",inline"`
		Default      yaml.Node `yaml:"default"`
	}
	if err := unmarshal(&raw); err != nil {
		return err
	}

	op := Operation(raw.rawOperation)
	if raw.Default.Kind != 0 {
		var v any
		if err := raw.Default.Decode(&v); err != nil {
			return fmt.Errorf("invalid default: %w", err)
		}
		op.Default = v
		op.HasDefault = true
	}
	if err := op.compile(); err != nil {
		return err
	}
	*o = op
	return nil
}

func (o *Operation) compile() error {
	switch o.Op {
	case OpAddSetting:
		if !o.HasDefault {
			return fmt.Errorf("%s %s requires a default", o.Op, o.Key)
		}
		return datastore.ValidateKey(o.Key)
	case OpRemoveSetting:
		return datastore.ValidateKey(o.Key)
	case OpRenameSetting:
		if err := datastore.ValidateKey(o.From); err != nil {
			return err
		}
		return datastore.ValidateKey(o.To)
	case OpTransformValue:
		if err := datastore.ValidateKey(o.Key); err != nil {
			return err
		}
		if (len(o.Mapping) == 0) == (o.Expression == "") {
			return fmt.Errorf("%s %s requires exactly one of mapping or expression", o.Op, o.Key)
		}
		if o.Expression != "" {
			p, err := expr.Compile(o.Expression)
			if err != nil {
				return fmt.Errorf("compiling expression for %s: %w", o.Key, err)
			}
			o.program = p
		}
		if o.ReverseExpression != "" {
			p, err := expr.Compile(o.ReverseExpression)
			if err != nil {
				return fmt.Errorf("compiling reverse expression for %s: %w", o.Key, err)
			}
			o.reverseProgram = p
		}
		return validateMapping(o.Mapping)
	default:
		return fmt.Errorf("unknown operation %q, must be one of: %s, %s, %s, %s",
			o.Op, OpAddSetting, OpRemoveSetting, OpRenameSetting, OpTransformValue)
	}
}

// A mapping must be injective to be undone.
func validateMapping(mapping []ValueMapping) error {
	for i := range mapping {
		for j := i + 1; j < len(mapping); j++ {
			if equalValues(mapping[i].From, mapping[j].From) {
				return fmt.Errorf("mapping lists %v twice", mapping[i].From)
			}
			if equalValues(mapping[i].To, mapping[j].To) {
				return fmt.Errorf("mapping maps two values to %v", mapping[i].To)
			}
		}
	}
	return nil
}

// Reversible reports whether the operation can be undone.
func (o *Operation) Reversible() bool {
	switch o.Op {
	case OpRemoveSetting:
		return o.HasDefault
	case OpTransformValue:
		return o.Expression == "" || o.ReverseExpression != ""
	default:
		return true
	}
}

func (o *Operation) String() string {
	switch o.Op {
	case OpRenameSetting:
		return fmt.Sprintf("%s %s -> %s", o.Op, o.From, o.To)
	default:
		return fmt.Sprintf("%s %s", o.Op, o.Key)
	}
}

// Apply runs the operation forward. Operations whose reverse depends on the prior state push an
// undo record onto the key's undoMetadata stack.
func (o *Operation) Apply(s *datastore.Store) error {
	switch o.Op {
	case OpAddSetting:
		if s.Has(o.Key) {
			log.Debugf("%s: keeping existing value", o)
			return pushUndo(s, o.Key, undoRecord{"op": string(o.Op), "created": false})
		}
		if err := s.Set(o.Key, o.Default); err != nil {
			return err
		}
		return pushUndo(s, o.Key, undoRecord{"op": string(o.Op), "created": true})
	case OpRemoveSetting:
		current, ok := s.Get(o.Key)
		if !ok {
			log.Debugf("%s: key not present", o)
			return pushUndo(s, o.Key, undoRecord{"op": string(o.Op), "existed": false})
		}
		rec := undoRecord{"op": string(o.Op), "existed": true, "value": current}
		if meta := userMetadata(s, o.Key); len(meta) > 0 {
			rec["metadata"] = meta
		}
		deleteKeepingUndo(s, o.Key)
		return pushUndo(s, o.Key, rec)
	case OpRenameSetting:
		return rename(s, o.From, o.To)
	case OpTransformValue:
		return o.transform(s, o.program, false)
	}
	return fmt.Errorf("unknown operation %q", o.Op)
}

// Reverse undoes the operation. A matching undo record left by Apply restores the exact prior
// state; without one the operation falls back to its declared reverse.
func (o *Operation) Reverse(s *datastore.Store) error {
	if !o.Reversible() {
		return fmt.Errorf("%s: %w", o, ErrNotReversible)
	}
	switch o.Op {
	case OpAddSetting:
		if rec, ok := popUndo(s, o.Key, o.Op); ok && rec["created"] != true {
			return nil
		}
		deleteKeepingUndo(s, o.Key)
		return nil
	case OpRemoveSetting:
		rec, ok := popUndo(s, o.Key, o.Op)
		if !ok {
			if s.Has(o.Key) {
				return nil
			}
			return s.Set(o.Key, o.Default)
		}
		if rec["existed"] != true {
			return nil
		}
		if err := s.Set(o.Key, rec["value"]); err != nil {
			return err
		}
		meta, _ := rec["metadata"].(map[string]any)
		for name, v := range meta {
			if err := s.SetMetadata(o.Key, name, v); err != nil {
				return err
			}
		}
		return nil
	case OpRenameSetting:
		return rename(s, o.To, o.From)
	case OpTransformValue:
		return o.transform(s, o.reverseProgram, true)
	}
	return fmt.Errorf("unknown operation %q", o.Op)
}

func rename(s *datastore.Store, from, to string) error {
	if !s.Has(from) {
		log.Debugf("rename-setting %s: key not present", from)
		return nil
	}
	return s.Rename(from, to)
}

func (o *Operation) transform(s *datastore.Store, program *vm.Program, reverse bool) error {
	if o.program == nil && reverse {
		if rec, ok := popUndo(s, o.Key, o.Op); ok && rec["changed"] != true {
			return nil
		}
	}

	current, ok := s.Get(o.Key)
	if !ok {
		log.Debugf("%s: key not present", o)
		if o.program == nil && !reverse {
			return pushUndo(s, o.Key, undoRecord{"op": string(o.Op), "changed": false})
		}
		return nil
	}

	if program != nil {
		out, err := expr.Run(program, map[string]any{"value": current, "key": o.Key})
		if err != nil {
			return fmt.Errorf("evaluating expression for %s: %w", o.Key, err)
		}
		return s.Set(o.Key, out)
	}

	changed := false
	for _, m := range o.Mapping {
		from, to := m.From, m.To
		if reverse {
			from, to = to, from
		}
		if equalValues(current, from) {
			if err := s.Set(o.Key, to); err != nil {
				return err
			}
			changed = true
			break
		}
	}
	if reverse {
		return nil
	}
	return pushUndo(s, o.Key, undoRecord{"op": string(o.Op), "changed": changed})
}

// undoMetadata is the reserved metadata name holding a key's stack of undo records, most recent
// last.
const undoMetadata = "migration-undo"

type undoRecord = map[string]any

func undoStack(s *datastore.Store, key string) []any {
	v, _ := s.GetMetadata(key, undoMetadata)
	stack, _ := v.([]any)
	return stack
}

func setUndoStack(s *datastore.Store, key string, stack []any) error {
	if len(stack) == 0 {
		s.DeleteMetadata(key, undoMetadata)
		return nil
	}
	return s.SetMetadata(key, undoMetadata, stack)
}

func pushUndo(s *datastore.Store, key string, rec undoRecord) error {
	return setUndoStack(s, key, append(undoStack(s, key), rec))
}

// popUndo removes and returns the top record of key when it was pushed by an op of the same
// type.
func popUndo(s *datastore.Store, key string, op OpType) (undoRecord, bool) {
	stack := undoStack(s, key)
	if len(stack) == 0 {
		return nil, false
	}
	rec, ok := stack[len(stack)-1].(map[string]any)
	if !ok || rec["op"] != string(op) {
		return nil, false
	}
	if err := setUndoStack(s, key, stack[:len(stack)-1]); err != nil {
		return nil, false
	}
	return rec, true
}

func userMetadata(s *datastore.Store, key string) map[string]any {
	meta := make(map[string]any)
	for name, v := range s.Metadata[key] {
		if name != undoMetadata {
			meta[name] = v
		}
	}
	return meta
}

// deleteKeepingUndo deletes key while preserving its undo stack, which Delete would drop with
// the rest of the key's metadata.
func deleteKeepingUndo(s *datastore.Store, key string) {
	stack := undoStack(s, key)
	s.Delete(key)
	if len(stack) > 0 {
		_ = setUndoStack(s, key, stack)
	}
}

// equalValues compares JSON-like values treating all numbers as float64.
func equalValues(a, b any) bool {
	return reflect.DeepEqual(datastore.Normalize(a), datastore.Normalize(b))
}

// Migration is a named, ordered list of operations moving the store from one version to the
// next.
type Migration struct {
	Name       string
	From       *semver.Version
	To         *semver.Version
	Operations []Operation
}

type document struct {
	Name       string      `yaml:"name"`
	From       string      `yaml:"from"`
	To         string      `yaml:"to"`
	Operations []Operation `yaml:"operations"`
}

// Parse decodes and validates a migration document.
func Parse(data []byte) (*Migration, error) {
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decoding migration: %w", err)
	}

	var errs *multierror.Error
	m := &Migration{Name: doc.Name, Operations: doc.Operations}
	if doc.Name == "" {
		errs = multierror.Append(errs, errors.New("name is required"))
	}
	var err error
	if m.From, err = semver.NewVersion(doc.From); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("invalid from version %q: %w", doc.From, err))
	}
	if m.To, err = semver.NewVersion(doc.To); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("invalid to version %q: %w", doc.To, err))
	}
	if m.From != nil && m.To != nil && !m.From.LessThan(m.To) {
		errs = multierror.Append(errs, fmt.Errorf("from %s must be lower than to %s", m.From, m.To))
	}
	if len(doc.Operations) == 0 {
		errs = multierror.Append(errs, errors.New("at least one operation is required"))
	}
	if m.To != nil && strings.HasPrefix(doc.Name, "migrate_v") {
		if v, _, ok := strings.Cut(strings.TrimPrefix(doc.Name, "migrate_v"), "_"); ok && v != m.To.String() {
			errs = multierror.Append(errs, fmt.Errorf("name %s does not match to version %s", doc.Name, m.To))
		}
	}
	if err := errs.ErrorOrNil(); err != nil {
		return nil, fmt.Errorf("migration %s: %w", doc.Name, err)
	}
	return m, nil
}

// Reversible reports whether every operation can be undone.
func (m *Migration) Reversible() bool {
	for i := range m.Operations {
		if !m.Operations[i].Reversible() {
			return false
		}
	}
	return true
}

// Apply runs every operation forward.
func (m *Migration) Apply(s *datastore.Store) error {
	for i := range m.Operations {
		if err := m.Operations[i].Apply(s); err != nil {
			return err
		}
	}
	return nil
}

// Reverse undoes every operation, last first.
func (m *Migration) Reverse(s *datastore.Store) error {
	for i := len(m.Operations) - 1; i >= 0; i-- {
		if err := m.Operations[i].Reverse(s); err != nil {
			return err
		}
	}
	return nil
}
