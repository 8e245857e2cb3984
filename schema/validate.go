package schema

import (
	capnp "github.com/capnproto-go/corerpc"
	"github.com/capnproto-go/corerpc/exc"
)

// Validate walks msg's root struct against root's declared Fields. Only
// pointer fields are checked: each must be null or resolve to the pointer
// kind (list, struct or capability) its Type declares. Data-section
// widths, list element counts and enum values are not checked.
//
// Unknown discriminant values and unknown non-discriminant data are not
// errors: a message written against a newer schema than root must still
// validate, per spec.md §8's "Schema evolution" testable property.
func Validate(msg *capnp.Message, root *Node) error {
	if root == nil {
		return exc.New(exc.Failed, "schema", "validate: nil root node")
	}
	if root.Kind != StructKind {
		return exc.New(exc.Failed, "schema", "validate: root node %q is not a struct", root.DisplayName)
	}
	rootPtr, err := msg.Root()
	if err != nil {
		return exc.WrapError("validate", err)
	}
	if !rootPtr.IsValid() {
		return nil
	}
	return validateStruct(rootPtr.Struct(), root)
}

// NodeChecker adapts a Node to capnp.SchemaChecker, so the root
// package's CanonicalizeChecked can validate a struct against this
// package's Node graph without the root package importing schema
// (schema already imports capnp to decode a CodeGeneratorRequest, so the
// reverse import would cycle).
type NodeChecker struct {
	Node *Node
}

// ValidateStruct implements capnp.SchemaChecker.
func (c NodeChecker) ValidateStruct(s capnp.Struct) error {
	if c.Node == nil {
		return exc.New(exc.Failed, "schema", "validate: nil checker node")
	}
	return validateStruct(s, c.Node)
}

// Canonicalize validates s against node, then produces its canonical
// byte form (spec.md §2 "schema-driven trimming to canonical form",
// §4.7). Unlike capnp.Canonicalize, a struct whose pointer fields don't
// have the kinds node's declared fields name is rejected rather than
// silently trimmed; data-section fields are not checked.
func Canonicalize(node *Node, s capnp.Struct) ([]byte, error) {
	return capnp.CanonicalizeChecked(s, NodeChecker{Node: node})
}

func validateStruct(st capnp.Struct, node *Node) error {
	for _, f := range node.Fields {
		if f.Type.IsPointerField() {
			if err := validatePointerField(st, f); err != nil {
				return err
			}
			continue
		}
		// Data-section fields always read as their zero value once
		// past the struct's DataSize (schema evolution); nothing
		// further to check for scalar types.
	}
	return nil
}

func validatePointerField(st capnp.Struct, f Field) error {
	if !st.HasPtr(uint16(f.Offset)) {
		return nil // null pointer is always valid
	}
	p, err := st.Ptr(uint16(f.Offset))
	if err != nil {
		return exc.WrapError("validate: field "+f.Name, err)
	}
	switch f.Type.Kind {
	case TextType, DataType:
		if !p.IsValid() {
			return nil
		}
		if lst := p.List(); !lst.IsValid() {
			return exc.New(exc.Failed, "schema", "field %q: expected a data/text value", f.Name)
		}
	case ListType:
		if !p.IsValid() {
			return nil
		}
		if lst := p.List(); !lst.IsValid() {
			return exc.New(exc.Failed, "schema", "field %q: expected a list", f.Name)
		}
	case StructType:
		if !p.IsValid() {
			return nil
		}
		if s := p.Struct(); !s.IsValid() {
			return exc.New(exc.Failed, "schema", "field %q: expected a struct", f.Name)
		}
	case InterfaceType:
		if !p.IsValid() {
			return nil
		}
		if iface := p.Interface(); !iface.IsValid() {
			return exc.New(exc.Failed, "schema", "field %q: expected a capability", f.Name)
		}
	}
	return nil
}
