// Package schema holds the in-memory representation of a compiled
// Cap'n Proto schema (spec.md §4.6): the Node/Field/Type graph decoded
// from a CodeGeneratorRequest-shaped message, plus the pieces a
// host-language code generator would need as input — identifier
// sanitization and a stable JSON manifest — without the generator's
// templating backend itself, which is out of scope (spec.md §1).
package schema

import (
	"encoding/binary"
	"encoding/json"
	"sort"
	"strings"

	"github.com/cespare/xxhash/v2"
	capnp "github.com/capnproto-go/corerpc"
	"github.com/capnproto-go/corerpc/exc"
)

// NodeKind classifies a Node the way rpc.capnp's schema.capnp Node union
// does: File, Struct, Enum, Interface, or Const.
type NodeKind uint16

const (
	FileKind NodeKind = iota
	StructKind
	EnumKind
	InterfaceKind
	ConstKind
)

// TypeKind classifies a field's declared Type.
type TypeKind uint16

const (
	VoidType TypeKind = iota
	BoolType
	Int8Type
	Int16Type
	Int32Type
	Int64Type
	UInt8Type
	UInt16Type
	UInt32Type
	UInt64Type
	Float32Type
	Float64Type
	TextType
	DataType
	ListType
	StructType
	InterfaceType
	AnyPointerType
)

// Type is a field's or list element's declared type.
type Type struct {
	Kind TypeKind
	// ElementType is set when Kind is ListType.
	ElementType *Type
	// TargetID names the referenced Node for StructType/InterfaceType.
	TargetID uint64
}

// WireWidth returns the field width, in bytes, this Type occupies in a
// struct's data section, or 0 for pointer-section types (Text, Data,
// List, Struct, Interface, AnyPointer). Validate does not consult it.
func (t Type) WireWidth() capnp.Size {
	switch t.Kind {
	case VoidType:
		return 0
	case BoolType:
		return 0 // packed into a bit; checked separately
	case Int8Type, UInt8Type:
		return 1
	case Int16Type, UInt16Type:
		return 2
	case Int32Type, UInt32Type, Float32Type:
		return 4
	case Int64Type, UInt64Type, Float64Type:
		return 8
	default:
		return 0 // pointer-section type
	}
}

// IsPointerField reports whether a field of this Type lives in the
// struct's pointer section rather than its data section.
func (t Type) IsPointerField() bool {
	switch t.Kind {
	case TextType, DataType, ListType, StructType, InterfaceType, AnyPointerType:
		return true
	default:
		return false
	}
}

// Field is one slot of a Struct node: either a data/pointer slot
// ("slot" field) or a member of the node's discriminated union (when
// DiscriminantValue is set).
type Field struct {
	Name              string
	Offset            uint32 // word offset within the data or pointer section
	Type              Type
	DiscriminantValue uint16 // 0xffff sentinel means "not part of a union"
}

// NoDiscriminant is the sentinel DiscriminantValue for a field outside
// any union, matching schema.capnp's own convention.
const NoDiscriminant = 0xffff

// Enumerant is one value of an Enum node.
type Enumerant struct {
	Name string
}

// Method is one method of an Interface node.
type Method struct {
	Name          string
	Ordinal       uint16
	ParamsTypeID  uint64
	ResultsTypeID uint64
}

// Node is one entry of a compiled schema: a file, struct, enum,
// interface, or const, named and identified the way schema.capnp's own
// Node union is (spec.md §4.6).
type Node struct {
	ID          uint64
	DisplayName string
	Kind        NodeKind

	// Struct-kind fields.
	Fields       []Field
	DataWords    uint16
	PointerWords uint16

	// Enum-kind fields.
	Enumerants []Enumerant

	// Interface-kind fields.
	Methods []Method

	// Annotations projected onto this node, keyed by the annotation
	// Node's ID (spec.md §4.6 "annotation-value projection").
	Annotations map[uint64]capnp.Ptr
}

// Schema is a decoded CodeGeneratorRequest: every Node the compiler
// produced, indexed by ID, plus the list of file Nodes actually
// requested for generation.
type Schema struct {
	Nodes     map[uint64]*Node
	RequestedFiles []uint64
}

// NodeByID looks up a node, returning (nil, false) if it's not present —
// schema evolution means a reference to an unknown ID must degrade
// gracefully rather than panic.
func (s *Schema) NodeByID(id uint64) (*Node, bool) {
	n, ok := s.Nodes[id]
	return n, ok
}

// Decode reads a CodeGeneratorRequest-shaped message into a Schema.
//
// The real schema.capnp Node union has far more structure (generics,
// nested scopes, nine annotation target kinds) than this core needs to
// exercise the codec and validator; this decode reads a deliberately
// narrowed wire shape: the root struct's pointer 0 is a list of Node
// structs, each with ID (data word 0), Kind (data word 1, low 16 bits),
// DisplayName (pointer 0, Text) and, for struct nodes only, DataWords and
// PointerWords (the 16-bit values at data bytes 10 and 12). The root's
// pointer 1 lists the requested files, each naming its ID in data word 0.
// Fields, enumerants, methods and annotations are not decoded.
func Decode(msg *capnp.Message) (*Schema, error) {
	root, err := msg.Root()
	if err != nil {
		return nil, exc.WrapError("schema decode", err)
	}
	if !root.IsValid() {
		return &Schema{Nodes: map[uint64]*Node{}}, nil
	}
	reqStruct := root.Struct()
	nodesPtr, err := reqStruct.Ptr(0)
	if err != nil {
		return nil, exc.WrapError("schema decode: nodes", err)
	}
	s := &Schema{Nodes: map[uint64]*Node{}}
	nodeList := capnp.PointerList(nodesPtr.List())
	for i := 0; i < nodeList.Len(); i++ {
		p, err := nodeList.At(i)
		if err != nil {
			return nil, exc.WrapError("schema decode: node", err)
		}
		n, err := decodeNode(p.Struct())
		if err != nil {
			return nil, err
		}
		s.Nodes[n.ID] = n
	}
	if filesPtr, err := reqStruct.Ptr(1); err == nil && filesPtr.IsValid() {
		fl := capnp.PointerList(filesPtr.List())
		for i := 0; i < fl.Len(); i++ {
			if p, err := fl.At(i); err == nil {
				s.RequestedFiles = append(s.RequestedFiles, p.Struct().Uint64(0))
			}
		}
	}
	return s, nil
}

func decodeNode(st capnp.Struct) (*Node, error) {
	n := &Node{
		ID:   st.Uint64(0),
		Kind: NodeKind(st.Uint16(8)),
	}
	if namePtr, err := st.Ptr(0); err == nil && namePtr.IsValid() {
		name, err := namePtr.TextString()
		if err != nil {
			return nil, exc.WrapError("schema decode: display name", err)
		}
		n.DisplayName = name
	}
	switch n.Kind {
	case StructKind:
		n.DataWords = st.Uint16(10)
		n.PointerWords = st.Uint16(12)
	}
	return n, nil
}

// SanitizeIdent projects a schema-source identifier to a safe
// host-language identifier (spec.md §4.6 "no source-schema escape
// characters ever leak into emitted identifiers"): non [A-Za-z0-9_]
// bytes are dropped, and a leading digit gets an underscore prefix.
func SanitizeIdent(raw string) string {
	var b strings.Builder
	for _, r := range raw {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			b.WriteRune(r)
		}
	}
	out := b.String()
	if out == "" {
		return "_"
	}
	if out[0] >= '0' && out[0] <= '9' {
		return "_" + out
	}
	return out
}

// MethodParamsIdent and MethodResultsIdent name a method's nested
// params/results types, per spec.md §4.6's "<Method>Params",
// "<Method>Results" convention.
func MethodParamsIdent(method string) string  { return SanitizeIdent(method) + "Params" }
func MethodResultsIdent(method string) string { return SanitizeIdent(method) + "Results" }

// SerdeEntry is one row of a file's manifest: the schema type and the
// generated (de)serialization entry points a consumer would call.
type SerdeEntry struct {
	ID             uint64 `json:"id"`
	TypeName       string `json:"type_name"`
	ToJSONExport   string `json:"to_json_export"`
	FromJSONExport string `json:"from_json_export"`
}

// Manifest is the per-file stable-JSON record emitted alongside
// generated source (spec.md §4.6): {schema, module, serde:[...]}.
type Manifest struct {
	Schema string       `json:"schema"`
	Module string       `json:"module"`
	Serde  []SerdeEntry `json:"serde"`
	// ContentHash is a stable xxhash of the serde entry IDs, letting a
	// build pipeline cache-bust generated code only when a file's shape
	// actually changed, not merely when it was regenerated.
	ContentHash uint64 `json:"content_hash"`
}

// BuildManifest produces the Manifest for every struct/interface Node in
// s, with serde entries sorted by ID so the output is byte-identical
// across runs regardless of map iteration order. Nodes are not filtered
// by file: fileID only feeds the ContentHash.
func BuildManifest(s *Schema, fileID uint64, schemaName, module string) Manifest {
	m := Manifest{Schema: schemaName, Module: module}
	for _, n := range s.Nodes {
		if n.Kind != StructKind && n.Kind != InterfaceKind {
			continue
		}
		typeName := SanitizeIdent(lastSegment(n.DisplayName))
		m.Serde = append(m.Serde, SerdeEntry{
			ID:             n.ID,
			TypeName:       typeName,
			ToJSONExport:   typeName + "ToJSON",
			FromJSONExport: typeName + "FromJSON",
		})
	}
	sort.Slice(m.Serde, func(i, j int) bool { return m.Serde[i].ID < m.Serde[j].ID })
	m.ContentHash = contentHash(fileID, m.Serde)
	return m
}

// contentHash hashes fileID and each serde entry's ID, in the manifest's
// own (already sorted) order, so a reordering of map iteration never
// changes the result.
func contentHash(fileID uint64, serde []SerdeEntry) uint64 {
	var buf [8]byte
	h := xxhash.New()
	binary.LittleEndian.PutUint64(buf[:], fileID)
	h.Write(buf[:])
	for _, e := range serde {
		binary.LittleEndian.PutUint64(buf[:], e.ID)
		h.Write(buf[:])
	}
	return h.Sum64()
}

func lastSegment(displayName string) string {
	if i := strings.LastIndexByte(displayName, ':'); i >= 0 {
		displayName = displayName[i+1:]
	}
	if i := strings.LastIndexByte(displayName, '.'); i >= 0 {
		displayName = displayName[i+1:]
	}
	return displayName
}

// MarshalManifest renders m as the stable JSON form spec.md §4.6
// requires: two-space indent, map keys in struct-declaration order
// (encoding/json already does this for structs), no trailing newline
// variance beyond the one MarshalIndent appends.
func MarshalManifest(m Manifest) ([]byte, error) {
	return json.MarshalIndent(m, "", "  ")
}
