//go:build cgo

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
	tsc "github.com/smacker/go-tree-sitter/c"
)

var astPackedRegexp = regexp.MustCompile(`\bpacked\b`)

type astStructDef struct {
	start  int
	name   string
	packed bool
	fields []gsField
}

func syncParseTaggedFile(path string, scanRoot string) ([]syncDiscoveredPacket, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	root := sitter.Parse(data, tsc.GetLanguage())

	var tags []gsTag
	var structs []astStructDef
	err = astWalk(root, func(node *sitter.Node) error {
		switch node.Type() {
		case "comment":
			tag, ok, perr := parseGSComment(node.Content(data), int(node.StartByte()), path, node.StartPoint().Row+1)
			if perr != nil {
				return perr
			}
			if ok {
				tags = append(tags, tag)
			}
		case "type_definition":
			st, ok, perr := astParseTypedef(node, data, path)
			if perr != nil {
				return perr
			}
			if ok {
				structs = append(structs, st)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(tags) == 0 {
		return nil, nil
	}
	if len(structs) == 0 {
		return nil, fmt.Errorf("found @gs tags in %s but no typedef struct definitions", path)
	}

	sort.Slice(tags, func(i, j int) bool { return tags[i].End < tags[j].End })
	sort.Slice(structs, func(i, j int) bool { return structs[i].start < structs[j].start })

	starts := make([]int, len(structs))
	for i, st := range structs {
		starts[i] = st.start
	}
	pairs, err := gsPairTagsWithStructs(tags, starts, path)
	if err != nil {
		return nil, err
	}

	source, relErr := filepath.Rel(scanRoot, path)
	if relErr != nil {
		source = path
	}
	source = filepath.ToSlash(source)

	out := make([]syncDiscoveredPacket, 0, len(tags))
	for ti, tag := range tags {
		st := structs[pairs[ti]]
		fields, byteSize, err := gsLayoutFields(st.fields, st.packed, path, st.name)
		if err != nil {
			return nil, err
		}
		out = append(out, syncDiscoveredPacket{
			ID:         uint16(tag.ID),
			StructName: st.name,
			Type:       tag.PktType,
			Packed:     st.packed,
			ByteSize:   byteSize,
			Source:     source,
			Fields:     fields,
		})
	}

	return out, nil
}

// astParseTypedef recognizes `typedef struct { ... } Name;` and pulls the
// field list; other type definitions are skipped.
func astParseTypedef(node *sitter.Node, data []byte, path string) (astStructDef, bool, error) {
	typeNode := node.ChildByFieldName("type")
	if typeNode == nil || typeNode.IsNull() {
		return astStructDef{}, false, nil
	}
	structNode := astFirst(typeNode, "struct_specifier")
	if structNode == nil {
		return astStructDef{}, false, nil
	}
	bodyNode := structNode.ChildByFieldName("body")
	if bodyNode == nil || bodyNode.IsNull() {
		return astStructDef{}, false, nil
	}

	decls := astChildrenByField(node, "declarator")
	if len(decls) != 1 {
		return astStructDef{}, false, fmt.Errorf("typedef struct in %s:%d must have exactly one declarator", path, node.StartPoint().Row+1)
	}
	if astFirst(decls[0], "pointer_type_declarator") != nil || astFirst(decls[0], "array_declarator") != nil {
		return astStructDef{}, false, fmt.Errorf("unsupported typedef declarator in %s:%d", path, node.StartPoint().Row+1)
	}
	nameNode := astFirst(decls[0], "type_identifier")
	if nameNode == nil {
		return astStructDef{}, false, fmt.Errorf("typedef struct in %s:%d has no type name", path, node.StartPoint().Row+1)
	}
	name := strings.TrimSpace(nameNode.Content(data))
	if !gsIdentRegexp.MatchString(name) {
		return astStructDef{}, false, fmt.Errorf("invalid type name %q in %s:%d", name, path, node.StartPoint().Row+1)
	}

	packed := astPackedRegexp.MatchString(strings.ToLower(node.Content(data)))

	fields := make([]gsField, 0)
	for i := 0; i < int(bodyNode.NamedChildCount()); i++ {
		child := bodyNode.NamedChild(i)
		if child == nil || child.IsNull() || child.Type() != "field_declaration" {
			continue
		}
		field, err := astParseField(child, data, path, name)
		if err != nil {
			return astStructDef{}, false, err
		}
		fields = append(fields, field)
	}

	return astStructDef{
		start:  int(node.StartByte()),
		name:   name,
		packed: packed,
		fields: fields,
	}, true, nil
}

func astParseField(node *sitter.Node, data []byte, path string, structName string) (gsField, error) {
	line := node.StartPoint().Row + 1
	if astFirst(node, "bitfield_clause") != nil {
		return gsField{}, fmt.Errorf("unsupported bitfield in %s (%s) at line %d", path, structName, line)
	}

	typeNode := node.ChildByFieldName("type")
	if typeNode == nil || typeNode.IsNull() {
		return gsField{}, fmt.Errorf("field declaration missing type in %s (%s) at line %d", path, structName, line)
	}
	if typeNode.Type() == "struct_specifier" || typeNode.Type() == "union_specifier" {
		return gsField{}, fmt.Errorf("unsupported nested declaration in %s (%s) at line %d", path, structName, line)
	}

	ctype := syncNormalizeCType(typeNode.Content(data))
	size, ok := syncCTypeSize(ctype)
	if !ok {
		return gsField{}, fmt.Errorf("unsupported c type in %s (%s) at line %d: %q", path, structName, line, ctype)
	}

	decls := astChildrenByField(node, "declarator")
	if len(decls) != 1 {
		return gsField{}, fmt.Errorf("unsupported multi declarator in %s (%s) at line %d", path, structName, line)
	}
	decl := decls[0]
	if astFirst(decl, "pointer_declarator") != nil || astFirst(decl, "array_declarator") != nil || astFirst(decl, "function_declarator") != nil {
		return gsField{}, fmt.Errorf("unsupported field syntax in %s (%s) at line %d", path, structName, line)
	}

	nameNode := astFirst(decl, "field_identifier")
	if nameNode == nil {
		nameNode = astFirst(decl, "identifier")
	}
	if nameNode == nil {
		return gsField{}, fmt.Errorf("invalid field declarator in %s (%s) at line %d", path, structName, line)
	}
	fieldName := strings.TrimSpace(nameNode.Content(data))
	if !gsIdentRegexp.MatchString(fieldName) {
		return gsField{}, fmt.Errorf("invalid field name in %s (%s) at line %d: %q", path, structName, line, fieldName)
	}

	return gsField{Name: fieldName, CType: ctype, Size: size}, nil
}

func astFirst(node *sitter.Node, nodeType string) *sitter.Node {
	if node == nil || node.IsNull() {
		return nil
	}
	if node.Type() == nodeType {
		return node
	}
	for i := 0; i < int(node.ChildCount()); i++ {
		if found := astFirst(node.Child(i), nodeType); found != nil {
			return found
		}
	}
	return nil
}

func astChildrenByField(node *sitter.Node, field string) []*sitter.Node {
	out := make([]*sitter.Node, 0)
	for i := 0; i < int(node.ChildCount()); i++ {
		if node.FieldNameForChild(i) == field {
			out = append(out, node.Child(i))
		}
	}
	return out
}

func astWalk(node *sitter.Node, visit func(*sitter.Node) error) error {
	if node == nil || node.IsNull() {
		return nil
	}
	if err := visit(node); err != nil {
		return err
	}
	for i := 0; i < int(node.ChildCount()); i++ {
		if err := astWalk(node.Child(i), visit); err != nil {
			return err
		}
	}
	return nil
}
