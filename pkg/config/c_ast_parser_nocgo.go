//go:build !cgo

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
)

// Regex fallback for builds without cgo. It understands exactly the
// typedef-struct shape the firmware uses for telemetry; anything fancier
// needs the tree-sitter parser.
var (
	nocgoCommentRegexp = regexp.MustCompile(`(?m)//[^\r\n]*|(?s:/\*.*?\*/)`)
	nocgoStructRegexp  = regexp.MustCompile(`(?s)typedef\s+struct\s*\{(.*?)\}\s*((?:__attribute__\s*\(\(\s*packed\s*\)\)\s*)?)([A-Za-z_][A-Za-z0-9_]*)\s*;`)
	nocgoPackedRegexp  = regexp.MustCompile(`\bpacked\b`)
)

func syncParseTaggedFile(path string, scanRoot string) ([]syncDiscoveredPacket, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	content := string(data)

	tags, err := nocgoScanTags(content, path)
	if err != nil {
		return nil, err
	}
	if len(tags) == 0 {
		return nil, nil
	}

	structMatches := nocgoStructRegexp.FindAllStringSubmatchIndex(content, -1)
	if len(structMatches) == 0 {
		return nil, fmt.Errorf("found @gs tags in %s but no typedef struct definitions", path)
	}
	starts := make([]int, len(structMatches))
	for i, m := range structMatches {
		starts[i] = m[0]
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
		m := structMatches[pairs[ti]]
		body := content[m[2]:m[3]]
		packed := nocgoPackedRegexp.MatchString(strings.ToLower(content[m[4]:m[5]]))
		structName := content[m[6]:m[7]]

		parsed, err := nocgoParseFields(body, path, structName)
		if err != nil {
			return nil, err
		}
		fields, byteSize, err := gsLayoutFields(parsed, packed, path, structName)
		if err != nil {
			return nil, err
		}

		out = append(out, syncDiscoveredPacket{
			ID:         uint16(tag.ID),
			StructName: structName,
			Type:       tag.PktType,
			Packed:     packed,
			ByteSize:   byteSize,
			Source:     source,
			Fields:     fields,
		})
	}

	return out, nil
}

func nocgoScanTags(content string, path string) ([]gsTag, error) {
	comments := nocgoCommentRegexp.FindAllStringIndex(content, -1)
	tags := make([]gsTag, 0)
	for _, cm := range comments {
		tag, ok, err := parseGSComment(content[cm[0]:cm[1]], cm[0], path, nocgoLineAt(content, cm[0]))
		if err != nil {
			return nil, err
		}
		if ok {
			tags = append(tags, tag)
		}
	}

	sort.Slice(tags, func(i, j int) bool { return tags[i].End < tags[j].End })
	return tags, nil
}

// nocgoParseFields splits the struct body on semicolons; each declaration
// must be a single scalar of a fixed-width telemetry type.
func nocgoParseFields(body string, path string, structName string) ([]gsField, error) {
	clean := nocgoCommentRegexp.ReplaceAllString(body, "")

	parsed := make([]gsField, 0)
	for _, seg := range strings.Split(clean, ";") {
		line := strings.TrimSpace(seg)
		if line == "" {
			continue
		}
		if strings.ContainsAny(line, "*[]:") {
			return nil, fmt.Errorf("unsupported field syntax in %s (%s): %q", path, structName, line)
		}
		if strings.Contains(line, "union") || strings.Contains(line, "struct") {
			return nil, fmt.Errorf("unsupported nested declaration in %s (%s): %q", path, structName, line)
		}

		tokens := strings.Fields(line)
		if len(tokens) < 2 {
			return nil, fmt.Errorf("invalid field declaration in %s (%s): %q", path, structName, line)
		}
		name := tokens[len(tokens)-1]
		if !gsIdentRegexp.MatchString(name) {
			return nil, fmt.Errorf("invalid field name in %s (%s): %q", path, structName, name)
		}

		ctype := strings.Join(tokens[:len(tokens)-1], " ")
		size, ok := syncCTypeSize(ctype)
		if !ok {
			return nil, fmt.Errorf("unsupported c type in %s (%s): %q", path, structName, ctype)
		}

		parsed = append(parsed, gsField{Name: name, CType: syncNormalizeCType(ctype), Size: size})
	}

	return parsed, nil
}

func nocgoLineAt(content string, offset int) uint32 {
	return uint32(1 + strings.Count(content[:offset], "\n"))
}
