package config

import (
	"fmt"
	"regexp"
	"strconv"

	"groundlink/pkg/protocol"
)

// Firmware structs join the downlink by carrying a @gs tag in the comment
// directly above the typedef:
//
//	// @gs:id=0x90, type=plot
//	typedef struct { ... } AltSample;
//
// The id must stay clear of the fixed subpacket kinds and the
// single-sensor range; those are decoded without a definition.
var (
	gsTagRegexp   = regexp.MustCompile(`@gs:id=(0x[0-9A-Fa-f]+)\s*,\s*type=([A-Za-z_][A-Za-z0-9_]*)`)
	gsIdentRegexp = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
)

type gsTag struct {
	ID      uint8
	PktType string
	// End is the byte offset just past the tag in the scanned file, used
	// to pair the tag with the next typedef struct.
	End int
}

// parseGSComment extracts the tag from one comment block. A comment with
// no tag is not an error; a comment with two is.
func parseGSComment(comment string, commentStart int, path string, line uint32) (gsTag, bool, error) {
	matches := gsTagRegexp.FindAllStringSubmatchIndex(comment, -1)
	if len(matches) == 0 {
		return gsTag{}, false, nil
	}
	if len(matches) > 1 {
		return gsTag{}, false, fmt.Errorf("multiple @gs tags in one comment block at %s:%d", path, line)
	}

	m := matches[0]
	idStr := comment[m[2]:m[3]]
	id64, err := strconv.ParseUint(idStr, 0, 16)
	if err != nil || id64 > 0xFF {
		return gsTag{}, false, fmt.Errorf("subpacket id %s out of range at %s:%d", idStr, path, line)
	}
	id := uint8(id64)
	if id == protocol.IDMessage || id == protocol.IDEvent || id == protocol.IDConfig {
		return gsTag{}, false, fmt.Errorf("subpacket id 0x%02x is a fixed downlink kind at %s:%d", id, path, line)
	}
	if protocol.IsSingleSensorID(id) {
		return gsTag{}, false, fmt.Errorf("subpacket id 0x%02x is inside the single-sensor range at %s:%d", id, path, line)
	}

	return gsTag{
		ID:      id,
		PktType: comment[m[4]:m[5]],
		End:     commentStart + m[1],
	}, true, nil
}

type gsField struct {
	Name  string
	CType string
	Size  int
}

// gsLayoutFields assigns offsets the way the firmware compiler would:
// natural alignment with tail padding, or byte packing when the struct
// carries __attribute__((packed)).
func gsLayoutFields(parsed []gsField, packed bool, path string, structName string) ([]FieldDef, int, error) {
	if len(parsed) == 0 {
		return nil, 0, fmt.Errorf("struct %s in %s has no supported fields", structName, path)
	}

	fields := make([]FieldDef, 0, len(parsed))
	offset := 0
	maxAlign := 1
	for _, f := range parsed {
		if !packed {
			if f.Size > maxAlign {
				maxAlign = f.Size
			}
			offset = syncAlignUp(offset, f.Size)
		}
		fields = append(fields, FieldDef{Name: f.Name, CType: f.CType, Offset: offset, Size: f.Size})
		offset += f.Size
	}

	total := offset
	if !packed {
		total = syncAlignUp(total, maxAlign)
	}
	return fields, total, nil
}

// gsPairTagsWithStructs matches every tag to the first unclaimed typedef
// struct that starts after it.
func gsPairTagsWithStructs(tags []gsTag, structStarts []int, path string) (map[int]int, error) {
	claimed := make(map[int]struct{}, len(tags))
	pairs := make(map[int]int, len(tags))
	for ti, tag := range tags {
		matched := -1
		for si, start := range structStarts {
			if start < tag.End {
				continue
			}
			if _, used := claimed[si]; used {
				continue
			}
			matched = si
			break
		}
		if matched < 0 {
			return nil, fmt.Errorf("@gs tag id=0x%02x in %s has no following typedef struct", tag.ID, path)
		}
		claimed[matched] = struct{}{}
		pairs[ti] = matched
	}
	return pairs, nil
}
