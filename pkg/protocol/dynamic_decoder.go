package protocol

import (
	"fmt"
	"io"
	"math"
	"strings"
	"sync"
)

type DynamicFieldDef struct {
	Name   string
	CType  string
	Offset int
	Size   int
}

type DynamicPacketDef struct {
	ID         uint8
	StructName string
	Packed     bool
	ByteSize   int
	Fields     []DynamicFieldDef
}

var (
	dynamicRegistryMu sync.RWMutex
	dynamicRegistry   = map[uint8]DynamicPacketDef{}
)

func ClearDynamicRegistry() {
	dynamicRegistryMu.Lock()
	dynamicRegistry = map[uint8]DynamicPacketDef{}
	dynamicRegistryMu.Unlock()
}

func RegisterDynamic(id uint8, def DynamicPacketDef) error {
	if def.ByteSize <= 0 {
		return fmt.Errorf("invalid byte size: %d", def.ByteSize)
	}
	if len(def.Fields) == 0 {
		return fmt.Errorf("dynamic subpacket requires at least one field")
	}
	if id == IDMessage || id == IDEvent || id == IDConfig || IsSingleSensorID(id) {
		return fmt.Errorf("id 0x%02x is reserved", id)
	}

	normalized := DynamicPacketDef{
		ID:         id,
		StructName: def.StructName,
		Packed:     def.Packed,
		ByteSize:   def.ByteSize,
		Fields:     make([]DynamicFieldDef, 0, len(def.Fields)),
	}

	for _, field := range def.Fields {
		ctype := normalizeDynamicType(field.CType)
		size, ok := dynamicTypeSize(ctype)
		if !ok {
			return fmt.Errorf("unsupported c type %q", field.CType)
		}
		if field.Size != size {
			return fmt.Errorf("field %s size mismatch: got %d want %d", field.Name, field.Size, size)
		}
		if field.Offset < 0 {
			return fmt.Errorf("field %s has invalid offset %d", field.Name, field.Offset)
		}
		if field.Offset+field.Size > def.ByteSize {
			return fmt.Errorf("field %s exceeds subpacket size", field.Name)
		}
		normalized.Fields = append(normalized.Fields, DynamicFieldDef{
			Name:   field.Name,
			CType:  ctype,
			Offset: field.Offset,
			Size:   field.Size,
		})
	}

	dynamicRegistryMu.Lock()
	dynamicRegistry[id] = normalized
	dynamicRegistryMu.Unlock()
	return nil
}

func lookupDynamic(id uint8) (DynamicPacketDef, bool) {
	dynamicRegistryMu.RLock()
	def, ok := dynamicRegistry[id]
	dynamicRegistryMu.RUnlock()
	return def, ok
}

func parseDynamic(r io.Reader, def DynamicPacketDef, e Endianness) (map[string]any, error) {
	payload := make([]byte, def.ByteSize)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("read dynamic payload for id 0x%02x: %w", def.ID, err)
	}

	out := make(map[string]any, len(def.Fields))
	for _, field := range def.Fields {
		start := field.Offset
		end := start + field.Size
		value, err := decodeDynamicValue(field.CType, payload[start:end], e)
		if err != nil {
			return nil, fmt.Errorf("decode field %s for id 0x%02x: %w", field.Name, def.ID, err)
		}
		out[field.Name] = value
	}

	return out, nil
}

func decodeDynamicValue(ctype string, data []byte, e Endianness) (any, error) {
	ints := e.IntOrder()
	floats := e.FloatOrder()
	switch ctype {
	case "float":
		return math.Float32frombits(floats.Uint32(data)), nil
	case "double":
		return math.Float64frombits(floats.Uint64(data)), nil
	case "int8_t":
		return int8(data[0]), nil
	case "uint8_t":
		return uint8(data[0]), nil
	case "int16_t":
		return int16(ints.Uint16(data)), nil
	case "uint16_t":
		return ints.Uint16(data), nil
	case "int32_t":
		return int32(ints.Uint32(data)), nil
	case "uint32_t":
		return ints.Uint32(data), nil
	case "int64_t":
		return int64(ints.Uint64(data)), nil
	case "uint64_t":
		return ints.Uint64(data), nil
	case "bool", "_bool":
		return data[0] != 0, nil
	default:
		return nil, fmt.Errorf("unsupported c type %q", ctype)
	}
}

func dynamicTypeSize(ctype string) (int, bool) {
	switch ctype {
	case "float":
		return 4, true
	case "double":
		return 8, true
	case "int8_t", "uint8_t", "bool", "_bool":
		return 1, true
	case "int16_t", "uint16_t":
		return 2, true
	case "int32_t", "uint32_t":
		return 4, true
	case "int64_t", "uint64_t":
		return 8, true
	default:
		return 0, false
	}
}

func normalizeDynamicType(raw string) string {
	s := strings.ToLower(strings.TrimSpace(raw))
	s = strings.ReplaceAll(s, "\t", " ")
	for strings.Contains(s, "  ") {
		s = strings.ReplaceAll(s, "  ", " ")
	}
	s = strings.TrimPrefix(s, "const ")
	s = strings.TrimPrefix(s, "volatile ")
	return strings.TrimSpace(s)
}
