package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	toml "github.com/pelletier/go-toml/v2"

	"groundlink/pkg/protocol"
)

const DefaultConfigPath = "groundlink.toml"

type GroundlinkConfig struct {
	Project    ProjectConfig  `toml:"project"`
	GLD        GLDConfig      `toml:"gld"`
	Subpackets []SubpacketDef `toml:"subpackets"`
	configPath string         `toml:"-"`
	scanRoot   string         `toml:"-"`
}

// ProjectConfig points at the firmware source tree scanned for @gs:
// annotations.
type ProjectConfig struct {
	Name       string   `toml:"name"`
	ScanRoot   string   `toml:"scan_root"`
	Recursive  bool     `toml:"recursive"`
	Extensions []string `toml:"extensions"`
	IgnoreDirs []string `toml:"ignore_dirs"`
}

type GLDConfig struct {
	Firmware FirmwareConfig `toml:"firmware"`
	Stream   StreamConfig   `toml:"stream"`
	Buf      int            `toml:"buf"`
}

// FirmwareConfig locates the simulated flight firmware executable. There
// is no discovery: the path is taken as configured.
type FirmwareConfig struct {
	Name       string `toml:"name"`
	Executable string `toml:"executable"`
	Dir        string `toml:"dir,omitempty"`
	History    int    `toml:"history"`
}

type StreamConfig struct {
	WSAddr string `toml:"ws_addr"`
	Path   string `toml:"path"`
}

// SubpacketDef is one dynamically registered downlink subpacket layout,
// either hand-written or synced from annotated firmware structs.
type SubpacketDef struct {
	ID         uint16     `toml:"id"`
	StructName string     `toml:"struct_name"`
	Type       string     `toml:"type"`
	Packed     bool       `toml:"packed"`
	ByteSize   int        `toml:"byte_size"`
	Source     string     `toml:"source,omitempty"`
	Fields     []FieldDef `toml:"fields"`
}

type FieldDef struct {
	Name   string `toml:"name"`
	CType  string `toml:"c_type"`
	Offset int    `toml:"offset"`
	Size   int    `toml:"size"`
}

func Default() GroundlinkConfig {
	return GroundlinkConfig{
		Project: ProjectConfig{
			Name:       "tantalus",
			ScanRoot:   ".",
			Recursive:  true,
			Extensions: []string{".h", ".c"},
			IgnoreDirs: []string{"Drivers", ".git", "build"},
		},
		GLD: GLDConfig{
			Firmware: FirmwareConfig{
				Name:       "TantalusStage1",
				Executable: "firmware/build/program",
				History:    500,
			},
			Stream: StreamConfig{
				WSAddr: "127.0.0.1:8765",
				Path:   "/telemetry",
			},
			Buf: 256,
		},
		Subpackets: []SubpacketDef{},
	}
}

func Load(path string) (GroundlinkConfig, error) {
	cfg, exists, err := LoadOrDefault(path)
	if err != nil {
		return GroundlinkConfig{}, err
	}
	if !exists {
		return GroundlinkConfig{}, os.ErrNotExist
	}
	return cfg, nil
}

func LoadOrDefault(path string) (GroundlinkConfig, bool, error) {
	cfg := Default()
	cfg.configPath = path

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.normalize(path)
			return cfg, false, nil
		}
		return GroundlinkConfig{}, false, fmt.Errorf("read config: %w", err)
	}

	if err := toml.Unmarshal(data, &cfg); err != nil {
		return GroundlinkConfig{}, true, fmt.Errorf("parse config: %w", err)
	}
	cfg.configPath = path
	cfg.normalize(path)

	if err := cfg.Validate(); err != nil {
		return GroundlinkConfig{}, true, err
	}
	return cfg, true, nil
}

func (cfg *GroundlinkConfig) Save(path string) error {
	cfg.normalize(path)
	if err := cfg.Validate(); err != nil {
		return err
	}

	sort.Slice(cfg.Subpackets, func(i, j int) bool {
		return cfg.Subpackets[i].ID < cfg.Subpackets[j].ID
	})

	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	dir := filepath.Dir(path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

func (cfg *GroundlinkConfig) ConfigPath() string {
	return cfg.configPath
}

func (cfg *GroundlinkConfig) ScanRootPath() string {
	return cfg.scanRoot
}

// RegisterSubpackets feeds every [[subpackets]] definition into the
// decoder's dynamic registry.
func (cfg *GroundlinkConfig) RegisterSubpackets() error {
	for _, def := range cfg.Subpackets {
		fields := make([]protocol.DynamicFieldDef, 0, len(def.Fields))
		for _, f := range def.Fields {
			fields = append(fields, protocol.DynamicFieldDef{
				Name:   f.Name,
				CType:  f.CType,
				Offset: f.Offset,
				Size:   f.Size,
			})
		}
		err := protocol.RegisterDynamic(uint8(def.ID), protocol.DynamicPacketDef{
			ID:         uint8(def.ID),
			StructName: def.StructName,
			Packed:     def.Packed,
			ByteSize:   def.ByteSize,
			Fields:     fields,
		})
		if err != nil {
			return fmt.Errorf("register subpacket 0x%02x: %w", def.ID, err)
		}
	}
	return nil
}

func (cfg *GroundlinkConfig) Validate() error {
	seen := make(map[uint16]struct{}, len(cfg.Subpackets))
	for _, pkt := range cfg.Subpackets {
		if pkt.ID > 0xFF {
			return fmt.Errorf("subpacket id out of range: 0x%x", pkt.ID)
		}
		id := uint8(pkt.ID)
		if id == protocol.IDMessage || id == protocol.IDEvent || id == protocol.IDConfig || protocol.IsSingleSensorID(id) {
			return fmt.Errorf("subpacket id 0x%02x collides with a reserved id", id)
		}
		if _, ok := seen[pkt.ID]; ok {
			return fmt.Errorf("duplicate subpacket id: 0x%02x", pkt.ID)
		}
		seen[pkt.ID] = struct{}{}
		if pkt.StructName == "" {
			return fmt.Errorf("subpacket 0x%02x has empty struct_name", pkt.ID)
		}
		if pkt.ByteSize < 0 {
			return fmt.Errorf("subpacket 0x%02x has invalid byte_size", pkt.ID)
		}
		for _, field := range pkt.Fields {
			if field.Name == "" {
				return fmt.Errorf("subpacket 0x%02x has field with empty name", pkt.ID)
			}
			if field.Size <= 0 {
				return fmt.Errorf("subpacket 0x%02x field %s has invalid size", pkt.ID, field.Name)
			}
			if field.Offset < 0 {
				return fmt.Errorf("subpacket 0x%02x field %s has invalid offset", pkt.ID, field.Name)
			}
		}
	}
	return nil
}

func (cfg *GroundlinkConfig) normalize(path string) {
	def := Default()

	if cfg.Project.Name == "" {
		cfg.Project.Name = def.Project.Name
	}
	if cfg.Project.ScanRoot == "" {
		cfg.Project.ScanRoot = def.Project.ScanRoot
	}
	if len(cfg.Project.Extensions) == 0 {
		cfg.Project.Extensions = append([]string(nil), def.Project.Extensions...)
	}
	if len(cfg.Project.IgnoreDirs) == 0 {
		cfg.Project.IgnoreDirs = append([]string(nil), def.Project.IgnoreDirs...)
	}

	if cfg.GLD.Firmware.Name == "" {
		cfg.GLD.Firmware.Name = def.GLD.Firmware.Name
	}
	if cfg.GLD.Firmware.Executable == "" {
		cfg.GLD.Firmware.Executable = def.GLD.Firmware.Executable
	}
	if cfg.GLD.Firmware.History <= 0 {
		cfg.GLD.Firmware.History = def.GLD.Firmware.History
	}
	if cfg.GLD.Stream.WSAddr == "" {
		cfg.GLD.Stream.WSAddr = def.GLD.Stream.WSAddr
	}
	if cfg.GLD.Stream.Path == "" {
		cfg.GLD.Stream.Path = def.GLD.Stream.Path
	}
	if cfg.GLD.Buf <= 0 {
		cfg.GLD.Buf = def.GLD.Buf
	}

	if path == "" {
		path = cfg.configPath
	}
	if path == "" {
		path = DefaultConfigPath
	}

	cfg.configPath = path
	baseDir := filepath.Dir(path)
	if baseDir == "" {
		baseDir = "."
	}

	scanRoot := cfg.Project.ScanRoot
	if !filepath.IsAbs(scanRoot) {
		scanRoot = filepath.Join(baseDir, scanRoot)
	}
	scanRoot = filepath.Clean(scanRoot)
	if abs, err := filepath.Abs(scanRoot); err == nil {
		scanRoot = abs
	}
	cfg.scanRoot = scanRoot

	for i := range cfg.Project.Extensions {
		ext := strings.TrimSpace(cfg.Project.Extensions[i])
		if ext == "" {
			continue
		}
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		cfg.Project.Extensions[i] = strings.ToLower(ext)
	}
}
