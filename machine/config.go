// Package machine is the architecture layer stand-in: a software MMU
// and a flat RAM window driven by a machine description file. It
// supplies everything the memory core demands of the arch layer: the
// boot segment list, the MMU ops and the direct map.
package machine

import (
	"github.com/BurntSushi/toml"

	"github.com/cahirwpz/mimiker-sub003/klog"
	"github.com/cahirwpz/mimiker-sub003/mem"
)

/// Segconf_t is one physical memory range of the machine description.
/// Used ranges (firmware, kernel image) contribute no free memory.
type Segconf_t struct {
	Start uint64 `toml:"start"`
	End   uint64 `toml:"end"`
	Used  bool   `toml:"used"`
}

/// Kvaconf_t is the kernel virtual address window.
type Kvaconf_t struct {
	Start uint64 `toml:"start"`
	End   uint64 `toml:"end"`
}

/// Config_t is the TOML machine description: the information a real
/// port extracts from the FDT and the linker script.
type Config_t struct {
	PageSize   int         `toml:"page_size"`
	MmapBacked bool        `toml:"mmap_backed"`
	Segments   []Segconf_t `toml:"segment"`
	Kva        Kvaconf_t   `toml:"kva"`
}

/// Load reads a machine description file.
func Load(path string) (*Config_t, error) {
	var cfg Config_t
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}
	return &cfg, cfg.check()
}

/// Parse reads a machine description from a string.
func Parse(data string) (*Config_t, error) {
	var cfg Config_t
	if _, err := toml.Decode(data, &cfg); err != nil {
		return nil, err
	}
	return &cfg, cfg.check()
}

func (cfg *Config_t) check() error {
	if cfg.PageSize != mem.PGSIZE {
		klog.Panicf(klog.KL_MACH, "page_size %d, this kernel wants %d",
			cfg.PageSize, mem.PGSIZE)
	}
	if len(cfg.Segments) == 0 {
		klog.Panicf(klog.KL_MACH, "no memory segments")
	}
	pgoff := uint64(mem.PGSIZE - 1)
	for _, s := range cfg.Segments {
		if s.Start&pgoff != 0 || s.End&pgoff != 0 || s.Start >= s.End {
			klog.Panicf(klog.KL_MACH, "bad segment %#x-%#x", s.Start, s.End)
		}
	}
	if cfg.Kva.Start&pgoff != 0 || cfg.Kva.End&pgoff != 0 ||
		cfg.Kva.Start >= cfg.Kva.End {
		klog.Panicf(klog.KL_MACH, "bad kva window %#x-%#x",
			cfg.Kva.Start, cfg.Kva.End)
	}
	return nil
}

/// Segdescs converts the configured segments for the boot allocator.
func (cfg *Config_t) Segdescs() []mem.Segdesc_t {
	var out []mem.Segdesc_t
	for _, s := range cfg.Segments {
		out = append(out, mem.Segdesc_t{
			Start: mem.Pa_t(s.Start),
			End:   mem.Pa_t(s.End),
			Used:  s.Used,
		})
	}
	return out
}
