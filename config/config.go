// Package config implements the buffer pool's configuration registry
// (spec.md §4.4, §6): named parameters with a default, optional bounds, and
// a kind (int, bool or byte size). Every value is read at most once per
// process — the first Get caches it — and Reset forces the next Get to
// re-read from the backing ini.File, following the teacher's
// server/conf.Cfg pattern of loading via gopkg.in/ini.v1 but generalized
// into data-driven parameter descriptors instead of one struct field (and
// one hand-written parser) per setting.
package config

import (
	"fmt"
	"strconv"
	"strings"
	"sync"

	"gopkg.in/ini.v1"

	"github.com/kazedb/bufferengine/logger"
)

// Kind is the value type of a parameter.
type Kind uint8

const (
	KindInt Kind = iota
	KindBool
	KindSize
)

// Param describes one named, bounded configuration value.
type Param struct {
	Name    string
	Kind    Kind
	Default int64 // bool: 0/1
	HasMin  bool
	Min     int64
	HasMax  bool
	Max     int64
}

func (p Param) clamp(v int64) int64 {
	if p.HasMin && v < p.Min {
		return p.Min
	}
	if p.HasMax && v > p.Max {
		return p.Max
	}
	return v
}

// Section is the ini section all Buffer_ parameters are read from.
const Section = "buffer"

// The recognized parameters, spec.md §6, registered in the dependency
// order get() must prepare them in: NormalPoolSize first. The table sizes
// below have fixed defaults and are not derived from it.
var registryOrder = []Param{
	{Name: "NormalPoolSize", Kind: KindSize, Default: 1 << 30},
	{Name: "TemporaryPoolSize", Kind: KindSize, Default: 64 << 20},
	{Name: "ReadOnlyPoolSize", Kind: KindSize, Default: 64 << 20},
	{Name: "LogicalLogPoolSize", Kind: KindSize, Default: 5 << 20},
	{Name: "FileTableSize", Kind: KindInt, Default: 1031, HasMin: true, Min: 1},
	{Name: "FilePermission", Kind: KindInt, Default: 0600},
	{Name: "PageTableSize", Kind: KindInt, Default: 8192, HasMin: true, Min: 1},
	{Name: "PageSizeMax", Kind: KindSize, Default: 64 << 10, HasMin: true, Min: 4096},
	{Name: "DirtyPageFlusherPeriod", Kind: KindInt, Default: 5000, HasMin: true, Min: 0},
	{Name: "FlushPageCoefficient", Kind: KindInt, Default: 95, HasMin: true, Min: 0, HasMax: true, Max: 100},
	{Name: "FreePageCountMax", Kind: KindInt, Default: 100, HasMin: true, Min: 0},
	{Name: "KeepingUsedMemoryTimeMax", Kind: KindInt, Default: 36000000, HasMin: true, Min: 0},
	{Name: "OpenFileCountMax", Kind: KindInt, Default: 0, HasMin: true, Min: 0}, // 0 => resolved at runtime
	{Name: "CalculateCheckSum", Kind: KindInt, Default: 1, HasMin: true, Min: 0, HasMax: true, Max: 2}, // 0 None,1 Specified,2 All
	{Name: "DelayTemporaryCreation", Kind: KindBool, Default: 1},
	{Name: "RetryAllocationCountMax", Kind: KindInt, Default: 3, HasMin: true, Min: 0},
	{Name: "FlushingBodyCountMax", Kind: KindInt, Default: 8000, HasMin: true, Min: 1},
	{Name: "SkipDirtyCandidateCountMax", Kind: KindInt, Default: 500, HasMin: true, Min: 0},
	{Name: "ReadAheadBlockSize", Kind: KindSize, Default: 64 << 10, HasMin: true, Min: 4096, HasMax: true, Max: 512 << 10},
	{Name: "StatisticsReporterPeriod", Kind: KindInt, Default: 0, HasMin: true, Min: 0},
	{Name: "ReplacementPolicy", Kind: KindInt, Default: 0, HasMin: true, Min: 0, HasMax: true, Max: 1}, // 0 LRU, 1 ARC
	{Name: "Reserved", Kind: KindInt, Default: 100, HasMin: true, Min: 0},
}

// Registry caches every parameter's resolved value after first use.
type Registry struct {
	mu     sync.Mutex
	params map[string]Param
	order  []string
	raw    *ini.File
	cache  map[string]int64
}

// NewRegistry builds a registry holding only the built-in defaults; Load
// may be called afterward to layer an ini file on top.
func NewRegistry() *Registry {
	r := &Registry{
		params: make(map[string]Param, len(registryOrder)),
		order:  make([]string, 0, len(registryOrder)),
		raw:    ini.Empty(),
		cache:  make(map[string]int64),
	}
	for _, p := range registryOrder {
		r.params[p.Name] = p
		r.order = append(r.order, p.Name)
	}
	return r
}

// Load reads path (an ini file) and layers its [buffer] section over the
// built-in defaults. A missing file is not an error: the registry simply
// keeps its defaults, matching DoqueDB-style optional tuning files.
func (r *Registry) Load(path string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	f, err := ini.LooseLoad(path)
	if err != nil {
		return fmt.Errorf("config: load %s: %w", path, err)
	}
	r.raw = f
	r.cache = make(map[string]int64)
	return nil
}

// Reset drops every cached value, forcing the next Get to re-read from the
// backing ini.File (spec.md §4.4 "reset on explicit request").
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache = make(map[string]int64)
}

// Prepare resolves every parameter once, in registration (dependency)
// order, logging the effective value at debug level the way the teacher
// logs startup configuration.
func (r *Registry) Prepare() {
	for _, name := range r.order {
		v, _ := r.get(name)
		logger.Debugf("config: %s = %d", name, v)
	}
}

func (r *Registry) get(name string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if v, ok := r.cache[name]; ok {
		return v, nil
	}
	p, ok := r.params[name]
	if !ok {
		return 0, fmt.Errorf("config: unknown parameter Buffer_%s", name)
	}

	v := p.Default
	if sec, err := r.raw.GetSection(Section); err == nil {
		if key, err := sec.GetKey(name); err == nil {
			raw := key.Value()
			parsed, perr := parseValue(p.Kind, raw)
			if perr != nil {
				logger.Warnf("config: Buffer_%s=%q invalid, using default: %v", name, raw, perr)
			} else {
				v = parsed
			}
		}
	}
	v = p.clamp(v)
	r.cache[name] = v
	return v, nil
}

// Int returns an integer-kinded parameter's cached value.
func (r *Registry) Int(name string) int64 {
	v, err := r.get(name)
	if err != nil {
		logger.Errorf("config: %v", err)
	}
	return v
}

// Bool returns a bool-kinded parameter's cached value.
func (r *Registry) Bool(name string) bool {
	return r.Int(name) != 0
}

// Size returns a size-kinded parameter's cached value, in bytes.
func (r *Registry) Size(name string) int64 {
	return r.Int(name)
}

// parseValue parses raw per kind: plain integers, "true"/"false" for bool,
// and K/M/G/T-suffixed sizes (spec.md §6) for KindSize.
func parseValue(kind Kind, raw string) (int64, error) {
	raw = strings.TrimSpace(raw)
	switch kind {
	case KindBool:
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return 0, err
		}
		if b {
			return 1, nil
		}
		return 0, nil
	case KindSize:
		return parseSize(raw)
	default:
		return strconv.ParseInt(raw, 10, 64)
	}
}

var sizeSuffix = map[byte]int64{
	'K': 1 << 10, 'k': 1 << 10,
	'M': 1 << 20, 'm': 1 << 20,
	'G': 1 << 30, 'g': 1 << 30,
	'T': 1 << 40, 't': 1 << 40,
}

// parseSize parses a size value with optional K/M/G/T suffix, e.g. "64K",
// "1G", "8192".
func parseSize(raw string) (int64, error) {
	if raw == "" {
		return 0, fmt.Errorf("empty size value")
	}
	last := raw[len(raw)-1]
	if mult, ok := sizeSuffix[last]; ok {
		n, err := strconv.ParseInt(strings.TrimSpace(raw[:len(raw)-1]), 10, 64)
		if err != nil {
			return 0, err
		}
		return n * mult, nil
	}
	return strconv.ParseInt(raw, 10, 64)
}
