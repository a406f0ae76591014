package generic

import (
	"fmt"
	"math"
	"slices"
	"strings"

	"github.com/aretw0/patchbay/pkg/domain"
	"github.com/aretw0/patchbay/pkg/param"
	"github.com/mitchellh/mapstructure"
)

// Config describes the ports and behaviour of a generic unit. It is decoded
// from the loose props map of a node declaration.
type Config struct {
	// Role fills in default ports when none are listed: source, sink or
	// filter.
	Role    string       `mapstructure:"role"`
	Inputs  []PortConfig `mapstructure:"inputs"`
	Outputs []PortConfig `mapstructure:"outputs"`

	// Async completes every set-format and use-buffers call later, from
	// another goroutine.
	Async bool `mapstructure:"async"`

	// Fail names errno values returned by every call of an operation.
	Fail FailConfig `mapstructure:"fail"`

	// NoSuspend rejects the suspend command, so the node pauses instead.
	NoSuspend bool `mapstructure:"no_suspend"`

	// Pattern is the first byte a producing port writes.
	Pattern uint8 `mapstructure:"pattern"`
}

// PortConfig describes one port. Format and buffer properties are keyed by
// parameter key; a scalar is a fixed value, a list an enumeration whose first
// entry is preferred and a map with min and max a range.
type PortConfig struct {
	Name     string           `mapstructure:"name"`
	Formats  []map[string]any `mapstructure:"formats"`
	Format   map[string]any   `mapstructure:"format"`
	Buffers  map[string]any   `mapstructure:"buffers"`
	CanAlloc bool             `mapstructure:"can_alloc"`
	Passive  bool             `mapstructure:"passive"`
}

// FailConfig lists errno names, such as "EINVAL", per operation.
type FailConfig struct {
	SetFormat  string `mapstructure:"set_format"`
	UseBuffers string `mapstructure:"use_buffers"`
}

// Decode builds a Config from node props.
func Decode(props map[string]any) (Config, error) {
	var cfg Config
	if len(props) == 0 {
		return cfg, nil
	}
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &cfg,
		WeaklyTypedInput: true,
		ErrorUnused:      true,
	})
	if err != nil {
		return cfg, err
	}
	if err := dec.Decode(props); err != nil {
		return cfg, fmt.Errorf("decode generic props: %w", err)
	}
	return cfg, nil
}

// DefaultFormat is the format of ports declared without one.
func DefaultFormat() map[string]any {
	return map[string]any{
		string(param.KeyMediaType):     "audio",
		string(param.KeyMediaSubtype):  "raw",
		string(param.KeyAudioFormat):   "f32",
		string(param.KeyAudioRate):     48000,
		string(param.KeyAudioChannels): 2,
	}
}

// withRole returns cfg with default ports for its role.
func (c Config) withRole() (Config, error) {
	if len(c.Inputs) > 0 || len(c.Outputs) > 0 {
		return c, nil
	}
	def := PortConfig{Formats: []map[string]any{DefaultFormat()}}
	switch c.Role {
	case "", "source":
		def.Name = "out"
		c.Outputs = []PortConfig{def}
	case "sink":
		def.Name = "in"
		c.Inputs = []PortConfig{def}
	case "filter":
		in, out := def, def
		in.Name, out.Name = "in", "out"
		c.Inputs = []PortConfig{in}
		c.Outputs = []PortConfig{out}
	default:
		return c, fmt.Errorf("unknown role %q", c.Role)
	}
	return c, nil
}

// ParseObject builds a parameter object from a property map.
func ParseObject(id param.ID, props map[string]any) (*param.Object, error) {
	if props == nil {
		return nil, nil
	}
	obj := param.New(id)
	keys := make([]string, 0, len(props))
	for k := range props {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		v, err := parseValue(props[k])
		if err != nil {
			return nil, fmt.Errorf("property %s: %w", k, err)
		}
		obj.Set(param.Key(k), v)
	}
	return obj, nil
}

func parseValue(v any) (param.Value, error) {
	switch x := v.(type) {
	case []any:
		if len(x) == 0 {
			return param.Value{}, fmt.Errorf("empty enumeration")
		}
		vals := make([]int64, len(x))
		for i, e := range x {
			n, err := scalar(e)
			if err != nil {
				return param.Value{}, err
			}
			vals[i] = n
		}
		return param.Enum(vals[0], vals[1:]...), nil
	case []int64:
		if len(x) == 0 {
			return param.Value{}, fmt.Errorf("empty enumeration")
		}
		return param.Enum(x[0], x[1:]...), nil
	case map[string]any:
		return parseRange(x)
	case map[any]any:
		m := make(map[string]any, len(x))
		for k, e := range x {
			m[fmt.Sprint(k)] = e
		}
		return parseRange(m)
	}
	n, err := scalar(v)
	if err != nil {
		return param.Value{}, err
	}
	return param.Fixed(n), nil
}

func parseRange(m map[string]any) (param.Value, error) {
	lo, hasMin := m["min"]
	hi, hasMax := m["max"]
	if !hasMin || !hasMax {
		return param.Value{}, fmt.Errorf("range needs min and max")
	}
	minV, err := scalar(lo)
	if err != nil {
		return param.Value{}, err
	}
	maxV, err := scalar(hi)
	if err != nil {
		return param.Value{}, err
	}
	def := minV
	if d, ok := m["default"]; ok {
		if def, err = scalar(d); err != nil {
			return param.Value{}, err
		}
	}
	return param.Range(def, minV, maxV), nil
}

var symbols = map[string]int64{
	"audio": param.MediaAudio,
	"video": param.MediaVideo,
	"raw":   param.SubtypeRaw,
	"dsp":   param.SubtypeDSP,
	"s16":   param.AudioS16,
	"s32":   param.AudioS32,
	"f32":   param.AudioF32,
	"f32p":  param.AudioF32P,
}

func scalar(v any) (int64, error) {
	switch x := v.(type) {
	case int:
		return int64(x), nil
	case int32:
		return int64(x), nil
	case int64:
		return x, nil
	case uint32:
		return int64(x), nil
	case uint64:
		if x > math.MaxInt64 {
			return 0, fmt.Errorf("value %d out of range", x)
		}
		return int64(x), nil
	case float64:
		if x != math.Trunc(x) {
			return 0, fmt.Errorf("value %v is not an integer", x)
		}
		return int64(x), nil
	case string:
		if n, ok := symbols[strings.ToLower(x)]; ok {
			return n, nil
		}
		return 0, fmt.Errorf("unknown symbol %q", x)
	}
	return 0, fmt.Errorf("unsupported value %v (%T)", v, v)
}

var errnos = map[string]domain.Errno{
	"EPERM":   domain.EPERM,
	"ENOENT":  domain.ENOENT,
	"EIO":     domain.EIO,
	"EAGAIN":  domain.EAGAIN,
	"ENOMEM":  domain.ENOMEM,
	"EBUSY":   domain.EBUSY,
	"EINVAL":  domain.EINVAL,
	"ENOSPC":  domain.ENOSPC,
	"EPIPE":   domain.EPIPE,
	"ENOTSUP": domain.ENOTSUP,
}

// ParseErrno maps an errno name to its value. The empty name maps to zero.
func ParseErrno(name string) (domain.Errno, error) {
	if name == "" {
		return 0, nil
	}
	e, ok := errnos[strings.ToUpper(name)]
	if !ok {
		return 0, fmt.Errorf("unknown errno %q", name)
	}
	return e, nil
}
