// Package param models the typed parameter objects exchanged during port
// negotiation.
//
// An Object is a set of integer properties. Each property is either fixed, an
// enumeration of alternatives or a range. Filter intersects two objects
// property by property and Fixate collapses every open property to a single
// concrete value, so that two sides advertising overlapping capabilities can
// agree on one format or one set of buffer parameters.
package param

import (
	"fmt"
	"slices"
	"strings"
)

// ID identifies the kind of parameter object.
type ID uint32

const (
	IDInvalid ID = iota
	// IDEnumFormat enumerates the formats a port supports.
	IDEnumFormat
	// IDFormat is the currently configured format of a port.
	IDFormat
	// IDBuffers enumerates buffer requirements of a port.
	IDBuffers
)

func (id ID) String() string {
	switch id {
	case IDEnumFormat:
		return "EnumFormat"
	case IDFormat:
		return "Format"
	case IDBuffers:
		return "Buffers"
	}
	return fmt.Sprintf("Param(%d)", uint32(id))
}

// Key names a property inside an Object.
type Key string

const (
	KeyMediaType     Key = "media.type"
	KeyMediaSubtype  Key = "media.subtype"
	KeyAudioFormat   Key = "audio.format"
	KeyAudioRate     Key = "audio.rate"
	KeyAudioChannels Key = "audio.channels"
	KeyVideoWidth    Key = "video.width"
	KeyVideoHeight   Key = "video.height"
	KeyVideoFPS      Key = "video.fps"

	KeyBuffersCount  Key = "buffers.count"
	KeyBuffersBlocks Key = "buffers.blocks"
	KeyBuffersSize   Key = "buffers.size"
	KeyBuffersStride Key = "buffers.stride"
	KeyBuffersAlign  Key = "buffers.align"
)

// Media types and subtypes. The numeric values only need to agree between the
// two sides of a link.
const (
	MediaAudio int64 = 1
	MediaVideo int64 = 2

	SubtypeRaw int64 = 1
	SubtypeDSP int64 = 2
)

// Sample formats.
const (
	AudioS16  int64 = 1
	AudioS32  int64 = 2
	AudioF32  int64 = 3
	AudioF32P int64 = 4
)

// Object is a parameter object: an id and a set of properties.
type Object struct {
	ID    ID            `json:"id" yaml:"id" msgpack:"id"`
	Props map[Key]Value `json:"props" yaml:"props" msgpack:"props"`
}

// New creates an empty object with the given id.
func New(id ID) *Object {
	return &Object{ID: id, Props: make(map[Key]Value)}
}

// Set stores a property and returns the object for chaining.
func (o *Object) Set(k Key, v Value) *Object {
	if o.Props == nil {
		o.Props = make(map[Key]Value)
	}
	o.Props[k] = v.normalize()
	return o
}

// Get returns the property stored under k.
func (o *Object) Get(k Key) (Value, bool) {
	if o == nil {
		return Value{}, false
	}
	v, ok := o.Props[k]
	return v, ok
}

// Int returns the value of a fixed property.
func (o *Object) Int(k Key) (int64, bool) {
	v, ok := o.Get(k)
	if !ok || !v.IsFixed() {
		return 0, false
	}
	return v.Default, true
}

// IsFixed reports whether every property has exactly one value.
func (o *Object) IsFixed() bool {
	for _, v := range o.Props {
		if !v.IsFixed() {
			return false
		}
	}
	return true
}

// Copy returns a deep copy of o. A nil object copies to nil.
func (o *Object) Copy() *Object {
	if o == nil {
		return nil
	}
	c := New(o.ID)
	for k, v := range o.Props {
		c.Props[k] = v.clone()
	}
	return c
}

// Equal reports whether both objects carry the same properties. The object id
// is ignored so that a Format can be compared with an EnumFormat entry.
func (o *Object) Equal(p *Object) bool {
	if o == nil || p == nil {
		return o == p
	}
	if len(o.Props) != len(p.Props) {
		return false
	}
	for k, v := range o.Props {
		w, ok := p.Props[k]
		if !ok || !v.equal(w) {
			return false
		}
	}
	return true
}

// Keys returns the property keys in sorted order.
func (o *Object) Keys() []Key {
	keys := make([]Key, 0, len(o.Props))
	for k := range o.Props {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

func (o *Object) String() string {
	if o == nil {
		return "<nil>"
	}
	var sb strings.Builder
	sb.WriteString(o.ID.String())
	sb.WriteString("{")
	for i, k := range o.Keys() {
		if i > 0 {
			sb.WriteString(", ")
		}
		fmt.Fprintf(&sb, "%s=%s", k, o.Props[k])
	}
	sb.WriteString("}")
	return sb.String()
}

// Filter intersects o with filter. Properties present in only one of the two
// objects are carried over unchanged. It returns false when any shared
// property has an empty intersection. A nil filter accepts o as is.
func Filter(o, filter *Object) (*Object, bool) {
	if o == nil {
		return nil, false
	}
	if filter == nil {
		return o.Copy(), true
	}
	res := New(o.ID)
	for k, v := range o.Props {
		w, ok := filter.Props[k]
		if !ok {
			res.Props[k] = v.clone()
			continue
		}
		iv, ok := intersect(v, w)
		if !ok {
			return nil, false
		}
		res.Props[k] = iv
	}
	for k, w := range filter.Props {
		if _, ok := o.Props[k]; !ok {
			res.Props[k] = w.clone()
		}
	}
	return res, true
}

// Fixate resolves every open property to its default value.
func Fixate(o *Object) *Object {
	if o == nil {
		return nil
	}
	res := New(o.ID)
	for k, v := range o.Props {
		res.Props[k] = Fixed(v.fixate())
	}
	return res
}
