package contracts

import (
	"fmt"
	"strconv"
)

// Properties is an insertion-ordered map of application properties.
// Values are scalars: string, bool, integers, floats, time.Time or nil.
// The zero value is ready to use. Properties is not safe for concurrent mutation.
type Properties struct {
	keys   []string
	values map[string]interface{}
}

// NewProperties creates a property map from alternating key/value pairs in order
func NewProperties(pairs ...interface{}) *Properties {
	p := &Properties{}
	for i := 0; i+1 < len(pairs); i += 2 {
		key, ok := pairs[i].(string)
		if !ok {
			key = fmt.Sprint(pairs[i])
		}
		p.Set(key, pairs[i+1])
	}
	return p
}

// PropertiesFromMap copies a map. Go maps are unordered, so keys are taken
// in the order the map yields them.
func PropertiesFromMap(m map[string]interface{}) *Properties {
	p := &Properties{}
	for k, v := range m {
		p.Set(k, v)
	}
	return p
}

// Set stores value under key. An existing key keeps its position.
func (p *Properties) Set(key string, value interface{}) {
	if p.values == nil {
		p.values = make(map[string]interface{})
	}
	if _, exists := p.values[key]; !exists {
		p.keys = append(p.keys, key)
	}
	p.values[key] = value
}

// Get returns the value for key
func (p *Properties) Get(key string) (interface{}, bool) {
	if p == nil || p.values == nil {
		return nil, false
	}
	v, ok := p.values[key]
	return v, ok
}

// Has reports whether key is present
func (p *Properties) Has(key string) bool {
	_, ok := p.Get(key)
	return ok
}

// Delete removes key, preserving the order of the remaining keys
func (p *Properties) Delete(key string) {
	if p == nil || p.values == nil {
		return
	}
	if _, ok := p.values[key]; !ok {
		return
	}
	delete(p.values, key)
	for i, k := range p.keys {
		if k == key {
			p.keys = append(p.keys[:i], p.keys[i+1:]...)
			break
		}
	}
}

// Keys returns the keys in insertion order
func (p *Properties) Keys() []string {
	if p == nil {
		return nil
	}
	out := make([]string, len(p.keys))
	copy(out, p.keys)
	return out
}

// Len returns the number of properties
func (p *Properties) Len() int {
	if p == nil {
		return 0
	}
	return len(p.keys)
}

// Range calls fn for each property in order until fn returns false
func (p *Properties) Range(fn func(key string, value interface{}) bool) {
	if p == nil {
		return
	}
	for _, k := range p.keys {
		if !fn(k, p.values[k]) {
			return
		}
	}
}

// Clone returns an independent copy
func (p *Properties) Clone() *Properties {
	out := &Properties{}
	p.Range(func(k string, v interface{}) bool {
		out.Set(k, v)
		return true
	})
	return out
}

// ToMap returns the properties as a plain map
func (p *Properties) ToMap() map[string]interface{} {
	out := make(map[string]interface{}, p.Len())
	p.Range(func(k string, v interface{}) bool {
		out[k] = v
		return true
	})
	return out
}

// Bool reads key as a boolean. Strings "true"/"false" are accepted because
// some transports only carry string headers.
func (p *Properties) Bool(key string) bool {
	v, ok := p.Get(key)
	if !ok || v == nil {
		return false
	}
	switch b := v.(type) {
	case bool:
		return b
	case string:
		parsed, err := strconv.ParseBool(b)
		return err == nil && parsed
	}
	return false
}

// Int64 reads key as an integer
func (p *Properties) Int64(key string) (int64, bool) {
	v, ok := p.Get(key)
	if !ok || v == nil {
		return 0, false
	}
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int8:
		return int64(n), true
	case int16:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case uint8:
		return int64(n), true
	case uint16:
		return int64(n), true
	case uint32:
		return int64(n), true
	case float64:
		return int64(n), true
	case string:
		parsed, err := strconv.ParseInt(n, 10, 64)
		return parsed, err == nil
	}
	return 0, false
}

// String reads key as a string
func (p *Properties) String(key string) (string, bool) {
	v, ok := p.Get(key)
	if !ok || v == nil {
		return "", false
	}
	if s, ok := v.(string); ok {
		return s, true
	}
	return fmt.Sprint(v), true
}
