package hypervisor

import (
	"encoding/json"
	"strconv"
	"strings"
	"sync"
)

// ParameterMap is a concurrency-safe string key-value map with the accessors
// the daemon and the drivers share: typed reads with defaults and dotted
// subgroup views. Subgroups share storage with their parent, so a write
// through a subgroup is visible through the parent and vice versa.
type ParameterMap struct {
	mu     *sync.RWMutex
	values map[string]string
	prefix string
}

// NewParameterMap returns an empty ParameterMap.
func NewParameterMap() *ParameterMap {
	return &ParameterMap{
		mu:     &sync.RWMutex{},
		values: make(map[string]string),
	}
}

// ParameterMapFromJSON builds a ParameterMap from a JSON object. Scalar
// values are stringified; nested objects become dotted keys.
func ParameterMapFromJSON(data []byte) (*ParameterMap, error) {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	pm := NewParameterMap()
	flattenInto(pm.values, "", raw)
	return pm, nil
}

func flattenInto(dst map[string]string, prefix string, src map[string]any) {
	for k, v := range src {
		key := prefix + k
		switch t := v.(type) {
		case map[string]any:
			flattenInto(dst, key+".", t)
		case string:
			dst[key] = t
		case float64:
			// JSON numbers: render integers without an exponent or decimal.
			if t == float64(int64(t)) {
				dst[key] = strconv.FormatInt(int64(t), 10)
			} else {
				dst[key] = strconv.FormatFloat(t, 'f', -1, 64)
			}
		case bool:
			dst[key] = strconv.FormatBool(t)
		case nil:
			dst[key] = ""
		default:
			b, _ := json.Marshal(t)
			dst[key] = string(b)
		}
	}
}

// Contains reports whether the key is present.
func (p *ParameterMap) Contains(key string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.values[p.prefix+key]
	return ok
}

// Get returns the value for key, or def when absent.
func (p *ParameterMap) Get(key, def string) string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if v, ok := p.values[p.prefix+key]; ok {
		return v
	}
	return def
}

// Set stores a value.
func (p *ParameterMap) Set(key, value string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.values[p.prefix+key] = value
}

// Erase removes a key if present.
func (p *ParameterMap) Erase(key string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.values, p.prefix+key)
}

// GetNum returns the value for key parsed as an integer, or def when absent
// or unparsable.
func (p *ParameterMap) GetNum(key string, def int) int {
	v := p.Get(key, "")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return def
	}
	return n
}

// Subgroup returns a view over keys below the given dotted prefix. The view
// shares storage with the receiver.
func (p *ParameterMap) Subgroup(name string) *ParameterMap {
	return &ParameterMap{
		mu:     p.mu,
		values: p.values,
		prefix: p.prefix + name + ".",
	}
}

// Snapshot returns a copy of all keys visible through this map (prefix
// stripped for subgroups).
func (p *ParameterMap) Snapshot() map[string]string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make(map[string]string)
	for k, v := range p.values {
		if p.prefix == "" {
			out[k] = v
		} else if strings.HasPrefix(k, p.prefix) {
			out[strings.TrimPrefix(k, p.prefix)] = v
		}
	}
	return out
}
