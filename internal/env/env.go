// Package env composes the environment handed to spawned children.
package env

import (
	"path/filepath"
	"sort"
	"strings"

	"github.com/joho/godotenv"
)

// Layered is an ordered KEY=VALUE set: later assignments win, but a key keeps
// the position of its first assignment.
type Layered struct {
	vals  map[string]string
	order []string
}

func New() *Layered {
	return &Layered{vals: make(map[string]string)}
}

// Set assigns k. Empty keys are ignored.
func (l *Layered) Set(k, v string) {
	if k == "" {
		return
	}
	if _, ok := l.vals[k]; !ok {
		l.order = append(l.order, k)
	}
	l.vals[k] = v
}

// Get returns the current value of k.
func (l *Layered) Get(k string) (string, bool) {
	v, ok := l.vals[k]
	return v, ok
}

// Apply sets every "K=V" pair; entries without '=' or with an empty key are skipped.
func (l *Layered) Apply(pairs []string) *Layered {
	for _, kv := range pairs {
		if i := strings.IndexByte(kv, '='); i > 0 {
			l.Set(kv[:i], kv[i+1:])
		}
	}
	return l
}

// Pairs returns the set as KEY=VALUE strings in insertion order.
func (l *Layered) Pairs() []string {
	out := make([]string, 0, len(l.order))
	for _, k := range l.order {
		out = append(out, k+"="+l.vals[k])
	}
	return out
}

// Merge layers overrides on top of base. ${VAR} references inside override
// values are expanded against everything assigned before them; unknown
// references are left untouched.
func Merge(base []string, overrides ...[]string) []string {
	l := New().Apply(base)
	for _, layer := range overrides {
		for _, kv := range layer {
			if i := strings.IndexByte(kv, '='); i > 0 {
				l.Set(kv[:i], expand(kv[i+1:], l))
			}
		}
	}
	return l.Pairs()
}

func expand(s string, l *Layered) string {
	if !strings.Contains(s, "${") {
		return s
	}
	var b strings.Builder
	for {
		i := strings.Index(s, "${")
		if i < 0 {
			break
		}
		j := strings.IndexByte(s[i+2:], '}')
		if j < 0 {
			break
		}
		name := s[i+2 : i+2+j]
		b.WriteString(s[:i])
		if v, ok := l.Get(name); ok {
			b.WriteString(v)
		} else {
			b.WriteString(s[i : i+3+j])
		}
		s = s[i+3+j:]
	}
	b.WriteString(s)
	return b.String()
}

// LoadFile parses a dotenv file. Keys come back sorted since dotenv files
// carry no ordering guarantee; ${VAR} references in the file resolve against
// earlier keys and then the process environment.
func LoadFile(path string) ([]string, error) {
	m, err := godotenv.Read(filepath.Clean(path))
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+m[k])
	}
	return out, nil
}
