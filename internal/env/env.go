package env

import (
	"os"
	"sort"
	"strings"
)

type Var map[string]string

// Env composes child process environments: the OS environment, then
// configured variables, then per-launch overrides, then secrets.
type Env struct {
	Var     Var // configured variables (K->V)
	env     Var // cached base from OS environment
	secrets Var // never expanded and applied last
}

func New() *Env {
	return &Env{Var: make(Var)}
}

// FromOS caches the current process environment as the base.
func (e *Env) FromOS() {
	e.env = parse(os.Environ())
}

// FromList replaces the base with kvs instead of the OS environment.
func (e *Env) FromList(kvs []string) {
	e.env = parse(kvs)
}

// Set sets a configured variable K=V.
func (e *Env) Set(k, v string) {
	if e.Var == nil {
		e.Var = make(Var)
	}
	e.Var[k] = v
}

// Unset removes a configured variable.
func (e *Env) Unset(k string) {
	if e.Var != nil {
		delete(e.Var, k)
	}
}

// SetSecret registers a value injected verbatim after expansion, so ${...}
// sequences in it are never interpreted and no other value can reference it.
func (e *Env) SetSecret(k, v string) {
	if e.secrets == nil {
		e.secrets = make(Var)
	}
	e.secrets[k] = v
}

// Merge composes the final environment list applying order:
// base = OS env (or cached), then e.Var, then perProc ("K=V") overrides,
// with ${VAR} expansion over the composed map (no recursion), then secrets.
// The result is sorted by key.
func (e *Env) Merge(perProc []string) []string {
	if e.env == nil {
		e.FromOS()
	}
	m := make(Var, len(e.env)+len(e.Var)+len(perProc))
	for k, v := range e.env {
		m[k] = v
	}
	for k, v := range e.Var {
		if k == "" {
			continue
		}
		m[k] = v
	}
	for k, v := range parse(perProc) {
		m[k] = v
	}
	for k := range e.secrets {
		delete(m, k)
	}
	expanded := make(Var, len(m)+len(e.secrets))
	for k, v := range m {
		expanded[k] = expand(v, m)
	}
	for k, v := range e.secrets {
		expanded[k] = v
	}
	keys := make([]string, 0, len(expanded))
	for k := range expanded {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+expanded[k])
	}
	return out
}

func parse(kvs []string) Var {
	m := make(Var, len(kvs))
	for _, kv := range kvs {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" { // skip malformed entries with empty key
			continue
		}
		m[k] = v
	}
	return m
}

// expand replaces ${VAR} references found in m; anything else is left as is.
func expand(s string, m Var) string {
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
		if v, ok := m[name]; ok {
			b.WriteString(v)
		} else {
			b.WriteString(s[i : i+3+j])
		}
		s = s[i+3+j:]
	}
	b.WriteString(s)
	return b.String()
}
