package env

import (
	"os"
	"strings"
)

// Merge composes the environment for a spawned service. Layering order:
// OS environment, then global entries from the config file, then the
// service's own entries. All entries are "K=V"; later layers override
// earlier ones. ${VAR} references are expanded against the composed map
// (single pass, no recursion).
func Merge(global, perService []string) []string {
	m := make(map[string]string)
	for _, kv := range os.Environ() {
		put(m, kv)
	}
	for _, kv := range global {
		put(m, kv)
	}
	for _, kv := range perService {
		put(m, kv)
	}

	out := make([]string, 0, len(m))
	for k, v := range m {
		out = append(out, k+"="+expand(v, m))
	}
	return out
}

// put parses "K=V" into the map, skipping malformed entries and empty keys.
func put(m map[string]string, kv string) {
	i := strings.IndexByte(kv, '=')
	if i <= 0 {
		return
	}
	m[kv[:i]] = kv[i+1:]
}

func expand(s string, m map[string]string) string {
	if !strings.Contains(s, "${") {
		return s
	}
	for k, v := range m {
		s = strings.ReplaceAll(s, "${"+k+"}", v)
	}
	return s
}
