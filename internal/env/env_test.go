package env

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func toMap(entries []string) map[string]string {
	m := make(map[string]string, len(entries))
	for _, kv := range entries {
		if i := strings.IndexByte(kv, '='); i > 0 {
			m[kv[:i]] = kv[i+1:]
		}
	}
	return m
}

func TestMergeLayering(t *testing.T) {
	t.Setenv("STACKD_TEST_BASE", "os")

	m := toMap(Merge(
		[]string{"STACKD_TEST_BASE=global", "GLOBAL_ONLY=g"},
		[]string{"STACKD_TEST_BASE=service", "SERVICE_ONLY=s"},
	))

	assert.Equal(t, "service", m["STACKD_TEST_BASE"], "per-service entry wins")
	assert.Equal(t, "g", m["GLOBAL_ONLY"])
	assert.Equal(t, "s", m["SERVICE_ONLY"])
}

func TestMergeGlobalOverridesOS(t *testing.T) {
	t.Setenv("STACKD_TEST_OS", "from-os")

	m := toMap(Merge([]string{"STACKD_TEST_OS=from-global"}, nil))
	assert.Equal(t, "from-global", m["STACKD_TEST_OS"])
}

func TestMergeExpansion(t *testing.T) {
	t.Setenv("STACKD_TEST_HOME", "/srv/app")

	m := toMap(Merge(nil, []string{"DATA_DIR=${STACKD_TEST_HOME}/data"}))
	assert.Equal(t, "/srv/app/data", m["DATA_DIR"])
}

func TestMergeUnknownVarLeftAsIs(t *testing.T) {
	m := toMap(Merge(nil, []string{"X=${STACKD_NO_SUCH_VAR}"}))
	assert.Equal(t, "${STACKD_NO_SUCH_VAR}", m["X"])
}

func TestMergeSkipsMalformedEntries(t *testing.T) {
	m := toMap(Merge([]string{"novalue", "=empty-key", "OK=1"}, nil))
	assert.Equal(t, "1", m["OK"])
	assert.NotContains(t, m, "novalue")
	assert.NotContains(t, m, "")
}

func FuzzMergePreservesShape(f *testing.F) {
	f.Add("K=V", "A=${K}")
	f.Add("=bad", "X=")
	f.Add("K=${K}", "K=${K}")
	f.Fuzz(func(t *testing.T, global, perService string) {
		out := Merge([]string{global}, []string{perService})
		for _, kv := range out {
			i := strings.IndexByte(kv, '=')
			if i <= 0 {
				t.Fatalf("malformed entry in output: %q", kv)
			}
		}
	})
}
