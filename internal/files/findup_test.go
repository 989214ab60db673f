package files

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFindUp(t *testing.T) {
	root := t.TempDir()
	nested := filepath.Join(root, "a", "b", "c")
	require.NoError(t, os.MkdirAll(nested, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "a", "liverun.yaml"), []byte("{}"), 0o644))
	// a directory with the same name is not a match
	require.NoError(t, os.Mkdir(filepath.Join(root, "a", "b", "liverun.yaml"), 0o755))

	cases := []struct {
		name string
		dir  string
		exp  string
	}{
		{name: "in a parent", dir: nested, exp: filepath.Join(root, "a", "liverun.yaml")},
		{name: "in the dir itself", dir: filepath.Join(root, "a"), exp: filepath.Join(root, "a", "liverun.yaml")},
		{name: "not found", dir: root, exp: ""},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			p, err := FindUp("liverun.yaml", c.dir)
			require.NoError(t, err)
			assert.Equal(t, c.exp, p)
		})
	}
}
