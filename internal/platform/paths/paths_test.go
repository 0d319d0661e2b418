package paths

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestResolveDataRoot(t *testing.T) {
	os.Unsetenv("PARKOPS_DATA_ROOT")
	assert.Equal(t, DefaultDataRoot, ResolveDataRoot())

	os.Setenv("PARKOPS_DATA_ROOT", "/srv/parkops")
	defer os.Unsetenv("PARKOPS_DATA_ROOT")
	assert.Equal(t, "/srv/parkops", ResolveDataRoot())
	assert.Equal(t, "/srv/parkops/screenshots", ScreenshotRoot())
	assert.Equal(t, "/srv/parkops/models", ModelRoot())
}

func TestScreenshotRootOverride(t *testing.T) {
	os.Setenv("SCREENSHOT_DIR", "/mnt/captures")
	defer os.Unsetenv("SCREENSHOT_DIR")
	assert.Equal(t, "/mnt/captures", ScreenshotRoot())
}

func TestSafeJoin(t *testing.T) {
	base := "/var/lib/ts-parkops"

	cases := []struct {
		name     string
		elements []string
		valid    bool
	}{
		{"normal", []string{"screenshots", "2025-11-01", "cam.jpg"}, true},
		{"parent", []string{"..", "other"}, false},
		{"nested_parent", []string{"logs", "..", "..", "secrets"}, false},
		{"absolute", []string{"/etc/passwd"}, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res, err := SafeJoin(base, tc.elements...)
			if tc.valid {
				assert.NoError(t, err)
				assert.Contains(t, res, base)
			} else {
				if assert.Error(t, err) {
					assert.Contains(t, err.Error(), "traversal")
				}
			}
		})
	}
}

func TestEnsureDirs(t *testing.T) {
	tmpRoot := filepath.Join(os.TempDir(), "parkops_test_data")
	os.Setenv("PARKOPS_DATA_ROOT", tmpRoot)
	defer os.Unsetenv("PARKOPS_DATA_ROOT")
	defer os.RemoveAll(tmpRoot)

	err := EnsureDirs()
	assert.NoError(t, err)

	subdirs := []string{"config", "logs", "screenshots", "models", "hls", "tmp"}
	for _, sub := range subdirs {
		_, err := os.Stat(filepath.Join(tmpRoot, sub))
		assert.NoError(t, err, "subdirectory %s should exist", sub)
	}
}
