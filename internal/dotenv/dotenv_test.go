package dotenv

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	content := `
# comment
CONSOLE_TEST_PLAIN=value
export CONSOLE_TEST_EXPORTED=exported
CONSOLE_TEST_QUOTED="quoted value"
CONSOLE_TEST_SINGLE='single'
CONSOLE_TEST_EXISTING=from-file
not a pair
=novalue
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	t.Setenv("CONSOLE_TEST_EXISTING", "from-env")
	for _, key := range []string{"CONSOLE_TEST_PLAIN", "CONSOLE_TEST_EXPORTED", "CONSOLE_TEST_QUOTED", "CONSOLE_TEST_SINGLE"} {
		t.Setenv(key, "")
		os.Unsetenv(key)
	}

	if err := Load(path); err != nil {
		t.Fatalf("load: %v", err)
	}

	want := map[string]string{
		"CONSOLE_TEST_PLAIN":    "value",
		"CONSOLE_TEST_EXPORTED": "exported",
		"CONSOLE_TEST_QUOTED":   "quoted value",
		"CONSOLE_TEST_SINGLE":   "single",
		"CONSOLE_TEST_EXISTING": "from-env",
	}
	for key, w := range want {
		if got := os.Getenv(key); got != w {
			t.Fatalf("%s = %q, want %q", key, got, w)
		}
	}
}

func TestLoad_MissingFileIsFine(t *testing.T) {
	if err := Load(filepath.Join(t.TempDir(), "absent.env")); err != nil {
		t.Fatalf("load: %v", err)
	}
}
