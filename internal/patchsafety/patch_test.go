package patchsafety

import (
	"os"
	"path/filepath"
	"testing"
)

const samplePatch = `diff --git a/src/a.py b/src/a.py
index e69de29..0519ecb 100644
--- a/src/a.py
+++ b/src/a.py
@@ -1 +1 @@
-x=1
+x=2
`

const newFilePatch = `diff --git a/src/new.py b/src/new.py
new file mode 100644
index 0000000..e69de29
--- /dev/null
+++ b/src/new.py
@@ -0,0 +1,2 @@
+x=1
+y=2
`

const binaryPatch = `diff --git a/img.png b/img.png
index e69de29..0519ecb 100644
GIT binary patch
literal 10
QcmZQzG+
`

func TestParseSimpleModification(t *testing.T) {
	changes, err := Parse(samplePatch)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(changes) != 1 {
		t.Fatalf("expected 1 change, got %d", len(changes))
	}
	if changes[0].OldPath != "src/a.py" || changes[0].NewPath != "src/a.py" {
		t.Fatalf("unexpected paths: %+v", changes[0])
	}
	if changes[0].IsNew {
		t.Fatal("did not expect a new file")
	}
}

func TestParseNewFile(t *testing.T) {
	changes, err := Parse(newFilePatch)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(changes) != 1 || !changes[0].IsNew {
		t.Fatalf("expected a new file change, got %+v", changes)
	}
	if changes[0].NewMode != "100644" {
		t.Fatalf("expected mode 100644, got %s", changes[0].NewMode)
	}
}

func TestParseRejectsDevNullWithoutNewFileModeHeader(t *testing.T) {
	diff := `diff --git a/src/new.py b/src/new.py
index 0000000..e69de29
--- /dev/null
+++ b/src/new.py
@@ -0,0 +1,2 @@
+x=1
+y=2
`
	_, err := Parse(diff)
	if err == nil {
		t.Fatal("expected an error for /dev/null with no preceding new file mode header")
	}
	pe, ok := err.(*ParseError)
	if !ok || pe.Kind != ErrMissingPrefix {
		t.Fatalf("expected ErrMissingPrefix, got %v", err)
	}
}

func TestParseRejectsBinaryPatch(t *testing.T) {
	_, err := Parse(binaryPatch)
	if err == nil {
		t.Fatal("expected an error for a binary patch")
	}
	pe, ok := err.(*ParseError)
	if !ok || pe.Kind != ErrBinaryPatch {
		t.Fatalf("expected ErrBinaryPatch, got %v", err)
	}
}

func TestConfineRejectsEscapingPath(t *testing.T) {
	ws := t.TempDir()
	os.MkdirAll(filepath.Join(ws, "src"), 0755)
	os.WriteFile(filepath.Join(ws, "src", "a.py"), []byte("x=1\n"), 0644)

	realpath := func(p string) (string, error) { return filepath.EvalSymlinks(p) }

	escaping := `diff --git a/../outside.py b/../outside.py
--- a/../outside.py
+++ b/../outside.py
@@ -1 +1 @@
-x=1
+x=2
`
	changes, err := Parse(escaping)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	viol, err := Confine(changes, ws, realpath, 512*1024, 2*1024*1024)
	if err != nil {
		t.Fatalf("Confine: %v", err)
	}
	if viol == nil || viol.Kind != ErrPathEscape {
		t.Fatalf("expected ErrPathEscape, got %+v", viol)
	}
}

func TestConfineAllowsNewNestedFile(t *testing.T) {
	ws := t.TempDir()

	changes, err := Parse(newFilePatch)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	realpath := func(p string) (string, error) { return filepath.EvalSymlinks(p) }

	viol, err := Confine(changes, ws, realpath, 512*1024, 2*1024*1024)
	if err != nil {
		t.Fatalf("Confine: %v", err)
	}
	if viol != nil {
		t.Fatalf("expected no violation for a new nested file, got %+v", viol)
	}
}

func TestConfineRejectsExecutableBitOnNewFile(t *testing.T) {
	ws := t.TempDir()
	diff := `diff --git a/src/new.sh b/src/new.sh
new file mode 100755
index 0000000..e69de29
--- /dev/null
+++ b/src/new.sh
@@ -0,0 +1 @@
+echo hi
`
	changes, err := Parse(diff)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	realpath := func(p string) (string, error) { return filepath.EvalSymlinks(p) }

	viol, err := Confine(changes, ws, realpath, 512*1024, 2*1024*1024)
	if err != nil {
		t.Fatalf("Confine: %v", err)
	}
	if viol == nil || viol.Kind != ErrBadMode {
		t.Fatalf("expected ErrBadMode for executable-bit new file, got %+v", viol)
	}
}

func TestConfineRejectsBudgetExceeded(t *testing.T) {
	ws := t.TempDir()
	os.MkdirAll(filepath.Join(ws, "src"), 0755)
	os.WriteFile(filepath.Join(ws, "src", "a.py"), []byte("x=1\n"), 0644)

	changes, err := Parse(samplePatch)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	realpath := func(p string) (string, error) { return filepath.EvalSymlinks(p) }

	viol, err := Confine(changes, ws, realpath, 1, 2*1024*1024)
	if err != nil {
		t.Fatalf("Confine: %v", err)
	}
	if viol == nil || viol.Kind != ErrBudgetExceeded {
		t.Fatalf("expected ErrBudgetExceeded, got %+v", viol)
	}
}
