package photozip_test

import (
	"bytes"
	"context"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/klauspost/compress/zip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/uhthomas/photozip/pkg/photozip"
)

// shell returns a producer running script with the entry path as $1.
func shell(t *testing.T, script string) photozip.Command {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	return photozip.Command{Path: "sh", Args: []string{"-c", script, "sh"}, WaitDelay: time.Second}
}

func requireReaped(t *testing.T, pid int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return unix.Kill(-pid, 0) == unix.ESRCH
	}, 5*time.Second, 10*time.Millisecond, "process group %d still exists", pid)
}

func TestCommand_Start(t *testing.T) {
	entry := photozip.Entry{Identifier: "entry", Path: t.TempDir()}

	t.Run("should report a launch error when the program is missing", func(t *testing.T) {
		c := photozip.Command{Path: filepath.Join(t.TempDir(), "missing")}
		_, err := c.Start(context.Background(), entry)

		var launchErr *photozip.LaunchError
		require.ErrorAs(t, err, &launchErr)
		assert.Equal(t, c.Path, launchErr.Name)
	})

	t.Run("should pass the entry path as the last argument", func(t *testing.T) {
		p, err := shell(t, `printf %s "$1"`).Start(context.Background(), entry)
		require.NoError(t, err)
		defer p.Close()

		b, err := io.ReadAll(p)
		require.NoError(t, err)
		assert.Equal(t, entry.Path, string(b))
		require.NoError(t, p.Wait())
		require.NoError(t, p.Close())
	})

	t.Run("should report a producer error after the output is drained", func(t *testing.T) {
		p, err := shell(t, `printf partial; echo boom >&2; exit 3`).Start(context.Background(), entry)
		require.NoError(t, err)
		defer p.Close()

		b, err := io.ReadAll(p)
		require.NoError(t, err)
		assert.Equal(t, "partial", string(b))

		var producerErr *photozip.ProducerError
		require.ErrorAs(t, p.Wait(), &producerErr)
		assert.Equal(t, 3, producerErr.ExitCode)
		assert.Equal(t, "boom\n", producerErr.Stderr)

		// Wait is idempotent.
		assert.Same(t, producerErr, p.Wait())
	})

	t.Run("should keep only the tail of the diagnostic stream", func(t *testing.T) {
		p, err := shell(t, `i=0; while [ $i -lt 1000 ]; do printf 0123456789 >&2; i=$((i+1)); done; printf end >&2; exit 1`).
			Start(context.Background(), entry)
		require.NoError(t, err)
		defer p.Close()

		_, err = io.Copy(io.Discard, p)
		require.NoError(t, err)

		var producerErr *photozip.ProducerError
		require.ErrorAs(t, p.Wait(), &producerErr)
		assert.LessOrEqual(t, len(producerErr.Stderr), 4<<10)
		assert.True(t, strings.HasSuffix(producerErr.Stderr, "789end"))
	})

	t.Run("should kill and reap the whole process group on close", func(t *testing.T) {
		p, err := shell(t, `sleep 60 & wait`).Start(context.Background(), entry)
		require.NoError(t, err)
		pid := p.Pid()

		require.NoError(t, p.Close())
		requireReaped(t, pid)

		// Closing twice is harmless.
		require.NoError(t, p.Close())
	})

	t.Run("should kill the process when the context is done", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		p, err := shell(t, `while :; do printf x; done`).Start(ctx, entry)
		require.NoError(t, err)
		defer p.Close()

		buf := make([]byte, 10)
		_, err = io.ReadFull(p, buf)
		require.NoError(t, err)

		cancel()
		_, _ = io.Copy(io.Discard, p)

		var producerErr *photozip.ProducerError
		require.ErrorAs(t, p.Wait(), &producerErr)
		assert.NotEqual(t, 0, producerErr.ExitCode)
		requireReaped(t, p.Pid())
	})
}

func TestZip(t *testing.T) {
	if _, err := exec.LookPath("zip"); err != nil {
		t.Skip("zip not available")
	}

	dir := t.TempDir()
	files := map[string][]byte{
		"a.jpg":          bytes.Repeat([]byte{'a'}, 10),
		"b.jpg":          bytes.Repeat([]byte{'b'}, 20),
		"nested/c.jpg":   []byte("c"),
		"nested/x/d.jpg": []byte("dddd"),
	}
	for name, b := range files {
		require.NoError(t, os.MkdirAll(filepath.Join(dir, filepath.Dir(name)), 0o755))
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), b, 0o644))
	}

	secret := filepath.Join(t.TempDir(), "secret.txt")
	require.NoError(t, os.WriteFile(secret, []byte("TOPSECRET"), 0o644))
	require.NoError(t, os.Symlink(secret, filepath.Join(dir, "nested", "s.jpg")))

	p, err := photozip.Zip.Start(context.Background(), photozip.Entry{Identifier: "abc123", Path: dir})
	require.NoError(t, err)
	defer p.Close()

	b, err := io.ReadAll(p)
	require.NoError(t, err)
	require.NoError(t, p.Wait())

	got := readZip(t, b)
	for name, content := range got {
		assert.NotContains(t, string(content), "TOPSECRET", "%s was read through a symlink", name)
	}
	delete(got, "s.jpg")
	assert.Equal(t, map[string][]byte{
		"a.jpg": files["a.jpg"],
		"b.jpg": files["b.jpg"],
		"c.jpg": files["nested/c.jpg"],
		"d.jpg": files["nested/x/d.jpg"],
	}, got)
}

// readZip decodes an archive, failing the test if any entry is a directory.
func readZip(t *testing.T, b []byte) map[string][]byte {
	t.Helper()
	zr, err := zip.NewReader(bytes.NewReader(b), int64(len(b)))
	require.NoError(t, err)

	files := make(map[string][]byte, len(zr.File))
	for _, f := range zr.File {
		require.False(t, f.FileInfo().IsDir(), "unexpected directory %s", f.Name)
		require.NotContains(t, f.Name, "/")
		rc, err := f.Open()
		require.NoError(t, err)
		content, err := io.ReadAll(rc)
		rc.Close()
		require.NoError(t, err)
		files[f.Name] = content
	}
	return files
}
