package ipc

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gofrs/flock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/procpool/pkg/poolerrors"
)

func newPipePair(t *testing.T, dir string) (*Channel, *Channel) {
	t.Helper()

	aRead, bWrite, err := os.Pipe()
	require.NoError(t, err)
	bRead, aWrite, err := os.Pipe()
	require.NoError(t, err)

	cfg := Config{LockTimeout: 2 * time.Second}
	a := New(aWrite, aRead, dir, "a", cfg)
	b := New(bWrite, bRead, dir, "b", cfg)

	t.Cleanup(func() {
		_ = a.Close()
		_ = b.Close()
	})

	return a, b
}

func TestChannelSendRecvRoundTrip(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, EnsureLockDir(dir))
	a, b := newPipePair(t, dir)

	sent := Envelope{Kind: KindOk, TaskID: 42, Value: "hello"}
	require.NoError(t, a.Send(sent))

	got, err := b.Recv(time.Second)
	require.NoError(t, err)
	assert.Equal(t, sent.Kind, got.Kind)
	assert.Equal(t, sent.TaskID, got.TaskID)
	assert.Equal(t, sent.Value, got.Value)
}

func TestChannelRecvTimesOutCleanlyWhenEmpty(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, EnsureLockDir(dir))
	_, b := newPipePair(t, dir)

	_, err := b.Recv(50 * time.Millisecond)
	assert.ErrorIs(t, err, poolerrors.ErrChannelEmpty)
}

func TestChannelRecvAfterCloseIsBroken(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, EnsureLockDir(dir))
	a, b := newPipePair(t, dir)

	require.NoError(t, a.Close())

	_, err := b.Recv(200 * time.Millisecond)
	assert.ErrorIs(t, err, poolerrors.ErrChannelBroken)
}

func TestChannelLargePayloadSurvivesFraming(t *testing.T) {
	// Proves proper framed IO rather than a single-write assumption: the
	// payload here exceeds a typical OS pipe buffer (64KiB on Linux).
	dir := t.TempDir()
	require.NoError(t, EnsureLockDir(dir))
	a, b := newPipePair(t, dir)

	big := make([]byte, 256*1024)
	for i := range big {
		big[i] = byte(i % 256)
	}

	done := make(chan error, 1)
	go func() {
		done <- a.Send(Envelope{Kind: KindOk, TaskID: 1, Value: big})
	}()

	got, err := b.Recv(5 * time.Second)
	require.NoError(t, err)
	require.NoError(t, <-done)

	gotBytes, ok := got.Value.([]byte)
	require.True(t, ok)
	assert.Equal(t, big, gotBytes)
}

func TestChannelDoubleCloseReturnsErrorNotPanic(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, EnsureLockDir(dir))
	a, _ := newPipePair(t, dir)

	require.NoError(t, a.Close())
	var err error
	assert.NotPanics(t, func() {
		err = a.Close()
	})
	assert.Error(t, err, "closing an already-closed channel reports an error")
}

func TestEnsureLockDirCreatesNestedPath(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "a", "b", "c")
	require.NoError(t, EnsureLockDir(dir))

	info, err := os.Stat(dir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestConfigDefaultsApplyWhenUnset(t *testing.T) {
	cfg := Config{}.withDefaults()
	assert.Equal(t, 60*time.Second, cfg.LockTimeout)

	cfg = Config{LockTimeout: 5 * time.Second}.withDefaults()
	assert.Equal(t, 5*time.Second, cfg.LockTimeout)
}

// Scenario 9's literal wording ("a worker that dies while holding the
// writer lock") describes the fault from the outside; flock itself
// releases on process death (lock.go), so the only way a held lock
// actually wedges a Send/Recv call is a live holder that never lets go.
// That's the fault this primitive is built to bound: a separate flock.Flock
// handle taking a's own writer lock out from under it stands in for a
// peer wedged mid-frame, and a's Send must fail within LockTimeout rather
// than block forever.
func TestChannelSendFailsBoundedWhenItsOwnWriterLockIsWedged(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, EnsureLockDir(dir))
	cfg := Config{LockTimeout: 100 * time.Millisecond}

	aRead, bWrite, err := os.Pipe()
	require.NoError(t, err)
	t.Cleanup(func() { aRead.Close(); bWrite.Close() })
	bRead, aWrite, err := os.Pipe()
	require.NoError(t, err)
	t.Cleanup(func() { bRead.Close(); aWrite.Close() })

	a := New(aWrite, aRead, dir, "a", cfg)
	t.Cleanup(func() { _ = a.Close() })

	wedge := flock.New(filepath.Join(dir, "a.writer.lock"))
	ok, err := wedge.TryLock()
	require.NoError(t, err)
	require.True(t, ok)
	defer wedge.Unlock()

	start := time.Now()
	err = a.Send(Envelope{Kind: KindOk, TaskID: 1})
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.True(t, errors.Is(err, poolerrors.ErrChannelBroken))
	assert.Less(t, elapsed, time.Second, "a wedged writer lock must fail bounded by LockTimeout, not hang")
}

// Scenario 10's mirror image: a reader lock held by a live, non-releasing
// holder must fail Recv within LockTimeout rather than hang the caller
// waiting on result().
func TestChannelRecvFailsBoundedWhenItsOwnReaderLockIsWedged(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, EnsureLockDir(dir))
	cfg := Config{LockTimeout: 100 * time.Millisecond}

	aRead, bWrite, err := os.Pipe()
	require.NoError(t, err)
	t.Cleanup(func() { aRead.Close(); bWrite.Close() })
	bRead, aWrite, err := os.Pipe()
	require.NoError(t, err)
	t.Cleanup(func() { bRead.Close(); aWrite.Close() })

	a := New(aWrite, aRead, dir, "a", cfg)
	t.Cleanup(func() { _ = a.Close() })

	wedge := flock.New(filepath.Join(dir, "a.reader.lock"))
	ok, err := wedge.TryLock()
	require.NoError(t, err)
	require.True(t, ok)
	defer wedge.Unlock()

	start := time.Now()
	_, err = a.Recv(time.Second)
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.True(t, errors.Is(err, poolerrors.ErrChannelBroken))
	assert.Less(t, elapsed, time.Second, "a wedged reader lock must fail bounded by LockTimeout, not hang forever")
}

func TestChannelSendReturnsBrokenOnClosedPeer(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, EnsureLockDir(dir))
	a, b := newPipePair(t, dir)

	require.NoError(t, b.Close())

	err := a.Send(Envelope{Kind: KindOk, TaskID: 1})
	require.Error(t, err)
	assert.True(t, errors.Is(err, poolerrors.ErrChannelBroken))
}
