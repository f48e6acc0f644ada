// ============================================================================
// Process Pool IPC Channel
// ============================================================================
//
// Package: internal/ipc
// File: channel.go
// Purpose: Bidirectional, framed message transport between the supervisor
//          and one worker, guarded by bounded reader/writer locks.
//
// Operations (spec 4.1):
//   Send(env)     - acquire writer lock, write frame, release
//   Recv(timeout) - acquire reader lock, poll with timeout, read frame
//
// A Channel owns one end of a pipe pair, backed by *os.File so Recv's poll
// can use SetReadDeadline instead of spawning a detached reader goroutine.
// A detached goroutine left blocked on a timed-out read would still be
// reading from the shared stream when the next Recv call starts its own
// read, corrupting frame alignment between two concurrent readers. Using
// the file's own deadline keeps exactly one reader on the stream at a
// time.
//
// ============================================================================

package ipc

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/ChuLiYu/procpool/pkg/poolerrors"
)

// Config controls lock acquisition timing. Defaults match spec 4.1;
// tests lower it to exercise deadlock detection quickly.
type Config struct {
	LockTimeout time.Duration // bound on reader/writer lock acquisition
}

func (c Config) withDefaults() Config {
	if c.LockTimeout <= 0 {
		c.LockTimeout = 60 * time.Second
	}
	return c
}

// Channel is one endpoint of a framed, lock-guarded IPC connection.
type Channel struct {
	w *os.File
	r *os.File

	writerLock *namedLock
	readerLock *namedLock

	cfg Config
}

// New wires a Channel around w (for Send) and r (for Recv), using lock
// files under lockDir named after side ("parent" or "child") so the two
// ends of one pair never contend on the wrong lock.
func New(w, r *os.File, lockDir, side string, cfg Config) *Channel {
	cfg = cfg.withDefaults()
	return &Channel{
		w:          w,
		r:          r,
		writerLock: newNamedLock(filepath.Join(lockDir, side+".writer.lock")),
		readerLock: newNamedLock(filepath.Join(lockDir, side+".reader.lock")),
		cfg:        cfg,
	}
}

// EnsureLockDir creates dir (and parents) for the lock files New expects.
func EnsureLockDir(dir string) error {
	return os.MkdirAll(dir, 0o755)
}

// Send writes one envelope to the channel, fenced by the writer lock.
func (c *Channel) Send(env Envelope) error {
	release, err := c.writerLock.acquire(c.cfg.LockTimeout)
	if err != nil {
		return fmt.Errorf("%w: %v", poolerrors.ErrChannelBroken, err)
	}
	defer release()

	payload, err := encodeEnvelope(env)
	if err != nil {
		return fmt.Errorf("%w: %v", poolerrors.ErrChannelBroken, err)
	}

	if err := writeFrame(c.w, payload); err != nil {
		return fmt.Errorf("%w: %v", poolerrors.ErrChannelBroken, err)
	}
	return nil
}

// Recv waits up to timeout for a frame to arrive and read it, under the
// reader lock. A plain timeout (nothing arrived) yields ErrChannelEmpty; a
// short or failed read, or a failed lock acquisition, yields
// ErrChannelBroken, since both indicate a dead or misbehaving peer rather
// than an idle one.
func (c *Channel) Recv(timeout time.Duration) (Envelope, error) {
	release, err := c.readerLock.acquire(c.cfg.LockTimeout)
	if err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", poolerrors.ErrChannelBroken, err)
	}
	defer release()

	if err := c.r.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return Envelope{}, fmt.Errorf("%w: set read deadline: %v", poolerrors.ErrChannelBroken, err)
	}
	defer c.r.SetReadDeadline(time.Time{})

	payload, err := readFrame(c.r)
	if err != nil {
		if errors.Is(err, errNoFrameYet) {
			return Envelope{}, poolerrors.ErrChannelEmpty
		}
		return Envelope{}, fmt.Errorf("%w: %v", poolerrors.ErrChannelBroken, err)
	}

	env, err := decodeEnvelope(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", poolerrors.ErrChannelBroken, err)
	}
	return env, nil
}

// Close releases the underlying streams this Channel owns.
func (c *Channel) Close() error {
	var firstErr error
	if c.w != nil {
		if err := c.w.Close(); err != nil {
			firstErr = err
		}
	}
	if c.r != nil {
		if err := c.r.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
