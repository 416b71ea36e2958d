package proc

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"github.com/codewandler/shardvisor/core/protocol"
	"github.com/codewandler/shardvisor/internal/codec"
)

const DefaultKillGrace = 5 * time.Second

// ExecSpawner runs each worker as a child process. The bootstrap record is
// written as the first JSON frame on the child's stdin; afterwards envelopes
// are framed over stdin/stdout with Codec, unless Channel provides an
// out-of-band connection. Lines the child writes to stderr are logged.
type ExecSpawner struct {
	Path string
	Args []string
	Env  []string
	Dir  string

	Codec   codec.Codec
	Channel ChannelFactory

	// KillGrace is how long a graceful kill waits after interrupting the
	// child before killing it.
	KillGrace time.Duration
	Log       *slog.Logger
}

// SelfSpawner returns an ExecSpawner re-executing the current binary with
// args, e.g. a "worker" subcommand.
func SelfSpawner(args ...string) (*ExecSpawner, error) {
	exe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("proc: resolve executable: %w", err)
	}
	return &ExecSpawner{Path: exe, Args: args}, nil
}

func (s *ExecSpawner) Spawn(ctx context.Context, boot protocol.Bootstrap) (Handle, error) {
	log := s.Log
	if log == nil {
		log = slog.Default()
	}
	c := s.Codec
	if c == nil {
		c = codec.JSONCodec{}
	}
	grace := s.KillGrace
	if grace <= 0 {
		grace = DefaultKillGrace
	}
	boot.Codec = c.Name()

	cmd := exec.Command(s.Path, s.Args...)
	cmd.Env = append(os.Environ(), s.Env...)
	cmd.Dir = s.Dir

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("proc: stdin: %w", err)
	}
	// Own the read ends so Wait does not close them under the readers.
	stdout, stdoutW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("proc: stdout: %w", err)
	}
	stderr, stderrW, err := os.Pipe()
	if err != nil {
		_ = stdout.Close()
		_ = stdoutW.Close()
		return nil, fmt.Errorf("proc: stderr: %w", err)
	}
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW
	closeAll := func(cs ...io.Closer) {
		for _, c := range cs {
			_ = c.Close()
		}
	}

	var chConn Conn
	if s.Channel != nil {
		var info protocol.ChannelInfo
		chConn, info, err = s.Channel.Open(ctx, boot)
		if err != nil {
			closeAll(stdout, stdoutW, stderr, stderrW)
			return nil, fmt.Errorf("proc: open channel: %w", err)
		}
		boot.Channel = info
	}

	err = cmd.Start()
	// the child holds its own copies of the write ends
	closeAll(stdoutW, stderrW)
	if err != nil {
		closeAll(stdout, stderr)
		if chConn != nil {
			_ = chConn.Close()
		}
		return nil, fmt.Errorf("proc: start %s: %w", s.Path, err)
	}

	h := &execHandle{
		cmd:   cmd,
		id:    strconv.Itoa(cmd.Process.Pid),
		grace: grace,
		done:  make(chan struct{}),
	}
	log = log.With(slog.Int("cluster", boot.ClusterID), slog.String("pid", h.id))

	// bootstrap frame is always JSON so the child can learn the codec
	if err := protocol.NewEncoder(stdin, codec.JSONCodec{}).Encode(boot); err != nil {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		closeAll(stdout, stderr)
		if chConn != nil {
			_ = chConn.Close()
		}
		return nil, fmt.Errorf("proc: write bootstrap: %w", err)
	}

	if chConn != nil {
		h.Conn = chConn
		h.closers = []io.Closer{chConn, stdin, stdout}
	} else {
		// closes itself once the child's stdout reaches EOF
		h.Conn = NewStreamConn(stdout, stdin, c, stdin, stdout)
	}

	go func() {
		defer stderr.Close()
		pipeLog(log, stderr)
	}()
	go func() {
		err := cmd.Wait()
		h.mu.Lock()
		h.err = err
		h.mu.Unlock()
		for _, cl := range h.closers {
			_ = cl.Close()
		}
		close(h.done)
		log.Debug("process exited", slog.Any("error", err))
	}()

	log.Debug("process started", slog.String("path", s.Path))
	return h, nil
}

func pipeLog(log *slog.Logger, r io.Reader) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		log.Info(sc.Text(), slog.String("stream", "stderr"))
	}
}

type execHandle struct {
	Conn
	cmd     *exec.Cmd
	id      string
	grace   time.Duration
	closers []io.Closer
	done    chan struct{}

	mu  sync.Mutex
	err error
}

func (h *execHandle) ID() string            { return h.id }
func (h *execHandle) Done() <-chan struct{} { return h.done }

func (h *execHandle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

func (h *execHandle) Send(ctx context.Context, env *protocol.Envelope) error {
	select {
	case <-h.done:
		return ErrExited
	default:
	}
	return h.Conn.Send(ctx, env)
}

// Kill interrupts the child and kills it if it is still running after the
// grace period. A forced kill kills it right away.
func (h *execHandle) Kill(force bool) error {
	select {
	case <-h.done:
		return nil
	default:
	}
	if force {
		return ignoreFinished(h.cmd.Process.Kill())
	}
	if err := h.cmd.Process.Signal(os.Interrupt); err != nil {
		return ignoreFinished(h.cmd.Process.Kill())
	}
	t := time.AfterFunc(h.grace, func() { _ = h.cmd.Process.Kill() })
	go func() {
		<-h.done
		t.Stop()
	}()
	return nil
}

func ignoreFinished(err error) error {
	if errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}
