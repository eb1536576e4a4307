package player

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/snapdog/snapdog-go/internal/state"
)

const killTimeout = 3 * time.Second

// FFmpegBackend decodes track URLs with ffmpeg into raw PCM written to the
// zone's sink FIFO. Position samples come from ffmpeg's -progress output.
type FFmpegBackend struct {
	bin    string
	logger *log.Logger
}

// NewFFmpegBackend resolves the ffmpeg binary. An empty path means "ffmpeg"
// from PATH.
func NewFFmpegBackend(path string, logger *log.Logger) (*FFmpegBackend, error) {
	if logger == nil {
		logger = log.Default()
	}
	if strings.TrimSpace(path) == "" {
		path = "ffmpeg"
	}
	bin, err := exec.LookPath(path)
	if err != nil {
		return nil, fmt.Errorf("ffmpeg not found: %w", err)
	}
	return &FFmpegBackend{bin: bin, logger: logger}, nil
}

// Start launches one decode pipeline. Snapcast pipe sources expect
// 48kHz stereo s16le, which is what snapserver's default sampleformat reads.
func (b *FFmpegBackend) Start(ctx context.Context, track state.TrackInfo, sink string, offsetMs int64) (Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	args := []string{"-hide_banner", "-loglevel", "warning", "-nostdin"}
	if offsetMs > 0 {
		args = append(args, "-ss", strconv.FormatFloat(float64(offsetMs)/1000.0, 'f', 3, 64))
	}
	args = append(args,
		"-re",
		"-i", track.URL,
		"-f", "s16le",
		"-ar", "48000",
		"-ac", "2",
		"-progress", "pipe:1",
		"-y", sink,
	)

	cmd := exec.Command(b.bin, args...)
	cmd.Stderr = &lineLogger{logger: b.logger, prefix: "PLAYER: ffmpeg: "}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("create ffmpeg progress pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		stdout.Close()
		return nil, fmt.Errorf("start ffmpeg: %w", err)
	}

	p := &ffmpegProcess{
		cmd:      cmd,
		progress: make(chan ProgressUpdate, 16),
		done:     make(chan struct{}),
	}
	var ioWg sync.WaitGroup
	ioWg.Add(1)
	go func() {
		defer ioWg.Done()
		p.readProgress(stdout)
	}()
	go func() {
		ioWg.Wait()
		p.waitErr = cmd.Wait()
		close(p.done)
	}()
	return p, nil
}

type ffmpegProcess struct {
	cmd      *exec.Cmd
	progress chan ProgressUpdate
	done     chan struct{}
	waitErr  error
	stopOnce sync.Once
}

func (p *ffmpegProcess) Progress() <-chan ProgressUpdate { return p.progress }

// readProgress parses ffmpeg's key=value progress stream. out_time_us is
// microseconds; older builds only emit out_time_ms, which is also
// microseconds despite the name.
func (p *ffmpegProcess) readProgress(r io.Reader) {
	defer close(p.progress)
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		switch key {
		case "out_time_us", "out_time_ms":
			us, err := strconv.ParseInt(value, 10, 64)
			if err != nil || us < 0 {
				continue
			}
			select {
			case p.progress <- ProgressUpdate{PositionMs: us / 1000}:
			default:
			}
		case "progress":
			if value == "end" {
				return
			}
		}
	}
}

func (p *ffmpegProcess) Pause() error {
	return ignoreDone(p.cmd.Process.Signal(syscall.SIGSTOP))
}

func (p *ffmpegProcess) Resume() error {
	return ignoreDone(p.cmd.Process.Signal(syscall.SIGCONT))
}

// Stop terminates the pipeline and waits for it to exit so the sink FIFO
// is released before a successor attaches. A stopped process cannot
// service SIGTERM, so resume it first; escalate to SIGKILL if it lingers.
func (p *ffmpegProcess) Stop() error {
	p.stopOnce.Do(func() {
		_ = p.cmd.Process.Signal(syscall.SIGCONT)
		_ = p.cmd.Process.Signal(syscall.SIGTERM)
		select {
		case <-p.done:
		case <-time.After(killTimeout):
			_ = p.cmd.Process.Kill()
			<-p.done
		}
	})
	return nil
}

func (p *ffmpegProcess) Wait() error {
	<-p.done
	return p.waitErr
}

func ignoreDone(err error) error {
	if errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}

// lineLogger fans subprocess stderr into the service log line by line.
type lineLogger struct {
	logger *log.Logger
	prefix string
}

func (l *lineLogger) Write(b []byte) (int, error) {
	for _, line := range strings.Split(strings.TrimSpace(string(b)), "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			l.logger.Printf("%s%s", l.prefix, line)
		}
	}
	return len(b), nil
}
