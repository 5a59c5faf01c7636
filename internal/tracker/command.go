package tracker

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// limitedBuffer keeps at most cap bytes of process output so a chatty
// generator cannot grow memory without bound.
type limitedBuffer struct {
	buf       []byte
	cap       int
	truncated bool
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	if room := b.cap - len(b.buf); room > 0 {
		if len(p) > room {
			b.buf = append(b.buf, p[:room]...)
			b.truncated = true
		} else {
			b.buf = append(b.buf, p...)
		}
	} else if len(p) > 0 {
		b.truncated = true
	}
	// Report everything consumed so the child never blocks on a full pipe.
	return len(p), nil
}

func (b *limitedBuffer) String() string {
	s := string(b.buf)
	if b.truncated {
		s += "\n[output truncated]"
	}
	return s
}

// CommandBody adapts an external report-generation command into a job Body.
// The command inherits the job's context, so the hard timeout kills it.
func CommandBody(name string, args []string, outputLimit int) Body {
	if outputLimit <= 0 {
		outputLimit = 64 * 1024
	}
	return func(ctx context.Context) (bool, error) {
		out := &limitedBuffer{cap: outputLimit}
		cmd := exec.CommandContext(ctx, name, args...)
		cmd.Stdout = out
		cmd.Stderr = out

		if err := cmd.Run(); err != nil {
			if ctx.Err() != nil {
				return false, ctx.Err()
			}
			msg := strings.TrimSpace(out.String())
			if msg == "" {
				return false, err
			}
			return false, fmt.Errorf("%w: %s", err, msg)
		}
		return true, nil
	}
}
