package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/haatos/hookci/internal"
	"github.com/haatos/hookci/internal/util"
)

// ErrUnavailable marks an Exec that failed because the runtime itself could
// not be reached or could not start the command.
var ErrUnavailable = errors.New("sandbox runtime unavailable")

// Sandbox is the isolated working area of a single job. Containers and
// images created inside it carry the job label so Destroy can find them.
type Sandbox interface {
	ID() string
	Dir() string
	// Exec runs command through a shell inside Dir. A non-zero exit is
	// reported through the exit code with a nil error; err is set only when
	// the command could not be run to completion, and wraps ErrUnavailable
	// unless ctx ended.
	Exec(ctx context.Context, command string, out io.Writer) (exitCode int, err error)
	ReadFile(ctx context.Context, path string) ([]byte, error)
	Destroy(ctx context.Context) error
}

type Runtime interface {
	Create(ctx context.Context, jobID string) (Sandbox, error)
	// Prune destroys leftover sandboxes whose job id keep rejects.
	Prune(ctx context.Context, keep func(jobID string) bool) error
}

// LabelFilter is the docker filter selecting everything a job created.
func LabelFilter(jobID string) string {
	return fmt.Sprintf("label=%s=%s", internal.SandboxLabel, jobID)
}

// cleanupCommand removes containers, and unless keepImages also images,
// labelled with the job id.
func cleanupCommand(jobID string, keepImages bool) string {
	filter := util.ShellQuote(LabelFilter(jobID))
	cmd := fmt.Sprintf("docker ps -aq --filter %s | xargs -r docker rm -f", filter)
	if !keepImages {
		cmd += fmt.Sprintf(" && docker images -q --filter %s | sort -u | xargs -r docker rmi -f", filter)
	}
	return cmd
}

func dirName(jobID string) string {
	return util.SanitizeName(jobID)
}

type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (lw *lockedWriter) Write(p []byte) (int, error) {
	lw.mu.Lock()
	defer lw.mu.Unlock()
	return lw.w.Write(p)
}
