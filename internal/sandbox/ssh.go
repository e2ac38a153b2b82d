package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/haatos/hookci/internal/util"
	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

// SSHRuntime places sandboxes in a workspace directory on a remote host.
type SSHRuntime struct {
	host       string
	username   string
	privateKey []byte
	workspace  string
	keepImages bool

	client *ssh.Client
	mu     sync.Mutex
}

func NewSSHRuntime(host, username, privateKeyPath, workspace string, keepImages bool) (*SSHRuntime, error) {
	privateKey, err := os.ReadFile(privateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("err reading ssh private key: %w", err)
	}
	if !strings.Contains(host, ":") {
		host += ":22"
	}
	return &SSHRuntime{
		host:       host,
		username:   username,
		privateKey: privateKey,
		workspace:  workspace,
		keepImages: keepImages,
	}, nil
}

func (r *SSHRuntime) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.client == nil {
		return nil
	}
	err := r.client.Close()
	r.client = nil
	return err
}

func (r *SSHRuntime) connect() (*ssh.Client, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.client != nil {
		// a dead connection is replaced on the next call
		if _, _, err := r.client.SendRequest("keepalive@openssh.com", true, nil); err == nil {
			return r.client, nil
		}
		_ = r.client.Close()
		r.client = nil
	}

	signer, err := ssh.ParsePrivateKey(r.privateKey)
	if err != nil {
		return nil, err
	}
	cc := &ssh.ClientConfig{
		User:            r.username,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         10 * time.Second,
	}
	client, err := ssh.Dial("tcp", r.host, cc)
	if err != nil {
		return nil, fmt.Errorf("err dialing %s: %w", r.host, err)
	}
	r.client = client
	return client, nil
}

func (r *SSHRuntime) Create(ctx context.Context, jobID string) (Sandbox, error) {
	client, err := r.connect()
	if err != nil {
		return nil, err
	}
	sb := &SSHSandbox{
		runtime: r,
		id:      jobID,
		dir:     path.Join(r.workspace, dirName(jobID)),
	}
	mkdir := fmt.Sprintf("rm -rf %[1]s && mkdir -p %[1]s", util.ShellQuote(sb.dir))
	if code, err := runSession(ctx, client, mkdir, io.Discard); err != nil {
		return nil, err
	} else if code != 0 {
		return nil, fmt.Errorf("err creating sandbox directory %s: exit code %d", sb.dir, code)
	}
	return sb, nil
}

func (r *SSHRuntime) Prune(ctx context.Context, keep func(string) bool) error {
	client, err := r.connect()
	if err != nil {
		return err
	}
	sftpClient, err := sftp.NewClient(client)
	if err != nil {
		return err
	}
	defer sftpClient.Close()

	files, err := sftpClient.ReadDir(r.workspace)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	var errs []error
	for _, f := range files {
		if !f.IsDir() || keep(f.Name()) {
			continue
		}
		sb := &SSHSandbox{runtime: r, id: f.Name(), dir: path.Join(r.workspace, f.Name())}
		if err := sb.Destroy(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type SSHSandbox struct {
	runtime *SSHRuntime
	id      string
	dir     string
}

func (s *SSHSandbox) ID() string  { return s.id }
func (s *SSHSandbox) Dir() string { return s.dir }

func (s *SSHSandbox) Exec(ctx context.Context, command string, out io.Writer) (int, error) {
	client, err := s.runtime.connect()
	if err != nil {
		return -1, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	cmd := fmt.Sprintf("cd %s && %s", util.ShellQuote(s.dir), command)
	code, err := runSession(ctx, client, cmd, out)
	if err != nil && ctx.Err() == nil {
		return code, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	return code, err
}

func (s *SSHSandbox) ReadFile(ctx context.Context, name string) ([]byte, error) {
	client, err := s.runtime.connect()
	if err != nil {
		return nil, err
	}
	sftpClient, err := sftp.NewClient(client)
	if err != nil {
		return nil, err
	}
	defer sftpClient.Close()

	if !path.IsAbs(name) {
		name = path.Join(s.dir, name)
	}
	f, err := sftpClient.Open(name)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

func (s *SSHSandbox) Destroy(ctx context.Context) error {
	client, err := s.runtime.connect()
	if err != nil {
		return err
	}
	cmd := cleanupCommand(s.id, s.runtime.keepImages) + "; rm -rf " + util.ShellQuote(s.dir)
	code, err := runSession(ctx, client, cmd, io.Discard)
	if err != nil {
		return err
	}
	if code != 0 {
		return fmt.Errorf("err destroying sandbox %s: exit code %d", s.id, code)
	}
	return nil
}

func runSession(ctx context.Context, client *ssh.Client, command string, out io.Writer) (int, error) {
	sess, err := client.NewSession()
	if err != nil {
		return -1, fmt.Errorf("err creating new session: %w", err)
	}
	defer sess.Close()
	w := &lockedWriter{w: out}
	sess.Stdout = w
	sess.Stderr = w

	if err := sess.Start(command); err != nil {
		return -1, fmt.Errorf("err starting command: %w", err)
	}
	doneCh := make(chan error, 1)
	go func() {
		doneCh <- sess.Wait()
	}()

	select {
	case <-ctx.Done():
		_ = sess.Signal(ssh.SIGKILL)
		return -1, ctx.Err()
	case err := <-doneCh:
		if err == nil {
			return 0, nil
		}
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			return exitErr.ExitStatus(), nil
		}
		return -1, err
	}
}
