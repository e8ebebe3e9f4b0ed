package link

import (
	"context"
	"io"
	"time"

	"golang.org/x/crypto/ssh"
)

// SSH is a link to a command running in an SSH session, usually the remote
// side of the transfer ("rz", "sz", or a BBS shell).
type SSH struct {
	session *ssh.Session
	stdin   io.WriteCloser
	stderr  io.Reader
	reader  *Reader
	done    chan error
}

// NewSSH starts command in session and returns a link to its stdin and
// stdout. An empty command requests a shell.
func NewSSH(session *ssh.Session, command string) (*SSH, error) {
	stdin, err := session.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		stdin.Close()
		return nil, err
	}
	stderr, err := session.StderrPipe()
	if err != nil {
		stdin.Close()
		return nil, err
	}

	if command == "" {
		err = session.Shell()
	} else {
		err = session.Start(command)
	}
	if err != nil {
		stdin.Close()
		return nil, err
	}

	s := &SSH{
		session: session,
		stdin:   stdin,
		stderr:  stderr,
		reader:  NewReader(stdout, stdin),
		done:    make(chan error, 1),
	}
	// Wait for command to finish in background
	go func() {
		s.done <- session.Wait()
	}()
	return s, nil
}

// ReadTimeout implements transfer.Link.
func (s *SSH) ReadTimeout(p []byte, d time.Duration) (int, error) {
	return s.reader.ReadTimeout(p, d)
}

func (s *SSH) Write(p []byte) (int, error) {
	return s.stdin.Write(p)
}

// Stderr returns the stderr reader for monitoring remote command output.
func (s *SSH) Stderr() io.Reader {
	return s.stderr
}

// Wait closes stdin to signal completion and waits for the remote command
// to exit.
func (s *SSH) Wait(ctx context.Context) error {
	s.stdin.Close()
	select {
	case err := <-s.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close closes the SSH session and cleans up resources.
func (s *SSH) Close() error {
	var errs []error
	if err := s.reader.Close(); err != nil && err != io.EOF {
		errs = append(errs, err)
	}
	if err := s.session.Close(); err != nil && err != io.EOF {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return errs[0] // Return first error
	}
	return nil
}
