// Package rclone implements a backend which talks to a remote datastore via
// a locally started "rclone serve restic --stdio" subprocess, speaking the
// REST protocol over HTTP/2 on the subprocess's stdin/stdout.
package rclone

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"math/rand"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/strata-backup/strata/internal/backend"
	"github.com/strata-backup/strata/internal/backend/rest"
	"github.com/strata-backup/strata/internal/debug"
	"github.com/strata-backup/strata/internal/errors"

	"golang.org/x/net/http2"
)

// Backend is used to access data stored somewhere via rclone.
type Backend struct {
	*rest.Backend
	tr         *http2.Transport
	cmd        *exec.Cmd
	waitCh     <-chan struct{}
	waitResult error
	wg         *sync.WaitGroup
	conn       *StdioConn
}

// run starts command with args and initializes the StdioConn.
func run(command string, args ...string) (*StdioConn, *exec.Cmd, *sync.WaitGroup, error) {
	cmd := exec.Command(command, args...)

	p, err := cmd.StderrPipe()
	if err != nil {
		return nil, nil, nil, err
	}

	var wg sync.WaitGroup

	// start goroutine to add a prefix to all messages printed by rclone
	wg.Add(1)
	go func() {
		defer wg.Done()
		sc := bufio.NewScanner(p)
		for sc.Scan() {
			fmt.Fprintf(os.Stderr, "rclone: %v\n", sc.Text())
		}
	}()

	r, stdin, err := os.Pipe()
	if err != nil {
		return nil, nil, nil, err
	}

	stdout, w, err := os.Pipe()
	if err != nil {
		// close first pipe and ignore subsequent errors
		_ = r.Close()
		_ = stdin.Close()
		return nil, nil, nil, err
	}

	cmd.Stdin = r
	cmd.Stdout = w

	err = cmd.Start()
	if err != nil {
		if errors.Is(err, exec.ErrDot) {
			return nil, nil, nil, errors.Errorf("cannot implicitly run relative executable %v found in current directory, use -o rclone.program=./<program> to override", cmd.Path)
		}
		return nil, nil, nil, errors.Wrap(err, "cmd.Start")
	}

	// close orphaned ends of the pipes
	_ = r.Close()
	_ = w.Close()

	c := &StdioConn{
		receive: stdout,
		send:    stdin,
	}

	return c, cmd, &wg, nil
}

// newBackend starts the rclone process and sets up the HTTP/2 transport on
// its stdin/stdout.
func newBackend(ctx context.Context, cfg Config) (*Backend, error) {
	var args []string

	// build program args, start with the program
	if cfg.Program != "" {
		a, err := backend.SplitShellStrings(cfg.Program)
		if err != nil {
			return nil, err
		}
		args = append(args, a...)
	} else {
		args = append(args, "rclone")
	}

	// then add the arguments
	if cfg.Args != "" {
		a, err := backend.SplitShellStrings(cfg.Args)
		if err != nil {
			return nil, err
		}

		args = append(args, a...)
	} else {
		args = append(args,
			"serve", "restic", "--stdio",
			"--b2-hard-delete")
	}

	// finally, add the remote
	args = append(args, cfg.Remote)
	arg0, args := args[0], args[1:]

	debug.Log("running command: %v %v", arg0, args)
	stdioConn, cmd, wg, err := run(arg0, args...)
	if err != nil {
		return nil, err
	}

	var dialCount int
	var dialMutex sync.Mutex
	tr := &http2.Transport{
		AllowHTTP: true, // this is not really HTTP, just stdin/stdout
		DialTLS: func(network, address string, _ *tls.Config) (net.Conn, error) {
			debug.Log("new connection requested, %v %v", network, address)
			dialMutex.Lock()
			defer dialMutex.Unlock()
			if dialCount > 0 {
				// the connection to the child process is already closed
				return nil, errors.New("rclone stdio connection already closed")
			}
			dialCount++
			return stdioConn, nil
		},
	}

	waitCh := make(chan struct{})
	be := &Backend{
		tr:     tr,
		cmd:    cmd,
		waitCh: waitCh,
		conn:   stdioConn,
		wg:     wg,
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer close(waitCh)
		err := cmd.Wait()
		debug.Log("command terminated, err %v", err)
		if err != nil {
			err = errors.Errorf("rclone terminated unexpectedly: %v", err)
		}
		be.waitResult = err
		// close the connection to rclone
		cerr := stdioConn.Close()
		debug.Log("connection closed: %v", cerr)
	}()

	// send an HTTP request to the base URL, see if the server is there
	client := &http.Client{
		Transport: tr,
		Timeout:   cfg.Timeout,
	}

	// request a random file which does not exist. we just want to test when
	// rclone is able to accept HTTP requests.
	url := fmt.Sprintf("http://localhost/file-%d", rand.Uint64())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Close = true

	res, err := client.Do(req)
	if err != nil {
		// ignore subsequent errors
		_ = be.conn.Close()

		// wait for rclone to exit
		<-waitCh
		if be.waitResult != nil {
			err = be.waitResult
		}

		if errors.Is(err, os.ErrNotExist) {
			return nil, errors.Fatalf("unable to start the rclone process: %v", err)
		}
		return nil, errors.Errorf("error talking HTTP to rclone: %v", err)
	}
	_ = res.Body.Close()

	debug.Log("HTTP status %q returned, rclone is ready", res.Status)
	return be, nil
}

// Open starts an rclone process with the given config.
func Open(ctx context.Context, cfg Config) (*Backend, error) {
	be, err := newBackend(ctx, cfg)
	if err != nil {
		return nil, err
	}

	restBackend, err := rest.Open(ctx, restConfig(cfg), be.tr)
	if err != nil {
		_ = be.Close()
		return nil, err
	}

	be.Backend = restBackend
	return be, nil
}

// Create initializes a new repository via rclone.
func Create(ctx context.Context, cfg Config) (*Backend, error) {
	be, err := newBackend(ctx, cfg)
	if err != nil {
		return nil, err
	}

	debug.Log("sending create request")
	restBackend, err := rest.Create(ctx, restConfig(cfg), be.tr)
	if err != nil {
		_ = be.Close()
		return nil, err
	}

	be.Backend = restBackend
	return be, nil
}

func restConfig(cfg Config) rest.Config {
	// the URL is static, the transport only ever connects to the subprocess
	u, err := url.Parse("http://localhost/")
	if err != nil {
		panic(err)
	}

	return rest.Config{
		Connections: cfg.Connections,
		URL:         u,
	}
}

// Location returns the remote the backend is configured for.
func (be *Backend) Location() string {
	return "rclone:" + be.Backend.Location()
}

// Close terminates the backend.
func (be *Backend) Close() error {
	debug.Log("exiting rclone")
	be.tr.CloseIdleConnections()

	select {
	case <-be.waitCh:
		debug.Log("rclone already exited")
	case <-time.After(time.Second):
		debug.Log("timeout, closing file descriptors")
		err := be.conn.Close()
		if err != nil {
			return err
		}
	}

	<-be.waitCh
	be.wg.Wait()
	debug.Log("wait for rclone returned: %v", be.waitResult)
	return be.waitResult
}
