// Copyright (C) 2024 Farm Companion Ltd.
// See LICENSE for copying information.

// Package testredis is package for starting a redis test server.
package testredis

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

const (
	fallbackAddr = "localhost:3780"
	fallbackPort = 3780
)

// Server is a redis server for tests.
type Server interface {
	// Addr returns the host:port the server listens on.
	Addr() string
	// URL returns the redis:// connection string for the server.
	URL() string
	// FastForward advances the expiry clock of the server. Only mini
	// servers support it; process-backed servers panic.
	FastForward(d time.Duration)
	// Close shuts the server down.
	Close() error
}

// Start starts a redis-server process when available, otherwise falls back
// to miniredis.
func Start(ctx context.Context) (Server, error) {
	server, err := Process(ctx)
	if err != nil {
		return Mini(ctx)
	}
	return server, nil
}

// Process starts a redis-server test process.
func Process(ctx context.Context) (Server, error) {
	tmpdir, err := os.MkdirTemp("", "farmphotos-redis")
	if err != nil {
		return nil, err
	}

	// find a suitable port for listening
	addr, port := freeport()

	// write a configuration file, because redis doesn't support flags
	confpath := filepath.Join(tmpdir, "test.conf")
	arguments := []string{
		"daemonize no",
		"port " + strconv.Itoa(port),
		"timeout 0",
		"databases 2",
		"dbfilename dump.rdb",
		"dir " + tmpdir,
	}
	conf := strings.Join(arguments, "\n") + "\n"
	err = os.WriteFile(confpath, []byte(conf), 0755)
	if err != nil {
		return nil, err
	}

	// start the process
	cmd := exec.Command("redis-server", confpath)
	var redisout bytes.Buffer
	cmd.Stdout = &redisout
	if err := cmd.Start(); err != nil {
		return nil, err
	}

	cleanup := func() {
		_ = cmd.Process.Kill()
		_ = os.RemoveAll(tmpdir)
	}

	// wait for redis to become ready
	waitForReady := make(chan struct{}, 5)
	go func() {
		// wait for the message that looks like
		//   "The server is now ready to accept connections on port 6379"
		scanner := bufio.NewScanner(&redisout)
		for scanner.Scan() {
			line := scanner.Text()
			if strings.Contains(line, "now ready to accept") {
				break
			}
		}
		waitForReady <- struct{}{}
		close(waitForReady)
		_, _ = io.Copy(io.Discard, &redisout)
	}()

	select {
	case <-waitForReady:
	case <-time.After(3 * time.Second):
		cleanup()
		return nil, errors.New("redis timeout")
	}

	// test whether we can actually connect
	if !pingServer(ctx, addr) {
		cleanup()
		return nil, errors.New("unable to ping")
	}

	return &process{addr: addr, close: cleanup}, nil
}

// Mini starts a miniredis server.
func Mini(ctx context.Context) (Server, error) {
	server, err := miniredis.Run()
	if err != nil {
		return nil, err
	}
	return &mini{server: server}, nil
}

type process struct {
	addr  string
	close func()
}

func (server *process) Addr() string { return server.addr }

func (server *process) URL() string { return fmt.Sprintf("redis://%s?db=0", server.addr) }

func (server *process) FastForward(d time.Duration) {
	panic("fast forward is unsupported on a redis-server process")
}

func (server *process) Close() error {
	server.close()
	return nil
}

type mini struct {
	server *miniredis.Miniredis
}

func (server *mini) Addr() string { return server.server.Addr() }

func (server *mini) URL() string { return fmt.Sprintf("redis://%s?db=0", server.server.Addr()) }

func (server *mini) FastForward(d time.Duration) { server.server.FastForward(d) }

func (server *mini) Close() error {
	server.server.Close()
	return nil
}

func freeport() (addr string, port int) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return fallbackAddr, fallbackPort
	}

	addr = listener.Addr().String()
	port = listener.Addr().(*net.TCPAddr).Port

	_ = listener.Close()
	return addr, port
}

func pingServer(ctx context.Context, addr string) bool {
	client := redis.NewClient(&redis.Options{Addr: addr, DB: 0})
	defer func() { _ = client.Close() }()
	return client.Ping(ctx).Err() == nil
}
