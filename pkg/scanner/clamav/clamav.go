// Package clamav contributes matches from a clamd daemon to scans.
package clamav

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/dutchcoders/go-clamd"
	"github.com/kubescape/endpoint-agent/pkg/machtime"
	"github.com/kubescape/endpoint-agent/pkg/scanner"
	"github.com/kubescape/go-logger"
	"github.com/kubescape/go-logger/helpers"
)

// RuleIDPrefix prefixes clamd signature names to form rule ids.
const RuleIDPrefix = "clamav:"

// Client is the part of the clamd client the backend uses.
type Client interface {
	Ping() error
	ScanStream(r io.Reader, abort chan bool) (chan *clamd.ScanResult, error)
}

var _ scanner.Backend = (*Backend)(nil)

type Backend struct {
	client Client
	action scanner.Action
}

// NewBackend connects to clamd at address (tcp://host:port or a unix socket
// path). Matches request action.
func NewBackend(address string, action scanner.Action) *Backend {
	return NewBackendWithClient(clamd.NewClamd(address), action)
}

func NewBackendWithClient(client Client, action scanner.Action) *Backend {
	if action == "" {
		action = scanner.ActionBlock
	}
	return &Backend{client: client, action: action}
}

func (b *Backend) Name() string {
	return "clamav"
}

// WaitReady pings clamd with exponential backoff until it answers or
// maxElapsed passes.
func (b *Backend) WaitReady(ctx context.Context, maxElapsed time.Duration) error {
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = maxElapsed
	return backoff.Retry(func() error {
		if err := b.client.Ping(); err != nil {
			logger.L().Debug("clamd not ready", helpers.Error(err))
			return err
		}
		return nil
	}, backoff.WithContext(bo, ctx))
}

// Scan streams the content to clamd. The connection is aborted when deadline
// passes or ctx is done; the result is then marked truncated.
func (b *Backend) Scan(ctx context.Context, open func() (io.ReadCloser, error), deadline uint64) (scanner.BackendResult, error) {
	r, err := open()
	if err != nil {
		return scanner.BackendResult{}, err
	}
	defer r.Close()

	// the client holds its connection until abort is closed
	abort := make(chan bool)
	var aborted atomic.Bool
	var once sync.Once
	stop := func(timedOut bool) {
		once.Do(func() {
			aborted.Store(timedOut)
			close(abort)
		})
	}
	defer stop(false)

	if deadline != 0 {
		timer := time.AfterFunc(machtime.Remaining(deadline), func() { stop(true) })
		defer timer.Stop()
	}
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			stop(true)
		case <-done:
		}
	}()

	res := scanner.BackendResult{}
	results, err := b.client.ScanStream(r, abort)
	if err != nil {
		if aborted.Load() {
			res.Truncated = true
			return res, nil
		}
		return res, fmt.Errorf("clamd scan: %w", err)
	}

	var scanErr error
	for sr := range results {
		switch sr.Status {
		case clamd.RES_FOUND:
			if res.Matches == nil {
				res.Matches = map[string]scanner.Action{}
			}
			res.Matches[RuleIDPrefix+sr.Description] = b.action
		case clamd.RES_ERROR, clamd.RES_PARSE_ERROR:
			scanErr = fmt.Errorf("clamd: %s", sr.Raw)
		}
	}
	if aborted.Load() {
		res.Truncated = true
		return res, nil
	}
	return res, scanErr
}
