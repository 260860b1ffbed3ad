package bootstrap

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/couchgo/couchgo/errs"
	"github.com/couchgo/couchgo/wire"
)

// HostSpec is one cluster node as known to the Bootstrap Provider
// before any topology has been installed -- just enough to dial it.
type HostSpec struct {
	Host           string
	DataPort       int
	ManagementPort int
}

func (h HostSpec) dataAddr() string {
	return fmt.Sprintf("%s:%d", h.Host, h.DataPort)
}

func (h HostSpec) managementAddr() string {
	return fmt.Sprintf("%s:%d", h.Host, h.ManagementPort)
}

// fetchResult is what either transport produces on success: the raw
// config JSON plus the bucket name vbmap.ParseConfig will extract
// again (kept here too so callers needing just the name don't have to
// reparse).
type fetchResult struct {
	configJSON []byte
	bucketName string
}

// transport is one of the two ways the Bootstrap Provider can obtain a
// topology document (spec.md §4.6).
type transport interface {
	name() string
	// fetch performs one attempt against host, bounded by ctx. onPush,
	// if non-nil, is invoked for any server-streamed update the
	// transport keeps receiving after the first document (HTTP only;
	// CCCP ignores it). streamCtx bounds the lifetime of that push
	// continuation independently of ctx (which is only the per-host
	// attempt deadline and is cancelled by the caller right after fetch
	// returns) -- cancelling streamCtx is how the owning Provider's
	// Close stops a push stream still open long after this call
	// returned (HTTP only; CCCP ignores it, it never streams).
	fetch(ctx, streamCtx context.Context, host HostSpec, bucketName string, onPush func(fetchResult)) (fetchResult, error)
}

// --------------------------------------------------------------------
// CCCP: one opcode on the data port, connection closed after the reply.
// --------------------------------------------------------------------

type cccpTransport struct{}

func (cccpTransport) name() string { return "cccp" }

func (cccpTransport) fetch(ctx, _ context.Context, host HostSpec, bucketName string, onPush func(fetchResult)) (fetchResult, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", host.dataAddr())
	if err != nil {
		return fetchResult{}, errs.Wrap(errs.ErrNetwork, err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	req := wire.EncodeRequest(&wire.Frame{Opcode: wire.OpGetClusterConfig, Opaque: 1})
	if _, err := conn.Write(req); err != nil {
		return fetchResult{}, errs.Wrap(errs.ErrNetwork, err)
	}

	dec := wire.NewDecoder()
	buf := make([]byte, 64*1024)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			frames, decErr := dec.Feed(buf[:n])
			if decErr != nil {
				return fetchResult{}, decErr
			}
			for _, f := range frames {
				if f.Opaque != 1 {
					continue
				}
				if f.Status != wire.StatusSuccess {
					return fetchResult{}, errs.New("CCCP_ERROR", errs.ClassNetwork,
						"cccp fetch from %s returned status 0x%02x", host.dataAddr(), f.Status)
				}
				return fetchResult{configJSON: f.Value, bucketName: bucketName}, nil
			}
		}
		if err != nil {
			return fetchResult{}, errs.Wrap(errs.ErrNetwork, err)
		}
	}
}

// --------------------------------------------------------------------
// HTTP-streaming: chunked JSON feed on the management port, kept idle
// after the first document to accept server-pushed updates.
// --------------------------------------------------------------------

type httpTransport struct {
	idleTimeout time.Duration
}

func (httpTransport) name() string { return "http" }

func (t httpTransport) fetch(ctx, streamCtx context.Context, host HostSpec, bucketName string, onPush func(fetchResult)) (fetchResult, error) {
	url := fmt.Sprintf("http://%s/pools/default/bs/%s", host.managementAddr(), bucketName)
	// The request lives on streamCtx so the body survives ctx once the
	// first document is in; ctx only bounds the wait for that document.
	reqCtx, reqCancel := context.WithCancel(streamCtx)
	stopDeadline := context.AfterFunc(ctx, reqCancel)
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
	if err != nil {
		reqCancel()
		return fetchResult{}, errs.Wrap(errs.ErrNetwork, err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		reqCancel()
		return fetchResult{}, errs.Wrap(errs.ErrNetwork, err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		reqCancel()
		return fetchResult{}, errs.New("HTTP_STATUS", errs.ClassNetwork,
			"config stream from %s returned HTTP %d", host.managementAddr(), resp.StatusCode)
	}

	reader := bufio.NewReader(resp.Body)
	doc := json.NewDecoder(reader)

	var first json.RawMessage
	if err := doc.Decode(&first); err != nil {
		resp.Body.Close()
		reqCancel()
		return fetchResult{}, errs.Wrap(errs.ErrNetwork, err)
	}
	result := fetchResult{configJSON: []byte(first), bucketName: bucketName}

	if stopDeadline() && onPush != nil {
		go func() {
			defer reqCancel()
			t.streamPushedUpdates(streamCtx, resp.Body, doc, bucketName, onPush)
		}()
	} else {
		resp.Body.Close()
		reqCancel()
	}
	return result, nil
}

// streamPushedUpdates keeps reading further chunk-delimited JSON
// documents from an already-open stream, closing once idleTimeout
// passes with no further document arriving (spec.md §4.6,
// HTCONFIG_IDLE_TIMEOUT resets on every document received), a read
// fails, or streamCtx is cancelled -- the latter is how
// bootstrap.Provider.Close reaches a stream that would otherwise
// outlive the Handle that opened it. Runs in its own goroutine since
// the initial fetch has already returned.
func (t httpTransport) streamPushedUpdates(streamCtx context.Context, body interface{ Close() error }, doc *json.Decoder, bucketName string, onPush func(fetchResult)) {
	defer body.Close()

	docs := make(chan json.RawMessage, 1)
	readErr := make(chan error, 1)
	go func() {
		for {
			var next json.RawMessage
			if err := doc.Decode(&next); err != nil {
				readErr <- err
				return
			}
			docs <- next
		}
	}()

	idle := t.idleTimeout
	if idle <= 0 {
		idle = time.Hour
	}
	timer := time.NewTimer(idle)
	defer timer.Stop()

	for {
		select {
		case next := <-docs:
			onPush(fetchResult{configJSON: []byte(next), bucketName: bucketName})
			timer.Reset(idle)
		case <-readErr:
			return
		case <-timer.C:
			return
		case <-streamCtx.Done():
			return
		}
	}
}
