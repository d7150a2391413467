// Package worker runs the record store on a dedicated goroutine. Callers talk
// to it only through JSON envelopes matched by correlation ID, so the store is
// never touched concurrently and shares no memory with its callers.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/fchat-tools/profilecache/internal/metrics"
	"github.com/fchat-tools/profilecache/internal/model"
	registrystore "github.com/fchat-tools/profilecache/internal/registry/store"
)

type handler func(ctx context.Context, params json.RawMessage) (any, error)

type outcome struct {
	resp Response
	err  error
}

// Option customizes a Worker.
type Option func(*Worker)

// WithTimeout bounds each request round trip. Zero waits indefinitely.
func WithTimeout(d time.Duration) Option {
	return func(w *Worker) { w.timeout = d }
}

// Worker owns a RecordStore and serves requests for it.
type Worker struct {
	store     registrystore.RecordStore
	handlers  map[string]handler
	requests  chan Request
	responses chan Response
	quit      chan struct{}
	wg        sync.WaitGroup
	timeout   time.Duration
	cancel    context.CancelFunc

	mu      sync.Mutex
	nextID  uint64
	waiters map[uint64]chan outcome
	closed  bool
}

// Start launches the worker goroutines. The store is closed when the worker is.
func Start(store registrystore.RecordStore, opts ...Option) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	w := &Worker{
		store:     store,
		requests:  make(chan Request, 64),
		responses: make(chan Response, 64),
		quit:      make(chan struct{}),
		waiters:   make(map[uint64]chan outcome),
		cancel:    cancel,
	}
	for _, opt := range opts {
		opt(w)
	}
	w.handlers = w.routes()
	w.wg.Add(2)
	go w.serve(ctx)
	go w.dispatch()
	return w
}

// Request sends command with params and decodes the result into out (which may
// be nil). It blocks until the response arrives, ctx is done, the configured
// timeout expires, or the worker closes.
func (w *Worker) Request(ctx context.Context, command string, params any, out any) error {
	var raw json.RawMessage
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("encode %s params: %w", command, err)
		}
		raw = data
	}

	id, ch, err := w.register()
	if err != nil {
		return err
	}

	if w.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.timeout)
		defer cancel()
	}

	select {
	case w.requests <- Request{ID: id, Command: command, Params: raw}:
	case <-w.quit:
		w.take(id)
		return ErrClosed
	case <-ctx.Done():
		w.take(id)
		return ctx.Err()
	}

	select {
	case o := <-ch:
		if o.err != nil {
			return o.err
		}
		return decodeResponse(command, o.resp, out)
	case <-ctx.Done():
		if _, ok := w.take(id); ok {
			return ctx.Err()
		}
		// Resolved concurrently; the outcome is already buffered.
		o := <-ch
		if o.err != nil {
			return o.err
		}
		return decodeResponse(command, o.resp, out)
	}
}

func decodeResponse(command string, resp Response, out any) error {
	switch resp.Code {
	case "":
	case codeUnknownCommand:
		return fmt.Errorf("%w: %s", ErrUnknownCommand, command)
	case codeNotFound:
		var nf registrystore.NotFoundError
		_ = json.Unmarshal(resp.Result, &nf)
		return &nf
	case codeValidation:
		var ve registrystore.ValidationError
		_ = json.Unmarshal(resp.Result, &ve)
		return &ve
	}
	if resp.Error != "" {
		return &RemoteError{Command: command, Message: resp.Error}
	}
	if out == nil || len(resp.Result) == 0 {
		return nil
	}
	if err := json.Unmarshal(resp.Result, out); err != nil {
		return fmt.Errorf("decode %s result: %w", command, err)
	}
	return nil
}

func (w *Worker) register() (uint64, chan outcome, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return 0, nil, ErrClosed
	}
	w.nextID++
	ch := make(chan outcome, 1)
	w.waiters[w.nextID] = ch
	metrics.AddInFlight(1)
	return w.nextID, ch, nil
}

// take removes and returns the waiter for id. Only the first caller for a
// given id gets ok=true.
func (w *Worker) take(id uint64) (chan outcome, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	ch, ok := w.waiters[id]
	if ok {
		delete(w.waiters, id)
		metrics.AddInFlight(-1)
	}
	return ch, ok
}

// Pending reports the number of requests awaiting a response.
func (w *Worker) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.waiters)
}

func (w *Worker) dispatch() {
	defer w.wg.Done()
	for {
		select {
		case resp := <-w.responses:
			w.resolve(resp)
		case <-w.quit:
			return
		}
	}
}

func (w *Worker) resolve(resp Response) {
	ch, ok := w.take(resp.ID)
	if !ok {
		log.Warn("Storage worker: response for unknown request", "id", resp.ID)
		return
	}
	ch <- outcome{resp: resp}
}

func (w *Worker) serve(ctx context.Context) {
	defer w.wg.Done()
	for {
		select {
		case req := <-w.requests:
			resp := w.handle(ctx, req)
			select {
			case w.responses <- resp:
			case <-w.quit:
				return
			}
		case <-w.quit:
			return
		}
	}
}

func (w *Worker) handle(ctx context.Context, req Request) Response {
	resp := Response{ID: req.ID}
	h, ok := w.handlers[req.Command]
	if !ok {
		log.Warn("Storage worker: unknown command", "command", req.Command, "id", req.ID)
		resp.Code = codeUnknownCommand
		resp.Error = "unknown command " + req.Command
		return resp
	}
	result, err := h(ctx, req.Params)
	if err != nil {
		var nf *registrystore.NotFoundError
		var ve *registrystore.ValidationError
		switch {
		case errors.As(err, &nf):
			resp.Code = codeNotFound
			resp.Result, _ = json.Marshal(nf)
		case errors.As(err, &ve):
			resp.Code = codeValidation
			resp.Result, _ = json.Marshal(ve)
		default:
			log.Error("Storage worker: command failed", "command", req.Command, "err", err)
		}
		resp.Error = err.Error()
		return resp
	}
	if result != nil {
		data, err := json.Marshal(result)
		if err != nil {
			resp.Error = fmt.Sprintf("encode result: %v", err)
			return resp
		}
		resp.Result = data
	}
	return resp
}

// Close stops the worker, rejects every pending request with ErrClosed and
// closes the store. Safe to call more than once.
func (w *Worker) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	close(w.quit)
	pending := w.waiters
	w.waiters = make(map[uint64]chan outcome)
	w.mu.Unlock()

	for _, ch := range pending {
		metrics.AddInFlight(-1)
		ch <- outcome{err: ErrClosed}
	}
	w.cancel()
	w.wg.Wait()
	if len(pending) > 0 {
		log.Info("Storage worker: rejected pending requests on close", "count", len(pending))
	}
	return w.store.Close()
}

// --- typed client ---

func (w *Worker) GetProfile(ctx context.Context, identity string) (*model.ProfileRecord, bool, error) {
	var res profileResult
	if err := w.Request(ctx, CmdGetProfile, identityParams{Identity: identity}, &res); err != nil {
		return nil, false, err
	}
	return res.Record, res.Found, nil
}

func (w *Worker) StoreProfile(ctx context.Context, record *model.ProfileRecord) (*model.ProfileRecord, error) {
	var res model.ProfileRecord
	if err := w.Request(ctx, CmdStoreProfile, record, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (w *Worker) StoreSecondaryMeta(ctx context.Context, identity string, meta model.SecondaryMeta) error {
	return w.Request(ctx, CmdStoreSecondaryMeta, secondaryMetaParams{Identity: identity, Meta: meta}, nil)
}

func (w *Worker) RecentProfiles(ctx context.Context, limit int) ([]*model.ProfileRecord, error) {
	var res []*model.ProfileRecord
	if err := w.Request(ctx, CmdRecentProfiles, limitParams{Limit: limit}, &res); err != nil {
		return nil, err
	}
	return res, nil
}

func (w *Worker) CountProfiles(ctx context.Context) (int64, error) {
	var n int64
	err := w.Request(ctx, CmdCountProfiles, nil, &n)
	return n, err
}

func (w *Worker) GetOverrides(ctx context.Context, identity string) (*model.OverrideRecord, bool, error) {
	var res overridesResult
	if err := w.Request(ctx, CmdGetOverrides, identityParams{Identity: identity}, &res); err != nil {
		return nil, false, err
	}
	return res.Record, res.Found, nil
}

func (w *Worker) StoreOverrides(ctx context.Context, identity string, patch model.OverridePatch) (bool, error) {
	var changed bool
	err := w.Request(ctx, CmdStoreOverrides, storeOverridesParams{Identity: identity, Patch: patch}, &changed)
	return changed, err
}

func (w *Worker) GetOverridesBatch(ctx context.Context, identities []string) (map[string]*model.OverrideRecord, error) {
	res := map[string]*model.OverrideRecord{}
	if err := w.Request(ctx, CmdGetOverridesBatch, batchParams{Identities: identities}, &res); err != nil {
		return nil, err
	}
	return res, nil
}

func (w *Worker) FlushProfiles(ctx context.Context, maxAgeDays int) (int, error) {
	var n int
	err := w.Request(ctx, CmdFlushProfiles, flushParams{MaxAgeDays: maxAgeDays}, &n)
	return n, err
}

func (w *Worker) FlushOverrides(ctx context.Context, maxAgeDays int) (int, error) {
	var n int
	err := w.Request(ctx, CmdFlushOverrides, flushParams{MaxAgeDays: maxAgeDays}, &n)
	return n, err
}
