package client

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"jmapmail/internal/common/logger"
	"jmapmail/internal/common/retry"
	"jmapmail/internal/jmap/protocol"
)

// Type names in a StateChange.
const (
	TypeMailbox = "Mailbox"
	TypeEmail   = "Email"
)

// States maps account id -> type name -> state token.
type States map[protocol.Id]map[string]string

// StateChange carries only the tokens that changed since the previous
// snapshot: account id -> type name -> new token.
type StateChange struct {
	Changed States
}

// Has reports whether typ changed in account.
func (s StateChange) Has(account protocol.Id, typ string) bool {
	_, ok := s.Changed[account][typ]
	return ok
}

// NotificationSource delivers state changes to subscribers. The returned
// function removes the subscription and may be called more than once.
type NotificationSource interface {
	Subscribe(fn func(StateChange)) (unsubscribe func())
}

// StateFetcher returns the current state snapshot.
type StateFetcher interface {
	FetchStates(ctx context.Context) (States, error)
}

// FetchStates reads the Mailbox and Email state tokens of every account
// without fetching any objects. Calls are batched up to the server's
// maxCallsInRequest. A shared account whose calls fail is logged and left
// out; a failure for the primary account fails the whole fetch.
func (c *Client) FetchStates(ctx context.Context) (States, error) {
	session := c.Session()
	if session == nil {
		return nil, ErrNotConnected
	}
	accounts := session.AccountIds()
	if len(accounts) == 0 {
		return nil, &protocol.NoAccountError{}
	}
	primary := accounts[0]

	perRequest := len(accounts)
	if limit := c.MaxCallsInRequest() / 2; limit > 0 && limit < perRequest {
		perRequest = limit
	}

	states := States{}
	for batch := range slices.Chunk(accounts, perRequest) {
		calls := make([]protocol.MethodCall, 0, 2*len(batch))
		for i, acct := range batch {
			noIds := map[string]any{"accountId": acct, "ids": []protocol.Id{}}
			calls = append(calls,
				protocol.MethodCall{Name: protocol.MethodMailboxGet, Arguments: noIds, CallId: fmt.Sprintf("m%d", i)},
				protocol.MethodCall{Name: protocol.MethodEmailGet, Arguments: noIds, CallId: fmt.Sprintf("e%d", i)},
			)
		}
		resp, err := c.Request(ctx, calls...)
		if err != nil {
			return nil, err
		}
		for i, acct := range batch {
			var mb, em protocol.StateResponse
			err := resp.Decode(fmt.Sprintf("m%d", i), protocol.MethodMailboxGet, &mb)
			if err == nil {
				err = resp.Decode(fmt.Sprintf("e%d", i), protocol.MethodEmailGet, &em)
			}
			if err != nil {
				if acct == primary {
					return nil, err
				}
				logger.LogWarn(c.log, "Failed to read account state", "account_id", acct, "error", err)
				continue
			}
			states[acct] = map[string]string{TypeMailbox: mb.State, TypeEmail: em.State}
		}
	}
	return states, nil
}

// NewPoller returns a poller over this client using its poll options.
func (c *Client) NewPoller() *Poller {
	return NewPoller(c, c.opts.PollInterval, c.opts.MaxPollBackoff, c.log)
}

// Poller emulates push by re-reading state tokens on an interval and
// reporting the ones that changed. It runs while it has subscribers.
// Consecutive failures stretch the interval exponentially up to maxBackoff.
type Poller struct {
	fetcher    StateFetcher
	interval   time.Duration
	maxBackoff time.Duration
	timeout    time.Duration
	log        *slog.Logger

	mu     sync.Mutex
	subs   map[int]func(StateChange)
	nextId int
	stopCh chan struct{}
	done   chan struct{}
	// exited is closed once the most recently halted loop has returned.
	exited chan struct{}
	last   States
}

// NewPoller creates a stopped poller.
func NewPoller(fetcher StateFetcher, interval, maxBackoff time.Duration, log *slog.Logger) *Poller {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	if maxBackoff < interval {
		maxBackoff = interval
	}
	return &Poller{
		fetcher:    fetcher,
		interval:   interval,
		maxBackoff: maxBackoff,
		timeout:    DefaultTimeout,
		log:        log,
		subs:       make(map[int]func(StateChange)),
	}
}

// Subscribe registers fn and starts polling if it was stopped. A restarted
// loop does not fetch until the previous one has exited.
func (p *Poller) Subscribe(fn func(StateChange)) func() {
	p.mu.Lock()
	id := p.nextId
	p.nextId++
	p.subs[id] = fn
	if p.stopCh == nil {
		p.stopCh, p.done = make(chan struct{}), make(chan struct{})
		go p.run(p.exited, p.stopCh, p.done)
	}
	p.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			p.mu.Lock()
			delete(p.subs, id)
			if len(p.subs) == 0 {
				p.haltLocked()
			}
			p.mu.Unlock()
		})
	}
}

// Running reports whether the polling goroutine is active.
func (p *Poller) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stopCh != nil
}

// Stop ends polling, drops every subscriber and waits for the loop to exit,
// including a loop already halted by the last unsubscribe. It must not be
// called from a subscriber. Calling it again is a no-op.
func (p *Poller) Stop() {
	p.mu.Lock()
	p.subs = make(map[int]func(StateChange))
	p.haltLocked()
	exited := p.exited
	p.mu.Unlock()
	if exited != nil {
		<-exited
	}
}

// haltLocked signals the running loop to stop without waiting for it.
// Unsubscribe may run inside a subscriber, on the loop's own goroutine.
func (p *Poller) haltLocked() {
	if p.stopCh == nil {
		return
	}
	close(p.stopCh)
	p.exited = p.done
	p.stopCh, p.done = nil, nil
	p.last = nil
}

func stopped(stop <-chan struct{}) bool {
	select {
	case <-stop:
		return true
	default:
		return false
	}
}

// run polls until stop is closed. It waits for the previous loop first so
// two loops never fetch at the same time.
func (p *Poller) run(previous <-chan struct{}, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	if previous != nil {
		<-previous
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	failures := 0
	if err := p.poll(ctx, stop); err != nil {
		failures++
	}
	timer := time.NewTimer(p.delay(failures))
	defer timer.Stop()

	for {
		select {
		case <-stop:
			return
		case <-timer.C:
			if stopped(stop) {
				return
			}
			if err := p.poll(ctx, stop); err != nil {
				failures++
				logger.LogDebug(p.log, "State poll failed", "failures", failures, "error", err)
			} else {
				failures = 0
			}
			timer.Reset(p.delay(failures))
		}
	}
}

// delay is interval * 2^(failures-1), capped at maxBackoff.
func (p *Poller) delay(failures int) time.Duration {
	if failures <= 1 {
		return p.interval
	}
	return retry.Backoff(failures-1, p.interval, p.maxBackoff)
}

// poll fetches one snapshot. The first successful snapshot is the baseline
// and notifies nobody.
func (p *Poller) poll(ctx context.Context, stop <-chan struct{}) error {
	if stopped(stop) {
		return nil
	}
	pollCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	states, err := p.fetcher.FetchStates(pollCtx)
	if err != nil {
		return err
	}

	p.mu.Lock()
	select {
	case <-stop:
		p.mu.Unlock()
		return nil
	default:
	}
	prev := p.last
	p.last = states
	subs := make([]func(StateChange), 0, len(p.subs))
	for _, id := range slices.Sorted(maps.Keys(p.subs)) {
		subs = append(subs, p.subs[id])
	}
	p.mu.Unlock()

	if prev == nil {
		return nil
	}
	changed := diffStates(prev, states)
	if len(changed) == 0 {
		return nil
	}
	logger.LogDebug(p.log, "State change detected", "changes", len(changed))
	for _, fn := range subs {
		fn(StateChange{Changed: changed})
	}
	return nil
}

func diffStates(prev, next States) States {
	changed := States{}
	for acct, types := range next {
		for typ, token := range types {
			if prev[acct][typ] == token {
				continue
			}
			if changed[acct] == nil {
				changed[acct] = map[string]string{}
			}
			changed[acct][typ] = token
		}
	}
	return changed
}
