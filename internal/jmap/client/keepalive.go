package client

import (
	"context"
	"time"

	"jmapmail/internal/common/logger"
)

func (c *Client) startKeepAlive() {
	if c.opts.KeepAliveInterval < 0 {
		return
	}
	c.kaMu.Lock()
	defer c.kaMu.Unlock()
	if c.kaStop != nil {
		return
	}
	stop, done := make(chan struct{}), make(chan struct{})
	c.kaStop, c.kaDone = stop, done
	go c.keepAliveLoop(c.opts.KeepAliveInterval, stop, done)
}

func (c *Client) stopKeepAlive() {
	c.kaMu.Lock()
	stop, done := c.kaStop, c.kaDone
	c.kaStop, c.kaDone = nil, nil
	c.kaMu.Unlock()

	if stop == nil {
		return
	}
	close(stop)
	<-done
}

func (c *Client) keepAliveLoop(interval time.Duration, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			c.ping(ctx)
		}
	}
}

// ping sends one echo. A failed echo gets exactly one reconnect attempt,
// and a failed reconnect is only logged.
func (c *Client) ping(ctx context.Context) {
	pingCtx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()

	err := c.Echo(pingCtx)
	if err == nil {
		return
	}
	if ctx.Err() != nil {
		return
	}
	logger.LogWarn(c.log, "JMAP keep-alive failed, reconnecting", "error", err)

	reconnectCtx, cancelReconnect := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancelReconnect()
	if err := c.discover(reconnectCtx); err != nil {
		logger.LogError(c.log, "JMAP reconnect failed", "error", err)
		return
	}
	logger.LogInfo(c.log, "JMAP session re-established")
}
