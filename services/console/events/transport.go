// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package events

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Conn is one open push-stream connection.
type Conn interface {
	// ReadMessage blocks until the next text frame arrives or the
	// connection fails.
	ReadMessage() ([]byte, error)

	// Close releases the connection. It unblocks a pending ReadMessage.
	Close() error
}

// Dialer opens push-stream connections.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// WebsocketDialer dials the server's websocket event stream.
type WebsocketDialer struct {
	// Dialer is the underlying gorilla dialer. Nil uses websocket.DefaultDialer.
	Dialer *websocket.Dialer

	// Header is sent with the upgrade request.
	Header http.Header

	// ReadTimeout is how long the stream may stay silent, pings included,
	// before it is considered dead. Zero disables the deadline and the
	// client pings.
	ReadTimeout time.Duration
}

// writeTimeout bounds a single control frame write.
const writeTimeout = time.Second

// pingInterval keeps a quiet but healthy stream inside its read deadline.
func pingInterval(readTimeout time.Duration) time.Duration {
	return readTimeout * 9 / 10
}

// Dial opens a websocket connection to url.
func (d *WebsocketDialer) Dial(ctx context.Context, url string) (Conn, error) {
	wd := d.Dialer
	if wd == nil {
		wd = websocket.DefaultDialer
	}
	wc, resp, err := wd.DialContext(ctx, url, d.Header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: status %d: %w", url, resp.StatusCode, err)
		}
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}

	c := &wsConn{wc: wc, readTimeout: d.ReadTimeout, done: make(chan struct{})}
	if c.readTimeout > 0 {
		c.extendDeadline()
		wc.SetPingHandler(func(appData string) error {
			c.extendDeadline()
			err := wc.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(writeTimeout))
			if err == websocket.ErrCloseSent {
				return nil
			}
			return err
		})
		wc.SetPongHandler(func(string) error {
			c.extendDeadline()
			return nil
		})
		go c.ping(pingInterval(c.readTimeout))
	}
	return c, nil
}

type wsConn struct {
	wc          *websocket.Conn
	readTimeout time.Duration
	done        chan struct{}
	closeOnce   sync.Once
	closeErr    error
}

// ping writes a ping every interval until the connection is closed or a
// write fails. A failed write leaves the read deadline to end the stream.
func (c *wsConn) ping(interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-t.C:
			err := c.wc.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout))
			if err != nil {
				return
			}
		}
	}
}

func (c *wsConn) extendDeadline() {
	_ = c.wc.SetReadDeadline(time.Now().Add(c.readTimeout))
}

// ReadMessage skips non-text frames.
func (c *wsConn) ReadMessage() ([]byte, error) {
	for {
		mt, data, err := c.wc.ReadMessage()
		if err != nil {
			return nil, err
		}
		if c.readTimeout > 0 {
			c.extendDeadline()
		}
		if mt != websocket.TextMessage {
			continue
		}
		return data, nil
	}
}

func (c *wsConn) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.wc.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeTimeout))
		c.closeErr = c.wc.Close()
	})
	return c.closeErr
}
