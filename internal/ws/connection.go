package ws

import (
	"context"
	"errors"
	"sync"

	"govorilka/internal/models"
)

type wsConnection interface {
	Close() error
	WriteJSON(v interface{}) error
	ReadJSON(v interface{}) error
}

type messageHub interface {
	Join(userID string) chan models.ServerFrame
	Leave(userID string, ch chan models.ServerFrame)
}

type frameHandler interface {
	HandleFrame(frame models.ClientFrame) []models.ServerFrame
	ObserveEvent(ev models.ChangeEvent)
}

type Connection struct {
	ws         wsConnection
	hub        messageHub
	session    frameHandler
	userID     string
	fromClient chan models.ClientFrame
	fromServer chan models.ServerFrame
	errorCh    chan error
}

func NewConnection(
	hub messageHub,
	ws wsConnection,
	session frameHandler,
	userID string,
) *Connection {
	return &Connection{
		ws:         ws,
		hub:        hub,
		session:    session,
		userID:     userID,
		fromClient: make(chan models.ClientFrame),
		fromServer: hub.Join(userID),
		errorCh:    make(chan error, 2),
	}
}

func (c *Connection) Handle(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer func() {
		close(c.fromClient)
		close(c.errorCh)
		c.hub.Leave(c.userID, c.fromServer)
	}()

	var wg sync.WaitGroup
	wg.Go(func() {
		c.errorCh <- c.pumpFrames(ctx)
		cancel()
	})

	wg.Go(func() {
		c.errorCh <- c.mainLoop(ctx)
		cancel()
	})

	var err error
	select {
	case err = <-c.errorCh:
	case <-ctx.Done():
	}
	c.ws.Close()
	wg.Wait()

	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	return nil
}

func (c *Connection) pumpFrames(ctx context.Context) error {
	for {
		var frame models.ClientFrame
		if err := c.ws.ReadJSON(&frame); err != nil {
			return err
		}
		select {
		case c.fromClient <- frame:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// mainLoop is the single event loop of the session: client frames and hub
// events interleave here, so the session and its view controller are never
// touched concurrently.
func (c *Connection) mainLoop(ctx context.Context) error {
	for {
		select {
		case frame := <-c.fromClient:
			for _, out := range c.session.HandleFrame(frame) {
				if err := c.ws.WriteJSON(out); err != nil {
					return err
				}
			}
		case frame, ok := <-c.fromServer:
			if !ok {
				// Hub dropped us (reconnect elsewhere or admin disconnect).
				return nil
			}
			if frame.Event != nil {
				c.session.ObserveEvent(*frame.Event)
			}
			if err := c.ws.WriteJSON(frame); err != nil {
				return err
			}
		case <-ctx.Done():
			return nil
		}
	}
}
