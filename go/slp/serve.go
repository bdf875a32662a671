package slp

import (
	"context"
	"io"

	"github.com/pkg/errors"

	"github.com/palmemu/poser/go/session"
)

// Serve reads and dispatches packets from t until it closes, ctx ends or a
// read fails. A reset raised by a handler has already been carried out by
// the router; Serve reports it and keeps going.
func Serve(ctx context.Context, t Transport, r *Router) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		p := NewPacket(t, r)
		err := p.HandleDataReceived(ctx)
		if err == nil {
			continue
		}
		if rerr, ok := session.AsReset(err); ok {
			r.log.Info("machine was reset", "kind", rerr.Kind, "reason", rerr.Msg)
			continue
		}
		switch errors.Cause(err) {
		case io.EOF:
			return nil
		case ErrWrongDestSocket:
			continue
		}
		return err
	}
}
