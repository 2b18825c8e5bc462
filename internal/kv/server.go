package kv

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"time"

	"github.com/apex/log"
)

// Serve answers protocol requests on l against kv until ctx is done.
func Serve(ctx context.Context, l net.Listener, kv KV) error {
	go func() {
		<-ctx.Done()
		_ = l.Close()
	}()
	for {
		conn, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			if errors.Is(err, net.ErrClosed) {
				return err
			}
			log.WithError(err).Warn("kv: accept")
			continue
		}
		go handleConn(conn, kv)
	}
}

func handleConn(conn net.Conn, kv KV) {
	defer conn.Close()
	dec := json.NewDecoder(conn)
	enc := json.NewEncoder(conn)
	for {
		var req Request
		if err := dec.Decode(&req); err != nil {
			return
		}
		if err := enc.Encode(handle(kv, req)); err != nil {
			log.WithError(err).Debug("kv: write response")
			return
		}
	}
}

func handle(kv KV, req Request) Response {
	switch req.Op {
	case OpGet:
		v, err := kv.Get(req.Key)
		if err != nil {
			return fail(err)
		}
		return Response{OK: true, Value: v}
	case OpPut:
		ttl := time.Duration(req.TTLSeconds) * time.Second
		if err := kv.Put(req.Key, req.Value, ttl); err != nil {
			return fail(err)
		}
		return Response{OK: true}
	case OpDelete:
		if err := kv.Delete(req.Key); err != nil {
			return fail(err)
		}
		return Response{OK: true}
	case OpKeys:
		keys, err := kv.Keys(req.Key)
		if err != nil {
			return fail(err)
		}
		return Response{OK: true, Keys: keys}
	}
	return Response{Error: "unknown op " + req.Op}
}

func fail(err error) Response { return Response{Error: err.Error()} }
