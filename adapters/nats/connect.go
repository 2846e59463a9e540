package nats

import (
	"os"
	"sync"
	"sync/atomic"

	natsgo "github.com/nats-io/nats.go"
)

// EnvURL names the environment variable ConnectDefault reads the server
// URL from.
const EnvURL = "NATS_URL"

type closeFunc = func()

// Connector opens a NATS connection and returns the function that
// releases it.
type Connector func() (nc *natsgo.Conn, close closeFunc, err error)

// ReuseConnection shares one connection between all callers of the
// returned Connector. The connection closes when the last lease is
// released; the next call dials again.
func ReuseConnection(connect Connector) Connector {
	var (
		mu     sync.Mutex
		nc     *natsgo.Conn
		closer closeFunc
		leased atomic.Int64
	)
	release := func() {
		mu.Lock()
		defer mu.Unlock()
		if leased.Add(-1) == 0 && closer != nil {
			closer()
			nc, closer = nil, nil
		}
	}
	return func() (*natsgo.Conn, closeFunc, error) {
		mu.Lock()
		defer mu.Unlock()
		if nc == nil {
			var err error
			nc, closer, err = connect()
			if err != nil {
				return nil, nil, err
			}
		}
		leased.Add(1)
		var once sync.Once
		return nc, func() { once.Do(release) }, nil
	}
}

func ConnectURL(natsURL string, opts ...natsgo.Option) Connector {
	return func() (*natsgo.Conn, closeFunc, error) {
		nc, err := natsgo.Connect(
			natsURL,
			append([]natsgo.Option{natsgo.Name("escore"), natsgo.MaxReconnects(3)}, opts...)...,
		)
		if err != nil {
			return nil, nil, err
		}
		return nc, func() { nc.Close() }, nil
	}
}

// ConnectDefault connects to $NATS_URL, or to the local default server.
func ConnectDefault() Connector {
	if natsURL := os.Getenv(EnvURL); natsURL != "" {
		return ConnectURL(natsURL)
	}
	return ConnectURL(natsgo.DefaultURL)
}
