// Package nats moves supervisor/worker envelopes over NATS subjects. It is
// used when workers run on other hosts or their stdio is taken.
package nats

import (
	"os"
	"sync"

	natsgo "github.com/nats-io/nats.go"
)

// EnvURL names the environment variable consulted by ConnectDefault.
const EnvURL = "NATS_URL"

type closeFunc = func()

// Connector opens a NATS connection and returns a function releasing it.
type Connector func() (nc *natsgo.Conn, close closeFunc, err error)

// ReuseConnection shares one connection between all callers of the returned
// Connector. The connection is closed when the last lease is released and
// reopened on the next call.
func ReuseConnection(connect Connector) Connector {
	var (
		mu       sync.Mutex
		nc       *natsgo.Conn
		closeCon closeFunc
		leased   int
	)
	return func() (*natsgo.Conn, closeFunc, error) {
		mu.Lock()
		defer mu.Unlock()
		if nc == nil {
			var err error
			nc, closeCon, err = connect()
			if err != nil {
				nc = nil
				return nil, nil, err
			}
		}
		leased++
		var once sync.Once
		release := func() {
			once.Do(func() {
				mu.Lock()
				defer mu.Unlock()
				leased--
				if leased == 0 {
					closeCon()
					nc = nil
				}
			})
		}
		return nc, release, nil
	}
}

func ConnectURL(natsURL string) Connector {
	return func() (*natsgo.Conn, closeFunc, error) {
		nc, err := natsgo.Connect(
			natsURL,
			natsgo.Name("shardvisor"),
			natsgo.MaxReconnects(3),
		)
		if err != nil {
			return nil, nil, err
		}
		return nc, func() { nc.Close() }, nil
	}
}

func ConnectDefault() Connector {
	if natsURL := os.Getenv(EnvURL); natsURL != "" {
		return ConnectURL(natsURL)
	}
	return ConnectURL(natsgo.DefaultURL)
}
