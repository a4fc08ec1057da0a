package server

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	maxBroadcastWorkers   = 40
	connsPerBroadcastWork = 50
)

// broadcaster writes one pre-encoded frame to many connections
type broadcaster struct {
	registry *Registry
	metrics  *Metrics
}

// toAll sends data to every registered connection
func (b *broadcaster) toAll(kind string, data []byte) int {
	return b.toConns(kind, b.registry.Snapshot(), data)
}

// toUsers sends data to the registered connection of each user, skipping
// users that are not connected
func (b *broadcaster) toUsers(kind string, userIDs []string, data []byte) int {
	conns := make([]*Conn, 0, len(userIDs))
	for _, id := range userIDs {
		if c := b.registry.Get(id); c != nil {
			conns = append(conns, c)
		}
	}
	return b.toConns(kind, conns, data)
}

// toConns writes data to conns using a bounded set of goroutines and returns
// how many writes succeeded. Connections whose write fails are closed; their
// read loops then run the normal disconnect path.
func (b *broadcaster) toConns(kind string, conns []*Conn, data []byte) int {
	start := time.Now()
	if len(conns) == 0 {
		b.metrics.RecordBroadcast(kind, 0, 0)
		return 0
	}

	numWorkers := (len(conns) + connsPerBroadcastWork - 1) / connsPerBroadcastWork
	if numWorkers > maxBroadcastWorkers {
		numWorkers = maxBroadcastWorkers
	}
	chunkSize := (len(conns) + numWorkers - 1) / numWorkers

	var (
		wg     sync.WaitGroup
		deadMu sync.Mutex
		dead   []*Conn
	)
	for i := 0; i < numWorkers; i++ {
		lo := i * chunkSize
		hi := lo + chunkSize
		if hi > len(conns) {
			hi = len(conns)
		}
		if lo >= hi {
			break
		}

		wg.Add(1)
		go func(chunk []*Conn) {
			defer wg.Done()
			for _, c := range chunk {
				if err := c.WriteBytes(data); err != nil {
					debugLog.Printf("Conn %d (%s): broadcast %s write failed: %v", c.ID, c.UserID(), kind, err)
					deadMu.Lock()
					dead = append(dead, c)
					deadMu.Unlock()
				}
			}
		}(conns[lo:hi])
	}
	wg.Wait()

	for _, c := range dead {
		c.SafeConn.Close(websocket.CloseGoingAway, "write failed")
	}

	delivered := len(conns) - len(dead)
	b.metrics.RecordBroadcast(kind, delivered, time.Since(start).Seconds())
	b.metrics.RecordFramesSent(kind, delivered)
	return delivered
}
