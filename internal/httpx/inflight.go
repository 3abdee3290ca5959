package httpx

import (
	"io"
	"net/http"
	"sync"
)

// InFlight counts outstanding requests so a UI can show a loading indicator.
// The count drops when the response body is closed (or the round trip fails).
type InFlight struct {
	base http.RoundTripper

	mu        sync.Mutex
	pending   int
	watch     map[int]chan bool
	nextWatch int
}

func NewInFlight(base http.RoundTripper) *InFlight {
	if base == nil {
		base = http.DefaultTransport
	}
	return &InFlight{base: base, watch: make(map[int]chan bool)}
}

func (f *InFlight) Pending() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pending
}

func (f *InFlight) Loading() bool { return f.Pending() > 0 }

// Watch returns a channel that receives the loading flag whenever it flips.
// Slow readers only see the latest value. cancel unsubscribes and closes the channel.
func (f *InFlight) Watch() (<-chan bool, func()) {
	ch := make(chan bool, 1)
	f.mu.Lock()
	id := f.nextWatch
	f.nextWatch++
	ch <- f.pending > 0
	f.watch[id] = ch
	f.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			f.mu.Lock()
			delete(f.watch, id)
			f.mu.Unlock()
			close(ch)
		})
	}
}

func (f *InFlight) RoundTrip(req *http.Request) (*http.Response, error) {
	f.add(1)
	resp, err := f.base.RoundTrip(req)
	if err != nil {
		f.add(-1)
		return nil, err
	}
	resp.Body = &doneBody{ReadCloser: resp.Body, done: func() { f.add(-1) }}
	return resp, nil
}

func (f *InFlight) add(d int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	was := f.pending > 0
	f.pending += d
	if now := f.pending > 0; now != was {
		for _, ch := range f.watch {
			select {
			case <-ch:
			default:
			}
			ch <- now
		}
	}
}

type doneBody struct {
	io.ReadCloser
	once sync.Once
	done func()
}

func (b *doneBody) Close() error {
	err := b.ReadCloser.Close()
	b.once.Do(b.done)
	return err
}
