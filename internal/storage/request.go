package storage

import "sync"

// Request is the pending result of one operation issued against a
// Collection. It settles exactly once, with either a value or an error.
type Request struct {
	owner  *Collection
	once   sync.Once
	doneCh chan struct{} // Closed when the request settles.
	result any
	err    error
}

func newRequest(owner *Collection) *Request {
	return &Request{owner: owner, doneCh: make(chan struct{})}
}

// Done selects when the request has settled.
func (r *Request) Done() <-chan struct{} { return r.doneCh }

// Result blocks until the request settles, then returns its value and error.
func (r *Request) Result() (any, error) {
	<-r.doneCh
	return r.result, r.err
}

// Err blocks until the request settles, then returns its error.
func (r *Request) Err() error {
	_, err := r.Result()
	return err
}

// settle resolves the request. Later calls are ignored.
func (r *Request) settle(result any, err error) *Request {
	r.once.Do(func() {
		r.result, r.err = result, err
		close(r.doneCh)
		if err != nil && r.owner != nil {
			r.owner.fail(err)
		}
	})
	return r
}
