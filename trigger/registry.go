// Package trigger combines several methods to trigger some victim program behaviour under a common interface and
//allows to uniformly request a trigger via a URI
package trigger

import (
	"context"
	"fmt"
	"net/url"
	"sync"
)

//Triggerer abstracts various ways to trigger some victim code behaviour
type Triggerer interface {
	//Execute returns the result of the operation, if there is any, or an error.
	//If the underlying implementation makes an HTTP GET request the result
	//could e.g. be the HTTP body.
	Execute(ctx context.Context) ([]byte, error)
}

//Factory builds a Triggerer for a parsed URI
type Factory func(u *url.URL) (Triggerer, error)

//Registry resolves URIs to Triggerers by their scheme
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

//NewRegistry returns a registry that knows the http, https and ssh schemes
func NewRegistry() *Registry {
	r := &Registry{factories: make(map[string]Factory)}
	httpFactory := func(u *url.URL) (Triggerer, error) {
		return NewHTTPTrigger(u.String()), nil
	}
	r.Register("http", httpFactory)
	r.Register("https", httpFactory)
	r.Register("ssh", func(u *url.URL) (Triggerer, error) {
		if u.Host == "" {
			return nil, fmt.Errorf("ssh URI without host")
		}
		return NewSSHTrigger(u.User.Username(), u.Host), nil
	})
	return r
}

//Register adds or replaces the factory for scheme
func (r *Registry) Register(scheme string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[scheme] = f
}

//NewTriggerFromURI resolves the uri to a Triggerer. Returns an error
//if no Triggerer is known for the given uri
func (r *Registry) NewTriggerFromURI(uri string) (Triggerer, error) {
	parsedURI, err := url.Parse(uri)
	if err != nil {
		return nil, fmt.Errorf("failed to parse URI : %v", err)
	}
	r.mu.RLock()
	f, ok := r.factories[parsedURI.Scheme]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unsupported protocol %v", parsedURI.Scheme)
	}
	return f(parsedURI)
}
