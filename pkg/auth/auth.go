// Package auth defines the narrow credential boundary the streaming core
// consumes. Token acquisition and refresh live outside this module.
package auth

import "context"

// TokenSource supplies a bearer token for authenticating a connection.
// It is invoked before every (re)establishment of the transport.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// TokenFunc adapts a function to a TokenSource.
type TokenFunc func(ctx context.Context) (string, error)

func (f TokenFunc) Token(ctx context.Context) (string, error) {
	return f(ctx)
}

// StaticTokenSource returns the same token on every call.
func StaticTokenSource(token string) TokenSource {
	return staticSource(token)
}

type staticSource string

func (s staticSource) Token(context.Context) (string, error) {
	return string(s), nil
}
