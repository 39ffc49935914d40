// Package idgen generates short, URL-safe build ids and forwarder tokens.
package idgen

import (
	"fmt"

	nanoid "github.com/matoous/go-nanoid/v2"
)

// Alphabet is the character set of the random part of an id.
const Alphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

const (
	// BuildPrefix starts every build id.
	BuildPrefix = "b-"
	// BuildLength is the random length of a build id.
	BuildLength = 12
	// TokenLength is the length of a forwarder capability token.
	TokenLength = 32
)

// BuildID returns a new build id.
func BuildID() (string, error) {
	id, err := nanoid.Generate(Alphabet, BuildLength)
	if err != nil {
		return "", fmt.Errorf("generating build id: %w", err)
	}

	return BuildPrefix + id, nil
}

// Token returns a new unguessable forwarder capability token.
func Token() (string, error) {
	tok, err := nanoid.Generate(Alphabet, TokenLength)
	if err != nil {
		return "", fmt.Errorf("generating token: %w", err)
	}

	return tok, nil
}
