// Package cloak turns raw tag identifiers into transportable, replay-resistant
// tokens and verifies tokens presented back to the node.
//
// A token is "<scheme> <base64(record)>". The record carries the logical-clock
// nonce it was sealed with, a one-way digest of the tag and, for keyed
// schemes, a MAC binding both to the node identity. Exactly one scheme is
// active per engine.
package cloak

import (
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/danmuck/acnode/internal/beat"
)

// Scheme names one record format.
type Scheme string

const (
	SchemeSIG1 Scheme = "sig1"
	SchemeSIG2 Scheme = "sig2"
	SchemeNone Scheme = "none"
)

// MinSecretLen is the shortest secret accepted by keyed schemes.
const MinSecretLen = 16

var (
	ErrUnknownScheme = errors.New("cloak: unknown scheme")
	ErrSecret        = errors.New("cloak: unusable secret material")
	ErrIdentity      = errors.New("cloak: node identity required")
	ErrEmptyTag      = errors.New("cloak: empty tag")
	ErrNotMine       = errors.New("cloak: token not for this scheme")
	ErrTokenEncoding = errors.New("cloak: token encoding invalid")
	ErrTokenLength   = errors.New("cloak: token length mismatch")
	ErrBadDigest     = errors.New("cloak: token digest mismatch")
	ErrReplay        = errors.New("cloak: token nonce replayed")
)

// LengthError reports a decoded record of the wrong size.
type LengthError struct {
	Expected int
	Actual   int
	Payload  string
}

func (e *LengthError) Error() string {
	return fmt.Sprintf("%v: expected %d got %d", ErrTokenLength, e.Expected, e.Actual)
}

func (e *LengthError) Unwrap() error { return ErrTokenLength }

// Config selects the scheme and provisions its secret.
type Config struct {
	Scheme Scheme
	// Secret is hex encoded. Ignored by SchemeNone.
	Secret string
	Moi    string
}

// Record is a verified token.
type Record struct {
	Scheme Scheme
	Nonce  uint64
	Digest []byte
}

// Subject names the tag behind the record. Every token cloaked from the
// same tag on this node carries the same subject.
func (r Record) Subject() string { return hex.EncodeToString(r.Digest) }

type codec interface {
	size() int
	seal(nonce uint64, tag []byte) []byte
	digest(tag []byte) []byte
	open(rec []byte) (Record, error)
}

// Engine cloaks tags and opens tokens under one scheme.
type Engine struct {
	scheme Scheme
	codec  codec
	moi    string
	clock  *beat.Counter

	mu        sync.Mutex
	highWater uint64
}

// New validates cfg and derives the scheme keys. Errors wrapping ErrSecret
// mean the provisioned material cannot be used at all.
func New(cfg Config, clock *beat.Counter) (*Engine, error) {
	moi := strings.TrimSpace(cfg.Moi)
	if moi == "" {
		return nil, ErrIdentity
	}
	if clock == nil {
		clock = &beat.Counter{}
	}
	scheme := Scheme(strings.ToLower(strings.TrimSpace(string(cfg.Scheme))))
	var c codec
	switch scheme {
	case SchemeNone:
		c = newNoneCodec(moi)
	case SchemeSIG1, SchemeSIG2:
		secret, err := decodeSecret(cfg.Secret)
		if err != nil {
			return nil, err
		}
		if scheme == SchemeSIG1 {
			c = newSIG1Codec(secret, moi)
		} else {
			c, err = newSIG2Codec(secret, moi)
			if err != nil {
				return nil, err
			}
		}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownScheme, cfg.Scheme)
	}
	return &Engine{scheme: scheme, codec: c, moi: moi, clock: clock}, nil
}

func (e *Engine) Scheme() Scheme { return e.scheme }

// RecordSize is the decoded byte length every token of this scheme has.
func (e *Engine) RecordSize() int { return e.codec.size() }

// Cloak seals tag under a fresh nonce. Two calls never return the same token.
func (e *Engine) Cloak(tag string) (string, error) {
	tag = strings.TrimSpace(tag)
	if tag == "" {
		return "", ErrEmptyTag
	}
	rec := e.codec.seal(e.clock.Next(), []byte(tag))
	return string(e.scheme) + " " + base64.StdEncoding.EncodeToString(rec), nil
}

// Subject returns the subject tokens cloaked from tag open to, without
// consuming a nonce.
func (e *Engine) Subject(tag string) (string, error) {
	tag = strings.TrimSpace(tag)
	if tag == "" {
		return "", ErrEmptyTag
	}
	return hex.EncodeToString(e.codec.digest([]byte(tag))), nil
}

// Open verifies token and returns its record. A token is accepted at most
// once: its nonce must exceed every nonce accepted before.
func (e *Engine) Open(token string) (Record, error) {
	scheme, body, ok := ParseToken(token)
	if !ok || scheme != e.scheme {
		return Record{}, ErrNotMine
	}
	raw, err := base64.StdEncoding.DecodeString(body)
	if err != nil {
		return Record{}, fmt.Errorf("%w: %v", ErrTokenEncoding, err)
	}
	if len(raw) != e.codec.size() {
		return Record{}, &LengthError{Expected: e.codec.size(), Actual: len(raw), Payload: body}
	}
	rec, err := e.codec.open(raw)
	if err != nil {
		return Record{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if rec.Nonce <= e.highWater {
		return Record{}, fmt.Errorf("%w: nonce=%d high_water=%d", ErrReplay, rec.Nonce, e.highWater)
	}
	e.highWater = rec.Nonce
	return rec, nil
}

// ParseToken splits "<scheme> <body>". The body is not decoded.
func ParseToken(token string) (Scheme, string, bool) {
	fields := strings.Fields(token)
	if len(fields) != 2 {
		return "", "", false
	}
	return Scheme(strings.ToLower(fields[0])), fields[1], true
}

func decodeSecret(raw string) ([]byte, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, fmt.Errorf("%w: missing", ErrSecret)
	}
	secret, err := hex.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSecret, err)
	}
	if len(secret) < MinSecretLen {
		return nil, fmt.Errorf("%w: %d bytes, need at least %d", ErrSecret, len(secret), MinSecretLen)
	}
	return secret, nil
}
