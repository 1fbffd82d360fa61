package cloak

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/zeebo/blake3"
	"golang.org/x/crypto/hkdf"
)

const (
	nonceLen  = 8
	digestLen = 32

	sig2Version byte = 0x02
)

// sig1: nonce | HMAC(kTag, tag) | HMAC(kMac, moi 0x00 nonce digest)
type sig1Codec struct {
	kTag []byte
	kMac []byte
	moi  []byte
}

func newSIG1Codec(secret []byte, moi string) *sig1Codec {
	return &sig1Codec{
		kTag: hmacSum(secret, []byte("acnode/sig1/tag")),
		kMac: hmacSum(secret, []byte("acnode/sig1/mac")),
		moi:  []byte(moi),
	}
}

func (c *sig1Codec) size() int { return nonceLen + 2*digestLen }

func (c *sig1Codec) seal(nonce uint64, tag []byte) []byte {
	out := make([]byte, nonceLen, c.size())
	binary.BigEndian.PutUint64(out, nonce)
	out = append(out, c.digest(tag)...)
	return append(out, c.mac(out)...)
}

func (c *sig1Codec) digest(tag []byte) []byte { return hmacSum(c.kTag, tag) }

func (c *sig1Codec) open(rec []byte) (Record, error) {
	body, mac := rec[:nonceLen+digestLen], rec[nonceLen+digestLen:]
	if subtle.ConstantTimeCompare(mac, c.mac(body)) != 1 {
		return Record{}, ErrBadDigest
	}
	return Record{
		Scheme: SchemeSIG1,
		Nonce:  binary.BigEndian.Uint64(body[:nonceLen]),
		Digest: append([]byte(nil), body[nonceLen:]...),
	}, nil
}

func (c *sig1Codec) mac(body []byte) []byte {
	m := hmac.New(sha256.New, c.kMac)
	m.Write(c.moi)
	m.Write([]byte{0})
	m.Write(body)
	return m.Sum(nil)
}

func hmacSum(key, msg []byte) []byte {
	m := hmac.New(sha256.New, key)
	m.Write(msg)
	return m.Sum(nil)
}

// sig2: version | nonce | BLAKE3(kTag, tag) | BLAKE3(kMac, version nonce digest moi)
// with both keys derived from the secret by HKDF salted with the node identity.
type sig2Codec struct {
	kTag []byte
	kMac []byte
	moi  []byte
}

func newSIG2Codec(secret []byte, moi string) (*sig2Codec, error) {
	kTag, err := deriveKey(secret, moi, "acnode sig2 tag")
	if err != nil {
		return nil, err
	}
	kMac, err := deriveKey(secret, moi, "acnode sig2 mac")
	if err != nil {
		return nil, err
	}
	return &sig2Codec{kTag: kTag, kMac: kMac, moi: []byte(moi)}, nil
}

func deriveKey(secret []byte, moi, info string) ([]byte, error) {
	key := make([]byte, digestLen)
	r := hkdf.New(sha256.New, secret, []byte(moi), []byte(info))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("%w: derive %s: %v", ErrSecret, info, err)
	}
	return key, nil
}

func (c *sig2Codec) size() int { return 1 + nonceLen + 2*digestLen }

func (c *sig2Codec) seal(nonce uint64, tag []byte) []byte {
	out := make([]byte, 1+nonceLen, c.size())
	out[0] = sig2Version
	binary.BigEndian.PutUint64(out[1:], nonce)
	out = append(out, c.digest(tag)...)
	return append(out, c.mac(out)...)
}

func (c *sig2Codec) digest(tag []byte) []byte { return keyedSum(c.kTag, tag) }

func (c *sig2Codec) open(rec []byte) (Record, error) {
	if rec[0] != sig2Version {
		return Record{}, fmt.Errorf("%w: record version %d", ErrBadDigest, rec[0])
	}
	body, mac := rec[:1+nonceLen+digestLen], rec[1+nonceLen+digestLen:]
	if subtle.ConstantTimeCompare(mac, c.mac(body)) != 1 {
		return Record{}, ErrBadDigest
	}
	return Record{
		Scheme: SchemeSIG2,
		Nonce:  binary.BigEndian.Uint64(body[1 : 1+nonceLen]),
		Digest: append([]byte(nil), body[1+nonceLen:]...),
	}, nil
}

func (c *sig2Codec) mac(body []byte) []byte {
	return keyedSum(c.kMac, body, c.moi)
}

func keyedSum(key []byte, parts ...[]byte) []byte {
	h, err := blake3.NewKeyed(key)
	if err != nil {
		// keys are always derived to digestLen bytes
		panic(err)
	}
	for _, p := range parts {
		_, _ = h.Write(p)
	}
	return h.Sum(nil)
}

// none: nonce | SHA-256(moi 0x00 tag). No key, so nothing to verify beyond
// shape and nonce freshness.
type noneCodec struct {
	moi []byte
}

func newNoneCodec(moi string) *noneCodec {
	return &noneCodec{moi: []byte(moi)}
}

func (c *noneCodec) size() int { return nonceLen + digestLen }

func (c *noneCodec) seal(nonce uint64, tag []byte) []byte {
	out := make([]byte, nonceLen, c.size())
	binary.BigEndian.PutUint64(out, nonce)
	return append(out, c.digest(tag)...)
}

func (c *noneCodec) digest(tag []byte) []byte {
	h := sha256.New()
	h.Write(c.moi)
	h.Write([]byte{0})
	h.Write(tag)
	return h.Sum(nil)
}

func (c *noneCodec) open(rec []byte) (Record, error) {
	return Record{
		Scheme: SchemeNone,
		Nonce:  binary.BigEndian.Uint64(rec[:nonceLen]),
		Digest: append([]byte(nil), rec[nonceLen:]...),
	}, nil
}
