package shard

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"io"
	"sort"

	"github.com/HelloWorld017/clxdb/clxerr"
	"github.com/HelloWorld017/clxdb/crypto"
	"github.com/HelloWorld017/clxdb/document"
)

// Written is the result of encoding a new shard: the filename it must be
// stored under and the bytes to store there.
type Written struct {
	Filename string
	Data     []byte
	Header   Header
}

// Write encodes docs as a single new level-0 shard (spec §4.4). Documents
// are sorted into At-then-ID order regardless of their input order;
// tombstones carry no ciphertext.
func Write(cm *crypto.Manager, docs []document.Document) (*Written, error) {
	sorted := append([]document.Document(nil), docs...)
	sort.Sort(document.By(sorted))

	salt := make([]byte, SaltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, clxerr.Wrap(clxerr.InvariantViolation, err, "generate shard salt")
	}

	var body []byte
	entries := make([]Entry, 0, len(sorted))

	for _, d := range sorted {
		entry := Entry{ID: d.ID, At: d.At, Seq: d.Seq, Del: d.Del, Offset: int64(len(body))}

		if !d.Del {
			ciphertext, err := cm.Encrypt(d.Data, salt)
			if err != nil {
				return nil, err
			}
			body = append(body, ciphertext...)
			entry.Len = int64(len(ciphertext))
		}

		entries = append(entries, entry)
	}

	header := Header{Version: Version, Entries: entries}
	headerJSON, err := json.Marshal(header)
	if err != nil {
		return nil, clxerr.Wrap(clxerr.InvariantViolation, err, "encode shard header")
	}

	encryptedHeader, err := cm.Encrypt(headerJSON, salt)
	if err != nil {
		return nil, err
	}

	headerLenField := make([]byte, HeaderLengthBytes)
	binary.LittleEndian.PutUint32(headerLenField, uint32(len(encryptedHeader)))

	data := make([]byte, 0, SaltSize+len(body)+len(encryptedHeader)+HeaderLengthBytes)
	data = append(data, salt...)
	data = append(data, body...)
	data = append(data, encryptedHeader...)
	data = append(data, headerLenField...)

	return &Written{Filename: nameFor(data), Data: data, Header: header}, nil
}

// nameFor content-addresses a fully-encoded shard: a hash over the salt and
// every encrypted byte, so any single flipped bit produces a different
// name (spec §4.4, "tamper-evidence").
func nameFor(data []byte) string {
	sum := sha256.Sum256(data)
	return ShardsPrefix + hex.EncodeToString(sum[:]) + ShardSuffix
}
