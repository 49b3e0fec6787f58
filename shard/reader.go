package shard

import (
	"context"
	"encoding/binary"
	"encoding/json"

	"github.com/HelloWorld017/clxdb/clxerr"
	"github.com/HelloWorld017/clxdb/crypto"
	"github.com/HelloWorld017/clxdb/document"
	"github.com/HelloWorld017/clxdb/storage"
)

// Handle is an opened shard: its decrypted header plus the salt needed to
// decrypt any of its records, ready for random or sequential reads.
type Handle struct {
	Filename string
	Salt     []byte
	Header   Header
}

// Open fetches and decrypts filename's header via three ranged reads (the
// leading salt, the trailing length, and the header block itself), and
// validates that every entry's byte range lies within the body (spec §4.4,
// §8 invariant "header's entries reference in-bounds body ranges").
func Open(ctx context.Context, backend storage.Backend, cm *crypto.Manager, filename string) (*Handle, error) {
	length, err := objectLength(ctx, backend, filename)
	if err != nil {
		return nil, err
	}
	if length < int64(SaltSize+HeaderLengthBytes) {
		return nil, clxerr.Newf(clxerr.InvariantViolation, "shard %q is too short to contain a header", filename)
	}

	salt, err := backend.GetRange(ctx, filename, 0, int64(SaltSize))
	if err != nil {
		return nil, err
	}

	lengthField, err := backend.GetRange(ctx, filename, length-int64(HeaderLengthBytes), int64(HeaderLengthBytes))
	if err != nil {
		return nil, err
	}
	headerLen := int64(binary.LittleEndian.Uint32(lengthField))

	headerStart := length - int64(HeaderLengthBytes) - headerLen
	if headerStart < int64(SaltSize) {
		return nil, clxerr.Newf(clxerr.InvariantViolation, "shard %q header length out of bounds", filename)
	}

	encryptedHeader, err := backend.GetRange(ctx, filename, headerStart, headerLen)
	if err != nil {
		return nil, err
	}

	headerJSON, err := cm.Decrypt(encryptedHeader, salt)
	if err != nil {
		return nil, err
	}

	var header Header
	if err := json.Unmarshal(headerJSON, &header); err != nil {
		return nil, clxerr.Wrap(clxerr.InvariantViolation, err, "parse shard header")
	}

	bodyLen := headerStart - int64(SaltSize)
	for _, e := range header.Entries {
		if e.Offset < 0 || e.Len < 0 || e.Offset+e.Len > bodyLen {
			return nil, clxerr.Newf(clxerr.InvariantViolation, "shard %q header entry %q out of bounds", filename, e.ID)
		}
	}

	return &Handle{Filename: filename, Salt: salt, Header: header}, nil
}

func objectLength(ctx context.Context, backend storage.Backend, filename string) (int64, error) {
	infos, err := backend.List(ctx, filename)
	if err != nil {
		return 0, err
	}
	for _, info := range infos {
		if info.Name == filename {
			return info.Length, nil
		}
	}
	return 0, clxerr.Newf(clxerr.NotFound, "shard %q not found", filename)
}

// ReadDocument decrypts a single document by id via one ranged GET of just
// its body bytes. Returns (nil, nil) if id is absent from this shard.
func (h *Handle) ReadDocument(ctx context.Context, backend storage.Backend, cm *crypto.Manager, id string) (*document.Document, error) {
	entry, ok := h.Header.Find(id)
	if !ok {
		return nil, nil
	}

	doc := document.Document{ID: entry.ID, At: entry.At, Seq: entry.Seq, Del: entry.Del}
	if entry.Del {
		return &doc, nil
	}

	ciphertext, err := backend.GetRange(ctx, h.Filename, int64(SaltSize)+entry.Offset, entry.Len)
	if err != nil {
		return nil, err
	}

	plaintext, err := cm.Decrypt(ciphertext, h.Salt)
	if err != nil {
		return nil, err
	}
	doc.Data = plaintext
	return &doc, nil
}

// StreamDocuments decrypts every document in header order, in a single
// fetch of the shard's full bytes.
func (h *Handle) StreamDocuments(ctx context.Context, backend storage.Backend, cm *crypto.Manager) ([]document.Document, error) {
	data, err := backend.Get(ctx, h.Filename)
	if err != nil {
		return nil, err
	}

	out := make([]document.Document, 0, len(h.Header.Entries))
	for _, e := range h.Header.Entries {
		doc := document.Document{ID: e.ID, At: e.At, Seq: e.Seq, Del: e.Del}
		if !e.Del {
			start := int64(SaltSize) + e.Offset
			ciphertext := data[start : start+e.Len]
			plaintext, err := cm.Decrypt(ciphertext, h.Salt)
			if err != nil {
				return nil, err
			}
			doc.Data = plaintext
		}
		out = append(out, doc)
	}
	return out, nil
}
