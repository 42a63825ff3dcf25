package protocol

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
)

// CodecVersion is the first byte of every sub-request and sub-response.
const CodecVersion uint8 = 1

const (
	// KeySize is the width of a lookup key (key image, tx-out hash).
	KeySize = 32

	// MaxKeysPerRequest bounds the number of keys in one sub-request.
	MaxKeysPerRequest = 1024

	subRequestHeaderSize  = 1 + 2
	subResponseHeaderSize = 1 + 8 + 8 + 2
	// ItemResultSize is the encoded width of one ItemResult.
	ItemResultSize = KeySize + 4 + 8
)

var ErrMalformed = errors.New("malformed payload")

// Key is a fixed-width lookup key.
type Key [KeySize]byte

func (k Key) String() string {
	return hex.EncodeToString(k[:])
}

func (k Key) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

func (k *Key) UnmarshalText(text []byte) error {
	raw, err := hex.DecodeString(string(text))
	if err != nil {
		return fmt.Errorf("invalid key hex: %w", err)
	}
	if len(raw) != KeySize {
		return fmt.Errorf("invalid key length %d", len(raw))
	}
	copy(k[:], raw)
	return nil
}

// ParseKey decodes a hex-encoded key.
func ParseKey(s string) (Key, error) {
	var k Key
	err := k.UnmarshalText([]byte(s))
	return k, err
}

// ResultCode is the per-key lookup status. It is encoded as a fixed-width
// field so response size does not depend on it.
type ResultCode uint32

const (
	ResultFound ResultCode = iota + 1
	ResultNotFound
	ResultError
)

func (c ResultCode) String() string {
	switch c {
	case ResultFound:
		return "found"
	case ResultNotFound:
		return "not_found"
	case ResultError:
		return "error"
	default:
		return fmt.Sprintf("result(%d)", uint32(c))
	}
}

// SubRequest is the plaintext a client encrypts to one shard.
type SubRequest struct {
	Keys []Key
}

// ItemResult is the lookup result for one key. LocatedAt is only
// meaningful when Code is ResultFound and is encoded as zero otherwise.
type ItemResult struct {
	Key       Key
	Code      ResultCode
	LocatedAt uint64
}

// SubResponse is the plaintext a shard encrypts back to the client.
type SubResponse struct {
	// Freshness is the number of blocks the shard has ingested.
	Freshness       uint64
	GlobalItemCount uint64
	Results         []ItemResult
}

// Find returns the result for key, if present.
func (r *SubResponse) Find(key Key) (ItemResult, bool) {
	for _, res := range r.Results {
		if res.Key == key {
			return res, true
		}
	}
	return ItemResult{}, false
}

// EncodeSubRequest encodes a sub-request:
//
//	version u8 | count u16 | count × key[32]
func EncodeSubRequest(req *SubRequest) ([]byte, error) {
	if len(req.Keys) > MaxKeysPerRequest {
		return nil, fmt.Errorf("%w: %d keys exceeds %d", ErrMalformed, len(req.Keys), MaxKeysPerRequest)
	}

	buf := make([]byte, subRequestHeaderSize+len(req.Keys)*KeySize)
	buf[0] = CodecVersion
	binary.BigEndian.PutUint16(buf[1:3], uint16(len(req.Keys)))

	off := subRequestHeaderSize
	for _, k := range req.Keys {
		copy(buf[off:off+KeySize], k[:])
		off += KeySize
	}
	return buf, nil
}

// DecodeSubRequest is the inverse of EncodeSubRequest. Trailing bytes are
// rejected.
func DecodeSubRequest(data []byte) (*SubRequest, error) {
	if len(data) < subRequestHeaderSize {
		return nil, fmt.Errorf("%w: short sub-request", ErrMalformed)
	}
	if data[0] != CodecVersion {
		return nil, fmt.Errorf("%w: version %d", ErrMalformed, data[0])
	}

	count := int(binary.BigEndian.Uint16(data[1:3]))
	if count > MaxKeysPerRequest {
		return nil, fmt.Errorf("%w: %d keys exceeds %d", ErrMalformed, count, MaxKeysPerRequest)
	}
	if len(data) != subRequestHeaderSize+count*KeySize {
		return nil, fmt.Errorf("%w: sub-request length %d for %d keys", ErrMalformed, len(data), count)
	}

	req := &SubRequest{Keys: make([]Key, count)}
	off := subRequestHeaderSize
	for i := range req.Keys {
		copy(req.Keys[i][:], data[off:off+KeySize])
		off += KeySize
	}
	return req, nil
}

// EncodeSubResponse encodes a sub-response:
//
//	version u8 | freshness u64 | global_item_count u64 | count u16 |
//	count × (key[32] | code u32 | located_at u64)
func EncodeSubResponse(resp *SubResponse) ([]byte, error) {
	if len(resp.Results) > MaxKeysPerRequest {
		return nil, fmt.Errorf("%w: %d results exceeds %d", ErrMalformed, len(resp.Results), MaxKeysPerRequest)
	}

	buf := make([]byte, subResponseHeaderSize+len(resp.Results)*ItemResultSize)
	buf[0] = CodecVersion
	binary.BigEndian.PutUint64(buf[1:9], resp.Freshness)
	binary.BigEndian.PutUint64(buf[9:17], resp.GlobalItemCount)
	binary.BigEndian.PutUint16(buf[17:19], uint16(len(resp.Results)))

	off := subResponseHeaderSize
	for _, r := range resp.Results {
		locatedAt := r.LocatedAt
		if r.Code != ResultFound {
			locatedAt = 0
		}
		copy(buf[off:off+KeySize], r.Key[:])
		binary.BigEndian.PutUint32(buf[off+KeySize:off+KeySize+4], uint32(r.Code))
		binary.BigEndian.PutUint64(buf[off+KeySize+4:off+ItemResultSize], locatedAt)
		off += ItemResultSize
	}
	return buf, nil
}

// DecodeSubResponse is the inverse of EncodeSubResponse. Unknown result
// codes are rejected.
func DecodeSubResponse(data []byte) (*SubResponse, error) {
	if len(data) < subResponseHeaderSize {
		return nil, fmt.Errorf("%w: short sub-response", ErrMalformed)
	}
	if data[0] != CodecVersion {
		return nil, fmt.Errorf("%w: version %d", ErrMalformed, data[0])
	}

	count := int(binary.BigEndian.Uint16(data[17:19]))
	if count > MaxKeysPerRequest {
		return nil, fmt.Errorf("%w: %d results exceeds %d", ErrMalformed, count, MaxKeysPerRequest)
	}
	if len(data) != subResponseHeaderSize+count*ItemResultSize {
		return nil, fmt.Errorf("%w: sub-response length %d for %d results", ErrMalformed, len(data), count)
	}

	resp := &SubResponse{
		Freshness:       binary.BigEndian.Uint64(data[1:9]),
		GlobalItemCount: binary.BigEndian.Uint64(data[9:17]),
		Results:         make([]ItemResult, count),
	}

	off := subResponseHeaderSize
	for i := range resp.Results {
		r := &resp.Results[i]
		copy(r.Key[:], data[off:off+KeySize])
		r.Code = ResultCode(binary.BigEndian.Uint32(data[off+KeySize : off+KeySize+4]))
		r.LocatedAt = binary.BigEndian.Uint64(data[off+KeySize+4 : off+ItemResultSize])
		switch r.Code {
		case ResultFound, ResultNotFound, ResultError:
		default:
			return nil, fmt.Errorf("%w: result code %d", ErrMalformed, r.Code)
		}
		off += ItemResultSize
	}
	return resp, nil
}

// SubResponseSize returns the encoded size of a sub-response with n results.
func SubResponseSize(n int) int {
	return subResponseHeaderSize + n*ItemResultSize
}
