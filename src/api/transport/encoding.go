package transport

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"google.golang.org/protobuf/encoding/protowire"
)

// MaxFrameSize bounds a single encoded message.
const MaxFrameSize = 64 << 20

var (
	ErrFrameTooLarge = errors.New("frame exceeds maximum size")
	ErrMalformed     = errors.New("malformed message")
)

// Message field numbers.
const (
	fieldMethod   protowire.Number = 1
	fieldID       protowire.Number = 2
	fieldStatus   protowire.Number = 3
	fieldFilename protowire.Number = 4
	fieldVersion  protowire.Number = 5
	fieldHashes   protowire.Number = 6
	fieldHash     protowire.Number = 7
	fieldData     protowire.Number = 8
	fieldFound    protowire.Number = 9
	fieldError    protowire.Number = 10
	fieldFiles    protowire.Number = 11
)

// FileEntry field numbers, inside fieldFiles.
const (
	entryFilename protowire.Number = 1
	entryVersion  protowire.Number = 2
	entryHashes   protowire.Number = 3
)

// FileEntry is one record of a listFiles response.
type FileEntry struct {
	Filename string
	Version  int64
	Hashes   []string
}

// Message is both request and response on the wire. Only the fields relevant
// to Method are set; zero values are not encoded.
type Message struct {
	Method   Method
	ID       string
	Status   Status
	Filename string
	Version  int64
	Hashes   []string
	Hash     string
	Data     []byte
	Found    bool
	Error    string
	Files    []FileEntry
}

type Coder interface {
	Encode(*Message) ([]byte, error)
	Decode(io.Reader) (*Message, error)
}

// DefaultCoder writes a 4-byte big-endian length followed by the protobuf
// wire encoding of the message.
type DefaultCoder struct{}

func (c DefaultCoder) Encode(msg *Message) ([]byte, error) {
	body := msg.Marshal()
	if len(body) > MaxFrameSize {
		return nil, fmt.Errorf("encode %s: %w (%d bytes)", msg.Method, ErrFrameTooLarge, len(body))
	}
	out := make([]byte, 4, 4+len(body))
	binary.BigEndian.PutUint32(out, uint32(len(body)))
	return append(out, body...), nil
}

func (c DefaultCoder) Decode(r io.Reader) (*Message, error) {
	hdr := make([]byte, 4)
	if _, err := io.ReadFull(r, hdr); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint32(hdr)
	if length > MaxFrameSize {
		return nil, fmt.Errorf("decode: %w (%d bytes)", ErrFrameTooLarge, length)
	}
	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, fmt.Errorf("failed to read frame body: %w", err)
	}
	msg := &Message{}
	if err := msg.Unmarshal(body); err != nil {
		return nil, err
	}
	return msg, nil
}

// Marshal returns the protobuf wire encoding of m.
func (m *Message) Marshal() []byte {
	var b []byte
	b = appendVarint(b, fieldMethod, uint64(m.Method))
	b = appendString(b, fieldID, m.ID)
	b = appendVarint(b, fieldStatus, uint64(m.Status))
	b = appendString(b, fieldFilename, m.Filename)
	b = appendVarint(b, fieldVersion, uint64(m.Version))
	for _, h := range m.Hashes {
		b = protowire.AppendTag(b, fieldHashes, protowire.BytesType)
		b = protowire.AppendString(b, h)
	}
	b = appendString(b, fieldHash, m.Hash)
	if len(m.Data) > 0 {
		b = protowire.AppendTag(b, fieldData, protowire.BytesType)
		b = protowire.AppendBytes(b, m.Data)
	}
	if m.Found {
		b = appendVarint(b, fieldFound, protowire.EncodeBool(true))
	}
	b = appendString(b, fieldError, m.Error)
	for _, f := range m.Files {
		b = protowire.AppendTag(b, fieldFiles, protowire.BytesType)
		b = protowire.AppendBytes(b, f.marshal())
	}
	return b
}

// Unmarshal decodes b into m. Unknown fields are skipped.
func (m *Message) Unmarshal(b []byte) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
		}
		b = b[n:]

		switch num {
		case fieldMethod, fieldStatus, fieldVersion, fieldFound:
			v, n, err := consumeVarint(num, typ, b)
			if err != nil {
				return err
			}
			b = b[n:]
			switch num {
			case fieldMethod:
				m.Method = Method(v)
			case fieldStatus:
				m.Status = Status(v)
			case fieldVersion:
				m.Version = int64(v)
			case fieldFound:
				m.Found = protowire.DecodeBool(v)
			}

		case fieldID, fieldFilename, fieldHashes, fieldHash, fieldData, fieldError, fieldFiles:
			v, n, err := consumeBytes(num, typ, b)
			if err != nil {
				return err
			}
			b = b[n:]
			switch num {
			case fieldID:
				m.ID = string(v)
			case fieldFilename:
				m.Filename = string(v)
			case fieldHashes:
				m.Hashes = append(m.Hashes, string(v))
			case fieldHash:
				m.Hash = string(v)
			case fieldData:
				m.Data = append([]byte(nil), v...)
			case fieldError:
				m.Error = string(v)
			case fieldFiles:
				var entry FileEntry
				if err := entry.unmarshal(v); err != nil {
					return err
				}
				m.Files = append(m.Files, entry)
			}

		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return fmt.Errorf("%w: field %d: %v", ErrMalformed, num, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	return nil
}

func (f FileEntry) marshal() []byte {
	var b []byte
	b = appendString(b, entryFilename, f.Filename)
	b = appendVarint(b, entryVersion, uint64(f.Version))
	for _, h := range f.Hashes {
		b = protowire.AppendTag(b, entryHashes, protowire.BytesType)
		b = protowire.AppendString(b, h)
	}
	return b
}

func (f *FileEntry) unmarshal(b []byte) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("%w: file entry: %v", ErrMalformed, protowire.ParseError(n))
		}
		b = b[n:]

		switch num {
		case entryVersion:
			v, n, err := consumeVarint(num, typ, b)
			if err != nil {
				return err
			}
			b = b[n:]
			f.Version = int64(v)
		case entryFilename, entryHashes:
			v, n, err := consumeBytes(num, typ, b)
			if err != nil {
				return err
			}
			b = b[n:]
			if num == entryFilename {
				f.Filename = string(v)
			} else {
				f.Hashes = append(f.Hashes, string(v))
			}
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return fmt.Errorf("%w: file entry field %d: %v", ErrMalformed, num, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	return nil
}

// zero values are omitted, as proto3 does
func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func consumeVarint(num protowire.Number, typ protowire.Type, b []byte) (uint64, int, error) {
	if typ != protowire.VarintType {
		return 0, 0, fmt.Errorf("%w: field %d: wire type %d, want varint", ErrMalformed, num, typ)
	}
	v, n := protowire.ConsumeVarint(b)
	if n < 0 {
		return 0, 0, fmt.Errorf("%w: field %d: %v", ErrMalformed, num, protowire.ParseError(n))
	}
	return v, n, nil
}

func consumeBytes(num protowire.Number, typ protowire.Type, b []byte) ([]byte, int, error) {
	if typ != protowire.BytesType {
		return nil, 0, fmt.Errorf("%w: field %d: wire type %d, want bytes", ErrMalformed, num, typ)
	}
	v, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return nil, 0, fmt.Errorf("%w: field %d: %v", ErrMalformed, num, protowire.ParseError(n))
	}
	return v, n, nil
}
