package session

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
)

const (
	formatVersionCurrent = 1

	// Fixed-width header. The Lua patch scripts in store.go depend on these
	// offsets (1-based in Lua).
	offsetFlags        = 1
	offsetCreatedAt    = 2
	offsetLastActivity = 10
	offsetExpiresAt    = 18
	offsetIPHash       = 26
	offsetUAHash       = 58
	headerSize         = 90
)

var errInvalidVersion = errors.New("invalid session version")

// Encode serializes s into the compact binary record format.
func Encode(s *Session) ([]byte, error) {
	if s == nil {
		return nil, errors.New("nil session")
	}
	if len(s.Subject) == 0 || len(s.Subject) > 255 {
		return nil, errors.New("subject length out of range")
	}
	if len(s.SessionID) == 0 || len(s.SessionID) > 255 {
		return nil, errors.New("session id length out of range")
	}

	var buf bytes.Buffer
	buf.Grow(headerSize + 2 + len(s.Subject) + len(s.SessionID))

	buf.WriteByte(formatVersionCurrent)
	var flags uint8
	if s.Revoked {
		flags |= flagRevoked
	}
	buf.WriteByte(flags)

	var ts [8]byte
	for _, v := range []int64{s.CreatedAt, s.LastActivityAt, s.ExpiresAt} {
		binary.BigEndian.PutUint64(ts[:], uint64(v))
		buf.Write(ts[:])
	}
	buf.Write(s.IPHash[:])
	buf.Write(s.UserAgentHash[:])

	buf.WriteByte(byte(len(s.Subject)))
	buf.WriteString(s.Subject)
	buf.WriteByte(byte(len(s.SessionID)))
	buf.WriteString(s.SessionID)

	return buf.Bytes(), nil
}

// Decode parses a record produced by Encode.
func Decode(data []byte) (*Session, error) {
	if len(data) < headerSize+2 {
		return nil, io.ErrUnexpectedEOF
	}
	if data[0] != formatVersionCurrent {
		return nil, errInvalidVersion
	}

	s := &Session{
		Revoked:        data[offsetFlags]&flagRevoked != 0,
		CreatedAt:      int64(binary.BigEndian.Uint64(data[offsetCreatedAt:])),
		LastActivityAt: int64(binary.BigEndian.Uint64(data[offsetLastActivity:])),
		ExpiresAt:      int64(binary.BigEndian.Uint64(data[offsetExpiresAt:])),
	}
	copy(s.IPHash[:], data[offsetIPHash:offsetUAHash])
	copy(s.UserAgentHash[:], data[offsetUAHash:headerSize])

	reader := bytes.NewReader(data[headerSize:])

	subjectLen, err := reader.ReadByte()
	if err != nil {
		return nil, err
	}
	subject := make([]byte, subjectLen)
	if _, err := io.ReadFull(reader, subject); err != nil {
		return nil, err
	}
	s.Subject = string(subject)

	sidLen, err := reader.ReadByte()
	if err != nil {
		return nil, err
	}
	sid := make([]byte, sidLen)
	if _, err := io.ReadFull(reader, sid); err != nil {
		return nil, err
	}
	s.SessionID = string(sid)

	if reader.Len() != 0 {
		return nil, errors.New("trailing bytes in session record")
	}
	if s.Subject == "" || s.SessionID == "" {
		return nil, errors.New("empty session identity")
	}

	return s, nil
}
