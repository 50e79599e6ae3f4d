package session

import (
	"testing"
	"time"
)

// FuzzSessionDecode exercises the binary record decoder with arbitrary input.
func FuzzSessionDecode(f *testing.F) {
	valid, err := Encode(testSession(time.Unix(1700000000, 0)))
	if err != nil {
		f.Fatal(err)
	}
	f.Add(valid)
	f.Add([]byte{})
	f.Add([]byte{formatVersionCurrent})
	f.Add(valid[:headerSize])
	f.Add(append(append([]byte{}, valid...), 0))

	f.Fuzz(func(t *testing.T, data []byte) {
		sess, err := Decode(data)
		if err != nil {
			return
		}
		out, err := Encode(sess)
		if err != nil {
			t.Fatalf("decoded session failed to re-encode: %v", err)
		}
		again, err := Decode(out)
		if err != nil {
			t.Fatalf("re-encoded session failed to decode: %v", err)
		}
		if *again != *sess {
			t.Fatalf("round trip mismatch: %+v != %+v", again, sess)
		}
	})
}
