package pim_test

import (
	"encoding/hex"
	"testing"

	"github.com/malbeclabs/pimd/internal/pim"
)

func FuzzPIM_Decode_NoPanic(f *testing.F) {
	f.Add(helloPacket)
	for _, c := range []string{joinPacket, prunePacket} {
		b, _ := hex.DecodeString(c)
		f.Add(b[34:])
	}
	f.Add([]byte{0x24, 0x00, 0x00, 0x00})
	f.Add([]byte{0x21, 0x00, 0x00, 0x00, 0x40, 0x00, 0x00, 0x00})

	f.Fuzz(func(t *testing.T, data []byte) {
		hdr, body, err := pim.Decode(data)
		if err != nil {
			return
		}
		if hdr == nil || body == nil {
			t.Fatalf("decode returned nil layer without error")
		}
		if reg, ok := body.(*pim.RegisterMessage); ok {
			_, _ = reg.Inner()
		}
	})
}
