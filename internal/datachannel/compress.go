package datachannel

//
// Compression-hint framing. Only the no-compression framings are
// supported: the one-byte stub marker and the old "comp-lzo no"
// preamble. Actual compression algorithms are out of scope.
//

import (
	"fmt"

	"github.com/protovpn/protovpn/internal/model"
)

// Compression framing bytes.
const (
	compressByteNone = 0x00
	compressByteLZO  = 0xfa
	compressByteStub = 0xfb
)

// doCompress adds the compression preamble required by the negotiated
// framing. With the compression stub the first byte swaps to the last
// position and a 0xfb marker takes its place; lzo-no prepends 0xfa.
func doCompress(b []byte, compress model.Compression) ([]byte, error) {
	switch compress {
	case model.CompressionStub:
		if len(b) == 0 {
			return b, nil
		}
		b = append(b, b[0])
		b[0] = compressByteStub
	case model.CompressionLZONo:
		b = append([]byte{compressByteLZO}, b...)
	}
	return b, nil
}

// doDecompress undoes the compression framing on a decrypted payload.
func doDecompress(b []byte, compress model.Compression) ([]byte, error) {
	var compr byte
	var payload []byte
	switch compress {
	case model.CompressionStub, model.CompressionLZONo:
		if len(b) == 0 {
			return b, nil
		}
		compr, payload = b[0], b[1:]
	default:
		return b, nil
	}
	switch compr {
	case compressByteStub:
		// the last byte goes back to the front
		if len(payload) == 0 {
			return payload, nil
		}
		end := payload[len(payload)-1]
		payload = append([]byte{end}, payload[:len(payload)-1]...)
	case compressByteNone, compressByteLZO:
		// 0x00 is compress-no, 0xfa is the old no-compression or
		// comp-lzo no case.
	default:
		return nil, fmt.Errorf("%w: %x", errBadCompression, compr)
	}
	return payload, nil
}
