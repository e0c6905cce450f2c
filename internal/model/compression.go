package model

// Compression describes a compression framing type (e.g., stub).
// Only the no-compression framings are supported.
type Compression string

const (
	// CompressionNone disables the compression framing entirely.
	CompressionNone = Compression("")

	// CompressionStub adds the (empty) compression stub to the packets.
	CompressionStub = Compression("stub")

	// CompressionEmpty is the empty compression.
	CompressionEmpty = Compression("empty")

	// CompressionLZONo is lzo-no (another type of no-compression, older).
	CompressionLZONo = Compression("lzo-no")
)
