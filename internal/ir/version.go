package ir

const (
	// DocumentVersion identifies the layout hashed by EncodeDocument.
	// Changing the layout invalidates every stored hash.
	DocumentVersion = "1"

	// Version is the medchain release.
	Version = "0.1.0"
)
