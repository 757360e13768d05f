package internal

// Version is the current version of dropchat, reported by /health and the
// client header.
const Version = "0.3.0"
