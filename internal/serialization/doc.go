// Package serialization implements the .kiln binary format for model
// weights and training checkpoints.
//
// The format is a fixed binary header, a JSON metadata header, and a
// 64-byte-aligned raw tensor data section covered by a SHA-256
// checksum. Tensors are written in sorted name order, so identical
// state dictionaries produce byte-identical data sections.
package serialization
