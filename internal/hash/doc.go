// Package hash provides the checksum used to detect corrupted device blocks.
//
// Framed blocks are checksummed with CRC32-Castagnoli (CRC32C), the
// polynomial used by iSCSI and ext4 metadata. Go's hash/crc32 uses the
// SSE4.2 and ARM CRC instructions when available.
//
//	sum := hash.CRC32C(block)
package hash
