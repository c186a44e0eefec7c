// Package conv provides checked integer conversions.
//
// Configuration values (frame counts, block counts, byte sizes) arrive as
// wide integers and end up as indexes into fixed-width tables. The helpers
// here fail instead of silently truncating.
//
// Use direct casts where the range is already bounded by construction.
package conv
