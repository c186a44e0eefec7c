// Package mem provides cache-line aligned allocation for block payloads.
package mem
