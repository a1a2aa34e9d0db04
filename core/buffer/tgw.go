// File: core/buffer/tgw.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// TGW proxy header removal. A gateway may prepend arbitrary bytes ending
// in CRLFCRLF to the first packet of a connection.

package buffer

const tgwDelimiter = "\r\n\r\n"

// findTGWEnd scans at most budget bytes from the head of l and returns the
// number of bytes up to and including the delimiter, or -1.
func findTGWEnd(l *BlockList, budget int) int {
	matched, scanned, end := 0, 0, -1
	l.Segments(func(seg []byte) bool {
		for _, c := range seg {
			if scanned >= budget {
				return false
			}
			scanned++
			switch {
			case c == tgwDelimiter[matched]:
				matched++
			case c == '\r':
				matched = 1
			default:
				matched = 0
			}
			if matched == len(tgwDelimiter) {
				end = scanned
				return false
			}
		}
		return true
	})
	return end
}

// stripTGW consumes the header once it is complete. False means the
// delimiter is not in the scan window yet.
func (b *NetBuffer) stripTGW(l *BlockList) bool {
	end := findTGWEnd(l, b.mgr.tgwBudget)
	if end < 0 {
		return false
	}
	l.AddRead(end)
	b.tgwDone.Store(true)
	return true
}
