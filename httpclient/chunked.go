// Chunked transfer-encoding decoder
// https://github.com/f-secure-foundry/morpheus
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package httpclient

import (
	"strconv"
	"strings"
)

type chunkState int

const (
	chunkReadingSize chunkState = iota
	chunkReadingData
	chunkReadingDataCRLF
	chunkReadingTrailerCRLF
	chunkDone
)

// chunkDecoder turns a stream of bytes carrying HTTP chunked
// transfer-encoding into a sequence of plain data chunks, fed to a
// callback as they complete. It holds only the partial line/chunk
// currently in flight, so it copes with arbitrary read-size boundaries
// from a socket.
type chunkDecoder struct {
	state     chunkState
	line      []byte
	remaining int
	done      bool
}

// feed consumes p, invoking emit once per completed data chunk. It is
// safe to call repeatedly with successive reads from the socket.
func (d *chunkDecoder) feed(p []byte, emit func([]byte)) {
	if len(d.line) > 0 {
		p = append(d.line, p...)
		d.line = nil
	}

	for len(p) > 0 {
		switch d.state {
		case chunkReadingSize:
			idx := indexCRLF(p)
			if idx < 0 {
				d.line = append(d.line, p...)
				return
			}

			d.line = append(d.line, p[:idx]...)
			p = p[idx+2:]

			size, err := parseChunkSize(d.line)
			d.line = d.line[:0]

			if err != nil {
				d.done = true
				return
			}

			if size == 0 {
				d.state = chunkReadingTrailerCRLF
				continue
			}

			d.remaining = size
			d.state = chunkReadingData

		case chunkReadingData:
			n := d.remaining
			if n > len(p) {
				n = len(p)
			}

			if n > 0 {
				emit(p[:n])
			}

			p = p[n:]
			d.remaining -= n

			if d.remaining == 0 {
				d.remaining = 2
				d.state = chunkReadingDataCRLF
			}

		case chunkReadingDataCRLF:
			n := d.remaining
			if n > len(p) {
				n = len(p)
			}

			p = p[n:]
			d.remaining -= n

			if d.remaining == 0 {
				d.state = chunkReadingSize
			}

		case chunkReadingTrailerCRLF:
			idx := indexCRLF(p)
			if idx < 0 {
				d.line = append(d.line, p...)
				return
			}

			if idx == 0 {
				d.state = chunkDone
				d.done = true
				return
			}

			p = p[idx+2:]

		case chunkDone:
			return
		}
	}
}

func indexCRLF(p []byte) int {
	for i := 0; i+1 < len(p); i++ {
		if p[i] == '\r' && p[i+1] == '\n' {
			return i
		}
	}

	return -1
}

func parseChunkSize(line []byte) (int, error) {
	s := string(line)

	if idx := strings.IndexByte(s, ';'); idx >= 0 {
		s = s[:idx]
	}

	n, err := strconv.ParseInt(s, 16, 32)
	if err != nil {
		return 0, err
	}

	return int(n), nil
}
