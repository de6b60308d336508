package rendezvous

import (
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/rs/zerolog"
)

// SpliceBufferSize is the per-direction copy buffer (spec §4.1: "a
// per-direction buffer bounded at >=64 KiB prevents unbounded memory").
// Generalises internal/tunnel.forwardConn's io.Copy (unbounded, implicit
// 32 KiB internal buffer) to an explicit CopyBuffer with a sized buffer.
const SpliceBufferSize = 64 * 1024

// Splice joins a and b full-duplex until either side EOFs or errors,
// mirroring the teacher's forwardConn bidirectional-pump shape generalised
// from "one SSH channel, one TCP conn" to "two plain TCP conns." When snoop
// is true each direction's bytes are also hex-dumped to log without being
// altered (spec §4.1: "Optional packet snooping toggles hex-dump logging
// but never alters bytes").
func Splice(a, b net.Conn, snoop bool, log zerolog.Logger) {
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		pump(a, b, "b->a", snoop, log)
	}()
	go func() {
		defer wg.Done()
		pump(b, a, "a->b", snoop, log)
	}()

	wg.Wait()
}

func pump(dst io.Writer, src io.Reader, direction string, snoop bool, log zerolog.Logger) {
	buf := make([]byte, SpliceBufferSize)
	r := src
	if snoop {
		r = io.TeeReader(src, hexDumpWriter{direction: direction, log: log})
	}
	if _, err := io.CopyBuffer(dst, r, buf); err != nil {
		log.Debug().Str("direction", direction).Err(err).Msg("splice leg ended")
	}
	if c, ok := dst.(interface{ CloseWrite() error }); ok {
		_ = c.CloseWrite()
	}
}

// hexDumpWriter logs every chunk it sees as a hex dump; it never returns an
// error so it can never short-circuit the real copy via io.TeeReader.
type hexDumpWriter struct {
	direction string
	log       zerolog.Logger
}

func (w hexDumpWriter) Write(p []byte) (int, error) {
	w.log.Trace().Str("direction", w.direction).Str("hex", fmt.Sprintf("% x", p)).Msg("snoop")
	return len(p), nil
}
