package audio

import "encoding/binary"

// SampleWriter writes fixed-width values into a pre-sized buffer and advances
// a cursor. Writes are unchecked: writing past the end of the buffer panics.
type SampleWriter struct {
	buf    []byte
	offset int
}

func NewSampleWriter(buf []byte) *SampleWriter {
	return &SampleWriter{buf: buf}
}

// NewSampleWriterAt starts writing at offset.
func NewSampleWriterAt(buf []byte, offset int) *SampleWriter {
	return &SampleWriter{buf: buf, offset: offset}
}

func (w *SampleWriter) WriteUint32(v uint32, little bool) *SampleWriter {
	b := w.buf[w.offset : w.offset+4]
	if little {
		binary.LittleEndian.PutUint32(b, v)
	} else {
		binary.BigEndian.PutUint32(b, v)
	}
	w.offset += 4
	return w
}

func (w *SampleWriter) WriteUint16(v uint16, little bool) *SampleWriter {
	b := w.buf[w.offset : w.offset+2]
	if little {
		binary.LittleEndian.PutUint16(b, v)
	} else {
		binary.BigEndian.PutUint16(b, v)
	}
	w.offset += 2
	return w
}

func (w *SampleWriter) WriteInt16(v int16, little bool) *SampleWriter {
	return w.WriteUint16(uint16(v), little)
}

func (w *SampleWriter) WriteBytes(p []byte) *SampleWriter {
	_ = w.buf[w.offset : w.offset+len(p)]
	w.offset += copy(w.buf[w.offset:], p)
	return w
}

func (w *SampleWriter) WriteString(s string) *SampleWriter {
	return w.WriteBytes([]byte(s))
}

func (w *SampleWriter) Offset() int { return w.offset }

func (w *SampleWriter) Bytes() []byte { return w.buf }
