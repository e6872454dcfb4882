package audio

import (
	"errors"
	"math"
)

const (
	HeaderSize     = 44
	bytesPerSample = 2
	bitsPerSample  = bytesPerSample * 8
	fmtChunkSize   = 16
	riffBaseSize   = 36
	formatPCM      = 1
)

// Converter turns float sample blocks captured at the device rate into 16-bit
// PCM at the output rate, optionally wrapped in a WAV header.
type Converter struct {
	channels int
	srcRate  int
	dstRate  int
}

func NewConverter(channels, srcRate, dstRate int) *Converter {
	if channels <= 0 {
		channels = 1
	}
	return &Converter{channels: channels, srcRate: srcRate, dstRate: dstRate}
}

func (c *Converter) SourceRate() int { return c.srcRate }
func (c *Converter) OutputRate() int { return c.outputRate() }
func (c *Converter) Channels() int   { return c.channels }

// outputRate is the rate samples are actually written at. Upsampling is not
// performed, so a higher requested rate falls back to the source rate.
func (c *Converter) outputRate() int {
	if c.dstRate >= c.srcRate {
		return c.srcRate
	}
	return c.dstRate
}

// Downsample decimates block with a box filter. It is not anti-aliased.
// Blocks are returned unchanged when the output rate is not lower than the
// source rate.
func (c *Converter) Downsample(block []float32) []float32 {
	return Downsample(block, c.srcRate, c.dstRate)
}

func Downsample(block []float32, srcRate, dstRate int) []float32 {
	if dstRate >= srcRate || dstRate <= 0 {
		return block
	}
	ratio := float64(srcRate) / float64(dstRate)
	outLen := int(math.Round(float64(len(block)) / ratio))
	out := make([]float32, outLen)
	in := 0
	for i := 0; i < outLen; i++ {
		next := int(math.Round(float64(i+1) * ratio))
		var sum float64
		count := 0
		for in < next && in < len(block) {
			sum += float64(block[in])
			in++
			count++
		}
		if count > 0 {
			out[i] = float32(sum / float64(count))
		}
	}
	return out
}

// ToWAV encodes block as a complete WAV file. In streaming mode both size
// fields are zero, marking the length as unknown.
func (c *Converter) ToWAV(block []float32, streaming bool) []byte {
	samples := c.Downsample(block)
	dataLen := len(samples) * bytesPerSample
	buf := make([]byte, HeaderSize+dataLen)
	w := NewSampleWriter(buf)
	c.writeHeader(w, dataLen, streaming)
	writePCM(w, samples)
	return buf
}

// ToChunk encodes block as headerless PCM for continuing a streamed WAV.
func (c *Converter) ToChunk(block []float32) []byte {
	samples := c.Downsample(block)
	buf := make([]byte, len(samples)*bytesPerSample)
	writePCM(NewSampleWriter(buf), samples)
	return buf
}

func (c *Converter) writeHeader(w *SampleWriter, dataLen int, streaming bool) {
	riffSize, dataSize := uint32(riffBaseSize+dataLen), uint32(dataLen)
	if streaming {
		riffSize, dataSize = 0, 0
	}
	rate := c.outputRate()
	blockAlign := c.channels * bytesPerSample
	w.WriteString("RIFF").
		WriteUint32(riffSize, true).
		WriteString("WAVE").
		WriteString("fmt ").
		WriteUint32(fmtChunkSize, true).
		WriteUint16(formatPCM, true).
		WriteUint16(uint16(c.channels), true).
		WriteUint32(uint32(rate), true).
		WriteUint32(uint32(rate*blockAlign), true).
		WriteUint16(uint16(blockAlign), true).
		WriteUint16(bitsPerSample, true).
		WriteString("data").
		WriteUint32(dataSize, true)
}

func writePCM(w *SampleWriter, samples []float32) {
	for _, s := range samples {
		w.WriteInt16(PCM16(s), true)
	}
}

// PCM16 clamps s to [-1, 1] and scales it asymmetrically so +1.0 maps to
// 0x7FFF and -1.0 to -0x8000.
func PCM16(s float32) int16 {
	v := math.Max(-1, math.Min(1, float64(s)))
	if v < 0 {
		return int16(v * 0x8000)
	}
	return int16(v * 0x7FFF)
}

// FinalizeWAV rewrites the size fields of a streamed WAV (header chunk followed
// by continuation chunks) so it can be stored as a fixed-length file.
func FinalizeWAV(wav []byte) ([]byte, error) {
	if len(wav) < HeaderSize || string(wav[0:4]) != "RIFF" || string(wav[36:40]) != "data" {
		return nil, errors.New("not a canonical wav stream")
	}
	out := make([]byte, len(wav))
	copy(out, wav)
	dataLen := uint32(len(wav) - HeaderSize)
	NewSampleWriterAt(out, 4).WriteUint32(riffBaseSize+dataLen, true)
	NewSampleWriterAt(out, 40).WriteUint32(dataLen, true)
	return out, nil
}

// Decibels returns the RMS level of block in dBFS. Silence yields -Inf.
func Decibels(block []float32) float64 {
	if len(block) == 0 {
		return math.Inf(-1)
	}
	var sum float64
	for _, s := range block {
		sum += float64(s) * float64(s)
	}
	return 20 * math.Log10(math.Sqrt(sum/float64(len(block))))
}
