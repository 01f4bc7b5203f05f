// Package g711 реализует кодек G.711 μ-law (PCMU) и генерацию служебных
// тонов (DTMF, гудки, тишина) в формате, готовом для отправки по RTP.
package g711

const (
	// SampleRate частота дискретизации G.711
	SampleRate = 8000

	// FrameDuration длительность одного RTP фрейма в миллисекундах
	FrameDuration = 20

	// FrameSize количество сэмплов (и байт μ-law) в 20 мс фрейме
	FrameSize = SampleRate * FrameDuration / 1000

	// SilenceByte μ-law значение, декодирующееся в ноль
	SilenceByte byte = 0xFF

	ulawBias = 0x84
	ulawClip = 32635
)

// segmentTable[n] номер сегмента (экспоненты) для старшего байта
// смещенного значения.
var segmentTable = [256]uint8{
	0, 0, 1, 1, 2, 2, 2, 2, 3, 3, 3, 3, 3, 3, 3, 3,
	4, 4, 4, 4, 4, 4, 4, 4, 4, 4, 4, 4, 4, 4, 4, 4,
	5, 5, 5, 5, 5, 5, 5, 5, 5, 5, 5, 5, 5, 5, 5, 5,
	5, 5, 5, 5, 5, 5, 5, 5, 5, 5, 5, 5, 5, 5, 5, 5,
	6, 6, 6, 6, 6, 6, 6, 6, 6, 6, 6, 6, 6, 6, 6, 6,
	6, 6, 6, 6, 6, 6, 6, 6, 6, 6, 6, 6, 6, 6, 6, 6,
	6, 6, 6, 6, 6, 6, 6, 6, 6, 6, 6, 6, 6, 6, 6, 6,
	6, 6, 6, 6, 6, 6, 6, 6, 6, 6, 6, 6, 6, 6, 6, 6,
	7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7,
	7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7,
	7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7,
	7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7,
	7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7,
	7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7,
	7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7,
	7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7,
}

// EncodeSample кодирует один 16-битный линейный сэмпл в μ-law.
// Значения за пределами ±32635 ограничиваются.
func EncodeSample(sample int16) byte {
	s := int32(sample)

	var sign uint8
	if s < 0 {
		sign = 0x80
		s = -s
	}
	if s > ulawClip {
		s = ulawClip
	}
	s += ulawBias

	exponent := segmentTable[(s>>7)&0xFF]
	mantissa := uint8(s>>(exponent+3)) & 0x0F

	return ^(sign | exponent<<4 | mantissa)
}

// DecodeSample восстанавливает линейный сэмпл из μ-law байта
func DecodeSample(u byte) int16 {
	u = ^u
	sign := u & 0x80
	exponent := (u >> 4) & 0x07
	mantissa := int32(u & 0x0F)

	sample := ((mantissa << 3) + ulawBias) << exponent
	sample -= ulawBias

	if sign != 0 {
		return int16(-sample)
	}
	return int16(sample)
}

// Segment возвращает номер сегмента μ-law байта. Шаг квантования
// сегмента равен 1 << (Segment+3).
func Segment(u byte) int {
	return int((^u >> 4) & 0x07)
}

// Encode кодирует буфер линейных сэмплов
func Encode(samples []int16) []byte {
	out := make([]byte, len(samples))
	for i, s := range samples {
		out[i] = EncodeSample(s)
	}
	return out
}

// Decode декодирует буфер μ-law байтов в линейные сэмплы
func Decode(data []byte) []int16 {
	out := make([]int16, len(data))
	for i, u := range data {
		out[i] = DecodeSample(u)
	}
	return out
}

// Frames режет μ-law поток на фреймы по FrameSize байт. Последний
// неполный фрейм дополняется тишиной.
func Frames(data []byte) [][]byte {
	if len(data) == 0 {
		return nil
	}

	frames := make([][]byte, 0, (len(data)+FrameSize-1)/FrameSize)
	for off := 0; off < len(data); off += FrameSize {
		frame := make([]byte, FrameSize)
		n := copy(frame, data[off:])
		for i := n; i < FrameSize; i++ {
			frame[i] = SilenceByte
		}
		frames = append(frames, frame)
	}
	return frames
}
