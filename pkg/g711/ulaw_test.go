package g711

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	for x := -ulawClip; x <= ulawClip; x++ {
		u := EncodeSample(int16(x))
		got := DecodeSample(u)

		step := 1 << (Segment(u) + 3)
		diff := int(got) - x
		if diff < 0 {
			diff = -diff
		}
		if diff > step {
			t.Fatalf("сэмпл %d: декодировано %d, ошибка %d больше шага %d", x, got, diff, step)
		}
	}
}

func TestEncodeKnownValues(t *testing.T) {
	tests := []struct {
		name   string
		sample int16
		want   byte
	}{
		{"ноль", 0, 0xFF},
		{"максимум", 32767, 0x80},
		{"минимум", -32768, 0x00},
		{"малое положительное", 8, 0xFE},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, EncodeSample(tt.sample))
		})
	}
}

func TestDecodeSilence(t *testing.T) {
	assert.Equal(t, int16(0), DecodeSample(SilenceByte))
	assert.Equal(t, int16(0), DecodeSample(0x7F))
}

func TestClipping(t *testing.T) {
	assert.Equal(t, EncodeSample(ulawClip), EncodeSample(32767))
	assert.Equal(t, EncodeSample(-ulawClip), EncodeSample(-32768))
}

func TestBufferCodec(t *testing.T) {
	samples := []int16{0, 100, -100, 1000, -1000, 30000, -30000}
	decoded := Decode(Encode(samples))
	require.Len(t, decoded, len(samples))

	for i := range samples {
		assert.InDelta(t, samples[i], decoded[i], math.Abs(float64(samples[i]))/16+8)
	}
}

func TestFrames(t *testing.T) {
	data := make([]byte, FrameSize*2+10)
	frames := Frames(data)

	require.Len(t, frames, 3)
	for _, f := range frames {
		assert.Len(t, f, FrameSize)
	}
	assert.Equal(t, byte(0), frames[2][9])
	assert.Equal(t, SilenceByte, frames[2][10])
	assert.Nil(t, Frames(nil))
}

// goertzel возвращает мощность сигнала на заданной частоте
func goertzel(samples []int16, freq float64) float64 {
	k := 2 * math.Cos(2*math.Pi*freq/SampleRate)
	var s1, s2 float64
	for _, x := range samples {
		s0 := float64(x) + k*s1 - s2
		s2 = s1
		s1 = s0
	}
	return s1*s1 + s2*s2 - k*s1*s2
}

func TestDTMFFrequencies(t *testing.T) {
	rows := []float64{697, 770, 852, 941}
	cols := []float64{1209, 1336, 1477, 1633}

	for symbol, pair := range dtmfTable {
		symbol, pair := symbol, pair
		t.Run(string(symbol), func(t *testing.T) {
			audio := DTMF(symbol, 100*time.Millisecond)
			require.Len(t, audio, 800)

			pcm := Decode(audio)
			low := goertzel(pcm, pair.Low)
			high := goertzel(pcm, pair.High)

			for _, f := range rows {
				if f != pair.Low {
					assert.Greater(t, low, 10*goertzel(pcm, f), "строка %v", f)
				}
			}
			for _, f := range cols {
				if f != pair.High {
					assert.Greater(t, high, 10*goertzel(pcm, f), "столбец %v", f)
				}
			}
		})
	}
}

func TestDTMFUnknownSymbol(t *testing.T) {
	assert.Nil(t, DTMF('X', 100*time.Millisecond))
	assert.Nil(t, DTMF('5', 0))
	assert.Nil(t, DTMF('5', -time.Second))
	assert.Nil(t, Tone(440, 0))
	assert.Empty(t, DTMFSequence("55", 0, 20*time.Millisecond))
}

func TestDTMFLowercase(t *testing.T) {
	assert.Equal(t, DTMF('A', 40*time.Millisecond), DTMF('a', 40*time.Millisecond))
}

func TestDTMFSequence(t *testing.T) {
	audio := DTMFSequence("1x2", 50*time.Millisecond, 20*time.Millisecond)
	assert.Len(t, audio, 400+160+400)
}

func TestSilence(t *testing.T) {
	s := Silence(20 * time.Millisecond)
	require.Len(t, s, FrameSize)
	for _, b := range s {
		assert.Equal(t, SilenceByte, b)
	}
}
