package g711

import (
	"math"
	"time"
)

// DTMFPair частоты строки и столбца DTMF клавиатуры
type DTMFPair struct {
	Low  float64
	High float64
}

// dtmfTable частоты DTMF по ITU-T Q.23
var dtmfTable = map[rune]DTMFPair{
	'1': {697, 1209}, '2': {697, 1336}, '3': {697, 1477}, 'A': {697, 1633},
	'4': {770, 1209}, '5': {770, 1336}, '6': {770, 1477}, 'B': {770, 1633},
	'7': {852, 1209}, '8': {852, 1336}, '9': {852, 1477}, 'C': {852, 1633},
	'*': {941, 1209}, '0': {941, 1336}, '#': {941, 1477}, 'D': {941, 1633},
}

const (
	// toneAmplitude амплитуда одной синусоиды. Сумма двух тонов DTMF
	// остается в пределах int16 с запасом.
	toneAmplitude = 8000

	// fadeDuration длительность нарастания/спада огибающей
	fadeDuration = 10 * time.Millisecond
)

// LookupDTMF возвращает пару частот для символа DTMF
func LookupDTMF(symbol rune) (DTMFPair, bool) {
	if symbol >= 'a' && symbol <= 'd' {
		symbol -= 'a' - 'A'
	}
	pair, ok := dtmfTable[symbol]
	return pair, ok
}

// DTMF генерирует μ-law аудио для символа DTMF заданной длительности.
// Для неизвестного символа или нулевой длительности возвращает nil.
func DTMF(symbol rune, duration time.Duration) []byte {
	pair, ok := LookupDTMF(symbol)
	if !ok {
		return nil
	}
	return encodeTone(duration, pair.Low, pair.High)
}

// DTMFSequence генерирует последовательность символов, разделенных паузой.
// Неизвестные символы пропускаются.
func DTMFSequence(digits string, tone, gap time.Duration) []byte {
	var out []byte
	for _, d := range digits {
		audio := DTMF(d, tone)
		if audio == nil {
			continue
		}
		if len(out) > 0 {
			out = append(out, Silence(gap)...)
		}
		out = append(out, audio...)
	}
	return out
}

// Tone генерирует μ-law синусоиду одной частоты
func Tone(frequency float64, duration time.Duration) []byte {
	return encodeTone(duration, frequency)
}

func encodeTone(duration time.Duration, frequencies ...float64) []byte {
	samples := synthesize(duration, frequencies...)
	if len(samples) == 0 {
		return nil
	}
	return Encode(samples)
}

// Silence возвращает μ-law тишину заданной длительности
func Silence(duration time.Duration) []byte {
	n := samplesFor(duration)
	out := make([]byte, n)
	for i := range out {
		out[i] = SilenceByte
	}
	return out
}

// ToneLinear генерирует линейные сэмплы суммы синусоид
func ToneLinear(duration time.Duration, frequencies ...float64) []int16 {
	return synthesize(duration, frequencies...)
}

func samplesFor(duration time.Duration) int {
	if duration <= 0 {
		return 0
	}
	return int(int64(duration) * SampleRate / int64(time.Second))
}

func synthesize(duration time.Duration, frequencies ...float64) []int16 {
	n := samplesFor(duration)
	if n == 0 {
		return nil
	}

	fade := samplesFor(fadeDuration)
	if 2*fade > n {
		fade = 0
	}

	out := make([]int16, n)
	for i := 0; i < n; i++ {
		t := float64(i) / SampleRate

		var v float64
		for _, f := range frequencies {
			v += toneAmplitude * math.Sin(2*math.Pi*f*t)
		}

		switch {
		case fade > 0 && i < fade:
			v *= float64(i) / float64(fade)
		case fade > 0 && i >= n-fade:
			v *= float64(n-1-i) / float64(fade)
		}

		out[i] = int16(v)
	}
	return out
}
