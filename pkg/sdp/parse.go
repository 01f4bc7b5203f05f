package sdp

import (
	"fmt"
	"strconv"
	"strings"

	pionsdp "github.com/pion/sdp/v3"
)

// knownLineTypes типы строк, которые понимает pion/sdp
const knownLineTypes = "vosiuepcbtrzkam"

// sessionPreamble типы строк, которые могут стоять до t=
const sessionPreamble = "vosiuepcb"

// Parse разбирает тело SDP. Строки неизвестных типов сохраняются в Extra
// того уровня, на котором встретились.
func Parse(body []byte) (*Description, error) {
	lines, sessionExtra, mediaExtra := splitLines(string(body))
	if len(lines) == 0 {
		return nil, fmt.Errorf("%w: пустое тело", ErrMalformed)
	}

	raw := &pionsdp.SessionDescription{}
	if err := raw.Unmarshal([]byte(strings.Join(lines, "\r\n") + "\r\n")); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	desc, err := fromPion(raw)
	if err != nil {
		return nil, err
	}

	desc.Extra = sessionExtra
	for i := range desc.Media {
		if i < len(mediaExtra) {
			desc.Media[i].Extra = mediaExtra[i]
		}
	}
	return desc, nil
}

// splitLines нормализует переводы строк, отделяет строки неизвестных
// типов и добавляет t=0 0, если удаленная сторона его пропустила.
func splitLines(body string) (lines, sessionExtra []string, mediaExtra [][]string) {
	body = strings.ReplaceAll(body, "\r\n", "\n")

	hasTiming := false
	timingAt := -1
	mediaIndex := -1

	for _, line := range strings.Split(body, "\n") {
		line = strings.TrimRight(line, "\r ")
		if line == "" {
			continue
		}

		if len(line) < 2 || line[1] != '=' || !strings.ContainsRune(knownLineTypes, rune(line[0])) {
			if mediaIndex < 0 {
				sessionExtra = append(sessionExtra, line)
			} else {
				mediaExtra[mediaIndex] = append(mediaExtra[mediaIndex], line)
			}
			continue
		}

		switch line[0] {
		case 't':
			hasTiming = true
		case 'm':
			mediaIndex++
			mediaExtra = append(mediaExtra, nil)
		}

		if mediaIndex < 0 && strings.ContainsRune(sessionPreamble, rune(line[0])) {
			timingAt = len(lines) + 1
		}
		lines = append(lines, line)
	}

	if !hasTiming && timingAt > 0 {
		lines = append(lines[:timingAt], append([]string{"t=0 0"}, lines[timingAt:]...)...)
	}
	return lines, sessionExtra, mediaExtra
}

func fromPion(raw *pionsdp.SessionDescription) (*Description, error) {
	desc := &Description{
		Origin: Origin{
			Username:       raw.Origin.Username,
			SessionID:      raw.Origin.SessionID,
			SessionVersion: raw.Origin.SessionVersion,
			Address:        raw.Origin.UnicastAddress,
		},
		SessionName:       string(raw.SessionName),
		ConnectionAddress: connectionAddress(raw.ConnectionInformation),
	}

	for _, a := range raw.Attributes {
		if dir, ok := parseDirection(a.Key); ok {
			desc.Direction = dir
			continue
		}
		desc.Attributes = append(desc.Attributes, Attribute{Key: a.Key, Value: a.Value})
	}

	for _, md := range raw.MediaDescriptions {
		m, err := mediaFromPion(md)
		if err != nil {
			return nil, err
		}
		desc.Media = append(desc.Media, m)
	}
	return desc, nil
}

func mediaFromPion(md *pionsdp.MediaDescription) (Media, error) {
	m := Media{
		Type:              md.MediaName.Media,
		Port:              md.MediaName.Port.Value,
		Transport:         strings.Join(md.MediaName.Protos, "/"),
		ConnectionAddress: connectionAddress(md.ConnectionInformation),
	}

	rtpmaps := make(map[uint8]Codec)
	fmtps := make(map[uint8]string)

	for _, a := range md.Attributes {
		if dir, ok := parseDirection(a.Key); ok {
			m.Direction = dir
			continue
		}

		switch a.Key {
		case "rtpmap":
			c, err := parseRTPMap(a.Value)
			if err != nil {
				return Media{}, err
			}
			rtpmaps[c.PayloadType] = c
		case "fmtp":
			pt, params, err := parseFmtp(a.Value)
			if err != nil {
				return Media{}, err
			}
			fmtps[pt] = params
		case "ptime":
			ptime, err := strconv.Atoi(strings.TrimSpace(a.Value))
			if err != nil {
				return Media{}, fmt.Errorf("%w: ptime %q", ErrMalformed, a.Value)
			}
			m.Ptime = ptime
		default:
			m.Attributes = append(m.Attributes, Attribute{Key: a.Key, Value: a.Value})
		}
	}

	// Только RTP профили несут числовые payload types
	if !strings.HasPrefix(m.Transport, "RTP/") {
		m.RawFormats = append(m.RawFormats, md.MediaName.Formats...)
		return m, nil
	}

	for _, f := range md.MediaName.Formats {
		v, err := strconv.ParseUint(f, 10, 8)
		if err != nil || v > 127 {
			return Media{}, fmt.Errorf("%w: payload type %q", ErrMalformed, f)
		}
		pt := uint8(v)
		m.Formats = append(m.Formats, pt)

		c, ok := rtpmaps[pt]
		if !ok {
			c, ok = staticCodecs[pt]
		}
		if !ok {
			c = Codec{PayloadType: pt}
		}
		c.Fmtp = fmtps[pt]
		m.Codecs = append(m.Codecs, c)
	}
	return m, nil
}

func connectionAddress(ci *pionsdp.ConnectionInformation) string {
	if ci == nil || ci.Address == nil {
		return ""
	}
	return ci.Address.Address
}

// parseRTPMap разбирает значение "<pt> <name>/<rate>[/<channels>]"
func parseRTPMap(value string) (Codec, error) {
	ptStr, encoding, ok := strings.Cut(strings.TrimSpace(value), " ")
	if !ok {
		return Codec{}, fmt.Errorf("%w: rtpmap %q", ErrMalformed, value)
	}

	pt, err := strconv.ParseUint(ptStr, 10, 8)
	if err != nil || pt > 127 {
		return Codec{}, fmt.Errorf("%w: rtpmap %q", ErrMalformed, value)
	}

	parts := strings.Split(strings.TrimSpace(encoding), "/")
	if len(parts) < 2 {
		return Codec{}, fmt.Errorf("%w: rtpmap %q", ErrMalformed, value)
	}

	rate, err := strconv.ParseUint(parts[1], 10, 32)
	if err != nil {
		return Codec{}, fmt.Errorf("%w: rtpmap %q", ErrMalformed, value)
	}

	c := Codec{PayloadType: uint8(pt), Name: parts[0], ClockRate: uint32(rate)}
	if len(parts) > 2 {
		if c.Channels, err = strconv.Atoi(parts[2]); err != nil {
			return Codec{}, fmt.Errorf("%w: rtpmap %q", ErrMalformed, value)
		}
	}
	return c, nil
}

func parseFmtp(value string) (uint8, string, error) {
	ptStr, params, _ := strings.Cut(strings.TrimSpace(value), " ")
	pt, err := strconv.ParseUint(ptStr, 10, 8)
	if err != nil {
		return 0, "", fmt.Errorf("%w: fmtp %q", ErrMalformed, value)
	}
	return uint8(pt), strings.TrimSpace(params), nil
}
