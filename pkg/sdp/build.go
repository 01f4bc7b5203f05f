package sdp

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	pionsdp "github.com/pion/sdp/v3"
)

// Marshal сериализует описание в SDP. Сохраненные строки неизвестных
// типов возвращаются в конец своего уровня.
func (d *Description) Marshal() ([]byte, error) {
	raw := toPion(d)

	body, err := raw.Marshal()
	if err != nil {
		return nil, fmt.Errorf("ошибка сериализации SDP: %w", err)
	}

	if len(d.Extra) == 0 && !mediaHasExtra(d.Media) {
		return body, nil
	}
	return injectExtra(body, d), nil
}

func mediaHasExtra(media []Media) bool {
	for _, m := range media {
		if len(m.Extra) > 0 {
			return true
		}
	}
	return false
}

// injectExtra вставляет строки неизвестных типов перед первым m= блоком
// и в конец каждого медиа блока.
func injectExtra(body []byte, d *Description) []byte {
	lines := strings.Split(strings.TrimSuffix(string(body), "\r\n"), "\r\n")

	var out []string
	mediaIndex := -1
	flushMedia := func() {
		if mediaIndex >= 0 && mediaIndex < len(d.Media) {
			out = append(out, d.Media[mediaIndex].Extra...)
		}
	}

	for _, line := range lines {
		if strings.HasPrefix(line, "m=") {
			if mediaIndex < 0 {
				out = append(out, d.Extra...)
			} else {
				flushMedia()
			}
			mediaIndex++
		}
		out = append(out, line)
	}
	if mediaIndex < 0 {
		out = append(out, d.Extra...)
	} else {
		flushMedia()
	}

	return []byte(strings.Join(out, "\r\n") + "\r\n")
}

func toPion(d *Description) *pionsdp.SessionDescription {
	origin := d.Origin
	if origin.Username == "" {
		origin.Username = "-"
	}
	if origin.Address == "" {
		origin.Address = d.ConnectionAddress
	}

	sessionName := d.SessionName
	if sessionName == "" {
		sessionName = "-"
	}

	raw := &pionsdp.SessionDescription{
		Version: 0,
		Origin: pionsdp.Origin{
			Username:       origin.Username,
			SessionID:      origin.SessionID,
			SessionVersion: origin.SessionVersion,
			NetworkType:    "IN",
			AddressType:    addressType(origin.Address),
			UnicastAddress: origin.Address,
		},
		SessionName: pionsdp.SessionName(sessionName),
		TimeDescriptions: []pionsdp.TimeDescription{
			{Timing: pionsdp.Timing{StartTime: 0, StopTime: 0}},
		},
	}

	if d.ConnectionAddress != "" {
		raw.ConnectionInformation = connectionInformation(d.ConnectionAddress)
	}

	for _, a := range d.Attributes {
		raw.Attributes = append(raw.Attributes, pionsdp.NewAttribute(a.Key, a.Value))
	}
	if d.Direction != "" {
		raw.Attributes = append(raw.Attributes, pionsdp.NewPropertyAttribute(string(d.Direction)))
	}

	for i := range d.Media {
		raw.MediaDescriptions = append(raw.MediaDescriptions, mediaToPion(&d.Media[i]))
	}
	return raw
}

func mediaToPion(m *Media) *pionsdp.MediaDescription {
	transport := m.Transport
	if transport == "" {
		transport = "RTP/AVP"
	}

	formats := make([]string, 0, len(m.Formats)+len(m.RawFormats))
	for _, pt := range m.Formats {
		formats = append(formats, strconv.Itoa(int(pt)))
	}
	formats = append(formats, m.RawFormats...)

	md := &pionsdp.MediaDescription{
		MediaName: pionsdp.MediaName{
			Media:   m.Type,
			Port:    pionsdp.RangedPort{Value: m.Port},
			Protos:  strings.Split(transport, "/"),
			Formats: formats,
		},
	}

	if m.ConnectionAddress != "" {
		md.ConnectionInformation = connectionInformation(m.ConnectionAddress)
	}

	for _, c := range m.Codecs {
		if c.Name == "" {
			continue
		}
		md.Attributes = append(md.Attributes,
			pionsdp.NewAttribute("rtpmap", strconv.Itoa(int(c.PayloadType))+" "+c.String()))
		if c.Fmtp != "" {
			md.Attributes = append(md.Attributes,
				pionsdp.NewAttribute("fmtp", strconv.Itoa(int(c.PayloadType))+" "+c.Fmtp))
		}
	}

	if m.Ptime > 0 {
		md.Attributes = append(md.Attributes, pionsdp.NewAttribute("ptime", strconv.Itoa(m.Ptime)))
	}

	for _, a := range m.Attributes {
		md.Attributes = append(md.Attributes, pionsdp.NewAttribute(a.Key, a.Value))
	}

	if m.Direction != "" {
		md.Attributes = append(md.Attributes, pionsdp.NewPropertyAttribute(string(m.Direction)))
	}
	return md
}

func connectionInformation(addr string) *pionsdp.ConnectionInformation {
	return &pionsdp.ConnectionInformation{
		NetworkType: "IN",
		AddressType: addressType(addr),
		Address:     &pionsdp.Address{Address: addr},
	}
}

func addressType(addr string) string {
	if ip := net.ParseIP(addr); ip != nil && ip.To4() == nil {
		return "IP6"
	}
	return "IP4"
}
