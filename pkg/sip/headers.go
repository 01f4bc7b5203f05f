package sip

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"
)

// BranchPrefix magic cookie RFC 3261
const BranchPrefix = "z9hG4bK"

// allowedMethods значение заголовка Allow
const allowedMethods = "INVITE, ACK, BYE, CANCEL, OPTIONS, INFO"

func newCallID(host string) string {
	return uuid.NewString() + "@" + host
}

func newTag() string {
	id := uuid.New()
	return strings.ReplaceAll(id.String(), "-", "")[:16]
}

func newBranch() string {
	return BranchPrefix + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// party адрес участника для From/To
type party struct {
	displayName string
	uri         sip.Uri
	tag         string
}

// requestParams все, что нужно для сборки запроса
type requestParams struct {
	method  sip.RequestMethod
	target  sip.Uri
	from    party
	to      party
	callID  string
	cseq    uint32
	branch  string
	contact *sip.Uri
	body    []byte
}

// buildRequest собирает запрос с типизированными заголовками. Via
// указывает на адрес endpoint.
func (e *Endpoint) buildRequest(rp requestParams) *sip.Request {
	req := sip.NewRequest(rp.method, rp.target)

	branch := rp.branch
	if branch == "" {
		branch = newBranch()
	}
	req.AppendHeader(&sip.ViaHeader{
		ProtocolName:    "SIP",
		ProtocolVersion: "2.0",
		Transport:       "UDP",
		Host:            e.host,
		Port:            e.port,
		Params:          sip.NewParams().Add("branch", branch),
	})

	maxForwards := sip.MaxForwardsHeader(70)
	req.AppendHeader(&maxForwards)

	from := &sip.FromHeader{
		DisplayName: rp.from.displayName,
		Address:     rp.from.uri,
		Params:      sip.NewParams(),
	}
	if rp.from.tag != "" {
		from.Params = from.Params.Add("tag", rp.from.tag)
	}
	req.AppendHeader(from)

	to := &sip.ToHeader{
		DisplayName: rp.to.displayName,
		Address:     rp.to.uri,
		Params:      sip.NewParams(),
	}
	if rp.to.tag != "" {
		to.Params = to.Params.Add("tag", rp.to.tag)
	}
	req.AppendHeader(to)

	callID := sip.CallIDHeader(rp.callID)
	req.AppendHeader(&callID)
	req.AppendHeader(&sip.CSeqHeader{SeqNo: rp.cseq, MethodName: rp.method})

	if rp.contact != nil {
		req.AppendHeader(&sip.ContactHeader{Address: *rp.contact, Params: sip.NewParams()})
	}
	if e.userAgent != "" {
		req.AppendHeader(sip.NewHeader("User-Agent", e.userAgent))
	}
	if rp.body != nil {
		req.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))
	}
	req.SetBody(rp.body)
	return req
}

// newResponse создает ответ на запрос. Непустой localTag заменяет tag в
// To: все ответы диалога, кроме 100 Trying, несут один и тот же тег.
func (e *Endpoint) newResponse(req *sip.Request, code int, reason, localTag string, body []byte) *sip.Response {
	res := sip.NewResponseFromRequest(req, code, reason, nil)
	if localTag != "" {
		if to := res.To(); to != nil {
			if to.Params == nil {
				to.Params = sip.NewParams()
			}
			to.Params = to.Params.Add("tag", localTag)
		}
	}
	if e.userAgent != "" {
		res.AppendHeader(sip.NewHeader("Server", e.userAgent))
	}
	if body != nil {
		res.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))
	}
	res.SetBody(body)
	return res
}

// contactURI адрес, по которому endpoint принимает запросы для user
func (e *Endpoint) contactURI(user string) sip.Uri {
	return sip.Uri{Scheme: "sip", User: user, Host: e.host, Port: e.port}
}

// transactionKey ключ клиентской транзакции: branch верхнего Via и метод CSeq
func transactionKey(msg sip.Message) (string, error) {
	var (
		via  *sip.ViaHeader
		cseq *sip.CSeqHeader
	)
	switch m := msg.(type) {
	case *sip.Request:
		via, cseq = m.Via(), m.CSeq()
	case *sip.Response:
		via, cseq = m.Via(), m.CSeq()
	}
	if via == nil || cseq == nil {
		return "", fmt.Errorf("%w: нет Via или CSeq", ErrMalformedMessage)
	}
	branch, ok := via.Params.Get("branch")
	if !ok || branch == "" {
		return "", fmt.Errorf("%w: нет branch в Via", ErrMalformedMessage)
	}
	return branch + "|" + string(cseq.MethodName), nil
}

// headerValue значение заголовка или пустая строка
func headerValue(msg sip.Message, name string) string {
	if hs := msg.GetHeaders(name); len(hs) > 0 {
		return hs[0].Value()
	}
	return ""
}

// fromTag значение tag из From
func fromTag(msg sip.Message) string {
	var from *sip.FromHeader
	switch m := msg.(type) {
	case *sip.Request:
		from = m.From()
	case *sip.Response:
		from = m.From()
	}
	if from == nil {
		return ""
	}
	tag, _ := from.Params.Get("tag")
	return tag
}

// toTag значение tag из To
func toTag(msg sip.Message) string {
	var to *sip.ToHeader
	switch m := msg.(type) {
	case *sip.Request:
		to = m.To()
	case *sip.Response:
		to = m.To()
	}
	if to == nil {
		return ""
	}
	tag, _ := to.Params.Get("tag")
	return tag
}

// contactTarget извлекает URI из Contact. Пустой Contact дает ok=false.
func contactTarget(msg sip.Message) (sip.Uri, bool) {
	value := headerValue(msg, "Contact")
	if value == "" {
		return sip.Uri{}, false
	}
	if i := strings.IndexByte(value, '<'); i >= 0 {
		if j := strings.IndexByte(value[i:], '>'); j > 0 {
			value = value[i+1 : i+j]
		}
	} else if i := strings.IndexByte(value, ';'); i >= 0 {
		value = value[:i]
	}

	var uri sip.Uri
	if err := sip.ParseUri(strings.TrimSpace(value), &uri); err != nil {
		return sip.Uri{}, false
	}
	return uri, true
}

// grantedExpiry срок регистрации из ответа: параметр expires в нашем
// Contact, затем заголовок Expires, иначе запрошенный срок.
func grantedExpiry(res *sip.Response, contactUser string, requested int) int {
	for _, h := range res.GetHeaders("Contact") {
		value := h.Value()
		for _, contact := range strings.Split(value, ",") {
			if contactUser != "" && !strings.Contains(contact, "sip:"+contactUser+"@") {
				continue
			}
			if v, ok := paramValue(contact, "expires"); ok {
				if n, err := strconv.Atoi(v); err == nil {
					return n
				}
			}
		}
	}
	if v := headerValue(res, "Expires"); v != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			return n
		}
	}
	return requested
}

func paramValue(header, name string) (string, bool) {
	if i := strings.IndexByte(header, '>'); i >= 0 {
		header = header[i+1:]
	}
	for _, part := range strings.Split(header, ";") {
		key, value, found := strings.Cut(strings.TrimSpace(part), "=")
		if found && strings.EqualFold(key, name) {
			return strings.TrimSpace(value), true
		}
	}
	return "", false
}
