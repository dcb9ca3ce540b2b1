package ldap

import (
	"fmt"

	ber "github.com/go-asn1-ber/asn1-ber"
	"github.com/go-ldap/ldap/v3"

	"github.com/isometry/authrelay/internal/failure"
)

const maxMessageID = 1<<31 - 1

// Well-known extended operation OIDs.
const (
	StartTLSOID              = "1.3.6.1.4.1.1466.20037"
	NoticeOfDisconnectionOID = "1.3.6.1.4.1.1466.20036"
	WhoAmIOID                = "1.3.6.1.4.1.4203.1.11.3"
)

// Message is one decoded LDAPMessage.
type Message struct {
	ID       int64
	Op       Operation
	Controls []ldap.Control
}

// Operation is the protocolOp of a Message.
type Operation interface {
	// Tag is the APPLICATION tag of the operation.
	Tag() ber.Tag
	encode() (*ber.Packet, error)
}

// expectsResponse reports whether the server answers op.
func expectsResponse(op Operation) bool {
	switch op.(type) {
	case *UnbindRequest, *AbandonRequest:
		return false
	}
	return true
}

// OperationName returns a short human-readable name for op.
func OperationName(op Operation) string {
	if name, ok := ldap.ApplicationMap[uint8(op.Tag())]; ok {
		return name
	}
	return fmt.Sprintf("Application %d", op.Tag())
}

// Encode serializes the message.
func (m *Message) Encode() ([]byte, error) {
	op, err := m.Op.encode()
	if err != nil {
		return nil, err
	}
	return encodeEnvelope(m.ID, op, m.Controls), nil
}

func encodeEnvelope(id int64, op *ber.Packet, controls []ldap.Control) []byte {
	envelope := ber.Encode(ber.ClassUniversal, ber.TypeConstructed, ber.TagSequence, nil, "LDAP Message")
	envelope.AppendChild(ber.NewInteger(ber.ClassUniversal, ber.TypePrimitive, ber.TagInteger, id, "MessageID"))
	envelope.AppendChild(op)

	if len(controls) > 0 {
		packet := ber.Encode(ber.ClassContext, ber.TypeConstructed, 0, nil, "Controls")
		for _, c := range controls {
			packet.AppendChild(c.Encode())
		}
		envelope.AppendChild(packet)
	}

	return envelope.Bytes()
}

// Result is the LDAPResult carried by most responses.
type Result struct {
	Code       uint16
	MatchedDN  string
	Diagnostic string
	Referrals  []string
}

// Err returns nil for success, an *LDAPError otherwise.
func (r Result) Err(operation string) error {
	return NewResultError(operation, r)
}

func (r Result) appendTo(p *ber.Packet) {
	p.AppendChild(ber.NewInteger(ber.ClassUniversal, ber.TypePrimitive, ber.TagEnumerated, int64(r.Code), "resultCode"))
	p.AppendChild(ber.NewString(ber.ClassUniversal, ber.TypePrimitive, ber.TagOctetString, r.MatchedDN, "matchedDN"))
	p.AppendChild(ber.NewString(ber.ClassUniversal, ber.TypePrimitive, ber.TagOctetString, r.Diagnostic, "diagnosticMessage"))

	if len(r.Referrals) > 0 {
		ref := ber.Encode(ber.ClassContext, ber.TypeConstructed, 3, nil, "Referral")
		for _, uri := range r.Referrals {
			ref.AppendChild(ber.NewString(ber.ClassUniversal, ber.TypePrimitive, ber.TagOctetString, uri, "URI"))
		}
		p.AppendChild(ref)
	}
}

// BindRequest authenticates the connection. Exactly one of Simple, SASL and
// Sicily is used; a request with none of them is a simple bind.
type BindRequest struct {
	Version int64
	Name    string
	Simple  string
	SASL    *SASLCredentials
	Sicily  *SicilyToken
}

// SASLCredentials is the sasl choice of a bind.
type SASLCredentials struct {
	Mechanism   string
	Credentials []byte
}

// SicilyToken is one leg of the Microsoft NTLM bind. Tag is 10 for the
// negotiate message and 11 for the authenticate message.
type SicilyToken struct {
	Tag   ber.Tag
	Token []byte
}

const (
	sicilyNegotiateTag ber.Tag = ber.TagEnumerated
	sicilyResponseTag  ber.Tag = ber.TagEmbeddedPDV
)

func (r *BindRequest) Tag() ber.Tag { return ldap.ApplicationBindRequest }

func (r *BindRequest) encode() (*ber.Packet, error) {
	version := r.Version
	if version == 0 {
		version = 3
	}

	p := ber.Encode(ber.ClassApplication, ber.TypeConstructed, r.Tag(), nil, "Bind Request")
	p.AppendChild(ber.NewInteger(ber.ClassUniversal, ber.TypePrimitive, ber.TagInteger, version, "Version"))
	p.AppendChild(ber.NewString(ber.ClassUniversal, ber.TypePrimitive, ber.TagOctetString, r.Name, "User Name"))

	switch {
	case r.SASL != nil:
		auth := ber.Encode(ber.ClassContext, ber.TypeConstructed, 3, nil, "authentication")
		auth.AppendChild(ber.NewString(ber.ClassUniversal, ber.TypePrimitive, ber.TagOctetString, r.SASL.Mechanism, "SASL Mech"))
		if len(r.SASL.Credentials) > 0 {
			auth.AppendChild(ber.NewString(ber.ClassUniversal, ber.TypePrimitive, ber.TagOctetString, string(r.SASL.Credentials), "Credentials"))
		}
		p.AppendChild(auth)
	case r.Sicily != nil:
		auth := ber.Encode(ber.ClassContext, ber.TypePrimitive, r.Sicily.Tag, nil, "authentication")
		auth.Data.Write(r.Sicily.Token)
		p.AppendChild(auth)
	default:
		p.AppendChild(ber.NewString(ber.ClassContext, ber.TypePrimitive, 0, r.Simple, "Password"))
	}

	return p, nil
}

// BindResponse answers a BindRequest.
type BindResponse struct {
	Result
	ServerSASLCreds []byte
}

func (r *BindResponse) Tag() ber.Tag { return ldap.ApplicationBindResponse }

func (r *BindResponse) encode() (*ber.Packet, error) {
	p := ber.Encode(ber.ClassApplication, ber.TypeConstructed, r.Tag(), nil, "Bind Response")
	r.Result.appendTo(p)
	if r.ServerSASLCreds != nil {
		creds := ber.Encode(ber.ClassContext, ber.TypePrimitive, 7, nil, "serverSaslCreds")
		creds.Data.Write(r.ServerSASLCreds)
		p.AppendChild(creds)
	}
	return p, nil
}

// UnbindRequest closes the session. It has no response.
type UnbindRequest struct{}

func (r *UnbindRequest) Tag() ber.Tag { return ldap.ApplicationUnbindRequest }

func (r *UnbindRequest) encode() (*ber.Packet, error) {
	return ber.Encode(ber.ClassApplication, ber.TypePrimitive, r.Tag(), nil, "Unbind Request"), nil
}

// AbandonRequest asks the server to stop processing MessageID. It has no response.
type AbandonRequest struct {
	MessageID int64
}

func (r *AbandonRequest) Tag() ber.Tag { return ldap.ApplicationAbandonRequest }

func (r *AbandonRequest) encode() (*ber.Packet, error) {
	return ber.NewInteger(ber.ClassApplication, ber.TypePrimitive, r.Tag(), r.MessageID, "Abandon Request"), nil
}

// SearchRequest is a search; Filter uses the RFC 4515 string form.
type SearchRequest struct {
	BaseDN       string
	Scope        int
	DerefAliases int
	SizeLimit    int
	TimeLimit    int
	TypesOnly    bool
	Filter       string
	Attributes   []string
}

func (r *SearchRequest) Tag() ber.Tag { return ldap.ApplicationSearchRequest }

func (r *SearchRequest) encode() (*ber.Packet, error) {
	filter, err := ldap.CompileFilter(r.Filter)
	if err != nil {
		return nil, fmt.Errorf("invalid search filter %q: %w", r.Filter, err)
	}

	p := ber.Encode(ber.ClassApplication, ber.TypeConstructed, r.Tag(), nil, "Search Request")
	p.AppendChild(ber.NewString(ber.ClassUniversal, ber.TypePrimitive, ber.TagOctetString, r.BaseDN, "Base DN"))
	p.AppendChild(ber.NewInteger(ber.ClassUniversal, ber.TypePrimitive, ber.TagEnumerated, uint64(r.Scope), "Scope"))
	p.AppendChild(ber.NewInteger(ber.ClassUniversal, ber.TypePrimitive, ber.TagEnumerated, uint64(r.DerefAliases), "Deref Aliases"))
	p.AppendChild(ber.NewInteger(ber.ClassUniversal, ber.TypePrimitive, ber.TagInteger, uint64(r.SizeLimit), "Size Limit"))
	p.AppendChild(ber.NewInteger(ber.ClassUniversal, ber.TypePrimitive, ber.TagInteger, uint64(r.TimeLimit), "Time Limit"))
	p.AppendChild(ber.NewBoolean(ber.ClassUniversal, ber.TypePrimitive, ber.TagBoolean, r.TypesOnly, "Types Only"))
	p.AppendChild(filter)

	attrs := ber.Encode(ber.ClassUniversal, ber.TypeConstructed, ber.TagSequence, nil, "Attributes")
	for _, a := range r.Attributes {
		attrs.AppendChild(ber.NewString(ber.ClassUniversal, ber.TypePrimitive, ber.TagOctetString, a, "Attribute"))
	}
	p.AppendChild(attrs)

	return p, nil
}

// SearchResultEntry is one entry streamed by a search.
type SearchResultEntry struct {
	Entry *ldap.Entry
}

func (r *SearchResultEntry) Tag() ber.Tag { return ldap.ApplicationSearchResultEntry }

func (r *SearchResultEntry) encode() (*ber.Packet, error) {
	p := ber.Encode(ber.ClassApplication, ber.TypeConstructed, r.Tag(), nil, "Search Result Entry")
	p.AppendChild(ber.NewString(ber.ClassUniversal, ber.TypePrimitive, ber.TagOctetString, r.Entry.DN, "Object Name"))

	attrs := ber.Encode(ber.ClassUniversal, ber.TypeConstructed, ber.TagSequence, nil, "Attributes")
	for _, a := range r.Entry.Attributes {
		attr := ber.Encode(ber.ClassUniversal, ber.TypeConstructed, ber.TagSequence, nil, "Attribute")
		attr.AppendChild(ber.NewString(ber.ClassUniversal, ber.TypePrimitive, ber.TagOctetString, a.Name, "Type"))
		vals := ber.Encode(ber.ClassUniversal, ber.TypeConstructed, ber.TagSet, nil, "Values")
		for _, v := range a.ByteValues {
			vals.AppendChild(ber.NewString(ber.ClassUniversal, ber.TypePrimitive, ber.TagOctetString, string(v), "Value"))
		}
		attr.AppendChild(vals)
		attrs.AppendChild(attr)
	}
	p.AppendChild(attrs)

	return p, nil
}

// SearchResultReference carries continuation references.
type SearchResultReference struct {
	URIs []string
}

func (r *SearchResultReference) Tag() ber.Tag { return ldap.ApplicationSearchResultReference }

func (r *SearchResultReference) encode() (*ber.Packet, error) {
	p := ber.Encode(ber.ClassApplication, ber.TypeConstructed, r.Tag(), nil, "Search Result Reference")
	for _, uri := range r.URIs {
		p.AppendChild(ber.NewString(ber.ClassUniversal, ber.TypePrimitive, ber.TagOctetString, uri, "URI"))
	}
	return p, nil
}

// SearchResultDone ends a search.
type SearchResultDone struct {
	Result
}

func (r *SearchResultDone) Tag() ber.Tag { return ldap.ApplicationSearchResultDone }

func (r *SearchResultDone) encode() (*ber.Packet, error) {
	p := ber.Encode(ber.ClassApplication, ber.TypeConstructed, r.Tag(), nil, "Search Result Done")
	r.Result.appendTo(p)
	return p, nil
}

// ExtendedRequest invokes an extended operation.
type ExtendedRequest struct {
	Name  string
	Value []byte
}

func (r *ExtendedRequest) Tag() ber.Tag { return ldap.ApplicationExtendedRequest }

func (r *ExtendedRequest) encode() (*ber.Packet, error) {
	p := ber.Encode(ber.ClassApplication, ber.TypeConstructed, r.Tag(), nil, "Extended Request")
	p.AppendChild(ber.NewString(ber.ClassContext, ber.TypePrimitive, 0, r.Name, "Request Name"))
	if r.Value != nil {
		p.AppendChild(ber.NewString(ber.ClassContext, ber.TypePrimitive, 1, string(r.Value), "Request Value"))
	}
	return p, nil
}

// ExtendedResponse answers an ExtendedRequest, and carries unsolicited
// notifications.
type ExtendedResponse struct {
	Result
	Name  string
	Value []byte
}

func (r *ExtendedResponse) Tag() ber.Tag { return ldap.ApplicationExtendedResponse }

func (r *ExtendedResponse) encode() (*ber.Packet, error) {
	p := ber.Encode(ber.ClassApplication, ber.TypeConstructed, r.Tag(), nil, "Extended Response")
	r.Result.appendTo(p)
	if r.Name != "" {
		p.AppendChild(ber.NewString(ber.ClassContext, ber.TypePrimitive, 10, r.Name, "Response Name"))
	}
	if r.Value != nil {
		p.AppendChild(ber.NewString(ber.ClassContext, ber.TypePrimitive, 11, string(r.Value), "Response Value"))
	}
	return p, nil
}

// IntermediateResponse is a non-final response of a multi-response operation.
type IntermediateResponse struct {
	Name  string
	Value []byte
}

func (r *IntermediateResponse) Tag() ber.Tag { return ldap.ApplicationIntermediateResponse }

func (r *IntermediateResponse) encode() (*ber.Packet, error) {
	p := ber.Encode(ber.ClassApplication, ber.TypeConstructed, r.Tag(), nil, "Intermediate Response")
	if r.Name != "" {
		p.AppendChild(ber.NewString(ber.ClassContext, ber.TypePrimitive, 0, r.Name, "Response Name"))
	}
	if r.Value != nil {
		p.AppendChild(ber.NewString(ber.ClassContext, ber.TypePrimitive, 1, string(r.Value), "Response Value"))
	}
	return p, nil
}

// ResultResponse is any other response consisting only of an LDAPResult
// (modify, add, delete, modify DN, compare).
type ResultResponse struct {
	Application ber.Tag
	Result
}

func (r *ResultResponse) Tag() ber.Tag { return r.Application }

func (r *ResultResponse) encode() (*ber.Packet, error) {
	p := ber.Encode(ber.ClassApplication, ber.TypeConstructed, r.Application, nil, OperationName(r))
	r.Result.appendTo(p)
	return p, nil
}

// RawOperation holds an operation this package does not model.
type RawOperation struct {
	Packet *ber.Packet
}

func (r *RawOperation) Tag() ber.Tag { return r.Packet.Tag }

func (r *RawOperation) encode() (*ber.Packet, error) { return r.Packet, nil }

func formatErr(format string, args ...any) error {
	return failure.ProtocolFormat("decode", format, args...)
}

func decodeMessage(p *ber.Packet) (*Message, error) {
	if len(p.Children) < 2 {
		return nil, formatErr("LDAPMessage has %d elements", len(p.Children))
	}

	id, ok := p.Children[0].Value.(int64)
	if !ok || p.Children[0].Tag != ber.TagInteger {
		return nil, formatErr("missing messageID")
	}
	if id < 0 || id > maxMessageID {
		return nil, formatErr("messageID %d out of range", id)
	}

	op, err := decodeOperation(p.Children[1])
	if err != nil {
		return nil, err
	}

	msg := &Message{ID: id, Op: op}

	if len(p.Children) > 2 {
		c := p.Children[2]
		if c.ClassType == ber.ClassContext && c.Tag == 0 {
			for _, child := range c.Children {
				control, err := ldap.DecodeControl(child)
				if err != nil {
					return nil, formatErr("message %d: invalid control: %v", id, err)
				}
				msg.Controls = append(msg.Controls, control)
			}
		}
	}

	return msg, nil
}

func decodeOperation(p *ber.Packet) (Operation, error) {
	if p.ClassType != ber.ClassApplication {
		return nil, formatErr("protocolOp is not an APPLICATION element")
	}

	switch p.Tag {
	case ldap.ApplicationBindRequest:
		return decodeBindRequest(p)
	case ldap.ApplicationBindResponse:
		result, rest, err := decodeResult(p.Children)
		if err != nil {
			return nil, err
		}
		resp := &BindResponse{Result: result}
		for _, c := range rest {
			if c.ClassType == ber.ClassContext && c.Tag == 7 {
				resp.ServerSASLCreds = c.Data.Bytes()
			}
		}
		return resp, nil
	case ldap.ApplicationUnbindRequest:
		return &UnbindRequest{}, nil
	case ldap.ApplicationAbandonRequest:
		id, err := ber.ParseInt64(p.Data.Bytes())
		if err != nil {
			return nil, formatErr("abandon request: %v", err)
		}
		return &AbandonRequest{MessageID: id}, nil
	case ldap.ApplicationSearchRequest:
		return decodeSearchRequest(p)
	case ldap.ApplicationSearchResultEntry:
		return decodeSearchResultEntry(p)
	case ldap.ApplicationSearchResultReference:
		ref := &SearchResultReference{}
		for _, c := range p.Children {
			ref.URIs = append(ref.URIs, string(c.ByteValue))
		}
		return ref, nil
	case ldap.ApplicationSearchResultDone:
		result, _, err := decodeResult(p.Children)
		if err != nil {
			return nil, err
		}
		return &SearchResultDone{Result: result}, nil
	case ldap.ApplicationExtendedRequest:
		req := &ExtendedRequest{}
		for _, c := range p.Children {
			switch c.Tag {
			case 0:
				req.Name = string(c.Data.Bytes())
			case 1:
				req.Value = c.Data.Bytes()
			}
		}
		if req.Name == "" {
			return nil, formatErr("extended request without a name")
		}
		return req, nil
	case ldap.ApplicationExtendedResponse:
		result, rest, err := decodeResult(p.Children)
		if err != nil {
			return nil, err
		}
		resp := &ExtendedResponse{Result: result}
		for _, c := range rest {
			switch c.Tag {
			case 10:
				resp.Name = string(c.Data.Bytes())
			case 11:
				resp.Value = c.Data.Bytes()
			}
		}
		return resp, nil
	case ldap.ApplicationIntermediateResponse:
		resp := &IntermediateResponse{}
		for _, c := range p.Children {
			switch c.Tag {
			case 0:
				resp.Name = string(c.Data.Bytes())
			case 1:
				resp.Value = c.Data.Bytes()
			}
		}
		return resp, nil
	case ldap.ApplicationModifyResponse,
		ldap.ApplicationAddResponse,
		ldap.ApplicationDelResponse,
		ldap.ApplicationModifyDNResponse,
		ldap.ApplicationCompareResponse:
		result, _, err := decodeResult(p.Children)
		if err != nil {
			return nil, err
		}
		return &ResultResponse{Application: p.Tag, Result: result}, nil
	default:
		return &RawOperation{Packet: p}, nil
	}
}

func decodeResult(children []*ber.Packet) (Result, []*ber.Packet, error) {
	if len(children) < 3 {
		return Result{}, nil, formatErr("LDAPResult has %d elements", len(children))
	}

	code, ok := children[0].Value.(int64)
	if !ok || children[0].Tag != ber.TagEnumerated {
		return Result{}, nil, formatErr("LDAPResult without resultCode")
	}
	if code < 0 || code > 0xffff {
		return Result{}, nil, formatErr("resultCode %d out of range", code)
	}

	result := Result{
		Code:       uint16(code),
		MatchedDN:  string(children[1].ByteValue),
		Diagnostic: string(children[2].ByteValue),
	}

	rest := children[3:]
	if len(rest) > 0 && rest[0].ClassType == ber.ClassContext && rest[0].Tag == 3 && rest[0].TagType == ber.TypeConstructed {
		for _, uri := range rest[0].Children {
			result.Referrals = append(result.Referrals, string(uri.ByteValue))
		}
		rest = rest[1:]
	}

	return result, rest, nil
}

func decodeBindRequest(p *ber.Packet) (*BindRequest, error) {
	if len(p.Children) != 3 {
		return nil, formatErr("bind request has %d elements", len(p.Children))
	}

	version, _ := p.Children[0].Value.(int64)
	req := &BindRequest{
		Version: version,
		Name:    string(p.Children[1].ByteValue),
	}

	auth := p.Children[2]
	switch auth.Tag {
	case 0:
		req.Simple = string(auth.Data.Bytes())
	case 3:
		if len(auth.Children) == 0 {
			return nil, formatErr("SASL bind without mechanism")
		}
		req.SASL = &SASLCredentials{Mechanism: string(auth.Children[0].ByteValue)}
		if len(auth.Children) > 1 {
			req.SASL.Credentials = auth.Children[1].ByteValue
		}
	case sicilyNegotiateTag, sicilyResponseTag:
		req.Sicily = &SicilyToken{Tag: auth.Tag, Token: auth.Data.Bytes()}
	default:
		return nil, formatErr("unsupported bind authentication tag %d", auth.Tag)
	}

	return req, nil
}

func decodeSearchRequest(p *ber.Packet) (*SearchRequest, error) {
	if len(p.Children) != 8 {
		return nil, formatErr("search request has %d elements", len(p.Children))
	}

	filter, err := ldap.DecompileFilter(p.Children[6])
	if err != nil {
		return nil, formatErr("search filter: %v", err)
	}

	intAt := func(i int) int {
		v, _ := p.Children[i].Value.(int64)
		return int(v)
	}
	typesOnly, _ := p.Children[5].Value.(bool)

	req := &SearchRequest{
		BaseDN:       string(p.Children[0].ByteValue),
		Scope:        intAt(1),
		DerefAliases: intAt(2),
		SizeLimit:    intAt(3),
		TimeLimit:    intAt(4),
		TypesOnly:    typesOnly,
		Filter:       filter,
	}
	for _, a := range p.Children[7].Children {
		req.Attributes = append(req.Attributes, string(a.ByteValue))
	}

	return req, nil
}

func decodeSearchResultEntry(p *ber.Packet) (*SearchResultEntry, error) {
	if len(p.Children) != 2 {
		return nil, formatErr("search result entry has %d elements", len(p.Children))
	}

	entry := &ldap.Entry{DN: string(p.Children[0].ByteValue)}
	for _, a := range p.Children[1].Children {
		if len(a.Children) != 2 {
			return nil, formatErr("entry %q: malformed attribute", entry.DN)
		}
		attr := &ldap.EntryAttribute{Name: string(a.Children[0].ByteValue)}
		for _, v := range a.Children[1].Children {
			attr.Values = append(attr.Values, string(v.ByteValue))
			attr.ByteValues = append(attr.ByteValues, v.ByteValue)
		}
		entry.Attributes = append(entry.Attributes, attr)
	}

	return &SearchResultEntry{Entry: entry}, nil
}
