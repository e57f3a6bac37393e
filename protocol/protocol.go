package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

type Opcode int

const (
	CodeText Opcode = iota
	CodeEmoji
	CodePicture
	CodeFile
	CodeRegister
	CodeRegisterReply
	CodeLogin
	CodeLoginReply
	CodeError
)

var opcodeNames = map[Opcode]string{
	CodeText:          "text",
	CodeEmoji:         "emoji",
	CodePicture:       "picture",
	CodeFile:          "file",
	CodeRegister:      "register",
	CodeRegisterReply: "register_reply",
	CodeLogin:         "login",
	CodeLoginReply:    "login_reply",
	CodeError:         "error",
}

func (c Opcode) String() string {
	if name, ok := opcodeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("opcode(%d)", int(c))
}

// IsContent reports whether the opcode carries a group message.
func (c Opcode) IsContent() bool {
	return c >= CodeText && c <= CodeFile
}

// inbound opcodes a client is allowed to send
func (c Opcode) isInbound() bool {
	return c.IsContent() || c == CodeRegister || c == CodeLogin
}

// Envelope is the unit exchanged on the wire, one JSON object per line.
type Envelope struct {
	Code Opcode          `json:"code"`
	Time *int64          `json:"time,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

type wireEnvelope struct {
	Code *int            `json:"code"`
	Time *int64          `json:"time"`
	Data json.RawMessage `json:"data"`
}

// Decode parses a single frame. Unknown or missing opcodes yield an
// UnknownOpcode ProtocolError; anything structurally invalid is Malformed.
func Decode(frame []byte) (*Envelope, error) {
	frame = bytes.TrimSpace(frame)
	if len(frame) == 0 {
		return nil, malformed("empty frame")
	}

	var w wireEnvelope
	if err := json.Unmarshal(frame, &w); err != nil {
		return nil, malformed(err.Error())
	}
	if w.Code == nil {
		return nil, &ProtocolError{Kind: UnknownOpcode, Reason: "missing code"}
	}

	code := Opcode(*w.Code)
	if !code.isInbound() {
		return nil, &ProtocolError{Kind: UnknownOpcode, Code: *w.Code, HasCode: true, Reason: "unknown code"}
	}

	data := bytes.TrimSpace(w.Data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) || data[0] != '{' {
		return nil, &ProtocolError{Kind: Malformed, Code: *w.Code, HasCode: true, Reason: "data must be an object"}
	}

	return &Envelope{Code: code, Time: w.Time, Data: data}, nil
}

// Encode serializes env followed by the frame delimiter.
func Encode(env *Envelope) ([]byte, error) {
	b, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encoding %s envelope: %w", env.Code, err)
	}
	return append(b, '\n'), nil
}

// NewEnvelope marshals data into a fresh envelope.
func NewEnvelope(code Opcode, data any) (*Envelope, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("encoding %s data: %w", code, err)
	}
	return &Envelope{Code: code, Data: raw}, nil
}

// EncodeData is NewEnvelope followed by Encode.
func EncodeData(code Opcode, data any) ([]byte, error) {
	env, err := NewEnvelope(code, data)
	if err != nil {
		return nil, err
	}
	return Encode(env)
}

// Unmarshal decodes the envelope payload into v, mapping failures to Malformed.
func (e *Envelope) Unmarshal(v any) error {
	dec := json.NewDecoder(bytes.NewReader(e.Data))
	if err := dec.Decode(v); err != nil {
		return &ProtocolError{Kind: Malformed, Code: int(e.Code), HasCode: true, Reason: err.Error()}
	}
	return nil
}

type ErrorKind int

const (
	Malformed ErrorKind = iota
	UnknownOpcode
)

func (k ErrorKind) String() string {
	if k == UnknownOpcode {
		return "unknown_opcode"
	}
	return "malformed"
}

type ProtocolError struct {
	Kind    ErrorKind
	Code    int // raw opcode, valid when HasCode
	HasCode bool
	Reason  string
}

func (e *ProtocolError) Error() string {
	if e.HasCode {
		return fmt.Sprintf("%s frame (code %d): %s", e.Kind, e.Code, e.Reason)
	}
	return fmt.Sprintf("%s frame: %s", e.Kind, e.Reason)
}

func malformed(reason string) *ProtocolError {
	return &ProtocolError{Kind: Malformed, Reason: reason}
}

// AsProtocolError unwraps err into a *ProtocolError if it is one.
func AsProtocolError(err error) (*ProtocolError, bool) {
	var perr *ProtocolError
	if errors.As(err, &perr) {
		return perr, true
	}
	return nil, false
}

// TextData is the payload of the content opcodes. Only cid is interpreted;
// the remaining fields travel as the persisted payload.
type TextData struct {
	Cid      int64           `json:"cid"`
	SenderID json.RawMessage `json:"sender_id,omitempty"`
	Msg      json.RawMessage `json:"msg,omitempty"`
}

// MaxPasswordLen is the longest password bcrypt accepts.
const MaxPasswordLen = 72

type RegisterData struct {
	Name     string `json:"name"`
	Password string `json:"password"`
	Email    string `json:"email"`
	Time     *int64 `json:"time,omitempty"` // some clients send it here instead of the envelope
}

func (d *RegisterData) Validate() error {
	if strings.TrimSpace(d.Name) == "" || d.Password == "" || strings.TrimSpace(d.Email) == "" {
		return &ProtocolError{Kind: Malformed, Code: int(CodeRegister), HasCode: true, Reason: "name, password and email are required"}
	}
	if len(d.Password) > MaxPasswordLen {
		return &ProtocolError{Kind: Malformed, Code: int(CodeRegister), HasCode: true, Reason: "password too long"}
	}
	return nil
}

type LoginData struct {
	Ocid     *string `json:"ocId"`
	Email    *string `json:"email"`
	Password string  `json:"password"`
}

type AccountKind int

const (
	AccountEmail AccountKind = iota
	AccountOcid
)

func (k AccountKind) String() string {
	if k == AccountOcid {
		return "ocid"
	}
	return "email"
}

// Account identifies a user either by email or by ocid, never both.
type Account struct {
	Kind  AccountKind
	Value string
}

func Email(v string) Account { return Account{Kind: AccountEmail, Value: v} }
func Ocid(v string) Account  { return Account{Kind: AccountOcid, Value: v} }

// Account returns the tagged identifier. Exactly one of ocId and email must be set.
func (d *LoginData) Account() (Account, error) {
	bad := func(reason string) error {
		return &ProtocolError{Kind: Malformed, Code: int(CodeLogin), HasCode: true, Reason: reason}
	}
	if d.Password == "" {
		return Account{}, bad("password is required")
	}
	switch {
	case d.Ocid != nil && d.Email != nil:
		return Account{}, bad("exactly one of ocId and email is allowed")
	case d.Ocid != nil && *d.Ocid != "":
		return Ocid(*d.Ocid), nil
	case d.Email != nil && *d.Email != "":
		return Email(*d.Email), nil
	default:
		return Account{}, bad("ocId or email is required")
	}
}

type RegisterReply struct {
	State int    `json:"state"`
	Ocid  string `json:"ocId,omitempty"`
	ID    int64  `json:"id,omitempty"`
}

type LoginReply struct {
	State int   `json:"state"`
	ID    int64 `json:"id,omitempty"`
}

// Register and login reply states.
const (
	RegisterOK             = 0
	RegisterDatabaseError  = 1
	RegisterEmailDuplicate = 2

	LoginOK                 = 0
	LoginInvalidCredentials = 1
	LoginBackendError       = 2
)

// Error reasons carried by CodeError envelopes.
const (
	ReasonMalformed            = "malformed"
	ReasonUnknownOpcode        = "unknown_opcode"
	ReasonNotAuthenticated     = "not_authenticated"
	ReasonAlreadyAuthenticated = "already_authenticated"
	ReasonRateLimited          = "rate_limited"
	ReasonInternal             = "internal"
	ReasonEvicted              = "evicted"
	ReasonShutdown             = "shutdown"
	ReasonTooManyErrors        = "too_many_errors"
)

type ErrorData struct {
	Reason string `json:"reason"`
	Code   *int   `json:"code,omitempty"`
}

// DeliveryFrame rebuilds a persisted content message for a recipient: the
// stored data object with cid, sender_id and msg_id set by the server.
func DeliveryFrame(code Opcode, payload string, cid, senderID, msgID, ts int64) ([]byte, error) {
	fields := map[string]json.RawMessage{}
	if payload != "" {
		if err := json.Unmarshal([]byte(payload), &fields); err != nil {
			return nil, fmt.Errorf("decoding stored payload of message %d: %w", msgID, err)
		}
	}
	for key, v := range map[string]int64{"cid": cid, "sender_id": senderID, "msg_id": msgID} {
		raw, _ := json.Marshal(v)
		fields[key] = raw
	}
	data, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("encoding delivery of message %d: %w", msgID, err)
	}
	return Encode(&Envelope{Code: code, Time: &ts, Data: data})
}

// ErrorFrame builds an encoded error envelope. code may be nil.
func ErrorFrame(reason string, code *int) []byte {
	b, err := EncodeData(CodeError, ErrorData{Reason: reason, Code: code})
	if err != nil {
		// ErrorData always marshals
		panic(err)
	}
	return b
}

// ReasonFor maps a protocol error to the reason reported to the client.
func ReasonFor(perr *ProtocolError) string {
	if perr.Kind == UnknownOpcode {
		return ReasonUnknownOpcode
	}
	return ReasonMalformed
}
