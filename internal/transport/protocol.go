package transport

// JSON-RPC methods served by a daemon at {address}/rpc.
const (
	MethodRegister      = "register"
	MethodFees          = "fees"
	MethodBolt11Quote   = "bolt11_quote"
	MethodBolt11Send    = "bolt11_send"
	MethodBolt12Send    = "bolt12_send"
	MethodBolt11Receive = "bolt11_receive"
	MethodBolt12Receive = "bolt12_receive"
	MethodEvents        = "events"
)

// JSON-RPC error codes. The -320xx range is application defined.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternal       = -32603
	CodeUnauthorized   = -32001
	CodeRejected       = -32002
	CodeRateLimited    = -32003
	CodeHistoryGap     = -32004
)

// registerDomain separates registration signatures from any other use of the
// daemon key.
const registerDomain = "puncture-register"

// RegisterChallenge is the message a daemon signs to prove it holds the key
// named in the invite.
func RegisterChallenge(nonce []byte, sessionToken string) []byte {
	msg := make([]byte, 0, len(registerDomain)+len(nonce)+len(sessionToken))
	msg = append(msg, registerDomain...)
	msg = append(msg, nonce...)
	return append(msg, sessionToken...)
}

// RegisterParams are sent unauthenticated; byte fields are hex.
type RegisterParams struct {
	Secret string `json:"secret"`
	Nonce  string `json:"nonce"`
}

type RegisterResult struct {
	Name         string `json:"name"`
	SessionToken string `json:"session_token"`
	Signature    string `json:"signature"`
}

type FeesResult struct {
	FeePPM      uint64 `json:"fee_ppm"`
	BaseFeeMsat uint64 `json:"base_fee_msat"`
}

type Bolt11QuoteParams struct {
	Invoice    string `json:"invoice"`
	AmountMsat uint64 `json:"amount_msat"`
}

type QuoteResult struct {
	AmountMsat  uint64 `json:"amount_msat"`
	FeeMsat     uint64 `json:"fee_msat"`
	Description string `json:"description"`
	ExpirySecs  uint64 `json:"expiry_secs"`
}

type Bolt11SendParams struct {
	Invoice    string `json:"invoice"`
	AmountMsat uint64 `json:"amount_msat"`
	LnAddress  string `json:"ln_address,omitempty"`
}

type Bolt12SendParams struct {
	Offer      string `json:"offer"`
	AmountMsat uint64 `json:"amount_msat"`
}

type SendResult struct {
	PaymentID string `json:"payment_id"`
}

type Bolt11ReceiveParams struct {
	AmountMsat  uint64 `json:"amount_msat"`
	Description string `json:"description"`
}

type Bolt11ReceiveResult struct {
	Invoice string `json:"invoice"`
}

type Bolt12ReceiveResult struct {
	Offer string `json:"offer"`
}

type EventsParams struct {
	AfterSeq uint64 `json:"after_seq"`
	WaitMs   int64  `json:"wait_ms"`
}

type EventsResult struct {
	Events []Event `json:"events"`
}

// Event types carried in Event.Type.
const (
	EventPayment = "payment"
	EventBalance = "balance"
	EventUpdate  = "update"
)

// Event is one entry of a daemon's ordered event log. Exactly one of the
// payload pointers matches Type.
type Event struct {
	Seq     uint64        `json:"seq"`
	Type    string        `json:"type"`
	Payment *PaymentEvent `json:"payment,omitempty"`
	Balance *BalanceEvent `json:"balance,omitempty"`
	Update  *UpdateEvent  `json:"update,omitempty"`
}

type PaymentEvent struct {
	ID            string `json:"id"`
	PaymentType   string `json:"payment_type"`
	Status        string `json:"status"`
	AmountMsat    int64  `json:"amount_msat"`
	FeeMsat       int64  `json:"fee_msat"`
	Description   string `json:"description"`
	Bolt11Invoice string `json:"bolt11_invoice"`
	CreatedAt     int64  `json:"created_at"`
	LnAddress     string `json:"ln_address,omitempty"`
}

type BalanceEvent struct {
	AmountMsat uint64 `json:"amount_msat"`
}

type UpdateEvent struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}
