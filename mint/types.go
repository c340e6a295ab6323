package mint

// Proof is one bearer token unit issued by a mint.
type Proof struct {
	Amount int64  `json:"amount"`
	Id     string `json:"id"`
	Secret string `json:"secret"`
	C      string `json:"C"`
}

type BlindedMessage struct {
	Amount int64  `json:"amount"`
	Id     string `json:"id"`
	B_     string `json:"B_"`
}

type BlindedSignature struct {
	Amount int64  `json:"amount"`
	Id     string `json:"id"`
	C_     string `json:"C_"`
}

// MintQuote is a mint-issued request to mint tokens against a bolt11
// invoice. State is one of UNPAID, PAID, ISSUED.
type MintQuote struct {
	Quote          string `json:"quote"`
	PaymentRequest string `json:"request"`
	State          string `json:"state"`
	Expiry         int64  `json:"expiry"`
}

// MeltQuote is a mint-issued request to pay out a bolt11 invoice with
// proofs. Amount and FeeReserve are in the mint unit.
type MeltQuote struct {
	Quote      string `json:"quote"`
	Amount     int64  `json:"amount"`
	FeeReserve int64  `json:"fee_reserve"`
	State      string `json:"state"`
	Expiry     int64  `json:"expiry"`
}

type MeltResult struct {
	State    string `json:"state"`
	Preimage string `json:"payment_preimage"`
}

// ProofState is the mint-reported state of a single proof, identified
// by its Y commitment.
type ProofState struct {
	Y     string `json:"Y"`
	State string `json:"state"`
}

type Keyset struct {
	Id          string `json:"id"`
	Unit        string `json:"unit"`
	Active      bool   `json:"active"`
	InputFeePpk int64  `json:"input_fee_ppk"`
}

type Info struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	Pubkey  string `json:"pubkey"`
}
