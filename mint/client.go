package mint

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

// Client is the boundary to a Cashu mint. Every operation takes the
// mint URL so the failover resolver can retry the same operation
// against backup mints.
type Client interface {
	Info(ctx context.Context, mintURL string) (*Info, error)
	RequestMintQuote(ctx context.Context, mintURL string, amount int64, unit string) (*MintQuote, error)
	CheckMintQuote(ctx context.Context, mintURL, quoteID string) (*MintQuote, error)
	Mint(ctx context.Context, mintURL, quoteID, unit string, amount int64) ([]Proof, error)
	RequestMeltQuote(ctx context.Context, mintURL, paymentRequest, unit string) (*MeltQuote, error)
	Melt(ctx context.Context, mintURL, quoteID string, inputs []Proof) (*MeltResult, error)
	Swap(ctx context.Context, mintURL, unit string, inputs []Proof, targetAmounts []int64) ([]Proof, error)
	CheckProofStates(ctx context.Context, mintURL string, proofs []Proof) ([]ProofState, error)
	CalculateFee(ctx context.Context, mintURL string, proofs []Proof) (int64, error)
}

// RestClient talks to mints over the Cashu v1 REST API. Short
// timeouts keep a hung mint from stalling a polling batch.
type RestClient struct {
	httpClient *http.Client
}

var _ Client = (*RestClient)(nil)

func NewRestClient(timeout time.Duration) *RestClient {
	return &RestClient{
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (c *RestClient) do(ctx context.Context, method, url string, reqBody, respBody interface{}) error {
	var body *bytes.Buffer = bytes.NewBuffer(nil)
	if reqBody != nil {
		if err := json.NewEncoder(body).Encode(reqBody); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return err
	}
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &NetworkError{URL: url, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		protoErr := &ProtocolError{}
		if err := json.NewDecoder(resp.Body).Decode(protoErr); err != nil || protoErr.Detail == "" {
			protoErr.Detail = resp.Status
		}
		return protoErr
	}
	if respBody == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(respBody)
}

func endpoint(mintURL string, parts ...string) string {
	return strings.TrimSuffix(mintURL, "/") + "/" + strings.Join(parts, "/")
}

func (c *RestClient) Info(ctx context.Context, mintURL string) (*Info, error) {
	info := &Info{}
	if err := c.do(ctx, http.MethodGet, endpoint(mintURL, "v1", "info"), nil, info); err != nil {
		return nil, err
	}
	return info, nil
}

type postMintQuoteRequest struct {
	Amount int64  `json:"amount"`
	Unit   string `json:"unit"`
}

func (c *RestClient) RequestMintQuote(ctx context.Context, mintURL string, amount int64, unit string) (*MintQuote, error) {
	quote := &MintQuote{}
	err := c.do(ctx, http.MethodPost, endpoint(mintURL, "v1", "mint", "quote", "bolt11"), &postMintQuoteRequest{Amount: amount, Unit: unit}, quote)
	if err != nil {
		return nil, err
	}
	return quote, nil
}

func (c *RestClient) CheckMintQuote(ctx context.Context, mintURL, quoteID string) (*MintQuote, error) {
	quote := &MintQuote{}
	err := c.do(ctx, http.MethodGet, endpoint(mintURL, "v1", "mint", "quote", "bolt11", quoteID), nil, quote)
	if err != nil {
		return nil, err
	}
	return quote, nil
}

type postMintRequest struct {
	Quote   string           `json:"quote"`
	Outputs []BlindedMessage `json:"outputs"`
}

type postMintResponse struct {
	Signatures []BlindedSignature `json:"signatures"`
}

func (c *RestClient) Mint(ctx context.Context, mintURL, quoteID, unit string, amount int64) ([]Proof, error) {
	keysetID, keys, err := c.activeKeys(ctx, mintURL, unit)
	if err != nil {
		return nil, err
	}

	outputs, factors, secrets, err := buildOutputs(SplitAmount(amount), keysetID)
	if err != nil {
		return nil, err
	}

	mintResp := &postMintResponse{}
	err = c.do(ctx, http.MethodPost, endpoint(mintURL, "v1", "mint", "bolt11"), &postMintRequest{Quote: quoteID, Outputs: outputs}, mintResp)
	if err != nil {
		return nil, err
	}
	return unblindAll(mintResp.Signatures, factors, secrets, keys)
}

type postMeltQuoteRequest struct {
	Request string `json:"request"`
	Unit    string `json:"unit"`
}

func (c *RestClient) RequestMeltQuote(ctx context.Context, mintURL, paymentRequest, unit string) (*MeltQuote, error) {
	quote := &MeltQuote{}
	err := c.do(ctx, http.MethodPost, endpoint(mintURL, "v1", "melt", "quote", "bolt11"), &postMeltQuoteRequest{Request: paymentRequest, Unit: unit}, quote)
	if err != nil {
		return nil, err
	}
	return quote, nil
}

type postMeltRequest struct {
	Quote  string  `json:"quote"`
	Inputs []Proof `json:"inputs"`
}

func (c *RestClient) Melt(ctx context.Context, mintURL, quoteID string, inputs []Proof) (*MeltResult, error) {
	result := &MeltResult{}
	err := c.do(ctx, http.MethodPost, endpoint(mintURL, "v1", "melt", "bolt11"), &postMeltRequest{Quote: quoteID, Inputs: inputs}, result)
	if err != nil {
		return nil, err
	}
	return result, nil
}

type postSwapRequest struct {
	Inputs  []Proof          `json:"inputs"`
	Outputs []BlindedMessage `json:"outputs"`
}

type postSwapResponse struct {
	Signatures []BlindedSignature `json:"signatures"`
}

// Swap exchanges inputs for fresh proofs with exactly the requested
// denominations, in the order of targetAmounts.
func (c *RestClient) Swap(ctx context.Context, mintURL, unit string, inputs []Proof, targetAmounts []int64) ([]Proof, error) {
	keysetID, keys, err := c.activeKeys(ctx, mintURL, unit)
	if err != nil {
		return nil, err
	}

	outputs, factors, secrets, err := buildOutputs(targetAmounts, keysetID)
	if err != nil {
		return nil, err
	}

	swapResp := &postSwapResponse{}
	err = c.do(ctx, http.MethodPost, endpoint(mintURL, "v1", "swap"), &postSwapRequest{Inputs: inputs, Outputs: outputs}, swapResp)
	if err != nil {
		return nil, err
	}
	return unblindAll(swapResp.Signatures, factors, secrets, keys)
}

type postCheckStateRequest struct {
	Ys []string `json:"Ys"`
}

type postCheckStateResponse struct {
	States []ProofState `json:"states"`
}

// CheckProofStates maps each proof to its Y commitment and batch
// queries the mint. Results come back in request order.
func (c *RestClient) CheckProofStates(ctx context.Context, mintURL string, proofs []Proof) ([]ProofState, error) {
	ys := make([]string, len(proofs))
	for i, proof := range proofs {
		y, err := ProofCommitment(proof.Secret)
		if err != nil {
			return nil, err
		}
		ys[i] = y
	}

	stateResp := &postCheckStateResponse{}
	err := c.do(ctx, http.MethodPost, endpoint(mintURL, "v1", "checkstate"), &postCheckStateRequest{Ys: ys}, stateResp)
	if err != nil {
		return nil, err
	}
	if len(stateResp.States) != len(proofs) {
		return nil, fmt.Errorf("mint returned %d states for %d proofs", len(stateResp.States), len(proofs))
	}
	return stateResp.States, nil
}

type getKeysetsResponse struct {
	Keysets []Keyset `json:"keysets"`
}

// CalculateFee computes the swap fee the mint will charge for
// consuming the given proofs, from the per-keyset input fee.
func (c *RestClient) CalculateFee(ctx context.Context, mintURL string, proofs []Proof) (int64, error) {
	keysetsResp := &getKeysetsResponse{}
	err := c.do(ctx, http.MethodGet, endpoint(mintURL, "v1", "keysets"), nil, keysetsResp)
	if err != nil {
		return 0, err
	}
	feePpk := make(map[string]int64, len(keysetsResp.Keysets))
	for _, keyset := range keysetsResp.Keysets {
		feePpk[keyset.Id] = keyset.InputFeePpk
	}

	var totalPpk int64
	for _, proof := range proofs {
		totalPpk += feePpk[proof.Id]
	}
	return (totalPpk + 999) / 1000, nil
}

type getKeysResponse struct {
	Keysets []struct {
		Id   string            `json:"id"`
		Unit string            `json:"unit"`
		Keys map[string]string `json:"keys"`
	} `json:"keysets"`
}

// activeKeys returns the first active keyset for the unit together
// with its amount-to-pubkey map.
func (c *RestClient) activeKeys(ctx context.Context, mintURL, unit string) (string, map[int64]*secp256k1.PublicKey, error) {
	keysetsResp := &getKeysetsResponse{}
	err := c.do(ctx, http.MethodGet, endpoint(mintURL, "v1", "keysets"), nil, keysetsResp)
	if err != nil {
		return "", nil, err
	}
	var keysetID string
	for _, keyset := range keysetsResp.Keysets {
		if keyset.Active && keyset.Unit == unit {
			keysetID = keyset.Id
			break
		}
	}
	if keysetID == "" {
		return "", nil, fmt.Errorf("mint %s has no active keyset for unit %s", mintURL, unit)
	}

	keysResp := &getKeysResponse{}
	err = c.do(ctx, http.MethodGet, endpoint(mintURL, "v1", "keys", keysetID), nil, keysResp)
	if err != nil {
		return "", nil, err
	}
	keys := make(map[int64]*secp256k1.PublicKey)
	for _, keyset := range keysResp.Keysets {
		if keyset.Id != keysetID {
			continue
		}
		for amountStr, pubkeyHex := range keyset.Keys {
			amount, err := strconv.ParseInt(amountStr, 10, 64)
			if err != nil {
				return "", nil, fmt.Errorf("invalid amount %q in keyset %s", amountStr, keysetID)
			}
			pubkey, err := parsePubkeyHex(pubkeyHex)
			if err != nil {
				return "", nil, err
			}
			keys[amount] = pubkey
		}
	}
	return keysetID, keys, nil
}

func buildOutputs(amounts []int64, keysetID string) (outputs []BlindedMessage, factors []*secp256k1.PrivateKey, secrets []string, err error) {
	for _, amount := range amounts {
		secret, err := randomSecret()
		if err != nil {
			return nil, nil, nil, err
		}
		blinded, factor, err := blindMessage(secret)
		if err != nil {
			return nil, nil, nil, err
		}
		outputs = append(outputs, BlindedMessage{
			Amount: amount,
			Id:     keysetID,
			B_:     hex.EncodeToString(blinded.SerializeCompressed()),
		})
		factors = append(factors, factor)
		secrets = append(secrets, secret)
	}
	return outputs, factors, secrets, nil
}

func unblindAll(signatures []BlindedSignature, factors []*secp256k1.PrivateKey, secrets []string, keys map[int64]*secp256k1.PublicKey) ([]Proof, error) {
	if len(signatures) != len(factors) {
		return nil, fmt.Errorf("mint returned %d signatures for %d outputs", len(signatures), len(factors))
	}
	proofs := make([]Proof, len(signatures))
	for i, sig := range signatures {
		mintKey, ok := keys[sig.Amount]
		if !ok {
			return nil, fmt.Errorf("mint signed unknown amount %d", sig.Amount)
		}
		blindedSig, err := parsePubkeyHex(sig.C_)
		if err != nil {
			return nil, err
		}
		unblinded := unblindSignature(blindedSig, factors[i], mintKey)
		proofs[i] = Proof{
			Amount: sig.Amount,
			Id:     sig.Id,
			Secret: secrets[i],
			C:      hex.EncodeToString(unblinded.SerializeCompressed()),
		}
	}
	return proofs, nil
}
