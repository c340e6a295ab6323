package mint

import (
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"sort"
	"strings"
)

// SplitAmount breaks an amount into the canonical power-of-two
// denominations, smallest first.
func SplitAmount(amount int64) []int64 {
	amounts := []int64{}
	for i := uint(0); amount > 0; i++ {
		if amount&1 == 1 {
			amounts = append(amounts, int64(1)<<i)
		}
		amount >>= 1
	}
	return amounts
}

func SumProofs(proofs []Proof) int64 {
	var sum int64
	for _, proof := range proofs {
		sum += proof.Amount
	}
	return sum
}

// SelectProofs greedily picks proofs to cover target. A first pass
// walks proofs largest-first and takes every proof that still fits,
// which finds an exact subset whenever the denominations line up. If
// the target is not covered after that, the smallest remaining proofs
// are added until the sum reaches the target or proofs run out. The
// returned sum equals the target only for an exact match.
func SelectProofs(proofs []Proof, target int64) (selected []Proof, sum int64) {
	sorted := make([]Proof, len(proofs))
	copy(sorted, proofs)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Amount > sorted[j].Amount })

	used := make([]bool, len(sorted))
	remaining := target
	for i, proof := range sorted {
		if proof.Amount <= remaining {
			selected = append(selected, proof)
			used[i] = true
			remaining -= proof.Amount
			sum += proof.Amount
		}
	}
	if remaining == 0 {
		return selected, sum
	}

	// top up smallest-first
	for i := len(sorted) - 1; i >= 0 && sum < target; i-- {
		if used[i] {
			continue
		}
		selected = append(selected, sorted[i])
		used[i] = true
		sum += sorted[i].Amount
	}
	return selected, sum
}

type tokenEntry struct {
	Mint   string  `json:"mint"`
	Proofs []Proof `json:"proofs"`
}

type token struct {
	Token []tokenEntry `json:"token"`
	Unit  string       `json:"unit,omitempty"`
	Memo  string       `json:"memo,omitempty"`
}

// IsHexKeysetId reports whether a keyset id uses the newer hex format
// (version byte 0x00) rather than the legacy base64 format.
func IsHexKeysetId(id string) bool {
	if !strings.HasPrefix(id, "00") {
		return false
	}
	_, err := hex.DecodeString(id)
	return err == nil
}

// SerializeToken encodes proofs into a portable bearer token. The
// version prefix depends on the keyset id format: proofs from hex
// keysets produce a V4 token, anything else falls back to V3.
func SerializeToken(mintURL, unit string, proofs []Proof, memo string) (string, error) {
	version := "cashuB"
	for _, proof := range proofs {
		if !IsHexKeysetId(proof.Id) {
			version = "cashuA"
			break
		}
	}

	payload, err := json.Marshal(token{
		Token: []tokenEntry{{Mint: mintURL, Proofs: proofs}},
		Unit:  unit,
		Memo:  memo,
	})
	if err != nil {
		return "", err
	}
	return version + base64.URLEncoding.WithPadding(base64.NoPadding).EncodeToString(payload), nil
}
