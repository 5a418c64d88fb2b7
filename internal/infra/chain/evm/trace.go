package evm

import (
	"encoding/json"
	"fmt"
	"math/big"
	"strings"
)

// Trace is one step of a transaction execution as reported by trace_block.
// Addresses are lowercase. TraceIndex is the position of the step among the
// steps of its transaction.
type Trace struct {
	TxHash     string
	TraceIndex int
	Type       string
	From       string
	To         string
	Value      *big.Int
	Error      string
	Raw        json.RawMessage
}

type rawTrace struct {
	Type            string `json:"type"`
	TransactionHash string `json:"transactionHash"`
	Error           string `json:"error"`
	Action          struct {
		From          string `json:"from"`
		To            string `json:"to"`
		Value         string `json:"value"`
		Address       string `json:"address"`
		RefundAddress string `json:"refundAddress"`
		Balance       string `json:"balance"`
	} `json:"action"`
	Result *struct {
		Address string `json:"address"`
	} `json:"result"`
}

// parseTraces maps raw parity-style traces. Block reward steps carry no
// transaction and are skipped.
func parseTraces(raws []json.RawMessage) ([]Trace, error) {
	traces := make([]Trace, 0, len(raws))
	perTx := make(map[string]int)

	for i, raw := range raws {
		var rt rawTrace
		if err := json.Unmarshal(raw, &rt); err != nil {
			return nil, fmt.Errorf("decode trace %d: %w", i, err)
		}
		if rt.TransactionHash == "" {
			continue
		}

		txHash := strings.ToLower(rt.TransactionHash)
		t := Trace{
			TxHash:     txHash,
			TraceIndex: perTx[txHash],
			Type:       rt.Type,
			Error:      rt.Error,
			Raw:        raw,
		}
		perTx[txHash]++

		var value string
		switch rt.Type {
		case "suicide":
			t.From = rt.Action.Address
			t.To = rt.Action.RefundAddress
			value = rt.Action.Balance
		case "create":
			t.From = rt.Action.From
			if rt.Result != nil {
				t.To = rt.Result.Address
			}
			value = rt.Action.Value
		default:
			t.From = rt.Action.From
			t.To = rt.Action.To
			value = rt.Action.Value
		}
		t.From = strings.ToLower(t.From)
		t.To = strings.ToLower(t.To)

		v, err := parseHexToBigInt(value)
		if err != nil {
			return nil, fmt.Errorf("trace %s/%d value: %w", t.TxHash, t.TraceIndex, err)
		}
		t.Value = v
		traces = append(traces, t)
	}
	return traces, nil
}

// parseHexToBigInt accepts node quirks such as leading zeros; an empty value
// is zero.
func parseHexToBigInt(hexStr string) (*big.Int, error) {
	s := strings.TrimPrefix(strings.TrimPrefix(hexStr, "0x"), "0X")
	if s == "" {
		return new(big.Int), nil
	}
	n := new(big.Int)
	if _, ok := n.SetString(s, 16); !ok {
		return nil, fmt.Errorf("invalid hex: %s", hexStr)
	}
	return n, nil
}
