package chain

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/holiman/uint256"
)

// Minimal ERC-20 ABI: the read methods and the Approval event.
const erc20ABI = `[
	{"constant":true,"inputs":[{"name":"owner","type":"address"},{"name":"spender","type":"address"}],"name":"allowance","outputs":[{"name":"","type":"uint256"}],"type":"function"},
	{"constant":true,"inputs":[],"name":"decimals","outputs":[{"name":"","type":"uint8"}],"type":"function"},
	{"constant":true,"inputs":[],"name":"symbol","outputs":[{"name":"","type":"string"}],"type":"function"},
	{"constant":true,"inputs":[],"name":"name","outputs":[{"name":"","type":"string"}],"type":"function"},
	{"anonymous":false,"inputs":[{"indexed":true,"name":"owner","type":"address"},{"indexed":true,"name":"spender","type":"address"},{"indexed":false,"name":"value","type":"uint256"}],"name":"Approval","type":"event"}
]`

var (
	erc20 = mustParseABI(erc20ABI)

	// ApprovalTopic is keccak256("Approval(address,address,uint256)").
	ApprovalTopic = erc20.Events["Approval"].ID
)

func mustParseABI(def string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic("chain: parse ERC20 ABI: " + err.Error())
	}
	return parsed
}

func packAllowance(owner, spender common.Address) ([]byte, error) {
	return erc20.Pack("allowance", owner, spender)
}

func unpackUint256(method string, data []byte) (*uint256.Int, error) {
	out, err := erc20.Unpack(method, data)
	if err != nil || len(out) != 1 {
		return nil, fmt.Errorf("%w: %s", ErrNotERC20, method)
	}
	v, ok := out[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotERC20, method)
	}
	z, overflow := uint256.FromBig(v)
	if overflow {
		return nil, fmt.Errorf("%w: %s overflow", ErrNotERC20, method)
	}
	return z, nil
}

func unpackUint8(method string, data []byte) (uint8, error) {
	out, err := erc20.Unpack(method, data)
	if err != nil || len(out) != 1 {
		return 0, fmt.Errorf("%w: %s", ErrNotERC20, method)
	}
	v, ok := out[0].(uint8)
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrNotERC20, method)
	}
	return v, nil
}

func unpackString(method string, data []byte) (string, error) {
	out, err := erc20.Unpack(method, data)
	if err != nil || len(out) != 1 {
		return "", fmt.Errorf("%w: %s", ErrNotERC20, method)
	}
	v, ok := out[0].(string)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNotERC20, method)
	}
	return v, nil
}

// decodeApproval turns a raw log into an Approval. It rejects logs with
// the wrong shape instead of guessing.
func decodeApproval(l types.Log) (Approval, error) {
	if len(l.Topics) != 3 || l.Topics[0] != ApprovalTopic {
		return Approval{}, fmt.Errorf("not an Approval log (tx %s)", l.TxHash.Hex())
	}
	value, err := unpackUint256("Approval", l.Data)
	if err != nil {
		return Approval{}, err
	}
	return Approval{
		Token:       lowerHex(l.Address),
		Owner:       lowerHex(common.BytesToAddress(l.Topics[1].Bytes())),
		Spender:     lowerHex(common.BytesToAddress(l.Topics[2].Bytes())),
		Value:       value,
		TxHash:      l.TxHash.Hex(),
		BlockNumber: l.BlockNumber,
		LogIndex:    l.Index,
	}, nil
}

func lowerHex(a common.Address) string {
	return strings.ToLower(a.Hex())
}
