package ledger

import (
	"math/big"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

// escrowABI describes the subset of the escrow contract the backend uses.
// DepositedWithRef repeats the order id as non-indexed data so deposits can be
// correlated without guessing.
const escrowABI = `[
  {"type":"function","name":"deposit","stateMutability":"nonpayable","inputs":[
    {"name":"orderId","type":"string"},{"name":"seller","type":"address"},{"name":"amount","type":"uint256"},
    {"name":"departure","type":"string"},{"name":"destination","type":"string"}],"outputs":[]},
  {"type":"function","name":"release","stateMutability":"nonpayable","inputs":[{"name":"orderId","type":"string"}],"outputs":[]},
  {"type":"function","name":"refund","stateMutability":"nonpayable","inputs":[{"name":"orderId","type":"string"}],"outputs":[]},
  {"type":"function","name":"getEscrow","stateMutability":"view","inputs":[{"name":"orderId","type":"string"}],"outputs":[
    {"name":"buyer","type":"address"},{"name":"seller","type":"address"},{"name":"amount","type":"uint256"},
    {"name":"departure","type":"string"},{"name":"destination","type":"string"},{"name":"status","type":"uint8"}]},
  {"type":"event","name":"Deposited","anonymous":false,"inputs":[
    {"name":"orderId","type":"string","indexed":true},{"name":"buyer","type":"address","indexed":false},
    {"name":"seller","type":"address","indexed":false},{"name":"amount","type":"uint256","indexed":false},
    {"name":"departure","type":"string","indexed":false},{"name":"destination","type":"string","indexed":false}]},
  {"type":"event","name":"DepositedWithRef","anonymous":false,"inputs":[
    {"name":"orderId","type":"string","indexed":true},{"name":"orderRef","type":"string","indexed":false},
    {"name":"buyer","type":"address","indexed":false},{"name":"seller","type":"address","indexed":false},
    {"name":"amount","type":"uint256","indexed":false},{"name":"departure","type":"string","indexed":false},
    {"name":"destination","type":"string","indexed":false}]},
  {"type":"event","name":"Released","anonymous":false,"inputs":[
    {"name":"orderId","type":"string","indexed":true},{"name":"seller","type":"address","indexed":false},
    {"name":"amount","type":"uint256","indexed":false}]},
  {"type":"event","name":"Refunded","anonymous":false,"inputs":[
    {"name":"orderId","type":"string","indexed":true},{"name":"buyer","type":"address","indexed":false},
    {"name":"amount","type":"uint256","indexed":false}]}
]`

const (
	eventDeposited        = "Deposited"
	eventDepositedWithRef = "DepositedWithRef"
)

// EscrowABI returns the parsed contract ABI.
func EscrowABI() (abi.ABI, error) {
	return abi.JSON(strings.NewReader(escrowABI))
}

// ToBaseUnits converts a token amount into its integer representation with the given decimals.
// The amount goes through its shortest decimal form so 0.015 scales to exactly 15 * 10^(decimals-3).
func ToBaseUnits(amount float64, decimals int) *big.Int {
	value, ok := new(big.Float).SetPrec(256).SetString(strconv.FormatFloat(amount, 'f', -1, 64))
	if !ok {
		return new(big.Int)
	}
	value.Mul(value, new(big.Float).SetPrec(256).SetInt(pow10(decimals)))
	value.Add(value, big.NewFloat(0.5))

	result, _ := value.Int(nil)
	return result
}

// FromBaseUnits converts an integer token amount back into a decimal value.
func FromBaseUnits(amount *big.Int, decimals int) float64 {
	if amount == nil {
		return 0
	}
	value, _ := new(big.Float).Quo(new(big.Float).SetInt(amount), new(big.Float).SetInt(pow10(decimals))).Float64()
	return value
}

func pow10(decimals int) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
}
