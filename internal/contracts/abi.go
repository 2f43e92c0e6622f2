// Package contracts holds the ABI fragments the service consumes. The bill
// payment contract is deployed separately; only its call surface lives here.
package contracts

// ERC20ABI is the subset of the standard token interface used for the
// approval leg.
const ERC20ABI = `[
  {
    "constant": false,
    "inputs": [
      {"name": "spender", "type": "address"},
      {"name": "value", "type": "uint256"}
    ],
    "name": "approve",
    "outputs": [{"name": "", "type": "bool"}],
    "stateMutability": "nonpayable",
    "type": "function"
  },
  {
    "constant": true,
    "inputs": [
      {"name": "owner", "type": "address"},
      {"name": "spender", "type": "address"}
    ],
    "name": "allowance",
    "outputs": [{"name": "", "type": "uint256"}],
    "stateMutability": "view",
    "type": "function"
  },
  {
    "constant": true,
    "inputs": [{"name": "owner", "type": "address"}],
    "name": "balanceOf",
    "outputs": [{"name": "", "type": "uint256"}],
    "stateMutability": "view",
    "type": "function"
  }
]`

// BillPaymentABI is the call surface of the ChainPay bill payment contract.
// The network argument is a fixed on-chain enum: 0=MTN, 1=Airtel, 2=Glo,
// 3=Etisalat. Do not renumber.
const BillPaymentABI = `[
  {
    "inputs": [{"name": "token", "type": "address"}],
    "name": "acceptedTokens",
    "outputs": [{"name": "", "type": "bool"}],
    "stateMutability": "view",
    "type": "function"
  },
  {
    "inputs": [
      {"name": "phoneNumber", "type": "string"},
      {"name": "amount", "type": "uint256"},
      {"name": "network", "type": "uint8"},
      {"name": "token", "type": "address"}
    ],
    "name": "buyAirtime",
    "outputs": [],
    "stateMutability": "nonpayable",
    "type": "function"
  }
]`
