package ledger

// SettlementMarketABI is the ABI of the per-market settlement contract.
// marketInfo returns the claim close time (unix seconds), the contract status
// (0 open, 1 preliminary, 2 final, 3 canceled) and the recorded outcome.
const SettlementMarketABI = `[
	{
		"type": "function",
		"name": "marketInfo",
		"stateMutability": "view",
		"inputs": [],
		"outputs": [
			{"name": "closeTime", "type": "uint256"},
			{"name": "status", "type": "uint8"},
			{"name": "outcome", "type": "uint8"}
		]
	},
	{
		"type": "function",
		"name": "preliminaryResolve",
		"stateMutability": "nonpayable",
		"inputs": [{"name": "outcome", "type": "uint8"}],
		"outputs": []
	},
	{
		"type": "function",
		"name": "finalResolve",
		"stateMutability": "nonpayable",
		"inputs": [
			{"name": "outcome", "type": "uint8"},
			{"name": "confidence", "type": "uint8"}
		],
		"outputs": []
	},
	{
		"anonymous": false,
		"type": "event",
		"name": "PreliminaryResolved",
		"inputs": [
			{"indexed": false, "name": "outcome", "type": "uint8"},
			{"indexed": false, "name": "timestamp", "type": "uint256"}
		]
	},
	{
		"anonymous": false,
		"type": "event",
		"name": "FinalResolved",
		"inputs": [
			{"indexed": false, "name": "outcome", "type": "uint8"},
			{"indexed": false, "name": "confidence", "type": "uint8"},
			{"indexed": false, "name": "timestamp", "type": "uint256"}
		]
	}
]`
