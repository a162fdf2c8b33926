package deals

import (
	"context"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/graphmesh/graphmesh/pkg/proto"
)

// ChainReader fetches this node's deals from the authoritative contract.
type ChainReader interface {
	FetchDeals(ctx context.Context) ([]proto.Deal, error)
}

// dealsABI covers the single read method the reconciler needs.
const dealsABI = `[{
	"name": "getDealsForProvider",
	"type": "function",
	"stateMutability": "view",
	"inputs": [{"name": "provider", "type": "address"}],
	"outputs": [{
		"name": "deals",
		"type": "tuple[]",
		"components": [
			{"name": "dealId", "type": "uint64"},
			{"name": "cid", "type": "string"},
			{"name": "client", "type": "address"},
			{"name": "sizeBytes", "type": "uint64"},
			{"name": "durationSecs", "type": "uint64"},
			{"name": "status", "type": "uint8"},
			{"name": "txHash", "type": "bytes32"}
		]
	}]
}]`

type chainDeal struct {
	DealId       uint64
	Cid          string
	Client       common.Address
	SizeBytes    uint64
	DurationSecs uint64
	Status       uint8
	TxHash       [32]byte
}

// EthChainReader reads deals from an EVM contract over JSON-RPC.
type EthChainReader struct {
	client   *ethclient.Client
	abi      abi.ABI
	contract common.Address
	provider common.Address
}

// NewEthChainReader dials the RPC endpoint and prepares the contract call.
func NewEthChainReader(ctx context.Context, rpcURL, contract, provider string) (*EthChainReader, error) {
	if !common.IsHexAddress(contract) {
		return nil, fmt.Errorf("invalid contract address %q", contract)
	}
	if !common.IsHexAddress(provider) {
		return nil, fmt.Errorf("invalid provider address %q", provider)
	}
	parsed, err := abi.JSON(strings.NewReader(dealsABI))
	if err != nil {
		return nil, fmt.Errorf("parse deals abi: %w", err)
	}
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("dial chain rpc: %w", err)
	}
	return &EthChainReader{
		client:   client,
		abi:      parsed,
		contract: common.HexToAddress(contract),
		provider: common.HexToAddress(provider),
	}, nil
}

// FetchDeals calls getDealsForProvider at the latest block.
func (r *EthChainReader) FetchDeals(ctx context.Context) ([]proto.Deal, error) {
	data, err := r.abi.Pack("getDealsForProvider", r.provider)
	if err != nil {
		return nil, fmt.Errorf("pack call: %w", err)
	}
	res, err := r.client.CallContract(ctx, ethereum.CallMsg{
		To:   &r.contract,
		Data: data,
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("call contract: %w", err)
	}

	var raw []chainDeal
	if err := r.abi.UnpackIntoInterface(&raw, "getDealsForProvider", res); err != nil {
		return nil, fmt.Errorf("unpack deals: %w", err)
	}

	deals := make([]proto.Deal, 0, len(raw))
	for _, cd := range raw {
		deals = append(deals, proto.Deal{
			DealID:        cd.DealId,
			CID:           cd.Cid,
			ClientAddress: cd.Client.Hex(),
			SizeBytes:     cd.SizeBytes,
			DurationSecs:  cd.DurationSecs,
			Status:        statusName(cd.Status),
			ChainTxHash:   hashHex(cd.TxHash),
		})
	}
	return deals, nil
}

// Close releases the underlying RPC client.
func (r *EthChainReader) Close() {
	r.client.Close()
}

func statusName(s uint8) string {
	switch s {
	case 1:
		return proto.DealActive
	case 2:
		return proto.DealExpired
	default:
		return proto.DealCreated
	}
}

func hashHex(h [32]byte) string {
	if h == [32]byte{} {
		return ""
	}
	return common.BytesToHash(h[:]).Hex()
}
