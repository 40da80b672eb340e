package contractabi

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

var ErrInvalidInput = errors.New("contractabi: invalid input")

var (
	initOnce sync.Once
	initErr  error

	bridgeTokenABI abi.ABI
	vaultABI       abi.ABI
)

func initABI() error {
	initOnce.Do(func() {
		var err error

		bridgeTokenABI, err = abi.JSON(strings.NewReader(bridgeTokenABIJSON))
		if err != nil {
			initErr = fmt.Errorf("contractabi: parse bridge token ABI: %w", err)
			return
		}
		vaultABI, err = abi.JSON(strings.NewReader(vaultABIJSON))
		if err != nil {
			initErr = fmt.Errorf("contractabi: parse vault ABI: %w", err)
			return
		}
	})
	return initErr
}

// PackMint builds calldata for BridgeToken.mint. The job id ties the mint to
// its attested XRPL payment; the contract rejects a job id it has already
// minted for, making the call idempotent on-chain.
func PackMint(jobID common.Hash, recipient common.Address, amount *big.Int, proof []byte) ([]byte, error) {
	if err := initABI(); err != nil {
		return nil, err
	}
	if jobID == (common.Hash{}) {
		return nil, fmt.Errorf("%w: job id must be non-zero", ErrInvalidInput)
	}
	if recipient == (common.Address{}) {
		return nil, fmt.Errorf("%w: recipient must be non-zero", ErrInvalidInput)
	}
	if amount == nil || amount.Sign() <= 0 {
		return nil, fmt.Errorf("%w: amount must be > 0", ErrInvalidInput)
	}
	if len(proof) == 0 {
		return nil, fmt.Errorf("%w: empty proof", ErrInvalidInput)
	}

	b, err := bridgeTokenABI.Pack("mint", jobID, recipient, amount, proof)
	if err != nil {
		return nil, fmt.Errorf("contractabi: pack mint calldata: %w", err)
	}
	return b, nil
}

// PackVaultDeposit builds calldata for the ERC-4626 deposit(assets, receiver).
func PackVaultDeposit(assets *big.Int, receiver common.Address) ([]byte, error) {
	if err := initABI(); err != nil {
		return nil, err
	}
	if assets == nil || assets.Sign() <= 0 {
		return nil, fmt.Errorf("%w: assets must be > 0", ErrInvalidInput)
	}
	if receiver == (common.Address{}) {
		return nil, fmt.Errorf("%w: receiver must be non-zero", ErrInvalidInput)
	}

	b, err := vaultABI.Pack("deposit", assets, receiver)
	if err != nil {
		return nil, fmt.Errorf("contractabi: pack deposit calldata: %w", err)
	}
	return b, nil
}

// PackVaultRedeem builds calldata for the ERC-4626 redeem(shares, receiver,
// owner).
func PackVaultRedeem(shares *big.Int, receiver, owner common.Address) ([]byte, error) {
	if err := initABI(); err != nil {
		return nil, err
	}
	if shares == nil || shares.Sign() <= 0 {
		return nil, fmt.Errorf("%w: shares must be > 0", ErrInvalidInput)
	}
	if receiver == (common.Address{}) {
		return nil, fmt.Errorf("%w: receiver must be non-zero", ErrInvalidInput)
	}
	if owner == (common.Address{}) {
		return nil, fmt.Errorf("%w: owner must be non-zero", ErrInvalidInput)
	}

	b, err := vaultABI.Pack("redeem", shares, receiver, owner)
	if err != nil {
		return nil, fmt.Errorf("contractabi: pack redeem calldata: %w", err)
	}
	return b, nil
}

const bridgeTokenABIJSON = `[
  {
    "inputs": [
      {"internalType":"bytes32","name":"jobId","type":"bytes32"},
      {"internalType":"address","name":"recipient","type":"address"},
      {"internalType":"uint256","name":"amount","type":"uint256"},
      {"internalType":"bytes","name":"proof","type":"bytes"}
    ],
    "name":"mint",
    "outputs":[],
    "stateMutability":"nonpayable",
    "type":"function"
  }
]`

const vaultABIJSON = `[
  {
    "inputs": [
      {"internalType":"uint256","name":"assets","type":"uint256"},
      {"internalType":"address","name":"receiver","type":"address"}
    ],
    "name":"deposit",
    "outputs":[{"internalType":"uint256","name":"shares","type":"uint256"}],
    "stateMutability":"nonpayable",
    "type":"function"
  },
  {
    "inputs": [
      {"internalType":"uint256","name":"shares","type":"uint256"},
      {"internalType":"address","name":"receiver","type":"address"},
      {"internalType":"address","name":"owner","type":"address"}
    ],
    "name":"redeem",
    "outputs":[{"internalType":"uint256","name":"assets","type":"uint256"}],
    "stateMutability":"nonpayable",
    "type":"function"
  }
]`
