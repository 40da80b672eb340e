package contractabi

import (
	"bytes"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

func TestPackMint(t *testing.T) {
	t.Parallel()

	var jobID common.Hash
	jobID[0] = 0x22

	b, err := PackMint(jobID, common.HexToAddress("0x0000000000000000000000000000000000000456"), big.NewInt(1000), []byte{0x01, 0x02})
	if err != nil {
		t.Fatalf("PackMint: %v", err)
	}
	if len(b) < 4 {
		t.Fatalf("calldata too short: %d bytes", len(b))
	}
	// The job id is the first static argument after the selector.
	if !bytes.Equal(b[4:36], jobID[:]) {
		t.Fatalf("job id not at argument 0: %x", b[4:36])
	}
}

func TestPackMint_Validation(t *testing.T) {
	t.Parallel()

	var jobID common.Hash
	jobID[0] = 0x22
	recipient := common.HexToAddress("0x0000000000000000000000000000000000000456")

	cases := []struct {
		name string
		fn   func() ([]byte, error)
	}{
		{
			name: "zero job id",
			fn: func() ([]byte, error) {
				return PackMint(common.Hash{}, recipient, big.NewInt(1), []byte{0x01})
			},
		},
		{
			name: "zero recipient",
			fn: func() ([]byte, error) {
				return PackMint(jobID, common.Address{}, big.NewInt(1), []byte{0x01})
			},
		},
		{
			name: "nil amount",
			fn: func() ([]byte, error) {
				return PackMint(jobID, recipient, nil, []byte{0x01})
			},
		},
		{
			name: "zero amount",
			fn: func() ([]byte, error) {
				return PackMint(jobID, recipient, big.NewInt(0), []byte{0x01})
			},
		},
		{
			name: "empty proof",
			fn: func() ([]byte, error) {
				return PackMint(jobID, recipient, big.NewInt(1), nil)
			},
		},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if _, err := tc.fn(); !errors.Is(err, ErrInvalidInput) {
				t.Fatalf("expected ErrInvalidInput, got %v", err)
			}
		})
	}
}

func TestPackVaultDepositAndRedeemDiffer(t *testing.T) {
	t.Parallel()

	receiver := common.HexToAddress("0x0000000000000000000000000000000000000456")
	owner := common.HexToAddress("0x0000000000000000000000000000000000000789")

	dep, err := PackVaultDeposit(big.NewInt(500), receiver)
	if err != nil {
		t.Fatalf("PackVaultDeposit: %v", err)
	}
	red, err := PackVaultRedeem(big.NewInt(500), receiver, owner)
	if err != nil {
		t.Fatalf("PackVaultRedeem: %v", err)
	}
	if bytes.Equal(dep[:4], red[:4]) {
		t.Fatalf("deposit and redeem selectors must differ: %x", dep[:4])
	}
}

func TestPackVaultRedeem_Validation(t *testing.T) {
	t.Parallel()

	receiver := common.HexToAddress("0x0000000000000000000000000000000000000456")

	if _, err := PackVaultRedeem(nil, receiver, receiver); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for nil shares, got %v", err)
	}
	if _, err := PackVaultRedeem(big.NewInt(1), common.Address{}, receiver); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for zero receiver, got %v", err)
	}
	if _, err := PackVaultRedeem(big.NewInt(1), receiver, common.Address{}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for zero owner, got %v", err)
	}
}
