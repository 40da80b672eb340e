package main

import (
	"bytes"
	"encoding/json"
	"testing"
)

func TestRunMain_BridgeRequest(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer
	err := runMain([]string{
		"--queue-driver", "stdio",
		"--kind", "bridge",
		"--request-id", "req-42",
		"--wallet", "0x00000000000000000000000000000000000000aa",
		"--source-amount", "1000",
		"--bridged-expected", "990",
	}, &out)
	if err != nil {
		t.Fatalf("runMain: %v", err)
	}

	var req bridgeRequestV1
	if err := json.Unmarshal(bytes.TrimSpace(out.Bytes()), &req); err != nil {
		t.Fatalf("unmarshal output: %v", err)
	}
	if req.Version != "bridge.request.v1" {
		t.Fatalf("version: got %q", req.Version)
	}
	if req.RequestID != "req-42" || req.SourceAmount != 1000 || req.BridgedAmountExpected != 990 {
		t.Fatalf("request mismatch: %+v", req)
	}
	if req.Vault != "" {
		t.Fatalf("vault should be omitted: %q", req.Vault)
	}
}

func TestRunMain_RedemptionRequest(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer
	err := runMain([]string{
		"--queue-driver", "stdio",
		"--kind", "redemption",
		"--wallet", "0x00000000000000000000000000000000000000bb",
		"--shares", "500",
		"--expected-payout", "480",
		"--payout-address", "rPayoutDest1",
	}, &out)
	if err != nil {
		t.Fatalf("runMain: %v", err)
	}

	var req redemptionRequestV1
	if err := json.Unmarshal(bytes.TrimSpace(out.Bytes()), &req); err != nil {
		t.Fatalf("unmarshal output: %v", err)
	}
	if req.Version != "redemption.request.v1" {
		t.Fatalf("version: got %q", req.Version)
	}
	if req.SharesAmount != 500 || req.ExpectedPayoutAmount != 480 || req.PayoutAddress != "rPayoutDest1" {
		t.Fatalf("request mismatch: %+v", req)
	}
}

func TestRunMain_Validation(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		args []string
	}{
		{"bad wallet", []string{"--queue-driver", "stdio", "--kind", "bridge", "--request-id", "r", "--wallet", "not-hex", "--source-amount", "1", "--bridged-expected", "1"}},
		{"missing request id", []string{"--queue-driver", "stdio", "--kind", "bridge", "--wallet", "0x00000000000000000000000000000000000000aa", "--source-amount", "1", "--bridged-expected", "1"}},
		{"zero amounts", []string{"--queue-driver", "stdio", "--kind", "bridge", "--request-id", "r", "--wallet", "0x00000000000000000000000000000000000000aa"}},
		{"missing payout address", []string{"--queue-driver", "stdio", "--kind", "redemption", "--wallet", "0x00000000000000000000000000000000000000aa", "--shares", "1", "--expected-payout", "1"}},
		{"unknown kind", []string{"--queue-driver", "stdio", "--kind", "swap", "--wallet", "0x00000000000000000000000000000000000000aa"}},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			var out bytes.Buffer
			if err := runMain(tc.args, &out); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}
